package orchestrator

import (
	"time"

	"github.com/google/uuid"
)

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562). Used
// for correlation IDs, request IDs, and execution IDs across the pipeline.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NowUnix returns current time as Unix seconds, used for audit-log
// retention-sweep age comparisons.
func NowUnix() int64 {
	return time.Now().Unix()
}
