package observability

import (
	"context"
	"testing"
)

// testInstruments builds a real Instruments struct against the global
// OTEL providers, which are no-ops until Init registers real ones. Safe
// for testing without a collector.
func testInstruments(t *testing.T) *Instruments {
	t.Helper()
	inst, err := newInstruments()
	if err != nil {
		t.Fatalf("newInstruments: %v", err)
	}
	return inst
}

func TestNewInstrumentsPopulatesEveryCounter(t *testing.T) {
	inst := testInstruments(t)
	if inst.ToolCallsAdmitted == nil {
		t.Error("ToolCallsAdmitted is nil")
	}
	if inst.ToolCallsRejected == nil {
		t.Error("ToolCallsRejected is nil")
	}
	if inst.CircuitTransitions == nil {
		t.Error("CircuitTransitions is nil")
	}
	if inst.SchemaCacheHits == nil || inst.SchemaCacheMisses == nil || inst.SchemaSingleFlight == nil {
		t.Error("schema cache counters not fully populated")
	}
	if inst.RateLimiterAllow == nil || inst.RateLimiterDeny == nil {
		t.Error("rate limiter counters not fully populated")
	}
}

func TestNewInstrumentsPopulatesHistograms(t *testing.T) {
	inst := testInstruments(t)
	if inst.DispatchLatency == nil || inst.DownstreamLatency == nil || inst.SandboxDuration == nil {
		t.Error("histograms not fully populated")
	}
}

func TestNewInstrumentsUsableWithoutInit(t *testing.T) {
	inst := testInstruments(t)
	// Recording against the no-op global providers must not panic.
	inst.ToolCallsAdmitted.Add(context.Background(), 1)
}
