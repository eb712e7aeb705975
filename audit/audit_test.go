package audit

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestRecordAppendsLineToTodaysFile(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	ev := Event{
		Timestamp:     time.Now().UTC(),
		CorrelationID: "corr-1",
		Kind:          "tool-call",
		Outcome:       "success",
		ToolName:      "srv-1.tool-a",
		LatencyMs:     12,
	}
	if err := log.Record(ev); err != nil {
		t.Fatalf("Record: %v", err)
	}

	name := "audit-" + ev.Timestamp.Format("2006-01-02") + ".log"
	path := filepath.Join(dir, "audit-logs", name)
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open log file: %v", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	if !scanner.Scan() {
		t.Fatal("expected at least one line")
	}
	var got Event
	if err := json.Unmarshal(scanner.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.CorrelationID != "corr-1" || got.ToolName != "srv-1.tool-a" {
		t.Errorf("got %+v, want matching corr-1/srv-1.tool-a", got)
	}
}

func TestRecordRotatesOnDateChange(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	day1 := time.Date(2026, 1, 1, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2026, 1, 2, 0, 1, 0, 0, time.UTC)

	if err := log.Record(Event{Timestamp: day1, Kind: "tool-call", Outcome: "success"}); err != nil {
		t.Fatal(err)
	}
	if err := log.Record(Event{Timestamp: day2, Kind: "tool-call", Outcome: "success"}); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "audit-logs"))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Errorf("got %d files, want 2 (one per UTC day)", len(entries))
	}
}

func TestSweepRemovesFilesOlderThanRetention(t *testing.T) {
	dir := t.TempDir()
	logDir := filepath.Join(dir, "audit-logs")
	if err := os.MkdirAll(logDir, 0o700); err != nil {
		t.Fatal(err)
	}
	old := filepath.Join(logDir, "audit-2020-01-01.log")
	recent := filepath.Join(logDir, "audit-"+time.Now().UTC().Format("2006-01-02")+".log")
	for _, p := range []string{old, recent} {
		if err := os.WriteFile(p, []byte("{}\n"), 0o600); err != nil {
			t.Fatal(err)
		}
	}

	log, err := Open(dir, RetentionDays(30))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer log.Close()

	if err := log.Sweep(); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if _, err := os.Stat(old); !os.IsNotExist(err) {
		t.Error("expected old log file to be removed")
	}
	if _, err := os.Stat(recent); err != nil {
		t.Error("expected recent log file to survive sweep")
	}
}

func TestRetentionDaysClampedToBounds(t *testing.T) {
	dir := t.TempDir()
	log, err := Open(dir, RetentionDays(0))
	if err != nil {
		t.Fatal(err)
	}
	defer log.Close()
	if log.retentionDays != 1 {
		t.Errorf("retentionDays = %d, want clamped to 1", log.retentionDays)
	}

	log2, err := Open(dir, RetentionDays(10000))
	if err != nil {
		t.Fatal(err)
	}
	defer log2.Close()
	if log2.retentionDays != 365 {
		t.Errorf("retentionDays = %d, want clamped to 365", log2.retentionDays)
	}
}
