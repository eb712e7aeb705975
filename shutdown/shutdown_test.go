package shutdown

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, nil))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestDrainRunsStepsInOrder(t *testing.T) {
	c := New(time.Second, nopLogger())
	var mu sync.Mutex
	var order []string
	record := func(name string) func(ctx context.Context) error {
		return func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}
	c.Register("stop-accepting", record("stop-accepting"))
	c.Register("close-bridges", record("close-bridges"))
	c.Register("drain-pool", record("drain-pool"))
	c.Register("flush-audit", record("flush-audit"))

	if err := c.Drain(context.Background()); err != nil {
		t.Fatal(err)
	}
	want := []string{"stop-accepting", "close-bridges", "drain-pool", "flush-audit"}
	if len(order) != len(want) {
		t.Fatalf("order = %v, want %v", order, want)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order = %v, want %v", order, want)
		}
	}
}

func TestDrainContinuesAfterStepFailure(t *testing.T) {
	c := New(time.Second, nopLogger())
	ranSecond := false
	c.Register("first", func(ctx context.Context) error { return errors.New("boom") })
	c.Register("second", func(ctx context.Context) error { ranSecond = true; return nil })

	err := c.Drain(context.Background())
	if err == nil {
		t.Fatal("expected an aggregated error from the failed step")
	}
	if !ranSecond {
		t.Fatal("expected the second step to run despite the first failing")
	}
}

func TestDrainSkipsStepsAfterDeadlineExceeded(t *testing.T) {
	c := New(20*time.Millisecond, nopLogger())
	ranSecond := false
	c.Register("slow", func(ctx context.Context) error {
		time.Sleep(40 * time.Millisecond)
		return nil
	})
	c.Register("after", func(ctx context.Context) error { ranSecond = true; return nil })

	c.Drain(context.Background())
	if ranSecond {
		t.Fatal("expected step after the deadline to be skipped")
	}
}

func TestNewAppliesDefaultDeadline(t *testing.T) {
	c := New(0, nopLogger())
	if c.deadline != DefaultDeadline {
		t.Fatalf("deadline = %v, want %v", c.deadline, DefaultDeadline)
	}
}
