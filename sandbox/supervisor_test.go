package sandbox

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestNewBearerTokenIsRandomAndHex(t *testing.T) {
	a, err := NewBearerToken()
	if err != nil {
		t.Fatal(err)
	}
	b, err := NewBearerToken()
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Fatal("expected two distinct tokens")
	}
	if len(a) != 64 { // 32 bytes hex-encoded
		t.Fatalf("token length = %d, want 64", len(a))
	}
}

func TestRunSucceedsOnCleanExit(t *testing.T) {
	sup := New(1024)
	spec := Spec{
		Command: "/bin/sh",
		Args:    []string{"-c", "cat >/dev/null; echo hello"},
		Code:    "ignored",
		Timeout: time.Second,
	}
	res := sup.Run(context.Background(), spec)
	if res.Status != StatusSucceeded {
		t.Fatalf("Status = %v, want succeeded (err=%v, stderr=%q)", res.Status, res.Err, res.Stderr)
	}
	if !strings.Contains(res.Stdout, "hello") {
		t.Fatalf("Stdout = %q, want to contain hello", res.Stdout)
	}
}

func TestRunFailsOnNonZeroExit(t *testing.T) {
	sup := New(1024)
	spec := Spec{
		Command: "/bin/sh",
		Args:    []string{"-c", "cat >/dev/null; exit 3"},
		Timeout: time.Second,
	}
	res := sup.Run(context.Background(), spec)
	if res.Status != StatusFailed {
		t.Fatalf("Status = %v, want failed", res.Status)
	}
	if res.ExitCode != 3 {
		t.Fatalf("ExitCode = %d, want 3", res.ExitCode)
	}
}

func TestRunTimesOutAndTerminates(t *testing.T) {
	sup := New(1024)
	spec := Spec{
		Command: "/bin/sh",
		Args:    []string{"-c", "cat >/dev/null; sleep 5"},
		Timeout: 30 * time.Millisecond,
	}
	start := time.Now()
	res := sup.Run(context.Background(), spec)
	elapsed := time.Since(start)

	if res.Status != StatusTimedOut {
		t.Fatalf("Status = %v, want timed-out", res.Status)
	}
	if elapsed > 2*time.Second {
		t.Fatalf("Run took %s, expected forcible termination near the timeout", elapsed)
	}
}

func TestRunTruncatesOversizedOutput(t *testing.T) {
	sup := New(16)
	spec := Spec{
		Command: "/bin/sh",
		Args:    []string{"-c", "cat >/dev/null; printf '%0.sA' $(seq 1 100)"},
		Timeout: time.Second,
	}
	res := sup.Run(context.Background(), spec)
	if !strings.Contains(res.Stdout, "truncated") {
		t.Fatalf("Stdout = %q, want a truncation marker", res.Stdout)
	}
}

func TestBuildEnvCarriesTimeoutAndPermissions(t *testing.T) {
	spec := Spec{
		BridgeURL:   "http://127.0.0.1:9",
		BearerToken: "tok",
		Permissions: Permissions{
			ReadPaths:    []string{"/workspace"},
			NetworkHosts: []string{"127.0.0.1"},
		},
		Env: []string{"EXTRA=1"},
	}
	env := buildEnv(spec, 5*time.Second)

	want := map[string]bool{
		"ORCH_BRIDGE_URL=http://127.0.0.1:9": false,
		"ORCH_BEARER_TOKEN=tok":              false,
		"ORCH_TIMEOUT_MS=5000":               false,
		"EXTRA=1":                            false,
	}
	var sawPermissions bool
	for _, kv := range env {
		if _, ok := want[kv]; ok {
			want[kv] = true
		}
		if strings.HasPrefix(kv, "ORCH_PERMISSIONS=") && strings.Contains(kv, "/workspace") && strings.Contains(kv, "127.0.0.1") {
			sawPermissions = true
		}
	}
	for kv, found := range want {
		if !found {
			t.Fatalf("buildEnv() missing %q, got %v", kv, env)
		}
	}
	if !sawPermissions {
		t.Fatalf("buildEnv() did not serialize Permissions, got %v", env)
	}
}

func TestBoundedCaptureWriteReturnsFullLengthOnOverflow(t *testing.T) {
	b := &boundedCapture{max: 4}
	n, err := b.Write([]byte("hello world"))
	if err != nil {
		t.Fatal(err)
	}
	if n != len("hello world") {
		t.Fatalf("Write() n = %d, want %d (io.Writer contract: never report a short write)", n, len("hello world"))
	}
	if !strings.Contains(b.String(), "truncated") {
		t.Fatalf("String() = %q, want truncation marker", b.String())
	}
}
