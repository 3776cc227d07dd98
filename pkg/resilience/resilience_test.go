package resilience

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/devstation/devstation/pkg/runner"
	"github.com/devstation/devstation/pkg/telemetry"
)

// scriptedRunner returns canned results in order and counts invocations.
type scriptedRunner struct {
	results []*runner.Result
	calls   int
}

func (s *scriptedRunner) Run(ctx context.Context, cmd runner.Command) (*runner.Result, error) {
	if s.calls >= len(s.results) {
		s.calls++
		return &runner.Result{ExitCode: 0}, nil
	}
	r := s.results[s.calls]
	s.calls++
	return r, nil
}

func failure(stderr string) *runner.Result {
	return &runner.Result{ExitCode: 1, Stderr: stderr}
}

func success() *runner.Result {
	return &runner.Result{ExitCode: 0}
}

func newTestExecutor(t *testing.T, r runner.Runner) *Executor {
	t.Helper()

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "fatal"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}

	e := NewExecutor(r, logger, nil)
	e.sleep = func(ctx context.Context, d time.Duration) error { return nil }
	return e
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		stderr string
		want   Kind
	}{
		{"dns failure", "Could not resolve host: example.com", KindNetwork},
		{"timeout", "Connection timed out", KindTimeout},
		{"dpkg lock", "Could not get lock /var/lib/dpkg/lock", KindLockContention},
		{"hash mismatch", "Hash sum mismatch", KindPackageCorrupt},
		{"permission", "mkdir: cannot create directory: Permission denied", KindPermission},
		{"missing package", "E: Unable to locate package no-such-ide", KindNotFound},
		{"disk full", "write error: No space left on device", KindDisk},
		{"garbage", "segmentation fault", KindUnknown},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := Classify(1, tc.stderr, "")
			if got != tc.want {
				t.Errorf("Classify(%q) = %s, want %s", tc.stderr, got, tc.want)
			}
		})
	}
}

func TestClassify_StdoutAlsoMatched(t *testing.T) {
	if got := Classify(100, "", "Hash sum mismatch"); got != KindPackageCorrupt {
		t.Errorf("expected package_corrupt, got %s", got)
	}
}

func TestRetryableKinds(t *testing.T) {
	retryable := []Kind{KindNetwork, KindTimeout, KindLockContention, KindPackageCorrupt}
	for _, k := range retryable {
		if !IsRetryable(k) {
			t.Errorf("%s should be retryable", k)
		}
	}

	critical := []Kind{KindPermission, KindNotFound, KindDisk}
	for _, k := range critical {
		if IsRetryable(k) {
			t.Errorf("%s should not be retryable", k)
		}
	}
	if IsRetryable(KindUnknown) {
		t.Error("unknown should not be retryable")
	}
}

func TestGetSeverityAndSuggestion(t *testing.T) {
	if GetSeverity(KindPermission) != SeverityFatal {
		t.Error("permission should be fatal")
	}
	if GetSeverity(KindNetwork) != SeverityWarning {
		t.Error("network should be warning")
	}
	if GetSuggestion(KindDisk) == "" {
		t.Error("disk should carry a suggestion")
	}
}

func TestExecuteWithRetry_SucceedsAfterTransientFailures(t *testing.T) {
	r := &scriptedRunner{results: []*runner.Result{
		failure("Could not resolve host: deb.debian.org"),
		failure("Could not resolve host: deb.debian.org"),
		success(),
	}}
	e := newTestExecutor(t, r)

	result, err := e.ExecuteWithRetry(context.Background(), runner.Command{Command: "apt-get update"}, 3)
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if !result.Succeeded() {
		t.Error("expected successful result")
	}
	if r.calls != 3 {
		t.Errorf("expected exactly 3 invocations, got %d", r.calls)
	}
}

func TestExecuteWithRetry_MaxRetriesExceeded(t *testing.T) {
	r := &scriptedRunner{results: []*runner.Result{
		failure("Connection timed out"),
		failure("Connection timed out"),
		failure("Connection timed out"),
	}}
	e := newTestExecutor(t, r)

	_, err := e.ExecuteWithRetry(context.Background(), runner.Command{Command: "curl example.com"}, 2)
	if err == nil {
		t.Fatal("expected error after exhausting retries")
	}
	if !errors.Is(err, ErrMaxRetries) {
		t.Errorf("expected ErrMaxRetries, got %v", err)
	}
	if !strings.Contains(err.Error(), "max retries exceeded") {
		t.Errorf("error should mention max retries exceeded: %v", err)
	}
	if r.calls != 2 {
		t.Errorf("expected exactly 2 invocations, got %d", r.calls)
	}
}

func TestExecuteWithRetry_CriticalFailsImmediately(t *testing.T) {
	r := &scriptedRunner{results: []*runner.Result{
		failure("rm: cannot remove '/etc/shadow': Permission denied"),
	}}
	e := newTestExecutor(t, r)

	_, err := e.ExecuteWithRetry(context.Background(), runner.Command{Command: "rm /etc/shadow"}, 5)
	if err == nil {
		t.Fatal("expected critical error")
	}
	if !errors.Is(err, ErrCritical) {
		t.Errorf("expected ErrCritical, got %v", err)
	}
	if r.calls != 1 {
		t.Errorf("critical failure must not be retried, got %d invocations", r.calls)
	}

	ce, ok := AsCommandError(err)
	if !ok {
		t.Fatal("expected a CommandError")
	}
	if ce.Kind != KindPermission {
		t.Errorf("expected permission kind, got %s", ce.Kind)
	}
	if ce.Suggestion == "" {
		t.Error("classified error should carry a suggestion")
	}
}

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	b := NewCircuitBreaker(3)

	for i := 0; i < 2; i++ {
		if tripped := b.RecordFailure(); tripped {
			t.Fatalf("breaker tripped early at failure %d", i+1)
		}
	}
	if b.IsOpen() {
		t.Fatal("breaker should still be closed below threshold")
	}

	if tripped := b.RecordFailure(); !tripped {
		t.Fatal("third failure should trip the breaker")
	}
	if !b.IsOpen() {
		t.Fatal("breaker should be open at threshold")
	}
}

func TestCircuitBreaker_SuccessResetsCounter(t *testing.T) {
	b := NewCircuitBreaker(2)

	b.RecordFailure()
	b.RecordSuccess()
	b.RecordFailure()

	if b.IsOpen() {
		t.Error("breaker should not open when successes interleave failures")
	}
}

func TestCircuitBreaker_ResetCloses(t *testing.T) {
	b := NewCircuitBreaker(1)
	b.RecordFailure()
	if !b.IsOpen() {
		t.Fatal("breaker should be open")
	}

	b.Reset()
	if b.IsOpen() {
		t.Error("breaker should be closed after Reset")
	}
	if b.Failures() != 0 {
		t.Error("failure count should be zero after Reset")
	}
}

func TestExecuteWithCircuitBreaker_ShortCircuitsWhileOpen(t *testing.T) {
	r := &scriptedRunner{}
	e := newTestExecutor(t, r)

	for i := 0; i < DefaultBreakerThreshold; i++ {
		e.Breaker().RecordFailure()
	}

	_, err := e.ExecuteWithCircuitBreaker(context.Background(), runner.Command{Command: "true"})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if r.calls != 0 {
		t.Errorf("command must not be invoked while breaker is open, got %d calls", r.calls)
	}
}

func TestSafeExecute_FeedsBreaker(t *testing.T) {
	r := &scriptedRunner{results: []*runner.Result{
		failure("Permission denied"),
	}}
	e := newTestExecutor(t, r)

	_, err := e.SafeExecute(context.Background(), runner.Command{Command: "whoami"}, "check user", 1)
	if err == nil {
		t.Fatal("expected failure")
	}
	if e.Breaker().Failures() != 1 {
		t.Errorf("breaker should have recorded one failure, got %d", e.Breaker().Failures())
	}

	r2 := &scriptedRunner{results: []*runner.Result{success()}}
	e2 := newTestExecutor(t, r2)
	if _, err := e2.SafeExecute(context.Background(), runner.Command{Command: "true"}, "noop", 1); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e2.Breaker().Failures() != 0 {
		t.Error("success should reset the breaker failure count")
	}
}
