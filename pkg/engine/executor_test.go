package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/devstation/devstation/pkg/journal"
	"github.com/devstation/devstation/pkg/telemetry"
)

func quietLogger(t *testing.T) *telemetry.Logger {
	t.Helper()

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "fatal"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return logger
}

func passthroughContext(phase Phase, frag *journal.Fragment) *RunContext {
	return &RunContext{Recorder: frag}
}

func TestParallelExecutor_AllSucceed(t *testing.T) {
	pe := NewParallelExecutor(4, quietLogger(t))

	var mu sync.Mutex
	executed := make(map[string]bool)

	mkPhase := func(name string) Phase {
		return Phase{
			Name: name,
			Body: func(ctx context.Context, rc *RunContext) error {
				mu.Lock()
				executed[name] = true
				mu.Unlock()
				return nil
			},
		}
	}

	agg, _ := pe.Run(context.Background(),
		[]Phase{mkPhase("x"), mkPhase("y"), mkPhase("z")}, passthroughContext)

	if !agg.OK() {
		t.Fatalf("expected all tasks to succeed, got %d failed", agg.Failed)
	}
	if agg.Succeeded != 3 {
		t.Errorf("expected 3 succeeded, got %d", agg.Succeeded)
	}
	if len(executed) != 3 {
		t.Errorf("expected all 3 bodies to run, got %v", executed)
	}
}

func TestParallelExecutor_FailureDoesNotCancelSiblings(t *testing.T) {
	pe := NewParallelExecutor(4, quietLogger(t))

	var mu sync.Mutex
	executed := make(map[string]bool)

	body := func(name string, fail bool) func(context.Context, *RunContext) error {
		return func(ctx context.Context, rc *RunContext) error {
			// Stagger so the failure lands before the siblings finish.
			if !fail {
				time.Sleep(30 * time.Millisecond)
			}
			mu.Lock()
			executed[name] = true
			mu.Unlock()
			if fail {
				return errors.New("install failed")
			}
			return nil
		}
	}

	agg, _ := pe.Run(context.Background(), []Phase{
		{Name: "ok-1", Body: body("ok-1", false)},
		{Name: "bad", Body: body("bad", true)},
		{Name: "ok-2", Body: body("ok-2", false)},
	}, passthroughContext)

	if agg.Succeeded != 2 || agg.Failed != 1 {
		t.Errorf("expected 2 succeeded / 1 failed, got %d / %d", agg.Succeeded, agg.Failed)
	}
	if len(executed) != 3 {
		t.Errorf("all siblings must run to completion, executed=%v", executed)
	}
}

func TestParallelExecutor_EachTaskWritesOwnResult(t *testing.T) {
	pe := NewParallelExecutor(2, quietLogger(t))

	phases := []Phase{
		{Name: "a", Body: noopBody},
		{Name: "b", Body: func(ctx context.Context, rc *RunContext) error { return errors.New("boom") }},
	}

	agg, _ := pe.Run(context.Background(), phases, passthroughContext)

	if len(agg.Results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(agg.Results))
	}
	if agg.Results[0].Phase != "a" || agg.Results[0].Status != PhaseCompleted {
		t.Errorf("result 0 wrong: %+v", agg.Results[0])
	}
	if agg.Results[1].Phase != "b" || agg.Results[1].Status != PhaseFailed {
		t.Errorf("result 1 wrong: %+v", agg.Results[1])
	}
	if agg.Results[1].Err == nil {
		t.Error("failed result should carry its error")
	}
}

func TestParallelExecutor_ValidationFailureFailsTask(t *testing.T) {
	pe := NewParallelExecutor(2, quietLogger(t))

	phases := []Phase{{
		Name: "validated",
		Body: noopBody,
		Validate: func(ctx context.Context, rc *RunContext) error {
			return errors.New("binary missing after install")
		},
	}}

	agg, _ := pe.Run(context.Background(), phases, passthroughContext)

	if agg.Failed != 1 {
		t.Fatalf("validation failure should fail the task")
	}

	var vErr *ValidationError
	if !errors.As(agg.Results[0].Err, &vErr) {
		t.Errorf("expected ValidationError in chain, got %v", agg.Results[0].Err)
	}
}

func TestParallelExecutor_FragmentsReturnedPerTask(t *testing.T) {
	pe := NewParallelExecutor(4, quietLogger(t))

	phases := []Phase{
		{Name: "writer", Body: func(ctx context.Context, rc *RunContext) error {
			return rc.Recorder.Record("wrote config", "rm -f /tmp/config")
		}},
		{Name: "silent", Body: noopBody},
	}

	_, fragments := pe.Run(context.Background(), phases, passthroughContext)

	if len(fragments) != 2 {
		t.Fatalf("expected one fragment per task, got %d", len(fragments))
	}
	if fragments[0].Len() != 1 {
		t.Errorf("writer fragment should hold 1 entry, got %d", fragments[0].Len())
	}
	if fragments[1].Len() != 0 {
		t.Errorf("silent fragment should be empty, got %d", fragments[1].Len())
	}
}
