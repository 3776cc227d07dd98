package stores

import (
	"context"
	"time"

	"github.com/devstation/devstation/pkg/engine"
)

// History adapts the SQLite store to the orchestrator's history sink.
type History struct {
	store *SQLiteStore
}

// NewHistory wraps a store for use by the orchestrator.
func NewHistory(store *SQLiteStore) *History {
	return &History{store: store}
}

// RunStarted records the start of a run.
func (h *History) RunStarted(ctx context.Context, runID string, startedAt time.Time) error {
	return h.store.CreateRun(ctx, &Run{
		ID:        runID,
		Status:    RunStatusRunning,
		StartedAt: startedAt.UTC(),
	})
}

// PhaseFinished records one phase outcome.
func (h *History) PhaseFinished(ctx context.Context, runID string, result engine.PhaseResult) error {
	rec := &PhaseRecord{
		RunID:      runID,
		Phase:      result.Phase,
		Status:     string(result.Status),
		DurationMs: result.Duration.Milliseconds(),
	}
	if result.Err != nil {
		msg := result.Err.Error()
		rec.Error = &msg
	}
	return h.store.RecordPhaseResult(ctx, rec)
}

// RunFinished records a run's terminal status and summary.
func (h *History) RunFinished(ctx context.Context, runID string, status string, summary engine.RunSummary, duration time.Duration) error {
	rs := RunStatusSucceeded
	if status != "succeeded" {
		rs = RunStatusFailed
	}
	return h.store.FinishRun(ctx, runID, rs,
		summary.Total, summary.Completed, summary.Skipped, summary.Failed, duration)
}
