package engine

import (
	"context"
	"sync"
	"time"

	"github.com/devstation/devstation/pkg/journal"
	"github.com/devstation/devstation/pkg/telemetry"
)

// Aggregate is the joined outcome of one fan-out.
type Aggregate struct {
	Succeeded int
	Failed    int
	Duration  time.Duration
	Results   []PhaseResult
}

// OK reports whether every task in the fan-out succeeded.
func (a *Aggregate) OK() bool {
	return a.Failed == 0
}

// ParallelExecutor runs a set of independent phases concurrently. Each task
// writes its own isolated result record; a failed task never cancels its
// siblings. All tasks run to completion and failures are reported together.
type ParallelExecutor struct {
	maxParallel int
	logger      *telemetry.Logger
}

// DefaultMaxParallel bounds the fan-out when no cap is configured.
const DefaultMaxParallel = 4

// NewParallelExecutor creates an executor with the given fan-out cap.
func NewParallelExecutor(maxParallel int, logger *telemetry.Logger) *ParallelExecutor {
	if maxParallel <= 0 {
		maxParallel = DefaultMaxParallel
	}
	return &ParallelExecutor{
		maxParallel: maxParallel,
		logger:      logger.NewComponentLogger("executor"),
	}
}

// Run launches each phase's body as a concurrent task and joins them all.
// makeContext builds each task's RunContext around a private journal
// fragment; the fragments are returned with the results so the caller can
// merge them into the shared journal at the join point.
func (pe *ParallelExecutor) Run(
	ctx context.Context,
	phases []Phase,
	makeContext func(phase Phase, frag *journal.Fragment) *RunContext,
) (*Aggregate, []*journal.Fragment) {
	start := time.Now()

	results := make([]PhaseResult, len(phases))
	fragments := make([]*journal.Fragment, len(phases))

	sem := make(chan struct{}, pe.maxParallel)
	var wg sync.WaitGroup

	for i, phase := range phases {
		wg.Add(1)
		go func(i int, phase Phase) {
			defer wg.Done()

			sem <- struct{}{}
			defer func() { <-sem }()

			frag := journal.NewFragment()
			fragments[i] = frag
			rc := makeContext(phase, frag)

			taskStart := time.Now()
			err := phase.Body(ctx, rc)
			if err == nil && phase.Validate != nil {
				if vErr := phase.Validate(ctx, rc); vErr != nil {
					err = &ValidationError{Phase: phase.Name, Err: vErr}
				}
			}

			// Each task writes only its own slot; no shared mutable state.
			result := PhaseResult{
				Phase:    phase.Name,
				Duration: time.Since(taskStart),
			}
			if err != nil {
				result.Status = PhaseFailed
				result.Err = &PhaseError{Phase: phase.Name, Err: err}
				pe.logger.WithPhase(phase.Name).WithError(err).Error("phase failed")
			} else {
				result.Status = PhaseCompleted
				pe.logger.WithPhase(phase.Name).Info("phase completed")
			}
			results[i] = result
		}(i, phase)
	}

	wg.Wait()

	agg := &Aggregate{
		Duration: time.Since(start),
		Results:  results,
	}
	for _, r := range results {
		if r.Status == PhaseCompleted {
			agg.Succeeded++
		} else {
			agg.Failed++
		}
	}

	pe.logger.Infof("fan-out joined: %d succeeded, %d failed in %s",
		agg.Succeeded, agg.Failed, agg.Duration.Round(time.Millisecond))

	return agg, fragments
}
