package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/devstation/devstation/pkg/checkpoint"
	"github.com/devstation/devstation/pkg/journal"
	"github.com/devstation/devstation/pkg/lock"
	"github.com/devstation/devstation/pkg/resilience"
	"github.com/devstation/devstation/pkg/telemetry"
)

// History receives run and phase outcomes for the run-history store. A nil
// History is a no-op.
type History interface {
	RunStarted(ctx context.Context, runID string, startedAt time.Time) error
	PhaseFinished(ctx context.Context, runID string, result PhaseResult) error
	RunFinished(ctx context.Context, runID string, status string, summary RunSummary, duration time.Duration) error
}

// Deps are the collaborators the orchestrator composes.
type Deps struct {
	Registry    *Registry
	Checkpoints *checkpoint.Store
	Journal     *journal.Journal
	Lock        *lock.Manager
	Exec        *resilience.Executor
	History     History
	Logger      *telemetry.Logger
	Metrics     *telemetry.Metrics
	Tracer      *telemetry.Tracer
}

// Orchestrator is the top-level driver of a provisioning run.
type Orchestrator struct {
	registry    *Registry
	checkpoints *checkpoint.Store
	journal     *journal.Journal
	lock        *lock.Manager
	exec        *resilience.Executor
	history     History
	logger      *telemetry.Logger
	metrics     *telemetry.Metrics
	tracer      *telemetry.Tracer
}

// NewOrchestrator creates an orchestrator from its dependencies.
func NewOrchestrator(deps Deps) *Orchestrator {
	return &Orchestrator{
		registry:    deps.Registry,
		checkpoints: deps.Checkpoints,
		journal:     deps.Journal,
		lock:        deps.Lock,
		exec:        deps.Exec,
		history:     deps.History,
		logger:      deps.Logger.NewComponentLogger("orchestrator"),
		metrics:     deps.Metrics,
		tracer:      deps.Tracer,
	}
}

// Run executes every registered phase in dependency order. Phases that are
// already checkpointed are skipped (resume mode is the default); force mode
// clears all checkpoints first. On failure the run stops and stays
// resumable; rollback is never invoked automatically.
func (o *Orchestrator) Run(ctx context.Context, opts Options) (*RunResult, error) {
	runID := uuid.New().String()
	log := o.logger.WithRunID(runID)
	start := time.Now()

	handle, err := o.lock.Acquire(opts.LockTimeout)
	if err != nil {
		return nil, fmt.Errorf("cannot start run: %w", err)
	}
	defer handle.Release()

	// An interrupt mid-run must still drop the lock. Checkpoints stay
	// consistent on their own: an interrupted phase simply has none.
	stopCleanup := o.lock.CleanupOnSignal(handle)
	defer stopCleanup()

	if o.tracer != nil {
		spanCtx, runSpan := o.tracer.StartRunSpan(ctx, runID)
		ctx = spanCtx
		defer func() { telemetry.EndSpan(runSpan, err) }()
	}

	if o.metrics != nil {
		o.metrics.RunStarted()
	}
	if o.history != nil {
		if hErr := o.history.RunStarted(ctx, runID, start); hErr != nil {
			log.WithError(hErr).Warn("failed to record run start")
		}
	}

	if opts.Force {
		log.Info("force mode: clearing all checkpoints")
		if cerr := o.checkpoints.ClearAll(); cerr != nil {
			err = fmt.Errorf("failed to clear checkpoints: %w", cerr)
			return nil, err
		}
	}

	result := &RunResult{RunID: runID}
	result.Summary.Total = o.registry.Len()

	executor := NewParallelExecutor(opts.MaxParallel, o.logger)
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	var runErr error

batches:
	for _, batch := range o.registry.batches() {
		pending, skipped, prereqErr := o.filterBatch(batch)
		for _, s := range skipped {
			log.WithPhase(s).Info("already checkpointed, skipping")
			result.Results = append(result.Results, PhaseResult{Phase: s, Status: PhaseSkipped})
			result.Summary.Skipped++
		}
		if prereqErr != nil {
			runErr = prereqErr
			break batches
		}
		if len(pending) == 0 {
			continue
		}

		if len(pending) == 1 {
			res := o.runPhase(ctx, pending[0], maxAttempts)
			o.recordResult(ctx, runID, result, res)
			if res.Status == PhaseFailed {
				runErr = res.Err
				break batches
			}
			continue
		}

		agg, fragments := executor.Run(ctx, pending, func(phase Phase, frag *journal.Fragment) *RunContext {
			return &RunContext{
				Recorder:    frag,
				Exec:        o.exec,
				Logger:      o.logger.WithRunID(runID).WithPhase(phase.Name),
				MaxAttempts: maxAttempts,
			}
		})

		// Merge worker fragments into the shared journal at the join point
		// so the journal keeps one total order.
		if err := o.journal.MergeFragments(fragments...); err != nil {
			runErr = fmt.Errorf("failed to merge journal fragments: %w", err)
			break batches
		}

		for i := range agg.Results {
			res := &agg.Results[i]
			if res.Status == PhaseCompleted {
				if err := o.checkpoint(pending[i]); err != nil {
					res.Status = PhaseFailed
					res.Err = err
					agg.Succeeded--
					agg.Failed++
				}
			}
			o.recordResult(ctx, runID, result, *res)
		}

		if !agg.OK() {
			runErr = &PhaseError{
				Phase: firstFailure(agg.Results),
				Err:   fmt.Errorf("%d of %d parallel phases failed", agg.Failed, len(pending)),
			}
			break batches
		}
	}

	result.Duration = time.Since(start)

	status := "succeeded"
	if runErr != nil {
		status = "failed"
		log.WithError(runErr).Error("run failed, re-run to resume from the first incomplete phase")
	} else {
		// A fully successful run has nothing left to undo.
		if err := o.journal.Clear(); err != nil {
			log.WithError(err).Warn("failed to clear journal after successful run")
		}
		log.Infof("run completed: %d executed, %d skipped in %s",
			result.Summary.Completed, result.Summary.Skipped, result.Duration.Round(time.Second))
	}

	if o.metrics != nil {
		o.metrics.RunCompleted(status, result.Duration)
	}
	if o.history != nil {
		if hErr := o.history.RunFinished(ctx, runID, status, result.Summary, result.Duration); hErr != nil {
			log.WithError(hErr).Warn("failed to record run completion")
		}
	}

	err = runErr
	return result, runErr
}

// filterBatch splits a batch into phases that still need to run and phases
// to skip, and reports an unsatisfied prerequisite if one exists.
func (o *Orchestrator) filterBatch(batch []Phase) (pending []Phase, skipped []string, err error) {
	for _, phase := range batch {
		if o.checkpoints.Exists(phase.Name) {
			skipped = append(skipped, phase.Name)
			continue
		}
		for _, pre := range phase.Prerequisites {
			if !o.checkpoints.Exists(pre) {
				return nil, skipped, &PhaseError{
					Phase: phase.Name,
					Err:   fmt.Errorf("%w: %s", ErrPrerequisite, pre),
				}
			}
		}
		pending = append(pending, phase)
	}
	return pending, skipped, nil
}

// runPhase executes one phase sequentially: body, own validation, checkpoint.
func (o *Orchestrator) runPhase(ctx context.Context, phase Phase, maxAttempts int) PhaseResult {
	log := o.logger.WithPhase(phase.Name)
	log.Info("phase running")

	if o.tracer != nil {
		phaseCtx, phaseSpan := o.tracer.StartPhaseSpan(ctx, phase.Name)
		ctx = phaseCtx
		defer phaseSpan.End()
	}

	start := time.Now()
	rc := &RunContext{
		Recorder:    o.journal,
		Exec:        o.exec,
		Logger:      log,
		MaxAttempts: maxAttempts,
	}

	err := phase.Body(ctx, rc)
	if err == nil && phase.Validate != nil {
		if vErr := phase.Validate(ctx, rc); vErr != nil {
			err = &ValidationError{Phase: phase.Name, Err: vErr}
		}
	}

	result := PhaseResult{
		Phase:    phase.Name,
		Duration: time.Since(start),
	}

	if err != nil {
		result.Status = PhaseFailed
		result.Err = &PhaseError{Phase: phase.Name, Err: err}
		return result
	}

	if err := o.checkpoint(phase); err != nil {
		result.Status = PhaseFailed
		result.Err = err
		return result
	}

	result.Status = PhaseCompleted
	return result
}

// checkpoint records a phase's durable completion.
func (o *Orchestrator) checkpoint(phase Phase) error {
	if err := o.checkpoints.Create(phase.Name, phase.Metadata); err != nil {
		return &PhaseError{
			Phase: phase.Name,
			Err:   fmt.Errorf("phase succeeded but checkpoint could not be written: %w", err),
		}
	}
	return nil
}

// recordResult folds one phase result into the run result, metrics, and the
// history store.
func (o *Orchestrator) recordResult(ctx context.Context, runID string, run *RunResult, res PhaseResult) {
	run.Results = append(run.Results, res)
	switch res.Status {
	case PhaseCompleted:
		run.Summary.Completed++
	case PhaseFailed:
		run.Summary.Failed++
	case PhaseSkipped:
		run.Summary.Skipped++
	}

	if o.metrics != nil {
		o.metrics.PhaseExecuted(res.Phase, string(res.Status), res.Duration)
	}
	if o.history != nil {
		if err := o.history.PhaseFinished(ctx, runID, res); err != nil {
			o.logger.WithError(err).Warn("failed to record phase result")
		}
	}
}

// firstFailure returns the name of the first failed result.
func firstFailure(results []PhaseResult) string {
	for _, r := range results {
		if r.Status == PhaseFailed {
			return r.Phase
		}
	}
	return ""
}
