// Package engine drives provisioning runs: it orders phases by their
// prerequisites, skips phases that are already checkpointed, fans out
// independent phases, and records every reversible action so a run can be
// resumed or rolled back.
package engine

import (
	"context"
	"time"

	"github.com/devstation/devstation/pkg/resilience"
	"github.com/devstation/devstation/pkg/telemetry"
)

// PhaseStatus is a phase's position in its lifecycle state machine.
type PhaseStatus string

const (
	PhasePending   PhaseStatus = "pending"
	PhaseRunning   PhaseStatus = "running"
	PhaseSkipped   PhaseStatus = "skipped"
	PhaseCompleted PhaseStatus = "completed"
	PhaseFailed    PhaseStatus = "failed"
)

// Recorder accepts reversible-action records. Both the shared journal and a
// per-worker fragment satisfy it, so phase bodies do not care whether they
// run sequentially or inside a fan-out.
type Recorder interface {
	Record(description, undoCommand string) error
}

// RunContext carries the collaborators a phase body may use.
type RunContext struct {
	// Recorder receives one entry per reversible action the body performs.
	Recorder Recorder

	// Exec runs external commands with retry and circuit breaking.
	Exec *resilience.Executor

	// Logger is scoped to the current phase.
	Logger *telemetry.Logger

	// MaxAttempts is the per-command retry budget for this run.
	MaxAttempts int
}

// Phase is a named unit of provisioning work.
type Phase struct {
	// Name is the stable unique identifier, also the checkpoint key.
	Name string

	// Prerequisites are phase names that must be checkpointed before this
	// phase may run.
	Prerequisites []string

	// ParallelGroup groups independent phases; consecutive registry phases
	// sharing a group whose prerequisites are satisfied run concurrently.
	ParallelGroup string

	// Body performs the phase's work.
	Body func(ctx context.Context, rc *RunContext) error

	// Validate is the phase's own post-condition check, run after Body.
	// A validation failure marks the phase failed without retry. Optional.
	Validate func(ctx context.Context, rc *RunContext) error

	// Metadata is stored in the phase's checkpoint on completion.
	Metadata map[string]string
}

// PhaseResult is the isolated outcome record one execution writes.
type PhaseResult struct {
	Phase    string
	Status   PhaseStatus
	Err      error
	Duration time.Duration
}

// RunSummary aggregates phase outcomes for one run.
type RunSummary struct {
	Total     int
	Completed int
	Skipped   int
	Failed    int
}

// RunResult is the outcome of one provisioning run.
type RunResult struct {
	RunID    string
	Summary  RunSummary
	Duration time.Duration
	Results  []PhaseResult
}

// Options controls a single run.
type Options struct {
	// Force clears every checkpoint before the run, re-executing all phases.
	Force bool

	// MaxParallel caps the fan-out width. Zero means the executor default.
	MaxParallel int

	// LockTimeout is how long to wait for the run lock. Zero fails fast.
	LockTimeout time.Duration

	// MaxAttempts is the per-command retry budget used by phase bodies.
	MaxAttempts int
}
