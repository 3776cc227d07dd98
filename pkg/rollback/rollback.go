// Package rollback undoes a partially completed provisioning run by
// executing the transaction journal's undo commands in reverse order.
// Rollback is never triggered automatically; an operator invokes it as a
// separate operation.
package rollback

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/devstation/devstation/pkg/journal"
	"github.com/devstation/devstation/pkg/runner"
	"github.com/devstation/devstation/pkg/telemetry"
)

// Error reports a rollback that completed with one or more failed undos.
type Error struct {
	Failures int
	Total    int
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("rollback completed with %d of %d undo commands failed", e.Failures, e.Total)
}

// Engine executes rollbacks against a transaction journal.
type Engine struct {
	journal *journal.Journal
	runner  runner.Runner
	logger  *telemetry.Logger
	metrics *telemetry.Metrics

	// AssumeYes skips the confirmation prompt in Interactive.
	AssumeYes bool
}

// NewEngine creates a rollback engine.
func NewEngine(j *journal.Journal, r runner.Runner, logger *telemetry.Logger, metrics *telemetry.Metrics) *Engine {
	return &Engine{
		journal: j,
		runner:  r,
		logger:  logger.NewComponentLogger("rollback"),
		metrics: metrics,
	}
}

// Execute rolls back every journaled action in strict reverse sequence
// order. The journal is backed up first. An individual undo failure is
// logged and rollback continues with the remaining entries; the returned
// error, if any, carries the failure count.
func (e *Engine) Execute(ctx context.Context) error {
	entries, err := e.journal.Entries()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		e.logger.Info("journal is empty, nothing to roll back")
		return nil
	}

	backupPath, err := e.journal.Backup()
	if err != nil {
		return fmt.Errorf("refusing to roll back without a journal backup: %w", err)
	}
	e.logger.Infof("journal backed up to %s", backupPath)

	failures := 0
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		log := e.logger.WithField("sequence", entry.Sequence)
		log.Infof("undoing: %s", entry.Description)

		result, err := e.runner.Run(ctx, runner.Command{Command: entry.UndoCommand})
		if err != nil {
			failures++
			log.WithError(err).Error("undo command could not run, continuing")
			if e.metrics != nil {
				e.metrics.RollbackUndo("failed")
			}
			continue
		}
		if !result.Succeeded() {
			failures++
			log.Errorf("undo command exited %d: %s", result.ExitCode, strings.TrimSpace(result.Stderr))
			if e.metrics != nil {
				e.metrics.RollbackUndo("failed")
			}
			continue
		}

		if e.metrics != nil {
			e.metrics.RollbackUndo("succeeded")
		}
	}

	if failures > 0 {
		return &Error{Failures: failures, Total: len(entries)}
	}

	e.logger.Infof("rolled back %d actions", len(entries))
	return nil
}

// DryRun prints the LIFO undo command sequence without executing anything.
// The journal is left untouched.
func (e *Engine) DryRun(w io.Writer) error {
	entries, err := e.journal.Entries()
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Fprintln(w, "journal is empty, nothing to roll back")
		return nil
	}

	fmt.Fprintf(w, "would execute %d undo commands in this order:\n", len(entries))
	for i := len(entries) - 1; i >= 0; i-- {
		entry := entries[i]
		fmt.Fprintf(w, "  [%d] %s\n      $ %s\n", entry.Sequence, entry.Description, entry.UndoCommand)
	}

	return nil
}

// Verify checks the target system shows no residue of rolled-back actions.
// Undo commands that remove a path are checked directly; entries whose
// effect cannot be inspected are reported as unverified, not failed.
func (e *Engine) Verify(ctx context.Context) (*VerifyReport, error) {
	entries, err := e.journal.Entries()
	if err != nil {
		return nil, err
	}

	report := &VerifyReport{}
	for _, entry := range entries {
		target, ok := removalTarget(entry.UndoCommand)
		if !ok {
			report.Unverified++
			continue
		}
		if _, err := os.Stat(target); err == nil {
			report.Residue = append(report.Residue, target)
		} else {
			report.Clean++
		}
	}

	return report, nil
}

// VerifyReport summarizes a residue check.
type VerifyReport struct {
	Clean      int
	Unverified int
	Residue    []string
}

// OK reports whether no residue was found.
func (r *VerifyReport) OK() bool {
	return len(r.Residue) == 0
}

// Complete executes the rollback and clears the journal if every undo
// succeeded.
func (e *Engine) Complete(ctx context.Context) error {
	if err := e.Execute(ctx); err != nil {
		return err
	}
	return e.journal.Clear()
}

// Interactive prompts for confirmation before executing the rollback. The
// confirm callback receives the pending undo count; AssumeYes skips it.
func (e *Engine) Interactive(ctx context.Context, confirm func(pending int) bool) error {
	count, err := e.journal.Count()
	if err != nil {
		return err
	}
	if count == 0 {
		e.logger.Info("journal is empty, nothing to roll back")
		return nil
	}

	if !e.AssumeYes {
		if confirm == nil || !confirm(count) {
			e.logger.Info("rollback cancelled by operator")
			return nil
		}
	}

	return e.Complete(ctx)
}

// removalTarget extracts the path removed by an rm-style undo command.
func removalTarget(cmd string) (string, bool) {
	fields := strings.Fields(cmd)
	if len(fields) < 2 || fields[0] != "rm" {
		return "", false
	}
	for _, f := range fields[1:] {
		if strings.HasPrefix(f, "-") {
			continue
		}
		return f, true
	}
	return "", false
}
