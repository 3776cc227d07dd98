package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/devstation/devstation/pkg/engine"
	"github.com/devstation/devstation/pkg/health"
	"github.com/devstation/devstation/pkg/lock"
	"github.com/devstation/devstation/pkg/phases"
	"github.com/devstation/devstation/pkg/pkgmgr"
	"github.com/devstation/devstation/pkg/stores"
)

func newProvisionCommand() *cobra.Command {
	var (
		force       bool
		parallel    int
		lockTimeout time.Duration
		attempts    int
	)

	cmd := &cobra.Command{
		Use:   "provision",
		Short: "Run the provisioning phases",
		Long: `Run every provisioning phase in dependency order.

This command:
  - Acquires the cross-process run lock
  - Skips phases that are already checkpointed (resume is the default)
  - Runs independent phases (IDE installs) in parallel
  - Records every reversible action in the transaction journal
  - Stops at the first failed phase, leaving the run resumable

A failed run is never rolled back automatically; use 'devstation rollback'.`,
		Example: `  # Provision, resuming from the last completed phase
  devstation provision

  # Re-run everything from scratch
  devstation provision --force

  # Wait up to two minutes for another run to finish
  devstation provision --lock-timeout 2m`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp()
			if err != nil {
				return err
			}
			if err := a.withTelemetry(cmd.Root().Version); err != nil {
				return err
			}
			defer a.close(ctx)
			a.withExecutor()

			if err := a.withStore(ctx); err != nil {
				return err
			}

			pm := pkgmgr.NewManager(a.exec, a.runner, a.logger)
			pm.MaxAttempts = a.cfg.Retry.MaxAttempts

			// A dpkg lock left by a crashed apt blocks every phase;
			// clear stale ones up front.
			if err := pm.ReleaseStaleLocks(ctx); err != nil {
				a.logger.WithError(err).Warn("could not clear stale dpkg locks")
			}

			registry, err := phases.Builtin(phases.Deps{
				Packages:        pm,
				Health:          health.NewChecker(a.runner, a.logger),
				Provision:       a.cfg.Provision,
				CredentialsPath: filepath.Join(a.cfg.StateDir, "credentials"),
			})
			if err != nil {
				return exitWith(ExitValidation, err)
			}

			orch := engine.NewOrchestrator(engine.Deps{
				Registry:    registry,
				Checkpoints: a.checkpoints,
				Journal:     a.journal,
				Lock:        a.lock,
				Exec:        a.exec,
				History:     stores.NewHistory(a.store),
				Logger:      a.logger,
				Metrics:     a.metrics,
				Tracer:      a.tracer,
			})

			maxAttempts := attempts
			if maxAttempts <= 0 {
				maxAttempts = a.cfg.Retry.MaxAttempts
			}
			maxParallel := parallel
			if maxParallel <= 0 {
				maxParallel = a.cfg.Parallel
			}
			timeout := lockTimeout
			if timeout == 0 {
				timeout = a.cfg.Lock.Timeout
			}

			result, runErr := orch.Run(ctx, engine.Options{
				Force:       force,
				MaxParallel: maxParallel,
				LockTimeout: timeout,
				MaxAttempts: maxAttempts,
			})

			if result != nil {
				printRunResult(result)
			}

			if runErr != nil {
				if errors.Is(runErr, lock.ErrLockHeld) || errors.Is(runErr, lock.ErrWaitTimeout) {
					return exitWith(ExitLocked, runErr)
				}
				if errors.Is(runErr, engine.ErrPrerequisite) {
					return exitWith(ExitValidation, runErr)
				}
				var vErr *engine.ValidationError
				if errors.As(runErr, &vErr) {
					return exitWith(ExitValidation, runErr)
				}
				return exitWith(ExitProvision, runErr)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "clear all checkpoints and re-run every phase")
	cmd.Flags().IntVar(&parallel, "parallel", 0, "max parallel phases (default from config)")
	cmd.Flags().DurationVar(&lockTimeout, "lock-timeout", 0, "how long to wait for the run lock")
	cmd.Flags().IntVar(&attempts, "attempts", 0, "per-command retry budget (default from config)")

	return cmd
}

func printRunResult(result *engine.RunResult) {
	if jsonOutput {
		type phaseLine struct {
			Phase    string `json:"phase"`
			Status   string `json:"status"`
			Error    string `json:"error,omitempty"`
			Duration string `json:"duration"`
		}
		out := struct {
			RunID     string      `json:"run_id"`
			Completed int         `json:"completed"`
			Skipped   int         `json:"skipped"`
			Failed    int         `json:"failed"`
			Duration  string      `json:"duration"`
			Phases    []phaseLine `json:"phases"`
		}{
			RunID:     result.RunID,
			Completed: result.Summary.Completed,
			Skipped:   result.Summary.Skipped,
			Failed:    result.Summary.Failed,
			Duration:  result.Duration.Round(time.Millisecond).String(),
		}
		for _, r := range result.Results {
			line := phaseLine{
				Phase:    r.Phase,
				Status:   string(r.Status),
				Duration: r.Duration.Round(time.Millisecond).String(),
			}
			if r.Err != nil {
				line.Error = r.Err.Error()
			}
			out.Phases = append(out.Phases, line)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(out)
		return
	}

	fmt.Printf("run %s\n", result.RunID)
	for _, r := range result.Results {
		switch r.Status {
		case engine.PhaseSkipped:
			fmt.Printf("  %-18s skipped (checkpointed)\n", r.Phase)
		case engine.PhaseCompleted:
			fmt.Printf("  %-18s completed in %s\n", r.Phase, r.Duration.Round(time.Millisecond))
		case engine.PhaseFailed:
			fmt.Printf("  %-18s FAILED: %v\n", r.Phase, r.Err)
		}
	}
	fmt.Printf("%d completed, %d skipped, %d failed in %s\n",
		result.Summary.Completed, result.Summary.Skipped, result.Summary.Failed,
		result.Duration.Round(time.Second))
}
