package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/devstation/devstation/pkg/rollback"
)

func newRollbackCommand() *cobra.Command {
	var (
		dryRun bool
		verify bool
		yes    bool
	)

	cmd := &cobra.Command{
		Use:   "rollback",
		Short: "Undo a partially completed run",
		Long: `Execute the transaction journal's undo commands in reverse order.

The journal is backed up first. An individual undo failure is logged and
rollback continues with the remaining entries; the command exits non-zero
when any undo failed. On full success the journal is cleared.`,
		Example: `  # Show what would be undone
  devstation rollback --dry-run

  # Check for residue of journaled actions without rolling back
  devstation rollback --verify

  # Roll back without the confirmation prompt
  devstation rollback --yes`,
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

			eng := rollback.NewEngine(a.journal, a.runner, a.logger, a.metrics)
			eng.AssumeYes = yes

			if dryRun {
				return eng.DryRun(os.Stdout)
			}
			if verify {
				return verifyRollback(ctx, eng)
			}

			// Rollback mutates the machine; take the same lock a run holds.
			handle, err := a.lock.Acquire(a.cfg.Lock.Timeout)
			if err != nil {
				return exitWith(ExitLocked, err)
			}
			defer handle.Release()
			stop := a.lock.CleanupOnSignal(handle)
			defer stop()

			err = eng.Interactive(ctx, confirmRollback)
			if err != nil {
				return exitWith(ExitRollback, err)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the undo sequence without executing it")
	cmd.Flags().BoolVar(&verify, "verify", false, "check the system for residue of journaled actions instead of rolling back")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "skip the confirmation prompt")

	return cmd
}

// verifyRollback checks whether journaled actions left residue on the system.
func verifyRollback(ctx context.Context, eng *rollback.Engine) error {
	report, err := eng.Verify(ctx)
	if err != nil {
		return exitWith(ExitRollback, err)
	}

	fmt.Printf("clean: %d  unverified: %d  residue: %d\n",
		report.Clean, report.Unverified, len(report.Residue))
	for _, target := range report.Residue {
		fmt.Printf("  residue: %s\n", target)
	}

	if !report.OK() {
		return exitWith(ExitRollback, fmt.Errorf("%d journaled targets still present", len(report.Residue)))
	}
	return nil
}

func confirmRollback(pending int) bool {
	fmt.Printf("About to execute %d undo commands in reverse order. Continue? [y/N]: ", pending)
	reader := bufio.NewReader(os.Stdin)
	answer, err := reader.ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}
