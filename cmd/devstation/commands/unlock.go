package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newUnlockCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "unlock",
		Short: "Release the run lock",
		Long: `Release the cross-process run lock.

Without --force the lock is released only if it is stale (its holder is
dead, or it is older than the staleness ceiling). With --force the lock is
removed unconditionally; only do this when you are certain no run is in
progress.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}

			if !a.lock.IsLocked() {
				fmt.Println("lock is not held")
				return nil
			}

			pid, err := a.lock.Owner()
			if err != nil {
				return err
			}
			age, _ := a.lock.Age()

			if !force && !a.lock.IsStale(pid) {
				return exitWith(ExitLocked, fmt.Errorf(
					"lock is held by live pid %d (age %s); use --force to remove it anyway",
					pid, age.Round(time.Second)))
			}

			if err := a.lock.ForceRelease(); err != nil {
				return err
			}
			fmt.Printf("released lock held by pid %d\n", pid)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "remove the lock even if its holder is alive")

	return cmd
}
