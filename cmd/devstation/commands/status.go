package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newStatusCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show checkpoint, journal, and lock state",
		Long: `Show the current provisioning state on this machine:

  - Which phases are checkpointed (and when they completed)
  - How many journal entries are pending rollback
  - Whether a run lock is held, by which pid, and for how long`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}

			checkpoints, err := a.checkpoints.List()
			if err != nil {
				return err
			}

			journalCount, err := a.journal.Count()
			if err != nil {
				return err
			}

			locked := a.lock.IsLocked()
			var lockPid int
			var lockAge time.Duration
			if locked {
				if pid, err := a.lock.Owner(); err == nil {
					lockPid = pid
				}
				if age, err := a.lock.Age(); err == nil {
					lockAge = age.Round(time.Second)
				}
			}

			if jsonOutput {
				type checkpointLine struct {
					Phase       string    `json:"phase"`
					CompletedAt time.Time `json:"completed_at"`
				}
				out := struct {
					Checkpoints    []checkpointLine `json:"checkpoints"`
					JournalEntries int              `json:"journal_entries"`
					Locked         bool             `json:"locked"`
					LockPid        int              `json:"lock_pid,omitempty"`
					LockAge        string           `json:"lock_age,omitempty"`
				}{
					JournalEntries: journalCount,
					Locked:         locked,
					LockPid:        lockPid,
				}
				for _, name := range checkpoints {
					ts, _ := a.checkpoints.Timestamp(name)
					out.Checkpoints = append(out.Checkpoints, checkpointLine{Phase: name, CompletedAt: ts})
				}
				if locked {
					out.LockAge = lockAge.String()
				}
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(out)
			}

			if len(checkpoints) == 0 {
				fmt.Println("checkpoints: none")
			} else {
				fmt.Printf("checkpoints (%d):\n", len(checkpoints))
				for _, name := range checkpoints {
					if ts, err := a.checkpoints.Timestamp(name); err == nil {
						fmt.Printf("  %-18s %s\n", name, ts.Local().Format(time.RFC3339))
					} else {
						fmt.Printf("  %s\n", name)
					}
				}
			}

			if journalCount == 0 {
				fmt.Println("journal: empty")
			} else {
				fmt.Printf("journal: %d entries pending rollback\n", journalCount)
			}

			if locked {
				fmt.Printf("lock: held by pid %d for %s\n", lockPid, lockAge)
			} else {
				fmt.Println("lock: free")
			}

			return nil
		},
	}

	return cmd
}
