package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show past provisioning runs",
		Long: `List past runs from the history database, newest first.

With a run ID argument, show that run's per-phase results instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp()
			if err != nil {
				return err
			}
			if err := a.withStore(ctx); err != nil {
				return err
			}
			defer a.close(ctx)

			if len(args) == 1 {
				return showRun(cmd, a, args[0])
			}

			runs, err := a.store.ListRuns(ctx, limit, 0)
			if err != nil {
				return err
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(runs)
			}

			if len(runs) == 0 {
				fmt.Println("no runs recorded")
				return nil
			}
			for _, run := range runs {
				duration := time.Duration(run.DurationMs) * time.Millisecond
				fmt.Printf("%s  %-9s  started %s  %d completed, %d skipped, %d failed  (%s)\n",
					run.ID, run.Status, run.StartedAt.Local().Format(time.RFC3339),
					run.Completed, run.Skipped, run.Failed, duration.Round(time.Second))
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "max runs to list")

	return cmd
}

func showRun(cmd *cobra.Command, a *app, runID string) error {
	ctx := cmd.Context()

	run, err := a.store.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	results, err := a.store.ListPhaseResults(ctx, runID)
	if err != nil {
		return err
	}

	if jsonOutput {
		out := struct {
			Run    interface{} `json:"run"`
			Phases interface{} `json:"phases"`
		}{Run: run, Phases: results}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	}

	fmt.Printf("run %s: %s\n", run.ID, run.Status)
	for _, res := range results {
		duration := time.Duration(res.DurationMs) * time.Millisecond
		if res.Error != nil {
			fmt.Printf("  %-18s %-9s %8s  %s\n", res.Phase, res.Status, duration.Round(time.Millisecond), *res.Error)
		} else {
			fmt.Printf("  %-18s %-9s %8s\n", res.Phase, res.Status, duration.Round(time.Millisecond))
		}
	}
	return nil
}
