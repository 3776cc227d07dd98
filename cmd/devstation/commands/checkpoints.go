package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newCheckpointsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "checkpoints",
		Short: "Manage phase checkpoints",
		Long: `Manage the per-phase checkpoint records that make runs resumable.

Clearing a checkpoint makes the next 'provision' re-run that phase;
clearing all of them is equivalent to 'provision --force'.`,
	}

	cmd.AddCommand(newCheckpointsListCommand())
	cmd.AddCommand(newCheckpointsClearCommand())
	cmd.AddCommand(newCheckpointsInvalidateCommand())

	return cmd
}

func newCheckpointsListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List checkpointed phases",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}

			names, err := a.checkpoints.List()
			if err != nil {
				return err
			}
			if len(names) == 0 {
				fmt.Println("no checkpoints")
				return nil
			}
			for _, name := range names {
				fmt.Println(name)
			}
			return nil
		},
	}
}

func newCheckpointsClearCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove all checkpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}

			count, err := a.checkpoints.Count()
			if err != nil {
				return err
			}
			if err := a.checkpoints.ClearAll(); err != nil {
				return err
			}
			fmt.Printf("cleared %d checkpoints\n", count)
			return nil
		},
	}
}

func newCheckpointsInvalidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "invalidate <phase>",
		Short: "Remove one phase's checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}

			name := args[0]
			if !a.checkpoints.Exists(name) {
				return exitWith(ExitValidation, fmt.Errorf("no checkpoint for phase %q", name))
			}
			if err := a.checkpoints.Invalidate(name); err != nil {
				return err
			}
			fmt.Printf("invalidated checkpoint for %s\n", name)
			return nil
		},
	}
}
