package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/devstation/devstation/pkg/health"
)

func newVerifyCommand() *cobra.Command {
	var username string

	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Run post-provisioning health checks",
		Long: `Probe every provisioned component without changing anything:

  - OS release and resource minimums
  - Desktop and RDP services (lightdm, xrdp)
  - Listening ports (RDP, SSH)
  - Developer user account and sudo membership
  - Installed IDEs and development tools

Exits 0 when healthy, 2 when warnings are present, 3 when any check
failed or errored.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			a, err := newApp()
			if err != nil {
				return err
			}

			user := username
			if user == "" {
				user = a.cfg.Provision.Username
			}

			ideCommands := map[string]string{}
			for _, ide := range a.cfg.Provision.IDEs {
				switch ide {
				case "vscode":
					ideCommands["code"] = "Visual Studio Code"
				case "cursor":
					ideCommands["cursor"] = "Cursor IDE"
				case "antigravity":
					ideCommands["antigravity"] = "Antigravity"
				}
			}

			checker := health.NewChecker(a.runner, a.logger)
			report := checker.RunAll(ctx, health.Options{
				Username:    user,
				SSHPort:     a.cfg.Provision.SSHPort,
				IDECommands: ideCommands,
			})

			if jsonOutput {
				if err := report.WriteJSON(os.Stdout); err != nil {
					return err
				}
			} else {
				if err := report.WriteText(os.Stdout); err != nil {
					return err
				}
			}

			if !report.Healthy() {
				return exitWith(ExitProvision, fmt.Errorf("%d checks failed, %d errored",
					report.Failed, report.Errors))
			}
			if report.Warnings > 0 {
				return exitWith(ExitValidation, fmt.Errorf("%d checks produced warnings", report.Warnings))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&username, "user", "", "developer username to check (default from config)")

	return cmd
}
