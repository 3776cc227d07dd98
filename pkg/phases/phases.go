// Package phases defines the built-in provisioning phase table: system
// preparation, desktop environment, RDP server, developer user, parallel
// IDE installs, SSH hardening, and final verification. Bodies are
// idempotent and record an undo command in the journal for every change
// they make, so a failed run can be rolled back in reverse order.
package phases

import (
	"context"
	"fmt"
	"strings"

	"github.com/devstation/devstation/pkg/config"
	"github.com/devstation/devstation/pkg/credgen"
	"github.com/devstation/devstation/pkg/engine"
	"github.com/devstation/devstation/pkg/health"
	"github.com/devstation/devstation/pkg/pkgmgr"
	"github.com/devstation/devstation/pkg/runner"
)

// Phase names, also the checkpoint keys.
const (
	PhaseSystemPrep = "system-prep"
	PhaseDesktop    = "desktop"
	PhaseXRDP       = "xrdp"
	PhaseDevUser    = "dev-user"
	PhaseSSH        = "ssh-hardening"
	PhaseVerify     = "verify"
)

// IDE phase names keyed by the config identifier.
var idePhases = map[string]string{
	"vscode":      "ide-vscode",
	"cursor":      "ide-cursor",
	"antigravity": "ide-antigravity",
}

const ideGroup = "ides"

const sshdConfig = "/etc/ssh/sshd_config"
const sshdBackup = "/etc/ssh/sshd_config.devstation.orig"

// Deps are the collaborators the built-in phase bodies use.
type Deps struct {
	// Packages performs APT operations.
	Packages *pkgmgr.Manager

	// Health runs the post-install verification suite.
	Health *health.Checker

	// Provision holds the target username, package lists, and IDE set.
	Provision config.ProvisionConfig

	// CredentialsPath receives the generated developer password. It is
	// written root-only.
	CredentialsPath string
}

// Builtin builds the standard phase registry from the configuration.
func Builtin(deps Deps) (*engine.Registry, error) {
	reg := engine.NewRegistry()

	table := []engine.Phase{
		{
			Name: PhaseSystemPrep,
			Body: deps.systemPrep,
		},
		{
			Name:          PhaseDesktop,
			Prerequisites: []string{PhaseSystemPrep},
			Body:          deps.desktop,
		},
		{
			Name:          PhaseXRDP,
			Prerequisites: []string{PhaseDesktop},
			Body:          deps.xrdp,
			Validate:      deps.validateXRDP,
		},
		{
			Name:          PhaseDevUser,
			Prerequisites: []string{PhaseSystemPrep},
			Body:          deps.devUser,
			Validate:      deps.validateDevUser,
		},
	}

	for _, ide := range deps.Provision.IDEs {
		name, ok := idePhases[ide]
		if !ok {
			return nil, fmt.Errorf("unknown IDE %q", ide)
		}
		ide := ide
		table = append(table, engine.Phase{
			Name:          name,
			Prerequisites: []string{PhaseDesktop},
			ParallelGroup: ideGroup,
			Body: func(ctx context.Context, rc *engine.RunContext) error {
				return deps.installIDE(ctx, rc, ide)
			},
		})
	}

	table = append(table,
		engine.Phase{
			Name:          PhaseSSH,
			Prerequisites: []string{PhaseSystemPrep},
			Body:          deps.sshHardening,
		},
		engine.Phase{
			Name:          PhaseVerify,
			Prerequisites: []string{PhaseXRDP, PhaseDevUser},
			Body:          deps.verify,
		},
	)

	for _, phase := range table {
		if err := reg.Register(phase); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// systemPrep refreshes the package index, applies pending upgrades, and
// installs the base toolchain.
func (d Deps) systemPrep(ctx context.Context, rc *engine.RunContext) error {
	if err := d.Packages.UpdateCache(ctx, true); err != nil {
		return err
	}

	if _, err := rc.Exec.SafeExecute(ctx, runner.Command{
		Command: "apt-get",
		Args:    []string{"upgrade", "-y"},
		UseSudo: true,
		Env:     map[string]string{"DEBIAN_FRONTEND": "noninteractive"},
	}, "system upgrade", rc.MaxAttempts); err != nil {
		return err
	}

	if len(d.Provision.BasePackages) == 0 {
		return nil
	}
	if err := d.Packages.Install(ctx, d.Provision.BasePackages...); err != nil {
		return err
	}
	return rc.Recorder.Record(
		"installed base packages",
		removeCommand(d.Provision.BasePackages...),
	)
}

// desktop installs the XFCE environment and LightDM display manager.
func (d Deps) desktop(ctx context.Context, rc *engine.RunContext) error {
	packages := d.Provision.DesktopPackages
	if len(packages) == 0 {
		packages = []string{"xfce4", "xfce4-goodies", "lightdm"}
	}

	if err := d.Packages.Install(ctx, packages...); err != nil {
		return err
	}
	if err := rc.Recorder.Record("installed desktop environment", removeCommand(packages...)); err != nil {
		return err
	}

	if _, err := rc.Exec.SafeExecute(ctx, runner.Command{
		Command: "systemctl",
		Args:    []string{"enable", "lightdm"},
		UseSudo: true,
	}, "enable lightdm", rc.MaxAttempts); err != nil {
		return err
	}
	return rc.Recorder.Record("enabled lightdm", "systemctl disable lightdm")
}

// xrdp installs and starts the RDP server.
func (d Deps) xrdp(ctx context.Context, rc *engine.RunContext) error {
	if err := d.Packages.Install(ctx, "xrdp"); err != nil {
		return err
	}
	if err := rc.Recorder.Record("installed xrdp", removeCommand("xrdp")); err != nil {
		return err
	}

	for _, action := range []string{"enable", "restart"} {
		if _, err := rc.Exec.SafeExecute(ctx, runner.Command{
			Command: "systemctl",
			Args:    []string{action, "xrdp"},
			UseSudo: true,
		}, action+" xrdp", rc.MaxAttempts); err != nil {
			return err
		}
	}
	return rc.Recorder.Record("enabled xrdp", "systemctl disable xrdp --now")
}

func (d Deps) validateXRDP(ctx context.Context, rc *engine.RunContext) error {
	check := d.Health.CheckService(ctx, "xrdp", "XRDP Server")
	if check.Status != health.StatusPass {
		return fmt.Errorf("xrdp validation failed: %s", check.Message)
	}
	return nil
}

// devUser creates the development user with a generated credential and
// sudo membership. Existing users are left untouched.
func (d Deps) devUser(ctx context.Context, rc *engine.RunContext) error {
	username := d.Provision.Username

	existing, err := rc.Exec.ExecuteWithCircuitBreaker(ctx, runner.Command{
		Command: "getent",
		Args:    []string{"passwd", username},
	})
	if err == nil && existing.Succeeded() {
		rc.Logger.Info("user already exists, skipping creation")
		return nil
	}

	if _, err := rc.Exec.SafeExecute(ctx, runner.Command{
		Command: "useradd",
		Args:    []string{"-m", "-s", "/bin/bash", username},
		UseSudo: true,
	}, "create user "+username, rc.MaxAttempts); err != nil {
		return err
	}
	if err := rc.Recorder.Record("created user "+username, "userdel -r "+username); err != nil {
		return err
	}

	password, err := credgen.Generate(32, credgen.ComplexityHigh)
	if err != nil {
		return err
	}

	if _, err := rc.Exec.SafeExecute(ctx, runner.Command{
		Command: fmt.Sprintf("echo '%s:%s' | chpasswd", username, password),
		UseSudo: true,
	}, "set user password", 1); err != nil {
		return err
	}

	if _, err := rc.Exec.SafeExecute(ctx, runner.Command{
		Command: "usermod",
		Args:    []string{"-aG", "sudo", username},
		UseSudo: true,
	}, "grant sudo", rc.MaxAttempts); err != nil {
		return err
	}
	if err := rc.Recorder.Record("added "+username+" to sudo", fmt.Sprintf("deluser %s sudo", username)); err != nil {
		return err
	}

	if d.CredentialsPath != "" {
		if _, err := rc.Exec.SafeExecute(ctx, runner.Command{
			Command: fmt.Sprintf("umask 077 && printf '%%s\\n' '%s:%s' > %s",
				username, password, d.CredentialsPath),
			UseSudo: true,
		}, "store credentials", 1); err != nil {
			return err
		}
		if err := rc.Recorder.Record("stored credentials", "rm -f "+d.CredentialsPath); err != nil {
			return err
		}
	}
	return nil
}

func (d Deps) validateDevUser(ctx context.Context, rc *engine.RunContext) error {
	check := d.Health.CheckUser(ctx, d.Provision.Username)
	if check.Status == health.StatusFail || check.Status == health.StatusError {
		return fmt.Errorf("user validation failed: %s", check.Message)
	}
	return nil
}

// installIDE installs one editor. The IDE phases share a parallel group,
// so each body records into its own journal fragment.
func (d Deps) installIDE(ctx context.Context, rc *engine.RunContext, ide string) error {
	switch ide {
	case "vscode":
		return d.installVSCode(ctx, rc)
	case "cursor":
		return d.installDebFromURL(ctx, rc, "cursor",
			"https://downloads.cursor.com/latest/linux/deb/x64")
	case "antigravity":
		return d.installDebFromURL(ctx, rc, "antigravity",
			"https://dl.antigravity.dev/linux/deb/stable")
	default:
		return fmt.Errorf("unknown IDE %q", ide)
	}
}

// installVSCode wires the Microsoft APT repository and installs the code
// package from it.
func (d Deps) installVSCode(ctx context.Context, rc *engine.RunContext) error {
	installed, err := d.Packages.IsInstalled(ctx, "code")
	if err != nil {
		return err
	}
	if installed {
		rc.Logger.Info("vscode already installed")
		return nil
	}

	const keyring = "/usr/share/keyrings/microsoft.gpg"
	const sourceList = "/etc/apt/sources.list.d/vscode.list"

	if _, err := rc.Exec.SafeExecute(ctx, runner.Command{
		Command: fmt.Sprintf("curl -fsSL https://packages.microsoft.com/keys/microsoft.asc | gpg --dearmor -o %s", keyring),
		UseSudo: true,
	}, "install microsoft signing key", rc.MaxAttempts); err != nil {
		return err
	}
	if err := rc.Recorder.Record("installed microsoft signing key", "rm -f "+keyring); err != nil {
		return err
	}

	if _, err := rc.Exec.SafeExecute(ctx, runner.Command{
		Command: fmt.Sprintf("echo 'deb [arch=amd64 signed-by=%s] https://packages.microsoft.com/repos/code stable main' > %s",
			keyring, sourceList),
		UseSudo: true,
	}, "add vscode repository", 1); err != nil {
		return err
	}
	if err := rc.Recorder.Record("added vscode repository", "rm -f "+sourceList); err != nil {
		return err
	}

	if err := d.Packages.UpdateCache(ctx, true); err != nil {
		return err
	}
	if err := d.Packages.Install(ctx, "code"); err != nil {
		return err
	}
	return rc.Recorder.Record("installed vscode", removeCommand("code"))
}

// installDebFromURL downloads a .deb and installs it with dpkg, fixing
// dependencies afterwards.
func (d Deps) installDebFromURL(ctx context.Context, rc *engine.RunContext, name, url string) error {
	installed, err := d.Packages.IsInstalled(ctx, name)
	if err != nil {
		return err
	}
	if installed {
		rc.Logger.Info(name + " already installed")
		return nil
	}

	deb := fmt.Sprintf("/tmp/%s.deb", name)
	if _, err := rc.Exec.SafeExecute(ctx, runner.Command{
		Command: "curl",
		Args:    []string{"-fsSL", "-o", deb, url},
	}, "download "+name, rc.MaxAttempts); err != nil {
		return err
	}

	if _, err := rc.Exec.SafeExecute(ctx, runner.Command{
		Command: "dpkg",
		Args:    []string{"-i", deb},
		UseSudo: true,
		Env:     map[string]string{"DEBIAN_FRONTEND": "noninteractive"},
	}, "install "+name, 1); err != nil {
		// a dependency gap from dpkg -i is expected, apt repairs it
		if ferr := d.Packages.FixBroken(ctx); ferr != nil {
			return fmt.Errorf("failed to install %s: %w", name, err)
		}
	}

	if err := rc.Recorder.Record("installed "+name, removeCommand(name)); err != nil {
		return err
	}
	return rc.Recorder.Record("downloaded "+name+" package", "rm -f "+deb)
}

// sshHardening disables root login and tightens sshd limits, keeping a
// pristine copy of sshd_config for rollback. Password auth stays enabled
// because the RDP session uses it.
func (d Deps) sshHardening(ctx context.Context, rc *engine.RunContext) error {
	if _, err := rc.Exec.SafeExecute(ctx, runner.Command{
		Command: "cp",
		Args:    []string{"-n", sshdConfig, sshdBackup},
		UseSudo: true,
	}, "back up sshd config", 1); err != nil {
		return err
	}
	if err := rc.Recorder.Record("backed up sshd config",
		fmt.Sprintf("mv %s %s", sshdBackup, sshdConfig)); err != nil {
		return err
	}

	for _, directive := range []struct{ key, value string }{
		{"PermitRootLogin", "no"},
		{"MaxAuthTries", "3"},
		{"X11Forwarding", "no"},
	} {
		if _, err := rc.Exec.SafeExecute(ctx, runner.Command{
			Command: fmt.Sprintf("sed -i 's/^#\\?%s .*/%s %s/' %s",
				directive.key, directive.key, directive.value, sshdConfig),
			UseSudo: true,
		}, "set "+directive.key, 1); err != nil {
			return err
		}
	}

	if _, err := rc.Exec.SafeExecute(ctx, runner.Command{
		Command: "sshd",
		Args:    []string{"-t"},
		UseSudo: true,
	}, "validate sshd config", 1); err != nil {
		return err
	}

	if _, err := rc.Exec.SafeExecute(ctx, runner.Command{
		Command: "systemctl",
		Args:    []string{"reload", "ssh"},
		UseSudo: true,
	}, "reload ssh", rc.MaxAttempts); err != nil {
		return err
	}
	return nil
}

// verify runs the health suite and fails the phase when any check fails.
func (d Deps) verify(ctx context.Context, rc *engine.RunContext) error {
	ideCommands := map[string]string{}
	for _, ide := range d.Provision.IDEs {
		switch ide {
		case "vscode":
			ideCommands["code"] = "Visual Studio Code"
		case "cursor":
			ideCommands["cursor"] = "Cursor IDE"
		case "antigravity":
			ideCommands["antigravity"] = "Antigravity"
		}
	}

	report := d.Health.RunAll(ctx, health.Options{
		Username:    d.Provision.Username,
		SSHPort:     d.Provision.SSHPort,
		IDECommands: ideCommands,
	})
	if !report.Healthy() {
		return fmt.Errorf("verification failed: %d checks failed, %d errored",
			report.Failed, report.Errors)
	}
	if report.Warnings > 0 {
		rc.Logger.Warnf("verification passed with %d warnings", report.Warnings)
	}
	return nil
}

func removeCommand(packages ...string) string {
	return "apt-get remove -y " + strings.Join(packages, " ")
}
