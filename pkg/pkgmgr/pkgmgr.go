// Package pkgmgr wraps APT operations for the provisioning phases.
// Installs and removals run through the resilience executor so transient
// repository failures are retried and classified, and a stale dpkg lock
// held by a dead process can be detected and released before a run.
package pkgmgr

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"sync"
	"syscall"

	"github.com/devstation/devstation/pkg/resilience"
	"github.com/devstation/devstation/pkg/runner"
	"github.com/devstation/devstation/pkg/telemetry"
)

// DpkgLockFiles are the lock files APT and dpkg hold during operations.
var DpkgLockFiles = []string{
	"/var/lib/dpkg/lock",
	"/var/lib/dpkg/lock-frontend",
	"/var/cache/apt/archives/lock",
}

var aptEnv = map[string]string{"DEBIAN_FRONTEND": "noninteractive"}

// Manager performs APT operations on the local machine.
type Manager struct {
	exec   *resilience.Executor
	runner runner.Runner
	logger *telemetry.Logger

	mu           sync.Mutex
	cacheUpdated bool

	// MaxAttempts is the retry budget for each APT command.
	MaxAttempts int

	lockFiles []string
}

// NewManager creates a package manager. The runner is used for read-only
// queries; mutating commands go through the resilience executor.
func NewManager(exec *resilience.Executor, r runner.Runner, logger *telemetry.Logger) *Manager {
	return &Manager{
		exec:        exec,
		runner:      r,
		logger:      logger.NewComponentLogger("pkgmgr"),
		MaxAttempts: 3,
		lockFiles:   DpkgLockFiles,
	}
}

// UpdateCache refreshes the APT package index. The refresh runs at most
// once per Manager unless forced.
func (m *Manager) UpdateCache(ctx context.Context, force bool) error {
	m.mu.Lock()
	updated := m.cacheUpdated
	m.mu.Unlock()
	if updated && !force {
		return nil
	}

	_, err := m.exec.SafeExecute(ctx, runner.Command{
		Command: "apt-get",
		Args:    []string{"update", "-qq"},
		UseSudo: true,
		Env:     aptEnv,
	}, "apt cache update", m.MaxAttempts)
	if err != nil {
		return fmt.Errorf("failed to update apt cache: %w", err)
	}

	m.mu.Lock()
	m.cacheUpdated = true
	m.mu.Unlock()
	return nil
}

// Install installs the given packages, refreshing the cache first.
// Packages already installed are skipped.
func (m *Manager) Install(ctx context.Context, packages ...string) error {
	if len(packages) == 0 {
		return nil
	}

	missing := make([]string, 0, len(packages))
	for _, pkg := range packages {
		installed, err := m.IsInstalled(ctx, pkg)
		if err != nil {
			return err
		}
		if !installed {
			missing = append(missing, pkg)
		}
	}
	if len(missing) == 0 {
		m.logger.Debug("all packages already installed")
		return nil
	}

	if err := m.UpdateCache(ctx, false); err != nil {
		return err
	}

	args := append([]string{"install", "-y"}, missing...)
	_, err := m.exec.SafeExecute(ctx, runner.Command{
		Command: "apt-get",
		Args:    args,
		UseSudo: true,
		Env:     aptEnv,
	}, fmt.Sprintf("install %s", strings.Join(missing, " ")), m.MaxAttempts)
	if err != nil {
		return fmt.Errorf("failed to install packages: %w", err)
	}
	return nil
}

// Remove uninstalls the given packages. Absent packages are skipped.
func (m *Manager) Remove(ctx context.Context, packages ...string) error {
	present := make([]string, 0, len(packages))
	for _, pkg := range packages {
		installed, err := m.IsInstalled(ctx, pkg)
		if err != nil {
			return err
		}
		if installed {
			present = append(present, pkg)
		}
	}
	if len(present) == 0 {
		return nil
	}

	args := append([]string{"remove", "-y"}, present...)
	_, err := m.exec.SafeExecute(ctx, runner.Command{
		Command: "apt-get",
		Args:    args,
		UseSudo: true,
		Env:     aptEnv,
	}, fmt.Sprintf("remove %s", strings.Join(present, " ")), m.MaxAttempts)
	if err != nil {
		return fmt.Errorf("failed to remove packages: %w", err)
	}
	return nil
}

// IsInstalled reports whether a package is fully installed according to dpkg.
func (m *Manager) IsInstalled(ctx context.Context, pkg string) (bool, error) {
	res, err := m.runner.Run(ctx, runner.Command{
		Command: "dpkg-query",
		Args:    []string{"-W", "-f", "${Status}", pkg},
	})
	if err != nil {
		return false, fmt.Errorf("failed to query package %s: %w", pkg, err)
	}
	return res.Succeeded() && strings.Contains(res.Stdout, "install ok installed"), nil
}

var versionRe = regexp.MustCompile(`(?m)^Version:\s+(.+)$`)

// Version returns the installed version of a package, or empty when the
// package is not installed.
func (m *Manager) Version(ctx context.Context, pkg string) (string, error) {
	res, err := m.runner.Run(ctx, runner.Command{
		Command: "dpkg",
		Args:    []string{"-s", pkg},
	})
	if err != nil {
		return "", fmt.Errorf("failed to query package %s: %w", pkg, err)
	}
	if !res.Succeeded() {
		return "", nil
	}
	if match := versionRe.FindStringSubmatch(res.Stdout); match != nil {
		return strings.TrimSpace(match[1]), nil
	}
	return "", nil
}

// StaleLocks returns the dpkg lock files whose recorded holder pid no
// longer exists. Lock files with no recorded pid are not reported; dpkg
// leaves empty lock files behind normally.
func (m *Manager) StaleLocks(_ context.Context) ([]string, error) {
	var stale []string
	for _, lockFile := range m.lockFiles {
		if _, err := os.Stat(lockFile); err != nil {
			continue
		}

		pid, ok := lockHolder(lockFile)
		if !ok {
			continue
		}
		if !processExists(pid) {
			m.logger.Warn(fmt.Sprintf("stale dpkg lock %s held by dead pid %d", lockFile, pid))
			stale = append(stale, lockFile)
		}
	}
	return stale, nil
}

// ReleaseStaleLocks removes stale dpkg locks and reconfigures packages so
// dpkg state is consistent afterwards. It refuses to touch locks held by
// live processes.
func (m *Manager) ReleaseStaleLocks(ctx context.Context) error {
	stale, err := m.StaleLocks(ctx)
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}

	for _, lockFile := range stale {
		res, err := m.runner.Run(ctx, runner.Command{
			Command: "rm",
			Args:    []string{"-f", lockFile},
			UseSudo: true,
		})
		if err != nil {
			return fmt.Errorf("failed to release lock %s: %w", lockFile, err)
		}
		if !res.Succeeded() {
			return fmt.Errorf("failed to release lock %s: %s", lockFile, strings.TrimSpace(res.Stderr))
		}
		m.logger.Info("released stale dpkg lock: " + lockFile)
	}

	res, err := m.runner.Run(ctx, runner.Command{
		Command: "dpkg",
		Args:    []string{"--configure", "-a"},
		UseSudo: true,
		Env:     aptEnv,
	})
	if err != nil {
		return fmt.Errorf("failed to reconfigure packages: %w", err)
	}
	if !res.Succeeded() {
		m.logger.Warn("dpkg --configure -a reported errors: " + strings.TrimSpace(res.Stderr))
	}
	return nil
}

// FixBroken repairs broken dependencies, falling back to a dpkg
// reconfigure pass when the first attempt fails.
func (m *Manager) FixBroken(ctx context.Context) error {
	fix := runner.Command{
		Command: "apt-get",
		Args:    []string{"--fix-broken", "install", "-y"},
		UseSudo: true,
		Env:     aptEnv,
	}

	res, err := m.runner.Run(ctx, fix)
	if err != nil {
		return fmt.Errorf("failed to run fix-broken: %w", err)
	}
	if res.Succeeded() {
		return nil
	}

	if _, err := m.runner.Run(ctx, runner.Command{
		Command: "dpkg",
		Args:    []string{"--configure", "-a"},
		UseSudo: true,
		Env:     aptEnv,
	}); err != nil {
		return fmt.Errorf("failed to reconfigure packages: %w", err)
	}

	res, err = m.runner.Run(ctx, fix)
	if err != nil {
		return fmt.Errorf("failed to run fix-broken: %w", err)
	}
	if !res.Succeeded() {
		return fmt.Errorf("failed to fix broken dependencies: %s", strings.TrimSpace(res.Stderr))
	}
	return nil
}

// lockHolder parses a holder pid recorded in a lock file. ok is false
// when the file is unreadable or holds no pid.
func lockHolder(lockFile string) (int, bool) {
	data, err := os.ReadFile(lockFile)
	if err != nil {
		return 0, false
	}

	var pid int
	if _, err := fmt.Sscanf(strings.TrimSpace(string(data)), "%d", &pid); err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

func processExists(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
