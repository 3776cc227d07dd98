// Package health validates a provisioned machine after the fact. Each
// check probes one component (OS release, resources, services, ports,
// executables, users) and reports pass, fail, warning, or error without
// mutating anything. The verify command aggregates the checks into a
// report rendered as text or JSON.
package health

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/devstation/devstation/pkg/runner"
	"github.com/devstation/devstation/pkg/telemetry"
)

// Status classifies the outcome of a single check.
type Status string

const (
	StatusPass    Status = "pass"
	StatusFail    Status = "fail"
	StatusWarning Status = "warning"
	StatusError   Status = "error"
)

// Check is the result of probing one component.
type Check struct {
	Name     string            `json:"name"`
	Category string            `json:"category"`
	Status   Status            `json:"status"`
	Message  string            `json:"message"`
	Details  map[string]string `json:"details,omitempty"`
}

// Report aggregates all check results for one verification pass.
type Report struct {
	Total    int     `json:"total_checks"`
	Passed   int     `json:"passed"`
	Failed   int     `json:"failed"`
	Warnings int     `json:"warnings"`
	Errors   int     `json:"errors"`
	Checks   []Check `json:"checks"`
}

// Healthy reports whether no check failed or errored.
func (r *Report) Healthy() bool {
	return r.Failed == 0 && r.Errors == 0
}

// Minimum resource requirements for a usable development machine.
const (
	MinRAMMB      = 2048
	MinDiskFreeGB = 10
	MinCPUCores   = 1
)

// Checker runs health checks against the local machine.
type Checker struct {
	runner runner.Runner
	logger *telemetry.Logger

	// overridable for tests
	osReleasePath string
	meminfoPath   string
	dialTimeout   time.Duration
}

// NewChecker creates a checker executing probes through the given runner.
func NewChecker(r runner.Runner, logger *telemetry.Logger) *Checker {
	return &Checker{
		runner:        r,
		logger:        logger,
		osReleasePath: "/etc/os-release",
		meminfoPath:   "/proc/meminfo",
		dialTimeout:   time.Second,
	}
}

// CheckOSRelease validates the distribution name and version against
// /etc/os-release.
func (c *Checker) CheckOSRelease(wantName, wantVersionID string) Check {
	check := Check{
		Name:     "Operating System",
		Category: "system",
		Details:  map[string]string{},
	}

	data, err := os.ReadFile(c.osReleasePath)
	if err != nil {
		check.Status = StatusError
		check.Message = fmt.Sprintf("failed to read os-release: %v", err)
		return check
	}

	info := parseOSRelease(string(data))
	check.Details["name"] = info["NAME"]
	check.Details["version_id"] = info["VERSION_ID"]

	switch {
	case !strings.Contains(info["NAME"], wantName):
		check.Status = StatusFail
		check.Message = fmt.Sprintf("expected %s, found %q", wantName, info["NAME"])
	case info["VERSION_ID"] != wantVersionID:
		check.Status = StatusFail
		check.Message = fmt.Sprintf("wrong %s version: %q", wantName, info["VERSION_ID"])
	default:
		check.Status = StatusPass
		check.Message = fmt.Sprintf("%s %s detected", wantName, wantVersionID)
	}
	return check
}

// CheckResources validates RAM, available disk, and CPU count against
// the package minimums.
func (c *Checker) CheckResources(ctx context.Context) Check {
	check := Check{
		Name:     "System Resources",
		Category: "system",
		Details:  map[string]string{},
	}

	ramMB, err := c.readMemTotalMB()
	if err != nil {
		check.Status = StatusError
		check.Message = fmt.Sprintf("failed to read meminfo: %v", err)
		return check
	}
	check.Details["ram_mb"] = strconv.Itoa(ramMB)

	diskGB := c.readDiskFreeGB(ctx)
	if diskGB >= 0 {
		check.Details["disk_available_gb"] = strconv.Itoa(diskGB)
	}

	cores := c.readCPUCores(ctx)
	if cores > 0 {
		check.Details["cpu_cores"] = strconv.Itoa(cores)
	}

	var issues []string
	if ramMB < MinRAMMB {
		issues = append(issues, fmt.Sprintf("RAM below %dMB", MinRAMMB))
	}
	if diskGB >= 0 && diskGB < MinDiskFreeGB {
		issues = append(issues, fmt.Sprintf("disk below %dGB free", MinDiskFreeGB))
	}
	if cores > 0 && cores < MinCPUCores {
		issues = append(issues, "no usable CPU core")
	}

	if len(issues) > 0 {
		check.Status = StatusFail
		check.Message = "insufficient resources: " + strings.Join(issues, ", ")
	} else {
		check.Status = StatusPass
		check.Message = "resource requirements met"
	}
	return check
}

// CheckService reports whether a systemd unit is active.
func (c *Checker) CheckService(ctx context.Context, unit, displayName string) Check {
	check := Check{
		Name:     displayName,
		Category: "services",
		Details:  map[string]string{"unit": unit},
	}

	res, err := c.runner.Run(ctx, runner.Command{
		Command: "systemctl",
		Args:    []string{"is-active", unit},
	})
	if err != nil {
		check.Status = StatusError
		check.Message = fmt.Sprintf("failed to query %s: %v", unit, err)
		return check
	}

	state := strings.TrimSpace(res.Stdout)
	check.Details["state"] = state
	if res.Succeeded() && state == "active" {
		check.Status = StatusPass
		check.Message = fmt.Sprintf("%s service is active", displayName)
	} else {
		check.Status = StatusFail
		check.Message = fmt.Sprintf("%s service is %s", displayName, orUnknown(state))
	}
	return check
}

// CheckPort reports whether a local TCP port accepts connections.
func (c *Checker) CheckPort(port int, serviceName string) Check {
	check := Check{
		Name:     fmt.Sprintf("Port %d (%s)", port, serviceName),
		Category: "network",
		Details:  map[string]string{"port": strconv.Itoa(port)},
	}

	addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(port))
	conn, err := net.DialTimeout("tcp", addr, c.dialTimeout)
	if err != nil {
		check.Status = StatusFail
		check.Message = fmt.Sprintf("port %d is not listening", port)
		return check
	}
	_ = conn.Close()

	check.Status = StatusPass
	check.Message = fmt.Sprintf("port %d is listening", port)
	return check
}

// CheckExecutable reports whether a command resolves on PATH, recording
// its version when it can be queried.
func (c *Checker) CheckExecutable(ctx context.Context, command, displayName string) Check {
	check := Check{
		Name:     displayName,
		Category: "software",
		Details:  map[string]string{"command": command},
	}

	res, err := c.runner.Run(ctx, runner.Command{
		Command: "which",
		Args:    []string{command},
	})
	if err != nil || !res.Succeeded() || strings.TrimSpace(res.Stdout) == "" {
		check.Status = StatusFail
		check.Message = fmt.Sprintf("%s not found", displayName)
		return check
	}
	check.Details["path"] = strings.TrimSpace(res.Stdout)

	if ver, verr := c.runner.Run(ctx, runner.Command{
		Command: command,
		Args:    []string{"--version"},
	}); verr == nil && ver.Succeeded() {
		if line, _, _ := strings.Cut(ver.Stdout, "\n"); line != "" {
			check.Details["version"] = truncate(line, 100)
		}
	}

	check.Status = StatusPass
	check.Message = fmt.Sprintf("%s is installed", displayName)
	return check
}

// CheckUser reports whether a user account exists, has a home directory,
// and belongs to the sudo group.
func (c *Checker) CheckUser(ctx context.Context, username string) Check {
	check := Check{
		Name:     fmt.Sprintf("User: %s", username),
		Category: "users",
		Details:  map[string]string{"username": username},
	}

	res, err := c.runner.Run(ctx, runner.Command{
		Command: "getent",
		Args:    []string{"passwd", username},
	})
	if err != nil {
		check.Status = StatusError
		check.Message = fmt.Sprintf("failed to query user: %v", err)
		return check
	}
	if !res.Succeeded() {
		check.Status = StatusFail
		check.Message = fmt.Sprintf("user %s does not exist", username)
		return check
	}

	fields := strings.Split(strings.TrimSpace(res.Stdout), ":")
	var home string
	if len(fields) >= 6 {
		home = fields[5]
		check.Details["home"] = home
		check.Details["shell"] = fields[len(fields)-1]
	}

	var issues []string
	if home == "" || !dirExists(home) {
		issues = append(issues, "home directory missing")
	}

	groups, gerr := c.runner.Run(ctx, runner.Command{
		Command: "groups",
		Args:    []string{username},
	})
	if gerr != nil || !groups.Succeeded() || !containsWord(groups.Stdout, "sudo") {
		issues = append(issues, "not in sudo group")
	}

	if len(issues) > 0 {
		check.Status = StatusWarning
		check.Message = "user issues: " + strings.Join(issues, ", ")
	} else {
		check.Status = StatusPass
		check.Message = fmt.Sprintf("user %s configured correctly", username)
	}
	return check
}

// Options selects which components RunAll probes.
type Options struct {
	// Username is the development user to verify.
	Username string

	// SSHPort is the expected SSH listen port.
	SSHPort int

	// IDECommands maps executable names to display names for the
	// installed editors.
	IDECommands map[string]string
}

// RunAll executes the full verification suite and aggregates the report.
func (c *Checker) RunAll(ctx context.Context, opts Options) *Report {
	if opts.SSHPort == 0 {
		opts.SSHPort = 22
	}

	checks := []Check{
		c.CheckOSRelease("Debian", "13"),
		c.CheckResources(ctx),
		c.CheckService(ctx, "xrdp", "XRDP Server"),
		c.CheckService(ctx, "lightdm", "LightDM Display Manager"),
		c.CheckPort(3389, "RDP"),
		c.CheckPort(opts.SSHPort, "SSH"),
	}

	if opts.Username != "" {
		checks = append(checks, c.CheckUser(ctx, opts.Username))
	}

	for command, display := range opts.IDECommands {
		checks = append(checks, c.CheckExecutable(ctx, command, display))
	}

	for _, tool := range []struct{ command, display string }{
		{"git", "Git"},
		{"gcc", "GCC Compiler"},
		{"make", "Make"},
	} {
		checks = append(checks, c.CheckExecutable(ctx, tool.command, tool.display))
	}

	return buildReport(checks)
}

func buildReport(checks []Check) *Report {
	report := &Report{
		Total:  len(checks),
		Checks: checks,
	}
	for _, check := range checks {
		switch check.Status {
		case StatusPass:
			report.Passed++
		case StatusFail:
			report.Failed++
		case StatusWarning:
			report.Warnings++
		case StatusError:
			report.Errors++
		}
	}
	return report
}

func parseOSRelease(data string) map[string]string {
	info := map[string]string{}
	for _, line := range strings.Split(data, "\n") {
		key, value, ok := strings.Cut(strings.TrimSpace(line), "=")
		if !ok {
			continue
		}
		info[key] = strings.Trim(value, `"`)
	}
	return info
}

func (c *Checker) readMemTotalMB() (int, error) {
	data, err := os.ReadFile(c.meminfoPath)
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "MemTotal:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.Atoi(fields[1])
		if err != nil {
			return 0, err
		}
		return kb / 1024, nil
	}
	return 0, fmt.Errorf("MemTotal not found in %s", c.meminfoPath)
}

// readDiskFreeGB returns the available space on the root filesystem,
// or -1 when it cannot be determined.
func (c *Checker) readDiskFreeGB(ctx context.Context) int {
	res, err := c.runner.Run(ctx, runner.Command{
		Command: "df",
		Args:    []string{"-BG", "/"},
	})
	if err != nil || !res.Succeeded() {
		return -1
	}
	lines := strings.Split(strings.TrimSpace(res.Stdout), "\n")
	if len(lines) < 2 {
		return -1
	}
	fields := strings.Fields(lines[1])
	if len(fields) < 4 {
		return -1
	}
	gb, err := strconv.Atoi(strings.TrimSuffix(fields[3], "G"))
	if err != nil {
		return -1
	}
	return gb
}

func (c *Checker) readCPUCores(ctx context.Context) int {
	res, err := c.runner.Run(ctx, runner.Command{Command: "nproc"})
	if err != nil || !res.Succeeded() {
		return 0
	}
	cores, err := strconv.Atoi(strings.TrimSpace(res.Stdout))
	if err != nil {
		return 0
	}
	return cores
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

func containsWord(s, word string) bool {
	for _, field := range strings.Fields(s) {
		if field == word {
			return true
		}
	}
	return false
}

func orUnknown(s string) string {
	if s == "" {
		return "inactive"
	}
	return s
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
