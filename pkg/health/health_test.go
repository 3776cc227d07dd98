package health

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/devstation/devstation/pkg/runner"
	"github.com/devstation/devstation/pkg/telemetry"
)

// fakeRunner returns canned results keyed by the joined command line.
type fakeRunner struct {
	results map[string]*runner.Result
}

func (f *fakeRunner) Run(_ context.Context, cmd runner.Command) (*runner.Result, error) {
	key := strings.Join(append([]string{cmd.Command}, cmd.Args...), " ")
	if res, ok := f.results[key]; ok {
		return res, nil
	}
	return &runner.Result{ExitCode: 127, Stderr: "command not found"}, nil
}

func newTestChecker(t *testing.T, results map[string]*runner.Result) *Checker {
	t.Helper()

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "fatal"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return NewChecker(&fakeRunner{results: results}, logger)
}

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "probe")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write file: %v", err)
	}
	return path
}

func TestCheckOSReleasePass(t *testing.T) {
	c := newTestChecker(t, nil)
	c.osReleasePath = writeFile(t, "NAME=\"Debian GNU/Linux\"\nVERSION_ID=\"13\"\n")

	check := c.CheckOSRelease("Debian", "13")
	if check.Status != StatusPass {
		t.Errorf("expected pass, got %s: %s", check.Status, check.Message)
	}
}

func TestCheckOSReleaseWrongVersion(t *testing.T) {
	c := newTestChecker(t, nil)
	c.osReleasePath = writeFile(t, "NAME=\"Debian GNU/Linux\"\nVERSION_ID=\"12\"\n")

	check := c.CheckOSRelease("Debian", "13")
	if check.Status != StatusFail {
		t.Errorf("expected fail, got %s", check.Status)
	}
}

func TestCheckOSReleaseWrongDistro(t *testing.T) {
	c := newTestChecker(t, nil)
	c.osReleasePath = writeFile(t, "NAME=\"Ubuntu\"\nVERSION_ID=\"24.04\"\n")

	check := c.CheckOSRelease("Debian", "13")
	if check.Status != StatusFail {
		t.Errorf("expected fail, got %s", check.Status)
	}
}

func TestCheckOSReleaseMissingFile(t *testing.T) {
	c := newTestChecker(t, nil)
	c.osReleasePath = "/nonexistent/os-release"

	check := c.CheckOSRelease("Debian", "13")
	if check.Status != StatusError {
		t.Errorf("expected error, got %s", check.Status)
	}
}

func TestCheckResourcesPass(t *testing.T) {
	c := newTestChecker(t, map[string]*runner.Result{
		"df -BG /": {Stdout: "Filesystem 1G-blocks Used Avail Use% Mounted\n/dev/sda1 100G 40G 55G 45% /\n"},
		"nproc":    {Stdout: "4\n"},
	})
	c.meminfoPath = writeFile(t, "MemTotal:        8388608 kB\nMemFree:         1000000 kB\n")

	check := c.CheckResources(context.Background())
	if check.Status != StatusPass {
		t.Errorf("expected pass, got %s: %s", check.Status, check.Message)
	}
	if check.Details["ram_mb"] != "8192" {
		t.Errorf("unexpected ram_mb: %s", check.Details["ram_mb"])
	}
	if check.Details["disk_available_gb"] != "55" {
		t.Errorf("unexpected disk: %s", check.Details["disk_available_gb"])
	}
}

func TestCheckResourcesLowRAM(t *testing.T) {
	c := newTestChecker(t, map[string]*runner.Result{
		"df -BG /": {Stdout: "Filesystem 1G-blocks Used Avail Use% Mounted\n/dev/sda1 100G 40G 55G 45% /\n"},
		"nproc":    {Stdout: "2\n"},
	})
	c.meminfoPath = writeFile(t, "MemTotal:        1048576 kB\n")

	check := c.CheckResources(context.Background())
	if check.Status != StatusFail {
		t.Errorf("expected fail for 1GB RAM, got %s", check.Status)
	}
	if !strings.Contains(check.Message, "RAM") {
		t.Errorf("expected RAM in message, got %q", check.Message)
	}
}

func TestCheckServiceActive(t *testing.T) {
	c := newTestChecker(t, map[string]*runner.Result{
		"systemctl is-active xrdp": {Stdout: "active\n"},
	})

	check := c.CheckService(context.Background(), "xrdp", "XRDP Server")
	if check.Status != StatusPass {
		t.Errorf("expected pass, got %s", check.Status)
	}
}

func TestCheckServiceInactive(t *testing.T) {
	c := newTestChecker(t, map[string]*runner.Result{
		"systemctl is-active xrdp": {ExitCode: 3, Stdout: "inactive\n"},
	})

	check := c.CheckService(context.Background(), "xrdp", "XRDP Server")
	if check.Status != StatusFail {
		t.Errorf("expected fail, got %s", check.Status)
	}
}

func TestCheckPort(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to listen: %v", err)
	}
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	c := newTestChecker(t, nil)

	check := c.CheckPort(port, "test")
	if check.Status != StatusPass {
		t.Errorf("expected pass for listening port, got %s", check.Status)
	}

	ln.Close()
	check = c.CheckPort(port, "test")
	if check.Status != StatusFail {
		t.Errorf("expected fail for closed port, got %s", check.Status)
	}
}

func TestCheckExecutable(t *testing.T) {
	c := newTestChecker(t, map[string]*runner.Result{
		"which git":     {Stdout: "/usr/bin/git\n"},
		"git --version": {Stdout: "git version 2.47.3\n"},
	})

	check := c.CheckExecutable(context.Background(), "git", "Git")
	if check.Status != StatusPass {
		t.Errorf("expected pass, got %s", check.Status)
	}
	if check.Details["version"] != "git version 2.47.3" {
		t.Errorf("unexpected version: %q", check.Details["version"])
	}

	check = c.CheckExecutable(context.Background(), "cursor", "Cursor IDE")
	if check.Status != StatusFail {
		t.Errorf("expected fail for missing executable, got %s", check.Status)
	}
}

func TestCheckUser(t *testing.T) {
	home := t.TempDir()
	c := newTestChecker(t, map[string]*runner.Result{
		"getent passwd alice": {Stdout: fmt.Sprintf("alice:x:1001:1001::%s:/bin/bash\n", home)},
		"groups alice":        {Stdout: "alice : alice sudo\n"},
	})

	check := c.CheckUser(context.Background(), "alice")
	if check.Status != StatusPass {
		t.Errorf("expected pass, got %s: %s", check.Status, check.Message)
	}
}

func TestCheckUserMissingSudo(t *testing.T) {
	home := t.TempDir()
	c := newTestChecker(t, map[string]*runner.Result{
		"getent passwd bob": {Stdout: fmt.Sprintf("bob:x:1002:1002::%s:/bin/bash\n", home)},
		"groups bob":        {Stdout: "bob : bob\n"},
	})

	check := c.CheckUser(context.Background(), "bob")
	if check.Status != StatusWarning {
		t.Errorf("expected warning, got %s", check.Status)
	}
}

func TestCheckUserAbsent(t *testing.T) {
	c := newTestChecker(t, map[string]*runner.Result{
		"getent passwd ghost": {ExitCode: 2},
	})

	check := c.CheckUser(context.Background(), "ghost")
	if check.Status != StatusFail {
		t.Errorf("expected fail, got %s", check.Status)
	}
}

func TestReportAggregation(t *testing.T) {
	report := buildReport([]Check{
		{Name: "a", Status: StatusPass},
		{Name: "b", Status: StatusPass},
		{Name: "c", Status: StatusFail},
		{Name: "d", Status: StatusWarning},
		{Name: "e", Status: StatusError},
	})

	if report.Total != 5 || report.Passed != 2 || report.Failed != 1 || report.Warnings != 1 || report.Errors != 1 {
		t.Errorf("unexpected aggregation: %+v", report)
	}
	if report.Healthy() {
		t.Error("report with failures should not be healthy")
	}
}

func TestReportOutput(t *testing.T) {
	report := buildReport([]Check{
		{Name: "Operating System", Category: "system", Status: StatusPass, Message: "Debian 13 detected"},
		{Name: "XRDP Server", Category: "services", Status: StatusFail, Message: "XRDP Server service is inactive"},
	})

	var text bytes.Buffer
	if err := report.WriteText(&text); err != nil {
		t.Fatalf("WriteText failed: %v", err)
	}
	if !strings.Contains(text.String(), "issues detected") {
		t.Errorf("text output missing overall status:\n%s", text.String())
	}
	if !strings.Contains(text.String(), "SERVICES") {
		t.Errorf("text output missing category header:\n%s", text.String())
	}

	var buf bytes.Buffer
	if err := report.WriteJSON(&buf); err != nil {
		t.Fatalf("WriteJSON failed: %v", err)
	}
	var decoded Report
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("JSON output invalid: %v", err)
	}
	if decoded.Total != 2 {
		t.Errorf("expected total 2, got %d", decoded.Total)
	}
}
