package commands

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/devstation/devstation/pkg/journal"
	"github.com/devstation/devstation/pkg/rollback"
	"github.com/devstation/devstation/pkg/runner"
	"github.com/devstation/devstation/pkg/telemetry"
)

func newTestEngine(t *testing.T) (*rollback.Engine, *journal.Journal) {
	t.Helper()

	logger, err := telemetry.NewLogger(telemetry.LoggingConfig{Level: "fatal"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	j, err := journal.New(filepath.Join(t.TempDir(), "transactions.jsonl"))
	if err != nil {
		t.Fatalf("failed to create journal: %v", err)
	}
	return rollback.NewEngine(j, runner.NewLocal(), logger, nil), j
}

func TestVerifyRollback_CleanSystem(t *testing.T) {
	eng, j := newTestEngine(t)

	if err := j.Record("created marker", "rm -f /nonexistent/devstation-marker"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	if err := verifyRollback(context.Background(), eng); err != nil {
		t.Fatalf("expected clean verification, got %v", err)
	}
}

func TestVerifyRollback_ResidueExitsWithRollbackCode(t *testing.T) {
	eng, j := newTestEngine(t)

	leftover := filepath.Join(t.TempDir(), "leftover")
	if err := os.WriteFile(leftover, []byte("x"), 0o644); err != nil {
		t.Fatalf("failed to create leftover file: %v", err)
	}
	if err := j.Record("created leftover", "rm -f "+leftover); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	err := verifyRollback(context.Background(), eng)
	if err == nil {
		t.Fatal("expected an error when residue remains")
	}

	var exitErr *ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != ExitRollback {
		t.Fatalf("expected ExitRollback, got %v", err)
	}
}
