package stores

import (
	"context"
	"testing"
	"time"
)

// setupTestStore creates an in-memory SQLite store for testing
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: ":memory:",
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	if err := store.Migrate(ctx); err != nil {
		t.Fatalf("failed to migrate store: %v", err)
	}

	t.Cleanup(func() { _ = store.Close() })

	return store
}

func TestSQLiteStore_CreateAndGetRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := &Run{
		ID:        "run-1",
		StartedAt: time.Now().UTC(),
		Total:     7,
	}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != RunStatusRunning {
		t.Errorf("expected running status, got %s", got.Status)
	}
	if got.Total != 7 {
		t.Errorf("expected total 7, got %d", got.Total)
	}
}

func TestSQLiteStore_GetRunNotFound(t *testing.T) {
	store := setupTestStore(t)

	if _, err := store.GetRun(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for missing run")
	}
}

func TestSQLiteStore_FinishRun(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	run := &Run{ID: "run-1", StartedAt: time.Now().UTC()}
	if err := store.CreateRun(ctx, run); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	if err := store.FinishRun(ctx, "run-1", RunStatusSucceeded, 7, 5, 2, 0, 42*time.Second); err != nil {
		t.Fatalf("FinishRun failed: %v", err)
	}

	got, err := store.GetRun(ctx, "run-1")
	if err != nil {
		t.Fatalf("GetRun failed: %v", err)
	}
	if got.Status != RunStatusSucceeded {
		t.Errorf("expected succeeded, got %s", got.Status)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}
	if got.DurationMs != 42000 {
		t.Errorf("expected duration 42000ms, got %d", got.DurationMs)
	}
	if got.Completed != 5 || got.Skipped != 2 {
		t.Errorf("unexpected summary: %+v", got)
	}
}

func TestSQLiteStore_FinishRunNotFound(t *testing.T) {
	store := setupTestStore(t)

	err := store.FinishRun(context.Background(), "missing", RunStatusFailed, 0, 0, 0, 0, 0)
	if err == nil {
		t.Fatal("expected error for missing run")
	}
}

func TestSQLiteStore_PhaseResults(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.CreateRun(ctx, &Run{ID: "run-1", StartedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	errMsg := "apt update failed"
	recs := []*PhaseRecord{
		{RunID: "run-1", Phase: "system-prep", Status: "completed", DurationMs: 1200},
		{RunID: "run-1", Phase: "desktop", Status: "failed", Error: &errMsg, DurationMs: 300},
	}
	for _, rec := range recs {
		if err := store.RecordPhaseResult(ctx, rec); err != nil {
			t.Fatalf("RecordPhaseResult failed: %v", err)
		}
	}

	got, err := store.ListPhaseResults(ctx, "run-1")
	if err != nil {
		t.Fatalf("ListPhaseResults failed: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 results, got %d", len(got))
	}
	if got[0].Phase != "system-prep" {
		t.Errorf("append order not preserved: %s", got[0].Phase)
	}
	if got[1].Error == nil || *got[1].Error != errMsg {
		t.Error("phase error not persisted")
	}
}

func TestSQLiteStore_ListRunsNewestFirst(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"old", "mid", "new"} {
		run := &Run{ID: id, StartedAt: base.Add(time.Duration(i) * time.Minute)}
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun failed: %v", err)
		}
	}

	runs, err := store.ListRuns(ctx, 10, 0)
	if err != nil {
		t.Fatalf("ListRuns failed: %v", err)
	}
	if len(runs) != 3 {
		t.Fatalf("expected 3 runs, got %d", len(runs))
	}
	if runs[0].ID != "new" || runs[2].ID != "old" {
		t.Errorf("runs not ordered newest first: %s, %s, %s", runs[0].ID, runs[1].ID, runs[2].ID)
	}
}

func TestSQLiteStore_Events(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.CreateRun(ctx, &Run{ID: "run-1", StartedAt: time.Now().UTC()}); err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}

	runID := "run-1"
	if err := store.AppendEvent(ctx, &Event{RunID: &runID, Level: EventLevelWarning, Message: "retrying apt update"}); err != nil {
		t.Fatalf("AppendEvent failed: %v", err)
	}

	events, err := store.GetEvents(ctx, "run-1", 10)
	if err != nil {
		t.Fatalf("GetEvents failed: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Level != EventLevelWarning {
		t.Errorf("expected warning level, got %s", events[0].Level)
	}
}

func TestSQLiteStore_HealthCheck(t *testing.T) {
	store := setupTestStore(t)

	if err := store.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck failed: %v", err)
	}
}
