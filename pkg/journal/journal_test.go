package journal

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
)

func setupJournal(t *testing.T) *Journal {
	t.Helper()

	j, err := New(filepath.Join(t.TempDir(), "transactions.jsonl"))
	if err != nil {
		t.Fatalf("failed to create journal: %v", err)
	}
	return j
}

func TestJournal_RecordAssignsSequence(t *testing.T) {
	j := setupJournal(t)

	for _, desc := range []string{"created dir", "wrote file", "enabled service"} {
		if err := j.Record(desc, "undo "+desc); err != nil {
			t.Fatalf("Record failed: %v", err)
		}
	}

	entries, err := j.Entries()
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}

	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Sequence != i+1 {
			t.Errorf("entry %d has sequence %d, want %d", i, e.Sequence, i+1)
		}
	}
}

func TestJournal_CountEmpty(t *testing.T) {
	j := setupJournal(t)

	count, err := j.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 entries, got %d", count)
	}
}

func TestJournal_SequencePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transactions.jsonl")

	j1, err := New(path)
	if err != nil {
		t.Fatalf("failed to create journal: %v", err)
	}
	if err := j1.Record("first", "undo first"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	j2, err := New(path)
	if err != nil {
		t.Fatalf("failed to reopen journal: %v", err)
	}
	if err := j2.Record("second", "undo second"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	entries, err := j2.Entries()
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[1].Sequence != 2 {
		t.Errorf("expected sequence 2 after reopen, got %d", entries[1].Sequence)
	}
}

func TestJournal_TornFinalLineReturnsValidPrefix(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transactions.jsonl")

	j1, err := New(path)
	if err != nil {
		t.Fatalf("failed to create journal: %v", err)
	}
	if err := j1.Record("first", "undo first"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	// Simulate an append cut off mid-write.
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("failed to open journal: %v", err)
	}
	if _, err := f.WriteString(`{"sequence":2,"descr`); err != nil {
		t.Fatalf("failed to write torn line: %v", err)
	}
	f.Close()

	entries, err := j1.Entries()
	if err != nil {
		t.Fatalf("Entries should tolerate a torn final line: %v", err)
	}
	if len(entries) != 1 || entries[0].Description != "first" {
		t.Fatalf("expected the valid prefix, got %+v", entries)
	}

	// Reopening must succeed and continue numbering after the prefix.
	j2, err := New(path)
	if err != nil {
		t.Fatalf("reopen after torn append failed: %v", err)
	}
	if err := j2.Record("second", "undo second"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	entries, err = j2.Entries()
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[1].Sequence != 2 {
		t.Errorf("expected sequence 2 after torn line, got %d", entries[1].Sequence)
	}
}

func TestJournal_MidFileCorruptionIsAnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "transactions.jsonl")

	j, err := New(path)
	if err != nil {
		t.Fatalf("failed to create journal: %v", err)
	}
	if err := j.Record("first", "undo first"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		t.Fatalf("failed to open journal: %v", err)
	}
	if _, err := f.WriteString("not json\n"); err != nil {
		t.Fatalf("failed to write corrupt line: %v", err)
	}
	f.Close()
	if err := j.Record("after damage", "undo after"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	if _, err := j.Entries(); err == nil {
		t.Fatal("a corrupt line followed by valid entries must be an error")
	}
}

func TestJournal_Clear(t *testing.T) {
	j := setupJournal(t)

	if err := j.Record("something", "undo something"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}
	if err := j.Clear(); err != nil {
		t.Fatalf("Clear failed: %v", err)
	}

	count, err := j.Count()
	if err != nil {
		t.Fatalf("Count failed: %v", err)
	}
	if count != 0 {
		t.Errorf("expected 0 entries after Clear, got %d", count)
	}
}

func TestJournal_Backup(t *testing.T) {
	j := setupJournal(t)

	if err := j.Record("made change", "revert change"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	backupPath, err := j.Backup()
	if err != nil {
		t.Fatalf("Backup failed: %v", err)
	}
	if backupPath != j.Path()+".pre-rollback" {
		t.Errorf("unexpected backup path %q", backupPath)
	}

	orig, err := os.ReadFile(j.Path())
	if err != nil {
		t.Fatalf("failed to read journal: %v", err)
	}
	copied, err := os.ReadFile(backupPath)
	if err != nil {
		t.Fatalf("failed to read backup: %v", err)
	}
	if string(orig) != string(copied) {
		t.Error("backup content differs from journal")
	}
}

func TestJournal_BackupEmptyJournal(t *testing.T) {
	j := setupJournal(t)

	backupPath, err := j.Backup()
	if err != nil {
		t.Fatalf("Backup of empty journal failed: %v", err)
	}
	if backupPath != "" {
		t.Errorf("expected no backup for empty journal, got %q", backupPath)
	}
}

func TestJournal_ConcurrentRecords(t *testing.T) {
	j := setupJournal(t)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := j.Record("concurrent action", "undo it"); err != nil {
				t.Errorf("Record failed: %v", err)
			}
		}()
	}
	wg.Wait()

	entries, err := j.Entries()
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 10 {
		t.Fatalf("expected 10 entries, got %d", len(entries))
	}

	seen := make(map[int]bool)
	for _, e := range entries {
		if seen[e.Sequence] {
			t.Errorf("duplicate sequence %d", e.Sequence)
		}
		seen[e.Sequence] = true
	}
}

func TestJournal_MergeFragmentsKeepsTotalOrder(t *testing.T) {
	j := setupJournal(t)

	if err := j.Record("before fan-out", "undo before"); err != nil {
		t.Fatalf("Record failed: %v", err)
	}

	f1 := NewFragment()
	f2 := NewFragment()
	if err := f1.Record("worker one action", "undo one"); err != nil {
		t.Fatalf("fragment Record failed: %v", err)
	}
	if err := f2.Record("worker two action", "undo two"); err != nil {
		t.Fatalf("fragment Record failed: %v", err)
	}
	if err := f2.Record("worker two second action", "undo two b"); err != nil {
		t.Fatalf("fragment Record failed: %v", err)
	}

	if err := j.MergeFragments(f1, f2); err != nil {
		t.Fatalf("MergeFragments failed: %v", err)
	}

	entries, err := j.Entries()
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(entries))
	}
	for i, e := range entries {
		if e.Sequence != i+1 {
			t.Errorf("entry %d has sequence %d, want %d", i, e.Sequence, i+1)
		}
	}
	if entries[1].Description != "worker one action" {
		t.Errorf("fragment order not preserved: %q", entries[1].Description)
	}

	if f1.Len() != 0 || f2.Len() != 0 {
		t.Error("fragments should be drained after merge")
	}
}
