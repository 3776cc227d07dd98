// Package journal records reversible provisioning actions as an append-only
// log. Each entry pairs a description with the command that undoes the
// action; the rollback engine consumes the log in reverse order.
package journal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Entry is one recorded reversible side effect. Sequence numbers are assigned
// at append time; append order is causal order.
type Entry struct {
	Sequence    int       `json:"sequence"`
	Description string    `json:"description"`
	UndoCommand string    `json:"undo_command"`
	Timestamp   time.Time `json:"timestamp"`
}

// Journal is an append-only JSONL transaction log. Appends are serialized by
// an in-process mutex and written with O_APPEND so concurrent workers never
// interleave partial records.
type Journal struct {
	path string

	mu   sync.Mutex
	next int
}

// New opens (or creates) a journal at path. Existing entries are preserved
// and sequence numbering continues after them. A torn final line left behind
// by an interrupted append is truncated away so later appends start clean.
func New(path string) (*Journal, error) {
	if path == "" {
		return nil, fmt.Errorf("journal path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create journal directory: %w", err)
	}

	j := &Journal{path: path}

	entries, valid, err := j.load()
	if err != nil {
		return nil, err
	}
	if fi, statErr := os.Stat(path); statErr == nil && fi.Size() > valid {
		if err := os.Truncate(path, valid); err != nil {
			return nil, fmt.Errorf("failed to repair torn journal: %w", err)
		}
	}

	j.next = 1
	if n := len(entries); n > 0 {
		j.next = entries[n-1].Sequence + 1
	}

	return j, nil
}

// Path returns the journal file path.
func (j *Journal) Path() string {
	return j.path
}

// Record appends one entry describing a completed reversible action.
func (j *Journal) Record(description, undoCommand string) error {
	if description == "" {
		return fmt.Errorf("entry description is required")
	}
	if undoCommand == "" {
		return fmt.Errorf("entry undo command is required")
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	entry := Entry{
		Sequence:    j.next,
		Description: description,
		UndoCommand: undoCommand,
		Timestamp:   time.Now().UTC(),
	}

	if err := j.append(entry); err != nil {
		return err
	}
	j.next++

	return nil
}

// append writes one entry as a single JSONL line. The file is opened with
// O_APPEND so the write lands as one atomic unit even across processes.
func (j *Journal) append(entry Entry) error {
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to encode journal entry: %w", err)
	}
	line = append(line, '\n')

	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("failed to append journal entry: %w", err)
	}
	return f.Sync()
}

// Entries returns all recorded entries in append order. A missing journal
// file means an empty journal. A torn final line, left behind by an append
// interrupted mid-write, is dropped and the valid prefix returned; a corrupt
// line followed by further entries is real damage and surfaces as an error.
func (j *Journal) Entries() ([]Entry, error) {
	entries, _, err := j.load()
	return entries, err
}

// load parses the journal, returning the entries and the byte length of the
// valid prefix.
func (j *Journal) load() ([]Entry, int64, error) {
	data, err := os.ReadFile(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("failed to open journal: %w", err)
	}

	var entries []Entry
	var valid int64
	rest := data
	for len(rest) > 0 {
		line := rest
		lineLen := len(rest)
		if nl := bytes.IndexByte(rest, '\n'); nl >= 0 {
			line = rest[:nl]
			lineLen = nl + 1
		}
		rest = rest[lineLen:]

		if len(bytes.TrimSpace(line)) == 0 {
			valid += int64(lineLen)
			continue
		}

		var entry Entry
		if err := json.Unmarshal(line, &entry); err != nil {
			if len(bytes.TrimSpace(rest)) == 0 {
				// Torn final line from an interrupted append.
				return entries, valid, nil
			}
			return nil, 0, fmt.Errorf("corrupt journal entry: %w", err)
		}
		entries = append(entries, entry)
		valid += int64(lineLen)
	}

	return entries, valid, nil
}

// Count returns the number of recorded entries.
func (j *Journal) Count() (int, error) {
	entries, err := j.Entries()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Clear truncates the journal. Called after a fully successful run or a
// fully successful rollback.
func (j *Journal) Clear() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if err := os.Remove(j.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to clear journal: %w", err)
	}
	j.next = 1

	return nil
}

// Backup copies the journal to <path>.pre-rollback and returns the backup
// path. An empty journal produces no backup.
func (j *Journal) Backup() (string, error) {
	src, err := os.Open(j.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("failed to open journal for backup: %w", err)
	}
	defer src.Close()

	backupPath := j.path + ".pre-rollback"
	dst, err := os.Create(backupPath)
	if err != nil {
		return "", fmt.Errorf("failed to create journal backup: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return "", fmt.Errorf("failed to write journal backup: %w", err)
	}
	if err := dst.Sync(); err != nil {
		return "", fmt.Errorf("failed to sync journal backup: %w", err)
	}

	return backupPath, nil
}

// Fragment is a private per-worker journal buffer. Parallel phase workers
// record into their own fragment and the executor merges fragments into the
// shared journal at the join point, so concurrent workers never contend on
// the journal file mid-phase.
type Fragment struct {
	mu      sync.Mutex
	pending []Entry
}

// NewFragment creates an empty fragment.
func NewFragment() *Fragment {
	return &Fragment{}
}

// Record buffers one reversible action in the fragment.
func (f *Fragment) Record(description, undoCommand string) error {
	if description == "" {
		return fmt.Errorf("entry description is required")
	}
	if undoCommand == "" {
		return fmt.Errorf("entry undo command is required")
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.pending = append(f.pending, Entry{
		Description: description,
		UndoCommand: undoCommand,
		Timestamp:   time.Now().UTC(),
	})

	return nil
}

// Len returns the number of buffered entries.
func (f *Fragment) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// MergeFragments appends the entries of each fragment to the journal in the
// order the fragments are given. Sequence numbers are assigned here so the
// journal keeps one total order even though the fragments were filled
// concurrently.
func (j *Journal) MergeFragments(fragments ...*Fragment) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	for _, frag := range fragments {
		frag.mu.Lock()
		pending := frag.pending
		frag.pending = nil
		frag.mu.Unlock()

		for _, entry := range pending {
			entry.Sequence = j.next
			if err := j.append(entry); err != nil {
				return err
			}
			j.next++
		}
	}

	return nil
}
