// Package checkpoint persists durable proof that a named provisioning phase
// has completed. A checkpoint's existence means the phase's side effects are
// applied and the phase must not re-run unless explicitly invalidated.
package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Record is the on-disk checkpoint document, one JSON file per phase.
type Record struct {
	Name        string            `json:"name" validate:"required"`
	CompletedAt time.Time         `json:"completed_at" validate:"required"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Store manages checkpoint records under a root directory.
type Store struct {
	root     string
	validate *validator.Validate
}

// NewStore creates a checkpoint store rooted at dir, creating it if needed.
func NewStore(dir string) (*Store, error) {
	if dir == "" {
		return nil, fmt.Errorf("checkpoint directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create checkpoint directory: %w", err)
	}

	return &Store{
		root:     dir,
		validate: validator.New(),
	}, nil
}

// Exists reports whether a valid checkpoint exists for the phase. A file that
// is present but fails validation does not count.
func (s *Store) Exists(name string) bool {
	rec, err := s.read(name)
	if err != nil {
		return false
	}
	return s.validate.Struct(rec) == nil
}

// Create writes a checkpoint for the phase. The record is written to a
// temporary file and renamed into place so a crash mid-write can never leave
// a half-written record that Exists would honor.
func (s *Store) Create(name string, metadata map[string]string) error {
	if name == "" {
		return fmt.Errorf("checkpoint name is required")
	}

	rec := Record{
		Name:        name,
		CompletedAt: time.Now().UTC(),
		Metadata:    metadata,
	}

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint %s: %w", name, err)
	}

	tmp, err := os.CreateTemp(s.root, "."+name+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write checkpoint %s: %w", name, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to sync checkpoint %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp checkpoint: %w", err)
	}

	if err := os.Rename(tmpPath, s.path(name)); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to commit checkpoint %s: %w", name, err)
	}

	return nil
}

// Invalidate removes the checkpoint for a single phase. Removing a checkpoint
// that does not exist is not an error.
func (s *Store) Invalidate(name string) error {
	if err := os.Remove(s.path(name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to invalidate checkpoint %s: %w", name, err)
	}
	return nil
}

// ClearAll removes every checkpoint. Used by force mode before a run starts.
func (s *Store) ClearAll() error {
	names, err := s.List()
	if err != nil {
		return err
	}
	for _, name := range names {
		if err := s.Invalidate(name); err != nil {
			return err
		}
	}
	return nil
}

// List returns the names of all checkpointed phases in sorted order. Files
// that do not parse or validate are skipped.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint directory: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), recordSuffix) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), recordSuffix)
		if s.Exists(name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	return names, nil
}

// Count returns the number of valid checkpoints.
func (s *Store) Count() (int, error) {
	names, err := s.List()
	if err != nil {
		return 0, err
	}
	return len(names), nil
}

// Timestamp returns the completion time recorded in the phase's checkpoint.
func (s *Store) Timestamp(name string) (time.Time, error) {
	rec, err := s.read(name)
	if err != nil {
		return time.Time{}, err
	}
	return rec.CompletedAt, nil
}

// Get returns the full record for a checkpointed phase.
func (s *Store) Get(name string) (*Record, error) {
	rec, err := s.read(name)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// Validate reports whether the stored record carries all required fields.
// A corrupted record, for example one missing its name, fails validation
// even though the file exists on disk.
func (s *Store) Validate(name string) bool {
	rec, err := s.read(name)
	if err != nil {
		return false
	}
	return s.validate.Struct(rec) == nil
}

const recordSuffix = ".checkpoint.json"

func (s *Store) path(name string) string {
	return filepath.Join(s.root, name+recordSuffix)
}

func (s *Store) read(name string) (*Record, error) {
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", name, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode checkpoint %s: %w", name, err)
	}

	return &rec, nil
}
