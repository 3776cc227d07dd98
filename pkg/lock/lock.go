// Package lock provides single-instance mutual exclusion for provisioning
// runs. The lock is a file containing the holder's pid and acquisition time;
// a lock whose holder is dead or whose age exceeds the staleness ceiling may
// be reclaimed.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/devstation/devstation/pkg/telemetry"
)

// ErrLockHeld is returned when another live process holds the lock.
var ErrLockHeld = errors.New("lock is held")

// ErrWaitTimeout is returned when Wait gives up before the lock frees.
var ErrWaitTimeout = errors.New("timed out waiting for lock")

// record is the on-disk lock document.
type record struct {
	PID        int       `json:"pid"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Manager manages the provisioning run lock file.
type Manager struct {
	path         string
	staleCeiling time.Duration
	logger       *telemetry.Logger

	mu   sync.Mutex
	held bool
}

// DefaultStaleCeiling is the age beyond which a lock is considered stale
// even if its holder still exists.
const DefaultStaleCeiling = 2 * time.Hour

// NewManager creates a lock manager for the given lock file path.
func NewManager(path string, staleCeiling time.Duration, logger *telemetry.Logger) *Manager {
	if staleCeiling <= 0 {
		staleCeiling = DefaultStaleCeiling
	}
	return &Manager{
		path:         path,
		staleCeiling: staleCeiling,
		logger:       logger.NewComponentLogger("lock"),
	}
}

// Handle represents a held lock. Release is idempotent and safe to defer on
// every exit path.
type Handle struct {
	m        *Manager
	released bool
	mu       sync.Mutex
}

// Release drops the lock. Calling Release more than once is a no-op.
func (h *Handle) Release() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	h.released = true
	return h.m.release()
}

// Acquire takes the lock for the current process. With timeout zero it fails
// immediately if another live holder exists; otherwise it waits up to
// timeout. Stale locks are reclaimed.
func (m *Manager) Acquire(timeout time.Duration) (*Handle, error) {
	deadline := time.Now().Add(timeout)

	for {
		err := m.tryAcquire()
		if err == nil {
			m.mu.Lock()
			m.held = true
			m.mu.Unlock()
			return &Handle{m: m}, nil
		}
		if !errors.Is(err, ErrLockHeld) {
			return nil, err
		}

		if timeout <= 0 || time.Now().After(deadline) {
			return nil, err
		}

		remaining := time.Until(deadline)
		if waitErr := m.Wait(remaining); waitErr != nil {
			return nil, waitErr
		}
	}
}

// tryAcquire attempts a single atomic acquisition. The record is written to
// a temp file first and published with a hard link, so the lock file only
// ever exists fully written: a contender never observes a half-written lock
// it could mistake for a stale one.
func (m *Manager) tryAcquire() error {
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("failed to create lock directory: %w", err)
	}

	rec := record{
		PID:        os.Getpid(),
		AcquiredAt: time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode lock record: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(m.path), ".lock-*")
	if err != nil {
		return fmt.Errorf("failed to create temp lock file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write lock record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync lock record: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp lock file: %w", err)
	}

	// Link either publishes the record or fails with EEXIST: exactly one
	// contender wins.
	if err := os.Link(tmpPath, m.path); err != nil {
		if !os.IsExist(err) {
			return fmt.Errorf("failed to create lock file: %w", err)
		}

		owner, ownerErr := m.Owner()
		if ownerErr != nil {
			// Publication is atomic, so an unreadable lock file is
			// leftover damage rather than a write in flight.
			m.logger.Warn("unreadable lock file, reclaiming")
			return m.reclaim()
		}
		if m.IsStale(owner) {
			m.logger.Warnf("reclaiming stale lock held by pid %d", owner)
			return m.reclaim()
		}

		return fmt.Errorf("%w by pid %d", ErrLockHeld, owner)
	}

	return nil
}

// reclaim removes a stale lock and retries acquisition once.
func (m *Manager) reclaim() error {
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale lock: %w", err)
	}
	return m.tryAcquire()
}

// release removes the lock file if this process holds it.
func (m *Manager) release() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.held {
		return nil
	}
	m.held = false

	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// ForceRelease removes the lock unconditionally, regardless of holder or
// staleness. Operator override.
func (m *Manager) ForceRelease() error {
	if err := os.Remove(m.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to force-release lock: %w", err)
	}
	m.mu.Lock()
	m.held = false
	m.mu.Unlock()
	return nil
}

// Owner returns the pid recorded in the lock file.
func (m *Manager) Owner() (int, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return 0, fmt.Errorf("failed to read lock file: %w", err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return 0, fmt.Errorf("failed to decode lock record: %w", err)
	}
	return rec.PID, nil
}

// Age returns how long the lock has been held.
func (m *Manager) Age() (time.Duration, error) {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return 0, fmt.Errorf("failed to read lock file: %w", err)
	}

	var rec record
	if err := json.Unmarshal(data, &rec); err != nil {
		return 0, fmt.Errorf("failed to decode lock record: %w", err)
	}
	return time.Since(rec.AcquiredAt), nil
}

// IsStale reports whether a lock held by pid may be reclaimed: the process
// no longer exists, or the lock's age exceeds the staleness ceiling.
func (m *Manager) IsStale(pid int) bool {
	if !processExists(pid) {
		return true
	}

	age, err := m.Age()
	if err != nil {
		return false
	}
	return age > m.staleCeiling
}

// IsLocked reports whether a lock file currently exists.
func (m *Manager) IsLocked() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

// Wait blocks until the lock frees or the timeout elapses, returning
// ErrWaitTimeout on expiry. It watches the lock directory for remove events
// and falls back to polling.
func (m *Manager) Wait(timeout time.Duration) error {
	if !m.IsLocked() {
		return nil
	}

	deadline := time.Now().Add(timeout)

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if addErr := watcher.Add(filepath.Dir(m.path)); addErr != nil {
			watcher = nil
		}
	} else {
		watcher = nil
	}

	poll := time.NewTicker(500 * time.Millisecond)
	defer poll.Stop()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		if !m.IsLocked() {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrWaitTimeout
		}

		if watcher != nil {
			select {
			case ev := <-watcher.Events:
				if ev.Name == m.path && ev.Op.Has(fsnotify.Remove) {
					return nil
				}
			case <-watcher.Errors:
				watcher = nil
			case <-poll.C:
			case <-timer.C:
				if m.IsLocked() {
					return ErrWaitTimeout
				}
				return nil
			}
		} else {
			select {
			case <-poll.C:
			case <-timer.C:
				if m.IsLocked() {
					return ErrWaitTimeout
				}
				return nil
			}
		}
	}
}

// CleanupOnSignal releases the handle when the process receives an interrupt
// or termination signal, so an interrupted run never leaves its own lock
// behind. It returns a stop function that unregisters the handler.
func (m *Manager) CleanupOnSignal(h *Handle) func() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		select {
		case <-sigCh:
			m.logger.Warn("signal received, releasing lock")
			_ = h.Release()
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigCh)
		close(done)
	}
}

// processExists reports whether a process with the given pid is alive.
func processExists(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Signal 0 probes existence without delivering anything.
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
