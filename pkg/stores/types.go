package stores

import "time"

// RunStatus represents the status of a provisioning run.
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Run represents one provisioning run.
type Run struct {
	ID          string     `json:"id"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMs  int64      `json:"duration_ms"`
	Total       int        `json:"total"`
	Completed   int        `json:"completed"`
	Skipped     int        `json:"skipped"`
	Failed      int        `json:"failed"`
	CreatedAt   time.Time  `json:"created_at"`
}

// PhaseRecord represents the persisted outcome of one phase execution.
type PhaseRecord struct {
	ID         int64     `json:"id"`
	RunID      string    `json:"run_id"`
	Phase      string    `json:"phase"`
	Status     string    `json:"status"`
	Error      *string   `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	CreatedAt  time.Time `json:"created_at"`
}

// EventLevel represents the severity level of an event.
type EventLevel string

const (
	EventLevelInfo    EventLevel = "info"
	EventLevelWarning EventLevel = "warning"
	EventLevelError   EventLevel = "error"
)

// Event represents an append-only log event attached to a run.
type Event struct {
	ID        int64      `json:"id"`
	RunID     *string    `json:"run_id,omitempty"`
	Level     EventLevel `json:"level"`
	Message   string     `json:"message"`
	Timestamp time.Time  `json:"timestamp"`
}
