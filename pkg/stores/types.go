package stores

import (
	"time"
)

// Run is one recorded apply.
type Run struct {
	ID        string        `json:"id"`
	Status    string        `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	TotalTime time.Duration `json:"total_time"`
	Successes int           `json:"successes"`
	Failures  int           `json:"failures"`
	Aborts    int           `json:"aborts"`
	Skipped   int           `json:"skipped"`
	CreatedAt time.Time     `json:"created_at"`
}

// Result is the outcome of one endpoint within a run.
type Result struct {
	ID          int64         `json:"id"`
	RunID       string        `json:"run_id"`
	Label       string        `json:"label"`
	EndpointID  string        `json:"endpoint_id"`
	Region      string        `json:"region"`
	Codebase    string        `json:"codebase"`
	Platform    string        `json:"platform"`
	TriggerType string        `json:"trigger_type"`
	Status      string        `json:"status"`
	Operation   *string       `json:"operation,omitempty"`
	Duration    time.Duration `json:"duration"`
	Error       *string       `json:"error,omitempty"`
}

// Event is a tracked telemetry event.
type Event struct {
	ID        string    `json:"id"`
	RunID     *string   `json:"run_id,omitempty"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Data      *string   `json:"data,omitempty"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}
