package storage

import (
	"time"

	"github.com/google/uuid"
)

// Run status values mirror the engine states a run passes through.
const (
	RunStatusStarting = "starting"
	RunStatusRunning  = "running_step"
	RunStatusPaused   = "paused"
	RunStatusCleanup  = "cleanup"
	RunStatusFinished = "finished"
)

const (
	StepStatusRunning   = "running"
	StepStatusCompleted = "completed"
	StepStatusFailed    = "failed"
)

type Run struct {
	ID           uuid.UUID  `json:"id"`
	ProtocolName string     `json:"protocol_name"`
	SampleName   string     `json:"sample_name"`
	Document     []byte     `json:"-"` // canonical protocol YAML
	Status       string     `json:"status"`
	Outcome      string     `json:"outcome,omitempty"`
	CurrentStep  int        `json:"current_step"`
	TotalSteps   int        `json:"total_steps"`
	Error        string     `json:"error,omitempty"`
	Warnings     []string   `json:"warnings,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
}

type RunStep struct {
	ID         uuid.UUID      `json:"id"`
	RunID      uuid.UUID      `json:"run_id"`
	StepIndex  int            `json:"step_index"`
	Kind       string         `json:"kind"`
	Name       string         `json:"name"`
	Status     string         `json:"status"`
	Error      string         `json:"error,omitempty"`
	Details    map[string]any `json:"details,omitempty"` // JSONB
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt *time.Time     `json:"finished_at,omitempty"`
}

type RunEvent struct {
	ID        uuid.UUID      `json:"id"`
	RunID     uuid.UUID      `json:"run_id"`
	EventType string         `json:"event_type"`
	Payload   map[string]any `json:"payload,omitempty"` // JSONB
	CreatedAt time.Time      `json:"created_at"`
}
