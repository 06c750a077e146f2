package storage

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrRunNotFound = errors.New("run not found")

// Recorder persists run history. The engine writes through it, the API reads from it.
type Recorder interface {
	CreateRun(ctx context.Context, run *Run) error
	UpdateRun(ctx context.Context, run *Run) error
	CreateRunStep(ctx context.Context, step *RunStep) error
	UpdateRunStep(ctx context.Context, step *RunStep) error
	CreateRunEvent(ctx context.Context, event *RunEvent) error

	GetRun(ctx context.Context, id uuid.UUID) (*Run, error)
	GetRunSteps(ctx context.Context, runID uuid.UUID) ([]RunStep, error)
	// ListRuns returns the most recent runs first.
	ListRuns(ctx context.Context, limit int) ([]Run, error)
}

var (
	_ Recorder = (*PostgresClient)(nil)
	_ Recorder = (*MemoryStore)(nil)
)
