package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// MemoryStore keeps run history in process memory. Used when no database is configured.
type MemoryStore struct {
	mu     sync.RWMutex
	runs   map[uuid.UUID]*Run
	steps  map[uuid.UUID][]*RunStep
	events map[uuid.UUID][]RunEvent
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:   make(map[uuid.UUID]*Run),
		steps:  make(map[uuid.UUID][]*RunStep),
		events: make(map[uuid.UUID][]RunEvent),
	}
}

func (m *MemoryStore) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[run.ID]; exists {
		return fmt.Errorf("run %s already exists", run.ID)
	}
	stored := copyRun(run)
	m.runs[run.ID] = &stored
	return nil
}

func (m *MemoryStore) UpdateRun(ctx context.Context, run *Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, ok := m.runs[run.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, run.ID)
	}
	existing.Status = run.Status
	existing.Outcome = run.Outcome
	existing.CurrentStep = run.CurrentStep
	existing.Error = run.Error
	existing.Warnings = append([]string(nil), run.Warnings...)
	existing.FinishedAt = run.FinishedAt
	return nil
}

func (m *MemoryStore) GetRun(ctx context.Context, id uuid.UUID) (*Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	out := copyRun(run)
	return &out, nil
}

func (m *MemoryStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runs := make([]Run, 0, len(m.runs))
	for _, run := range m.runs {
		runs = append(runs, copyRun(run))
	}
	sort.Slice(runs, func(i, j int) bool {
		return runs[i].StartedAt.After(runs[j].StartedAt)
	})
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (m *MemoryStore) CreateRunStep(ctx context.Context, step *RunStep) error {
	if step.ID == uuid.Nil {
		step.ID = uuid.New()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.runs[step.RunID]; !ok {
		return fmt.Errorf("%w: %s", ErrRunNotFound, step.RunID)
	}
	stored := *step
	m.steps[step.RunID] = append(m.steps[step.RunID], &stored)
	return nil
}

func (m *MemoryStore) UpdateRunStep(ctx context.Context, step *RunStep) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, s := range m.steps[step.RunID] {
		if s.ID == step.ID {
			s.Status = step.Status
			s.Error = step.Error
			s.Details = step.Details
			s.FinishedAt = step.FinishedAt
			return nil
		}
	}
	return fmt.Errorf("run step %s not found", step.ID)
}

func (m *MemoryStore) GetRunSteps(ctx context.Context, runID uuid.UUID) ([]RunStep, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	steps := make([]RunStep, 0, len(m.steps[runID]))
	for _, s := range m.steps[runID] {
		steps = append(steps, *s)
	}
	return steps, nil
}

func (m *MemoryStore) CreateRunEvent(ctx context.Context, event *RunEvent) error {
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[event.RunID] = append(m.events[event.RunID], *event)
	return nil
}

// Events returns the recorded events of a run in insertion order.
func (m *MemoryStore) Events(runID uuid.UUID) []RunEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]RunEvent(nil), m.events[runID]...)
}

func copyRun(r *Run) Run {
	out := *r
	out.Warnings = append([]string(nil), r.Warnings...)
	out.Document = append([]byte(nil), r.Document...)
	return out
}
