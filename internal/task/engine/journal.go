package engine

import (
	"context"
	"sync"
	"time"

	"github.com/KevinKickass/OpenScopeCore/internal/protocol"
	"github.com/KevinKickass/OpenScopeCore/internal/storage"
	"github.com/KevinKickass/OpenScopeCore/internal/task/streaming"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Event types published to listeners, the event stream and the run history.
const (
	EventRunStarted    = "run.started"
	EventStateChanged  = "run.state"
	EventStepStarted   = "step.started"
	EventStepCompleted = "step.completed"
	EventStepFailed    = "step.failed"
	EventRinseFinished = "rinse.finished"
	EventScanSaved     = "scan.saved"
	EventCleanupIssue  = "cleanup.warning"
	EventAcknowledged  = "run.acknowledged"
)

type Event struct {
	Type    string
	RunID   uuid.UUID
	Status  Status
	Step    int
	Kind    protocol.Kind
	Payload map[string]any
}

// Listener receives run events synchronously on the run goroutine. It must not block.
type Listener func(Event)

const recordTimeout = 5 * time.Second

// journal fans run events out to listeners, the event streamer and the recorder.
// Recording failures are logged and never reach the run.
type journal struct {
	recorder storage.Recorder
	streamer *streaming.EventStreamer
	logger   *zap.Logger

	mu        sync.RWMutex
	listeners []Listener
}

func (j *journal) addListener(l Listener) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.listeners = append(j.listeners, l)
}

func (j *journal) publish(ev Event) {
	j.mu.RLock()
	listeners := append([]Listener(nil), j.listeners...)
	j.mu.RUnlock()

	for _, l := range listeners {
		l(ev)
	}

	event := &storage.RunEvent{
		ID:        uuid.New(),
		RunID:     ev.RunID,
		EventType: ev.Type,
		Payload:   ev.Payload,
		CreatedAt: time.Now(),
	}
	if j.streamer != nil {
		j.streamer.Broadcast(event)
	}
	if j.recorder != nil {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := j.recorder.CreateRunEvent(ctx, event); err != nil {
			j.logger.Warn("Failed to record run event",
				zap.String("run_id", ev.RunID.String()),
				zap.String("event", ev.Type),
				zap.Error(err))
		}
	}
}

func (j *journal) runCreated(ctx context.Context, rec *storage.Run) {
	if j.recorder == nil {
		return
	}
	if err := j.recorder.CreateRun(ctx, rec); err != nil {
		j.logger.Warn("Failed to record run", zap.String("run_id", rec.ID.String()), zap.Error(err))
	}
}

func (j *journal) runUpdated(st Status) {
	if j.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	rec := &storage.Run{
		ID:          st.RunID,
		Status:      string(st.State),
		Outcome:     string(st.Outcome),
		CurrentStep: st.CurrentStep,
		Error:       st.Error,
		Warnings:    st.Warnings,
		FinishedAt:  st.FinishedAt,
	}
	if err := j.recorder.UpdateRun(ctx, rec); err != nil {
		j.logger.Warn("Failed to update run record", zap.String("run_id", st.RunID.String()), zap.Error(err))
	}
}

func (j *journal) stepStarted(runID uuid.UUID, step protocol.Step, at time.Time) *storage.RunStep {
	rec := &storage.RunStep{
		ID:        uuid.New(),
		RunID:     runID,
		StepIndex: step.Index,
		Kind:      string(step.Kind),
		Name:      step.Name,
		Status:    storage.StepStatusRunning,
		StartedAt: at,
	}
	if j.recorder == nil {
		return rec
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := j.recorder.CreateRunStep(ctx, rec); err != nil {
		j.logger.Warn("Failed to record step", zap.Int("step", step.Index), zap.Error(err))
	}
	return rec
}

func (j *journal) stepFinished(rec *storage.RunStep, details map[string]any, stepErr error, at time.Time) {
	rec.Status = storage.StepStatusCompleted
	if stepErr != nil {
		rec.Status = storage.StepStatusFailed
		rec.Error = stepErr.Error()
	}
	rec.Details = details
	rec.FinishedAt = &at

	if j.recorder == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := j.recorder.UpdateRunStep(ctx, rec); err != nil {
		j.logger.Warn("Failed to update step record", zap.Int("step", rec.StepIndex), zap.Error(err))
	}
}

func (j *journal) runFinished(runID uuid.UUID) {
	if j.streamer != nil {
		j.streamer.CloseRun(runID)
	}
}
