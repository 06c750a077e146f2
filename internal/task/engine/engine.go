// Package engine runs step protocols against the leased device set: one run at a time,
// each on its own goroutine, always ending in cleanup.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenScopeCore/internal/acquisition"
	"github.com/KevinKickass/OpenScopeCore/internal/config"
	"github.com/KevinKickass/OpenScopeCore/internal/devices"
	"github.com/KevinKickass/OpenScopeCore/internal/protocol"
	"github.com/KevinKickass/OpenScopeCore/internal/storage"
	"github.com/KevinKickass/OpenScopeCore/internal/task/executor"
	"github.com/KevinKickass/OpenScopeCore/internal/task/streaming"
	"github.com/KevinKickass/OpenScopeCore/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Settings configures runs beyond the single step algorithms.
type Settings struct {
	Executor             executor.Settings
	SafePositions        map[string]int
	TaskStageVelocity    float64
	DefaultStageVelocity float64
	CleanupTimeout       time.Duration
	DefaultExposure      float64
	SavePath             string
	// Modules whose manual actions are disabled while a run holds the devices.
	Modules []string
}

var DefaultModules = []string{"camera", "lasers", "valves", "flow", "stage"}

func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		Executor:             executor.SettingsFromConfig(cfg),
		SafePositions:        cfg.Fluidics.SafePositions,
		TaskStageVelocity:    cfg.Engine.TaskStageVelocity,
		DefaultStageVelocity: cfg.Devices.DefaultVelocity,
		CleanupTimeout:       cfg.Engine.CleanupTimeout,
		DefaultExposure:      cfg.Imaging.DefaultExposure,
		SavePath:             cfg.Output.DefaultSavePath,
		Modules:              DefaultModules,
	}
}

type Option func(*Engine)

// WithClock replaces the wall clock used for waits.
func WithClock(clock executor.Clock) Option {
	return func(e *Engine) { e.clock = clock }
}

func WithWriter(w *acquisition.Writer) Option {
	return func(e *Engine) { e.writer = w }
}

type Engine struct {
	manager  *devices.Manager
	settings Settings
	clock    executor.Clock
	writer   *acquisition.Writer
	journal  *journal
	logger   *zap.Logger

	mu      sync.RWMutex
	current *Run
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewEngine(manager *devices.Manager, recorder storage.Recorder, streamer *streaming.EventStreamer, settings Settings, logger *zap.Logger, opts ...Option) *Engine {
	if settings.CleanupTimeout <= 0 {
		settings.CleanupTimeout = 2 * time.Minute
	}
	e := &Engine{
		manager:  manager,
		settings: settings,
		clock:    executor.RealClock{},
		journal:  &journal{recorder: recorder, streamer: streamer, logger: logger},
		logger:   logger,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.writer == nil {
		e.writer = acquisition.NewWriter(logger)
	}
	return e
}

// AddListener registers l for the events of all runs.
func (e *Engine) AddListener(l Listener) {
	e.journal.addListener(l)
}

// StartDocument validates a protocol document and starts it. Invalid documents are
// rejected with a *types.ValidationError before any device is touched.
func (e *Engine) StartDocument(ctx context.Context, data []byte, format protocol.Format) (uuid.UUID, error) {
	p, err := protocol.Parse(data, format)
	if err != nil {
		return uuid.Nil, err
	}
	return e.Start(ctx, p)
}

// Start leases the devices and spawns the run. A second run while one is active, or a
// protocol the registered devices cannot serve, is a *types.SafetyViolation.
func (e *Engine) Start(ctx context.Context, p *protocol.Protocol) (uuid.UUID, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current != nil {
		if st := e.current.Status(); st.State.Active() {
			return uuid.Nil, types.NewSafetyViolation("run %s is %s", st.RunID, st.State)
		} else if st.NeedsAttention {
			return uuid.Nil, types.NewSafetyViolation("cleanup of run %s failed (%d warnings), reset required",
				st.RunID, len(st.Warnings))
		}
	}

	runID := uuid.New()
	owner := "run " + runID.String()
	set, err := e.manager.Lease(owner)
	if err != nil {
		return uuid.Nil, err
	}
	release := func() { e.manager.Release(owner) }

	if err := e.checkCoverage(set, p); err != nil {
		release()
		return uuid.Nil, err
	}

	run := newRun(runID, p, set, e.settings, e.clock, e.writer, e.journal, release, e.logger)

	document, err := protocol.Marshal(p, protocol.FormatYAML)
	if err != nil {
		e.logger.Warn("Failed to serialize protocol for history", zap.Error(err))
	}
	e.journal.runCreated(ctx, &storage.Run{
		ID:           runID,
		ProtocolName: p.Name(),
		SampleName:   p.SampleName(),
		Document:     document,
		Status:       string(StateStarting),
		TotalSteps:   p.Len(),
		StartedAt:    run.startedAt,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	e.current = run
	e.cancel = cancel

	e.logger.Info("Run started",
		zap.String("run_id", runID.String()),
		zap.String("protocol", p.Name()),
		zap.Int("steps", p.Len()))

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer cancel()
		run.execute(runCtx)
	}()

	return runID, nil
}

// checkCoverage refuses protocols that would drive devices the set does not have.
func (e *Engine) checkCoverage(set *devices.Set, p *protocol.Protocol) error {
	if missing := set.Missing(executor.Requirements(p.Kinds())...); len(missing) > 0 {
		return types.NewSafetyViolation("protocol needs devices that are not registered: %v", missing)
	}

	if set.Valves != nil {
		known := make(map[string]bool)
		for _, id := range set.Valves.IDs() {
			known[id] = true
		}
		for _, id := range p.ValveIDs() {
			if !known[id] {
				return types.NewSafetyViolation("protocol drives valve %q which is not registered", id)
			}
		}
	}

	// products must resolve against the protocol buffer or the configured one
	var issues []types.Issue
	resolver := executor.NewStepExecutor(set, p, e.settings.Executor, e.clock, e.logger)
	for _, step := range p.Steps() {
		if step.Kind != protocol.KindInjection {
			continue
		}
		if _, ok := resolver.Port(step.Product); !ok {
			issues = append(issues, types.Issue{
				Code:      "INJECTION_002",
				Message:   fmt.Sprintf("product %q is not connected to any valve port", step.Product),
				StepIndex: step.Index,
				Field:     "product",
			})
		}
	}
	if len(issues) > 0 {
		return &types.ValidationError{Issues: issues}
	}
	return nil
}

func (e *Engine) active() (*Run, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.current == nil {
		return nil, errNoRun
	}
	return e.current, nil
}

var errNoRun = errors.New("no run")

func (e *Engine) Pause() error {
	run, err := e.active()
	if err != nil {
		return &StateError{Command: CommandPause, State: StateIdle}
	}
	return run.Pause()
}

func (e *Engine) Resume() error {
	run, err := e.active()
	if err != nil {
		return &StateError{Command: CommandResume, State: StateIdle}
	}
	return run.Resume()
}

// Reset acknowledges the cleanup warnings of the last run.
func (e *Engine) Reset() error {
	run, err := e.active()
	if err != nil {
		return &StateError{Command: CommandReset, State: StateIdle}
	}
	return run.Acknowledge()
}

func (e *Engine) Stop() error {
	run, err := e.active()
	if err != nil {
		return &StateError{Command: CommandStop, State: StateIdle}
	}
	return run.Stop()
}

// Status reports the current or last run. Without any run the engine is idle.
func (e *Engine) Status() Status {
	run, err := e.active()
	if err != nil {
		return Status{State: StateIdle}
	}
	return run.Status()
}

// Current returns the current or last run, nil before the first start.
func (e *Engine) Current() *Run {
	run, _ := e.active()
	return run
}

// Shutdown aborts the active run and waits until its cleanup has finished.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.RLock()
	cancel := e.cancel
	e.mu.RUnlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("run did not finish cleanup: %w", ctx.Err())
	}
}
