package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenScopeCore/internal/acquisition"
	"github.com/KevinKickass/OpenScopeCore/internal/devices"
	"github.com/KevinKickass/OpenScopeCore/internal/protocol"
	"github.com/KevinKickass/OpenScopeCore/internal/task/executor"
	"github.com/KevinKickass/OpenScopeCore/internal/types"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Run is the live execution context of one protocol. It is driven by a single goroutine;
// the control surface only sets request flags.
type Run struct {
	ID       uuid.UUID
	protocol *protocol.Protocol
	devices  *devices.Set
	exec     *executor.StepExecutor
	settings Settings
	clock    executor.Clock
	writer   *acquisition.Writer
	journal  *journal
	release  func()
	logger   *zap.Logger

	mu         sync.RWMutex
	state      State
	outcome    Outcome
	current    int
	err        error
	warnings   []string
	attention  bool
	startedAt  time.Time
	finishedAt time.Time
	pauseReq   bool
	stopReq    bool

	wake        chan struct{}
	done        chan struct{}
	cleanupOnce sync.Once

	// rinse timers send one completion each
	rinseDone chan struct{}
	rinsing   int

	// hardware touched by start and the steps, undone by cleanup
	actionsDisabled bool
	sessionOpen     bool
	cameraUsed      bool
	cameraStarted   bool
	focalKnown      bool
	focalPlane      float64
	regulating      bool

	// z-scans keyed by their first and last imaging step
	openAt     map[int]*scanPlan
	closeAt    map[int]*scanPlan
	scanBase   string
	zPositions acquisition.ZPositions
}

// scanPlan is one camera/FPGA session: consecutive imaging planes at the same ROI with
// the same light lines.
type scanPlan struct {
	first, last int
	roi         string
	label       string
	lines       []protocol.LightLine
	planes      int
}

// planScans groups the imaging steps of p into z-scans. label is empty when the protocol
// holds a single scan without ROI; otherwise it names the scan's subdirectory.
func planScans(p *protocol.Protocol) []*scanPlan {
	var scans []*scanPlan
	var cur *scanPlan
	for _, step := range p.Steps() {
		if step.Kind != protocol.KindImagingPlane {
			continue
		}
		if cur != nil && cur.last == step.Index-1 && cur.roi == step.ROI && sameLines(cur.lines, step.Lines) {
			cur.last = step.Index
			cur.planes++
			continue
		}
		cur = &scanPlan{first: step.Index, last: step.Index, roi: step.ROI, lines: step.Lines, planes: 1}
		scans = append(scans, cur)
	}

	if len(scans) == 1 && scans[0].roi == "" {
		return scans
	}
	used := make(map[string]int, len(scans))
	for k, plan := range scans {
		label := plan.roi
		if label == "" {
			label = fmt.Sprintf("scan%d", k+1)
		}
		// dieselbe ROI zweimal: eigenes Verzeichnis
		used[label]++
		if n := used[label]; n > 1 {
			label = fmt.Sprintf("%s_%d", label, n)
		}
		plan.label = label
	}
	return scans
}

func sameLines(a, b []protocol.LightLine) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func newRun(id uuid.UUID, p *protocol.Protocol, set *devices.Set, settings Settings, clock executor.Clock,
	writer *acquisition.Writer, j *journal, release func(), logger *zap.Logger) *Run {
	runLogger := logger.With(zap.String("run_id", id.String()))
	r := &Run{
		ID:        id,
		protocol:  p,
		devices:   set,
		exec:      executor.NewStepExecutor(set, p, settings.Executor, clock, runLogger),
		settings:  settings,
		clock:     clock,
		writer:    writer,
		journal:   j,
		release:   release,
		logger:    runLogger,
		state:     StateStarting,
		startedAt: clock.Now(),
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
		rinseDone: make(chan struct{}, p.Kinds()[protocol.KindRinse]+1),
	}
	r.openAt = make(map[int]*scanPlan)
	r.closeAt = make(map[int]*scanPlan)
	for _, plan := range planScans(p) {
		r.openAt[plan.first] = plan
		r.closeAt[plan.last] = plan
	}
	return r
}

// Done is closed once the run has finished cleanup.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

func (r *Run) Protocol() *protocol.Protocol {
	return r.protocol
}

func (r *Run) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.statusLocked()
}

func (r *Run) statusLocked() Status {
	st := Status{
		RunID:          r.ID,
		ProtocolName:   r.protocol.Name(),
		State:          r.state,
		Outcome:        r.outcome,
		CurrentStep:    r.current,
		TotalSteps:     r.protocol.Len(),
		Warnings:       append([]string(nil), r.warnings...),
		NeedsAttention: r.attention,
		PausePending:   r.pauseReq && r.state == StateRunning,
		StopPending:    r.stopReq && r.state != StateCleanup && r.state != StateFinished,
	}
	if step, err := r.protocol.Step(r.current); err == nil {
		st.StepKind = string(step.Kind)
	}
	if r.err != nil {
		st.Error = r.err.Error()
	}
	started := r.startedAt
	st.StartedAt = &started
	if r.state == StateFinished {
		finished := r.finishedAt
		st.FinishedAt = &finished
		st.Elapsed = finished.Sub(started)
	} else {
		st.Elapsed = r.clock.Now().Sub(started)
	}
	return st
}

func (r *Run) transition(to State) {
	r.mu.Lock()
	from := r.state
	if err := ValidateTransition(from, to); err != nil {
		r.mu.Unlock()
		r.logger.Error("Rejected state change", zap.Error(err))
		return
	}
	r.state = to
	if to == StateFinished {
		r.finishedAt = r.clock.Now()
	}
	st := r.statusLocked()
	r.mu.Unlock()

	r.logger.Info("Run state changed",
		zap.String("from", string(from)),
		zap.String("to", string(to)))

	r.journal.runUpdated(st)
	r.journal.publish(Event{
		Type:    EventStateChanged,
		RunID:   r.ID,
		Status:  st,
		Step:    st.CurrentStep,
		Payload: map[string]any{"from": string(from), "to": string(to), "outcome": string(st.Outcome), "error": st.Error},
	})
}

func (r *Run) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err == nil {
		r.err = err
	}
	r.outcome = OutcomeFailed
}

// Pause asks the run to hold at the next step boundary.
func (r *Run) Pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StateRunning || r.stopReq {
		return &StateError{Command: CommandPause, State: r.state}
	}
	r.pauseReq = true
	return nil
}

// Resume continues a paused run, or withdraws a pause not yet taken.
func (r *Run) Resume() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StatePaused && !(r.state == StateRunning && r.pauseReq) {
		return &StateError{Command: CommandResume, State: r.state}
	}
	r.pauseReq = false
	r.signal()
	return nil
}

// Stop asks the run to end at the next step boundary. The step in flight completes
// or times out first.
func (r *Run) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.state {
	case StateStarting, StateRunning, StatePaused:
	default:
		return &StateError{Command: CommandStop, State: r.state}
	}
	r.stopReq = true
	r.signal()
	return nil
}

// Acknowledge clears NeedsAttention after an operator has checked the hardware.
func (r *Run) Acknowledge() error {
	r.mu.Lock()
	if r.state != StateFinished || !r.attention {
		state := r.state
		r.mu.Unlock()
		return &StateError{Command: CommandReset, State: state}
	}
	r.attention = false
	st := r.statusLocked()
	r.mu.Unlock()

	r.logger.Warn("Cleanup warnings acknowledged", zap.Strings("warnings", st.Warnings))
	r.journal.runUpdated(st)
	r.journal.publish(Event{
		Type:    EventAcknowledged,
		RunID:   r.ID,
		Status:  st,
		Step:    st.CurrentStep,
		Payload: map[string]any{"warnings": st.Warnings},
	})
	return nil
}

func (r *Run) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// execute drives the run from Starting to Finished.
func (r *Run) execute(ctx context.Context) {
	defer close(r.done)

	r.journal.publish(Event{
		Type:    EventRunStarted,
		RunID:   r.ID,
		Status:  r.Status(),
		Payload: map[string]any{"protocol": r.protocol.Name(), "steps": r.protocol.Len()},
	})

	if err := r.start(ctx); err != nil {
		r.logger.Error("Run setup failed", zap.Error(err))
		r.fail(fmt.Errorf("setup: %w", err))
		r.Cleanup(ctx)
		return
	}
	r.transition(StateRunning)

	for i := 0; ; i++ {
		if r.boundary(ctx) {
			r.mu.Lock()
			r.outcome = OutcomeStopped
			r.mu.Unlock()
			break
		}

		more, err := r.RunStep(ctx, i)
		if err != nil {
			r.logger.Error("Step failed, aborting run", zap.Int("step", i), zap.Error(err))
			r.fail(err)
			break
		}
		if !more {
			r.drainRinse(ctx)
			r.mu.Lock()
			r.outcome = OutcomeCompleted
			r.mu.Unlock()
			break
		}
	}

	r.Cleanup(ctx)
}

// boundary runs between steps: it collects finished rinse timers and honours pause and
// stop requests. It reports true when the run must stop.
func (r *Run) boundary(ctx context.Context) bool {
	r.drainRinse(ctx)

	for {
		r.mu.Lock()
		stop, pause, state := r.stopReq, r.pauseReq, r.state
		r.mu.Unlock()

		if stop || ctx.Err() != nil {
			return true
		}
		if !pause {
			if state == StatePaused {
				r.transition(StateRunning)
			}
			return false
		}
		if state != StatePaused {
			r.transition(StatePaused)
		}

		select {
		case <-r.wake:
		case <-ctx.Done():
		case <-r.rinseDone:
			r.stopRinsing(ctx)
		}
	}
}

// start performs the one-time setup before step 0.
func (r *Run) start(ctx context.Context) error {
	set := r.devices
	kinds := r.protocol.Kinds()

	if set.Notifier != nil {
		set.Notifier.DisableActions(r.settings.Modules...)
		r.actionsDisabled = true
	}

	fluidic := kinds[protocol.KindInjection]+kinds[protocol.KindIncubation]+kinds[protocol.KindValvePosition] > 0
	if fluidic && set.Valves != nil {
		if err := r.exec.MoveValves(ctx, r.settings.Executor.SetupPositions); err != nil {
			return fmt.Errorf("setup valves: %w", err)
		}
	}

	if set.Stage != nil && r.settings.TaskStageVelocity > 0 {
		v := r.settings.TaskStageVelocity
		if err := set.Stage.SetVelocity(ctx, v, v); err != nil {
			return fmt.Errorf("set stage velocity: %w", err)
		}
	}

	return nil
}

// RunStep executes step i and reports whether more steps follow.
func (r *Run) RunStep(ctx context.Context, i int) (bool, error) {
	step, err := r.protocol.Step(i)
	if err != nil {
		return false, err
	}

	r.mu.Lock()
	r.current = i
	r.mu.Unlock()

	r.logger.Info("Step started",
		zap.Int("step", i),
		zap.String("kind", string(step.Kind)),
		zap.String("name", step.Name))

	rec := r.journal.stepStarted(r.ID, step, r.clock.Now())
	r.journal.publish(Event{
		Type:    EventStepStarted,
		RunID:   r.ID,
		Status:  r.Status(),
		Step:    i,
		Kind:    step.Kind,
		Payload: map[string]any{"step": i, "kind": string(step.Kind), "name": step.Name},
	})

	var res executor.Result
	if plan, ok := r.openAt[i]; ok {
		err = r.openScan(ctx, plan)
	}
	if err == nil {
		if step.Kind == protocol.KindInjection {
			r.regulating = true
		}
		res, err = r.exec.Execute(ctx, step)
		if err == nil && step.Kind == protocol.KindInjection {
			r.regulating = false
		}
	}

	details := map[string]any{}
	if res.Imaged {
		r.zPositions.Add(res.ZTarget, res.ZActual)
		details["z_target"] = res.ZTarget
		details["z_actual"] = res.ZActual
	}
	if res.RinseFor > 0 {
		r.startRinseTimer(ctx, res.RinseFor)
		details["rinse_for"] = res.RinseFor.String()
	}
	if res.FocusLost {
		details["focus_lost"] = true
	}
	if plan, ok := r.closeAt[i]; ok && err == nil {
		var saved acquisition.Saved
		saved, err = r.closeScan(ctx, plan)
		if err == nil {
			details["files"] = saved.DataFiles
		}
	}
	r.journal.stepFinished(rec, details, err, r.clock.Now())

	evType := EventStepCompleted
	payload := map[string]any{"step": i, "kind": string(step.Kind)}
	if err != nil {
		evType = EventStepFailed
		payload["error"] = err.Error()
	}
	r.journal.publish(Event{Type: evType, RunID: r.ID, Status: r.Status(), Step: i, Kind: step.Kind, Payload: payload})

	if err != nil {
		return false, fmt.Errorf("step %d (%s): %w", i, step.Kind, err)
	}
	return i+1 < r.protocol.Len(), nil
}

func (r *Run) startRinseTimer(ctx context.Context, d time.Duration) {
	r.rinsing++
	go func() {
		if err := r.clock.Sleep(ctx, d); err != nil {
			return
		}
		r.rinseDone <- struct{}{}
	}()
}

// drainRinse stops rinsing for every rinse timer that has completed.
func (r *Run) drainRinse(ctx context.Context) {
	for r.rinsing > 0 {
		select {
		case <-r.rinseDone:
			r.stopRinsing(ctx)
		default:
			return
		}
	}
}

func (r *Run) stopRinsing(ctx context.Context) {
	r.rinsing--
	if err := r.devices.Rinser.StopRinsing(ctx); err != nil {
		r.logger.Warn("Failed to stop rinsing", zap.Error(err))
	}
	st := r.Status()
	r.journal.publish(Event{Type: EventRinseFinished, RunID: r.ID, Status: st, Step: st.CurrentStep})
}

// openScan reads the focal plane, places the scan around it and starts the FPGA session
// and the camera for the planes of plan.
func (r *Run) openScan(ctx context.Context, plan *scanPlan) error {
	set := r.devices

	focal, err := set.Positioner.Position(ctx)
	if err != nil {
		return fmt.Errorf("read focal plane: %w", err)
	}
	r.focalPlane, r.focalKnown = focal, true

	img := r.protocol.Imaging()
	start := executor.ScanStartPosition(focal, plan.planes, img.ZStep, img.Centered)
	r.exec.SetScanStart(start)
	r.zPositions = acquisition.ZPositions{}
	r.logger.Info("Scan range",
		zap.String("roi", plan.roi),
		zap.Float64("focal_plane", focal),
		zap.Float64("start", start),
		zap.Int("planes", plan.planes))

	exposure := img.Exposure
	if exposure <= 0 {
		exposure = r.settings.DefaultExposure
	}
	session := types.SessionParams{NumPlanes: plan.planes, Exposure: exposure}
	for _, l := range plan.lines {
		session.Lines = append(session.Lines, l.Lightsource)
		session.Intensities = append(session.Intensities, l.Intensity)
	}

	if err := set.Handshake.StartSession(ctx, session); err != nil {
		return fmt.Errorf("start fpga session: %w", err)
	}
	r.sessionOpen = true

	params := types.AcquisitionParams{Exposure: exposure, Gain: img.Gain, NumFrames: session.FrameCount()}
	r.cameraUsed = true
	if err := set.Camera.PrepareAcquisition(ctx, params); err != nil {
		return fmt.Errorf("prepare camera: %w", err)
	}
	if err := set.Camera.StartAcquisition(ctx); err != nil {
		return fmt.Errorf("start camera: %w", err)
	}
	r.cameraStarted = true
	return nil
}

// closeScan fetches the frames of plan, returns the piezo to the focal plane, ends the
// session and writes the frames with their metadata.
func (r *Run) closeScan(ctx context.Context, plan *scanPlan) (acquisition.Saved, error) {
	var saved acquisition.Saved
	set := r.devices
	cam := set.Camera

	if err := cam.StopAcquisition(ctx); err != nil {
		return saved, fmt.Errorf("stop camera: %w", err)
	}
	r.cameraStarted = false
	frames, err := cam.AcquiredData(ctx)
	if err != nil {
		return saved, fmt.Errorf("fetch frames: %w", err)
	}
	if err := set.Positioner.GoToPosition(ctx, r.focalPlane); err != nil {
		return saved, fmt.Errorf("piezo to focal plane: %w", err)
	}
	if err := set.Handshake.EndSession(ctx); err != nil {
		return saved, fmt.Errorf("end fpga session: %w", err)
	}
	r.sessionOpen = false

	now := r.clock.Now()
	path, err := r.scanPath(plan, now)
	if err != nil {
		return saved, err
	}

	meta := acquisition.MetadataFor(r.protocol, plan.roi, plan.lines, plan.planes, now)
	if sensor, ok := cam.(devices.TemperatureSensor); ok {
		if temp, err := sensor.SensorTemperature(ctx); err == nil {
			meta.SensorTemperature = &temp
		}
	}

	saved, err = r.writer.Save(acquisition.Scan{
		Path:       path,
		Format:     r.protocol.FileFormat(),
		Frames:     frames,
		Metadata:   meta,
		ZPositions: r.zPositions,
	})
	if err != nil {
		return saved, err
	}

	r.journal.publish(Event{
		Type:   EventScanSaved,
		RunID:  r.ID,
		Status: r.Status(),
		Step:   plan.last,
		Payload: map[string]any{
			"roi":     plan.roi,
			"files":   saved.DataFiles,
			"sidecar": saved.Sidecar,
			"frames":  len(frames),
		},
	})
	return saved, nil
}

// scanPath creates the run's scan directory on first use. Labeled scans get their own
// subdirectory inside it.
func (r *Run) scanPath(plan *scanPlan, now time.Time) (string, error) {
	if r.scanBase == "" {
		stem := r.protocol.SavePath()
		if stem == "" {
			stem = r.settings.SavePath
		}
		base, err := acquisition.CompletePath(stem, r.protocol.SampleName(), r.protocol.FileFormat(), now)
		if err != nil {
			return "", err
		}
		r.scanBase = base
	}
	if plan.label == "" {
		return r.scanBase, nil
	}
	return acquisition.ROIPath(r.scanBase, plan.label)
}

// Cleanup restores safe defaults and releases the devices. It runs exactly once per run;
// later calls return immediately. Failures of single actions are logged and kept as
// warnings, the remaining actions still run.
func (r *Run) Cleanup(ctx context.Context) {
	r.cleanupOnce.Do(func() {
		r.cleanup(ctx)
	})
}

func (r *Run) cleanup(parent context.Context) {
	r.transition(StateCleanup)

	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), r.settings.CleanupTimeout)
	defer cancel()

	set := r.devices
	attempt := func(action string, fn func(context.Context) error) {
		if err := fn(ctx); err != nil {
			r.logger.Error("Cleanup action failed", zap.String("action", action), zap.Error(err))
			r.mu.Lock()
			r.warnings = append(r.warnings, action+": "+err.Error())
			r.mu.Unlock()
			r.journal.publish(Event{
				Type:    EventCleanupIssue,
				RunID:   r.ID,
				Status:  r.Status(),
				Payload: map[string]any{"action": action, "error": err.Error()},
			})
		}
	}

	if set.Rinser != nil && r.protocol.Kinds()[protocol.KindRinse] > 0 {
		attempt("stop rinsing", set.Rinser.StopRinsing)
	}
	if set.Flow != nil {
		if r.regulating {
			attempt("stop pressure regulation", set.Flow.StopPressureRegulation)
		}
		attempt("zero pressure", func(ctx context.Context) error {
			return set.Flow.SetPressure(ctx, 0)
		})
	}
	if set.Valves != nil && len(r.settings.SafePositions) > 0 {
		attempt("valves to safe positions", func(ctx context.Context) error {
			return r.exec.MoveValves(ctx, r.settings.SafePositions)
		})
	}
	if set.Lights != nil {
		attempt("lasers off", set.Lights.AllOff)
	}
	if set.Positioner != nil && r.focalKnown {
		attempt("piezo to focal plane", func(ctx context.Context) error {
			return set.Positioner.GoToPosition(ctx, r.focalPlane)
		})
	}
	if set.Camera != nil && r.cameraUsed {
		if r.cameraStarted {
			attempt("stop camera", set.Camera.StopAcquisition)
		}
		attempt("reset camera", set.Camera.Reset)
	}
	if set.Handshake != nil && r.sessionOpen {
		attempt("end fpga session", set.Handshake.EndSession)
	}
	if set.Stage != nil && r.settings.DefaultStageVelocity > 0 {
		v := r.settings.DefaultStageVelocity
		attempt("default stage velocity", func(ctx context.Context) error {
			return set.Stage.SetVelocity(ctx, v, v)
		})
	}
	if set.Notifier != nil && r.actionsDisabled {
		set.Notifier.EnableActions(r.settings.Modules...)
	}

	if r.release != nil {
		r.release()
	}

	r.mu.Lock()
	if r.outcome == "" {
		r.outcome = OutcomeStopped
	}
	r.attention = len(r.warnings) > 0
	r.mu.Unlock()

	r.transition(StateFinished)
	r.journal.runFinished(r.ID)

	st := r.Status()
	r.logger.Info("Run finished",
		zap.String("outcome", string(st.Outcome)),
		zap.Int("warnings", len(st.Warnings)),
		zap.String("error", st.Error))
}

// Err returns the error that ended the run, nil on success.
func (r *Run) Err() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.err
}
