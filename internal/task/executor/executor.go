package executor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/KevinKickass/OpenScopeCore/internal/config"
	"github.com/KevinKickass/OpenScopeCore/internal/devices"
	"github.com/KevinKickass/OpenScopeCore/internal/protocol"
	"github.com/KevinKickass/OpenScopeCore/internal/types"
	"go.uber.org/zap"
)

// Settings are the timing and routing constants the step algorithms run with.
type Settings struct {
	PollInterval     time.Duration
	SamplingInterval time.Duration
	DrainInterval    time.Duration
	InjectionTimeout time.Duration
	ValveIdleTimeout time.Duration
	FilterTimeout    time.Duration
	PiezoSettle      time.Duration
	HandshakePoll    time.Duration
	HandshakeTimeout time.Duration
	StagePoll        time.Duration
	StageTimeout     time.Duration
	FocusPoll        time.Duration
	FocusTimeout     time.Duration

	RoutingValve        string
	IncubationPositions map[string]int
	SetupPositions      map[string]int
	Buffer              map[int]string // fallback when the protocol has none
}

func SettingsFromConfig(cfg *config.Config) Settings {
	return Settings{
		PollInterval:        cfg.Engine.PollInterval,
		SamplingInterval:    cfg.Engine.SamplingInterval,
		DrainInterval:       cfg.Engine.DrainInterval,
		InjectionTimeout:    cfg.Engine.InjectionTimeout,
		ValveIdleTimeout:    cfg.Engine.ValveIdleTimeout,
		FilterTimeout:       cfg.Engine.FilterTimeout,
		PiezoSettle:         cfg.Imaging.PiezoSettle,
		HandshakePoll:       cfg.Imaging.HandshakePoll,
		HandshakeTimeout:    cfg.Imaging.HandshakeTimeout,
		StagePoll:           cfg.Engine.StagePoll,
		StageTimeout:        cfg.Engine.StageTimeout,
		FocusPoll:           cfg.Imaging.FocusPoll,
		FocusTimeout:        cfg.Imaging.FocusTimeout,
		RoutingValve:        cfg.Fluidics.RoutingValve,
		IncubationPositions: cfg.Fluidics.IncubationPositions,
		SetupPositions:      cfg.Fluidics.SetupPositions,
		Buffer:              cfg.Fluidics.Buffer,
	}
}

// Result carries what a step produced beyond success.
type Result struct {
	// imaging plane
	ZTarget float64
	ZActual float64
	Imaged  bool
	// rinse: the caller stops rinsing after this duration
	RinseFor time.Duration
	// autofocus: the focus lock did not settle in time
	FocusLost bool
}

// StepExecutor runs single protocol steps against a leased device set.
// One executor serves one run.
type StepExecutor struct {
	devices   *devices.Set
	protocol  *protocol.Protocol
	settings  Settings
	clock     Clock
	logger    *zap.Logger
	scanStart float64
}

func NewStepExecutor(set *devices.Set, p *protocol.Protocol, settings Settings, clock Clock, logger *zap.Logger) *StepExecutor {
	if clock == nil {
		clock = RealClock{}
	}
	return &StepExecutor{
		devices:  set,
		protocol: p,
		settings: settings,
		clock:    clock,
		logger:   logger,
	}
}

// SetScanStart fixes the z position imaging offsets are relative to.
func (e *StepExecutor) SetScanStart(z float64) {
	e.scanStart = z
}

func (e *StepExecutor) ScanStart() float64 {
	return e.scanStart
}

func (e *StepExecutor) Execute(ctx context.Context, step protocol.Step) (Result, error) {
	switch step.Kind {
	case protocol.KindInjection:
		return Result{}, e.executeInjection(ctx, step)
	case protocol.KindIncubation:
		return Result{}, e.executeIncubation(ctx, step)
	case protocol.KindImagingPlane:
		return e.executeImagingPlane(ctx, step)
	case protocol.KindIllumination:
		return Result{}, e.executeIllumination(ctx, step)
	case protocol.KindWaitForIdle:
		return Result{}, e.waitValvesIdle(ctx, e.timeoutOr(step, e.settings.ValveIdleTimeout))
	case protocol.KindValvePosition:
		return Result{}, e.executeValvePosition(ctx, step)
	case protocol.KindRinse:
		return e.executeRinse(ctx, step)
	case protocol.KindStageMove:
		return Result{}, e.executeStageMove(ctx, step)
	case protocol.KindAutofocus:
		return e.executeAutofocus(ctx, step)
	default:
		return Result{}, fmt.Errorf("unsupported step kind: %s", step.Kind)
	}
}

func (e *StepExecutor) timeoutOr(step protocol.Step, fallback time.Duration) time.Duration {
	if step.Timeout.Duration > 0 {
		return step.Timeout.Duration
	}
	return fallback
}

// Port resolves the routing valve port of a product, protocol mapping first.
func (e *StepExecutor) Port(product string) (int, bool) {
	if e.protocol != nil {
		if port, ok := e.protocol.Port(product); ok {
			return port, true
		}
	}
	ports := make([]int, 0, len(e.settings.Buffer))
	for port := range e.settings.Buffer {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	for _, port := range ports {
		if e.settings.Buffer[port] == product {
			return port, true
		}
	}
	return 0, false
}

// executeInjection pushes volume µl of product at flowrate µl/min through the sample.
func (e *StepExecutor) executeInjection(ctx context.Context, step protocol.Step) error {
	valves, flow := e.devices.Valves, e.devices.Flow

	port, ok := e.Port(step.Product)
	if !ok {
		return types.NewDeviceError("valve "+e.settings.RoutingValve, "set_position", types.DeviceNotFound,
			"product %q is not connected", step.Product)
	}

	e.logger.Info("Injection",
		zap.String("product", step.Product),
		zap.Int("port", port),
		zap.Float64("volume_ul", step.Volume),
		zap.Float64("flowrate_ul_min", step.Flowrate))

	if err := valves.SetPosition(ctx, e.settings.RoutingValve, port); err != nil {
		return fmt.Errorf("route product: %w", err)
	}
	if err := e.waitValvesIdle(ctx, e.settings.ValveIdleTimeout); err != nil {
		return err
	}

	if err := flow.SetPressure(ctx, 0); err != nil {
		return fmt.Errorf("reset pressure: %w", err)
	}
	if err := flow.StartPressureRegulation(ctx, step.Flowrate); err != nil {
		return fmt.Errorf("start regulation: %w", err)
	}
	if err := flow.StartVolumeMeasurement(ctx, step.Volume, e.settings.SamplingInterval); err != nil {
		return fmt.Errorf("start volume measurement: %w", err)
	}

	timeout := e.timeoutOr(step, e.settings.InjectionTimeout)
	err := pollUntil(ctx, e.clock, e.settings.PollInterval, timeout, flow.TargetVolumeReached)
	if err == errWaitTimeout {
		return types.NewDeviceError("flow", "target_volume_reached", types.DeviceTimeout,
			"%.1f µl not reached within %s", step.Volume, timeout)
	}
	if err != nil {
		return fmt.Errorf("wait for volume: %w", err)
	}

	if err := flow.StopPressureRegulation(ctx); err != nil {
		return fmt.Errorf("stop regulation: %w", err)
	}
	// Leitung leerlaufen lassen
	if err := e.clock.Sleep(ctx, e.settings.DrainInterval); err != nil {
		return err
	}
	if err := flow.SetPressure(ctx, 0); err != nil {
		return fmt.Errorf("reset pressure: %w", err)
	}
	return nil
}

// executeIncubation routes the incubation valves, waits, and restores the injection routing.
// A zero duration returns immediately.
func (e *StepExecutor) executeIncubation(ctx context.Context, step protocol.Step) error {
	if step.Duration.Duration <= 0 {
		return nil
	}

	if err := e.moveValves(ctx, e.settings.IncubationPositions); err != nil {
		return fmt.Errorf("route incubation: %w", err)
	}

	e.logger.Info("Incubation", zap.Duration("duration", step.Duration.Duration))
	if err := e.clock.Sleep(ctx, step.Duration.Duration); err != nil {
		return err
	}

	restore := make(map[string]int, len(e.settings.IncubationPositions))
	for id := range e.settings.IncubationPositions {
		if pos, ok := e.settings.SetupPositions[id]; ok {
			restore[id] = pos
		}
	}
	if err := e.moveValves(ctx, restore); err != nil {
		return fmt.Errorf("restore routing: %w", err)
	}
	return nil
}

// moveValves fires all moves in id order, then waits once for idle.
func (e *StepExecutor) moveValves(ctx context.Context, positions map[string]int) error {
	if len(positions) == 0 {
		return nil
	}
	ids := make([]string, 0, len(positions))
	for id := range positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		if err := e.devices.Valves.SetPosition(ctx, id, positions[id]); err != nil {
			return err
		}
	}
	return e.waitValvesIdle(ctx, e.settings.ValveIdleTimeout)
}

// MoveValves is moveValves for the run's setup and cleanup phases.
func (e *StepExecutor) MoveValves(ctx context.Context, positions map[string]int) error {
	return e.moveValves(ctx, positions)
}

func (e *StepExecutor) waitValvesIdle(ctx context.Context, timeout time.Duration) error {
	if err := e.devices.Valves.WaitForIdle(ctx, timeout); err != nil {
		return fmt.Errorf("wait for valves: %w", err)
	}
	return nil
}

// executeImagingPlane moves the piezo to the plane, hands over to the FPGA and waits for
// the acquisition of all lines of the plane.
func (e *StepExecutor) executeImagingPlane(ctx context.Context, step protocol.Step) (Result, error) {
	target := e.scanStart
	switch {
	case step.ZPosition != nil:
		target = *step.ZPosition
	case step.ZOffset != nil:
		target = e.scanStart + *step.ZOffset
	}

	if err := e.devices.Positioner.GoToPosition(ctx, target); err != nil {
		return Result{}, fmt.Errorf("move piezo: %w", err)
	}
	if err := e.clock.Sleep(ctx, e.settings.PiezoSettle); err != nil {
		return Result{}, err
	}
	actual, err := e.devices.Positioner.Position(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("read piezo: %w", err)
	}
	res := Result{ZTarget: target, ZActual: actual}

	if pos := filterPosition(step.Lines); pos > 0 && e.devices.FilterWheel != nil {
		if err := e.moveFilter(ctx, pos); err != nil {
			return res, err
		}
	}

	if err := e.devices.Handshake.SignalPositioned(ctx); err != nil {
		return res, fmt.Errorf("signal positioned: %w", err)
	}

	timeout := e.timeoutOr(step, e.settings.HandshakeTimeout)
	err = pollUntil(ctx, e.clock, e.settings.HandshakePoll, timeout, e.devices.Handshake.AcquisitionDone)
	if err == errWaitTimeout {
		return res, types.NewDeviceError("fpga", "acquisition_done", types.DeviceTimeout,
			"plane at %.3f µm not acquired within %s", target, timeout)
	}
	if err != nil {
		return res, fmt.Errorf("wait for acquisition: %w", err)
	}

	res.Imaged = true
	return res, nil
}

func filterPosition(lines []protocol.LightLine) int {
	for _, line := range lines {
		if line.FilterPos > 0 {
			return line.FilterPos
		}
	}
	return 0
}

func (e *StepExecutor) moveFilter(ctx context.Context, pos int) error {
	wheel := e.devices.FilterWheel
	if err := wheel.SetPosition(ctx, pos); err != nil {
		return fmt.Errorf("move filter: %w", err)
	}
	err := pollUntil(ctx, e.clock, e.settings.HandshakePoll*10, e.settings.FilterTimeout, func(ctx context.Context) (bool, error) {
		current, err := wheel.Position(ctx)
		return current == pos, err
	})
	if err == errWaitTimeout {
		return types.NewDeviceError("filter_wheel", "position", types.DeviceTimeout,
			"position %d not confirmed within %s", pos, e.settings.FilterTimeout)
	}
	return err
}

// executeIllumination switches each line on for the step duration, one after the other.
func (e *StepExecutor) executeIllumination(ctx context.Context, step protocol.Step) error {
	lights := e.devices.Lights
	for _, line := range step.Lines {
		if err := lights.SetIntensity(ctx, line.Lightsource, line.Intensity); err != nil {
			return fmt.Errorf("switch on %s: %w", line.Lightsource, err)
		}

		e.logger.Info("Illumination",
			zap.String("line", line.Lightsource),
			zap.Float64("intensity", line.Intensity),
			zap.Duration("duration", step.Duration.Duration))

		sleepErr := e.clock.Sleep(ctx, step.Duration.Duration)

		// Laser immer ausschalten, auch bei Abbruch
		offCtx := context.WithoutCancel(ctx)
		if err := lights.SetIntensity(offCtx, line.Lightsource, 0); err != nil {
			return fmt.Errorf("switch off %s: %w", line.Lightsource, err)
		}
		if sleepErr != nil {
			return sleepErr
		}
	}
	return nil
}

func (e *StepExecutor) executeValvePosition(ctx context.Context, step protocol.Step) error {
	if err := e.devices.Valves.SetPosition(ctx, step.ValveID, step.ValvePosition); err != nil {
		return fmt.Errorf("move valve %s: %w", step.ValveID, err)
	}
	return e.waitValvesIdle(ctx, e.timeoutOr(step, e.settings.ValveIdleTimeout))
}

func (e *StepExecutor) executeRinse(ctx context.Context, step protocol.Step) (Result, error) {
	if err := e.devices.Rinser.StartRinsing(ctx); err != nil {
		return Result{}, fmt.Errorf("start rinsing: %w", err)
	}
	return Result{RinseFor: step.Duration.Duration}, nil
}

// executeStageMove drives the stage to the step position and waits until it stops.
func (e *StepExecutor) executeStageMove(ctx context.Context, step protocol.Step) error {
	if step.X == nil || step.Y == nil {
		return fmt.Errorf("stage move %q without position", step.Name)
	}
	stage := e.devices.Stage
	x, y := *step.X, *step.Y

	e.logger.Info("Stage move",
		zap.String("roi", step.ROI),
		zap.Float64("x_um", x),
		zap.Float64("y_um", y))

	if err := stage.MoveXY(ctx, x, y); err != nil {
		return fmt.Errorf("move stage: %w", err)
	}
	timeout := e.timeoutOr(step, e.settings.StageTimeout)
	err := pollUntil(ctx, e.clock, e.settings.StagePoll, timeout, stage.Idle)
	if err == errWaitTimeout {
		return types.NewDeviceError("stage", "move_xy", types.DeviceTimeout,
			"(%.1f, %.1f) µm not reached within %s", x, y, timeout)
	}
	if err != nil {
		return fmt.Errorf("wait for stage: %w", err)
	}
	return nil
}

// executeAutofocus starts the focus search and waits for the lock. A lock that does not
// settle in time is reported in the result; imaging continues from the current plane.
func (e *StepExecutor) executeAutofocus(ctx context.Context, step protocol.Step) (Result, error) {
	focus := e.devices.Autofocus
	if err := focus.SearchFocus(ctx); err != nil {
		return Result{}, fmt.Errorf("search focus: %w", err)
	}

	timeout := e.timeoutOr(step, e.settings.FocusTimeout)
	err := pollUntil(ctx, e.clock, e.settings.FocusPoll, timeout, focus.Positioned)
	if err == errWaitTimeout {
		e.logger.Warn("Focus not found, imaging from current plane",
			zap.String("roi", step.ROI),
			zap.Duration("timeout", timeout))
		return Result{FocusLost: true}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("wait for focus: %w", err)
	}
	return Result{}, nil
}

// ScanStartPosition returns the first plane of a z-scan around current. A centered scan puts
// the focal plane in the middle of the stack: for an even plane count it is the first plane
// of the upper half.
func ScanStartPosition(current float64, planes int, step float64, centered bool) float64 {
	if !centered || planes <= 0 {
		return current
	}
	if planes%2 == 0 {
		return current - float64(planes)/2*step
	}
	return current - float64(planes-1)/2*step
}

// Requirements lists the capabilities needed to execute the given step kinds.
func Requirements(kinds map[protocol.Kind]int) []types.Capability {
	need := map[types.Capability]struct{}{}
	add := func(cs ...types.Capability) {
		for _, c := range cs {
			need[c] = struct{}{}
		}
	}
	for kind := range kinds {
		switch kind {
		case protocol.KindInjection:
			add(types.CapValves, types.CapFlow)
		case protocol.KindIncubation, protocol.KindWaitForIdle, protocol.KindValvePosition:
			add(types.CapValves)
		case protocol.KindImagingPlane:
			add(types.CapPositioner, types.CapHandshake, types.CapCamera)
		case protocol.KindIllumination:
			add(types.CapLightSource)
		case protocol.KindRinse:
			add(types.CapRinser)
		case protocol.KindStageMove:
			add(types.CapStage)
		case protocol.KindAutofocus:
			add(types.CapAutofocus, types.CapPositioner)
		}
	}
	out := make([]types.Capability, 0, len(need))
	for c := range need {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
