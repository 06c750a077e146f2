package devices

import (
	"context"
	"time"

	"github.com/KevinKickass/OpenScopeCore/internal/types"
)

// Valve drives a bank of multiport valves addressed by ID ("a", "b", ...).
// SetPosition only fires the move; WaitForIdle blocks until every valve has settled.
type Valve interface {
	SetPosition(ctx context.Context, id string, target int) error
	Position(ctx context.Context, id string) (int, error)
	WaitForIdle(ctx context.Context, timeout time.Duration) error
	IDs() []string
}

// FlowController is the pressure controller plus flowmeter of the fluidics line.
type FlowController interface {
	SetPressure(ctx context.Context, mbar float64) error
	Pressure(ctx context.Context) (float64, error)
	StartPressureRegulation(ctx context.Context, flowrate float64) error
	StopPressureRegulation(ctx context.Context) error
	StartVolumeMeasurement(ctx context.Context, target float64, sampling time.Duration) error
	TargetVolumeReached(ctx context.Context) (bool, error)
}

type Camera interface {
	PrepareAcquisition(ctx context.Context, params types.AcquisitionParams) error
	StartAcquisition(ctx context.Context) error
	StopAcquisition(ctx context.Context) error
	AcquiredData(ctx context.Context) ([]types.Frame, error)
	Reset(ctx context.Context) error
}

// TemperatureSensor is implemented by cameras that report their sensor temperature.
type TemperatureSensor interface {
	SensorTemperature(ctx context.Context) (float64, error)
}

// Handshake is the FPGA session plus the digital lines between stage, camera and lasers.
type Handshake interface {
	StartSession(ctx context.Context, params types.SessionParams) error
	EndSession(ctx context.Context) error
	// SignalPositioned raises and lowers the "positioning done" line.
	SignalPositioned(ctx context.Context) error
	AcquisitionDone(ctx context.Context) (bool, error)
}

// Positioner is the piezo z axis, in µm.
type Positioner interface {
	GoToPosition(ctx context.Context, z float64) error
	Position(ctx context.Context) (float64, error)
}

type LightSource interface {
	SetIntensity(ctx context.Context, line string, percent float64) error
	AllOff(ctx context.Context) error
}

type FilterWheel interface {
	SetPosition(ctx context.Context, pos int) error
	Position(ctx context.Context) (int, error)
}

// Stage is the motorized xy stage, positions in µm. MoveXY only starts the move.
type Stage interface {
	SetVelocity(ctx context.Context, x, y float64) error
	MoveXY(ctx context.Context, x, y float64) error
	Idle(ctx context.Context) (bool, error)
}

// Autofocus is the hardware focus lock. SearchFocus starts the search; Positioned reports
// when the objective sits on the focal plane.
type Autofocus interface {
	SearchFocus(ctx context.Context) error
	Positioned(ctx context.Context) (bool, error)
}

type Rinser interface {
	StartRinsing(ctx context.Context) error
	StopRinsing(ctx context.Context) error
}

// ActionNotifier tells collaborating clients which modules are locked by a task.
type ActionNotifier interface {
	DisableActions(modules ...string)
	EnableActions(modules ...string)
}

// Set is the device set a run borrows. Fields are fixed at startup; nil means absent.
type Set struct {
	Valves      Valve
	Flow        FlowController
	Camera      Camera
	Handshake   Handshake
	Positioner  Positioner
	Lights      LightSource
	FilterWheel FilterWheel
	Stage       Stage
	Rinser      Rinser
	Autofocus   Autofocus
	Notifier    ActionNotifier
}

// Has reports whether the capability is present in the set.
func (s *Set) Has(c types.Capability) bool {
	switch c {
	case types.CapValves:
		return s.Valves != nil
	case types.CapFlow:
		return s.Flow != nil
	case types.CapCamera:
		return s.Camera != nil
	case types.CapHandshake:
		return s.Handshake != nil
	case types.CapPositioner:
		return s.Positioner != nil
	case types.CapLightSource:
		return s.Lights != nil
	case types.CapFilterWheel:
		return s.FilterWheel != nil
	case types.CapStage:
		return s.Stage != nil
	case types.CapRinser:
		return s.Rinser != nil
	case types.CapAutofocus:
		return s.Autofocus != nil
	case types.CapNotifier:
		return s.Notifier != nil
	}
	return false
}

// Missing returns the capabilities of want that the set lacks.
func (s *Set) Missing(want ...types.Capability) []types.Capability {
	var missing []types.Capability
	for _, c := range want {
		if !s.Has(c) {
			missing = append(missing, c)
		}
	}
	return missing
}

func (s *Set) members() map[types.Capability]any {
	return map[types.Capability]any{
		types.CapValves:      s.Valves,
		types.CapFlow:        s.Flow,
		types.CapCamera:      s.Camera,
		types.CapHandshake:   s.Handshake,
		types.CapPositioner:  s.Positioner,
		types.CapLightSource: s.Lights,
		types.CapFilterWheel: s.FilterWheel,
		types.CapStage:       s.Stage,
		types.CapRinser:      s.Rinser,
		types.CapAutofocus:   s.Autofocus,
		types.CapNotifier:    s.Notifier,
	}
}

// Describer is implemented by devices that can report driver details to the API.
type Describer interface {
	Describe() (driver string, details map[string]any)
}

// Closer is implemented by devices holding a connection or background worker.
type Closer interface {
	Close() error
}
