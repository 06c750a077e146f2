package sim

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/KevinKickass/OpenScopeCore/internal/config"
	"github.com/KevinKickass/OpenScopeCore/internal/devices"
	"github.com/KevinKickass/OpenScopeCore/internal/types"
	"go.uber.org/zap"
)

// Valves simulates a bank of Hamilton-style multiport valves with a fixed travel time.
type Valves struct {
	mu        sync.Mutex
	specs     map[string]config.ValveSpec
	positions map[string]int
	busyUntil time.Time
	moveTime  time.Duration
}

func NewValves(specs []config.ValveSpec, moveTime time.Duration) *Valves {
	v := &Valves{
		specs:     make(map[string]config.ValveSpec, len(specs)),
		positions: make(map[string]int, len(specs)),
		moveTime:  moveTime,
	}
	for _, spec := range specs {
		v.specs[spec.ID] = spec
		v.positions[spec.ID] = 1
	}
	return v
}

func (v *Valves) SetPosition(ctx context.Context, id string, target int) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	spec, ok := v.specs[id]
	if !ok {
		return types.NewDeviceError("valve "+id, "set_position", types.DeviceNotFound, "unknown valve")
	}
	if target < 1 || target > spec.Outputs {
		return types.NewDeviceError("valve "+id, "set_position", types.DeviceOutOfRange,
			"position %d outside [1,%d]", target, spec.Outputs)
	}
	if v.positions[id] != target {
		v.positions[id] = target
		v.busyUntil = time.Now().Add(v.moveTime)
	}
	return nil
}

func (v *Valves) Position(ctx context.Context, id string) (int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	pos, ok := v.positions[id]
	if !ok {
		return 0, types.NewDeviceError("valve "+id, "position", types.DeviceNotFound, "unknown valve")
	}
	return pos, nil
}

func (v *Valves) WaitForIdle(ctx context.Context, timeout time.Duration) error {
	v.mu.Lock()
	remaining := time.Until(v.busyUntil)
	v.mu.Unlock()

	if remaining <= 0 {
		return nil
	}

	wait := remaining
	if timeout > 0 && timeout < remaining {
		wait = timeout
	}
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}
	if wait < remaining {
		return types.NewDeviceError("valves", "wait_for_idle", types.DeviceTimeout, "still moving after %s", timeout)
	}
	return nil
}

func (v *Valves) IDs() []string {
	v.mu.Lock()
	defer v.mu.Unlock()

	ids := make([]string, 0, len(v.specs))
	for id := range v.specs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (v *Valves) Describe() (string, map[string]any) {
	v.mu.Lock()
	defer v.mu.Unlock()

	positions := make(map[string]any, len(v.positions))
	for id, pos := range v.positions {
		positions[id] = pos
	}
	return "sim.valves", map[string]any{"positions": positions}
}

// Flow simulates a Fluigent-style pressure controller with an integrating flowmeter.
// While regulating, the measured volume grows by flowrate*gain µl per minute.
type Flow struct {
	mu         sync.Mutex
	pressure   float64
	regulating bool
	flowrate   float64
	target     float64
	volume     float64
	gain       float64
	sampler    *devices.Sampler
	logger     *zap.Logger
}

func NewFlow(gain float64, logger *zap.Logger) *Flow {
	if gain <= 0 {
		gain = 1
	}
	return &Flow{gain: gain, logger: logger}
}

func (f *Flow) SetPressure(ctx context.Context, mbar float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pressure = mbar
	return nil
}

func (f *Flow) Pressure(ctx context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pressure, nil
}

func (f *Flow) StartPressureRegulation(ctx context.Context, flowrate float64) error {
	if flowrate <= 0 {
		return types.NewDeviceError("flow", "start_regulation", types.DeviceOutOfRange, "flowrate %.1f", flowrate)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regulating = true
	f.flowrate = flowrate
	// grobe Kennlinie: 0.4 mbar pro µl/min
	f.pressure = flowrate * 0.4
	return nil
}

func (f *Flow) StopPressureRegulation(ctx context.Context) error {
	f.mu.Lock()
	f.regulating = false
	f.flowrate = 0
	sampler := f.sampler
	f.sampler = nil
	f.mu.Unlock()

	if sampler != nil {
		sampler.Stop()
	}
	return nil
}

func (f *Flow) StartVolumeMeasurement(ctx context.Context, target float64, sampling time.Duration) error {
	if sampling <= 0 {
		sampling = time.Second
	}

	f.mu.Lock()
	old := f.sampler
	f.target = target
	f.volume = 0
	f.sampler = devices.NewSampler("flowmeter", sampling, f.integrate, f.logger)
	sampler := f.sampler
	f.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	sampler.Start()
	return nil
}

func (f *Flow) integrate(dt time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.regulating {
		return
	}
	f.volume += f.flowrate * f.gain * dt.Minutes()
}

func (f *Flow) TargetVolumeReached(ctx context.Context) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.volume >= f.target, nil
}

func (f *Flow) Close() error {
	return f.StopPressureRegulation(context.Background())
}

func (f *Flow) Describe() (string, map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return "sim.flow", map[string]any{
		"pressure_mbar": f.pressure,
		"regulating":    f.regulating,
		"volume_ul":     f.volume,
		"target_ul":     f.target,
	}
}

// Rinser simulates the needle rinsing pump.
type Rinser struct {
	mu      sync.Mutex
	rinsing bool
	started time.Time
}

func NewRinser() *Rinser {
	return &Rinser{}
}

func (r *Rinser) StartRinsing(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rinsing = true
	r.started = time.Now()
	return nil
}

func (r *Rinser) StopRinsing(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rinsing = false
	return nil
}

func (r *Rinser) Rinsing() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rinsing
}

func (r *Rinser) Describe() (string, map[string]any) {
	return "sim.rinser", map[string]any{"rinsing": r.Rinsing()}
}
