// Package devicestest provides recording fake devices and a fake clock for tests.
package devicestest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/KevinKickass/OpenScopeCore/internal/devices"
	"github.com/KevinKickass/OpenScopeCore/internal/types"
)

// Log records device calls in order, e.g. "valves.set_position a 4".
type Log struct {
	mu       sync.Mutex
	calls    []string
	failures map[string]error
	hook     func(op string)
}

func NewLog() *Log {
	return &Log{failures: make(map[string]error)}
}

// FailOn makes every call of op (e.g. "flow.start_regulation") return err.
func (l *Log) FailOn(op string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.failures[op] = err
}

// OnCall registers a hook invoked (outside the lock) before each recorded call.
func (l *Log) OnCall(fn func(op string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.hook = fn
}

func (l *Log) record(op string, args ...any) error {
	entry := op
	if len(args) > 0 {
		parts := make([]string, len(args))
		for i, a := range args {
			parts[i] = fmt.Sprint(a)
		}
		entry += " " + strings.Join(parts, " ")
	}

	l.mu.Lock()
	l.calls = append(l.calls, entry)
	err := l.failures[op]
	hook := l.hook
	l.mu.Unlock()

	if hook != nil {
		hook(op)
	}
	return err
}

func (l *Log) Calls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.calls...)
}

// Count returns how many recorded calls start with prefix.
func (l *Log) Count(prefix string) int {
	n := 0
	for _, c := range l.Calls() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// Index returns the position of the first call equal to entry, -1 if absent.
func (l *Log) Index(entry string) int {
	for i, c := range l.Calls() {
		if c == entry {
			return i
		}
	}
	return -1
}

func (l *Log) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = nil
}

// Clock is a fake clock: Sleep advances time instantly and records the duration.
type Clock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func NewClock() *Clock {
	return &Clock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *Clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *Clock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if d > 0 {
		c.now = c.now.Add(d)
	}
	c.sleeps = append(c.sleeps, d)
	return nil
}

func (c *Clock) Sleeps() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.sleeps...)
}

// SleepsOf counts recorded sleeps of exactly d.
func (c *Clock) SleepsOf(d time.Duration) int {
	n := 0
	for _, s := range c.Sleeps() {
		if s == d {
			n++
		}
	}
	return n
}

type Valves struct {
	log       *Log
	mu        sync.Mutex
	Positions map[string]int
}

func (v *Valves) SetPosition(ctx context.Context, id string, target int) error {
	if err := v.log.record("valves.set_position", id, target); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.Positions[id]; !ok {
		return types.NewDeviceError("valve "+id, "set_position", types.DeviceNotFound, "unknown valve")
	}
	v.Positions[id] = target
	return nil
}

func (v *Valves) Position(ctx context.Context, id string) (int, error) {
	if err := v.log.record("valves.position", id); err != nil {
		return 0, err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.Positions[id], nil
}

func (v *Valves) WaitForIdle(ctx context.Context, timeout time.Duration) error {
	return v.log.record("valves.wait_for_idle")
}

func (v *Valves) IDs() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	ids := make([]string, 0, len(v.Positions))
	for id := range v.Positions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Flow reports the target volume reached after ReachAfter polls (0: immediately,
// negative: never).
type Flow struct {
	log        *Log
	mu         sync.Mutex
	ReachAfter int
	polls      int
	pressure   float64
}

func (f *Flow) SetPressure(ctx context.Context, mbar float64) error {
	if err := f.log.record("flow.set_pressure", mbar); err != nil {
		return err
	}
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
	return f.log.record("flow.start_regulation", flowrate)
}

func (f *Flow) StopPressureRegulation(ctx context.Context) error {
	return f.log.record("flow.stop_regulation")
}

func (f *Flow) StartVolumeMeasurement(ctx context.Context, target float64, sampling time.Duration) error {
	f.mu.Lock()
	f.polls = 0
	f.mu.Unlock()
	return f.log.record("flow.start_volume_measurement", target)
}

func (f *Flow) TargetVolumeReached(ctx context.Context) (bool, error) {
	if err := f.log.record("flow.target_volume_reached"); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ReachAfter < 0 {
		return false, nil
	}
	reached := f.polls >= f.ReachAfter
	f.polls++
	return reached, nil
}

type Camera struct {
	log    *Log
	mu     sync.Mutex
	params types.AcquisitionParams
}

func (c *Camera) PrepareAcquisition(ctx context.Context, params types.AcquisitionParams) error {
	c.mu.Lock()
	c.params = params
	c.mu.Unlock()
	return c.log.record("camera.prepare", params.NumFrames)
}

func (c *Camera) StartAcquisition(ctx context.Context) error {
	return c.log.record("camera.start")
}

func (c *Camera) StopAcquisition(ctx context.Context) error {
	return c.log.record("camera.stop")
}

func (c *Camera) AcquiredData(ctx context.Context) ([]types.Frame, error) {
	if err := c.log.record("camera.acquired_data"); err != nil {
		return nil, err
	}
	c.mu.Lock()
	n := c.params.NumFrames
	c.mu.Unlock()
	frames := make([]types.Frame, n)
	for i := range frames {
		pix := make([]uint16, 4*4)
		for j := range pix {
			pix[j] = uint16(i + j)
		}
		frames[i] = types.Frame{Width: 4, Height: 4, Pix: pix}
	}
	return frames, nil
}

func (c *Camera) Reset(ctx context.Context) error {
	return c.log.record("camera.reset")
}

func (c *Camera) SensorTemperature(ctx context.Context) (float64, error) {
	return -70, nil
}

// Handshake reports acquisition done after DoneAfter polls (negative: never).
type Handshake struct {
	log       *Log
	mu        sync.Mutex
	DoneAfter int
	polls     int
}

func (h *Handshake) StartSession(ctx context.Context, params types.SessionParams) error {
	return h.log.record("fpga.start_session", params.NumPlanes, len(params.Lines))
}

func (h *Handshake) EndSession(ctx context.Context) error {
	return h.log.record("fpga.end_session")
}

func (h *Handshake) SignalPositioned(ctx context.Context) error {
	h.mu.Lock()
	h.polls = 0
	h.mu.Unlock()
	return h.log.record("fpga.signal_positioned")
}

func (h *Handshake) AcquisitionDone(ctx context.Context) (bool, error) {
	if err := h.log.record("fpga.acquisition_done"); err != nil {
		return false, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.DoneAfter < 0 {
		return false, nil
	}
	done := h.polls >= h.DoneAfter
	h.polls++
	return done, nil
}

type Piezo struct {
	log     *Log
	mu      sync.Mutex
	Current float64
	Offset  float64 // added to the commanded position on read-back
}

func (p *Piezo) GoToPosition(ctx context.Context, z float64) error {
	if err := p.log.record("piezo.go_to", z); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Current = z
	return nil
}

func (p *Piezo) Position(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Current + p.Offset, nil
}

type Lights struct {
	log *Log
}

func (l *Lights) SetIntensity(ctx context.Context, line string, percent float64) error {
	return l.log.record("lights.set_intensity", line, percent)
}

func (l *Lights) AllOff(ctx context.Context) error {
	return l.log.record("lights.all_off")
}

// FilterWheel reaches a commanded position after Lag position reads.
type FilterWheel struct {
	log    *Log
	mu     sync.Mutex
	Lag    int
	target int
	pos    int
	reads  int
}

func (f *FilterWheel) SetPosition(ctx context.Context, pos int) error {
	if err := f.log.record("filter.set_position", pos); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.target = pos
	f.reads = 0
	return nil
}

func (f *FilterWheel) Position(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Lag >= 0 && f.reads >= f.Lag {
		f.pos = f.target
	}
	f.reads++
	return f.pos, nil
}

// Stage reports idle after IdleAfter polls following a move (negative: never).
type Stage struct {
	log       *Log
	mu        sync.Mutex
	IdleAfter int
	polls     int
	X, Y      float64
}

func (s *Stage) SetVelocity(ctx context.Context, x, y float64) error {
	return s.log.record("stage.set_velocity", x)
}

func (s *Stage) MoveXY(ctx context.Context, x, y float64) error {
	if err := s.log.record("stage.move_xy", x, y); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.X, s.Y = x, y
	s.polls = 0
	return nil
}

func (s *Stage) Idle(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.IdleAfter < 0 {
		return false, nil
	}
	idle := s.polls >= s.IdleAfter
	s.polls++
	return idle, nil
}

// Autofocus reports the focus found after FoundAfter polls (negative: never).
type Autofocus struct {
	log        *Log
	mu         sync.Mutex
	FoundAfter int
	polls      int
}

func (a *Autofocus) SearchFocus(ctx context.Context) error {
	a.mu.Lock()
	a.polls = 0
	a.mu.Unlock()
	return a.log.record("focus.search")
}

func (a *Autofocus) Positioned(ctx context.Context) (bool, error) {
	if err := a.log.record("focus.positioned"); err != nil {
		return false, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.FoundAfter < 0 {
		return false, nil
	}
	found := a.polls >= a.FoundAfter
	a.polls++
	return found, nil
}

type Rinser struct {
	log *Log
}

func (r *Rinser) StartRinsing(ctx context.Context) error {
	return r.log.record("rinser.start")
}

func (r *Rinser) StopRinsing(ctx context.Context) error {
	return r.log.record("rinser.stop")
}

type Notifier struct {
	log *Log
}

func (n *Notifier) DisableActions(modules ...string) {
	_ = n.log.record("actions.disable")
}

func (n *Notifier) EnableActions(modules ...string) {
	_ = n.log.record("actions.enable")
}

// Fakes gives tests typed access to the devices of a fake set.
type Fakes struct {
	Log         *Log
	Valves      *Valves
	Flow        *Flow
	Camera      *Camera
	Handshake   *Handshake
	Piezo       *Piezo
	Lights      *Lights
	FilterWheel *FilterWheel
	Stage       *Stage
	Rinser      *Rinser
	Autofocus   *Autofocus
	Notifier    *Notifier
}

// NewSet returns a complete fake set with valves a, b and c at position 1 and the piezo at 50 µm.
func NewSet() (devices.Set, *Fakes) {
	log := NewLog()
	f := &Fakes{
		Log:         log,
		Valves:      &Valves{log: log, Positions: map[string]int{"a": 1, "b": 1, "c": 1}},
		Flow:        &Flow{log: log},
		Camera:      &Camera{log: log},
		Handshake:   &Handshake{log: log},
		Piezo:       &Piezo{log: log, Current: 50},
		Lights:      &Lights{log: log},
		FilterWheel: &FilterWheel{log: log, pos: 1, target: 1},
		Stage:       &Stage{log: log},
		Rinser:      &Rinser{log: log},
		Autofocus:   &Autofocus{log: log},
		Notifier:    &Notifier{log: log},
	}
	return devices.Set{
		Valves:      f.Valves,
		Flow:        f.Flow,
		Camera:      f.Camera,
		Handshake:   f.Handshake,
		Positioner:  f.Piezo,
		Lights:      f.Lights,
		FilterWheel: f.FilterWheel,
		Stage:       f.Stage,
		Rinser:      f.Rinser,
		Autofocus:   f.Autofocus,
		Notifier:    f.Notifier,
	}, f
}
