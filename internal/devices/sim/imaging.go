package sim

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/KevinKickass/OpenScopeCore/internal/types"
)

const (
	frameWidth  = 64
	frameHeight = 64
)

// Camera produces synthetic 16-bit frames for an externally triggered series.
type Camera struct {
	mu          sync.Mutex
	params      types.AcquisitionParams
	prepared    bool
	acquiring   bool
	temperature float64
}

func NewCamera() *Camera {
	return &Camera{temperature: -70}
}

func (c *Camera) PrepareAcquisition(ctx context.Context, params types.AcquisitionParams) error {
	if params.NumFrames < 0 {
		return types.NewDeviceError("camera", "prepare", types.DeviceOutOfRange, "negative frame count")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.params = params
	c.prepared = true
	return nil
}

func (c *Camera) StartAcquisition(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.prepared {
		return types.NewDeviceError("camera", "start", types.DeviceComm, "acquisition not prepared")
	}
	c.acquiring = true
	return nil
}

func (c *Camera) StopAcquisition(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.acquiring = false
	return nil
}

// AcquiredData returns one frame per prepared trigger. Pixel values encode the frame index.
func (c *Camera) AcquiredData(ctx context.Context) ([]types.Frame, error) {
	c.mu.Lock()
	n := c.params.NumFrames
	c.mu.Unlock()

	frames := make([]types.Frame, n)
	for i := range frames {
		pix := make([]uint16, frameWidth*frameHeight)
		for y := 0; y < frameHeight; y++ {
			for x := 0; x < frameWidth; x++ {
				pix[y*frameWidth+x] = uint16(i*1000 + x + y)
			}
		}
		frames[i] = types.Frame{Width: frameWidth, Height: frameHeight, Pix: pix}
	}
	return frames, nil
}

func (c *Camera) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.params = types.AcquisitionParams{}
	c.prepared = false
	c.acquiring = false
	return nil
}

func (c *Camera) SensorTemperature(ctx context.Context) (float64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.temperature, nil
}

func (c *Camera) Describe() (string, map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return "sim.camera", map[string]any{
		"acquiring":   c.acquiring,
		"exposure_s":  c.params.Exposure,
		"temperature": c.temperature,
	}
}

// Handshake simulates the FPGA session: after each positioning pulse the acquisition of all
// lines completes after exposure*lines.
type Handshake struct {
	mu         sync.Mutex
	session    *types.SessionParams
	lastPulse  time.Time
	pulses     int
	pulseWidth time.Duration
}

func NewHandshake(pulseWidth time.Duration) *Handshake {
	return &Handshake{pulseWidth: pulseWidth}
}

func (h *Handshake) StartSession(ctx context.Context, params types.SessionParams) error {
	if params.NumPlanes <= 0 || len(params.Lines) == 0 {
		return types.NewDeviceError("fpga", "start_session", types.DeviceOutOfRange,
			"session needs planes and lines, got %d/%d", params.NumPlanes, len(params.Lines))
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	p := params
	h.session = &p
	h.pulses = 0
	h.lastPulse = time.Time{}
	return nil
}

func (h *Handshake) EndSession(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.session = nil
	return nil
}

func (h *Handshake) SignalPositioned(ctx context.Context) error {
	h.mu.Lock()
	if h.session == nil {
		h.mu.Unlock()
		return types.NewDeviceError("fpga", "signal_positioned", types.DeviceComm, "no session open")
	}
	h.mu.Unlock()

	timer := time.NewTimer(h.pulseWidth)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.pulses++
	h.lastPulse = time.Now()
	return nil
}

func (h *Handshake) AcquisitionDone(ctx context.Context) (bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session == nil {
		return false, types.NewDeviceError("fpga", "acquisition_done", types.DeviceComm, "no session open")
	}
	if h.pulses == 0 {
		return false, nil
	}
	busy := time.Duration(h.session.Exposure * float64(len(h.session.Lines)) * float64(time.Second))
	return time.Since(h.lastPulse) >= busy, nil
}

func (h *Handshake) Describe() (string, map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return "sim.fpga", map[string]any{"session": h.session != nil, "pulses": h.pulses}
}

// Piezo simulates the z positioner with a travel range in µm.
type Piezo struct {
	mu       sync.Mutex
	position float64
	min, max float64
}

func NewPiezo(rangeUM [2]float64) *Piezo {
	return &Piezo{min: rangeUM[0], max: rangeUM[1], position: (rangeUM[0] + rangeUM[1]) / 2}
}

func (p *Piezo) GoToPosition(ctx context.Context, z float64) error {
	if z < p.min || z > p.max {
		return types.NewDeviceError("piezo", "go_to_position", types.DeviceOutOfRange,
			"%.3f µm outside [%.1f, %.1f]", z, p.min, p.max)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.position = z
	return nil
}

func (p *Piezo) Position(ctx context.Context) (float64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.position, nil
}

func (p *Piezo) Describe() (string, map[string]any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return "sim.piezo", map[string]any{"position_um": p.position, "range": []float64{p.min, p.max}}
}

// Lasers simulates the lightsource bank keyed by line label ("488 nm").
type Lasers struct {
	mu          sync.Mutex
	intensities map[string]float64
}

func NewLasers(labels []string) *Lasers {
	l := &Lasers{intensities: make(map[string]float64, len(labels))}
	for _, label := range labels {
		l.intensities[label] = 0
	}
	return l
}

func (l *Lasers) SetIntensity(ctx context.Context, line string, percent float64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.intensities[line]; !ok {
		return types.NewDeviceError("lasers", "set_intensity", types.DeviceNotFound, "unknown line %q", line)
	}
	if percent < 0 || percent > 100 {
		return types.NewDeviceError("lasers", "set_intensity", types.DeviceOutOfRange, "%.1f%%", percent)
	}
	l.intensities[line] = percent
	return nil
}

func (l *Lasers) AllOff(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for line := range l.intensities {
		l.intensities[line] = 0
	}
	return nil
}

func (l *Lasers) Intensity(line string) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.intensities[line]
}

func (l *Lasers) Describe() (string, map[string]any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	lines := make(map[string]any, len(l.intensities))
	for line, v := range l.intensities {
		lines[line] = v
	}
	return "sim.lasers", map[string]any{"intensities": lines}
}

type FilterWheel struct {
	mu        sync.Mutex
	position  int
	positions int
}

func NewFilterWheel(positions int) *FilterWheel {
	return &FilterWheel{position: 1, positions: positions}
}

func (f *FilterWheel) SetPosition(ctx context.Context, pos int) error {
	if pos < 1 || pos > f.positions {
		return types.NewDeviceError("filter_wheel", "set_position", types.DeviceOutOfRange,
			"position %d outside [1,%d]", pos, f.positions)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.position = pos
	return nil
}

func (f *FilterWheel) Position(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.position, nil
}

func (f *FilterWheel) Describe() (string, map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return "sim.filter_wheel", map[string]any{"position": f.position}
}

// Stage simulates the xy stage. Velocity is in mm/s, positions in µm; a move takes
// the distance of the slower axis divided by its velocity.
type Stage struct {
	mu      sync.Mutex
	vx, vy  float64
	x, y    float64
	arrival time.Time
}

func NewStage(velocity float64) *Stage {
	return &Stage{vx: velocity, vy: velocity}
}

func (s *Stage) SetVelocity(ctx context.Context, x, y float64) error {
	if x <= 0 || y <= 0 {
		return types.NewDeviceError("stage", "set_velocity", types.DeviceOutOfRange, "velocity must be > 0")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vx, s.vy = x, y
	return nil
}

func (s *Stage) MoveXY(ctx context.Context, x, y float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := math.Abs(x-s.x) / (s.vx * 1000)
	ty := math.Abs(y-s.y) / (s.vy * 1000)
	s.arrival = time.Now().Add(time.Duration(math.Max(tx, ty) * float64(time.Second)))
	s.x, s.y = x, y
	return nil
}

func (s *Stage) Idle(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !time.Now().Before(s.arrival), nil
}

func (s *Stage) Position() (float64, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.x, s.y
}

func (s *Stage) Velocity() (float64, float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vx, s.vy
}

func (s *Stage) Describe() (string, map[string]any) {
	vx, vy := s.Velocity()
	x, y := s.Position()
	return "sim.stage", map[string]any{"velocity": []float64{vx, vy}, "position_um": []float64{x, y}}
}

// Autofocus simulates the focus lock: a search settles after searchTime.
type Autofocus struct {
	mu         sync.Mutex
	searchTime time.Duration
	found      time.Time
	searching  bool
}

func NewAutofocus(searchTime time.Duration) *Autofocus {
	return &Autofocus{searchTime: searchTime}
}

func (a *Autofocus) SearchFocus(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.searching = true
	a.found = time.Now().Add(a.searchTime)
	return nil
}

func (a *Autofocus) Positioned(ctx context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.searching {
		return false, types.NewDeviceError("autofocus", "positioned", types.DeviceComm, "no search running")
	}
	return !time.Now().Before(a.found), nil
}

func (a *Autofocus) Describe() (string, map[string]any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return "sim.autofocus", map[string]any{"searching": a.searching}
}
