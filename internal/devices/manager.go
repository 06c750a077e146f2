package devices

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/KevinKickass/OpenScopeCore/internal/types"
	"go.uber.org/zap"
)

// Manager owns the device set and hands it out to exactly one run at a time.
// Manual operations from the API are refused while a run holds the lease.
type Manager struct {
	set         *Set
	owner       string
	leasedAt    time.Time
	maxPressure float64
	mu          sync.RWMutex
	logger      *zap.Logger
}

type ManagerOption func(*Manager)

// WithManualPressureLimit caps pressures accepted by SetPressure.
func WithManualPressureLimit(mbar float64) ManagerOption {
	return func(m *Manager) { m.maxPressure = mbar }
}

func NewManager(set Set, logger *zap.Logger, opts ...ManagerOption) *Manager {
	m := &Manager{
		set:    &set,
		logger: logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Lease hands the device set to owner. A second lease while held is a safety violation.
func (m *Manager) Lease(owner string) (*Set, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.owner != "" {
		return nil, types.NewSafetyViolation("devices are held by %s since %s",
			m.owner, m.leasedAt.Format(time.RFC3339))
	}

	m.owner = owner
	m.leasedAt = time.Now()

	m.logger.Info("Device set leased", zap.String("owner", owner))
	return m.set, nil
}

// Release returns the lease. Releasing a lease one does not hold is a no-op.
func (m *Manager) Release(owner string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.owner != owner {
		return
	}
	m.owner = ""
	m.leasedAt = time.Time{}

	m.logger.Info("Device set released", zap.String("owner", owner))
}

// HeldBy returns the current lease owner, empty when free.
func (m *Manager) HeldBy() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.owner
}

func (m *Manager) checkFree(op string) error {
	if m.owner != "" {
		return types.NewSafetyViolation("%s rejected: devices are held by %s", op, m.owner)
	}
	return nil
}

// SetValve moves a single valve outside of a run and waits for it to settle.
func (m *Manager) SetValve(ctx context.Context, id string, position int, timeout time.Duration) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.checkFree("manual valve move"); err != nil {
		return err
	}
	if m.set.Valves == nil {
		return types.NewDeviceError("valves", "set_position", types.DeviceNotFound, "no valve driver registered")
	}

	if err := m.set.Valves.SetPosition(ctx, id, position); err != nil {
		return err
	}
	if err := m.set.Valves.WaitForIdle(ctx, timeout); err != nil {
		return err
	}

	m.logger.Info("Manual valve move",
		zap.String("valve", id),
		zap.Int("position", position))
	return nil
}

// SetPressure applies a manual pressure setpoint outside of a run.
func (m *Manager) SetPressure(ctx context.Context, mbar float64) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.checkFree("manual pressure"); err != nil {
		return err
	}
	if m.set.Flow == nil {
		return types.NewDeviceError("flow", "set_pressure", types.DeviceNotFound, "no flow controller registered")
	}
	if mbar < 0 || (m.maxPressure > 0 && mbar > m.maxPressure) {
		return types.NewDeviceError("flow", "set_pressure", types.DeviceOutOfRange,
			"%.1f mbar outside [0, %.1f]", mbar, m.maxPressure)
	}

	if err := m.set.Flow.SetPressure(ctx, mbar); err != nil {
		return err
	}

	m.logger.Info("Manual pressure", zap.Float64("mbar", mbar))
	return nil
}

// Status is the read side of the manager for the API.
type Status struct {
	LeasedBy string             `json:"leased_by,omitempty"`
	LeasedAt *time.Time         `json:"leased_at,omitempty"`
	Devices  []types.DeviceInfo `json:"devices"`
}

// Describe lists the registered capabilities. Reads of live values are left to the drivers.
func (m *Manager) Describe() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	st := Status{LeasedBy: m.owner, Devices: make([]types.DeviceInfo, 0)}
	if m.owner != "" {
		at := m.leasedAt
		st.LeasedAt = &at
	}

	for capability, dev := range m.set.members() {
		if dev == nil {
			continue
		}
		info := types.DeviceInfo{Capability: capability, Driver: fmt.Sprintf("%T", dev)}
		if d, ok := dev.(Describer); ok {
			info.Driver, info.Details = d.Describe()
		}
		st.Devices = append(st.Devices, info)
	}
	sort.Slice(st.Devices, func(i, j int) bool {
		return st.Devices[i].Capability < st.Devices[j].Capability
	})
	return st
}

// StopAll closes every device that holds a connection or worker.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	closed := make(map[Closer]struct{})
	for capability, dev := range m.set.members() {
		c, ok := dev.(Closer)
		if !ok {
			continue
		}
		// ein Treiber kann mehrere Rollen bedienen
		if _, done := closed[c]; done {
			continue
		}
		closed[c] = struct{}{}
		if err := c.Close(); err != nil {
			m.logger.Error("Failed to close device",
				zap.String("capability", string(capability)),
				zap.Error(err))
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
