package devices_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/KevinKickass/OpenScopeCore/internal/config"
	"github.com/KevinKickass/OpenScopeCore/internal/devices"
	"github.com/KevinKickass/OpenScopeCore/internal/devices/sim"
	"github.com/KevinKickass/OpenScopeCore/internal/types"
	"go.uber.org/zap/zaptest"
)

func newManager(t *testing.T) *devices.Manager {
	t.Helper()
	logger := zaptest.NewLogger(t)
	cfg := config.Default()
	return devices.NewManager(sim.NewSet(cfg, logger), logger,
		devices.WithManualPressureLimit(cfg.Devices.ManualPressureMax))
}

func TestLeaseIsExclusive(t *testing.T) {
	m := newManager(t)

	set, err := m.Lease("run-1")
	if err != nil {
		t.Fatalf("first lease: %v", err)
	}
	if set.Valves == nil || set.Flow == nil {
		t.Fatal("leased set is incomplete")
	}

	_, err = m.Lease("run-2")
	var sv *types.SafetyViolation
	if !errors.As(err, &sv) {
		t.Fatalf("second lease: expected SafetyViolation, got %v", err)
	}

	m.Release("run-2")
	if m.HeldBy() != "run-1" {
		t.Fatalf("release by non-owner changed holder to %q", m.HeldBy())
	}

	m.Release("run-1")
	if m.HeldBy() != "" {
		t.Fatalf("holder after release = %q", m.HeldBy())
	}
	if _, err := m.Lease("run-2"); err != nil {
		t.Fatalf("lease after release: %v", err)
	}
}

func TestManualOperationsRejectedWhileLeased(t *testing.T) {
	m := newManager(t)
	ctx := context.Background()

	if err := m.SetPressure(ctx, 100); err != nil {
		t.Fatalf("SetPressure while free: %v", err)
	}

	if _, err := m.Lease("run-1"); err != nil {
		t.Fatal(err)
	}

	var sv *types.SafetyViolation
	if err := m.SetPressure(ctx, 50); !errors.As(err, &sv) {
		t.Errorf("SetPressure while leased: expected SafetyViolation, got %v", err)
	}
	if err := m.SetValve(ctx, "a", 3, time.Second); !errors.As(err, &sv) {
		t.Errorf("SetValve while leased: expected SafetyViolation, got %v", err)
	}
}

func TestSetPressureLimit(t *testing.T) {
	m := newManager(t)

	err := m.SetPressure(context.Background(), 1000)
	var devErr *types.DeviceCommError
	if !errors.As(err, &devErr) || devErr.Code != types.DeviceOutOfRange {
		t.Fatalf("expected OUT_OF_RANGE, got %v", err)
	}
}

func TestDescribeListsCapabilities(t *testing.T) {
	m := newManager(t)

	st := m.Describe()
	if len(st.Devices) != 10 {
		t.Fatalf("devices = %d, want 10 (sim set without notifier)", len(st.Devices))
	}
	for i := 1; i < len(st.Devices); i++ {
		if st.Devices[i-1].Capability > st.Devices[i].Capability {
			t.Fatal("devices not sorted by capability")
		}
	}
	if st.LeasedBy != "" || st.LeasedAt != nil {
		t.Fatalf("unexpected lease info %+v", st)
	}
}

func TestSamplerTicksUntilStopped(t *testing.T) {
	var ticks atomic.Int32
	s := devices.NewSampler("test", 5*time.Millisecond, func(time.Duration) { ticks.Add(1) }, zaptest.NewLogger(t))

	s.Start()
	s.Start()
	deadline := time.Now().Add(2 * time.Second)
	for ticks.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	s.Stop()

	if ticks.Load() < 3 {
		t.Fatalf("ticks = %d", ticks.Load())
	}
	if s.IsRunning() {
		t.Fatal("sampler still running after Stop")
	}
	after := ticks.Load()
	time.Sleep(20 * time.Millisecond)
	if ticks.Load() != after {
		t.Fatal("sampler ticked after Stop")
	}
	s.Stop()
}
