package system

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/KevinKickass/OpenScopeCore/internal/config"
	"github.com/KevinKickass/OpenScopeCore/internal/protocol"
	"github.com/KevinKickass/OpenScopeCore/internal/task/engine"
	"github.com/KevinKickass/OpenScopeCore/internal/types"
	"go.uber.org/zap/zaptest"
)

func testConfig(t *testing.T) *config.Config {
	cfg := config.Default()
	cfg.Server.GRPCPort = 0
	cfg.Server.HTTPPort = 0
	cfg.Output.DefaultSavePath = t.TempDir()
	return cfg
}

func TestSimulatedSystemRunsProtocol(t *testing.T) {
	lm, err := NewLifecycleManager(context.Background(), testConfig(t), zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("NewLifecycleManager: %v", err)
	}
	if err := lm.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if lm.Phase() != PhaseServing {
		t.Fatalf("phase %s", lm.Phase())
	}

	doc := "name: soak\nsteps:\n  - {kind: incubation, duration: 0}\n"
	if _, err := lm.Engine().StartDocument(context.Background(), []byte(doc), protocol.FormatYAML); err != nil {
		t.Fatalf("StartDocument: %v", err)
	}
	select {
	case <-lm.Engine().Current().Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("run did not finish: %+v", lm.Engine().Status())
	}

	st := lm.GetCurrentStatus()
	if st.State != "serving" || st.ActiveRun != "" || st.LeasedBy != "" || st.Persistent {
		t.Fatalf("system status %+v", st)
	}
	if st.DeviceCount == 0 {
		t.Fatal("no devices described")
	}
	if task := lm.MachineController().GetStatus().Task; task.Outcome != engine.OutcomeCompleted {
		t.Fatalf("task %+v", task)
	}
	runs, err := lm.Recorder().ListRuns(context.Background(), 10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("recorded runs %v, %v", runs, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := lm.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case <-lm.Done():
	default:
		t.Fatal("Done not closed")
	}
	if lm.Phase() != PhaseStopped {
		t.Fatalf("phase after shutdown %s", lm.Phase())
	}
	// second call is a no-op
	if err := lm.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
}

func TestDeviceConfigurationErrors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"backend", func(c *config.Config) { c.Devices.Backend = "serial" }, "unsupported device backend"},
		{"handshake", func(c *config.Config) { c.Devices.Handshake = "gpio" }, "unsupported handshake"},
		{"coupler unreachable", func(c *config.Config) {
			c.Devices.Handshake = "modbus"
			c.Devices.Modbus.Address = "127.0.0.1:1"
			c.Devices.Modbus.Timeout = 100 * time.Millisecond
		}, "handshake coupler"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			tt.mutate(cfg)
			_, err := NewLifecycleManager(context.Background(), cfg, zaptest.NewLogger(t))
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error = %v, want %q", err, tt.want)
			}
		})
	}

	cfg := testConfig(t)
	cfg.Devices.Handshake = "modbus"
	cfg.Devices.Modbus.Address = "127.0.0.1:1"
	cfg.Devices.Modbus.Timeout = 100 * time.Millisecond
	_, err := NewLifecycleManager(context.Background(), cfg, zaptest.NewLogger(t))
	var devErr *types.DeviceCommError
	if !errors.As(err, &devErr) {
		t.Fatalf("expected wrapped device error, got %v", err)
	}
}

func TestServicePhases(t *testing.T) {
	for _, path := range [][]Phase{
		{PhaseStarting, PhaseServing, PhaseDraining, PhaseClosing, PhaseStopped},
		{PhaseStarting, PhaseFailed, PhaseDraining, PhaseClosing, PhaseStopped},
		{PhaseStarting, PhaseDraining},
	} {
		for i := 1; i < len(path); i++ {
			if err := checkPhase(path[i-1], path[i]); err != nil {
				t.Errorf("%v: %v", path, err)
			}
		}
	}

	for _, bad := range [][2]Phase{
		{PhaseStopped, PhaseServing},
		{PhaseServing, PhaseStopped},
		{PhaseDraining, PhaseServing},
	} {
		if err := checkPhase(bad[0], bad[1]); err == nil {
			t.Errorf("%s -> %s accepted", bad[0], bad[1])
		}
	}
}
