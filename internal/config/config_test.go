package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaultsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	data := []byte(`
server:
  http_port: 9090
engine:
  poll_interval: 500ms
fluidics:
  routing_valve: v8
  buffer:
    3: Buffer3
    7: Oligo
imaging:
  handshake_timeout: 2s
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.HTTPPort != 9090 {
		t.Errorf("http port = %d, want 9090", cfg.Server.HTTPPort)
	}
	if cfg.Server.GRPCPort != 50051 {
		t.Errorf("grpc port default = %d, want 50051", cfg.Server.GRPCPort)
	}
	if cfg.Engine.PollInterval != 500*time.Millisecond {
		t.Errorf("poll interval = %v", cfg.Engine.PollInterval)
	}
	if cfg.Engine.DrainInterval != 2*time.Second {
		t.Errorf("drain interval default = %v", cfg.Engine.DrainInterval)
	}
	if cfg.Imaging.HandshakeTimeout != 2*time.Second {
		t.Errorf("handshake timeout = %v", cfg.Imaging.HandshakeTimeout)
	}
	if cfg.Fluidics.RoutingValve != "v8" {
		t.Errorf("routing valve = %q", cfg.Fluidics.RoutingValve)
	}
	if cfg.Fluidics.Buffer[7] != "Oligo" {
		t.Errorf("buffer = %v", cfg.Fluidics.Buffer)
	}
}

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Imaging.HandshakeTimeout != 5*time.Second {
		t.Errorf("handshake timeout = %v, want 5s", cfg.Imaging.HandshakeTimeout)
	}
	if len(cfg.Devices.Valves) != 3 {
		t.Fatalf("valves = %d, want 3", len(cfg.Devices.Valves))
	}
	if cfg.Devices.Valves[0].Outputs != 8 {
		t.Errorf("valve a outputs = %d", cfg.Devices.Valves[0].Outputs)
	}
	if cfg.Fluidics.SafePositions["c"] != 1 {
		t.Errorf("safe positions = %v", cfg.Fluidics.SafePositions)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
