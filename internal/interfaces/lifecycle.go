package interfaces

import (
	"context"

	"github.com/KevinKickass/OpenScopeCore/internal/config"
	"github.com/KevinKickass/OpenScopeCore/internal/devices"
	"github.com/KevinKickass/OpenScopeCore/internal/machine"
	"github.com/KevinKickass/OpenScopeCore/internal/storage"
)

// SystemStatus represents the current system state
type SystemStatus struct {
	State        string `json:"state"`
	MachineState string `json:"machine_state"`
	ActiveRun    string `json:"active_run,omitempty"`
	DeviceCount  int    `json:"device_count"`
	LeasedBy     string `json:"leased_by,omitempty"`
	Persistent   bool   `json:"persistent_history"`
}

// LifecycleManager is what the API layer needs from the running system.
type LifecycleManager interface {
	Config() *config.Config
	Recorder() storage.Recorder
	DeviceManager() *devices.Manager
	MachineController() *machine.Controller
	GetCurrentStatus() SystemStatus
	Shutdown(ctx context.Context) error
}
