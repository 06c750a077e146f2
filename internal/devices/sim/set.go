package sim

import (
	"time"

	"github.com/KevinKickass/OpenScopeCore/internal/config"
	"github.com/KevinKickass/OpenScopeCore/internal/devices"
	"go.uber.org/zap"
)

const (
	// valve travel time of the simulated valves
	valveMoveTime = 200 * time.Millisecond
	focusSearch   = 300 * time.Millisecond
)

// NewSet builds a complete simulated device set. The notifier is left to the caller.
func NewSet(cfg *config.Config, logger *zap.Logger) devices.Set {
	return devices.Set{
		Valves:      NewValves(cfg.Devices.Valves, valveMoveTime),
		Flow:        NewFlow(cfg.Devices.SimFlowGain, logger.Named("flow")),
		Camera:      NewCamera(),
		Handshake:   NewHandshake(cfg.Imaging.PulseWidth),
		Positioner:  NewPiezo(cfg.Devices.PiezoRange),
		Lights:      NewLasers(cfg.Imaging.LightsourceLabels),
		FilterWheel: NewFilterWheel(cfg.Devices.FilterPositions),
		Stage:       NewStage(cfg.Devices.DefaultVelocity),
		Rinser:      NewRinser(),
		Autofocus:   NewAutofocus(focusSearch),
	}
}
