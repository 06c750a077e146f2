package machine

import (
	"fmt"
	"time"

	"github.com/KevinKickass/OpenScopeCore/internal/task/engine"
)

// State is the coarse machine state shown to operators.
type State string

const (
	StateReady     State = "ready"
	StateBusy      State = "busy"
	StateCleaning  State = "cleaning_up"
	// StateAttention: cleanup failed for a device, an operator has to check and reset.
	StateAttention State = "needs_attention"
)

// stateOf maps a run onto the machine. A run in cleanup, or one whose cleanup failed,
// may have left hardware in a non-default state, so it never counts as ready.
func stateOf(st engine.Status) State {
	if st.NeedsAttention {
		return StateAttention
	}
	switch st.State {
	case engine.StateCleanup:
		return StateCleaning
	case engine.StateStarting, engine.StateRunning, engine.StatePaused:
		return StateBusy
	default:
		return StateReady
	}
}

type Command string

const (
	CommandPause  Command = "pause"
	CommandResume Command = "resume"
	CommandStop   Command = "stop"
	CommandReset  Command = "reset"
)

func ParseCommand(s string) (Command, error) {
	switch c := Command(s); c {
	case CommandPause, CommandResume, CommandStop, CommandReset:
		return c, nil
	}
	return "", fmt.Errorf("unknown command: %q", s)
}

type MachineStatus struct {
	State           State         `json:"state"`
	Task            engine.Status `json:"task"`
	LastStateChange time.Time     `json:"last_state_change"`
}
