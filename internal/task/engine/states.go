package engine

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type State string

const (
	StateIdle     State = "idle"
	StateStarting State = "starting"
	StateRunning  State = "running_step"
	StatePaused   State = "paused"
	StateCleanup  State = "cleanup"
	StateFinished State = "finished"
)

// Active reports whether a run in this state holds (or may still touch) the hardware.
func (s State) Active() bool {
	switch s {
	case StateStarting, StateRunning, StatePaused, StateCleanup:
		return true
	}
	return false
}

var transitions = map[State][]State{
	StateIdle:     {StateStarting},
	StateStarting: {StateRunning, StateCleanup},
	StateRunning:  {StatePaused, StateCleanup},
	StatePaused:   {StateRunning, StateCleanup},
	StateCleanup:  {StateFinished},
	StateFinished: {},
}

// ValidateTransition checks a state change against the run lifecycle.
// Cleanup is the only way into Finished.
func ValidateTransition(from, to State) error {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s", from, to)
}

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeStopped   Outcome = "stopped"
	OutcomeFailed    Outcome = "failed"
)

type Command string

const (
	CommandPause  Command = "pause"
	CommandResume Command = "resume"
	CommandStop   Command = "stop"
	// CommandReset acknowledges a run whose cleanup could not restore every device.
	CommandReset  Command = "reset"
)

// StateError rejects a command the current state does not allow.
type StateError struct {
	Command Command
	State   State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s: run is %s", e.Command, e.State)
}

// Status is a read-only snapshot of a run for the control surface.
type Status struct {
	RunID          uuid.UUID     `json:"run_id,omitempty"`
	ProtocolName   string        `json:"protocol_name,omitempty"`
	State          State         `json:"state"`
	Outcome        Outcome       `json:"outcome,omitempty"`
	CurrentStep    int           `json:"current_step"`
	TotalSteps     int           `json:"total_steps"`
	StepKind       string        `json:"step_kind,omitempty"`
	Elapsed        time.Duration `json:"elapsed"`
	Error          string        `json:"error,omitempty"`
	Warnings       []string      `json:"warnings,omitempty"`
	// NeedsAttention is set when cleanup failed for at least one device. No run starts
	// until an operator resets it.
	NeedsAttention bool          `json:"needs_attention,omitempty"`
	PausePending   bool          `json:"pause_pending,omitempty"`
	StopPending    bool          `json:"stop_pending,omitempty"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	FinishedAt     *time.Time    `json:"finished_at,omitempty"`
}
