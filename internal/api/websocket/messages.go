package websocket

import "time"

// MessageType defines the type of WebSocket message
type MessageType string

const (
	// Handshake
	MessageTypeAuth        MessageType = "auth"
	MessageTypeAuthSuccess MessageType = "auth_success"
	MessageTypeAuthFailed  MessageType = "auth_failed"

	// Task run messages
	MessageTypeTaskState MessageType = "task_state"
	MessageTypeTaskStep  MessageType = "task_step"
	MessageTypeTaskEvent MessageType = "task_event"

	// Manual controls locked or released by a run
	MessageTypeActions MessageType = "actions"

	// Client requests
	MessageTypeGetStatus MessageType = "get_status"
)

// Message represents a WebSocket message
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      any         `json:"data,omitempty"`
}

// TaskStepData describes a step starting or finishing.
type TaskStepData struct {
	RunID   string         `json:"run_id"`
	Step    int            `json:"step"`
	Kind    string         `json:"kind"`
	Status  string         `json:"status"`
	Error   string         `json:"error,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// TaskEventData carries run events without a dedicated message type (rinse, scan, cleanup).
type TaskEventData struct {
	RunID   string         `json:"run_id"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload,omitempty"`
}

type ActionsData struct {
	Modules []string `json:"modules"`
	Enabled bool     `json:"enabled"`
}

type authRequest struct {
	Type  MessageType `json:"type"`
	Token string      `json:"token"`
}

type authResult struct {
	Type        MessageType `json:"type"`
	Timestamp   time.Time   `json:"timestamp"`
	Username    string      `json:"username,omitempty"`
	Permissions []string    `json:"permissions,omitempty"`
	Reason      string      `json:"reason,omitempty"`
}

// NewMessage creates a new message with current timestamp
func NewMessage(msgType MessageType, data any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now(),
		Data:      data,
	}
}

// NewTaskStateMessage wraps a run status snapshot.
func NewTaskStateMessage(status any) Message {
	return NewMessage(MessageTypeTaskState, status)
}

func NewTaskStepMessage(data TaskStepData) Message {
	return NewMessage(MessageTypeTaskStep, data)
}

func NewTaskEventMessage(runID, event string, payload map[string]any) Message {
	return NewMessage(MessageTypeTaskEvent, TaskEventData{RunID: runID, Event: event, Payload: payload})
}

func NewActionsMessage(enabled bool, modules []string) Message {
	return NewMessage(MessageTypeActions, ActionsData{Modules: modules, Enabled: enabled})
}
