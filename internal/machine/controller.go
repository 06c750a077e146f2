// Package machine is the operator-facing control layer over the task engine.
package machine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/KevinKickass/OpenScopeCore/internal/api/websocket"
	"github.com/KevinKickass/OpenScopeCore/internal/protocol"
	"github.com/KevinKickass/OpenScopeCore/internal/task/engine"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Broadcaster receives live messages. *websocket.Hub implements it.
type Broadcaster interface {
	Broadcast(msg websocket.Message)
}

type Controller struct {
	logger *zap.Logger
	engine *engine.Engine
	hub    Broadcaster

	mu              sync.RWMutex
	lastStateChange time.Time
}

func NewController(logger *zap.Logger, eng *engine.Engine, hub Broadcaster) *Controller {
	c := &Controller{
		logger:          logger,
		engine:          eng,
		hub:             hub,
		lastStateChange: time.Now(),
	}
	eng.AddListener(c.onEvent)
	return c
}

// Start validates and starts a protocol document.
func (c *Controller) Start(ctx context.Context, doc []byte, format protocol.Format) (uuid.UUID, error) {
	c.logger.Info("Task start requested",
		zap.String("format", string(format)),
		zap.Int("bytes", len(doc)))

	runID, err := c.engine.StartDocument(ctx, doc, format)
	if err != nil {
		c.logger.Warn("Task start rejected", zap.Error(err))
		return uuid.Nil, err
	}
	return runID, nil
}

// ExecuteCommand handles operator commands for the current run
func (c *Controller) ExecuteCommand(ctx context.Context, cmd Command) error {
	status := c.engine.Status()

	c.logger.Info("Machine command received",
		zap.String("command", string(cmd)),
		zap.String("current_state", string(status.State)))

	switch cmd {
	case CommandPause:
		return c.engine.Pause()
	case CommandResume:
		return c.engine.Resume()
	case CommandStop:
		return c.engine.Stop()
	case CommandReset:
		return c.engine.Reset()
	default:
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func (c *Controller) GetStatus() MachineStatus {
	status := c.engine.Status()

	c.mu.RLock()
	defer c.mu.RUnlock()

	return MachineStatus{
		State:           stateOf(status),
		Task:            status,
		LastStateChange: c.lastStateChange,
	}
}

// StatusSnapshot feeds the initial task_state message of new live clients.
func (c *Controller) StatusSnapshot() any {
	return c.GetStatus()
}

// onEvent runs on the run goroutine; the hub never blocks it.
func (c *Controller) onEvent(ev engine.Event) {
	if c.hub == nil {
		return
	}
	runID := ev.RunID.String()

	switch ev.Type {
	case engine.EventRunStarted, engine.EventStateChanged, engine.EventAcknowledged:
		c.mu.Lock()
		c.lastStateChange = time.Now()
		status := MachineStatus{
			State:           stateOf(ev.Status),
			Task:            ev.Status,
			LastStateChange: c.lastStateChange,
		}
		c.mu.Unlock()
		c.hub.Broadcast(websocket.NewTaskStateMessage(status))

	case engine.EventStepStarted, engine.EventStepCompleted, engine.EventStepFailed:
		data := websocket.TaskStepData{
			RunID:   runID,
			Step:    ev.Step,
			Kind:    string(ev.Kind),
			Status:  stepStatus(ev.Type),
			Details: ev.Payload,
		}
		if msg, ok := ev.Payload["error"].(string); ok {
			data.Error = msg
		}
		c.hub.Broadcast(websocket.NewTaskStepMessage(data))

	default:
		c.hub.Broadcast(websocket.NewTaskEventMessage(runID, ev.Type, ev.Payload))
	}
}

func stepStatus(eventType string) string {
	switch eventType {
	case engine.EventStepStarted:
		return "running"
	case engine.EventStepFailed:
		return "failed"
	default:
		return "completed"
	}
}
