package streaming

import (
	"sync"

	"github.com/KevinKickass/OpenScopeCore/internal/storage"
	"github.com/google/uuid"
)

// EventStreamer fans run events out to per-run subscribers.
type EventStreamer struct {
	mu          sync.RWMutex
	subscribers map[uuid.UUID][]chan *storage.RunEvent
	all         []chan *storage.RunEvent
}

func NewEventStreamer() *EventStreamer {
	return &EventStreamer{
		subscribers: make(map[uuid.UUID][]chan *storage.RunEvent),
	}
}

// Subscribe returns a channel receiving the events of one run. uuid.Nil subscribes to all runs.
func (s *EventStreamer) Subscribe(runID uuid.UUID) <-chan *storage.RunEvent {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan *storage.RunEvent, 100)
	if runID == uuid.Nil {
		s.all = append(s.all, ch)
	} else {
		s.subscribers[runID] = append(s.subscribers[runID], ch)
	}
	return ch
}

func (s *EventStreamer) Unsubscribe(runID uuid.UUID, ch <-chan *storage.RunEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if runID == uuid.Nil {
		s.all = remove(s.all, ch)
		return
	}
	s.subscribers[runID] = remove(s.subscribers[runID], ch)
	if len(s.subscribers[runID]) == 0 {
		delete(s.subscribers, runID)
	}
}

func remove(subs []chan *storage.RunEvent, ch <-chan *storage.RunEvent) []chan *storage.RunEvent {
	for i, sub := range subs {
		if sub == ch {
			close(sub)
			return append(subs[:i], subs[i+1:]...)
		}
	}
	return subs
}

func (s *EventStreamer) Broadcast(event *storage.RunEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ch := range s.subscribers[event.RunID] {
		send(ch, event)
	}
	for _, ch := range s.all {
		send(ch, event)
	}
}

func send(ch chan *storage.RunEvent, event *storage.RunEvent) {
	select {
	case ch <- event:
	default:
		// Skip if channel is full
	}
}

// CloseRun ends all subscriptions of a finished run.
func (s *EventStreamer) CloseRun(runID uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, ch := range s.subscribers[runID] {
		close(ch)
	}
	delete(s.subscribers, runID)
}

func (s *EventStreamer) SubscriberCount(runID uuid.UUID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers[runID])
}
