package job

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

type EventType string

const (
	EventStarted   EventType = "job.started"
	EventProgress  EventType = "job.progress"
	EventPaused    EventType = "job.paused"
	EventResumed   EventType = "job.resumed"
	EventCompleted EventType = "job.completed"
	EventCancelled EventType = "job.cancelled"
)

type Event struct {
	ID        uuid.UUID      `json:"id"`
	JobID     uuid.UUID      `json:"job_id"`
	Type      EventType      `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// EventStreamer fans job events out to per-job subscribers. Slow
// subscribers miss events.
type EventStreamer struct {
	mu          sync.RWMutex
	subscribers map[uuid.UUID][]chan Event
}

func NewEventStreamer() *EventStreamer {
	return &EventStreamer{
		subscribers: make(map[uuid.UUID][]chan Event),
	}
}

func (s *EventStreamer) Subscribe(jobID uuid.UUID) <-chan Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Event, 100)
	s.subscribers[jobID] = append(s.subscribers[jobID], ch)
	return ch
}

func (s *EventStreamer) Unsubscribe(jobID uuid.UUID, ch <-chan Event) {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.subscribers[jobID]
	for i, sub := range subs {
		if sub == ch {
			s.subscribers[jobID] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}
	if len(s.subscribers[jobID]) == 0 {
		delete(s.subscribers, jobID)
	}
}

func (s *EventStreamer) Broadcast(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, ch := range s.subscribers[ev.JobID] {
		select {
		case ch <- ev:
		default:
		}
	}
}
