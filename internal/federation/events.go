package federation

import (
	"context"
	"sync"
	"time"
)

// Event types published on the stream.
const (
	EventIdentityImported   = "identity.imported"
	EventSubmissionImported = "submission.imported"
	EventSessionCreated     = "session.created"
)

// Event describes something the federation layer committed. Events are
// published only after the backing transaction has committed, never inside
// it; the notification and socket push layers subscribe here.
type Event struct {
	Type         string    `json:"type"`
	UserID       string    `json:"user_id,omitempty"`
	SubmissionID string    `json:"submission_id,omitempty"`
	Instance     string    `json:"instance,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}

// Stream fan-outs federation events to all active subscribers.
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan Event
	next int
}

// NewStream initialises an empty stream.
func NewStream() *Stream {
	return &Stream{subs: make(map[int]chan Event)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan Event {
	ch := make(chan Event, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
