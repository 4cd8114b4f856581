package events

import (
	"sync"
	"time"

	"mediagate/internal/server/database"
)

// Type names a dispatcher milestone.
type Type string

const (
	JobAdmitted  Type = "job.admitted"
	JobStarted   Type = "job.started"
	JobCompleted Type = "job.completed"
	JobFailed    Type = "job.failed"
)

// Event is one milestone of one job.
type Event struct {
	Seq       int64              `json:"seq"`
	Timestamp time.Time          `json:"timestamp"`
	Type      Type               `json:"type"`
	JobID     string             `json:"job_id"`
	UserID    string             `json:"user_id"`
	Action    string             `json:"action,omitempty"`
	Status    database.JobStatus `json:"status"`
	OutputRef string             `json:"output_ref,omitempty"`
	Error     string             `json:"error,omitempty"`
}

// Observer receives milestones. Notify must not block.
type Observer interface {
	Notify(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) Notify(e Event) { f(e) }

// Multi fans an event out to every observer in order.
type Multi []Observer

func (m Multi) Notify(e Event) {
	for _, o := range m {
		if o != nil {
			o.Notify(e)
		}
	}
}

// Bus keeps the most recent events for polling clients and pushes new ones
// to live subscribers.
type Bus struct {
	mu        sync.RWMutex
	nextSeq   int64
	maxEvents int
	events    []Event
	subs      map[*subscriber]struct{}
}

type subscriber struct {
	userID string
	ch     chan Event
}

// NewBus creates a bounded in-memory event buffer.
func NewBus(maxEvents int) *Bus {
	if maxEvents <= 0 {
		maxEvents = 500
	}
	return &Bus{
		maxEvents: maxEvents,
		events:    make([]Event, 0, maxEvents),
		subs:      make(map[*subscriber]struct{}),
	}
}

func (b *Bus) Notify(e Event) {
	b.Publish(e)
}

// Publish appends one event and assigns sequence and timestamp.
func (b *Bus) Publish(e Event) Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextSeq++
	e.Seq = b.nextSeq
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	b.events = append(b.events, e)
	if len(b.events) > b.maxEvents {
		trim := len(b.events) - b.maxEvents
		b.events = append([]Event(nil), b.events[trim:]...)
	}

	// Slow subscribers lose events rather than stall the dispatcher; they can
	// catch up through Since.
	for sub := range b.subs {
		if sub.userID != "" && sub.userID != e.UserID {
			continue
		}
		select {
		case sub.ch <- e:
		default:
		}
	}
	return e
}

// Subscribe registers a live listener for one user's events (all users when
// userID is empty). The returned backlog holds events after seq that were
// already buffered; nothing is lost between the backlog and the channel.
// Call cancel to unsubscribe; it closes the channel.
func (b *Bus) Subscribe(userID string, seq int64, buffer int) (backlog []Event, ch <-chan Event, cancel func()) {
	if buffer <= 0 {
		buffer = 64
	}
	sub := &subscriber{userID: userID, ch: make(chan Event, buffer)}

	b.mu.Lock()
	for _, e := range b.events {
		if e.Seq > seq && (userID == "" || e.UserID == userID) {
			backlog = append(backlog, e)
		}
	}
	b.subs[sub] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	cancel = func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, sub)
			b.mu.Unlock()
			close(sub.ch)
		})
	}
	return backlog, sub.ch, cancel
}

// Since returns events with sequence strictly greater than seq.
func (b *Bus) Since(seq int64) []Event {
	return b.filter(seq, "")
}

// SinceForUser is Since restricted to one user's jobs.
func (b *Bus) SinceForUser(userID string, seq int64) []Event {
	return b.filter(seq, userID)
}

func (b *Bus) filter(seq int64, userID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Event
	for _, e := range b.events {
		if e.Seq <= seq {
			continue
		}
		if userID != "" && e.UserID != userID {
			continue
		}
		out = append(out, e)
	}
	return out
}

// LastSeq returns the sequence of the newest event, or 0.
func (b *Bus) LastSeq() int64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.nextSeq
}
