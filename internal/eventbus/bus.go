// Package eventbus carries fire-and-forget engine events toward the
// interface layer (and the ops notifier). The engine is a producer only.
package eventbus

import (
	"sync"
	"time"
)

// Event types published by the engine.
const (
	TypeStatusUpdate   = "status.update"
	TypeMessageSent    = "message.sent"
	TypeConnectionLost = "connection.lost"
	TypeAuthRequired   = "auth.required"
)

// Severity tags for status updates. These are the only user-visible fault
// surface; raw internal errors stay in the logs.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeveritySuccess Severity = "success"
	SeverityError   Severity = "error"
	SeverityWorking Severity = "working"
)

// StatusPayload accompanies TypeStatusUpdate.
type StatusPayload struct {
	Text     string   `json:"text"`
	Severity Severity `json:"severity"`
}

// SentPayload accompanies TypeMessageSent.
type SentPayload struct {
	ScheduleID string   `json:"schedule_id"`
	Targets    []string `json:"targets,omitempty"`
	At         time.Time `json:"at"`
}

// Event is a small, JSON-serializable signal.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Bus is an in-memory fanout. Publish never blocks; slow subscribers drop
// events (bounded backpressure).
type Bus interface {
	Publish(e Event)
	Status(text string, sev Severity)
	Subscribe(buffer int) (ch <-chan Event, unsubscribe func())
}

func New() Bus {
	return &memBus{subs: map[int]chan Event{}}
}

type memBus struct {
	mu   sync.Mutex
	subs map[int]chan Event
	seq  int
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	// Holding mu during the non-blocking sends keeps Unsubscribe from closing
	// a channel mid-send.
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

func (b *memBus) Status(text string, sev Severity) {
	b.Publish(Event{Type: TypeStatusUpdate, Data: StatusPayload{Text: text, Severity: sev}})
}

func (b *memBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)

	b.mu.Lock()
	b.seq++
	id := b.seq
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}
