// Package events carries the tunnel client's traffic and connection events
// to whatever wants to render them. Emitting never blocks: a slow or absent
// consumer costs events, not tunnel throughput.
package events

import (
	"sync"
	"time"
)

// Kind discriminates events.
type Kind string

const (
	KindConnection       Kind = "connection"
	KindRequestStarted   Kind = "request_started"
	KindRequestCompleted Kind = "request_completed"
	KindRequestTimed     Kind = "request_timed"
	KindStreamProgress   Kind = "stream_progress"
)

// State names the control-channel connection states.
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateDisconnected State = "disconnected"
)

// Event is a single occurrence. Fields beyond Kind and Time are populated
// per kind: connection events carry State/Subdomain, request events carry
// the request fields.
type Event struct {
	Kind Kind
	Time time.Time

	State     State
	Subdomain string

	RequestID string
	Method    string
	Path      string
	Status    int
	Bytes     int64
	Duration  time.Duration
	Mode      string
	Error     string
}

// recentSize bounds the completed-request history kept for inspection.
const recentSize = 100

// Bus fans events out to one consumer and keeps a short history of completed
// requests. A nil *Bus is valid and discards everything.
type Bus struct {
	ch     chan Event
	recent ring
}

// NewBus returns a Bus whose channel holds up to buffer events.
func NewBus(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		ch:     make(chan Event, buffer),
		recent: ring{buf: make([]Event, recentSize)},
	}
}

// Emit publishes an event, dropping the oldest queued one when the consumer
// is behind.
func (b *Bus) Emit(e Event) {
	if b == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	if e.Kind == KindRequestCompleted {
		b.recent.add(e)
	}
	select {
	case b.ch <- e:
		return
	default:
	}
	select {
	case <-b.ch:
	default:
	}
	select {
	case b.ch <- e:
	default:
	}
}

// Events returns the consumer channel.
func (b *Bus) Events() <-chan Event {
	if b == nil {
		return nil
	}
	return b.ch
}

// Recent returns the retained completed-request events, oldest first.
func (b *Bus) Recent() []Event {
	if b == nil {
		return nil
	}
	return b.recent.snapshot()
}

// ring is a fixed-size circular buffer of events.
type ring struct {
	mu   sync.Mutex
	buf  []Event
	pos  int
	full bool
}

func (r *ring) add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.pos] = e
	r.pos = (r.pos + 1) % len(r.buf)
	if r.pos == 0 {
		r.full = true
	}
}

func (r *ring) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.full {
		out := make([]Event, r.pos)
		copy(out, r.buf[:r.pos])
		return out
	}
	out := make([]Event, len(r.buf))
	copy(out, r.buf[r.pos:])
	copy(out[len(r.buf)-r.pos:], r.buf[:r.pos])
	return out
}
