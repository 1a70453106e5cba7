// Package eventlog keeps a bounded in-memory ring of diagnostic events.
// Every failure inside a sync cycle ends up here instead of crashing the
// monitor; dashboards read it through Recent or a live subscription.
package eventlog

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coder/quartz"
)

type Severity string

const (
	SevInfo  Severity = "info"
	SevWarn  Severity = "warn"
	SevError Severity = "error"
)

type Event struct {
	Message  string    `json:"message"`
	Severity Severity  `json:"severity"`
	At       time.Time `json:"at"`
}

// Ring holds the most recent events up to a fixed capacity; the oldest entry
// is evicted first. Appends fan out to subscribers without blocking: a slow
// subscriber drops events rather than stalling the sync loop.
type Ring struct {
	clock  quartz.Clock
	logger *log.Logger
	cap    int

	mu     sync.Mutex
	events []Event
	subs   map[chan Event]struct{}
}

// NewRing creates a ring with the given capacity. logger may be nil; when set,
// every event is echoed to it as well.
func NewRing(capacity int, clock quartz.Clock, logger *log.Logger) *Ring {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Ring{
		clock:  clock,
		logger: logger,
		cap:    capacity,
		subs:   map[chan Event]struct{}{},
	}
}

func (r *Ring) Infof(format string, args ...any)  { r.append(SevInfo, format, args...) }
func (r *Ring) Warnf(format string, args ...any)  { r.append(SevWarn, format, args...) }
func (r *Ring) Errorf(format string, args ...any) { r.append(SevError, format, args...) }

func (r *Ring) append(sev Severity, format string, args ...any) {
	ev := Event{
		Message:  fmt.Sprintf(format, args...),
		Severity: sev,
		At:       r.clock.Now(),
	}
	if r.logger != nil {
		r.logger.Printf("%s: %s", sev, ev.Message)
	}

	r.mu.Lock()
	if len(r.events) == r.cap {
		copy(r.events, r.events[1:])
		r.events = r.events[:r.cap-1]
	}
	r.events = append(r.events, ev)
	for ch := range r.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	r.mu.Unlock()
}

// Recent returns up to n events, newest first. n <= 0 means all.
func (r *Ring) Recent(n int) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n <= 0 || n > len(r.events) {
		n = len(r.events)
	}
	out := make([]Event, n)
	for i := 0; i < n; i++ {
		out[i] = r.events[len(r.events)-1-i]
	}
	return out
}

func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// Subscribe returns a channel of future events and a cancel func. The channel
// is buffered; events are dropped when the buffer is full.
func (r *Ring) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 256)
	r.mu.Lock()
	r.subs[ch] = struct{}{}
	r.mu.Unlock()
	cancel := func() {
		r.mu.Lock()
		delete(r.subs, ch)
		r.mu.Unlock()
	}
	return ch, cancel
}
