// Package trace records the structural changes made by the memory managers
// (reservations, table creations, leaf mappings) so that a boot can be
// replayed or inspected after the fact.
package trace

import (
	"sync"
	"time"

	"github.com/rs/xid"
)

// Kind identifies the operation that produced an event.
type Kind string

const (
	KindReserve Kind = "reserve"
	KindAlloc   Kind = "alloc"
	KindTable   Kind = "table"
	KindMap     Kind = "map"
	KindUnmap   Kind = "unmap"
	KindWiden   Kind = "widen"
)

// Event is a single recorded change.
type Event struct {
	ID      string    `json:"id"`
	Kind    Kind      `json:"kind"`
	What    string    `json:"what"`
	Address uint64    `json:"address"`
	Length  uint64    `json:"length"`
	Detail  string    `json:"detail,omitempty"`
	Time    time.Time `json:"time"`
}

// NewEvent stamps an event with a fresh ID and the current time.
func NewEvent(kind Kind, what string, address, length uint64, detail string) Event {
	return Event{
		ID:      xid.New().String(),
		Kind:    kind,
		What:    what,
		Address: address,
		Length:  length,
		Detail:  detail,
		Time:    time.Now(),
	}
}

// Recorder receives events.
//
//go:generate mockgen -destination "mock_trace/mock_recorder.go" kernel64/kernel/trace Recorder
type Recorder interface {
	Record(e Event)
}

// NopRecorder discards every event.
type NopRecorder struct{}

// Record implements Recorder.
func (NopRecorder) Record(Event) {}

// MemoryRecorder keeps events in memory.
type MemoryRecorder struct {
	mu     sync.Mutex
	events []Event
}

// Record implements Recorder.
func (r *MemoryRecorder) Record(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *MemoryRecorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Filter returns the recorded events of the given kind.
func (r *MemoryRecorder) Filter(kind Kind) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

type multiRecorder []Recorder

func (m multiRecorder) Record(e Event) {
	for _, r := range m {
		r.Record(e)
	}
}

// Multi returns a Recorder that forwards every event to each of recorders.
func Multi(recorders ...Recorder) Recorder {
	return multiRecorder(recorders)
}
