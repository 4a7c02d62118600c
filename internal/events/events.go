// Package events publishes index lifecycle events: backfill completion,
// segment flushes, fast-forwards and compactions. Events are advisory and
// emitted after the commit they describe; losing one never affects index
// correctness.
package events

import (
	"sync"
	"time"
)

type Type string

const (
	BackfillCompleted Type = "backfill.completed"
	SegmentFlushed    Type = "segment.flushed"
	FastForwarded     Type = "index.fast_forwarded"
	SegmentsCompacted Type = "segments.compacted"
	IndexEnabled      Type = "index.enabled"
)

// Event is one lifecycle event. IndexID is the partition key, so the events
// of one index stay ordered.
type Event struct {
	Type      Type      `json:"type"`
	IndexID   string    `json:"index_id"`
	IndexName string    `json:"index_name"`
	Table     string    `json:"table"`
	Kind      string    `json:"kind"`
	CommitTS  uint64    `json:"commit_ts,omitempty"`
	Docs      uint64    `json:"docs,omitempty"`
	Segments  int       `json:"segments,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher accepts events without blocking the caller.
type Publisher interface {
	Publish(e Event)
}

// Nop discards events. It is used when Kafka is disabled.
type Nop struct{}

func (Nop) Publish(Event) {}

// Recorder keeps events in memory, for tests. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// All returns a copy of every recorded event in publish order.
func (r *Recorder) All() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns the recorded events of type t.
func (r *Recorder) OfType(t Type) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
