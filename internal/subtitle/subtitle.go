// Package subtitle defines the committed line model and the bounded event
// bus that decouples the pipeline worker from its consumers.
//
// The worker publishes events; consumers (the WebSocket broadcaster, tests,
// any embedding UI) poll on their own cadence. The bus is strictly FIFO and
// bounded: a stalled consumer can cost events under the drop-oldest policy or
// apply backpressure under the block policy, but it can never stall the
// capture loop unboundedly or grow memory without limit.
package subtitle

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// Line is one committed subtitle line.
type Line struct {
	// ID is unique and strictly increasing across the pipeline run.
	ID uint64 `json:"id"`

	// Source is the committed text in the spoken language.
	Source string `json:"source"`

	// Translated is the target-language rendering. Empty until the
	// translation patch arrives, and stays empty when translation is
	// disabled or degraded.
	Translated string `json:"translated,omitempty"`

	// T0 and T1 bound the speech span in stream seconds.
	T0 float64 `json:"t0"`
	T1 float64 `json:"t1"`
}

// EventKind discriminates bus events.
type EventKind string

const (
	// KindInsert announces a new committed line (source text, no
	// translation yet).
	KindInsert EventKind = "insert"

	// KindPatch updates an already inserted line, carrying its
	// translation. A patch for a line always follows its insert.
	KindPatch EventKind = "patch"

	// KindState announces a pipeline state transition.
	KindState EventKind = "state"

	// KindError announces a terminal pipeline fault with remediation
	// context.
	KindError EventKind = "error"
)

// Event is one bus message.
type Event struct {
	Kind EventKind `json:"kind"`

	// Line is set for insert and patch events.
	Line Line `json:"line,omitempty"`

	// State is set for state events ("stopped", "starting", "running",
	// "paused", "error").
	State string `json:"state,omitempty"`

	// Cause, Hint, and LogRef are set for error events: a one-line fault
	// summary, a remediation hint, and a reference into the logs.
	Cause  string `json:"cause,omitempty"`
	Hint   string `json:"hint,omitempty"`
	LogRef string `json:"log_ref,omitempty"`
}

// OverflowPolicy says what Push does when the bus is full.
type OverflowPolicy string

const (
	// DropOldest discards the oldest queued event to make room. The
	// default: live subtitles age instantly, so the newest event is
	// always the most valuable.
	DropOldest OverflowPolicy = "drop_oldest"

	// Block makes Push wait for a consumer, bounded by its context.
	Block OverflowPolicy = "block"
)

// ErrBusClosed is returned by Push after Close.
var ErrBusClosed = errors.New("subtitle: bus is closed")

// Bus is a bounded FIFO event queue. Safe for concurrent use by one or more
// producers and consumers; FIFO order is global across producers.
type Bus struct {
	mu       sync.Mutex
	queue    []Event
	capacity int
	policy   OverflowPolicy
	drops    uint64
	closed   bool
	space    chan struct{} // closed and replaced whenever room frees up
}

// NewBus creates a bus holding at most capacity events with the given
// overflow policy.
func NewBus(capacity int, policy OverflowPolicy) (*Bus, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("subtitle: capacity must be positive, got %d", capacity)
	}
	switch policy {
	case DropOldest, Block:
	default:
		return nil, fmt.Errorf("subtitle: unknown overflow policy %q", policy)
	}
	return &Bus{capacity: capacity, policy: policy}, nil
}

// Push enqueues one event. Under DropOldest it never blocks; under Block it
// waits for room until ctx expires.
func (b *Bus) Push(ctx context.Context, ev Event) error {
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return ErrBusClosed
		}
		if len(b.queue) < b.capacity {
			b.queue = append(b.queue, ev)
			b.mu.Unlock()
			return nil
		}
		if b.policy == DropOldest {
			b.queue = b.queue[1:]
			b.drops++
			b.queue = append(b.queue, ev)
			b.mu.Unlock()
			return nil
		}
		if b.space == nil {
			b.space = make(chan struct{})
		}
		wait := b.space
		b.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return fmt.Errorf("subtitle: push blocked until context end: %w", ctx.Err())
		}
	}
}

// Poll removes and returns up to max queued events, oldest first. It never
// blocks; an empty bus yields nil.
func (b *Bus) Poll(max int) []Event {
	if max <= 0 {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	n := min(max, len(b.queue))
	if n == 0 {
		return nil
	}
	out := make([]Event, n)
	copy(out, b.queue[:n])
	b.queue = append(b.queue[:0], b.queue[n:]...)

	if b.space != nil {
		close(b.space)
		b.space = nil
	}
	return out
}

// Len reports the number of queued events.
func (b *Bus) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Drops reports how many events the DropOldest policy has discarded.
func (b *Bus) Drops() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drops
}

// Close rejects further pushes and releases blocked producers. Queued events
// remain pollable.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	if b.space != nil {
		close(b.space)
		b.space = nil
	}
}
