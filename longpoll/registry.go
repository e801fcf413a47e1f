// Package longpoll keeps pending long-poll waiters per room and wakes them.
//
// Every waiter leaves the Pending state exactly once, through whichever of
// Fulfill, Broadcast, its deadline timer, Cancel or Close gets there first.
// The losers are no-ops. A waiter is removed from its room bucket by the
// actor that completes it, and empty buckets are dropped.
package longpoll

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrClosed is returned by Register after Close.
var ErrClosed = errors.New("longpoll: registry closed")

type Outcome int32

const (
	Pending Outcome = iota
	Fulfilled
	TimedOut
	Cancelled
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Fulfilled:
		return "fulfilled"
	case TimedOut:
		return "timed_out"
	case Cancelled:
		return "cancelled"
	}
	return "unknown"
}

// Result is delivered once per waiter.
type Result[P any] struct {
	Payload P
	Outcome Outcome
}

type Waiter[P any] struct {
	id        uint64
	roomID    string
	deadline  time.Time
	onTimeout P

	state atomic.Int32
	timer *time.Timer
	done  chan Result[P]
}

func (w *Waiter[P]) RoomID() string {
	return w.roomID
}

func (w *Waiter[P]) Deadline() time.Time {
	return w.deadline
}

// Done yields the single Result of the waiter.
func (w *Waiter[P]) Done() <-chan Result[P] {
	return w.done
}

// Outcome reports the current state.
func (w *Waiter[P]) Outcome() Outcome {
	return Outcome(w.state.Load())
}

type Registry[P any] struct {
	name string

	mu      sync.Mutex
	buckets map[string]map[uint64]*Waiter[P]
	nextID  uint64
	closed  bool

	attrs      []attribute.KeyValue
	registered metric.Int64Counter
	completed  metric.Int64Counter
	pending    metric.Int64UpDownCounter
}

// NewRegistry creates a registry. name labels its metrics.
func NewRegistry[P any](name string) *Registry[P] {
	meter := otel.Meter("openchat-server/longpoll")
	r := &Registry[P]{
		name:    name,
		buckets: make(map[string]map[uint64]*Waiter[P]),
		attrs:   []attribute.KeyValue{attribute.String("registry", name)},
	}
	// Instrument errors are ignored; a nil instrument is skipped.
	r.registered, _ = meter.Int64Counter("longpoll.waiters.registered",
		metric.WithDescription("Waiters registered"))
	r.completed, _ = meter.Int64Counter("longpoll.waiters.completed",
		metric.WithDescription("Waiters that left the pending state, by outcome"))
	r.pending, _ = meter.Int64UpDownCounter("longpoll.waiters.pending",
		metric.WithDescription("Waiters currently pending"))
	return r
}

// Register parks a new waiter under roomID until deadline. If nothing fulfills
// it first, it times out with onTimeout as payload.
func (r *Registry[P]) Register(roomID string, deadline time.Time, onTimeout P) (*Waiter[P], error) {
	w := &Waiter[P]{
		roomID:    roomID,
		deadline:  deadline,
		onTimeout: onTimeout,
		done:      make(chan Result[P], 1),
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.nextID++
	w.id = r.nextID
	bucket := r.buckets[roomID]
	if bucket == nil {
		bucket = make(map[uint64]*Waiter[P])
		r.buckets[roomID] = bucket
	}
	bucket[w.id] = w
	// The timer is armed under the lock so that any completion path sees it.
	w.timer = time.AfterFunc(time.Until(deadline), func() {
		r.complete(w, TimedOut, w.onTimeout)
	})
	r.mu.Unlock()

	ctx := context.Background()
	if r.registered != nil {
		r.registered.Add(ctx, 1, metric.WithAttributes(r.attrs...))
	}
	if r.pending != nil {
		r.pending.Add(ctx, 1, metric.WithAttributes(r.attrs...))
	}
	return w, nil
}

// Fulfill completes w with payload if it is still pending.
func (r *Registry[P]) Fulfill(w *Waiter[P], payload P) bool {
	return r.complete(w, Fulfilled, payload)
}

// Cancel completes w with the zero payload if it is still pending.
func (r *Registry[P]) Cancel(w *Waiter[P]) bool {
	var zero P
	return r.complete(w, Cancelled, zero)
}

// Broadcast fulfills every waiter pending in roomID at the time of the call
// with the same payload and returns how many it woke. Waiters registered
// after the snapshot wait for the next event.
func (r *Registry[P]) Broadcast(roomID string, payload P) int {
	r.mu.Lock()
	bucket := r.buckets[roomID]
	delete(r.buckets, roomID)
	r.mu.Unlock()

	woken := 0
	for _, w := range bucket {
		if r.complete(w, Fulfilled, payload) {
			woken++
		}
	}
	return woken
}

// Pending returns the number of waiters parked in roomID.
func (r *Registry[P]) Pending(roomID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buckets[roomID])
}

// Rooms returns the number of pending waiters for every room that has any.
func (r *Registry[P]) Rooms() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()

	rooms := make(map[string]int, len(r.buckets))
	for id, bucket := range r.buckets {
		rooms[id] = len(bucket)
	}
	return rooms
}

// Close cancels every pending waiter and rejects further registrations.
func (r *Registry[P]) Close() {
	r.mu.Lock()
	r.closed = true
	buckets := r.buckets
	r.buckets = make(map[string]map[uint64]*Waiter[P])
	r.mu.Unlock()

	for _, bucket := range buckets {
		for _, w := range bucket {
			r.Cancel(w)
		}
	}
}

func (r *Registry[P]) complete(w *Waiter[P], outcome Outcome, payload P) bool {
	if !w.state.CompareAndSwap(int32(Pending), int32(outcome)) {
		return false
	}
	if outcome != TimedOut {
		w.timer.Stop()
	}

	r.mu.Lock()
	if bucket, ok := r.buckets[w.roomID]; ok {
		delete(bucket, w.id)
		if len(bucket) == 0 {
			delete(r.buckets, w.roomID)
		}
	}
	r.mu.Unlock()

	w.done <- Result[P]{Payload: payload, Outcome: outcome}

	ctx := context.Background()
	if r.completed != nil {
		attrs := append([]attribute.KeyValue{attribute.String("outcome", outcome.String())}, r.attrs...)
		r.completed.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if r.pending != nil {
		r.pending.Add(ctx, -1, metric.WithAttributes(r.attrs...))
	}
	return true
}

// Wait blocks until w completes or ctx is done. A done ctx cancels the waiter;
// if another actor won the race its result is returned instead.
func (r *Registry[P]) Wait(ctx context.Context, w *Waiter[P]) Result[P] {
	select {
	case res := <-w.done:
		return res
	case <-ctx.Done():
		r.Cancel(w)
		return <-w.done
	}
}
