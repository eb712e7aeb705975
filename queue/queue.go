// Package queue implements the bounded FIFO admission queue used when the
// downstream pool's concurrency cap is saturated.
package queue

import (
	"container/list"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// ErrFull is returned by Enqueue when the queue is already at maxSize.
var ErrFull = errors.New("queue: full")

// ErrTimedOut is delivered on an Entry's Waker channel when its deadline
// passes before it is dequeued.
var ErrTimedOut = errors.New("queue: timed out waiting for admission")

// Entry is one waiting tool call.
type Entry struct {
	RequestID  string
	ClientID   string
	ToolName   string
	EnqueuedAt time.Time
	Deadline   time.Time
	Waker      chan error // receives nil on dequeue, ErrTimedOut on expiry

	// state coordinates the race between the waiter giving up outside of
	// Waker (context cancellation or deadline expiry) and a dequeuing
	// caller handing this entry its freed concurrency slot. Exactly one
	// side wins the transition out of entryWaiting; see TryAbandon and
	// TryHandoff. A plain bool checked-then-set here would leave a window
	// where both sides believe they won: the waiter observes "not yet
	// handed off" and leaves, then the handoff still lands in Waker for
	// nobody to drain, leaking a concurrency slot.
	state atomic.Int32
}

const (
	entryWaiting int32 = iota
	entryAbandoned
	entryHandedOff
)

// TryAbandon marks the entry given up by its waiter (context cancellation
// or deadline expiry). Reports whether the abandon won the race against a
// concurrent TryHandoff; if it lost, a slot has already been (or is about
// to be) sent on Waker and the caller must drain and dispose of it.
func (e *Entry) TryAbandon() bool {
	return e.state.CompareAndSwap(entryWaiting, entryAbandoned)
}

// TryHandoff marks the entry as claimed by a caller about to send its
// freed slot on Waker. Reports whether the handoff won the race against a
// concurrent TryAbandon; if it lost, the waiter is already gone and no
// send should be attempted.
func (e *Entry) TryHandoff() bool {
	return e.state.CompareAndSwap(entryWaiting, entryHandedOff)
}

// Queue is a bounded FIFO guarded by a single mutex; all mutation —
// enqueue, dequeue, and expired-entry cleanup — runs under that one lock.
type Queue struct {
	maxSize int

	mu      sync.Mutex
	entries *list.List // of *Entry, front = oldest
}

// New creates a Queue bounded at maxSize.
func New(maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &Queue{maxSize: maxSize, entries: list.New()}
}

// Enqueue appends entry if the queue has room, else returns ErrFull.
func (q *Queue) Enqueue(entry *Entry) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.cleanupExpiredLocked()
	if q.entries.Len() >= q.maxSize {
		return ErrFull
	}
	q.entries.PushBack(entry)
	return nil
}

// Dequeue removes and returns the oldest non-expired entry, or (nil,
// false) if the queue (after cleanup) is empty.
func (q *Queue) Dequeue() (*Entry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.cleanupExpiredLocked()
	front := q.entries.Front()
	if front == nil {
		return nil, false
	}
	q.entries.Remove(front)
	return front.Value.(*Entry), true
}

// CleanupExpired removes every entry past its deadline, waking each with
// ErrTimedOut. Safe to call from a periodic timer as well as from the
// dequeue path.
func (q *Queue) CleanupExpired() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cleanupExpiredLocked()
}

func (q *Queue) cleanupExpiredLocked() int {
	now := time.Now()
	removed := 0
	var next *list.Element
	for e := q.entries.Front(); e != nil; e = next {
		next = e.Next()
		entry := e.Value.(*Entry)
		if entry.Deadline.IsZero() || now.Before(entry.Deadline) {
			continue
		}
		q.entries.Remove(e)
		removed++
		if entry.Waker != nil {
			select {
			case entry.Waker <- ErrTimedOut:
			default:
			}
		}
	}
	return removed
}

// Len reports the current queue length, including not-yet-cleaned expired
// entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.entries.Len()
}
