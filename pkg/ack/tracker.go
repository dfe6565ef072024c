// Package ack correlates outbound message counters with the bridge's
// acknowledgements.
//
// Every command the client sends carries an mc; the bridge answers with an Ack
// or Nack naming that mc in its ref field. The Tracker holds one waiter per
// in-flight mc. Waiters do not survive a session: on disconnect they all
// resolve as failed and the map is cleared.
package ack

import (
	"fmt"
	"sync"
	"time"
)

// Waiter receives the outcome for one in-flight mc. At most one result is
// delivered: nil for Ack, an error for Nack or shutdown. A timeout is
// reported by Await, not through the channel, and an unregistered waiter
// receives nothing.
type Waiter <-chan error

// Tracker maps in-flight message counters to their waiters.
// Safe for concurrent use.
type Tracker struct {
	mu      sync.Mutex
	waiters map[int]chan error
	closed  bool
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		waiters: make(map[int]chan error),
	}
}

// Register adds a waiter for an outbound mc. It must be called before the
// message is written so a fast acknowledgement cannot race the registration.
func (t *Tracker) Register(mc int) (Waiter, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, ErrTrackerClosed
	}
	if _, exists := t.waiters[mc]; exists {
		return nil, fmt.Errorf("%w: mc %d", ErrDuplicateWaiter, mc)
	}

	ch := make(chan error, 1)
	t.waiters[mc] = ch
	return ch, nil
}

// Unregister drops the waiter for mc without resolving it. Used when the
// send itself failed.
func (t *Tracker) Unregister(mc int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.waiters, mc)
}

// Resolve delivers the outcome for ref. Unknown refs are ignored; the bridge
// acknowledges untracked traffic such as heartbeats too.
// Returns true if a waiter was resolved.
func (t *Tracker) Resolve(ref int, err error) bool {
	t.mu.Lock()
	ch, ok := t.waiters[ref]
	if ok {
		delete(t.waiters, ref)
	}
	t.mu.Unlock()

	if !ok {
		return false
	}
	ch <- err
	return true
}

// Await blocks until the waiter resolves or the timeout elapses.
func Await(w Waiter, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-w:
		return err
	case <-timer.C:
		return ErrAckTimeout
	}
}

// FailAll resolves every pending waiter with err and clears the map.
// Called on disconnect and on Cleanup.
func (t *Tracker) FailAll(err error) {
	t.mu.Lock()
	waiters := t.waiters
	t.waiters = make(map[int]chan error)
	t.mu.Unlock()

	for _, ch := range waiters {
		ch <- err
	}
}

// Close fails all pending waiters and rejects further registrations.
func (t *Tracker) Close(err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	waiters := t.waiters
	t.waiters = make(map[int]chan error)
	t.mu.Unlock()

	for _, ch := range waiters {
		ch <- err
	}
}

// Pending returns the number of in-flight waiters.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.waiters)
}
