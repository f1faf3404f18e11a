// Package correlation implements the CorrelationTable: a map from
// request_id to a one-shot completion slot, used by ConnectionManager's
// send-and-wait (spec §4.4). It tolerates a TryComplete arriving after
// Remove (a late reply) without panicking, and never blocks the
// ReceiveLoop that calls TryComplete.
package correlation

import (
	"sync"

	"github.com/kioskbridge/tunnel/internal/wire"
)

// Slot is a single-shot completion point for one pending request. The
// awaiting caller reads Result exactly once; a ReceiveLoop resolves it
// at most once via the Table's TryComplete, and a timeout drops it via
// Remove without sending anything.
type Slot struct {
	ch chan wire.Response
}

// Result returns the channel to receive the eventual response on. It is
// never closed: at most one value is ever sent, by the first
// TryComplete that finds the slot pending. Remove sends nothing.
func (s *Slot) Result() <-chan wire.Response {
	return s.ch
}

// Table is the concurrency-safe request_id -> Slot map. All operations
// are O(1) and non-blocking, satisfying spec §4.4's scheduling contract.
type Table struct {
	mu    sync.Mutex
	slots map[string]*pending
}

type pending struct {
	slot      *Slot
	completed bool
}

// New creates an empty CorrelationTable.
func New() *Table {
	return &Table{slots: make(map[string]*pending)}
}

// Install registers requestID and returns the Slot the caller will wait on.
// Installing the same requestID twice is a programmer error (request_ids
// are minted fresh per spec §4.3 step 2) — the second Install silently
// replaces the first's bookkeeping entry, but both Slots remain valid
// objects for their respective callers.
func (t *Table) Install(requestID string) *Slot {
	slot := &Slot{ch: make(chan wire.Response, 1)}
	t.mu.Lock()
	t.slots[requestID] = &pending{slot: slot}
	t.mu.Unlock()
	return slot
}

// TryComplete resolves the pending slot for requestID with resp. It
// returns false if no slot is installed (already removed, or a reply for
// an unknown request_id) or if the slot was already completed. Never
// blocks: the slot's channel has buffer 1, so the matching receiver does
// not need to be scheduled for this send to succeed.
func (t *Table) TryComplete(requestID string, resp wire.Response) bool {
	t.mu.Lock()
	p, ok := t.slots[requestID]
	if !ok || p.completed {
		t.mu.Unlock()
		return false
	}
	p.completed = true
	t.mu.Unlock()

	p.slot.ch <- resp
	return true
}

// Remove deletes requestID's bookkeeping entry. It is idempotent and
// safe to call whether or not TryComplete ever fired (the timeout path
// in SendAndWait calls this after giving up).
func (t *Table) Remove(requestID string) {
	t.mu.Lock()
	delete(t.slots, requestID)
	t.mu.Unlock()
}

// Len reports the number of currently pending requests, for introspection.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.slots)
}
