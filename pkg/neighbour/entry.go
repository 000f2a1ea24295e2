package neighbour

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
)

// Entry is one L3-address -> L2-address binding, with its reachability
// state, timers, and a small per-entry frame queue. It is owned exclusively
// by its Table and shared by reference (refcounted) with any route cache
// entry, in-flight transmit, or timer scheduled against it.
type Entry struct {
	mu sync.RWMutex

	table *Table // non-owning; the table outlives every entry it holds
	iface Interface
	addr  Address

	params *Parameters // refcounted, shared across entries on the same iface
	ops    *ProtocolOps

	state  State
	hwAddr HardwareAddr

	header *headerTemplate

	confirmed time.Time
	used      time.Time
	updated   time.Time

	probes int

	queue *frameQueue

	refcount int32 // atomic
	dead     bool

	timer           clockwork.Timer
	timerGeneration uint64 // invalidates a timer fired after cancellation raced it

	// bucket chain linkage, owned by the table under its write lock.
	next *Entry
}

func newEntry(t *Table, iface Interface, addr Address, params *Parameters, ops *ProtocolOps) *Entry {
	now := t.clock.Now()
	return &Entry{
		table:     t,
		iface:     iface,
		addr:      addr.clone(),
		params:    params,
		ops:       ops,
		state:     StateNone,
		header:    newHeaderTemplate(),
		confirmed: now.Add(-2 * params.BaseReachableTime),
		used:      now,
		updated:   now,
		queue:     newFrameQueue(params.QueueLen),
		refcount:  1,
	}
}

// hold increments the entry's refcount. Every armed timer, routing-cache
// reference, and in-flight transmit must call hold exactly once and release
// exactly once.
func (e *Entry) hold() {
	atomic.AddInt32(&e.refcount, 1)
}

// release decrements the refcount. It does not itself destroy the entry;
// once the table has unlinked a dead entry and every holder has released
// it, nothing references it and the Go garbage collector reclaims it.
func (e *Entry) release() {
	atomic.AddInt32(&e.refcount, -1)
}

func (e *Entry) refs() int32 {
	return atomic.LoadInt32(&e.refcount)
}

// Release gives up a reference obtained from Table.Lookup or Table.Create.
// Every held Entry must be released exactly once.
func (e *Entry) Release() {
	e.release()
}

// State returns the entry's current reachability state.
func (e *Entry) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

// HWAddr returns the entry's resolved link-layer address, if any.
func (e *Entry) HWAddr() HardwareAddr {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.hwAddr.clone()
}

// Address returns the entry's protocol-layer key.
func (e *Entry) Address() Address {
	return e.addr.clone()
}

// Interface returns the interface this entry is bound to.
func (e *Entry) Interface() Interface {
	return e.iface
}

// cancelTimer stops any armed timer and releases the ref it held. Must be
// called with e.mu held.
func (e *Entry) cancelTimer() {
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
		e.timerGeneration++
		e.release()
	}
}

// armTimer schedules fn to run after d, holding a ref for the timer's
// lifetime. Must be called with e.mu held; cancels any existing timer
// first, preserving the IN_TIMER invariant of "exactly one timer".
func (e *Entry) armTimer(d time.Duration, fn func(generation uint64)) {
	e.cancelTimer()
	e.hold()
	gen := e.timerGeneration
	e.timer = e.table.clock.AfterFunc(d, func() {
		fn(gen)
	})
}

// snapshot takes e.mu for reading. Callers that already hold e.mu (for
// reading or writing) must use snapshotLocked instead to avoid deadlocking
// against Go's non-reentrant RWMutex.
func (e *Entry) snapshot() NeighbourEvent {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snapshotLocked()
}

func (e *Entry) snapshotLocked() NeighbourEvent {
	return NeighbourEvent{
		ID:      uuid.NewString(),
		Address: e.addr.clone(),
		Iface:   e.iface.Name(),
		HWAddr:  e.hwAddr.clone(),
		State:   e.state,
	}
}
