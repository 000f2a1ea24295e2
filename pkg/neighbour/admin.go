package neighbour

import "sync/atomic"

// UpdateFlags controls how an Update call interacts with the locktime
// anti-flap guard and pinned states.
type UpdateFlags struct {
	// Admin marks the call as administrative (management surface or
	// local stack decision), bypassing locktime and permitting override
	// of PERMANENT/NOARP entries.
	Admin bool
}

// Update applies a learned or administrative binding to e (spec.md §4.5,
// §6). This is the only write path into an entry's link-layer address
// outside of the NUD state machine's own SOLICIT_REPLY handling.
func (t *Table) Update(e *Entry, hwAddr HardwareAddr, newState State, flags UpdateFlags) error {
	return t.update(e, hwAddr, newState, flags.Admin)
}

// CreateRequest bundles the administrative surface's add/replace
// parameters (spec.md §6 management surface).
type CreateRequest struct {
	Iface   Interface
	Addr    Address
	Ops     *ProtocolOps
	HWAddr  HardwareAddr
	State   State
}

// CreateOrUpdate implements the management add/replace verb: look the
// entry up, and either create it fresh with the requested binding or
// administratively update the existing one.
func (t *Table) CreateOrUpdate(req CreateRequest) (*Entry, error) {
	e, found := t.Lookup(req.Iface, req.Addr, req.Ops)
	if !found {
		var err error
		e, err = t.Create(req.Iface, req.Addr, req.Ops)
		if err != nil {
			return nil, err
		}
	}
	if len(req.HWAddr) > 0 || req.State != StateNone {
		state := req.State
		if state == StateNone {
			state = StateStale
		}
		if err := t.Update(e, req.HWAddr, state, UpdateFlags{Admin: true}); err != nil {
			e.release()
			return nil, err
		}
	}
	return e, nil
}

// EntrySnapshot is the read-only view List returns, decoupled from the
// live Entry so callers can't accidentally mutate table state through it.
type EntrySnapshot struct {
	Iface     string
	Addr      Address
	HWAddr    HardwareAddr
	State     State
	Permanent bool
}

// List dumps every live entry, mirroring the kind of bulk read the
// /proc/net/arp and `ip neigh show` consumers perform (spec.md §2's "bulk
// operations used by management").
func (t *Table) List() []EntrySnapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]EntrySnapshot, 0, atomic.LoadInt32(&t.entryCount))
	for _, head := range t.buckets {
		for cur := head; cur != nil; cur = cur.next {
			cur.mu.RLock()
			out = append(out, EntrySnapshot{
				Iface:     cur.iface.Name(),
				Addr:      cur.addr.clone(),
				HWAddr:    cur.hwAddr.clone(),
				State:     cur.state,
				Permanent: cur.state == StatePermanent,
			})
			cur.mu.RUnlock()
		}
	}
	return out
}

// OnInterfaceDown implements spec.md §4.8: every entry on iface is
// detached from active service (timer cancelled, dead set, state
// collapsed, output black-holed, queue flushed) and unlinked from its
// bucket right away; holders that still reference the Entry keep a usable
// value until they release it. The proxy table is swept analogously.
func (t *Table) OnInterfaceDown(iface Interface) {
	t.mu.Lock()
	var toRelease []*Entry
	for i, head := range t.buckets {
		var prev *Entry
		cur := head
		for cur != nil {
			next := cur.next
			if cur.iface.Name() != iface.Name() {
				prev = cur
				cur = next
				continue
			}

			cur.mu.Lock()
			cur.cancelTimer()
			cur.dead = true
			if cur.state.Valid() {
				cur.state = StateNoARP
			} else {
				cur.state = StateNone
			}
			cur.header.update(nil, blackHoleOutput)
			cur.queue.drain()
			evt := cur.snapshotLocked()
			cur.mu.Unlock()

			if prev == nil {
				t.buckets[i] = next
			} else {
				prev.next = next
			}
			atomic.AddInt32(&t.entryCount, -1)

			evt.Op = OpRemoved
			t.bus.NeighbourDelete(evt)
			toRelease = append(toRelease, cur)

			cur = next
		}
	}
	t.stats.Entries.Set(float64(atomic.LoadInt32(&t.entryCount)))
	t.mu.Unlock()

	for _, e := range toRelease {
		e.release()
	}

	t.proxy.onInterfaceDown(iface)
}

// blackHoleOutput drops frames addressed through a down interface,
// surfacing ENETDOWN as the returned error (spec.md §7).
func blackHoleOutput(e *Entry, frame []byte) error {
	return errInterfaceDown("interface %s is down (ENETDOWN)", e.iface.Name())
}
