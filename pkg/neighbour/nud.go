package neighbour

// mcastOrAppProbesAvailable is the compound gate spec.md §9 calls out: the
// source conflates "permitted to attempt initial resolution at all" with
// "budget for broadcast/app-assisted probing" into a single sum. We model
// it as one gate checked once at NONE->INCOMPLETE. After that an
// INCOMPLETE entry counts all its probes in the single e.probes counter
// against totalIncompleteBudget; ucast_probes, mcast_probes and app_probes
// are not deducted separately.
func mcastOrAppProbesAvailable(p *Parameters) bool {
	return p.McastProbes+p.AppProbes > 0
}

// totalIncompleteBudget is the combined probe budget that applies while an
// entry is INCOMPLETE (spec.md §4.3: "in INCOMPLETE the sum of unicast +
// broadcast + app probes applies").
func totalIncompleteBudget(p *Parameters) int {
	return p.UcastProbes + p.McastProbes + p.AppProbes
}

// use handles the USE event: a frame is being sent through e. Caller holds
// no lock; use takes e.mu itself. Returns true if the entry is now
// INCOMPLETE (the frame should be queued) or has moved STALE -> DELAY (the
// frame can go out on the existing binding), false if it was rejected
// outright (entry went to FAILED, nothing to queue).
func (t *Table) use(e *Entry) (queue bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	now := t.clock.Now()
	e.used = now

	switch e.state {
	case StateNone:
		if mcastOrAppProbesAvailable(e.params) {
			e.state = StateIncomplete
			e.probes = 0
			e.armTimer(0, func(gen uint64) { t.onTimer(e, gen) })
			t.publishLocked(e, OpAdded)
			return true
		}
		e.state = StateFailed
		t.stats.ResFailed.Inc()
		t.publishLocked(e, OpChanged)
		return false

	case StateStale:
		e.state = StateDelay
		e.armTimer(e.params.DelayProbeTime, func(gen uint64) { t.onTimer(e, gen) })
		t.publishLocked(e, OpChanged)
		return true

	default:
		return e.state == StateIncomplete
	}
}

// confirm handles the CONFIRM event: independent evidence the peer is
// reachable (e.g. an accepted TCP ACK). Valid in any VALID state; only
// REACHABLE needs its timer rearmed, since its existing timer was computed
// from the old confirmed timestamp.
func (t *Table) confirm(e *Entry) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.state.Valid() {
		return
	}
	e.confirmed = t.clock.Now()
	if e.state == StateReachable {
		e.armTimer(e.params.ReachableTime, func(gen uint64) { t.onTimer(e, gen) })
	}
}

// onSolicitReply handles the SOLICIT_REPLY event: a protocol-level reply
// carrying hwAddr arrived. broadcastReply indicates the reply itself
// arrived addressed to our broadcast address or from a sender other than
// who we last solicited -- either demotes the outcome to STALE instead of
// REACHABLE per spec.md §4.3.
func (t *Table) onSolicitReply(e *Entry, hwAddr HardwareAddr, broadcastReply bool) {
	e.mu.Lock()
	if e.state != StateIncomplete && e.state != StateProbe {
		e.mu.Unlock()
		return
	}

	e.hwAddr = hwAddr.clone()
	e.probes = 0
	now := t.clock.Now()
	e.confirmed = now
	e.updated = now

	wasConnected := e.state.Connected()
	if broadcastReply {
		e.state = StateStale
		e.cancelTimer()
	} else {
		e.state = StateReachable
		e.armTimer(e.params.ReachableTime, func(gen uint64) { t.onTimer(e, gen) })
	}
	t.rewireOutputLocked(e, wasConnected)

	frames := e.queue.drain()
	t.publishLocked(e, OpChanged)
	e.mu.Unlock()

	t.transmitDrained(e, frames)
}

// onTimer handles the TIMER event: the scheduled NUD timer fired.
// generation guards against a timer that fired concurrently with a cancel
// racing it (cancelTimer bumps timerGeneration and nils the timer field, so
// a stale fire that already lost the race is a no-op).
func (t *Table) onTimer(e *Entry, generation uint64) {
	e.mu.Lock()

	if e.timerGeneration != generation {
		e.mu.Unlock()
		return
	}
	// the timer has fired; release the ref it held and clear the field so
	// a subsequent armTimer inside this call doesn't think one is still
	// outstanding.
	e.timer = nil
	e.release()

	now := t.clock.Now()
	var toReport []queuedFrame
	var failed bool

	switch e.state {
	case StateIncomplete:
		budget := totalIncompleteBudget(e.params)
		if e.probes < budget {
			e.probes++
			ops := e.ops
			e.mu.Unlock()
			_ = ops.Solicit(e, false)
			e.mu.Lock()
			if e.state == StateIncomplete {
				e.armTimer(e.params.RetransTime, func(gen uint64) { t.onTimer(e, gen) })
			}
		} else {
			e.state = StateFailed
			toReport = e.queue.drain()
			failed = true
		}

	case StateReachable:
		switch {
		case !now.After(e.confirmed.Add(e.params.ReachableTime)):
			e.armTimer(e.confirmed.Add(e.params.ReachableTime).Sub(now), func(gen uint64) { t.onTimer(e, gen) })
		case !now.After(e.used.Add(e.params.DelayProbeTime)):
			wasConnected := e.state.Connected()
			e.state = StateDelay
			t.rewireOutputLocked(e, wasConnected)
			e.armTimer(e.params.DelayProbeTime, func(gen uint64) { t.onTimer(e, gen) })
		default:
			wasConnected := e.state.Connected()
			e.state = StateStale
			t.rewireOutputLocked(e, wasConnected)
			// no timer: STALE entries are managed by periodic GC, not NUD.
		}

	case StateDelay:
		if !now.After(e.confirmed.Add(e.params.DelayProbeTime)) {
			wasConnected := e.state.Connected()
			e.state = StateReachable
			t.rewireOutputLocked(e, wasConnected)
			e.armTimer(e.params.ReachableTime, func(gen uint64) { t.onTimer(e, gen) })
		} else {
			e.state = StateProbe
			e.probes = 0
			e.armTimer(e.params.RetransTime, func(gen uint64) { t.onTimer(e, gen) })
		}

	case StateProbe:
		if e.probes < e.params.UcastProbes {
			e.probes++
			ops := e.ops
			e.mu.Unlock()
			_ = ops.Solicit(e, true)
			e.mu.Lock()
			if e.state == StateProbe {
				e.armTimer(e.params.RetransTime, func(gen uint64) { t.onTimer(e, gen) })
			}
		} else {
			wasConnected := e.state.Connected()
			e.state = StateFailed
			t.rewireOutputLocked(e, wasConnected)
			toReport = e.queue.drain()
			failed = true
		}

	default:
		// PERMANENT, NOARP, NONE, STALE, FAILED carry no timer; a fire
		// here would mean a stale generation, already filtered above.
	}

	t.publishLocked(e, OpChanged)
	e.mu.Unlock()

	if failed {
		t.stats.ResFailed.Inc()
		for _, f := range toReport {
			e.ops.ErrorReport(t.upper, f.payload, e.addr)
		}
		t.logger.Warn("neighbour resolution failed", "table", t.name, "iface", e.iface.Name())
	}
}

// update applies inbound-learning or administrative information (spec.md
// §4.5): it honors the locktime anti-flap guard unless admin is true, and
// atomically drains the queue on a VALID transition.
func (t *Table) update(e *Entry, hwAddr HardwareAddr, newState State, admin bool) error {
	e.mu.Lock()

	if (e.state == StatePermanent || e.state == StateNoARP) && !admin {
		e.mu.Unlock()
		return errRefused("cannot override %s entry without admin privilege", e.state)
	}

	now := t.clock.Now()
	changed := !e.hwAddr.equal(hwAddr)
	// locktime only guards an already-established binding against cheap
	// flapping; an entry's first learned binding (e.g. INCOMPLETE -> STALE
	// from inbound learning) must always go through.
	if changed && !admin && e.state.Valid() && now.Sub(e.updated) < e.params.Locktime {
		e.mu.Unlock()
		return errRefused("locktime in effect: learned binding is %v old", now.Sub(e.updated))
	}

	wasConnected := e.state.Connected()
	if changed {
		e.hwAddr = hwAddr.clone()
		e.updated = now
	}
	e.confirmed = now
	e.state = newState
	e.cancelTimer()
	if newState.InTimer() {
		e.armTimer(e.params.ReachableTime, func(gen uint64) { t.onTimer(e, gen) })
	}
	t.rewireOutputLocked(e, wasConnected)

	var frames []queuedFrame
	if newState.Valid() {
		frames = e.queue.drain()
	}
	t.publishLocked(e, OpChanged)
	e.mu.Unlock()

	t.transmitDrained(e, frames)
	return nil
}

// rewireOutputLocked re-aims the cached header template's output pointer
// when an entry transitions into or out of CONNECTED, per spec.md §4.3.
// Caller holds e.mu.
func (t *Table) rewireOutputLocked(e *Entry, wasConnected bool) {
	nowConnected := e.state.Connected()
	if wasConnected == nowConnected {
		return
	}
	if nowConnected {
		e.header.update(e.header.data, connectedOutput)
	} else {
		e.header.update(nil, slowOutput)
	}
}

func (t *Table) publishLocked(e *Entry, op Operation) {
	evt := e.snapshotLocked()
	evt.Op = op
	t.bus.NeighbourUpdate(evt)
}
