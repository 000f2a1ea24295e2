package neighbour

// Outcome is the result of a ResolveAndSend call.
type Outcome int

const (
	OutcomeSent Outcome = iota
	OutcomeQueued
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeQueued:
		return "queued"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// connectedOutput is the fast-path output function installed on a header
// template while its entry is CONNECTED: it reads a coherent (header,
// output) pair via the sequence lock and hands the frame straight to the
// interface.
func connectedOutput(e *Entry, frame []byte) error {
	return e.iface.Transmit(frame)
}

// slowOutput is installed while an entry is not CONNECTED: headers are
// rebuilt on every transmit rather than cached, since rewireOutputLocked
// also clears any stale cached bytes when leaving CONNECTED.
func slowOutput(e *Entry, frame []byte) error {
	return e.iface.Transmit(frame)
}

// ResolveAndSend is the `output` entry point (spec.md §4.2): it looks at
// e's current state and either transmits payload immediately, queues it
// pending resolution, or reports it unreachable.
func (t *Table) ResolveAndSend(etherType uint16, payload []byte, e *Entry) (Outcome, error) {
	e.mu.RLock()
	state := e.state
	dead := e.dead
	e.mu.RUnlock()

	if dead {
		// detached by OnInterfaceDown (or Delete): black-holed.
		return OutcomeFailed, blackHoleOutput(e, payload)
	}

	switch {
	case state.Connected():
		return t.fastTransmit(e, etherType, payload)

	case state == StateNone || state == StateStale:
		t.use(e)
		e.mu.RLock()
		after := e.state
		e.mu.RUnlock()
		switch after {
		case StateIncomplete:
			t.enqueue(e, etherType, payload)
			return OutcomeQueued, nil
		case StateFailed:
			e.ops.ErrorReport(t.upper, payload, e.addr)
			return OutcomeFailed, nil
		default:
			// STALE->DELAY: binding is still valid, just not CONNECTED.
			return t.slowTransmit(e, etherType, payload)
		}

	case state == StateIncomplete:
		t.enqueue(e, etherType, payload)
		return OutcomeQueued, nil

	case state == StateFailed:
		e.ops.ErrorReport(t.upper, payload, e.addr)
		return OutcomeFailed, nil

	default:
		// DELAY, PROBE: a valid binding exists, just not fast-pathable.
		return t.slowTransmit(e, etherType, payload)
	}
}

// enqueue pushes a frame onto e's bounded queue, evicting the oldest frame
// on overflow and bumping the unresolved-discard statistic (spec.md §4.2,
// §7).
func (t *Table) enqueue(e *Entry, etherType uint16, payload []byte) {
	e.mu.Lock()
	evicted := e.queue.push(queuedFrame{etherType: etherType, payload: payload})
	e.mu.Unlock()
	if evicted {
		t.stats.UnresolvedDiscards.Inc()
	}
}

// fastTransmit is the CONNECTED fast path. On the very first transmit after
// becoming CONNECTED there is no cached header yet; ResolveAndSend is the
// only call site allowed to build and link one (spec.md §4.2).
func (t *Table) fastTransmit(e *Entry, etherType uint16, payload []byte) (Outcome, error) {
	data, out := e.header.snapshot()

	if data == nil {
		e.mu.RLock()
		hw := e.hwAddr.clone()
		iface := e.iface
		stillConnected := e.state.Connected()
		e.mu.RUnlock()

		if !stillConnected {
			return t.slowTransmit(e, etherType, payload)
		}

		hdr, err := iface.BuildHeader(hw, etherType, len(payload))
		if err != nil {
			return OutcomeFailed, err
		}

		e.mu.Lock()
		if e.header.data == nil && e.state.Connected() {
			e.header.update(hdr, connectedOutput)
		}
		e.mu.Unlock()

		data, out = e.header.snapshot()
	}

	if out == nil {
		out = connectedOutput
	}

	frame := make([]byte, 0, len(data)+len(payload))
	frame = append(frame, data...)
	frame = append(frame, payload...)
	if err := out(e, frame); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeSent, nil
}

// slowTransmit builds a header fresh for every call: used for STALE/DELAY/
// PROBE entries, which hold a valid but not-fast-pathable binding.
func (t *Table) slowTransmit(e *Entry, etherType uint16, payload []byte) (Outcome, error) {
	e.mu.RLock()
	hw := e.hwAddr.clone()
	iface := e.iface
	e.mu.RUnlock()

	hdr, err := iface.BuildHeader(hw, etherType, len(payload))
	if err != nil {
		return OutcomeFailed, err
	}
	frame := make([]byte, 0, len(hdr)+len(payload))
	frame = append(frame, hdr...)
	frame = append(frame, payload...)
	if err := iface.Transmit(frame); err != nil {
		return OutcomeFailed, err
	}
	return OutcomeSent, nil
}

// transmitDrained sends every frame drained from e's queue on a VALID
// transition, in FIFO order, best-effort (a transmit failure for one queued
// frame does not stop delivery of the rest).
func (t *Table) transmitDrained(e *Entry, frames []queuedFrame) {
	for _, f := range frames {
		e.mu.RLock()
		connected := e.state.Connected()
		e.mu.RUnlock()
		if connected {
			_, _ = t.fastTransmit(e, f.etherType, f.payload)
		} else {
			_, _ = t.slowTransmit(e, f.etherType, f.payload)
		}
	}
}

// Confirm marks e as confirmed reachable right now (spec.md §6 confirm(e)).
func (t *Table) Confirm(e *Entry) {
	t.confirm(e)
}

// SolicitReply delivers an inbound protocol reply carrying hwAddr to e,
// implementing the SOLICIT_REPLY event (spec.md §4.3). broadcastReply
// demotes the outcome to STALE instead of REACHABLE, for replies that did
// not arrive as a directed answer to our own solicitation.
func (t *Table) SolicitReply(e *Entry, hwAddr HardwareAddr, broadcastReply bool) {
	t.onSolicitReply(e, hwAddr, broadcastReply)
}
