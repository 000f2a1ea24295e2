package neighbour

import (
	"sync/atomic"
)

// OutputFunc is the re-aimable transmit entry point installed on a header
// template: CONNECTED entries use the fast variant, everything else the
// slow (resolving) variant. Re-aiming happens on every state transition
// into or out of CONNECTED (spec.md §4.3).
type OutputFunc func(e *Entry, frame []byte) error

// headerTemplate is the entry's cached outbound link-layer header, built
// lazily on first successful CONNECTED transmit (spec.md §4.2). Readers on
// the fast path retry under sequence-lock discipline instead of blocking,
// so a concurrent header rebuild never corrupts a fast-path copy.
type headerTemplate struct {
	seq    atomic.Uint32 // even: stable; odd: write in progress
	data   []byte
	output OutputFunc
}

func newHeaderTemplate() *headerTemplate {
	return &headerTemplate{}
}

// snapshot returns a coherent copy of the template's data and output
// pointer, retrying if a writer was active during the read. This is the
// reader side of the sequence lock.
func (h *headerTemplate) snapshot() ([]byte, OutputFunc) {
	for {
		seq1 := h.seq.Load()
		if seq1&1 != 0 {
			continue // writer in progress, retry
		}
		data := h.data
		out := h.output
		seq2 := h.seq.Load()
		if seq1 == seq2 {
			return data, out
		}
	}
}

// update installs new header bytes and/or output function, serialized
// against other writers by the entry's write lock (callers must hold it)
// and made visible to lock-free readers via the sequence counter.
func (h *headerTemplate) update(data []byte, out OutputFunc) {
	h.seq.Add(1) // -> odd, readers spin
	h.data = data
	h.output = out
	h.seq.Add(1) // -> even, readers resume
}
