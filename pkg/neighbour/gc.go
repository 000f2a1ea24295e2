package neighbour

import (
	"sync/atomic"
	"time"
)

// forcedShrinkLocked is the synchronous, all-bucket GC pass triggered from
// Create when the table is over gc_thresh2/3. It deletes every entry whose
// refcount is 1 (no external holder and, by the IN_TIMER invariant, no
// armed timer) and whose state is not PERMANENT. Caller must hold t.mu for
// writing.
func (t *Table) forcedShrinkLocked() {
	t.lastForcedGC = t.clock.Now()
	removed := 0

	for i, head := range t.buckets {
		var prev *Entry
		cur := head
		for cur != nil {
			next := cur.next
			cur.mu.RLock()
			collectable := cur.refs() == 1 && cur.state != StatePermanent
			cur.mu.RUnlock()

			if collectable {
				if prev == nil {
					t.buckets[i] = next
				} else {
					prev.next = next
				}
				atomic.AddInt32(&t.entryCount, -1)
				removed++

				evt := cur.snapshot()
				evt.Op = OpRemoved
				t.bus.NeighbourDelete(evt)
				cur.mu.Lock()
				cur.dead = true
				cur.mu.Unlock()
				cur.release()
			} else {
				prev = cur
			}
			cur = next
		}
	}

	if removed > 0 {
		t.stats.ForcedGCRemoved.Add(float64(removed))
		t.stats.Entries.Set(float64(atomic.LoadInt32(&t.entryCount)))
	}
	t.stats.ForcedGCRuns.Inc()
	t.logger.Debug("forced gc ran", "table", t.name, "removed", removed, "remaining", atomic.LoadInt32(&t.entryCount))
}

// periodicGCInterval picks base_reachable_time/2 for the most aggressively
// tuned interface currently registered, falling back to the default's half
// when no interface has registered parameters yet.
func (t *Table) periodicGCInterval() time.Duration {
	t.mu.RLock()
	defer t.mu.RUnlock()

	min := DefaultParameters().BaseReachableTime / 2
	for _, p := range t.paramsByIface {
		if half := p.BaseReachableTime / 2; half < min {
			min = half
		}
	}
	if min < time.Second {
		min = time.Second
	}
	return min
}

// periodicGC is the asynchronous sweep: it runs every periodicGCInterval,
// scans all buckets cooperatively (yielding the table lock between
// buckets), and every 300s resamples reachable_time across all parameter
// sets. See spec.md §4.6.
func (t *Table) periodicGC() {
	defer close(t.periodicDone)

	ticker := t.clock.NewTicker(t.periodicGCInterval())
	defer ticker.Stop()

	for {
		select {
		case <-t.periodicStop:
			return
		case <-ticker.Chan():
			t.periodicSweep()
			ticker.Reset(t.periodicGCInterval())
		}
	}
}

func (t *Table) periodicSweep() {
	t.mu.Lock()
	bucketCount := len(t.buckets)
	t.mu.Unlock()

	collected := 0
	now := t.clock.Now()

	for i := 0; i < bucketCount; i++ {
		t.mu.Lock()
		if i >= len(t.buckets) {
			// defensive only: resizeLocked never shrinks the bucket array.
			// Entries a mid-sweep doubling rehashed past bucketCount are
			// left to the next sweep.
			t.mu.Unlock()
			break
		}
		var prev *Entry
		cur := t.buckets[i]
		for cur != nil {
			next := cur.next
			if t.sweepEntryLocked(cur, now) {
				if prev == nil {
					t.buckets[i] = next
				} else {
					prev.next = next
				}
				atomic.AddInt32(&t.entryCount, -1)
				collected++
			} else {
				prev = cur
			}
			cur = next
		}
		t.mu.Unlock()
		// yield the table lock between buckets so the sweep stays
		// preemptible under load, per spec.md §4.6 / §5.
	}

	if collected > 0 {
		t.stats.PeriodicGCCollected.Add(float64(collected))
		t.stats.Entries.Set(float64(atomic.LoadInt32(&t.entryCount)))
	}

	if now.Sub(t.lastResampleSnapshot()) >= resampleInterval {
		t.resampleAll()
	}
}

// sweepEntryLocked evaluates one entry against the periodic-GC rule and,
// if collectable, cancels its (absent, by invariant, for non-IN_TIMER
// states) timer and marks it dead. Caller holds t.mu; this method takes the
// entry's own write lock for its duration.
func (t *Table) sweepEntryLocked(e *Entry, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == StatePermanent || e.state.InTimer() {
		return false
	}

	if e.used.Before(e.confirmed) {
		e.used = e.confirmed
	}

	stale := now.After(e.used.Add(e.params.GCStaleTime))
	if e.refs() == 1 && (e.state == StateFailed || stale) {
		e.dead = true
		evt := e.snapshotLocked()
		evt.Op = OpRemoved
		t.bus.NeighbourDelete(evt)
		e.release()
		return true
	}
	return false
}

func (t *Table) lastResampleSnapshot() time.Time {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.lastResample
}

// resampleAll re-randomizes reachable_time for every Parameters attached to
// the table, every 300s (spec.md §4.6). The invariant gc_staletime >
// reachable_time/2 (enforced by DefaultParameters' defaults: 60s > 15s)
// guarantees this can't make a just-created entry look idle.
func (t *Table) resampleAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.paramsByIface {
		p.resample()
	}
	t.lastResample = t.clock.Now()
}
