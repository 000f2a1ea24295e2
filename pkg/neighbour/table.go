// Package neighbour implements a generic L3->L2 address-resolution cache:
// the per-entry Neighbour Unreachability Detection state machine together
// with the table lifecycle, concurrency, and queueing discipline that
// surround it. ARP for IPv4 is the canonical protocol instance, wired in
// the sibling pkg/arp package; the design here is protocol-agnostic.
package neighbour

import (
	"hash/maphash"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/netstackd/neighcache/pkg/neighbour/nudstats"
)

const (
	defaultGCThresh1 = 128
	defaultGCThresh2 = 512
	defaultGCThresh3 = 1024

	forcedGCGate       = 5 * time.Second
	resampleInterval   = 300 * time.Second
	minBucketCount     = 16
)

// Table is a hash-bucket container of entries for one protocol (e.g. one
// ARP table), plus the global parameters, statistics, GC scheduling, and
// proxy subsystem that go with it.
type Table struct {
	mu sync.RWMutex

	name    string
	addrLen int
	seed    maphash.Seed

	buckets []*Entry
	mask    uint64

	entryCount int32 // atomic

	gcThresh1, gcThresh2, gcThresh3 int
	lastForcedGC                    time.Time
	lastResample                    time.Time

	paramsByIface map[string]*Parameters

	stats *nudstats.Stats

	proxy *proxyTable

	clock  clockwork.Clock
	logger *slog.Logger
	bus    EventBus
	upper  UpperLayer

	periodicStop chan struct{}
	periodicDone chan struct{}
}

// Option configures a Table at construction time.
type Option func(*Table)

func WithClock(c clockwork.Clock) Option { return func(t *Table) { t.clock = c } }
func WithLogger(l *slog.Logger) Option   { return func(t *Table) { t.logger = l } }
func WithEventBus(b EventBus) Option     { return func(t *Table) { t.bus = b } }
func WithUpperLayer(u UpperLayer) Option { return func(t *Table) { t.upper = u } }
func WithStats(s *nudstats.Stats) Option { return func(t *Table) { t.stats = s } }
func WithThresholds(t1, t2, t3 int) Option {
	return func(t *Table) { t.gcThresh1, t.gcThresh2, t.gcThresh3 = t1, t2, t3 }
}

// NewTable constructs a Table for a protocol whose addresses are addrLen
// bytes long (4 for ARP/IPv4). The periodic GC goroutine is started
// immediately; call Close to stop it.
func NewTable(name string, addrLen int, opts ...Option) *Table {
	t := &Table{
		name:          name,
		addrLen:       addrLen,
		seed:          maphash.MakeSeed(),
		buckets:       make([]*Entry, minBucketCount),
		mask:          uint64(minBucketCount - 1),
		gcThresh1:     defaultGCThresh1,
		gcThresh2:     defaultGCThresh2,
		gcThresh3:     defaultGCThresh3,
		paramsByIface: make(map[string]*Parameters),
		bus:           noopBus{},
		upper:         noopUpperLayer{},
		periodicStop:  make(chan struct{}),
		periodicDone:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.clock == nil {
		t.clock = clockwork.NewRealClock()
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	if t.stats == nil {
		t.stats = nudstats.New(name)
	}
	t.proxy = newProxyTable(t)
	now := t.clock.Now()
	t.lastForcedGC = now
	t.lastResample = now
	go t.periodicGC()
	return t
}

// Close stops the periodic GC goroutine and the proxy timer. It does not
// touch any entry; callers are expected to have drained routing-cache
// references before tearing down the table.
func (t *Table) Close() {
	close(t.periodicStop)
	<-t.periodicDone
	t.proxy.stop()
}

// Parameters returns the Parameters currently in effect for iface,
// creating a default set (cloned, so each interface's tuning is
// independent) on first use.
func (t *Table) Parameters(iface Interface) *Parameters {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.paramsForLocked(iface)
}

func (t *Table) paramsForLocked(iface Interface) *Parameters {
	if p, ok := t.paramsByIface[iface.Name()]; ok {
		return p
	}
	p := DefaultParameters()
	t.paramsByIface[iface.Name()] = p
	return p
}

// SetParameters installs p as the Parameters for iface, retiring (but not
// destroying) whatever was there before so in-flight entries keep their old
// tuning until they're GC'd.
func (t *Table) SetParameters(iface Interface, p *Parameters) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if old, ok := t.paramsByIface[iface.Name()]; ok {
		old.kill()
	}
	t.paramsByIface[iface.Name()] = p
}

func (t *Table) hash(addr Address, ifaceName string, ops *ProtocolOps) uint64 {
	var h maphash.Hash
	h.SetSeed(t.seed)
	ops.Hash(&h, addr)
	_, _ = h.WriteString(ifaceName)
	return h.Sum64()
}

func (t *Table) bucketIndex(hv uint64) uint64 {
	return hv & t.mask
}

// Lookup computes the hash over (addr, iface) and scans the bucket for an
// exact match, returning a held reference on success.
func (t *Table) Lookup(iface Interface, addr Address, ops *ProtocolOps) (*Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e := t.findLocked(iface, addr, ops)
	if e == nil {
		return nil, false
	}
	e.hold()
	return e, true
}

func (t *Table) findLocked(iface Interface, addr Address, ops *ProtocolOps) *Entry {
	hv := t.hash(addr, iface.Name(), ops)
	idx := t.bucketIndex(hv)
	for cur := t.buckets[idx]; cur != nil; cur = cur.next {
		if cur.addr.equal(addr) && cur.iface.Name() == iface.Name() {
			return cur
		}
	}
	return nil
}

// Create allocates and links a new entry for (addr, iface), or returns an
// existing entry if one raced it into the same bucket. See spec.md §4.1.
func (t *Table) Create(iface Interface, addr Address, ops *ProtocolOps) (*Entry, error) {
	if len(addr) != t.addrLen {
		return nil, errBadParameter("address length %d does not match table address length %d", len(addr), t.addrLen)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	count := int(atomic.LoadInt32(&t.entryCount))
	if count >= t.gcThresh3 || (count >= t.gcThresh2 && t.clock.Since(t.lastForcedGC) > forcedGCGate) {
		t.forcedShrinkLocked()
		count = int(atomic.LoadInt32(&t.entryCount))
		if count >= t.gcThresh3 {
			t.stats.CreateFailed.Inc()
			return nil, errResourceExhausted("neighbour table %q at capacity (%d entries, gc_thresh3=%d)", t.name, count, t.gcThresh3)
		}
	}

	params := t.paramsForLocked(iface)
	if params.isDead() {
		return nil, errResourceExhausted("parameters for interface %s have been retired", iface.Name())
	}

	e := newEntry(t, iface, addr, params, ops)
	params.hold()

	if noarp, hw := ops.Construct(e); noarp {
		e.state = StateNoARP
		e.hwAddr = hw
	}

	if int(atomic.LoadInt32(&t.entryCount))+1 > len(t.buckets) {
		t.resizeLocked()
	}

	hv := t.hash(addr, iface.Name(), ops)
	idx := t.bucketIndex(hv)

	for cur := t.buckets[idx]; cur != nil; cur = cur.next {
		if cur.addr.equal(addr) && cur.iface.Name() == iface.Name() {
			params.release()
			cur.hold()
			return cur, nil
		}
	}

	e.next = t.buckets[idx]
	t.buckets[idx] = e
	e.dead = false
	atomic.AddInt32(&t.entryCount, 1)
	t.stats.Entries.Set(float64(atomic.LoadInt32(&t.entryCount)))

	e.hold()
	return e, nil
}

// resizeLocked doubles the bucket array, rotating each entry into its new
// bucket using the same seeded hash with the wider mask. Caller must hold
// t.mu for writing.
func (t *Table) resizeLocked() {
	newLen := len(t.buckets) * 2
	newBuckets := make([]*Entry, newLen)
	newMask := uint64(newLen - 1)

	for _, head := range t.buckets {
		for cur := head; cur != nil; {
			next := cur.next
			hv := t.hash(cur.addr, cur.iface.Name(), cur.ops)
			idx := hv & newMask
			cur.next = newBuckets[idx]
			newBuckets[idx] = cur
			cur = next
		}
	}

	t.buckets = newBuckets
	t.mask = newMask
}

// deleteLocked unlinks target from its bucket, whatever its refcount.
// Caller must hold t.mu for writing.
func (t *Table) deleteLocked(target *Entry) bool {
	hv := t.hash(target.addr, target.iface.Name(), target.ops)
	idx := t.bucketIndex(hv)

	var prev *Entry
	for cur := t.buckets[idx]; cur != nil; cur = cur.next {
		if cur == target {
			if prev == nil {
				t.buckets[idx] = cur.next
			} else {
				prev.next = cur.next
			}
			atomic.AddInt32(&t.entryCount, -1)
			t.stats.Entries.Set(float64(atomic.LoadInt32(&t.entryCount)))
			return true
		}
		prev = cur
	}
	return false
}

// Delete removes e from the table unconditionally (administrative delete).
// It cancels any armed timer and publishes a DEL event; physical memory is
// released once the refcount it held drops to zero.
func (t *Table) Delete(e *Entry) {
	t.mu.Lock()
	e.mu.Lock()
	e.cancelTimer()
	e.dead = true
	evt := e.snapshotLocked()
	e.mu.Unlock()
	t.deleteLocked(e)
	t.mu.Unlock()

	evt.Op = OpRemoved
	t.bus.NeighbourDelete(evt)
	e.release()
}

// EntryCount returns the number of live entries.
func (t *Table) EntryCount() int {
	return int(atomic.LoadInt32(&t.entryCount))
}
