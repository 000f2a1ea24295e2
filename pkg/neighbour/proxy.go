package neighbour

import (
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"
)

// defaultProxyRate bounds how many deferred proxy replies dispatchProxy will
// redo per second, independent of how many became due at once -- a reply
// storm triggered by a burst of simultaneous requests for the same proxied
// address is exactly what the randomized delay in spec.md §4.9 is meant to
// avoid, and the delay alone doesn't help when many requests land in the
// same window.
const (
	defaultProxyRate  = rate.Limit(50)
	defaultProxyBurst = 10
)

// ProxyKey identifies a proxy pattern: an interface may be nil to mean "any
// interface", matching spec.md §4.9's "(protocol address, interface,
// optionally wildcard interface)".
type ProxyKey struct {
	Addr  string // Address rendered as a string for map use
	Iface string // "" means wildcard
}

// proxyRequest is one deferred inbound solicitation waiting in the proxy
// queue for its randomized delay to elapse.
type proxyRequest struct {
	addr       Address
	iface      Interface
	senderHW   HardwareAddr
	senderAddr Address
	due        time.Time
}

// ProxyRedoFunc actually emits the proxy reply once a deferred request
// becomes due; it is protocol-specific (ARP wires this to SendReply).
type ProxyRedoFunc func(addr Address, iface Interface, senderHW HardwareAddr, senderAddr Address) error

// proxyTable is the separate hash table of pattern-matched "answer on
// behalf of" entries, plus their delayed-reply queue and single shared
// timer (spec.md §3, §4.9).
type proxyTable struct {
	mu sync.Mutex

	t *Table

	entries map[ProxyKey]struct{}
	queue   []*proxyRequest
	qlen    int

	clock   clockwork.Clock
	timer   clockwork.Timer
	redo    ProxyRedoFunc
	limiter *rate.Limiter

	stopped bool
}

func newProxyTable(t *Table) *proxyTable {
	return &proxyTable{
		t:       t,
		entries: make(map[ProxyKey]struct{}),
		qlen:    DefaultParameters().ProxyQLen,
		clock:   t.clock,
		limiter: rate.NewLimiter(defaultProxyRate, defaultProxyBurst),
	}
}

// SetProxyRateLimit overrides the default pacing applied to deferred proxy
// reply dispatch.
func (t *Table) SetProxyRateLimit(r rate.Limit, burst int) {
	t.proxy.mu.Lock()
	defer t.proxy.mu.Unlock()
	t.proxy.limiter = rate.NewLimiter(r, burst)
}

// SetProxyRedo installs the hook used to actually send a deferred proxy
// reply once it comes due.
func (t *Table) SetProxyRedo(fn ProxyRedoFunc) {
	t.proxy.mu.Lock()
	defer t.proxy.mu.Unlock()
	t.proxy.redo = fn
}

// SetProxyQueueLen overrides the default proxy queue capacity.
func (t *Table) SetProxyQueueLen(n int) {
	t.proxy.mu.Lock()
	defer t.proxy.mu.Unlock()
	if n > 0 {
		t.proxy.qlen = n
	}
}

// AddProxy registers a proxy pattern: this table will answer resolution
// requests for addr arriving on iface (or on any interface, if iface is
// nil) on behalf of whoever owns addr.
func (t *Table) AddProxy(addr Address, iface Interface) {
	t.proxy.mu.Lock()
	defer t.proxy.mu.Unlock()
	t.proxy.entries[proxyKeyFor(addr, iface)] = struct{}{}
}

// RemoveProxy un-registers a previously added pattern.
func (t *Table) RemoveProxy(addr Address, iface Interface) {
	t.proxy.mu.Lock()
	defer t.proxy.mu.Unlock()
	delete(t.proxy.entries, proxyKeyFor(addr, iface))
}

func proxyKeyFor(addr Address, iface Interface) ProxyKey {
	k := ProxyKey{Addr: string(addr)}
	if iface != nil {
		k.Iface = iface.Name()
	}
	return k
}

// matchProxy reports whether addr/iface matches a registered proxy
// pattern, checking the specific-interface key before the wildcard one.
func (t *Table) matchProxy(addr Address, iface Interface) bool {
	t.proxy.mu.Lock()
	defer t.proxy.mu.Unlock()
	if _, ok := t.proxy.entries[proxyKeyFor(addr, iface)]; ok {
		return true
	}
	_, ok := t.proxy.entries[ProxyKey{Addr: string(addr)}]
	return ok
}

// HandleProxyRequest implements the reply-storm avoidance half of spec.md
// §4.9: reply immediately if proxyDelay is zero, otherwise enqueue a
// deferred reply with a randomized delay bounded by proxyDelay.
func (t *Table) HandleProxyRequest(addr Address, iface Interface, senderHW HardwareAddr, senderAddr Address, proxyDelay time.Duration) error {
	if !t.matchProxy(addr, iface) {
		return errNotFound("no proxy entry for %x on %s", addr, iface.Name())
	}

	if proxyDelay <= 0 {
		return t.dispatchProxy(addr, iface, senderHW, senderAddr)
	}

	delay := time.Duration(rand.Int63n(int64(proxyDelay) + 1))
	return t.proxy.enqueue(&proxyRequest{
		addr:       addr.clone(),
		iface:      iface,
		senderHW:   senderHW.clone(),
		senderAddr: senderAddr.clone(),
		due:        t.clock.Now().Add(delay),
	})
}

func (t *Table) dispatchProxy(addr Address, iface Interface, senderHW HardwareAddr, senderAddr Address) error {
	t.proxy.mu.Lock()
	redo := t.proxy.redo
	t.proxy.mu.Unlock()
	if redo == nil {
		return errNotFound("no proxy_redo hook installed")
	}
	return redo(addr, iface, senderHW, senderAddr)
}

// enqueue appends req to the proxy queue, dropping the oldest entry on
// overflow (mirroring the per-entry queue's eviction policy), and rearms
// the shared timer if req is now the earliest pending entry.
func (p *proxyTable) enqueue(req *proxyRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.queue) >= p.qlen {
		p.queue = p.queue[1:]
		p.t.stats.UnresolvedDiscards.Inc()
	}
	p.queue = append(p.queue, req)
	p.t.stats.ProxyQueueLen.Set(float64(len(p.queue)))

	p.rearmLocked()
	return nil
}

// rearmLocked arms the single shared timer to fire at the earliest pending
// request's due time. Caller holds p.mu.
func (p *proxyTable) rearmLocked() {
	if p.stopped || len(p.queue) == 0 {
		return
	}
	earliest := p.queue[0].due
	for _, r := range p.queue[1:] {
		if r.due.Before(earliest) {
			earliest = r.due
		}
	}
	if p.timer != nil {
		p.timer.Stop()
	}
	d := earliest.Sub(p.clock.Now())
	if d < 0 {
		d = 0
	}
	p.timer = p.clock.AfterFunc(d, p.onTimerFire)
}

// onTimerFire walks the queue, re-dispatching every now-due request through
// proxy_redo subject to the pacing limiter, then rearms for whatever
// remains (spec.md §4.9). A request that's due but throttled by the
// limiter is put back on the queue at the front of the line (due now) so
// the next tick retries it first.
func (p *proxyTable) onTimerFire() {
	p.mu.Lock()
	now := p.clock.Now()
	var due []*proxyRequest
	remaining := p.queue[:0]
	for _, r := range p.queue {
		if !r.due.After(now) {
			due = append(due, r)
		} else {
			remaining = append(remaining, r)
		}
	}

	var dispatch, throttled []*proxyRequest
	for _, r := range due {
		if p.limiter.AllowN(now, 1) {
			dispatch = append(dispatch, r)
		} else {
			throttled = append(throttled, r)
		}
	}
	remaining = append(throttled, remaining...)

	p.queue = remaining
	p.t.stats.ProxyQueueLen.Set(float64(len(p.queue)))
	redo := p.redo
	p.rearmLocked()
	if len(throttled) > 0 {
		// the limiter will free up capacity before the earliest still-queued
		// due time, so force a near-term recheck.
		if p.timer != nil {
			p.timer.Stop()
		}
		p.timer = p.clock.AfterFunc(50*time.Millisecond, p.onTimerFire)
	}
	p.mu.Unlock()

	if redo == nil {
		return
	}
	for _, r := range dispatch {
		_ = redo(r.addr, r.iface, r.senderHW, r.senderAddr)
	}
}

// onInterfaceDown drops every queued request for iface and clears any
// proxy patterns scoped to it, mirroring spec.md §4.8's "proxy table is
// swept analogously".
func (p *proxyTable) onInterfaceDown(iface Interface) {
	p.mu.Lock()
	defer p.mu.Unlock()

	remaining := p.queue[:0]
	for _, r := range p.queue {
		if r.iface == nil || r.iface.Name() != iface.Name() {
			remaining = append(remaining, r)
		}
	}
	p.queue = remaining
	p.t.stats.ProxyQueueLen.Set(float64(len(p.queue)))

	for k := range p.entries {
		if k.Iface == iface.Name() {
			delete(p.entries, k)
		}
	}
	p.rearmLocked()
}

func (p *proxyTable) stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopped = true
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
}
