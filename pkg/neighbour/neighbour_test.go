package neighbour

import (
	"hash/maphash"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

type fakeInterface struct {
	name       string
	hw         HardwareAddr
	bcast      HardwareAddr
	mtu        int
	idx        int
	resolvable bool

	mu   sync.Mutex
	sent [][]byte
	up   bool
}

func newFakeInterface(name string) *fakeInterface {
	return &fakeInterface{
		name:       name,
		hw:         HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01},
		bcast:      HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff},
		mtu:        1500,
		resolvable: true,
		up:         true,
	}
}

func (f *fakeInterface) Name() string               { return f.name }
func (f *fakeInterface) HardwareAddr() HardwareAddr  { return f.hw }
func (f *fakeInterface) BroadcastAddr() HardwareAddr { return f.bcast }
func (f *fakeInterface) MTU() int                    { return f.mtu }
func (f *fakeInterface) Index() int                  { return f.idx }
func (f *fakeInterface) CanResolve() bool            { return f.resolvable }

func (f *fakeInterface) BuildHeader(dst HardwareAddr, etherType uint16, payloadLen int) ([]byte, error) {
	hdr := make([]byte, 14)
	copy(hdr[0:6], dst)
	copy(hdr[6:12], f.hw)
	hdr[12] = byte(etherType >> 8)
	hdr[13] = byte(etherType)
	return hdr, nil
}

func (f *fakeInterface) Transmit(frame []byte) error {
	if !f.up {
		return errInterfaceDown("interface %s is down", f.name)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := make([]byte, len(frame))
	copy(cp, frame)
	f.sent = append(f.sent, cp)
	return nil
}

func (f *fakeInterface) transmitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

// fakeProtocol is a minimal ProtocolOps for exercising the generic NUD
// machinery without any real wire format.
type fakeProtocol struct {
	mu      sync.Mutex
	solicit int
	unreach int
}

func (p *fakeProtocol) ops() *ProtocolOps {
	return p.opsVariant(VariantHeaderCache)
}

// opsVariant builds the same vtable tagged with variant, for tests that
// exercise a specific dispatch variant (e.g. VariantDirect for a
// loopback/point-to-point-style interface that never resolves).
func (p *fakeProtocol) opsVariant(variant Variant) *ProtocolOps {
	return &ProtocolOps{
		Variant: variant,
		Hash: func(h *maphash.Hash, addr Address) {
			_, _ = h.Write(addr)
		},
		Construct: func(e *Entry) (bool, HardwareAddr) {
			if !e.Interface().CanResolve() {
				return true, e.Interface().BroadcastAddr()
			}
			return false, nil
		},
		Solicit: func(e *Entry, unicast bool) error {
			p.mu.Lock()
			p.solicit++
			p.mu.Unlock()
			return nil
		},
		ErrorReport: func(upper UpperLayer, frame []byte, addr Address) {
			p.mu.Lock()
			p.unreach++
			p.mu.Unlock()
			upper.ReportUnreachable(frame, addr)
		},
	}
}

func (p *fakeProtocol) soliciations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.solicit
}

func (p *fakeProtocol) unreachables() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.unreach
}

type recordingBus struct {
	mu      sync.Mutex
	updates []NeighbourEvent
	deletes []NeighbourEvent
}

func (b *recordingBus) NeighbourUpdate(evt NeighbourEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.updates = append(b.updates, evt)
}

func (b *recordingBus) NeighbourDelete(evt NeighbourEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deletes = append(b.deletes, evt)
}

func newTestTable(t *testing.T, clock clockwork.Clock) *Table {
	t.Helper()
	tbl := NewTable("test", 4, WithClock(clock))
	t.Cleanup(tbl.Close)
	return tbl
}

func TestResolveAndSendColdStartQueuesThenSendsOnReply(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tbl := newTestTable(t, clock)
	proto := &fakeProtocol{}
	iface := newFakeInterface("eth0")
	addr := Address{10, 0, 0, 1}

	e, err := tbl.Create(iface, addr, proto.ops())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer e.Release()

	outcome, err := tbl.ResolveAndSend(0x0800, []byte("payload"), e)
	if err != nil {
		t.Fatalf("ResolveAndSend: %v", err)
	}
	if outcome != OutcomeQueued {
		t.Fatalf("outcome = %v, want queued", outcome)
	}
	if e.State() != StateIncomplete {
		t.Fatalf("state = %v, want INCOMPLETE", e.State())
	}
	if proto.soliciations() == 0 {
		t.Fatalf("expected at least one solicitation to have fired")
	}

	tbl.SolicitReply(e, HardwareAddr{0x00, 0x11, 0x22, 0x33, 0x44, 0x55}, false)
	if e.State() != StateReachable {
		t.Fatalf("state after reply = %v, want REACHABLE", e.State())
	}
	if iface.transmitCount() == 0 {
		t.Fatalf("expected queued frame to be transmitted after resolution")
	}
}

func TestResolveExhaustionReachesFailed(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tbl := newTestTable(t, clock)
	proto := &fakeProtocol{}
	iface := newFakeInterface("eth0")
	addr := Address{10, 0, 0, 2}

	e, err := tbl.Create(iface, addr, proto.ops())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer e.Release()

	params := tbl.Parameters(iface)

	if _, err := tbl.ResolveAndSend(0x0800, []byte("x"), e); err != nil {
		t.Fatalf("ResolveAndSend: %v", err)
	}

	budget := totalIncompleteBudget(params)
	for i := 0; i <= budget+4 && e.State() != StateFailed; i++ {
		clock.Advance(params.RetransTime + time.Millisecond)
	}

	if e.State() != StateFailed {
		t.Fatalf("state = %v, want FAILED after exhausting %d probes", e.State(), budget)
	}
	if proto.unreachables() == 0 {
		t.Fatalf("expected ErrorReport to have fired for the queued frame")
	}
}

func TestReachableAgesToStaleThenDelayThenProbe(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tbl := newTestTable(t, clock)
	proto := &fakeProtocol{}
	iface := newFakeInterface("eth0")
	addr := Address{10, 0, 0, 3}

	e, err := tbl.Create(iface, addr, proto.ops())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer e.Release()

	if err := tbl.Update(e, HardwareAddr{1, 2, 3, 4, 5, 6}, StateReachable, UpdateFlags{Admin: true}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	params := tbl.Parameters(iface)
	clock.Advance(params.ReachableTime + time.Millisecond)
	if e.State() != StateStale {
		t.Fatalf("state = %v, want STALE once reachable_time elapses with no confirmation", e.State())
	}

	// USE while STALE -> DELAY, then DELAY times out -> PROBE.
	if _, err := tbl.ResolveAndSend(0x0800, []byte("y"), e); err != nil {
		t.Fatalf("ResolveAndSend: %v", err)
	}
	if e.State() != StateDelay {
		t.Fatalf("state = %v, want DELAY", e.State())
	}
	clock.Advance(params.DelayProbeTime + time.Millisecond)
	if e.State() != StateProbe {
		t.Fatalf("state = %v, want PROBE", e.State())
	}
}

func TestUpdateLocktimeRefusesRapidRelearn(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tbl := newTestTable(t, clock)
	proto := &fakeProtocol{}
	iface := newFakeInterface("eth0")
	addr := Address{10, 0, 0, 4}

	e, err := tbl.Create(iface, addr, proto.ops())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer e.Release()

	if err := tbl.Update(e, HardwareAddr{1, 1, 1, 1, 1, 1}, StateStale, UpdateFlags{}); err != nil {
		t.Fatalf("first Update: %v", err)
	}

	err = tbl.Update(e, HardwareAddr{2, 2, 2, 2, 2, 2}, StateStale, UpdateFlags{})
	if !IsRefused(err) {
		t.Fatalf("second Update err = %v, want a locktime refusal", err)
	}
	if !e.HWAddr().equal(HardwareAddr{1, 1, 1, 1, 1, 1}) {
		t.Fatalf("hwaddr changed despite locktime refusal")
	}

	// Admin overrides locktime.
	if err := tbl.Update(e, HardwareAddr{2, 2, 2, 2, 2, 2}, StateStale, UpdateFlags{Admin: true}); err != nil {
		t.Fatalf("admin Update: %v", err)
	}
	if !e.HWAddr().equal(HardwareAddr{2, 2, 2, 2, 2, 2}) {
		t.Fatalf("admin override did not take effect")
	}
}

func TestForcedGCReclaimsUnreferencedEntries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tbl := NewTable("test", 4, WithClock(clock), WithThresholds(2, 2, 4))
	t.Cleanup(tbl.Close)
	proto := &fakeProtocol{}
	iface := newFakeInterface("eth0")

	for i := 0; i < 3; i++ {
		e, err := tbl.Create(iface, Address{10, 0, 1, byte(i)}, proto.ops())
		if err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
		e.Release()
		clock.Advance(6 * time.Second) // clear the forced-GC cooldown gate
	}

	if tbl.EntryCount() >= 3 {
		t.Fatalf("entry count = %d, want forced GC to have reclaimed unreferenced entries", tbl.EntryCount())
	}
}

func TestCreateFailsWhenAtCapacityAfterForcedGC(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tbl := NewTable("test", 4, WithClock(clock), WithThresholds(1, 1, 2))
	t.Cleanup(tbl.Close)
	proto := &fakeProtocol{}
	iface := newFakeInterface("eth0")

	held := make([]*Entry, 0, 2)
	for i := 0; i < 2; i++ {
		e, err := tbl.Create(iface, Address{10, 0, 2, byte(i)}, proto.ops())
		if err != nil {
			t.Fatalf("Create %d: %v", i, err)
		}
		held = append(held, e) // keep refcount > 1 so forced GC can't reclaim them
	}

	_, err := tbl.Create(iface, Address{10, 0, 2, 99}, proto.ops())
	if !IsResourceExhausted(err) {
		t.Fatalf("err = %v, want resource-exhausted once gc_thresh3 is unreclaimable", err)
	}

	for _, e := range held {
		e.Release()
	}
}

func TestOnInterfaceDownBlackholesAndDrainsQueue(t *testing.T) {
	clock := clockwork.NewFakeClock()
	bus := &recordingBus{}
	proto := &fakeProtocol{}
	iface := newFakeInterface("eth0")

	tbl2 := NewTable("test2", 4, WithClock(clock), WithEventBus(bus))
	t.Cleanup(tbl2.Close)

	e, err := tbl2.Create(iface, Address{10, 0, 3, 1}, proto.ops())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	tbl2.OnInterfaceDown(iface)

	if _, err := tbl2.ResolveAndSend(0x0800, []byte("z"), e); !IsInterfaceDown(err) {
		t.Fatalf("ResolveAndSend after interface down: err = %v, want ENETDOWN", err)
	}

	found := false
	for _, d := range bus.deletes {
		if d.Op == OpRemoved {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a DEL event to have been published on interface down")
	}

	e.Release()
}

func TestProxyReplyDeferredAndDispatched(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tbl := newTestTable(t, clock)
	iface := newFakeInterface("eth0")

	var redoCount int
	var mu sync.Mutex
	tbl.SetProxyRedo(func(addr Address, iface Interface, senderHW HardwareAddr, senderAddr Address) error {
		mu.Lock()
		redoCount++
		mu.Unlock()
		return nil
	})

	target := Address{192, 168, 1, 1}
	tbl.AddProxy(target, iface)

	err := tbl.HandleProxyRequest(target, iface, HardwareAddr{1, 2, 3, 4, 5, 6}, Address{10, 0, 0, 9}, 500*time.Millisecond)
	if err != nil {
		t.Fatalf("HandleProxyRequest: %v", err)
	}

	mu.Lock()
	before := redoCount
	mu.Unlock()
	if before != 0 {
		t.Fatalf("proxy reply dispatched immediately, want deferred")
	}

	clock.Advance(time.Second)

	mu.Lock()
	after := redoCount
	mu.Unlock()
	if after == 0 {
		t.Fatalf("proxy reply never dispatched after its delay elapsed")
	}
}

func TestLookupMissReturnsFalse(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tbl := newTestTable(t, clock)
	proto := &fakeProtocol{}
	iface := newFakeInterface("eth0")

	_, found := tbl.Lookup(iface, Address{1, 2, 3, 4}, proto.ops())
	if found {
		t.Fatalf("Lookup on empty table found = true, want false")
	}
}

func TestListReflectsLiveEntries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tbl := newTestTable(t, clock)
	proto := &fakeProtocol{}
	iface := newFakeInterface("eth0")

	e, err := tbl.Create(iface, Address{172, 16, 0, 1}, proto.ops())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer e.Release()

	snaps := tbl.List()
	if len(snaps) != 1 {
		t.Fatalf("List() len = %d, want 1", len(snaps))
	}
	if !snaps[0].Addr.equal(Address{172, 16, 0, 1}) {
		t.Fatalf("List()[0].Addr = %v, want 172.16.0.1", snaps[0].Addr)
	}
}

func TestDirectVariantOnNonResolvableInterfacePinsNoARP(t *testing.T) {
	clock := clockwork.NewFakeClock()
	tbl := newTestTable(t, clock)
	proto := &fakeProtocol{}
	iface := newFakeInterface("lo0")
	iface.resolvable = false

	e, err := tbl.Create(iface, Address{10, 0, 0, 2}, proto.opsVariant(VariantDirect))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	defer e.Release()

	if e.State() != StateNoARP {
		t.Fatalf("state = %v, want NOARP", e.State())
	}

	outcome, err := tbl.ResolveAndSend(0x0800, []byte("payload"), e)
	if err != nil {
		t.Fatalf("ResolveAndSend: %v", err)
	}
	if outcome != OutcomeSent {
		t.Fatalf("outcome = %v, want sent", outcome)
	}
	if proto.soliciations() != 0 {
		t.Fatalf("expected no solicitation on a NOARP entry")
	}
}
