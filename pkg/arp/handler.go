package arp

import (
	"fmt"
	"sync"
	"time"

	"github.com/netstackd/neighcache/pkg/common"
	"github.com/netstackd/neighcache/pkg/neighbour"
)

// DefaultRequestTimeout is the default time Resolve blocks waiting for an
// address to become usable.
const DefaultRequestTimeout = 3 * time.Second

// Handler binds one network interface to a neighbour.Table: it turns
// inbound ARP packets into NUD events (learning, solicit replies, requests
// for our own address) and turns outbound resolution into ARP requests,
// via the vtable built by Ops.
type Handler struct {
	iface   neighbour.Interface
	localIP common.IPv4Address
	ops     *neighbour.ProtocolOps

	table *neighbour.Table

	mu      sync.Mutex
	timeout time.Duration
	waiters map[string][]chan neighbour.HardwareAddr
}

// NewHandler creates a Handler for iface/localIP. Bind must be called with
// the neighbour.Table this handler will drive before Resolve/HandlePacket
// are used; the two-step construction breaks the otherwise-circular
// Handler<->Table dependency (the table needs the handler as its EventBus,
// the handler needs the table to look entries up).
func NewHandler(iface neighbour.Interface, localIP common.IPv4Address) *Handler {
	h := &Handler{
		iface:   iface,
		localIP: localIP,
		timeout: DefaultRequestTimeout,
		waiters: make(map[string][]chan neighbour.HardwareAddr),
	}
	h.ops = Ops(localIP, h.localMAC)
	return h
}

// Bind attaches table to this handler. Call neighbour.WithEventBus(h) when
// constructing table so solicit-reply and GC notifications reach Resolve's
// waiters.
func (h *Handler) Bind(table *neighbour.Table) {
	h.table = table
}

// Ops returns the ARP vtable this handler was constructed with, for passing
// to Table.Lookup/Create/CreateOrUpdate.
func (h *Handler) Ops() *neighbour.ProtocolOps {
	return h.ops
}

// SetTimeout sets how long Resolve blocks waiting for resolution.
func (h *Handler) SetTimeout(timeout time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.timeout = timeout
}

func (h *Handler) localMAC() common.MACAddress {
	var mac common.MACAddress
	copy(mac[:], h.iface.HardwareAddr())
	return mac
}

// LocalMAC returns this handler's interface hardware address, for callers
// (like a proxy_redo hook) that need to address a reply as us.
func (h *Handler) LocalMAC() common.MACAddress {
	return h.localMAC()
}

// Resolve resolves targetIP to a MAC address, blocking until the table's
// NUD state machine reaches a usable state or the timeout elapses. It does
// not retry itself -- the table's own INCOMPLETE/PROBE timers are what
// drive retransmission.
func (h *Handler) Resolve(targetIP common.IPv4Address) (common.MACAddress, error) {
	addr := neighbour.Address(targetIP[:])

	e, found := h.table.Lookup(h.iface, addr, h.ops)
	if !found {
		var err error
		e, err = h.table.Create(h.iface, addr, h.ops)
		if err != nil {
			return common.MACAddress{}, err
		}
	}
	defer e.Release()

	if e.State().Connected() {
		return macFrom(e.HWAddr()), nil
	}

	ch := make(chan neighbour.HardwareAddr, 1)
	key := string(addr)
	h.mu.Lock()
	h.waiters[key] = append(h.waiters[key], ch)
	timeout := h.timeout
	h.mu.Unlock()

	if _, err := h.table.ResolveAndSend(uint16(common.EtherTypeARP), nil, e); err != nil {
		h.removeWaiter(key, ch)
		return common.MACAddress{}, err
	}

	select {
	case hw := <-ch:
		return macFrom(hw), nil
	case <-time.After(timeout):
		h.removeWaiter(key, ch)
		return common.MACAddress{}, fmt.Errorf("ARP request timeout for %s", targetIP)
	}
}

func (h *Handler) removeWaiter(key string, target chan neighbour.HardwareAddr) {
	h.mu.Lock()
	defer h.mu.Unlock()
	waiters := h.waiters[key]
	for i, ch := range waiters {
		if ch == target {
			h.waiters[key] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
	if len(h.waiters[key]) == 0 {
		delete(h.waiters, key)
	}
}

// NeighbourUpdate implements neighbour.EventBus: it wakes any Resolve
// callers waiting on evt.Address once it becomes CONNECTED.
func (h *Handler) NeighbourUpdate(evt neighbour.NeighbourEvent) {
	if !evt.State.Connected() {
		return
	}
	key := string(evt.Address)
	h.mu.Lock()
	waiters := h.waiters[key]
	delete(h.waiters, key)
	h.mu.Unlock()

	for _, ch := range waiters {
		ch <- evt.HWAddr
	}
}

// NeighbourDelete implements neighbour.EventBus; Resolve callers already
// time out on their own, so deletions need no action here.
func (h *Handler) NeighbourDelete(evt neighbour.NeighbourEvent) {}

func macFrom(hw neighbour.HardwareAddr) common.MACAddress {
	var mac common.MACAddress
	copy(mac[:], hw)
	return mac
}

// SendRequest sends an ARP request for targetIP, broadcast on h.iface.
func (h *Handler) SendRequest(targetIP common.IPv4Address) error {
	req := NewRequest(h.localMAC(), h.localIP, targetIP)
	return h.transmit(h.iface.BroadcastAddr(), req)
}

// SendReply sends a directed ARP reply asserting localIP is at our MAC, to
// targetMAC/targetIP.
func (h *Handler) SendReply(targetMAC common.MACAddress, targetIP common.IPv4Address) error {
	reply := NewReply(h.localMAC(), h.localIP, targetMAC, targetIP)
	return h.transmit(neighbour.HardwareAddr(targetMAC[:]), reply)
}

// Announce sends a gratuitous ARP: sender IP == target IP, broadcast. Used
// when an interface comes up or changes address.
func (h *Handler) Announce() error {
	req := NewRequest(h.localMAC(), h.localIP, h.localIP)
	return h.transmit(h.iface.BroadcastAddr(), req)
}

func (h *Handler) transmit(dst neighbour.HardwareAddr, packet *Packet) error {
	payload := packet.Serialize()
	hdr, err := h.iface.BuildHeader(dst, uint16(common.EtherTypeARP), len(payload))
	if err != nil {
		return err
	}
	frame := make([]byte, 0, len(hdr)+len(payload))
	frame = append(frame, hdr...)
	frame = append(frame, payload...)
	return h.iface.Transmit(frame)
}

// HandlePacket processes one inbound ARP packet: requests are answered (and
// the sender's binding learned), replies feed the NUD state machine via
// SolicitReply.
func (h *Handler) HandlePacket(packet *Packet) error {
	switch {
	case packet.IsRequest():
		return h.handleRequest(packet)
	case packet.IsReply():
		return h.handleReply(packet)
	default:
		return fmt.Errorf("unknown ARP operation: %d", packet.Operation)
	}
}

func (h *Handler) handleRequest(packet *Packet) error {
	// loopback/multicast targets can never be legitimate resolution targets
	// (spec.md §4.5 step 2); nothing to answer or learn.
	if isLoopbackOrMulticastIP(packet.TargetIP) {
		return nil
	}

	// a DAD probe carries a zero sender address: the prober has no binding
	// of its own yet, so there is nothing to learn (spec.md §4.5 step 3).
	if !isZeroIP(packet.SenderIP) {
		h.learn(packet.SenderIP, packet.SenderMAC)
	}

	if packet.TargetIP == h.localIP {
		return h.SendReply(packet.SenderMAC, packet.SenderIP)
	}

	return h.proxyRequest(packet)
}

// proxyRequest answers on behalf of a registered proxy address, deferring
// per the table's configured proxy_delay (spec.md §4.5 step 5, §4.9). A
// target with no matching proxy entry is silently ignored.
func (h *Handler) proxyRequest(packet *Packet) error {
	addr := neighbour.Address(packet.TargetIP[:])
	delay := h.table.Parameters(h.iface).ProxyDelay
	_ = h.table.HandleProxyRequest(addr, h.iface,
		neighbour.HardwareAddr(packet.SenderMAC[:]), neighbour.Address(packet.SenderIP[:]), delay)
	return nil
}

func isZeroIP(ip common.IPv4Address) bool {
	return ip == common.IPv4Address{}
}

// isLoopbackOrMulticastIP reports whether ip is in 127.0.0.0/8 or
// 224.0.0.0/4, neither of which is ever a resolvable ARP target.
func isLoopbackOrMulticastIP(ip common.IPv4Address) bool {
	return ip[0] == 127 || ip[0]&0xf0 == 0xe0
}

func (h *Handler) handleReply(packet *Packet) error {
	addr := neighbour.Address(packet.SenderIP[:])
	e, found := h.table.Lookup(h.iface, addr, h.ops)
	if !found {
		// unsolicited reply for an address we never asked about: learn it
		// as a fresh STALE binding rather than dropping it.
		h.learn(packet.SenderIP, packet.SenderMAC)
		return nil
	}
	defer e.Release()

	h.table.SolicitReply(e, neighbour.HardwareAddr(packet.SenderMAC[:]), false)
	return nil
}

// learn applies inbound-learning information for addr/mac, creating an
// entry if one does not already exist (spec.md §4.5).
func (h *Handler) learn(ip common.IPv4Address, mac common.MACAddress) {
	addr := neighbour.Address(ip[:])
	e, found := h.table.Lookup(h.iface, addr, h.ops)
	if !found {
		var err error
		e, err = h.table.Create(h.iface, addr, h.ops)
		if err != nil {
			// table genuinely out of capacity.
			return
		}
	}
	defer e.Release()
	// a locktime refusal or a pinned PERMANENT/NOARP entry is an expected,
	// silent outcome of inbound learning.
	_ = h.table.Update(e, neighbour.HardwareAddr(mac[:]), neighbour.StateStale, neighbour.UpdateFlags{})
}

// Start runs the packet-receive loop in its own goroutine until the
// returned channel is closed.
func (h *Handler) Start(readFrame func() (uint16, []byte, error)) chan<- struct{} {
	stop := make(chan struct{})

	go func() {
		for {
			select {
			case <-stop:
				return
			default:
				etherType, payload, err := readFrame()
				if err != nil {
					time.Sleep(10 * time.Millisecond)
					continue
				}
				if etherType != uint16(common.EtherTypeARP) {
					continue
				}
				packet, err := Parse(payload)
				if err != nil {
					continue
				}
				_ = h.HandlePacket(packet)
			}
		}
	}()

	return stop
}
