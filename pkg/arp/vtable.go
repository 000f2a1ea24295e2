package arp

import (
	"hash/maphash"

	"github.com/netstackd/neighcache/pkg/common"
	"github.com/netstackd/neighcache/pkg/neighbour"
)

// Ops builds the neighbour.ProtocolOps vtable for ARP-over-Ethernet/IPv4:
// the one concrete protocol instance pkg/neighbour.Table is parameterized
// over (spec.md §4.4). localIP is the address this table answers requests
// for and solicits from; sender is used to address outgoing ARP packets.
func Ops(localIP common.IPv4Address, sender func() common.MACAddress) *neighbour.ProtocolOps {
	return &neighbour.ProtocolOps{
		Variant:       neighbour.VariantHeaderCache,
		Hash:          hashAddr,
		Construct:     constructEntry,
		Solicit:       solicit(localIP, sender),
		ErrorReport:   errorReport,
		RebuildHeader: nil,
	}
}

// hashAddr mixes a 4-byte IPv4 address into the table's per-instance keyed
// hash.
func hashAddr(h *maphash.Hash, addr neighbour.Address) {
	_, _ = h.Write(addr)
}

// constructEntry short-circuits broadcast, multicast, and non-resolving
// interfaces to NOARP, matching spec.md §4.1's "Construct may pin NOARP
// with a fabricated hardware address".
func constructEntry(e *neighbour.Entry) (noarp bool, hwAddr neighbour.HardwareAddr) {
	iface := e.Interface()
	addr := e.Address()

	if !iface.CanResolve() {
		return true, iface.BroadcastAddr()
	}
	if len(addr) == 4 && addr[0]&0xf0 == 0xe0 {
		// 224.0.0.0/4 maps onto 01:00:5e plus the low 23 bits of the group.
		return true, neighbour.HardwareAddr{0x01, 0x00, 0x5e, addr[1] & 0x7f, addr[2], addr[3]}
	}
	if len(addr) == 4 && addr[3] == 0xff {
		// .255 broadcast within a /24; a full subnet-aware check belongs to
		// the IP layer, not this table, so this is a conservative heuristic.
		return true, iface.BroadcastAddr()
	}
	return false, nil
}

// solicit returns a Solicit func bound to localIP/sender: unicast probes go
// directly to the entry's learned MAC (PROBE state), broadcast probes are
// classic "who-has" ARP requests (INCOMPLETE state).
func solicit(localIP common.IPv4Address, sender func() common.MACAddress) func(e *neighbour.Entry, unicast bool) error {
	return func(e *neighbour.Entry, unicast bool) error {
		targetIP := common.IPv4Address{}
		copy(targetIP[:], e.Address())

		senderMAC := sender()
		req := NewRequest(senderMAC, localIP, targetIP)
		payload := req.Serialize()

		dst := e.Interface().BroadcastAddr()
		if unicast {
			dst = e.HWAddr()
		}

		hdr, err := e.Interface().BuildHeader(dst, uint16(common.EtherTypeARP), len(payload))
		if err != nil {
			return err
		}
		frame := make([]byte, 0, len(hdr)+len(payload))
		frame = append(frame, hdr...)
		frame = append(frame, payload...)
		return e.Interface().Transmit(frame)
	}
}

// errorReport hands an undeliverable frame to the upper layer, implementing
// neighbour.ProtocolOps.ErrorReport for ARP (spec.md §4.2/§7).
func errorReport(upper neighbour.UpperLayer, frame []byte, addr neighbour.Address) {
	upper.ReportUnreachable(frame, addr)
}
