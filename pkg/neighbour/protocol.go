package neighbour

import "hash/maphash"

// Variant tags the four protocol vtable flavours spec.md §4.4 describes.
// The tag is set by whoever builds the ProtocolOps (pkg/arp always uses
// VariantHeaderCache). Table records it but does not branch on it: every
// CONNECTED entry takes the cached-header fast path whatever its variant,
// and NOARP pinning comes from ProtocolOps.Construct, not from the tag.
type Variant int

const (
	// VariantDirect names interfaces that cannot perform address
	// resolution at all (e.g. a point-to-point link without ARP).
	VariantDirect Variant = iota

	// VariantGeneric names drivers without hardware header caching.
	VariantGeneric

	// VariantHeaderCache is for drivers exposing header templating: the
	// fast path is available once an entry is CONNECTED.
	VariantHeaderCache

	// VariantCompat is for legacy drivers that require a rebuild
	// callback before reusing a cached header.
	VariantCompat
)

func (v Variant) String() string {
	switch v {
	case VariantDirect:
		return "direct"
	case VariantGeneric:
		return "generic"
	case VariantHeaderCache:
		return "with-header-cache"
	case VariantCompat:
		return "compat"
	default:
		return "unknown"
	}
}

// ProtocolOps is the per-protocol vtable selected per entry at construction
// (spec.md §4.4). ARP for IPv4 is the concrete instance wired in pkg/arp;
// a second protocol can be added by providing a new ProtocolOps without
// touching the table or NUD machinery.
type ProtocolOps struct {
	Variant Variant

	// Hash feeds addr's bytes into the table's per-instance keyed hash
	// (hash/maphash.Hash, seeded once at table construction as a
	// resize/flood defense). Left to the protocol so a future protocol
	// with a different address shape can normalize before mixing.
	Hash func(h *maphash.Hash, addr Address)

	// Construct runs at entry-creation time. It may short-circuit the
	// entry to NOARP with a fabricated hardware address for broadcast,
	// multicast, loopback, or point-to-point targets; it returns true if
	// it did so.
	Construct func(e *Entry) (noarp bool, hwAddr HardwareAddr)

	// Solicit crafts and emits a resolution request. unicast selects
	// between a directed probe (PROBE state) and a broadcast/multicast
	// one (INCOMPLETE state).
	Solicit func(e *Entry, unicast bool) error

	// ErrorReport notifies the upper layer that frame could not be
	// delivered to addr.
	ErrorReport func(upper UpperLayer, frame []byte, addr Address)

	// RebuildHeader is reserved for VariantCompat drivers that rebuild a
	// cached header before reuse. Table never calls it; pkg/arp leaves it nil.
	RebuildHeader func(e *Entry) ([]byte, error)
}
