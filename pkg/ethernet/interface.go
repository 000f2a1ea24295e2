package ethernet

import (
	"fmt"
	"net"
	"unsafe"

	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"

	"github.com/netstackd/neighcache/pkg/common"
	"github.com/netstackd/neighcache/pkg/neighbour"
)

// Interface is a raw AF_PACKET socket bound to one network interface. It is
// the adapter pkg/neighbour.Table transmits and builds headers through; see
// BuildHeader/Transmit/CanResolve below.
type Interface struct {
	name       string
	fd         int
	macAddress common.MACAddress
	broadcast  common.MACAddress
	index      int
	mtu        int
	resolvable bool
}

// OpenInterface opens a network interface for raw packet capture and
// transmission. This requires root/sudo privileges on Linux.
func OpenInterface(ifname string) (*Interface, error) {
	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return nil, fmt.Errorf("failed to get interface %s: %w", ifname, err)
	}

	if len(iface.HardwareAddr) != 6 {
		return nil, fmt.Errorf("invalid MAC address length: %d", len(iface.HardwareAddr))
	}
	var mac common.MACAddress
	copy(mac[:], iface.HardwareAddr)

	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW, int(htons(unix.ETH_P_ALL)))
	if err != nil {
		return nil, fmt.Errorf("failed to create raw socket: %w (you may need root/sudo)", err)
	}

	addr := unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  iface.Index,
	}
	if err := unix.Bind(fd, &addr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to bind socket to interface: %w", err)
	}

	// Point-to-point and loopback links cannot perform address resolution;
	// entries on them are pinned NOARP at construction (spec.md §4.4/§6).
	resolvable := iface.Flags&net.FlagPointToPoint == 0 && iface.Flags&net.FlagLoopback == 0

	return &Interface{
		name:       ifname,
		fd:         fd,
		macAddress: mac,
		broadcast:  common.BroadcastMAC,
		index:      iface.Index,
		mtu:        iface.MTU,
		resolvable: resolvable,
	}, nil
}

// Close closes the network interface.
func (i *Interface) Close() error {
	if i.fd >= 0 {
		return unix.Close(i.fd)
	}
	return nil
}

// Name returns the interface name.
func (i *Interface) Name() string {
	return i.name
}

// MACAddress returns the hardware address of this interface.
func (i *Interface) MACAddress() common.MACAddress {
	return i.macAddress
}

// HardwareAddr implements neighbour.Interface.
func (i *Interface) HardwareAddr() neighbour.HardwareAddr {
	return neighbour.HardwareAddr(i.macAddress[:])
}

// BroadcastAddr implements neighbour.Interface.
func (i *Interface) BroadcastAddr() neighbour.HardwareAddr {
	return neighbour.HardwareAddr(i.broadcast[:])
}

// MTU implements neighbour.Interface.
func (i *Interface) MTU() int {
	return i.mtu
}

// Index returns the interface index.
func (i *Interface) Index() int {
	return i.index
}

// CanResolve implements neighbour.Interface.
func (i *Interface) CanResolve() bool {
	return i.resolvable
}

// BuildHeader renders a 14-byte Ethernet II header addressed to dst,
// implementing neighbour.Interface.BuildHeader. payloadLen is unused beyond
// validating it fits an Ethernet frame; padding to the minimum frame size
// happens in Transmit, not here, since the header alone is cached by the
// table's sequence-locked template.
func (i *Interface) BuildHeader(dst neighbour.HardwareAddr, etherType uint16, payloadLen int) ([]byte, error) {
	if len(dst) != 6 {
		return nil, fmt.Errorf("invalid destination hardware address length: %d", len(dst))
	}
	if payloadLen > MaxPayloadSize {
		return nil, fmt.Errorf("payload too large: %d bytes (max %d)", payloadLen, MaxPayloadSize)
	}

	hdr := make([]byte, HeaderSize)
	copy(hdr[0:6], dst)
	copy(hdr[6:12], i.macAddress[:])
	hdr[12] = byte(etherType >> 8)
	hdr[13] = byte(etherType)
	return hdr, nil
}

// Transmit sends a fully-built link-layer frame (header + payload),
// implementing neighbour.Interface.Transmit. Frames shorter than the
// Ethernet minimum are zero-padded, mirroring what the original Frame.
// Serialize helper did for hand-built frames.
func (i *Interface) Transmit(frame []byte) error {
	if len(frame) < HeaderSize+MinPayloadSize {
		padded := make([]byte, HeaderSize+MinPayloadSize)
		copy(padded, frame)
		frame = padded
	}

	addr := unix.SockaddrLinklayer{
		Protocol: htons(unix.ETH_P_ALL),
		Ifindex:  i.index,
		Halen:    6,
	}
	copy(addr.Addr[:], frame[0:6])

	if err := unix.Sendto(i.fd, frame, 0, &addr); err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	return nil
}

// SetBPF attaches a classic BPF program (assembled via golang.org/x/net/bpf)
// to the interface's raw socket via SO_ATTACH_FILTER, so the kernel drops
// non-matching frames before they reach userspace.
func (i *Interface) SetBPF(prog []bpf.RawInstruction) error {
	sockFilter := make([]unix.SockFilter, len(prog))
	for idx, ins := range prog {
		sockFilter[idx] = unix.SockFilter{
			Code: ins.Op,
			Jt:   ins.Jt,
			Jf:   ins.Jf,
			K:    ins.K,
		}
	}
	fprog := unix.SockFprog{
		Len:    uint16(len(sockFilter)),
		Filter: (*unix.SockFilter)(unsafe.Pointer(&sockFilter[0])),
	}
	return unix.SetsockoptSockFprog(i.fd, unix.SOL_SOCKET, unix.SO_ATTACH_FILTER, &fprog)
}

// ReadFrame reads an Ethernet frame from the interface. This is a blocking
// call that waits for incoming packets.
func (i *Interface) ReadFrame() (*Frame, error) {
	buf := make([]byte, MaxFrameSize)

	n, _, err := unix.Recvfrom(i.fd, buf, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to receive packet: %w", err)
	}

	frame, err := Parse(buf[:n])
	if err != nil {
		return nil, fmt.Errorf("failed to parse frame: %w", err)
	}
	return frame, nil
}

// WriteFrame sends a pre-built Ethernet frame to the interface.
func (i *Interface) WriteFrame(frame *Frame) error {
	return i.Transmit(frame.Serialize())
}

// htons converts a 16-bit integer from host byte order to network byte
// order (big endian).
func htons(v uint16) uint16 {
	return (v << 8) | (v >> 8)
}

// ListInterfaces returns the names of the system's network interfaces that
// are up and not loopback.
func ListInterfaces() ([]string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(ifaces))
	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		names = append(names, iface.Name)
	}
	return names, nil
}

// GetInterfaceInfo returns detailed information about a network interface.
func GetInterfaceInfo(ifname string) (string, error) {
	iface, err := net.InterfaceByName(ifname)
	if err != nil {
		return "", err
	}

	info := fmt.Sprintf("Interface: %s\n", iface.Name)
	info += fmt.Sprintf("  Index: %d\n", iface.Index)
	info += fmt.Sprintf("  MTU: %d\n", iface.MTU)
	info += fmt.Sprintf("  Hardware Addr: %s\n", iface.HardwareAddr)
	info += fmt.Sprintf("  Flags: %s\n", iface.Flags)

	addrs, err := iface.Addrs()
	if err == nil && len(addrs) > 0 {
		info += "  Addresses:\n"
		for _, addr := range addrs {
			info += fmt.Sprintf("    %s\n", addr)
		}
	}
	return info, nil
}
