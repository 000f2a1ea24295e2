// Command neighd runs a standalone ARP neighbour-resolution daemon against
// one network interface: it answers requests for the configured local
// address, learns bindings from traffic it observes, and serves proxy ARP
// for any patterns registered on the command line.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/net/bpf"

	"github.com/netstackd/neighcache/pkg/arp"
	"github.com/netstackd/neighcache/pkg/common"
	"github.com/netstackd/neighcache/pkg/ethernet"
	"github.com/netstackd/neighcache/pkg/neighbour"
)

func main() {
	var (
		ifaceName  = flag.String("iface", "", "network interface to bind (required)")
		localIPStr = flag.String("local-ip", "", "local IPv4 address this daemon answers for (required)")
		proxyIP    = flag.String("proxy-ip", "", "optional IPv4 address to proxy-ARP for on this interface")
		proxyDelay = flag.Duration("proxy-delay", 800*time.Millisecond, "maximum randomized delay before answering a proxied request")
		logLevel   = flag.String("log-level", "info", "log level: debug, info, warn, error")
		gcThresh1  = flag.Int("gc-thresh1", 128, "lowest GC threshold; recorded on the table, not consulted by either GC pass")
		gcThresh2  = flag.Int("gc-thresh2", 512, "gate for rate-limited forced GC")
		gcThresh3  = flag.Int("gc-thresh3", 1024, "hard cap; Create fails above this if GC can't shrink below it")
		announce   = flag.Bool("announce", true, "send a gratuitous ARP announcement at startup")
		bpfFilter  = flag.Bool("bpf-filter", true, "install a classic BPF filter restricting capture to ARP frames")
	)
	flag.Parse()

	logger := newLogger(*logLevel)

	if *ifaceName == "" || *localIPStr == "" {
		fmt.Fprintln(os.Stderr, "usage: neighd -iface <name> -local-ip <addr> [flags]")
		flag.PrintDefaults()
		os.Exit(2)
	}

	localIP, err := common.ParseIPv4(*localIPStr)
	if err != nil {
		logger.Error("invalid -local-ip", "error", err)
		os.Exit(1)
	}

	iface, err := ethernet.OpenInterface(*ifaceName)
	if err != nil {
		logger.Error("failed to open interface", "iface", *ifaceName, "error", err)
		os.Exit(1)
	}
	defer iface.Close()

	if *bpfFilter {
		if err := installARPFilter(iface); err != nil {
			logger.Warn("failed to install BPF filter, continuing without it", "error", err)
		}
	}

	handler := arp.NewHandler(iface, localIP)

	bus := &slogEventBus{logger: logger}
	table := neighbour.NewTable("arp", 4,
		neighbour.WithLogger(logger),
		neighbour.WithEventBus(bus),
		neighbour.WithThresholds(*gcThresh1, *gcThresh2, *gcThresh3),
	)
	defer table.Close()

	handler.Bind(table)
	table.SetProxyRedo(func(addr neighbour.Address, _ neighbour.Interface, senderHW neighbour.HardwareAddr, senderAddr neighbour.Address) error {
		// answer the requester: "addr is at our MAC".
		var proxied, requesterIP common.IPv4Address
		var requesterMAC common.MACAddress
		copy(proxied[:], addr)
		copy(requesterIP[:], senderAddr)
		copy(requesterMAC[:], senderHW)
		payload := arp.NewReply(handler.LocalMAC(), proxied, requesterMAC, requesterIP).Serialize()
		hdr, err := iface.BuildHeader(senderHW, uint16(common.EtherTypeARP), len(payload))
		if err != nil {
			return err
		}
		return iface.Transmit(append(hdr, payload...))
	})

	if *proxyIP != "" {
		target, err := common.ParseIPv4(*proxyIP)
		if err != nil {
			logger.Error("invalid -proxy-ip", "error", err)
			os.Exit(1)
		}
		params := table.Parameters(iface).Clone()
		params.ProxyDelay = *proxyDelay
		table.SetParameters(iface, params)
		table.AddProxy(neighbour.Address(target[:]), iface)
		logger.Info("serving proxy ARP", "address", target, "delay", *proxyDelay)
	}

	stop := handler.Start(func() (uint16, []byte, error) {
		frame, err := iface.ReadFrame()
		if err != nil {
			return 0, nil, err
		}
		return uint16(frame.EtherType), frame.Payload, nil
	})
	defer close(stop)

	if *announce {
		if err := handler.Announce(); err != nil {
			logger.Warn("gratuitous ARP announcement failed", "error", err)
		}
	}

	logger.Info("neighd started", "iface", *ifaceName, "local_ip", localIP, "mac", iface.MACAddress())

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()
	logger.Info("neighd shutting down")
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// installARPFilter attaches a classic BPF program to the interface's raw
// socket restricting capture to EtherType 0x0806 (ARP), so the read loop
// never has to parse and discard unrelated traffic in userspace.
func installARPFilter(iface *ethernet.Interface) error {
	prog, err := bpf.Assemble([]bpf.Instruction{
		bpf.LoadAbsolute{Off: 12, Size: 2},
		bpf.JumpIf{Cond: bpf.JumpEqual, Val: 0x0806, SkipFalse: 1},
		bpf.RetConstant{Val: 0xffff},
		bpf.RetConstant{Val: 0},
	})
	if err != nil {
		return fmt.Errorf("assembling BPF program: %w", err)
	}
	return iface.SetBPF(prog)
}

// slogEventBus publishes neighbour lifecycle events as structured log
// lines; a real deployment would fan these out to a management surface
// instead.
type slogEventBus struct {
	logger *slog.Logger
}

func (b *slogEventBus) NeighbourUpdate(evt neighbour.NeighbourEvent) {
	b.logger.Debug("neighbour updated", "id", evt.ID, "op", evt.Op, "iface", evt.Iface, "state", evt.State)
}

func (b *slogEventBus) NeighbourDelete(evt neighbour.NeighbourEvent) {
	b.logger.Debug("neighbour removed", "id", evt.ID, "iface", evt.Iface)
}
