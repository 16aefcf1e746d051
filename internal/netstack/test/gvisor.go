// Package test checks the device's wire behavior against an independent
// IPv4/ARP/TCP/UDP implementation instead of only against itself: a gVisor
// userspace stack stands in for "the rest of the network" on the far side of
// a synthetic Ethernet link, so a bug shared between our encoder and decoder
// (which a loopback test between two Devices would never catch) still shows
// up as a real protocol mismatch.
package test

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	"gvisor.dev/gvisor/pkg/buffer"
	"gvisor.dev/gvisor/pkg/tcpip"
	"gvisor.dev/gvisor/pkg/tcpip/adapters/gonet"
	"gvisor.dev/gvisor/pkg/tcpip/header"
	"gvisor.dev/gvisor/pkg/tcpip/link/channel"
	"gvisor.dev/gvisor/pkg/tcpip/link/ethernet"
	"gvisor.dev/gvisor/pkg/tcpip/network/arp"
	"gvisor.dev/gvisor/pkg/tcpip/network/ipv4"
	"gvisor.dev/gvisor/pkg/tcpip/stack"
	gtcp "gvisor.dev/gvisor/pkg/tcpip/transport/tcp"
	gudp "gvisor.dev/gvisor/pkg/tcpip/transport/udp"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/nos-project/netcore/internal/netproto"
	"github.com/nos-project/netcore/internal/netstack"
)

const peerNICID tcpip.NICID = 1

var (
	ourIPv4  = net.IPv4(10, 42, 0, 2)
	peerIPv4 = net.IPv4(10, 42, 0, 1)
)

// harness wires one netstack.Device (the code under test) to a gVisor stack
// (the independent peer) through a channel.Endpoint/ethernet.Endpoint link,
// the same way a real NIC would carry frames between two hosts.
type harness struct {
	t testing.TB

	ctx    context.Context
	cancel context.CancelFunc

	dev *netstack.Device

	gs *stack.Stack
	ch *channel.Endpoint
}

func mustAddrFrom4(ip net.IP) tcpip.Address {
	ip4 := ip.To4()
	if ip4 == nil {
		panic("expected IPv4")
	}
	var b [4]byte
	copy(b[:], ip4)
	return tcpip.AddrFrom4(b)
}

func ipv4Of(ip net.IP) netproto.IPv4 {
	v4 := ip.To4()
	var out netproto.IPv4
	copy(out[:], v4)
	return out
}

// frameSenderFunc adapts a func to netstack.FrameTransport.
type frameSenderFunc func([]byte) error

func (f frameSenderFunc) SendFrame(frame []byte) error { return f(frame) }

func newHarness(tb testing.TB) *harness {
	tb.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{t: tb, ctx: ctx, cancel: cancel}
	peerMAC := net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	ourMAC := netproto.MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}

	// channel.Endpoint.MTU is the L2 MTU; ethernet.Endpoint subtracts the
	// ethernet header length to get the L3 MTU it advertises, so ask for a
	// 1500-byte L3 MTU here.
	h.ch = channel.New(256, 1500+header.EthernetMinimumSize, tcpip.LinkAddress(peerMAC))
	ep := ethernet.New(h.ch)
	h.gs = stack.New(stack.Options{
		NetworkProtocols:   []stack.NetworkProtocolFactory{ipv4.NewProtocol, arp.NewProtocol},
		TransportProtocols: []stack.TransportProtocolFactory{gtcp.NewProtocol, gudp.NewProtocol},
	})
	if err := h.gs.CreateNIC(peerNICID, ep); err != nil {
		tb.Fatalf("gvisor CreateNIC: %v", err)
	}
	if err := h.gs.AddProtocolAddress(peerNICID, tcpip.ProtocolAddress{
		Protocol: ipv4.ProtocolNumber,
		AddressWithPrefix: tcpip.AddressWithPrefix{
			Address:   mustAddrFrom4(peerIPv4),
			PrefixLen: 24,
		},
	}, stack.AddressProperties{}); err != nil {
		tb.Fatalf("gvisor AddProtocolAddress: %v", err)
	}
	h.gs.SetRouteTable([]tcpip.Route{
		{Destination: header.IPv4EmptySubnet, NIC: peerNICID},
	})

	logger := slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
	h.dev = netstack.New(ourMAC, frameSenderFunc(h.sendToPeer), logger)
	h.dev.Configure(ipv4Of(ourIPv4), ipv4Of(net.IPv4(255, 255, 255, 0)), ipv4Of(peerIPv4), ipv4Of(peerIPv4))

	go h.pumpPeerFrames()

	tb.Cleanup(func() {
		h.cancel()
		h.ch.Close()
		h.gs.Close()
	})
	return h
}

// sendToPeer hands a frame transmitted by our Device to the gVisor stack's
// link endpoint, the direction a real NIC would call "transmit".
func (h *harness) sendToPeer(frame []byte) error {
	out := append([]byte(nil), frame...)
	pkt := stack.NewPacketBuffer(stack.PacketBufferOptions{Payload: buffer.MakeWithData(out)})
	h.ch.InjectInbound(0, pkt)
	pkt.DecRef()
	return nil
}

// pumpPeerFrames carries frames the gVisor stack transmits back into our
// Device's receive path, completing the link in the other direction.
func (h *harness) pumpPeerFrames() {
	for {
		pkt := h.ch.ReadContext(h.ctx)
		if pkt == nil {
			return
		}
		out := append([]byte(nil), pkt.ToView().AsSlice()...)
		pkt.DecRef()
		h.dev.HandleFrame(out)
	}
}

// dialPeerTCP opens a TCP connection from the gVisor side to dstPort on our
// Device, exercising the Device's passive-open/Accept path.
func dialPeerTCP(tb testing.TB, gs *stack.Stack, dstIP net.IP, dstPort uint16) net.Conn {
	tb.Helper()
	c, err := gonet.DialTCP(gs, tcpip.FullAddress{
		NIC:  peerNICID,
		Addr: mustAddrFrom4(dstIP),
		Port: dstPort,
	}, ipv4.ProtocolNumber)
	if err != nil {
		tb.Fatalf("gvisor dial tcp: %v", err)
	}
	tb.Cleanup(func() { _ = c.Close() })
	return c
}

// peerListener is a minimal TCP listener on the gVisor side, used so our
// Device can exercise its active-open/Connect path against a real peer.
type peerListener struct {
	ep tcpip.Endpoint
	wq *waiter.Queue
}

func listenPeerTCP(tb testing.TB, gs *stack.Stack, port uint16, backlog int) *peerListener {
	tb.Helper()
	var wq waiter.Queue
	ep, terr := gs.NewEndpoint(gtcp.ProtocolNumber, ipv4.ProtocolNumber, &wq)
	if terr != nil {
		tb.Fatalf("gvisor new tcp endpoint: %v", terr)
	}
	if terr := ep.Bind(tcpip.FullAddress{NIC: peerNICID, Addr: mustAddrFrom4(peerIPv4), Port: port}); terr != nil {
		ep.Close()
		tb.Fatalf("gvisor tcp bind: %v", terr)
	}
	if terr := ep.Listen(backlog); terr != nil {
		ep.Close()
		tb.Fatalf("gvisor tcp listen: %v", terr)
	}
	tb.Cleanup(func() { ep.Close() })
	return &peerListener{ep: ep, wq: &wq}
}

func (l *peerListener) accept(tb testing.TB, timeout time.Duration) net.Conn {
	tb.Helper()
	waitEntry, notifyCh := waiter.NewChannelEntry(waiter.EventIn)
	l.wq.EventRegister(&waitEntry)
	defer l.wq.EventUnregister(&waitEntry)

	deadline := time.Now().Add(timeout)
	for {
		nep, nwq, terr := l.ep.Accept(nil)
		if terr == nil {
			return gonet.NewTCPConn(nwq, nep)
		}
		if _, ok := terr.(*tcpip.ErrWouldBlock); ok {
			if time.Now().After(deadline) {
				tb.Fatalf("timeout waiting for gvisor tcp accept")
			}
			select {
			case <-notifyCh:
			case <-time.After(time.Millisecond):
			}
			continue
		}
		tb.Fatalf("gvisor tcp accept: %v", terr)
	}
}

func dialPeerUDP(tb testing.TB, gs *stack.Stack, localPort uint16) (tcpip.Endpoint, *waiter.Queue) {
	tb.Helper()
	var wq waiter.Queue
	ep, terr := gs.NewEndpoint(gudp.ProtocolNumber, ipv4.ProtocolNumber, &wq)
	if terr != nil {
		tb.Fatalf("gvisor new udp endpoint: %v", terr)
	}
	if terr := ep.Bind(tcpip.FullAddress{NIC: peerNICID, Addr: mustAddrFrom4(peerIPv4), Port: localPort}); terr != nil {
		ep.Close()
		tb.Fatalf("gvisor udp bind: %v", terr)
	}
	tb.Cleanup(func() { ep.Close() })
	return ep, &wq
}

func writePeerUDP(tb testing.TB, ep tcpip.Endpoint, dstIP net.IP, dstPort uint16, payload []byte) {
	tb.Helper()
	n, terr := ep.Write(bytes.NewReader(payload), tcpip.WriteOptions{
		To: &tcpip.FullAddress{NIC: peerNICID, Addr: mustAddrFrom4(dstIP), Port: dstPort},
	})
	if terr != nil {
		tb.Fatalf("gvisor udp write: %v", terr)
	}
	if int(n) != len(payload) {
		tb.Fatalf("gvisor udp short write: %d != %d", n, len(payload))
	}
}

func readPeerUDP(tb testing.TB, ep tcpip.Endpoint, timeout time.Duration) []byte {
	tb.Helper()
	deadline := time.Now().Add(timeout)
	buf := make([]byte, 64*1024)
	for {
		w := tcpip.SliceWriter(buf)
		rr, terr := ep.Read(&w, tcpip.ReadOptions{NeedRemoteAddr: true})
		if terr == nil {
			return buf[:rr.Count]
		}
		if _, ok := terr.(*tcpip.ErrWouldBlock); ok {
			if time.Now().After(deadline) {
				tb.Fatalf("timeout waiting for gvisor udp read")
			}
			time.Sleep(time.Millisecond)
			continue
		}
		tb.Fatalf("gvisor udp read: %v", terr)
	}
}

// readAll reads r to completion, failing the test if it takes longer than
// timeout rather than hanging forever on a stuck connection.
func readAll(tb testing.TB, r io.Reader, timeout time.Duration) []byte {
	tb.Helper()
	done := make(chan struct{})
	var buf []byte
	var err error
	go func() {
		buf, err = io.ReadAll(r)
		close(done)
	}()
	select {
	case <-done:
		if err != nil {
			tb.Fatalf("read: %v", err)
		}
		return buf
	case <-time.After(timeout):
		tb.Fatalf("timeout reading from peer connection")
		return nil
	}
}
