// Package netstack ties the transport, address-resolution, configuration
// and transport-layer packages into one network device: it classifies
// received Ethernet frames by EtherType and, for IPv4, by protocol, routes
// them to the ARP table, ICMP echo handler, UDP listener registry or TCP
// connection pool, and exposes the SendRaw/SendUDP/RegisterUDPListener/
// RouteIP surface the shell and other in-kernel clients consume.
package netstack

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nos-project/netcore/internal/arp"
	"github.com/nos-project/netcore/internal/dhcp"
	"github.com/nos-project/netcore/internal/dnsclient"
	"github.com/nos-project/netcore/internal/httpclient"
	"github.com/nos-project/netcore/internal/netproto"
	"github.com/nos-project/netcore/internal/pcap"
	"github.com/nos-project/netcore/internal/tcp"
)

// FrameTransport is the capability a concrete link (virtio-net, a loopback
// pair in tests) provides: transmit one Ethernet frame. Receiving is push-
// based: the transport calls Device.HandleFrame as frames arrive.
type FrameTransport interface {
	SendFrame(frame []byte) error
}

// UDPListenerFunc handles one UDP datagram delivered to a registered port.
type UDPListenerFunc func(srcIP netproto.IPv4, srcPort uint16, payload []byte)

// Counters tallies the BadPacket-class drops and RX/TX activity the core
// distinguishes per §7, exposed for the shell's stat command.
type Counters struct {
	RxFrames    atomic.Uint64
	RxBadPacket atomic.Uint64
	RxUnknown   atomic.Uint64
	TxFrames    atomic.Uint64
}

// Device is the NetDevice collaborator: one Ethernet interface with DHCP-
// assigned (or statically configured) addressing, wired to ARP, DNS, TCP
// and an ICMP echo responder.
type Device struct {
	transport FrameTransport
	log       *slog.Logger
	capture   *pcap.Writer

	Name string

	mac netproto.MAC

	addrMu  sync.RWMutex
	ip      netproto.IPv4
	mask    netproto.IPv4
	gateway netproto.IPv4

	arpTable *arp.Table
	dns      *dnsclient.Resolver
	tcp      *tcp.Pool
	dhcp     *dhcp.Client
	icmp     *icmpResponder

	listenersMu sync.Mutex
	listeners   map[uint16]UDPListenerFunc

	Counters Counters
}

// Well-known ports this device reserves for its own collaborators.
const (
	dhcpClientPort = dhcp.ClientPort
	dnsClientPort  = dnsclient.ClientPort
)

// New creates a device for mac, transmitting through transport. DHCP, DNS
// and TCP are wired in immediately; DHCP acquisition (or a static Configure
// call) is what gives the device a usable IP.
func New(mac netproto.MAC, transport FrameTransport, log *slog.Logger) *Device {
	if log == nil {
		log = slog.Default()
	}
	d := &Device{
		transport: transport,
		log:       log,
		mac:       mac,
		listeners: make(map[uint16]UDPListenerFunc),
	}
	d.arpTable = arp.New(netproto.IPv4{}, mac)
	d.dns = dnsclient.New(d, netproto.IPv4{})
	d.tcp = tcp.NewPool(d)
	d.icmp = newICMPResponder(d)
	d.dhcp = dhcp.New(d, 0)
	return d
}

// SetCapture attaches a pcap sink; every frame sent or received is appended
// to it once its file header has been written. Nil disables capture.
func (d *Device) SetCapture(w *pcap.Writer) { d.capture = w }

// MAC implements arp.FrameSender / dhcp.Device / tcp.Device.
func (d *Device) MAC() netproto.MAC { return d.mac }

// IP implements tcp.Device; it reads the address under lock because DHCP
// renewal can replace it concurrently with TCP connect attempts.
func (d *Device) IP() netproto.IPv4 {
	d.addrMu.RLock()
	defer d.addrMu.RUnlock()
	return d.ip
}

// Configure assigns a static address, bypassing DHCP. Tests and the
// loopback demo use this; production bring-up instead runs the DHCP client.
func (d *Device) Configure(ip, mask, gateway, dnsServer netproto.IPv4) {
	d.addrMu.Lock()
	d.ip, d.mask, d.gateway = ip, mask, gateway
	d.addrMu.Unlock()
	d.arpTable.SetLocalIP(ip)
	d.dns.SetServer(dnsServer)
}

// ApplyLease implements dhcp.Device: it installs the leased address and
// repoints the ARP table and DNS resolver at the new interface state.
func (d *Device) ApplyLease(lease dhcp.Lease) {
	d.addrMu.Lock()
	d.ip, d.mask, d.gateway = lease.IP, lease.Mask, lease.Router
	d.addrMu.Unlock()
	d.arpTable.SetLocalIP(lease.IP)
	d.dns.SetServer(lease.DNS)
	d.log.Info("dhcp lease applied",
		"ip", lease.IP.String(), "mask", lease.Mask.String(),
		"router", lease.Router.String(), "dns", lease.DNS.String(),
		"lease_secs", lease.LeaseSecs)
}

// RunDHCP blocks running the DHCP client's acquire/renew loop until ctx is
// cancelled. Callers that configure a static address never call this.
func (d *Device) RunDHCP(ctx context.Context) error {
	return d.dhcp.Run(ctx)
}

// TCP returns the connection pool, the surface described in §4.5 and
// exposed to clients as Tcp.connect/listen/accept/send/recv/close.
func (d *Device) TCP() *tcp.Pool { return d.tcp }

// DNS returns the stub resolver, exposed to clients as Dns.resolve.
func (d *Device) DNS() *dnsclient.Resolver { return d.dns }

// HTTPClient returns a fetcher wired to this device's own TCP pool and DNS
// resolver (§2's optional HTTP client consumer) rather than the host's
// network stack.
func (d *Device) HTTPClient() *httpclient.Client { return httpclient.New(d.tcp, d.dns) }

// RouteIP returns the next hop for dst: dst itself when it shares our
// network prefix, otherwise the configured gateway (§6 NetDevice.route_ip).
func (d *Device) RouteIP(dst netproto.IPv4) netproto.IPv4 {
	d.addrMu.RLock()
	ip, mask, gw := d.ip, d.mask, d.gateway
	d.addrMu.RUnlock()
	for i := 0; i < 4; i++ {
		if dst[i]&mask[i] != ip[i]&mask[i] {
			return gw
		}
	}
	return dst
}

// ResolveMAC implements tcp.Device / used internally for UDP transmit: it
// routes dst through the gateway when it's off-link, then asks ARP.
func (d *Device) ResolveMAC(ctx context.Context, dst netproto.IPv4) (netproto.MAC, error) {
	nextHop := d.RouteIP(dst)
	return d.arpTable.Resolve(ctx, d, nextHop)
}

// SendRaw transmits an arbitrary pre-built Ethernet frame (§6
// NetDevice.send_raw). ARP and the TCP pool both call down through this.
func (d *Device) SendRaw(frame []byte) error {
	d.Counters.TxFrames.Add(1)
	d.capturePacket(frame)
	return d.transport.SendFrame(frame)
}

// SendUDP builds and transmits a UDP datagram from our address to
// dstIP:dstPort (§6 NetDevice.send_udp; src_ip is always our single
// interface address, so it is not a parameter here). It implements
// dnsclient.Transport and backs shell.Transport.
func (d *Device) SendUDP(dstIP netproto.IPv4, dstPort, srcPort uint16, payload []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), arp.ResolveTimeout)
	defer cancel()
	dstMAC, err := d.ResolveMAC(ctx, dstIP)
	if err != nil {
		return fmt.Errorf("netstack: resolve %s: %w", dstIP, err)
	}

	udpSeg := netproto.EncodeUDP(d.IP(), dstIP, netproto.UDPHeader{SrcPort: srcPort, DstPort: dstPort}, payload)
	ipPkt := netproto.EncodeIPv4(netproto.IPv4Header{TTL: 64, Protocol: netproto.ProtoUDP, Src: d.IP(), Dst: dstIP}, udpSeg)
	frame := make([]byte, netproto.EthernetHeaderLen+len(ipPkt))
	netproto.EncodeEthernet(frame, netproto.EthernetHeader{Dst: dstMAC, Src: d.mac, EtherType: netproto.EtherTypeIPv4})
	copy(frame[netproto.EthernetHeaderLen:], ipPkt)
	return d.SendRaw(frame)
}

// RegisterUDPListener registers fn to receive datagrams addressed to port
// (§6 NetDevice.register_udp_listener). It fails if the port is already
// taken or reserved by DHCP/DNS.
func (d *Device) RegisterUDPListener(port uint16, fn UDPListenerFunc) bool {
	if port == dhcpClientPort || port == dnsClientPort {
		return false
	}
	d.listenersMu.Lock()
	defer d.listenersMu.Unlock()
	if _, taken := d.listeners[port]; taken {
		return false
	}
	d.listeners[port] = fn
	return true
}

// UnregisterUDPListener removes a previously registered listener.
func (d *Device) UnregisterUDPListener(port uint16) {
	d.listenersMu.Lock()
	defer d.listenersMu.Unlock()
	delete(d.listeners, port)
}

func (d *Device) capturePacket(frame []byte) {
	if d.capture == nil {
		return
	}
	_ = d.capture.WritePacket(pcap.CaptureInfo{
		Timestamp:     time.Now(),
		CaptureLength: len(frame),
		Length:        len(frame),
	}, frame)
}

// HandleFrame is the receive-path entry point (§2): classify by EtherType,
// then for IPv4 by protocol, and dispatch to the matching subsystem.
func (d *Device) HandleFrame(frame []byte) {
	d.Counters.RxFrames.Add(1)
	d.capturePacket(frame)

	eth, payload, err := netproto.DecodeEthernet(frame)
	if err != nil {
		d.Counters.RxBadPacket.Add(1)
		return
	}

	switch eth.EtherType {
	case netproto.EtherTypeARP:
		if err := d.arpTable.Process(d, payload); err != nil {
			d.Counters.RxBadPacket.Add(1)
		}
	case netproto.EtherTypeIPv4:
		d.handleIPv4(eth, payload)
	default:
		d.Counters.RxUnknown.Add(1)
	}
}

func (d *Device) handleIPv4(eth netproto.EthernetHeader, data []byte) {
	ipHdr, segment, err := netproto.DecodeIPv4(data)
	if err != nil {
		d.Counters.RxBadPacket.Add(1)
		return
	}

	switch ipHdr.Protocol {
	case netproto.ProtoICMP:
		d.icmp.process(eth.Src, ipHdr, segment)
	case netproto.ProtoUDP:
		d.handleUDP(ipHdr, segment)
	case netproto.ProtoTCP:
		d.tcp.Process(ipHdr, eth.Src, segment)
	default:
		d.Counters.RxUnknown.Add(1)
	}
}

func (d *Device) handleUDP(ipHdr netproto.IPv4Header, segment []byte) {
	udpHdr, payload, err := netproto.DecodeUDP(segment)
	if err != nil {
		d.Counters.RxBadPacket.Add(1)
		return
	}

	switch udpHdr.DstPort {
	case dhcpClientPort:
		d.dhcp.Deliver(payload)
		return
	case dnsClientPort:
		d.dns.Deliver(payload)
		return
	}

	d.listenersMu.Lock()
	fn, ok := d.listeners[udpHdr.DstPort]
	d.listenersMu.Unlock()
	if !ok {
		d.Counters.RxUnknown.Add(1)
		return
	}
	fn(ipHdr.Src, udpHdr.SrcPort, payload)
}
