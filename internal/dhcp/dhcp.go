// Package dhcp implements the DHCP client lease-acquisition and renewal
// state machine: Discover -> Offer -> Request -> Ack/Nak -> Bound, with
// renewal attempted at lease/2 and fallback to Init on any failure.
package dhcp

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/nos-project/netcore/internal/netproto"
)

// Device is the capability surface this package needs from the network
// core: sending a raw Ethernet frame, learning our own MAC, and applying a
// bound lease to the interface. UDP demultiplexing is handled by having the
// caller register our Port with the core and feed received datagrams to
// Client.Deliver.
type Device interface {
	SendRaw(frame []byte) error
	MAC() netproto.MAC
	ApplyLease(lease Lease)
}

// ClientPort and ServerPort are the fixed well-known DHCP UDP ports (RFC 2131).
const (
	ClientPort = 68
	ServerPort = 67
)

const magicCookie uint32 = 0x63825363

// Message types, option codes (RFC 2131 §9, subset named by the spec).
const (
	msgDiscover = 1
	msgOffer    = 2
	msgRequest  = 3
	msgAck      = 5
	msgNak      = 6

	optSubnetMask    = 1
	optRouter        = 3
	optDNS           = 6
	optRequestedIP   = 50
	optLeaseTime     = 51
	optMessageType   = 53
	optServerID      = 54
	optParamRequest  = 55
	optEnd           = 255
)

// packetLen is sizeof(the fixed BOOTP header) per RFC 2131 fig. 1: op through
// the 192 bytes of the (unused here) sname/file fields, ending right before
// the magic cookie.
const packetLen = 236

const (
	opBootRequest = 1
	opBootReply   = 2
	hwTypeEther   = 1
	hwLenEther    = 6
)

// Lease is the result of a completed DHCP transaction.
type Lease struct {
	IP         netproto.IPv4
	Mask       netproto.IPv4
	Router     netproto.IPv4
	DNS        netproto.IPv4
	ServerIP   netproto.IPv4
	LeaseSecs  uint32
}

const (
	discoverTimeout  = 3 * time.Second
	discoverRetries  = 3
	retryBackoff     = 2 * time.Second
	totalFailureWait = 5 * time.Second
	minRenewWait     = 10 * time.Second
)

// Client runs the DHCP state machine for one interface. Run drives it to
// completion (blocking, renewing forever) until ctx is cancelled; Deliver
// feeds received UDP datagrams addressed to ClientPort in from the core's
// demux loop.
type Client struct {
	dev Device
	xid uint32

	mu      sync.Mutex
	pending chan []byte // set while waiting for a specific reply

	lease   Lease
	offerIP netproto.IPv4
	serverID netproto.IPv4
}

// New creates a DHCP client seeded with an initial transaction id. The
// original picks the boot clock in milliseconds; since this package must
// not call time.Now()-derived randomness as a hidden global, the caller
// supplies the seed (e.g. derived from a boot timestamp).
func New(dev Device, xidSeed uint32) *Client {
	if xidSeed == 0 {
		xidSeed = 0x12345678
	}
	return &Client{dev: dev, xid: xidSeed}
}

// Deliver hands a received UDP payload (the bytes after the UDP header) to
// the client. Only one exchange is ever pending at a time; deliveries that
// arrive with nothing pending are dropped.
func (c *Client) Deliver(payload []byte) {
	c.mu.Lock()
	ch := c.pending
	c.mu.Unlock()
	if ch == nil {
		return
	}
	cp := append([]byte(nil), payload...)
	select {
	case ch <- cp:
	default:
	}
}

// Run executes Init -> Discover -> Request -> Bound -> renew forever,
// returning only when ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	for {
		lease, err := c.acquire(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err := sleepCtx(ctx, totalFailureWait); err != nil {
				return err
			}
			continue
		}

		c.lease = lease
		c.dev.ApplyLease(lease)

		if err := c.boundLoop(ctx); err != nil {
			return err
		}
	}
}

// acquire runs Discover+Request up to discoverRetries times with a fixed
// back-off between attempts.
func (c *Client) acquire(ctx context.Context) (Lease, error) {
	for attempt := 0; attempt < discoverRetries; attempt++ {
		c.xid++

		offer, err := c.doDiscover(ctx)
		if err == nil {
			lease, err := c.doRequest(ctx, offer)
			if err == nil {
				return lease, nil
			}
		}

		if err := sleepCtx(ctx, retryBackoff); err != nil {
			return Lease{}, err
		}
	}
	return Lease{}, fmt.Errorf("dhcp: failed to obtain lease after %d attempts", discoverRetries)
}

// boundLoop sleeps until lease/2 (at least minRenewWait), then attempts a
// direct renewal REQUEST; on failure it falls back to Init by returning nil
// (Run's loop re-enters acquire).
func (c *Client) boundLoop(ctx context.Context) error {
	t1 := time.Duration(c.lease.LeaseSecs/2) * time.Second
	if t1 < minRenewWait {
		t1 = minRenewWait
	}
	if err := sleepCtx(ctx, t1); err != nil {
		return err
	}

	c.xid++
	lease, err := c.doRequest(ctx, c.lease.IP)
	if err != nil {
		return nil // renewal failed: Run restarts from Init
	}
	c.lease = lease
	c.dev.ApplyLease(lease)
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (c *Client) doDiscover(ctx context.Context) (netproto.IPv4, error) {
	frame := c.buildDiscover()
	reply, err := c.exchange(ctx, frame, msgOffer, discoverTimeout)
	if err != nil {
		return netproto.IPv4{}, err
	}
	c.offerIP = reply.yourIP
	c.serverID = reply.serverID
	return reply.yourIP, nil
}

func (c *Client) doRequest(ctx context.Context, requestedIP netproto.IPv4) (Lease, error) {
	frame := c.buildRequest(requestedIP)
	reply, err := c.exchange(ctx, frame, msgAck, discoverTimeout)
	if err != nil {
		return Lease{}, err
	}
	if reply.msgType == msgNak {
		return Lease{}, fmt.Errorf("dhcp: server sent NAK")
	}
	return Lease{
		IP:        reply.yourIP,
		Mask:      reply.mask,
		Router:    reply.router,
		DNS:       reply.dns,
		ServerIP:  reply.serverID,
		LeaseSecs: reply.leaseSecs,
	}, nil
}

// exchange sends frame and waits up to timeout for a reply matching our xid
// and MAC whose message type is one of {wantType, msgNak}.
func (c *Client) exchange(ctx context.Context, frame []byte, wantType byte, timeout time.Duration) (parsedReply, error) {
	ch := make(chan []byte, 1)
	c.mu.Lock()
	c.pending = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.pending = nil
		c.mu.Unlock()
	}()

	if err := c.dev.SendRaw(frame); err != nil {
		return parsedReply{}, err
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		select {
		case <-ctx.Done():
			return parsedReply{}, ctx.Err()
		case <-deadline.C:
			return parsedReply{}, fmt.Errorf("dhcp: timed out waiting for reply")
		case payload := <-ch:
			reply, ok := c.parseReply(payload)
			if !ok {
				continue
			}
			if reply.msgType == wantType || reply.msgType == msgNak {
				return reply, nil
			}
		}
	}
}

func (c *Client) buildDiscover() []byte {
	opts := make([]byte, 0, 16)
	opts = append(opts, optMessageType, 1, msgDiscover)
	opts = append(opts, optParamRequest, 3, optSubnetMask, optRouter, optDNS)
	opts = append(opts, optEnd)
	return c.buildFrame(opts, netproto.IPv4{})
}

func (c *Client) buildRequest(requestedIP netproto.IPv4) []byte {
	opts := make([]byte, 0, 24)
	opts = append(opts, optMessageType, 1, msgRequest)
	opts = append(opts, optRequestedIP, 4, requestedIP[0], requestedIP[1], requestedIP[2], requestedIP[3])
	opts = append(opts, optServerID, 4, c.serverID[0], c.serverID[1], c.serverID[2], c.serverID[3])
	opts = append(opts, optEnd)
	return c.buildFrame(opts, requestedIP)
}

// buildFrame assembles Ethernet(broadcast) + IPv4(0.0.0.0->255.255.255.255)
// + UDP(68->67) + BOOTP header + magic cookie + opts.
func (c *Client) buildFrame(opts []byte, _ netproto.IPv4) []byte {
	dhcp := make([]byte, packetLen+4+len(opts))
	dhcp[0] = opBootRequest
	dhcp[1] = hwTypeEther
	dhcp[2] = hwLenEther
	putU32(dhcp[4:8], c.xid)
	dhcp[10] = 0x80 // flags: broadcast bit set
	mac := c.dev.MAC()
	copy(dhcp[28:34], mac[:])
	putU32(dhcp[packetLen:packetLen+4], magicCookie)
	copy(dhcp[packetLen+4:], opts)

	srcIP := netproto.IPv4{0, 0, 0, 0}
	dstIP := netproto.IPv4{255, 255, 255, 255}

	udpSeg := netproto.EncodeUDP(srcIP, dstIP, netproto.UDPHeader{
		SrcPort: ClientPort, DstPort: ServerPort,
	}, dhcp)

	ipPkt := netproto.EncodeIPv4(netproto.IPv4Header{
		TTL:      128,
		Protocol: netproto.ProtoUDP,
		Src:      srcIP,
		Dst:      dstIP,
	}, udpSeg)

	frame := make([]byte, netproto.EthernetHeaderLen+len(ipPkt))
	netproto.EncodeEthernet(frame, netproto.EthernetHeader{
		Dst: netproto.BroadcastMAC, Src: c.dev.MAC(), EtherType: netproto.EtherTypeIPv4,
	})
	copy(frame[netproto.EthernetHeaderLen:], ipPkt)
	return frame
}

type parsedReply struct {
	xid       uint32
	msgType   byte
	yourIP    netproto.IPv4
	mask      netproto.IPv4
	router    netproto.IPv4
	dns       netproto.IPv4
	serverID  netproto.IPv4
	leaseSecs uint32
}

// parseReply parses a BOOTP+options payload (the bytes after the UDP
// header), filtering by xid and our MAC as the spec requires.
func (c *Client) parseReply(payload []byte) (parsedReply, bool) {
	if len(payload) < packetLen+4 {
		return parsedReply{}, false
	}
	if payload[0] != opBootReply {
		return parsedReply{}, false
	}
	xid := getU32(payload[4:8])
	if xid != c.xid {
		return parsedReply{}, false
	}
	ourMAC := c.dev.MAC()
	var chaddr netproto.MAC
	copy(chaddr[:], payload[28:34])
	if chaddr != ourMAC {
		return parsedReply{}, false
	}

	var reply parsedReply
	reply.xid = xid
	copy(reply.yourIP[:], payload[16:20])

	cookie := getU32(payload[packetLen : packetLen+4])
	if cookie != magicCookie {
		return parsedReply{}, false
	}

	opts := payload[packetLen+4:]
	i := 0
	for i < len(opts) {
		code := opts[i]
		if code == optEnd {
			break
		}
		if code == 0 {
			i++
			continue
		}
		if i+1 >= len(opts) {
			break
		}
		optLen := int(opts[i+1])
		if i+2+optLen > len(opts) {
			break
		}
		data := opts[i+2 : i+2+optLen]
		switch {
		case code == optMessageType && optLen >= 1:
			reply.msgType = data[0]
		case code == optSubnetMask && optLen >= 4:
			copy(reply.mask[:], data)
		case code == optRouter && optLen >= 4:
			copy(reply.router[:], data)
		case code == optDNS && optLen >= 4:
			copy(reply.dns[:], data)
		case code == optServerID && optLen >= 4:
			copy(reply.serverID[:], data)
		case code == optLeaseTime && optLen >= 4:
			reply.leaseSecs = getU32(data)
		}
		i += 2 + optLen
	}

	return reply, true
}

func putU32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}

func getU32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}
