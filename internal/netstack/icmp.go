package netstack

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/nos-project/netcore/internal/netproto"
)

// icmpResponder answers echo requests addressed to the device and lets the
// device originate its own echo requests and wait for the matching reply,
// mirroring the single in-flight Icmp::SendEchoRequest/WaitReply pair.
type icmpResponder struct {
	dev *Device

	mu      sync.Mutex
	waiters map[icmpKey]chan time.Time

	EchoRequestRx atomic.Uint64
	EchoReplyTx   atomic.Uint64
	EchoReplyRx   atomic.Uint64
	EchoRequestTx atomic.Uint64
}

type icmpKey struct {
	id  uint16
	seq uint16
}

func newICMPResponder(dev *Device) *icmpResponder {
	return &icmpResponder{dev: dev, waiters: make(map[icmpKey]chan time.Time)}
}

// process handles a received ICMP segment (the bytes following the IPv4
// header): echo requests are answered in place, echo replies are handed to
// any pending Ping waiter.
func (r *icmpResponder) process(srcMAC netproto.MAC, ipHdr netproto.IPv4Header, segment []byte) {
	msg, err := icmp.ParseMessage(1, segment)
	if err != nil {
		r.dev.Counters.RxBadPacket.Add(1)
		return
	}

	switch msg.Type {
	case ipv4.ICMPTypeEcho:
		r.EchoRequestRx.Add(1)
		echo, ok := msg.Body.(*icmp.Echo)
		if !ok {
			return
		}
		r.reply(srcMAC, ipHdr, echo)
	case ipv4.ICMPTypeEchoReply:
		r.EchoReplyRx.Add(1)
		echo, ok := msg.Body.(*icmp.Echo)
		if !ok {
			return
		}
		r.deliverReply(uint16(echo.ID), uint16(echo.Seq))
	}
}

func (r *icmpResponder) reply(dstMAC netproto.MAC, reqIP netproto.IPv4Header, echo *icmp.Echo) {
	reply := &icmp.Message{
		Type: ipv4.ICMPTypeEchoReply,
		Code: 0,
		Body: &icmp.Echo{ID: echo.ID, Seq: echo.Seq, Data: echo.Data},
	}
	wire, err := reply.Marshal(nil)
	if err != nil {
		return
	}

	ourIP := r.dev.IP()
	ipPkt := netproto.EncodeIPv4(netproto.IPv4Header{TTL: 64, Protocol: netproto.ProtoICMP, Src: ourIP, Dst: reqIP.Src}, wire)
	frame := make([]byte, netproto.EthernetHeaderLen+len(ipPkt))
	netproto.EncodeEthernet(frame, netproto.EthernetHeader{Dst: dstMAC, Src: r.dev.mac, EtherType: netproto.EtherTypeIPv4})
	copy(frame[netproto.EthernetHeaderLen:], ipPkt)

	if r.dev.SendRaw(frame) == nil {
		r.EchoReplyTx.Add(1)
	}
}

func (r *icmpResponder) deliverReply(id, seq uint16) {
	r.mu.Lock()
	ch, ok := r.waiters[icmpKey{id, seq}]
	r.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- time.Now():
	default:
	}
}

// Ping sends an echo request to dstIP and blocks for a matching reply or
// ctx's deadline, returning the round-trip time. It is the analogue of the
// original SendEchoRequest+WaitReply pair, expressed as one call.
func (d *Device) Ping(ctx context.Context, dstIP netproto.IPv4, id, seq uint16) (time.Duration, error) {
	dstMAC, err := d.ResolveMAC(ctx, dstIP)
	if err != nil {
		return 0, fmt.Errorf("netstack: ping resolve %s: %w", dstIP, err)
	}

	key := icmpKey{id, seq}
	ch := make(chan time.Time, 1)
	d.icmp.mu.Lock()
	d.icmp.waiters[key] = ch
	d.icmp.mu.Unlock()
	defer func() {
		d.icmp.mu.Lock()
		delete(d.icmp.waiters, key)
		d.icmp.mu.Unlock()
	}()

	payload := make([]byte, 32)
	for i := range payload {
		payload[i] = byte(i)
	}
	req := &icmp.Message{
		Type: ipv4.ICMPTypeEcho,
		Code: 0,
		Body: &icmp.Echo{ID: int(id), Seq: int(seq), Data: payload},
	}
	wire, err := req.Marshal(nil)
	if err != nil {
		return 0, err
	}

	sent := time.Now()
	ipPkt := netproto.EncodeIPv4(netproto.IPv4Header{TTL: 64, Protocol: netproto.ProtoICMP, Src: d.IP(), Dst: dstIP}, wire)
	frame := make([]byte, netproto.EthernetHeaderLen+len(ipPkt))
	netproto.EncodeEthernet(frame, netproto.EthernetHeader{Dst: dstMAC, Src: d.mac, EtherType: netproto.EtherTypeIPv4})
	copy(frame[netproto.EthernetHeaderLen:], ipPkt)
	if err := d.SendRaw(frame); err != nil {
		return 0, err
	}
	d.icmp.EchoRequestTx.Add(1)

	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case replyAt := <-ch:
		return replyAt.Sub(sent), nil
	}
}
