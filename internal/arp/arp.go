// Package arp implements the address-resolution cache: a fixed-size
// IP->MAC table, request/reply processing, and an active resolve operation
// that broadcasts a request and polls the cache for the reply.
package arp

import (
	"context"
	"sync"
	"time"

	"github.com/nos-project/netcore/internal/netproto"
)

// cacheSize bounds the table; a full cache evicts slot 0 (§3).
const cacheSize = 16

// FrameSender is the minimal capability this package needs from the device:
// the ability to transmit a raw Ethernet frame. Implemented by the netstack
// NetDevice.
type FrameSender interface {
	SendRaw(frame []byte) error
}

type entry struct {
	ip    netproto.IPv4
	mac   netproto.MAC
	valid bool
}

// Table is the address-resolution cache for one interface.
type Table struct {
	ourIP  netproto.IPv4
	ourMAC netproto.MAC

	mu      sync.Mutex
	entries [cacheSize]entry
}

// New creates an ARP table for the interface identified by ip/mac.
func New(ourIP netproto.IPv4, ourMAC netproto.MAC) *Table {
	return &Table{ourIP: ourIP, ourMAC: ourMAC}
}

// SetLocalIP updates the interface address used to answer "who-has" requests
// and to stamp our sender IP on outgoing requests. Called when a DHCP lease
// replaces the address the table was constructed with.
func (t *Table) SetLocalIP(ip netproto.IPv4) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ourIP = ip
}

// Lookup returns the cached MAC for ip, if any.
func (t *Table) Lookup(ip netproto.IPv4) (netproto.MAC, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if t.entries[i].valid && t.entries[i].ip == ip {
			return t.entries[i].mac, true
		}
	}
	return netproto.MAC{}, false
}

// Insert records ip->mac, updating an existing entry, filling the first
// free slot, or overwriting slot 0 when the cache is full.
func (t *Table) Insert(ip netproto.IPv4, mac netproto.MAC) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.entries {
		if t.entries[i].valid && t.entries[i].ip == ip {
			t.entries[i].mac = mac
			return
		}
	}
	for i := range t.entries {
		if !t.entries[i].valid {
			t.entries[i] = entry{ip: ip, mac: mac, valid: true}
			return
		}
	}
	t.entries[0] = entry{ip: ip, mac: mac, valid: true}
}

// Process handles a received ARP payload (the bytes following the Ethernet
// header). It replies to requests targeting our IP and, for both opcodes,
// learns the sender's IP->MAC mapping.
func (t *Table) Process(dev FrameSender, payload []byte) error {
	pkt, err := netproto.DecodeARP(payload)
	if err != nil {
		return nil // malformed: drop silently (§7 BadPacket)
	}

	needReply := pkt.Opcode == netproto.ARPOpRequest && pkt.TargetIP == t.ourIP
	t.Insert(pkt.SenderIP, pkt.SenderMAC)

	if needReply {
		return t.sendReply(dev, pkt.SenderMAC, pkt.SenderIP)
	}
	return nil
}

func (t *Table) sendReply(dev FrameSender, dstMAC netproto.MAC, dstIP netproto.IPv4) error {
	frame := make([]byte, netproto.EthernetHeaderLen+netproto.ARPPacketLen)
	netproto.EncodeEthernet(frame, netproto.EthernetHeader{
		Dst: dstMAC, Src: t.ourMAC, EtherType: netproto.EtherTypeARP,
	})
	netproto.EncodeARP(frame[netproto.EthernetHeaderLen:], netproto.ARPPacket{
		Opcode:    netproto.ARPOpReply,
		SenderMAC: t.ourMAC,
		SenderIP:  t.ourIP,
		TargetMAC: dstMAC,
		TargetIP:  dstIP,
	})
	return dev.SendRaw(frame)
}

func (t *Table) sendRequest(dev FrameSender, ip netproto.IPv4) error {
	frame := make([]byte, netproto.EthernetHeaderLen+netproto.ARPPacketLen)
	netproto.EncodeEthernet(frame, netproto.EthernetHeader{
		Dst: netproto.BroadcastMAC, Src: t.ourMAC, EtherType: netproto.EtherTypeARP,
	})
	netproto.EncodeARP(frame[netproto.EthernetHeaderLen:], netproto.ARPPacket{
		Opcode:    netproto.ARPOpRequest,
		SenderMAC: t.ourMAC,
		SenderIP:  t.ourIP,
		TargetIP:  ip,
	})
	return dev.SendRaw(frame)
}

// ResolveTimeout is the duration Resolve polls the cache for a reply before
// giving up (§5).
const ResolveTimeout = 3 * time.Second

const pollInterval = time.Millisecond

// Resolve returns the MAC for ip, using the cache fast path or broadcasting
// a request and cooperatively polling until ResolveTimeout elapses.
func (t *Table) Resolve(ctx context.Context, dev FrameSender, ip netproto.IPv4) (netproto.MAC, error) {
	if mac, ok := t.Lookup(ip); ok {
		return mac, nil
	}
	if err := t.sendRequest(dev, ip); err != nil {
		return netproto.MAC{}, err
	}

	deadline := time.Now().Add(ResolveTimeout)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return netproto.MAC{}, ctx.Err()
		case <-ticker.C:
			if mac, ok := t.Lookup(ip); ok {
				return mac, nil
			}
			if time.Now().After(deadline) {
				return netproto.MAC{}, ErrTimeout
			}
		}
	}
}

// ErrTimeout is returned by Resolve when no reply arrives within ResolveTimeout.
var ErrTimeout = errTimeout{}

type errTimeout struct{}

func (errTimeout) Error() string { return "arp: resolve timeout" }
