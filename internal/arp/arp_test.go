package arp

import (
	"context"
	"testing"
	"time"

	"github.com/nos-project/netcore/internal/netproto"
)

type recordingSender struct {
	frames [][]byte
}

func (s *recordingSender) SendRaw(frame []byte) error {
	s.frames = append(s.frames, append([]byte(nil), frame...))
	return nil
}

func mustIP(a, b, c, d byte) netproto.IPv4 { return netproto.IPv4{a, b, c, d} }

// TestARPExchange reproduces the literal scenario from the spec: a peer ARP
// request for our IP must produce a reply with swapped sender/target fields
// and must learn the peer's mapping into the cache.
func TestARPExchange(t *testing.T) {
	ourMAC := netproto.MAC{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	ourIP := mustIP(10, 0, 0, 42)
	peerMAC := netproto.MAC{0xaa, 0xbb, 0xcc, 0x00, 0x00, 0x01}
	peerIP := mustIP(10, 0, 0, 1)

	table := New(ourIP, ourMAC)
	sender := &recordingSender{}

	reqPayload := make([]byte, netproto.ARPPacketLen)
	netproto.EncodeARP(reqPayload, netproto.ARPPacket{
		Opcode:    netproto.ARPOpRequest,
		SenderMAC: peerMAC,
		SenderIP:  peerIP,
		TargetIP:  ourIP,
	})

	if err := table.Process(sender, reqPayload); err != nil {
		t.Fatal(err)
	}

	if len(sender.frames) != 1 {
		t.Fatalf("expected 1 reply frame, got %d", len(sender.frames))
	}
	eth, payload, err := netproto.DecodeEthernet(sender.frames[0])
	if err != nil {
		t.Fatal(err)
	}
	if eth.Dst != peerMAC || eth.Src != ourMAC {
		t.Fatalf("reply ethernet header = %+v", eth)
	}
	reply, err := netproto.DecodeARP(payload)
	if err != nil {
		t.Fatal(err)
	}
	if reply.Opcode != netproto.ARPOpReply || reply.SenderMAC != ourMAC ||
		reply.SenderIP != ourIP || reply.TargetMAC != peerMAC || reply.TargetIP != peerIP {
		t.Fatalf("reply packet = %+v", reply)
	}

	mac, ok := table.Lookup(peerIP)
	if !ok || mac != peerMAC {
		t.Fatalf("cache lookup = %v, %v; want %v, true", mac, ok, peerMAC)
	}
}

func TestInsertOverwritesFullCache(t *testing.T) {
	table := New(mustIP(10, 0, 0, 1), netproto.MAC{})
	for i := 0; i < cacheSize; i++ {
		table.Insert(mustIP(10, 0, 0, byte(i)), netproto.MAC{byte(i)})
	}
	// Cache is full; inserting one more overwrites slot 0.
	newMAC := netproto.MAC{0xff}
	table.Insert(mustIP(192, 168, 0, 1), newMAC)

	if mac, ok := table.Lookup(mustIP(192, 168, 0, 1)); !ok || mac != newMAC {
		t.Fatalf("new entry not present: %v %v", mac, ok)
	}
	if _, ok := table.Lookup(mustIP(10, 0, 0, 0)); ok {
		t.Fatal("slot 0 should have been evicted")
	}
}

func TestResolveCacheFastPath(t *testing.T) {
	table := New(mustIP(10, 0, 0, 1), netproto.MAC{})
	ip := mustIP(10, 0, 0, 5)
	mac := netproto.MAC{1, 2, 3, 4, 5, 6}
	table.Insert(ip, mac)

	sender := &recordingSender{}
	got, err := table.Resolve(context.Background(), sender, ip)
	if err != nil {
		t.Fatal(err)
	}
	if got != mac {
		t.Fatalf("got %v, want %v", got, mac)
	}
	if len(sender.frames) != 0 {
		t.Fatal("cache hit must not emit a broadcast request")
	}
}

func TestResolveTimesOut(t *testing.T) {
	table := New(mustIP(10, 0, 0, 1), netproto.MAC{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	sender := &recordingSender{}
	_, err := table.Resolve(ctx, sender, mustIP(10, 0, 0, 99))
	if err == nil {
		t.Fatal("expected timeout error")
	}
	if len(sender.frames) != 1 {
		t.Fatalf("expected exactly one broadcast request, got %d", len(sender.frames))
	}
}
