package netstack

import (
	"testing"
	"time"

	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"

	"github.com/nos-project/netcore/internal/netproto"
)

type fakeTransport struct {
	sent [][]byte
}

func (f *fakeTransport) SendFrame(frame []byte) error {
	f.sent = append(f.sent, append([]byte(nil), frame...))
	return nil
}

func newTestDevice() (*Device, *fakeTransport) {
	tr := &fakeTransport{}
	dev := New(netproto.MAC{1, 2, 3, 4, 5, 6}, tr, nil)
	dev.Configure(
		netproto.IPv4{10, 0, 0, 1},
		netproto.IPv4{255, 255, 255, 0},
		netproto.IPv4{10, 0, 0, 254},
		netproto.IPv4{8, 8, 8, 8},
	)
	return dev, tr
}

func buildARPRequest(senderMAC netproto.MAC, senderIP, targetIP netproto.IPv4) []byte {
	frame := make([]byte, netproto.EthernetHeaderLen+netproto.ARPPacketLen)
	netproto.EncodeEthernet(frame, netproto.EthernetHeader{
		Dst: netproto.BroadcastMAC, Src: senderMAC, EtherType: netproto.EtherTypeARP,
	})
	netproto.EncodeARP(frame[netproto.EthernetHeaderLen:], netproto.ARPPacket{
		Opcode: netproto.ARPOpRequest, SenderMAC: senderMAC, SenderIP: senderIP, TargetIP: targetIP,
	})
	return frame
}

func TestHandleFrameAnswersARPRequest(t *testing.T) {
	dev, tr := newTestDevice()
	peerMAC := netproto.MAC{9, 9, 9, 9, 9, 9}
	peerIP := netproto.IPv4{10, 0, 0, 2}

	dev.HandleFrame(buildARPRequest(peerMAC, peerIP, netproto.IPv4{10, 0, 0, 1}))

	if len(tr.sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(tr.sent))
	}
	eth, payload, err := netproto.DecodeEthernet(tr.sent[0])
	if err != nil {
		t.Fatal(err)
	}
	if eth.Dst != peerMAC {
		t.Fatalf("reply dst = %v, want %v", eth.Dst, peerMAC)
	}
	pkt, err := netproto.DecodeARP(payload)
	if err != nil {
		t.Fatal(err)
	}
	if pkt.Opcode != netproto.ARPOpReply || pkt.SenderIP != (netproto.IPv4{10, 0, 0, 1}) {
		t.Fatalf("unexpected reply packet: %+v", pkt)
	}

	if mac, ok := dev.arpTable.Lookup(peerIP); !ok || mac != peerMAC {
		t.Fatalf("peer mapping not learned: %v %v", mac, ok)
	}
}

func buildICMPEchoRequestFrame(t *testing.T, srcMAC netproto.MAC, srcIP, dstIP netproto.IPv4, id, seq int) []byte {
	t.Helper()
	msg := &icmp.Message{
		Type: ipv4.ICMPTypeEcho, Code: 0,
		Body: &icmp.Echo{ID: id, Seq: seq, Data: []byte("ping")},
	}
	wire, err := msg.Marshal(nil)
	if err != nil {
		t.Fatal(err)
	}
	ipPkt := netproto.EncodeIPv4(netproto.IPv4Header{TTL: 64, Protocol: netproto.ProtoICMP, Src: srcIP, Dst: dstIP}, wire)
	frame := make([]byte, netproto.EthernetHeaderLen+len(ipPkt))
	netproto.EncodeEthernet(frame, netproto.EthernetHeader{Dst: netproto.MAC{1, 2, 3, 4, 5, 6}, Src: srcMAC, EtherType: netproto.EtherTypeIPv4})
	copy(frame[netproto.EthernetHeaderLen:], ipPkt)
	return frame
}

func TestHandleFrameAnswersICMPEcho(t *testing.T) {
	dev, tr := newTestDevice()
	peerMAC := netproto.MAC{9, 9, 9, 9, 9, 9}
	peerIP := netproto.IPv4{10, 0, 0, 2}

	dev.HandleFrame(buildICMPEchoRequestFrame(t, peerMAC, peerIP, netproto.IPv4{10, 0, 0, 1}, 7, 1))

	if len(tr.sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(tr.sent))
	}
	_, ipPayload, err := netproto.DecodeEthernet(tr.sent[0])
	if err != nil {
		t.Fatal(err)
	}
	ipHdr, icmpPayload, err := netproto.DecodeIPv4(ipPayload)
	if err != nil {
		t.Fatal(err)
	}
	if ipHdr.Src != (netproto.IPv4{10, 0, 0, 1}) || ipHdr.Dst != peerIP {
		t.Fatalf("reply ip header = %+v", ipHdr)
	}
	msg, err := icmp.ParseMessage(1, icmpPayload)
	if err != nil {
		t.Fatal(err)
	}
	if msg.Type != ipv4.ICMPTypeEchoReply {
		t.Fatalf("reply type = %v, want EchoReply", msg.Type)
	}
	echo := msg.Body.(*icmp.Echo)
	if echo.ID != 7 || echo.Seq != 1 {
		t.Fatalf("echo id/seq = %d/%d, want 7/1", echo.ID, echo.Seq)
	}
}

func TestRegisterUDPListenerDispatchesDatagram(t *testing.T) {
	dev, _ := newTestDevice()

	received := make(chan []byte, 1)
	if !dev.RegisterUDPListener(9000, func(srcIP netproto.IPv4, srcPort uint16, payload []byte) {
		received <- payload
	}) {
		t.Fatal("RegisterUDPListener failed")
	}

	peerIP := netproto.IPv4{10, 0, 0, 2}
	udpSeg := netproto.EncodeUDP(peerIP, netproto.IPv4{10, 0, 0, 1}, netproto.UDPHeader{SrcPort: 4000, DstPort: 9000}, []byte("hi"))
	ipPkt := netproto.EncodeIPv4(netproto.IPv4Header{TTL: 64, Protocol: netproto.ProtoUDP, Src: peerIP, Dst: netproto.IPv4{10, 0, 0, 1}}, udpSeg)
	frame := make([]byte, netproto.EthernetHeaderLen+len(ipPkt))
	netproto.EncodeEthernet(frame, netproto.EthernetHeader{Dst: netproto.MAC{1, 2, 3, 4, 5, 6}, Src: netproto.MAC{9, 9, 9, 9, 9, 9}, EtherType: netproto.EtherTypeIPv4})
	copy(frame[netproto.EthernetHeaderLen:], ipPkt)

	dev.HandleFrame(frame)

	select {
	case payload := <-received:
		if string(payload) != "hi" {
			t.Fatalf("payload = %q, want %q", payload, "hi")
		}
	case <-time.After(time.Second):
		t.Fatal("listener was not invoked")
	}
}

func TestRegisterUDPListenerRejectsReservedPorts(t *testing.T) {
	dev, _ := newTestDevice()
	if dev.RegisterUDPListener(68, func(netproto.IPv4, uint16, []byte) {}) {
		t.Fatal("expected DHCP client port to be reserved")
	}
	if dev.RegisterUDPListener(10053, func(netproto.IPv4, uint16, []byte) {}) {
		t.Fatal("expected DNS client port to be reserved")
	}
}

func TestRouteIP(t *testing.T) {
	dev, _ := newTestDevice()
	if got := dev.RouteIP(netproto.IPv4{10, 0, 0, 42}); got != (netproto.IPv4{10, 0, 0, 42}) {
		t.Fatalf("on-link route = %v, want destination itself", got)
	}
	if got := dev.RouteIP(netproto.IPv4{8, 8, 8, 8}); got != (netproto.IPv4{10, 0, 0, 254}) {
		t.Fatalf("off-link route = %v, want gateway", got)
	}
}
