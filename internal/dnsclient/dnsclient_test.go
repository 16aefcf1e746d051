package dnsclient

import (
	"context"
	"testing"
	"time"

	"github.com/miekg/dns"

	"github.com/nos-project/netcore/internal/netproto"
)

type fakeTransport struct {
	sent []sentQuery
}

type sentQuery struct {
	dstIP          netproto.IPv4
	dstPort, srcPort uint16
	payload        []byte
}

func (f *fakeTransport) SendUDP(dstIP netproto.IPv4, dstPort, srcPort uint16, payload []byte) error {
	f.sent = append(f.sent, sentQuery{dstIP, dstPort, srcPort, append([]byte(nil), payload...)})
	return nil
}

func waitForQuery(t *testing.T, tr *fakeTransport) dns.Msg {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(tr.sent) > 0 {
			var msg dns.Msg
			if err := msg.Unpack(tr.sent[len(tr.sent)-1].payload); err != nil {
				t.Fatal(err)
			}
			return msg
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for query")
	return dns.Msg{}
}

func buildAReply(id uint16, name string, ip netproto.IPv4) []byte {
	msg := new(dns.Msg)
	msg.Id = id
	msg.Response = true
	msg.Rcode = dns.RcodeSuccess
	msg.Question = []dns.Question{{Name: dns.Fqdn(name), Qtype: dns.TypeA, Qclass: dns.ClassINET}}
	rr := &dns.A{
		Hdr: dns.RR_Header{Name: dns.Fqdn(name), Rrtype: dns.TypeA, Class: dns.ClassINET, Ttl: 60},
		A:   []byte{ip[0], ip[1], ip[2], ip[3]},
	}
	msg.Answer = append(msg.Answer, rr)
	packed, _ := msg.Pack()
	return packed
}

func TestResolveHappyPath(t *testing.T) {
	tr := &fakeTransport{}
	server := netproto.IPv4{8, 8, 8, 8}
	r := New(tr, server)

	resultCh := make(chan netproto.IPv4, 1)
	errCh := make(chan error, 1)
	go func() {
		ip, err := r.Resolve(context.Background(), "example.com")
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- ip
	}()

	msg := waitForQuery(t, tr)
	want := netproto.IPv4{93, 184, 216, 34}
	r.Deliver(buildAReply(msg.Id, "example.com", want))

	select {
	case ip := <-resultCh:
		if ip != want {
			t.Fatalf("got %v, want %v", ip, want)
		}
	case err := <-errCh:
		t.Fatal(err)
	case <-time.After(time.Second):
		t.Fatal("resolve did not complete")
	}

	if ip, ok := r.Lookup("example.com"); !ok || ip != want {
		t.Fatalf("cache lookup = %v %v", ip, ok)
	}
}

func TestResolveUsesCache(t *testing.T) {
	tr := &fakeTransport{}
	r := New(tr, netproto.IPv4{8, 8, 8, 8})
	want := netproto.IPv4{1, 2, 3, 4}
	r.insert("cached.test", want)

	ip, err := r.Resolve(context.Background(), "cached.test")
	if err != nil {
		t.Fatal(err)
	}
	if ip != want {
		t.Fatalf("got %v, want %v", ip, want)
	}
	if len(tr.sent) != 0 {
		t.Fatal("cache hit must not send a query")
	}
}

func TestCacheEvictsSlotZeroWhenFull(t *testing.T) {
	r := New(&fakeTransport{}, netproto.IPv4{8, 8, 8, 8})
	for i := 0; i < cacheSize; i++ {
		r.insert(string(rune('a'+i))+".test", netproto.IPv4{10, 0, 0, byte(i)})
	}
	r.insert("overflow.test", netproto.IPv4{192, 168, 1, 1})

	if _, ok := r.Lookup("a.test"); ok {
		t.Fatal("slot 0 should have been evicted")
	}
	if ip, ok := r.Lookup("overflow.test"); !ok || ip != (netproto.IPv4{192, 168, 1, 1}) {
		t.Fatal("new entry not present")
	}
}

func TestResolveTimesOut(t *testing.T) {
	tr := &fakeTransport{}
	r := New(tr, netproto.IPv4{8, 8, 8, 8})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := r.Resolve(ctx, "nowhere.test"); err == nil {
		t.Fatal("expected error")
	}
}
