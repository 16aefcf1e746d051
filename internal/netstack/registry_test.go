package netstack

import (
	"testing"

	"github.com/nos-project/netcore/internal/netproto"
)

func TestRegistryRegisterAndFind(t *testing.T) {
	reg := NewRegistry()
	dev, _ := newTestDevice()
	dev.Name = "eth0"

	if err := reg.Register(dev); err != nil {
		t.Fatal(err)
	}
	if found := reg.Find("eth0"); found != dev {
		t.Fatalf("Find returned %v, want the registered device", found)
	}
	if reg.Count() != 1 {
		t.Fatalf("Count = %d, want 1", reg.Count())
	}
}

func TestRegistryRejectsDuplicateName(t *testing.T) {
	reg := NewRegistry()
	a, _ := newTestDevice()
	a.Name = "eth0"
	b, _ := newTestDevice()
	b.Name = "eth0"

	if err := reg.Register(a); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(b); err == nil {
		t.Fatal("expected duplicate name to be rejected")
	}
}

func TestRegistryRejectsUnnamedDevice(t *testing.T) {
	reg := NewRegistry()
	dev, _ := newTestDevice()
	if err := reg.Register(dev); err == nil {
		t.Fatal("expected unnamed device to be rejected")
	}
}

func TestRegistryDumpReportsCounters(t *testing.T) {
	reg := NewRegistry()
	dev, tr := newTestDevice()
	dev.Name = "eth0"
	if err := reg.Register(dev); err != nil {
		t.Fatal(err)
	}

	peerMAC := netproto.MAC{9, 9, 9, 9, 9, 9}
	dev.HandleFrame(buildARPRequest(peerMAC, netproto.IPv4{10, 0, 0, 2}, netproto.IPv4{10, 0, 0, 1}))
	_ = tr

	stats := reg.Dump()
	if len(stats) != 1 {
		t.Fatalf("len(stats) = %d, want 1", len(stats))
	}
	if stats[0].Name != "eth0" {
		t.Fatalf("name = %q", stats[0].Name)
	}
	if stats[0].RxFrames == 0 {
		t.Fatalf("expected at least one rx frame counted")
	}
	if stats[0].TxFrames == 0 {
		t.Fatalf("expected the ARP reply to count as a tx frame")
	}
}
