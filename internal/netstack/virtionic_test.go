package netstack

import (
	"testing"

	"github.com/nos-project/netcore/internal/virtio"
)

type fakeAllocator struct{ next uint64 }

func (a *fakeAllocator) AllocContigPages(n int) ([]byte, uint64, error) {
	phys := a.next
	a.next += uint64(n) * 4096
	return make([]byte, n*4096), phys, nil
}

func TestNewVirtioNICPostsAllRxBuffers(t *testing.T) {
	alloc := &fakeAllocator{}
	rx, err := virtio.Setup(alloc, 4)
	if err != nil {
		t.Fatal(err)
	}
	tx, err := virtio.Setup(alloc, 4)
	if err != nil {
		t.Fatal(err)
	}

	var notifies int
	nic, err := NewVirtioNIC(rx, tx, alloc, func(uint16) { notifies++ }, 0, 1, 1514)
	if err != nil {
		t.Fatal(err)
	}
	if got := rx.FreeCount(); got != 0 {
		t.Fatalf("rx.FreeCount() = %d, want 0 (all 4 posted)", got)
	}
	if notifies != 4 {
		t.Fatalf("notifies = %d, want 4", notifies)
	}
	if len(nic.rxBufs) != 4 {
		t.Fatalf("tracked rx bufs = %d, want 4", len(nic.rxBufs))
	}
}

func TestSendFrameConsumesTxDescriptor(t *testing.T) {
	alloc := &fakeAllocator{}
	rx, _ := virtio.Setup(alloc, 2)
	tx, err := virtio.Setup(alloc, 2)
	if err != nil {
		t.Fatal(err)
	}

	nic, err := NewVirtioNIC(rx, tx, alloc, func(uint16) {}, 0, 1, 1514)
	if err != nil {
		t.Fatal(err)
	}

	before := tx.FreeCount()
	if err := nic.SendFrame([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if got := tx.FreeCount(); got != before-1 {
		t.Fatalf("tx.FreeCount() after send = %d, want %d", got, before-1)
	}
}

func TestSendFrameRejectsOversizeFrame(t *testing.T) {
	alloc := &fakeAllocator{}
	rx, _ := virtio.Setup(alloc, 2)
	tx, _ := virtio.Setup(alloc, 2)
	nic, err := NewVirtioNIC(rx, tx, alloc, func(uint16) {}, 0, 1, 64)
	if err != nil {
		t.Fatal(err)
	}

	big := make([]byte, 4097)
	if err := nic.SendFrame(big); err == nil {
		t.Fatal("expected error for frame larger than a page")
	}
}
