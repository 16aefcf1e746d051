package virtio

import (
	"encoding/binary"
	"testing"
)

// fakeAllocator hands out plain Go memory and a synthetic "physical" address
// equal to the slice's position in a monotonically increasing counter, good
// enough to exercise the ring layout math without real DMA.
type fakeAllocator struct{ next uint64 }

func (a *fakeAllocator) AllocContigPages(n int) ([]byte, uint64, error) {
	phys := a.next
	a.next += uint64(n) * pageSize
	return make([]byte, n*pageSize), phys, nil
}

// deviceWriteUsed simulates the device side completing a descriptor chain:
// it writes one used-ring entry and bumps used.idx, exactly what a real
// virtio-net device would do over DMA.
func deviceWriteUsed(q *Queue, id uint16, length uint32) {
	usedIdx := q.readUsedIdx()
	ringOff := q.usedOff + 4 + uint64(usedIdx%q.size)*8
	binary.LittleEndian.PutUint32(q.mem[ringOff:ringOff+4], uint32(id))
	binary.LittleEndian.PutUint32(q.mem[ringOff+4:ringOff+8], length)
	idxOff := q.usedOff + 2
	binary.LittleEndian.PutUint16(q.mem[idxOff:idxOff+2], usedIdx+1)
}

func TestSetupBuildsFreeChain(t *testing.T) {
	q, err := Setup(&fakeAllocator{}, 8)
	if err != nil {
		t.Fatal(err)
	}
	if got := q.FreeCount(); got != 8 {
		t.Fatalf("FreeCount() = %d, want 8", got)
	}
}

func TestAddBufsAndGetUsedRoundTrip(t *testing.T) {
	q, err := Setup(&fakeAllocator{}, 4)
	if err != nil {
		t.Fatal(err)
	}

	head, err := q.AddBufs([]Buf{
		{Addr: 0x1000, Len: 64, Write: false},
		{Addr: 0x2000, Len: 128, Write: true},
	})
	if err != nil {
		t.Fatal(err)
	}
	if got := q.FreeCount(); got != 2 {
		t.Fatalf("FreeCount() after AddBufs = %d, want 2", got)
	}

	if q.HasUsed() {
		t.Fatal("HasUsed() true before device completes anything")
	}

	deviceWriteUsed(q, head, 192)

	if !q.HasUsed() {
		t.Fatal("HasUsed() false after device write")
	}
	entry, ok := q.GetUsed()
	if !ok {
		t.Fatal("GetUsed() returned ok=false")
	}
	if entry.ID != head || entry.Len != 192 {
		t.Fatalf("GetUsed() = %+v, want {ID:%d Len:192}", entry, head)
	}
	if got := q.FreeCount(); got != 4 {
		t.Fatalf("FreeCount() after GetUsed = %d, want 4 (both descriptors reclaimed)", got)
	}
}

func TestAddBufsNoSpace(t *testing.T) {
	q, err := Setup(&fakeAllocator{}, 2)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := q.AddBufs(make([]Buf, 3)); err != ErrNoSpace {
		t.Fatalf("AddBufs(3 on size-2 queue) err = %v, want ErrNoSpace", err)
	}
}

func TestGetUsedRejectsOutOfRangeID(t *testing.T) {
	q, err := Setup(&fakeAllocator{}, 2)
	if err != nil {
		t.Fatal(err)
	}
	deviceWriteUsed(q, 99, 10)
	if _, ok := q.GetUsed(); ok {
		t.Fatal("GetUsed() should refuse an out-of-range descriptor id")
	}
}

// fakeTransport is an in-memory double for the register surface Negotiate
// drives, standing in for the PCI/MMIO binding that is out of scope here.
type fakeTransport struct {
	status     DeviceStatus
	features   uint64
	driverFeat uint64
	queueSize  uint16
	notified   []uint16
}

func (f *fakeTransport) Reset()                  { f.status = 0 }
func (f *fakeTransport) SetStatus(s DeviceStatus) { f.status |= s }
func (f *fakeTransport) Status() DeviceStatus     { return f.status }
func (f *fakeTransport) DeviceFeatures() uint64   { return f.features }
func (f *fakeTransport) SetDriverFeatures(v uint64) { f.driverFeat = v }
func (f *fakeTransport) SelectQueue(uint16)       {}
func (f *fakeTransport) QueueSize() uint16        { return f.queueSize }
func (f *fakeTransport) SetQueueAddrs(_, _, _ uint64) {}
func (f *fakeTransport) SetQueueEnable(bool)      {}
func (f *fakeTransport) Notify(idx uint16)        { f.notified = append(f.notified, idx) }

func TestNegotiateHappyPath(t *testing.T) {
	tr := &fakeTransport{features: FeatureVersionOne, queueSize: 16}
	queues, err := Negotiate(tr, &fakeAllocator{}, 2, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(queues) != 2 {
		t.Fatalf("got %d queues, want 2", len(queues))
	}
	if tr.status&StatusDriverOK == 0 {
		t.Fatal("DRIVER_OK not set after Negotiate")
	}
	if tr.driverFeat&FeatureVersionOne == 0 {
		t.Fatal("VERSION_1 not accepted")
	}
}

func TestNegotiateZeroQueueSizeFails(t *testing.T) {
	tr := &fakeTransport{features: FeatureVersionOne, queueSize: 0}
	if _, err := Negotiate(tr, &fakeAllocator{}, 1, 0); err == nil {
		t.Fatal("expected error for zero queue size")
	}
}
