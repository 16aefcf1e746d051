package netstack

import (
	"context"
	"fmt"
	"time"

	"github.com/nos-project/netcore/internal/virtio"
)

// pollPeriod is how often the NIC checks both virtqueues for device-
// completed buffers. Real hardware would instead raise an interrupt; this
// stack is built to also work against a config without one wired up yet.
const pollPeriod = time.Millisecond

type rxBuf struct {
	virt []byte
	phys uint64
}

// VirtioNIC is a FrameTransport backed by one negotiated virtio-net RX
// queue and one TX queue (see virtio.Negotiate), the driver-side
// counterpart of the paravirtualized device §4.1/§4.2 describe.
type VirtioNIC struct {
	rx, tx   *virtio.Queue
	alloc    virtio.Allocator
	notify   func(queueIdx uint16)
	rxIdx    uint16
	txIdx    uint16
	bufSize  int
	rxBufs   map[uint16]rxBuf
}

// NewVirtioNIC posts one RX buffer per descriptor on rx and returns a NIC
// ready to send and to have Run driven against it. notify is the queue
// doorbell (an MMIO write in production, matching virtio.Transport.Notify).
func NewVirtioNIC(rx, tx *virtio.Queue, alloc virtio.Allocator, notify func(queueIdx uint16), rxIdx, txIdx uint16, bufSize int) (*VirtioNIC, error) {
	n := &VirtioNIC{
		rx: rx, tx: tx, alloc: alloc, notify: notify,
		rxIdx: rxIdx, txIdx: txIdx, bufSize: bufSize,
		rxBufs: make(map[uint16]rxBuf),
	}
	for i := uint16(0); i < rx.Size(); i++ {
		if err := n.postRxBuf(); err != nil {
			return nil, fmt.Errorf("netstack: post initial rx buffer %d: %w", i, err)
		}
	}
	return n, nil
}

func (n *VirtioNIC) postRxBuf() error {
	virt, phys, err := n.alloc.AllocContigPages(1)
	if err != nil {
		return err
	}
	if len(virt) < n.bufSize {
		return fmt.Errorf("netstack: allocator page smaller than rx buffer size")
	}
	id, err := n.rx.AddBufs([]virtio.Buf{{Addr: phys, Len: uint32(n.bufSize), Write: true}})
	if err != nil {
		return err
	}
	n.rxBufs[id] = rxBuf{virt: virt, phys: phys}
	n.notify(n.rxIdx)
	return nil
}

// SendFrame implements FrameTransport: it copies frame into a freshly
// allocated DMA buffer, posts it device-readable on the TX queue and rings
// the doorbell. The descriptor (and its memory) is reclaimed lazily the
// next time Run drains the TX used ring.
func (n *VirtioNIC) SendFrame(frame []byte) error {
	virt, phys, err := n.alloc.AllocContigPages(1)
	if err != nil {
		return err
	}
	if len(virt) < len(frame) {
		return fmt.Errorf("netstack: frame of %d bytes exceeds tx buffer", len(frame))
	}
	copy(virt, frame)
	if _, err := n.tx.AddBufs([]virtio.Buf{{Addr: phys, Len: uint32(len(frame)), Write: false}}); err != nil {
		return err
	}
	n.notify(n.txIdx)
	return nil
}

// Run polls both queues for completions until ctx is cancelled: received
// frames are handed to onFrame and their descriptor immediately reposted;
// completed TX descriptors are simply reclaimed onto the free chain.
func (n *VirtioNIC) Run(ctx context.Context, onFrame func([]byte)) error {
	ticker := time.NewTicker(pollPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n.drainTx()
			if err := n.drainRx(onFrame); err != nil {
				return err
			}
		}
	}
}

func (n *VirtioNIC) drainTx() {
	for n.tx.HasUsed() {
		if _, ok := n.tx.GetUsed(); !ok {
			return
		}
	}
}

func (n *VirtioNIC) drainRx(onFrame func([]byte)) error {
	for n.rx.HasUsed() {
		entry, ok := n.rx.GetUsed()
		if !ok {
			return nil
		}
		buf, known := n.rxBufs[entry.ID]
		if !known {
			return fmt.Errorf("netstack: rx completion for unknown descriptor %d", entry.ID)
		}
		frame := append([]byte(nil), buf.virt[:entry.Len]...)
		onFrame(frame)
		if _, err := n.rx.AddBufs([]virtio.Buf{{Addr: buf.phys, Len: uint32(n.bufSize), Write: true}}); err != nil {
			return fmt.Errorf("netstack: repost rx buffer: %w", err)
		}
		n.notify(n.rxIdx)
	}
	return nil
}
