package virtio

import "fmt"

// DeviceStatus bits (virtio 1.0 §2.1).
type DeviceStatus uint8

const (
	StatusAcknowledge DeviceStatus = 1
	StatusDriver      DeviceStatus = 2
	StatusDriverOK    DeviceStatus = 4
	StatusFeaturesOK  DeviceStatus = 8
	StatusFailed      DeviceStatus = 128
)

// Feature bits this driver understands. VersionOne (bit 32) is required for
// the modern (non-transitional) transport.
const (
	FeatureVersionOne uint64 = 1 << 32
)

// ErrFeaturesRejected is returned when the device clears FEATURES_OK after
// the driver writes its feature subset.
var ErrFeaturesRejected = fmt.Errorf("virtio: device rejected driver features")

// Transport is the MMIO/PCI register surface a concrete bus binding
// provides. Probing the bus itself -- capability walking, BAR mapping,
// interrupt routing -- is out of scope for this package (§6: the core
// consumes it, it does not implement it).
type Transport interface {
	Reset()
	SetStatus(DeviceStatus)
	Status() DeviceStatus
	DeviceFeatures() uint64
	SetDriverFeatures(uint64)

	SelectQueue(idx uint16)
	QueueSize() uint16
	SetQueueAddrs(desc, avail, used uint64)
	SetQueueEnable(bool)

	Notify(queueIdx uint16)
}

// Negotiate runs the bring-up sequence from reset through DRIVER_OK: reset,
// ACK, DRIVER, feature negotiation, FEATURES_OK confirmation, per-queue
// setup, then DRIVER_OK. It returns one Queue per requested index.
func Negotiate(t Transport, alloc Allocator, queueCount int, wantFeatures uint64) ([]*Queue, error) {
	t.Reset()
	if t.Status() != 0 {
		return nil, fmt.Errorf("virtio: device did not clear status on reset")
	}

	t.SetStatus(StatusAcknowledge)
	t.SetStatus(StatusAcknowledge | StatusDriver)

	offered := t.DeviceFeatures()
	accepted := offered & (wantFeatures | FeatureVersionOne)
	t.SetDriverFeatures(accepted)

	t.SetStatus(StatusAcknowledge | StatusDriver | StatusFeaturesOK)
	if t.Status()&StatusFeaturesOK == 0 {
		t.SetStatus(StatusFailed)
		return nil, ErrFeaturesRejected
	}

	queues := make([]*Queue, queueCount)
	for i := 0; i < queueCount; i++ {
		idx := uint16(i)
		t.SelectQueue(idx)
		size := t.QueueSize()
		if size == 0 {
			return nil, fmt.Errorf("virtio: queue %d has size 0", idx)
		}
		q, err := Setup(alloc, size)
		if err != nil {
			return nil, fmt.Errorf("virtio: setup queue %d: %w", idx, err)
		}
		t.SetQueueAddrs(q.DescTablePhys(), q.AvailPhys(), q.UsedPhys())
		t.SetQueueEnable(true)
		queues[i] = q
	}

	t.SetStatus(StatusAcknowledge | StatusDriver | StatusFeaturesOK | StatusDriverOK)
	return queues, nil
}
