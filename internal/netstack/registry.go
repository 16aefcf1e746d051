package netstack

import (
	"fmt"
	"sync"
)

// MaxDevices bounds the registry the way the original NetDeviceTable fixed
// its device array at compile time.
const MaxDevices = 16

// Registry is a small, name-keyed table of devices, the Go equivalent of a
// process-wide NetDeviceTable singleton. Most programs need only one device
// and can skip it; it exists for hosts that bring up more than one
// interface and want to look one up by name (e.g. from a shell command).
type Registry struct {
	mu      sync.Mutex
	devices map[string]*Device
	order   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{devices: make(map[string]*Device)}
}

// Register adds dev under dev.Name. It fails if the name is already taken,
// empty, or the registry is at MaxDevices capacity.
func (r *Registry) Register(dev *Device) error {
	if dev.Name == "" {
		return fmt.Errorf("netstack: device has no name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.devices) >= MaxDevices {
		return fmt.Errorf("netstack: registry full (max %d)", MaxDevices)
	}
	if _, taken := r.devices[dev.Name]; taken {
		return fmt.Errorf("netstack: device %q already registered", dev.Name)
	}
	r.devices[dev.Name] = dev
	r.order = append(r.order, dev.Name)
	return nil
}

// Find returns the device named name, or nil if there is none.
func (r *Registry) Find(name string) *Device {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.devices[name]
}

// Count returns the number of registered devices.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.devices)
}

// Stat is one line of Registry.Dump's output.
type Stat struct {
	Name      string
	MAC       string
	RxFrames  uint64
	RxDropped uint64
	TxFrames  uint64
}

// Dump reports one Stat per registered device, in registration order,
// matching NetDeviceTable::Dump's role for the shell's stat command.
func (r *Registry) Dump() []Stat {
	r.mu.Lock()
	defer r.mu.Unlock()
	stats := make([]Stat, 0, len(r.order))
	for _, name := range r.order {
		dev := r.devices[name]
		stats = append(stats, Stat{
			Name:      name,
			MAC:       dev.MAC().String(),
			RxFrames:  dev.Counters.RxFrames.Load(),
			RxDropped: dev.Counters.RxBadPacket.Load() + dev.Counters.RxUnknown.Load(),
			TxFrames:  dev.Counters.TxFrames.Load(),
		})
	}
	return stats
}
