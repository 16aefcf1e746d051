//go:build linux

// Package tuntap opens a Linux TAP interface and exposes it as a
// netstack.FrameTransport, the real-world counterpart to the virtio-net ring
// used when this core runs as a guest: frames written here reach the host's
// network stack, and frames the host sends arrive through Read.
package tuntap

import (
	"fmt"
	"os"
	"unsafe"

	"golang.org/x/sys/unix"
)

const ifNameSize = 16

// ifReq mirrors struct ifreq's name+flags prefix, the only fields TUNSETIFF
// inspects.
type ifReq struct {
	name  [ifNameSize]byte
	flags uint16
	_     [40 - ifNameSize - 2]byte
}

// Device is an open TAP interface carrying raw Ethernet frames (IFF_NO_PI:
// no 4-byte packet-information prefix).
type Device struct {
	file *os.File
	Name string
}

// Open creates or attaches to the TAP interface named name. name may be
// empty to let the kernel assign one; the assigned name is reported back
// through Device.Name.
func Open(name string) (*Device, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("tuntap: open /dev/net/tun: %w", err)
	}

	var req ifReq
	req.flags = unix.IFF_TAP | unix.IFF_NO_PI
	copy(req.name[:ifNameSize-1], name)

	if _, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(fd), uintptr(unix.TUNSETIFF), uintptr(unsafe.Pointer(&req))); errno != 0 {
		unix.Close(fd)
		return nil, fmt.Errorf("tuntap: TUNSETIFF: %w", errno)
	}

	assigned := string(req.name[:])
	if i := indexByte(assigned, 0); i >= 0 {
		assigned = assigned[:i]
	}

	return &Device{file: os.NewFile(uintptr(fd), "tuntap"), Name: assigned}, nil
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// SendFrame implements netstack.FrameTransport: it writes one Ethernet
// frame to the interface.
func (d *Device) SendFrame(frame []byte) error {
	_, err := d.file.Write(frame)
	return err
}

// Read blocks for the next frame the host delivers to the interface.
func (d *Device) Read(buf []byte) (int, error) {
	return d.file.Read(buf)
}

// Close releases the underlying file descriptor.
func (d *Device) Close() error {
	return d.file.Close()
}
