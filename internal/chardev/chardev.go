// Package chardev implements the character-device interface spec §6
// defines for devfs: a per-major-number vector of {open, ioctl, read,
// write, select} registered with Registry.Register, consumed by devfs's
// tty/zero/null special files via their rdev's major number.
package chardev

import (
	"sync"

	"argentum/internal/kerr"
)

// Major/minor packing matches devfs.c's rdev encoding: high byte is
// the major number, low byte the minor.
func Major(rdev uint32) uint32 { return (rdev >> 8) & 0xff }
func Minor(rdev uint32) uint32 { return rdev & 0xff }

// Device is the operation vector a character-device driver implements
// (spec §6 "Character-device interface").
type Device interface {
	Open(rdev uint32, flags int) kerr.Err
	Ioctl(rdev uint32, req int, arg int) (int, kerr.Err)
	Read(rdev uint32, buf []byte) (int, kerr.Err)
	Write(rdev uint32, buf []byte) (int, kerr.Err)
	Select(rdev uint32) (bool, kerr.Err)
}

// Registry maps major numbers to their driver (dev_register_char's
// static table, expressed as a guarded map instead of a fixed array
// since the major-number space is sparse here).
type Registry struct {
	mu      sync.Mutex
	drivers map[uint32]Device
}

// NewRegistry returns an empty character-device registry.
func NewRegistry() *Registry {
	return &Registry{drivers: map[uint32]Device{}}
}

// Register installs dev as the driver for major (dev_register_char).
func (r *Registry) Register(major uint32, dev Device) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.drivers[major] = dev
}

func (r *Registry) lookup(rdev uint32) (Device, kerr.Err) {
	r.mu.Lock()
	dev, ok := r.drivers[Major(rdev)]
	r.mu.Unlock()
	if !ok {
		return nil, kerr.ENODEV
	}
	return dev, kerr.None
}

func (r *Registry) Open(rdev uint32, flags int) kerr.Err {
	dev, err := r.lookup(rdev)
	if err != kerr.None {
		return err
	}
	return dev.Open(rdev, flags)
}

func (r *Registry) Ioctl(rdev uint32, req int, arg int) (int, kerr.Err) {
	dev, err := r.lookup(rdev)
	if err != kerr.None {
		return 0, err
	}
	return dev.Ioctl(rdev, req, arg)
}

func (r *Registry) Read(rdev uint32, buf []byte) (int, kerr.Err) {
	dev, err := r.lookup(rdev)
	if err != kerr.None {
		return 0, err
	}
	return dev.Read(rdev, buf)
}

func (r *Registry) Write(rdev uint32, buf []byte) (int, kerr.Err) {
	dev, err := r.lookup(rdev)
	if err != kerr.None {
		return 0, err
	}
	return dev.Write(rdev, buf)
}

func (r *Registry) Select(rdev uint32) (bool, kerr.Err) {
	dev, err := r.lookup(rdev)
	if err != kerr.None {
		return false, err
	}
	return dev.Select(rdev)
}
