// Package scratch implements a plain register file device. Every byte reads
// back as it was last written, which makes it useful for bring-up and for
// checking address translation end to end.
package scratch

import (
	"fmt"
	"sync"

	"github.com/tinyrange/vmdevice/internal/chipset"
	"github.com/tinyrange/vmdevice/internal/hv"
	"github.com/tinyrange/vmdevice/internal/resources"
)

// Registers is a size-byte register file placed in PIO or MMIO space.
type Registers struct {
	mu  sync.Mutex
	mem []byte

	space hv.IoSpace
	align uint64
	fixed *uint64

	rng hv.IoRange
}

// Option configures Registers.
type Option func(*Registers)

// WithPio places the register file in port I/O space.
func WithPio() Option {
	return func(r *Registers) { r.space = hv.SpacePio }
}

// WithBase asks for the register file at a fixed address.
func WithBase(base uint64) Option {
	return func(r *Registers) { r.fixed = &base }
}

// New returns a zeroed register file of size bytes. align is the MMIO
// placement alignment and is ignored for port I/O.
func New(size, align uint64, opts ...Option) *Registers {
	r := &Registers{
		mem:   make([]byte, size),
		space: hv.SpaceMmio,
		align: align,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Constraints implements chipset.ChipsetDevice.
func (r *Registers) Constraints() []resources.Constraint {
	size := uint64(len(r.mem))
	switch {
	case r.space == hv.SpacePio && r.fixed != nil:
		return []resources.Constraint{resources.FixedPioConstraint(*r.fixed, size)}
	case r.space == hv.SpacePio:
		return []resources.Constraint{resources.PioConstraint(size)}
	case r.fixed != nil:
		return []resources.Constraint{resources.FixedMmioConstraint(*r.fixed, size)}
	default:
		return []resources.Constraint{resources.MmioConstraint(size, r.align)}
	}
}

// Assign implements chipset.ChipsetDevice.
func (r *Registers) Assign(a chipset.Assignment) error {
	ranges := a.Resources.Ranges()
	if len(ranges) != 1 {
		return fmt.Errorf("scratch: expected one range, got %d", len(ranges))
	}
	if ranges[0].Size != uint64(len(r.mem)) {
		return fmt.Errorf("scratch: range %s does not match register file of %d bytes", ranges[0], len(r.mem))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.rng = ranges[0]
	return nil
}

// Range returns the assigned range, or the zero range before Assign.
func (r *Registers) Range() hv.IoRange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rng
}

// Read implements hv.DeviceIo.
func (r *Registers) Read(addr hv.IoAddress, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	if addr.Addr < uint64(len(r.mem)) {
		n = copy(data, r.mem[addr.Addr:])
	}
	clear(data[n:])
}

// Write implements hv.DeviceIo.
func (r *Registers) Write(addr hv.IoAddress, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if addr.Addr < uint64(len(r.mem)) {
		copy(r.mem[addr.Addr:], data)
	}
}

// Start implements chipset.ChangeDeviceState.
func (r *Registers) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (r *Registers) Stop() error { return nil }

// Reset zeroes the register file.
func (r *Registers) Reset() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.mem)
	return nil
}

var _ chipset.ChipsetDevice = (*Registers)(nil)
