package resources

import (
	"fmt"

	"github.com/rs/xid"

	"github.com/tinyrange/vmdevice/internal/hv"
)

// Kind identifies what an Allocation grants.
type Kind uint8

const (
	KindInvalid Kind = iota
	KindPio
	KindMmio
	KindIrq
)

func (k Kind) String() string {
	switch k {
	case KindPio:
		return "pio"
	case KindMmio:
		return "mmio"
	case KindIrq:
		return "irq"
	default:
		return "invalid"
	}
}

func kindForSpace(space hv.IoSpace) Kind {
	switch space {
	case hv.SpacePio:
		return KindPio
	case hv.SpaceMmio:
		return KindMmio
	default:
		return KindInvalid
	}
}

// Allocation is the token for one granted range or block of IRQ lines.
// It stays valid until passed to Allocator.Release.
type Allocation struct {
	id    xid.ID
	kind  Kind
	rng   hv.IoRange
	irq   uint32
	count uint32

	// reserved marks ranges claimed out of a reserved region; they go
	// back there on release instead of into the dynamic pool.
	reserved bool
}

// ID returns the unique identity of the allocation.
func (a Allocation) ID() xid.ID { return a.id }

func (a Allocation) Kind() Kind { return a.kind }

// Range returns the granted range for PIO and MMIO allocations.
func (a Allocation) Range() hv.IoRange { return a.rng }

// Irq returns the first granted line for IRQ allocations.
func (a Allocation) Irq() uint32 { return a.irq }

// IrqCount returns the number of contiguous lines granted.
func (a Allocation) IrqCount() uint32 { return a.count }

// Irqs lists every line of an IRQ allocation.
func (a Allocation) Irqs() []uint32 {
	if a.kind != KindIrq {
		return nil
	}
	out := make([]uint32, a.count)
	for i := range out {
		out[i] = a.irq + uint32(i)
	}
	return out
}

// IsZero reports whether a is the zero Allocation.
func (a Allocation) IsZero() bool { return a.id.IsNil() }

func (a Allocation) String() string {
	switch a.kind {
	case KindIrq:
		if a.count > 1 {
			return fmt.Sprintf("irq %d-%d", a.irq, a.irq+a.count-1)
		}
		return fmt.Sprintf("irq %d", a.irq)
	case KindPio, KindMmio:
		return a.rng.String()
	default:
		return "invalid allocation"
	}
}

// DeviceResources is the set of allocations granted to one device.
type DeviceResources []Allocation

// Ranges returns every PIO and MMIO range in grant order.
func (r DeviceResources) Ranges() []hv.IoRange {
	var out []hv.IoRange
	for _, a := range r {
		if a.kind == KindPio || a.kind == KindMmio {
			out = append(out, a.rng)
		}
	}
	return out
}

func (r DeviceResources) PioRanges() []hv.IoRange  { return r.rangesOf(KindPio) }
func (r DeviceResources) MmioRanges() []hv.IoRange { return r.rangesOf(KindMmio) }

func (r DeviceResources) rangesOf(kind Kind) []hv.IoRange {
	var out []hv.IoRange
	for _, a := range r {
		if a.kind == kind {
			out = append(out, a.rng)
		}
	}
	return out
}

// Irqs returns every granted IRQ line in grant order.
func (r DeviceResources) Irqs() []uint32 {
	var out []uint32
	for _, a := range r {
		out = append(out, a.Irqs()...)
	}
	return out
}
