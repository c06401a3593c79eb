package resources

import (
	"fmt"

	"github.com/tinyrange/vmdevice/internal/hv"
)

// Constraint describes one resource a device needs. For ranges Size is in
// bytes; for IRQs Size is the number of contiguous lines (0 means 1).
// When Fixed is set, Base is the exact address or line requested.
type Constraint struct {
	Kind  Kind
	Size  uint64
	Align uint64
	Fixed bool
	Base  uint64
}

func PioConstraint(size uint64) Constraint {
	return Constraint{Kind: KindPio, Size: size}
}

// FixedPioConstraint requests ports [port, port+size). Ports past the
// 16-bit space fail validation at allocation time.
func FixedPioConstraint(port, size uint64) Constraint {
	return Constraint{Kind: KindPio, Size: size, Fixed: true, Base: port}
}

func MmioConstraint(size, align uint64) Constraint {
	return Constraint{Kind: KindMmio, Size: size, Align: align}
}

func FixedMmioConstraint(base, size uint64) Constraint {
	return Constraint{Kind: KindMmio, Size: size, Fixed: true, Base: base}
}

func IrqConstraint() Constraint {
	return Constraint{Kind: KindIrq, Size: 1}
}

func FixedIrqConstraint(line uint32) Constraint {
	return Constraint{Kind: KindIrq, Size: 1, Fixed: true, Base: uint64(line)}
}

// IrqBlockConstraint requests count contiguous lines, as MSI vectors need.
func IrqBlockConstraint(count uint32) Constraint {
	return Constraint{Kind: KindIrq, Size: uint64(count)}
}

func (c Constraint) String() string {
	switch c.Kind {
	case KindIrq:
		if c.Fixed {
			return fmt.Sprintf("irq %d", c.Base)
		}
		return fmt.Sprintf("irq x%d", max(c.Size, 1))
	case KindPio, KindMmio:
		if c.Fixed {
			return fmt.Sprintf("%s 0x%x+0x%x", c.Kind, c.Base, c.Size)
		}
		return fmt.Sprintf("%s 0x%x align 0x%x", c.Kind, c.Size, c.Align)
	default:
		return "invalid constraint"
	}
}

func (c Constraint) space() hv.IoSpace {
	if c.Kind == KindPio {
		return hv.SpacePio
	}
	return hv.SpaceMmio
}
