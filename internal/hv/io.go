package hv

import (
	"errors"
	"fmt"
)

// IoSpace identifies one of the two disjoint I/O address domains.
type IoSpace uint8

const (
	SpaceInvalid IoSpace = iota
	SpacePio
	SpaceMmio
)

// PioLimit is the first address past the 16-bit port I/O space.
const PioLimit = 0x10000

func (s IoSpace) String() string {
	switch s {
	case SpacePio:
		return "pio"
	case SpaceMmio:
		return "mmio"
	default:
		return "invalid"
	}
}

// Limit returns the last valid address in the space.
func (s IoSpace) Limit() uint64 {
	switch s {
	case SpacePio:
		return PioLimit - 1
	case SpaceMmio:
		return ^uint64(0)
	default:
		return 0
	}
}

// ParseIoSpace converts "pio" or "mmio" into an IoSpace.
func ParseIoSpace(s string) (IoSpace, error) {
	switch s {
	case "pio", "PIO":
		return SpacePio, nil
	case "mmio", "MMIO":
		return SpaceMmio, nil
	default:
		return SpaceInvalid, fmt.Errorf("unknown I/O space %q", s)
	}
}

// IoAddress is a single byte address in one of the I/O spaces.
type IoAddress struct {
	Space IoSpace
	Addr  uint64
}

// PioAddress returns the IoAddress of an x86 I/O port.
func PioAddress(port uint16) IoAddress {
	return IoAddress{Space: SpacePio, Addr: uint64(port)}
}

// MmioAddress returns the IoAddress of a guest physical MMIO address.
func MmioAddress(addr uint64) IoAddress {
	return IoAddress{Space: SpaceMmio, Addr: addr}
}

// Port returns the address as a 16-bit port number.
func (a IoAddress) Port() uint16 { return uint16(a.Addr) }

func (a IoAddress) String() string {
	if a.Space == SpacePio {
		return fmt.Sprintf("pio:0x%04x", a.Addr)
	}
	return fmt.Sprintf("%s:0x%016x", a.Space, a.Addr)
}

var ErrInvalidIoRange = errors.New("invalid I/O range")

// IoRange is the half-open interval [Base, Base+Size) within one space.
type IoRange struct {
	Space IoSpace
	Base  uint64
	Size  uint64
}

// PioRange builds a port I/O range.
func PioRange(base uint16, size uint64) IoRange {
	return IoRange{Space: SpacePio, Base: uint64(base), Size: size}
}

// MmioRange builds an MMIO range.
func MmioRange(base, size uint64) IoRange {
	return IoRange{Space: SpaceMmio, Base: base, Size: size}
}

// Validate reports whether r is non-empty and fits inside its space.
func (r IoRange) Validate() error {
	if r.Space != SpacePio && r.Space != SpaceMmio {
		return fmt.Errorf("%w: unknown space %d", ErrInvalidIoRange, r.Space)
	}
	if r.Size == 0 {
		return fmt.Errorf("%w: %s range at 0x%x has zero size", ErrInvalidIoRange, r.Space, r.Base)
	}
	if r.Base+(r.Size-1) < r.Base {
		return fmt.Errorf("%w: %s range at 0x%x with size 0x%x overflows", ErrInvalidIoRange, r.Space, r.Base, r.Size)
	}
	if r.Last() > r.Space.Limit() {
		return fmt.Errorf("%w: %s range 0x%x-0x%x exceeds 0x%x", ErrInvalidIoRange, r.Space, r.Base, r.Last(), r.Space.Limit())
	}
	return nil
}

// Last returns the last address inside the range. Size must be non-zero.
func (r IoRange) Last() uint64 {
	return r.Base + r.Size - 1
}

// Contains reports whether addr falls inside the range.
func (r IoRange) Contains(addr IoAddress) bool {
	return addr.Space == r.Space && addr.Addr >= r.Base && addr.Addr <= r.Last()
}

// ContainsAccess reports whether an n-byte access at addr fits entirely in r.
func (r IoRange) ContainsAccess(addr IoAddress, n int) bool {
	if !r.Contains(addr) {
		return false
	}
	if n <= 1 {
		return true
	}
	return uint64(n-1) <= r.Last()-addr.Addr
}

// Overlaps reports whether r and other share at least one address.
func (r IoRange) Overlaps(other IoRange) bool {
	if r.Space != other.Space || r.Size == 0 || other.Size == 0 {
		return false
	}
	return r.Base <= other.Last() && other.Base <= r.Last()
}

// Offset translates a global address into an address relative to r.
func (r IoRange) Offset(addr IoAddress) IoAddress {
	return IoAddress{Space: r.Space, Addr: addr.Addr - r.Base}
}

func (r IoRange) String() string {
	if r.Size == 0 {
		return fmt.Sprintf("%s:[0x%x, empty)", r.Space, r.Base)
	}
	return fmt.Sprintf("%s:[0x%x-0x%x]", r.Space, r.Base, r.Last())
}

// DeviceIo is implemented by every device that accepts dispatched I/O.
//
// Addresses passed to Read and Write are relative to the range the device
// was registered under. The bus provides no per-device locking: a device
// registered under several ranges may be called from several vCPUs at once
// and must serialize its own state.
type DeviceIo interface {
	Read(addr IoAddress, data []byte)
	Write(addr IoAddress, data []byte)
}

// DeviceIoFuncs adapts a pair of functions to DeviceIo. A nil ReadFunc
// reads as zero and a nil WriteFunc drops the write.
type DeviceIoFuncs struct {
	ReadFunc  func(addr IoAddress, data []byte)
	WriteFunc func(addr IoAddress, data []byte)
}

func (d DeviceIoFuncs) Read(addr IoAddress, data []byte) {
	if d.ReadFunc != nil {
		d.ReadFunc(addr, data)
		return
	}
	clear(data)
}

func (d DeviceIoFuncs) Write(addr IoAddress, data []byte) {
	if d.WriteFunc != nil {
		d.WriteFunc(addr, data)
	}
}

var _ DeviceIo = DeviceIoFuncs{}
