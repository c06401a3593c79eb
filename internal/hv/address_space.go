package hv

import (
	"fmt"
	"sync"
)

// DefaultMmioLimit is the first guest physical address above the MMIO
// window handed out by AddressSpace (a 40-bit physical address space).
const DefaultMmioLimit uint64 = 1 << 40

// FixedRegion is a pre-determined I/O range (GIC, UART, HPET, legacy ports).
type FixedRegion struct {
	Name  string
	Range IoRange
}

// AddressSpace describes the PIO and MMIO domains of one VM as the sets of
// ranges that may be handed to devices. RAM is never allocatable.
type AddressSpace struct {
	mu sync.Mutex

	arch    CpuArchitecture
	ramBase uint64
	ramSize uint64

	// Split memory layout (x86_64 only, for >3GB RAM)
	// When isSplit is true, RAM is split around the PCI hole:
	//   - Low memory: [ramBase, ramBase+lowMemSize)
	//   - High memory: [highMemBase, highMemBase+highMemSize)
	isSplit     bool
	lowMemSize  uint64
	highMemBase uint64
	highMemSize uint64

	mmioLimit uint64
	pioBase   uint64

	fixedRegions []FixedRegion
}

// NewAddressSpace creates the address layout for a VM with contiguous RAM.
// The MMIO window starts above ramBase+ramSize.
func NewAddressSpace(arch CpuArchitecture, ramBase, ramSize uint64) *AddressSpace {
	return &AddressSpace{
		arch:      arch,
		ramBase:   ramBase,
		ramSize:   ramSize,
		mmioLimit: DefaultMmioLimit,
	}
}

// NewAddressSpaceSplit creates the address layout for split memory layouts.
// This is used on x86_64 when RAM exceeds the PCI hole (3GB-4GB).
// Low memory: [lowBase, lowBase+lowSize)
// High memory: [highBase, highBase+highSize)
// MMIO is available in the hole between the two and above high memory.
func NewAddressSpaceSplit(arch CpuArchitecture, lowBase, lowSize, highBase, highSize uint64) *AddressSpace {
	return &AddressSpace{
		arch:        arch,
		ramBase:     lowBase,
		ramSize:     lowSize + highSize, // Total RAM for reporting purposes
		isSplit:     true,
		lowMemSize:  lowSize,
		highMemBase: highBase,
		highMemSize: highSize,
		mmioLimit:   DefaultMmioLimit,
	}
}

// SetMmioLimit moves the top of the MMIO window.
func (a *AddressSpace) SetMmioLimit(limit uint64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.mmioLimit = limit
}

// SetPioBase reserves every port below base for the platform.
func (a *AddressSpace) SetPioBase(base uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pioBase = uint64(base)
}

// PioWindow returns the allocatable port range. Only x86_64 has port I/O.
func (a *AddressSpace) PioWindow() (IoRange, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.arch != ArchitectureX86_64 {
		return IoRange{}, false
	}
	return IoRange{Space: SpacePio, Base: a.pioBase, Size: PioLimit - a.pioBase}, true
}

// MmioWindows returns the allocatable MMIO ranges in ascending order.
func (a *AddressSpace) MmioWindows() []IoRange {
	a.mu.Lock()
	defer a.mu.Unlock()

	var windows []IoRange
	add := func(start, end uint64) {
		if start < end {
			windows = append(windows, IoRange{Space: SpaceMmio, Base: start, Size: end - start})
		}
	}

	if a.isSplit {
		add(AlignUp(a.ramBase+a.lowMemSize, 0x1000), a.highMemBase)
		add(AlignUp(a.highMemBase+a.highMemSize, 0x1000), a.mmioLimit)
	} else {
		if a.ramBase > 0 {
			add(0, a.ramBase)
		}
		add(AlignUp(a.RAMEnd(), 0x1000), a.mmioLimit)
	}
	return windows
}

// RegisterFixed registers a pre-determined region.
// Returns error if the region overlaps with RAM or another fixed region.
func (a *AddressSpace) RegisterFixed(name string, r IoRange) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := r.Validate(); err != nil {
		return fmt.Errorf("address_space: fixed region %s: %w", name, err)
	}

	if r.Space == SpacePio && a.arch != ArchitectureX86_64 {
		return fmt.Errorf("address_space: fixed region %s: no port I/O on %s", name, a.arch)
	}

	if r.Space == SpaceMmio {
		if a.isSplit {
			low := MmioRange(a.ramBase, a.lowMemSize)
			high := MmioRange(a.highMemBase, a.highMemSize)
			if r.Overlaps(low) {
				return fmt.Errorf("address_space: fixed region %s %s overlaps low RAM %s", name, r, low)
			}
			if r.Overlaps(high) {
				return fmt.Errorf("address_space: fixed region %s %s overlaps high RAM %s", name, r, high)
			}
		} else {
			ram := MmioRange(a.ramBase, a.ramSize)
			if r.Overlaps(ram) {
				return fmt.Errorf("address_space: fixed region %s %s overlaps RAM %s", name, r, ram)
			}
		}
	}

	for _, existing := range a.fixedRegions {
		if r.Overlaps(existing.Range) {
			return fmt.Errorf("address_space: fixed region %s %s overlaps %s %s",
				name, r, existing.Name, existing.Range)
		}
	}

	a.fixedRegions = append(a.fixedRegions, FixedRegion{Name: name, Range: r})
	return nil
}

// FixedRegions returns a copy of all fixed regions.
func (a *AddressSpace) FixedRegions() []FixedRegion {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]FixedRegion, len(a.fixedRegions))
	copy(result, a.fixedRegions)
	return result
}

// RAMBase returns the RAM base address.
func (a *AddressSpace) RAMBase() uint64 {
	return a.ramBase
}

// RAMSize returns the RAM size.
func (a *AddressSpace) RAMSize() uint64 {
	return a.ramSize
}

// RAMEnd returns the first address after RAM.
func (a *AddressSpace) RAMEnd() uint64 {
	if a.isSplit {
		return a.highMemBase + a.highMemSize
	}
	return a.ramBase + a.ramSize
}

// Architecture returns the CPU architecture.
func (a *AddressSpace) Architecture() CpuArchitecture {
	return a.arch
}

// AlignUp aligns value up to the specified power-of-two alignment.
// The result wraps to zero if it does not fit in 64 bits.
func AlignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
