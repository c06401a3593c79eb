package resources

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinyrange/vmdevice/internal/hv"
)

func testConfig() Config {
	return Config{
		Pio:  &Window{Base: 0x1000, Size: 0x1000},
		Mmio: []Window{{Base: 0xd000_0000, Size: 0x10_0000}},
		Irq:  IrqPool{First: 5, Count: 4},
		Reserved: []Reservation{
			{Name: "com1", Space: "pio", Base: 0x3f8, Size: 8},
			{Name: "ioapic", Space: "mmio", Base: 0xd000_0000, Size: 0x1000},
		},
	}
}

func newTestAllocator(t *testing.T) *Allocator {
	t.Helper()
	a, err := New(testConfig())
	require.NoError(t, err)
	return a
}

func TestAllocateMmioLowestAligned(t *testing.T) {
	a := newTestAllocator(t)

	first, err := a.AllocateMmioRange(8, 16)
	require.NoError(t, err)
	require.Equal(t, hv.MmioRange(0xd000_1000, 8), first.Range())

	second, err := a.AllocateMmioRange(0x1000, 0x1000)
	require.NoError(t, err)
	require.Equal(t, uint64(0xd000_2000), second.Range().Base)

	third, err := a.AllocateMmioRange(4, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(0xd000_1008), third.Range().Base, "unaligned request fills the gap")
}

func TestAllocateMmioInvalidRequests(t *testing.T) {
	a := newTestAllocator(t)

	_, err := a.AllocateMmioRange(0, 8)
	require.ErrorIs(t, err, ErrInvalidRequest)
	_, err = a.AllocateMmioRange(8, 12)
	require.ErrorIs(t, err, ErrInvalidRequest)
}

func TestAllocateOutOfSpace(t *testing.T) {
	a := newTestAllocator(t)

	_, err := a.AllocateMmioRange(0x10_0000, 1)
	require.ErrorIs(t, err, ErrOutOfSpace, "the reservation shrinks the window")

	big, err := a.AllocatePioRange(0x1000)
	require.NoError(t, err)
	require.Equal(t, hv.PioRange(0x1000, 0x1000), big.Range())

	_, err = a.AllocatePioRange(1)
	require.ErrorIs(t, err, ErrOutOfSpace)
}

func TestReleaseReusesSpace(t *testing.T) {
	a := newTestAllocator(t)

	first, err := a.AllocatePioRange(0x20)
	require.NoError(t, err)
	require.NoError(t, a.Release(first))

	again, err := a.AllocatePioRange(0x20)
	require.NoError(t, err)
	require.Equal(t, first.Range(), again.Range())
	require.NotEqual(t, first.ID(), again.ID())
}

func TestReleaseCoalesces(t *testing.T) {
	a := newTestAllocator(t)

	var allocs []Allocation
	for range 4 {
		alloc, err := a.AllocatePioRange(0x400)
		require.NoError(t, err)
		allocs = append(allocs, alloc)
	}
	_, err := a.AllocatePioRange(1)
	require.ErrorIs(t, err, ErrOutOfSpace)

	// Release out of order; the window must come back as one interval.
	for _, i := range []int{1, 3, 0, 2} {
		require.NoError(t, a.Release(allocs[i]))
	}
	require.Equal(t, []hv.IoRange{hv.PioRange(0x1000, 0x1000)}, a.FreeRanges(hv.SpacePio))

	whole, err := a.AllocatePioRange(0x1000)
	require.NoError(t, err)
	require.Equal(t, uint64(0x1000), whole.Range().Base)
}

func TestReleaseNotHeld(t *testing.T) {
	a := newTestAllocator(t)

	alloc, err := a.AllocateIrq()
	require.NoError(t, err)
	require.NoError(t, a.Release(alloc))
	require.ErrorIs(t, a.Release(alloc), ErrNotAllocated)
	require.ErrorIs(t, a.Release(Allocation{}), ErrNotAllocated)

	// A token from another allocator is not held either.
	other := newTestAllocator(t)
	foreign, err := other.AllocateIrq()
	require.NoError(t, err)
	require.ErrorIs(t, a.Release(foreign), ErrNotAllocated)
	require.Equal(t, uint32(4), a.FreeIrqs())
}

func TestAllocateIrq(t *testing.T) {
	a := newTestAllocator(t)

	var lines []uint32
	for range 4 {
		alloc, err := a.AllocateIrq()
		require.NoError(t, err)
		lines = append(lines, alloc.Irq())
	}
	require.Equal(t, []uint32{5, 6, 7, 8}, lines)

	_, err := a.AllocateIrq()
	require.ErrorIs(t, err, ErrIrqExhausted)
}

func TestAllocateIrqLineAndBlock(t *testing.T) {
	a := newTestAllocator(t)

	six, err := a.AllocateIrqLine(6)
	require.NoError(t, err)
	_, err = a.AllocateIrqLine(6)
	require.ErrorIs(t, err, ErrIrqBusy)
	_, err = a.AllocateIrqLine(4)
	require.ErrorIs(t, err, ErrInvalidIrq)
	_, err = a.AllocateIrqLine(9)
	require.ErrorIs(t, err, ErrInvalidIrq)

	block, err := a.AllocateIrqBlock(2)
	require.NoError(t, err)
	require.Equal(t, []uint32{7, 8}, block.Irqs(), "line 6 splits the pool")

	_, err = a.AllocateIrqBlock(2)
	require.ErrorIs(t, err, ErrIrqExhausted)

	require.NoError(t, a.Release(six))
	block2, err := a.AllocateIrqBlock(2)
	require.NoError(t, err)
	require.Equal(t, []uint32{5, 6}, block2.Irqs())
}

func TestAllocateFixed(t *testing.T) {
	a := newTestAllocator(t)

	com1, err := a.AllocateFixed(hv.PioRange(0x3f8, 8))
	require.NoError(t, err, "reserved ranges can be claimed explicitly")

	_, err = a.AllocateFixed(hv.PioRange(0x3fc, 2))
	require.ErrorIs(t, err, ErrRangeBusy)

	_, err = a.AllocateFixed(hv.PioRange(0x60, 4))
	require.ErrorIs(t, err, ErrOutOfSpace)

	dyn, err := a.AllocateFixed(hv.PioRange(0x1800, 0x10))
	require.NoError(t, err)
	_, err = a.AllocateFixed(hv.PioRange(0x180f, 4))
	require.ErrorIs(t, err, ErrRangeBusy)

	// Released reservations go back to the reservation, not the dynamic pool.
	require.NoError(t, a.Release(com1))
	require.NoError(t, a.Release(dyn))
	require.Equal(t, []hv.IoRange{hv.PioRange(0x1000, 0x1000)}, a.FreeRanges(hv.SpacePio))
	_, err = a.AllocateFixed(hv.PioRange(0x3f8, 8))
	require.NoError(t, err)
}

func TestAllocateAllRollsBack(t *testing.T) {
	a := newTestAllocator(t)

	res, err := a.AllocateAll([]Constraint{
		PioConstraint(8),
		MmioConstraint(0x1000, 0x1000),
		IrqConstraint(),
	})
	require.NoError(t, err)
	require.Len(t, res.PioRanges(), 1)
	require.Len(t, res.MmioRanges(), 1)
	require.Equal(t, []uint32{5}, res.Irqs())
	require.Len(t, res.Ranges(), 2)

	freePio := a.FreeSpace(hv.SpacePio)
	freeMmio := a.FreeSpace(hv.SpaceMmio)
	held := len(a.Held())

	_, err = a.AllocateAll([]Constraint{
		PioConstraint(8),
		MmioConstraint(0x1000, 0x1000),
		IrqBlockConstraint(4),
	})
	require.ErrorIs(t, err, ErrIrqExhausted)
	require.Equal(t, freePio, a.FreeSpace(hv.SpacePio))
	require.Equal(t, freeMmio, a.FreeSpace(hv.SpaceMmio))
	require.Len(t, a.Held(), held)

	require.NoError(t, a.ReleaseAll(res))
	require.Empty(t, a.Held())
}

func TestAllocationsNeverOverlap(t *testing.T) {
	a, err := New(Config{
		Pio:  &Window{Base: 0, Size: 0x10000},
		Mmio: []Window{{Base: 0x1000_0000, Size: 0x100_0000}},
	})
	require.NoError(t, err)

	rng := rand.New(rand.NewSource(1))
	var live []Allocation
	for i := 0; i < 2000; i++ {
		if len(live) > 0 && rng.Intn(3) == 0 {
			idx := rng.Intn(len(live))
			require.NoError(t, a.Release(live[idx]))
			live = append(live[:idx], live[idx+1:]...)
			continue
		}

		var (
			alloc Allocation
			err   error
		)
		if rng.Intn(2) == 0 {
			alloc, err = a.AllocatePioRange(uint64(1 + rng.Intn(64)))
		} else {
			alloc, err = a.AllocateMmioRange(uint64(1+rng.Intn(0x4000)), 1<<rng.Intn(13))
		}
		if errors.Is(err, ErrOutOfSpace) {
			continue
		}
		require.NoError(t, err)

		for _, other := range live {
			require.False(t, alloc.Range().Overlaps(other.Range()),
				"%s overlaps %s", alloc.Range(), other.Range())
		}
		live = append(live, alloc)
	}

	for _, alloc := range live {
		require.NoError(t, a.Release(alloc))
	}
	require.Equal(t, []hv.IoRange{hv.PioRange(0, 0x10000)}, a.FreeRanges(hv.SpacePio))
	require.Equal(t, []hv.IoRange{hv.MmioRange(0x1000_0000, 0x100_0000)}, a.FreeRanges(hv.SpaceMmio))
}

func TestNewRejectsBadLayouts(t *testing.T) {
	_, err := New(Config{Mmio: []Window{{Base: 0x1000, Size: 0x1000}, {Base: 0x1800, Size: 0x1000}}})
	require.Error(t, err, "overlapping windows")

	_, err = New(Config{Pio: &Window{Base: 0xf000, Size: 0x2000}})
	require.ErrorIs(t, err, hv.ErrInvalidIoRange)

	_, err = New(Config{
		Pio:      &Window{Base: 0x1000, Size: 0x1000},
		Reserved: []Reservation{{Name: "straddle", Space: "pio", Base: 0xff0, Size: 0x20}},
	})
	require.Error(t, err, "reservation straddling a window edge")

	_, err = New(Config{Reserved: []Reservation{{Name: "x", Space: "dma", Base: 0, Size: 1}}})
	require.Error(t, err)
}

func TestIrqPoolAtTopOfLineSpace(t *testing.T) {
	a, err := New(Config{Irq: IrqPool{First: 0xffff_ff00, Count: 0x100}})
	require.NoError(t, err)
	require.Equal(t, uint32(0x100), a.FreeIrqs())

	last, err := a.AllocateIrqLine(0xffff_ffff)
	require.NoError(t, err)
	require.Equal(t, uint32(0xffff_ffff), last.Irq())

	block, err := a.AllocateIrqBlock(0xff)
	require.NoError(t, err)
	require.Equal(t, uint32(0xffff_ff00), block.Irq())
	require.Zero(t, a.FreeIrqs())

	_, err = New(Config{Irq: IrqPool{First: 0xffff_ff01, Count: 0x100}})
	require.Error(t, err)
}

func TestAllocateFixedPioPastPortSpace(t *testing.T) {
	a, err := New(Config{Pio: &Window{Base: 0x1000, Size: 0x100}})
	require.NoError(t, err)

	_, err = a.AllocateAll([]Constraint{FixedPioConstraint(0x1_1000, 4)})
	require.ErrorIs(t, err, ErrInvalidRequest)
	require.ErrorIs(t, err, hv.ErrInvalidIoRange)
	require.Empty(t, a.Held())
	require.Equal(t, []hv.IoRange{hv.PioRange(0x1000, 0x100)}, a.FreeRanges(hv.SpacePio))
}

func TestNewFromAddressSpace(t *testing.T) {
	as := hv.NewAddressSpace(hv.ArchitectureX86_64, 0, 0x8000_0000)
	as.SetMmioLimit(0x1_0000_0000)
	as.SetPioBase(0x1000)
	require.NoError(t, as.RegisterFixed("com1", hv.PioRange(0x3f8, 8)))
	require.NoError(t, as.RegisterFixed("hpet", hv.MmioRange(0xfed0_0000, 0x1000)))

	a, err := NewFromAddressSpace(as, IrqPool{First: 16, Count: 8})
	require.NoError(t, err)

	mmio, err := a.AllocateMmioRange(0x1000, 0x1000)
	require.NoError(t, err)
	require.Equal(t, uint64(0x8000_0000), mmio.Range().Base)

	_, err = a.AllocateFixed(hv.MmioRange(0xfed0_0000, 0x1000))
	require.NoError(t, err)
	_, err = a.AllocateFixed(hv.PioRange(0x3f8, 8))
	require.NoError(t, err)

	irq, err := a.AllocateIrq()
	require.NoError(t, err)
	require.Equal(t, uint32(16), irq.Irq())
}
