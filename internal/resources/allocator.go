// Package resources partitions the PIO and MMIO address spaces and the IRQ
// line space of a VM between its devices.
//
// Free space in each address space is a set of disjoint intervals ordered by
// base address. Requests are served first-fit from the lowest address and
// released ranges are merged back with their neighbours. All operations are
// serialized; none of them block waiting for resources to be freed.
package resources

import (
	"cmp"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/rs/xid"

	"github.com/tinyrange/vmdevice/internal/hv"
)

// Option configures an Allocator.
type Option func(*Allocator)

// WithLogger sets the logger used for allocation events.
func WithLogger(l *slog.Logger) Option {
	return func(a *Allocator) {
		if l != nil {
			a.log = l
		}
	}
}

// Allocator hands out non-overlapping address ranges and unique IRQ lines.
type Allocator struct {
	mu sync.Mutex

	log *slog.Logger

	windows  map[hv.IoSpace][]hv.IoRange
	free     map[hv.IoSpace]*intervalSet
	reserved map[hv.IoSpace]*intervalSet
	irqs     *irqSet

	held map[xid.ID]Allocation
}

// New builds an allocator for the windows and IRQ pool in cfg.
func New(cfg Config, opts ...Option) (*Allocator, error) {
	a := &Allocator{
		log:      slog.Default(),
		windows:  make(map[hv.IoSpace][]hv.IoRange),
		free:     make(map[hv.IoSpace]*intervalSet),
		reserved: make(map[hv.IoSpace]*intervalSet),
		held:     make(map[xid.ID]Allocation),
	}
	for _, opt := range opts {
		opt(a)
	}

	for _, space := range []hv.IoSpace{hv.SpacePio, hv.SpaceMmio} {
		a.free[space] = newIntervalSet()
		a.reserved[space] = newIntervalSet()
	}

	if cfg.Pio != nil {
		if err := a.addWindow(hv.IoRange{Space: hv.SpacePio, Base: cfg.Pio.Base, Size: cfg.Pio.Size}); err != nil {
			return nil, err
		}
	}
	for _, w := range cfg.Mmio {
		if err := a.addWindow(hv.IoRange{Space: hv.SpaceMmio, Base: w.Base, Size: w.Size}); err != nil {
			return nil, err
		}
	}

	if err := cfg.Irq.validate(); err != nil {
		return nil, fmt.Errorf("resources: %w", err)
	}
	a.irqs = newIrqSet(cfg.Irq)

	for _, res := range cfg.Reserved {
		if err := a.addReservation(res); err != nil {
			return nil, err
		}
	}

	return a, nil
}

// NewFromAddressSpace builds an allocator over the windows of a VM layout.
func NewFromAddressSpace(as *hv.AddressSpace, irqs IrqPool, opts ...Option) (*Allocator, error) {
	return New(ConfigFromAddressSpace(as, irqs), opts...)
}

func (a *Allocator) addWindow(w hv.IoRange) error {
	if err := w.Validate(); err != nil {
		return fmt.Errorf("resources: window: %w", err)
	}
	for _, existing := range a.windows[w.Space] {
		if existing.Overlaps(w) {
			return fmt.Errorf("resources: window %s overlaps window %s", w, existing)
		}
	}
	a.windows[w.Space] = append(a.windows[w.Space], w)
	a.free[w.Space].insert(interval{base: w.Base, size: w.Size})
	return nil
}

func (a *Allocator) addReservation(res Reservation) error {
	r, err := res.Range()
	if err != nil {
		return fmt.Errorf("resources: %w", err)
	}
	if err := r.Validate(); err != nil {
		return fmt.Errorf("resources: reservation %q: %w", res.Name, err)
	}
	if a.reserved[r.Space].overlaps(r.Base, r.Size) {
		return fmt.Errorf("resources: reservation %q %s overlaps another reservation", res.Name, r)
	}
	// A reservation is either carved out of a window entirely or lies
	// entirely outside every window.
	if !a.free[r.Space].claim(r.Base, r.Size) && a.free[r.Space].overlaps(r.Base, r.Size) {
		return fmt.Errorf("resources: reservation %q %s partially overlaps a window", res.Name, r)
	}
	a.reserved[r.Space].insert(interval{base: r.Base, size: r.Size})
	return nil
}

// AllocateMmioRange reserves the lowest free MMIO range of size bytes whose
// base is a multiple of alignment. An alignment of 0 means no alignment.
func (a *Allocator) AllocateMmioRange(size, alignment uint64) (Allocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocateRangeLocked(hv.SpaceMmio, size, alignment)
}

// AllocatePioRange reserves the lowest free range of size ports.
func (a *Allocator) AllocatePioRange(size uint64) (Allocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocateRangeLocked(hv.SpacePio, size, 1)
}

// AllocateFixed claims exactly r. Ranges inside a reservation may only be
// obtained this way.
func (a *Allocator) AllocateFixed(r hv.IoRange) (Allocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocateFixedLocked(r)
}

// AllocateIrq reserves the lowest free IRQ line.
func (a *Allocator) AllocateIrq() (Allocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocateIrqLocked(1)
}

// AllocateIrqLine reserves a specific IRQ line.
func (a *Allocator) AllocateIrqLine(line uint32) (Allocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocateIrqLineLocked(line)
}

// AllocateIrqBlock reserves count contiguous IRQ lines.
func (a *Allocator) AllocateIrqBlock(count uint32) (Allocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocateIrqLocked(count)
}

// AllocateAll grants every constraint or none of them.
func (a *Allocator) AllocateAll(constraints []Constraint) (DeviceResources, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	granted := make(DeviceResources, 0, len(constraints))
	for _, c := range constraints {
		alloc, err := a.allocateLocked(c)
		if err != nil {
			for i := len(granted) - 1; i >= 0; i-- {
				// Everything in granted was issued under this lock.
				_ = a.releaseLocked(granted[i])
			}
			return nil, fmt.Errorf("resources: %s: %w", c, err)
		}
		granted = append(granted, alloc)
	}
	return granted, nil
}

// Release returns an allocation to the free pool. Releasing an allocation
// that is not currently held fails with ErrNotAllocated and changes nothing.
func (a *Allocator) Release(alloc Allocation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.releaseLocked(alloc)
}

// ReleaseAll releases every allocation in res, returning the first error.
func (a *Allocator) ReleaseAll(res DeviceResources) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	var first error
	for i := len(res) - 1; i >= 0; i-- {
		if err := a.releaseLocked(res[i]); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Held returns every outstanding allocation ordered by kind then base.
func (a *Allocator) Held() []Allocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]Allocation, 0, len(a.held))
	for _, alloc := range a.held {
		out = append(out, alloc)
	}
	slices.SortFunc(out, func(x, y Allocation) int {
		if c := cmp.Compare(x.kind, y.kind); c != 0 {
			return c
		}
		if x.kind == KindIrq {
			return cmp.Compare(x.irq, y.irq)
		}
		return cmp.Compare(x.rng.Base, y.rng.Base)
	})
	return out
}

// FreeRanges lists the ranges still available to first-fit allocation.
func (a *Allocator) FreeRanges(space hv.IoSpace) []hv.IoRange {
	a.mu.Lock()
	defer a.mu.Unlock()
	set, ok := a.free[space]
	if !ok {
		return nil
	}
	return set.ranges(space)
}

// FreeSpace returns the number of unallocated addresses in space.
func (a *Allocator) FreeSpace(space hv.IoSpace) uint64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	set, ok := a.free[space]
	if !ok {
		return 0
	}
	return set.total()
}

// FreeIrqs returns the number of unallocated IRQ lines.
func (a *Allocator) FreeIrqs() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.irqs.free()
}

func (a *Allocator) allocateLocked(c Constraint) (Allocation, error) {
	switch c.Kind {
	case KindPio, KindMmio:
		if c.Fixed {
			return a.allocateFixedLocked(hv.IoRange{Space: c.space(), Base: c.Base, Size: c.Size})
		}
		align := c.Align
		if c.Kind == KindPio && align == 0 {
			align = 1
		}
		return a.allocateRangeLocked(c.space(), c.Size, align)
	case KindIrq:
		if c.Fixed {
			if c.Base > uint64(^uint32(0)) {
				return Allocation{}, fmt.Errorf("resources: irq %d: %w", c.Base, ErrInvalidIrq)
			}
			return a.allocateIrqLineLocked(uint32(c.Base))
		}
		count := max(c.Size, 1)
		if count > uint64(^uint32(0)) {
			return Allocation{}, fmt.Errorf("resources: irq block of %d: %w", count, ErrInvalidRequest)
		}
		return a.allocateIrqLocked(uint32(count))
	default:
		return Allocation{}, fmt.Errorf("resources: unknown kind %d: %w", c.Kind, ErrInvalidRequest)
	}
}

func (a *Allocator) allocateRangeLocked(space hv.IoSpace, size, alignment uint64) (Allocation, error) {
	if size == 0 {
		return Allocation{}, fmt.Errorf("resources: %s: zero-size request: %w", space, ErrInvalidRequest)
	}
	if alignment == 0 {
		alignment = 1
	}
	if alignment&(alignment-1) != 0 {
		return Allocation{}, fmt.Errorf("resources: %s: alignment 0x%x is not a power of 2: %w", space, alignment, ErrInvalidRequest)
	}

	base, ok := a.free[space].firstFit(size, alignment)
	if !ok {
		return Allocation{}, fmt.Errorf("resources: %s: 0x%x bytes aligned to 0x%x: %w", space, size, alignment, ErrOutOfSpace)
	}

	return a.track(Allocation{
		kind: kindForSpace(space),
		rng:  hv.IoRange{Space: space, Base: base, Size: size},
	}), nil
}

func (a *Allocator) allocateFixedLocked(r hv.IoRange) (Allocation, error) {
	if err := r.Validate(); err != nil {
		return Allocation{}, fmt.Errorf("resources: fixed %s: %w: %w", r, ErrInvalidRequest, err)
	}

	if a.free[r.Space].claim(r.Base, r.Size) {
		return a.track(Allocation{kind: kindForSpace(r.Space), rng: r}), nil
	}
	if a.reserved[r.Space].claim(r.Base, r.Size) {
		return a.track(Allocation{kind: kindForSpace(r.Space), rng: r, reserved: true}), nil
	}

	if a.inWindows(r) || a.overlapsHeld(r) || a.reserved[r.Space].overlaps(r.Base, r.Size) {
		return Allocation{}, fmt.Errorf("resources: fixed %s: %w", r, ErrRangeBusy)
	}
	return Allocation{}, fmt.Errorf("resources: fixed %s: %w", r, ErrOutOfSpace)
}

func (a *Allocator) inWindows(r hv.IoRange) bool {
	for _, w := range a.windows[r.Space] {
		if w.Overlaps(r) {
			return true
		}
	}
	return false
}

func (a *Allocator) overlapsHeld(r hv.IoRange) bool {
	for _, alloc := range a.held {
		if alloc.kind != KindIrq && alloc.rng.Overlaps(r) {
			return true
		}
	}
	return false
}

func (a *Allocator) allocateIrqLocked(count uint32) (Allocation, error) {
	if count == 0 {
		return Allocation{}, fmt.Errorf("resources: empty irq block: %w", ErrInvalidRequest)
	}
	var (
		line uint32
		ok   bool
	)
	if count == 1 {
		line, ok = a.irqs.allocate()
	} else {
		line, ok = a.irqs.allocateBlock(count)
	}
	if !ok {
		return Allocation{}, fmt.Errorf("resources: %d irq line(s): %w", count, ErrIrqExhausted)
	}
	return a.track(Allocation{kind: KindIrq, irq: line, count: count}), nil
}

func (a *Allocator) allocateIrqLineLocked(line uint32) (Allocation, error) {
	if !a.irqs.contains(line) {
		return Allocation{}, fmt.Errorf("resources: irq %d: %w", line, ErrInvalidIrq)
	}
	if !a.irqs.isFree(line) {
		return Allocation{}, fmt.Errorf("resources: irq %d: %w", line, ErrIrqBusy)
	}
	a.irqs.claim(line)
	return a.track(Allocation{kind: KindIrq, irq: line, count: 1}), nil
}

func (a *Allocator) track(alloc Allocation) Allocation {
	alloc.id = xid.New()
	a.held[alloc.id] = alloc
	a.log.Debug("resources: allocated", "id", alloc.id.String(), "resource", alloc.String())
	return alloc
}

func (a *Allocator) releaseLocked(alloc Allocation) error {
	held, ok := a.held[alloc.id]
	if !ok || held != alloc {
		return fmt.Errorf("resources: release %s: %w", alloc, ErrNotAllocated)
	}

	switch alloc.kind {
	case KindPio, KindMmio:
		target := a.free[alloc.rng.Space]
		if alloc.reserved {
			target = a.reserved[alloc.rng.Space]
		}
		target.insert(interval{base: alloc.rng.Base, size: alloc.rng.Size})
	case KindIrq:
		a.irqs.release(alloc.irq, alloc.count)
	}

	delete(a.held, alloc.id)
	a.log.Debug("resources: released", "id", alloc.id.String(), "resource", alloc.String())
	return nil
}
