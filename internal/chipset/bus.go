package chipset

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/btree"

	"github.com/tinyrange/vmdevice/internal/hv"
)

// DefaultUnclaimedFill is the byte returned for reads nobody claims, the
// value a floating bus reads as.
const DefaultUnclaimedFill = 0xff

type binding struct {
	rng hv.IoRange
	dev hv.DeviceIo
}

func bindingLess(a, b binding) bool { return a.rng.Base < b.rng.Base }

func pivot(addr uint64) binding { return binding{rng: hv.IoRange{Base: addr}} }

// registry holds the bindings of one I/O space. master is only touched with
// Bus.mu held; dispatch reads the published snapshot, which is never
// modified after it has been stored.
type registry struct {
	master   *btree.BTreeG[binding]
	snapshot atomic.Pointer[btree.BTreeG[binding]]
}

func newRegistry() *registry {
	r := &registry{master: btree.NewG(8, bindingLess)}
	r.publish()
	return r
}

func (r *registry) publish() {
	r.snapshot.Store(r.master.Clone())
}

// find returns the binding whose range contains addr.
func find(tree *btree.BTreeG[binding], addr uint64) (binding, bool) {
	var (
		found binding
		ok    bool
	)
	tree.DescendLessOrEqual(pivot(addr), func(b binding) bool {
		found, ok = b, addr <= b.rng.Last()
		return false
	})
	return found, ok
}

func (r *registry) overlapping(rng hv.IoRange) (binding, bool) {
	if b, ok := find(r.master, rng.Base); ok {
		return b, true
	}
	var (
		next binding
		hit  bool
	)
	r.master.AscendGreaterOrEqual(pivot(rng.Base), func(b binding) bool {
		next, hit = b, b.rng.Base <= rng.Last()
		return false
	})
	return next, hit
}

// BusOption configures a Bus.
type BusOption func(*Bus)

// WithLogger sets the logger used for registration and unclaimed accesses.
func WithLogger(l *slog.Logger) BusOption {
	return func(b *Bus) {
		if l != nil {
			b.log = l
		}
	}
}

// WithUnclaimedFill sets the byte used to fill unclaimed reads.
func WithUnclaimedFill(fill byte) BusOption {
	return func(b *Bus) { b.fill = fill }
}

// Bus routes trapped PIO and MMIO accesses to registered devices.
//
// Dispatch is safe from any number of goroutines and never takes a lock.
// Register and Unregister serialize with each other but do not block
// dispatches in flight, which keep using the registry they started with.
type Bus struct {
	mu sync.Mutex

	pio  *registry
	mmio *registry

	log  *slog.Logger
	fill byte

	unclaimed atomic.Uint64
}

// NewBus returns an empty Bus.
func NewBus(opts ...BusOption) *Bus {
	b := &Bus{
		pio:  newRegistry(),
		mmio: newRegistry(),
		log:  slog.Default(),
		fill: DefaultUnclaimedFill,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) registry(space hv.IoSpace) *registry {
	switch space {
	case hv.SpacePio:
		return b.pio
	case hv.SpaceMmio:
		return b.mmio
	default:
		return nil
	}
}

// Register routes every access inside r to dev. The registry is left
// unchanged if r is invalid or overlaps an existing registration.
func (b *Bus) Register(r hv.IoRange, dev hv.DeviceIo) error {
	if dev == nil {
		return fmt.Errorf("chipset: register %s: nil device: %w", r, ErrInvalidRange)
	}
	if err := r.Validate(); err != nil {
		return fmt.Errorf("chipset: register %s: %w: %w", r, ErrInvalidRange, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	reg := b.registry(r.Space)
	if existing, ok := reg.overlapping(r); ok {
		return fmt.Errorf("chipset: register %s: conflicts with %s: %w", r, existing.rng, ErrRangeOverlap)
	}

	reg.master.ReplaceOrInsert(binding{rng: r, dev: dev})
	reg.publish()

	b.log.Debug("chipset: registered range", "range", r.String(), "device", fmt.Sprintf("%T", dev))
	return nil
}

// Unregister removes the registration that exactly matches r.
func (b *Bus) Unregister(r hv.IoRange) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	reg := b.registry(r.Space)
	if reg == nil {
		return fmt.Errorf("chipset: unregister %s: %w", r, ErrRangeNotFound)
	}
	existing, ok := reg.master.Get(pivot(r.Base))
	if !ok || existing.rng != r {
		return fmt.Errorf("chipset: unregister %s: %w", r, ErrRangeNotFound)
	}

	reg.master.Delete(existing)
	reg.publish()

	b.log.Debug("chipset: unregistered range", "range", r.String())
	return nil
}

// Registration is one entry of the bus registry.
type Registration struct {
	Range  hv.IoRange
	Device hv.DeviceIo
}

// Registrations lists the entries of one space ordered by base address.
func (b *Bus) Registrations(space hv.IoSpace) []Registration {
	reg := b.registry(space)
	if reg == nil {
		return nil
	}
	tree := reg.snapshot.Load()
	out := make([]Registration, 0, tree.Len())
	tree.Ascend(func(bnd binding) bool {
		out = append(out, Registration{Range: bnd.rng, Device: bnd.dev})
		return true
	})
	return out
}

// Lookup returns the registration containing addr.
func (b *Bus) Lookup(addr hv.IoAddress) (Registration, bool) {
	reg := b.registry(addr.Space)
	if reg == nil {
		return Registration{}, false
	}
	bnd, ok := find(reg.snapshot.Load(), addr.Addr)
	if !ok {
		return Registration{}, false
	}
	return Registration{Range: bnd.rng, Device: bnd.dev}, true
}

func (b *Bus) claim(addr hv.IoAddress, n int) (binding, bool) {
	reg := b.registry(addr.Space)
	if reg == nil {
		return binding{}, false
	}
	bnd, ok := find(reg.snapshot.Load(), addr.Addr)
	if !ok || !bnd.rng.ContainsAccess(addr, n) {
		return binding{}, false
	}
	return bnd, true
}

// DispatchRead forwards a read at addr to the owning device, passing the
// address relative to the device's range. Reads nobody claims, including
// accesses running past the end of a range, are filled with the unclaimed
// fill byte. It reports whether a device handled the access.
func (b *Bus) DispatchRead(addr hv.IoAddress, data []byte) bool {
	if bnd, ok := b.claim(addr, len(data)); ok {
		bnd.dev.Read(bnd.rng.Offset(addr), data)
		return true
	}
	for i := range data {
		data[i] = b.fill
	}
	b.unclaimedAccess("read", addr, data)
	return false
}

// DispatchWrite forwards a write at addr to the owning device. Writes
// nobody claims are dropped. It reports whether a device handled the access.
func (b *Bus) DispatchWrite(addr hv.IoAddress, data []byte) bool {
	if bnd, ok := b.claim(addr, len(data)); ok {
		bnd.dev.Write(bnd.rng.Offset(addr), data)
		return true
	}
	b.unclaimedAccess("write", addr, data)
	return false
}

func (b *Bus) unclaimedAccess(op string, addr hv.IoAddress, data []byte) {
	b.unclaimed.Add(1)
	if b.log.Enabled(context.Background(), slog.LevelDebug) {
		b.log.Debug("chipset: unclaimed "+op, "addr", addr.String(), "size", len(data))
	}
}

// Unclaimed returns the number of accesses no device claimed.
func (b *Bus) Unclaimed() uint64 {
	return b.unclaimed.Load()
}

// HandlePIO dispatches an I/O port access from a VM exit.
func (b *Bus) HandlePIO(port uint16, data []byte, isWrite bool) bool {
	if isWrite {
		return b.DispatchWrite(hv.PioAddress(port), data)
	}
	return b.DispatchRead(hv.PioAddress(port), data)
}

// HandleMMIO dispatches an MMIO access from a VM exit.
func (b *Bus) HandleMMIO(addr uint64, data []byte, isWrite bool) bool {
	if isWrite {
		return b.DispatchWrite(hv.MmioAddress(addr), data)
	}
	return b.DispatchRead(hv.MmioAddress(addr), data)
}
