package chipset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tinyrange/vmdevice/internal/hv"
	"github.com/tinyrange/vmdevice/internal/resources"
)

// Chipset attaches devices to a VM: it allocates what each device asks for,
// hands out interrupt handles, and registers the granted ranges on the bus.
type Chipset struct {
	mu sync.Mutex

	alloc *resources.Allocator
	bus   *Bus
	irqs  InterruptController
	log   *slog.Logger

	devices map[string]*attachment
	running bool
}

type attachment struct {
	dev        ChipsetDevice
	res        resources.DeviceResources
	interrupts []hv.Interrupt
	registered []hv.IoRange
}

// New returns a Chipset that allocates from alloc, dispatches through bus
// and hands out interrupt handles from irqs.
func New(alloc *resources.Allocator, bus *Bus, irqs InterruptController, logger *slog.Logger) (*Chipset, error) {
	if alloc == nil || bus == nil || irqs == nil {
		return nil, fmt.Errorf("chipset: allocator, bus and interrupt controller are required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Chipset{
		alloc:   alloc,
		bus:     bus,
		irqs:    irqs,
		log:     logger,
		devices: make(map[string]*attachment),
	}, nil
}

func (c *Chipset) Bus() *Bus                       { return c.bus }
func (c *Chipset) Allocator() *resources.Allocator { return c.alloc }
func (c *Chipset) Interrupts() InterruptController { return c.irqs }

// Lines returns the LineSet interrupts are raised through, or nil when the
// chipset uses another controller.
func (c *Chipset) Lines() *LineSet {
	lines, _ := c.irqs.(*LineSet)
	return lines
}

// Attach allocates the device's constraints, assigns the grants to it and
// registers every granted range. On failure nothing stays allocated or
// registered. Devices attached to a running chipset are started.
func (c *Chipset) Attach(name string, dev ChipsetDevice) error {
	if name == "" {
		return fmt.Errorf("device name is empty")
	}
	if dev == nil {
		return fmt.Errorf("device %q is nil", name)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.devices[name]; exists {
		return fmt.Errorf("device %q already registered", name)
	}

	res, err := c.alloc.AllocateAll(dev.Constraints())
	if err != nil {
		return fmt.Errorf("chipset: attach %q: %w", name, err)
	}
	att := &attachment{dev: dev, res: res}

	mode := triggerModeOf(dev)
	for _, irq := range res.Irqs() {
		intr, err := c.irqs.AllocateLine(irq, mode)
		if err != nil {
			c.rollback(att)
			return fmt.Errorf("chipset: attach %q: %w", name, err)
		}
		att.interrupts = append(att.interrupts, intr)
	}

	if err := dev.Assign(Assignment{Resources: res, Interrupts: att.interrupts}); err != nil {
		c.rollback(att)
		return fmt.Errorf("chipset: attach %q: assign: %w", name, err)
	}

	for _, r := range res.Ranges() {
		if err := c.bus.Register(r, dev); err != nil {
			c.rollback(att)
			return fmt.Errorf("chipset: attach %q: %w", name, err)
		}
		att.registered = append(att.registered, r)
	}

	if c.running {
		if err := dev.Start(); err != nil {
			c.rollback(att)
			return fmt.Errorf("chipset: start device %q: %w", name, err)
		}
	}

	c.devices[name] = att
	c.log.Debug("chipset: attached device", "name", name, "resources", len(res))
	return nil
}

// rollback undoes a partially completed attach. Errors are logged: every
// step being undone was performed by this chipset moments earlier.
func (c *Chipset) rollback(att *attachment) {
	for _, r := range att.registered {
		if err := c.bus.Unregister(r); err != nil {
			c.log.Warn("chipset: rollback unregister", "range", r.String(), "err", err)
		}
	}
	for _, intr := range att.interrupts {
		c.irqs.FreeLine(intr)
	}
	if err := c.alloc.ReleaseAll(att.res); err != nil {
		c.log.Warn("chipset: rollback release", "err", err)
	}
}

// Detach stops a device, removes its ranges from the bus and returns its
// resources to the allocator.
func (c *Chipset) Detach(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	att, ok := c.devices[name]
	if !ok {
		return fmt.Errorf("chipset: detach %q: device not attached", name)
	}

	var errs []error
	if c.running {
		if err := att.dev.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop: %w", err))
		}
	}
	for _, r := range att.registered {
		if err := c.bus.Unregister(r); err != nil {
			errs = append(errs, err)
		}
	}
	for _, intr := range att.interrupts {
		c.irqs.FreeLine(intr)
	}
	if err := c.alloc.ReleaseAll(att.res); err != nil {
		errs = append(errs, err)
	}
	delete(c.devices, name)

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("chipset: detach %q: %w", name, err)
	}
	return nil
}

// Device returns an attached device by name.
func (c *Chipset) Device(name string) (ChipsetDevice, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	att, ok := c.devices[name]
	if !ok {
		return nil, false
	}
	return att.dev, true
}

// Start activates all registered devices.
func (c *Chipset) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range c.deviceNames() {
		if err := c.devices[name].dev.Start(); err != nil {
			return fmt.Errorf("chipset: start device %q: %w", name, err)
		}
	}
	c.running = true
	return nil
}

// Stop deactivates all registered devices.
func (c *Chipset) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.running = false
	for _, name := range c.deviceNames() {
		if err := c.devices[name].dev.Stop(); err != nil {
			return fmt.Errorf("chipset: stop device %q: %w", name, err)
		}
	}
	return nil
}

// Reset resets all registered devices.
func (c *Chipset) Reset() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range c.deviceNames() {
		if err := c.devices[name].dev.Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

// Poll executes Poll on all poll-capable devices.
func (c *Chipset) Poll(ctx context.Context) error {
	c.mu.Lock()
	var polls []PollHandler
	for _, name := range c.deviceNames() {
		if p, ok := c.devices[name].dev.(PollHandler); ok {
			polls = append(polls, p)
		}
	}
	c.mu.Unlock()

	for _, handler := range polls {
		if err := handler.Poll(ctx); err != nil {
			return fmt.Errorf("chipset: poll: %w", err)
		}
	}
	return nil
}

// LayoutEntry is one row of the chipset's allocation table.
type LayoutEntry struct {
	Device     string
	Allocation resources.Allocation
}

// Layout lists every device's grants, ordered by device name.
func (c *Chipset) Layout() []LayoutEntry {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []LayoutEntry
	for _, name := range c.deviceNames() {
		for _, alloc := range c.devices[name].res {
			out = append(out, LayoutEntry{Device: name, Allocation: alloc})
		}
	}
	return out
}

func (c *Chipset) deviceNames() []string {
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
