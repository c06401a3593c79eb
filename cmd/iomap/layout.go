package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"os"

	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vmdevice/internal/chipset"
	"github.com/tinyrange/vmdevice/internal/devices/legacy"
	"github.com/tinyrange/vmdevice/internal/devices/pl031"
	"github.com/tinyrange/vmdevice/internal/devices/scratch"
	"github.com/tinyrange/vmdevice/internal/devices/serial"
	"github.com/tinyrange/vmdevice/internal/hv"
	"github.com/tinyrange/vmdevice/internal/resources"
)

// layoutSchema is the newest layout format this build understands. Files
// with the same major version are accepted.
const layoutSchema = "v1.0.0"

// defaultIrqLines matches the pin count of a standard IOAPIC.
const defaultIrqLines = 24

// Layout is the YAML description of one VM's device layout. Windows come
// either from Memory, which derives them from the guest RAM layout, or from
// an explicit Resources block.
type Layout struct {
	Schema    string                  `yaml:"schema"`
	Arch      string                  `yaml:"arch"`
	Memory    *Memory                 `yaml:"memory"`
	Fixed     []resources.Reservation `yaml:"fixed"`
	Resources *resources.Config       `yaml:"resources"`
	Irq       resources.IrqPool       `yaml:"irq"`
	IrqLines  uint32                  `yaml:"irq_lines"`
	Unclaimed *uint8                  `yaml:"unclaimed_fill"`
	Irqfd     bool                    `yaml:"irqfd"`
	Devices   []DeviceSpec            `yaml:"devices"`
}

// Memory describes guest RAM. A non-zero HighSize selects a split layout
// with an MMIO hole between the two RAM regions.
type Memory struct {
	Base      uint64 `yaml:"base"`
	Size      uint64 `yaml:"size"`
	HighBase  uint64 `yaml:"high_base"`
	HighSize  uint64 `yaml:"high_size"`
	MmioLimit uint64 `yaml:"mmio_limit"`
	PioBase   uint16 `yaml:"pio_base"`
}

// DeviceSpec names one device to attach.
type DeviceSpec struct {
	Name  string  `yaml:"name"`
	Type  string  `yaml:"type"`
	Space string  `yaml:"space"`
	Base  *uint64 `yaml:"base"`
	Size  uint64  `yaml:"size"`
	Align uint64  `yaml:"align"`

	// Irq pins the interrupt line of a uart. RegShift spaces the registers
	// of an MMIO uart 1<<RegShift bytes apart.
	Irq      *uint32 `yaml:"irq"`
	RegShift uint32  `yaml:"reg_shift"`

	// Ranges lists the ports claimed by a legacy-stub device. Empty means
	// the standard PC set.
	Ranges []resources.Reservation `yaml:"ranges"`
}

func parseLayout(data []byte) (Layout, error) {
	var l Layout
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&l); err != nil {
		return Layout{}, fmt.Errorf("parse layout: %w", err)
	}
	if err := l.validate(); err != nil {
		return Layout{}, err
	}
	return l, nil
}

func loadLayout(path string) (Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Layout{}, fmt.Errorf("read layout: %w", err)
	}
	return parseLayout(data)
}

func (l *Layout) validate() error {
	if l.Schema == "" {
		l.Schema = layoutSchema
	}
	if !semver.IsValid(l.Schema) {
		return fmt.Errorf("layout schema %q is not a version", l.Schema)
	}
	if semver.Major(l.Schema) != semver.Major(layoutSchema) {
		return fmt.Errorf("layout schema %s is not supported (want %s)", l.Schema, semver.Major(layoutSchema))
	}
	if l.Arch == "" {
		l.Arch = string(hv.ArchitectureX86_64)
	}
	if l.Memory == nil && l.Resources == nil {
		return errors.New("layout needs either memory or resources")
	}
	if l.Memory != nil && l.Resources != nil {
		return errors.New("layout cannot set both memory and resources")
	}

	seen := make(map[string]bool, len(l.Devices))
	for i, dev := range l.Devices {
		if dev.Name == "" {
			return fmt.Errorf("device %d has no name", i)
		}
		if seen[dev.Name] {
			return fmt.Errorf("device %q listed twice", dev.Name)
		}
		seen[dev.Name] = true
	}
	return nil
}

func (l Layout) allocator(logger *slog.Logger) (*resources.Allocator, error) {
	opts := []resources.Option{resources.WithLogger(logger)}
	if l.Resources != nil {
		return resources.New(*l.Resources, opts...)
	}

	arch, err := hv.ParseArchitecture(l.Arch)
	if err != nil {
		return nil, err
	}

	m := l.Memory
	var as *hv.AddressSpace
	if m.HighSize != 0 {
		as = hv.NewAddressSpaceSplit(arch, m.Base, m.Size, m.HighBase, m.HighSize)
	} else {
		as = hv.NewAddressSpace(arch, m.Base, m.Size)
	}
	if m.MmioLimit != 0 {
		as.SetMmioLimit(m.MmioLimit)
	}
	if m.PioBase != 0 {
		as.SetPioBase(m.PioBase)
	}
	for _, fixed := range l.Fixed {
		r, err := fixed.Range()
		if err != nil {
			return nil, err
		}
		if err := as.RegisterFixed(fixed.Name, r); err != nil {
			return nil, err
		}
	}
	return resources.NewFromAddressSpace(as, l.Irq, opts...)
}

func (l Layout) irqLines() uint32 {
	if l.IrqLines != 0 {
		return l.IrqLines
	}
	pool := l.Irq
	if l.Resources != nil {
		pool = l.Resources.Irq
	}
	end := min(uint64(pool.First)+uint64(pool.Count), math.MaxUint32)
	return max(uint32(end), defaultIrqLines)
}

// build attaches every device of the layout to a fresh chipset.
func (l Layout) build(logger *slog.Logger) (*chipset.Chipset, error) {
	alloc, err := l.allocator(logger)
	if err != nil {
		return nil, err
	}

	busOpts := []chipset.BusOption{chipset.WithLogger(logger)}
	if l.Unclaimed != nil {
		busOpts = append(busOpts, chipset.WithUnclaimedFill(*l.Unclaimed))
	}

	irqs, err := l.interrupts()
	if err != nil {
		return nil, err
	}
	c, err := chipset.New(alloc, chipset.NewBus(busOpts...), irqs, logger)
	if err != nil {
		closeInterrupts(irqs)
		return nil, err
	}

	for _, spec := range l.Devices {
		dev, err := spec.device(logger)
		if err == nil {
			err = c.Attach(spec.Name, dev)
		}
		if err != nil {
			closeInterrupts(irqs)
			return nil, err
		}
	}
	return c, nil
}

// interrupts returns the controller devices raise interrupts through: a
// LineSet, or one eventfd per line when the layout asks for irqfds.
func (l Layout) interrupts() (chipset.InterruptController, error) {
	if l.Irqfd {
		return newIrqfdLines(l.irqLines())
	}
	return chipset.NewLineSet(nil, l.irqLines()), nil
}

func closeInterrupts(irqs chipset.InterruptController) {
	if c, ok := irqs.(io.Closer); ok {
		_ = c.Close()
	}
}

func (d DeviceSpec) device(logger *slog.Logger) (chipset.ChipsetDevice, error) {
	switch d.Type {
	case "scratch":
		if d.Size == 0 {
			return nil, fmt.Errorf("device %q: scratch needs a size", d.Name)
		}
		var opts []scratch.Option
		space := hv.SpaceMmio
		if d.Space != "" {
			var err error
			if space, err = hv.ParseIoSpace(d.Space); err != nil {
				return nil, fmt.Errorf("device %q: %w", d.Name, err)
			}
			if space == hv.SpacePio {
				opts = append(opts, scratch.WithPio())
			}
		}
		if d.Base != nil {
			if err := (hv.IoRange{Space: space, Base: *d.Base, Size: d.Size}).Validate(); err != nil {
				return nil, fmt.Errorf("device %q: %w", d.Name, err)
			}
			opts = append(opts, scratch.WithBase(*d.Base))
		}
		return scratch.New(d.Size, d.Align, opts...), nil

	case "pl031":
		opts := []pl031.Option{pl031.WithLogger(logger)}
		if d.Base != nil {
			opts = append(opts, pl031.WithBase(*d.Base))
		}
		return pl031.New(opts...), nil

	case "uart":
		opts := []serial.Option{serial.WithLogger(logger)}
		space := hv.SpacePio
		if d.Space != "" {
			var err error
			if space, err = hv.ParseIoSpace(d.Space); err != nil {
				return nil, fmt.Errorf("device %q: %w", d.Name, err)
			}
		}
		switch {
		case space == hv.SpaceMmio:
			opts = append(opts, serial.WithMmio(d.Base, d.RegShift))
		case d.Base != nil:
			if *d.Base >= hv.PioLimit {
				return nil, fmt.Errorf("device %q: port 0x%x out of range", d.Name, *d.Base)
			}
			opts = append(opts, serial.WithPort(uint16(*d.Base)))
		}
		if d.Irq != nil {
			opts = append(opts, serial.WithIrq(*d.Irq))
		}
		return serial.New(opts...), nil

	case "reset-port":
		port := uint64(legacy.DefaultResetControlPort)
		if d.Base != nil {
			port = *d.Base
		}
		if port >= hv.PioLimit {
			return nil, fmt.Errorf("device %q: port 0x%x out of range", d.Name, port)
		}
		name := d.Name
		return legacy.NewResetControlPort(uint16(port), func() {
			logger.Info("guest requested reset", "device", name)
		}), nil

	case "legacy-stub":
		ranges := legacy.DefaultStubRanges()
		if len(d.Ranges) > 0 {
			ranges = ranges[:0]
			for _, spec := range d.Ranges {
				r, err := spec.Range()
				if err == nil {
					err = r.Validate()
				}
				if err != nil {
					return nil, fmt.Errorf("device %q: %w", d.Name, err)
				}
				ranges = append(ranges, r)
			}
		}
		return legacy.NewStub(logger, ranges...), nil

	default:
		return nil, fmt.Errorf("device %q: unknown type %q", d.Name, d.Type)
	}
}
