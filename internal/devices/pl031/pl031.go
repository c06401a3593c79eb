// Package pl031 implements the ARM PrimeCell PL031 Real Time Clock.
package pl031

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyrange/vmdevice/internal/chipset"
	"github.com/tinyrange/vmdevice/internal/hv"
	"github.com/tinyrange/vmdevice/internal/resources"
)

// Register offsets.
const (
	RegData      = 0x00 // current counter value (RO)
	RegMatch     = 0x04
	RegLoad      = 0x08
	RegControl   = 0x0c
	RegIntMask   = 0x10
	RegRawStatus = 0x14 // RO
	RegMasked    = 0x18 // RO
	RegIntClear  = 0x1c // WO

	RegPeriphID0 = 0xfe0
	RegPeriphID1 = 0xfe4
	RegPeriphID2 = 0xfe8
	RegPeriphID3 = 0xfec
	RegCellID0   = 0xff0
	RegCellID1   = 0xff4
	RegCellID2   = 0xff8
	RegCellID3   = 0xffc
)

// ControlEnable starts the counter.
const ControlEnable = 1 << 0

const (
	// DefaultBase is the conventional placement on arm64 virt machines.
	DefaultBase = 0x09010000
	// Size is the length of the register window.
	Size = 0x1000
)

// PL031 is a PL031 RTC. Its match interrupt is raised through an
// hv.Interrupt; a trigger the controller cannot take yet stays latched in
// the raw status until the guest clears it.
type PL031 struct {
	mu sync.Mutex

	now   func() time.Time
	log   *slog.Logger
	fixed *uint64

	rng hv.IoRange
	irq hv.Interrupt

	loadTime time.Time
	lr       uint32
	mr       uint32
	cr       uint32
	imsc     uint32
	ris      uint32
	armed    bool // MR written and not yet reached

	delivered uint64
	coalesced uint64
}

// Option configures a PL031.
type Option func(*PL031)

// WithBase pins the register window at base instead of letting the
// allocator place it.
func WithBase(base uint64) Option {
	return func(p *PL031) { p.fixed = &base }
}

// WithClock replaces the host clock.
func WithClock(now func() time.Time) Option {
	return func(p *PL031) {
		if now != nil {
			p.now = now
		}
	}
}

// WithLogger sets the device logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *PL031) {
		if l != nil {
			p.log = l
		}
	}
}

// New creates an enabled PL031 loaded with the current host time.
func New(opts ...Option) *PL031 {
	p := &PL031{
		now: time.Now,
		log: slog.Default(),
		irq: hv.InterruptDetached(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.resetLocked()
	return p
}

func (p *PL031) resetLocked() {
	p.loadTime = p.now()
	p.lr = uint32(p.loadTime.Unix())
	p.mr = 0
	p.cr = ControlEnable
	p.imsc = 0
	p.ris = 0
	p.armed = false
}

// Constraints implements chipset.ChipsetDevice.
func (p *PL031) Constraints() []resources.Constraint {
	window := resources.MmioConstraint(Size, Size)
	if p.fixed != nil {
		window = resources.FixedMmioConstraint(*p.fixed, Size)
	}
	return []resources.Constraint{window, resources.IrqConstraint()}
}

// Assign implements chipset.ChipsetDevice.
func (p *PL031) Assign(a chipset.Assignment) error {
	ranges := a.Resources.MmioRanges()
	if len(ranges) != 1 {
		return fmt.Errorf("pl031: expected one mmio range, got %d", len(ranges))
	}
	if len(a.Interrupts) != 1 {
		return fmt.Errorf("pl031: expected one interrupt, got %d", len(a.Interrupts))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.rng = ranges[0]
	p.irq = a.Interrupts[0]
	return nil
}

// LevelTriggered implements chipset.LevelTriggered.
func (p *PL031) LevelTriggered() bool { return true }

// Start implements chipset.ChangeDeviceState.
func (p *PL031) Start() error { return nil }

// Stop implements chipset.ChangeDeviceState.
func (p *PL031) Stop() error { return nil }

// Reset implements chipset.ChangeDeviceState.
func (p *PL031) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return nil
}

// Range returns the assigned register window.
func (p *PL031) Range() hv.IoRange {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rng
}

// Stats returns how many match interrupts were delivered and how many
// found the line still pending.
func (p *PL031) Stats() (delivered, coalesced uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.delivered, p.coalesced
}

// currentTime returns the counter value. The counter holds while disabled.
func (p *PL031) currentTime() uint32 {
	if p.cr&ControlEnable == 0 {
		return p.lr
	}
	return p.lr + uint32(p.now().Sub(p.loadTime)/time.Second)
}

// Read implements hv.DeviceIo.
func (p *PL031) Read(addr hv.IoAddress, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.checkMatchLocked()

	for i := range data {
		offset := addr.Addr + uint64(i)
		value := p.readRegisterLocked(offset &^ 3)
		data[i] = byte(value >> ((offset & 3) * 8))
	}
}

// Write implements hv.DeviceIo.
func (p *PL031) Write(addr hv.IoAddress, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(data) == 4 && addr.Addr%4 == 0 {
		p.writeRegisterLocked(addr.Addr, binary.LittleEndian.Uint32(data))
	} else {
		for i := range data {
			p.writeRegisterLocked(addr.Addr+uint64(i), uint32(data[i]))
		}
	}
	p.checkMatchLocked()
}

// Poll implements chipset.PollHandler and raises the match interrupt once
// the counter reaches the match register. A match fires once per write of
// the match register.
func (p *PL031) Poll(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.checkMatchLocked()
	return nil
}

func (p *PL031) readRegisterLocked(reg uint64) uint32 {
	switch reg {
	case RegData:
		return p.currentTime()
	case RegMatch:
		return p.mr
	case RegLoad:
		return p.lr
	case RegControl:
		return p.cr
	case RegIntMask:
		return p.imsc
	case RegRawStatus:
		return p.ris
	case RegMasked:
		return p.ris & p.imsc
	case RegPeriphID0:
		return 0x31
	case RegPeriphID1:
		return 0x10
	case RegPeriphID2:
		return 0x04
	case RegPeriphID3:
		return 0x00
	case RegCellID0:
		return 0x0d
	case RegCellID1:
		return 0xf0
	case RegCellID2:
		return 0x05
	case RegCellID3:
		return 0xb1
	default:
		return 0
	}
}

func (p *PL031) writeRegisterLocked(offset uint64, value uint32) {
	switch offset {
	case RegMatch:
		p.mr = value
		p.armed = true
	case RegLoad:
		p.lr = value
		p.loadTime = p.now()
	case RegControl:
		if p.cr&ControlEnable != 0 && value&ControlEnable == 0 {
			// Freeze the counter at its current value.
			p.lr = p.currentTime()
		} else if p.cr&ControlEnable == 0 && value&ControlEnable != 0 {
			p.loadTime = p.now()
		}
		p.cr = value
	case RegIntMask:
		p.imsc = value & 1
		p.raiseLocked()
	case RegIntClear:
		p.ris &^= value & 1
	default:
		p.log.Debug("pl031: ignored write", "offset", fmt.Sprintf("0x%x", offset), "value", value)
	}
}

func (p *PL031) checkMatchLocked() {
	if !p.armed || p.currentTime() < p.mr {
		return
	}
	p.armed = false
	p.ris |= 1
	p.raiseLocked()
}

// raiseLocked signals the interrupt when the match is latched and unmasked.
func (p *PL031) raiseLocked() {
	if p.ris&p.imsc&1 == 0 {
		return
	}
	err := p.irq.Trigger()
	switch {
	case err == nil:
		p.delivered++
	case errors.Is(err, hv.ErrControllerBusy):
		p.coalesced++
	default:
		p.log.Warn("pl031: raise interrupt", "range", p.rng.String(), "err", err)
	}
}

var (
	_ chipset.ChipsetDevice  = (*PL031)(nil)
	_ chipset.PollHandler    = (*PL031)(nil)
	_ chipset.LevelTriggered = (*PL031)(nil)
)
