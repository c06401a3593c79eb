// Package serial implements a 16550-compatible UART that can sit on port
// I/O (the classic COM ports) or on MMIO with spaced registers.
package serial

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/tinyrange/vmdevice/internal/chipset"
	"github.com/tinyrange/vmdevice/internal/hv"
	"github.com/tinyrange/vmdevice/internal/resources"
)

const (
	// COM1 is the conventional port of the first serial port.
	COM1 = 0x3f8
	// MmioSize is the register window reserved for an MMIO UART.
	MmioSize = 0x1000

	registerCount = 8
	fifoSize      = 16

	lcrDLAB = 1 << 7
	mcrLoop = 1 << 4
	mcrOut1 = 1 << 2

	lsrDataReady = 1 << 0
	lsrErrors    = 0x1e
	lsrTHRE      = 1 << 5
	lsrTEMT      = 1 << 6

	ierRxData  = 1 << 0
	ierTHRE    = 1 << 1
	ierLineSt  = 1 << 2
	ierModemSt = 1 << 3

	iirNone     = 0x01
	iirLine     = 0x06
	iirRxData   = 0x04
	iirTHRE     = 0x02
	iirModem    = 0x00
	iirFifoBits = 0xc0

	msrCTS = 1 << 4
	msrDSR = 1 << 5
	msrRI  = 1 << 6
	msrDCD = 1 << 7
)

// Stats counts UART traffic.
type Stats struct {
	TxBytes   uint64
	RxBytes   uint64
	IRQs      uint64
	Coalesced uint64
}

// UART is a 16550-compatible serial port. Bytes the guest transmits go to
// the output writer; Input queues bytes for the guest to receive.
type UART struct {
	mu sync.Mutex

	space    hv.IoSpace
	base     *uint64
	stride   uint64
	fixedIrq *uint32
	out      io.Writer
	log      *slog.Logger

	rng hv.IoRange
	irq hv.Interrupt

	dll       byte
	dlm       byte
	ier       byte
	fcr       byte
	lcr       byte
	mcr       byte
	lsr       byte
	msrStatus byte
	msrDelta  byte
	scr       byte

	rx         []byte
	pendingIIR byte
	threAcked  bool // THRE interrupt consumed by an IIR read
	skipLF     bool

	stats Stats
}

// Option configures a UART.
type Option func(*UART)

// WithPort places the UART on the eight ports starting at port.
func WithPort(port uint16) Option {
	return func(u *UART) {
		base := uint64(port)
		u.space, u.base, u.stride = hv.SpacePio, &base, 1
	}
}

// WithMmio places the UART in MMIO space with registers 1<<regShift bytes
// apart. A nil base lets the allocator choose.
func WithMmio(base *uint64, regShift uint32) Option {
	return func(u *UART) {
		u.space, u.base, u.stride = hv.SpaceMmio, base, uint64(1)<<regShift
		if u.stride == 0 {
			u.stride = 1
		}
	}
}

// WithIrq requests a specific interrupt line.
func WithIrq(line uint32) Option {
	return func(u *UART) { u.fixedIrq = &line }
}

// WithOutput sets where transmitted bytes are written.
func WithOutput(w io.Writer) Option {
	return func(u *UART) { u.out = w }
}

// WithLogger sets the device logger.
func WithLogger(l *slog.Logger) Option {
	return func(u *UART) {
		if l != nil {
			u.log = l
		}
	}
}

// New returns a UART on COM1 unless configured otherwise.
func New(opts ...Option) *UART {
	u := &UART{
		log: slog.Default(),
		irq: hv.InterruptDetached(),
	}
	WithPort(COM1)(u)
	for _, opt := range opts {
		opt(u)
	}
	u.resetLocked()
	return u
}

func (u *UART) resetLocked() {
	u.dll, u.dlm = 0x0c, 0 // 9600 baud
	u.ier, u.fcr, u.lcr, u.mcr, u.scr = 0, 0, 0, 0, 0
	u.lsr = lsrTHRE | lsrTEMT
	u.msrDelta = 0
	u.rx = u.rx[:0]
	u.pendingIIR = iirNone
	u.threAcked = false
	u.skipLF = false
	u.updateModemStatusLocked()
}

// Constraints implements chipset.ChipsetDevice.
func (u *UART) Constraints() []resources.Constraint {
	var window resources.Constraint
	switch {
	case u.space == hv.SpacePio:
		window = resources.FixedPioConstraint(*u.base, registerCount)
	case u.base != nil:
		window = resources.FixedMmioConstraint(*u.base, MmioSize)
	default:
		window = resources.MmioConstraint(MmioSize, MmioSize)
	}

	irq := resources.IrqConstraint()
	if u.fixedIrq != nil {
		irq = resources.FixedIrqConstraint(*u.fixedIrq)
	}
	return []resources.Constraint{window, irq}
}

// Assign implements chipset.ChipsetDevice.
func (u *UART) Assign(a chipset.Assignment) error {
	ranges := a.Resources.Ranges()
	if len(ranges) != 1 || len(a.Interrupts) != 1 {
		return fmt.Errorf("serial: expected one range and one interrupt, got %d and %d", len(ranges), len(a.Interrupts))
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.rng = ranges[0]
	u.irq = a.Interrupts[0]
	return nil
}

// Range returns the assigned register window.
func (u *UART) Range() hv.IoRange {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.rng
}

// Stats returns a snapshot of the traffic counters.
func (u *UART) Stats() Stats {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.stats
}

func (u *UART) Start() error { return nil }
func (u *UART) Stop() error  { return nil }

func (u *UART) Reset() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.resetLocked()
	return nil
}

// Input queues bytes for the guest and returns how many fit in the FIFO.
func (u *UART) Input(data []byte) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	n := min(len(data), fifoSize-len(u.rx))
	if n <= 0 {
		return 0
	}
	u.rx = append(u.rx, data[:n]...)
	u.stats.RxBytes += uint64(n)
	u.lsr |= lsrDataReady
	u.updateInterruptsLocked()
	return n
}

// Read implements hv.DeviceIo.
func (u *UART) Read(addr hv.IoAddress, data []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i := range data {
		reg, ok := u.register(addr.Addr + uint64(i))
		if !ok {
			data[i] = 0
			continue
		}
		data[i] = u.readRegisterLocked(reg)
	}
}

// Write implements hv.DeviceIo.
func (u *UART) Write(addr hv.IoAddress, data []byte) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i, b := range data {
		if reg, ok := u.register(addr.Addr + uint64(i)); ok {
			u.writeRegisterLocked(reg, b)
		}
	}
}

func (u *UART) register(offset uint64) (uint64, bool) {
	if offset%u.stride != 0 {
		return 0, false
	}
	reg := offset / u.stride
	return reg, reg < registerCount
}

func (u *UART) readRegisterLocked(reg uint64) byte {
	switch reg {
	case 0:
		if u.lcr&lcrDLAB != 0 {
			return u.dll
		}
		if len(u.rx) == 0 {
			return 0
		}
		value := u.rx[0]
		u.rx = u.rx[1:]
		if len(u.rx) == 0 {
			u.lsr &^= lsrDataReady
		}
		u.updateInterruptsLocked()
		return value
	case 1:
		if u.lcr&lcrDLAB != 0 {
			return u.dlm
		}
		return u.ier
	case 2:
		iir := u.pendingIIR
		if u.fcr&0x01 != 0 {
			iir |= iirFifoBits
		}
		// Reading IIR acknowledges a THRE interrupt.
		if u.pendingIIR == iirTHRE {
			u.threAcked = true
			u.updateInterruptsLocked()
		}
		return iir
	case 3:
		return u.lcr
	case 4:
		return u.mcr
	case 5:
		value := u.lsr
		u.lsr &^= lsrErrors
		return value
	case 6:
		value := u.msrStatus | u.msrDelta
		u.msrDelta = 0
		u.updateInterruptsLocked()
		return value
	default:
		return u.scr
	}
}

func (u *UART) writeRegisterLocked(reg uint64, value byte) {
	switch reg {
	case 0:
		if u.lcr&lcrDLAB != 0 {
			u.dll = value
			return
		}
		u.transmitLocked(value)
	case 1:
		if u.lcr&lcrDLAB != 0 {
			u.dlm = value
			return
		}
		u.ier = value & 0x0f
		u.threAcked = false
		u.updateInterruptsLocked()
	case 2:
		if value&0x02 != 0 {
			u.rx = u.rx[:0]
			u.lsr &^= lsrDataReady
		}
		u.fcr = value
		u.updateInterruptsLocked()
	case 3:
		u.lcr = value
	case 4:
		prev := u.mcr
		u.mcr = value & 0x1f
		if prev&mcrLoop != 0 && u.mcr&mcrLoop == 0 {
			u.rx = u.rx[:0]
			u.lsr &^= lsrDataReady
		}
		u.updateModemStatusLocked()
		u.updateInterruptsLocked()
	case 7:
		u.scr = value
	}
}

func (u *UART) transmitLocked(value byte) {
	u.stats.TxBytes++
	switch {
	case u.mcr&mcrLoop != 0:
		if len(u.rx) < fifoSize {
			u.rx = append(u.rx, value)
			u.lsr |= lsrDataReady
		}
	case u.out != nil:
		var out []byte
		switch value {
		case '\r':
			out = []byte{'\n'}
			u.skipLF = true
		case '\n':
			if !u.skipLF {
				out = []byte{'\n'}
			}
			u.skipLF = false
		default:
			out = []byte{value}
			u.skipLF = false
		}
		if len(out) > 0 {
			if _, err := u.out.Write(out); err != nil {
				u.log.Warn("serial: output", "err", err)
			}
		}
	}
	u.lsr |= lsrTHRE | lsrTEMT
	u.threAcked = false
	u.updateInterruptsLocked()
}

func (u *UART) updateModemStatusLocked() {
	prev := u.msrStatus
	u.msrStatus = msrCTS | msrDSR | msrDCD
	if u.mcr&mcrOut1 != 0 {
		u.msrStatus |= msrRI
	}
	if prev&msrRI != 0 && u.msrStatus&msrRI == 0 {
		u.msrDelta |= 1 << 2 // trailing edge of RI
	}
}

// updateInterruptsLocked recomputes IIR and raises the interrupt when a
// cause appears where there was none.
func (u *UART) updateInterruptsLocked() {
	next := byte(iirNone)
	switch {
	case u.ier&ierLineSt != 0 && u.lsr&lsrErrors != 0:
		next = iirLine
	case u.ier&ierRxData != 0 && u.lsr&lsrDataReady != 0:
		next = iirRxData
	case u.ier&ierTHRE != 0 && u.lsr&lsrTHRE != 0 && !u.threAcked:
		next = iirTHRE
	case u.ier&ierModemSt != 0 && u.msrDelta != 0:
		next = iirModem
	}

	prev := u.pendingIIR
	u.pendingIIR = next
	if next == iirNone || prev != iirNone {
		return
	}

	err := u.irq.Trigger()
	switch {
	case err == nil:
		u.stats.IRQs++
	case errors.Is(err, hv.ErrControllerBusy):
		u.stats.Coalesced++
	default:
		u.log.Warn("serial: raise interrupt", "range", u.rng.String(), "err", err)
	}
}

var _ chipset.ChipsetDevice = (*UART)(nil)
