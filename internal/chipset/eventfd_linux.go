//go:build linux

package chipset

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/tinyrange/vmdevice/internal/hv"
)

// EventfdInterrupt signals an interrupt by writing to an eventfd, the way
// KVM irqfds are driven. The hypervisor integration layer binds FD() to a
// guest interrupt line.
type EventfdInterrupt struct {
	line uint32

	mu sync.RWMutex
	fd int
}

// NewEventfdInterrupt creates a non-blocking eventfd for line.
func NewEventfdInterrupt(line uint32) (*EventfdInterrupt, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("chipset: eventfd for irq %d: %w", line, err)
	}
	return &EventfdInterrupt{line: line, fd: fd}, nil
}

// Line returns the interrupt line the eventfd is meant for.
func (e *EventfdInterrupt) Line() uint32 { return e.line }

// FD returns the eventfd descriptor, or -1 once closed.
func (e *EventfdInterrupt) FD() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.fd
}

// Trigger implements hv.Interrupt. A full counter reports
// hv.ErrControllerBusy; a closed eventfd reports hv.ErrInvalidLine.
func (e *EventfdInterrupt) Trigger() error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.fd < 0 {
		return fmt.Errorf("chipset: irq %d: eventfd closed: %w", e.line, hv.ErrInvalidLine)
	}

	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	_, err := unix.Write(e.fd, buf[:])
	switch {
	case err == nil:
		return nil
	case errors.Is(err, unix.EAGAIN):
		return fmt.Errorf("chipset: irq %d: %w", e.line, hv.ErrControllerBusy)
	default:
		return fmt.Errorf("chipset: irq %d: eventfd write: %w", e.line, err)
	}
}

// Drain reads and resets the eventfd counter. It returns 0 when nothing
// has been signalled since the last drain.
func (e *EventfdInterrupt) Drain() (uint64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.fd < 0 {
		return 0, fmt.Errorf("chipset: irq %d: eventfd closed: %w", e.line, hv.ErrInvalidLine)
	}

	var buf [8]byte
	if _, err := unix.Read(e.fd, buf[:]); err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return 0, nil
		}
		return 0, fmt.Errorf("chipset: irq %d: eventfd read: %w", e.line, err)
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}

// Close releases the eventfd.
func (e *EventfdInterrupt) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.fd < 0 {
		return nil
	}
	err := unix.Close(e.fd)
	e.fd = -1
	return err
}

// EventfdLines is an InterruptController that backs every line with one
// eventfd, for hypervisors that inject interrupts through irqfds. Handles
// sharing a line share its eventfd, which is closed with the last handle.
type EventfdLines struct {
	mu    sync.Mutex
	limit uint32
	lines map[uint32]*eventfdLine
}

type eventfdLine struct {
	intr    *EventfdInterrupt
	mode    TriggerMode
	handles int
}

// NewEventfdLines returns a controller for lines [0, lines).
func NewEventfdLines(lines uint32) *EventfdLines {
	return &EventfdLines{
		limit: lines,
		lines: make(map[uint32]*eventfdLine),
	}
}

// AllocateLine implements InterruptController.
func (l *EventfdLines) AllocateLine(irq uint32, mode TriggerMode) (hv.Interrupt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if irq >= l.limit {
		return nil, fmt.Errorf("chipset: allocate irq %d (limit %d): %w", irq, l.limit, hv.ErrInvalidLine)
	}
	line, ok := l.lines[irq]
	if !ok {
		intr, err := NewEventfdInterrupt(irq)
		if err != nil {
			return nil, err
		}
		line = &eventfdLine{intr: intr, mode: mode}
		l.lines[irq] = line
	} else if line.mode != mode {
		return nil, fmt.Errorf("chipset: irq %d is %s-triggered, requested %s: %w", irq, line.mode, mode, hv.ErrInvalidLine)
	}
	line.handles++
	return &eventfdHandle{owner: l, irq: irq, intr: line.intr}, nil
}

// FreeLine implements InterruptController.
func (l *EventfdLines) FreeLine(intr hv.Interrupt) {
	h, ok := intr.(*eventfdHandle)
	if !ok || h.owner != l || !h.closed.CompareAndSwap(false, true) {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	line := l.lines[h.irq]
	if line == nil {
		return
	}
	line.handles--
	if line.handles == 0 {
		delete(l.lines, h.irq)
		_ = line.intr.Close()
	}
}

// Eventfd returns the eventfd backing irq and its trigger mode, for binding
// the descriptor to the guest line.
func (l *EventfdLines) Eventfd(irq uint32) (*EventfdInterrupt, TriggerMode, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	line, ok := l.lines[irq]
	if !ok {
		return nil, 0, false
	}
	return line.intr, line.mode, true
}

// Allocated lists the lines that currently have an eventfd, in ascending order.
func (l *EventfdLines) Allocated() []uint32 {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]uint32, 0, len(l.lines))
	for irq := range l.lines {
		out = append(out, irq)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Close closes every eventfd. Outstanding handles report hv.ErrInvalidLine.
func (l *EventfdLines) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	var errs []error
	for irq, line := range l.lines {
		if err := line.intr.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(l.lines, irq)
	}
	return errors.Join(errs...)
}

type eventfdHandle struct {
	owner  *EventfdLines
	irq    uint32
	intr   *EventfdInterrupt
	closed atomic.Bool
}

// Trigger implements hv.Interrupt.
func (h *eventfdHandle) Trigger() error {
	if h.closed.Load() {
		return fmt.Errorf("chipset: irq %d: handle freed: %w", h.irq, hv.ErrInvalidLine)
	}
	return h.intr.Trigger()
}

var (
	_ hv.Interrupt        = (*EventfdInterrupt)(nil)
	_ hv.Interrupt        = (*eventfdHandle)(nil)
	_ InterruptController = (*EventfdLines)(nil)
)
