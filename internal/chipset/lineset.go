package chipset

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/vmdevice/internal/hv"
)

// InterruptSink receives interrupt assertions for a given line. It is the
// boundary to whatever interrupt controller the VMM provides.
type InterruptSink interface {
	SetIRQ(line uint32, level bool)
}

// IRQLineFunc adapts a function to InterruptSink.
type IRQLineFunc func(line uint32, level bool)

// SetIRQ implements InterruptSink.
func (f IRQLineFunc) SetIRQ(line uint32, level bool) {
	if f != nil {
		f(line, level)
	}
}

type noopInterruptSink struct{}

func (noopInterruptSink) SetIRQ(uint32, bool) {}

// TriggerMode selects how a line is signalled to the sink.
type TriggerMode uint8

const (
	// TriggerEdge pulses the line on every accepted trigger.
	TriggerEdge TriggerMode = iota
	// TriggerLevel raises the line and holds it until EOI.
	TriggerLevel
)

func (m TriggerMode) String() string {
	if m == TriggerLevel {
		return "level"
	}
	return "edge"
}

// EOITarget is the minimal interface for receivers of EOI broadcasts (e.g. IOAPIC).
type EOITarget interface {
	HandleEOI(uint32)
}

// LineSet hands out Interrupt handles for IRQ lines and tracks which lines
// are pending. A line stays pending from an accepted Trigger until its EOI
// is broadcast; triggering a pending line fails with hv.ErrControllerBusy.
//
// Sink calls are made without mu held but under sinkMu, so they are seen
// in the same order as the state changes. The sink must not call Trigger or
// BroadcastEOI synchronously.
type LineSet struct {
	mu     sync.Mutex
	sinkMu sync.Mutex

	sink      InterruptSink
	eoiTarget EOITarget
	limit     uint32

	lines map[uint32]*lineState
	eoi   map[uint32][]func()
}

// NewLineSet builds a LineSet for lines [0, lines) that forwards
// assertions to the provided sink.
func NewLineSet(sink InterruptSink, lines uint32) *LineSet {
	if sink == nil {
		sink = noopInterruptSink{}
	}
	return &LineSet{
		sink:  sink,
		limit: lines,
		lines: make(map[uint32]*lineState),
		eoi:   make(map[uint32][]func()),
	}
}

// AttachEOITarget wires EOI broadcasts to any target exposing HandleEOI(uint32).
func (l *LineSet) AttachEOITarget(target EOITarget) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.eoiTarget = target
}

// AllocateLine returns an Interrupt bound to irq. Several handles may share
// a line as long as they agree on the trigger mode.
func (l *LineSet) AllocateLine(irq uint32, mode TriggerMode) (hv.Interrupt, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if irq >= l.limit {
		return nil, fmt.Errorf("chipset: allocate irq %d (limit %d): %w", irq, l.limit, hv.ErrInvalidLine)
	}
	state, ok := l.lines[irq]
	if !ok {
		state = &lineState{mode: mode}
		l.lines[irq] = state
	} else if state.mode != mode {
		return nil, fmt.Errorf("chipset: irq %d is %s-triggered, requested %s: %w", irq, state.mode, mode, hv.ErrInvalidLine)
	}
	state.handles++
	return &lineHandle{owner: l, irq: irq}, nil
}

// FreeLine invalidates a handle returned by AllocateLine. Later triggers
// through it fail with hv.ErrInvalidLine.
func (l *LineSet) FreeLine(intr hv.Interrupt) {
	h, ok := intr.(*lineHandle)
	if !ok || h.owner != l || !h.closed.CompareAndSwap(false, true) {
		return
	}

	l.mu.Lock()
	state := l.lines[h.irq]
	lower := false
	if state != nil {
		state.handles--
		if state.handles == 0 {
			lower = state.pending && state.mode == TriggerLevel
			delete(l.lines, h.irq)
		}
	}
	if lower {
		l.sinkMu.Lock()
	}
	l.mu.Unlock()

	if lower {
		defer l.sinkMu.Unlock()
		l.sink.SetIRQ(h.irq, false)
	}
}

// Pending reports whether irq has been triggered and not yet acknowledged.
func (l *LineSet) Pending(irq uint32) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	state := l.lines[irq]
	return state != nil && state.pending
}

// RegisterEOICallback registers a callback for the given vector.
// The callback is invoked when BroadcastEOI is called with the same vector.
func (l *LineSet) RegisterEOICallback(line uint32, fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.eoi[line] = append(l.eoi[line], fn)
}

// BroadcastEOI acknowledges irq: the line stops being pending, level lines
// are lowered and listeners are notified.
func (l *LineSet) BroadcastEOI(irq uint32) {
	l.mu.Lock()
	callbacks := append([]func(){}, l.eoi[irq]...)
	target := l.eoiTarget
	lower := false
	if state := l.lines[irq]; state != nil && state.pending {
		state.pending = false
		lower = state.mode == TriggerLevel
	}
	if lower {
		l.sinkMu.Lock()
	}
	l.mu.Unlock()

	if lower {
		l.sink.SetIRQ(irq, false)
		l.sinkMu.Unlock()
	}
	if target != nil {
		target.HandleEOI(irq)
	}
	for _, fn := range callbacks {
		fn()
	}
}

type lineState struct {
	mode    TriggerMode
	pending bool
	handles int
}

type lineHandle struct {
	owner  *LineSet
	irq    uint32
	closed atomic.Bool
}

// Trigger implements hv.Interrupt.
func (h *lineHandle) Trigger() error {
	if h.closed.Load() {
		return fmt.Errorf("chipset: irq %d: handle freed: %w", h.irq, hv.ErrInvalidLine)
	}
	return h.owner.trigger(h.irq)
}

func (l *LineSet) trigger(irq uint32) error {
	l.mu.Lock()
	state := l.lines[irq]
	if state == nil {
		l.mu.Unlock()
		return fmt.Errorf("chipset: irq %d: %w", irq, hv.ErrInvalidLine)
	}
	if state.pending {
		l.mu.Unlock()
		return fmt.Errorf("chipset: irq %d pending: %w", irq, hv.ErrControllerBusy)
	}
	state.pending = true
	mode := state.mode
	l.sinkMu.Lock()
	l.mu.Unlock()
	defer l.sinkMu.Unlock()

	l.sink.SetIRQ(irq, true)
	if mode == TriggerEdge {
		l.sink.SetIRQ(irq, false)
	}
	return nil
}

var (
	_ hv.Interrupt        = (*lineHandle)(nil)
	_ InterruptController = (*LineSet)(nil)
)
