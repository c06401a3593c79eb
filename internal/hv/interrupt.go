package hv

import "errors"

var (
	// ErrControllerBusy is returned by Trigger when the controller cannot
	// accept the signal right now, e.g. the line is still pending and has
	// not been acknowledged by the guest.
	ErrControllerBusy = errors.New("interrupt controller busy")
	// ErrInvalidLine is returned by Trigger when the handle is not bound to
	// a usable line.
	ErrInvalidLine = errors.New("invalid interrupt line")
)

// Interrupt is held by a device to request injection of its interrupt.
//
// Trigger returns nil when the request was accepted. It is safe to call
// from any goroutine between allocation and teardown. Whether a busy line
// is retried, coalesced or dropped is up to the caller.
type Interrupt interface {
	Trigger() error
}

// InterruptFunc adapts a function to Interrupt.
type InterruptFunc func() error

func (f InterruptFunc) Trigger() error {
	if f == nil {
		return ErrInvalidLine
	}
	return f()
}

type detachedInterrupt struct{}

func (detachedInterrupt) Trigger() error { return nil }

// InterruptDetached returns an Interrupt that accepts and drops every trigger.
func InterruptDetached() Interrupt {
	return detachedInterrupt{}
}

var (
	_ Interrupt = InterruptFunc(nil)
	_ Interrupt = detachedInterrupt{}
)
