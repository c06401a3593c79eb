package resources

import "errors"

var (
	// ErrOutOfSpace is returned when no free interval satisfies a range request.
	ErrOutOfSpace = errors.New("out of address space")
	// ErrIrqExhausted is returned when the IRQ pool has no free line left.
	ErrIrqExhausted = errors.New("no free IRQ lines")
	// ErrNotAllocated is returned by Release for tokens the allocator does not hold.
	ErrNotAllocated = errors.New("allocation not held")

	ErrRangeBusy      = errors.New("range already in use")
	ErrIrqBusy        = errors.New("IRQ line already in use")
	ErrInvalidIrq     = errors.New("IRQ line outside pool")
	ErrInvalidRequest = errors.New("invalid allocation request")
)
