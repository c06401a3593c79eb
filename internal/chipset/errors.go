package chipset

import "errors"

var (
	// ErrRangeOverlap is returned by Register when the range intersects a
	// range already registered in the same space.
	ErrRangeOverlap = errors.New("range overlaps a registered range")
	// ErrRangeNotFound is returned by Unregister when no entry matches exactly.
	ErrRangeNotFound = errors.New("range not registered")
	ErrInvalidRange  = errors.New("invalid range")
)
