package hv

import (
	"errors"
	"testing"
)

func TestIoRangeValidate(t *testing.T) {
	tests := []struct {
		name string
		r    IoRange
		ok   bool
	}{
		{"pio", PioRange(0x3f8, 8), true},
		{"pio top", PioRange(0xfff0, 0x10), true},
		{"pio past top", PioRange(0xfff0, 0x11), false},
		{"zero size", MmioRange(0x1000, 0), false},
		{"mmio top", MmioRange(^uint64(0)-0xfff, 0x1000), true},
		{"mmio wraps", MmioRange(^uint64(0)-0xfff, 0x1001), false},
		{"no space", IoRange{Base: 0, Size: 1}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.r.Validate()
			if tt.ok && err != nil {
				t.Fatalf("Validate(%v) = %v, want nil", tt.r, err)
			}
			if !tt.ok && !errors.Is(err, ErrInvalidIoRange) {
				t.Fatalf("Validate(%v) = %v, want ErrInvalidIoRange", tt.r, err)
			}
		})
	}
}

func TestIoRangeContainsAccess(t *testing.T) {
	r := MmioRange(0x1000, 8)

	if !r.ContainsAccess(MmioAddress(0x1000), 8) {
		t.Fatalf("full-width access at base should fit")
	}
	if !r.ContainsAccess(MmioAddress(0x1007), 1) {
		t.Fatalf("last byte should fit")
	}
	if r.ContainsAccess(MmioAddress(0x1006), 4) {
		t.Fatalf("access straddling the end should not fit")
	}
	if r.ContainsAccess(MmioAddress(0x1008), 1) {
		t.Fatalf("one past the end should not fit")
	}
	if r.ContainsAccess(PioAddress(0x1000), 1) {
		t.Fatalf("PIO address must not match an MMIO range")
	}
}

func TestIoRangeOverlaps(t *testing.T) {
	a := PioRange(0x60, 4)

	if !a.Overlaps(PioRange(0x63, 1)) {
		t.Fatalf("ranges sharing one byte should overlap")
	}
	if a.Overlaps(PioRange(0x64, 4)) {
		t.Fatalf("adjacent ranges should not overlap")
	}
	if a.Overlaps(MmioRange(0x60, 4)) {
		t.Fatalf("ranges in different spaces never overlap")
	}
}

func TestIoRangeOffset(t *testing.T) {
	r := PioRange(0x3f8, 8)
	got := r.Offset(PioAddress(0x3fd))
	if got != PioAddress(5) {
		t.Fatalf("Offset = %v, want pio:0x0005", got)
	}
}

func TestInterruptFuncNil(t *testing.T) {
	var f InterruptFunc
	if err := f.Trigger(); !errors.Is(err, ErrInvalidLine) {
		t.Fatalf("nil InterruptFunc Trigger = %v, want ErrInvalidLine", err)
	}
	if err := InterruptDetached().Trigger(); err != nil {
		t.Fatalf("detached Trigger = %v", err)
	}
}
