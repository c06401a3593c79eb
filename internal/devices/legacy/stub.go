// Package legacy provides the small PC port devices every x86 guest pokes
// at during boot.
package legacy

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/vmdevice/internal/chipset"
	"github.com/tinyrange/vmdevice/internal/hv"
	"github.com/tinyrange/vmdevice/internal/resources"
)

// DefaultStubRanges are ports that have no emulated device but are probed by
// firmware and kernels: DMA controller, POST diagnostics, scratch port,
// COM4/COM3 and the 0xbb00 block.
func DefaultStubRanges() []hv.IoRange {
	return []hv.IoRange{
		hv.PioRange(0x00, 0x10),
		hv.PioRange(0x11, 0x0f),
		hv.PioRange(0x80, 0x10),
		hv.PioRange(0xbd, 1),
		hv.PioRange(0x2e8, 8),
		hv.PioRange(0x3e8, 8),
		hv.PioRange(0xbb00, 0x100),
	}
}

// Stub claims a set of port ranges, reads them as zero and drops writes.
type Stub struct {
	ranges []hv.IoRange
	log    *slog.Logger
}

// NewStub returns a stub for ranges.
func NewStub(logger *slog.Logger, ranges ...hv.IoRange) *Stub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Stub{ranges: ranges, log: logger}
}

// Constraints implements chipset.ChipsetDevice.
func (s *Stub) Constraints() []resources.Constraint {
	out := make([]resources.Constraint, 0, len(s.ranges))
	for _, r := range s.ranges {
		if r.Space == hv.SpacePio {
			out = append(out, resources.FixedPioConstraint(r.Base, r.Size))
		} else {
			out = append(out, resources.FixedMmioConstraint(r.Base, r.Size))
		}
	}
	return out
}

// Assign implements chipset.ChipsetDevice.
func (s *Stub) Assign(a chipset.Assignment) error {
	if got := len(a.Resources.Ranges()); got != len(s.ranges) {
		return fmt.Errorf("legacy stub: expected %d ranges, got %d", len(s.ranges), got)
	}
	return nil
}

// Read implements hv.DeviceIo.
func (s *Stub) Read(addr hv.IoAddress, data []byte) {
	clear(data)
}

// Write implements hv.DeviceIo.
func (s *Stub) Write(addr hv.IoAddress, data []byte) {
	s.log.Debug("legacy stub: dropped write", "offset", addr.String(), "size", len(data))
}

func (s *Stub) Start() error { return nil }
func (s *Stub) Stop() error  { return nil }
func (s *Stub) Reset() error { return nil }

var _ chipset.ChipsetDevice = (*Stub)(nil)
