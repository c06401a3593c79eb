package legacy

import (
	"sync"

	"github.com/tinyrange/vmdevice/internal/chipset"
	"github.com/tinyrange/vmdevice/internal/hv"
	"github.com/tinyrange/vmdevice/internal/resources"
)

// DefaultResetControlPort is where PC-compatible chipsets expose the legacy
// reset control register.
const DefaultResetControlPort = 0x10

const resetRequestBit = 0x02

// ResetControlPort emulates the legacy reset control register. Writing a
// value with bit 1 set requests a guest reset.
type ResetControlPort struct {
	port    uint16
	onReset func()

	mu   sync.Mutex
	last byte
}

// NewResetControlPort returns the register at port. onReset runs on the
// dispatching goroutine for every reset request and must not block.
func NewResetControlPort(port uint16, onReset func()) *ResetControlPort {
	return &ResetControlPort{port: port, onReset: onReset}
}

// Constraints implements chipset.ChipsetDevice.
func (p *ResetControlPort) Constraints() []resources.Constraint {
	return []resources.Constraint{resources.FixedPioConstraint(uint64(p.port), 1)}
}

// Assign implements chipset.ChipsetDevice.
func (p *ResetControlPort) Assign(chipset.Assignment) error { return nil }

// Read implements hv.DeviceIo. Reads return the last value written.
func (p *ResetControlPort) Read(_ hv.IoAddress, data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range data {
		data[i] = p.last
	}
}

// Write implements hv.DeviceIo.
func (p *ResetControlPort) Write(_ hv.IoAddress, data []byte) {
	if len(data) == 0 {
		return
	}

	p.mu.Lock()
	p.last = data[len(data)-1]
	p.mu.Unlock()

	if data[0]&resetRequestBit != 0 && p.onReset != nil {
		p.onReset()
	}
}

func (p *ResetControlPort) Start() error { return nil }
func (p *ResetControlPort) Stop() error  { return nil }

func (p *ResetControlPort) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = 0
	return nil
}

var _ chipset.ChipsetDevice = (*ResetControlPort)(nil)
