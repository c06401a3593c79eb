package serial

import (
	"bytes"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinyrange/vmdevice/internal/chipset"
	"github.com/tinyrange/vmdevice/internal/hv"
	"github.com/tinyrange/vmdevice/internal/resources"
)

// pulseCounter counts rising edges per line.
type pulseCounter struct {
	mu     sync.Mutex
	pulses map[uint32]int
}

func (p *pulseCounter) SetIRQ(line uint32, level bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pulses == nil {
		p.pulses = make(map[uint32]int)
	}
	if level {
		p.pulses[line]++
	}
}

func (p *pulseCounter) count(line uint32) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pulses[line]
}

type rig struct {
	chipset *chipset.Chipset
	uart    *UART
	out     *bytes.Buffer
	sink    *pulseCounter
}

func newRig(t *testing.T, opts ...Option) *rig {
	t.Helper()
	alloc, err := resources.New(resources.Config{
		Pio:      &resources.Window{Base: 0x1000, Size: 0x1000},
		Mmio:     []resources.Window{{Base: 0xd000_0000, Size: 0x10_0000}},
		Irq:      resources.IrqPool{First: 3, Count: 4},
		Reserved: []resources.Reservation{{Name: "com1", Space: "pio", Base: COM1, Size: 8}},
	})
	require.NoError(t, err)

	sink := &pulseCounter{}
	c, err := chipset.New(alloc, chipset.NewBus(), chipset.NewLineSet(sink, 16), nil)
	require.NoError(t, err)

	out := &bytes.Buffer{}
	uart := New(append([]Option{WithOutput(out)}, opts...)...)
	require.NoError(t, c.Attach("uart", uart))
	return &rig{chipset: c, uart: uart, out: out, sink: sink}
}

func (r *rig) addr(reg uint64) hv.IoAddress {
	rng := r.uart.Range()
	return hv.IoAddress{Space: rng.Space, Addr: rng.Base + reg*r.uart.stride}
}

func (r *rig) out8(t *testing.T, reg uint64, value byte) {
	t.Helper()
	require.True(t, r.chipset.Bus().DispatchWrite(r.addr(reg), []byte{value}))
}

func (r *rig) in8(t *testing.T, reg uint64) byte {
	t.Helper()
	buf := []byte{0}
	require.True(t, r.chipset.Bus().DispatchRead(r.addr(reg), buf))
	return buf[0]
}

func TestUARTTransmit(t *testing.T) {
	r := newRig(t, WithIrq(4))
	require.Equal(t, hv.PioRange(COM1, 8), r.uart.Range())

	for _, b := range []byte("hi\r\nthere\n") {
		r.out8(t, 0, b)
	}
	require.Equal(t, "hi\nthere\n", r.out.String())
	require.Equal(t, byte(lsrTHRE|lsrTEMT), r.in8(t, 5)&(lsrTHRE|lsrTEMT))
	require.Equal(t, uint64(10), r.uart.Stats().TxBytes)
}

func TestUARTDivisorLatch(t *testing.T) {
	r := newRig(t)
	r.out8(t, 3, lcrDLAB)
	r.out8(t, 0, 0x01)
	r.out8(t, 1, 0x00)
	require.Equal(t, byte(0x01), r.in8(t, 0))
	require.Equal(t, byte(0x00), r.in8(t, 1))

	r.out8(t, 3, 0x03)
	r.out8(t, 0, 'x')
	require.Equal(t, "x", r.out.String(), "data register is back after clearing DLAB")
}

func TestUARTReceive(t *testing.T) {
	r := newRig(t, WithIrq(4))
	r.out8(t, 1, ierRxData)
	require.Zero(t, r.sink.count(4))

	require.Equal(t, 2, r.uart.Input([]byte("ok")))
	require.Equal(t, 1, r.sink.count(4))
	require.Equal(t, byte(iirRxData), r.in8(t, 2))
	require.NotZero(t, r.in8(t, 5)&lsrDataReady)

	require.Equal(t, byte('o'), r.in8(t, 0))
	require.Equal(t, byte('k'), r.in8(t, 0))
	require.Zero(t, r.in8(t, 5)&lsrDataReady)
	require.Equal(t, byte(iirNone), r.in8(t, 2))

	require.Equal(t, fifoSize, r.uart.Input(bytes.Repeat([]byte{'a'}, 40)))
}

func TestUARTInterruptCoalesced(t *testing.T) {
	r := newRig(t, WithIrq(4))
	r.out8(t, 1, ierRxData)

	r.uart.Input([]byte("a"))
	require.Equal(t, byte('a'), r.in8(t, 0))

	// The guest has not acknowledged the first interrupt at the controller.
	r.uart.Input([]byte("b"))
	stats := r.uart.Stats()
	require.Equal(t, uint64(1), stats.IRQs)
	require.Equal(t, uint64(1), stats.Coalesced)
	require.Equal(t, byte(iirRxData), r.in8(t, 2), "status still reports the cause")

	r.chipset.Lines().BroadcastEOI(4)
	require.Equal(t, byte('b'), r.in8(t, 0))
	r.uart.Input([]byte("c"))
	require.Equal(t, uint64(2), r.uart.Stats().IRQs)
	require.Equal(t, 2, r.sink.count(4))
}

func TestUARTTHREInterrupt(t *testing.T) {
	r := newRig(t, WithIrq(4))
	r.out8(t, 1, ierTHRE)
	require.Equal(t, 1, r.sink.count(4), "enabling THRE with an empty holding register interrupts")

	require.Equal(t, byte(iirTHRE), r.in8(t, 2))
	require.Equal(t, byte(iirNone), r.in8(t, 2), "reading IIR consumes THRE")

	r.chipset.Lines().BroadcastEOI(4)
	r.out8(t, 0, 'z')
	require.Equal(t, 2, r.sink.count(4))
}

func TestUARTLoopback(t *testing.T) {
	r := newRig(t)
	r.out8(t, 4, mcrLoop)
	r.out8(t, 0, 0x5a)
	require.Empty(t, r.out.String())
	require.Equal(t, byte(0x5a), r.in8(t, 0))
}

func TestUARTMmio(t *testing.T) {
	r := newRig(t, WithMmio(nil, 2))
	require.Equal(t, hv.MmioRange(0xd000_0000, MmioSize), r.uart.Range())
	require.Equal(t, uint64(4), r.uart.stride)

	r.out8(t, 7, 0x42)
	require.Equal(t, byte(0x42), r.in8(t, 7))

	// Bytes between registers read as zero and ignore writes.
	buf := []byte{0xff}
	require.True(t, r.chipset.Bus().DispatchRead(hv.MmioAddress(0xd000_0001), buf))
	require.Zero(t, buf[0])
}

func TestUARTReset(t *testing.T) {
	r := newRig(t)
	r.out8(t, 7, 0x11)
	r.out8(t, 3, 0x03)
	r.uart.Input([]byte("x"))
	require.NoError(t, r.chipset.Reset())

	require.Zero(t, r.in8(t, 7))
	require.Zero(t, r.in8(t, 3))
	require.Zero(t, r.in8(t, 5)&lsrDataReady)
}
