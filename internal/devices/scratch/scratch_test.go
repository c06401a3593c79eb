package scratch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tinyrange/vmdevice/internal/chipset"
	"github.com/tinyrange/vmdevice/internal/hv"
	"github.com/tinyrange/vmdevice/internal/resources"
)

func newChipset(t *testing.T) *chipset.Chipset {
	t.Helper()
	alloc, err := resources.New(resources.Config{
		Pio:  &resources.Window{Base: 0x1000, Size: 0x100},
		Mmio: []resources.Window{{Base: 0xd000_0004, Size: 0x1000}},
		Irq:  resources.IrqPool{First: 5, Count: 4},
	})
	require.NoError(t, err)
	c, err := chipset.New(alloc, chipset.NewBus(), chipset.NewLineSet(nil, 16), nil)
	require.NoError(t, err)
	return c
}

func TestRegistersEndToEnd(t *testing.T) {
	c := newChipset(t)
	regs := New(8, 16)
	require.NoError(t, c.Attach("timer", regs))

	r := regs.Range()
	require.Equal(t, hv.SpaceMmio, r.Space)
	require.Equal(t, uint64(8), r.Size)
	require.Zero(t, r.Base%16)
	require.Equal(t, uint64(0xd000_0010), r.Base, "first 16-byte boundary in the window")

	bus := c.Bus()
	require.True(t, bus.DispatchWrite(hv.MmioAddress(r.Base), []byte{0x01, 0x00, 0x00, 0x00}))
	require.True(t, bus.DispatchWrite(hv.MmioAddress(r.Base+4), []byte{0xde, 0xad, 0xbe, 0xef}))

	out := make([]byte, 4)
	require.True(t, bus.DispatchRead(hv.MmioAddress(r.Base+4), out))
	require.Equal(t, []byte{0xde, 0xad, 0xbe, 0xef}, out)

	require.True(t, bus.DispatchRead(hv.MmioAddress(r.Base), out))
	require.Equal(t, []byte{0x01, 0x00, 0x00, 0x00}, out)

	// One past the end is not the device's.
	require.False(t, bus.DispatchRead(hv.MmioAddress(r.Base+8), out))
}

func TestRegistersPio(t *testing.T) {
	c := newChipset(t)
	regs := New(4, 0, WithPio())
	require.NoError(t, c.Attach("scratch", regs))
	require.Equal(t, hv.PioRange(0x1000, 4), regs.Range())

	fixed := New(1, 0, WithPio(), WithBase(0x1080))
	require.NoError(t, c.Attach("post", fixed))
	require.Equal(t, hv.PioRange(0x1080, 1), fixed.Range())

	require.True(t, c.Bus().HandlePIO(0x1080, []byte{0x42}, true))
	out := []byte{0}
	require.True(t, c.Bus().HandlePIO(0x1080, out, false))
	require.Equal(t, byte(0x42), out[0])
}

func TestRegistersReset(t *testing.T) {
	regs := New(4, 4)
	regs.Write(hv.MmioAddress(0), []byte{1, 2, 3, 4})
	require.NoError(t, regs.Reset())

	out := []byte{9, 9, 9, 9}
	regs.Read(hv.MmioAddress(0), out)
	require.Equal(t, []byte{0, 0, 0, 0}, out)
}

func TestRegistersAssignMismatch(t *testing.T) {
	regs := New(8, 8)
	err := regs.Assign(chipset.Assignment{})
	require.Error(t, err)
}

func TestRegistersPioBaseOutOfRange(t *testing.T) {
	c := newChipset(t)
	regs := New(4, 0, WithPio(), WithBase(0x1_1000))
	err := c.Attach("scratch", regs)
	require.ErrorIs(t, err, resources.ErrInvalidRequest)
	require.ErrorIs(t, err, hv.ErrInvalidIoRange)

	require.Zero(t, regs.Range())
	require.Empty(t, c.Layout())
	require.False(t, c.Bus().HandlePIO(0x1000, []byte{0}, false), "nothing registered at the truncated port")
}
