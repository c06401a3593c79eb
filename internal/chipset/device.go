package chipset

import (
	"context"

	"github.com/tinyrange/vmdevice/internal/hv"
	"github.com/tinyrange/vmdevice/internal/resources"
)

// PollHandler performs periodic maintenance for a device that requires polling.
type PollHandler interface {
	Poll(ctx context.Context) error
}

// ChangeDeviceState exposes lifecycle hooks for chipset devices.
type ChangeDeviceState interface {
	Start() error
	Stop() error
	Reset() error
}

// Assignment carries the resources granted to a device. Interrupts holds
// one handle per granted IRQ line, in the order of Resources.Irqs().
type Assignment struct {
	Resources  resources.DeviceResources
	Interrupts []hv.Interrupt
}

// ChipsetDevice is the unified interface all chipset devices must implement.
//
// Constraints is asked once per Attach. Assign receives the grants before
// any range is registered, so the device knows its layout by the time the
// first access arrives.
type ChipsetDevice interface {
	hv.DeviceIo
	ChangeDeviceState

	Constraints() []resources.Constraint
	Assign(a Assignment) error
}

// InterruptController hands out the interrupt handles of attached devices.
// A handle stays valid until FreeLine is called with it.
type InterruptController interface {
	AllocateLine(irq uint32, mode TriggerMode) (hv.Interrupt, error)
	FreeLine(intr hv.Interrupt)
}

// LevelTriggered is implemented by devices whose interrupt lines are level
// triggered. Lines are edge triggered otherwise.
type LevelTriggered interface {
	LevelTriggered() bool
}

func triggerModeOf(dev ChipsetDevice) TriggerMode {
	if lt, ok := dev.(LevelTriggered); ok && lt.LevelTriggered() {
		return TriggerLevel
	}
	return TriggerEdge
}
