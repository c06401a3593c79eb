//go:build !linux

package main

import (
	"errors"

	"github.com/tinyrange/vmdevice/internal/chipset"
)

func newIrqfdLines(uint32) (chipset.InterruptController, error) {
	return nil, errors.New("irqfd interrupts require linux")
}
