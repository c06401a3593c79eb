//go:build linux

package main

import "github.com/tinyrange/vmdevice/internal/chipset"

func newIrqfdLines(lines uint32) (chipset.InterruptController, error) {
	return chipset.NewEventfdLines(lines), nil
}
