// Command iomap plans the I/O layout of a VM: it allocates port, MMIO and
// interrupt resources for the devices listed in a layout file and prints
// where each one landed.
package main

import "os"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
