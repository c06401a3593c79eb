package resources

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vmdevice/internal/hv"
)

// Window is an allocatable address range in a layout file.
type Window struct {
	Base uint64 `yaml:"base"`
	Size uint64 `yaml:"size"`
}

// Reservation is a platform-owned range. Reserved ranges are never handed
// out by first-fit allocation but can be claimed with AllocateFixed.
type Reservation struct {
	Name  string `yaml:"name"`
	Space string `yaml:"space"`
	Base  uint64 `yaml:"base"`
	Size  uint64 `yaml:"size"`
}

func (r Reservation) Range() (hv.IoRange, error) {
	space, err := hv.ParseIoSpace(r.Space)
	if err != nil {
		return hv.IoRange{}, fmt.Errorf("reservation %q: %w", r.Name, err)
	}
	return hv.IoRange{Space: space, Base: r.Base, Size: r.Size}, nil
}

// Config describes the address windows and IRQ pool of one VM.
//
//	pio:  {base: 0x1000, size: 0xf000}
//	mmio:
//	  - {base: 0xd0000000, size: 0x10000000}
//	irq:  {first: 5, count: 19}
//	reserved:
//	  - {name: com1, space: pio, base: 0x3f8, size: 8}
type Config struct {
	Pio      *Window       `yaml:"pio"`
	Mmio     []Window      `yaml:"mmio"`
	Irq      IrqPool       `yaml:"irq"`
	Reserved []Reservation `yaml:"reserved"`
}

// ParseConfig decodes a YAML layout.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("resources: parse config: %w", err)
	}
	return cfg, nil
}

// LoadConfig reads and decodes a YAML layout file.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("resources: read config: %w", err)
	}
	return ParseConfig(data)
}

// ConfigFromAddressSpace derives a Config from a VM address layout. Fixed
// regions of the layout become reservations.
func ConfigFromAddressSpace(as *hv.AddressSpace, irqs IrqPool) Config {
	cfg := Config{Irq: irqs}
	if pio, ok := as.PioWindow(); ok {
		cfg.Pio = &Window{Base: pio.Base, Size: pio.Size}
	}
	for _, w := range as.MmioWindows() {
		cfg.Mmio = append(cfg.Mmio, Window{Base: w.Base, Size: w.Size})
	}
	for _, fixed := range as.FixedRegions() {
		cfg.Reserved = append(cfg.Reserved, Reservation{
			Name:  fixed.Name,
			Space: fixed.Range.Space.String(),
			Base:  fixed.Range.Base,
			Size:  fixed.Range.Size,
		})
	}
	return cfg
}
