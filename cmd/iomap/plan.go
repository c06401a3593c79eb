package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/tinyrange/vmdevice/internal/chipset"
	"github.com/tinyrange/vmdevice/internal/hv"
)

const (
	sgrBold  = "\x1b[1m"
	sgrReset = "\x1b[0m"
)

// planRow is one granted resource in the printed plan.
type planRow struct {
	Device   string `yaml:"device"`
	Kind     string `yaml:"kind"`
	Resource string `yaml:"resource"`
	ID       string `yaml:"id"`
}

// freeSummary is the capacity left after every device was attached.
type freeSummary struct {
	Pio  []string `yaml:"pio"`
	Mmio []string `yaml:"mmio"`
	Irqs uint32   `yaml:"irqs"`
}

func newPlanCmd(logger func() *slog.Logger) *cobra.Command {
	var (
		configPath string
		format     string
		showFree   bool
	)

	cmd := &cobra.Command{
		Use:   "plan",
		Short: "Attach the devices of a layout file and print their resources.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			layout, err := loadLayout(configPath)
			if err != nil {
				return err
			}
			c, err := layout.build(logger())
			if err != nil {
				return err
			}
			defer closeInterrupts(c.Interrupts())

			rows := planRows(c)
			var free *freeSummary
			if showFree {
				free = summarizeFree(c)
			}

			out := cmd.OutOrStdout()
			switch format {
			case "yaml":
				return writeYAML(out, rows, free)
			case "table":
				return writeTable(out, rows, free, isTerminal(out))
			default:
				return fmt.Errorf("unknown format %q", format)
			}
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "layout file")
	cmd.Flags().StringVarP(&format, "format", "o", "table", "output format: table or yaml")
	cmd.Flags().BoolVar(&showFree, "free", false, "also print the space left in each window")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func planRows(c *chipset.Chipset) []planRow {
	entries := c.Layout()
	rows := make([]planRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, planRow{
			Device:   e.Device,
			Kind:     e.Allocation.Kind().String(),
			Resource: e.Allocation.String(),
			ID:       e.Allocation.ID().String(),
		})
	}
	return rows
}

func summarizeFree(c *chipset.Chipset) *freeSummary {
	alloc := c.Allocator()
	free := &freeSummary{Irqs: alloc.FreeIrqs()}
	for _, r := range alloc.FreeRanges(hv.SpacePio) {
		free.Pio = append(free.Pio, r.String())
	}
	for _, r := range alloc.FreeRanges(hv.SpaceMmio) {
		free.Mmio = append(free.Mmio, r.String())
	}
	return free
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func writeYAML(w io.Writer, rows []planRow, free *freeSummary) error {
	doc := struct {
		Resources []planRow    `yaml:"resources"`
		Free      *freeSummary `yaml:"free,omitempty"`
	}{rows, free}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return err
	}
	return enc.Close()
}

func writeTable(w io.Writer, rows []planRow, free *freeSummary, styled bool) error {
	header := []string{"DEVICE", "KIND", "RESOURCE", "ID"}
	if styled {
		for i, h := range header {
			header[i] = sgrBold + h + sgrReset
		}
	}

	cells := [][]string{header}
	for _, r := range rows {
		cells = append(cells, []string{r.Device, r.Kind, r.Resource, r.ID})
	}

	// Widths are measured in terminal cells so styled headers line up.
	widths := make([]int, len(header))
	for _, row := range cells {
		for i, cell := range row {
			widths[i] = max(widths[i], ansi.StringWidth(cell))
		}
	}

	var b strings.Builder
	for _, row := range cells {
		for i, cell := range row {
			b.WriteString(cell)
			if i < len(row)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-ansi.StringWidth(cell)+2))
			}
		}
		b.WriteByte('\n')
	}

	if free != nil {
		b.WriteByte('\n')
		for _, r := range free.Pio {
			fmt.Fprintf(&b, "free %s\n", r)
		}
		for _, r := range free.Mmio {
			fmt.Fprintf(&b, "free %s\n", r)
		}
		fmt.Fprintf(&b, "free irqs: %d\n", free.Irqs)
	}

	_, err := io.WriteString(w, b.String())
	return err
}
