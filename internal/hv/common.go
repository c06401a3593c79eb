package hv

import "fmt"

type CpuArchitecture string

const (
	ArchitectureInvalid CpuArchitecture = "invalid"
	ArchitectureX86_64  CpuArchitecture = "x86_64"
	ArchitectureARM64   CpuArchitecture = "arm64"
	ArchitectureRISCV64 CpuArchitecture = "riscv64"
)

// ParseArchitecture accepts the names used in layout files and by GOARCH.
func ParseArchitecture(s string) (CpuArchitecture, error) {
	switch s {
	case "x86_64", "amd64":
		return ArchitectureX86_64, nil
	case "arm64", "aarch64":
		return ArchitectureARM64, nil
	case "riscv64":
		return ArchitectureRISCV64, nil
	default:
		return ArchitectureInvalid, fmt.Errorf("unknown architecture %q", s)
	}
}
