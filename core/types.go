// Package core holds the architecture-neutral leaf types of the execution
// core: guest addresses, paging modes, per-vCPU state, exit conditions, and
// the memory capability consumed by the decoder and both execution tiers.
package core

// GuestAddr is a 64-bit guest virtual address.
type GuestAddr uint64

// GuestPhysAddr is a 64-bit guest physical address.
type GuestPhysAddr uint64

// Arch identifies a guest instruction-set architecture.
type Arch uint8

const (
	ArchRiscV64 Arch = iota
	ArchARM64
	ArchX8664
)

func (a Arch) String() string {
	switch a {
	case ArchRiscV64:
		return "riscv64"
	case ArchARM64:
		return "arm64"
	case ArchX8664:
		return "x86_64"
	default:
		return "unknown"
	}
}

// ParseArch maps a config string onto an Arch.
func ParseArch(s string) (Arch, bool) {
	switch s {
	case "riscv64", "riscv", "rv64":
		return ArchRiscV64, true
	case "arm64", "aarch64":
		return ArchARM64, true
	case "x86_64", "x86-64", "amd64":
		return ArchX8664, true
	}
	return 0, false
}

// PagingMode selects the active translation scheme. Set once per vCPU at
// boot or mode switch; immutable until the next switch.
type PagingMode uint8

const (
	PagingNone PagingMode = iota
	PagingSv39
	PagingSv48
	PagingAArch64
	PagingX8664
)

func (m PagingMode) String() string {
	switch m {
	case PagingNone:
		return "none"
	case PagingSv39:
		return "sv39"
	case PagingSv48:
		return "sv48"
	case PagingAArch64:
		return "aarch64-stage1"
	case PagingX8664:
		return "x86_64-long"
	default:
		return "unknown"
	}
}

// Execution backend selection, per configuration.
const (
	BackendInterpreter = "interpreter"
	BackendJit         = "jit"
	BackendHybrid      = "hybrid"
)

// PageSize constants shared by the walkers and the TLB.
const (
	PageSize4K = uint64(4096)
	PageSize2M = uint64(2 * 1024 * 1024)
	PageSize1G = uint64(1024 * 1024 * 1024)
)
