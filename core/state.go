package core

// Comparison flag bits produced by compare ops and consumed by
// flag-conditional branches.
const (
	FlagEQ  = uint64(1) << 0
	FlagLTU = uint64(1) << 1
	FlagLTS = uint64(1) << 2
)

// ExitReason reports why a vCPU run loop returned.
type ExitReason uint8

const (
	ExitNone ExitReason = iota
	ExitHalted
	ExitBudgetExhausted
	ExitStopped
	ExitTrapped
	ExitFatal
)

func (r ExitReason) String() string {
	switch r {
	case ExitNone:
		return "none"
	case ExitHalted:
		return "halted"
	case ExitBudgetExhausted:
		return "budget-exhausted"
	case ExitStopped:
		return "stopped"
	case ExitTrapped:
		return "trapped"
	case ExitFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// NumRegs is the size of the generic register file. It covers RISC-V
// x0..x31, ARM64 x0..x30 plus SP at index 31, and x86-64 RAX..R15 in the
// low sixteen slots.
const NumRegs = 32

// VcpuExecState is the execution context of one vCPU. It is owned
// exclusively by that vCPU's run loop and never shared.
type VcpuExecState struct {
	ID int

	X     [NumRegs]uint64 // general registers
	F     [NumRegs]uint64 // float registers (raw bits)
	PC    GuestAddr
	Flags uint64
	Asid  uint16

	InstrRet uint64 // retired instruction count
	Halted   bool

	// Pending guest trap, set by fault conversion and consumed by the run
	// loop (delivered to TrapVector when configured).
	TrapPending bool
	TrapCause   uint64
	TrapValue   uint64

	ExitReason ExitReason
}

// Trap cause codes delivered to the guest trap vector.
const (
	TrapCauseInstrFault   = 1
	TrapCauseLoadFault    = 2
	TrapCauseStoreFault   = 3
	TrapCauseIllegalInstr = 4
	TrapCauseSyscall      = 5
)

// Reg returns general register i; the generic register file has no
// hardwired-zero slot, decoders discard writes to such registers instead.
func (s *VcpuExecState) Reg(i int) uint64 { return s.X[i&(NumRegs-1)] }

// SetReg writes general register i.
func (s *VcpuExecState) SetReg(i int, v uint64) { s.X[i&(NumRegs-1)] = v }

// FReg returns float register i as raw bits.
func (s *VcpuExecState) FReg(i int) uint64 { return s.F[i&(NumRegs-1)] }

// SetFReg writes float register i as raw bits.
func (s *VcpuExecState) SetFReg(i int, v uint64) { s.F[i&(NumRegs-1)] = v }

// RaiseTrap records a pending guest trap.
func (s *VcpuExecState) RaiseTrap(cause, value uint64) {
	s.TrapPending = true
	s.TrapCause = cause
	s.TrapValue = value
}

// ClearTrap consumes a pending trap.
func (s *VcpuExecState) ClearTrap() {
	s.TrapPending = false
	s.TrapCause = 0
	s.TrapValue = 0
}
