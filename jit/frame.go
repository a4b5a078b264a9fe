package jit

// jitFrame is the spill area shared between Go and emitted native code. The
// emitter addresses fields by the offsets below, so field order and widths
// are load-bearing.
type jitFrame struct {
	X         [32]uint64 // offset 0, guest general registers
	Flags     uint64     // offset 256, comparison flags word
	Ram       uintptr    // offset 264, flat RAM base
	RamLen    uint64     // offset 272
	NextPC    uint64     // offset 280, out: where execution stopped
	Status    uint64     // offset 288, out: exit status
	FaultAddr uint64     // offset 296, out: syscall vector / trap pc / fault address
	InstrRet  uint64     // offset 304, out: instructions retired this call
}

const (
	frameOffFlags     = 256
	frameOffRam       = 264
	frameOffRamLen    = 272
	frameOffNextPC    = 280
	frameOffStatus    = 288
	frameOffFaultAddr = 296
	frameOffInstrRet  = 304
)

// Native exit statuses. On statusFault NextPC holds the faulting pc and
// FaultAddr the guest address; the faulting instruction did not retire.
const (
	statusOK      = 0
	statusHalt    = 1
	statusSyscall = 2 // FaultAddr carries the vector
	statusTrap    = 3 // FaultAddr carries the pc
	statusFault   = 4
)
