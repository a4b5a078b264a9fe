// Package vmerrors defines the error taxonomy of the execution core.
//
// Guest-triggerable conditions (translation faults, illegal instructions)
// are recoverable and must be routed into the guest's trap handling.
// Internal inconsistencies (corrupted page tables, stale code dispatch)
// are fatal for the owning vCPU.
package vmerrors

import (
	"errors"
	"fmt"
)

// Memory (M) errors
var (
	ErrMInvalidAddress    = errors.New("M1|InvalidAddress: Guest address is outside RAM and not claimed by any device.")
	ErrMProtection        = errors.New("M2|Protection: Access violates page permissions.")
	ErrMMisaligned        = errors.New("M3|Misaligned: Access size is not supported at this alignment.")
	ErrMPageNotPresent    = errors.New("M4|PageNotPresent: Translation reached a non-present entry.")
	ErrMPageTableCorrupt  = errors.New("M5|PageTableCorrupt: Malformed page-table entry bits.")
	ErrMReservationFailed = errors.New("M6|ReservationFailed: Store-conditional lost its reservation.")
)

// Decode (D) errors
var (
	ErrDInvalidInstruction = errors.New("D1|InvalidInstruction: Byte pattern does not decode on this architecture.")
	ErrDUnmodeled          = errors.New("D2|Unmodeled: Instruction decodes but has no IR lowering.")
)

// Execution (E) errors
var (
	ErrEInternal      = errors.New("E1|Internal: Engine-internal invariant violation.")
	ErrEStaleCode     = errors.New("E2|StaleCode: Dispatch attempted on an evicted compiled-code generation.")
	ErrECompileFailed = errors.New("E3|CompileFailed: Block could not be compiled; staying on the interpreter.")
	ErrEDevice        = errors.New("E4|Device: External device error.")
)

// AccessKind identifies the access that faulted.
type AccessKind uint8

const (
	AccessRead AccessKind = iota
	AccessWrite
	AccessExec
)

func (k AccessKind) String() string {
	switch k {
	case AccessRead:
		return "read"
	case AccessWrite:
		return "write"
	case AccessExec:
		return "exec"
	default:
		return "unknown"
	}
}

// Fault is a recoverable, guest-visible translation or protection fault.
// The execution engine converts it into a guest trap, never a VM abort.
type Fault struct {
	Addr   uint64
	Access AccessKind
	Err    error // one of the M sentinels above
}

func (f *Fault) Error() string {
	return fmt.Sprintf("fault: %s at 0x%x: %v", f.Access, f.Addr, f.Err)
}

func (f *Fault) Unwrap() error { return f.Err }

// NewFault wraps a memory sentinel into a guest-visible fault.
func NewFault(addr uint64, access AccessKind, sentinel error) *Fault {
	return &Fault{Addr: addr, Access: access, Err: sentinel}
}

// IsFault reports whether err is (or wraps) a recoverable guest fault.
func IsFault(err error) bool {
	var f *Fault
	return errors.As(err, &f)
}

// MemoryAccessError is a fatal internal inconsistency in the memory
// subsystem, distinct from guest-visible faults.
type MemoryAccessError struct {
	Addr   uint64
	Reason string
}

func (e *MemoryAccessError) Error() string {
	return fmt.Sprintf("memory access: 0x%x: %s", e.Addr, e.Reason)
}

func (e *MemoryAccessError) Unwrap() error { return ErrMPageTableCorrupt }

// InvalidInstructionError carries the raw bits of an undecodable or
// unmodeled byte pattern. Guest-visible illegal-instruction condition.
type InvalidInstructionError struct {
	PC  uint64
	Raw uint64
	Err error // ErrDInvalidInstruction or ErrDUnmodeled
}

func (e *InvalidInstructionError) Error() string {
	return fmt.Sprintf("invalid instruction at 0x%x: raw=0x%x: %v", e.PC, e.Raw, e.Err)
}

func (e *InvalidInstructionError) Unwrap() error {
	if e.Err != nil {
		return e.Err
	}
	return ErrDInvalidInstruction
}

// ExecutionError is an engine-internal invariant violation, fatal for the
// owning vCPU.
type ExecutionError struct {
	Message string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution: %s", e.Message)
}

func (e *ExecutionError) Unwrap() error { return ErrEInternal }

// Internalf builds a fatal ExecutionError.
func Internalf(format string, args ...interface{}) error {
	return &ExecutionError{Message: fmt.Sprintf(format, args...)}
}

// IsFatal reports whether err must terminate the owning vCPU rather than
// be delivered to the guest.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var mae *MemoryAccessError
	var ee *ExecutionError
	return errors.As(err, &mae) || errors.As(err, &ee) || errors.Is(err, ErrEStaleCode)
}
