package core

import "sync/atomic"

// ExitKind tags an ExitCondition. An explicit tagged struct is evaluated in
// the run loop instead of a heap-allocated predicate closure, which keeps
// the hot loop free of indirect calls.
type ExitKind uint8

const (
	// ExitUntilHalt runs until the guest executes a halt instruction.
	ExitUntilHalt ExitKind = iota
	// ExitInstrBudget runs until Budget instructions have retired.
	ExitInstrBudget
	// ExitExternalStop runs until Stop is set by another goroutine.
	// Observed at block boundaries only, never mid-instruction.
	ExitExternalStop
)

// ExitCondition tells a run loop when to return.
type ExitCondition struct {
	Kind   ExitKind
	Budget uint64
	Stop   *atomic.Bool
}

// UntilHalt returns the halt-only exit condition.
func UntilHalt() ExitCondition {
	return ExitCondition{Kind: ExitUntilHalt}
}

// WithBudget returns an instruction-count budget exit condition.
func WithBudget(n uint64) ExitCondition {
	return ExitCondition{Kind: ExitInstrBudget, Budget: n}
}

// WithStopFlag returns an external-stop exit condition.
func WithStopFlag(stop *atomic.Bool) ExitCondition {
	return ExitCondition{Kind: ExitExternalStop, Stop: stop}
}

// Satisfied reports whether the condition is met for the given state.
// Halt always terminates regardless of kind.
func (c ExitCondition) Satisfied(s *VcpuExecState) (ExitReason, bool) {
	if s.Halted {
		return ExitHalted, true
	}
	switch c.Kind {
	case ExitInstrBudget:
		if s.InstrRet >= c.Budget {
			return ExitBudgetExhausted, true
		}
	case ExitExternalStop:
		if c.Stop != nil && c.Stop.Load() {
			return ExitStopped, true
		}
	}
	return ExitNone, false
}
