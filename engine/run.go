package engine

import (
	"errors"
	"time"

	"github.com/colorfulnotion/tiervm/core"
	"github.com/colorfulnotion/tiervm/mmu"
	"github.com/colorfulnotion/tiervm/vmerrors"
)

// Vcpu is one virtual CPU: its register state, its memory view, and its run
// loop. Create with Engine.NewVcpu; each Vcpu is driven by one goroutine.
type Vcpu struct {
	e      *Engine
	st     *core.VcpuExecState
	mem    *mmu.View
	interp interp
}

func (e *Engine) NewVcpu(id int) *Vcpu {
	st := &core.VcpuExecState{ID: id}
	v := &Vcpu{e: e, st: st}
	v.mem = e.mmu.View(st)
	v.interp = interp{st: st, mem: v.mem, onFenceI: e.flushCode}
	return v
}

func (v *Vcpu) State() *core.VcpuExecState { return v.st }

// Memory is the vCPU's guest memory view.
func (v *Vcpu) Memory() *mmu.View { return v.mem }

// Run executes from the current PC until cond is satisfied, the guest
// halts, a trap surfaces with no trap vector configured, or an internal
// error makes further progress meaningless. The exit condition is checked
// at block boundaries only.
func (v *Vcpu) Run(cond core.ExitCondition) (core.ExitReason, error) {
	st := v.st
	for {
		if reason, done := cond.Satisfied(st); done {
			st.ExitReason = reason
			return reason, nil
		}

		cb, err := v.e.lookup(v, st.PC)
		if err != nil {
			if !v.raiseLookupTrap(err) {
				st.ExitReason = core.ExitFatal
				return core.ExitFatal, err
			}
		} else if err := v.dispatch(cb); err != nil {
			st.ExitReason = core.ExitFatal
			return core.ExitFatal, err
		}

		if st.TrapPending {
			if reason, done := v.deliverTrap(); done {
				return reason, nil
			}
		}
	}
}

// dispatch runs one block through the best available tier, falling back to
// the interpreter and feeding the timing into the hotness tracker.
func (v *Vcpu) dispatch(cb *CachedBlock) error {
	ran, err := v.e.comp.Execute(v.st, v.mem, v.mem.FlatRAM(), cb.Prof, cb.IR)
	if err != nil {
		return err
	}
	if ran {
		return nil
	}
	start := time.Now()
	if err := v.interp.run(cb.IR); err != nil {
		return err
	}
	v.e.comp.Record(cb.Prof, cb.IR, time.Since(start))
	return nil
}

// raiseLookupTrap converts a fetch or decode failure into the matching
// pending guest trap. Internal errors stay errors.
func (v *Vcpu) raiseLookupTrap(err error) bool {
	var f *vmerrors.Fault
	if errors.As(err, &f) && f.Access == vmerrors.AccessExec {
		v.st.RaiseTrap(core.TrapCauseInstrFault, f.Addr)
		return true
	}
	var iie *vmerrors.InvalidInstructionError
	if errors.As(err, &iie) {
		v.st.RaiseTrap(core.TrapCauseIllegalInstr, uint64(v.st.PC))
		return true
	}
	return false
}

// deliverTrap redirects a pending trap to the configured vector, or ends
// the run when no vector is set. Cause and value stay in the state for the
// vector code (or the embedder) to read.
func (v *Vcpu) deliverTrap() (core.ExitReason, bool) {
	if v.e.cfg.TrapVector != 0 {
		v.st.PC = v.e.cfg.TrapVector
		v.st.TrapPending = false
		return core.ExitNone, false
	}
	v.st.ExitReason = core.ExitTrapped
	return core.ExitTrapped, true
}
