package engine

import (
	"errors"

	"github.com/colorfulnotion/tiervm/core"
	"github.com/colorfulnotion/tiervm/ir"
	"github.com/colorfulnotion/tiervm/vmerrors"
)

// The interpreter is the reference tier: it executes decoded blocks
// micro-op by micro-op and defines the semantics the compiled tiers must
// reproduce. All arithmetic goes through the shared ir evaluation helpers.

type interp struct {
	st  *core.VcpuExecState
	mem core.Memory

	// onFenceI fires on a guest instruction-cache fence so decoded and
	// compiled code derived from stale bytes is thrown away.
	onFenceI func()
}

// run executes one block, leaving PC at the successor (or parked on a
// faulting instruction with a trap pending). The returned error is fatal;
// guest-visible conditions become pending traps instead.
func (ip *interp) run(b *ir.IRBlock) error {
	st := ip.st
	for i := range b.Insns {
		in := &b.Insns[i]
		next := in.NextPC()
		branchTo := next

		for j := range in.Ops {
			op := &in.Ops[j]
			done, target, err := ip.exec(in, op, next)
			if err != nil {
				if !vmerrors.IsFault(err) {
					return err
				}
				ip.raiseFault(err)
				st.PC = in.PC
				return nil
			}
			if done {
				branchTo = target
				break
			}
		}

		st.InstrRet += in.RetireCount()
		st.PC = branchTo
		if st.TrapPending || st.Halted {
			return nil
		}
		if branchTo != next {
			return nil
		}
	}
	return nil
}

// raiseFault converts a memory fault into the matching pending guest trap.
func (ip *interp) raiseFault(err error) {
	var f *vmerrors.Fault
	if !errors.As(err, &f) {
		return
	}
	cause := uint64(core.TrapCauseLoadFault)
	switch f.Access {
	case vmerrors.AccessWrite:
		cause = core.TrapCauseStoreFault
	case vmerrors.AccessExec:
		cause = core.TrapCauseInstrFault
	}
	ip.st.RaiseTrap(cause, f.Addr)
}

func (ip *interp) reg(r uint8) uint64 {
	if r == ir.RegDiscard {
		return 0
	}
	return ip.st.Reg(int(r))
}

func (ip *interp) setReg(r uint8, v uint64) {
	if r != ir.RegDiscard {
		ip.st.SetReg(int(r), v)
	}
}

// exec runs one micro-op. done reports a control transfer to target.
func (ip *interp) exec(in *ir.Instruction, op *ir.Inst, next core.GuestAddr) (done bool, target core.GuestAddr, err error) {
	st := ip.st
	switch op.Kind {
	case ir.OpNop:

	case ir.OpMovImm:
		ip.setReg(op.Rd, uint64(op.Imm))

	case ir.OpMovReg:
		v := ip.reg(op.Rs1)
		if op.Word {
			v = uint64(uint32(v))
		}
		ip.setReg(op.Rd, v)

	case ir.OpAlu:
		ip.setReg(op.Rd, ir.EvalAlu(op.Alu, ip.reg(op.Rs1), ip.reg(op.Rs2), op.Word, op.Signed))

	case ir.OpAluImm:
		ip.setReg(op.Rd, ir.EvalAlu(op.Alu, ip.reg(op.Rs1), uint64(op.Imm), op.Word, op.Signed))

	case ir.OpCmp:
		st.Flags = ir.CompareFlags(ip.reg(op.Rs1), ip.reg(op.Rs2), op.Word)

	case ir.OpCmpImm:
		st.Flags = ir.CompareFlags(ip.reg(op.Rs1), uint64(op.Imm), op.Word)

	case ir.OpBranch:
		b := ip.reg(op.Rs2)
		if op.Rs2 == ir.RegDiscard {
			b = uint64(op.Imm)
		}
		if ir.EvalBranch(op.Cond, ip.reg(op.Rs1), b, op.Word) {
			return true, in.Target, nil
		}

	case ir.OpBranchFlags:
		if ir.EvalCond(op.Cond, st.Flags) {
			return true, in.Target, nil
		}

	case ir.OpJump:
		ip.setReg(op.Rd, uint64(next))
		return true, in.Target, nil

	case ir.OpJumpInd:
		t := ip.reg(op.Rs1) + uint64(op.Imm)
		if op.Mem {
			v, rerr := ip.mem.Read(core.GuestAddr(t), 8)
			if rerr != nil {
				return false, 0, rerr
			}
			t = v
		}
		ip.setReg(op.Rd, uint64(next))
		return true, core.GuestAddr(t), nil

	case ir.OpLoad:
		v, rerr := ip.mem.Read(core.GuestAddr(ip.reg(op.Rs1)+uint64(op.Imm)), op.Size)
		if rerr != nil {
			return false, 0, rerr
		}
		ip.setReg(op.Rd, ir.ExtendLoad(v, op.Size, op.Signed, op.Word))

	case ir.OpStore:
		v := ip.reg(op.Rs2)
		if op.Rs2 == ir.RegDiscard {
			v = uint64(op.Imm2)
		}
		if werr := ip.mem.Write(core.GuestAddr(ip.reg(op.Rs1)+uint64(op.Imm)), v, op.Size); werr != nil {
			return false, 0, werr
		}

	case ir.OpLoadAlu:
		raw, rerr := ip.mem.Read(core.GuestAddr(ip.reg(op.Rs1)+uint64(op.Imm)), op.Size)
		if rerr != nil {
			return false, 0, rerr
		}
		loaded := ir.ExtendLoad(raw, op.Size, op.Signed, op.Word)
		ip.setReg(op.Rd, ir.EvalAlu(op.Alu, ip.reg(op.Rs2), loaded, op.Word, op.Signed))

	case ir.OpFLoad:
		v, rerr := ip.mem.Read(core.GuestAddr(ip.reg(op.Rs1)+uint64(op.Imm)), op.Size)
		if rerr != nil {
			return false, 0, rerr
		}
		st.SetFReg(int(op.Rd), v)

	case ir.OpFStore:
		if werr := ip.mem.Write(core.GuestAddr(ip.reg(op.Rs1)+uint64(op.Imm)), st.FReg(int(op.Rs2)), op.Size); werr != nil {
			return false, 0, werr
		}

	case ir.OpMovToF:
		st.SetFReg(int(op.Rd), ip.reg(op.Rs1))

	case ir.OpMovFromF:
		ip.setReg(op.Rd, st.FReg(int(op.Rs1)))

	case ir.OpAtomicCAS:
		addr := core.GuestAddr(ip.reg(op.Rs1) + uint64(op.Imm))
		expected := ip.reg(op.Rs2)
		old, _, cerr := ip.mem.AtomicCAS(addr, expected, ip.reg(op.Rs3), op.Size)
		if cerr != nil {
			return false, 0, cerr
		}
		ip.setReg(op.Rd, ir.ExtendLoad(old, op.Size, op.Signed, op.Word))
		st.Flags = ir.CompareFlags(expected, old, op.Word)

	case ir.OpAtomicLR:
		v, lerr := ip.mem.AtomicLR(core.GuestAddr(ip.reg(op.Rs1)+uint64(op.Imm)), op.Size)
		if lerr != nil {
			return false, 0, lerr
		}
		ip.setReg(op.Rd, ir.ExtendLoad(v, op.Size, op.Signed, op.Word))

	case ir.OpAtomicSC:
		ok, serr := ip.mem.AtomicSC(core.GuestAddr(ip.reg(op.Rs1)+uint64(op.Imm)), ip.reg(op.Rs2), op.Size)
		if serr != nil {
			return false, 0, serr
		}
		if ok {
			ip.setReg(op.Rd, 0)
		} else {
			ip.setReg(op.Rd, 1)
		}

	case ir.OpAtomicRmw:
		addr := core.GuestAddr(ip.reg(op.Rs1) + uint64(op.Imm))
		src := ip.reg(op.Rs2)
		if op.Rs2 == ir.RegDiscard {
			src = uint64(op.Imm2)
		}
		// Retry loop over LR/SC; loses only to a concurrent writer.
		for {
			raw, lerr := ip.mem.AtomicLR(addr, op.Size)
			if lerr != nil {
				return false, 0, lerr
			}
			old := ir.ExtendLoad(raw, op.Size, op.Signed, op.Word)
			ok, serr := ip.mem.AtomicSC(addr, ir.EvalAlu(op.Alu, old, src, op.Word, op.Signed), op.Size)
			if serr != nil {
				return false, 0, serr
			}
			if ok {
				ip.setReg(op.Rd, old)
				break
			}
		}

	case ir.OpFence:
		if op.Imm == 1 && ip.onFenceI != nil {
			ip.onFenceI()
		}

	case ir.OpSyscall:
		st.RaiseTrap(core.TrapCauseSyscall, uint64(op.Imm))
		return true, next, nil

	case ir.OpTrap:
		st.RaiseTrap(core.TrapCauseIllegalInstr, uint64(in.PC))
		return true, next, nil

	case ir.OpHalt:
		st.Halted = true
		return true, next, nil

	default:
		return false, 0, vmerrors.Internalf("unhandled micro-op %v at 0x%x", op.Kind, in.PC)
	}
	return false, 0, nil
}
