package jit

import (
	"errors"

	"github.com/colorfulnotion/tiervm/core"
	"github.com/colorfulnotion/tiervm/ir"
	"github.com/colorfulnotion/tiervm/vmerrors"
)

// The baseline tier replaces the interpreter's decode-and-switch with
// pre-resolved handler arrays: every micro-op's handler function is looked
// up once at compile time, so execution is a straight walk over funcs.
// It is portable and compiles in microseconds.

// ThreadedCode is a block compiled to the baseline tier.
type ThreadedCode struct {
	insns   []threadedInsn
	startPC core.GuestAddr
	endPC   core.GuestAddr
}

type threadedInsn struct {
	pc     core.GuestAddr
	next   core.GuestAddr
	target core.GuestAddr
	retire uint64
	ops    []threadedOp
}

type threadedOp struct {
	run opHandler
	op  *ir.Inst
}

// opEnv is the execution context threaded handlers run against. Control
// transfers set branchTo/stop; memory errors land in err.
type opEnv struct {
	st  *core.VcpuExecState
	mem core.Memory

	pc     core.GuestAddr // current instruction
	next   core.GuestAddr
	target core.GuestAddr

	branchTo core.GuestAddr
	stop     bool
	faulted  bool
	err      error
}

type opHandler func(env *opEnv, op *ir.Inst)

func (env *opEnv) reg(r uint8) uint64 {
	if r == ir.RegDiscard {
		return 0
	}
	return env.st.Reg(int(r))
}

func (env *opEnv) setReg(r uint8, v uint64) {
	if r != ir.RegDiscard {
		env.st.SetReg(int(r), v)
	}
}

// fail converts a guest fault into a pending trap parked on the current
// instruction; anything else is fatal and propagates.
func (env *opEnv) fail(err error) {
	var f *vmerrors.Fault
	if errors.As(err, &f) {
		cause := uint64(core.TrapCauseLoadFault)
		switch f.Access {
		case vmerrors.AccessWrite:
			cause = core.TrapCauseStoreFault
		case vmerrors.AccessExec:
			cause = core.TrapCauseInstrFault
		}
		env.st.RaiseTrap(cause, f.Addr)
		env.faulted = true
		env.stop = true
		return
	}
	env.err = err
	env.stop = true
}

// CompileBaseline resolves b's micro-ops to handlers. Ops without a handler
// fail compilation and the block stays interpreted.
func CompileBaseline(b *ir.IRBlock) (*ThreadedCode, error) {
	tc := &ThreadedCode{
		insns:   make([]threadedInsn, 0, len(b.Insns)),
		startPC: b.StartPC,
		endPC:   b.EndPC,
	}
	for i := range b.Insns {
		in := &b.Insns[i]
		ti := threadedInsn{
			pc:     in.PC,
			next:   in.NextPC(),
			target: in.Target,
			retire: in.RetireCount(),
			ops:    make([]threadedOp, 0, len(in.Ops)),
		}
		for j := range in.Ops {
			op := &in.Ops[j]
			if op.Kind == ir.OpFence && op.Imm == 1 {
				// Code fences need the engine's invalidation hook, which
				// only the interpreter carries.
				return nil, vmerrors.Internalf("code fence at %#x stays interpreted", in.PC)
			}
			h, ok := opHandlers[op.Kind]
			if !ok {
				return nil, vmerrors.Internalf("no baseline handler for %v", op.Kind)
			}
			ti.ops = append(ti.ops, threadedOp{run: h, op: op})
		}
		tc.insns = append(tc.insns, ti)
	}
	return tc, nil
}

// ExecThreaded runs a baseline block and advances the vCPU state exactly
// like the interpreter would.
func ExecThreaded(st *core.VcpuExecState, mem core.Memory, tc *ThreadedCode) error {
	env := opEnv{st: st, mem: mem}
	for i := range tc.insns {
		in := &tc.insns[i]
		env.pc, env.next, env.target = in.pc, in.next, in.target
		env.branchTo = in.next
		env.stop = false
		for j := range in.ops {
			in.ops[j].run(&env, in.ops[j].op)
			if env.stop {
				break
			}
		}
		if env.err != nil {
			return env.err
		}
		if env.faulted {
			st.PC = in.pc
			return nil
		}
		st.InstrRet += in.retire
		st.PC = env.branchTo
		if st.TrapPending || st.Halted {
			return nil
		}
		if env.branchTo != in.next {
			return nil
		}
	}
	return nil
}

var opHandlers map[ir.OpKind]opHandler

func init() {
	opHandlers = map[ir.OpKind]opHandler{
		ir.OpNop: func(env *opEnv, op *ir.Inst) {},
		ir.OpMovImm: func(env *opEnv, op *ir.Inst) {
			env.setReg(op.Rd, uint64(op.Imm))
		},
		ir.OpMovReg: func(env *opEnv, op *ir.Inst) {
			v := env.reg(op.Rs1)
			if op.Word {
				v = uint64(uint32(v))
			}
			env.setReg(op.Rd, v)
		},
		ir.OpAlu: func(env *opEnv, op *ir.Inst) {
			env.setReg(op.Rd, ir.EvalAlu(op.Alu, env.reg(op.Rs1), env.reg(op.Rs2), op.Word, op.Signed))
		},
		ir.OpAluImm: func(env *opEnv, op *ir.Inst) {
			env.setReg(op.Rd, ir.EvalAlu(op.Alu, env.reg(op.Rs1), uint64(op.Imm), op.Word, op.Signed))
		},
		ir.OpCmp: func(env *opEnv, op *ir.Inst) {
			env.st.Flags = ir.CompareFlags(env.reg(op.Rs1), env.reg(op.Rs2), op.Word)
		},
		ir.OpCmpImm: func(env *opEnv, op *ir.Inst) {
			env.st.Flags = ir.CompareFlags(env.reg(op.Rs1), uint64(op.Imm), op.Word)
		},
		ir.OpBranch: func(env *opEnv, op *ir.Inst) {
			b := env.reg(op.Rs2)
			if op.Rs2 == ir.RegDiscard {
				b = uint64(op.Imm)
			}
			if ir.EvalBranch(op.Cond, env.reg(op.Rs1), b, op.Word) {
				env.branchTo = env.target
				env.stop = true
			}
		},
		ir.OpBranchFlags: func(env *opEnv, op *ir.Inst) {
			if ir.EvalCond(op.Cond, env.st.Flags) {
				env.branchTo = env.target
				env.stop = true
			}
		},
		ir.OpJump: func(env *opEnv, op *ir.Inst) {
			env.setReg(op.Rd, uint64(env.next))
			env.branchTo = env.target
			env.stop = true
		},
		ir.OpJumpInd: func(env *opEnv, op *ir.Inst) {
			t := env.reg(op.Rs1) + uint64(op.Imm)
			if op.Mem {
				v, err := env.mem.Read(core.GuestAddr(t), 8)
				if err != nil {
					env.fail(err)
					return
				}
				t = v
			}
			env.setReg(op.Rd, uint64(env.next))
			env.branchTo = core.GuestAddr(t)
			env.stop = true
		},
		ir.OpLoad: func(env *opEnv, op *ir.Inst) {
			v, err := env.mem.Read(core.GuestAddr(env.reg(op.Rs1)+uint64(op.Imm)), op.Size)
			if err != nil {
				env.fail(err)
				return
			}
			env.setReg(op.Rd, ir.ExtendLoad(v, op.Size, op.Signed, op.Word))
		},
		ir.OpStore: func(env *opEnv, op *ir.Inst) {
			v := env.reg(op.Rs2)
			if op.Rs2 == ir.RegDiscard {
				v = uint64(op.Imm2)
			}
			if err := env.mem.Write(core.GuestAddr(env.reg(op.Rs1)+uint64(op.Imm)), v, op.Size); err != nil {
				env.fail(err)
			}
		},
		ir.OpLoadAlu: func(env *opEnv, op *ir.Inst) {
			raw, err := env.mem.Read(core.GuestAddr(env.reg(op.Rs1)+uint64(op.Imm)), op.Size)
			if err != nil {
				env.fail(err)
				return
			}
			loaded := ir.ExtendLoad(raw, op.Size, op.Signed, op.Word)
			env.setReg(op.Rd, ir.EvalAlu(op.Alu, env.reg(op.Rs2), loaded, op.Word, op.Signed))
		},
		ir.OpFLoad: func(env *opEnv, op *ir.Inst) {
			v, err := env.mem.Read(core.GuestAddr(env.reg(op.Rs1)+uint64(op.Imm)), op.Size)
			if err != nil {
				env.fail(err)
				return
			}
			env.st.SetFReg(int(op.Rd), v)
		},
		ir.OpFStore: func(env *opEnv, op *ir.Inst) {
			if err := env.mem.Write(core.GuestAddr(env.reg(op.Rs1)+uint64(op.Imm)), env.st.FReg(int(op.Rs2)), op.Size); err != nil {
				env.fail(err)
			}
		},
		ir.OpMovToF: func(env *opEnv, op *ir.Inst) {
			env.st.SetFReg(int(op.Rd), env.reg(op.Rs1))
		},
		ir.OpMovFromF: func(env *opEnv, op *ir.Inst) {
			env.setReg(op.Rd, env.st.FReg(int(op.Rs1)))
		},
		ir.OpAtomicCAS: func(env *opEnv, op *ir.Inst) {
			addr := core.GuestAddr(env.reg(op.Rs1) + uint64(op.Imm))
			expected := env.reg(op.Rs2)
			old, _, err := env.mem.AtomicCAS(addr, expected, env.reg(op.Rs3), op.Size)
			if err != nil {
				env.fail(err)
				return
			}
			env.setReg(op.Rd, ir.ExtendLoad(old, op.Size, op.Signed, op.Word))
			env.st.Flags = ir.CompareFlags(expected, old, op.Word)
		},
		ir.OpAtomicLR: func(env *opEnv, op *ir.Inst) {
			v, err := env.mem.AtomicLR(core.GuestAddr(env.reg(op.Rs1)+uint64(op.Imm)), op.Size)
			if err != nil {
				env.fail(err)
				return
			}
			env.setReg(op.Rd, ir.ExtendLoad(v, op.Size, op.Signed, op.Word))
		},
		ir.OpAtomicSC: func(env *opEnv, op *ir.Inst) {
			ok, err := env.mem.AtomicSC(core.GuestAddr(env.reg(op.Rs1)+uint64(op.Imm)), env.reg(op.Rs2), op.Size)
			if err != nil {
				env.fail(err)
				return
			}
			if ok {
				env.setReg(op.Rd, 0)
			} else {
				env.setReg(op.Rd, 1)
			}
		},
		ir.OpAtomicRmw: func(env *opEnv, op *ir.Inst) {
			addr := core.GuestAddr(env.reg(op.Rs1) + uint64(op.Imm))
			src := env.reg(op.Rs2)
			if op.Rs2 == ir.RegDiscard {
				src = uint64(op.Imm2)
			}
			for {
				raw, err := env.mem.AtomicLR(addr, op.Size)
				if err != nil {
					env.fail(err)
					return
				}
				old := ir.ExtendLoad(raw, op.Size, op.Signed, op.Word)
				ok, err := env.mem.AtomicSC(addr, ir.EvalAlu(op.Alu, old, src, op.Word, op.Signed), op.Size)
				if err != nil {
					env.fail(err)
					return
				}
				if ok {
					env.setReg(op.Rd, old)
					return
				}
			}
		},
		ir.OpFence: func(env *opEnv, op *ir.Inst) {},
		ir.OpSyscall: func(env *opEnv, op *ir.Inst) {
			env.st.RaiseTrap(core.TrapCauseSyscall, uint64(op.Imm))
			env.stop = true
		},
		ir.OpTrap: func(env *opEnv, op *ir.Inst) {
			env.st.RaiseTrap(core.TrapCauseIllegalInstr, uint64(env.pc))
			env.stop = true
		},
		ir.OpHalt: func(env *opEnv, op *ir.Inst) {
			env.st.Halted = true
			env.stop = true
		},
	}
}
