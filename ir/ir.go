// Package ir defines the architecture-neutral intermediate representation
// produced by the guest decoders and consumed by the interpreter and both
// JIT tiers. A guest instruction lowers to one or more micro-ops; basic
// blocks of decoded instructions are the unit of caching and compilation.
package ir

// OpKind selects a micro-op's behavior.
type OpKind uint8

const (
	OpNop OpKind = iota

	// Register transfers.
	OpMovImm // rd = imm
	OpMovReg // rd = rs1

	// ALU. Word ops operate on the low 32 bits; the result zero-extends,
	// or sign-extends when Signed is set.
	OpAlu    // rd = alu(rs1, rs2)
	OpAluImm // rd = alu(rs1, imm)

	// Compares set the flags word (FlagEQ, FlagLTU, FlagLTS).
	OpCmp    // flags = compare(rs1, rs2)
	OpCmpImm // flags = compare(rs1, imm)

	// Control flow. Branch targets live in the enclosing Instruction.
	OpBranch      // fused compare-and-branch on (rs1, rs2|imm)
	OpBranchFlags // conditional branch on the flags word
	OpJump        // pc = target; rd = return address when linking
	OpJumpInd     // pc = rs1 + imm (or mem[rs1+imm] when Mem); rd = link

	// Memory. Loads zero-extend unless Signed.
	OpLoad    // rd = mem[rs1 + imm]
	OpStore   // mem[rs1 + imm] = rs2 (or imm2 when rs2 is discarded)
	OpLoadAlu // rd = alu(rs2, mem[rs1 + imm]); fused load-operate
	OpFLoad   // frd = mem[rs1 + imm]
	OpFStore  // mem[rs1 + imm] = frs2

	// Float register transfers, raw bits.
	OpMovToF   // f[rd] = rs1
	OpMovFromF // rd = f[rs1]

	// Atomics. CAS sets FlagEQ on a successful swap. SC writes 0 to rd on
	// success, 1 on failure.
	OpAtomicCAS // rd = old; if old == rs2 { mem[rs1+imm] = rs3 }
	OpAtomicLR  // rd = mem[rs1+imm], reserving the granule
	OpAtomicSC  // rd = mem[rs1+imm] <- rs2 conditional on the reservation
	OpAtomicRmw // rd = old; mem[rs1+imm] = alu(old, rs2 or imm2)

	OpFence   // ordering barrier; blocks fusion across it
	OpSyscall // guest environment call, imm carries the vector
	OpTrap    // illegal or explicit breakpoint trap
	OpHalt    // stop the vCPU
)

// AluOp selects the arithmetic for OpAlu, OpAluImm, and OpAtomicRmw.
type AluOp uint8

const (
	AluAdd AluOp = iota
	AluSub
	AluAnd
	AluOr
	AluXor
	AluSll
	AluSrl
	AluSra
	AluMul
	AluMulH   // high 64 bits of signed*signed
	AluMulHU  // high 64 bits of unsigned*unsigned
	AluMulHSU // high 64 bits of signed*unsigned
	AluDiv
	AluDivU
	AluRem
	AluRemU
	AluSlt  // rd = rs1 <s rs2 ? 1 : 0
	AluSltU // rd = rs1 <u rs2 ? 1 : 0
	AluSwap // rmw only: new value is rs2
	AluMin
	AluMinU
	AluMax
	AluMaxU
)

// Cond selects the comparison for branches. The Tst conditions test
// rs1 & operand2 against zero (bit-test branches).
type Cond uint8

const (
	CondEQ Cond = iota
	CondNE
	CondLTU
	CondGEU
	CondLTS
	CondGES
	CondLEU
	CondGTU
	CondLES
	CondGTS
	CondTstZ
	CondTstNZ
)

// RegDiscard as a destination discards the write; as a source it reads as
// zero. OpBranch compares against Imm when Rs2 is discarded, and OpStore
// stores Imm2 when Rs2 is discarded.
const RegDiscard = uint8(0xFF)

// Inst is one micro-op.
type Inst struct {
	Kind OpKind
	Alu  AluOp
	Cond Cond

	Rd  uint8
	Rs1 uint8
	Rs2 uint8
	Rs3 uint8

	Imm  int64
	Imm2 int64 // store-immediate value

	Size   uint8 // memory access width in bytes
	Signed bool  // sign-extend the load, or the 32-bit ALU result
	Word   bool  // 32-bit operation; result extended per Signed
	Mem    bool  // OpJumpInd: target loaded from memory
}

func (op OpKind) String() string {
	switch op {
	case OpNop:
		return "nop"
	case OpMovImm:
		return "movimm"
	case OpMovReg:
		return "movreg"
	case OpAlu:
		return "alu"
	case OpAluImm:
		return "aluimm"
	case OpCmp:
		return "cmp"
	case OpCmpImm:
		return "cmpimm"
	case OpBranch:
		return "branch"
	case OpBranchFlags:
		return "branchflags"
	case OpJump:
		return "jump"
	case OpJumpInd:
		return "jumpind"
	case OpLoad:
		return "load"
	case OpStore:
		return "store"
	case OpLoadAlu:
		return "loadalu"
	case OpFLoad:
		return "fload"
	case OpFStore:
		return "fstore"
	case OpMovToF:
		return "movtof"
	case OpMovFromF:
		return "movfromf"
	case OpAtomicCAS:
		return "cas"
	case OpAtomicLR:
		return "lr"
	case OpAtomicSC:
		return "sc"
	case OpAtomicRmw:
		return "amo"
	case OpFence:
		return "fence"
	case OpSyscall:
		return "syscall"
	case OpTrap:
		return "trap"
	case OpHalt:
		return "halt"
	default:
		return "unknown"
	}
}
