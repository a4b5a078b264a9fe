package ir

import (
	"encoding/binary"

	"golang.org/x/arch/x86/x86asm"

	"github.com/colorfulnotion/tiervm/core"
)

// x86Decoder lowers 64-bit mode x86 through x86asm. The modeled subset
// covers the integer instructions compilers emit in hot code: MOV and the
// extending moves, LEA, the reg/imm/mem ALU forms, shifts, compares and
// tests, the full Jcc family over the flags word, CALL/RET/PUSH/POP with
// an explicit stack pointer, string-free loops (JRCXZ), locked
// read-modify-writes, CMPXCHG, SYSCALL/INT, HLT, UD2, and fences.
//
// x86 condition codes are folded onto the EQ/LTU/LTS flags word: CMP, SUB,
// and TEST produce exact flags; other arithmetic approximates with a
// result-against-zero compare, which covers the ZF/SF-style tests compiled
// code performs. Sign/overflow-only conditions (JS, JO, JP) are outside
// the subset.
type x86Decoder struct{}

func (x86Decoder) Arch() core.Arch { return core.ArchX8664 }

const regRAX = uint8(0)
const regRCX = uint8(1)
const regRSP = uint8(4)

func x86Raw(code []byte) uint64 {
	var b [8]byte
	copy(b[:], code)
	return binary.LittleEndian.Uint64(b[:])
}

// x86GPR maps an x86asm register onto a generic slot, returning the
// register's width in bytes. High-byte registers (AH..BH) do not map.
func x86GPR(r x86asm.Reg) (uint8, uint8, bool) {
	switch {
	case r >= x86asm.RAX && r <= x86asm.R15:
		return uint8(r - x86asm.RAX), 8, true
	case r >= x86asm.EAX && r <= x86asm.R15L:
		return uint8(r - x86asm.EAX), 4, true
	case r >= x86asm.AX && r <= x86asm.R15W:
		return uint8(r - x86asm.AX), 2, true
	case r >= x86asm.AL && r <= x86asm.BL:
		return uint8(r - x86asm.AL), 1, true
	case r >= x86asm.SPB && r <= x86asm.DIB:
		return uint8(r-x86asm.SPB) + 4, 1, true
	case r >= x86asm.R8B && r <= x86asm.R15B:
		return uint8(r-x86asm.R8B) + 8, 1, true
	}
	return 0, 0, false
}

// x86SimpleMem resolves a memory operand with no index register to a
// (base, displacement) pair. RIP-relative operands fold to an absolute
// displacement off the discard register.
func x86SimpleMem(m x86asm.Mem, pc core.GuestAddr, instLen int) (uint8, int64, bool) {
	if m.Segment != 0 || m.Index != 0 {
		return 0, 0, false
	}
	switch m.Base {
	case 0:
		return RegDiscard, m.Disp, true
	case x86asm.RIP:
		return RegDiscard, int64(pc) + int64(instLen) + m.Disp, true
	default:
		idx, width, ok := x86GPR(m.Base)
		if !ok || width != 8 {
			return 0, 0, false
		}
		return idx, m.Disp, true
	}
}

func (d x86Decoder) Decode(pc core.GuestAddr, code []byte) (Instruction, error) {
	x, err := x86asm.Decode(code, 64)
	if err != nil {
		return Instruction{}, invalid(pc, x86Raw(code), err)
	}
	raw := x86Raw(code)
	inst := Instruction{PC: pc, Size: uint8(x.Len)}

	switch x.Op {
	case x86asm.NOP:
		inst.Ops = []Inst{{Kind: OpNop}}

	case x86asm.HLT:
		inst.Class = ClassHalt
		inst.Ops = []Inst{{Kind: OpHalt}}

	case x86asm.UD2:
		inst.Class = ClassTrap
		inst.Ops = []Inst{{Kind: OpTrap}}

	case x86asm.SYSCALL:
		inst.Class = ClassSyscall
		inst.Ops = []Inst{{Kind: OpSyscall}}

	case x86asm.INT:
		imm, ok := x.Args[0].(x86asm.Imm)
		if !ok {
			return Instruction{}, invalid(pc, raw, nil)
		}
		inst.Class = ClassSyscall
		inst.Ops = []Inst{{Kind: OpSyscall, Imm: int64(imm)}}

	case x86asm.MFENCE, x86asm.LFENCE, x86asm.SFENCE:
		inst.Ops = []Inst{{Kind: OpFence}}

	case x86asm.MOV:
		return d.mov(pc, raw, &x)

	case x86asm.MOVZX, x86asm.MOVSX, x86asm.MOVSXD:
		return d.movExtend(pc, raw, &x)

	case x86asm.LEA:
		return d.lea(pc, raw, &x)

	case x86asm.ADD, x86asm.SUB, x86asm.AND, x86asm.OR, x86asm.XOR:
		return d.alu(pc, raw, &x)

	case x86asm.IMUL:
		return d.imul(pc, raw, &x)

	case x86asm.CMP:
		return d.cmp(pc, raw, &x)

	case x86asm.TEST:
		return d.test(pc, raw, &x)

	case x86asm.INC, x86asm.DEC, x86asm.NEG, x86asm.NOT:
		return d.unary(pc, raw, &x)

	case x86asm.SHL, x86asm.SHR, x86asm.SAR:
		return d.shift(pc, raw, &x)

	case x86asm.JMP:
		return d.jmp(pc, raw, &x)

	case x86asm.JE, x86asm.JNE, x86asm.JB, x86asm.JAE, x86asm.JBE,
		x86asm.JA, x86asm.JL, x86asm.JGE, x86asm.JLE, x86asm.JG:
		return d.jcc(pc, raw, &x)

	case x86asm.JRCXZ, x86asm.JECXZ:
		rel, ok := x.Args[0].(x86asm.Rel)
		if !ok {
			return Instruction{}, invalid(pc, raw, nil)
		}
		inst.Class = ClassBranch
		inst.Target = pc + core.GuestAddr(x.Len) + core.GuestAddr(int64(rel))
		inst.Ops = []Inst{{Kind: OpBranch, Cond: CondEQ, Rs1: regRCX, Rs2: RegDiscard,
			Word: x.Op == x86asm.JECXZ}}

	case x86asm.CALL:
		return d.call(pc, raw, &x)

	case x86asm.RET:
		pop := int64(8)
		if imm, ok := x.Args[0].(x86asm.Imm); ok {
			pop += int64(imm)
		}
		inst.Class = ClassJumpInd
		inst.Ops = []Inst{
			{Kind: OpAluImm, Alu: AluAdd, Rd: regRSP, Rs1: regRSP, Imm: pop},
			{Kind: OpJumpInd, Rd: RegDiscard, Rs1: regRSP, Imm: -pop, Mem: true, Size: 8},
		}

	case x86asm.PUSH:
		return d.push(pc, raw, &x)

	case x86asm.POP:
		return d.pop(pc, raw, &x)

	case x86asm.CMPXCHG:
		return d.cmpxchg(pc, raw, &x)

	case x86asm.XCHG, x86asm.XADD:
		return d.xchgAdd(pc, raw, &x)

	default:
		return Instruction{}, unmodeled(pc, raw)
	}
	return inst, nil
}

func (x86Decoder) mov(pc core.GuestAddr, raw uint64, x *x86asm.Inst) (Instruction, error) {
	inst := Instruction{PC: pc, Size: uint8(x.Len)}
	switch dst := x.Args[0].(type) {
	case x86asm.Reg:
		rd, width, ok := x86GPR(dst)
		if !ok || width < 4 {
			return Instruction{}, unmodeled(pc, raw) // sub-register merge
		}
		switch src := x.Args[1].(type) {
		case x86asm.Imm:
			v := int64(src)
			if width == 4 {
				v = int64(uint32(v))
			}
			inst.Ops = []Inst{{Kind: OpMovImm, Rd: rd, Imm: v}}
		case x86asm.Reg:
			rs, swidth, ok := x86GPR(src)
			if !ok || swidth != width {
				return Instruction{}, unmodeled(pc, raw)
			}
			inst.Ops = []Inst{{Kind: OpMovReg, Rd: rd, Rs1: rs, Word: width == 4}}
		case x86asm.Mem:
			base, disp, ok := x86SimpleMem(src, pc, x.Len)
			if !ok {
				return indexedLoad(pc, raw, x, rd, width)
			}
			inst.Ops = []Inst{{Kind: OpLoad, Rd: rd, Rs1: base, Imm: disp, Size: width}}
		default:
			return Instruction{}, unmodeled(pc, raw)
		}
	case x86asm.Mem:
		base, disp, ok := x86SimpleMem(dst, pc, x.Len)
		if !ok {
			return Instruction{}, unmodeled(pc, raw)
		}
		size := uint8(x.MemBytes)
		switch src := x.Args[1].(type) {
		case x86asm.Reg:
			rs, _, ok := x86GPR(src)
			if !ok {
				return Instruction{}, unmodeled(pc, raw)
			}
			inst.Ops = []Inst{{Kind: OpStore, Rs1: base, Rs2: rs, Imm: disp, Size: size}}
		case x86asm.Imm:
			inst.Ops = []Inst{{Kind: OpStore, Rs1: base, Rs2: RegDiscard, Imm: disp, Imm2: int64(src), Size: size}}
		default:
			return Instruction{}, unmodeled(pc, raw)
		}
	default:
		return Instruction{}, unmodeled(pc, raw)
	}
	return inst, nil
}

// indexedLoad lowers a load with a scaled index by building the address in
// the destination register, which is free as scratch.
func indexedLoad(pc core.GuestAddr, raw uint64, x *x86asm.Inst, rd, width uint8) (Instruction, error) {
	m, ok := x.Args[1].(x86asm.Mem)
	if !ok || m.Segment != 0 || m.Index == 0 || m.Base == x86asm.RIP {
		return Instruction{}, unmodeled(pc, raw)
	}
	idx, iw, ok := x86GPR(m.Index)
	if !ok || iw != 8 {
		return Instruction{}, unmodeled(pc, raw)
	}
	var base uint8 = RegDiscard
	if m.Base != 0 {
		b, bw, ok := x86GPR(m.Base)
		if !ok || bw != 8 {
			return Instruction{}, unmodeled(pc, raw)
		}
		base = b
	}
	if base != RegDiscard && rd == base {
		// rd doubles as the address scratch; a base it aliases would be
		// clobbered before the add.
		return Instruction{}, unmodeled(pc, raw)
	}
	var shift int64
	switch m.Scale {
	case 1:
		shift = 0
	case 2:
		shift = 1
	case 4:
		shift = 2
	case 8:
		shift = 3
	default:
		return Instruction{}, unmodeled(pc, raw)
	}
	ops := []Inst{{Kind: OpMovReg, Rd: rd, Rs1: idx}}
	if shift != 0 {
		ops = append(ops, Inst{Kind: OpAluImm, Alu: AluSll, Rd: rd, Rs1: rd, Imm: shift})
	}
	if base != RegDiscard {
		ops = append(ops, Inst{Kind: OpAlu, Alu: AluAdd, Rd: rd, Rs1: rd, Rs2: base})
	}
	ops = append(ops, Inst{Kind: OpLoad, Rd: rd, Rs1: rd, Imm: m.Disp, Size: width})
	return Instruction{PC: pc, Size: uint8(x.Len), Ops: ops}, nil
}

func (x86Decoder) movExtend(pc core.GuestAddr, raw uint64, x *x86asm.Inst) (Instruction, error) {
	rd, width, ok := x86GPR(regArg(x.Args[0]))
	if !ok || width < 4 {
		return Instruction{}, unmodeled(pc, raw)
	}
	signed := x.Op != x86asm.MOVZX
	switch src := x.Args[1].(type) {
	case x86asm.Mem:
		base, disp, ok := x86SimpleMem(src, pc, x.Len)
		if !ok {
			return Instruction{}, unmodeled(pc, raw)
		}
		return Instruction{PC: pc, Size: uint8(x.Len), Ops: []Inst{{
			Kind: OpLoad, Rd: rd, Rs1: base, Imm: disp,
			Size: uint8(x.MemBytes), Signed: signed, Word: signed && width == 4,
		}}}, nil
	case x86asm.Reg:
		if signed {
			return Instruction{}, unmodeled(pc, raw)
		}
		rs, swidth, ok := x86GPR(src)
		if !ok || swidth >= width {
			return Instruction{}, unmodeled(pc, raw)
		}
		mask := int64(0xFF)
		if swidth == 2 {
			mask = 0xFFFF
		}
		return Instruction{PC: pc, Size: uint8(x.Len), Ops: []Inst{
			{Kind: OpMovReg, Rd: rd, Rs1: rs},
			{Kind: OpAluImm, Alu: AluAnd, Rd: rd, Rs1: rd, Imm: mask},
		}}, nil
	}
	return Instruction{}, unmodeled(pc, raw)
}

func (x86Decoder) lea(pc core.GuestAddr, raw uint64, x *x86asm.Inst) (Instruction, error) {
	rd, width, ok := x86GPR(regArg(x.Args[0]))
	if !ok || width != 8 {
		return Instruction{}, unmodeled(pc, raw)
	}
	m, ok := x.Args[1].(x86asm.Mem)
	if !ok || m.Segment != 0 {
		return Instruction{}, unmodeled(pc, raw)
	}
	if m.Base == x86asm.RIP {
		return Instruction{PC: pc, Size: uint8(x.Len), Ops: []Inst{{
			Kind: OpMovImm, Rd: rd, Imm: int64(pc) + int64(x.Len) + m.Disp,
		}}}, nil
	}
	if m.Index == 0 {
		base, disp, ok := x86SimpleMem(m, pc, x.Len)
		if !ok {
			return Instruction{}, unmodeled(pc, raw)
		}
		if base == RegDiscard {
			return Instruction{PC: pc, Size: uint8(x.Len), Ops: []Inst{{Kind: OpMovImm, Rd: rd, Imm: disp}}}, nil
		}
		return Instruction{PC: pc, Size: uint8(x.Len), Ops: []Inst{{
			Kind: OpAluImm, Alu: AluAdd, Rd: rd, Rs1: base, Imm: disp,
		}}}, nil
	}
	// Indexed form: build the address in rd, then swap the trailing load
	// for the displacement add.
	out, err := indexedLoad(pc, raw, x, rd, 8)
	if err != nil {
		return Instruction{}, err
	}
	out.Ops[len(out.Ops)-1] = Inst{Kind: OpAluImm, Alu: AluAdd, Rd: rd, Rs1: rd, Imm: m.Disp}
	return out, nil
}

func x86AluOp(op x86asm.Op) AluOp {
	switch op {
	case x86asm.ADD:
		return AluAdd
	case x86asm.SUB:
		return AluSub
	case x86asm.AND:
		return AluAnd
	case x86asm.OR:
		return AluOr
	default:
		return AluXor
	}
}

func (x86Decoder) alu(pc core.GuestAddr, raw uint64, x *x86asm.Inst) (Instruction, error) {
	alu := x86AluOp(x.Op)
	inst := Instruction{PC: pc, Size: uint8(x.Len)}

	switch dst := x.Args[0].(type) {
	case x86asm.Reg:
		rd, width, ok := x86GPR(dst)
		if !ok || width < 4 {
			return Instruction{}, unmodeled(pc, raw)
		}
		word := width == 4
		switch src := x.Args[1].(type) {
		case x86asm.Imm:
			if x.Op == x86asm.SUB {
				inst.Ops = append(inst.Ops, Inst{Kind: OpCmpImm, Rs1: rd, Imm: int64(src), Word: word})
			}
			inst.Ops = append(inst.Ops, Inst{Kind: OpAluImm, Alu: alu, Rd: rd, Rs1: rd, Imm: int64(src), Word: word})
		case x86asm.Reg:
			rs, swidth, ok := x86GPR(src)
			if !ok || swidth != width {
				return Instruction{}, unmodeled(pc, raw)
			}
			if x.Op == x86asm.SUB {
				inst.Ops = append(inst.Ops, Inst{Kind: OpCmp, Rs1: rd, Rs2: rs, Word: word})
			}
			inst.Ops = append(inst.Ops, Inst{Kind: OpAlu, Alu: alu, Rd: rd, Rs1: rd, Rs2: rs, Word: word})
		case x86asm.Mem:
			base, disp, ok := x86SimpleMem(src, pc, x.Len)
			if !ok {
				return Instruction{}, unmodeled(pc, raw)
			}
			inst.Ops = append(inst.Ops, Inst{Kind: OpLoadAlu, Alu: alu, Rd: rd, Rs1: base, Rs2: rd, Imm: disp, Size: width, Word: word})
		default:
			return Instruction{}, unmodeled(pc, raw)
		}
		if x.Op != x86asm.SUB {
			inst.Ops = append(inst.Ops, Inst{Kind: OpCmpImm, Rs1: rd, Imm: 0, Word: word})
		}
		return inst, nil

	case x86asm.Mem:
		// Memory-destination arithmetic lowers to an atomic
		// read-modify-write whether or not LOCK is present; the extra
		// atomicity is benign.
		base, disp, ok := x86SimpleMem(dst, pc, x.Len)
		if !ok {
			return Instruction{}, unmodeled(pc, raw)
		}
		op := Inst{Kind: OpAtomicRmw, Alu: alu, Rd: RegDiscard, Rs1: base, Imm: disp, Size: uint8(x.MemBytes)}
		switch src := x.Args[1].(type) {
		case x86asm.Reg:
			rs, _, ok := x86GPR(src)
			if !ok {
				return Instruction{}, unmodeled(pc, raw)
			}
			op.Rs2 = rs
		case x86asm.Imm:
			op.Rs2 = RegDiscard
			op.Imm2 = int64(src)
		default:
			return Instruction{}, unmodeled(pc, raw)
		}
		inst.Ops = []Inst{op}
		return inst, nil
	}
	return Instruction{}, unmodeled(pc, raw)
}

func (x86Decoder) imul(pc core.GuestAddr, raw uint64, x *x86asm.Inst) (Instruction, error) {
	rd, width, ok := x86GPR(regArg(x.Args[0]))
	if !ok || width < 4 || x.Args[1] == nil {
		return Instruction{}, unmodeled(pc, raw) // one-operand widening form
	}
	word := width == 4
	if imm, ok3 := x.Args[2].(x86asm.Imm); ok3 {
		// Three-operand form: rd is free before the multiply.
		switch src := x.Args[1].(type) {
		case x86asm.Reg:
			rs, _, ok := x86GPR(src)
			if !ok {
				return Instruction{}, unmodeled(pc, raw)
			}
			return Instruction{PC: pc, Size: uint8(x.Len), Ops: []Inst{
				{Kind: OpMovReg, Rd: rd, Rs1: rs},
				{Kind: OpAluImm, Alu: AluMul, Rd: rd, Rs1: rd, Imm: int64(imm), Word: word},
				{Kind: OpCmpImm, Rs1: rd, Imm: 0, Word: word},
			}}, nil
		case x86asm.Mem:
			base, disp, ok := x86SimpleMem(src, pc, x.Len)
			if !ok {
				return Instruction{}, unmodeled(pc, raw)
			}
			return Instruction{PC: pc, Size: uint8(x.Len), Ops: []Inst{
				{Kind: OpLoad, Rd: rd, Rs1: base, Imm: disp, Size: width},
				{Kind: OpAluImm, Alu: AluMul, Rd: rd, Rs1: rd, Imm: int64(imm), Word: word},
				{Kind: OpCmpImm, Rs1: rd, Imm: 0, Word: word},
			}}, nil
		}
		return Instruction{}, unmodeled(pc, raw)
	}
	switch src := x.Args[1].(type) {
	case x86asm.Reg:
		rs, swidth, ok := x86GPR(src)
		if !ok || swidth != width {
			return Instruction{}, unmodeled(pc, raw)
		}
		return Instruction{PC: pc, Size: uint8(x.Len), Ops: []Inst{
			{Kind: OpAlu, Alu: AluMul, Rd: rd, Rs1: rd, Rs2: rs, Word: word},
			{Kind: OpCmpImm, Rs1: rd, Imm: 0, Word: word},
		}}, nil
	case x86asm.Mem:
		base, disp, ok := x86SimpleMem(src, pc, x.Len)
		if !ok {
			return Instruction{}, unmodeled(pc, raw)
		}
		return Instruction{PC: pc, Size: uint8(x.Len), Ops: []Inst{
			{Kind: OpLoadAlu, Alu: AluMul, Rd: rd, Rs1: base, Rs2: rd, Imm: disp, Size: width, Word: word},
			{Kind: OpCmpImm, Rs1: rd, Imm: 0, Word: word},
		}}, nil
	}
	return Instruction{}, unmodeled(pc, raw)
}

func (x86Decoder) cmp(pc core.GuestAddr, raw uint64, x *x86asm.Inst) (Instruction, error) {
	rd, width, ok := x86GPR(regArg(x.Args[0]))
	if !ok || width < 4 {
		return Instruction{}, unmodeled(pc, raw)
	}
	word := width == 4
	switch src := x.Args[1].(type) {
	case x86asm.Imm:
		return Instruction{PC: pc, Size: uint8(x.Len), Ops: []Inst{
			{Kind: OpCmpImm, Rs1: rd, Imm: int64(src), Word: word},
		}}, nil
	case x86asm.Reg:
		rs, swidth, ok := x86GPR(src)
		if !ok || swidth != width {
			return Instruction{}, unmodeled(pc, raw)
		}
		return Instruction{PC: pc, Size: uint8(x.Len), Ops: []Inst{
			{Kind: OpCmp, Rs1: rd, Rs2: rs, Word: word},
		}}, nil
	}
	return Instruction{}, unmodeled(pc, raw)
}

func (x86Decoder) test(pc core.GuestAddr, raw uint64, x *x86asm.Inst) (Instruction, error) {
	a, aw, ok1 := x86GPR(regArg(x.Args[0]))
	b, bw, ok2 := x86GPR(regArg(x.Args[1]))
	if !ok1 || !ok2 || a != b || aw != bw || aw < 4 {
		return Instruction{}, unmodeled(pc, raw)
	}
	// test r, r: flags are exactly r compared with zero.
	return Instruction{PC: pc, Size: uint8(x.Len), Ops: []Inst{
		{Kind: OpCmpImm, Rs1: a, Imm: 0, Word: aw == 4},
	}}, nil
}

func (x86Decoder) unary(pc core.GuestAddr, raw uint64, x *x86asm.Inst) (Instruction, error) {
	rd, width, ok := x86GPR(regArg(x.Args[0]))
	if !ok || width < 4 {
		return Instruction{}, unmodeled(pc, raw)
	}
	word := width == 4
	var ops []Inst
	switch x.Op {
	case x86asm.INC:
		ops = []Inst{{Kind: OpAluImm, Alu: AluAdd, Rd: rd, Rs1: rd, Imm: 1, Word: word}}
	case x86asm.DEC:
		ops = []Inst{{Kind: OpAluImm, Alu: AluAdd, Rd: rd, Rs1: rd, Imm: -1, Word: word}}
	case x86asm.NEG:
		ops = []Inst{{Kind: OpAlu, Alu: AluSub, Rd: rd, Rs1: RegDiscard, Rs2: rd, Word: word}}
	case x86asm.NOT:
		// NOT leaves the flags alone.
		return Instruction{PC: pc, Size: uint8(x.Len), Ops: []Inst{
			{Kind: OpAluImm, Alu: AluXor, Rd: rd, Rs1: rd, Imm: -1, Word: word},
		}}, nil
	}
	ops = append(ops, Inst{Kind: OpCmpImm, Rs1: rd, Imm: 0, Word: word})
	return Instruction{PC: pc, Size: uint8(x.Len), Ops: ops}, nil
}

func (x86Decoder) shift(pc core.GuestAddr, raw uint64, x *x86asm.Inst) (Instruction, error) {
	rd, width, ok := x86GPR(regArg(x.Args[0]))
	if !ok || width < 4 {
		return Instruction{}, unmodeled(pc, raw)
	}
	word := width == 4
	var alu AluOp
	switch x.Op {
	case x86asm.SHL:
		alu = AluSll
	case x86asm.SHR:
		alu = AluSrl
	default:
		alu = AluSra
	}
	var op Inst
	switch src := x.Args[1].(type) {
	case x86asm.Imm:
		op = Inst{Kind: OpAluImm, Alu: alu, Rd: rd, Rs1: rd, Imm: int64(src), Word: word}
	case x86asm.Reg:
		if src != x86asm.CL {
			return Instruction{}, unmodeled(pc, raw)
		}
		op = Inst{Kind: OpAlu, Alu: alu, Rd: rd, Rs1: rd, Rs2: regRCX, Word: word}
	default:
		return Instruction{}, unmodeled(pc, raw)
	}
	return Instruction{PC: pc, Size: uint8(x.Len), Ops: []Inst{
		op,
		{Kind: OpCmpImm, Rs1: rd, Imm: 0, Word: word},
	}}, nil
}

func (x86Decoder) jmp(pc core.GuestAddr, raw uint64, x *x86asm.Inst) (Instruction, error) {
	inst := Instruction{PC: pc, Size: uint8(x.Len)}
	switch t := x.Args[0].(type) {
	case x86asm.Rel:
		inst.Class = ClassJump
		inst.Target = pc + core.GuestAddr(x.Len) + core.GuestAddr(int64(t))
		inst.Ops = []Inst{{Kind: OpJump, Rd: RegDiscard}}
	case x86asm.Reg:
		rs, width, ok := x86GPR(t)
		if !ok || width != 8 {
			return Instruction{}, unmodeled(pc, raw)
		}
		inst.Class = ClassJumpInd
		inst.Ops = []Inst{{Kind: OpJumpInd, Rd: RegDiscard, Rs1: rs}}
	case x86asm.Mem:
		base, disp, ok := x86SimpleMem(t, pc, x.Len)
		if !ok {
			return Instruction{}, unmodeled(pc, raw)
		}
		inst.Class = ClassJumpInd
		inst.Ops = []Inst{{Kind: OpJumpInd, Rd: RegDiscard, Rs1: base, Imm: disp, Mem: true, Size: 8}}
	default:
		return Instruction{}, unmodeled(pc, raw)
	}
	return inst, nil
}

func (x86Decoder) jcc(pc core.GuestAddr, raw uint64, x *x86asm.Inst) (Instruction, error) {
	rel, ok := x.Args[0].(x86asm.Rel)
	if !ok {
		return Instruction{}, invalid(pc, raw, nil)
	}
	var cond Cond
	switch x.Op {
	case x86asm.JE:
		cond = CondEQ
	case x86asm.JNE:
		cond = CondNE
	case x86asm.JB:
		cond = CondLTU
	case x86asm.JAE:
		cond = CondGEU
	case x86asm.JBE:
		cond = CondLEU
	case x86asm.JA:
		cond = CondGTU
	case x86asm.JL:
		cond = CondLTS
	case x86asm.JGE:
		cond = CondGES
	case x86asm.JLE:
		cond = CondLES
	default:
		cond = CondGTS
	}
	return Instruction{
		PC: pc, Size: uint8(x.Len),
		Class:  ClassBranch,
		Target: pc + core.GuestAddr(x.Len) + core.GuestAddr(int64(rel)),
		Ops:    []Inst{{Kind: OpBranchFlags, Cond: cond}},
	}, nil
}

func (x86Decoder) call(pc core.GuestAddr, raw uint64, x *x86asm.Inst) (Instruction, error) {
	ret := int64(pc) + int64(x.Len)
	push := []Inst{
		{Kind: OpAluImm, Alu: AluAdd, Rd: regRSP, Rs1: regRSP, Imm: -8},
		{Kind: OpStore, Rs1: regRSP, Rs2: RegDiscard, Imm2: ret, Size: 8},
	}
	inst := Instruction{PC: pc, Size: uint8(x.Len)}
	switch t := x.Args[0].(type) {
	case x86asm.Rel:
		inst.Class = ClassJump
		inst.Target = core.GuestAddr(ret) + core.GuestAddr(int64(t))
		inst.Ops = append(push, Inst{Kind: OpJump, Rd: RegDiscard})
	case x86asm.Reg:
		rs, width, ok := x86GPR(t)
		if !ok || width != 8 || rs == regRSP {
			return Instruction{}, unmodeled(pc, raw)
		}
		inst.Class = ClassJumpInd
		inst.Ops = append(push, Inst{Kind: OpJumpInd, Rd: RegDiscard, Rs1: rs})
	case x86asm.Mem:
		base, disp, ok := x86SimpleMem(t, pc, x.Len)
		if !ok || base == regRSP {
			return Instruction{}, unmodeled(pc, raw)
		}
		inst.Class = ClassJumpInd
		inst.Ops = append(push, Inst{Kind: OpJumpInd, Rd: RegDiscard, Rs1: base, Imm: disp, Mem: true, Size: 8})
	default:
		return Instruction{}, unmodeled(pc, raw)
	}
	return inst, nil
}

func (x86Decoder) push(pc core.GuestAddr, raw uint64, x *x86asm.Inst) (Instruction, error) {
	sub := Inst{Kind: OpAluImm, Alu: AluAdd, Rd: regRSP, Rs1: regRSP, Imm: -8}
	switch t := x.Args[0].(type) {
	case x86asm.Reg:
		rs, width, ok := x86GPR(t)
		if !ok || width != 8 {
			return Instruction{}, unmodeled(pc, raw)
		}
		if rs == regRSP {
			// push rsp stores the pre-decrement value.
			return Instruction{PC: pc, Size: uint8(x.Len), Ops: []Inst{
				{Kind: OpStore, Rs1: regRSP, Rs2: regRSP, Imm: -8, Size: 8},
				sub,
			}}, nil
		}
		return Instruction{PC: pc, Size: uint8(x.Len), Ops: []Inst{
			sub,
			{Kind: OpStore, Rs1: regRSP, Rs2: rs, Size: 8},
		}}, nil
	case x86asm.Imm:
		return Instruction{PC: pc, Size: uint8(x.Len), Ops: []Inst{
			sub,
			{Kind: OpStore, Rs1: regRSP, Rs2: RegDiscard, Imm2: int64(t), Size: 8},
		}}, nil
	}
	return Instruction{}, unmodeled(pc, raw)
}

func (x86Decoder) pop(pc core.GuestAddr, raw uint64, x *x86asm.Inst) (Instruction, error) {
	rd, width, ok := x86GPR(regArg(x.Args[0]))
	if !ok || width != 8 || rd == regRSP {
		return Instruction{}, unmodeled(pc, raw)
	}
	return Instruction{PC: pc, Size: uint8(x.Len), Ops: []Inst{
		{Kind: OpLoad, Rd: rd, Rs1: regRSP, Size: 8},
		{Kind: OpAluImm, Alu: AluAdd, Rd: regRSP, Rs1: regRSP, Imm: 8},
	}}, nil
}

func (x86Decoder) cmpxchg(pc core.GuestAddr, raw uint64, x *x86asm.Inst) (Instruction, error) {
	m, ok := x.Args[0].(x86asm.Mem)
	if !ok {
		return Instruction{}, unmodeled(pc, raw)
	}
	base, disp, ok := x86SimpleMem(m, pc, x.Len)
	if !ok {
		return Instruction{}, unmodeled(pc, raw)
	}
	src, width, ok := x86GPR(regArg(x.Args[1]))
	if !ok || width < 4 {
		return Instruction{}, unmodeled(pc, raw)
	}
	// cmpxchg [m], r: RAX is both the expected value and the old-value
	// destination; FlagEQ reports a successful swap.
	return Instruction{PC: pc, Size: uint8(x.Len), Ops: []Inst{{
		Kind: OpAtomicCAS, Rd: regRAX, Rs1: base, Rs2: regRAX, Rs3: src,
		Imm: disp, Size: uint8(x.MemBytes),
	}}}, nil
}

func (x86Decoder) xchgAdd(pc core.GuestAddr, raw uint64, x *x86asm.Inst) (Instruction, error) {
	alu := AluSwap
	if x.Op == x86asm.XADD {
		alu = AluAdd
	}
	var m x86asm.Mem
	var reg x86asm.Reg
	switch a := x.Args[0].(type) {
	case x86asm.Mem:
		r, ok := x.Args[1].(x86asm.Reg)
		if !ok {
			return Instruction{}, unmodeled(pc, raw)
		}
		m, reg = a, r
	case x86asm.Reg:
		mm, ok := x.Args[1].(x86asm.Mem)
		if !ok {
			return Instruction{}, unmodeled(pc, raw) // xchg r, r
		}
		m, reg = mm, a
	default:
		return Instruction{}, unmodeled(pc, raw)
	}
	base, disp, ok := x86SimpleMem(m, pc, x.Len)
	if !ok {
		return Instruction{}, unmodeled(pc, raw)
	}
	rs, width, ok := x86GPR(reg)
	if !ok || width < 4 {
		return Instruction{}, unmodeled(pc, raw)
	}
	return Instruction{PC: pc, Size: uint8(x.Len), Ops: []Inst{{
		Kind: OpAtomicRmw, Alu: alu, Rd: rs, Rs1: base, Rs2: rs,
		Imm: disp, Size: uint8(x.MemBytes),
	}}}, nil
}

func regArg(a x86asm.Arg) x86asm.Reg {
	r, _ := a.(x86asm.Reg)
	return r
}
