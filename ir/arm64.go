package ir

import (
	"encoding/binary"
	"math/bits"

	"github.com/colorfulnotion/tiervm/core"
)

// arm64Decoder lowers the A64 base integer subset: move-wide, PC-relative
// address, add/sub and logical ops (immediate and unshifted register),
// bitmask immediates, multiply/divide, variable shifts, loads/stores
// (scaled, unscaled, pairs, acquire/release, exclusives), branches, and
// system calls. Vector and floating-point arithmetic are outside the
// subset; FMOV transfers and SIMD register loads/stores move raw bits.
//
// Register 31 is context dependent: SP in address forms, ZR elsewhere. SP
// maps to slot 31 of the generic file; ZR maps to the discard register.
type arm64Decoder struct{}

func (arm64Decoder) Arch() core.Arch { return core.ArchARM64 }

// a64Reg maps a register field where 31 means ZR.
func a64Reg(n uint32) uint8 {
	if n == 31 {
		return RegDiscard
	}
	return uint8(n)
}

// a64RegSP maps a register field where 31 means SP.
func a64RegSP(n uint32) uint8 { return uint8(n & 31) }

func a64Sext(v uint64, width uint) int64 {
	shift := 64 - width
	return int64(v<<shift) >> shift
}

func (d arm64Decoder) Decode(pc core.GuestAddr, code []byte) (Instruction, error) {
	if len(code) < 4 {
		return Instruction{}, invalid(pc, 0, nil)
	}
	enc := binary.LittleEndian.Uint32(code)
	raw := uint64(enc)
	inst := Instruction{PC: pc, Size: 4}

	switch {
	case enc == 0xD503201F: // NOP
		inst.Ops = []Inst{{Kind: OpNop}}

	case enc == 0xD503207F: // WFI
		inst.Class = ClassHalt
		inst.Ops = []Inst{{Kind: OpHalt}}

	case enc&0xFFFFF01F == 0xD503301F: // DMB, DSB, ISB
		inst.Ops = []Inst{{Kind: OpFence}}

	case enc&0xFFE0001F == 0xD4000001: // SVC #imm16
		inst.Class = ClassSyscall
		inst.Ops = []Inst{{Kind: OpSyscall, Imm: int64(enc >> 5 & 0xFFFF)}}

	case enc&0xFFE0001F == 0xD4200000: // BRK #imm16
		inst.Class = ClassTrap
		inst.Ops = []Inst{{Kind: OpTrap, Imm: int64(enc >> 5 & 0xFFFF)}}

	case enc&0xFFE0001F == 0xD4400000: // HLT #imm16
		inst.Class = ClassHalt
		inst.Ops = []Inst{{Kind: OpHalt}}

	case enc&0x7C000000 == 0x14000000: // B, BL
		inst.Class = ClassJump
		inst.Target = pc + core.GuestAddr(a64Sext(uint64(enc&0x03FFFFFF), 26)<<2)
		link := RegDiscard
		if enc>>31 == 1 {
			link = 30
		}
		inst.Ops = []Inst{{Kind: OpJump, Rd: link}}

	case enc&0xFE9FFC1F == 0xD61F0000: // BR, BLR, RET
		opc := enc >> 21 & 0x3
		if opc > 2 {
			return Instruction{}, invalid(pc, raw, nil)
		}
		link := RegDiscard
		if opc == 1 {
			link = 30
		}
		inst.Class = ClassJumpInd
		inst.Ops = []Inst{{Kind: OpJumpInd, Rd: link, Rs1: a64Reg(enc >> 5 & 31)}}

	case enc&0xFF000010 == 0x54000000: // B.cond
		return d.bcond(pc, raw, enc)

	case enc&0x7E000000 == 0x34000000: // CBZ, CBNZ
		cond := CondEQ
		if enc>>24&1 == 1 {
			cond = CondNE
		}
		inst.Class = ClassBranch
		inst.Target = pc + core.GuestAddr(a64Sext(uint64(enc>>5&0x7FFFF), 19)<<2)
		inst.Ops = []Inst{{
			Kind: OpBranch, Cond: cond,
			Rs1: a64Reg(enc & 31), Rs2: RegDiscard,
			Word: enc>>31 == 0,
		}}

	case enc&0x7E000000 == 0x36000000: // TBZ, TBNZ
		bit := enc>>31<<5 | enc>>19&0x1F
		cond := CondTstZ
		if enc>>24&1 == 1 {
			cond = CondTstNZ
		}
		inst.Class = ClassBranch
		inst.Target = pc + core.GuestAddr(a64Sext(uint64(enc>>5&0x3FFF), 14)<<2)
		inst.Ops = []Inst{{
			Kind: OpBranch, Cond: cond,
			Rs1: a64Reg(enc & 31), Rs2: RegDiscard,
			Imm: int64(1) << bit,
		}}

	case enc&0x1F000000 == 0x10000000: // ADR, ADRP
		imm := a64Sext(uint64(enc>>5&0x7FFFF)<<2|uint64(enc>>29&0x3), 21)
		rd := a64Reg(enc & 31)
		if enc>>31 == 1 {
			inst.Ops = []Inst{{Kind: OpMovImm, Rd: rd, Imm: (int64(pc) &^ 0xFFF) + imm<<12}}
		} else {
			inst.Ops = []Inst{{Kind: OpMovImm, Rd: rd, Imm: int64(pc) + imm}}
		}

	case enc&0x1F800000 == 0x12800000: // MOVN, MOVZ, MOVK
		return d.moveWide(pc, raw, enc)

	case enc&0x1F000000 == 0x11000000: // ADD/SUB immediate
		return d.addSubImm(pc, raw, enc)

	case enc&0x1F800000 == 0x12000000: // logical immediate
		return d.logicalImm(pc, raw, enc)

	case enc&0x1F200000 == 0x0B000000: // ADD/SUB shifted register
		return d.addSubReg(pc, raw, enc)

	case enc&0x1F000000 == 0x0A000000: // logical shifted register
		return d.logicalReg(pc, raw, enc)

	case enc&0x5FE00000 == 0x1B000000: // MADD family
		return d.mulAdd(pc, raw, enc)

	case enc&0x5FE00000 == 0x1AC00000: // SDIV, UDIV, LSLV, LSRV, ASRV
		return d.dataProc2(pc, raw, enc)

	case enc&0x3F000000 == 0x08000000: // exclusives, acquire/release
		return d.loadStoreExclusive(pc, raw, enc)

	case enc&0x3A000000 == 0x28000000: // LDP, STP
		return d.loadStorePair(pc, raw, enc)

	case enc&0x3B000000 == 0x39000000: // LDR/STR unsigned immediate
		return d.loadStoreImm(pc, raw, enc, true)

	case enc&0x3B200C00 == 0x38000000: // LDUR/STUR unscaled
		return d.loadStoreImm(pc, raw, enc, false)

	case enc&0xFFE0FC00 == 0x9E660000: // FMOV Xd, Dn
		inst.Ops = []Inst{{Kind: OpMovFromF, Rd: a64Reg(enc & 31), Rs1: uint8(enc >> 5 & 31)}}

	case enc&0xFFE0FC00 == 0x9E670000: // FMOV Dd, Xn
		inst.Ops = []Inst{{Kind: OpMovToF, Rd: uint8(enc & 31), Rs1: a64Reg(enc >> 5 & 31)}}

	default:
		return Instruction{}, unmodeled(pc, raw)
	}
	return inst, nil
}

func (arm64Decoder) bcond(pc core.GuestAddr, raw uint64, enc uint32) (Instruction, error) {
	inst := Instruction{PC: pc, Size: 4}
	target := pc + core.GuestAddr(a64Sext(uint64(enc>>5&0x7FFFF), 19)<<2)
	var cond Cond
	switch enc & 0xF {
	case 0x0:
		cond = CondEQ
	case 0x1:
		cond = CondNE
	case 0x2: // CS/HS
		cond = CondGEU
	case 0x3: // CC/LO
		cond = CondLTU
	case 0x8: // HI
		cond = CondGTU
	case 0x9: // LS
		cond = CondLEU
	case 0xA:
		cond = CondGES
	case 0xB:
		cond = CondLTS
	case 0xC:
		cond = CondGTS
	case 0xD:
		cond = CondLES
	case 0xE: // AL
		inst.Class = ClassJump
		inst.Target = target
		inst.Ops = []Inst{{Kind: OpJump, Rd: RegDiscard}}
		return inst, nil
	default:
		// MI/PL/VS/VC need N and V tracking the flags word does not carry.
		return Instruction{}, unmodeled(pc, raw)
	}
	inst.Class = ClassBranch
	inst.Target = target
	inst.Ops = []Inst{{Kind: OpBranchFlags, Cond: cond}}
	return inst, nil
}

func (arm64Decoder) moveWide(pc core.GuestAddr, raw uint64, enc uint32) (Instruction, error) {
	inst := Instruction{PC: pc, Size: 4}
	sf := enc >> 31
	opc := enc >> 29 & 0x3
	shift := uint(enc>>21&0x3) * 16
	if sf == 0 && shift > 16 {
		return Instruction{}, invalid(pc, raw, nil)
	}
	imm := uint64(enc>>5&0xFFFF) << shift
	rd := a64Reg(enc & 31)

	switch opc {
	case 0: // MOVN
		v := ^imm
		if sf == 0 {
			v &= 0xFFFFFFFF
		}
		inst.Ops = []Inst{{Kind: OpMovImm, Rd: rd, Imm: int64(v)}}
	case 2: // MOVZ
		inst.Ops = []Inst{{Kind: OpMovImm, Rd: rd, Imm: int64(imm)}}
	case 3: // MOVK keeps the untouched lanes
		mask := ^(uint64(0xFFFF) << shift)
		if sf == 0 {
			mask &= 0xFFFFFFFF
		}
		inst.Ops = []Inst{
			{Kind: OpAluImm, Alu: AluAnd, Rd: rd, Rs1: rd, Imm: int64(mask)},
			{Kind: OpAluImm, Alu: AluOr, Rd: rd, Rs1: rd, Imm: int64(imm)},
		}
	default:
		return Instruction{}, invalid(pc, raw, nil)
	}
	return inst, nil
}

func (arm64Decoder) addSubImm(pc core.GuestAddr, raw uint64, enc uint32) (Instruction, error) {
	inst := Instruction{PC: pc, Size: 4}
	sf := enc >> 31
	neg := enc>>30&1 == 1
	setFlags := enc>>29&1 == 1
	sh := enc >> 22 & 0x3
	if sh > 1 {
		return Instruction{}, invalid(pc, raw, nil)
	}
	imm := int64(enc>>10&0xFFF) << (12 * sh)
	rn := a64RegSP(enc >> 5 & 31)
	rd := a64RegSP(enc & 31)
	if setFlags {
		rd = a64Reg(enc & 31) // flag-setting forms write ZR, never SP
	}

	alu := AluAdd
	if neg {
		alu = AluSub
	}
	if setFlags {
		// The compare reads rn, so it must run before rd (which may alias
		// rn) is written. ADDS flags approximate via rn vs -imm.
		cmpImm := imm
		if !neg {
			cmpImm = -imm
		}
		inst.Ops = append(inst.Ops, Inst{Kind: OpCmpImm, Rs1: rn, Imm: cmpImm, Word: sf == 0})
	}
	inst.Ops = append(inst.Ops, Inst{Kind: OpAluImm, Alu: alu, Rd: rd, Rs1: rn, Imm: imm, Word: sf == 0})
	return inst, nil
}

// decodeBitMasks expands an A64 logical-immediate (N, immr, imms) triple
// into the replicated bit pattern it denotes.
func decodeBitMasks(n, immr, imms uint32, is64 bool) (uint64, bool) {
	length := 31 - bits.LeadingZeros32(n<<6|(^imms&0x3F))
	if length < 1 {
		return 0, false
	}
	size := uint(1) << uint(length)
	levels := uint32(size - 1)
	s := imms & levels
	r := uint(immr & levels)
	if s == levels {
		return 0, false
	}
	welem := (uint64(1) << (s + 1)) - 1
	w := welem>>r | welem<<(size-r)
	if size < 64 {
		w &= (uint64(1) << size) - 1
		for e := size; e < 64; e *= 2 {
			w |= w << e
		}
	}
	if !is64 {
		w &= 0xFFFFFFFF
	}
	return w, true
}

func (arm64Decoder) logicalImm(pc core.GuestAddr, raw uint64, enc uint32) (Instruction, error) {
	sf := enc >> 31
	opc := enc >> 29 & 0x3
	n := enc >> 22 & 1
	if sf == 0 && n == 1 {
		return Instruction{}, invalid(pc, raw, nil)
	}
	mask, ok := decodeBitMasks(n, enc>>16&0x3F, enc>>10&0x3F, sf == 1)
	if !ok {
		return Instruction{}, invalid(pc, raw, nil)
	}
	rn := a64Reg(enc >> 5 & 31)
	rd := a64RegSP(enc & 31)

	var alu AluOp
	switch opc {
	case 0:
		alu = AluAnd
	case 1:
		alu = AluOr
	case 2:
		alu = AluXor
	case 3: // ANDS
		alu = AluAnd
		rd = a64Reg(enc & 31)
		if rd == RegDiscard {
			// TST immediate: the masked result exists only in the flags.
			return Instruction{}, unmodeled(pc, raw)
		}
	}
	inst := Instruction{PC: pc, Size: 4}
	inst.Ops = []Inst{{Kind: OpAluImm, Alu: alu, Rd: rd, Rs1: rn, Imm: int64(mask), Word: sf == 0}}
	if opc == 3 {
		inst.Ops = append(inst.Ops, Inst{Kind: OpCmpImm, Rs1: rd, Imm: 0, Word: sf == 0})
	}
	return inst, nil
}

func (arm64Decoder) addSubReg(pc core.GuestAddr, raw uint64, enc uint32) (Instruction, error) {
	if enc>>10&0x3F != 0 || enc>>22&0x3 != 0 {
		// Shifted operands need a scratch register the IR does not have.
		return Instruction{}, unmodeled(pc, raw)
	}
	inst := Instruction{PC: pc, Size: 4}
	sf := enc >> 31
	neg := enc>>30&1 == 1
	setFlags := enc>>29&1 == 1
	rm := a64Reg(enc >> 16 & 31)
	rn := a64Reg(enc >> 5 & 31)
	rd := a64Reg(enc & 31)

	alu := AluAdd
	if neg {
		alu = AluSub
	}
	if setFlags {
		if !neg {
			return Instruction{}, unmodeled(pc, raw) // ADDS register
		}
		// SUBS/CMP: flags are exactly compare(rn, rm), read before any
		// aliasing write.
		inst.Ops = append(inst.Ops, Inst{Kind: OpCmp, Rs1: rn, Rs2: rm, Word: sf == 0})
	}
	inst.Ops = append(inst.Ops, Inst{Kind: OpAlu, Alu: alu, Rd: rd, Rs1: rn, Rs2: rm, Word: sf == 0})
	return inst, nil
}

func (arm64Decoder) logicalReg(pc core.GuestAddr, raw uint64, enc uint32) (Instruction, error) {
	if enc>>10&0x3F != 0 || enc>>21&1 == 1 {
		return Instruction{}, unmodeled(pc, raw)
	}
	inst := Instruction{PC: pc, Size: 4}
	sf := enc >> 31
	opc := enc >> 29 & 0x3
	rm := a64Reg(enc >> 16 & 31)
	rn := a64Reg(enc >> 5 & 31)
	rd := a64Reg(enc & 31)

	if opc == 1 && rn == RegDiscard {
		// ORR rd, zr, rm is the canonical register move.
		inst.Ops = []Inst{{Kind: OpMovReg, Rd: rd, Rs1: rm, Word: sf == 0}}
		return inst, nil
	}

	var alu AluOp
	switch opc {
	case 0:
		alu = AluAnd
	case 1:
		alu = AluOr
	case 2:
		alu = AluXor
	case 3: // ANDS
		alu = AluAnd
		if rd == RegDiscard {
			return Instruction{}, unmodeled(pc, raw) // TST register
		}
	}
	inst.Ops = []Inst{{Kind: OpAlu, Alu: alu, Rd: rd, Rs1: rn, Rs2: rm, Word: sf == 0}}
	if opc == 3 {
		inst.Ops = append(inst.Ops, Inst{Kind: OpCmpImm, Rs1: rd, Imm: 0, Word: sf == 0})
	}
	return inst, nil
}

func (arm64Decoder) mulAdd(pc core.GuestAddr, raw uint64, enc uint32) (Instruction, error) {
	if enc>>10&31 != 31 || enc>>15&1 != 0 {
		// MADD/MSUB with a live accumulator needs a scratch register.
		return Instruction{}, unmodeled(pc, raw)
	}
	return Instruction{PC: pc, Size: 4, Ops: []Inst{{
		Kind: OpAlu, Alu: AluMul,
		Rd:   a64Reg(enc & 31),
		Rs1:  a64Reg(enc >> 5 & 31),
		Rs2:  a64Reg(enc >> 16 & 31),
		Word: enc>>31 == 0,
	}}}, nil
}

func (arm64Decoder) dataProc2(pc core.GuestAddr, raw uint64, enc uint32) (Instruction, error) {
	var alu AluOp
	switch enc >> 10 & 0x3F {
	case 0x02:
		alu = AluDivU
	case 0x03:
		alu = AluDiv
	case 0x08:
		alu = AluSll // LSLV
	case 0x09:
		alu = AluSrl // LSRV
	case 0x0A:
		alu = AluSra // ASRV
	default:
		return Instruction{}, unmodeled(pc, raw)
	}
	return Instruction{PC: pc, Size: 4, Ops: []Inst{{
		Kind: OpAlu, Alu: alu,
		Rd:   a64Reg(enc & 31),
		Rs1:  a64Reg(enc >> 5 & 31),
		Rs2:  a64Reg(enc >> 16 & 31),
		Word: enc>>31 == 0,
	}}}, nil
}

func (arm64Decoder) loadStoreImm(pc core.GuestAddr, raw uint64, enc uint32, scaled bool) (Instruction, error) {
	if enc>>26&1 == 1 {
		return arm64SimdLoadStore(pc, raw, enc, scaled)
	}
	size := enc >> 30
	opc := enc >> 22 & 0x3
	rn := a64RegSP(enc >> 5 & 31)
	rt := enc & 31

	var imm int64
	if scaled {
		imm = int64(enc>>10&0xFFF) << size
	} else {
		imm = a64Sext(uint64(enc>>12&0x1FF), 9)
	}

	inst := Instruction{PC: pc, Size: 4}
	switch opc {
	case 0: // store
		inst.Ops = []Inst{{Kind: OpStore, Rs1: rn, Rs2: a64Reg(rt), Imm: imm, Size: 1 << size}}
	case 1: // zero-extending load
		inst.Ops = []Inst{{Kind: OpLoad, Rd: a64Reg(rt), Rs1: rn, Imm: imm, Size: 1 << size}}
	case 2: // sign-extend to 64 bits (size 3 is the prefetch space)
		if size == 3 {
			return Instruction{}, unmodeled(pc, raw)
		}
		inst.Ops = []Inst{{Kind: OpLoad, Rd: a64Reg(rt), Rs1: rn, Imm: imm, Size: 1 << size, Signed: true}}
	case 3: // sign-extend to 32 bits
		if size >= 2 {
			return Instruction{}, unmodeled(pc, raw)
		}
		inst.Ops = []Inst{{Kind: OpLoad, Rd: a64Reg(rt), Rs1: rn, Imm: imm, Size: 1 << size, Signed: true, Word: true}}
	}
	return inst, nil
}

func arm64SimdLoadStore(pc core.GuestAddr, raw uint64, enc uint32, scaled bool) (Instruction, error) {
	size := enc >> 30
	opc := enc >> 22 & 0x3
	if size < 2 || opc > 1 {
		return Instruction{}, unmodeled(pc, raw)
	}
	var imm int64
	if scaled {
		imm = int64(enc>>10&0xFFF) << size
	} else {
		imm = a64Sext(uint64(enc>>12&0x1FF), 9)
	}
	op := Inst{Rs1: a64RegSP(enc >> 5 & 31), Imm: imm, Size: 1 << size}
	if opc == 1 {
		op.Kind = OpFLoad
		op.Rd = uint8(enc & 31)
	} else {
		op.Kind = OpFStore
		op.Rs2 = uint8(enc & 31)
	}
	return Instruction{PC: pc, Size: 4, Ops: []Inst{op}}, nil
}

func (arm64Decoder) loadStorePair(pc core.GuestAddr, raw uint64, enc uint32) (Instruction, error) {
	if enc>>26&1 == 1 {
		return Instruction{}, unmodeled(pc, raw) // SIMD pairs
	}
	opc := enc >> 30
	if opc != 0 && opc != 2 {
		return Instruction{}, unmodeled(pc, raw)
	}
	mode := enc >> 23 & 0x3 // 1 post-index, 2 signed offset, 3 pre-index
	if mode == 0 {
		return Instruction{}, unmodeled(pc, raw) // no-allocate hints
	}
	size := uint8(4)
	scale := uint(2)
	if opc == 2 {
		size, scale = 8, 3
	}
	load := enc>>22&1 == 1
	imm := a64Sext(uint64(enc>>15&0x7F), 7) << scale
	rt2 := a64Reg(enc >> 10 & 31)
	rn := a64RegSP(enc >> 5 & 31)
	rt := a64Reg(enc & 31)

	off := imm
	if mode == 1 {
		off = 0
	}
	mk := func(reg uint8, disp int64) Inst {
		if load {
			return Inst{Kind: OpLoad, Rd: reg, Rs1: rn, Imm: disp, Size: size}
		}
		return Inst{Kind: OpStore, Rs1: rn, Rs2: reg, Imm: disp, Size: size}
	}
	ops := []Inst{mk(rt, off), mk(rt2, off+int64(size))}
	if mode != 2 {
		ops = append(ops, Inst{Kind: OpAluImm, Alu: AluAdd, Rd: rn, Rs1: rn, Imm: imm})
	}
	return Instruction{PC: pc, Size: 4, Ops: ops}, nil
}

func (arm64Decoder) loadStoreExclusive(pc core.GuestAddr, raw uint64, enc uint32) (Instruction, error) {
	size := enc >> 30
	if size < 2 {
		return Instruction{}, unmodeled(pc, raw)
	}
	width := uint8(4)
	if size == 3 {
		width = 8
	}
	ordered := enc>>23&1 == 1 // LDAR/STLR rather than exclusives
	load := enc>>22&1 == 1
	rs := a64Reg(enc >> 16 & 31)
	rn := a64RegSP(enc >> 5 & 31)
	rt := a64Reg(enc & 31)

	inst := Instruction{PC: pc, Size: 4}
	switch {
	case !ordered && load: // LDXR, LDAXR
		inst.Ops = []Inst{{Kind: OpAtomicLR, Rd: rt, Rs1: rn, Size: width}}
	case !ordered: // STXR, STLXR: rs gets 0 on success, 1 on failure
		inst.Ops = []Inst{{Kind: OpAtomicSC, Rd: rs, Rs1: rn, Rs2: rt, Size: width}}
	case load: // LDAR
		inst.Ops = []Inst{
			{Kind: OpLoad, Rd: rt, Rs1: rn, Size: width},
			{Kind: OpFence},
		}
	default: // STLR
		inst.Ops = []Inst{
			{Kind: OpFence},
			{Kind: OpStore, Rs1: rn, Rs2: rt, Size: width},
		}
	}
	return inst, nil
}
