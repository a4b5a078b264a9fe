package ir

import (
	"encoding/binary"

	"github.com/colorfulnotion/tiervm/core"
)

// riscvDecoder lowers RV64IMA plus the F/D load/store/transfer forms.
// Compressed (RVC) encodings and CSR instructions are outside the modeled
// subset. x0 lowers to the discard register, which reads as zero and
// swallows writes, so the generic register file needs no hardwired slot.
type riscvDecoder struct{}

func (riscvDecoder) Arch() core.Arch { return core.ArchRiscV64 }

func rvReg(n uint32) uint8 {
	if n == 0 {
		return RegDiscard
	}
	return uint8(n)
}

func rvImmI(enc uint32) int64 { return int64(int32(enc)) >> 20 }

func rvImmS(enc uint32) int64 {
	return (int64(int32(enc&0xFE000000)) >> 20) | int64((enc>>7)&0x1F)
}

func rvImmB(enc uint32) int64 {
	imm := (enc>>31)<<12 | (enc>>7&0x1)<<11 | (enc>>25&0x3F)<<5 | (enc >> 8 & 0xF << 1)
	return int64(int32(imm<<19)) >> 19
}

func rvImmU(enc uint32) int64 { return int64(int32(enc & 0xFFFFF000)) }

func rvImmJ(enc uint32) int64 {
	imm := (enc>>31)<<20 | (enc>>12&0xFF)<<12 | (enc>>20&0x1)<<11 | (enc >> 21 & 0x3FF << 1)
	return int64(int32(imm<<11)) >> 11
}

func (d riscvDecoder) Decode(pc core.GuestAddr, code []byte) (Instruction, error) {
	if len(code) < 2 {
		return Instruction{}, invalid(pc, 0, nil)
	}
	if code[0]&0x3 != 0x3 {
		// Compressed encoding.
		return Instruction{}, unmodeled(pc, uint64(binary.LittleEndian.Uint16(code)))
	}
	if len(code) < 4 {
		return Instruction{}, invalid(pc, uint64(binary.LittleEndian.Uint16(code)), nil)
	}
	enc := binary.LittleEndian.Uint32(code)
	raw := uint64(enc)

	inst := Instruction{PC: pc, Size: 4}
	opcode := enc & 0x7F
	rd := rvReg(enc >> 7 & 0x1F)
	funct3 := enc >> 12 & 0x7
	rs1 := rvReg(enc >> 15 & 0x1F)
	rs2 := rvReg(enc >> 20 & 0x1F)
	funct7 := enc >> 25

	switch opcode {
	case 0x37: // LUI
		inst.Ops = []Inst{{Kind: OpMovImm, Rd: rd, Imm: rvImmU(enc)}}

	case 0x17: // AUIPC
		inst.Ops = []Inst{{Kind: OpMovImm, Rd: rd, Imm: int64(pc) + rvImmU(enc)}}

	case 0x6F: // JAL
		inst.Class = ClassJump
		inst.Target = pc + core.GuestAddr(rvImmJ(enc))
		inst.Ops = []Inst{{Kind: OpJump, Rd: rd}}

	case 0x67: // JALR
		if funct3 != 0 {
			return Instruction{}, invalid(pc, raw, nil)
		}
		inst.Class = ClassJumpInd
		inst.Ops = []Inst{{Kind: OpJumpInd, Rd: rd, Rs1: rs1, Imm: rvImmI(enc)}}

	case 0x63: // conditional branches
		cond, ok := map[uint32]Cond{0: CondEQ, 1: CondNE, 4: CondLTS, 5: CondGES, 6: CondLTU, 7: CondGEU}[funct3]
		if !ok {
			return Instruction{}, invalid(pc, raw, nil)
		}
		inst.Class = ClassBranch
		inst.Target = pc + core.GuestAddr(rvImmB(enc))
		inst.Ops = []Inst{{Kind: OpBranch, Cond: cond, Rs1: rs1, Rs2: rs2}}

	case 0x03: // loads
		var size uint8
		var signed bool
		switch funct3 {
		case 0:
			size, signed = 1, true
		case 1:
			size, signed = 2, true
		case 2:
			size, signed = 4, true
		case 3:
			size, signed = 8, false
		case 4:
			size, signed = 1, false
		case 5:
			size, signed = 2, false
		case 6:
			size, signed = 4, false
		default:
			return Instruction{}, invalid(pc, raw, nil)
		}
		inst.Ops = []Inst{{Kind: OpLoad, Rd: rd, Rs1: rs1, Imm: rvImmI(enc), Size: size, Signed: signed}}

	case 0x23: // stores
		if funct3 > 3 {
			return Instruction{}, invalid(pc, raw, nil)
		}
		inst.Ops = []Inst{{Kind: OpStore, Rs1: rs1, Rs2: rs2, Imm: rvImmS(enc), Size: 1 << funct3}}

	case 0x13: // OP-IMM
		op, err := d.opImm(pc, raw, funct3, enc)
		if err != nil {
			return Instruction{}, err
		}
		op.Rd, op.Rs1 = rd, rs1
		inst.Ops = []Inst{op}

	case 0x1B: // OP-IMM-32
		op, err := d.opImm32(pc, raw, funct3, enc)
		if err != nil {
			return Instruction{}, err
		}
		op.Rd, op.Rs1 = rd, rs1
		inst.Ops = []Inst{op}

	case 0x33: // OP
		alu, ok := rvAlu(funct3, funct7)
		if !ok {
			return Instruction{}, invalid(pc, raw, nil)
		}
		inst.Ops = []Inst{{Kind: OpAlu, Alu: alu, Rd: rd, Rs1: rs1, Rs2: rs2}}

	case 0x3B: // OP-32
		alu, ok := rvAlu32(funct3, funct7)
		if !ok {
			return Instruction{}, invalid(pc, raw, nil)
		}
		inst.Ops = []Inst{{Kind: OpAlu, Alu: alu, Rd: rd, Rs1: rs1, Rs2: rs2, Word: true, Signed: true}}

	case 0x0F: // FENCE, FENCE.I
		inst.Ops = []Inst{{Kind: OpFence, Imm: int64(funct3)}}

	case 0x73: // SYSTEM
		if funct3 != 0 {
			// CSR space.
			return Instruction{}, unmodeled(pc, raw)
		}
		switch enc >> 20 {
		case 0: // ECALL
			inst.Class = ClassSyscall
			inst.Ops = []Inst{{Kind: OpSyscall}}
		case 1: // EBREAK
			inst.Class = ClassHalt
			inst.Ops = []Inst{{Kind: OpHalt}}
		default:
			return Instruction{}, unmodeled(pc, raw)
		}

	case 0x2F: // AMO
		op, class, err := d.amo(pc, raw, funct3, funct7, rd, rs1, rs2)
		if err != nil {
			return Instruction{}, err
		}
		inst.Class = class
		inst.Ops = []Inst{op}

	case 0x07: // FLW, FLD
		size, ok := map[uint32]uint8{2: 4, 3: 8}[funct3]
		if !ok {
			return Instruction{}, unmodeled(pc, raw)
		}
		inst.Ops = []Inst{{Kind: OpFLoad, Rd: uint8(enc >> 7 & 0x1F), Rs1: rs1, Imm: rvImmI(enc), Size: size}}

	case 0x27: // FSW, FSD
		size, ok := map[uint32]uint8{2: 4, 3: 8}[funct3]
		if !ok {
			return Instruction{}, unmodeled(pc, raw)
		}
		inst.Ops = []Inst{{Kind: OpFStore, Rs1: rs1, Rs2: uint8(enc >> 20 & 0x1F), Imm: rvImmS(enc), Size: size}}

	case 0x53: // OP-FP: only the integer<->float transfers are modeled
		switch funct7 {
		case 0x78: // FMV.D.X
			inst.Ops = []Inst{{Kind: OpMovToF, Rd: uint8(enc >> 7 & 0x1F), Rs1: rs1}}
		case 0x71: // FMV.X.D
			inst.Ops = []Inst{{Kind: OpMovFromF, Rd: rd, Rs1: uint8(enc >> 15 & 0x1F)}}
		default:
			return Instruction{}, unmodeled(pc, raw)
		}

	default:
		return Instruction{}, invalid(pc, raw, nil)
	}
	return inst, nil
}

func (riscvDecoder) opImm(pc core.GuestAddr, raw uint64, funct3, enc uint32) (Inst, error) {
	imm := rvImmI(enc)
	shamt := int64(enc >> 20 & 0x3F)
	switch funct3 {
	case 0:
		return Inst{Kind: OpAluImm, Alu: AluAdd, Imm: imm}, nil
	case 1:
		if enc>>26 != 0 {
			return Inst{}, invalid(pc, raw, nil)
		}
		return Inst{Kind: OpAluImm, Alu: AluSll, Imm: shamt}, nil
	case 2:
		return Inst{Kind: OpAluImm, Alu: AluSlt, Imm: imm}, nil
	case 3:
		return Inst{Kind: OpAluImm, Alu: AluSltU, Imm: imm}, nil
	case 4:
		return Inst{Kind: OpAluImm, Alu: AluXor, Imm: imm}, nil
	case 5:
		switch enc >> 26 {
		case 0x00:
			return Inst{Kind: OpAluImm, Alu: AluSrl, Imm: shamt}, nil
		case 0x10:
			return Inst{Kind: OpAluImm, Alu: AluSra, Imm: shamt}, nil
		}
		return Inst{}, invalid(pc, raw, nil)
	case 6:
		return Inst{Kind: OpAluImm, Alu: AluOr, Imm: imm}, nil
	case 7:
		return Inst{Kind: OpAluImm, Alu: AluAnd, Imm: imm}, nil
	}
	return Inst{}, invalid(pc, raw, nil)
}

func (riscvDecoder) opImm32(pc core.GuestAddr, raw uint64, funct3, enc uint32) (Inst, error) {
	shamt := int64(enc >> 20 & 0x1F)
	switch funct3 {
	case 0:
		return Inst{Kind: OpAluImm, Alu: AluAdd, Imm: rvImmI(enc), Word: true, Signed: true}, nil
	case 1:
		if enc>>25 != 0 {
			return Inst{}, invalid(pc, raw, nil)
		}
		return Inst{Kind: OpAluImm, Alu: AluSll, Imm: shamt, Word: true, Signed: true}, nil
	case 5:
		switch enc >> 25 {
		case 0x00:
			return Inst{Kind: OpAluImm, Alu: AluSrl, Imm: shamt, Word: true, Signed: true}, nil
		case 0x20:
			return Inst{Kind: OpAluImm, Alu: AluSra, Imm: shamt, Word: true, Signed: true}, nil
		}
	}
	return Inst{}, invalid(pc, raw, nil)
}

func rvAlu(funct3, funct7 uint32) (AluOp, bool) {
	switch funct7 {
	case 0x00:
		switch funct3 {
		case 0:
			return AluAdd, true
		case 1:
			return AluSll, true
		case 2:
			return AluSlt, true
		case 3:
			return AluSltU, true
		case 4:
			return AluXor, true
		case 5:
			return AluSrl, true
		case 6:
			return AluOr, true
		case 7:
			return AluAnd, true
		}
	case 0x20:
		switch funct3 {
		case 0:
			return AluSub, true
		case 5:
			return AluSra, true
		}
	case 0x01: // M extension
		switch funct3 {
		case 0:
			return AluMul, true
		case 1:
			return AluMulH, true
		case 2:
			return AluMulHSU, true
		case 3:
			return AluMulHU, true
		case 4:
			return AluDiv, true
		case 5:
			return AluDivU, true
		case 6:
			return AluRem, true
		case 7:
			return AluRemU, true
		}
	}
	return 0, false
}

func rvAlu32(funct3, funct7 uint32) (AluOp, bool) {
	switch funct7 {
	case 0x00:
		switch funct3 {
		case 0:
			return AluAdd, true
		case 1:
			return AluSll, true
		case 5:
			return AluSrl, true
		}
	case 0x20:
		switch funct3 {
		case 0:
			return AluSub, true
		case 5:
			return AluSra, true
		}
	case 0x01:
		switch funct3 {
		case 0:
			return AluMul, true
		case 4:
			return AluDiv, true
		case 5:
			return AluDivU, true
		case 6:
			return AluRem, true
		case 7:
			return AluRemU, true
		}
	}
	return 0, false
}

func (riscvDecoder) amo(pc core.GuestAddr, raw uint64, funct3, funct7 uint32, rd, rs1, rs2 uint8) (Inst, Class, error) {
	var size uint8
	var word bool
	switch funct3 {
	case 2:
		size, word = 4, true
	case 3:
		size, word = 8, false
	default:
		return Inst{}, ClassPlain, invalid(pc, raw, nil)
	}
	funct5 := funct7 >> 2
	switch funct5 {
	case 0x02: // LR
		if rs2 != RegDiscard {
			return Inst{}, ClassPlain, invalid(pc, raw, nil)
		}
		return Inst{Kind: OpAtomicLR, Rd: rd, Rs1: rs1, Size: size, Signed: word, Word: word}, ClassPlain, nil
	case 0x03: // SC
		return Inst{Kind: OpAtomicSC, Rd: rd, Rs1: rs1, Rs2: rs2, Size: size}, ClassPlain, nil
	}
	alu, ok := map[uint32]AluOp{
		0x01: AluSwap,
		0x00: AluAdd,
		0x04: AluXor,
		0x0C: AluAnd,
		0x08: AluOr,
		0x10: AluMin,
		0x14: AluMax,
		0x18: AluMinU,
		0x1C: AluMaxU,
	}[funct5]
	if !ok {
		return Inst{}, ClassPlain, invalid(pc, raw, nil)
	}
	return Inst{Kind: OpAtomicRmw, Alu: alu, Rd: rd, Rs1: rs1, Rs2: rs2, Size: size, Signed: word, Word: word}, ClassPlain, nil
}
