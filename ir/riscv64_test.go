package ir

import (
	"encoding/binary"
	"errors"
	"testing"

	"github.com/colorfulnotion/tiervm/core"
	"github.com/colorfulnotion/tiervm/vmerrors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rvDecode(t *testing.T, pc core.GuestAddr, enc uint32) Instruction {
	t.Helper()
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], enc)
	inst, err := riscvDecoder{}.Decode(pc, b[:])
	require.NoError(t, err, "enc 0x%08x", enc)
	assert.Equal(t, uint8(4), inst.Size)
	return inst
}

func TestRiscvAddi(t *testing.T) {
	// addi x1, x2, 42
	inst := rvDecode(t, 0x1000, 0x02A10093)
	require.Len(t, inst.Ops, 1)
	op := inst.Ops[0]
	assert.Equal(t, OpAluImm, op.Kind)
	assert.Equal(t, AluAdd, op.Alu)
	assert.Equal(t, uint8(1), op.Rd)
	assert.Equal(t, uint8(2), op.Rs1)
	assert.Equal(t, int64(42), op.Imm)
	assert.False(t, op.Word)
	assert.Equal(t, ClassPlain, inst.Class)
}

func TestRiscvAddiNegative(t *testing.T) {
	// addi x1, x1, -1
	inst := rvDecode(t, 0, 0xFFF08093)
	assert.Equal(t, int64(-1), inst.Ops[0].Imm)
}

func TestRiscvX0Discard(t *testing.T) {
	// addi x0, x0, 0 (canonical nop)
	inst := rvDecode(t, 0, 0x00000013)
	op := inst.Ops[0]
	assert.Equal(t, RegDiscard, op.Rd)
	assert.Equal(t, RegDiscard, op.Rs1)
}

func TestRiscvAdd(t *testing.T) {
	// add x3, x1, x2
	inst := rvDecode(t, 0, 0x002081B3)
	op := inst.Ops[0]
	assert.Equal(t, OpAlu, op.Kind)
	assert.Equal(t, AluAdd, op.Alu)
	assert.Equal(t, uint8(3), op.Rd)
	assert.Equal(t, uint8(1), op.Rs1)
	assert.Equal(t, uint8(2), op.Rs2)
}

func TestRiscvMul(t *testing.T) {
	// mul x1, x2, x3
	inst := rvDecode(t, 0, 0x023100B3)
	assert.Equal(t, AluMul, inst.Ops[0].Alu)
}

func TestRiscvAddw(t *testing.T) {
	// addw x1, x2, x3
	inst := rvDecode(t, 0, 0x003100BB)
	op := inst.Ops[0]
	assert.Equal(t, AluAdd, op.Alu)
	assert.True(t, op.Word)
	assert.True(t, op.Signed, "RV64 word results sign-extend")
}

func TestRiscvSrai(t *testing.T) {
	// srai x1, x2, 4
	inst := rvDecode(t, 0, 0x40415093)
	op := inst.Ops[0]
	assert.Equal(t, AluSra, op.Alu)
	assert.Equal(t, int64(4), op.Imm)
}

func TestRiscvLui(t *testing.T) {
	// lui x5, 0x12345
	inst := rvDecode(t, 0, 0x123452B7)
	op := inst.Ops[0]
	assert.Equal(t, OpMovImm, op.Kind)
	assert.Equal(t, int64(0x12345000), op.Imm)
}

func TestRiscvAuipc(t *testing.T) {
	// auipc x5, 0x1
	inst := rvDecode(t, 0x8000, 0x00001297)
	assert.Equal(t, int64(0x8000+0x1000), inst.Ops[0].Imm)
}

func TestRiscvLoadStore(t *testing.T) {
	// ld x4, 16(x2)
	inst := rvDecode(t, 0, 0x01013203)
	op := inst.Ops[0]
	assert.Equal(t, OpLoad, op.Kind)
	assert.Equal(t, uint8(8), op.Size)
	assert.Equal(t, int64(16), op.Imm)
	assert.False(t, op.Signed)

	// lw x4, 0(x2): sign-extending 32-bit load
	inst = rvDecode(t, 0, 0x00012203)
	assert.True(t, inst.Ops[0].Signed)
	assert.Equal(t, uint8(4), inst.Ops[0].Size)

	// sd x4, 24(x2)
	inst = rvDecode(t, 0, 0x00413C23)
	op = inst.Ops[0]
	assert.Equal(t, OpStore, op.Kind)
	assert.Equal(t, int64(24), op.Imm)
	assert.Equal(t, uint8(8), op.Size)
}

func TestRiscvBranch(t *testing.T) {
	// beq x1, x2, +8
	inst := rvDecode(t, 0x2000, 0x00208463)
	assert.Equal(t, ClassBranch, inst.Class)
	assert.Equal(t, core.GuestAddr(0x2008), inst.Target)
	op := inst.Ops[0]
	assert.Equal(t, OpBranch, op.Kind)
	assert.Equal(t, CondEQ, op.Cond)
	assert.Equal(t, core.GuestAddr(0x2004), inst.NextPC())
}

func TestRiscvJal(t *testing.T) {
	// jal x1, +16
	inst := rvDecode(t, 0x3000, 0x010000EF)
	assert.Equal(t, ClassJump, inst.Class)
	assert.Equal(t, core.GuestAddr(0x3010), inst.Target)
	assert.Equal(t, uint8(1), inst.Ops[0].Rd)
}

func TestRiscvJalrRet(t *testing.T) {
	// jalr x0, 0(x1)
	inst := rvDecode(t, 0, 0x00008067)
	assert.Equal(t, ClassJumpInd, inst.Class)
	op := inst.Ops[0]
	assert.Equal(t, RegDiscard, op.Rd)
	assert.Equal(t, uint8(1), op.Rs1)
}

func TestRiscvSystem(t *testing.T) {
	ecall := rvDecode(t, 0, 0x00000073)
	assert.Equal(t, ClassSyscall, ecall.Class)

	ebreak := rvDecode(t, 0, 0x00100073)
	assert.Equal(t, ClassHalt, ebreak.Class)
}

func TestRiscvAtomics(t *testing.T) {
	// lr.d x2, (x3)
	inst := rvDecode(t, 0, 0x1001B12F)
	op := inst.Ops[0]
	assert.Equal(t, OpAtomicLR, op.Kind)
	assert.Equal(t, uint8(2), op.Rd)
	assert.Equal(t, uint8(3), op.Rs1)
	assert.Equal(t, uint8(8), op.Size)

	// sc.d x4, x2, (x3)
	inst = rvDecode(t, 0, 0x1821B22F)
	op = inst.Ops[0]
	assert.Equal(t, OpAtomicSC, op.Kind)
	assert.Equal(t, uint8(4), op.Rd)
	assert.Equal(t, uint8(2), op.Rs2)

	// amoadd.w x5, x6, (x7)
	inst = rvDecode(t, 0, 0x0063A2AF)
	op = inst.Ops[0]
	assert.Equal(t, OpAtomicRmw, op.Kind)
	assert.Equal(t, AluAdd, op.Alu)
	assert.Equal(t, uint8(4), op.Size)
	assert.True(t, op.Word)
}

func TestRiscvCompressedUnmodeled(t *testing.T) {
	_, err := riscvDecoder{}.Decode(0, []byte{0x01, 0x00, 0x01, 0x00})
	require.Error(t, err)
	assert.True(t, errors.Is(err, vmerrors.ErrDUnmodeled))
}

func TestRiscvInvalidOpcode(t *testing.T) {
	_, err := riscvDecoder{}.Decode(0, []byte{0x7F, 0x00, 0x00, 0x00})
	require.Error(t, err)
	var iie *vmerrors.InvalidInstructionError
	assert.ErrorAs(t, err, &iie)
	assert.True(t, errors.Is(err, vmerrors.ErrDInvalidInstruction))
}
