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

func a64Decode(t *testing.T, pc core.GuestAddr, enc uint32) Instruction {
	t.Helper()
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], enc)
	inst, err := arm64Decoder{}.Decode(pc, b[:])
	require.NoError(t, err, "enc 0x%08x", enc)
	assert.Equal(t, uint8(4), inst.Size)
	return inst
}

func TestArm64Nop(t *testing.T) {
	inst := a64Decode(t, 0, 0xD503201F)
	assert.Equal(t, OpNop, inst.Ops[0].Kind)
	assert.Equal(t, ClassPlain, inst.Class)
}

func TestArm64Movz(t *testing.T) {
	// movz x1, #0x1234
	inst := a64Decode(t, 0, 0xD2824681)
	op := inst.Ops[0]
	assert.Equal(t, OpMovImm, op.Kind)
	assert.Equal(t, uint8(1), op.Rd)
	assert.Equal(t, int64(0x1234), op.Imm)
}

func TestArm64Movk(t *testing.T) {
	// movk x1, #0x5678, lsl #16
	inst := a64Decode(t, 0, 0xF2AACF01)
	require.Len(t, inst.Ops, 2)
	assert.Equal(t, AluAnd, inst.Ops[0].Alu)
	assert.Equal(t, ^(int64(0xFFFF) << 16), inst.Ops[0].Imm)
	assert.Equal(t, AluOr, inst.Ops[1].Alu)
	assert.Equal(t, int64(0x5678)<<16, inst.Ops[1].Imm)
}

func TestArm64AddImm(t *testing.T) {
	// add x1, x2, #16
	inst := a64Decode(t, 0, 0x91004041)
	op := inst.Ops[0]
	assert.Equal(t, OpAluImm, op.Kind)
	assert.Equal(t, AluAdd, op.Alu)
	assert.Equal(t, uint8(1), op.Rd)
	assert.Equal(t, uint8(2), op.Rs1)
	assert.Equal(t, int64(16), op.Imm)
	assert.False(t, op.Word)
}

func TestArm64AddImmSP(t *testing.T) {
	// add sp, sp, #32: register 31 is SP in address arithmetic
	inst := a64Decode(t, 0, 0x910083FF)
	op := inst.Ops[0]
	assert.Equal(t, uint8(31), op.Rd)
	assert.Equal(t, uint8(31), op.Rs1)
	assert.Equal(t, int64(32), op.Imm)
}

func TestArm64CmpReg(t *testing.T) {
	// cmp x1, x2 (subs xzr, x1, x2): exact compare, discarded subtract
	inst := a64Decode(t, 0, 0xEB02003F)
	require.Len(t, inst.Ops, 2)
	cmp := inst.Ops[0]
	assert.Equal(t, OpCmp, cmp.Kind)
	assert.Equal(t, uint8(1), cmp.Rs1)
	assert.Equal(t, uint8(2), cmp.Rs2)
	sub := inst.Ops[1]
	assert.Equal(t, OpAlu, sub.Kind)
	assert.Equal(t, AluSub, sub.Alu)
	assert.Equal(t, RegDiscard, sub.Rd)
}

func TestArm64SubsFlagsBeforeWrite(t *testing.T) {
	// subs x1, x1, x2: the compare must read x1 before the result lands
	inst := a64Decode(t, 0, 0xEB020021)
	require.Len(t, inst.Ops, 2)
	assert.Equal(t, OpCmp, inst.Ops[0].Kind)
	assert.Equal(t, uint8(1), inst.Ops[1].Rd)
}

func TestArm64AndImm(t *testing.T) {
	// and x1, x2, #0xff
	inst := a64Decode(t, 0, 0x92401C41)
	op := inst.Ops[0]
	assert.Equal(t, AluAnd, op.Alu)
	assert.Equal(t, int64(0xFF), op.Imm)
}

func TestArm64MovReg(t *testing.T) {
	// mov x1, x2 (orr x1, xzr, x2)
	inst := a64Decode(t, 0, 0xAA0203E1)
	op := inst.Ops[0]
	assert.Equal(t, OpMovReg, op.Kind)
	assert.Equal(t, uint8(1), op.Rd)
	assert.Equal(t, uint8(2), op.Rs1)
}

func TestArm64Branches(t *testing.T) {
	// b +16
	inst := a64Decode(t, 0x1000, 0x14000004)
	assert.Equal(t, ClassJump, inst.Class)
	assert.Equal(t, core.GuestAddr(0x1010), inst.Target)
	assert.Equal(t, RegDiscard, inst.Ops[0].Rd)

	// bl +16 links x30
	inst = a64Decode(t, 0x1000, 0x94000004)
	assert.Equal(t, uint8(30), inst.Ops[0].Rd)

	// b.eq +8
	inst = a64Decode(t, 0x2000, 0x54000040)
	assert.Equal(t, ClassBranch, inst.Class)
	assert.Equal(t, core.GuestAddr(0x2008), inst.Target)
	op := inst.Ops[0]
	assert.Equal(t, OpBranchFlags, op.Kind)
	assert.Equal(t, CondEQ, op.Cond)

	// ret
	inst = a64Decode(t, 0, 0xD65F03C0)
	assert.Equal(t, ClassJumpInd, inst.Class)
	assert.Equal(t, uint8(30), inst.Ops[0].Rs1)
	assert.Equal(t, RegDiscard, inst.Ops[0].Rd)
}

func TestArm64Cbz(t *testing.T) {
	// cbz x3, +12
	inst := a64Decode(t, 0x3000, 0xB4000063)
	assert.Equal(t, core.GuestAddr(0x300C), inst.Target)
	op := inst.Ops[0]
	assert.Equal(t, OpBranch, op.Kind)
	assert.Equal(t, CondEQ, op.Cond)
	assert.Equal(t, uint8(3), op.Rs1)
	assert.Equal(t, RegDiscard, op.Rs2)
	assert.False(t, op.Word)
}

func TestArm64Tbz(t *testing.T) {
	// tbz x5, #3, +8
	inst := a64Decode(t, 0x4000, 0x36180045)
	assert.Equal(t, core.GuestAddr(0x4008), inst.Target)
	op := inst.Ops[0]
	assert.Equal(t, CondTstZ, op.Cond)
	assert.Equal(t, int64(8), op.Imm, "bit 3 mask")
}

func TestArm64LoadStore(t *testing.T) {
	// ldr x1, [x2, #8]
	inst := a64Decode(t, 0, 0xF9400441)
	op := inst.Ops[0]
	assert.Equal(t, OpLoad, op.Kind)
	assert.Equal(t, uint8(1), op.Rd)
	assert.Equal(t, uint8(2), op.Rs1)
	assert.Equal(t, int64(8), op.Imm)
	assert.Equal(t, uint8(8), op.Size)
	assert.False(t, op.Signed)

	// str x1, [x2, #8]
	inst = a64Decode(t, 0, 0xF9000441)
	op = inst.Ops[0]
	assert.Equal(t, OpStore, op.Kind)
	assert.Equal(t, uint8(1), op.Rs2)
}

func TestArm64LoadStorePair(t *testing.T) {
	// ldp x1, x2, [sp], #16: post-index
	inst := a64Decode(t, 0, 0xA8C10BE1)
	require.Len(t, inst.Ops, 3)
	assert.Equal(t, OpLoad, inst.Ops[0].Kind)
	assert.Equal(t, int64(0), inst.Ops[0].Imm)
	assert.Equal(t, uint8(1), inst.Ops[0].Rd)
	assert.Equal(t, int64(8), inst.Ops[1].Imm)
	assert.Equal(t, uint8(2), inst.Ops[1].Rd)
	wb := inst.Ops[2]
	assert.Equal(t, AluAdd, wb.Alu)
	assert.Equal(t, uint8(31), wb.Rd)
	assert.Equal(t, int64(16), wb.Imm)

	// stp x1, x2, [sp, #-16]!: pre-index
	inst = a64Decode(t, 0, 0xA9BF0BE1)
	require.Len(t, inst.Ops, 3)
	assert.Equal(t, OpStore, inst.Ops[0].Kind)
	assert.Equal(t, int64(-16), inst.Ops[0].Imm)
	assert.Equal(t, int64(-8), inst.Ops[1].Imm)
	assert.Equal(t, int64(-16), inst.Ops[2].Imm)
}

func TestArm64Exclusives(t *testing.T) {
	// ldxr x1, [x2]
	inst := a64Decode(t, 0, 0xC85F7C41)
	op := inst.Ops[0]
	assert.Equal(t, OpAtomicLR, op.Kind)
	assert.Equal(t, uint8(1), op.Rd)
	assert.Equal(t, uint8(2), op.Rs1)
	assert.Equal(t, uint8(8), op.Size)

	// stxr w3, x1, [x2]: w3 takes the status result
	inst = a64Decode(t, 0, 0xC8037C41)
	op = inst.Ops[0]
	assert.Equal(t, OpAtomicSC, op.Kind)
	assert.Equal(t, uint8(3), op.Rd)
	assert.Equal(t, uint8(1), op.Rs2)
	assert.Equal(t, uint8(2), op.Rs1)
}

func TestArm64Udiv(t *testing.T) {
	// udiv x1, x2, x3
	inst := a64Decode(t, 0, 0x9AC30841)
	op := inst.Ops[0]
	assert.Equal(t, AluDivU, op.Alu)
	assert.Equal(t, uint8(3), op.Rs2)
}

func TestArm64Svc(t *testing.T) {
	inst := a64Decode(t, 0, 0xD4000001)
	assert.Equal(t, ClassSyscall, inst.Class)
	assert.Equal(t, int64(0), inst.Ops[0].Imm)
}

func TestArm64Fmov(t *testing.T) {
	// fmov x1, d2
	inst := a64Decode(t, 0, 0x9E660041)
	op := inst.Ops[0]
	assert.Equal(t, OpMovFromF, op.Kind)
	assert.Equal(t, uint8(1), op.Rd)
	assert.Equal(t, uint8(2), op.Rs1)
}

func TestArm64Unmodeled(t *testing.T) {
	// System-register moves stay outside the modeled subset.
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], 0xD5300000)
	_, err := arm64Decoder{}.Decode(0, b[:])
	require.Error(t, err)
	assert.True(t, errors.Is(err, vmerrors.ErrDUnmodeled))
}

func TestArm64DecodeBitMasks(t *testing.T) {
	mask, ok := decodeBitMasks(1, 0, 7, true)
	require.True(t, ok)
	assert.Equal(t, uint64(0xFF), mask)

	// 32-bit pattern 0x01010101: size 8, one set bit per element
	mask, ok = decodeBitMasks(0, 0, 0x30, false)
	require.True(t, ok)
	assert.Equal(t, uint64(0x01010101), mask)

	// all-ones is reserved
	_, ok = decodeBitMasks(1, 0, 63, true)
	assert.False(t, ok)
}
