package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/colorfulnotion/tiervm/core"
	"github.com/colorfulnotion/tiervm/ir"
)

func plainInsn(pc uint64, op ir.Inst) ir.Instruction {
	return ir.Instruction{PC: core.GuestAddr(pc), Size: 4, Class: ir.ClassPlain, Ops: []ir.Inst{op}}
}

func TestFuseCompareBranch(t *testing.T) {
	b := &ir.IRBlock{Insns: []ir.Instruction{
		plainInsn(0x100, ir.Inst{Kind: ir.OpCmp, Rs1: 1, Rs2: 2}),
		{PC: 0x104, Size: 4, Class: ir.ClassBranch, Target: 0x200,
			Ops: []ir.Inst{{Kind: ir.OpBranchFlags, Cond: ir.CondLTS}}},
	}}

	assert.Equal(t, 1, Fuse(b))
	require.Len(t, b.Insns, 2, "the compare stays; later code may read the flags")

	fused := b.Insns[1].Ops[0]
	assert.Equal(t, ir.OpBranch, fused.Kind)
	assert.Equal(t, ir.CondLTS, fused.Cond)
	assert.Equal(t, uint8(1), fused.Rs1)
	assert.Equal(t, uint8(2), fused.Rs2)
}

func TestFuseCompareImmBranch(t *testing.T) {
	b := &ir.IRBlock{Insns: []ir.Instruction{
		plainInsn(0x100, ir.Inst{Kind: ir.OpCmpImm, Rs1: 4, Imm: 17}),
		{PC: 0x104, Size: 4, Class: ir.ClassBranch, Target: 0x200,
			Ops: []ir.Inst{{Kind: ir.OpBranchFlags, Cond: ir.CondEQ}}},
	}}

	assert.Equal(t, 1, Fuse(b))
	fused := b.Insns[1].Ops[0]
	assert.Equal(t, ir.OpBranch, fused.Kind)
	assert.Equal(t, ir.RegDiscard, fused.Rs2)
	assert.Equal(t, int64(17), fused.Imm)
}

func TestFuseBranchWithoutCompareUntouched(t *testing.T) {
	b := &ir.IRBlock{Insns: []ir.Instruction{
		plainInsn(0x100, ir.Inst{Kind: ir.OpAlu, Alu: ir.AluAdd, Rd: 1, Rs1: 1, Rs2: 2}),
		{PC: 0x104, Size: 4, Class: ir.ClassBranch, Target: 0x200,
			Ops: []ir.Inst{{Kind: ir.OpBranchFlags, Cond: ir.CondEQ}}},
	}}

	assert.Equal(t, 0, Fuse(b))
	assert.Equal(t, ir.OpBranchFlags, b.Insns[1].Ops[0].Kind)
}

func TestFuseLoadAlu(t *testing.T) {
	// ld x1, 8(x2); add x1, x1, x5
	b := &ir.IRBlock{Insns: []ir.Instruction{
		plainInsn(0x100, ir.Inst{Kind: ir.OpLoad, Rd: 1, Rs1: 2, Imm: 8, Size: 8}),
		plainInsn(0x104, ir.Inst{Kind: ir.OpAlu, Alu: ir.AluAdd, Rd: 1, Rs1: 1, Rs2: 5}),
	}}

	assert.Equal(t, 1, Fuse(b))
	require.Len(t, b.Insns, 1)
	in := b.Insns[0]
	assert.Equal(t, uint64(2), in.RetireCount(), "both guest instructions retire")
	assert.Equal(t, uint8(8), in.Size)

	op := in.Ops[0]
	assert.Equal(t, ir.OpLoadAlu, op.Kind)
	assert.Equal(t, ir.AluAdd, op.Alu)
	assert.Equal(t, uint8(1), op.Rd)
	assert.Equal(t, uint8(2), op.Rs1)
	assert.Equal(t, uint8(5), op.Rs2)
	assert.Equal(t, int64(8), op.Imm)
}

func TestFuseLoadAluKeepsOperandOrder(t *testing.T) {
	// sub consumes the loaded value on the right; eligible without
	// commutativity because the fused form evaluates alu(rs2, loaded).
	b := &ir.IRBlock{Insns: []ir.Instruction{
		plainInsn(0x100, ir.Inst{Kind: ir.OpLoad, Rd: 1, Rs1: 2, Size: 8}),
		plainInsn(0x104, ir.Inst{Kind: ir.OpAlu, Alu: ir.AluSub, Rd: 1, Rs1: 5, Rs2: 1}),
	}}
	assert.Equal(t, 1, Fuse(b))
	assert.Equal(t, uint8(5), b.Insns[0].Ops[0].Rs2)

	// Loaded value on the left of a sub would flip the operands; rejected.
	b = &ir.IRBlock{Insns: []ir.Instruction{
		plainInsn(0x100, ir.Inst{Kind: ir.OpLoad, Rd: 1, Rs1: 2, Size: 8}),
		plainInsn(0x104, ir.Inst{Kind: ir.OpAlu, Alu: ir.AluSub, Rd: 1, Rs1: 1, Rs2: 5}),
	}}
	assert.Equal(t, 0, Fuse(b))
	assert.Len(t, b.Insns, 2)
}

func TestFuseLoadAluCommutativeFlip(t *testing.T) {
	// add x1, x1, x5 with the loaded value on the left flips fine.
	b := &ir.IRBlock{Insns: []ir.Instruction{
		plainInsn(0x100, ir.Inst{Kind: ir.OpLoad, Rd: 1, Rs1: 2, Size: 8}),
		plainInsn(0x104, ir.Inst{Kind: ir.OpAlu, Alu: ir.AluAdd, Rd: 1, Rs1: 1, Rs2: 5}),
	}}
	assert.Equal(t, 1, Fuse(b))
	assert.Equal(t, uint8(5), b.Insns[0].Ops[0].Rs2)
}

func TestFuseLoadAluRejectsExtensionMismatch(t *testing.T) {
	cases := []struct {
		name string
		load ir.Inst
		alu  ir.Inst
	}{
		{
			name: "signed load into 64-bit op",
			load: ir.Inst{Kind: ir.OpLoad, Rd: 1, Rs1: 2, Size: 4, Signed: true},
			alu:  ir.Inst{Kind: ir.OpAlu, Alu: ir.AluAdd, Rd: 1, Rs1: 1, Rs2: 5},
		},
		{
			name: "narrow load into 64-bit op",
			load: ir.Inst{Kind: ir.OpLoad, Rd: 1, Rs1: 2, Size: 2},
			alu:  ir.Inst{Kind: ir.OpAlu, Alu: ir.AluAdd, Rd: 1, Rs1: 1, Rs2: 5},
		},
		{
			name: "64-bit load into 32-bit op",
			load: ir.Inst{Kind: ir.OpLoad, Rd: 1, Rs1: 2, Size: 8},
			alu:  ir.Inst{Kind: ir.OpAlu, Alu: ir.AluAdd, Rd: 1, Rs1: 1, Rs2: 5, Word: true},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b := &ir.IRBlock{Insns: []ir.Instruction{
				plainInsn(0x100, tc.load),
				plainInsn(0x104, tc.alu),
			}}
			assert.Equal(t, 0, Fuse(b))
			assert.Len(t, b.Insns, 2)
		})
	}
}

func TestFuseLoadAluWordPair(t *testing.T) {
	// lw x1, 0(x2); addw x1, x1, x5 keeps 32-bit semantics end to end.
	b := &ir.IRBlock{Insns: []ir.Instruction{
		plainInsn(0x100, ir.Inst{Kind: ir.OpLoad, Rd: 1, Rs1: 2, Size: 4, Signed: true}),
		plainInsn(0x104, ir.Inst{Kind: ir.OpAlu, Alu: ir.AluAdd, Rd: 1, Rs1: 1, Rs2: 5, Word: true, Signed: true}),
	}}
	assert.Equal(t, 1, Fuse(b))
	op := b.Insns[0].Ops[0]
	assert.Equal(t, ir.OpLoadAlu, op.Kind)
	assert.True(t, op.Word)
	assert.Equal(t, uint8(4), op.Size)
}

func TestFuseLoadAluRejectsDoubleUse(t *testing.T) {
	// add x1, x1, x1 reads the loaded register twice.
	b := &ir.IRBlock{Insns: []ir.Instruction{
		plainInsn(0x100, ir.Inst{Kind: ir.OpLoad, Rd: 1, Rs1: 2, Size: 8}),
		plainInsn(0x104, ir.Inst{Kind: ir.OpAlu, Alu: ir.AluAdd, Rd: 1, Rs1: 1, Rs2: 1}),
	}}
	assert.Equal(t, 0, Fuse(b))
}

func TestFuseLoadAluRejectsDifferentDest(t *testing.T) {
	// The loaded value stays live when the ALU op writes elsewhere.
	b := &ir.IRBlock{Insns: []ir.Instruction{
		plainInsn(0x100, ir.Inst{Kind: ir.OpLoad, Rd: 1, Rs1: 2, Size: 8}),
		plainInsn(0x104, ir.Inst{Kind: ir.OpAlu, Alu: ir.AluAdd, Rd: 3, Rs1: 1, Rs2: 5}),
	}}
	assert.Equal(t, 0, Fuse(b))
}

func TestFuseLoadAluSkipsAlreadyFused(t *testing.T) {
	loaded := plainInsn(0x100, ir.Inst{Kind: ir.OpLoad, Rd: 1, Rs1: 2, Size: 8})
	loaded.Count = 2
	b := &ir.IRBlock{Insns: []ir.Instruction{
		loaded,
		plainInsn(0x108, ir.Inst{Kind: ir.OpAlu, Alu: ir.AluAdd, Rd: 1, Rs1: 1, Rs2: 5}),
	}}
	assert.Equal(t, 0, Fuse(b))
}
