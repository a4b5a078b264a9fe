package engine

import (
	"github.com/colorfulnotion/tiervm/ir"
)

// Fusion rewrites decoded blocks into cheaper forms without changing guest
// semantics. It runs after the block hash is taken, so fusing never affects
// cache validation, and the Count field keeps retired-instruction accounting
// exact.

// commutative ALU ops can take their operands in either order.
func commutative(op ir.AluOp) bool {
	switch op {
	case ir.AluAdd, ir.AluAnd, ir.AluOr, ir.AluXor, ir.AluMul:
		return true
	}
	return false
}

// Fuse applies the peephole pairs to b in place and returns how many guest
// instruction pairs were folded or rewritten.
func Fuse(b *ir.IRBlock) int {
	n := fuseCompareBranch(b)
	n += fuseLoadAlu(b)
	return n
}

// fuseCompareBranch rewrites a flags-conditional branch that directly
// follows the compare producing those flags into a fused register branch,
// removing the flags-word round trip. The compare stays because later code
// may still read the flags.
func fuseCompareBranch(b *ir.IRBlock) int {
	n := 0
	for i := 0; i+1 < len(b.Insns); i++ {
		cur, next := &b.Insns[i], &b.Insns[i+1]
		if len(cur.Ops) == 0 || len(next.Ops) != 1 {
			continue
		}
		cmp := &cur.Ops[len(cur.Ops)-1]
		if cmp.Kind != ir.OpCmp && cmp.Kind != ir.OpCmpImm {
			continue
		}
		br := &next.Ops[0]
		if br.Kind != ir.OpBranchFlags {
			continue
		}

		fused := ir.Inst{
			Kind: ir.OpBranch,
			Cond: br.Cond,
			Rs1:  cmp.Rs1,
			Word: cmp.Word,
		}
		if cmp.Kind == ir.OpCmpImm {
			fused.Rs2 = ir.RegDiscard
			fused.Imm = cmp.Imm
		} else {
			fused.Rs2 = cmp.Rs2
		}
		next.Ops[0] = fused
		n++
	}
	return n
}

// fuseLoadAlu folds a load followed by an ALU op that consumes and
// overwrites the loaded register into one load-operate instruction. Only
// shapes whose extension behavior is identical before and after the fold
// are eligible: full-width unsigned loads feeding 64-bit ops, and 32-bit
// loads feeding 32-bit ops.
func fuseLoadAlu(b *ir.IRBlock) int {
	n := 0
	out := b.Insns[:0]
	for i := 0; i < len(b.Insns); i++ {
		cur := b.Insns[i]
		if i+1 < len(b.Insns) {
			if merged, ok := mergeLoadAlu(&cur, &b.Insns[i+1]); ok {
				out = append(out, merged)
				i++
				n++
				continue
			}
		}
		out = append(out, cur)
	}
	b.Insns = out
	return n
}

func mergeLoadAlu(load, alu *ir.Instruction) (ir.Instruction, bool) {
	if len(load.Ops) != 1 || len(alu.Ops) != 1 || load.Class != ir.ClassPlain || alu.Class != ir.ClassPlain {
		return ir.Instruction{}, false
	}
	// Folding already-fused entries would break retire accounting.
	if load.Count > 1 || alu.Count > 1 {
		return ir.Instruction{}, false
	}
	ld, op := &load.Ops[0], &alu.Ops[0]
	if ld.Kind != ir.OpLoad || op.Kind != ir.OpAlu {
		return ir.Instruction{}, false
	}
	r := ld.Rd
	if r == ir.RegDiscard || op.Rd != r {
		return ir.Instruction{}, false
	}
	// The loaded register must be consumed exactly once.
	if (op.Rs1 == r) == (op.Rs2 == r) {
		return ir.Instruction{}, false
	}
	switch {
	case ld.Size == 8 && !ld.Signed && !ld.Word && !op.Word:
	case ld.Size == 4 && op.Word:
	default:
		return ir.Instruction{}, false
	}
	other := op.Rs1
	if op.Rs1 == r {
		// Operand order flips in the fused form.
		if !commutative(op.Alu) {
			return ir.Instruction{}, false
		}
		other = op.Rs2
	}

	return ir.Instruction{
		PC:    load.PC,
		Size:  load.Size + alu.Size,
		Count: 2,
		Class: ir.ClassPlain,
		Ops: []ir.Inst{{
			Kind:   ir.OpLoadAlu,
			Alu:    op.Alu,
			Rd:     r,
			Rs1:    ld.Rs1,
			Rs2:    other,
			Imm:    ld.Imm,
			Size:   ld.Size,
			Signed: op.Signed,
			Word:   op.Word,
		}},
	}, true
}
