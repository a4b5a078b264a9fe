package ir

import (
	"math/bits"

	"github.com/colorfulnotion/tiervm/core"
)

// Shared micro-op semantics. The interpreter and the baseline compiled tier
// both evaluate ALU ops, compares, and load extension through these helpers
// so the tiers cannot drift apart.

func sext32(v uint64) uint64 { return uint64(int64(int32(uint32(v)))) }

// ExtendLoad widens a raw load of size bytes: sign-extension first when
// signed, then 32-bit truncation with zero-extension when word.
func ExtendLoad(v uint64, size uint8, signed, word bool) uint64 {
	if signed && size < 8 {
		shift := uint(64 - 8*size)
		v = uint64(int64(v<<shift) >> shift)
	}
	if word {
		v = uint64(uint32(v))
	}
	return v
}

// CompareFlags computes the flags word for a versus b. Word compares look at
// the low 32 bits only.
func CompareFlags(a, b uint64, word bool) uint64 {
	if word {
		// Sign extension preserves both the int32 and uint32 orderings
		// under 64-bit comparison.
		a, b = sext32(a), sext32(b)
	}
	var f uint64
	if a == b {
		f |= core.FlagEQ
	}
	if a < b {
		f |= core.FlagLTU
	}
	if int64(a) < int64(b) {
		f |= core.FlagLTS
	}
	return f
}

// EvalCond tests a branch condition against a flags word. The Tst conditions
// are only produced in fused form and never reach here.
func EvalCond(c Cond, flags uint64) bool {
	eq := flags&core.FlagEQ != 0
	ltu := flags&core.FlagLTU != 0
	lts := flags&core.FlagLTS != 0
	switch c {
	case CondEQ:
		return eq
	case CondNE:
		return !eq
	case CondLTU:
		return ltu
	case CondGEU:
		return !ltu
	case CondLTS:
		return lts
	case CondGES:
		return !lts
	case CondLEU:
		return ltu || eq
	case CondGTU:
		return !ltu && !eq
	case CondLES:
		return lts || eq
	case CondGTS:
		return !lts && !eq
	}
	return false
}

// EvalBranch evaluates a fused compare-and-branch over register values.
func EvalBranch(c Cond, a, b uint64, word bool) bool {
	switch c {
	case CondTstZ, CondTstNZ:
		if word {
			a, b = uint64(uint32(a)), uint64(uint32(b))
		}
		if c == CondTstZ {
			return a&b == 0
		}
		return a&b != 0
	default:
		return EvalCond(c, CompareFlags(a, b, word))
	}
}

// EvalAlu computes op over a and b. Word ops operate on the low 32 bits and
// the result extends per signed.
func EvalAlu(op AluOp, a, b uint64, word, signed bool) uint64 {
	if word {
		r := evalAlu32(op, uint32(a), uint32(b))
		if signed {
			return sext32(uint64(r))
		}
		return uint64(r)
	}
	switch op {
	case AluAdd:
		return a + b
	case AluSub:
		return a - b
	case AluAnd:
		return a & b
	case AluOr:
		return a | b
	case AluXor:
		return a ^ b
	case AluSll:
		return a << (b & 63)
	case AluSrl:
		return a >> (b & 63)
	case AluSra:
		return uint64(int64(a) >> (b & 63))
	case AluMul:
		return a * b
	case AluMulH:
		hi, _ := bits.Mul64(a, b)
		// Signed high product from the unsigned one.
		hi -= (a >> 63) * b
		hi -= (b >> 63) * a
		return hi
	case AluMulHU:
		hi, _ := bits.Mul64(a, b)
		return hi
	case AluMulHSU:
		hi, _ := bits.Mul64(a, b)
		hi -= (a >> 63) * b
		return hi
	case AluDiv:
		if b == 0 {
			return ^uint64(0)
		}
		if int64(a) == -1<<63 && int64(b) == -1 {
			return a
		}
		return uint64(int64(a) / int64(b))
	case AluDivU:
		if b == 0 {
			return ^uint64(0)
		}
		return a / b
	case AluRem:
		if b == 0 {
			return a
		}
		if int64(a) == -1<<63 && int64(b) == -1 {
			return 0
		}
		return uint64(int64(a) % int64(b))
	case AluRemU:
		if b == 0 {
			return a
		}
		return a % b
	case AluSlt:
		if int64(a) < int64(b) {
			return 1
		}
		return 0
	case AluSltU:
		if a < b {
			return 1
		}
		return 0
	case AluSwap:
		return b
	case AluMin:
		if int64(a) < int64(b) {
			return a
		}
		return b
	case AluMinU:
		if a < b {
			return a
		}
		return b
	case AluMax:
		if int64(a) > int64(b) {
			return a
		}
		return b
	case AluMaxU:
		if a > b {
			return a
		}
		return b
	}
	return 0
}

func evalAlu32(op AluOp, a, b uint32) uint32 {
	switch op {
	case AluAdd:
		return a + b
	case AluSub:
		return a - b
	case AluAnd:
		return a & b
	case AluOr:
		return a | b
	case AluXor:
		return a ^ b
	case AluSll:
		return a << (b & 31)
	case AluSrl:
		return a >> (b & 31)
	case AluSra:
		return uint32(int32(a) >> (b & 31))
	case AluMul:
		return a * b
	case AluDiv:
		if b == 0 {
			return ^uint32(0)
		}
		if int32(a) == -1<<31 && int32(b) == -1 {
			return a
		}
		return uint32(int32(a) / int32(b))
	case AluDivU:
		if b == 0 {
			return ^uint32(0)
		}
		return a / b
	case AluRem:
		if b == 0 {
			return a
		}
		if int32(a) == -1<<31 && int32(b) == -1 {
			return 0
		}
		return uint32(int32(a) % int32(b))
	case AluRemU:
		if b == 0 {
			return a
		}
		return a % b
	case AluSlt:
		if int32(a) < int32(b) {
			return 1
		}
		return 0
	case AluSltU:
		if a < b {
			return 1
		}
		return 0
	case AluSwap:
		return b
	case AluMin:
		if int32(a) < int32(b) {
			return a
		}
		return b
	case AluMinU:
		if a < b {
			return a
		}
		return b
	case AluMax:
		if int32(a) > int32(b) {
			return a
		}
		return b
	case AluMaxU:
		if a > b {
			return a
		}
		return b
	}
	return 0
}
