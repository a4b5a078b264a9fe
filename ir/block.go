package ir

import (
	"encoding/binary"

	"github.com/colorfulnotion/tiervm/common"
	"github.com/colorfulnotion/tiervm/core"
)

// Class categorizes a decoded instruction for block construction. Anything
// other than ClassPlain terminates the block it appears in.
type Class uint8

const (
	ClassPlain Class = iota
	ClassBranch
	ClassJump
	ClassJumpInd
	ClassSyscall
	ClassTrap
	ClassHalt
)

func (c Class) String() string {
	switch c {
	case ClassPlain:
		return "plain"
	case ClassBranch:
		return "branch"
	case ClassJump:
		return "jump"
	case ClassJumpInd:
		return "jump-indirect"
	case ClassSyscall:
		return "syscall"
	case ClassTrap:
		return "trap"
	case ClassHalt:
		return "halt"
	default:
		return "unknown"
	}
}

// Instruction is one decoded guest instruction lowered to micro-ops. Fusion
// may fold a following guest instruction into this one, in which case Size
// spans both and Count records how many retire.
type Instruction struct {
	PC    core.GuestAddr
	Size  uint8 // encoded length in bytes
	Count uint8 // guest instructions folded in; zero means one
	Ops   []Inst

	Class  Class
	Target core.GuestAddr // static branch/jump target, when known
}

func (in *Instruction) IsTerminator() bool { return in.Class != ClassPlain }

// RetireCount is how many guest instructions this entry retires.
func (in *Instruction) RetireCount() uint64 {
	if in.Count == 0 {
		return 1
	}
	return uint64(in.Count)
}

// NextPC is the fall-through successor.
func (in *Instruction) NextPC() core.GuestAddr {
	return in.PC + core.GuestAddr(in.Size)
}

// IRBlock is a decoded basic block: a straight-line run of instructions
// ending at the first terminator (or the length cap, in which case Term is
// ClassPlain and execution falls through to EndPC).
type IRBlock struct {
	Arch    core.Arch
	StartPC core.GuestAddr
	EndPC   core.GuestAddr // address after the last instruction
	Insns   []Instruction
	Term    Class
}

// Len returns the guest instruction count.
func (b *IRBlock) Len() int { return len(b.Insns) }

// Hash returns the content hash of the block's decoded form. Two blocks
// with identical semantics at the same address hash equal; any change to
// the underlying guest code changes the hash. Used by the AOT cache for
// validation and deduplication.
func (b *IRBlock) Hash() common.Hash {
	buf := make([]byte, 0, 16+len(b.Insns)*48)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(b.StartPC))
	buf = append(buf, byte(b.Arch), byte(b.Term))
	for i := range b.Insns {
		in := &b.Insns[i]
		buf = binary.LittleEndian.AppendUint64(buf, uint64(in.PC))
		buf = append(buf, in.Size, byte(in.Class))
		buf = binary.LittleEndian.AppendUint64(buf, uint64(in.Target))
		for j := range in.Ops {
			op := &in.Ops[j]
			buf = append(buf, byte(op.Kind), byte(op.Alu), byte(op.Cond),
				op.Rd, op.Rs1, op.Rs2, op.Rs3, op.Size,
				boolByte(op.Signed), boolByte(op.Word), boolByte(op.Mem))
			buf = binary.LittleEndian.AppendUint64(buf, uint64(op.Imm))
			buf = binary.LittleEndian.AppendUint64(buf, uint64(op.Imm2))
		}
	}
	return common.Blake2Hash(buf)
}

func boolByte(b bool) byte {
	if b {
		return 1
	}
	return 0
}
