package jit

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/colorfulnotion/tiervm/ir"
)

// x86-64 code generation for the native tier.
//
// The emitted function follows a private ABI: rdi carries the *jitFrame on
// entry, r15 holds it for the duration, r12 holds the flat RAM base, and rbx
// counts retired instructions. rax/rcx/rdx are scratch. Guest registers are
// kept in the frame and reloaded per micro-op; blocks are short enough that
// host register allocation buys little.
//
// Stores, atomics, float ops, division, and wide multiplies stay on the
// lower tiers: stores must pass through the code-page write hooks and the
// rest are not worth the encoding surface. Loads are bounds-checked against
// the flat RAM, so native entries are only valid while paging is off.

// errNativeUnsupported marks a block the native tier declines; the block
// keeps running at baseline.
var errNativeUnsupported = errors.New("not native-compilable")

// Host condition-code low bytes for jcc (0F 8x).
const (
	ccO  = 0x80
	ccB  = 0x82 // below (unsigned <)
	ccAE = 0x83
	ccE  = 0x84
	ccNE = 0x85
	ccBE = 0x86
	ccA  = 0x87
	ccL  = 0x8C // less (signed <)
	ccGE = 0x8D
	ccLE = 0x8E
	ccG  = 0x8F
)

// scratch registers by encoding number.
const (
	regRAX = 0
	regRCX = 1
	regRDX = 2
)

type emitter struct {
	buf  []byte
	tail []int // rel32 fixups pointing at the epilogue
}

func (e *emitter) raw(bs ...byte) { e.buf = append(e.buf, bs...) }

func (e *emitter) u32(v uint32) { e.buf = binary.LittleEndian.AppendUint32(e.buf, v) }

func (e *emitter) u64(v uint64) { e.buf = binary.LittleEndian.AppendUint64(e.buf, v) }

// jcc32 emits a two-byte jcc with a rel32 placeholder, returning the fixup
// position.
func (e *emitter) jcc32(cc byte) int {
	e.raw(0x0F, cc)
	pos := len(e.buf)
	e.u32(0)
	return pos
}

// jmp32 emits jmp rel32 with a placeholder.
func (e *emitter) jmp32() int {
	e.raw(0xE9)
	pos := len(e.buf)
	e.u32(0)
	return pos
}

// patch resolves a rel32 at pos to the current position.
func (e *emitter) patch(pos int) {
	binary.LittleEndian.PutUint32(e.buf[pos:], uint32(len(e.buf)-(pos+4)))
}

// loadX loads guest register gr into a scratch register; the discard
// register reads zero.
func (e *emitter) loadX(sr int, gr uint8) {
	if gr == ir.RegDiscard {
		// xor r32, r32
		e.raw(0x31, byte(0xC0|sr<<3|sr))
		return
	}
	// mov sr, [r15 + gr*8]
	e.raw(0x49, 0x8B, byte(0x87|sr<<3))
	e.u32(uint32(gr) * 8)
}

// storeRAX stores rax into guest register gr; discard writes are dropped.
func (e *emitter) storeRAX(gr uint8) {
	if gr == ir.RegDiscard {
		return
	}
	e.raw(0x49, 0x89, 0x87)
	e.u32(uint32(gr) * 8)
}

// storeFrame stores scratch register sr at a frame offset.
func (e *emitter) storeFrame(sr int, off uint32) {
	e.raw(0x49, 0x89, byte(0x87|sr<<3))
	e.u32(off)
}

// loadFrame loads a frame offset into scratch register sr.
func (e *emitter) loadFrame(sr int, off uint32) {
	e.raw(0x49, 0x8B, byte(0x87|sr<<3))
	e.u32(off)
}

// movImm loads a 64-bit immediate into a scratch register.
func (e *emitter) movImm(sr int, v uint64) {
	e.raw(0x48, byte(0xB8|sr))
	e.u64(v)
}

// sext32 sign-extends the low 32 bits of a scratch register in place
// (movsxd r64, r32).
func (e *emitter) sext32(sr int) {
	e.raw(0x48, 0x63, byte(0xC0|sr<<3|sr))
}

// zext32 zero-extends the low 32 bits of a scratch register in place
// (mov r32, r32).
func (e *emitter) zext32(sr int) {
	e.raw(0x89, byte(0xC0|sr<<3|sr))
}

// cmpRR emits cmp a, b on two scratch registers.
func (e *emitter) cmpRR(a, b int) {
	e.raw(0x48, 0x39, byte(0xC0|b<<3|a))
}

// testRR emits test a, b.
func (e *emitter) testRR(a, b int) {
	e.raw(0x48, 0x85, byte(0xC0|b<<3|a))
}

// addRetire bumps the retired-instruction counter. Clobbers host flags.
func (e *emitter) addRetire(n uint64) {
	e.raw(0x48, 0x81, 0xC3)
	e.u32(uint32(n))
}

// exitImm ends the block: NextPC = pc, Status = status, jump to the
// epilogue.
func (e *emitter) exitImm(pc uint64, status uint32) {
	e.movImm(regRAX, pc)
	e.exitRAX(status)
}

// exitRAX ends the block with NextPC already in rax.
func (e *emitter) exitRAX(status uint32) {
	if status == 0 {
		e.raw(0x31, 0xD2) // xor edx, edx
	} else {
		e.raw(0xBA) // mov edx, imm32
		e.u32(status)
	}
	e.tail = append(e.tail, e.jmp32())
}

func (e *emitter) prologue() {
	e.raw(0x53)             // push rbx
	e.raw(0x41, 0x54)       // push r12
	e.raw(0x41, 0x57)       // push r15
	e.raw(0x49, 0x89, 0xFF) // mov r15, rdi
	e.raw(0x4D, 0x8B, 0xA7) // mov r12, [r15 + frameOffRam]
	e.u32(frameOffRam)
	e.raw(0x31, 0xDB) // xor ebx, ebx
}

func (e *emitter) epilogue() {
	for _, pos := range e.tail {
		e.patch(pos)
	}
	e.storeFrame(regRAX, frameOffNextPC)
	e.storeFrame(regRDX, frameOffStatus)
	e.raw(0x49, 0x89, 0x9F) // mov [r15 + frameOffInstrRet], rbx
	e.u32(frameOffInstrRet)
	e.raw(0x41, 0x5F) // pop r15
	e.raw(0x41, 0x5C) // pop r12
	e.raw(0x5B)       // pop rbx
	e.raw(0xC3)       // ret
}

// CompileNative lowers a block to x86-64 machine code. Blocks containing
// micro-ops outside the native subset return errNativeUnsupported.
func CompileNative(b *ir.IRBlock) ([]byte, error) {
	e := &emitter{}
	e.prologue()
	for i := range b.Insns {
		if err := e.insn(&b.Insns[i]); err != nil {
			return nil, err
		}
	}
	// Branch fall-through and length-capped blocks continue at EndPC.
	if b.Term == ir.ClassPlain || b.Term == ir.ClassBranch {
		e.exitImm(uint64(b.EndPC), statusOK)
	}
	e.epilogue()
	return e.buf, nil
}

func (e *emitter) insn(in *ir.Instruction) error {
	next := uint64(in.NextPC())
	target := uint64(in.Target)
	retire := in.RetireCount()
	retired := false

	for j := range in.Ops {
		op := &in.Ops[j]
		switch op.Kind {
		case ir.OpNop:
		case ir.OpFence:
			if op.Imm == 1 {
				return fmt.Errorf("%w: code fence", errNativeUnsupported)
			}
		case ir.OpMovImm:
			e.movImm(regRAX, uint64(op.Imm))
			e.storeRAX(op.Rd)
		case ir.OpMovReg:
			e.loadX(regRAX, op.Rs1)
			if op.Word {
				e.zext32(regRAX)
			}
			e.storeRAX(op.Rd)
		case ir.OpAlu:
			if err := e.alu(op, false); err != nil {
				return err
			}
		case ir.OpAluImm:
			if err := e.alu(op, true); err != nil {
				return err
			}
		case ir.OpCmp:
			e.cmpFlags(op, false)
		case ir.OpCmpImm:
			e.cmpFlags(op, true)
		case ir.OpBranch:
			e.addRetire(retire)
			retired = true
			if err := e.branch(op, target); err != nil {
				return err
			}
		case ir.OpBranchFlags:
			e.addRetire(retire)
			retired = true
			e.branchFlags(op, target)
		case ir.OpJump:
			e.addRetire(retire)
			retired = true
			e.movImm(regRAX, next)
			e.storeRAX(op.Rd)
			e.exitImm(target, statusOK)
		case ir.OpJumpInd:
			if op.Mem {
				return fmt.Errorf("%w: memory-indirect jump", errNativeUnsupported)
			}
			e.addRetire(retire)
			retired = true
			e.loadX(regRAX, op.Rs1)
			if op.Imm != 0 {
				e.movImm(regRCX, uint64(op.Imm))
				e.raw(0x48, 0x01, 0xC8) // add rax, rcx
			}
			if op.Rd != ir.RegDiscard {
				e.movImm(regRCX, next)
				e.storeFrame(regRCX, uint32(op.Rd)*8)
			}
			e.exitRAX(statusOK)
		case ir.OpLoad:
			e.load(op, uint64(in.PC))
		case ir.OpSyscall:
			e.addRetire(retire)
			retired = true
			e.movImm(regRCX, uint64(op.Imm))
			e.storeFrame(regRCX, frameOffFaultAddr)
			e.exitImm(next, statusSyscall)
		case ir.OpTrap:
			e.addRetire(retire)
			retired = true
			e.movImm(regRCX, uint64(in.PC))
			e.storeFrame(regRCX, frameOffFaultAddr)
			e.exitImm(next, statusTrap)
		case ir.OpHalt:
			e.addRetire(retire)
			retired = true
			e.exitImm(next, statusHalt)
		default:
			return fmt.Errorf("%w: %v", errNativeUnsupported, op.Kind)
		}
	}
	if !retired {
		e.addRetire(retire)
	}
	return nil
}

func (e *emitter) alu(op *ir.Inst, useImm bool) error {
	e.loadX(regRAX, op.Rs1)
	if useImm {
		e.movImm(regRCX, uint64(op.Imm))
	} else {
		e.loadX(regRCX, op.Rs2)
	}
	switch op.Alu {
	case ir.AluAdd:
		e.raw(0x48, 0x01, 0xC8)
	case ir.AluSub:
		e.raw(0x48, 0x29, 0xC8)
	case ir.AluAnd:
		e.raw(0x48, 0x21, 0xC8)
	case ir.AluOr:
		e.raw(0x48, 0x09, 0xC8)
	case ir.AluXor:
		e.raw(0x48, 0x31, 0xC8)
	case ir.AluMul:
		e.raw(0x48, 0x0F, 0xAF, 0xC1) // imul rax, rcx
	case ir.AluSll, ir.AluSrl, ir.AluSra:
		ext := byte(0xE0) // shl
		if op.Alu == ir.AluSrl {
			ext = 0xE8
		} else if op.Alu == ir.AluSra {
			ext = 0xF8
		}
		if op.Word {
			// 32-bit shift masks the count to 5 bits and zero-extends.
			e.raw(0xD3, ext)
			if op.Signed {
				e.sext32(regRAX)
			}
			e.storeRAX(op.Rd)
			return nil
		}
		e.raw(0x48, 0xD3, ext)
		e.storeRAX(op.Rd)
		return nil
	case ir.AluSlt, ir.AluSltU:
		if op.Word {
			return fmt.Errorf("%w: word set-less-than", errNativeUnsupported)
		}
		e.cmpRR(regRAX, regRCX)
		if op.Alu == ir.AluSlt {
			e.raw(0x0F, 0x9C, 0xC0) // setl al
		} else {
			e.raw(0x0F, 0x92, 0xC0) // setb al
		}
		e.raw(0x0F, 0xB6, 0xC0) // movzx eax, al
		e.storeRAX(op.Rd)
		return nil
	default:
		return fmt.Errorf("%w: alu %d", errNativeUnsupported, op.Alu)
	}
	if op.Word {
		if op.Signed {
			e.sext32(regRAX)
		} else {
			e.zext32(regRAX)
		}
	}
	e.storeRAX(op.Rd)
	return nil
}

// cmpFlags materializes the guest flags word (EQ=1, LTU=2, LTS=4) from one
// host compare via three setcc results.
func (e *emitter) cmpFlags(op *ir.Inst, useImm bool) {
	e.loadX(regRAX, op.Rs1)
	if useImm {
		e.movImm(regRCX, uint64(op.Imm))
	} else {
		e.loadX(regRCX, op.Rs2)
	}
	if op.Word {
		e.sext32(regRAX)
		e.sext32(regRCX)
	}
	e.cmpRR(regRAX, regRCX)
	e.raw(0x0F, 0x94, 0xC2) // sete dl
	e.raw(0x0F, 0x92, 0xC0) // setb al
	e.raw(0x0F, 0x9C, 0xC1) // setl cl
	e.raw(0x0F, 0xB6, 0xD2) // movzx edx, dl
	e.raw(0x0F, 0xB6, 0xC0) // movzx eax, al
	e.raw(0x0F, 0xB6, 0xC9) // movzx ecx, cl
	e.raw(0x8D, 0x14, 0x42) // lea edx, [rdx + rax*2]
	e.raw(0x8D, 0x14, 0x8A) // lea edx, [rdx + rcx*4]
	e.storeFrame(regRDX, frameOffFlags)
}

// branchCC maps guest branch conditions to host jcc opcodes for a fused
// compare-and-branch.
var branchCC = map[ir.Cond]byte{
	ir.CondEQ:  ccE,
	ir.CondNE:  ccNE,
	ir.CondLTU: ccB,
	ir.CondGEU: ccAE,
	ir.CondLTS: ccL,
	ir.CondGES: ccGE,
	ir.CondLEU: ccBE,
	ir.CondGTU: ccA,
	ir.CondLES: ccLE,
	ir.CondGTS: ccG,
}

func (e *emitter) branch(op *ir.Inst, target uint64) error {
	e.loadX(regRAX, op.Rs1)
	if op.Rs2 == ir.RegDiscard {
		e.movImm(regRCX, uint64(op.Imm))
	} else {
		e.loadX(regRCX, op.Rs2)
	}
	var cc byte
	switch op.Cond {
	case ir.CondTstZ, ir.CondTstNZ:
		e.testRR(regRAX, regRCX)
		cc = ccE
		if op.Cond == ir.CondTstNZ {
			cc = ccNE
		}
	default:
		if op.Word {
			e.sext32(regRAX)
			e.sext32(regRCX)
		}
		e.cmpRR(regRAX, regRCX)
		var ok bool
		cc, ok = branchCC[op.Cond]
		if !ok {
			return fmt.Errorf("%w: branch cond %d", errNativeUnsupported, op.Cond)
		}
	}
	// Inverted jcc skips the taken exit; the low opcode bit toggles the
	// condition.
	skip := e.jcc32(cc ^ 1)
	e.exitImm(target, statusOK)
	e.patch(skip)
	return nil
}

// flagsCC maps flag-word conditions to (test mask, jcc when taken).
var flagsCC = map[ir.Cond]struct {
	mask byte
	cc   byte
}{
	ir.CondEQ:  {1, ccNE}, // bit set means equal
	ir.CondNE:  {1, ccE},
	ir.CondLTU: {2, ccNE},
	ir.CondGEU: {2, ccE},
	ir.CondLTS: {4, ccNE},
	ir.CondGES: {4, ccE},
	ir.CondLEU: {3, ccNE}, // LTU or EQ
	ir.CondGTU: {3, ccE},
	ir.CondLES: {5, ccNE}, // LTS or EQ
	ir.CondGTS: {5, ccE},
}

func (e *emitter) branchFlags(op *ir.Inst, target uint64) {
	m := flagsCC[op.Cond]
	e.loadFrame(regRAX, frameOffFlags)
	e.raw(0xA8, m.mask) // test al, mask
	skip := e.jcc32(m.cc ^ 1)
	e.exitImm(target, statusOK)
	e.patch(skip)
}

// load emits a bounds-checked flat-RAM load. Out-of-range addresses exit
// with statusFault, the pc parked on the faulting instruction.
func (e *emitter) load(op *ir.Inst, pc uint64) {
	e.loadX(regRAX, op.Rs1)
	if op.Imm != 0 {
		e.movImm(regRCX, uint64(op.Imm))
		e.raw(0x48, 0x01, 0xC8) // add rax, rcx
	}
	e.loadFrame(regRDX, frameOffRamLen)
	e.cmpRR(regRAX, regRDX)
	f1 := e.jcc32(ccAE)
	e.raw(0x48, 0x8D, 0x48, op.Size) // lea rcx, [rax + size]
	e.cmpRR(regRCX, regRDX)
	f2 := e.jcc32(ccA)

	// mov from [r12 + rax], width and extension per the op.
	switch {
	case op.Size == 8:
		e.raw(0x49, 0x8B, 0x04, 0x04)
	case op.Size == 4 && op.Signed:
		e.raw(0x49, 0x63, 0x04, 0x04) // movsxd
	case op.Size == 4:
		e.raw(0x41, 0x8B, 0x04, 0x04)
	case op.Size == 2 && op.Signed:
		e.raw(0x49, 0x0F, 0xBF, 0x04, 0x04)
	case op.Size == 2:
		e.raw(0x41, 0x0F, 0xB7, 0x04, 0x04)
	case op.Signed:
		e.raw(0x49, 0x0F, 0xBE, 0x04, 0x04)
	default:
		e.raw(0x41, 0x0F, 0xB6, 0x04, 0x04)
	}
	if op.Word {
		e.zext32(regRAX)
	}
	e.storeRAX(op.Rd)
	done := e.jmp32()

	e.patch(f1)
	e.patch(f2)
	e.storeFrame(regRAX, frameOffFaultAddr)
	e.movImm(regRAX, pc)
	e.raw(0xBA) // mov edx, statusFault
	e.u32(statusFault)
	e.tail = append(e.tail, e.jmp32())

	e.patch(done)
}
