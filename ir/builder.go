package ir

import (
	"github.com/colorfulnotion/tiervm/core"
)

// maxEncodedLen bounds one instruction's encoding; x86-64 caps at 15 bytes.
const maxEncodedLen = 16

// BuildBlock decodes the basic block starting at pc: instructions are
// appended until the first terminator, or until maxLen instructions have
// been decoded, in which case the block falls through (Term ClassPlain).
// Fetches carry execute permission, so building from a non-executable page
// faults exactly like an instruction fetch would.
func BuildBlock(dec Decoder, mem core.Memory, pc core.GuestAddr, maxLen int) (*IRBlock, error) {
	if maxLen <= 0 {
		maxLen = 1
	}
	block := &IRBlock{
		Arch:    dec.Arch(),
		StartPC: pc,
	}

	var buf [maxEncodedLen]byte
	cur := pc
	for len(block.Insns) < maxLen {
		n, err := mem.FetchCode(cur, buf[:])
		if err != nil {
			return nil, err
		}
		if n < len(buf) {
			// The window ends at a page boundary; top it up from the next
			// page so an instruction straddling the boundary still decodes.
			// A fault on the second page only matters if decode needs it.
			if m, err2 := mem.FetchCode(cur+core.GuestAddr(n), buf[n:]); err2 == nil {
				n += m
			}
		}

		inst, err := dec.Decode(cur, buf[:n])
		if err != nil {
			return nil, err
		}
		block.Insns = append(block.Insns, inst)
		cur = inst.NextPC()
		if inst.IsTerminator() {
			block.Term = inst.Class
			break
		}
	}
	block.EndPC = cur
	return block, nil
}
