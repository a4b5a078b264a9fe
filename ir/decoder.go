package ir

import (
	"github.com/colorfulnotion/tiervm/core"
	"github.com/colorfulnotion/tiervm/vmerrors"
)

// Decoder lowers one guest instruction to IR. Implementations are
// stateless and safe for concurrent use.
type Decoder interface {
	Arch() core.Arch

	// Decode lowers the instruction at pc from code (which holds at least
	// the bytes fetchable at pc). Bytes that do not form a valid encoding
	// return an InvalidInstructionError; valid encodings outside the
	// modeled subset return one wrapping ErrDUnmodeled.
	Decode(pc core.GuestAddr, code []byte) (Instruction, error)
}

// NewDecoder returns the decoder for the given guest architecture.
func NewDecoder(arch core.Arch) (Decoder, error) {
	switch arch {
	case core.ArchRiscV64:
		return riscvDecoder{}, nil
	case core.ArchARM64:
		return arm64Decoder{}, nil
	case core.ArchX8664:
		return x86Decoder{}, nil
	default:
		return nil, vmerrors.Internalf("no decoder for arch %d", arch)
	}
}

func invalid(pc core.GuestAddr, raw uint64, err error) error {
	return &vmerrors.InvalidInstructionError{PC: uint64(pc), Raw: raw, Err: err}
}

func unmodeled(pc core.GuestAddr, raw uint64) error {
	return &vmerrors.InvalidInstructionError{PC: uint64(pc), Raw: raw, Err: vmerrors.ErrDUnmodeled}
}
