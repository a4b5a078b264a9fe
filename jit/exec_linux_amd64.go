//go:build linux && amd64

package jit

import (
	"syscall"
	"unsafe"

	"github.com/colorfulnotion/tiervm/core"
	"github.com/colorfulnotion/tiervm/vmerrors"
)

const nativeSupported = true

// jitCall transfers to emitted code with the frame pointer in rdi.
// Implemented in trampoline_linux_amd64.s.
func jitCall(code uintptr, frame unsafe.Pointer)

// nativeCode owns one executable mapping.
type nativeCode struct {
	region []byte
	entry  uintptr
}

// newNativeCode copies machine code into a fresh anonymous mapping and flips
// it to read-execute.
func newNativeCode(code []byte) (*nativeCode, error) {
	region, err := syscall.Mmap(-1, 0, len(code),
		syscall.PROT_READ|syscall.PROT_WRITE,
		syscall.MAP_PRIVATE|syscall.MAP_ANON)
	if err != nil {
		return nil, vmerrors.Internalf("mmap code region: %v", err)
	}
	copy(region, code)
	if err := syscall.Mprotect(region, syscall.PROT_READ|syscall.PROT_EXEC); err != nil {
		syscall.Munmap(region)
		return nil, vmerrors.Internalf("mprotect code region: %v", err)
	}
	return &nativeCode{
		region: region,
		entry:  uintptr(unsafe.Pointer(&region[0])),
	}, nil
}

func (nc *nativeCode) size() int { return len(nc.region) }

func (nc *nativeCode) releaseRegion() {
	if nc.region != nil {
		syscall.Munmap(nc.region)
		nc.region = nil
		nc.entry = 0
	}
}

// runNative executes one compiled block against flat RAM and folds the
// frame back into the vCPU state.
func runNative(st *core.VcpuExecState, ram []byte, nc *nativeCode) {
	var f jitFrame
	f.X = st.X
	f.Flags = st.Flags
	if len(ram) > 0 {
		f.Ram = uintptr(unsafe.Pointer(&ram[0]))
		f.RamLen = uint64(len(ram))
	}

	jitCall(nc.entry, unsafe.Pointer(&f))

	st.X = f.X
	st.Flags = f.Flags
	st.PC = core.GuestAddr(f.NextPC)
	st.InstrRet += f.InstrRet

	switch f.Status {
	case statusOK:
	case statusHalt:
		st.Halted = true
	case statusSyscall:
		st.RaiseTrap(core.TrapCauseSyscall, f.FaultAddr)
	case statusTrap:
		st.RaiseTrap(core.TrapCauseIllegalInstr, f.FaultAddr)
	case statusFault:
		st.RaiseTrap(core.TrapCauseLoadFault, f.FaultAddr)
	}
}
