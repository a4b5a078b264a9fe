package mmu

import (
	"github.com/colorfulnotion/tiervm/core"
)

// View binds the shared MMU to one vCPU's state, supplying the ASID and
// reservation identity every access needs. It is what the interpreter and
// compiled code see as guest memory.
type View struct {
	m  *MMU
	st *core.VcpuExecState
}

var _ core.Memory = (*View)(nil)

func (m *MMU) View(st *core.VcpuExecState) *View {
	return &View{m: m, st: st}
}

func (v *View) Read(addr core.GuestAddr, size uint8) (uint64, error) {
	return v.m.ReadVirt(addr, size, v.st.Asid)
}

func (v *View) Write(addr core.GuestAddr, val uint64, size uint8) error {
	return v.m.WriteVirt(addr, val, size, v.st.Asid)
}

func (v *View) ReadBulk(addr core.GuestAddr, buf []byte) error {
	return v.m.ReadBulkVirt(addr, buf, v.st.Asid)
}

func (v *View) WriteBulk(addr core.GuestAddr, data []byte) error {
	return v.m.WriteBulkVirt(addr, data, v.st.Asid)
}

func (v *View) FetchCode(addr core.GuestAddr, buf []byte) (int, error) {
	return v.m.FetchCodeVirt(addr, buf, v.st.Asid)
}

func (v *View) AtomicCAS(addr core.GuestAddr, expected, newVal uint64, size uint8) (uint64, bool, error) {
	return v.m.AtomicCAS(addr, expected, newVal, size, v.st.Asid)
}

func (v *View) AtomicLR(addr core.GuestAddr, size uint8) (uint64, error) {
	return v.m.AtomicLR(v.st.ID, addr, size, v.st.Asid)
}

func (v *View) AtomicSC(addr core.GuestAddr, val uint64, size uint8) (bool, error) {
	return v.m.AtomicSC(v.st.ID, addr, val, size, v.st.Asid)
}

// FlatRAM exposes guest RAM directly while translation is identity, which is
// what the native JIT tier runs its bounds-checked loads against. Under any
// paging mode it returns nil and native dispatch is off the table.
func (v *View) FlatRAM() []byte {
	if v.m.mode != core.PagingNone {
		return nil
	}
	buf, _ := v.m.ram.Slice(0, v.m.ram.Size())
	return buf
}
