package mmu

import (
	"github.com/colorfulnotion/tiervm/core"
	"github.com/colorfulnotion/tiervm/vmerrors"
)

// walkResult describes the 4K page a successful walk resolved, regardless
// of the mapping's true size (PageSize keeps the leaf size).
type walkResult struct {
	physPage   core.GuestPhysAddr
	pageSize   uint64
	writable   bool
	executable bool
	user       bool
	global     bool
	cacheable  bool
}

// x86-64 page-table entry bits.
const (
	pteX86Present = uint64(1) << 0
	pteX86Write   = uint64(1) << 1
	pteX86User    = uint64(1) << 2
	pteX86PCD     = uint64(1) << 4
	pteX86PS      = uint64(1) << 7
	pteX86Global  = uint64(1) << 8
	pteX86NX      = uint64(1) << 63

	x86AddrMask = uint64(0x000FFFFFFFFFF000)
)

// RISC-V Sv39/Sv48 page-table entry bits.
const (
	pteRvValid  = uint64(1) << 0
	pteRvRead   = uint64(1) << 1
	pteRvWrite  = uint64(1) << 2
	pteRvExec   = uint64(1) << 3
	pteRvUser   = uint64(1) << 4
	pteRvGlobal = uint64(1) << 5
)

// readPTE reads one 8-byte page-table entry from guest physical memory.
// Page tables living outside RAM are a setup inconsistency, fatal for the
// vCPU, not a guest fault.
func (m *MMU) readPTE(addr core.GuestPhysAddr) (uint64, error) {
	v, ok := m.ram.ReadPhys64(addr)
	if !ok {
		return 0, &vmerrors.MemoryAccessError{Addr: uint64(addr), Reason: "page-table entry outside RAM"}
	}
	return v, nil
}

func notPresent(addr core.GuestAddr) error {
	return vmerrors.NewFault(uint64(addr), vmerrors.AccessRead, vmerrors.ErrMPageNotPresent)
}

func corruptPTE(addr core.GuestPhysAddr, reason string) error {
	return &vmerrors.MemoryAccessError{Addr: uint64(addr), Reason: reason}
}

// walk resolves addr through the active paging mode's radix tables.
func (m *MMU) walk(addr core.GuestAddr) (walkResult, error) {
	root := core.GuestPhysAddr(m.rootPT.Load())
	switch m.mode {
	case core.PagingX8664:
		return m.walkX8664(addr, root)
	case core.PagingAArch64:
		return m.walkAArch64(addr, root)
	case core.PagingSv39:
		return m.walkRiscV(addr, root, 3)
	case core.PagingSv48:
		return m.walkRiscV(addr, root, 4)
	default:
		return walkResult{}, vmerrors.Internalf("walk called with paging mode %s", m.mode)
	}
}

// walkX8664 implements the 4-level long-mode walk with 1G and 2M leaves.
func (m *MMU) walkX8664(addr core.GuestAddr, root core.GuestPhysAddr) (walkResult, error) {
	a := uint64(addr)
	indices := [4]uint64{
		(a >> 39) & 0x1FF, // PML4
		(a >> 30) & 0x1FF, // PDPT
		(a >> 21) & 0x1FF, // PD
		(a >> 12) & 0x1FF, // PT
	}

	table := core.GuestPhysAddr(uint64(root) & x86AddrMask)
	for level := 0; level < 4; level++ {
		pteAddr := table + core.GuestPhysAddr(indices[level]*8)
		pte, err := m.readPTE(pteAddr)
		if err != nil {
			return walkResult{}, err
		}
		if pte&pteX86Present == 0 {
			return walkResult{}, notPresent(addr)
		}

		// 1G leaves at the PDPT, 2M leaves at the PD.
		if pte&pteX86PS != 0 && (level == 1 || level == 2) {
			pageSize := core.PageSize1G
			if level == 2 {
				pageSize = core.PageSize2M
			}
			base := pte & x86AddrMask
			if base%pageSize != 0 {
				return walkResult{}, corruptPTE(pteAddr, "huge-page base not aligned to page size")
			}
			return x86Result(pte, base+(a&(pageSize-1)&^uint64(0xFFF)), pageSize), nil
		}

		if level == 3 {
			return x86Result(pte, pte&x86AddrMask, core.PageSize4K), nil
		}
		table = core.GuestPhysAddr(pte & x86AddrMask)
	}
	return walkResult{}, corruptPTE(0, "unreachable walk state")
}

func x86Result(pte uint64, physPage uint64, pageSize uint64) walkResult {
	return walkResult{
		physPage:   core.GuestPhysAddr(physPage),
		pageSize:   pageSize,
		writable:   pte&pteX86Write != 0,
		executable: pte&pteX86NX == 0,
		user:       pte&pteX86User != 0,
		global:     pte&pteX86Global != 0,
		cacheable:  pte&pteX86PCD == 0,
	}
}

// walkAArch64 implements a stage-1 walk with the 4KB granule: four levels,
// block descriptors permitted at L1 (1G) and L2 (2M).
func (m *MMU) walkAArch64(addr core.GuestAddr, root core.GuestPhysAddr) (walkResult, error) {
	const descAddrMask = uint64(0x0000FFFFFFFFF000)
	a := uint64(addr)
	indices := [4]uint64{
		(a >> 39) & 0x1FF,
		(a >> 30) & 0x1FF,
		(a >> 21) & 0x1FF,
		(a >> 12) & 0x1FF,
	}

	table := core.GuestPhysAddr(uint64(root) & descAddrMask)
	for level := 0; level < 4; level++ {
		descAddr := table + core.GuestPhysAddr(indices[level]*8)
		desc, err := m.readPTE(descAddr)
		if err != nil {
			return walkResult{}, err
		}
		if desc&0x1 == 0 {
			return walkResult{}, notPresent(addr)
		}

		isTable := desc&0x2 != 0
		switch {
		case level == 3:
			// Level 3 requires a page descriptor (bits 1:0 == 0b11).
			if !isTable {
				return walkResult{}, corruptPTE(descAddr, "reserved L3 block descriptor")
			}
			return aarch64Result(desc, desc&descAddrMask, core.PageSize4K), nil
		case !isTable:
			// Block descriptor: 1G at L1, 2M at L2, reserved at L0.
			if level == 0 {
				return walkResult{}, corruptPTE(descAddr, "block descriptor at level 0")
			}
			pageSize := core.PageSize1G
			if level == 2 {
				pageSize = core.PageSize2M
			}
			base := desc & descAddrMask
			if base%pageSize != 0 {
				return walkResult{}, corruptPTE(descAddr, "block base not aligned to block size")
			}
			return aarch64Result(desc, base+(a&(pageSize-1)&^uint64(0xFFF)), pageSize), nil
		default:
			table = core.GuestPhysAddr(desc & descAddrMask)
		}
	}
	return walkResult{}, corruptPTE(0, "unreachable walk state")
}

func aarch64Result(desc uint64, physPage uint64, pageSize uint64) walkResult {
	const (
		apReadOnly = uint64(1) << 7  // AP[2]
		apEL0      = uint64(1) << 6  // AP[1]
		nG         = uint64(1) << 11 // not-global
		uxn        = uint64(1) << 54
	)
	return walkResult{
		physPage:   core.GuestPhysAddr(physPage),
		pageSize:   pageSize,
		writable:   desc&apReadOnly == 0,
		executable: desc&uxn == 0,
		user:       desc&apEL0 != 0,
		global:     desc&nG == 0,
		cacheable:  true,
	}
}

// walkRiscV implements Sv39 (3 levels) and Sv48 (4 levels). A leaf is any
// entry with R, W, or X set; W without R is reserved and treated as
// corruption, as is a misaligned huge-page PPN.
func (m *MMU) walkRiscV(addr core.GuestAddr, root core.GuestPhysAddr, levels int) (walkResult, error) {
	a := uint64(addr)
	table := root
	for level := levels - 1; level >= 0; level-- {
		shift := uint(12 + 9*level)
		idx := (a >> shift) & 0x1FF
		pteAddr := table + core.GuestPhysAddr(idx*8)
		pte, err := m.readPTE(pteAddr)
		if err != nil {
			return walkResult{}, err
		}
		if pte&pteRvValid == 0 {
			return walkResult{}, notPresent(addr)
		}
		if pte&pteRvWrite != 0 && pte&pteRvRead == 0 {
			return walkResult{}, corruptPTE(pteAddr, "writable-but-not-readable PTE is reserved")
		}

		ppn := pte >> 10
		if pte&(pteRvRead|pteRvWrite|pteRvExec) == 0 {
			// Pointer to the next level.
			if level == 0 {
				return walkResult{}, corruptPTE(pteAddr, "non-leaf PTE at level 0")
			}
			table = core.GuestPhysAddr(ppn << 12)
			continue
		}

		// Leaf. Superpage PPNs must be aligned to the level.
		if level > 0 {
			mask := (uint64(1) << uint(9*level)) - 1
			if ppn&mask != 0 {
				return walkResult{}, corruptPTE(pteAddr, "misaligned superpage PPN")
			}
		}
		pageSize := core.PageSize4K << uint(9*level)
		base := ppn << 12
		physPage := base + (a & (pageSize - 1) &^ uint64(0xFFF))
		return walkResult{
			physPage:   core.GuestPhysAddr(physPage),
			pageSize:   pageSize,
			writable:   pte&pteRvWrite != 0,
			executable: pte&pteRvExec != 0,
			user:       pte&pteRvUser != 0,
			global:     pte&pteRvGlobal != 0,
			cacheable:  true,
		}, nil
	}
	return walkResult{}, notPresent(addr)
}
