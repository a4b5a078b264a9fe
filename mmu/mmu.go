// Package mmu implements the software MMU: guest physical RAM, the shared
// TLB, page-table walkers for every supported paging mode, guest atomics,
// and MMIO routing for addresses outside RAM.
package mmu

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/colorfulnotion/tiervm/core"
	"github.com/colorfulnotion/tiervm/log"
	"github.com/colorfulnotion/tiervm/vmerrors"
)

type deviceRange struct {
	base core.GuestPhysAddr
	size uint64
	dev  core.MmioDevice
}

// MMU owns guest physical memory and the translation cache. One MMU is
// shared by all vCPUs; per-vCPU access goes through a View bound to that
// vCPU's state (ASID, reservation identity).
type MMU struct {
	ram  *RAM
	tlb  *TLB
	mode core.PagingMode

	rootPT atomic.Uint64 // physical base of the active root page table

	devMu   sync.RWMutex
	devices []deviceRange

	// LR/SC reservations, keyed by vCPU id. resCount gates the write-path
	// scan so plain stores stay cheap when no reservation is live.
	atomicMu     sync.Mutex
	reservations map[int]*reservation
	resCount     atomic.Int64

	// Write-protect-on-translate bookkeeping for self-modifying code:
	// decoded code pages are registered here and any store into one fires
	// the invalidation hook before the bytes change.
	watchMu     sync.RWMutex
	watched     map[core.GuestPhysAddr]struct{}
	watchCount  atomic.Int64
	onCodeWrite func(page core.GuestPhysAddr)
}

func New(cfg core.Config) *MMU {
	return &MMU{
		ram:          NewRAM(cfg.MemorySize),
		tlb:          NewTLB(cfg.TLBSize, cfg.TLBPolicy),
		mode:         core.PagingNone,
		reservations: make(map[int]*reservation),
		watched:      make(map[core.GuestPhysAddr]struct{}),
	}
}

func (m *MMU) RAM() *RAM { return m.ram }

func (m *MMU) TLB() *TLB { return m.tlb }

func (m *MMU) TlbStats() TlbStats { return m.tlb.Stats() }

// SetPagingMode switches the active translation scheme and drops every
// cached translation. Set once per boot or mode switch.
func (m *MMU) SetPagingMode(mode core.PagingMode) {
	m.mode = mode
	m.tlb.Flush(nil)
}

func (m *MMU) PagingMode() core.PagingMode { return m.mode }

// SetPageTableBase changes the root of translation. Unless the caller
// preserves ASIDs per the guest architecture's rules, entries tagged with
// asid are invalidated so stale translations against the old root cannot
// be returned.
func (m *MMU) SetPageTableBase(base core.GuestPhysAddr, asid uint16, preserveAsid bool) {
	m.rootPT.Store(uint64(base))
	if !preserveAsid {
		m.tlb.FlushAsid(asid)
	}
}

// FlushTlb invalidates one address (nil flushes everything). Acts as the
// flush barrier: the next lookup on any vCPU observes the invalidation.
func (m *MMU) FlushTlb(addr *core.GuestAddr) {
	m.tlb.Flush(addr)
}

func (m *MMU) FlushAsid(asid uint16) {
	m.tlb.FlushAsid(asid)
}

// RegisterDevice routes [base, base+size) to dev. Ranges must not overlap
// RAM or each other; management of this table beyond registration is out
// of scope here.
func (m *MMU) RegisterDevice(base core.GuestPhysAddr, size uint64, dev core.MmioDevice) error {
	if m.ram.Contains(base, 1) {
		return vmerrors.Internalf("device range 0x%x overlaps RAM", base)
	}
	m.devMu.Lock()
	defer m.devMu.Unlock()
	for _, d := range m.devices {
		if uint64(base) < uint64(d.base)+d.size && uint64(d.base) < uint64(base)+size {
			return vmerrors.Internalf("device range 0x%x overlaps existing range 0x%x", base, d.base)
		}
	}
	m.devices = append(m.devices, deviceRange{base: base, size: size, dev: dev})
	sort.Slice(m.devices, func(i, j int) bool { return m.devices[i].base < m.devices[j].base })
	log.Debug(log.MmuModule, "device registered", "base", uint64(base), "size", size)
	return nil
}

func (m *MMU) findDevice(phys core.GuestPhysAddr) (deviceRange, bool) {
	m.devMu.RLock()
	defer m.devMu.RUnlock()
	i := sort.Search(len(m.devices), func(i int) bool {
		return uint64(m.devices[i].base)+m.devices[i].size > uint64(phys)
	})
	if i < len(m.devices) && phys >= m.devices[i].base {
		return m.devices[i], true
	}
	return deviceRange{}, false
}

// Translate resolves a guest virtual address for the given access kind and
// ASID: TLB probe first, page walk on miss with the result inserted back
// into the TLB.
func (m *MMU) Translate(addr core.GuestAddr, access vmerrors.AccessKind, asid uint16) (core.GuestPhysAddr, error) {
	if m.mode == core.PagingNone {
		return core.GuestPhysAddr(addr), nil
	}

	vpn := uint64(addr) >> 12
	if entry, ok := m.tlb.Lookup(vpn, asid); ok {
		if !entry.checkPerm(access) {
			return 0, vmerrors.NewFault(uint64(addr), access, vmerrors.ErrMProtection)
		}
		return core.GuestPhysAddr(entry.Ppn<<12 | uint64(addr)&0xFFF), nil
	}

	result, err := m.walk(addr)
	if err != nil {
		var f *vmerrors.Fault
		if errors.As(err, &f) {
			f.Access = access
		}
		return 0, err
	}

	m.tlb.Insert(TlbEntry{
		Vpn:        vpn,
		Asid:       asid,
		Ppn:        uint64(result.physPage) >> 12,
		PageSize:   result.pageSize,
		Writable:   result.writable,
		Executable: result.executable,
		User:       result.user,
		Global:     result.global,
		Cacheable:  result.cacheable,
	})

	entry := TlbEntry{Writable: result.writable, Executable: result.executable}
	if !entry.checkPerm(access) {
		return 0, vmerrors.NewFault(uint64(addr), access, vmerrors.ErrMProtection)
	}
	return result.physPage + core.GuestPhysAddr(uint64(addr)&0xFFF), nil
}

func crossesPage(addr core.GuestAddr, size uint8) bool {
	return uint64(addr)>>12 != (uint64(addr)+uint64(size)-1)>>12
}

func validSize(size uint8) bool {
	return size == 1 || size == 2 || size == 4 || size == 8
}

// ReadVirt reads size bytes at a virtual address, zero-extended.
func (m *MMU) ReadVirt(addr core.GuestAddr, size uint8, asid uint16) (uint64, error) {
	if !validSize(size) {
		return 0, vmerrors.Internalf("read size %d", size)
	}
	if m.mode != core.PagingNone && crossesPage(addr, size) {
		// Split access: translate byte by byte across the boundary.
		var v uint64
		for i := uint8(0); i < size; i++ {
			b, err := m.ReadVirt(addr+core.GuestAddr(i), 1, asid)
			if err != nil {
				return 0, err
			}
			v |= b << (8 * i)
		}
		return v, nil
	}

	phys, err := m.Translate(addr, vmerrors.AccessRead, asid)
	if err != nil {
		return 0, err
	}
	if v, ok := m.ram.ReadPhys(phys, size); ok {
		return v, nil
	}
	if d, ok := m.findDevice(phys); ok {
		return d.dev.Read(uint64(phys-d.base), size), nil
	}
	return 0, vmerrors.NewFault(uint64(addr), vmerrors.AccessRead, vmerrors.ErrMInvalidAddress)
}

// WriteVirt stores the low size bytes of val at a virtual address.
func (m *MMU) WriteVirt(addr core.GuestAddr, val uint64, size uint8, asid uint16) error {
	if !validSize(size) {
		return vmerrors.Internalf("write size %d", size)
	}
	if m.mode != core.PagingNone && crossesPage(addr, size) {
		for i := uint8(0); i < size; i++ {
			if err := m.WriteVirt(addr+core.GuestAddr(i), val>>(8*i)&0xFF, 1, asid); err != nil {
				return err
			}
		}
		return nil
	}

	phys, err := m.Translate(addr, vmerrors.AccessWrite, asid)
	if err != nil {
		return err
	}
	return m.writePhys(phys, val, size, core.GuestAddr(addr))
}

// writePhys performs the store with code-watch and reservation side
// effects. The code-write hook fires before the bytes change so stale
// blocks are gone by the time the new code is observable.
func (m *MMU) writePhys(phys core.GuestPhysAddr, val uint64, size uint8, virt core.GuestAddr) error {
	m.notifyCodeWrite(phys, uint64(size))
	if m.ram.WritePhys(phys, val, size) {
		m.invalidateGranules(phys, uint64(size))
		return nil
	}
	if d, ok := m.findDevice(phys); ok {
		d.dev.Write(uint64(phys-d.base), size, val)
		return nil
	}
	return vmerrors.NewFault(uint64(virt), vmerrors.AccessWrite, vmerrors.ErrMInvalidAddress)
}

// ReadBulkVirt fills buf from addr, page by page; contiguous in-RAM spans
// are block copies rather than repeated scalar reads.
func (m *MMU) ReadBulkVirt(addr core.GuestAddr, buf []byte, asid uint16) error {
	for len(buf) > 0 {
		span := pageSpan(addr, len(buf), m.mode)
		phys, err := m.Translate(addr, vmerrors.AccessRead, asid)
		if err != nil {
			return err
		}
		if m.ram.ReadBytes(phys, buf[:span]) {
			addr += core.GuestAddr(span)
			buf = buf[span:]
			continue
		}
		if d, ok := m.findDevice(phys); ok {
			for i := 0; i < span; i++ {
				buf[i] = uint8(d.dev.Read(uint64(phys-d.base)+uint64(i), 1))
			}
			addr += core.GuestAddr(span)
			buf = buf[span:]
			continue
		}
		return vmerrors.NewFault(uint64(addr), vmerrors.AccessRead, vmerrors.ErrMInvalidAddress)
	}
	return nil
}

// WriteBulkVirt stores data at addr, page by page.
func (m *MMU) WriteBulkVirt(addr core.GuestAddr, data []byte, asid uint16) error {
	for len(data) > 0 {
		span := pageSpan(addr, len(data), m.mode)
		phys, err := m.Translate(addr, vmerrors.AccessWrite, asid)
		if err != nil {
			return err
		}
		m.notifyCodeWrite(phys, uint64(span))
		if m.ram.WriteBytes(phys, data[:span]) {
			m.invalidateGranules(phys, uint64(span))
			addr += core.GuestAddr(span)
			data = data[span:]
			continue
		}
		if d, ok := m.findDevice(phys); ok {
			for i := 0; i < span; i++ {
				d.dev.Write(uint64(phys-d.base)+uint64(i), 1, uint64(data[i]))
			}
			addr += core.GuestAddr(span)
			data = data[span:]
			continue
		}
		return vmerrors.NewFault(uint64(addr), vmerrors.AccessWrite, vmerrors.ErrMInvalidAddress)
	}
	return nil
}

// pageSpan bounds a bulk span at the next page boundary under paging, or
// the whole request when translation is identity.
func pageSpan(addr core.GuestAddr, remaining int, mode core.PagingMode) int {
	if mode == core.PagingNone {
		return remaining
	}
	untilBoundary := int(core.PageSize4K - uint64(addr)&(core.PageSize4K-1))
	if remaining < untilBoundary {
		return remaining
	}
	return untilBoundary
}

// FetchCodeVirt reads instruction bytes with execute permission, stopping
// at the page boundary. Fetching from MMIO space is rejected.
func (m *MMU) FetchCodeVirt(addr core.GuestAddr, buf []byte, asid uint16) (int, error) {
	span := pageSpan(addr, len(buf), m.mode)
	phys, err := m.Translate(addr, vmerrors.AccessExec, asid)
	if err != nil {
		return 0, err
	}
	src, ok := m.ram.Slice(phys, uint64(span))
	if !ok {
		// Clamp to the end of RAM for fetches near the top of memory.
		if avail := int64(m.ram.Size()) - int64(phys); avail > 0 && int64(span) > avail {
			src, ok = m.ram.Slice(phys, uint64(avail))
		}
		if !ok {
			return 0, vmerrors.NewFault(uint64(addr), vmerrors.AccessExec, vmerrors.ErrMInvalidAddress)
		}
	}
	copy(buf, src)
	return len(src), nil
}

// --- self-modifying code watch ---

// SetCodeWriteHook installs the invalidation callback fired when a store
// lands in a watched code page.
func (m *MMU) SetCodeWriteHook(fn func(page core.GuestPhysAddr)) {
	m.watchMu.Lock()
	m.onCodeWrite = fn
	m.watchMu.Unlock()
}

// WatchCodePage marks the 4K physical page as holding decoded code.
func (m *MMU) WatchCodePage(page core.GuestPhysAddr) {
	page &= ^core.GuestPhysAddr(core.PageSize4K - 1)
	m.watchMu.Lock()
	if _, ok := m.watched[page]; !ok {
		m.watched[page] = struct{}{}
		m.watchCount.Add(1)
	}
	m.watchMu.Unlock()
}

// WatchedCodePages is the number of physical pages currently watched.
func (m *MMU) WatchedCodePages() int { return int(m.watchCount.Load()) }

// UnwatchCodePage removes the mark.
func (m *MMU) UnwatchCodePage(page core.GuestPhysAddr) {
	page &= ^core.GuestPhysAddr(core.PageSize4K - 1)
	m.watchMu.Lock()
	if _, ok := m.watched[page]; ok {
		delete(m.watched, page)
		m.watchCount.Add(-1)
	}
	m.watchMu.Unlock()
}

func (m *MMU) notifyCodeWrite(phys core.GuestPhysAddr, length uint64) {
	if m.watchCount.Load() == 0 {
		return
	}
	first := phys &^ core.GuestPhysAddr(core.PageSize4K-1)
	last := (phys + core.GuestPhysAddr(length-1)) &^ core.GuestPhysAddr(core.PageSize4K-1)
	m.watchMu.RLock()
	hook := m.onCodeWrite
	var pages []core.GuestPhysAddr
	for p := first; p <= last; p += core.GuestPhysAddr(core.PageSize4K) {
		if _, ok := m.watched[p]; ok {
			pages = append(pages, p)
		}
	}
	m.watchMu.RUnlock()
	for _, p := range pages {
		log.Debug(log.MmuModule, "store into code page", "page", uint64(p))
		if hook != nil {
			hook(p)
		}
	}
}
