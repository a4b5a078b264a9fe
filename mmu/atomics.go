package mmu

import (
	"github.com/colorfulnotion/tiervm/core"
	"github.com/colorfulnotion/tiervm/vmerrors"
)

// Reservations are tracked at a 64-byte granule, so any store into the
// granule, not just the reserved word, breaks the reservation.
const granuleShift = 6

func granule(phys core.GuestPhysAddr) uint64 {
	return uint64(phys) >> granuleShift
}

type reservation struct {
	granule uint64
	valid   bool
}

// AtomicCAS compares the value at addr with expected and, on a match,
// stores newVal. The old value is returned either way. The whole operation
// is one critical section: no other vCPU's atomic can interleave.
func (m *MMU) AtomicCAS(addr core.GuestAddr, expected, newVal uint64, size uint8, asid uint16) (uint64, bool, error) {
	if !validSize(size) {
		return 0, false, vmerrors.Internalf("cas size %d", size)
	}
	if uint64(addr)&(uint64(size)-1) != 0 {
		return 0, false, vmerrors.NewFault(uint64(addr), vmerrors.AccessWrite, vmerrors.ErrMMisaligned)
	}

	phys, err := m.Translate(addr, vmerrors.AccessWrite, asid)
	if err != nil {
		return 0, false, err
	}

	m.atomicMu.Lock()
	defer m.atomicMu.Unlock()

	old, ok := m.ram.ReadPhys(phys, size)
	if !ok {
		return 0, false, vmerrors.NewFault(uint64(addr), vmerrors.AccessWrite, vmerrors.ErrMInvalidAddress)
	}
	if old != expected {
		return old, false, nil
	}
	m.notifyCodeWrite(phys, uint64(size))
	m.ram.WritePhys(phys, newVal, size)
	m.invalidateGranulesLocked(phys, uint64(size), -1)
	return old, true, nil
}

// AtomicLR performs a load-reserved for vcpu: the load plus a reservation
// on the enclosing granule. A later LR replaces the previous reservation.
func (m *MMU) AtomicLR(vcpu int, addr core.GuestAddr, size uint8, asid uint16) (uint64, error) {
	if !validSize(size) {
		return 0, vmerrors.Internalf("lr size %d", size)
	}
	if uint64(addr)&(uint64(size)-1) != 0 {
		return 0, vmerrors.NewFault(uint64(addr), vmerrors.AccessRead, vmerrors.ErrMMisaligned)
	}

	phys, err := m.Translate(addr, vmerrors.AccessRead, asid)
	if err != nil {
		return 0, err
	}

	m.atomicMu.Lock()
	defer m.atomicMu.Unlock()

	v, ok := m.ram.ReadPhys(phys, size)
	if !ok {
		return 0, vmerrors.NewFault(uint64(addr), vmerrors.AccessRead, vmerrors.ErrMInvalidAddress)
	}
	res := m.reservations[vcpu]
	if res == nil {
		res = &reservation{}
		m.reservations[vcpu] = res
	}
	if !res.valid {
		m.resCount.Add(1)
	}
	res.granule = granule(phys)
	res.valid = true
	return v, nil
}

// AtomicSC performs a store-conditional for vcpu. The store happens only if
// the vCPU's reservation is still intact and covers the target granule; the
// reservation is consumed either way.
func (m *MMU) AtomicSC(vcpu int, addr core.GuestAddr, val uint64, size uint8, asid uint16) (bool, error) {
	if !validSize(size) {
		return false, vmerrors.Internalf("sc size %d", size)
	}
	if uint64(addr)&(uint64(size)-1) != 0 {
		return false, vmerrors.NewFault(uint64(addr), vmerrors.AccessWrite, vmerrors.ErrMMisaligned)
	}

	phys, err := m.Translate(addr, vmerrors.AccessWrite, asid)
	if err != nil {
		return false, err
	}

	m.atomicMu.Lock()
	defer m.atomicMu.Unlock()

	res := m.reservations[vcpu]
	held := res != nil && res.valid && res.granule == granule(phys)
	if res != nil && res.valid {
		res.valid = false
		m.resCount.Add(-1)
	}
	if !held {
		return false, nil
	}
	if !m.ram.Contains(phys, uint64(size)) {
		return false, vmerrors.NewFault(uint64(addr), vmerrors.AccessWrite, vmerrors.ErrMInvalidAddress)
	}
	m.notifyCodeWrite(phys, uint64(size))
	m.ram.WritePhys(phys, val, size)
	m.invalidateGranulesLocked(phys, uint64(size), vcpu)
	return true, nil
}

// ClearReservation drops vcpu's reservation, e.g. on trap entry or context
// switch.
func (m *MMU) ClearReservation(vcpu int) {
	m.atomicMu.Lock()
	defer m.atomicMu.Unlock()
	if res := m.reservations[vcpu]; res != nil && res.valid {
		res.valid = false
		m.resCount.Add(-1)
	}
}

// invalidateGranules breaks every reservation overlapping the written
// granule range. Plain stores call this; the resCount fast path keeps it
// free when no reservation is live.
func (m *MMU) invalidateGranules(phys core.GuestPhysAddr, length uint64) {
	if m.resCount.Load() == 0 {
		return
	}
	m.atomicMu.Lock()
	m.invalidateGranulesLocked(phys, length, -1)
	m.atomicMu.Unlock()
}

// invalidateGranulesLocked is the under-lock form; except skips that vCPU's
// own reservation (already consumed by its SC).
func (m *MMU) invalidateGranulesLocked(phys core.GuestPhysAddr, length uint64, except int) {
	lo := granule(phys)
	hi := granule(phys + core.GuestPhysAddr(length-1))
	for id, res := range m.reservations {
		if id == except || !res.valid {
			continue
		}
		if res.granule >= lo && res.granule <= hi {
			res.valid = false
			m.resCount.Add(-1)
		}
	}
}
