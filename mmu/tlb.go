package mmu

import (
	"sync"
	"sync/atomic"

	"github.com/colorfulnotion/tiervm/core"
	"github.com/colorfulnotion/tiervm/vmerrors"
	"golang.org/x/exp/rand"
)

// asidGlobal keys entries valid for every address space (global pages).
const asidGlobal = uint16(0xFFFF)

// TlbEntry is one cached VA->PA translation at 4K granularity. Huge-page
// walks are cached as the 4K page that was accessed, with PageSize recording
// the mapping's true size for flush bookkeeping.
type TlbEntry struct {
	Vpn      uint64
	Asid     uint16
	Ppn      uint64 // physical page number (phys >> 12)
	PageSize uint64

	Valid      bool
	Writable   bool
	Executable bool
	User       bool
	Global     bool
	Cacheable  bool
}

type tlbKey struct {
	vpn  uint64
	asid uint16
}

// TlbStats is a snapshot of the TLB counters.
type TlbStats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Flushes   uint64
	Size      int
	Capacity  int
}

// TLB is the shared translation cache. Entries live in a fixed arena and
// are referenced by index; callers receive value copies, never pointers
// into the arena. Concurrent lookups take the read lock; insert, evict and
// flush take the write lock, which doubles as the flush barrier: a flush
// issued by one vCPU is visible to every other vCPU's next lookup.
type TLB struct {
	mu       sync.RWMutex
	capacity int
	policy   string

	slots []TlbEntry
	refs  []uint32 // second-chance bits, touched atomically under RLock
	index map[tlbKey]int
	free  []int
	hand  int
	rng   *rand.Rand

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
	flushes   atomic.Uint64
}

func NewTLB(capacity int, policy string) *TLB {
	if capacity <= 0 {
		capacity = 256
	}
	if policy == "" {
		policy = core.TLBPolicyClock
	}
	t := &TLB{
		capacity: capacity,
		policy:   policy,
		slots:    make([]TlbEntry, capacity),
		refs:     make([]uint32, capacity),
		index:    make(map[tlbKey]int, capacity),
		rng:      rand.New(rand.NewSource(0x7165)),
	}
	t.free = make([]int, 0, capacity)
	for i := capacity - 1; i >= 0; i-- {
		t.free = append(t.free, i)
	}
	return t
}

// Lookup probes for (vpn, asid), falling back to a global entry for the
// same vpn. The access permission check is the caller's job; Lookup only
// reports the cached translation.
func (t *TLB) Lookup(vpn uint64, asid uint16) (TlbEntry, bool) {
	t.mu.RLock()
	idx, ok := t.index[tlbKey{vpn, asid}]
	if !ok {
		idx, ok = t.index[tlbKey{vpn, asidGlobal}]
	}
	if !ok {
		t.mu.RUnlock()
		t.misses.Add(1)
		return TlbEntry{}, false
	}
	entry := t.slots[idx]
	atomic.StoreUint32(&t.refs[idx], 1)
	t.mu.RUnlock()

	if !entry.Valid {
		t.misses.Add(1)
		return TlbEntry{}, false
	}
	t.hits.Add(1)
	return entry, true
}

// Insert installs a translation, evicting one entry per the configured
// policy when the arena is full. Global entries are indexed under the
// shared global ASID so any address space can hit them.
func (t *TLB) Insert(entry TlbEntry) {
	entry.Valid = true
	key := tlbKey{entry.Vpn, entry.Asid}
	if entry.Global {
		key.asid = asidGlobal
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if idx, ok := t.index[key]; ok {
		t.slots[idx] = entry
		atomic.StoreUint32(&t.refs[idx], 1)
		return
	}

	var idx int
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		idx = t.evictLocked()
		t.evictions.Add(1)
	}
	t.slots[idx] = entry
	atomic.StoreUint32(&t.refs[idx], 1)
	t.index[key] = idx
}

// evictLocked picks a victim slot and unlinks it. Caller holds the write lock.
func (t *TLB) evictLocked() int {
	var idx int
	if t.policy == core.TLBPolicyRandom {
		idx = t.rng.Intn(t.capacity)
	} else {
		// Second-chance clock: skip recently referenced entries once.
		for {
			h := t.hand
			t.hand = (t.hand + 1) % t.capacity
			if atomic.LoadUint32(&t.refs[h]) == 0 {
				idx = h
				break
			}
			atomic.StoreUint32(&t.refs[h], 0)
		}
	}
	victim := t.slots[idx]
	key := tlbKey{victim.Vpn, victim.Asid}
	if victim.Global {
		key.asid = asidGlobal
	}
	delete(t.index, key)
	t.slots[idx].Valid = false
	return idx
}

// Flush invalidates one page (every ASID, globals included) or, with a nil
// addr, the entire TLB.
func (t *TLB) Flush(addr *core.GuestAddr) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushes.Add(1)

	if addr == nil {
		for key, idx := range t.index {
			t.slots[idx].Valid = false
			t.free = append(t.free, idx)
			delete(t.index, key)
		}
		return
	}
	vpn := uint64(*addr) >> 12
	for key, idx := range t.index {
		if key.vpn == vpn {
			t.slots[idx].Valid = false
			t.free = append(t.free, idx)
			delete(t.index, key)
		}
	}
}

// FlushAsid drops every non-global entry tagged with asid.
func (t *TLB) FlushAsid(asid uint16) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushes.Add(1)

	for key, idx := range t.index {
		if key.asid == asid {
			t.slots[idx].Valid = false
			t.free = append(t.free, idx)
			delete(t.index, key)
		}
	}
}

func (t *TLB) Stats() TlbStats {
	t.mu.RLock()
	size := len(t.index)
	t.mu.RUnlock()
	return TlbStats{
		Hits:      t.hits.Load(),
		Misses:    t.misses.Load(),
		Evictions: t.evictions.Load(),
		Flushes:   t.flushes.Load(),
		Size:      size,
		Capacity:  t.capacity,
	}
}

// checkPerm validates the cached permissions against the access kind.
func (e *TlbEntry) checkPerm(access vmerrors.AccessKind) bool {
	switch access {
	case vmerrors.AccessWrite:
		return e.Writable
	case vmerrors.AccessExec:
		return e.Executable
	default:
		return true
	}
}
