package mmu

import (
	"encoding/binary"

	"github.com/colorfulnotion/tiervm/core"
)

// RAM is the flat guest physical memory. All accessors are bounds checked
// and little-endian; callers translate virtual addresses first.
type RAM struct {
	data []byte
	size uint64
}

func NewRAM(size uint64) *RAM {
	return &RAM{
		data: make([]byte, size),
		size: size,
	}
}

func (r *RAM) Size() uint64 { return r.size }

// Contains reports whether [addr, addr+length) lies fully inside RAM.
func (r *RAM) Contains(addr core.GuestPhysAddr, length uint64) bool {
	a := uint64(addr)
	return a < r.size && length <= r.size-a
}

func (r *RAM) ReadPhys8(addr core.GuestPhysAddr) (uint8, bool) {
	if !r.Contains(addr, 1) {
		return 0, false
	}
	return r.data[addr], true
}

func (r *RAM) ReadPhys16(addr core.GuestPhysAddr) (uint16, bool) {
	if !r.Contains(addr, 2) {
		return 0, false
	}
	return binary.LittleEndian.Uint16(r.data[addr : addr+2]), true
}

func (r *RAM) ReadPhys32(addr core.GuestPhysAddr) (uint32, bool) {
	if !r.Contains(addr, 4) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(r.data[addr : addr+4]), true
}

func (r *RAM) ReadPhys64(addr core.GuestPhysAddr) (uint64, bool) {
	if !r.Contains(addr, 8) {
		return 0, false
	}
	return binary.LittleEndian.Uint64(r.data[addr : addr+8]), true
}

func (r *RAM) WritePhys8(addr core.GuestPhysAddr, v uint8) bool {
	if !r.Contains(addr, 1) {
		return false
	}
	r.data[addr] = v
	return true
}

func (r *RAM) WritePhys16(addr core.GuestPhysAddr, v uint16) bool {
	if !r.Contains(addr, 2) {
		return false
	}
	binary.LittleEndian.PutUint16(r.data[addr:addr+2], v)
	return true
}

func (r *RAM) WritePhys32(addr core.GuestPhysAddr, v uint32) bool {
	if !r.Contains(addr, 4) {
		return false
	}
	binary.LittleEndian.PutUint32(r.data[addr:addr+4], v)
	return true
}

func (r *RAM) WritePhys64(addr core.GuestPhysAddr, v uint64) bool {
	if !r.Contains(addr, 8) {
		return false
	}
	binary.LittleEndian.PutUint64(r.data[addr:addr+8], v)
	return true
}

// ReadPhys reads size bytes (1/2/4/8) zero-extended.
func (r *RAM) ReadPhys(addr core.GuestPhysAddr, size uint8) (uint64, bool) {
	switch size {
	case 1:
		v, ok := r.ReadPhys8(addr)
		return uint64(v), ok
	case 2:
		v, ok := r.ReadPhys16(addr)
		return uint64(v), ok
	case 4:
		v, ok := r.ReadPhys32(addr)
		return uint64(v), ok
	case 8:
		return r.ReadPhys64(addr)
	}
	return 0, false
}

// WritePhys stores the low size bytes of v.
func (r *RAM) WritePhys(addr core.GuestPhysAddr, v uint64, size uint8) bool {
	switch size {
	case 1:
		return r.WritePhys8(addr, uint8(v))
	case 2:
		return r.WritePhys16(addr, uint16(v))
	case 4:
		return r.WritePhys32(addr, uint32(v))
	case 8:
		return r.WritePhys64(addr, v)
	}
	return false
}

// ReadBytes copies length bytes starting at addr into buf.
func (r *RAM) ReadBytes(addr core.GuestPhysAddr, buf []byte) bool {
	if !r.Contains(addr, uint64(len(buf))) {
		return false
	}
	copy(buf, r.data[addr:uint64(addr)+uint64(len(buf))])
	return true
}

// WriteBytes copies data into RAM starting at addr.
func (r *RAM) WriteBytes(addr core.GuestPhysAddr, data []byte) bool {
	if !r.Contains(addr, uint64(len(data))) {
		return false
	}
	copy(r.data[addr:uint64(addr)+uint64(len(data))], data)
	return true
}

// Slice returns a read-only view of [addr, addr+length). Used by the code
// fetch path; callers must not retain it across writes.
func (r *RAM) Slice(addr core.GuestPhysAddr, length uint64) ([]byte, bool) {
	if !r.Contains(addr, length) {
		return nil, false
	}
	return r.data[addr : uint64(addr)+length], true
}
