package core

// Memory is the capability the decoder, interpreter, and compiled tiers use
// for all guest accesses. It is implemented by the per-vCPU view of the
// software MMU; addresses are guest virtual and translated per the active
// paging mode.
//
// Sizes are in bytes and must be 1, 2, 4, or 8 for the scalar calls.
type Memory interface {
	// Read returns size bytes at addr, zero-extended.
	Read(addr GuestAddr, size uint8) (uint64, error)
	// Write stores the low size bytes of val at addr.
	Write(addr GuestAddr, val uint64, size uint8) error

	// ReadBulk fills buf from addr. At least as fast as repeated scalar
	// reads; aligned in-RAM spans are copied directly.
	ReadBulk(addr GuestAddr, buf []byte) error
	// WriteBulk stores data at addr.
	WriteBulk(addr GuestAddr, data []byte) error

	// FetchCode reads up to len(buf) instruction bytes at addr with
	// execute permission, returning the number of bytes available before
	// the next page boundary fault.
	FetchCode(addr GuestAddr, buf []byte) (int, error)

	// AtomicCAS atomically compares and swaps, returning the previous
	// value and whether the swap occurred. Sequentially consistent with
	// respect to all other atomic ops on the same address.
	AtomicCAS(addr GuestAddr, expected, new uint64, size uint8) (uint64, bool, error)
	// AtomicLR performs a load-reserved, registering a reservation on the
	// granule containing addr for this vCPU.
	AtomicLR(addr GuestAddr, size uint8) (uint64, error)
	// AtomicSC performs a store-conditional; it fails (false) if any write
	// touched the reserved granule since the matching AtomicLR, including
	// writes from other vCPUs.
	AtomicSC(addr GuestAddr, val uint64, size uint8) (bool, error)
}

// MmioDevice is the external collaborator consumed when an access falls
// outside RAM. Management of the dispatch table is out of scope for this
// core; devices are registered with their address range at construction.
type MmioDevice interface {
	Read(offset uint64, size uint8) uint64
	Write(offset uint64, size uint8, value uint64)
	Interrupt() (uint32, bool)
}
