// Package arch holds the ARM64 memory layout constants and the interfaces of
// the page-table and cache/TLB maintenance layers consumed by the allocators.
package arch

const (
	// PageShift selects the 4K translation granule
	PageShift = 12
	PageSize  = uint64(1) << PageShift
	PageMask  = ^(PageSize - 1)

	// MaxOrder is the number of buddy orders; the largest block is 2^(MaxOrder-1) pages
	MaxOrder        = 11
	MaxOrderNrPages = 1 << (MaxOrder - 1)

	// PageAllocCostlyOrder is the highest order the allocator considers cheap
	PageAllocCostlyOrder = 3

	L1CacheShift  = 6
	L1CacheBytes  = 1 << L1CacheShift
	SMPCacheBytes = L1CacheBytes

	// NrCPUs is the compile-time CPU limit; the runtime count may be lower
	NrCPUs = 8

	// PhysAddrMax is the largest physical address
	PhysAddrMax = ^uint64(0)
)

// Kernel virtual layout for VA_BITS=48.
const (
	VABits     = 48
	VAStart    = uint64(0xffffffffffffffff) - (uint64(1) << VABits) + 1
	PageOffset = uint64(0xffffffffffffffff) - (uint64(1) << (VABits - 1)) + 1

	structPageMaxShift = 6
	VmemmapSize        = uint64(1) << (VABits - PageShift - 1 + structPageMaxShift)
	VmemmapStart       = PageOffset - VmemmapSize

	ModulesVaddr = VAStart
	ModulesVSize = uint64(128) << 20
	ModulesEnd   = ModulesVaddr + ModulesVSize

	PUDSize = uint64(1) << 30
	PMDSize = uint64(1) << 21

	VmallocStart = ModulesEnd
	VmallocEnd   = PageOffset - PUDSize - VmemmapSize - 0x10000

	// IOremapMaxOrder bounds the alignment of ioremap areas
	IOremapMaxOrder = 30
)

// Prot is a page protection value handed to the page-table layer.
type Prot uint64

const (
	ProtNone Prot = 0
	// PageKernel is normal cacheable read/write memory
	PageKernel Prot = 1 << iota
	// PageKernelRO is read-only kernel memory
	PageKernelRO
	// PageKernelExec allows instruction fetch
	PageKernelExec
	// PageDevice maps device memory (nGnRE)
	PageDevice
)

func (p Prot) String() string {
	switch p {
	case ProtNone:
		return "none"
	case PageKernel:
		return "kernel"
	case PageKernelRO:
		return "kernel-ro"
	case PageKernelExec:
		return "kernel-exec"
	case PageDevice:
		return "device"
	}
	return "mixed"
}

// PageAlign rounds addr up to a page boundary.
func PageAlign(addr uint64) uint64 {
	return (addr + PageSize - 1) & PageMask
}

// PageAligned reports whether addr sits on a page boundary.
func PageAligned(addr uint64) bool {
	return addr&(PageSize-1) == 0
}

func PFNUp(addr uint64) uint64   { return (addr + PageSize - 1) >> PageShift }
func PFNDown(addr uint64) uint64 { return addr >> PageShift }
func PFNPhys(pfn uint64) uint64  { return pfn << PageShift }
func PhysPFN(addr uint64) uint64 { return addr >> PageShift }

// IsVmallocAddr reports whether addr is inside the vmalloc window.
func IsVmallocAddr(addr uint64) bool {
	return addr >= VmallocStart && addr < VmallocEnd
}

// IsLinearMapAddr reports whether addr is a linear-map address.
func IsLinearMapAddr(addr uint64) bool {
	return addr >= PageOffset
}
