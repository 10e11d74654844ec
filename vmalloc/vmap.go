package vmalloc

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/shenjiangwei/kmem/arch"
	"github.com/shenjiangwei/kmem/buddy"
	"github.com/shenjiangwei/kmem/klog"
	"github.com/shenjiangwei/kmem/percpu"
	"github.com/shenjiangwei/kmem/phys"
	"github.com/shenjiangwei/kmem/slab"
)

// Descriptor footprints in kmalloc.
const (
	vmapAreaDescSize  = 72
	vmStructDescSize  = 64
	vmapBlockDescSize = 96
)

// Config bounds the managed window and tunes lazy freeing.
type Config struct {
	Start, End uint64
	// LazyMaxPages overrides the purge threshold derived from the CPU count
	LazyMaxPages uint64
	// DeferredQueue is the per-CPU backlog of VfreeDeferred
	DeferredQueue int
}

// DefaultConfig covers the whole vmalloc window.
func DefaultConfig() Config {
	return Config{Start: arch.VmallocStart, End: arch.VmallocEnd, DeferredQueue: 64}
}

// Allocator manages the vmalloc window of one kernel.
type Allocator struct {
	cfg    Config
	mmu    arch.MMU
	pages  *buddy.Allocator
	slab   *slab.Allocator
	mem    *phys.Memory
	nrCPUs int

	lazyMax   uint64
	bbmapBits int
	blockSize uint64

	// mu guards the tree, the hole cache and every VMStruct reachable from it
	mu             sync.Mutex
	tree           *areaTree
	freeCache      *vmapArea
	cachedHoleSize uint64
	cachedVstart   uint64
	cachedAlign    uint64
	pcpuHole       uint64

	lazyNr    atomic.Int64
	nonlazy   atomic.Bool
	purgeList purgeList
	purgeMu   sync.Mutex
	purges    atomic.Int64

	blockMu sync.Mutex
	blocks  map[uint64]*vmapBlock
	queues  *percpu.Var[vmapBlockQueue]

	deferred *percpu.Var[vfreeDeferred]
	stopChan chan struct{}
	workers  sync.WaitGroup
	pending  sync.WaitGroup
	closeMu  sync.RWMutex
	closed   bool
}

// New sets up the allocator and imports the areas registered on early.
func New(cfg Config, mmu arch.MMU, sl *slab.Allocator, pcpu *percpu.Allocator, early *EarlyList) *Allocator {
	if cfg.Start == 0 && cfg.End == 0 {
		cfg.Start, cfg.End = arch.VmallocStart, arch.VmallocEnd
	}
	if cfg.DeferredQueue <= 0 {
		cfg.DeferredQueue = 64
	}
	pages := sl.Pages()
	a := &Allocator{
		cfg:      cfg,
		mmu:      mmu,
		pages:    pages,
		slab:     sl,
		mem:      pages.Memory(),
		nrCPUs:   pages.NrCPUs(),
		tree:     newAreaTree(),
		blocks:   make(map[uint64]*vmapBlock),
		pcpuHole: cfg.End,
	}
	a.lazyMax = cfg.LazyMaxPages
	if a.lazyMax == 0 {
		a.lazyMax = uint64(arch.Fls(uint64(a.nrCPUs))) * (32 << 20 / arch.PageSize)
	}
	a.bbmapBits = bbmapBits(cfg.Start, cfg.End)
	a.blockSize = uint64(a.bbmapBits) * arch.PageSize

	var err error
	if a.queues, err = percpu.NewVar[vmapBlockQueue](pcpu); err != nil {
		klog.FatalErr(errors.Wrap(err, "vmalloc: vmap block queues"))
	}
	if a.deferred, err = percpu.NewVar[vfreeDeferred](pcpu); err != nil {
		klog.FatalErr(errors.Wrap(err, "vmalloc: deferred free queues"))
	}

	if early != nil {
		a.importEarly(early)
	}
	a.startWorkers()
	klog.Info("vmalloc: [%#x, %#x) lazy_max_pages=%d vmap_block=%dK",
		cfg.Start, cfg.End, a.lazyMax, a.blockSize>>10)
	return a
}

// Config returns the window and tuning the allocator runs with.
func (a *Allocator) Config() Config { return a.cfg }

// LazyMaxPages returns how many lazily freed pages trigger a purge.
func (a *Allocator) LazyMaxPages() uint64 { return a.lazyMax }

// LazyPages returns the pages freed but not yet flushed.
func (a *Allocator) LazyPages() int64 { return a.lazyNr.Load() }

// Purges returns the number of lazy purges that flushed the TLB.
func (a *Allocator) Purges() int64 { return a.purges.Load() }

// NrAreas returns the number of busy areas, lazily freed ones included.
func (a *Allocator) NrAreas() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tree.len()
}

func (a *Allocator) isVmallocAddr(addr uint64) bool {
	return addr >= a.cfg.Start && addr < a.cfg.End
}

// allocVmapArea reserves size bytes aligned to align inside [vstart, vend).
// When no hole fits, the lazy areas are purged and the search runs once more.
func (a *Allocator) allocVmapArea(cpu int, size, align, vstart, vend uint64, gfp buddy.GFP) (*vmapArea, error) {
	if size == 0 || !arch.PageAligned(size) || !arch.IsPowerOfTwo(align) {
		klog.Fatal("vmalloc: bad area request size %#x align %#x", size, align)
	}
	desc, err := a.slab.Kmalloc(cpu, vmapAreaDescSize, gfp&buddy.GFPNoWarn)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "vmap_area"), ErrNoMemory)
	}
	va := &vmapArea{desc: desc}

	for purged := false; ; purged = true {
		a.mu.Lock()
		if addr, ok := a.findHole(size, align, vstart, vend); ok {
			va.start, va.end = addr, addr+size
			a.tree.insert(va)
			a.freeCache = va
			a.mu.Unlock()
			return va, nil
		}
		a.mu.Unlock()
		if purged {
			break
		}
		a.PurgeLazy(cpu)
	}
	if gfp&buddy.GFPNoWarn == 0 {
		klog.Warn("vmap allocation for size %d failed: use vmalloc=<size> to increase size", size)
	}
	a.slab.Kfree(cpu, desc)
	return nil, errors.Wrapf(ErrNoSpace, "%d bytes in [%#x, %#x)", size, vstart, vend)
}

// findHole walks the busy areas from the cached hint, or from vstart when
// the hint cannot serve this request. Called with a.mu held.
func (a *Allocator) findHole(size, align, vstart, vend uint64) (uint64, bool) {
	// cachedHoleSize is the largest hole seen below the hint; a request
	// that fits it, or a more permissive one, starts over from vstart
	if a.freeCache == nil || size < a.cachedHoleSize || vstart < a.cachedVstart || align < a.cachedAlign {
		a.cachedHoleSize = 0
		a.freeCache = nil
	}
	a.cachedVstart = vstart
	a.cachedAlign = align

	var (
		first *vmapArea
		addr  uint64
	)
	if a.freeCache != nil {
		first = a.freeCache
		addr = arch.RoundUp(first.end, align)
		if addr < vstart {
			a.cachedHoleSize = 0
			a.freeCache = nil
		}
	}
	if a.freeCache == nil {
		addr = arch.RoundUp(vstart, align)
		first = a.tree.firstEndingAtOrAbove(addr)
	}
	if addr+size < addr {
		return 0, false
	}

	for first != nil && addr+size > first.start && addr+size <= vend {
		if addr+a.cachedHoleSize < first.start {
			a.cachedHoleSize = first.start - addr
		}
		addr = arch.RoundUp(first.end, align)
		if addr+size < addr {
			return 0, false
		}
		first = a.tree.next(first)
	}
	if addr+size > vend {
		return 0, false
	}
	return addr, true
}

// freeVmapAreaLocked drops va from the tree and keeps the hole hint valid.
func (a *Allocator) freeVmapAreaLocked(va *vmapArea) {
	if a.freeCache != nil {
		if va.end < a.cachedVstart {
			a.freeCache = nil
		} else if va.start <= a.freeCache.start {
			// the hole size and alignment are left as they are
			a.freeCache = a.tree.prev(va)
		}
	}
	a.tree.remove(va)

	// percpu areas are placed below the highest end freed inside the window
	if va.end > a.cfg.Start && va.end <= a.cfg.End {
		a.pcpuHole = max(a.pcpuHole, va.end)
	}
}

// freeVmapAreaNoflush queues an unmapped area for the next purge.
func (a *Allocator) freeVmapAreaNoflush(cpu int, va *vmapArea) {
	nr := a.lazyNr.Add(int64(va.size() >> arch.PageShift))
	a.purgeList.add(va)
	if uint64(nr) > a.lazyMax || a.nonlazy.Swap(false) {
		a.tryPurge(cpu)
	}
}

func (a *Allocator) freeUnmapVmapArea(cpu int, va *vmapArea) {
	a.mmu.FlushCacheVunmap(va.start, va.end)
	a.mmu.UnmapRange(va.start, va.end)
	a.freeVmapAreaNoflush(cpu, va)
}

// purgeLazyLocked flushes the TLB once over every lazily freed area and
// the range [start, end), then releases the areas. Called with purgeMu held.
func (a *Allocator) purgeLazyLocked(cpu int, start, end uint64) bool {
	list := a.purgeList.delAll()
	if list == nil {
		return false
	}
	for va := list; va != nil; va = va.purgeNext {
		start = min(start, va.start)
		end = max(end, va.end)
	}
	a.mmu.FlushTLBKernelRange(start, end)
	a.purges.Add(1)

	a.mu.Lock()
	for va := list; va != nil; va = va.purgeNext {
		a.freeVmapAreaLocked(va)
		a.lazyNr.Add(-int64(va.size() >> arch.PageShift))
	}
	a.mu.Unlock()

	for va := list; va != nil; va = va.purgeNext {
		a.slab.Kfree(cpu, va.desc)
	}
	klog.Debug("vmalloc: purged lazy areas in [%#x, %#x)", start, end)
	return true
}

// tryPurge purges unless another purge is running.
func (a *Allocator) tryPurge(cpu int) {
	if a.purgeMu.TryLock() {
		a.purgeLazyLocked(cpu, ^uint64(0), 0)
		a.purgeMu.Unlock()
	}
}

// PurgeLazy releases every lazily freed area and fragmented vmap block.
func (a *Allocator) PurgeLazy(cpu int) {
	a.purgeMu.Lock()
	defer a.purgeMu.Unlock()
	a.purgeFragmentedBlocksAllCPUs(cpu)
	a.purgeLazyLocked(cpu, ^uint64(0), 0)
}

// SetIOUnmapNonlazy makes the next lazy free purge at once.
func (a *Allocator) SetIOUnmapNonlazy() { a.nonlazy.Store(true) }
