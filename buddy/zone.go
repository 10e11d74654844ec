package buddy

import (
	"sync"
	"sync/atomic"

	"github.com/shenjiangwei/kmem/arch"
	"github.com/shenjiangwei/kmem/klog"
	"github.com/shenjiangwei/kmem/memblock"
	"github.com/shenjiangwei/kmem/percpu"
	"github.com/shenjiangwei/kmem/phys"
)

// ZoneType indexes the zones of the single memory node.
type ZoneType uint8

const (
	ZoneDMA ZoneType = iota
	ZoneNormal
	ZoneMovable
	NrZones
)

var zoneNames = [NrZones]string{"DMA", "Normal", "Movable"}

func (t ZoneType) String() string { return zoneNames[t] }

// pageDescSize is the footprint of a page descriptor on arm64, charged
// against a zone's managed pages.
const pageDescSize = 64

type freeArea struct {
	list   PageList
	nrFree uint64
}

// pageset is the per-CPU single page cache of a zone. Its mutex stands in
// for disabling interrupts on the owning CPU.
type pageset struct {
	mu    sync.Mutex
	count int
	high  int
	batch int
	list  PageList
}

func (p *pageset) init(batch int) {
	p.list = NewPageList()
	p.count = 0
	// high is derived from the requested batch, batch itself is at least one
	p.high = 6 * batch
	p.batch = max(1, batch)
}

type pagesetTable interface {
	Ptr(cpu int) *pageset
}

type bootPagesets []pageset

func (b bootPagesets) Ptr(cpu int) *pageset { return &b[cpu] }

// Zone is a range of page frames with its own free lists and lock.
type Zone struct {
	a        *Allocator
	name     string
	idx      ZoneType
	startPFN uint64
	spanned  uint64
	present  uint64

	managed   atomic.Int64
	freePages atomic.Int64

	mu       sync.Mutex
	freeArea [arch.MaxOrder]freeArea

	// swapped from the boot pagesets once percpu is up; boot CPU only
	pageset pagesetTable
}

func (z *Zone) Name() string             { return z.name }
func (z *Zone) Type() ZoneType           { return z.idx }
func (z *Zone) StartPFN() uint64         { return z.startPFN }
func (z *Zone) EndPFN() uint64           { return z.startPFN + z.spanned }
func (z *Zone) SpannedPages() uint64     { return z.spanned }
func (z *Zone) PresentPages() uint64     { return z.present }
func (z *Zone) ManagedPages() uint64     { return uint64(z.managed.Load()) }
func (z *Zone) FreePages() uint64        { return uint64(z.freePages.Load()) }
func (z *Zone) Populated() bool          { return z.present != 0 }
func (z *Zone) contains(pfn uint64) bool { return pfn >= z.startPFN && pfn < z.EndPFN() }

// NrFree returns the number of free blocks of the given order.
func (z *Zone) NrFree(order int) uint64 {
	z.mu.Lock()
	defer z.mu.Unlock()
	return z.freeArea[order].nrFree
}

// PCPCount returns the number of pages cached for cpu.
func (z *Zone) PCPCount(cpu int) int {
	pcp := z.pageset.Ptr(cpu)
	pcp.mu.Lock()
	defer pcp.mu.Unlock()
	return pcp.count
}

// zoneBatchsize sizes the per-CPU batch at about a thousandth of the zone,
// capped at a megabyte, then clamped to 2^n - 1.
func zoneBatchsize(managed uint64) int {
	batch := managed / 1024
	if batch*arch.PageSize > 1024*1024 {
		batch = (1024 * 1024) / arch.PageSize
	}
	batch /= 4
	if batch < 1 {
		batch = 1
	}
	return int(arch.RounddownPowOfTwo(batch+batch/2)) - 1
}

func calcMemmapSize(spanned, present uint64) uint64 {
	pages := spanned
	if spanned > present+(present>>4) {
		pages = present
	}
	return arch.PageAlign(pages*pageDescSize) >> arch.PageShift
}

// Config carries the page allocator's boot parameters.
type Config struct {
	NrCPUs int
	// MaxZonePFN is the exclusive upper pfn of each zone; zero entries are
	// derived from the memory map
	MaxZonePFN [NrZones]uint64
	// DMAReserve pages are kept out of the DMA zone's managed estimate
	DMAReserve uint64
}

// DefaultConfig returns the standard configuration.
func DefaultConfig() Config {
	return Config{NrCPUs: arch.NrCPUs}
}

// Allocator is the page allocator of the single memory node.
type Allocator struct {
	mem    *phys.Memory
	memmap Memmap
	zones  [NrZones]Zone
	nrCPUs int

	startPFN, maxPFN uint64
	nrKernelPages    uint64

	totalRAM atomic.Int64
	badPages atomic.Int64

	boot bootPagesets
}

// New sizes the zones from memblock's memory map and builds the memmap with
// every page reserved. Free pages arrive later through FreeAll.
func New(cfg Config, mem *phys.Memory, mb *memblock.Memblock) (*Allocator, error) {
	nrCPUs := cfg.NrCPUs
	if nrCPUs <= 0 || nrCPUs > arch.NrCPUs {
		nrCPUs = arch.NrCPUs
	}

	startPFN, endPFN := ^uint64(0), uint64(0)
	mb.ForEachMemPFNRange(func(s, e uint64) bool {
		startPFN = min(startPFN, s)
		endPFN = max(endPFN, e)
		return true
	})
	if endPFN == 0 {
		return nil, ErrNoRAM
	}

	a := &Allocator{
		mem:      mem,
		nrCPUs:   nrCPUs,
		startPFN: startPFN,
		maxPFN:   endPFN,
		boot:     make(bootPagesets, nrCPUs),
	}
	for cpu := range a.boot {
		a.boot[cpu].init(0)
	}

	maxZone := cfg.MaxZonePFN
	if maxZone[ZoneDMA] == 0 {
		// DMA covers the first 4GB window the memory starts in
		dmaEnd := (arch.PFNPhys(startPFN) &^ (1<<32 - 1)) + 1<<32
		maxZone[ZoneDMA] = min(arch.PFNDown(dmaEnd), endPFN)
	}
	if maxZone[ZoneNormal] == 0 {
		maxZone[ZoneNormal] = endPFN
	}

	var lowest, highest [NrZones]uint64
	lo := startPFN
	klog.Info("Zone ranges:")
	for i := ZoneType(0); i < NrZones; i++ {
		if i == ZoneMovable {
			continue
		}
		hi := max(maxZone[i], lo)
		lowest[i], highest[i] = lo, hi
		lo = hi
		if lowest[i] == highest[i] {
			klog.Info("  %-8s empty", zoneNames[i])
		} else {
			klog.Info("  %-8s [mem %#018x-%#018x]", zoneNames[i], arch.PFNPhys(lowest[i]), arch.PFNPhys(highest[i])-1)
		}
	}
	mb.ForEachMemPFNRange(func(s, e uint64) bool {
		klog.Debug("  node: [mem %#018x-%#018x]", arch.PFNPhys(s), arch.PFNPhys(e)-1)
		return true
	})

	a.memmap = newMemmap(startPFN, endPFN)

	absent := func(lo, hi uint64) uint64 {
		n := hi - lo
		mb.ForEachMemPFNRange(func(s, e uint64) bool {
			s, e = arch.Clamp(s, lo, hi), arch.Clamp(e, lo, hi)
			n -= e - s
			return true
		})
		return n
	}

	for i := ZoneType(0); i < NrZones; i++ {
		z := &a.zones[i]
		z.a = a
		z.idx = i
		z.name = zoneNames[i]
		z.pageset = a.boot
		for o := range z.freeArea {
			z.freeArea[o].list = NewPageList()
		}

		zs, ze := lowest[i], highest[i]
		if ze < startPFN || zs > endPFN {
			continue
		}
		ze, zs = min(ze, endPFN), max(zs, startPFN)
		if ze <= zs {
			continue
		}
		z.startPFN = zs
		z.spanned = ze - zs
		z.present = z.spanned - absent(zs, ze)

		free := z.present
		memmapPages := calcMemmapSize(z.spanned, z.present)
		if free >= memmapPages {
			free -= memmapPages
			klog.Debug("  %s zone: %d pages used for memmap", z.name, memmapPages)
		} else {
			klog.Warn("  %s zone: %d pages exceeds freesize %d", z.name, memmapPages, free)
		}
		if i == ZoneDMA && free > cfg.DMAReserve {
			free -= cfg.DMAReserve
		}
		a.nrKernelPages += free
		z.managed.Store(int64(free))

		for pfn := zs; pfn < ze; pfn++ {
			a.memmap.PFNToPage(pfn).zone = i
		}
		klog.Debug("  %s zone: %d pages, LIFO batch:%d", z.name, z.present, zoneBatchsize(free))
	}
	klog.Info("Initmem setup [mem %#018x-%#018x], %d pages", arch.PFNPhys(startPFN), arch.PFNPhys(endPFN)-1, a.nrKernelPages)
	return a, nil
}

// SetupPerCPUPagesets replaces the boot pagesets of every populated zone
// with per-CPU pagesets sized from the zone's managed pages.
func (a *Allocator) SetupPerCPUPagesets(pa *percpu.Allocator) error {
	for i := range a.zones {
		z := &a.zones[i]
		if !z.Populated() {
			continue
		}
		v, err := percpu.NewVar[pageset](pa)
		if err != nil {
			return err
		}
		batch := zoneBatchsize(z.ManagedPages())
		v.Each(func(cpu int, p *pageset) { p.init(batch) })
		for cpu := 0; cpu < a.nrCPUs; cpu++ {
			z.drainPages(cpu)
		}
		z.pageset = v
	}
	return nil
}

func (a *Allocator) NrCPUs() int          { return a.nrCPUs }
func (a *Allocator) Memory() *phys.Memory { return a.mem }
func (a *Allocator) Memmap() *Memmap      { return &a.memmap }
func (a *Allocator) MaxPFN() uint64       { return a.maxPFN }

// Zone returns the zone of type t.
func (a *Allocator) Zone(t ZoneType) *Zone { return &a.zones[t] }

// PageZone returns the zone p belongs to.
func (a *Allocator) PageZone(p *Page) *Zone { return &a.zones[p.zone] }

// NrFreePages returns the pages sitting on zone free lists. Pages cached on
// per-CPU lists are not counted.
func (a *Allocator) NrFreePages() uint64 {
	var n int64
	for i := range a.zones {
		n += a.zones[i].freePages.Load()
	}
	return uint64(n)
}

// TotalRAMPages returns the pages handed over by memblock.
func (a *Allocator) TotalRAMPages() uint64 { return uint64(a.totalRAM.Load()) }

// BadPages returns how many bad page states were reported.
func (a *Allocator) BadPages() int64 { return a.badPages.Load() }
