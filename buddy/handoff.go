package buddy

import (
	"math/bits"

	"github.com/shenjiangwei/kmem/arch"
	"github.com/shenjiangwei/kmem/klog"
	"github.com/shenjiangwei/kmem/memblock"
)

// freePagesCore releases a block that has never been free: every page
// leaves the reserved state and the block is charged to its zone.
func (a *Allocator) freePagesCore(cpu int, p *Page, order int) {
	nr := 1 << order
	for i := 0; i < nr; i++ {
		q := a.memmap.Offset(p, i)
		if q.Kind() == KindReserved {
			q.setKind(KindOrdinary)
		}
		q.refcount.Store(0)
	}
	p.refcount.Store(1)
	a.PageZone(p).managed.Add(int64(nr))
	a.FreePages(cpu, p, order)
}

// freePagesMemory frees [start, end) in naturally aligned blocks.
func (a *Allocator) freePagesMemory(cpu int, start, end uint64) {
	for start < end {
		order := arch.MaxOrder - 1
		if start != 0 {
			order = min(order, bits.TrailingZeros64(start))
		}
		for start+(1<<order) > end {
			order--
		}
		a.freePagesCore(cpu, a.memmap.PFNToPage(start), order)
		start += 1 << order
	}
}

// FreeBootMemory hands the physical range [start, end) to the allocator and
// returns the number of pages released. Partial pages at either end stay
// reserved.
func (a *Allocator) FreeBootMemory(cpu int, start, end uint64) uint64 {
	startPFN := arch.PFNUp(start)
	endPFN := min(arch.PFNDown(end), a.maxPFN)
	startPFN = max(startPFN, a.startPFN)
	if startPFN >= endPFN {
		return 0
	}
	// a range straddling two zones is freed zone by zone
	var n uint64
	for startPFN < endPFN {
		z := a.PageZone(a.memmap.PFNToPage(startPFN))
		stop := min(endPFN, z.EndPFN())
		if stop <= startPFN {
			stop = endPFN
		}
		a.freePagesMemory(cpu, startPFN, stop)
		n += stop - startPFN
		startPFN = stop
	}
	a.totalRAM.Add(int64(n))
	return n
}

// FreeAll releases every page memblock considers free and returns the
// count. The zones' managed estimates are replaced by the real figures.
func (a *Allocator) FreeAll(cpu int, mb *memblock.Memblock) uint64 {
	mb.ClearHotplug(0, memblock.AllocAnywhere)
	for i := range a.zones {
		a.zones[i].managed.Store(0)
	}

	var pages uint64
	mb.ForEachFreeRange(memblock.FlagNone, func(start, end uint64) bool {
		pages += a.FreeBootMemory(cpu, start, end)
		return true
	})
	klog.Info("Memory: %dK/%dK available (%dK reserved)",
		pages<<(arch.PageShift-10), mb.PhysMemSize()>>10, mb.ReservedSize()>>10)
	return pages
}
