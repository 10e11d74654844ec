package buddy

import (
	"github.com/cockroachdb/errors"

	"github.com/shenjiangwei/kmem/arch"
	"github.com/shenjiangwei/kmem/klog"
)

// GFP modifies an allocation request.
type GFP uint32

const (
	GFPKernel GFP = 0
	// GFPDMA restricts the request to the DMA zone
	GFPDMA GFP = 0x01
	// GFPNoWarn suppresses the allocation failure report
	GFPNoWarn GFP = 0x200
	// GFPComp builds a compound page for orders above zero
	GFPComp GFP = 0x4000
	// GFPZero clears the pages
	GFPZero GFP = 0x8000
)

// zonelist returns the zones a request may use, preferred first.
func (a *Allocator) zonelist(gfp GFP) []*Zone {
	high := ZoneNormal
	if gfp&GFPDMA != 0 {
		high = ZoneDMA
	}
	zl := make([]*Zone, 0, NrZones)
	for t := int(high); t >= 0; t-- {
		if z := &a.zones[t]; z.Populated() {
			zl = append(zl, z)
		}
	}
	return zl
}

// AllocPages allocates 2^order contiguous pages with the calling CPU's
// cache for order zero. The page comes back with a reference count of one.
func (a *Allocator) AllocPages(cpu int, gfp GFP, order int) (*Page, error) {
	if order < 0 || order >= arch.MaxOrder {
		if gfp&GFPNoWarn == 0 {
			klog.Warn("page allocation: order %d out of range", order)
		}
		return nil, errors.Wrapf(ErrBadOrder, "order %d", order)
	}
	for _, z := range a.zonelist(gfp) {
		if p := z.rmqueue(cpu, order); p != nil {
			a.prepNewPage(p, order, gfp)
			return p, nil
		}
	}
	if gfp&GFPNoWarn == 0 {
		klog.Warn("page allocation failure: order:%d, mode:%#x, free:%d", order, uint32(gfp), a.NrFreePages())
	}
	return nil, errors.Wrapf(ErrNoMemory, "order %d mode %#x", order, uint32(gfp))
}

// AllocPage allocates a single page.
func (a *Allocator) AllocPage(cpu int, gfp GFP) (*Page, error) {
	return a.AllocPages(cpu, gfp, 0)
}

// GetFreePages allocates pages and returns their linear-map address.
func (a *Allocator) GetFreePages(cpu int, gfp GFP, order int) (uint64, error) {
	p, err := a.AllocPages(cpu, gfp, order)
	if err != nil {
		return 0, err
	}
	return a.PageAddress(p), nil
}

// GetZeroedPage returns the address of a cleared page.
func (a *Allocator) GetZeroedPage(cpu int, gfp GFP) (uint64, error) {
	return a.GetFreePages(cpu, gfp|GFPZero, 0)
}

func (z *Zone) rmqueue(cpu, order int) *Page {
	if order == 0 {
		pcp := z.pageset.Ptr(cpu)
		pcp.mu.Lock()
		defer pcp.mu.Unlock()
		if pcp.list.Empty() {
			pcp.count += z.rmqueueBulk(0, pcp.batch, &pcp.list)
			if pcp.list.Empty() {
				return nil
			}
		}
		mm := &z.a.memmap
		p := mm.Front(&pcp.list)
		mm.Remove(&pcp.list, p)
		pcp.count--
		return p
	}

	z.mu.Lock()
	defer z.mu.Unlock()
	p := z.rmqueueSmallest(order)
	if p != nil {
		z.freePages.Add(-int64(1) << order)
	}
	return p
}

// rmqueueBulk moves up to count blocks of the given order onto list.
func (z *Zone) rmqueueBulk(order, count int, list *PageList) int {
	mm := &z.a.memmap
	z.mu.Lock()
	defer z.mu.Unlock()
	i := 0
	for ; i < count; i++ {
		p := z.rmqueueSmallest(order)
		if p == nil {
			break
		}
		mm.PushBack(list, p)
	}
	z.freePages.Add(-int64(i) << order)
	return i
}

// rmqueueSmallest takes the first block of at least the requested order and
// splits it down. Called with the zone lock held.
func (z *Zone) rmqueueSmallest(order int) *Page {
	mm := &z.a.memmap
	for cur := order; cur < arch.MaxOrder; cur++ {
		area := &z.freeArea[cur]
		p := mm.Front(&area.list)
		if p == nil {
			continue
		}
		z.delFromFreeArea(p, cur)
		z.expand(p, order, cur)
		return p
	}
	return nil
}

// expand halves a block of order high until it has order low, putting the
// upper halves back on the free lists.
func (z *Zone) expand(p *Page, low, high int) {
	mm := &z.a.memmap
	size := 1 << high
	for high > low {
		high--
		size >>= 1
		z.addToFreeArea(mm.Offset(p, size), high, false)
	}
}

func (z *Zone) addToFreeArea(p *Page, order int, tail bool) {
	p.order = uint8(order)
	p.setKind(KindBuddy)
	area := &z.freeArea[order]
	if tail {
		z.a.memmap.PushBack(&area.list, p)
	} else {
		z.a.memmap.PushFront(&area.list, p)
	}
	area.nrFree++
}

func (z *Zone) delFromFreeArea(p *Page, order int) {
	area := &z.freeArea[order]
	z.a.memmap.Remove(&area.list, p)
	area.nrFree--
	p.order = 0
	p.setKind(KindOrdinary)
}

// isBuddy reports whether buddy heads a free block of this order in p's zone.
func (z *Zone) isBuddy(buddy *Page, order int) bool {
	return buddy.Kind() == KindBuddy && int(buddy.order) == order &&
		buddy.zone == z.idx && z.contains(buddy.pfn)
}

// freeOneLocked returns a block to the free lists, merging it with its buddy
// for as long as the buddy is free. Called with the zone lock held.
func (z *Zone) freeOneLocked(p *Page, order int) {
	mm := &z.a.memmap
	pfn := p.pfn
	z.freePages.Add(int64(1) << order)

	for order < arch.MaxOrder-1 {
		buddyPFN := pfn ^ (1 << order)
		if !mm.valid(buddyPFN) {
			break
		}
		buddy := mm.PFNToPage(buddyPFN)
		if !z.isBuddy(buddy, order) {
			break
		}
		z.delFromFreeArea(buddy, order)
		pfn &= buddyPFN
		order++
	}
	p = mm.PFNToPage(pfn)

	// If the next-higher buddy is free too, this block is likely to merge
	// again soon: queue it at the tail so it is not handed out first.
	if order < arch.MaxOrder-2 {
		buddyPFN := pfn ^ (1 << order)
		combined := buddyPFN & pfn
		higherBuddyPFN := combined ^ (1 << (order + 1))
		if mm.valid(buddyPFN) && mm.valid(higherBuddyPFN) &&
			z.isBuddy(mm.PFNToPage(higherBuddyPFN), order+1) {
			z.addToFreeArea(p, order, true)
			return
		}
	}
	z.addToFreeArea(p, order, false)
}

func (a *Allocator) prepNewPage(p *Page, order int, gfp GFP) {
	if p.Kind() != KindOrdinary || p.RefCount() != 0 {
		a.badPage(p, "new page in unexpected state")
	}
	p.refcount.Store(1)
	if gfp&GFPZero != 0 {
		a.mem.Zero(a.PageAddress(p), arch.PageSize<<order)
	}
	if gfp&GFPComp != 0 && order > 0 {
		a.prepCompound(p, order)
	}
}

func (a *Allocator) prepCompound(p *Page, order int) {
	head := a.memmap.idx(p)
	p.compound = uint8(order)
	for i := 1; i < 1<<order; i++ {
		t := a.memmap.Offset(p, i)
		t.head = head
		t.setKind(KindTail)
	}
}

// badPage reports a page in an impossible state and repairs it so the
// free path can continue.
func (a *Allocator) badPage(p *Page, reason string) {
	a.badPages.Add(1)
	klog.Warn("BUG: Bad page state: pfn:%#x refcount:%d kind:%s compound:%d zone:%s reason:%s",
		p.pfn, p.RefCount(), p.Kind(), p.compound, p.zone, reason)
	p.refcount.Store(0)
	p.slab.Cache = nil
	p.setKind(KindOrdinary)
}

// freePagesPrepare checks a block about to be freed and clears its
// compound and slab state.
func (a *Allocator) freePagesPrepare(p *Page, order int) {
	switch p.Kind() {
	case KindBuddy:
		klog.Fatal("double free of page pfn %#x order %d: already on a free list", p.pfn, order)
	case KindReserved:
		a.badPage(p, "freeing a reserved page")
	case KindSlab:
		a.badPage(p, "freeing a page still owned by a slab")
	case KindTail:
		a.badPage(p, "freeing a compound tail")
	}
	if p.compound != 0 {
		if int(p.compound) != order {
			a.badPage(p, "compound order mismatch")
		}
		head := a.memmap.idx(p)
		for i := 1; i < 1<<p.compound; i++ {
			t := a.memmap.Offset(p, i)
			if t.Kind() != KindTail || t.head != head {
				a.badPage(t, "corrupt compound tail")
			}
			t.head = nilIdx
			t.setKind(KindOrdinary)
		}
		p.compound = 0
	}
	if p.RefCount() != 0 {
		a.badPage(p, "nonzero refcount")
	}
}

func (a *Allocator) putTestZero(p *Page) bool {
	n := p.refcount.Add(-1)
	if n < 0 {
		klog.Fatal("page pfn %#x refcount underflow: double free", p.pfn)
	}
	return n == 0
}

// FreePages drops a reference to a block of 2^order pages and frees it when
// the count reaches zero.
func (a *Allocator) FreePages(cpu int, p *Page, order int) {
	if p.Kind() == KindBuddy {
		klog.Fatal("double free of page pfn %#x order %d: already on a free list", p.pfn, order)
	}
	if a.putTestZero(p) {
		a.freePages(cpu, p, order)
	}
}

// FreePage frees a single page.
func (a *Allocator) FreePage(cpu int, p *Page) { a.FreePages(cpu, p, 0) }

// FreePagesAddr frees pages by linear-map address; zero is ignored.
func (a *Allocator) FreePagesAddr(cpu int, va uint64, order int) {
	if va == 0 {
		return
	}
	p := a.VirtToPage(va)
	if p == nil {
		klog.Fatal("free_pages: %#x is not a linear-map page", va)
	}
	a.FreePages(cpu, p, order)
}

func (a *Allocator) freePages(cpu int, p *Page, order int) {
	if order == 0 {
		a.freeUnrefPage(cpu, p)
		return
	}
	a.freePagesPrepare(p, order)
	z := a.PageZone(p)
	z.mu.Lock()
	z.freeOneLocked(p, order)
	z.mu.Unlock()
}

// freeUnrefPage caches a single page on cpu's list, spilling a batch back to
// the zone once the list reaches its high mark.
func (a *Allocator) freeUnrefPage(cpu int, p *Page) {
	a.freePagesPrepare(p, 0)
	z := a.PageZone(p)
	pcp := z.pageset.Ptr(cpu)
	pcp.mu.Lock()
	defer pcp.mu.Unlock()
	a.memmap.PushFront(&pcp.list, p)
	pcp.count++
	if pcp.count >= pcp.high {
		z.freePCPPagesBulk(pcp.batch, pcp)
	}
}

// freePCPPagesBulk returns count pages from the cold end of pcp to the zone.
// Called with pcp locked.
func (z *Zone) freePCPPagesBulk(count int, pcp *pageset) {
	mm := &z.a.memmap
	z.mu.Lock()
	defer z.mu.Unlock()
	for ; count > 0 && !pcp.list.Empty(); count-- {
		p := mm.Back(&pcp.list)
		mm.Remove(&pcp.list, p)
		pcp.count--
		z.freeOneLocked(p, 0)
	}
}

func (z *Zone) drainPages(cpu int) {
	pcp := z.pageset.Ptr(cpu)
	pcp.mu.Lock()
	defer pcp.mu.Unlock()
	if pcp.count > 0 {
		z.freePCPPagesBulk(pcp.count, pcp)
	}
}

// DrainPages returns cpu's cached pages to the zones.
func (a *Allocator) DrainPages(cpu int) {
	for i := range a.zones {
		if a.zones[i].Populated() {
			a.zones[i].drainPages(cpu)
		}
	}
}

// DrainAllPages drains every CPU.
func (a *Allocator) DrainAllPages() {
	for cpu := 0; cpu < a.nrCPUs; cpu++ {
		a.DrainPages(cpu)
	}
}

// GetPage takes a reference on p's compound head.
func (a *Allocator) GetPage(p *Page) {
	head := a.memmap.CompoundHead(p)
	if head.refcount.Add(1) <= 1 {
		klog.Warn("get_page on free page pfn %#x", head.pfn)
	}
}

// PutPage drops a reference on p's compound head, freeing the whole
// compound page at zero.
func (a *Allocator) PutPage(cpu int, p *Page) {
	head := a.memmap.CompoundHead(p)
	if a.putTestZero(head) {
		a.freePages(cpu, head, head.CompoundOrder())
	}
}

// PageAddress returns the linear-map address of p.
func (a *Allocator) PageAddress(p *Page) uint64 {
	return a.mem.PhysToVirt(arch.PFNPhys(p.pfn))
}

// PFNToPage returns the descriptor of pfn, or nil.
func (a *Allocator) PFNToPage(pfn uint64) *Page { return a.memmap.PFNToPage(pfn) }

// VirtToPage returns the page holding the linear-map address va, or nil.
func (a *Allocator) VirtToPage(va uint64) *Page {
	if !a.mem.ContainsVirt(va) {
		return nil
	}
	return a.memmap.PFNToPage(arch.PhysPFN(a.mem.VirtToPhys(va)))
}

// VirtToHeadPage is VirtToPage resolved to the compound head.
func (a *Allocator) VirtToHeadPage(va uint64) *Page {
	p := a.VirtToPage(va)
	if p == nil {
		return nil
	}
	return a.memmap.CompoundHead(p)
}
