package slab

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/shenjiangwei/kmem/buddy"
	"github.com/shenjiangwei/kmem/klog"
)

// cpuSlab is one CPU's view of a cache. The fast word and the active page
// are read without locks; mu serializes the slow path, deactivation and the
// per-CPU partial list.
type cpuSlab struct {
	mu      sync.Mutex
	fast    atomic.Uint64
	page    atomic.Pointer[buddy.Page]
	partial *buddy.Page
}

func (c *cpuSlab) word() cpuWord { return cpuWord(c.fast.Load()) }

func (c *cpuSlab) cas(old cpuWord, freelist uint64, step uint32) bool {
	return c.fast.CompareAndSwap(uint64(old), uint64(makeCPUWord(freelist, old.tid()+step)))
}

// takeFreelist empties the CPU freelist and returns what it held. The
// transaction id moves on, so racing fast paths retry.
func (c *cpuSlab) takeFreelist(step uint32) uint64 {
	for {
		w := c.word()
		if c.cas(w, 0, step) {
			return w.freelist()
		}
	}
}

func (s *Cache) getFreePointer(obj uint64) uint64 {
	return s.a.mem.Load64(obj + s.offset)
}

func (s *Cache) setFreePointer(obj, fp uint64) {
	if obj == fp {
		klog.Fatal("slab %s: double free of object %#x", s.name, obj)
	}
	s.a.mem.Store64(obj+s.offset, fp)
}

func (s *Cache) pageState(p *buddy.Page) slabState {
	return slabState(p.Slab().State.Load())
}

func (s *Cache) casState(p *buddy.Page, old, new slabState) bool {
	return p.Slab().State.CompareAndSwap(uint64(old), uint64(new))
}

// Alloc returns an object of s using cpu's slab.
func (s *Cache) Alloc(cpu int, gfp buddy.GFP) (uint64, error) {
	c := s.cpuSlab.Ptr(cpu)
	var obj uint64
	for {
		w := c.word()
		obj = w.freelist()
		if obj == 0 {
			var err error
			if obj, err = s.slowAlloc(cpu, c, gfp); err != nil {
				return 0, err
			}
			break
		}
		next := s.getFreePointer(obj)
		if c.cas(w, next, s.a.tidStep) {
			break
		}
	}
	s.postAlloc(obj, gfp)
	return obj, nil
}

// Zalloc is Alloc with the object cleared.
func (s *Cache) Zalloc(cpu int, gfp buddy.GFP) (uint64, error) {
	return s.Alloc(cpu, gfp|buddy.GFPZero)
}

func (s *Cache) postAlloc(obj uint64, gfp buddy.GFP) {
	if s.poisoned() {
		s.checkPoison(obj)
	}
	if gfp&buddy.GFPZero != 0 {
		s.a.mem.Zero(obj, s.objectSize)
	}
}

// slowAlloc refills cpu's freelist. The active page is detached first and
// the freelist taken second, so a concurrent fast free either lands on the
// taken list or falls through to the shared path.
func (s *Cache) slowAlloc(cpu int, c *cpuSlab, gfp buddy.GFP) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	page := c.page.Swap(nil)
	freelist := c.takeFreelist(s.a.tidStep)
	if freelist != 0 && page == nil {
		klog.Fatal("slab %s: cpu %d freelist %#x without a slab", s.name, cpu, freelist)
	}
	if freelist == 0 && page != nil {
		if freelist = s.getFreelist(page); freelist == 0 {
			// full, and no longer frozen
			page = nil
		}
	}
	if freelist == 0 {
		var err error
		if page, freelist, err = s.newSlabObjects(cpu, c, gfp); err != nil {
			return 0, err
		}
	}
	if !s.pageState(page).frozen() {
		klog.Fatal("slab %s: active slab pfn %#x is not frozen", s.name, page.PFN())
	}
	// publish the freelist before the page so that frees only see the page
	// once its freelist is live
	next := s.getFreePointer(freelist)
	w := c.word()
	c.fast.Store(uint64(makeCPUWord(next, w.tid()+s.a.tidStep)))
	c.page.Store(page)
	return freelist, nil
}

// getFreelist takes the shared freelist of the frozen page. A page left
// without free objects is unfrozen.
func (s *Cache) getFreelist(page *buddy.Page) uint64 {
	for {
		old := s.pageState(page)
		if !old.frozen() {
			klog.Fatal("slab %s: taking the freelist of unfrozen slab pfn %#x", s.name, page.PFN())
		}
		freelist := old.freelist()
		if s.casState(page, old, old.with(0, old.objects(), freelist != 0)) {
			return freelist
		}
	}
}

func (s *Cache) newSlabObjects(cpu int, c *cpuSlab, gfp buddy.GFP) (*buddy.Page, uint64, error) {
	for c.partial != nil {
		page := c.partial
		c.partial = page.Slab().Next
		page.Slab().Next = nil
		if freelist := s.getFreelist(page); freelist != 0 {
			return page, freelist, nil
		}
	}
	if page, freelist := s.getPartialNode(cpu, c); page != nil {
		return page, freelist, nil
	}
	page, err := s.newSlab(cpu, gfp)
	if err != nil {
		return nil, 0, err
	}
	return page, s.a.pages.PageAddress(page), nil
}

// acquireSlab freezes a node partial slab. With take set the whole freelist
// is claimed for the CPU. Called with the node locked.
func (s *Cache) acquireSlab(n *node, page *buddy.Page, take bool) (freelist uint64, objects int) {
	old := s.pageState(page)
	if old.frozen() {
		klog.Fatal("slab %s: partial slab pfn %#x is frozen", s.name, page.PFN())
	}
	objects = old.objects() - old.inuse()
	freelist = old.freelist()
	new := old.with(freelist, old.inuse(), true)
	if take {
		new = old.with(0, old.objects(), true)
	}
	if !s.casState(page, old, new) {
		return 0, 0
	}
	s.removePartial(n, page)
	if freelist == 0 {
		klog.Warn("slab %s: partial slab pfn %#x without free objects", s.name, page.PFN())
	}
	return freelist, objects
}

// getPartialNode moves partial slabs to the CPU: the first becomes the
// active slab, the rest fill the CPU partial list up to half its bound.
func (s *Cache) getPartialNode(cpu int, c *cpuSlab) (*buddy.Page, uint64) {
	n := s.node
	if n.nrPartial.Load() == 0 {
		return nil, 0
	}
	mm := s.a.pages.Memmap()
	var (
		active    *buddy.Page
		object    uint64
		available int
	)
	n.mu.Lock()
	defer n.mu.Unlock()
	for page := mm.Front(&n.partial); page != nil; {
		next := mm.Next(page)
		t, objects := s.acquireSlab(n, page, active == nil)
		if t == 0 {
			break
		}
		available += objects
		if active == nil {
			active, object = page, t
		} else {
			s.putCPUPartial(cpu, c, page, false)
		}
		if available > s.cpuPartial/2 {
			break
		}
		page = next
	}
	return active, object
}

// newSlab allocates and formats a frozen slab with every object claimed by
// the caller. The page's shared freelist stays empty.
func (s *Cache) newSlab(cpu int, gfp buddy.GFP) (*buddy.Page, error) {
	flags := gfp&buddy.GFPDMA | s.allocFlags
	oo := s.oo
	page, err := s.a.pages.AllocPages(cpu, flags|buddy.GFPNoWarn, oo.order())
	if err != nil {
		oo = s.min
		if page, err = s.a.pages.AllocPages(cpu, flags, oo.order()); err != nil {
			return nil, errors.Mark(errors.Wrapf(err, "slab %s: order %d", s.name, oo.order()), ErrNoMemory)
		}
	}
	page.SetSlab(s)

	start := s.a.pages.PageAddress(page)
	objects := oo.objects()
	for i := 0; i < objects; i++ {
		obj := start + uint64(i)*s.size
		s.setupObject(obj)
		next := uint64(0)
		if i < objects-1 {
			next = obj + s.size
		}
		s.setFreePointer(obj, next)
	}
	page.Slab().State.Store(uint64(makeState(0, objects, objects, true)))
	s.nrSlabs.Add(1)
	s.totalObjects.Add(int64(objects))
	klog.Debug("slab %s: new slab pfn %#x order %d objects %d", s.name, page.PFN(), oo.order(), objects)
	return page, nil
}

func (s *Cache) setupObject(obj uint64) {
	if s.poisoned() {
		s.poison(obj)
	}
	if s.ctor != nil {
		s.ctor(obj)
	}
}

func (s *Cache) discardSlab(cpu int, page *buddy.Page) {
	objects := s.pageState(page).objects()
	order := page.CompoundOrder()
	page.ClearSlab()
	s.nrSlabs.Add(-1)
	s.totalObjects.Add(-int64(objects))
	s.a.pages.FreePages(cpu, page, order)
}

func (s *Cache) addPartial(n *node, page *buddy.Page, tail bool) {
	mm := s.a.pages.Memmap()
	if tail {
		mm.PushBack(&n.partial, page)
	} else {
		mm.PushFront(&n.partial, page)
	}
	n.nrPartial.Add(1)
}

func (s *Cache) removePartial(n *node, page *buddy.Page) {
	s.a.pages.Memmap().Remove(&n.partial, page)
	n.nrPartial.Add(-1)
}

// putCPUPartial pushes a frozen slab onto the CPU partial list. With drain
// set an overfull list is first unfrozen onto the node. Called with c.mu held.
func (s *Cache) putCPUPartial(cpu int, c *cpuSlab, page *buddy.Page, drain bool) {
	var pages, pobjects int32
	if old := c.partial; old != nil {
		pages, pobjects = old.Slab().Pages, old.Slab().Pobjects
		if drain && int(pobjects) > s.cpuPartial {
			s.unfreezePartials(cpu, c)
			pages, pobjects = 0, 0
		}
	}
	st := s.pageState(page)
	sp := page.Slab()
	sp.Pages = pages + 1
	sp.Pobjects = pobjects + int32(st.objects()-st.inuse())
	sp.Next = c.partial
	c.partial = page
}

// unfreezePartials moves the CPU partial list to the node. Empty slabs
// beyond the node minimum go back to the page allocator.
func (s *Cache) unfreezePartials(cpu int, c *cpuSlab) {
	n := s.node
	var discard []*buddy.Page

	n.mu.Lock()
	for page := c.partial; page != nil; {
		sp := page.Slab()
		next := sp.Next
		sp.Next = nil
		var new slabState
		for {
			old := s.pageState(page)
			if !old.frozen() {
				klog.Fatal("slab %s: cpu partial slab pfn %#x is not frozen", s.name, page.PFN())
			}
			new = old.with(old.freelist(), old.inuse(), false)
			if s.casState(page, old, new) {
				break
			}
		}
		if new.inuse() == 0 && n.nrPartial.Load() >= s.minPartial {
			discard = append(discard, page)
		} else {
			s.addPartial(n, page, true)
		}
		page = next
	}
	c.partial = nil
	n.mu.Unlock()

	for _, page := range discard {
		s.discardSlab(cpu, page)
	}
}

type slabMode int

const (
	modeNone slabMode = iota
	modePartial
	modeFull
	modeFree
)

// deactivateSlab returns a detached CPU slab and its CPU freelist to the
// shared state, then unfreezes it onto the partial list, off all lists, or
// back to the page allocator. Called with c.mu held.
func (s *Cache) deactivateSlab(cpu int, page *buddy.Page, freelist uint64) {
	n := s.node
	tail := s.pageState(page).freelist() != 0

	// hand back all but the last CPU object while the page stays frozen
	for freelist != 0 {
		nextfree := s.getFreePointer(freelist)
		if nextfree == 0 {
			break
		}
		for {
			old := s.pageState(page)
			if !old.frozen() {
				klog.Fatal("slab %s: draining into unfrozen slab pfn %#x", s.name, page.PFN())
			}
			s.setFreePointer(freelist, old.freelist())
			if s.casState(page, old, old.with(freelist, old.inuse()-1, true)) {
				break
			}
		}
		freelist = nextfree
	}

	locked := false
	l, m := modeNone, modeNone
	for {
		old := s.pageState(page)
		if !old.frozen() {
			klog.Fatal("slab %s: deactivating unfrozen slab pfn %#x", s.name, page.PFN())
		}
		inuse, head := old.inuse(), old.freelist()
		if freelist != 0 {
			inuse--
			s.setFreePointer(freelist, head)
			head = freelist
		}
		new := old.with(head, inuse, false)

		switch {
		case inuse == 0 && n.nrPartial.Load() >= s.minPartial:
			m = modeFree
		case head != 0:
			m = modePartial
			if !locked {
				locked = true
				n.mu.Lock()
			}
		default:
			m = modeFull
		}
		if l != m {
			if l == modePartial {
				s.removePartial(n, page)
			}
			if m == modePartial {
				s.addPartial(n, page, tail)
			}
		}
		l = m
		if s.casState(page, old, new) {
			break
		}
	}
	if locked {
		n.mu.Unlock()
	}
	if m == modeFree {
		s.discardSlab(cpu, page)
	}
}

// FlushCPU deactivates cpu's active slab and unfreezes its partial list.
func (s *Cache) FlushCPU(cpu int) {
	c := s.cpuSlab.Ptr(cpu)
	c.mu.Lock()
	defer c.mu.Unlock()
	page := c.page.Swap(nil)
	freelist := c.takeFreelist(s.a.tidStep)
	if page != nil {
		s.deactivateSlab(cpu, page, freelist)
	}
	if c.partial != nil {
		s.unfreezePartials(cpu, c)
	}
}

func (s *Cache) flushAll() {
	for cpu := 0; cpu < s.a.pcpu.NrCPUs(); cpu++ {
		s.FlushCPU(cpu)
	}
}

// Free returns obj to s. An object of another cache is reported and freed
// to its owner.
func (s *Cache) Free(cpu int, obj uint64) {
	if obj == 0 {
		return
	}
	page := s.a.pages.VirtToHeadPage(obj)
	if page == nil || page.Kind() != buddy.KindSlab {
		klog.Fatal("slab %s: freeing %#x which is not a slab object", s.name, obj)
	}
	owner, ok := page.Slab().Cache.(*Cache)
	if !ok || owner.a != s.a {
		klog.Fatal("slab %s: object %#x belongs to a foreign slab", s.name, obj)
	}
	if owner != s {
		klog.Warn("cache_from_obj: Wrong slab cache. %s but object is from %s", s.name, owner.name)
	}
	owner.slabFree(cpu, page, obj)
}

func (s *Cache) slabFree(cpu int, page *buddy.Page, obj uint64) {
	if (obj-s.a.pages.PageAddress(page))%s.size != 0 {
		klog.Fatal("slab %s: freeing %#x which is not an object start", s.name, obj)
	}
	if s.poisoned() {
		s.poison(obj)
	}
	c := s.cpuSlab.Ptr(cpu)
	for {
		w := c.word()
		if c.page.Load() != page {
			s.sharedFree(cpu, c, page, obj)
			return
		}
		s.setFreePointer(obj, w.freelist())
		if c.cas(w, obj, s.a.tidStep) {
			return
		}
	}
}

// sharedFree pushes obj onto the page's shared freelist. A slab that was
// full is frozen onto the CPU partial list; an unfrozen slab that becomes
// empty is released once the node holds enough partial slabs.
func (s *Cache) sharedFree(cpu int, c *cpuSlab, page *buddy.Page, obj uint64) {
	n := s.node
	var (
		old, new  slabState
		locked    bool
		wasFrozen bool
	)
	for {
		if locked {
			n.mu.Unlock()
			locked = false
		}
		old = s.pageState(page)
		if old.inuse() == 0 {
			klog.Fatal("slab %s: freeing %#x into slab pfn %#x with no objects in use", s.name, obj, page.PFN())
		}
		prior := old.freelist()
		s.setFreePointer(obj, prior)
		wasFrozen = old.frozen()
		new = old.with(obj, old.inuse()-1, wasFrozen)
		if (new.inuse() == 0 || prior == 0) && !wasFrozen {
			if s.cpuPartial > 0 && prior == 0 {
				new = new.with(obj, new.inuse(), true)
			} else {
				n.mu.Lock()
				locked = true
			}
		}
		if s.casState(page, old, new) {
			break
		}
	}

	if !locked {
		if new.frozen() && !wasFrozen {
			c.mu.Lock()
			s.putCPUPartial(cpu, c, page, true)
			c.mu.Unlock()
		}
		return
	}

	prior := old.freelist()
	if new.inuse() == 0 && n.nrPartial.Load() >= s.minPartial {
		if prior != 0 {
			s.removePartial(n, page)
		}
		n.mu.Unlock()
		s.discardSlab(cpu, page)
		return
	}
	if prior == 0 {
		s.addPartial(n, page, true)
	}
	n.mu.Unlock()
}
