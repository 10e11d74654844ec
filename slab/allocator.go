package slab

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/shenjiangwei/kmem/arch"
	"github.com/shenjiangwei/kmem/buddy"
	"github.com/shenjiangwei/kmem/klog"
	"github.com/shenjiangwei/kmem/percpu"
	"github.com/shenjiangwei/kmem/phys"
)

type bootState int

const (
	stateDown bootState = iota
	// statePartial: the node cache works, descriptors cannot be allocated yet
	statePartial
	stateUp
)

// Descriptor footprints in the bootstrap caches.
const (
	cacheDescSize = 216
	nodeDescSize  = 40
)

// Config tunes slab sizing. The zero MaxOrder is replaced by the default.
type Config struct {
	MinOrder   int
	MaxOrder   int
	MinObjects int
	// NoMerge disables aliasing of compatible caches
	NoMerge bool
	// Debug flags are added to every cache
	Debug Flags
}

// DefaultConfig returns slub_max_order at the costly order and merging on.
func DefaultConfig() Config {
	return Config{MaxOrder: arch.PageAllocCostlyOrder}
}

// Allocator owns every cache and the kmalloc size classes.
type Allocator struct {
	cfg     Config
	pages   *buddy.Allocator
	mem     *phys.Memory
	pcpu    *percpu.Allocator
	tidStep uint32

	mu     sync.Mutex
	state  bootState
	caches []*Cache

	kmemCache     *Cache
	kmemCacheNode *Cache

	kmallocCaches [nrKmallocTypes][kmallocShiftHigh + 1]*Cache
	sizeIndex     [24]uint8

	poisonErrors atomic.Int64
}

// New bootstraps the descriptor caches and the kmalloc caches. Any failure
// here halts.
func New(cfg Config, pages *buddy.Allocator, pcpu *percpu.Allocator) *Allocator {
	if cfg.MaxOrder <= 0 {
		cfg.MaxOrder = arch.PageAllocCostlyOrder
	}
	if cfg.MaxOrder > arch.MaxOrder-1 {
		klog.Warn("slub_max_order %d clamped to %d", cfg.MaxOrder, arch.MaxOrder-1)
		cfg.MaxOrder = arch.MaxOrder - 1
	}
	if cfg.MinOrder > cfg.MaxOrder {
		klog.Warn("slub_min_order %d above slub_max_order %d, ignored", cfg.MinOrder, cfg.MaxOrder)
		cfg.MinOrder = 0
	}
	a := &Allocator{
		cfg:       cfg,
		pages:     pages,
		mem:       pages.Memory(),
		pcpu:      pcpu,
		tidStep:   uint32(arch.RoundupPowOfTwo(uint64(pages.NrCPUs()))),
		sizeIndex: defaultSizeIndex,
	}

	a.kmemCacheNode = &Cache{a: a}
	a.createBootCache(a.kmemCacheNode, "kmem_cache_node", nodeDescSize, FlagHWCacheAlign)
	a.state = statePartial

	a.kmemCache = &Cache{a: a}
	a.createBootCache(a.kmemCache, "kmem_cache", cacheDescSize, FlagHWCacheAlign)
	a.bootstrap(a.kmemCache)
	a.bootstrap(a.kmemCacheNode)

	a.setupKmallocIndexTable()
	a.createKmallocCaches(0)

	klog.Info("SLUB: HWalign=%d, Order=%d-%d, MinObjects=%d, CPUs=%d",
		arch.SMPCacheBytes, cfg.MinOrder, cfg.MaxOrder, cfg.MinObjects, pages.NrCPUs())
	return a
}

func (a *Allocator) createBootCache(s *Cache, name string, size uint64, flags Flags) {
	s.name = name
	s.objectSize = size
	s.flags = flags | a.cfg.Debug
	s.align = calculateAlignment(flags, ArchKmallocMinAlign, size)
	if err := s.open(); err != nil {
		klog.FatalErr(errors.Wrapf(err, "creation of kmalloc slab %s size=%d failed", name, size))
	}
	// exempt from merging for now
	s.refcount = -1
}

// bootstrap gives a statically set up cache its descriptor object and
// publishes it.
func (a *Allocator) bootstrap(s *Cache) {
	if err := a.allocDesc(s); err != nil {
		klog.FatalErr(errors.Wrapf(err, "bootstrap of %s", s.name))
	}
	s.FlushCPU(0)
	a.caches = append(a.caches, s)
}

func (a *Allocator) allocDesc(s *Cache) error {
	desc, err := a.kmemCache.Alloc(0, buddy.GFPZero)
	if err != nil {
		return errors.Wrapf(err, "descriptor of %s", s.name)
	}
	s.desc = desc
	return nil
}

func (a *Allocator) freeDesc(s *Cache) {
	a.kmemCache.Free(0, s.desc)
	s.desc = 0
}

// initNode sets up the partial list of s. Before the node cache is usable
// the node cache's own node descriptor is carved from its first slab.
func (a *Allocator) initNode(s *Cache) error {
	if a.state == stateDown {
		a.earlyNodeAlloc(s)
		return nil
	}
	desc, err := a.kmemCacheNode.Alloc(0, buddy.GFPKernel)
	if err != nil {
		return errors.Wrapf(err, "node of %s", s.name)
	}
	s.node = &node{partial: buddy.NewPageList(), desc: desc}
	return nil
}

func (a *Allocator) earlyNodeAlloc(s *Cache) {
	if s.size < nodeDescSize {
		klog.Fatal("kmem_cache_node objects of %d bytes cannot hold a node", s.size)
	}
	page, err := s.newSlab(0, buddy.GFPKernel)
	if err != nil {
		klog.FatalErr(errors.Wrap(err, "no slab for the first kmem_cache_node"))
	}
	desc := a.pages.PageAddress(page)
	st := page.Slab()
	st.State.Store(uint64(makeState(s.getFreePointer(desc), 1, s.oo.objects(), false)))
	s.node = &node{partial: buddy.NewPageList(), desc: desc}
	s.addPartial(s.node, page, false)
}

func (a *Allocator) freeNode(s *Cache) {
	a.kmemCacheNode.Free(0, s.node.desc)
	s.node = nil
}

// Available reports whether kmalloc and Create may be used.
func (a *Allocator) Available() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state >= stateUp
}

func (a *Allocator) Pages() *buddy.Allocator { return a.pages }
func (a *Allocator) Memory() *phys.Memory    { return a.mem }
func (a *Allocator) Config() Config          { return a.cfg }

// Caches returns the caches in creation order.
func (a *Allocator) Caches() []*Cache {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]*Cache(nil), a.caches...)
}

// Find returns the cache called name, or nil.
func (a *Allocator) Find(name string) *Cache {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.caches {
		if s.name == name {
			return s
		}
	}
	return nil
}

// FlushCPU deactivates cpu's slabs in every cache.
func (a *Allocator) FlushCPU(cpu int) {
	for _, s := range a.Caches() {
		s.FlushCPU(cpu)
	}
}

// ShrinkAll releases the empty slabs of every cache.
func (a *Allocator) ShrinkAll() int {
	n := 0
	for _, s := range a.Caches() {
		n += s.Shrink()
	}
	return n
}
