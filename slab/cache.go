package slab

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/shenjiangwei/kmem/arch"
	"github.com/shenjiangwei/kmem/buddy"
	"github.com/shenjiangwei/kmem/klog"
	"github.com/shenjiangwei/kmem/percpu"
)

// Flags select cache behaviour at creation.
type Flags uint32

const (
	// FlagConsistencyChecks verifies the owning cache of every freed object
	FlagConsistencyChecks Flags = 0x00000100
	// FlagPoison fills free objects with a known pattern
	FlagPoison Flags = 0x00000800
	// FlagHWCacheAlign aligns objects to the cache line
	FlagHWCacheAlign Flags = 0x00002000
	// FlagCacheDMA backs the cache with DMA zone pages
	FlagCacheDMA Flags = 0x00004000
	// FlagStoreUser reserves the object tail for owner tracking
	FlagStoreUser Flags = 0x00010000
	// FlagPanic halts when the cache cannot be created
	FlagPanic Flags = 0x00040000

	flagObjectPoison Flags = 0x80000000

	coreFlags      = FlagHWCacheAlign | FlagCacheDMA | FlagPanic
	permittedFlags = coreFlags | FlagPoison | FlagStoreUser | FlagConsistencyChecks
	neverMerge     = FlagPoison | FlagStoreUser
	mergeSame      = FlagCacheDMA
)

const (
	// MinPartial is the lower bound of partial slabs a node keeps
	MinPartial = 5
	// MaxPartial is the upper bound
	MaxPartial = 10

	// MaxObjsPerPage is limited by the 15-bit objects counter
	MaxObjsPerPage = 32767

	ooShift = 16
	ooMask  = 1<<ooShift - 1

	// ArchSlabMinAlign is the minimum object alignment
	ArchSlabMinAlign = 8
	wordSize         = 8

	// POISON_FREE and POISON_END
	poisonFree = 0x6b
	poisonEnd  = 0xa5
)

// orderObjects packs a slab order with the number of objects it holds.
type orderObjects uint32

func makeOO(order int, size uint64) orderObjects {
	return orderObjects(uint32(order)<<ooShift + uint32((arch.PageSize<<order)/size))
}

func (x orderObjects) order() int   { return int(x >> ooShift) }
func (x orderObjects) objects() int { return int(x & ooMask) }

type node struct {
	mu        sync.Mutex
	nrPartial atomic.Int64
	partial   buddy.PageList
	// desc is the node descriptor object in the kmem_cache_node cache
	desc uint64
}

// Cache is a pool of equally sized objects.
type Cache struct {
	a *Allocator

	name       string
	objectSize uint64
	size       uint64
	align      uint64
	inuse      uint64
	offset     uint64
	flags      Flags
	ctor       func(obj uint64)

	oo, min, max orderObjects
	allocFlags   buddy.GFP
	minPartial   int64
	cpuPartial   int

	// refcount counts aliases; negative exempts a cache from merging
	refcount int

	cpuSlab *percpu.Var[cpuSlab]
	node    *node
	// desc is the cache descriptor object in the kmem_cache cache
	desc uint64

	nrSlabs      atomic.Int64
	totalObjects atomic.Int64
}

func (s *Cache) Name() string { return s.name }

// ObjectSize returns the usable size requested at creation.
func (s *Cache) ObjectSize() uint64 { return s.objectSize }

// Size returns the per-object footprint including metadata and padding.
func (s *Cache) Size() uint64 { return s.size }

func (s *Cache) Align() uint64 { return s.align }

// Order returns the preferred slab order.
func (s *Cache) Order() int { return s.oo.order() }

// ObjectsPerSlab returns the object count of a preferred-order slab.
func (s *Cache) ObjectsPerSlab() int { return s.oo.objects() }

func (s *Cache) MinPartial() int64 { return s.minPartial }
func (s *Cache) CPUPartial() int   { return s.cpuPartial }
func (s *Cache) Flags() Flags      { return s.flags }

// NrSlabs returns the number of slab pages the cache holds.
func (s *Cache) NrSlabs() int64 { return s.nrSlabs.Load() }

// NrPartial returns the length of the node partial list.
func (s *Cache) NrPartial() int64 { return s.node.nrPartial.Load() }

func (s *Cache) poisoned() bool { return s.flags&flagObjectPoison != 0 }

// ksize returns how much of an object a caller may use.
func (s *Cache) ksize() uint64 {
	if s.flags&FlagStoreUser != 0 {
		return s.inuse
	}
	return s.size
}

func calculateAlignment(flags Flags, align, size uint64) uint64 {
	if flags&FlagHWCacheAlign != 0 {
		ralign := uint64(arch.SMPCacheBytes)
		for size <= ralign/2 {
			ralign /= 2
		}
		align = max(align, ralign)
	}
	if align < ArchSlabMinAlign {
		align = ArchSlabMinAlign
	}
	return arch.RoundUp(align, wordSize)
}

// slabOrder returns the smallest order holding at least minObjects objects
// whose leftover is at most 1/fract of the slab, or maxOrder+1.
func (a *Allocator) slabOrder(size uint64, minObjects, maxOrder int, fract uint64) int {
	minOrder := a.cfg.MinOrder
	if (arch.PageSize<<minOrder)/size > MaxObjsPerPage {
		return arch.GetOrder(size*MaxObjsPerPage) - 1
	}
	order := max(minOrder, arch.GetOrder(uint64(minObjects)*size))
	for ; order <= maxOrder; order++ {
		slabSize := arch.PageSize << order
		if slabSize%size <= slabSize/fract {
			break
		}
	}
	return order
}

func (a *Allocator) calculateOrder(size uint64) (int, error) {
	minObjects := a.cfg.MinObjects
	if minObjects == 0 {
		minObjects = 4 * (arch.Fls(uint64(a.pages.NrCPUs())) + 1)
	}
	maxObjects := int((arch.PageSize << a.cfg.MaxOrder) / size)
	minObjects = min(minObjects, maxObjects)

	for ; minObjects > 1; minObjects-- {
		for fraction := uint64(16); fraction >= 4; fraction /= 2 {
			if order := a.slabOrder(size, minObjects, a.cfg.MaxOrder, fraction); order <= a.cfg.MaxOrder {
				return order, nil
			}
		}
	}
	if order := a.slabOrder(size, 1, a.cfg.MaxOrder, 1); order <= a.cfg.MaxOrder {
		return order, nil
	}
	if order := a.slabOrder(size, 1, arch.MaxOrder, 1); order < arch.MaxOrder {
		return order, nil
	}
	return 0, errors.Wrapf(ErrBadSize, "no slab order fits %d byte objects", size)
}

// calculateSizes lays out an object: the usable bytes, the free pointer when
// it cannot overlap them, and alignment padding.
func (s *Cache) calculateSizes() error {
	size := arch.RoundUp(s.objectSize, wordSize)
	s.inuse = size
	s.offset = 0
	if s.flags&FlagPoison != 0 || s.ctor != nil {
		s.offset = size
		size += wordSize
	}
	if s.flags&FlagStoreUser != 0 {
		// owner tracking word
		size += wordSize
	}
	size = arch.RoundUp(size, s.align)
	s.size = size

	order, err := s.a.calculateOrder(size)
	if err != nil {
		return err
	}
	s.allocFlags = buddy.GFPComp
	if s.flags&FlagCacheDMA != 0 {
		s.allocFlags |= buddy.GFPDMA
	}
	s.oo = makeOO(order, size)
	s.min = makeOO(arch.GetOrder(size), size)
	if s.oo.objects() > s.max.objects() {
		s.max = s.oo
	}
	if s.oo.objects() == 0 {
		return errors.Wrapf(ErrBadSize, "%d byte objects", size)
	}
	return nil
}

func (s *Cache) setMinPartial(min uint64) {
	s.minPartial = int64(arch.Clamp(min, MinPartial, MaxPartial))
}

// setCPUPartial bounds the free objects kept on per-CPU partial lists.
func (s *Cache) setCPUPartial() {
	switch {
	case s.size >= arch.PageSize:
		s.cpuPartial = 2
	case s.size >= 1024:
		s.cpuPartial = 6
	case s.size >= 256:
		s.cpuPartial = 13
	default:
		s.cpuPartial = 30
	}
}

// open sizes the cache and allocates its node and per-CPU state.
func (s *Cache) open() error {
	if s.flags&FlagPoison != 0 && s.ctor == nil {
		s.flags |= flagObjectPoison
	}
	if err := s.calculateSizes(); err != nil {
		return err
	}
	s.setMinPartial(uint64(arch.Ilog2(s.size) / 2))
	s.setCPUPartial()

	if err := s.a.initNode(s); err != nil {
		return err
	}
	v, err := percpu.NewVar[cpuSlab](s.a.pcpu)
	if err != nil {
		s.a.freeNode(s)
		return errors.Wrapf(err, "slab %s: per-cpu state", s.name)
	}
	s.cpuSlab = v
	v.Each(func(cpu int, c *cpuSlab) {
		c.fast.Store(uint64(makeCPUWord(0, uint32(cpu))))
	})
	klog.Debug("slab %s: size=%d objsize=%d align=%d order=%d objects=%d offset=%d",
		s.name, s.size, s.objectSize, s.align, s.oo.order(), s.oo.objects(), s.offset)
	return nil
}

// unmergeable reports whether s may never serve as an alias.
func (a *Allocator) unmergeable(s *Cache) bool {
	return a.cfg.NoMerge || s.flags&neverMerge != 0 || s.ctor != nil || s.refcount < 0
}

// findMergeable returns an existing cache able to serve the request, the
// most recently created first. Called with a.mu held.
func (a *Allocator) findMergeable(size, align uint64, flags Flags, ctor func(uint64)) *Cache {
	if a.cfg.NoMerge || ctor != nil || flags&neverMerge != 0 {
		return nil
	}
	size = arch.RoundUp(size, wordSize)
	align = calculateAlignment(flags, align, size)
	size = arch.RoundUp(size, align)

	for i := len(a.caches) - 1; i >= 0; i-- {
		s := a.caches[i]
		switch {
		case a.unmergeable(s):
		case size > s.size:
		case flags&mergeSame != s.flags&mergeSame:
		case s.size&^(align-1) != s.size:
		case s.size-size >= wordSize:
		default:
			return s
		}
	}
	return nil
}

// Create makes a cache of size-byte objects, or returns a compatible
// existing cache with its alias count raised.
func (a *Allocator) Create(name string, size, align uint64, flags Flags, ctor func(obj uint64)) (*Cache, error) {
	s, err := a.create(name, size, align, flags, ctor)
	if err != nil {
		if flags&FlagPanic != 0 {
			klog.Fatal("kmem_cache_create: Failed to create slab '%s'. Error %v", name, err)
		}
		klog.Warn("kmem_cache_create(%s) failed with error %v", name, err)
		return nil, err
	}
	return s, nil
}

func (a *Allocator) create(name string, size, align uint64, flags Flags, ctor func(uint64)) (*Cache, error) {
	if flags&^permittedFlags != 0 {
		return nil, errors.Wrapf(ErrBadFlags, "%#x", uint32(flags))
	}
	flags |= a.cfg.Debug
	if size < wordSize || size > arch.PageSize<<(arch.MaxOrder-1) {
		return nil, errors.Wrapf(ErrBadSize, "size %d", size)
	}
	if align != 0 && !arch.IsPowerOfTwo(align) {
		return nil, errors.Wrapf(ErrBadSize, "align %d", align)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state < stateUp {
		return nil, errors.Wrap(ErrNotReady, name)
	}
	if s := a.findMergeable(size, align, flags, ctor); s != nil {
		s.refcount++
		s.objectSize = max(s.objectSize, size)
		s.inuse = max(s.inuse, arch.RoundUp(size, wordSize))
		klog.Debug("slab %s: merged into %s (%d aliases)", name, s.name, s.refcount)
		return s, nil
	}
	s := &Cache{
		a:          a,
		name:       name,
		objectSize: size,
		align:      calculateAlignment(flags, align, size),
		flags:      flags,
		ctor:       ctor,
	}
	if err := a.allocDesc(s); err != nil {
		return nil, err
	}
	if err := s.open(); err != nil {
		a.freeDesc(s)
		return nil, err
	}
	s.refcount = 1
	a.caches = append(a.caches, s)
	return s, nil
}

// Destroy drops one alias of s and releases the cache with the last one.
// A cache that still holds objects is kept and reported.
func (s *Cache) Destroy() error {
	a := s.a
	a.mu.Lock()
	defer a.mu.Unlock()
	s.refcount--
	if s.refcount > 0 {
		return nil
	}
	s.flushAll()
	s.shrinkPartial(0)
	if n := s.nrSlabs.Load(); n > 0 {
		klog.Warn("kmem_cache_destroy %s: Slab cache still has objects (%d slabs)", s.name, n)
		s.refcount++
		return errors.Wrapf(ErrCacheBusy, "%s: %d slabs", s.name, n)
	}
	for i, c := range a.caches {
		if c == s {
			a.caches = append(a.caches[:i], a.caches[i+1:]...)
			break
		}
	}
	s.cpuSlab.Free()
	a.freeNode(s)
	a.freeDesc(s)
	klog.Debug("slab %s: destroyed", s.name)
	return nil
}

// Shrink returns every empty slab to the page allocator and reports how
// many were released.
func (s *Cache) Shrink() int {
	s.flushAll()
	return s.shrinkPartial(0)
}

// shrinkPartial discards empty partial slabs beyond keep.
func (s *Cache) shrinkPartial(keep int64) int {
	n := s.node
	mm := s.a.pages.Memmap()
	var empty []*buddy.Page

	n.mu.Lock()
	for p := mm.Front(&n.partial); p != nil; {
		next := mm.Next(p)
		st := slabState(p.Slab().State.Load())
		if st.inuse() == 0 && n.nrPartial.Load() > keep {
			s.removePartial(n, p)
			empty = append(empty, p)
		}
		p = next
	}
	n.mu.Unlock()

	for _, p := range empty {
		s.discardSlab(0, p)
	}
	return len(empty)
}
