package slab

import (
	"fmt"
	"math"

	"github.com/cockroachdb/errors"

	"github.com/shenjiangwei/kmem/arch"
	"github.com/shenjiangwei/kmem/buddy"
	"github.com/shenjiangwei/kmem/klog"
)

const (
	// ArchKmallocMinAlign is the guaranteed kmalloc alignment
	ArchKmallocMinAlign = 8
	// KmallocMinSize is the smallest kmalloc class
	KmallocMinSize   = 1 << kmallocShiftLow
	kmallocShiftLow  = 3
	kmallocShiftHigh = arch.PageShift + 1
	kmallocShiftMax  = arch.MaxOrder + arch.PageShift - 1

	// KmallocMaxCacheSize is the largest size served by a cache
	KmallocMaxCacheSize = 1 << kmallocShiftHigh
	// KmallocMaxSize is the largest kmalloc size
	KmallocMaxSize = 1 << kmallocShiftMax

	// ZeroSizePtr is returned for zero-byte requests; it must not be used
	ZeroSizePtr = 16
)

type kmallocType int

const (
	kmallocNormal kmallocType = iota
	kmallocDMA
	nrKmallocTypes
)

func kmallocTypeOf(gfp buddy.GFP) kmallocType {
	if gfp&buddy.GFPDMA != 0 {
		return kmallocDMA
	}
	return kmallocNormal
}

// kmallocInfo names the general caches by index; 1 and 2 are the 96 and
// 192 byte classes.
var kmallocInfo = [...]struct {
	name string
	size uint64
}{
	{"", 0}, {"kmalloc-96", 96},
	{"kmalloc-192", 192}, {"kmalloc-8", 8},
	{"kmalloc-16", 16}, {"kmalloc-32", 32},
	{"kmalloc-64", 64}, {"kmalloc-128", 128},
	{"kmalloc-256", 256}, {"kmalloc-512", 512},
	{"kmalloc-1k", 1024}, {"kmalloc-2k", 2048},
	{"kmalloc-4k", 4096}, {"kmalloc-8k", 8192},
}

// defaultSizeIndex maps (size-1)/8 to a cache index for sizes up to 192.
var defaultSizeIndex = [24]uint8{
	3,                      // 8
	4,                      // 16
	5, 5,                   // 24 32
	6, 6, 6, 6,             // 40..64
	1, 1, 1, 1,             // 72..96
	7, 7, 7, 7,             // 104..128
	2, 2, 2, 2, 2, 2, 2, 2, // 136..192
}

func sizeIndexElem(bytes uint64) int { return int((bytes - 1) / 8) }

// kmallocSize returns the object size of cache index n.
func kmallocSize(n int) uint64 {
	switch {
	case n > 2:
		return 1 << n
	case n == 1 && KmallocMinSize <= 32:
		return 96
	case n == 2 && KmallocMinSize <= 64:
		return 192
	}
	return 0
}

func (a *Allocator) setupKmallocIndexTable() {
	for i := uint64(8); i < KmallocMinSize; i += 8 {
		elem := sizeIndexElem(i)
		if elem >= len(a.sizeIndex) {
			break
		}
		a.sizeIndex[elem] = kmallocShiftLow
	}
	if KmallocMinSize >= 64 {
		for i := uint64(64 + 8); i <= 96; i += 8 {
			a.sizeIndex[sizeIndexElem(i)] = 7
		}
	}
	if KmallocMinSize >= 128 {
		for i := uint64(128 + 8); i <= 192; i += 8 {
			a.sizeIndex[sizeIndexElem(i)] = 8
		}
	}
}

func (a *Allocator) createKmallocCache(name string, size uint64, flags Flags) *Cache {
	s := &Cache{a: a}
	if err := a.allocDesc(s); err != nil {
		klog.FatalErr(errors.Wrapf(err, "Out of memory when creating slab %s", name))
	}
	a.createBootCache(s, name, size, flags)
	a.caches = append(a.caches, s)
	s.refcount = 1
	return s
}

func (a *Allocator) newKmallocCache(idx int, t kmallocType, flags Flags) {
	info := kmallocInfo[idx]
	a.kmallocCaches[t][idx] = a.createKmallocCache(info.name, info.size, flags)
}

// kmallocCacheName spells size with a k or M suffix when it divides evenly.
func kmallocCacheName(prefix string, size uint64) string {
	units := []string{"", "k", "M"}
	idx := 0
	for size >= 1024 && size%1024 == 0 && idx < len(units)-1 {
		size /= 1024
		idx++
	}
	return fmt.Sprintf("%s-%d%s", prefix, size, units[idx])
}

func (a *Allocator) createKmallocCaches(flags Flags) {
	for i := kmallocShiftLow; i <= kmallocShiftHigh; i++ {
		if a.kmallocCaches[kmallocNormal][i] == nil {
			a.newKmallocCache(i, kmallocNormal, flags)
		}
		// the odd sizes come right after the power of two below them
		if KmallocMinSize <= 32 && i == 6 && a.kmallocCaches[kmallocNormal][1] == nil {
			a.newKmallocCache(1, kmallocNormal, flags)
		}
		if KmallocMinSize <= 64 && i == 7 && a.kmallocCaches[kmallocNormal][2] == nil {
			a.newKmallocCache(2, kmallocNormal, flags)
		}
	}

	a.mu.Lock()
	a.state = stateUp
	a.mu.Unlock()

	for i := 0; i <= kmallocShiftHigh; i++ {
		if a.kmallocCaches[kmallocNormal][i] == nil {
			continue
		}
		size := kmallocSize(i)
		a.kmallocCaches[kmallocDMA][i] = a.createKmallocCache(
			kmallocCacheName("dma-kmalloc", size), size, FlagCacheDMA|flags)
	}
}

// KmallocSlab returns the cache serving size bytes with gfp, or nil for a
// zero size.
func (a *Allocator) KmallocSlab(size uint64, gfp buddy.GFP) (*Cache, error) {
	var idx int
	switch {
	case size == 0:
		return nil, nil
	case size <= 192:
		idx = int(a.sizeIndex[sizeIndexElem(size)])
	case size > KmallocMaxCacheSize:
		return nil, errors.Wrapf(ErrTooLarge, "%d bytes has no kmalloc cache", size)
	default:
		idx = arch.Fls(size - 1)
	}
	s := a.kmallocCaches[kmallocTypeOf(gfp)][idx]
	if s == nil {
		return nil, errors.Wrapf(ErrNotReady, "kmalloc index %d", idx)
	}
	return s, nil
}

// Kmalloc allocates size bytes. Zero yields ZeroSizePtr; sizes above the
// largest cache come straight from the page allocator.
func (a *Allocator) Kmalloc(cpu int, size uint64, gfp buddy.GFP) (uint64, error) {
	if size > KmallocMaxCacheSize {
		return a.kmallocLarge(cpu, size, gfp)
	}
	s, err := a.KmallocSlab(size, gfp)
	if err != nil {
		return 0, err
	}
	if s == nil {
		return ZeroSizePtr, nil
	}
	return s.Alloc(cpu, gfp)
}

// Kzalloc is Kmalloc with the memory cleared.
func (a *Allocator) Kzalloc(cpu int, size uint64, gfp buddy.GFP) (uint64, error) {
	return a.Kmalloc(cpu, size, gfp|buddy.GFPZero)
}

// KmallocArray allocates n elements of size bytes, failing on overflow.
func (a *Allocator) KmallocArray(cpu int, n, size uint64, gfp buddy.GFP) (uint64, error) {
	if size != 0 && n > math.MaxUint64/size {
		return 0, errors.Wrapf(ErrTooLarge, "%d elements of %d bytes", n, size)
	}
	return a.Kmalloc(cpu, n*size, gfp)
}

// Kcalloc is KmallocArray with the memory cleared.
func (a *Allocator) Kcalloc(cpu int, n, size uint64, gfp buddy.GFP) (uint64, error) {
	return a.KmallocArray(cpu, n, size, gfp|buddy.GFPZero)
}

func (a *Allocator) kmallocLarge(cpu int, size uint64, gfp buddy.GFP) (uint64, error) {
	order := arch.GetOrder(size)
	if order >= arch.MaxOrder {
		if gfp&buddy.GFPNoWarn == 0 {
			klog.Warn("kmalloc: %d bytes exceeds KMALLOC_MAX_SIZE", size)
		}
		return 0, errors.Wrapf(ErrTooLarge, "%d bytes", size)
	}
	va, err := a.pages.GetFreePages(cpu, gfp|buddy.GFPComp, order)
	if err != nil {
		return 0, errors.Mark(errors.Wrapf(err, "kmalloc_large %d bytes", size), ErrNoMemory)
	}
	return va, nil
}

func isZeroOrNull(p uint64) bool { return p <= ZeroSizePtr }

// Ksize returns the usable size of a kmalloc'd object.
func (a *Allocator) Ksize(p uint64) uint64 {
	if isZeroOrNull(p) {
		return 0
	}
	page := a.pages.VirtToHeadPage(p)
	if page == nil {
		klog.Fatal("ksize: %#x is not a linear-map address", p)
	}
	if page.Kind() != buddy.KindSlab {
		if page.CompoundOrder() == 0 {
			klog.Warn("ksize: %#x is neither slab nor compound", p)
		}
		return arch.PageSize << page.CompoundOrder()
	}
	return page.Slab().Cache.(*Cache).ksize()
}

// Kfree releases memory from Kmalloc. Nil and ZeroSizePtr are ignored.
func (a *Allocator) Kfree(cpu int, p uint64) {
	if isZeroOrNull(p) {
		return
	}
	page := a.pages.VirtToHeadPage(p)
	if page == nil {
		klog.Fatal("kfree: %#x is not a linear-map address", p)
	}
	if page.Kind() != buddy.KindSlab {
		if a.pages.PageAddress(page) != p {
			klog.Fatal("kfree: %#x is inside a page allocation", p)
		}
		a.pages.FreePages(cpu, page, page.CompoundOrder())
		return
	}
	s := page.Slab().Cache.(*Cache)
	s.slabFree(cpu, page, p)
}

// Krealloc resizes p, moving it when the current object is too small.
func (a *Allocator) Krealloc(cpu int, p, newSize uint64, gfp buddy.GFP) (uint64, error) {
	if newSize == 0 {
		a.Kfree(cpu, p)
		return ZeroSizePtr, nil
	}
	ks := a.Ksize(p)
	if ks >= newSize {
		return p, nil
	}
	ret, err := a.Kmalloc(cpu, newSize, gfp)
	if err != nil {
		return 0, err
	}
	if !isZeroOrNull(p) {
		buf := make([]byte, ks)
		a.mem.ReadAt(p, buf)
		a.mem.WriteAt(ret, buf)
		a.Kfree(cpu, p)
	}
	return ret, nil
}
