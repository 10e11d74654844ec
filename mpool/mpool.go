// Package mpool implements memory pools: allocators that keep a reserve of
// preallocated elements so that a minimum number of allocations succeeds
// even when the underlying allocator is exhausted.
package mpool

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/shenjiangwei/kmem/buddy"
	"github.com/shenjiangwei/kmem/klog"
	"github.com/shenjiangwei/kmem/slab"
)

var (
	ErrExhausted = errors.New("memory pool exhausted")
	ErrBadMinNr  = errors.New("bad pool reserve size")
)

// AllocFunc allocates one element on behalf of cpu.
type AllocFunc func(cpu int, gfp buddy.GFP) (uint64, error)

// FreeFunc releases an element obtained from the matching AllocFunc.
type FreeFunc func(cpu int, elem uint64)

// PoolStats represents memory pool statistics
type PoolStats struct {
	TotalAllocations uint64
	// PoolHits counts allocations served from the reserve
	PoolHits   uint64
	PoolMisses uint64
	TotalFrees uint64
	// PoolFreeHits counts frees that refilled the reserve
	PoolFreeHits   uint64
	PoolFreeMisses uint64
}

// MemoryPool keeps minNr elements in reserve.
type MemoryPool struct {
	mu       sync.Mutex
	minNr    int
	elements []uint64
	alloc    AllocFunc
	free     FreeFunc
	// freed is closed and replaced whenever an element returns to the reserve
	freed chan struct{}
	stats PoolStats
}

// NewMemoryPool creates a pool and fills its reserve with minNr elements.
func NewMemoryPool(cpu, minNr int, alloc AllocFunc, free FreeFunc) (*MemoryPool, error) {
	if minNr <= 0 {
		return nil, errors.Wrapf(ErrBadMinNr, "%d", minNr)
	}
	p := &MemoryPool{
		minNr:    minNr,
		elements: make([]uint64, 0, minNr),
		alloc:    alloc,
		free:     free,
		freed:    make(chan struct{}),
	}
	for len(p.elements) < minNr {
		elem, err := alloc(cpu, buddy.GFPKernel)
		if err != nil {
			p.Destroy(cpu)
			return nil, errors.Wrapf(err, "failed to pre-allocate %d pool elements", minNr)
		}
		p.elements = append(p.elements, elem)
	}
	return p, nil
}

// NewSlabPool creates a pool of objects from cache.
func NewSlabPool(cpu, minNr int, cache *slab.Cache) (*MemoryPool, error) {
	return NewMemoryPool(cpu, minNr, cache.Alloc, cache.Free)
}

// NewKmallocPool creates a pool of size-byte kmalloc objects.
func NewKmallocPool(cpu, minNr int, sl *slab.Allocator, size uint64) (*MemoryPool, error) {
	return NewMemoryPool(cpu, minNr,
		func(cpu int, gfp buddy.GFP) (uint64, error) { return sl.Kmalloc(cpu, size, gfp) },
		sl.Kfree)
}

// NewPagePool creates a pool of 2^order page blocks, handed out by address.
func NewPagePool(cpu, minNr int, pages *buddy.Allocator, order int) (*MemoryPool, error) {
	return NewMemoryPool(cpu, minNr,
		func(cpu int, gfp buddy.GFP) (uint64, error) { return pages.GetFreePages(cpu, gfp, order) },
		func(cpu int, elem uint64) { pages.FreePagesAddr(cpu, elem, order) })
}

// Allocate tries the underlying allocator first and falls back to the
// reserve. It fails with ErrExhausted when both are empty.
func (p *MemoryPool) Allocate(cpu int, gfp buddy.GFP) (uint64, error) {
	elem, _, err := p.tryAllocate(cpu, gfp)
	return elem, err
}

func (p *MemoryPool) tryAllocate(cpu int, gfp buddy.GFP) (uint64, <-chan struct{}, error) {
	if elem, err := p.alloc(cpu, gfp|buddy.GFPNoWarn); err == nil {
		p.mu.Lock()
		p.stats.TotalAllocations++
		p.stats.PoolMisses++
		p.mu.Unlock()
		return elem, nil, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.TotalAllocations++
	if n := len(p.elements); n > 0 {
		elem := p.elements[n-1]
		p.elements = p.elements[:n-1]
		p.stats.PoolHits++
		return elem, nil, nil
	}
	return 0, p.freed, errors.Wrapf(ErrExhausted, "reserve of %d elements in use", p.minNr)
}

// AllocateWait is Allocate that waits for an element to be freed into the
// reserve instead of failing.
func (p *MemoryPool) AllocateWait(ctx context.Context, cpu int, gfp buddy.GFP) (uint64, error) {
	for {
		elem, freed, err := p.tryAllocate(cpu, gfp)
		if err == nil {
			return elem, nil
		}
		select {
		case <-freed:
		case <-ctx.Done():
			return 0, errors.Wrap(ctx.Err(), "waiting for a pool element")
		}
	}
}

// Free returns elem to the reserve when it is below its minimum, and to the
// underlying allocator otherwise.
func (p *MemoryPool) Free(cpu int, elem uint64) {
	if elem == 0 {
		return
	}
	p.mu.Lock()
	p.stats.TotalFrees++
	if len(p.elements) < p.minNr {
		p.elements = append(p.elements, elem)
		p.stats.PoolFreeHits++
		close(p.freed)
		p.freed = make(chan struct{})
		p.mu.Unlock()
		return
	}
	p.stats.PoolFreeMisses++
	p.mu.Unlock()
	p.free(cpu, elem)
}

// Resize changes the reserve to newMinNr elements, allocating or releasing
// elements as needed.
func (p *MemoryPool) Resize(cpu, newMinNr int) error {
	if newMinNr <= 0 {
		return errors.Wrapf(ErrBadMinNr, "%d", newMinNr)
	}
	p.mu.Lock()
	p.minNr = newMinNr
	var excess []uint64
	for len(p.elements) > newMinNr {
		n := len(p.elements)
		excess = append(excess, p.elements[n-1])
		p.elements = p.elements[:n-1]
	}
	need := newMinNr - len(p.elements)
	p.mu.Unlock()

	for _, elem := range excess {
		p.free(cpu, elem)
	}
	for ; need > 0; need-- {
		elem, err := p.alloc(cpu, buddy.GFPKernel)
		if err != nil {
			return errors.Wrapf(err, "growing pool to %d elements", newMinNr)
		}
		p.Free(cpu, elem)
	}
	return nil
}

// Reserved returns the number of elements held in reserve.
func (p *MemoryPool) Reserved() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.elements)
}

// MinNr returns the reserve size the pool refills to.
func (p *MemoryPool) MinNr() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.minNr
}

// Stats returns a snapshot of the pool counters.
func (p *MemoryPool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}

func percent(n, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) / float64(total) * 100
}

// Destroy releases the reserve. Elements still held by callers must be
// freed to the underlying allocator by them.
func (p *MemoryPool) Destroy(cpu int) {
	p.mu.Lock()
	elements := p.elements
	p.elements = nil
	st := p.stats
	p.mu.Unlock()

	for _, elem := range elements {
		p.free(cpu, elem)
	}
	klog.Info("mempool: %d allocations, %d from reserve (%.2f%%), %d frees, %d refilled (%.2f%%)",
		st.TotalAllocations, st.PoolHits, percent(st.PoolHits, st.TotalAllocations),
		st.TotalFrees, st.PoolFreeHits, percent(st.PoolFreeHits, st.TotalFrees))
}
