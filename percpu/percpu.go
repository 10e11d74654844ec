package percpu

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/shenjiangwei/kmem/arch"
	"github.com/shenjiangwei/kmem/klog"
)

const (
	// MinUnitSize is the smallest per-CPU unit
	MinUnitSize = 32 << 10
	// DynamicEarlySize is reserved in the first chunk for early users
	DynamicEarlySize = 12 << 10
)

// PageSource provides the linear-map pages of the first chunk.
type PageSource interface {
	// AllocPages returns the address of 2^order cleared pages
	AllocPages(order int) (uint64, error)
	FreePages(va uint64, order int)
	Zero(va, n uint64)
}

// AreaSource places and backs chunks outside the linear map.
type AreaSource interface {
	// GetVMAreas reserves areas whose bases keep the given offsets relative
	// to each other and returns the bases
	GetVMAreas(offsets, sizes []uint64, align uint64) ([]uint64, error)
	FreeVMAreas(bases, sizes []uint64)
	// Populate maps fresh cleared pages at [addr, addr+size)
	Populate(addr, size uint64) error
	Depopulate(addr, size uint64)
	Zero(addr, n uint64)
}

// Config sizes the per-CPU units.
type Config struct {
	NrCPUs   int
	UnitSize uint64
}

// DefaultConfig returns one MinUnitSize unit per possible CPU.
func DefaultConfig() Config {
	return Config{NrCPUs: arch.NrCPUs, UnitSize: MinUnitSize}
}

// Allocator is the per-CPU area allocator.
type Allocator struct {
	mu       sync.Mutex
	nrCPUs   int
	unitSize uint64
	pages    PageSource
	areas    AreaSource

	first  *Chunk
	chunks []*Chunk
	order  int
}

// New builds the first chunk out of pages from src.
func New(cfg Config, src PageSource) (*Allocator, error) {
	nr := cfg.NrCPUs
	if nr <= 0 || nr > arch.NrCPUs {
		nr = arch.NrCPUs
	}
	unit := arch.PageAlign(max(cfg.UnitSize, DynamicEarlySize))
	if !arch.IsPowerOfTwo(unit) {
		unit = arch.RoundupPowOfTwo(unit)
	}

	a := &Allocator{nrCPUs: nr, unitSize: unit, pages: src}
	a.order = arch.GetOrder(unit * uint64(nr))
	base, err := src.AllocPages(a.order)
	if err != nil {
		return nil, errors.Wrapf(err, "percpu: first chunk of %d units", nr)
	}
	a.first = newChunk(base, unit)
	a.first.immutable = true
	a.chunks = append(a.chunks, a.first)
	klog.Info("percpu: Embedded %d pages/cpu s%d r%d d%d u%d",
		unit>>arch.PageShift, 0, 0, unit, unit)
	return a, nil
}

// SetAreaSource enables chunks beyond the first one.
func (a *Allocator) SetAreaSource(s AreaSource) {
	a.mu.Lock()
	a.areas = s
	a.mu.Unlock()
}

func (a *Allocator) NrCPUs() int      { return a.nrCPUs }
func (a *Allocator) UnitSize() uint64 { return a.unitSize }

// UnitOffset returns the distance of cpu's unit from unit zero.
func (a *Allocator) UnitOffset(cpu int) uint64 { return uint64(cpu) * a.unitSize }

// NrChunks returns the number of live chunks.
func (a *Allocator) NrChunks() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.chunks)
}

// FirstChunkBase returns the linear-map address of the first chunk.
func (a *Allocator) FirstChunkBase() uint64 { return a.first.base }

func (a *Allocator) createChunk() (*Chunk, error) {
	if a.areas == nil {
		return nil, errors.Wrap(ErrNoSpace, "no area source for a new chunk")
	}
	offsets := make([]uint64, a.nrCPUs)
	sizes := make([]uint64, a.nrCPUs)
	for cpu := range offsets {
		offsets[cpu] = a.UnitOffset(cpu)
		sizes[cpu] = a.unitSize
	}
	bases, err := a.areas.GetVMAreas(offsets, sizes, a.unitSize)
	if err != nil {
		return nil, errors.Wrap(err, "percpu: placing chunk")
	}
	for cpu, base := range bases {
		if err := a.areas.Populate(base, a.unitSize); err != nil {
			for _, b := range bases[:cpu] {
				a.areas.Depopulate(b, a.unitSize)
			}
			a.areas.FreeVMAreas(bases, sizes)
			return nil, errors.Wrap(err, "percpu: populating chunk")
		}
	}
	c := newChunk(bases[0], a.unitSize)
	c.areas = bases
	klog.Debug("percpu: new chunk at %#x", c.base)
	return c, nil
}

func (a *Allocator) destroyChunk(c *Chunk) {
	sizes := make([]uint64, len(c.areas))
	for i, b := range c.areas {
		a.areas.Depopulate(b, a.unitSize)
		sizes[i] = a.unitSize
	}
	a.areas.FreeVMAreas(c.areas, sizes)
}

// Alloc reserves size bytes at the given alignment in every CPU's unit and
// returns the unit-zero address. The area is cleared on every CPU.
func (a *Allocator) Alloc(size, align uint64) (uint64, error) {
	if size == 0 {
		size = 1
	}
	if align < MinAllocSize {
		align = MinAllocSize
	}
	if !arch.IsPowerOfTwo(align) {
		return 0, errors.Wrapf(ErrBadAlign, "align %d", align)
	}
	size = arch.RoundUp(size, MinAllocSize)
	if size > a.unitSize || align > arch.PageSize {
		klog.Warn("illegal size (%d) or align (%d) for percpu allocation", size, align)
		return 0, errors.Wrapf(ErrTooLarge, "size %d align %d", size, align)
	}
	bits := int(size / MinAllocSize)
	alignBits := int(align / MinAllocSize)

	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.chunks {
		if off := c.allocArea(bits, alignBits); off >= 0 {
			return a.finishAlloc(c, off, size), nil
		}
	}
	c, err := a.createChunk()
	if err != nil {
		return 0, errors.Wrapf(err, "%d bytes", size)
	}
	a.chunks = append(a.chunks, c)
	off := c.allocArea(bits, alignBits)
	return a.finishAlloc(c, off, size), nil
}

func (a *Allocator) finishAlloc(c *Chunk, off int, size uint64) uint64 {
	ptr := c.base + uint64(off*MinAllocSize)
	for cpu := 0; cpu < a.nrCPUs; cpu++ {
		a.zero(c, ptr+a.UnitOffset(cpu), size)
	}
	return ptr
}

func (a *Allocator) zero(c *Chunk, addr, n uint64) {
	if c.areas == nil {
		a.pages.Zero(addr, n)
	} else {
		a.areas.Zero(addr, n)
	}
}

func (a *Allocator) chunkOf(ptr uint64) *Chunk {
	for _, c := range a.chunks {
		if c.contains(ptr) {
			return c
		}
	}
	return nil
}

// Free releases an area returned by Alloc. Empty chunks other than the
// first are returned to the area source.
func (a *Allocator) Free(ptr uint64) {
	if ptr == 0 {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	c := a.chunkOf(ptr)
	if c == nil {
		klog.Fatal("percpu: freeing %#x outside every chunk", ptr)
	}
	off := int((ptr - c.base) / MinAllocSize)
	if !c.boundMap.test(off) || !c.allocMap.test(off) {
		klog.Fatal("percpu: freeing %#x which is not an allocation start", ptr)
	}
	c.freeArea(off)

	if c.immutable || !c.empty() {
		return
	}
	for i, cc := range a.chunks {
		if cc == c {
			a.chunks = append(a.chunks[:i], a.chunks[i+1:]...)
			break
		}
	}
	a.destroyChunk(c)
}

// PerCPUAddr translates a unit-zero address to cpu's copy.
func (a *Allocator) PerCPUAddr(ptr uint64, cpu int) uint64 {
	if cpu < 0 || cpu >= a.nrCPUs {
		klog.Fatal("percpu: cpu %d out of range", cpu)
	}
	return ptr + a.UnitOffset(cpu)
}

// IsPercpuAddr reports whether addr lies in some CPU's unit of a chunk.
func (a *Allocator) IsPercpuAddr(addr uint64) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	span := a.unitSize * uint64(a.nrCPUs)
	for _, c := range a.chunks {
		if addr >= c.base && addr < c.base+span {
			return true
		}
	}
	return false
}

// Stats returns the free bytes and the largest free run over all chunks.
func (a *Allocator) Stats() (free, contig int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, c := range a.chunks {
		free += c.freeBytes
		contig = max(contig, c.ContigBytes())
	}
	return free, contig
}
