package percpu

import "github.com/shenjiangwei/kmem/arch"

const (
	// MinAllocSize is the allocation granule; one map bit per granule
	MinAllocSize = 4
	// BitmapBlockSize is the span summarised by one block descriptor
	BitmapBlockSize = arch.PageSize
	blockBits       = int(BitmapBlockSize / MinAllocSize)
)

// blockMD summarises the free space of one bitmap block, in bits.
type blockMD struct {
	contigHint      int
	contigHintStart int
	leftFree        int
	rightFree       int
	firstFree       int
}

// Chunk serves allocations at the same offset of every CPU's unit.
type Chunk struct {
	base      uint64
	nbits     int
	allocMap  bitmap
	boundMap  bitmap
	blocks    []blockMD
	freeBytes int
	firstBit  int

	contigBits      int
	contigBitsStart int

	// the first chunk is never destroyed
	immutable bool
	// vmalloc bases of each CPU's unit for chunks outside the linear map
	areas []uint64
}

func newChunk(base, unitSize uint64) *Chunk {
	nbits := int(unitSize / MinAllocSize)
	c := &Chunk{
		base:      base,
		nbits:     nbits,
		allocMap:  newBitmap(nbits),
		boundMap:  newBitmap(nbits + 1),
		blocks:    make([]blockMD, (nbits+blockBits-1)/blockBits),
		freeBytes: int(unitSize),
	}
	c.boundMap.set(nbits)
	for i := range c.blocks {
		c.refreshBlock(i)
	}
	c.refreshHint()
	return c
}

func (c *Chunk) Base() uint64   { return c.base }
func (c *Chunk) FreeBytes() int { return c.freeBytes }
func (c *Chunk) ContigBytes() int {
	return c.contigBits * MinAllocSize
}

func (c *Chunk) empty() bool { return c.freeBytes == c.nbits*MinAllocSize }

func (c *Chunk) contains(ptr uint64) bool {
	return ptr >= c.base && ptr < c.base+uint64(c.nbits*MinAllocSize)
}

func (c *Chunk) blockRange(i int) (int, int) {
	start := i * blockBits
	return start, min(start+blockBits, c.nbits)
}

// refreshBlock rescans block i of the allocation map.
func (c *Chunk) refreshBlock(i int) {
	start, end := c.blockRange(i)
	md := blockMD{firstFree: end - start}

	run, runStart := 0, 0
	for bit := start; bit < end; {
		free := c.allocMap.nextZero(bit, end)
		if free == end {
			break
		}
		used := c.allocMap.nextSet(free, end)
		if md.firstFree == end-start {
			md.firstFree = free - start
		}
		run, runStart = used-free, free-start
		if free == start {
			md.leftFree = run
		}
		if run > md.contigHint {
			md.contigHint, md.contigHintStart = run, runStart
		}
		if used == end {
			md.rightFree = run
		}
		bit = used
	}
	c.blocks[i] = md
}

// refreshHint rebuilds the chunk's largest free run from the blocks, joining
// runs that cross block boundaries.
func (c *Chunk) refreshHint() {
	best, bestStart := 0, 0
	run, runStart := 0, 0
	for i, md := range c.blocks {
		start, end := c.blockRange(i)
		if md.contigHint == end-start {
			if run == 0 {
				runStart = start
			}
			run += end - start
			continue
		}
		if md.leftFree > 0 {
			if run == 0 {
				runStart = start
			}
			run += md.leftFree
		}
		if run > best {
			best, bestStart = run, runStart
		}
		if md.contigHint > best {
			best, bestStart = md.contigHint, start+md.contigHintStart
		}
		run, runStart = md.rightFree, end-md.rightFree
	}
	if run > best {
		best, bestStart = run, runStart
	}
	c.contigBits, c.contigBitsStart = best, bestStart
}

func (c *Chunk) refreshRange(bitOff, bits int) {
	for i := bitOff / blockBits; i <= (bitOff+bits-1)/blockBits; i++ {
		c.refreshBlock(i)
	}
	c.refreshHint()
}

// findFit returns the first aligned bit offset with bits free bits, or -1.
func (c *Chunk) findFit(bits, alignBits int) int {
	if c.contigBits < bits {
		return -1
	}
	start := c.firstBit
	for {
		start = c.allocMap.nextZero(start, c.nbits)
		start = int(arch.RoundUp(uint64(start), uint64(alignBits)))
		if start+bits > c.nbits {
			return -1
		}
		used := c.allocMap.nextSet(start, start+bits)
		if used == start+bits {
			return start
		}
		start = used
	}
}

// allocArea reserves bits at an aligned offset and returns it, or -1.
func (c *Chunk) allocArea(bits, alignBits int) int {
	off := c.findFit(bits, alignBits)
	if off < 0 {
		return -1
	}
	c.allocMap.setRange(off, off+bits)
	c.boundMap.set(off)
	c.boundMap.clearRange(off+1, off+bits)
	c.boundMap.set(off + bits)
	c.freeBytes -= bits * MinAllocSize
	if off == c.firstBit {
		c.firstBit = c.allocMap.nextZero(off+bits, c.nbits)
	}
	c.refreshRange(off, bits)
	return off
}

// freeArea releases the allocation starting at bitOff and returns its size
// in bytes.
func (c *Chunk) freeArea(bitOff int) int {
	end := c.boundMap.nextSet(bitOff+1, c.nbits+1)
	bits := end - bitOff
	c.boundMap.clear(bitOff)
	c.allocMap.clearRange(bitOff, end)
	c.freeBytes += bits * MinAllocSize
	c.firstBit = min(c.firstBit, bitOff)
	c.refreshRange(bitOff, bits)
	return bits * MinAllocSize
}
