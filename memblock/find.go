package memblock

import (
	"github.com/cockroachdb/errors"

	"github.com/shenjiangwei/kmem/arch"
	"github.com/shenjiangwei/kmem/klog"
)

// rangeIter walks the ranges of a that are not covered by b, in lockstep
// over both sorted arrays. With b == nil it yields the regions of a.
type rangeIter struct {
	a, b    *Type
	flags   Flags
	idxA    int
	idxB    int
	started bool
	done    bool
}

func (it *rangeIter) skip(r Region) bool {
	// nomap memory is only visited when asked for explicitly
	return it.flags&FlagNomap == 0 && r.Flags&FlagNomap != 0
}

// gapBefore returns the gap before reserved entry i: [end of i-1, base of i).
func gapBefore(b *Type, i int) (uint64, uint64) {
	var start uint64
	end := arch.PhysAddrMax
	if i > 0 {
		start = b.regions[i-1].End()
	}
	if i < len(b.regions) {
		end = b.regions[i].Base
	}
	return start, end
}

func (it *rangeIter) next() (uint64, uint64, bool) {
	if it.done {
		return 0, 0, false
	}
	for ; it.idxA < len(it.a.regions); it.idxA++ {
		m := it.a.regions[it.idxA]
		mStart, mEnd := m.Base, m.End()
		if it.skip(m) {
			continue
		}
		if it.b == nil {
			it.idxA++
			return mStart, mEnd, true
		}
		for ; it.idxB < len(it.b.regions)+1; it.idxB++ {
			rStart, rEnd := gapBefore(it.b, it.idxB)

			if rStart >= mEnd {
				break
			}
			if mStart < rEnd {
				start, end := max(mStart, rStart), min(mEnd, rEnd)
				// advance whichever side ends first
				if mEnd <= rEnd {
					it.idxA++
				} else {
					it.idxB++
				}
				return start, end, true
			}
		}
	}
	it.done = true
	return 0, 0, false
}

func (it *rangeIter) prev() (uint64, uint64, bool) {
	if it.done {
		return 0, 0, false
	}
	if !it.started {
		it.started = true
		it.idxA = len(it.a.regions) - 1
		if it.b != nil {
			it.idxB = len(it.b.regions)
		}
	}
	for ; it.idxA >= 0; it.idxA-- {
		m := it.a.regions[it.idxA]
		mStart, mEnd := m.Base, m.End()
		if it.skip(m) {
			continue
		}
		if it.b == nil {
			it.idxA--
			return mStart, mEnd, true
		}
		for ; it.idxB >= 0; it.idxB-- {
			rStart, rEnd := gapBefore(it.b, it.idxB)

			if rEnd <= mStart {
				break
			}
			if mEnd > rStart {
				start, end := max(mStart, rStart), min(mEnd, rEnd)
				if mStart >= rStart {
					it.idxA--
				} else {
					it.idxB--
				}
				return start, end, true
			}
		}
	}
	it.done = true
	return 0, 0, false
}

// ForEachFreeRange calls fn for every range of memory minus reserved, lowest
// first, until fn returns false.
func (m *Memblock) ForEachFreeRange(flags Flags, fn func(start, end uint64) bool) {
	it := &rangeIter{a: &m.memory, b: &m.reserved, flags: flags}
	for start, end, ok := it.next(); ok; start, end, ok = it.next() {
		if start == end {
			continue
		}
		if !fn(start, end) {
			return
		}
	}
}

// ForEachFreeRangeReverse is ForEachFreeRange from the top of memory down.
func (m *Memblock) ForEachFreeRangeReverse(flags Flags, fn func(start, end uint64) bool) {
	it := &rangeIter{a: &m.memory, b: &m.reserved, flags: flags}
	for start, end, ok := it.prev(); ok; start, end, ok = it.prev() {
		if start == end {
			continue
		}
		if !fn(start, end) {
			return
		}
	}
}

// ForEachMemRange visits memory regions, skipping nomap ones unless flags asks.
func (m *Memblock) ForEachMemRange(flags Flags, fn func(start, end uint64) bool) {
	it := &rangeIter{a: &m.memory, flags: flags}
	for start, end, ok := it.next(); ok; start, end, ok = it.next() {
		if start == end {
			continue
		}
		if !fn(start, end) {
			return
		}
	}
}

// ForEachReservedRegion visits the reserved set.
func (m *Memblock) ForEachReservedRegion(fn func(start, end uint64) bool) {
	if m.reserved.empty() {
		return
	}
	for _, r := range m.reserved.regions {
		if !fn(r.Base, r.End()) {
			return
		}
	}
}

// ForEachMemPFNRange visits each memory region as whole page frames.
func (m *Memblock) ForEachMemPFNRange(fn func(startPFN, endPFN uint64) bool) {
	for _, r := range m.memory.regions {
		start, end := arch.PFNUp(r.Base), arch.PFNDown(r.End())
		if start >= end {
			continue
		}
		if !fn(start, end) {
			return
		}
	}
}

func (m *Memblock) findRangeBottomUp(start, end, size, align uint64, flags Flags) uint64 {
	var found uint64
	m.ForEachFreeRange(flags, func(thisStart, thisEnd uint64) bool {
		thisStart = arch.Clamp(thisStart, start, end)
		thisEnd = arch.Clamp(thisEnd, start, end)

		cand := arch.RoundUp(thisStart, align)
		if cand < thisEnd && thisEnd-cand >= size {
			found = cand
			return false
		}
		return true
	})
	return found
}

func (m *Memblock) findRangeTopDown(start, end, size, align uint64, flags Flags) uint64 {
	var found uint64
	m.ForEachFreeRangeReverse(flags, func(thisStart, thisEnd uint64) bool {
		thisStart = arch.Clamp(thisStart, start, end)
		thisEnd = arch.Clamp(thisEnd, start, end)

		if thisEnd < size {
			return true
		}
		cand := arch.RoundDown(thisEnd-size, align)
		if cand >= thisStart {
			found = cand
			return false
		}
		return true
	})
	return found
}

func (m *Memblock) findInRange(size, align, start, end uint64, flags Flags) uint64 {
	if end == AllocAccessible {
		end = m.currentLimit
	}

	// the first page is never handed out
	start = max(start, arch.PageSize)
	end = max(start, end)

	// bottom-up only makes sense above the kernel image
	if m.bottomUp && end > m.kernelEnd {
		if ret := m.findRangeBottomUp(max(start, m.kernelEnd), end, size, align, flags); ret != 0 {
			return ret
		}
	}
	return m.findRangeTopDown(start, end, size, align, flags)
}

// FindInRange returns a free, aligned address for size bytes in
// [start, end), or 0 if none exists.
func (m *Memblock) FindInRange(start, end, size, align uint64) uint64 {
	return m.findInRange(size, align, start, end, FlagNone)
}

func (m *Memblock) allocRange(size, align, start, end uint64, flags Flags) uint64 {
	if align == 0 {
		klog.Warn("memblock: zero alignment for %d bytes, using %d", size, arch.SMPCacheBytes)
		align = arch.SMPCacheBytes
	}
	found := m.findInRange(size, align, start, end, flags)
	if found != 0 && m.Reserve(found, size) == nil {
		return found
	}
	return 0
}

// AllocRange finds and reserves size bytes inside [start, end).
func (m *Memblock) AllocRange(size, align, start, end uint64) (uint64, error) {
	if pa := m.allocRange(size, align, start, end, FlagNone); pa != 0 {
		return pa, nil
	}
	return 0, errors.Wrapf(ErrNoSpace, "%d bytes align %#x in [%#x, %#x)", size, align, start, end)
}

// AllocBase reserves size bytes below maxAddr.
func (m *Memblock) AllocBase(size, align, maxAddr uint64) (uint64, error) {
	return m.AllocRange(size, align, 0, maxAddr)
}

// PhysAlloc reserves size bytes below the current limit.
func (m *Memblock) PhysAlloc(size, align uint64) (uint64, error) {
	return m.AllocBase(size, align, AllocAccessible)
}

func (m *Memblock) allocInternal(size, align, minAddr, maxAddr uint64) (uint64, bool) {
	if align == 0 {
		klog.Warn("memblock: zero alignment for %d bytes, using %d", size, arch.SMPCacheBytes)
		align = arch.SMPCacheBytes
	}
	if maxAddr > m.currentLimit {
		maxAddr = m.currentLimit
	}
	for {
		pa := m.findInRange(size, align, minAddr, maxAddr, FlagNone)
		if pa != 0 && m.Reserve(pa, size) == nil {
			return pa, true
		}
		if minAddr == 0 {
			return 0, false
		}
		// the lower bound is a preference only
		minAddr = 0
	}
}

func (m *Memblock) virt(pa uint64) uint64 {
	if m.mem == nil {
		return pa
	}
	return m.mem.PhysToVirt(pa)
}

// AllocTryRaw reserves memory, preferring [minAddr, maxAddr), and returns its
// linear-map address without clearing it.
func (m *Memblock) AllocTryRaw(size, align, minAddr, maxAddr uint64) (uint64, error) {
	m.dbg("memblock_alloc_try_raw: %d bytes align=%#x from=%#x max_addr=%#x", size, align, minAddr, maxAddr)
	pa, ok := m.allocInternal(size, align, minAddr, maxAddr)
	if !ok {
		return 0, errors.Wrapf(ErrNoSpace, "%d bytes align %#x", size, align)
	}
	return m.virt(pa), nil
}

// AllocTryNopanic is AllocTryRaw with the memory cleared.
func (m *Memblock) AllocTryNopanic(size, align, minAddr, maxAddr uint64) (uint64, error) {
	m.dbg("memblock_alloc_try_nopanic: %d bytes align=%#x from=%#x max_addr=%#x", size, align, minAddr, maxAddr)
	pa, ok := m.allocInternal(size, align, minAddr, maxAddr)
	if !ok {
		return 0, errors.Wrapf(ErrNoSpace, "%d bytes align %#x", size, align)
	}
	va := m.virt(pa)
	if m.mem != nil {
		m.mem.Zero(va, size)
	}
	return va, nil
}

// AllocTry is for boot-critical callers: it returns cleared memory or halts.
func (m *Memblock) AllocTry(size, align, minAddr, maxAddr uint64) uint64 {
	va, err := m.AllocTryNopanic(size, align, minAddr, maxAddr)
	if err != nil {
		klog.Fatal("memblock_alloc_try: Failed to allocate %d bytes align=%#x from=%#x max_addr=%#x",
			size, align, minAddr, maxAddr)
	}
	return va
}
