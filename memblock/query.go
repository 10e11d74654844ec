package memblock

import (
	"fmt"
	"sort"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/shenjiangwei/kmem/arch"
	"github.com/shenjiangwei/kmem/klog"
)

// search returns the index of the region containing addr, or -1.
func (t *Type) search(addr uint64) int {
	n := len(t.regions)
	i := sort.Search(n, func(i int) bool { return t.regions[i].End() > addr })
	if i < n && t.regions[i].Base <= addr && addr < t.regions[i].End() {
		return i
	}
	return -1
}

func (m *Memblock) IsReserved(addr uint64) bool { return m.reserved.search(addr) != -1 }
func (m *Memblock) IsMemory(addr uint64) bool   { return m.memory.search(addr) != -1 }

// IsMapMemory reports whether addr is memory that belongs in the linear map.
func (m *Memblock) IsMapMemory(addr uint64) bool {
	i := m.memory.search(addr)
	if i == -1 {
		return false
	}
	return m.memory.regions[i].Flags&FlagNomap == 0
}

// IsRegionMemory reports whether [base, base+size) lies within one memory region.
func (m *Memblock) IsRegionMemory(base, size uint64) bool {
	idx := m.memory.search(base)
	end := base + capSize(base, size)
	if idx == -1 {
		return false
	}
	return m.memory.regions[idx].End() >= end
}

// IsRegionReserved reports whether [base, base+size) touches a reservation.
func (m *Memblock) IsRegionReserved(base, size uint64) bool {
	return m.reserved.OverlapsRegion(base, capSize(base, size))
}

func (m *Memblock) PhysMemSize() uint64  { return m.memory.totalSize }
func (m *Memblock) ReservedSize() uint64 { return m.reserved.totalSize }

// MemSize returns the bytes of memory below limitPFN.
func (m *Memblock) MemSize(limitPFN uint64) uint64 {
	var pages uint64
	for _, r := range m.memory.regions {
		start := min(arch.PFNDown(r.Base), limitPFN)
		end := min(arch.PFNDown(r.End()), limitPFN)
		pages += end - start
	}
	return arch.PFNPhys(pages)
}

// StartOfDRAM returns the lowest memory address.
func (m *Memblock) StartOfDRAM() uint64 {
	return m.memory.regions[0].Base
}

// EndOfDRAM returns the address past the highest memory region.
func (m *Memblock) EndOfDRAM() uint64 {
	return m.memory.regions[len(m.memory.regions)-1].End()
}

// findMaxAddr returns the address below which limit bytes of memory lie.
func (m *Memblock) findMaxAddr(limit uint64) uint64 {
	maxAddr := arch.PhysAddrMax
	for _, r := range m.memory.regions {
		if limit <= r.Size {
			maxAddr = r.Base + limit
			break
		}
		limit -= r.Size
	}
	return maxAddr
}

// EnforceMemoryLimit truncates memory and reservations to the first limit bytes.
func (m *Memblock) EnforceMemoryLimit(limit uint64) {
	if limit == 0 {
		return
	}
	maxAddr := m.findMaxAddr(limit)
	if maxAddr == arch.PhysAddrMax {
		return
	}
	if err := m.removeRange(&m.memory, maxAddr, arch.PhysAddrMax); err != nil {
		klog.Warn("memblock: enforcing limit %#x on memory: %v", limit, err)
	}
	if err := m.removeRange(&m.reserved, maxAddr, arch.PhysAddrMax); err != nil {
		klog.Warn("memblock: enforcing limit %#x on reserved: %v", limit, err)
	}
}

// CapMemoryRange keeps only [base, base+size) of mapped memory; nomap
// regions outside survive.
func (m *Memblock) CapMemoryRange(base, size uint64) {
	if size == 0 {
		return
	}
	start, end, err := m.isolateRange(&m.memory, base, size)
	if err != nil {
		return
	}

	for i := len(m.memory.regions) - 1; i >= end; i-- {
		if m.memory.regions[i].Flags&FlagNomap == 0 {
			m.removeRegion(&m.memory, i)
		}
	}
	for i := start - 1; i >= 0; i-- {
		if m.memory.regions[i].Flags&FlagNomap == 0 {
			m.removeRegion(&m.memory, i)
		}
	}

	_ = m.removeRange(&m.reserved, 0, base)
	_ = m.removeRange(&m.reserved, base+size, arch.PhysAddrMax)
}

// MemLimitRemoveMap is the mem= handling that preserves nomap regions.
func (m *Memblock) MemLimitRemoveMap(limit uint64) {
	if limit == 0 {
		return
	}
	maxAddr := m.findMaxAddr(limit)
	if maxAddr == arch.PhysAddrMax {
		return
	}
	m.CapMemoryRange(0, maxAddr)
}

// TrimMemory shrinks every memory region to align boundaries, dropping
// regions that vanish.
func (m *Memblock) TrimMemory(align uint64) {
	t := &m.memory
	for i := 0; i < len(t.regions); i++ {
		r := &t.regions[i]
		origStart, origEnd := r.Base, r.End()
		start := arch.RoundUp(origStart, align)
		end := arch.RoundDown(origEnd, align)

		if start == origStart && end == origEnd {
			continue
		}
		if start < end {
			t.totalSize -= r.Size - (end - start)
			r.Base = start
			r.Size = end - start
		} else {
			m.removeRegion(t, i)
			i--
		}
	}
}

func (m *Memblock) dumpType(t *Type) {
	klog.Info(" %s.cnt  = %#x", t.name, len(t.regions))
	for idx, r := range t.regions {
		klog.Info(" %s[%#x]\t[%#016x-%#016x], %#x bytes flags: %#x",
			t.name, idx, r.Base, r.End()-1, r.Size, uint32(r.Flags))
	}
}

// Dump logs both region sets.
func (m *Memblock) Dump() {
	klog.Info("MEMBLOCK configuration:")
	klog.Info(" memory size = %#x reserved size = %#x", m.memory.totalSize, m.reserved.totalSize)
	m.dumpType(&m.memory)
	m.dumpType(&m.reserved)
}

func hex(v uint64) string { return fmt.Sprintf("%#x", v) }

func writeType(obj *jwriter.ObjectState, t *Type) {
	sub := obj.Name(t.name).Object()
	sub.Name("cnt").Int(len(t.regions))
	sub.Name("max").Int(cap(t.regions))
	sub.Name("total_size").String(hex(t.totalSize))
	arr := sub.Name("regions").Array()
	for _, r := range t.Regions() {
		ro := arr.Object()
		ro.Name("base").String(hex(r.Base))
		ro.Name("size").String(hex(r.Size))
		ro.Name("flags").Int(int(r.Flags))
		ro.End()
	}
	arr.End()
	sub.End()
}

// WriteInfo emits the region sets as JSON fields of obj.
func (m *Memblock) WriteInfo(obj *jwriter.ObjectState) {
	obj.Name("bottom_up").Bool(m.bottomUp)
	obj.Name("current_limit").String(hex(m.currentLimit))
	writeType(obj, &m.memory)
	writeType(obj, &m.reserved)
}
