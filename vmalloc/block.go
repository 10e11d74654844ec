package vmalloc

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/shenjiangwei/kmem/arch"
	"github.com/shenjiangwei/kmem/buddy"
	"github.com/shenjiangwei/kmem/klog"
)

const (
	// VmapMaxAlloc is the largest VmMapRAM request, in pages, served from
	// a vmap block
	VmapMaxAlloc = 64

	vmapBBMapBitsMax = 1024
	vmapBBMapBitsMin = VmapMaxAlloc * 2
)

// bbmapBits sizes the vmap blocks so that every CPU gets a share of the
// window.
func bbmapBits(start, end uint64) int {
	pages := (end - start) >> arch.PageShift
	bits := pages / arch.RoundupPowOfTwo(arch.NrCPUs) / 16
	bits = arch.Clamp(bits, vmapBBMapBitsMin, vmapBBMapBitsMax)
	// blocks are aligned to their own size
	return int(arch.RounddownPowOfTwo(bits))
}

// vmapBlock carves one vmap area into small VmMapRAM mappings.
type vmapBlock struct {
	mu                 sync.Mutex
	va                 *vmapArea
	free, dirty        int
	dirtyMin, dirtyMax int
	cpu                int
	desc               uint64
}

// vmapBlockQueue holds a CPU's blocks that still have free space.
type vmapBlockQueue struct {
	mu   sync.Mutex
	free []*vmapBlock
}

func (q *vmapBlockQueue) remove(vb *vmapBlock) {
	for i, b := range q.free {
		if b == vb {
			q.free = append(q.free[:i], q.free[i+1:]...)
			return
		}
	}
}

func (a *Allocator) blockIndex(addr uint64) uint64 { return addr / a.blockSize }

// newVmapBlock reserves a block, takes the first 1<<order pages of it and
// queues the rest on cpu.
func (a *Allocator) newVmapBlock(cpu, order int, gfp buddy.GFP) (uint64, error) {
	desc, err := a.slab.Kmalloc(cpu, vmapBlockDescSize, gfp&buddy.GFPNoWarn)
	if err != nil {
		return 0, errors.Mark(errors.Wrap(err, "vmap_block"), ErrNoMemory)
	}
	va, err := a.allocVmapArea(cpu, a.blockSize, a.blockSize, a.cfg.Start, a.cfg.End, gfp)
	if err != nil {
		a.slab.Kfree(cpu, desc)
		return 0, err
	}
	vb := &vmapBlock{
		va:       va,
		free:     a.bbmapBits - 1<<order,
		dirtyMin: a.bbmapBits,
		cpu:      cpu,
		desc:     desc,
	}

	a.blockMu.Lock()
	if _, dup := a.blocks[a.blockIndex(va.start)]; dup {
		klog.Fatal("vmalloc: vmap block %#x registered twice", va.start)
	}
	a.blocks[a.blockIndex(va.start)] = vb
	a.blockMu.Unlock()

	q := a.queues.Ptr(cpu)
	q.mu.Lock()
	q.free = append(q.free, vb)
	q.mu.Unlock()
	return va.start, nil
}

func (a *Allocator) freeVmapBlock(cpu int, vb *vmapBlock) {
	a.blockMu.Lock()
	idx := a.blockIndex(vb.va.start)
	if a.blocks[idx] != vb {
		klog.Fatal("vmalloc: vmap block %#x is not registered", vb.va.start)
	}
	delete(a.blocks, idx)
	a.blockMu.Unlock()

	a.freeVmapAreaNoflush(cpu, vb.va)
	a.slab.Kfree(cpu, vb.desc)
}

// vbAlloc takes size bytes from one of cpu's blocks, creating a block when
// none has room.
func (a *Allocator) vbAlloc(cpu int, size uint64, gfp buddy.GFP) (uint64, error) {
	if size == 0 || !arch.PageAligned(size) || size > VmapMaxAlloc*arch.PageSize {
		klog.Fatal("vmalloc: bad vmap block request of %d bytes", size)
	}
	order := arch.GetOrder(size)
	q := a.queues.Ptr(cpu)

	q.mu.Lock()
	for _, vb := range q.free {
		vb.mu.Lock()
		if vb.free < 1<<order {
			vb.mu.Unlock()
			continue
		}
		off := a.bbmapBits - vb.free
		addr := vb.va.start + uint64(off)<<arch.PageShift
		vb.free -= 1 << order
		if vb.free == 0 {
			q.remove(vb)
		}
		vb.mu.Unlock()
		q.mu.Unlock()
		return addr, nil
	}
	q.mu.Unlock()
	return a.newVmapBlock(cpu, order, gfp)
}

// vbFree unmaps a vbAlloc range. The TLB is flushed later, when the block is
// released or by VmUnmapAliases.
func (a *Allocator) vbFree(cpu int, addr, size uint64) {
	if size == 0 || !arch.PageAligned(size) || size > VmapMaxAlloc*arch.PageSize {
		klog.Fatal("vmalloc: bad vmap block free of %d bytes", size)
	}
	order := arch.GetOrder(size)
	off := int((addr & (a.blockSize - 1)) >> arch.PageShift)

	a.blockMu.Lock()
	vb := a.blocks[a.blockIndex(addr)]
	a.blockMu.Unlock()
	if vb == nil {
		klog.Fatal("vmalloc: %#x is not in a vmap block", addr)
	}

	a.mmu.FlushCacheVunmap(addr, addr+size)
	a.mmu.UnmapRange(addr, addr+size)

	vb.mu.Lock()
	vb.dirtyMin = min(vb.dirtyMin, off)
	vb.dirtyMax = max(vb.dirtyMax, off+1<<order)
	vb.dirty += 1 << order
	if vb.dirty == a.bbmapBits {
		if vb.free != 0 {
			klog.Fatal("vmalloc: vmap block %#x fully dirty with %d free pages", vb.va.start, vb.free)
		}
		vb.mu.Unlock()
		a.freeVmapBlock(cpu, vb)
		return
	}
	vb.mu.Unlock()
}

// purgeFragmentedBlocks releases qcpu's blocks that hold no live mapping but
// still have unused space.
func (a *Allocator) purgeFragmentedBlocks(cpu, qcpu int) {
	q := a.queues.Ptr(qcpu)
	var purge []*vmapBlock

	q.mu.Lock()
	for i := 0; i < len(q.free); {
		vb := q.free[i]
		vb.mu.Lock()
		if vb.free+vb.dirty == a.bbmapBits && vb.dirty != a.bbmapBits {
			vb.free = 0
			vb.dirty = a.bbmapBits
			vb.dirtyMin = 0
			vb.dirtyMax = a.bbmapBits
			vb.mu.Unlock()
			q.free = append(q.free[:i], q.free[i+1:]...)
			purge = append(purge, vb)
			continue
		}
		vb.mu.Unlock()
		i++
	}
	q.mu.Unlock()

	for _, vb := range purge {
		a.freeVmapBlock(cpu, vb)
	}
}

func (a *Allocator) purgeFragmentedBlocksAllCPUs(cpu int) {
	for qcpu := 0; qcpu < a.nrCPUs; qcpu++ {
		a.purgeFragmentedBlocks(cpu, qcpu)
	}
}

// VmUnmapAliases flushes every lazily unmapped address, the dirty ranges of
// live vmap blocks included, so that no stale translation remains.
func (a *Allocator) VmUnmapAliases(cpu int) {
	start, end := ^uint64(0), uint64(0)
	flush := false

	for qcpu := 0; qcpu < a.nrCPUs; qcpu++ {
		q := a.queues.Ptr(qcpu)
		q.mu.Lock()
		for _, vb := range q.free {
			vb.mu.Lock()
			if vb.dirty != 0 && vb.dirtyMin < vb.dirtyMax {
				start = min(start, vb.va.start+uint64(vb.dirtyMin)<<arch.PageShift)
				end = max(end, vb.va.start+uint64(vb.dirtyMax)<<arch.PageShift)
				vb.dirtyMin, vb.dirtyMax = a.bbmapBits, 0
				flush = true
			}
			vb.mu.Unlock()
		}
		q.mu.Unlock()
	}

	a.purgeMu.Lock()
	a.purgeFragmentedBlocksAllCPUs(cpu)
	if !a.purgeLazyLocked(cpu, start, end) && flush {
		a.mmu.FlushTLBKernelRange(start, end)
	}
	a.purgeMu.Unlock()
}

// VmMapRAM maps pages for a short-lived user. Small requests come from the
// calling CPU's vmap blocks.
func (a *Allocator) VmMapRAM(cpu int, pages []*buddy.Page, prot arch.Prot) (uint64, error) {
	count := len(pages)
	if count == 0 {
		return 0, errors.Wrap(ErrBadSize, "vm_map_ram of no pages")
	}
	size := uint64(count) << arch.PageShift

	var (
		addr uint64
		err  error
	)
	if count <= VmapMaxAlloc {
		addr, err = a.vbAlloc(cpu, size, buddy.GFPKernel)
	} else {
		var va *vmapArea
		if va, err = a.allocVmapArea(cpu, size, arch.PageSize, a.cfg.Start, a.cfg.End, buddy.GFPKernel); err == nil {
			addr = va.start
		}
	}
	if err != nil {
		return 0, err
	}
	if err := a.mmu.MapRange(addr, pfnsOf(pages), prot); err != nil {
		a.VmUnmapRAM(cpu, addr, count)
		return 0, errors.Wrap(err, "vm_map_ram")
	}
	a.mmu.FlushCacheVmap(addr, addr+size)
	return addr, nil
}

// VmUnmapRAM releases a VmMapRAM mapping of count pages.
func (a *Allocator) VmUnmapRAM(cpu int, addr uint64, count int) {
	if addr == 0 || count <= 0 || !arch.PageAligned(addr) || !a.isVmallocAddr(addr) {
		klog.Fatal("vmalloc: bad vm_unmap_ram(%#x, %d)", addr, count)
	}
	size := uint64(count) << arch.PageShift
	if count <= VmapMaxAlloc {
		a.vbFree(cpu, addr, size)
		return
	}

	a.mu.Lock()
	va := a.tree.find(addr)
	if va == nil || va.start != addr || va.flags&(vaVMArea|vaLazyFree) != 0 {
		a.mu.Unlock()
		klog.Fatal("vmalloc: vm_unmap_ram of unknown area %#x", addr)
	}
	va.flags |= vaLazyFree
	a.mu.Unlock()
	a.freeUnmapVmapArea(cpu, va)
}

// NrBlocks returns the number of live vmap blocks.
func (a *Allocator) NrBlocks() int {
	a.blockMu.Lock()
	defer a.blockMu.Unlock()
	return len(a.blocks)
}
