package vmalloc

import (
	"github.com/cockroachdb/errors"

	"github.com/shenjiangwei/kmem/arch"
	"github.com/shenjiangwei/kmem/buddy"
	"github.com/shenjiangwei/kmem/klog"
	"github.com/shenjiangwei/kmem/percpu"
)

// findNextPrev returns the lowest area ending above end and the area before
// it. ok is false when the tree is empty. Called with a.mu held.
func (a *Allocator) findNextPrev(end uint64) (next, prev *vmapArea, ok bool) {
	if a.tree.len() == 0 {
		return nil, nil, false
	}
	if next = a.tree.firstEndingAtOrAbove(end + 1); next != nil {
		return next, a.tree.prev(next), true
	}
	return nil, a.tree.last(), true
}

// determineEnd returns the highest aligned end address below next and walks
// next and prev down until prev ends at or below it.
func (a *Allocator) determineEnd(next, prev *vmapArea, align uint64) (uint64, *vmapArea, *vmapArea) {
	vend := a.cfg.End &^ (align - 1)
	addr := vend
	if next != nil {
		addr = min(next.start&^(align-1), vend)
	}
	for prev != nil && prev.end > addr {
		next = prev
		prev = a.tree.prev(next)
	}
	return addr, next, prev
}

// PcpuGetVMAreas reserves one area per entry of offsets and sizes such that
// the areas keep their relative offsets. The search runs downward from the
// percpu hole, so percpu chunks grow from the top of the window while
// vmalloc grows from the bottom.
func (a *Allocator) PcpuGetVMAreas(cpu int, offsets, sizes []uint64, align uint64) ([]*VMStruct, error) {
	nr := len(offsets)
	if nr == 0 || nr != len(sizes) || !arch.IsPowerOfTwo(align) || align < arch.PageSize {
		klog.Fatal("vmalloc: bad pcpu area request of %d areas, align %#x", nr, align)
	}
	last := 0
	for i := range offsets {
		if offsets[i]&(align-1) != 0 || sizes[i]&(align-1) != 0 || sizes[i] == 0 {
			klog.Fatal("vmalloc: pcpu area %d at %#x+%#x not aligned to %#x", i, offsets[i], sizes[i], align)
		}
		if offsets[i]+sizes[i] > offsets[last]+sizes[last] {
			last = i
		}
		for j := 0; j < i; j++ {
			if offsets[i] < offsets[j]+sizes[j] && offsets[j] < offsets[i]+sizes[i] {
				klog.Fatal("vmalloc: pcpu areas %d and %d overlap", j, i)
			}
		}
	}
	lastEnd := offsets[last] + sizes[last]
	if a.cfg.End-a.cfg.Start < lastEnd {
		return nil, errors.Wrapf(ErrNoSpace, "pcpu areas span %#x", lastEnd)
	}

	descs := make([]uint64, 0, 2*nr)
	freeDescs := func() {
		for _, d := range descs {
			a.slab.Kfree(cpu, d)
		}
	}
	for i := 0; i < 2*nr; i++ {
		size := uint64(vmapAreaDescSize)
		if i >= nr {
			size = vmStructDescSize
		}
		d, err := a.slab.Kzalloc(cpu, size, buddy.GFPKernel)
		if err != nil {
			freeDescs()
			return nil, errors.Mark(errors.Wrap(err, "pcpu areas"), ErrNoMemory)
		}
		descs = append(descs, d)
	}

	var base uint64
	for purged := false; ; purged = true {
		a.mu.Lock()
		var ok bool
		if base, ok = a.placePcpuAreas(offsets, sizes, last, align); ok {
			break
		}
		a.mu.Unlock()
		if purged {
			freeDescs()
			klog.Warn("vmalloc: no space for %d pcpu areas spanning %#x", nr, lastEnd)
			return nil, errors.Wrapf(ErrNoSpace, "pcpu areas span %#x", lastEnd)
		}
		a.PurgeLazy(cpu)
	}

	vas := make([]*vmapArea, nr)
	for i := range vas {
		vas[i] = &vmapArea{start: base + offsets[i], end: base + offsets[i] + sizes[i], desc: descs[i]}
		a.tree.insert(vas[i])
	}
	a.pcpuHole = base + offsets[last]
	a.mu.Unlock()

	vms := make([]*VMStruct, nr)
	for i := range vms {
		vms[i] = &VMStruct{desc: descs[nr+i]}
		a.setupVM(vms[i], vas[i], VMAlloc|VMNoGuard, "pcpu_get_vm_areas")
	}
	return vms, nil
}

// placePcpuAreas finds the highest base below the percpu hole at which every
// area fits. Called with a.mu held.
func (a *Allocator) placePcpuAreas(offsets, sizes []uint64, last int, align uint64) (uint64, bool) {
	nr := len(offsets)
	lastEnd := offsets[last] + sizes[last]
	area, term := last, last
	start := offsets[area]
	end := start + sizes[area]

	next, prev, ok := a.findNextPrev(a.pcpuHole)
	if !ok {
		base := arch.RoundDown(a.pcpuHole-end, align)
		return base, base+lastEnd >= a.cfg.Start+lastEnd
	}
	var base uint64
	base, next, prev = a.determineEnd(next, prev, align)
	base -= end

	for {
		if next != nil && next.end <= base+end {
			klog.Fatal("vmalloc: pcpu search passed area %#x", next.start)
		}
		if prev != nil && prev.end > base+end {
			klog.Fatal("vmalloc: pcpu search left area %#x ending above %#x", prev.start, base+end)
		}
		// base may have wrapped below zero
		if base+lastEnd < a.cfg.Start+lastEnd {
			return 0, false
		}
		if next != nil && next.start < base+end {
			base, next, prev = a.determineEnd(next, prev, align)
			base -= end
			term = area
			continue
		}
		if prev != nil && prev.end > base+start {
			next = prev
			prev = a.tree.prev(next)
			base, next, prev = a.determineEnd(next, prev, align)
			base -= end
			term = area
			continue
		}
		// this area fits; move on to the previous one
		area = (area + nr - 1) % nr
		if area == term {
			return base, true
		}
		start = offsets[area]
		end = start + sizes[area]
		next, prev, _ = a.findNextPrev(base + end)
	}
}

// PcpuFreeVMAreas releases areas from PcpuGetVMAreas.
func (a *Allocator) PcpuFreeVMAreas(cpu int, vms []*VMStruct) {
	for _, vm := range vms {
		a.FreeVMArea(cpu, vm)
	}
}

// percpuAreas backs percpu chunks with vmalloc space.
type percpuAreas struct {
	a   *Allocator
	cpu int
}

// PercpuSource returns the percpu.AreaSource that places chunks in the
// window and populates them on behalf of cpu.
func (a *Allocator) PercpuSource(cpu int) percpu.AreaSource { return percpuAreas{a: a, cpu: cpu} }

func (s percpuAreas) GetVMAreas(offsets, sizes []uint64, align uint64) ([]uint64, error) {
	vms, err := s.a.PcpuGetVMAreas(s.cpu, offsets, sizes, align)
	if err != nil {
		return nil, err
	}
	bases := make([]uint64, len(vms))
	for i, vm := range vms {
		bases[i] = vm.Addr
	}
	return bases, nil
}

func (s percpuAreas) FreeVMAreas(bases, sizes []uint64) {
	for _, b := range bases {
		vm := s.a.FindVMArea(b)
		if vm == nil || vm.Addr != b {
			klog.Fatal("vmalloc: freeing unknown pcpu area %#x", b)
		}
		s.a.FreeVMArea(s.cpu, vm)
	}
}

func (s percpuAreas) Populate(addr, size uint64) error {
	a := s.a
	n := int(size >> arch.PageShift)
	pages := make([]*buddy.Page, 0, n)
	for i := 0; i < n; i++ {
		p, err := a.pages.AllocPage(s.cpu, buddy.GFPZero)
		if err != nil {
			for _, p := range pages {
				a.pages.FreePage(s.cpu, p)
			}
			return errors.Mark(errors.Wrapf(err, "populating pcpu area %#x", addr), ErrNoMemory)
		}
		pages = append(pages, p)
	}
	if err := a.mmu.MapRange(addr, pfnsOf(pages), arch.PageKernel); err != nil {
		a.mmu.UnmapRange(addr, addr+size)
		for _, p := range pages {
			a.pages.FreePage(s.cpu, p)
		}
		return errors.Wrapf(err, "mapping pcpu area %#x", addr)
	}
	a.mmu.FlushCacheVmap(addr, addr+size)
	return nil
}

func (s percpuAreas) Depopulate(addr, size uint64) {
	a := s.a
	var pages []*buddy.Page
	for va := addr; va < addr+size; va += arch.PageSize {
		if pfn, ok := a.mmu.Lookup(va); ok {
			pages = append(pages, a.pages.PFNToPage(pfn))
		}
	}
	a.mmu.FlushCacheVunmap(addr, addr+size)
	a.mmu.UnmapRange(addr, addr+size)
	a.mmu.FlushTLBKernelRange(addr, addr+size)
	for _, p := range pages {
		a.pages.FreePage(s.cpu, p)
	}
}

func (s percpuAreas) Zero(addr, n uint64) { s.a.Zero(addr, n) }
