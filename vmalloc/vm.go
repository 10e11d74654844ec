package vmalloc

import (
	"github.com/cockroachdb/errors"

	"github.com/shenjiangwei/kmem/arch"
	"github.com/shenjiangwei/kmem/buddy"
	"github.com/shenjiangwei/kmem/klog"
)

// VMFlags describe what a VMStruct maps.
type VMFlags uint32

const (
	VMIOremap VMFlags = 0x00000001
	VMAlloc   VMFlags = 0x00000002
	VMMap     VMFlags = 0x00000004
	// VMUninitialized marks an area whose pages are still being set up
	VMUninitialized VMFlags = 0x00000020
	// VMNoGuard omits the trailing guard page
	VMNoGuard VMFlags = 0x00000040
)

// VMStruct is the handle of a mapped area.
type VMStruct struct {
	Addr uint64
	// Size includes the guard page
	Size    uint64
	Flags   VMFlags
	NrPages int
	// PhysAddr is the device address of an ioremap area
	PhysAddr uint64
	Caller   string

	// pages holds NrPages frame numbers; it is a kmalloc object, or a
	// vmalloc area when larger than a page
	pages uint64
	desc  uint64
}

// AreaSize returns the mapped size, without the guard page.
func (vm *VMStruct) AreaSize() uint64 {
	if vm.Flags&VMNoGuard == 0 {
		return vm.Size - arch.PageSize
	}
	return vm.Size
}

func (a *Allocator) setupVM(vm *VMStruct, va *vmapArea, flags VMFlags, caller string) {
	a.mu.Lock()
	vm.Flags = flags
	vm.Addr = va.start
	vm.Size = va.size()
	vm.Caller = caller
	va.vm = vm
	va.flags |= vaVMArea
	a.mu.Unlock()
}

func (a *Allocator) getVMAreaNode(cpu int, size, align uint64, flags VMFlags, start, end uint64,
	gfp buddy.GFP, caller string) (*VMStruct, error) {
	size = arch.PageAlign(size)
	if size == 0 {
		return nil, errors.Wrapf(ErrBadSize, "empty area for %s", caller)
	}
	if flags&VMIOremap != 0 {
		align = 1 << arch.Clamp(uint64(arch.GetCountOrder(size)), arch.PageShift, arch.IOremapMaxOrder)
	}
	desc, err := a.slab.Kzalloc(cpu, vmStructDescSize, gfp&buddy.GFPNoWarn)
	if err != nil {
		return nil, errors.Mark(errors.Wrap(err, "vm_struct"), ErrNoMemory)
	}
	if flags&VMNoGuard == 0 {
		size += arch.PageSize
	}
	va, err := a.allocVmapArea(cpu, size, align, start, end, gfp)
	if err != nil {
		a.slab.Kfree(cpu, desc)
		return nil, err
	}
	vm := &VMStruct{desc: desc}
	a.setupVM(vm, va, flags, caller)
	return vm, nil
}

// GetVMArea reserves size bytes of vmalloc space without mapping them.
func (a *Allocator) GetVMArea(cpu int, size uint64, flags VMFlags) (*VMStruct, error) {
	return a.getVMAreaNode(cpu, size, 1, flags, a.cfg.Start, a.cfg.End, buddy.GFPKernel, "get_vm_area")
}

// GetVMAreaRange reserves size bytes inside [start, end).
func (a *Allocator) GetVMAreaRange(cpu int, size uint64, flags VMFlags, start, end uint64, caller string) (*VMStruct, error) {
	return a.getVMAreaNode(cpu, size, 1, flags, start, end, buddy.GFPKernel, caller)
}

// FindVMArea returns the live area containing addr.
func (a *Allocator) FindVMArea(addr uint64) *VMStruct {
	a.mu.Lock()
	defer a.mu.Unlock()
	if va := a.tree.find(addr); va != nil && va.flags&vaVMArea != 0 {
		return va.vm
	}
	return nil
}

// RemoveVMArea unmaps the area containing addr and hands its range to the
// lazy purge. The returned VMStruct is detached from the tree.
func (a *Allocator) RemoveVMArea(cpu int, addr uint64) *VMStruct {
	a.mu.Lock()
	va := a.tree.find(addr)
	if va == nil || va.flags&vaVMArea == 0 {
		a.mu.Unlock()
		return nil
	}
	vm := va.vm
	va.vm = nil
	va.flags = va.flags&^vaVMArea | vaLazyFree
	a.mu.Unlock()

	a.freeUnmapVmapArea(cpu, va)
	return vm
}

// FreeVMArea removes vm and releases its descriptor.
func (a *Allocator) FreeVMArea(cpu int, vm *VMStruct) {
	if ret := a.RemoveVMArea(cpu, vm.Addr); ret != vm {
		klog.Fatal("vmalloc: area %#x is not the one being freed", vm.Addr)
	}
	a.slab.Kfree(cpu, vm.desc)
}

func (a *Allocator) mapVMArea(vm *VMStruct, prot arch.Prot, pfns []uint64) error {
	end := vm.Addr + vm.AreaSize()
	err := a.mmu.MapRange(vm.Addr, pfns, prot)
	a.mmu.FlushCacheVmap(vm.Addr, end)
	return err
}

func pfnsOf(pages []*buddy.Page) []uint64 {
	pfns := make([]uint64, len(pages))
	for i, p := range pages {
		pfns[i] = p.PFN()
	}
	return pfns
}

// Vmap maps pages contiguously and returns the address.
func (a *Allocator) Vmap(cpu int, pages []*buddy.Page, flags VMFlags, prot arch.Prot) (uint64, error) {
	if len(pages) == 0 || uint64(len(pages)) > a.pages.TotalRAMPages() {
		return 0, errors.Wrapf(ErrBadSize, "vmap of %d pages", len(pages))
	}
	vm, err := a.getVMAreaNode(cpu, uint64(len(pages))<<arch.PageShift, 1, flags,
		a.cfg.Start, a.cfg.End, buddy.GFPKernel, "vmap")
	if err != nil {
		return 0, err
	}
	if err := a.mapVMArea(vm, prot, pfnsOf(pages)); err != nil {
		a.Vunmap(cpu, vm.Addr)
		return 0, errors.Wrap(err, "vmap")
	}
	return vm.Addr, nil
}

// Vunmap releases an area from Vmap. The pages stay with the caller.
func (a *Allocator) Vunmap(cpu int, addr uint64) {
	if addr != 0 {
		a.vunmap(cpu, addr, false)
	}
}

// Vfree releases an area from Vmalloc and its pages.
func (a *Allocator) Vfree(cpu int, addr uint64) {
	if addr != 0 {
		a.vunmap(cpu, addr, true)
	}
}

func (a *Allocator) vunmap(cpu int, addr uint64, deallocatePages bool) {
	if !arch.PageAligned(addr) {
		klog.Warn("Trying to vfree() bad address (%#x)", addr)
		return
	}
	vm := a.RemoveVMArea(cpu, addr)
	if vm == nil {
		klog.Warn("Trying to vfree() nonexistent vm area (%#x)", addr)
		return
	}
	if deallocatePages {
		for i := 0; i < vm.NrPages; i++ {
			pfn := a.Load64(vm.pages + uint64(i)*8)
			page := a.pages.PFNToPage(pfn)
			if page == nil {
				klog.Fatal("vmalloc: area %#x holds bad pfn %#x", vm.Addr, pfn)
			}
			a.pages.FreePage(cpu, page)
		}
		a.freePageArray(cpu, vm)
	}
	a.slab.Kfree(cpu, vm.desc)
}

func (a *Allocator) freePageArray(cpu int, vm *VMStruct) {
	if vm.pages == 0 {
		return
	}
	if a.isVmallocAddr(vm.pages) {
		a.Vfree(cpu, vm.pages)
	} else {
		a.slab.Kfree(cpu, vm.pages)
	}
	vm.pages = 0
}

func (a *Allocator) setNrPages(vm *VMStruct, n int) {
	a.mu.Lock()
	vm.NrPages = n
	a.mu.Unlock()
}

// vmallocArea backs vm with order-0 pages and maps them.
func (a *Allocator) vmallocArea(cpu int, vm *VMStruct, gfp buddy.GFP, prot arch.Prot) (uint64, error) {
	nrPages := int(vm.AreaSize() >> arch.PageShift)
	arraySize := uint64(nrPages) * 8
	nested := gfp | buddy.GFPZero

	var (
		array uint64
		err   error
	)
	// the nesting ends once the array fits a page
	if arraySize > arch.PageSize {
		array, err = a.vmallocRange(cpu, arraySize, 1, a.cfg.Start, a.cfg.End, nested, arch.PageKernel, 0, vm.Caller)
	} else {
		array, err = a.slab.Kmalloc(cpu, arraySize, nested)
	}
	if err != nil {
		a.RemoveVMArea(cpu, vm.Addr)
		a.slab.Kfree(cpu, vm.desc)
		return 0, errors.Mark(errors.Wrap(err, "vmalloc page array"), ErrNoMemory)
	}
	a.mu.Lock()
	vm.pages = array
	a.mu.Unlock()

	pfns := make([]uint64, nrPages)
	for i := range pfns {
		page, err := a.pages.AllocPage(cpu, gfp|buddy.GFPNoWarn)
		if err != nil {
			a.setNrPages(vm, i)
			klog.Warn("vmalloc: allocation failure, allocated %d of %d bytes", uint64(i)*arch.PageSize, vm.Size)
			a.vunmap(cpu, vm.Addr, true)
			return 0, errors.Mark(errors.Wrapf(err, "vmalloc %d pages", nrPages), ErrNoMemory)
		}
		pfns[i] = page.PFN()
		a.Store64(vm.pages+uint64(i)*8, pfns[i])
	}
	a.setNrPages(vm, nrPages)
	if err := a.mapVMArea(vm, prot, pfns); err != nil {
		a.vunmap(cpu, vm.Addr, true)
		return 0, errors.Wrap(err, "vmalloc")
	}
	a.mu.Lock()
	vm.Flags &^= VMUninitialized
	a.mu.Unlock()
	return vm.Addr, nil
}

func (a *Allocator) vmallocRange(cpu int, size, align, start, end uint64, gfp buddy.GFP, prot arch.Prot,
	vmFlags VMFlags, caller string) (uint64, error) {
	realSize := size
	size = arch.PageAlign(size)
	if size == 0 || size>>arch.PageShift > a.pages.TotalRAMPages() {
		if gfp&buddy.GFPNoWarn == 0 {
			klog.Warn("vmalloc: allocation failure: %d bytes", realSize)
		}
		return 0, errors.Wrapf(ErrBadSize, "%d bytes", realSize)
	}
	vm, err := a.getVMAreaNode(cpu, size, align, VMAlloc|VMUninitialized|vmFlags, start, end, gfp, caller)
	if err != nil {
		if gfp&buddy.GFPNoWarn == 0 {
			klog.Warn("vmalloc: allocation failure: %d bytes", realSize)
		}
		return 0, err
	}
	return a.vmallocArea(cpu, vm, gfp, prot)
}

// VmallocRange allocates size bytes mapped with prot inside [start, end).
func (a *Allocator) VmallocRange(cpu int, size, align, start, end uint64, gfp buddy.GFP, prot arch.Prot,
	vmFlags VMFlags) (uint64, error) {
	if !arch.IsPowerOfTwo(align) {
		return 0, errors.Wrapf(ErrBadAlign, "align %d", align)
	}
	return a.vmallocRange(cpu, size, align, start, end, gfp, prot, vmFlags, "vmalloc_range")
}

// Vmalloc allocates size bytes of virtually contiguous memory.
func (a *Allocator) Vmalloc(cpu int, size uint64) (uint64, error) {
	return a.vmallocRange(cpu, size, 1, a.cfg.Start, a.cfg.End, buddy.GFPKernel, arch.PageKernel, 0, "vmalloc")
}

// Vzalloc is Vmalloc with the memory cleared.
func (a *Allocator) Vzalloc(cpu int, size uint64) (uint64, error) {
	return a.vmallocRange(cpu, size, 1, a.cfg.Start, a.cfg.End, buddy.GFPZero, arch.PageKernel, 0, "vzalloc")
}

// Vmalloc32 backs the area with DMA zone pages, which lie below 4G.
func (a *Allocator) Vmalloc32(cpu int, size uint64) (uint64, error) {
	return a.vmallocRange(cpu, size, 1, a.cfg.Start, a.cfg.End, buddy.GFPDMA, arch.PageKernel, 0, "vmalloc_32")
}

// VmallocCaller is Vmalloc with gfp and the caller recorded in the area.
func (a *Allocator) VmallocCaller(cpu int, size uint64, gfp buddy.GFP, caller string) (uint64, error) {
	return a.vmallocRange(cpu, size, 1, a.cfg.Start, a.cfg.End, gfp, arch.PageKernel, 0, caller)
}

// VmallocToPage returns the page mapped at addr, or nil.
func (a *Allocator) VmallocToPage(addr uint64) *buddy.Page {
	pfn, ok := a.mmu.Lookup(addr)
	if !ok {
		return nil
	}
	return a.pages.PFNToPage(pfn)
}

// VmallocToPFN returns the frame mapped at addr, or zero.
func (a *Allocator) VmallocToPFN(addr uint64) uint64 {
	pfn, _ := a.mmu.Lookup(addr)
	return pfn
}

// Ioremap maps the device range [physAddr, physAddr+size) and returns the
// address of physAddr.
func (a *Allocator) Ioremap(cpu int, physAddr, size uint64) (uint64, error) {
	offset := physAddr &^ arch.PageMask
	last := physAddr + size - 1
	if size == 0 || last < physAddr {
		return 0, errors.Wrapf(ErrBadSize, "ioremap %#x+%d", physAddr, size)
	}
	physAddr &= arch.PageMask
	size = arch.PageAlign(last+1) - physAddr

	vm, err := a.getVMAreaNode(cpu, size, 1, VMIOremap, a.cfg.Start, a.cfg.End, buddy.GFPKernel, "ioremap")
	if err != nil {
		return 0, err
	}
	a.mu.Lock()
	vm.PhysAddr = physAddr
	a.mu.Unlock()
	pfns := make([]uint64, size>>arch.PageShift)
	for i := range pfns {
		pfns[i] = arch.PhysPFN(physAddr) + uint64(i)
	}
	if err := a.mapVMArea(vm, arch.PageDevice, pfns); err != nil {
		a.Vunmap(cpu, vm.Addr)
		return 0, errors.Wrap(err, "ioremap")
	}
	return vm.Addr + offset, nil
}

// Iounmap releases a mapping made by Ioremap.
func (a *Allocator) Iounmap(cpu int, addr uint64) {
	a.Vunmap(cpu, addr&arch.PageMask)
}
