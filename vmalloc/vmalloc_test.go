package vmalloc

import (
	"bytes"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/shenjiangwei/kmem/arch"
	"github.com/shenjiangwei/kmem/buddy"
	"github.com/shenjiangwei/kmem/klog"
	"github.com/shenjiangwei/kmem/memblock"
	"github.com/shenjiangwei/kmem/percpu"
	"github.com/shenjiangwei/kmem/phys"
	"github.com/shenjiangwei/kmem/slab"
)

const (
	MB       = 1024 * 1024
	dramBase = 0x40000000
)

type testEnv struct {
	a   *Allocator
	mmu *arch.SoftMMU
	pa  *percpu.Allocator
	sl  *slab.Allocator
}

func newTestEnv(t testing.TB, cfg Config, early *EarlyList) *testEnv {
	t.Helper()
	klog.SetLevel(klog.LogLevelError)
	t.Cleanup(func() { klog.SetLevel(klog.LogLevelInfo) })

	mem, err := phys.New(dramBase, 64*MB)
	if err != nil {
		t.Fatalf("phys.New: %v", err)
	}
	t.Cleanup(func() { mem.Close() })

	mb := memblock.New(memblock.Config{Memory: mem})
	if err := mb.Add(dramBase, 64*MB); err != nil {
		t.Fatalf("memblock add: %v", err)
	}
	pages, err := buddy.New(buddy.Config{NrCPUs: 4}, mem, mb)
	if err != nil {
		t.Fatalf("buddy.New: %v", err)
	}
	pages.FreeAll(0, mb)
	pa, err := percpu.New(percpu.Config{NrCPUs: pages.NrCPUs(), UnitSize: percpu.MinUnitSize}, pages.PercpuSource(0))
	if err != nil {
		t.Fatalf("percpu.New: %v", err)
	}
	if err := pages.SetupPerCPUPagesets(pa); err != nil {
		t.Fatalf("SetupPerCPUPagesets: %v", err)
	}
	sl := slab.New(slab.DefaultConfig(), pages, pa)
	mmu := arch.NewSoftMMU()
	a := New(cfg, mmu, sl, pa, early)
	t.Cleanup(a.Close)
	return &testEnv{a: a, mmu: mmu, pa: pa, sl: sl}
}

func expectHalt(t *testing.T, fn func()) {
	t.Helper()
	defer func() {
		if _, ok := klog.AsHalt(recover()); !ok {
			t.Fatalf("expected a halt")
		}
	}()
	klog.SetLevel(klog.LogLevelNone)
	fn()
}

func mustVmalloc(t testing.TB, a *Allocator, cpu int, size uint64) uint64 {
	t.Helper()
	addr, err := a.Vmalloc(cpu, size)
	if err != nil {
		t.Fatalf("vmalloc(%d): %v", size, err)
	}
	return addr
}

func TestAreasDoNotOverlap(t *testing.T) {
	e := newTestEnv(t, DefaultConfig(), nil)
	a := e.a
	var addrs []uint64
	for i := 1; i <= 40; i++ {
		addrs = append(addrs, mustVmalloc(t, a, i%4, uint64(i)*1500))
	}
	for i := 0; i < len(addrs); i += 3 {
		a.Vfree(0, addrs[i])
	}
	for i := 1; i <= 10; i++ {
		mustVmalloc(t, a, 0, uint64(i)*arch.PageSize)
	}

	vms := a.Areas()
	sort.Slice(vms, func(i, j int) bool { return vms[i].Addr < vms[j].Addr })
	for i, vm := range vms {
		if vm.Addr < a.Config().Start || vm.Addr+vm.Size > a.Config().End {
			t.Fatalf("area %#x+%#x outside the window", vm.Addr, vm.Size)
		}
		if !arch.PageAligned(vm.Addr) || !arch.PageAligned(vm.Size) {
			t.Fatalf("area %#x+%#x not page aligned", vm.Addr, vm.Size)
		}
		if i > 0 && vms[i-1].Addr+vms[i-1].Size > vm.Addr {
			t.Fatalf("areas %#x and %#x overlap", vms[i-1].Addr, vm.Addr)
		}
	}
}

func TestVmallocReadWrite(t *testing.T) {
	e := newTestEnv(t, DefaultConfig(), nil)
	a := e.a
	size := 3*arch.PageSize + 100
	addr := mustVmalloc(t, a, 0, size)

	vm := a.FindVMArea(addr)
	if vm == nil || vm.Addr != addr {
		t.Fatalf("FindVMArea(%#x) = %v", addr, vm)
	}
	if vm.Size != 5*arch.PageSize || vm.AreaSize() != 4*arch.PageSize || vm.NrPages != 4 {
		t.Fatalf("size %d area %d pages %d", vm.Size, vm.AreaSize(), vm.NrPages)
	}
	if vm.Flags != VMAlloc || vm.Caller != "vmalloc" {
		t.Fatalf("flags %v caller %q", vm.Flags, vm.Caller)
	}
	if p := a.VmallocToPage(addr + vm.AreaSize()); p != nil {
		t.Fatalf("guard page is mapped")
	}

	buf := make([]byte, size)
	for i := range buf {
		buf[i] = byte(i * 7)
	}
	a.WriteAt(addr, buf)
	got := make([]byte, size)
	a.ReadAt(addr, got)
	if !bytes.Equal(buf, got) {
		t.Fatalf("read back differs")
	}

	// every page is reachable through its linear alias
	mem := e.sl.Memory()
	for off := uint64(0); off < size; off += arch.PageSize {
		p := a.VmallocToPage(addr + off)
		if p == nil {
			t.Fatalf("page at +%#x not mapped", off)
		}
		if pfn := a.VmallocToPFN(addr + off); pfn != p.PFN() {
			t.Fatalf("pfn %#x != %#x", pfn, p.PFN())
		}
		if b := mem.Byte(e.sl.Pages().PageAddress(p) + 1); b != buf[off+1] {
			t.Fatalf("linear alias of +%#x holds %#x, want %#x", off, b, buf[off+1])
		}
	}

	a.Store64(addr+2*arch.PageSize, 0xdeadbeef)
	if v := a.Load64(addr + 2*arch.PageSize); v != 0xdeadbeef {
		t.Fatalf("Load64 = %#x", v)
	}

	a.Vfree(0, addr)
	if a.VmallocToPage(addr) != nil {
		t.Fatalf("freed area still mapped")
	}
	if a.FindVMArea(addr) != nil {
		t.Fatalf("freed area still found")
	}
}

func TestVzallocAndVmalloc32(t *testing.T) {
	e := newTestEnv(t, DefaultConfig(), nil)
	a := e.a
	size := 8 * arch.PageSize

	dirty := mustVmalloc(t, a, 0, size)
	e.sl.Memory().Fill(e.sl.Pages().PageAddress(a.VmallocToPage(dirty)), arch.PageSize, 0xa5)
	a.Vfree(0, dirty)

	addr, err := a.Vzalloc(0, size)
	if err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, size)
	a.ReadAt(addr, buf)
	if !bytes.Equal(buf, make([]byte, size)) {
		t.Fatalf("vzalloc memory not clear")
	}
	if vm := a.FindVMArea(addr); vm.Caller != "vzalloc" {
		t.Fatalf("caller %q", vm.Caller)
	}

	addr32, err := a.Vmalloc32(0, size)
	if err != nil {
		t.Fatal(err)
	}
	for off := uint64(0); off < size; off += arch.PageSize {
		if z := a.VmallocToPage(addr32 + off).Zone(); z != buddy.ZoneDMA {
			t.Fatalf("vmalloc_32 page in zone %v", z)
		}
	}
}

func TestBadArguments(t *testing.T) {
	e := newTestEnv(t, DefaultConfig(), nil)
	a := e.a

	if _, err := a.Vmalloc(0, 0); !errors.Is(err, ErrBadSize) {
		t.Fatalf("vmalloc(0) = %v", err)
	}
	if _, err := a.Vmalloc(0, 1<<40); !errors.Is(err, ErrBadSize) {
		t.Fatalf("vmalloc beyond RAM = %v", err)
	}
	if _, err := a.VmallocRange(0, arch.PageSize, 3, a.Config().Start, a.Config().End, buddy.GFPKernel, arch.PageKernel, 0); !errors.Is(err, ErrBadAlign) {
		t.Fatalf("align 3 = %v", err)
	}

	addr := mustVmalloc(t, a, 0, arch.PageSize)
	// misaligned and unknown addresses only warn
	a.Vfree(0, addr+8)
	a.Vfree(0, addr+64*arch.PageSize)
	if a.FindVMArea(addr) == nil {
		t.Fatalf("area freed through a bad address")
	}
	a.Vfree(0, 0)
	a.Vfree(0, addr)

	expectHalt(t, func() { a.FreeVMArea(0, &VMStruct{Addr: addr}) })
}

func TestLazyPurge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LazyMaxPages = 64
	e := newTestEnv(t, cfg, nil)
	a, mmu := e.a, e.mmu

	flushes := mmu.TLBFlushes()
	var addrs []uint64
	for i := 0; i < 10; i++ {
		addrs = append(addrs, mustVmalloc(t, a, 0, 4*arch.PageSize))
	}
	for _, addr := range addrs {
		a.Vfree(0, addr)
	}
	// four pages and a guard page each
	if got := a.LazyPages(); got != 50 {
		t.Fatalf("lazy pages %d, want 50", got)
	}
	if got := mmu.TLBFlushes(); got != flushes {
		t.Fatalf("lazy free flushed the TLB %d times", got-flushes)
	}
	if got := a.NrAreas(); got != 10 {
		t.Fatalf("lazy areas %d, want 10 still reserved", got)
	}

	a.PurgeLazy(0)
	if got := mmu.TLBFlushes(); got != flushes+1 {
		t.Fatalf("purge issued %d flushes, want 1", got-flushes)
	}
	if a.LazyPages() != 0 || a.NrAreas() != 0 || a.Purges() != 1 {
		t.Fatalf("after purge: lazy %d areas %d purges %d", a.LazyPages(), a.NrAreas(), a.Purges())
	}
	// a second purge has nothing to do
	a.PurgeLazy(0)
	if a.Purges() != 1 {
		t.Fatalf("empty purge counted")
	}

	t.Run("threshold", func(t *testing.T) {
		for i := 0; i < 13; i++ {
			a.Vfree(0, mustVmalloc(t, a, 0, 4*arch.PageSize))
		}
		if a.Purges() != 2 {
			t.Fatalf("purges %d, want one once the threshold is passed", a.Purges())
		}
		if got := a.LazyPages(); got >= 64 {
			t.Fatalf("lazy pages %d above threshold", got)
		}
	})

	t.Run("nonlazy", func(t *testing.T) {
		before := a.Purges()
		a.SetIOUnmapNonlazy()
		a.Vfree(0, mustVmalloc(t, a, 0, arch.PageSize))
		if a.Purges() != before+1 || a.LazyPages() != 0 {
			t.Fatalf("nonlazy free did not purge")
		}
	})
}

func TestHoleReuseAfterPurge(t *testing.T) {
	cfg := DefaultConfig()
	cfg.End = cfg.Start + 64*arch.PageSize
	e := newTestEnv(t, cfg, nil)
	a := e.a

	first := mustVmalloc(t, a, 0, 30*arch.PageSize)
	second := mustVmalloc(t, a, 0, 30*arch.PageSize)
	if first != cfg.Start || second != first+31*arch.PageSize {
		t.Fatalf("areas at %#x and %#x", first, second)
	}
	a.Vfree(0, first)
	if a.Purges() != 0 {
		t.Fatalf("purged early")
	}

	again := mustVmalloc(t, a, 0, 30*arch.PageSize)
	if again != first {
		t.Fatalf("freed hole not reused: %#x", again)
	}
	if a.Purges() != 1 {
		t.Fatalf("purges %d, want 1", a.Purges())
	}

	_, err := a.VmallocCaller(0, 30*arch.PageSize, buddy.GFPNoWarn, "test")
	if !errors.Is(err, ErrNoSpace) {
		t.Fatalf("full window = %v", err)
	}
}

func TestVmapVunmap(t *testing.T) {
	e := newTestEnv(t, DefaultConfig(), nil)
	a := e.a
	pages := e.sl.Pages()

	var ps []*buddy.Page
	for i := 0; i < 5; i++ {
		p, err := pages.AllocPage(0, buddy.GFPZero)
		if err != nil {
			t.Fatal(err)
		}
		ps = append(ps, p)
	}
	pages.Memory().Store64(pages.PageAddress(ps[3]), 42)

	addr, err := a.Vmap(0, ps, VMMap, arch.PageKernelRO)
	if err != nil {
		t.Fatal(err)
	}
	if got := a.Load64(addr + 3*arch.PageSize); got != 42 {
		t.Fatalf("vmap alias reads %d", got)
	}
	if prot, _ := e.mmu.Protection(addr); prot != arch.PageKernelRO {
		t.Fatalf("protection %v", prot)
	}
	if vm := a.FindVMArea(addr); vm.Flags != VMMap || vm.NrPages != 0 {
		t.Fatalf("vmap area %+v", vm)
	}

	a.Vunmap(0, addr)
	if a.VmallocToPage(addr) != nil {
		t.Fatalf("vunmap left the mapping")
	}
	// the pages still belong to the caller
	if got := pages.Memory().Load64(pages.PageAddress(ps[3])); got != 42 {
		t.Fatalf("page contents lost")
	}
	for _, p := range ps {
		pages.FreePage(0, p)
	}

	if _, err := a.Vmap(0, nil, VMMap, arch.PageKernel); !errors.Is(err, ErrBadSize) {
		t.Fatalf("empty vmap = %v", err)
	}
}

func TestLargePageArray(t *testing.T) {
	e := newTestEnv(t, DefaultConfig(), nil)
	a := e.a

	size := uint64(3 * MB)
	addr := mustVmalloc(t, a, 1, size)
	vm := a.FindVMArea(addr)
	if vm.NrPages != int(size/arch.PageSize) {
		t.Fatalf("pages %d", vm.NrPages)
	}
	if !a.isVmallocAddr(vm.pages) {
		t.Fatalf("page array of %d entries not in vmalloc space", vm.NrPages)
	}
	if a.FindVMArea(vm.pages) == nil {
		t.Fatalf("page array area not registered")
	}
	a.Store64(addr+size-8, 7)

	areas := a.NrAreas()
	a.Vfree(1, addr)
	a.PurgeLazy(1)
	if got := a.NrAreas(); got != areas-2 {
		t.Fatalf("areas %d after freeing the area and its array, want %d", got, areas-2)
	}
}

func TestVmMapRAM(t *testing.T) {
	e := newTestEnv(t, DefaultConfig(), nil)
	a, mmu := e.a, e.mmu
	pages := e.sl.Pages()

	alloc := func(n int) []*buddy.Page {
		var ps []*buddy.Page
		for i := 0; i < n; i++ {
			p, err := pages.AllocPage(0, buddy.GFPKernel)
			if err != nil {
				t.Fatal(err)
			}
			ps = append(ps, p)
		}
		return ps
	}

	t.Run("block", func(t *testing.T) {
		ps := alloc(3)
		addr, err := a.VmMapRAM(2, ps, arch.PageKernel)
		if err != nil {
			t.Fatal(err)
		}
		if a.NrBlocks() != 1 {
			t.Fatalf("blocks %d", a.NrBlocks())
		}
		if addr%a.blockSize != 0 {
			t.Fatalf("first mapping %#x not at the block start", addr)
		}
		second, err := a.VmMapRAM(2, ps[:1], arch.PageKernel)
		if err != nil {
			t.Fatal(err)
		}
		// three pages take an order-2 slot
		if second != addr+4*arch.PageSize || a.NrBlocks() != 1 {
			t.Fatalf("second mapping %#x, blocks %d", second, a.NrBlocks())
		}
		a.Store64(addr+2*arch.PageSize, 99)
		if got := pages.Memory().Load64(pages.PageAddress(ps[2])); got != 99 {
			t.Fatalf("alias write lost: %d", got)
		}

		flushes := mmu.TLBFlushes()
		a.VmUnmapRAM(2, addr, 3)
		a.VmUnmapRAM(2, second, 1)
		if _, ok := mmu.Lookup(addr); ok {
			t.Fatalf("vm_unmap_ram left the mapping")
		}
		if mmu.TLBFlushes() != flushes {
			t.Fatalf("vm_unmap_ram flushed the TLB")
		}
		if a.NrBlocks() != 1 {
			t.Fatalf("block released while partly unused")
		}

		a.VmUnmapAliases(0)
		if mmu.TLBFlushes() != flushes+1 {
			t.Fatalf("vm_unmap_aliases issued %d flushes", mmu.TLBFlushes()-flushes)
		}
		if a.NrBlocks() != 0 || a.NrAreas() != 0 {
			t.Fatalf("fragmented block kept: blocks %d areas %d", a.NrBlocks(), a.NrAreas())
		}
		for _, p := range ps {
			pages.FreePage(0, p)
		}
	})

	t.Run("large", func(t *testing.T) {
		ps := alloc(VmapMaxAlloc + 1)
		addr, err := a.VmMapRAM(0, ps, arch.PageKernel)
		if err != nil {
			t.Fatal(err)
		}
		if a.NrBlocks() != 0 || a.FindVMArea(addr) != nil {
			t.Fatalf("large vm_map_ram went through a block or a vm_struct")
		}
		lazy := a.LazyPages()
		a.VmUnmapRAM(0, addr, len(ps))
		if got := a.LazyPages(); got != lazy+VmapMaxAlloc+1 {
			t.Fatalf("lazy pages %d", got)
		}
		expectHalt(t, func() { a.VmUnmapRAM(0, addr, len(ps)) })
		for _, p := range ps {
			pages.FreePage(0, p)
		}
	})
}

func TestBBMapBits(t *testing.T) {
	if got := bbmapBits(arch.VmallocStart, arch.VmallocEnd); got != vmapBBMapBitsMax {
		t.Fatalf("full window: %d", got)
	}
	if got := bbmapBits(0, 64*arch.PageSize); got != vmapBBMapBitsMin {
		t.Fatalf("tiny window: %d", got)
	}
	got := bbmapBits(0, 3*16*arch.NrCPUs*200*arch.PageSize)
	if !arch.IsPowerOfTwo(uint64(got)) || got < vmapBBMapBitsMin || got > vmapBBMapBitsMax {
		t.Fatalf("bits %d", got)
	}
}

func TestPcpuGetVMAreas(t *testing.T) {
	e := newTestEnv(t, DefaultConfig(), nil)
	a := e.a
	low := mustVmalloc(t, a, 0, arch.PageSize)

	offsets := []uint64{0, 1 * MB, 3 * MB}
	sizes := []uint64{64 << 10, 64 << 10, 128 << 10}
	vms, err := a.PcpuGetVMAreas(0, offsets, sizes, 64<<10)
	if err != nil {
		t.Fatal(err)
	}
	base := vms[0].Addr
	if base%(64<<10) != 0 {
		t.Fatalf("base %#x not aligned", base)
	}
	for i, vm := range vms {
		if vm.Addr-base != offsets[i] || vm.Size != sizes[i] {
			t.Fatalf("area %d at +%#x size %#x", i, vm.Addr-base, vm.Size)
		}
		if vm.AreaSize() != sizes[i] || vm.Caller != "pcpu_get_vm_areas" {
			t.Fatalf("area %d: %+v", i, vm)
		}
	}
	// percpu areas come from the top of the window
	if end := vms[2].Addr + vms[2].Size; end > a.Config().End || end < a.Config().End-4*MB {
		t.Fatalf("last area ends at %#x", end)
	}
	if base <= low {
		t.Fatalf("percpu base %#x below vmalloc area %#x", base, low)
	}

	more, err := a.PcpuGetVMAreas(0, offsets, sizes, 64<<10)
	if err != nil {
		t.Fatal(err)
	}
	all := append(append([]*VMStruct{}, vms...), more...)
	for i := range all {
		for j := 0; j < i; j++ {
			if all[i].Addr < all[j].Addr+all[j].Size && all[j].Addr < all[i].Addr+all[i].Size {
				t.Fatalf("pcpu areas %#x and %#x overlap", all[i].Addr, all[j].Addr)
			}
		}
	}
	if more[0].Addr >= base {
		t.Fatalf("second group at %#x not below %#x", more[0].Addr, base)
	}

	areas := a.NrAreas()
	a.PcpuFreeVMAreas(0, vms)
	a.PcpuFreeVMAreas(0, more)
	a.PurgeLazy(0)
	if got := a.NrAreas(); got != areas-6 {
		t.Fatalf("areas %d, want %d", got, areas-6)
	}

	expectHalt(t, func() { a.PcpuGetVMAreas(0, []uint64{0, 4096}, []uint64{8192, 8192}, arch.PageSize) })
}

func TestPcpuPlacementHaltsOnCorruptTree(t *testing.T) {
	e := newTestEnv(t, DefaultConfig(), nil)
	a := e.a
	offsets := []uint64{0, 1 * MB}
	sizes := []uint64{64 << 10, 64 << 10}

	// the first area lands at the top of the window, the second one must end
	// at x, where a pair of overlapping areas hides one ending above x
	x := a.Config().End&^(arch.PageSize-1) - 1*MB
	p := &vmapArea{start: x - 32<<10, end: x + 8<<10}
	n := &vmapArea{start: x - 16<<10, end: x + 16<<10}

	a.mu.Lock()
	a.tree.t.Put(p.start, p)
	a.tree.t.Put(n.start, n)
	expectHalt(t, func() { a.placePcpuAreas(offsets, sizes, 1, arch.PageSize) })
	a.tree.t.Remove(p.start)
	a.tree.t.Remove(n.start)
	a.mu.Unlock()
	klog.SetLevel(klog.LogLevelError)

	vms, err := a.PcpuGetVMAreas(0, offsets, sizes, arch.PageSize)
	if err != nil {
		t.Fatal(err)
	}
	if vms[1].Addr-vms[0].Addr != 1*MB {
		t.Fatalf("areas at %#x and %#x", vms[0].Addr, vms[1].Addr)
	}
	a.PcpuFreeVMAreas(0, vms)
}

func TestPercpuChunks(t *testing.T) {
	e := newTestEnv(t, DefaultConfig(), nil)
	a, pa := e.a, e.pa
	pa.SetAreaSource(a.PercpuSource(0))

	var ptrs []uint64
	for pa.NrChunks() < 2 {
		p, err := pa.Alloc(4096, 8)
		if err != nil {
			t.Fatal(err)
		}
		ptrs = append(ptrs, p)
		if len(ptrs) > 64 {
			t.Fatalf("no second chunk after %d allocations", len(ptrs))
		}
	}
	last := ptrs[len(ptrs)-1]
	if !a.isVmallocAddr(last) {
		t.Fatalf("chunk area %#x outside vmalloc space", last)
	}
	for cpu := 0; cpu < pa.NrCPUs(); cpu++ {
		addr := pa.PerCPUAddr(last, cpu)
		if a.VmallocToPage(addr) == nil {
			t.Fatalf("cpu %d copy at %#x not populated", cpu, addr)
		}
		if a.Load64(addr) != 0 {
			t.Fatalf("cpu %d copy not cleared", cpu)
		}
		a.Store64(addr, uint64(cpu)+1)
	}
	for cpu := 0; cpu < pa.NrCPUs(); cpu++ {
		if got := a.Load64(pa.PerCPUAddr(last, cpu)); got != uint64(cpu)+1 {
			t.Fatalf("cpu %d reads %d", cpu, got)
		}
	}

	mapped := e.mmu.Mapped()
	pa.Free(last)
	if pa.NrChunks() != 1 {
		t.Fatalf("empty chunk kept")
	}
	if got := e.mmu.Mapped(); got >= mapped {
		t.Fatalf("chunk pages still mapped: %d", got)
	}
	for _, p := range ptrs[:len(ptrs)-1] {
		pa.Free(p)
	}
}

func TestEarlyAreas(t *testing.T) {
	cfg := DefaultConfig()
	l := NewEarlyList(cfg.Start)
	kernel := &VMStruct{Size: 2 * MB, Flags: VMMap | VMNoGuard, Caller: "paging_init"}
	l.Register(kernel, 2*MB)
	dev := &VMStruct{Size: 3 * arch.PageSize, Flags: VMIOremap | VMNoGuard, Caller: "early_ioremap"}
	l.Register(dev, arch.PageSize)
	if kernel.Addr%(2*MB) != 0 || dev.Addr != kernel.Addr+2*MB {
		t.Fatalf("early areas at %#x and %#x", kernel.Addr, dev.Addr)
	}
	expectHalt(t, func() { l.Add(&VMStruct{Addr: kernel.Addr + arch.PageSize, Size: arch.PageSize}) })

	e := newTestEnv(t, cfg, l)
	a := e.a
	if a.FindVMArea(kernel.Addr+MB) != kernel || a.FindVMArea(dev.Addr) != dev {
		t.Fatalf("early areas not imported")
	}
	addr := mustVmalloc(t, a, 0, 4*arch.PageSize)
	if addr < dev.Addr+dev.Size && addr+4*arch.PageSize > kernel.Addr {
		t.Fatalf("vmalloc %#x overlaps the early areas", addr)
	}
	expectHalt(t, func() { l.Add(&VMStruct{Addr: cfg.End - MB, Size: arch.PageSize}) })
}

func TestIoremap(t *testing.T) {
	e := newTestEnv(t, DefaultConfig(), nil)
	a := e.a
	mustVmalloc(t, a, 0, arch.PageSize)

	const uart = 0x09000000
	addr, err := a.Ioremap(0, uart+0x18, 0x40)
	if err != nil {
		t.Fatal(err)
	}
	if addr&^arch.PageMask != 0x18 {
		t.Fatalf("offset lost: %#x", addr)
	}
	if pfn := a.VmallocToPFN(addr); pfn != arch.PhysPFN(uart) {
		t.Fatalf("pfn %#x", pfn)
	}
	if prot, _ := e.mmu.Protection(addr); prot != arch.PageDevice {
		t.Fatalf("protection %v", prot)
	}
	vm := a.FindVMArea(addr)
	if vm.PhysAddr != uart || vm.Flags != VMIOremap {
		t.Fatalf("ioremap area %+v", vm)
	}

	big, err := a.Ioremap(0, uart, 64<<10)
	if err != nil {
		t.Fatal(err)
	}
	if big%(64<<10) != 0 {
		t.Fatalf("64K ioremap at %#x not naturally aligned", big)
	}
	a.Iounmap(0, addr)
	a.Iounmap(0, big)
	if a.FindVMArea(addr) != nil || a.FindVMArea(big) != nil {
		t.Fatalf("iounmap left areas")
	}
}

func TestVfreeDeferred(t *testing.T) {
	e := newTestEnv(t, DefaultConfig(), nil)
	a := e.a

	var addrs []uint64
	for cpu := 0; cpu < 4; cpu++ {
		addrs = append(addrs, mustVmalloc(t, a, cpu, 2*arch.PageSize))
	}
	for cpu, addr := range addrs {
		a.VfreeDeferred(cpu, addr)
	}
	a.FlushDeferred()
	for _, addr := range addrs {
		if a.FindVMArea(addr) != nil {
			t.Fatalf("deferred free of %#x not done", addr)
		}
	}

	queued := mustVmalloc(t, a, 1, arch.PageSize)
	a.VfreeDeferred(1, queued)
	a.Close()
	if a.FindVMArea(queued) != nil {
		t.Fatalf("Close left a queued free")
	}
	// after Close frees happen inline
	late := mustVmalloc(t, a, 0, arch.PageSize)
	a.VfreeDeferred(0, late)
	if a.FindVMArea(late) != nil {
		t.Fatalf("free after Close deferred")
	}
	a.Close()
}

func TestConcurrentVmalloc(t *testing.T) {
	e := newTestEnv(t, DefaultConfig(), nil)
	a := e.a

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for cpu := 0; cpu < 4; cpu++ {
		wg.Add(1)
		go func(cpu int) {
			defer wg.Done()
			var live []uint64
			for i := 0; i < 200; i++ {
				size := uint64(1+(i*7+cpu)%5) * arch.PageSize
				addr, err := a.Vmalloc(cpu, size)
				if err != nil {
					errs <- err
					return
				}
				tag := uint64(cpu)<<32 | uint64(i)
				a.Store64(addr, tag)
				a.Store64(addr+size-8, tag)
				live = append(live, addr)
				if i%3 == 2 {
					first := live[0]
					live = live[1:]
					if a.Load64(first)>>32 != uint64(cpu) {
						errs <- errors.Newf("cpu %d: area %#x overwritten", cpu, first)
						return
					}
					a.Vfree(cpu, first)
				}
			}
			for _, addr := range live {
				a.Vfree(cpu, addr)
			}
		}(cpu)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	a.PurgeLazy(0)
	if got := a.NrAreas(); got != 0 {
		t.Fatalf("%d areas left", got)
	}
}

func TestWriteInfo(t *testing.T) {
	e := newTestEnv(t, DefaultConfig(), nil)
	a := e.a
	mustVmalloc(t, a, 0, 2*arch.PageSize)
	if _, err := a.Ioremap(0, 0x09000000, arch.PageSize); err != nil {
		t.Fatal(err)
	}

	w := jwriter.NewWriter()
	obj := w.Object()
	a.WriteInfo(&obj)
	obj.End()
	out := string(w.Bytes())
	for _, want := range []string{`"caller":"vmalloc"`, `"pages":2`, `"flags":"vmalloc"`, `"phys":"0x9000000"`, `"ioremap":true`, `"lazy_pages":0`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %s", want, out)
		}
	}
}

func BenchmarkVmallocVfree(b *testing.B) {
	e := newTestEnv(b, DefaultConfig(), nil)
	a := e.a
	for i := 0; i < b.N; i++ {
		addr, err := a.Vmalloc(0, 4*arch.PageSize)
		if err != nil {
			b.Fatal(err)
		}
		a.Vfree(0, addr)
	}
}
