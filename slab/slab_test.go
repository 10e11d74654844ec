package slab

import (
	"bytes"
	"fmt"
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
)

const (
	MB       = 1024 * 1024
	dramBase = 0x40000000
)

func newTestSlab(t testing.TB, cfg Config) *Allocator {
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
	return New(cfg, pages, pa)
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

func mustAlloc(t testing.TB, s *Cache, cpu int) uint64 {
	t.Helper()
	obj, err := s.Alloc(cpu, buddy.GFPKernel)
	if err != nil {
		t.Fatalf("alloc from %s: %v", s.Name(), err)
	}
	return obj
}

func TestBootstrap(t *testing.T) {
	a := newTestSlab(t, DefaultConfig())
	if !a.Available() {
		t.Fatalf("allocator not up after New")
	}
	for _, name := range []string{
		"kmem_cache", "kmem_cache_node",
		"kmalloc-8", "kmalloc-96", "kmalloc-192", "kmalloc-8k",
		"dma-kmalloc-64", "dma-kmalloc-1k", "dma-kmalloc-8k",
	} {
		if a.Find(name) == nil {
			t.Errorf("cache %s missing", name)
		}
	}
	// every cache owns one descriptor and one node
	if live, err := a.kmemCache.Validate(); err != nil || live != int64(len(a.Caches())) {
		t.Fatalf("kmem_cache holds %d live descriptors (%v), want %d", live, err, len(a.Caches()))
	}
	if live, err := a.kmemCacheNode.Validate(); err != nil || live != int64(len(a.Caches())) {
		t.Fatalf("kmem_cache_node holds %d live nodes (%v), want %d", live, err, len(a.Caches()))
	}
}

func TestCalculateOrder(t *testing.T) {
	a := newTestSlab(t, DefaultConfig())
	for _, tc := range []struct {
		size  uint64
		order int
	}{
		{8, 0},
		{192, 0},
		{256, 0},
		{1024, 2},
		{2048, 3},
		{8192, 3},
	} {
		got, err := a.calculateOrder(tc.size)
		if err != nil || got != tc.order {
			t.Errorf("calculateOrder(%d) = %d, %v, want %d", tc.size, got, err, tc.order)
		}
	}
	if s := a.Find("kmalloc-16"); s.ObjectsPerSlab() != 256 {
		t.Fatalf("kmalloc-16 holds %d objects per slab", s.ObjectsPerSlab())
	}
}

func TestCPUWord(t *testing.T) {
	obj := uint64(arch.PageOffset + 0x1238)
	w := makeCPUWord(obj, 7)
	if w.freelist() != obj || w.tid() != 7 {
		t.Fatalf("word %#x decodes to %#x tid %d", uint64(w), w.freelist(), w.tid())
	}
	st := makeState(obj, 3, 10, true)
	if st.freelist() != obj || st.inuse() != 3 || st.objects() != 10 || !st.frozen() {
		t.Fatalf("state %#x", uint64(st))
	}
	st = st.with(0, 10, false)
	if st.freelist() != 0 || st.inuse() != 10 || st.objects() != 10 || st.frozen() {
		t.Fatalf("state after with %#x", uint64(st))
	}
}

// Freed slots are recycled before the page allocator is asked for more.
func TestFreelistEncodingBounds(t *testing.T) {
	const gb = uint64(1) << 30
	for _, tc := range []struct {
		name string
		off  uint64
	}{
		{"start", 0},
		{"31G", 31 * gb},
		{"last admitted object", arch.RoundDown(MaxLinearMap, arch.PageSize) - 8},
		{"32G-8", 32*gb - 8},
		{"32G", 32 * gb},
		{"40G", 40 * gb},
	} {
		t.Run(tc.name, func(t *testing.T) {
			obj := arch.PageOffset + tc.off
			if tc.off >= MaxLinearMap {
				// such RAM never boots, see kmem.Boot
				if encodeObj(obj) <= freelistMask {
					t.Fatalf("offset %#x encodes to %#x inside the freelist field", tc.off, encodeObj(obj))
				}
				return
			}
			if got := makeCPUWord(obj, 7).freelist(); got != obj {
				t.Fatalf("cpu word freelist %#x, want %#x", got, obj)
			}
			if got := makeState(obj, 1, 2, false).freelist(); got != obj {
				t.Fatalf("slab state freelist %#x, want %#x", got, obj)
			}
		})
	}
}

func TestReuseBeforeGrow(t *testing.T) {
	a := newTestSlab(t, DefaultConfig())
	s, err := a.Create("reuse-16", 16, 0, 0, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	base := s.NrSlabs()

	objs := make([]uint64, 1000)
	for i := range objs {
		objs[i] = mustAlloc(t, s, 0)
	}
	grown := s.NrSlabs()
	if grown-base != 4 {
		t.Fatalf("1000 objects took %d slabs, want 4", grown-base)
	}
	for i := 0; i < len(objs); i += 2 {
		s.Free(0, objs[i])
	}
	for i := 0; i < 500; i++ {
		objs[i] = mustAlloc(t, s, 0)
	}
	if s.NrSlabs() != grown {
		t.Fatalf("re-allocation grew the cache to %d slabs, want %d", s.NrSlabs(), grown)
	}
}

func TestValidateCounts(t *testing.T) {
	a := newTestSlab(t, Config{NoMerge: true})
	s, err := a.Create("count", 100, 0, 0, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	var held []uint64
	for i := 0; i < 700; i++ {
		held = append(held, mustAlloc(t, s, i%4))
	}
	for i := 0; i < len(held); i += 3 {
		s.Free((i+1)%4, held[i])
		held[i] = 0
	}
	live, err := s.Validate()
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if want := int64(700 - (700+2)/3); live != want {
		t.Fatalf("live %d, want %d", live, want)
	}
	for _, obj := range held {
		s.Free(0, obj)
	}
	if live, err := s.Validate(); err != nil || live != 0 {
		t.Fatalf("live %d after freeing everything (%v)", live, err)
	}
	s.Shrink()
	if s.NrSlabs() != 0 {
		t.Fatalf("%d slabs left after Shrink", s.NrSlabs())
	}
}

func TestConcurrentAllocFree(t *testing.T) {
	a := newTestSlab(t, Config{NoMerge: true})
	s, err := a.Create("concurrent", 64, 0, 0, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	mem := a.Memory()
	const (
		workers = 8
		perG    = 3000
	)
	held := make([][]uint64, workers)

	var wg sync.WaitGroup
	for g := 0; g < workers; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			cpu := g % 4
			for i := 0; i < perG; i++ {
				obj, err := s.Alloc(cpu, buddy.GFPKernel)
				if err != nil {
					t.Errorf("worker %d: %v", g, err)
					return
				}
				mem.Store64(obj, uint64(g)<<32|uint64(i))
				held[g] = append(held[g], obj)
				// churn a little on the way
				if i%5 == 4 {
					last := held[g][len(held[g])-2]
					held[g] = append(held[g][:len(held[g])-2], obj)
					s.Free(cpu, last)
				}
			}
		}(g)
	}
	wg.Wait()

	seen := make(map[uint64]int)
	for g, objs := range held {
		for _, obj := range objs {
			if prev, ok := seen[obj]; ok {
				t.Fatalf("object %#x handed to workers %d and %d", obj, prev, g)
			}
			seen[obj] = g
			if got := mem.Load64(obj); got>>32 != uint64(g) {
				t.Fatalf("object %#x of worker %d overwritten by %#x", obj, g, got)
			}
		}
	}
	if live, err := s.Validate(); err != nil || live != int64(len(seen)) {
		t.Fatalf("live %d (%v), want %d", live, err, len(seen))
	}

	// free every list from another CPU than the one it came from
	for g := 0; g < workers; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for _, obj := range held[(g+1)%workers] {
				s.Free(g%4, obj)
			}
		}(g)
	}
	wg.Wait()
	if live, err := s.Validate(); err != nil || live != 0 {
		t.Fatalf("live %d after freeing everything (%v)", live, err)
	}
}

func TestPoison(t *testing.T) {
	a := newTestSlab(t, DefaultConfig())
	s, err := a.Create("poisoned", 48, 0, FlagPoison, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.Size() != 56 {
		t.Fatalf("poisoned 48-byte object takes %d bytes, want 56", s.Size())
	}
	obj := mustAlloc(t, s, 0)
	s.Free(0, obj)
	mem := a.Memory()
	if mem.Byte(obj) != poisonFree || mem.Byte(obj+47) != poisonEnd {
		t.Fatalf("free object not poisoned: %#x .. %#x", mem.Byte(obj), mem.Byte(obj+47))
	}

	if again := mustAlloc(t, s, 0); again != obj || a.PoisonErrors() != 0 {
		t.Fatalf("clean reuse got %#x (want %#x), %d poison errors", again, obj, a.PoisonErrors())
	}
	s.Free(0, obj)
	mem.Store64(obj+8, 0xdead)
	if again := mustAlloc(t, s, 0); again != obj {
		t.Fatalf("got %#x, want the damaged %#x", again, obj)
	}
	if a.PoisonErrors() != 1 {
		t.Fatalf("%d poison errors, want 1", a.PoisonErrors())
	}
}

func TestCtor(t *testing.T) {
	a := newTestSlab(t, DefaultConfig())
	mem := a.Memory()
	var calls int
	s, err := a.Create("ctor", 32, 0, 0, func(obj uint64) {
		calls++
		mem.Store64(obj, 0xc0ffee)
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.Name() != "ctor" {
		t.Fatalf("cache with a constructor merged into %s", s.Name())
	}
	obj := mustAlloc(t, s, 0)
	if calls != s.ObjectsPerSlab() || mem.Load64(obj) != 0xc0ffee {
		t.Fatalf("%d ctor calls, object word %#x", calls, mem.Load64(obj))
	}
	z, err := s.Zalloc(0, buddy.GFPKernel)
	if err != nil || mem.Load64(z) != 0 {
		t.Fatalf("Zalloc: %#x, %v", mem.Load64(z), err)
	}
}

func TestMerge(t *testing.T) {
	a := newTestSlab(t, DefaultConfig())
	s, err := a.Create("merge-60", 60, 0, 0, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if s.Name() != "kmalloc-64" || s.Stats().Aliases != 2 {
		t.Fatalf("merged into %s with %d aliases", s.Name(), s.Stats().Aliases)
	}
	dma, err := a.Create("merge-dma", 60, 0, FlagCacheDMA, nil)
	if err != nil || dma.Name() != "dma-kmalloc-64" {
		t.Fatalf("DMA request merged into %v (%v)", dma, err)
	}
	if err := s.Destroy(); err != nil || a.Find("kmalloc-64") == nil {
		t.Fatalf("dropping an alias destroyed the cache: %v", err)
	}

	b := newTestSlab(t, Config{NoMerge: true})
	s, err = b.Create("merge-60", 60, 0, 0, nil)
	if err != nil || s.Name() != "merge-60" {
		t.Fatalf("slub_nomerge still merged: %v %v", s, err)
	}
}

func TestCreateErrors(t *testing.T) {
	a := newTestSlab(t, DefaultConfig())
	for _, tc := range []struct {
		size, align uint64
		flags       Flags
		want        error
	}{
		{4, 0, 0, ErrBadSize},
		{64, 3, 0, ErrBadSize},
		{arch.PageSize << arch.MaxOrder, 0, 0, ErrBadSize},
		{64, 0, 0x1, ErrBadFlags},
	} {
		if _, err := a.Create("bad", tc.size, tc.align, tc.flags, nil); !errors.Is(err, tc.want) {
			t.Errorf("Create(%d, %d, %#x) = %v, want %v", tc.size, tc.align, tc.flags, err, tc.want)
		}
	}
	expectHalt(t, func() { a.Create("panic", 4, 0, FlagPanic, nil) })
}

func TestDestroy(t *testing.T) {
	a := newTestSlab(t, DefaultConfig())
	s, err := a.Create("owned", 100, 0, FlagStoreUser, nil)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	first := mustAlloc(t, s, 1)
	if s.Size() != 112 || a.Ksize(first) != 104 {
		t.Fatalf("store-user layout: size %d ksize %d", s.Size(), a.Ksize(first))
	}
	obj := mustAlloc(t, s, 0)
	if err := s.Destroy(); !errors.Is(err, ErrCacheBusy) {
		t.Fatalf("Destroy of a busy cache: %v", err)
	}
	if a.Find("owned") == nil {
		t.Fatalf("busy cache was removed")
	}
	s.Free(0, obj)
	s.Free(0, first)
	if err := s.Destroy(); err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if a.Find("owned") != nil {
		t.Fatalf("destroyed cache still listed")
	}
}

func TestDoubleFree(t *testing.T) {
	a := newTestSlab(t, DefaultConfig())
	s, _ := a.Create("double", 32, 0, FlagStoreUser, nil)
	obj := mustAlloc(t, s, 0)
	s.Free(0, obj)
	expectHalt(t, func() { s.Free(0, obj) })
}

func TestFreeErrors(t *testing.T) {
	a := newTestSlab(t, DefaultConfig())
	s, _ := a.Create("misaligned", 40, 0, FlagStoreUser, nil)
	obj := mustAlloc(t, s, 0)
	expectHalt(t, func() { s.Free(0, obj+8) })

	page, err := a.Pages().AllocPages(0, buddy.GFPKernel, 0)
	if err != nil {
		t.Fatalf("AllocPages: %v", err)
	}
	expectHalt(t, func() { s.Free(0, a.Pages().PageAddress(page)) })
}

func TestKmallocSizes(t *testing.T) {
	a := newTestSlab(t, DefaultConfig())
	for _, tc := range []struct{ req, ksize uint64 }{
		{1, 8}, {8, 8}, {9, 16}, {17, 32}, {33, 64}, {65, 96}, {96, 96},
		{97, 128}, {129, 192}, {193, 256}, {257, 512}, {1000, 1024},
		{2049, 4096}, {4097, 8192}, {8192, 8192},
	} {
		p, err := a.Kmalloc(0, tc.req, buddy.GFPKernel)
		if err != nil {
			t.Fatalf("Kmalloc(%d): %v", tc.req, err)
		}
		if got := a.Ksize(p); got != tc.ksize {
			t.Errorf("Ksize(Kmalloc(%d)) = %d, want %d", tc.req, got, tc.ksize)
		}
		if p%ArchKmallocMinAlign != 0 {
			t.Errorf("Kmalloc(%d) = %#x is misaligned", tc.req, p)
		}
		a.Kfree(0, p)
	}

	s, err := a.KmallocSlab(1024, buddy.GFPDMA)
	if err != nil || s.Name() != "dma-kmalloc-1k" {
		t.Fatalf("DMA slab for 1024 bytes: %v %v", s, err)
	}
	p, err := a.Kmalloc(0, 64, buddy.GFPDMA)
	if err != nil {
		t.Fatalf("DMA kmalloc: %v", err)
	}
	if z := a.Pages().VirtToHeadPage(p).Zone(); z != buddy.ZoneDMA {
		t.Fatalf("DMA kmalloc came from zone %v", z)
	}
}

func TestKmallocLarge(t *testing.T) {
	a := newTestSlab(t, DefaultConfig())
	p, err := a.Kmalloc(0, KmallocMaxCacheSize+1, buddy.GFPKernel)
	if err != nil {
		t.Fatalf("Kmalloc large: %v", err)
	}
	if p%arch.PageSize != 0 || a.Ksize(p) != 4*arch.PageSize {
		t.Fatalf("large kmalloc %#x with ksize %d", p, a.Ksize(p))
	}
	expectHalt(t, func() { a.Kfree(0, p+arch.PageSize) })
	a.Kfree(0, p)

	if _, err := a.Kmalloc(0, KmallocMaxSize+1, buddy.GFPNoWarn); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("oversized kmalloc: %v", err)
	}
}

func TestKmallocZero(t *testing.T) {
	a := newTestSlab(t, DefaultConfig())
	p, err := a.Kmalloc(0, 0, buddy.GFPKernel)
	if err != nil || p != ZeroSizePtr {
		t.Fatalf("Kmalloc(0) = %#x, %v", p, err)
	}
	if a.Ksize(p) != 0 {
		t.Fatalf("Ksize(ZeroSizePtr) = %d", a.Ksize(p))
	}
	a.Kfree(0, p)
	a.Kfree(0, 0)

	if _, err := a.KmallocArray(0, 1<<62, 8, buddy.GFPKernel); !errors.Is(err, ErrTooLarge) {
		t.Fatalf("overflowing KmallocArray: %v", err)
	}
	p, err = a.Kcalloc(0, 10, 12, buddy.GFPKernel)
	if err != nil || a.Ksize(p) != 128 {
		t.Fatalf("Kcalloc: %d %v", a.Ksize(p), err)
	}
	if off := a.Memory().FirstMismatch(p, 120, 0); off >= 0 {
		t.Fatalf("Kcalloc memory dirty at offset %d", off)
	}
}

func TestKrealloc(t *testing.T) {
	a := newTestSlab(t, DefaultConfig())
	mem := a.Memory()
	p, err := a.Kmalloc(0, 24, buddy.GFPKernel)
	if err != nil {
		t.Fatalf("Kmalloc: %v", err)
	}
	data := []byte("0123456789abcdefghijklmnopqrstuv")
	mem.WriteAt(p, data)

	q, err := a.Krealloc(0, p, 30, buddy.GFPKernel)
	if err != nil || q != p {
		t.Fatalf("Krealloc within ksize moved %#x to %#x (%v)", p, q, err)
	}
	q, err = a.Krealloc(0, p, 100, buddy.GFPKernel)
	if err != nil || q == p || a.Ksize(q) != 128 {
		t.Fatalf("Krealloc(100): %#x %v", q, err)
	}
	got := make([]byte, len(data))
	mem.ReadAt(q, got)
	if !bytes.Equal(got, data) {
		t.Fatalf("contents %q after Krealloc, want %q", got, data)
	}
	if r, err := a.Krealloc(0, q, 0, buddy.GFPKernel); err != nil || r != ZeroSizePtr {
		t.Fatalf("Krealloc(0) = %#x, %v", r, err)
	}
}

func TestDebugConfig(t *testing.T) {
	a := newTestSlab(t, Config{Debug: FlagPoison, MinOrder: 1})
	s := a.Find("kmalloc-64")
	if s.Flags()&FlagPoison == 0 || s.Order() < 1 {
		t.Fatalf("kmalloc-64 flags %#x order %d", s.Flags(), s.Order())
	}
	p, err := a.Kmalloc(0, 64, buddy.GFPKernel)
	if err != nil {
		t.Fatalf("Kmalloc: %v", err)
	}
	a.Kfree(0, p)
	if a.Memory().Byte(p) != poisonFree {
		t.Fatalf("slub_debug=P did not poison kmalloc objects")
	}
}

func TestWriteInfo(t *testing.T) {
	a := newTestSlab(t, DefaultConfig())
	w := jwriter.NewWriter()
	obj := w.Object()
	a.WriteInfo(&obj)
	obj.End()
	out := string(w.Bytes())
	for _, want := range []string{`"poison_errors":0`, `"name":"kmalloc-96"`, `"objsize":192`, `"pagesperslab"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %s", want, out)
		}
	}
}

func BenchmarkAllocFree(b *testing.B) {
	a := newTestSlab(b, DefaultConfig())
	for _, size := range []uint64{16, 256, 4096} {
		b.Run(fmt.Sprintf("kmalloc-%d", size), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				p, err := a.Kmalloc(0, size, buddy.GFPKernel)
				if err != nil {
					b.Fatal(err)
				}
				a.Kfree(0, p)
			}
		})
	}
}
