package kmem

import (
	"bytes"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/cockroachdb/errors"

	"github.com/shenjiangwei/kmem/arch"
	"github.com/shenjiangwei/kmem/buddy"
	"github.com/shenjiangwei/kmem/klog"
	"github.com/shenjiangwei/kmem/memblock"
	"github.com/shenjiangwei/kmem/slab"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MemSize = 64 * MB
	cfg.LogLevel = klog.LogLevelError
	return cfg
}

func boot(t testing.TB, cfg Config) *System {
	t.Helper()
	s, err := Boot(cfg, nil)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
		klog.SetLevel(klog.LogLevelInfo)
	})
	return s
}

func cpu(t testing.TB, s *System, i int) CPU {
	t.Helper()
	c, err := s.CPU(i)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestBoot(t *testing.T) {
	cfg := testConfig()
	cfg.Reserved = []memblock.Region{{Base: DRAMBase + 32*MB, Size: 1 * MB}}
	s := boot(t, cfg)

	if !s.Memblock().IsReserved(DRAMBase) || !s.Memblock().IsReserved(DRAMBase+cfg.KernelSize-1) {
		t.Fatalf("kernel image not reserved")
	}
	if !s.Memblock().IsReserved(DRAMBase + 32*MB) {
		t.Fatalf("boot reservation lost")
	}
	total := s.Pages().TotalRAMPages()
	if total == 0 || total >= (64*MB-cfg.KernelSize-MB)>>arch.PageShift {
		t.Fatalf("total RAM pages %d", total)
	}
	kernel := s.KernelArea()
	if s.Vmalloc().FindVMArea(kernel.Addr) != kernel || kernel.Addr%kernelBlockSize != 0 {
		t.Fatalf("kernel mapping not registered: %+v", kernel)
	}
	if s.Percpu().NrChunks() != 1 || !s.Slab().Available() {
		t.Fatalf("percpu chunks %d, slab up %v", s.Percpu().NrChunks(), s.Slab().Available())
	}
	if s.NrCPUs() != 4 || s.Pages().NrCPUs() != 4 || s.Percpu().NrCPUs() != 4 {
		t.Fatalf("cpu counts disagree")
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestBootErrors(t *testing.T) {
	cfg := testConfig()
	cfg.MemSize = 0
	if _, err := Boot(cfg, nil); !errors.Is(err, ErrBadMap) {
		t.Fatalf("empty RAM = %v", err)
	}
	cfg = testConfig()
	cfg.KernelSize = cfg.MemSize
	if _, err := Boot(cfg, nil); !errors.Is(err, ErrBadMap) {
		t.Fatalf("kernel filling RAM = %v", err)
	}
	for _, size := range []uint64{slab.MaxLinearMap, 32 * GB, 40 * GB} {
		cfg = testConfig()
		cfg.MemSize = size
		if _, err := Boot(cfg, nil); !errors.Is(err, ErrBadMap) {
			t.Fatalf("%#x of RAM = %v", size, err)
		}
	}
	klog.SetLevel(klog.LogLevelInfo)
}

func TestMemparse(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want uint64
	}{
		{"4096", 4096},
		{"64K", 64 * KB},
		{"32M", 32 * MB},
		{"2g", 2 * GB},
		{"0x1000", 0x1000},
	} {
		got, err := Memparse(tc.in)
		if err != nil || got != tc.want {
			t.Fatalf("Memparse(%q) = %d, %v", tc.in, got, err)
		}
	}
	for _, bad := range []string{"", "M", "12Q", "99999999999999999999G"} {
		if _, err := Memparse(bad); !errors.Is(err, ErrBadParam) {
			t.Fatalf("Memparse(%q) = %v", bad, err)
		}
	}
}

func TestParseCmdline(t *testing.T) {
	klog.SetLevel(klog.LogLevelNone)
	defer klog.SetLevel(klog.LogLevelInfo)

	t.Run("all", func(t *testing.T) {
		cfg := DefaultConfig()
		ParseCmdline(&cfg, "console=ttyAMA0 mem=32M memblock=debug slub_min_order=1 slub_max_order=2 "+
			"slub_min_objects=8 slub_nomerge slub_debug=P loglevel=debug nr_cpus=2")
		if cfg.MemLimit != 32*MB || !cfg.Memblock.Debug || cfg.NrCPUs != 2 || cfg.LogLevel != klog.LogLevelDebug {
			t.Fatalf("cfg %+v", cfg)
		}
		if cfg.Slab.MinOrder != 1 || cfg.Slab.MaxOrder != 2 || cfg.Slab.MinObjects != 8 ||
			!cfg.Slab.NoMerge || cfg.Slab.Debug&slab.FlagPoison == 0 {
			t.Fatalf("slab cfg %+v", cfg.Slab)
		}
	})

	t.Run("malformed", func(t *testing.T) {
		cfg := DefaultConfig()
		ParseCmdline(&cfg, "mem=lots nr_cpus=99 slub_max_order=-1 loglevel=chatty memblock=quiet slub_debug=Z")
		want := DefaultConfig()
		if cfg.MemLimit != 0 || cfg.NrCPUs != want.NrCPUs || cfg.Slab != want.Slab ||
			cfg.LogLevel != want.LogLevel || cfg.Memblock.Debug {
			t.Fatalf("malformed options applied: %+v", cfg)
		}
	})
}

func TestMemLimit(t *testing.T) {
	cfg := testConfig()
	ParseCmdline(&cfg, "mem=32M")
	s := boot(t, cfg)
	if got := s.Memblock().PhysMemSize(); got != 32*MB {
		t.Fatalf("memory %d after mem=32M", got)
	}
	if s.Pages().TotalRAMPages() > 32*MB>>arch.PageShift {
		t.Fatalf("total RAM pages %d", s.Pages().TotalRAMPages())
	}
}

func TestCPUHandles(t *testing.T) {
	s := boot(t, testConfig())
	for _, i := range []int{-1, 4, 100} {
		if _, err := s.CPU(i); !errors.Is(err, ErrBadCPU) {
			t.Fatalf("CPU(%d) = %v", i, err)
		}
	}
	if c := cpu(t, s, 3); c.ID() != 3 {
		t.Fatalf("id %d", c.ID())
	}
}

func TestPublicAPI(t *testing.T) {
	s := boot(t, testConfig())
	c := cpu(t, s, 1)

	t.Run("pages", func(t *testing.T) {
		p, err := c.AllocPages(buddy.GFPZero, 2)
		if err != nil {
			t.Fatal(err)
		}
		addr := s.Pages().PageAddress(p)
		s.Store64(addr+3*arch.PageSize, 5)
		if s.Load64(addr+3*arch.PageSize) != 5 {
			t.Fatalf("page write lost")
		}
		c.FreePages(p, 2)

		zp, err := c.GetZeroedPage(buddy.GFPKernel)
		if err != nil || s.Load64(zp+8) != 0 {
			t.Fatalf("zeroed page: %v", err)
		}
		c.FreePagesAddr(zp, 0)
	})

	t.Run("kmalloc", func(t *testing.T) {
		p, err := c.Kzalloc(100, buddy.GFPKernel)
		if err != nil {
			t.Fatal(err)
		}
		if s.Ksize(p) != 128 {
			t.Fatalf("ksize %d", s.Ksize(p))
		}
		s.WriteAt(p, []byte("hello"))
		p, err = c.Krealloc(p, 1000, buddy.GFPKernel)
		if err != nil {
			t.Fatal(err)
		}
		buf := make([]byte, 5)
		s.ReadAt(p, buf)
		if string(buf) != "hello" {
			t.Fatalf("krealloc lost data: %q", buf)
		}
		c.Kfree(p)
	})

	t.Run("vmalloc", func(t *testing.T) {
		addr, err := c.Vzalloc(5 * arch.PageSize)
		if err != nil {
			t.Fatal(err)
		}
		if !s.IsVmallocAddr(addr) {
			t.Fatalf("%#x outside vmalloc space", addr)
		}
		data := bytes.Repeat([]byte{0x5a}, 3*int(arch.PageSize))
		s.WriteAt(addr+100, data)
		got := make([]byte, len(data))
		s.ReadAt(addr+100, got)
		if !bytes.Equal(got, data) {
			t.Fatalf("vmalloc data differs")
		}
		c.Vfree(addr)
	})

	t.Run("vmap", func(t *testing.T) {
		p, err := c.AllocPages(buddy.GFPZero, 0)
		if err != nil {
			t.Fatal(err)
		}
		q, err := c.AllocPages(buddy.GFPZero, 0)
		if err != nil {
			t.Fatal(err)
		}
		addr, err := c.Vmap([]*buddy.Page{q, p}, arch.PageKernel)
		if err != nil {
			t.Fatal(err)
		}
		s.Store64(addr+arch.PageSize, 77)
		if s.Load64(s.Pages().PageAddress(p)) != 77 {
			t.Fatalf("vmap alias not shared")
		}
		c.Vunmap(addr)
		c.FreePages(p, 0)
		c.FreePages(q, 0)
	})

	t.Run("kvmalloc", func(t *testing.T) {
		small, err := c.Kvmalloc(512, buddy.GFPKernel)
		if err != nil || s.IsVmallocAddr(small) {
			t.Fatalf("small kvmalloc at %#x: %v", small, err)
		}
		large, err := c.Kvmalloc(64*KB, buddy.GFPZero)
		if err != nil || !s.IsVmallocAddr(large) {
			t.Fatalf("large kvmalloc at %#x: %v", large, err)
		}
		if vm := s.Vmalloc().FindVMArea(large); vm.Caller != "kvmalloc" {
			t.Fatalf("caller %q", vm.Caller)
		}
		c.Kvfree(small)
		c.Kvfree(large)
		if s.Vmalloc().FindVMArea(large) != nil {
			t.Fatalf("kvfree left the area")
		}
	})
}

func TestPercpuGrowsIntoVmalloc(t *testing.T) {
	s := boot(t, testConfig())
	pa := s.Percpu()
	var ptrs []uint64
	for pa.NrChunks() < 2 && len(ptrs) < 64 {
		p, err := pa.Alloc(8*KB, 8)
		if err != nil {
			t.Fatal(err)
		}
		ptrs = append(ptrs, p)
	}
	last := ptrs[len(ptrs)-1]
	if !s.IsVmallocAddr(last) {
		t.Fatalf("second chunk at %#x", last)
	}
	for i := 0; i < s.NrCPUs(); i++ {
		s.Store64(pa.PerCPUAddr(last, i), uint64(i))
	}
	for _, p := range ptrs {
		pa.Free(p)
	}
	if pa.NrChunks() != 1 {
		t.Fatalf("chunks %d", pa.NrChunks())
	}
}

func TestConcurrentLadder(t *testing.T) {
	s := boot(t, testConfig())
	sizes := []uint64{8, 24, 96, 200, 1000, 4000, 9000, 20 * KB}

	var wg sync.WaitGroup
	errs := make(chan error, s.NrCPUs())
	for i := 0; i < s.NrCPUs(); i++ {
		wg.Add(1)
		go func(c CPU) {
			defer wg.Done()
			for round := 0; round < 50; round++ {
				var live []uint64
				for j, size := range sizes {
					p, err := c.Kvmalloc(size, buddy.GFPKernel)
					if err != nil {
						errs <- err
						return
					}
					s.Store64(p, uint64(c.ID())<<16|uint64(j))
					live = append(live, p)
				}
				for j, p := range live {
					if got := s.Load64(p); got != uint64(c.ID())<<16|uint64(j) {
						errs <- errors.Newf("cpu %d: %#x holds %#x", c.ID(), p, got)
						return
					}
					c.Kvfree(p)
				}
			}
		}(cpu(t, s, i))
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
}

func TestInfoJSON(t *testing.T) {
	s := boot(t, testConfig())
	c := cpu(t, s, 0)
	if _, err := c.Vmalloc(arch.PageSize); err != nil {
		t.Fatal(err)
	}
	out := string(s.InfoJSON())
	for _, want := range []string{`"nr_cpus":4`, `"memblock":{`, `"pages":{`, `"percpu":{`, `"slab":{`,
		`"vmalloc":{`, `"caller":"map_kernel"`, `"name":"kmalloc-64"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %s", want, out)
		}
	}
	u := s.Usage()
	if u.FreePages == 0 || u.FreePages > u.TotalPages || u.Slabs == 0 || u.VmAreas != 2 {
		t.Fatalf("usage %+v", u)
	}
}

func BenchmarkKvmalloc(b *testing.B) {
	s := boot(b, testConfig())
	c := cpu(b, s, 0)
	for _, size := range []uint64{64, 4 * KB, 64 * KB} {
		b.Run(fmt.Sprintf("size-%d", size), func(b *testing.B) {
			for i := 0; i < b.N; i++ {
				p, err := c.Kvmalloc(size, buddy.GFPKernel)
				if err != nil {
					b.Fatal(err)
				}
				c.Kvfree(p)
			}
		})
	}
}
