package main

import (
	"bytes"
	"math/rand"
	"strconv"
	"strings"
	"testing"

	"github.com/shenjiangwei/kmem/klog"
	"github.com/shenjiangwei/kmem/kmem"
)

func testSystem(t *testing.T) *kmem.System {
	t.Helper()
	cfg := kmem.DefaultConfig()
	cfg.MemSize = 64 * kmem.MB
	cfg.LogLevel = klog.LogLevelError
	sys, err := kmem.Boot(cfg, nil)
	if err != nil {
		t.Fatalf("Boot: %v", err)
	}
	t.Cleanup(func() {
		sys.Close()
		klog.SetLevel(klog.LogLevelInfo)
	})
	return sys
}

func TestRandomSize(t *testing.T) {
	r := rand.New(rand.NewSource(1))
	var small, large int
	for i := 0; i < 10000; i++ {
		size := randomSize(r)
		if size < MinBlockSize || size > MaxBlockSize {
			t.Fatalf("size %d out of range", size)
		}
		if size <= 8*1024 {
			small++
		} else if size > MaxPageBlock {
			large++
		}
	}
	if small == 0 || large == 0 {
		t.Fatalf("ladder unbalanced: %d small, %d large", small, large)
	}
}

func TestRunTest(t *testing.T) {
	sys := testSystem(t)
	old := *maxOps
	*maxOps = 5000
	defer func() { *maxOps = old }()

	before := sys.Usage().VmAreas
	res := runTest(sys, 1, rand.New(rand.NewSource(42)))
	if res.Corruptions != 0 {
		t.Fatalf("%d corrupted blocks", res.Corruptions)
	}
	for kind, n := range res.Allocs {
		if n == 0 {
			t.Errorf("no allocations of kind %d", kind)
		}
	}
	if res.Frees == 0 || res.MaxUsage <= 0 {
		t.Fatalf("result %+v", res)
	}
	if u := sys.Usage(); u.VmAreas != before || u.LazyPages != 0 {
		t.Fatalf("vmalloc not settled: %+v", u)
	}
}

func TestConsole(t *testing.T) {
	sys := testSystem(t)
	c0, err := sys.CPU(0)
	if err != nil {
		t.Fatal(err)
	}
	var out bytes.Buffer
	con := &console{sys: sys, cpu: c0, out: &out}

	run := func(line string) string {
		t.Helper()
		out.Reset()
		if con.exec(line) {
			t.Fatalf("%q ended the session", line)
		}
		return strings.TrimSpace(out.String())
	}
	addrOf := func(s string) string {
		t.Helper()
		f := strings.Fields(s)
		if len(f) == 0 || !strings.HasPrefix(f[0], "0x") {
			t.Fatalf("no address in %q", s)
		}
		return f[0]
	}

	t.Run("kmalloc", func(t *testing.T) {
		addr := addrOf(run("kzalloc 100"))
		if got := run("write " + addr + " hello world"); got != "" {
			t.Fatalf("write: %s", got)
		}
		if got := run("read " + addr + " 11"); got != strconv.Quote("hello world") {
			t.Fatalf("read: %s", got)
		}
		run("kfree " + addr)
	})

	t.Run("vmalloc", func(t *testing.T) {
		addr := addrOf(run("vzalloc 64K"))
		v, err := strconv.ParseUint(strings.TrimPrefix(addr, "0x"), 16, 64)
		if err != nil || !sys.IsVmallocAddr(v) {
			t.Fatalf("vzalloc returned %s", addr)
		}
		run("vfree " + addr)
		run("purge")
		if u := sys.Usage(); u.LazyPages != 0 {
			t.Fatalf("%d lazy pages after purge", u.LazyPages)
		}
	})

	t.Run("pages", func(t *testing.T) {
		addr := addrOf(run("pages 2"))
		run("free_pages " + addr + " 2")
	})

	t.Run("cpu", func(t *testing.T) {
		run("cpu 3")
		if con.cpu.ID() != 3 {
			t.Fatalf("on cpu %d", con.cpu.ID())
		}
		if got := run("cpu 9"); !strings.Contains(got, "cpu") {
			t.Fatalf("bad cpu accepted: %s", got)
		}
	})

	t.Run("errors", func(t *testing.T) {
		for _, line := range []string{"kmalloc", "kfree zz", "frobnicate", "free_pages 0x1000"} {
			if got := run(line); got == "" {
				t.Errorf("%q printed nothing", line)
			}
		}
		if got := run("usage"); !strings.Contains(got, "vmalloc areas") {
			t.Fatalf("usage: %s", got)
		}
		if got := run("info"); !strings.HasPrefix(got, "{") {
			t.Fatalf("info: %.40s", got)
		}
	})

	t.Run("quit", func(t *testing.T) {
		if !con.exec("quit") {
			t.Fatalf("quit did not end the session")
		}
	})
}
