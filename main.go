package main

import (
	"flag"
	"fmt"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/shenjiangwei/kmem/arch"
	"github.com/shenjiangwei/kmem/buddy"
	"github.com/shenjiangwei/kmem/klog"
	"github.com/shenjiangwei/kmem/kmem"
	"github.com/shenjiangwei/kmem/rpc"
)

const (
	MinBlockSize = 8               // 8B
	MaxBlockSize = 4 * 1024 * 1024 // 4MB
	// requests up to this size go to the page allocator directly
	MaxPageBlock = 64 * 1024
)

var (
	cmdline     = flag.String("cmdline", "", "kernel command line, e.g. \"mem=96M nr_cpus=4 loglevel=3\"")
	memSize     = flag.String("mem", "128M", "RAM size")
	iterations  = flag.Int("iterations", 3, "stress iterations")
	maxOps      = flag.Int("ops", 200000, "operations per iteration")
	seed        = flag.Int64("seed", 0, "random seed, 0 for the current time")
	interactive = flag.Bool("i", false, "run the interactive console instead of the stress test")
	serve       = flag.String("serve", "", "serve the allocator over RPC on this address")
)

type kindOf uint8

const (
	kindKmalloc kindOf = iota
	kindPages
	kindVmalloc
)

// block is one live allocation of the stress test.
type block struct {
	kind  kindOf
	size  uint64
	order int
}

// TestResult stores test iteration results
type TestResult struct {
	Iteration   int
	Allocs      [3]uint64
	Frees       uint64
	Failures    uint64
	Corruptions uint64
	MaxUsage    float64
	FinalUsage  float64
	Leaked      int64
	Duration    time.Duration
}

func usagePercent(sys *kmem.System) float64 {
	u := sys.Usage()
	return float64(u.TotalPages-u.FreePages) / float64(u.TotalPages) * 100
}

// randomSize picks a size log-uniformly in [MinBlockSize, MaxBlockSize] so
// every rung of the ladder sees traffic.
func randomSize(r *rand.Rand) uint64 {
	lo, hi := arch.Fls(MinBlockSize), arch.Fls(MaxBlockSize)-1
	shift := lo + r.Intn(hi-lo+1) - 1
	base := uint64(1) << shift
	return base + uint64(r.Int63n(int64(base)))
}

func allocate(c kmem.CPU, size uint64) (uint64, block, error) {
	switch {
	case size <= 8*1024:
		addr, err := c.Kmalloc(size, buddy.GFPKernel|buddy.GFPNoWarn)
		return addr, block{kind: kindKmalloc, size: size}, err
	case size <= MaxPageBlock:
		order := arch.GetOrder(size)
		addr, err := c.GetFreePages(buddy.GFPKernel|buddy.GFPNoWarn, order)
		return addr, block{kind: kindPages, size: size, order: order}, err
	default:
		addr, err := c.VmallocNoWarn(size)
		return addr, block{kind: kindVmalloc, size: size}, err
	}
}

func release(c kmem.CPU, addr uint64, b block) {
	switch b.kind {
	case kindKmalloc:
		c.Kfree(addr)
	case kindPages:
		c.FreePagesAddr(addr, b.order)
	case kindVmalloc:
		c.Vfree(addr)
	}
}

// stamp writes the address at both ends of the block so that overlapping
// allocations show up on free.
func stamp(sys *kmem.System, addr uint64, b block) {
	sys.Store64(addr, addr)
	if b.size >= 16 {
		sys.Store64(addr+arch.RoundDown(b.size-8, 8), ^addr)
	}
}

func stampOK(sys *kmem.System, addr uint64, b block) bool {
	if sys.Load64(addr) != addr {
		return false
	}
	return b.size < 16 || sys.Load64(addr+arch.RoundDown(b.size-8, 8)) == ^addr
}

// settle returns cached memory to the zones so that free page counts
// compare across iterations.
func settle(sys *kmem.System) {
	sys.Vmalloc().FlushDeferred()
	sys.Vmalloc().PurgeLazy(0)
	sys.Slab().ShrinkAll()
	sys.Pages().DrainAllPages()
}

func runTest(sys *kmem.System, iteration int, r *rand.Rand) TestResult {
	allocated := make(map[uint64]block)
	var mutex sync.Mutex
	var wg sync.WaitGroup
	res := TestResult{Iteration: iteration}

	startTime := time.Now()
	settle(sys)
	basePages := sys.Usage().FreePages
	ops := 0
	seeds := make([]int64, sys.NrCPUs())
	for i := range seeds {
		seeds[i] = r.Int63()
	}

	// one goroutine per CPU, each allocating on its own CPU and freeing
	// whatever the others left behind
	for i := 0; i < sys.NrCPUs(); i++ {
		c, err := sys.CPU(i)
		if err != nil {
			klog.Error("%v", err)
			continue
		}
		wg.Add(1)
		go func(c kmem.CPU, r *rand.Rand) {
			defer wg.Done()
			for {
				mutex.Lock()
				if ops >= *maxOps {
					mutex.Unlock()
					return
				}
				ops++
				if ops%1000 == 0 {
					res.MaxUsage = max(res.MaxUsage, usagePercent(sys))
				}
				mutex.Unlock()

				// Randomly decide whether to allocate or free
				if r.Float64() < 0.7 { // 70% chance to allocate
					addr, b, err := allocate(c, randomSize(r))
					if err == nil {
						stamp(sys, addr, b)
					}
					mutex.Lock()
					if err != nil {
						res.Failures++
					} else {
						res.Allocs[b.kind]++
						allocated[addr] = b
					}
					mutex.Unlock()
				} else { // 30% chance to free
					mutex.Lock()
					if len(allocated) > 0 {
						// Randomly select an allocated block to free
						keys := make([]uint64, 0, len(allocated))
						for k := range allocated {
							keys = append(keys, k)
						}
						addr := keys[r.Intn(len(keys))]
						b := allocated[addr]
						delete(allocated, addr)
						res.Frees++
						mutex.Unlock()
						if !stampOK(sys, addr, b) {
							mutex.Lock()
							res.Corruptions++
							mutex.Unlock()
						}
						release(c, addr, b)
					} else {
						mutex.Unlock()
					}
				}
			}
		}(c, rand.New(rand.NewSource(seeds[i])))
	}

	wg.Wait()
	res.Duration = time.Since(startTime)
	res.FinalUsage = usagePercent(sys)
	res.MaxUsage = max(res.MaxUsage, res.FinalUsage)

	c, _ := sys.CPU(0)
	for addr, b := range allocated {
		if !stampOK(sys, addr, b) {
			res.Corruptions++
		}
		release(c, addr, b)
	}
	settle(sys)
	res.Leaked = int64(basePages) - int64(sys.Usage().FreePages)
	return res
}

func boot() (*kmem.System, error) {
	cfg := kmem.DefaultConfig()
	size, err := kmem.Memparse(*memSize)
	if err != nil {
		return nil, err
	}
	cfg.MemSize = size
	kmem.ParseCmdline(&cfg, *cmdline)
	return kmem.Boot(cfg, nil)
}

func serveRPC(sys *kmem.System, address string) error {
	server, err := rpc.NewServer(sys)
	if err != nil {
		return err
	}
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt)
	go func() {
		<-sig
		server.Close()
	}()
	return server.Start(address)
}

func main() {
	flag.Parse()
	sys, err := boot()
	if err != nil {
		fmt.Fprintf(os.Stderr, "boot failed: %+v\n", err)
		os.Exit(1)
	}
	defer sys.Close()

	switch {
	case *serve != "":
		if err := serveRPC(sys, *serve); err != nil {
			fmt.Fprintf(os.Stderr, "rpc: %v\n", err)
			os.Exit(1)
		}
		return
	case *interactive:
		if err := runConsole(sys); err != nil {
			fmt.Fprintf(os.Stderr, "console: %v\n", err)
			os.Exit(1)
		}
		return
	}

	if *seed == 0 {
		*seed = time.Now().UnixNano()
	}
	r := rand.New(rand.NewSource(*seed))
	u := sys.Usage()

	fmt.Printf("Starting allocation test with %d iterations (seed %d)\n", *iterations, *seed)
	fmt.Println("RAM:", u.TotalPages<<arch.PageShift>>20, "MB in", u.TotalPages, "pages")
	fmt.Println("CPUs:", sys.NrCPUs())
	fmt.Println("Block sizes:", MinBlockSize, "B to", MaxBlockSize/1024/1024, "MB")
	fmt.Println()

	var results []TestResult
	for i := 0; i < *iterations; i++ {
		fmt.Printf("Running iteration %d...\n", i+1)
		result := runTest(sys, i+1, r)
		results = append(results, result)

		fmt.Printf("Iteration %d results:\n", i+1)
		fmt.Printf("  Allocations: %d kmalloc, %d pages, %d vmalloc\n",
			result.Allocs[kindKmalloc], result.Allocs[kindPages], result.Allocs[kindVmalloc])
		fmt.Printf("  Total frees: %d\n", result.Frees)
		fmt.Printf("  Failed allocations: %d\n", result.Failures)
		fmt.Printf("  Corrupted blocks: %d\n", result.Corruptions)
		fmt.Printf("  Max usage: %.2f%%\n", result.MaxUsage)
		fmt.Printf("  Final usage: %.2f%%\n", result.FinalUsage)
		fmt.Printf("  Pages not returned: %d\n", result.Leaked)
		fmt.Printf("  Duration: %v\n", result.Duration)
		fmt.Println()
	}

	// Calculate averages
	var avgUsage, avgMax, avgDuration float64
	var corruptions uint64
	for _, r := range results {
		avgUsage += r.FinalUsage
		avgMax += r.MaxUsage
		avgDuration += r.Duration.Seconds()
		corruptions += r.Corruptions
	}
	n := float64(len(results))
	fmt.Println("Average results:")
	fmt.Printf("  Average final usage: %.2f%%\n", avgUsage/n)
	fmt.Printf("  Average max usage: %.2f%%\n", avgMax/n)
	fmt.Printf("  Average duration: %.2f seconds\n", avgDuration/n)
	if corruptions > 0 {
		fmt.Printf("  %d corrupted blocks\n", corruptions)
		os.Exit(1)
	}
}
