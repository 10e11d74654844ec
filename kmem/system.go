package kmem

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/shenjiangwei/kmem/arch"
	"github.com/shenjiangwei/kmem/buddy"
	"github.com/shenjiangwei/kmem/klog"
	"github.com/shenjiangwei/kmem/memblock"
	"github.com/shenjiangwei/kmem/percpu"
	"github.com/shenjiangwei/kmem/phys"
	"github.com/shenjiangwei/kmem/slab"
	"github.com/shenjiangwei/kmem/vmalloc"
)

// kernelBlockSize aligns the kernel image mapping, as the swapper block does
const kernelBlockSize = 2 * MB

// System is one booted kernel memory subsystem.
type System struct {
	cfg    Config
	mem    *phys.Memory
	mmu    arch.MMU
	mb     *memblock.Memblock
	pages  *buddy.Allocator
	pcpu   *percpu.Allocator
	slab   *slab.Allocator
	vm     *vmalloc.Allocator
	kernel *vmalloc.VMStruct

	closeOnce sync.Once
}

// Boot brings the layers up in order: memblock, zones, memblock handoff,
// the first percpu chunk, per-CPU pagesets, slab, vmalloc. A nil mmu
// selects the software page table.
func Boot(cfg Config, mmu arch.MMU) (s *System, err error) {
	klog.SetLevel(cfg.LogLevel)
	if cfg.MemSize == 0 || !arch.PageAligned(cfg.MemBase) || cfg.KernelSize >= cfg.MemSize {
		return nil, errors.Wrapf(ErrBadMap, "RAM [%#x, +%#x) kernel %#x", cfg.MemBase, cfg.MemSize, cfg.KernelSize)
	}
	if arch.PageAlign(cfg.MemSize) > slab.MaxLinearMap {
		return nil, errors.Wrapf(ErrBadMap, "RAM span %#x exceeds the %#x linear map", cfg.MemSize, slab.MaxLinearMap)
	}
	if mmu == nil {
		mmu = arch.NewSoftMMU()
	}
	if cfg.NrCPUs <= 0 || cfg.NrCPUs > arch.NrCPUs {
		cfg.NrCPUs = arch.NrCPUs
	}
	cfg.Buddy.NrCPUs = cfg.NrCPUs
	cfg.Percpu.NrCPUs = cfg.NrCPUs
	if cfg.Percpu.UnitSize == 0 {
		cfg.Percpu.UnitSize = percpu.MinUnitSize
	}
	if cfg.Vmalloc.Start == 0 && cfg.Vmalloc.End == 0 {
		cfg.Vmalloc = vmalloc.DefaultConfig()
	}

	mem, err := phys.New(cfg.MemBase, arch.PageAlign(cfg.MemSize))
	if err != nil {
		return nil, errors.Wrap(err, "kmem: RAM")
	}
	s = &System{cfg: cfg, mem: mem, mmu: mmu}
	// a halt while booting leaves nothing usable behind
	defer func() {
		if r := recover(); r != nil {
			mem.Close()
			panic(r)
		}
		if err != nil {
			mem.Close()
		}
	}()

	kernelEnd := cfg.MemBase + arch.PageAlign(cfg.KernelSize)
	mbCfg := cfg.Memblock
	mbCfg.Memory = mem
	mbCfg.KernelEnd = kernelEnd
	s.mb = memblock.New(mbCfg)
	if err := s.mb.Add(cfg.MemBase, mem.Size()); err != nil {
		return nil, errors.Wrap(err, "kmem: adding RAM")
	}
	if err := s.mb.Reserve(cfg.MemBase, kernelEnd-cfg.MemBase); err != nil {
		return nil, errors.Wrap(err, "kmem: reserving the kernel image")
	}
	for _, r := range cfg.Reserved {
		if err := s.mb.Reserve(r.Base, r.Size); err != nil {
			return nil, errors.Wrapf(err, "kmem: reserving [%#x, +%#x)", r.Base, r.Size)
		}
	}
	s.mb.EnforceMemoryLimit(cfg.MemLimit)
	s.mb.AllowResize()

	if s.pages, err = buddy.New(cfg.Buddy, mem, s.mb); err != nil {
		return nil, errors.Wrap(err, "kmem: zones")
	}
	freed := s.pages.FreeAll(0, s.mb)
	for _, r := range s.mb.SwitchToHeap() {
		freed += s.pages.FreeBootMemory(0, r.Base, r.End())
	}
	klog.Info("Memory: %dK available (%dK kernel code, %dK reserved)",
		freed<<(arch.PageShift-10), (kernelEnd-cfg.MemBase)>>10, s.mb.ReservedSize()>>10)

	if s.pcpu, err = percpu.New(cfg.Percpu, s.pages.PercpuSource(0)); err != nil {
		return nil, errors.Wrap(err, "kmem: percpu first chunk")
	}
	if err := s.pages.SetupPerCPUPagesets(s.pcpu); err != nil {
		return nil, errors.Wrap(err, "kmem: pagesets")
	}
	s.slab = slab.New(cfg.Slab, s.pages, s.pcpu)

	early := vmalloc.NewEarlyList(cfg.Vmalloc.Start)
	s.kernel = &vmalloc.VMStruct{
		Size:     arch.RoundUp(kernelEnd-cfg.MemBase, kernelBlockSize),
		Flags:    vmalloc.VMMap | vmalloc.VMNoGuard,
		PhysAddr: cfg.MemBase,
		Caller:   "map_kernel",
	}
	early.Register(s.kernel, kernelBlockSize)
	s.vm = vmalloc.New(cfg.Vmalloc, mmu, s.slab, s.pcpu, early)
	s.pcpu.SetAreaSource(s.vm.PercpuSource(0))
	return s, nil
}

// Close stops background work and releases RAM. The System must not be
// used afterwards.
func (s *System) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.vm.Close()
		err = s.mem.Close()
	})
	return err
}

func (s *System) Config() Config                { return s.cfg }
func (s *System) NrCPUs() int                   { return s.cfg.NrCPUs }
func (s *System) Memory() *phys.Memory          { return s.mem }
func (s *System) MMU() arch.MMU                 { return s.mmu }
func (s *System) Memblock() *memblock.Memblock  { return s.mb }
func (s *System) Pages() *buddy.Allocator       { return s.pages }
func (s *System) Percpu() *percpu.Allocator     { return s.pcpu }
func (s *System) Slab() *slab.Allocator         { return s.slab }
func (s *System) Vmalloc() *vmalloc.Allocator   { return s.vm }
func (s *System) KernelArea() *vmalloc.VMStruct { return s.kernel }
