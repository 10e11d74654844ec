package buddy

import "github.com/shenjiangwei/kmem/percpu"

type percpuPages struct {
	a   *Allocator
	cpu int
}

func (s percpuPages) AllocPages(order int) (uint64, error) {
	return s.a.GetFreePages(s.cpu, GFPZero, order)
}

func (s percpuPages) FreePages(va uint64, order int) { s.a.FreePagesAddr(s.cpu, va, order) }
func (s percpuPages) Zero(va, n uint64)              { s.a.mem.Zero(va, n) }

// PercpuSource backs the first percpu chunk with pages allocated on cpu.
func (a *Allocator) PercpuSource(cpu int) percpu.PageSource {
	return percpuPages{a: a, cpu: cpu}
}
