package kmem

import (
	"github.com/cockroachdb/errors"

	"github.com/shenjiangwei/kmem/arch"
	"github.com/shenjiangwei/kmem/buddy"
	"github.com/shenjiangwei/kmem/slab"
	"github.com/shenjiangwei/kmem/vmalloc"
)

// CPU is the allocation API as seen from one CPU. Callers that run on
// several goroutines at once should hold distinct CPUs.
type CPU struct {
	s  *System
	id int
}

// CPU returns the handle of cpu i.
func (s *System) CPU(i int) (CPU, error) {
	if i < 0 || i >= s.cfg.NrCPUs {
		return CPU{}, errors.Wrapf(ErrBadCPU, "cpu %d of %d", i, s.cfg.NrCPUs)
	}
	return CPU{s: s, id: i}, nil
}

func (c CPU) ID() int { return c.id }

// AllocPages returns 2^order contiguous pages.
func (c CPU) AllocPages(gfp buddy.GFP, order int) (*buddy.Page, error) {
	return c.s.pages.AllocPages(c.id, gfp, order)
}

func (c CPU) FreePages(p *buddy.Page, order int) { c.s.pages.FreePages(c.id, p, order) }

// GetFreePages is AllocPages returning the linear-map address.
func (c CPU) GetFreePages(gfp buddy.GFP, order int) (uint64, error) {
	return c.s.pages.GetFreePages(c.id, gfp, order)
}

func (c CPU) GetZeroedPage(gfp buddy.GFP) (uint64, error) { return c.s.pages.GetZeroedPage(c.id, gfp) }

func (c CPU) FreePagesAddr(addr uint64, order int) { c.s.pages.FreePagesAddr(c.id, addr, order) }

func (c CPU) Kmalloc(size uint64, gfp buddy.GFP) (uint64, error) {
	return c.s.slab.Kmalloc(c.id, size, gfp)
}

func (c CPU) Kzalloc(size uint64, gfp buddy.GFP) (uint64, error) {
	return c.s.slab.Kzalloc(c.id, size, gfp)
}

func (c CPU) Krealloc(p, size uint64, gfp buddy.GFP) (uint64, error) {
	return c.s.slab.Krealloc(c.id, p, size, gfp)
}

func (c CPU) Kfree(p uint64) { c.s.slab.Kfree(c.id, p) }

func (c CPU) Vmalloc(size uint64) (uint64, error) { return c.s.vm.Vmalloc(c.id, size) }
func (c CPU) Vzalloc(size uint64) (uint64, error) { return c.s.vm.Vzalloc(c.id, size) }
func (c CPU) Vfree(addr uint64)                   { c.s.vm.Vfree(c.id, addr) }

// VmallocNoWarn is Vmalloc for callers that expect to run out of memory.
func (c CPU) VmallocNoWarn(size uint64) (uint64, error) {
	return c.s.vm.VmallocCaller(c.id, size, buddy.GFPNoWarn, "vmalloc")
}

// Vmap maps pages contiguously in the vmalloc window.
func (c CPU) Vmap(pages []*buddy.Page, prot arch.Prot) (uint64, error) {
	return c.s.vm.Vmap(c.id, pages, vmalloc.VMMap, prot)
}

func (c CPU) Vunmap(addr uint64) { c.s.vm.Vunmap(c.id, addr) }

// Kvmalloc tries kmalloc first and falls back to vmalloc for requests the
// slab layer cannot serve.
func (c CPU) Kvmalloc(size uint64, gfp buddy.GFP) (uint64, error) {
	if size <= slab.KmallocMaxCacheSize {
		p, err := c.s.slab.Kmalloc(c.id, size, gfp|buddy.GFPNoWarn)
		if err == nil {
			return p, nil
		}
	}
	return c.s.vm.VmallocCaller(c.id, size, gfp&(buddy.GFPZero|buddy.GFPNoWarn), "kvmalloc")
}

// Kvfree releases memory from either Kvmalloc path.
func (c CPU) Kvfree(addr uint64) {
	if c.s.IsVmallocAddr(addr) {
		c.s.vm.Vfree(c.id, addr)
	} else {
		c.s.slab.Kfree(c.id, addr)
	}
}

// IsVmallocAddr reports whether addr is in the vmalloc window.
func (s *System) IsVmallocAddr(addr uint64) bool {
	return addr >= s.cfg.Vmalloc.Start && addr < s.cfg.Vmalloc.End
}

// Ksize returns the usable size of a kmalloc object.
func (s *System) Ksize(p uint64) uint64 { return s.slab.Ksize(p) }

// ReadAt copies len(p) bytes from a linear-map or vmalloc address.
func (s *System) ReadAt(addr uint64, p []byte) { s.vm.ReadAt(addr, p) }

// WriteAt copies p to a linear-map or vmalloc address.
func (s *System) WriteAt(addr uint64, p []byte) { s.vm.WriteAt(addr, p) }

func (s *System) Load64(addr uint64) uint64 { return s.vm.Load64(addr) }
func (s *System) Store64(addr, v uint64)    { s.vm.Store64(addr, v) }
