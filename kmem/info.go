package kmem

import (
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

// InfoJSON dumps every layer's state as one JSON object: memblock, the zones
// (buddyinfo), percpu, slabinfo and vmallocinfo.
func (s *System) InfoJSON() []byte {
	w := jwriter.NewWriter()
	obj := w.Object()
	obj.Name("nr_cpus").Int(s.cfg.NrCPUs)

	mb := obj.Name("memblock").Object()
	s.mb.WriteInfo(&mb)
	mb.End()

	pages := obj.Name("pages").Object()
	s.pages.WriteInfo(&pages)
	pages.End()

	free, contig := s.pcpu.Stats()
	pc := obj.Name("percpu").Object()
	pc.Name("unit_size").Int(int(s.pcpu.UnitSize()))
	pc.Name("chunks").Int(s.pcpu.NrChunks())
	pc.Name("free_bytes").Int(free)
	pc.Name("contig_bytes").Int(contig)
	pc.End()

	sl := obj.Name("slab").Object()
	s.slab.WriteInfo(&sl)
	sl.End()

	vm := obj.Name("vmalloc").Object()
	s.vm.WriteInfo(&vm)
	vm.End()

	obj.End()
	return w.Bytes()
}

// Usage is a coarse summary of memory use.
type Usage struct {
	TotalPages uint64
	FreePages  uint64
	Slabs      int64
	VmAreas    int
	LazyPages  int64
}

func (s *System) Usage() Usage {
	u := Usage{
		TotalPages: s.pages.TotalRAMPages(),
		FreePages:  s.pages.NrFreePages(),
		VmAreas:    s.vm.NrAreas(),
		LazyPages:  s.vm.LazyPages(),
	}
	for _, c := range s.slab.Caches() {
		u.Slabs += c.NrSlabs()
	}
	return u
}
