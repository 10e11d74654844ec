package slab

import (
	"github.com/cockroachdb/errors"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/shenjiangwei/kmem/klog"
)

// Stats is one slabinfo line.
type Stats struct {
	Name        string
	ObjectSize  uint64
	Size        uint64
	ObjsPerSlab int
	Order       int
	Slabs       int64
	Objects     int64
	// ActiveObjs counts every object not free on the node partial list
	ActiveObjs int64
	Partial    int64
	Aliases    int
}

// countPartialFree sums the free objects of the node partial slabs.
func (s *Cache) countPartialFree() int64 {
	n := s.node
	mm := s.a.pages.Memmap()
	var free int64
	n.mu.Lock()
	for p := mm.Front(&n.partial); p != nil; p = mm.Next(p) {
		st := s.pageState(p)
		free += int64(st.objects() - st.inuse())
	}
	n.mu.Unlock()
	return free
}

// Stats returns the cache's slabinfo figures.
func (s *Cache) Stats() Stats {
	total := s.totalObjects.Load()
	s.a.mu.Lock()
	aliases := s.refcount
	s.a.mu.Unlock()
	return Stats{
		Name:        s.name,
		ObjectSize:  s.objectSize,
		Size:        s.size,
		ObjsPerSlab: s.oo.objects(),
		Order:       s.oo.order(),
		Slabs:       s.nrSlabs.Load(),
		Objects:     total,
		ActiveObjs:  total - s.countPartialFree(),
		Partial:     s.node.nrPartial.Load(),
		Aliases:     aliases,
	}
}

// Validate flushes every CPU and walks the partial slabs, checking that each
// freelist lies inside its slab and agrees with the in-use count. It
// returns the number of live objects. The cache must be quiescent.
func (s *Cache) Validate() (int64, error) {
	s.flushAll()
	n := s.node
	mm := s.a.pages.Memmap()
	var free int64

	n.mu.Lock()
	defer n.mu.Unlock()
	for p := mm.Front(&n.partial); p != nil; p = mm.Next(p) {
		st := s.pageState(p)
		if st.frozen() {
			return 0, errors.AssertionFailedf("slab %s: partial slab pfn %#x is frozen", s.name, p.PFN())
		}
		start := s.a.pages.PageAddress(p)
		end := start + uint64(st.objects())*s.size
		count := 0
		for obj := st.freelist(); obj != 0; obj = s.getFreePointer(obj) {
			if obj < start || obj >= end || (obj-start)%s.size != 0 {
				return 0, errors.AssertionFailedf("slab %s: freelist entry %#x outside slab pfn %#x",
					s.name, obj, p.PFN())
			}
			if count++; count > st.objects() {
				return 0, errors.AssertionFailedf("slab %s: freelist cycle in slab pfn %#x", s.name, p.PFN())
			}
		}
		if count != st.objects()-st.inuse() {
			return 0, errors.AssertionFailedf("slab %s: slab pfn %#x has %d free objects, counters say %d",
				s.name, p.PFN(), count, st.objects()-st.inuse())
		}
		free += int64(count)
	}
	live := s.totalObjects.Load() - free
	klog.Debug("slab %s: validated %d slabs, %d live objects", s.name, s.nrSlabs.Load(), live)
	return live, nil
}

// WriteInfo emits slabinfo for every cache as fields of obj.
func (a *Allocator) WriteInfo(obj *jwriter.ObjectState) {
	obj.Name("poison_errors").Int(int(a.PoisonErrors()))
	arr := obj.Name("caches").Array()
	for _, s := range a.Caches() {
		st := s.Stats()
		co := arr.Object()
		co.Name("name").String(st.Name)
		co.Name("active_objs").Int(int(st.ActiveObjs))
		co.Name("num_objs").Int(int(st.Objects))
		co.Name("objsize").Int(int(st.ObjectSize))
		co.Name("size").Int(int(st.Size))
		co.Name("objperslab").Int(st.ObjsPerSlab)
		co.Name("pagesperslab").Int(1 << st.Order)
		co.Name("num_slabs").Int(int(st.Slabs))
		co.Name("partial").Int(int(st.Partial))
		co.Name("aliases").Int(st.Aliases)
		co.End()
	}
	arr.End()
}
