package slab

import "github.com/shenjiangwei/kmem/klog"

func (s *Cache) poison(obj uint64) {
	mem := s.a.mem
	mem.Fill(obj, s.objectSize-1, poisonFree)
	mem.Fill(obj+s.objectSize-1, 1, poisonEnd)
}

// checkPoison verifies a free object was not written to while free. A
// damaged object is reported and handed out anyway.
func (s *Cache) checkPoison(obj uint64) bool {
	mem := s.a.mem
	if off := mem.FirstMismatch(obj, s.objectSize-1, poisonFree); off >= 0 {
		klog.Warn("slab %s: Poison overwritten at %#x (object %#x offset %d): %#02x instead of %#02x",
			s.name, obj+uint64(off), obj, off, mem.Byte(obj+uint64(off)), poisonFree)
		s.a.poisonErrors.Add(1)
		return false
	}
	if b := mem.Byte(obj + s.objectSize - 1); b != poisonEnd {
		klog.Warn("slab %s: Poison end overwritten in object %#x: %#02x instead of %#02x",
			s.name, obj, b, poisonEnd)
		s.a.poisonErrors.Add(1)
		return false
	}
	return true
}

// PoisonErrors returns how many use-after-free writes poisoning caught.
func (a *Allocator) PoisonErrors() int64 { return a.poisonErrors.Load() }
