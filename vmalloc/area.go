package vmalloc

import (
	"sync/atomic"

	"github.com/emirpasic/gods/trees/redblacktree"
	"github.com/emirpasic/gods/utils"

	"github.com/shenjiangwei/kmem/klog"
)

// vmap area states
const (
	vaLazyFree = 0x02
	vaVMArea   = 0x04
)

// vmapArea is one reserved range [start, end) of kernel virtual space.
type vmapArea struct {
	start, end uint64
	flags      uint32
	vm         *VMStruct

	// purgeNext links the lazily freed areas
	purgeNext *vmapArea
	// desc is the descriptor object backing this area in kmalloc
	desc uint64
}

func (va *vmapArea) size() uint64 { return va.end - va.start }

// areaTree indexes the busy areas by start address. Areas never overlap, so
// their end addresses are sorted too.
type areaTree struct {
	t *redblacktree.Tree
}

func newAreaTree() *areaTree {
	return &areaTree{t: redblacktree.NewWith(utils.UInt64Comparator)}
}

func nodeArea(n *redblacktree.Node) *vmapArea {
	if n == nil {
		return nil
	}
	return n.Value.(*vmapArea)
}

func (t *areaTree) len() int { return t.t.Size() }

func (t *areaTree) insert(va *vmapArea) {
	if p := t.floor(va.start); p != nil && p.end > va.start {
		klog.Fatal("vmalloc: area [%#x, %#x) overlaps [%#x, %#x)", va.start, va.end, p.start, p.end)
	}
	if n := t.ceiling(va.start); n != nil && n.start < va.end {
		klog.Fatal("vmalloc: area [%#x, %#x) overlaps [%#x, %#x)", va.start, va.end, n.start, n.end)
	}
	t.t.Put(va.start, va)
}

func (t *areaTree) remove(va *vmapArea) {
	if t.find(va.start) != va {
		klog.Fatal("vmalloc: removing area [%#x, %#x) not in the tree", va.start, va.end)
	}
	t.t.Remove(va.start)
}

// floor returns the area with the highest start <= addr.
func (t *areaTree) floor(addr uint64) *vmapArea {
	n, _ := t.t.Floor(addr)
	return nodeArea(n)
}

// ceiling returns the area with the lowest start >= addr.
func (t *areaTree) ceiling(addr uint64) *vmapArea {
	n, _ := t.t.Ceiling(addr)
	return nodeArea(n)
}

// find returns the area containing addr.
func (t *areaTree) find(addr uint64) *vmapArea {
	if va := t.floor(addr); va != nil && addr < va.end {
		return va
	}
	return nil
}

// firstEndingAtOrAbove returns the lowest area whose end is at least addr.
func (t *areaTree) firstEndingAtOrAbove(addr uint64) *vmapArea {
	if va := t.floor(addr); va != nil && va.end >= addr {
		return va
	}
	return t.ceiling(addr)
}

func (t *areaTree) next(va *vmapArea) *vmapArea { return t.ceiling(va.start + 1) }

func (t *areaTree) prev(va *vmapArea) *vmapArea {
	if va.start == 0 {
		return nil
	}
	return t.floor(va.start - 1)
}

func (t *areaTree) last() *vmapArea { return nodeArea(t.t.Right()) }

// each visits the areas in address order until fn returns false.
func (t *areaTree) each(fn func(va *vmapArea) bool) {
	it := t.t.Iterator()
	for it.Next() {
		if !fn(it.Value().(*vmapArea)) {
			return
		}
	}
}

// purgeList is a push-only lock-free stack drained as a whole.
type purgeList struct {
	head atomic.Pointer[vmapArea]
}

func (l *purgeList) add(va *vmapArea) {
	for {
		first := l.head.Load()
		va.purgeNext = first
		if l.head.CompareAndSwap(first, va) {
			return
		}
	}
}

func (l *purgeList) delAll() *vmapArea { return l.head.Swap(nil) }
