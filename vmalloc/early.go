package vmalloc

import (
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/shenjiangwei/kmem/arch"
	"github.com/shenjiangwei/kmem/buddy"
	"github.com/shenjiangwei/kmem/klog"
)

// EarlyList collects the areas claimed at boot, before the allocator exists.
// New imports them into the tree.
type EarlyList struct {
	mu       sync.Mutex
	start    uint64
	initOff  uint64
	vms      []*VMStruct
	imported bool
}

// NewEarlyList returns an empty list for the window starting at start.
func NewEarlyList(start uint64) *EarlyList {
	return &EarlyList{start: start}
}

// Add records vm, whose Addr and Size are set. Areas must not overlap.
func (l *EarlyList) Add(vm *VMStruct) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.imported {
		klog.Fatal("vmalloc: early area %#x added after init", vm.Addr)
	}
	i := sort.Search(len(l.vms), func(i int) bool { return l.vms[i].Addr >= vm.Addr })
	if i < len(l.vms) && l.vms[i].Addr < vm.Addr+vm.Size {
		klog.Fatal("vmalloc: early area %#x overlaps %#x", vm.Addr, l.vms[i].Addr)
	}
	if i > 0 && l.vms[i-1].Addr+l.vms[i-1].Size > vm.Addr {
		klog.Fatal("vmalloc: early area %#x overlaps %#x", vm.Addr, l.vms[i-1].Addr)
	}
	l.vms = append(l.vms, nil)
	copy(l.vms[i+1:], l.vms[i:])
	l.vms[i] = vm
}

// Register places vm at the next free aligned address of the window and
// records it.
func (l *EarlyList) Register(vm *VMStruct, align uint64) {
	l.mu.Lock()
	addr := arch.RoundUp(l.start+l.initOff, align)
	l.initOff = arch.PageAlign(addr+vm.Size) - l.start
	vm.Addr = addr
	l.mu.Unlock()
	l.Add(vm)
}

// Areas returns the recorded areas in address order.
func (l *EarlyList) Areas() []*VMStruct {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*VMStruct(nil), l.vms...)
}

func (a *Allocator) importEarly(l *EarlyList) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.imported = true
	for _, vm := range l.vms {
		desc, err := a.slab.Kzalloc(0, vmapAreaDescSize, buddy.GFPKernel)
		if err != nil {
			klog.FatalErr(errors.Wrapf(err, "vmalloc: importing early area %#x", vm.Addr))
		}
		va := &vmapArea{start: vm.Addr, end: vm.Addr + vm.Size, flags: vaVMArea, vm: vm, desc: desc}
		a.mu.Lock()
		a.tree.insert(va)
		a.mu.Unlock()
		klog.Debug("vmalloc: early area [%#x, %#x) %s", va.start, va.end, vm.Caller)
	}
}
