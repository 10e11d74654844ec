package vmalloc

import (
	"fmt"
	"strings"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
)

func (f VMFlags) String() string {
	var names []string
	for _, n := range []struct {
		flag VMFlags
		name string
	}{
		{VMIOremap, "ioremap"},
		{VMAlloc, "vmalloc"},
		{VMMap, "vmap"},
		{VMUninitialized, "uninitialized"},
		{VMNoGuard, "noguard"},
	} {
		if f&n.flag != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, " ")
}

// Areas returns a snapshot of the live areas in address order.
func (a *Allocator) Areas() []VMStruct {
	a.mu.Lock()
	defer a.mu.Unlock()
	var vms []VMStruct
	a.tree.each(func(va *vmapArea) bool {
		if va.flags&vaVMArea != 0 {
			vms = append(vms, *va.vm)
		}
		return true
	})
	return vms
}

// WriteInfo emits vmallocinfo as fields of obj.
func (a *Allocator) WriteInfo(obj *jwriter.ObjectState) {
	obj.Name("lazy_pages").Int(int(a.LazyPages()))
	obj.Name("lazy_max_pages").Int(int(a.lazyMax))
	obj.Name("purges").Int(int(a.Purges()))
	obj.Name("vmap_blocks").Int(a.NrBlocks())
	obj.Name("vmap_block_pages").Int(a.bbmapBits)

	arr := obj.Name("areas").Array()
	for _, vm := range a.Areas() {
		ao := arr.Object()
		ao.Name("start").String(fmt.Sprintf("%#x", vm.Addr))
		ao.Name("end").String(fmt.Sprintf("%#x", vm.Addr+vm.Size))
		ao.Name("size").Int(int(vm.Size))
		ao.Name("caller").String(vm.Caller)
		if vm.NrPages != 0 {
			ao.Name("pages").Int(vm.NrPages)
		}
		if vm.PhysAddr != 0 {
			ao.Name("phys").String(fmt.Sprintf("%#x", vm.PhysAddr))
		}
		if vm.Flags&VMIOremap != 0 {
			ao.Name("ioremap").Bool(true)
		}
		if a.isVmallocAddr(vm.pages) {
			ao.Name("vpages").Bool(true)
		}
		ao.Name("flags").String(vm.Flags.String())
		ao.End()
	}
	arr.End()
}
