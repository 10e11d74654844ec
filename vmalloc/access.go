package vmalloc

import (
	"github.com/shenjiangwei/kmem/arch"
	"github.com/shenjiangwei/kmem/klog"
)

// linear translates a mapped vmalloc address to its linear-map alias.
// Addresses outside the window are taken to be linear already.
func (a *Allocator) linear(addr uint64) uint64 {
	if !a.isVmallocAddr(addr) {
		return addr
	}
	pfn, ok := a.mmu.Lookup(addr)
	if !ok {
		klog.Fatal("vmalloc: unable to handle kernel paging request at %#x", addr)
	}
	return a.mem.PhysToVirt(arch.PFNPhys(pfn)) + addr&^arch.PageMask
}

// eachPage calls fn with the linear alias of every page-bounded piece of
// [addr, addr+n).
func (a *Allocator) eachPage(addr, n uint64, fn func(va, off, n uint64)) {
	var off uint64
	for off < n {
		chunk := min(n-off, arch.PageSize-(addr+off)&^arch.PageMask)
		fn(a.linear(addr+off), off, chunk)
		off += chunk
	}
}

// Load64 reads the aligned word at a mapped address.
func (a *Allocator) Load64(addr uint64) uint64 { return a.mem.Load64(a.linear(addr)) }

// Store64 writes the aligned word at a mapped address.
func (a *Allocator) Store64(addr, v uint64) { a.mem.Store64(a.linear(addr), v) }

// Zero clears n bytes at a mapped address.
func (a *Allocator) Zero(addr, n uint64) {
	a.eachPage(addr, n, func(va, _, n uint64) { a.mem.Zero(va, n) })
}

// ReadAt copies len(p) bytes from a mapped address.
func (a *Allocator) ReadAt(addr uint64, p []byte) {
	a.eachPage(addr, uint64(len(p)), func(va, off, n uint64) { a.mem.ReadAt(va, p[off:off+n]) })
}

// WriteAt copies p to a mapped address.
func (a *Allocator) WriteAt(addr uint64, p []byte) {
	a.eachPage(addr, uint64(len(p)), func(va, off, n uint64) { a.mem.WriteAt(va, p[off:off+n]) })
}
