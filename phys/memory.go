// Package phys simulates the machine's RAM and its linear mapping.
//
// All allocator metadata that real hardware keeps inside the pages it manages
// (slab free pointers, poison patterns, zeroed pages) lives here, so the
// allocators above operate on addresses and not on Go pointers.
package phys

import (
	"sync/atomic"
	"unsafe"

	"github.com/cockroachdb/errors"

	"github.com/shenjiangwei/kmem/arch"
	"github.com/shenjiangwei/kmem/klog"
)

// ErrBadArena is returned for arenas that are empty or not page aligned.
var ErrBadArena = errors.New("arena must be a non-empty page-aligned range")

// Memory is a contiguous block of simulated DRAM at [Base, Base+Size).
// Addresses passed to the accessors are linear-map virtual addresses.
type Memory struct {
	base  uint64
	size  uint64
	raw   []byte
	words []uint64
	unmap func() error
}

// New maps size bytes of RAM starting at physical address base.
func New(base, size uint64) (*Memory, error) {
	if size == 0 || !arch.PageAligned(base) || !arch.PageAligned(size) {
		return nil, errors.Wrapf(ErrBadArena, "[%#x, +%#x)", base, size)
	}
	raw, unmap, err := mapArena(size)
	if err != nil {
		return nil, errors.Wrapf(err, "mapping %d bytes of RAM", size)
	}
	m := &Memory{
		base:  base,
		size:  size,
		raw:   raw,
		words: unsafe.Slice((*uint64)(unsafe.Pointer(&raw[0])), size/8),
		unmap: unmap,
	}
	klog.Debug("phys: RAM [%#x-%#x] mapped at %#x", base, base+size-1, m.PhysToVirt(base))
	return m, nil
}

// Close releases the backing storage.
func (m *Memory) Close() error {
	if m.unmap == nil {
		return nil
	}
	err := m.unmap()
	m.unmap, m.raw, m.words = nil, nil, nil
	return err
}

func (m *Memory) Base() uint64 { return m.base }
func (m *Memory) Size() uint64 { return m.size }
func (m *Memory) End() uint64  { return m.base + m.size }

// PhysToVirt returns the linear-map address of pa.
func (m *Memory) PhysToVirt(pa uint64) uint64 {
	return pa - m.base + arch.PageOffset
}

// VirtToPhys is the inverse of PhysToVirt.
func (m *Memory) VirtToPhys(va uint64) uint64 {
	return va - arch.PageOffset + m.base
}

// ContainsPhys reports whether pa is backed by this arena.
func (m *Memory) ContainsPhys(pa uint64) bool {
	return pa >= m.base && pa < m.base+m.size
}

// ContainsVirt reports whether va is a linear-map address of this arena.
func (m *Memory) ContainsVirt(va uint64) bool {
	return va >= arch.PageOffset && va-arch.PageOffset < m.size
}

func (m *Memory) offset(va, n uint64) uint64 {
	if !m.ContainsVirt(va) || va-arch.PageOffset+n > m.size {
		klog.Fatal("phys: access [%#x, +%d) outside the linear map", va, n)
	}
	return va - arch.PageOffset
}

// Load64 atomically reads the aligned word at va.
func (m *Memory) Load64(va uint64) uint64 {
	off := m.offset(va, 8)
	return atomic.LoadUint64(&m.words[off>>3])
}

// Store64 atomically writes the aligned word at va.
func (m *Memory) Store64(va, v uint64) {
	off := m.offset(va, 8)
	atomic.StoreUint64(&m.words[off>>3], v)
}

// Zero clears n bytes at va. Whole words are cleared atomically so that
// concurrent speculative loads of a free pointer never race a memset.
func (m *Memory) Zero(va, n uint64) {
	off := m.offset(va, n)
	end := off + n
	for off < end && off&7 != 0 {
		m.raw[off] = 0
		off++
	}
	for ; off+8 <= end; off += 8 {
		atomic.StoreUint64(&m.words[off>>3], 0)
	}
	for ; off < end; off++ {
		m.raw[off] = 0
	}
}

// Fill sets n bytes at va to b.
func (m *Memory) Fill(va, n uint64, b byte) {
	off := m.offset(va, n)
	buf := m.raw[off : off+n]
	for i := range buf {
		buf[i] = b
	}
}

// ReadAt copies len(p) bytes starting at va into p.
func (m *Memory) ReadAt(va uint64, p []byte) {
	off := m.offset(va, uint64(len(p)))
	copy(p, m.raw[off:])
}

// WriteAt copies p into memory starting at va.
func (m *Memory) WriteAt(va uint64, p []byte) {
	off := m.offset(va, uint64(len(p)))
	copy(m.raw[off:], p)
}

// Byte returns the byte at va.
func (m *Memory) Byte(va uint64) byte {
	return m.raw[m.offset(va, 1)]
}

// FirstMismatch returns the offset of the first byte in [va, va+n) that is
// not b, or -1.
func (m *Memory) FirstMismatch(va, n uint64, b byte) int64 {
	off := m.offset(va, n)
	for i, c := range m.raw[off : off+n] {
		if c != b {
			return int64(i)
		}
	}
	return -1
}
