package slab

import (
	"github.com/shenjiangwei/kmem/arch"
)

// Object addresses are packed into 32 bits as their distance from the start
// of the linear map in words, plus one so that zero stays the empty list.
const (
	freelistBits = 32
	freelistMask = 1<<freelistBits - 1
)

// MaxLinearMap is the largest linear map whose object addresses survive the
// freelist encoding. Boot refuses RAM spans above it.
const MaxLinearMap = uint64(freelistMask) << 3

func encodeObj(va uint64) uint64 {
	if va == 0 {
		return 0
	}
	return (va-arch.PageOffset)>>3 + 1
}

func decodeObj(e uint64) uint64 {
	if e == 0 {
		return 0
	}
	return (e-1)<<3 + arch.PageOffset
}

// slabState is the value held in a slab page's State word: the shared
// freelist head in the low half and the counters in the high half.
//
//	bits  0..31  freelist
//	bits 32..47  inuse
//	bits 48..62  objects
//	bit  63      frozen
type slabState uint64

const (
	inuseShift   = 32
	objectsShift = 48
	frozenBit    = uint64(1) << 63
	counterMask  = 0x7fff
)

func makeState(freelist uint64, inuse, objects int, frozen bool) slabState {
	v := encodeObj(freelist) | uint64(inuse)<<inuseShift | uint64(objects)<<objectsShift
	if frozen {
		v |= frozenBit
	}
	return slabState(v)
}

func (s slabState) freelist() uint64 { return decodeObj(uint64(s) & freelistMask) }
func (s slabState) inuse() int       { return int(uint64(s) >> inuseShift & 0xffff) }
func (s slabState) objects() int     { return int(uint64(s) >> objectsShift & counterMask) }
func (s slabState) frozen() bool     { return uint64(s)&frozenBit != 0 }

func (s slabState) with(freelist uint64, inuse int, frozen bool) slabState {
	return makeState(freelist, inuse, s.objects(), frozen)
}

// cpuWord is the per-CPU fast path word: the CPU freelist head and the
// transaction id. Every change of either bumps the id, so a compare-and-swap
// against a stale read fails.
type cpuWord uint64

func makeCPUWord(freelist uint64, tid uint32) cpuWord {
	return cpuWord(encodeObj(freelist) | uint64(tid)<<freelistBits)
}

func (w cpuWord) freelist() uint64 { return decodeObj(uint64(w) & freelistMask) }
func (w cpuWord) tid() uint32      { return uint32(uint64(w) >> freelistBits) }
