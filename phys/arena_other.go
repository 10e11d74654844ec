//go:build !linux

package phys

import "unsafe"

// mapArena backs the arena with word-aligned heap memory.
func mapArena(size uint64) ([]byte, func() error, error) {
	words := make([]uint64, size/8)
	raw := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size)
	return raw, func() error { return nil }, nil
}
