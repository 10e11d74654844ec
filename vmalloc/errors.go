// Package vmalloc allocates kernel virtual address ranges and maps pages
// into them. Freed ranges are unmapped at once but their TLB entries are
// flushed lazily, in batches.
package vmalloc

import "github.com/cockroachdb/errors"

var (
	// ErrNoSpace is returned when no hole of the requested size is left
	ErrNoSpace = errors.New("vmalloc: vmap allocation failed")
	// ErrNoMemory is returned when backing pages or descriptors run out
	ErrNoMemory = errors.New("vmalloc: out of memory")
	// ErrBadSize is returned for zero or oversized requests
	ErrBadSize = errors.New("vmalloc: bad size")
	// ErrBadAlign is returned for alignments that are not a power of two
	ErrBadAlign = errors.New("vmalloc: bad alignment")
)
