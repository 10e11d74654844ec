// Package buddy is the zoned page allocator. It owns every physical page once
// memblock hands over the free map, serves power-of-two blocks of pages out of
// per-order free lists and keeps a shallow per-CPU cache of single pages.
package buddy

import "github.com/cockroachdb/errors"

// Error definitions
var (
	// ErrNoMemory is returned when no zone can satisfy a request
	ErrNoMemory = errors.New("buddy: out of memory")
	// ErrBadOrder is returned for orders at or above arch.MaxOrder
	ErrBadOrder = errors.New("buddy: order out of range")
	// ErrNoRAM is returned when memblock registered no memory at all
	ErrNoRAM = errors.New("buddy: no memory registered")
)
