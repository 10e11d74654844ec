// Package slab is the object allocator. Caches carve buddy pages into
// fixed-size objects, serve them from a lock-free per-CPU freelist and keep
// partially used slabs on a shared list; kmalloc maps byte sizes onto a
// ladder of general caches.
package slab

import "github.com/cockroachdb/errors"

// Error definitions
var (
	// ErrNoMemory is returned when the page allocator cannot back a new slab
	ErrNoMemory = errors.New("slab: out of memory")
	// ErrBadFlags is returned for flags outside the permitted set
	ErrBadFlags = errors.New("slab: unsupported cache flags")
	// ErrBadSize is returned for object sizes or alignments a cache cannot hold
	ErrBadSize = errors.New("slab: invalid object size or alignment")
	// ErrCacheBusy is returned when a cache being destroyed still has objects
	ErrCacheBusy = errors.New("slab: cache still has objects")
	// ErrTooLarge is returned for kmalloc sizes above the largest order
	ErrTooLarge = errors.New("slab: allocation too large")
	// ErrNotReady is returned for kmalloc before the general caches exist
	ErrNotReady = errors.New("slab: kmalloc caches not created yet")
)
