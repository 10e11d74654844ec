// Package memblock manages physical memory during early boot, before the
// page allocator exists.
package memblock

import "github.com/cockroachdb/errors"

// Error definitions
var (
	// ErrNoSpace is returned when no free range satisfies a request
	ErrNoSpace = errors.New("memblock: no suitable free range")
	// ErrResizeDisabled is returned when a region array is full and cannot grow yet
	ErrResizeDisabled = errors.New("memblock: region array full and resizing is disabled")
)
