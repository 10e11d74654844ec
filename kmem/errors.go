// Package kmem ties the allocator layers into one kernel memory subsystem:
// it boots them in order and exposes the page, kmalloc and vmalloc API.
package kmem

import "github.com/cockroachdb/errors"

var (
	ErrBadParam = errors.New("malformed boot parameter")
	ErrBadCPU   = errors.New("cpu out of range")
	ErrBadMap   = errors.New("bad memory map")
)
