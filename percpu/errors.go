// Package percpu hands out per-CPU areas. An allocation reserves the same
// offset in every CPU's unit of a chunk; the first chunk lives in the linear
// map and later ones are placed congruently in vmalloc space.
package percpu

import "github.com/cockroachdb/errors"

var (
	// ErrTooLarge is returned for requests larger than a unit
	ErrTooLarge = errors.New("percpu: allocation larger than a unit")
	// ErrBadAlign is returned for alignments that are not a power of two
	ErrBadAlign = errors.New("percpu: alignment is not a power of two")
	// ErrNoSpace is returned when no chunk fits and none can be created
	ErrNoSpace = errors.New("percpu: no space for allocation")
)
