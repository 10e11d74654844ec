package percpu

import "unsafe"

// Var is a typed per-CPU variable. It owns an area in the allocator, whose
// address identifies it, and one value of T per CPU.
type Var[T any] struct {
	a    *Allocator
	ptr  uint64
	vals []T
}

// NewVar allocates a per-CPU T.
func NewVar[T any](a *Allocator) (*Var[T], error) {
	var zero T
	size, align := uint64(unsafe.Sizeof(zero)), uint64(unsafe.Alignof(zero))
	ptr, err := a.Alloc(size, align)
	if err != nil {
		return nil, err
	}
	return &Var[T]{a: a, ptr: ptr, vals: make([]T, a.nrCPUs)}, nil
}

// Ptr returns cpu's instance.
func (v *Var[T]) Ptr(cpu int) *T { return &v.vals[cpu] }

func (v *Var[T]) Load(cpu int) T     { return v.vals[cpu] }
func (v *Var[T]) Store(cpu int, x T) { v.vals[cpu] = x }

// Each calls fn for every CPU's instance in CPU order.
func (v *Var[T]) Each(fn func(cpu int, p *T)) {
	for cpu := range v.vals {
		fn(cpu, &v.vals[cpu])
	}
}

// Addr returns the per-CPU address backing cpu's instance.
func (v *Var[T]) Addr(cpu int) uint64 { return v.a.PerCPUAddr(v.ptr, cpu) }

// Free releases the variable's area. The Var must not be used afterwards.
func (v *Var[T]) Free() {
	v.a.Free(v.ptr)
	v.ptr = 0
	v.vals = nil
}
