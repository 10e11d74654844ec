package percpu

import "math/bits"

type bitmap []uint64

func newBitmap(nbits int) bitmap { return make(bitmap, (nbits+63)/64) }

func (b bitmap) test(i int) bool { return b[i/64]&(1<<(uint(i)%64)) != 0 }
func (b bitmap) set(i int)       { b[i/64] |= 1 << (uint(i) % 64) }
func (b bitmap) clear(i int)     { b[i/64] &^= 1 << (uint(i) % 64) }

func (b bitmap) setRange(start, end int) {
	for i := start; i < end; i++ {
		b.set(i)
	}
}

func (b bitmap) clearRange(start, end int) {
	for i := start; i < end; i++ {
		b.clear(i)
	}
}

// nextSet returns the first set bit in [start, end), or end.
func (b bitmap) nextSet(start, end int) int {
	for i := start; i < end; {
		w := b[i/64] >> (uint(i) % 64)
		if w != 0 {
			if n := i + bits.TrailingZeros64(w); n < end {
				return n
			}
			return end
		}
		i = (i/64 + 1) * 64
	}
	return end
}

// nextZero returns the first clear bit in [start, end), or end.
func (b bitmap) nextZero(start, end int) int {
	for i := start; i < end; {
		w := ^b[i/64] >> (uint(i) % 64)
		if w != 0 {
			if n := i + bits.TrailingZeros64(w); n < end {
				return n
			}
			return end
		}
		i = (i/64 + 1) * 64
	}
	return end
}
