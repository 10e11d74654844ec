package arch

import (
	"github.com/cznic/mathutil"
)

// Fls returns the position of the most significant set bit, 1-based; Fls(0) is 0.
func Fls(x uint64) int {
	return mathutil.BitLenUint64(x)
}

// Ilog2 returns floor(log2(x)); x must be non-zero.
func Ilog2(x uint64) int {
	return mathutil.Log2Uint64(x)
}

// IsPowerOfTwo reports whether x is a power of two.
func IsPowerOfTwo(x uint64) bool {
	return x != 0 && x&(x-1) == 0
}

// RoundupPowOfTwo rounds x up to the next power of two.
func RoundupPowOfTwo(x uint64) uint64 {
	if x <= 1 {
		return 1
	}
	return uint64(1) << Fls(x-1)
}

// RounddownPowOfTwo rounds x down to a power of two.
func RounddownPowOfTwo(x uint64) uint64 {
	if x == 0 {
		return 0
	}
	return uint64(1) << Ilog2(x)
}

// RoundUp rounds x up to a multiple of align, which must be a power of two.
func RoundUp(x, align uint64) uint64 {
	return (x + align - 1) &^ (align - 1)
}

// RoundDown rounds x down to a multiple of align, which must be a power of two.
func RoundDown(x, align uint64) uint64 {
	return x &^ (align - 1)
}

// GetOrder returns the buddy order needed to hold size bytes.
func GetOrder(size uint64) int {
	if size <= PageSize {
		return 0
	}
	return Fls((size - 1) >> PageShift)
}

// GetCountOrder returns ceil(log2(count)).
func GetCountOrder(count uint64) int {
	if count <= 1 {
		return 0
	}
	return Fls(count - 1)
}

// Clamp limits v to [lo, hi].
func Clamp(v, lo, hi uint64) uint64 {
	return mathutil.MinUint64(mathutil.MaxUint64(v, lo), hi)
}
