package arch

import (
	"testing"

	"github.com/cockroachdb/errors"
)

func TestBitops(t *testing.T) {
	cases := []struct {
		x          uint64
		fls        int
		up, down   uint64
		countOrder int
	}{
		{1, 1, 1, 1, 0},
		{2, 2, 2, 2, 1},
		{3, 2, 4, 2, 2},
		{1000, 10, 1024, 512, 10},
		{4096, 13, 4096, 4096, 12},
	}
	for _, c := range cases {
		if got := Fls(c.x); got != c.fls {
			t.Errorf("Fls(%d) = %d, want %d", c.x, got, c.fls)
		}
		if got := RoundupPowOfTwo(c.x); got != c.up {
			t.Errorf("RoundupPowOfTwo(%d) = %d, want %d", c.x, got, c.up)
		}
		if got := RounddownPowOfTwo(c.x); got != c.down {
			t.Errorf("RounddownPowOfTwo(%d) = %d, want %d", c.x, got, c.down)
		}
		if got := GetCountOrder(c.x); got != c.countOrder {
			t.Errorf("GetCountOrder(%d) = %d, want %d", c.x, got, c.countOrder)
		}
	}
	if Fls(0) != 0 {
		t.Errorf("Fls(0) must be 0")
	}
}

func TestGetOrder(t *testing.T) {
	for _, tc := range []struct {
		size uint64
		want int
	}{
		{1, 0},
		{PageSize, 0},
		{PageSize + 1, 1},
		{2 * PageSize, 1},
		{3 * PageSize, 2},
		{32 * PageSize, 5},
		{1024 * 1024, 8},
		{4 << 20, 10},
	} {
		size, want := tc.size, tc.want
		if got := GetOrder(size); got != want {
			t.Errorf("GetOrder(%d) = %d, want %d", size, got, want)
		}
	}
}

func TestLayout(t *testing.T) {
	if PageOffset != 0xffff800000000000 {
		t.Fatalf("PageOffset = %#x", PageOffset)
	}
	if VmallocStart >= VmallocEnd || !PageAligned(VmallocStart) || !PageAligned(VmallocEnd) {
		t.Fatalf("bad vmalloc window [%#x, %#x)", VmallocStart, VmallocEnd)
	}
	if VmallocEnd >= VmemmapStart {
		t.Fatalf("vmalloc window overlaps vmemmap")
	}
}

func TestSoftMMU(t *testing.T) {
	m := NewSoftMMU()
	base := VmallocStart

	t.Run("Map and lookup", func(t *testing.T) {
		if err := m.MapRange(base, []uint64{10, 11, 12}, PageKernel); err != nil {
			t.Fatalf("MapRange: %v", err)
		}
		pfn, ok := m.Lookup(base + PageSize + 5)
		if !ok || pfn != 11 {
			t.Fatalf("Lookup = %d, %v", pfn, ok)
		}
	})

	t.Run("Double map rolls back", func(t *testing.T) {
		err := m.MapRange(base-PageSize, []uint64{1, 2}, PageKernel)
		if !errors.Is(err, ErrAlreadyMapped) {
			t.Fatalf("expected ErrAlreadyMapped, got %v", err)
		}
		if _, ok := m.Lookup(base - PageSize); ok {
			t.Fatalf("partial mapping left behind")
		}
	})

	t.Run("Unmap and flush", func(t *testing.T) {
		m.UnmapRange(base, base+3*PageSize)
		if m.Mapped() != 0 {
			t.Fatalf("Mapped = %d after unmap", m.Mapped())
		}
		m.FlushTLBKernelRange(base, base+3*PageSize)
		if m.TLBFlushes() != 1 || m.FlushedPages() != 3 {
			t.Fatalf("flush accounting %d/%d", m.TLBFlushes(), m.FlushedPages())
		}
	})
}
