package memblock

import (
	"github.com/cockroachdb/errors"

	"github.com/shenjiangwei/kmem/arch"
	"github.com/shenjiangwei/kmem/klog"
)

// Flags describe attributes of a memory region.
type Flags uint32

const (
	FlagNone Flags = 0
	// FlagHotplug marks hotpluggable memory
	FlagHotplug Flags = 0x1
	// FlagMirror marks mirrored memory
	FlagMirror Flags = 0x2
	// FlagNomap marks memory that must stay out of the linear map
	FlagNomap Flags = 0x4
)

const (
	// InitRegions is the capacity of the inline bootstrap arrays
	InitRegions = 128

	// AllocAnywhere lets a search reach the top of physical memory
	AllocAnywhere = arch.PhysAddrMax
	// AllocAccessible limits a search to the current limit
	AllocAccessible = 0

	// regionDescSize is the footprint of one region descriptor in RAM
	regionDescSize = 24
)

// Region is a maximal disjoint physical range.
type Region struct {
	Base  uint64
	Size  uint64
	Flags Flags
}

// End returns the first address past the region.
func (r Region) End() uint64 { return r.Base + r.Size }

// Type is one named region set. The array always holds at least one entry;
// an empty set is a single zero-sized dummy region.
type Type struct {
	name      string
	regions   []Region
	totalSize uint64
	// physical footprint of a relocated array, zero while inline or on the heap
	phys     uint64
	physSize uint64
}

// Name returns "memory" or "reserved".
func (t *Type) Name() string { return t.name }

// Count returns the number of regions.
func (t *Type) Count() int { return len(t.regions) }

// Max returns the region capacity before the array must grow.
func (t *Type) Max() int { return cap(t.regions) }

// TotalSize returns the summed size of all regions.
func (t *Type) TotalSize() uint64 { return t.totalSize }

// Regions returns a copy of the region array, dummy entry excluded.
func (t *Type) Regions() []Region {
	if t.empty() {
		return nil
	}
	return append([]Region(nil), t.regions...)
}

func (t *Type) empty() bool {
	return len(t.regions) == 1 && t.regions[0].Size == 0
}

// Backing gives memblock access to the linear map for the AllocTry family.
type Backing interface {
	PhysToVirt(pa uint64) uint64
	Zero(va, n uint64)
}

// Config carries the boot-time knobs.
type Config struct {
	// InitRegions is the inline array capacity, at most InitRegions
	InitRegions int
	// KernelEnd is the physical end of the kernel image
	KernelEnd uint64
	BottomUp  bool
	Debug     bool
	Memory    Backing
}

// DefaultConfig returns the standard boot configuration.
func DefaultConfig() Config {
	return Config{InitRegions: InitRegions}
}

// Memblock tracks the "memory" and "reserved" region sets. It is used by the
// boot CPU only and does no locking.
type Memblock struct {
	memory   Type
	reserved Type

	memoryInit   [InitRegions]Region
	reservedInit [InitRegions]Region

	bottomUp     bool
	currentLimit uint64
	canResize    bool
	onHeap       bool
	kernelEnd    uint64
	debug        bool
	mem          Backing
}

// New returns an empty tracker using the inline bootstrap arrays.
func New(cfg Config) *Memblock {
	n := cfg.InitRegions
	if n <= 0 || n > InitRegions {
		n = InitRegions
	}
	m := &Memblock{
		bottomUp:     cfg.BottomUp,
		currentLimit: AllocAnywhere,
		kernelEnd:    cfg.KernelEnd,
		debug:        cfg.Debug,
		mem:          cfg.Memory,
	}
	m.memory = Type{name: "memory", regions: m.memoryInit[:1:n]}
	m.reserved = Type{name: "reserved", regions: m.reservedInit[:1:n]}
	return m
}

func (m *Memblock) dbg(format string, v ...interface{}) {
	if m.debug {
		klog.Info(format, v...)
	}
}

// Memory returns the usable region set.
func (m *Memblock) Memory() *Type { return &m.memory }

// Reserved returns the taken region set.
func (m *Memblock) Reserved() *Type { return &m.reserved }

// SetDebug toggles memblock=debug tracing.
func (m *Memblock) SetDebug(on bool) { m.debug = on }

// SetKernelEnd records the physical end of the kernel image.
func (m *Memblock) SetKernelEnd(end uint64) { m.kernelEnd = end }

// SetBottomUp selects the allocation direction.
func (m *Memblock) SetBottomUp(on bool) { m.bottomUp = on }

func (m *Memblock) BottomUp() bool { return m.bottomUp }

// SetCurrentLimit caps AllocAccessible searches.
func (m *Memblock) SetCurrentLimit(limit uint64) { m.currentLimit = limit }

func (m *Memblock) CurrentLimit() uint64 { return m.currentLimit }

// AllowResize permits region arrays to double once the reserved map is known.
func (m *Memblock) AllowResize() { m.canResize = true }

// capSize trims size so that base+size does not overflow.
func capSize(base, size uint64) uint64 {
	if size > arch.PhysAddrMax-base {
		return arch.PhysAddrMax - base
	}
	return size
}

func addrsOverlap(base1, size1, base2, size2 uint64) bool {
	return base1 < base2+size2 && base2 < base1+size1
}

// OverlapsRegion reports whether [base, base+size) intersects any region of t.
func (t *Type) OverlapsRegion(base, size uint64) bool {
	for _, r := range t.regions {
		if addrsOverlap(base, size, r.Base, r.Size) {
			return true
		}
	}
	return false
}

func (m *Memblock) removeRegion(t *Type, r int) {
	t.totalSize -= t.regions[r].Size
	copy(t.regions[r:], t.regions[r+1:])
	t.regions = t.regions[:len(t.regions)-1]

	if len(t.regions) == 0 {
		if t.totalSize != 0 {
			klog.Warn("memblock: %s emptied with %#x bytes still accounted", t.name, t.totalSize)
		}
		t.regions = t.regions[:1]
		t.regions[0] = Region{}
	}
}

// doubleArray grows t, keeping the new array clear of [newStart, newStart+newSize)
// which is about to be reserved.
func (m *Memblock) doubleArray(t *Type, newStart, newSize uint64) error {
	if !m.canResize {
		return errors.Wrapf(ErrResizeDisabled, "%s has %d entries", t.name, cap(t.regions))
	}

	oldMax := cap(t.regions)
	oldAllocSize := arch.PageAlign(uint64(oldMax) * regionDescSize)
	newAllocSize := arch.PageAlign(uint64(oldMax) * 2 * regionDescSize)
	oldPhys, oldPhysSize := t.phys, t.physSize

	if m.onHeap {
		grown := make([]Region, len(t.regions), oldMax*2)
		copy(grown, t.regions)
		t.regions = grown
		t.phys, t.physSize = 0, 0
		if oldPhys != 0 {
			return m.Free(oldPhys, oldPhysSize)
		}
		return nil
	}

	// only the reserved array needs to dodge the pending range
	if t != &m.reserved {
		newStart, newSize = 0, 0
	}

	addr := m.FindInRange(newStart+newSize, m.currentLimit, newAllocSize, arch.PageSize)
	if addr == 0 && newSize != 0 {
		addr = m.FindInRange(0, min(newStart, m.currentLimit), newAllocSize, arch.PageSize)
	}
	if addr == 0 {
		klog.Error("memblock: Failed to double %s array from %d to %d entries !", t.name, oldMax, oldMax*2)
		return errors.Wrapf(ErrNoSpace, "doubling %s", t.name)
	}
	m.dbg("memblock: %s is doubled to %d at [%#x-%#x]", t.name, oldMax*2, addr, addr+uint64(oldMax)*2*regionDescSize-1)

	grown := make([]Region, len(t.regions), oldMax*2)
	copy(grown, t.regions)
	t.regions = grown
	t.phys, t.physSize = addr, newAllocSize

	// the inline arrays are part of the kernel image and never freed
	if oldPhys != 0 {
		if err := m.Free(oldPhys, oldAllocSize); err != nil {
			return err
		}
	}

	if err := m.Reserve(addr, newAllocSize); err != nil {
		klog.Fatal("memblock: cannot reserve relocated %s array at %#x: %v", t.name, addr, err)
	}
	return nil
}

// mergeRegions coalesces neighbouring compatible regions.
func (m *Memblock) mergeRegions(t *Type) {
	i := 0
	for i < len(t.regions)-1 {
		this := &t.regions[i]
		next := t.regions[i+1]

		if this.End() != next.Base || this.Flags != next.Flags {
			if this.End() > next.Base {
				klog.Fatal("memblock: %s regions %d and %d overlap", t.name, i, i+1)
			}
			i++
			continue
		}

		this.Size += next.Size
		copy(t.regions[i+1:], t.regions[i+2:])
		t.regions = t.regions[:len(t.regions)-1]
	}
}

// insertRegion inserts [base, base+size) at idx; t must have room.
func (m *Memblock) insertRegion(t *Type, idx int, base, size uint64, flags Flags) {
	if len(t.regions) >= cap(t.regions) {
		klog.Fatal("memblock: %s insert past capacity %d", t.name, cap(t.regions))
	}
	t.regions = t.regions[:len(t.regions)+1]
	copy(t.regions[idx+1:], t.regions[idx:])
	t.regions[idx] = Region{Base: base, Size: size, Flags: flags}
	t.totalSize += size
}

// addRange adds [base, base+size) to t. Overlaps with existing regions are
// allowed and leave those regions untouched.
func (m *Memblock) addRange(t *Type, base, size uint64, flags Flags) error {
	size = capSize(base, size)
	if size == 0 {
		return nil
	}
	end := base + size

	if t.regions[0].Size == 0 {
		if len(t.regions) != 1 || t.totalSize != 0 {
			klog.Warn("memblock: %s has a zero-sized head with %d entries", t.name, len(t.regions))
		}
		t.regions[0] = Region{Base: base, Size: size, Flags: flags}
		t.totalSize = size
		return nil
	}

	// The first pass counts the pieces, growing the array until they fit;
	// the second pass inserts them.
	for pass := 0; pass < 2; pass++ {
		insert := pass == 1
		cur := base
		nrNew := 0
		idx := 0

		for ; idx < len(t.regions); idx++ {
			rgn := t.regions[idx]
			rbase, rend := rgn.Base, rgn.End()

			if rbase >= end {
				break
			}
			if rend <= cur {
				continue
			}
			if rbase > cur {
				if flags != rgn.Flags {
					klog.Warn("memblock: %s flags %#x differ from neighbour %#x", t.name, flags, rgn.Flags)
				}
				nrNew++
				if insert {
					m.insertRegion(t, idx, cur, rbase-cur, flags)
					idx++
				}
			}
			cur = min(rend, end)
		}

		if cur < end {
			nrNew++
			if insert {
				m.insertRegion(t, idx, cur, end-cur, flags)
			}
		}

		if nrNew == 0 {
			return nil
		}

		if !insert {
			for len(t.regions)+nrNew > cap(t.regions) {
				if err := m.doubleArray(t, base, size); err != nil {
					return err
				}
			}
		}
	}

	m.mergeRegions(t)
	return nil
}

// isolateRange splits regions so that [base, base+size) falls on region
// boundaries and returns the index range [start, end) it covers.
func (m *Memblock) isolateRange(t *Type, base, size uint64) (startRgn, endRgn int, err error) {
	size = capSize(base, size)
	end := base + size
	if size == 0 {
		return 0, 0, nil
	}

	// at most two new regions
	for len(t.regions)+2 > cap(t.regions) {
		if err := m.doubleArray(t, base, size); err != nil {
			return 0, 0, err
		}
	}

	for idx := 0; idx < len(t.regions); idx++ {
		rgn := &t.regions[idx]
		rbase, rend, rflags := rgn.Base, rgn.End(), rgn.Flags

		if rbase >= end {
			break
		}
		if rend <= base {
			continue
		}

		switch {
		case rbase < base:
			// straddles the lower boundary; the upper part is revisited next
			rgn.Base = base
			rgn.Size -= base - rbase
			t.totalSize -= base - rbase
			m.insertRegion(t, idx, rbase, base-rbase, rflags)
		case rend > end:
			// straddles the upper boundary; revisit the lower part
			rgn.Base = end
			rgn.Size -= end - rbase
			t.totalSize -= end - rbase
			m.insertRegion(t, idx, rbase, end-rbase, rflags)
			idx--
		default:
			if endRgn == 0 {
				startRgn = idx
			}
			endRgn = idx + 1
		}
	}
	return startRgn, endRgn, nil
}

func (m *Memblock) removeRange(t *Type, base, size uint64) error {
	start, end, err := m.isolateRange(t, base, size)
	if err != nil {
		return err
	}
	for i := end - 1; i >= start; i-- {
		m.removeRegion(t, i)
	}
	return nil
}

// Add registers [base, base+size) as usable memory.
func (m *Memblock) Add(base, size uint64) error {
	m.dbg("memblock_add: [%#x-%#x]", base, base+size-1)
	return m.addRange(&m.memory, base, size, FlagNone)
}

// Remove drops [base, base+size) from usable memory.
func (m *Memblock) Remove(base, size uint64) error {
	m.dbg("memblock_remove: [%#x-%#x]", base, base+size-1)
	return m.removeRange(&m.memory, base, size)
}

// Reserve marks [base, base+size) as taken.
func (m *Memblock) Reserve(base, size uint64) error {
	m.dbg("memblock_reserve: [%#x-%#x]", base, base+size-1)
	return m.addRange(&m.reserved, base, size, FlagNone)
}

// Free releases a previous reservation.
func (m *Memblock) Free(base, size uint64) error {
	m.dbg("   memblock_free: [%#x-%#x]", base, base+size-1)
	return m.removeRange(&m.reserved, base, size)
}

func (m *Memblock) setClrFlag(base, size uint64, set bool, flag Flags) error {
	t := &m.memory
	start, end, err := m.isolateRange(t, base, size)
	if err != nil {
		return err
	}
	for i := start; i < end; i++ {
		if set {
			t.regions[i].Flags |= flag
		} else {
			t.regions[i].Flags &^= flag
		}
	}
	m.mergeRegions(t)
	return nil
}

// MarkHotplug flags [base, base+size) as hot-removable memory.
func (m *Memblock) MarkHotplug(base, size uint64) error {
	return m.setClrFlag(base, size, true, FlagHotplug)
}

// ClearHotplug drops the hotplug flag from [base, base+size).
func (m *Memblock) ClearHotplug(base, size uint64) error {
	return m.setClrFlag(base, size, false, FlagHotplug)
}

// MarkMirror flags [base, base+size) as mirrored memory.
func (m *Memblock) MarkMirror(base, size uint64) error {
	return m.setClrFlag(base, size, true, FlagMirror)
}

// MarkNomap keeps [base, base+size) out of the linear map and free-range walks.
func (m *Memblock) MarkNomap(base, size uint64) error { return m.setClrFlag(base, size, true, FlagNomap) }

// ClearNomap returns [base, base+size) to the linear map.
func (m *Memblock) ClearNomap(base, size uint64) error { return m.setClrFlag(base, size, false, FlagNomap) }

// SwitchToHeap moves both arrays off memblock-allocated RAM once the page
// allocator is live. The returned ranges held relocated arrays and are now
// free; the caller hands them to the page allocator.
func (m *Memblock) SwitchToHeap() []Region {
	var released []Region
	for _, t := range []*Type{&m.memory, &m.reserved} {
		grown := make([]Region, len(t.regions), cap(t.regions))
		copy(grown, t.regions)
		t.regions = grown
		if t.phys != 0 {
			released = append(released, Region{Base: t.phys, Size: t.physSize})
		}
		t.phys, t.physSize = 0, 0
	}
	m.onHeap = true
	for _, r := range released {
		if err := m.Free(r.Base, r.Size); err != nil {
			klog.Warn("memblock: releasing array at %#x: %v", r.Base, err)
		}
	}
	return released
}
