package arch

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
)

// ErrAlreadyMapped is returned when a kernel page table entry is already populated.
var ErrAlreadyMapped = errors.New("pte already mapped")

// PageTable installs and removes kernel mappings.
type PageTable interface {
	// MapRange maps len(pfns) consecutive pages starting at start.
	MapRange(start uint64, pfns []uint64, prot Prot) error
	// UnmapRange clears every entry in [start, end).
	UnmapRange(start, end uint64)
	// Lookup translates a kernel virtual address to its page frame.
	Lookup(addr uint64) (pfn uint64, ok bool)
}

// CacheTLB is the cache and TLB maintenance layer.
type CacheTLB interface {
	FlushTLBKernelRange(start, end uint64)
	FlushCacheVmap(start, end uint64)
	FlushCacheVunmap(start, end uint64)
}

// MMU bundles the page-table and maintenance layers.
type MMU interface {
	PageTable
	CacheTLB
}

// SoftMMU is an in-memory kernel page table with flush accounting. It stands
// in for the hardware walker on hosts where the allocators are exercised.
type SoftMMU struct {
	mu   sync.RWMutex
	ptes map[uint64]uint64
	prot map[uint64]Prot

	tlbFlushes   atomic.Uint64
	flushedPages atomic.Uint64
	cacheVmaps   atomic.Uint64
	cacheVunmaps atomic.Uint64
}

// NewSoftMMU returns an empty kernel page table.
func NewSoftMMU() *SoftMMU {
	return &SoftMMU{
		ptes: make(map[uint64]uint64),
		prot: make(map[uint64]Prot),
	}
}

// MapRange implements PageTable.
func (m *SoftMMU) MapRange(start uint64, pfns []uint64, prot Prot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	vpn := start >> PageShift
	for i := range pfns {
		if _, ok := m.ptes[vpn+uint64(i)]; ok {
			// roll back what this call installed
			for j := 0; j < i; j++ {
				delete(m.ptes, vpn+uint64(j))
				delete(m.prot, vpn+uint64(j))
			}
			return errors.Wrapf(ErrAlreadyMapped, "va %#x", PFNPhys(vpn+uint64(i)))
		}
		m.ptes[vpn+uint64(i)] = pfns[i]
		m.prot[vpn+uint64(i)] = prot
	}
	return nil
}

// UnmapRange implements PageTable.
func (m *SoftMMU) UnmapRange(start, end uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for vpn := start >> PageShift; vpn < PFNUp(end); vpn++ {
		delete(m.ptes, vpn)
		delete(m.prot, vpn)
	}
}

// Lookup implements PageTable.
func (m *SoftMMU) Lookup(addr uint64) (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pfn, ok := m.ptes[addr>>PageShift]
	return pfn, ok
}

// Protection returns the protection of the page mapping addr.
func (m *SoftMMU) Protection(addr uint64) (Prot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.prot[addr>>PageShift]
	return p, ok
}

// Mapped returns the number of installed entries.
func (m *SoftMMU) Mapped() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ptes)
}

// FlushTLBKernelRange implements CacheTLB.
func (m *SoftMMU) FlushTLBKernelRange(start, end uint64) {
	m.tlbFlushes.Add(1)
	if end > start {
		m.flushedPages.Add(PFNUp(end) - PFNDown(start))
	}
}

func (m *SoftMMU) FlushCacheVmap(start, end uint64)   { m.cacheVmaps.Add(1) }
func (m *SoftMMU) FlushCacheVunmap(start, end uint64) { m.cacheVunmaps.Add(1) }

// TLBFlushes returns how many kernel range flushes were issued.
func (m *SoftMMU) TLBFlushes() uint64 {
	return m.tlbFlushes.Load()
}

// FlushedPages returns the total number of pages covered by TLB flushes.
func (m *SoftMMU) FlushedPages() uint64 {
	return m.flushedPages.Load()
}
