package buddy

import (
	"sync/atomic"

	"github.com/shenjiangwei/kmem/klog"
)

// PageKind selects which variant of a page descriptor is valid.
type PageKind uint32

const (
	// KindReserved pages are not managed by the allocator
	KindReserved PageKind = iota
	// KindBuddy pages head a free block on a zone free list
	KindBuddy
	// KindOrdinary pages are allocated, or cached on a per-CPU list
	KindOrdinary
	// KindSlab pages back a slab
	KindSlab
	// KindTail pages are the tail of a compound page
	KindTail
)

var kindNames = [...]string{"reserved", "buddy", "ordinary", "slab", "tail"}

func (k PageKind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "unknown"
}

const nilIdx = -1

type listLink struct {
	prev, next int32
}

// SlabOwner is implemented by the slab cache that owns a slab page.
type SlabOwner interface {
	Name() string
}

// SlabPage is the slab variant of a page descriptor.
type SlabPage struct {
	Cache SlabOwner
	// State packs the shared freelist head with the inuse/objects/frozen
	// counters so both change in one compare-and-swap.
	State atomic.Uint64
	// Next chains pages on a per-CPU partial list
	Next     *Page
	Pages    int32
	Pobjects int32
}

// Page describes one physical page frame.
type Page struct {
	pfn      uint64
	kind     atomic.Uint32
	zone     ZoneType
	order    uint8
	compound uint8
	head     int32
	refcount atomic.Int32
	lru      listLink

	slab SlabPage
}

func (p *Page) PFN() uint64    { return p.pfn }
func (p *Page) Kind() PageKind { return PageKind(p.kind.Load()) }
func (p *Page) Zone() ZoneType { return p.zone }

// RefCount returns the page's reference count.
func (p *Page) RefCount() int32 { return p.refcount.Load() }

// CompoundOrder returns the order of a compound head, zero otherwise.
func (p *Page) CompoundOrder() int { return int(p.compound) }

// BuddyOrder returns the free-list order of a free block head, or -1.
func (p *Page) BuddyOrder() int {
	if p.Kind() != KindBuddy {
		return -1
	}
	return int(p.order)
}

func (p *Page) setKind(k PageKind) { p.kind.Store(uint32(k)) }

// Slab returns the slab variant. The page must be a slab page.
func (p *Page) Slab() *SlabPage {
	if k := p.Kind(); k != KindSlab {
		klog.Fatal("page pfn %#x used as slab while %s", p.pfn, k)
	}
	return &p.slab
}

// SetSlab turns an allocated page into a slab page owned by c.
func (p *Page) SetSlab(c SlabOwner) {
	if k := p.Kind(); k != KindOrdinary {
		klog.Fatal("page pfn %#x turned into slab while %s", p.pfn, k)
	}
	p.slab.Cache = c
	p.slab.State.Store(0)
	p.slab.Next = nil
	p.slab.Pages, p.slab.Pobjects = 0, 0
	p.setKind(KindSlab)
}

// ClearSlab returns a slab page to the ordinary state before it is freed.
func (p *Page) ClearSlab() {
	p.Slab()
	p.slab.Cache = nil
	p.slab.Next = nil
	p.slab.State.Store(0)
	p.setKind(KindOrdinary)
}

// PageList is a doubly linked list of pages threaded through their lru
// links by memmap index.
type PageList struct {
	head, tail int32
	n          int
}

// NewPageList returns an empty list.
func NewPageList() PageList {
	return PageList{head: nilIdx, tail: nilIdx}
}

func (l *PageList) Len() int    { return l.n }
func (l *PageList) Empty() bool { return l.n == 0 }

// Memmap is the array of page descriptors covering [startPFN, endPFN).
type Memmap struct {
	startPFN uint64
	pages    []Page
}

func newMemmap(startPFN, endPFN uint64) Memmap {
	m := Memmap{startPFN: startPFN, pages: make([]Page, endPFN-startPFN)}
	for i := range m.pages {
		p := &m.pages[i]
		p.pfn = startPFN + uint64(i)
		p.head = nilIdx
		p.lru = listLink{nilIdx, nilIdx}
		// reserved until memblock hands the page over
		p.refcount.Store(1)
	}
	return m
}

func (m *Memmap) StartPFN() uint64 { return m.startPFN }
func (m *Memmap) EndPFN() uint64   { return m.startPFN + uint64(len(m.pages)) }

func (m *Memmap) valid(pfn uint64) bool {
	return pfn >= m.startPFN && pfn < m.EndPFN()
}

func (m *Memmap) idx(p *Page) int32 { return int32(p.pfn - m.startPFN) }

func (m *Memmap) at(i int32) *Page {
	if i == nilIdx {
		return nil
	}
	return &m.pages[i]
}

// PFNToPage returns the descriptor of pfn, or nil outside the memmap.
func (m *Memmap) PFNToPage(pfn uint64) *Page {
	if !m.valid(pfn) {
		return nil
	}
	return &m.pages[pfn-m.startPFN]
}

// Offset returns the page n frames after p.
func (m *Memmap) Offset(p *Page, n int) *Page {
	return &m.pages[int(m.idx(p))+n]
}

// CompoundHead returns the head of p's compound page, or p itself.
func (m *Memmap) CompoundHead(p *Page) *Page {
	if p.Kind() == KindTail {
		return m.at(p.head)
	}
	return p
}

func (m *Memmap) PushFront(l *PageList, p *Page) {
	i := m.idx(p)
	p.lru = listLink{prev: nilIdx, next: l.head}
	if l.head != nilIdx {
		m.pages[l.head].lru.prev = i
	} else {
		l.tail = i
	}
	l.head = i
	l.n++
}

func (m *Memmap) PushBack(l *PageList, p *Page) {
	i := m.idx(p)
	p.lru = listLink{prev: l.tail, next: nilIdx}
	if l.tail != nilIdx {
		m.pages[l.tail].lru.next = i
	} else {
		l.head = i
	}
	l.tail = i
	l.n++
}

// Remove unlinks p, which must be on l.
func (m *Memmap) Remove(l *PageList, p *Page) {
	if p.lru.prev != nilIdx {
		m.pages[p.lru.prev].lru.next = p.lru.next
	} else {
		l.head = p.lru.next
	}
	if p.lru.next != nilIdx {
		m.pages[p.lru.next].lru.prev = p.lru.prev
	} else {
		l.tail = p.lru.prev
	}
	p.lru = listLink{nilIdx, nilIdx}
	l.n--
}

func (m *Memmap) Front(l *PageList) *Page { return m.at(l.head) }
func (m *Memmap) Back(l *PageList) *Page  { return m.at(l.tail) }

// Next returns the page after p on its list.
func (m *Memmap) Next(p *Page) *Page { return m.at(p.lru.next) }
