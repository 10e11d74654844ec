// Package rpc exports the allocation API of a booted kmem.System over
// net/rpc so that remote clients can drive it.
package rpc

import (
	"net"
	"net/rpc"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/shenjiangwei/kmem/arch"
	"github.com/shenjiangwei/kmem/buddy"
	"github.com/shenjiangwei/kmem/klog"
	"github.com/shenjiangwei/kmem/kmem"
	"github.com/shenjiangwei/kmem/mpool"
)

// ServiceName is the net/rpc name the allocator is registered under.
const ServiceName = "Kmem"

// Kmalloc requests of up to ReserveObjectSize bytes are served through a
// pool that holds ReserveObjects objects back for when the slab runs dry.
const (
	ReserveObjectSize = 256
	ReserveObjects    = 16
)

var (
	ErrUnknownAddr = errors.New("address not allocated through this server")
	ErrOutOfRange  = errors.New("access outside the allocation")
	ErrHalted      = errors.New("allocator halted")
	ErrClosed      = errors.New("server closed")
)

type kind uint8

const (
	kindKmalloc kind = iota
	kindVmalloc
	kindPages
	kindReserve
)

type allocation struct {
	kind  kind
	size  uint64
	order int
}

// Server represents the allocation server
type Server struct {
	sys *kmem.System
	rpc *rpc.Server

	// cpus hands each in-flight request a CPU of its own
	cpus    chan kmem.CPU
	reserve *mpool.MemoryPool

	mu       sync.Mutex
	owned    map[uint64]allocation
	listener net.Listener
	closed   bool
	halted   atomic.Bool
}

// AllocRequest represents an allocation request. Order is used by
// AllocPages only.
type AllocRequest struct {
	Size  uint64
	Order int
	Zero  bool
}

// AllocResponse represents an allocation response
type AllocResponse struct {
	Addr  uint64
	Size  uint64
	Error string
}

// FreeRequest represents a free request
type FreeRequest struct {
	Addr uint64
}

// FreeResponse represents a free response
type FreeResponse struct {
	Error string
}

// ReadRequest reads Len bytes at Offset into the allocation at Addr.
type ReadRequest struct {
	Addr   uint64
	Offset uint64
	Len    uint64
}

// ReadResponse carries the bytes read.
type ReadResponse struct {
	Data  []byte
	Error string
}

// WriteRequest writes Data at Offset into the allocation at Addr.
type WriteRequest struct {
	Addr   uint64
	Offset uint64
	Data   []byte
}

// WriteResponse reports the outcome of a write.
type WriteResponse struct {
	Error string
}

// InfoRequest names the asking client in the server log.
type InfoRequest struct {
	ClientID int
}

// InfoResponse carries the JSON dump of every layer, a usage summary and
// the counters of the kmalloc reserve.
type InfoResponse struct {
	JSON    []byte
	Usage   kmem.Usage
	Reserve mpool.PoolStats
}

// NewServer creates a server for sys. sys must outlive the server.
func NewServer(sys *kmem.System) (*Server, error) {
	s := &Server{
		sys:   sys,
		rpc:   rpc.NewServer(),
		cpus:  make(chan kmem.CPU, sys.NrCPUs()),
		owned: make(map[uint64]allocation),
	}
	for i := 0; i < sys.NrCPUs(); i++ {
		c, err := sys.CPU(i)
		if err != nil {
			return nil, err
		}
		s.cpus <- c
	}
	reserve, err := mpool.NewKmallocPool(0, ReserveObjects, sys.Slab(), ReserveObjectSize)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create the kmalloc reserve")
	}
	s.reserve = reserve
	if err := s.rpc.RegisterName(ServiceName, &Service{s: s}); err != nil {
		return nil, errors.Wrap(err, "failed to register service")
	}
	return s, nil
}

// Start listens on address and serves until Close.
func (s *Server) Start(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return errors.Wrap(err, "failed to start server")
	}
	return s.Serve(listener)
}

// Serve accepts connections on l until Close.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		l.Close()
		return ErrClosed
	}
	s.listener = l
	s.mu.Unlock()

	klog.Info("Server listening on %s", l.Addr())
	for {
		conn, err := l.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				klog.Warn("Failed to accept connection: %v", err)
				continue
			}
			return errors.Wrap(err, "accept")
		}
		go s.rpc.ServeConn(conn)
	}
}

// Addr returns the listening address, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Close stops accepting connections and frees everything clients left
// allocated.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	l := s.listener
	owned := s.owned
	s.owned = make(map[uint64]allocation)
	s.mu.Unlock()

	var err error
	if l != nil {
		err = l.Close()
	}
	if s.halted.Load() {
		return err
	}
	if len(owned) > 0 {
		klog.Info("Server closing: releasing %d allocations", len(owned))
	}
	s.withCPU(func(c kmem.CPU) error {
		for addr, a := range owned {
			s.release(c, addr, a)
		}
		s.reserve.Destroy(c.ID())
		return nil
	})
	return err
}

// ReserveStats returns the counters of the kmalloc reserve.
func (s *Server) ReserveStats() mpool.PoolStats {
	return s.reserve.Stats()
}

// Outstanding returns the number of live allocations made through s.
func (s *Server) Outstanding() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.owned)
}

// withCPU runs fn on a leased CPU. A halt inside fn stops the server from
// touching the allocator again.
func (s *Server) withCPU(fn func(c kmem.CPU) error) (err error) {
	if s.halted.Load() {
		return ErrHalted
	}
	c := <-s.cpus
	defer func() { s.cpus <- c }()
	defer func() {
		if r := recover(); r != nil {
			h, ok := klog.AsHalt(r)
			if !ok {
				panic(r)
			}
			s.halted.Store(true)
			err = errors.Wrap(h, "allocator halted")
		}
	}()
	return fn(c)
}

func (s *Server) track(addr uint64, a allocation) {
	s.mu.Lock()
	s.owned[addr] = a
	s.mu.Unlock()
}

func (s *Server) untrack(addr uint64) (allocation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.owned[addr]
	if !ok {
		return allocation{}, errors.Wrapf(ErrUnknownAddr, "%#x", addr)
	}
	delete(s.owned, addr)
	return a, nil
}

func (s *Server) lookup(addr, off, n uint64) error {
	s.mu.Lock()
	a, ok := s.owned[addr]
	s.mu.Unlock()
	if !ok {
		return errors.Wrapf(ErrUnknownAddr, "%#x", addr)
	}
	if off > a.size || n > a.size-off {
		return errors.Wrapf(ErrOutOfRange, "[%d, +%d) of %d bytes", off, n, a.size)
	}
	return nil
}

func (s *Server) release(c kmem.CPU, addr uint64, a allocation) {
	switch a.kind {
	case kindReserve:
		s.reserve.Free(c.ID(), addr)
	case kindKmalloc:
		c.Kfree(addr)
	case kindVmalloc:
		c.Vfree(addr)
	case kindPages:
		c.FreePagesAddr(addr, a.order)
	}
}

func gfp(zero bool) buddy.GFP {
	if zero {
		return buddy.GFPKernel | buddy.GFPZero
	}
	return buddy.GFPKernel
}

// Service holds the exported RPC methods.
type Service struct {
	s *Server
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// Kmalloc serves small requests from the reserve pool once the slab fails.
func (v *Service) Kmalloc(req *AllocRequest, resp *AllocResponse) error {
	resp.Error = errString(v.s.withCPU(func(c kmem.CPU) error {
		if req.Size > 0 && req.Size <= ReserveObjectSize {
			addr, err := v.s.reserve.Allocate(c.ID(), gfp(req.Zero))
			if err != nil {
				return err
			}
			// objects taken from the reserve carry whatever the last user left
			if req.Zero {
				v.s.sys.WriteAt(addr, make([]byte, req.Size))
			}
			v.s.track(addr, allocation{kind: kindReserve, size: req.Size})
			resp.Addr, resp.Size = addr, req.Size
			return nil
		}
		addr, err := c.Kmalloc(req.Size, gfp(req.Zero))
		if err != nil {
			return err
		}
		v.s.track(addr, allocation{kind: kindKmalloc, size: req.Size})
		resp.Addr, resp.Size = addr, req.Size
		return nil
	}))
	return nil
}

func (v *Service) Vmalloc(req *AllocRequest, resp *AllocResponse) error {
	resp.Error = errString(v.s.withCPU(func(c kmem.CPU) error {
		alloc := c.Vmalloc
		if req.Zero {
			alloc = c.Vzalloc
		}
		addr, err := alloc(req.Size)
		if err != nil {
			return err
		}
		v.s.track(addr, allocation{kind: kindVmalloc, size: req.Size})
		resp.Addr, resp.Size = addr, req.Size
		return nil
	}))
	return nil
}

func (v *Service) AllocPages(req *AllocRequest, resp *AllocResponse) error {
	resp.Error = errString(v.s.withCPU(func(c kmem.CPU) error {
		addr, err := c.GetFreePages(gfp(req.Zero), req.Order)
		if err != nil {
			return err
		}
		size := uint64(arch.PageSize) << req.Order
		v.s.track(addr, allocation{kind: kindPages, size: size, order: req.Order})
		resp.Addr, resp.Size = addr, size
		return nil
	}))
	return nil
}

// Free releases an allocation of any kind.
func (v *Service) Free(req *FreeRequest, resp *FreeResponse) error {
	a, err := v.s.untrack(req.Addr)
	if err != nil {
		resp.Error = err.Error()
		return nil
	}
	resp.Error = errString(v.s.withCPU(func(c kmem.CPU) error {
		v.s.release(c, req.Addr, a)
		return nil
	}))
	return nil
}

func (v *Service) Read(req *ReadRequest, resp *ReadResponse) error {
	if err := v.s.lookup(req.Addr, req.Offset, req.Len); err != nil {
		resp.Error = err.Error()
		return nil
	}
	resp.Error = errString(v.s.withCPU(func(kmem.CPU) error {
		resp.Data = make([]byte, req.Len)
		v.s.sys.ReadAt(req.Addr+req.Offset, resp.Data)
		return nil
	}))
	return nil
}

func (v *Service) Write(req *WriteRequest, resp *WriteResponse) error {
	if err := v.s.lookup(req.Addr, req.Offset, uint64(len(req.Data))); err != nil {
		resp.Error = err.Error()
		return nil
	}
	resp.Error = errString(v.s.withCPU(func(kmem.CPU) error {
		v.s.sys.WriteAt(req.Addr+req.Offset, req.Data)
		return nil
	}))
	return nil
}

func (v *Service) Info(req *InfoRequest, resp *InfoResponse) error {
	klog.Debug("info requested by client %d", req.ClientID)
	return v.s.withCPU(func(kmem.CPU) error {
		resp.JSON = v.s.sys.InfoJSON()
		resp.Usage = v.s.sys.Usage()
		resp.Reserve = v.s.reserve.Stats()
		return nil
	})
}
