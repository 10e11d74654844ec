package rpc

import (
	"net/rpc"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/shenjiangwei/kmem/kmem"
)

// Client represents an allocation client
type Client struct {
	id        int
	client    *rpc.Client
	allocated map[uint64]uint64 // addr -> size
	mu        sync.Mutex
}

// NewClient connects to the server at address.
func NewClient(id int, address string) (*Client, error) {
	client, err := rpc.Dial("tcp", address)
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to server")
	}

	return &Client{
		id:        id,
		client:    client,
		allocated: make(map[uint64]uint64),
	}, nil
}

func (c *Client) ID() int { return c.id }

func (c *Client) call(method string, req, resp interface{}) error {
	if err := c.client.Call(ServiceName+"."+method, req, resp); err != nil {
		return errors.Wrapf(err, "RPC call %s failed", method)
	}
	return nil
}

func (c *Client) allocate(method string, req *AllocRequest) (uint64, error) {
	resp := &AllocResponse{}
	if err := c.call(method, req, resp); err != nil {
		return 0, err
	}
	if resp.Error != "" {
		return 0, errors.Newf("server error: %s", resp.Error)
	}

	c.mu.Lock()
	c.allocated[resp.Addr] = resp.Size
	c.mu.Unlock()

	return resp.Addr, nil
}

func (c *Client) Kmalloc(size uint64, zero bool) (uint64, error) {
	return c.allocate("Kmalloc", &AllocRequest{Size: size, Zero: zero})
}

func (c *Client) Vmalloc(size uint64, zero bool) (uint64, error) {
	return c.allocate("Vmalloc", &AllocRequest{Size: size, Zero: zero})
}

// AllocPages allocates 2^order pages and returns their linear address.
func (c *Client) AllocPages(order int, zero bool) (uint64, error) {
	return c.allocate("AllocPages", &AllocRequest{Order: order, Zero: zero})
}

// Free frees an allocation made by any of the allocating calls.
func (c *Client) Free(addr uint64) error {
	resp := &FreeResponse{}
	if err := c.call("Free", &FreeRequest{Addr: addr}, resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return errors.Newf("server error: %s", resp.Error)
	}

	c.mu.Lock()
	delete(c.allocated, addr)
	c.mu.Unlock()

	return nil
}

func (c *Client) Read(addr, off, n uint64) ([]byte, error) {
	resp := &ReadResponse{}
	if err := c.call("Read", &ReadRequest{Addr: addr, Offset: off, Len: n}, resp); err != nil {
		return nil, err
	}
	if resp.Error != "" {
		return nil, errors.Newf("server error: %s", resp.Error)
	}
	return resp.Data, nil
}

func (c *Client) Write(addr, off uint64, data []byte) error {
	resp := &WriteResponse{}
	if err := c.call("Write", &WriteRequest{Addr: addr, Offset: off, Data: data}, resp); err != nil {
		return err
	}
	if resp.Error != "" {
		return errors.Newf("server error: %s", resp.Error)
	}
	return nil
}

// Info fetches the server's JSON dump and usage summary.
func (c *Client) Info() ([]byte, kmem.Usage, error) {
	resp := &InfoResponse{}
	if err := c.call("Info", &InfoRequest{ClientID: c.id}, resp); err != nil {
		return nil, kmem.Usage{}, err
	}
	return resp.JSON, resp.Usage, nil
}

// Allocated returns the number of allocations this client still holds.
func (c *Client) Allocated() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.allocated)
}

// FreeAll frees everything this client still holds.
func (c *Client) FreeAll() error {
	c.mu.Lock()
	addrs := make([]uint64, 0, len(c.allocated))
	for addr := range c.allocated {
		addrs = append(addrs, addr)
	}
	c.mu.Unlock()

	var errs error
	for _, addr := range addrs {
		if err := c.Free(addr); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	return errs
}

// Close closes the client connection
func (c *Client) Close() error {
	return c.client.Close()
}
