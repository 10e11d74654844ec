package vmalloc

import (
	"github.com/shenjiangwei/kmem/klog"
)

// vfreeDeferred queues the frees requested from contexts that may not sleep.
type vfreeDeferred struct {
	reqs chan uint64
}

func (a *Allocator) startWorkers() {
	a.stopChan = make(chan struct{})
	a.deferred.Each(func(cpu int, d *vfreeDeferred) {
		d.reqs = make(chan uint64, a.cfg.DeferredQueue)
		a.workers.Add(1)
		go a.run(cpu, d)
	})
}

// run releases the areas queued on cpu.
func (a *Allocator) run(cpu int, d *vfreeDeferred) {
	defer a.workers.Done()
	for {
		select {
		case addr := <-d.reqs:
			a.vunmap(cpu, addr, true)
			a.pending.Done()
		case <-a.stopChan:
			return
		}
	}
}

// VfreeDeferred hands addr to cpu's worker. When the queue is full or the
// allocator is closed the area is freed at once.
func (a *Allocator) VfreeDeferred(cpu int, addr uint64) {
	if addr == 0 {
		return
	}
	a.closeMu.RLock()
	if !a.closed {
		a.pending.Add(1)
		select {
		case a.deferred.Ptr(cpu).reqs <- addr:
			a.closeMu.RUnlock()
			return
		default:
			a.pending.Done()
		}
	}
	a.closeMu.RUnlock()
	a.vunmap(cpu, addr, true)
}

// FlushDeferred waits until every queued free has completed.
func (a *Allocator) FlushDeferred() { a.pending.Wait() }

// Close stops the deferred free workers and frees what they left queued.
func (a *Allocator) Close() {
	a.closeMu.Lock()
	if a.closed {
		a.closeMu.Unlock()
		return
	}
	a.closed = true
	a.closeMu.Unlock()

	close(a.stopChan)
	a.workers.Wait()
	n := 0
	a.deferred.Each(func(cpu int, d *vfreeDeferred) {
		for {
			select {
			case addr := <-d.reqs:
				a.vunmap(cpu, addr, true)
				a.pending.Done()
				n++
			default:
				return
			}
		}
	})
	klog.Debug("vmalloc: closed with %d deferred frees drained", n)
}
