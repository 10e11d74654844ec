package buddy

import (
	"fmt"
	"strings"

	"github.com/launchdarkly/go-jsonstream/v3/jwriter"

	"github.com/shenjiangwei/kmem/arch"
	"github.com/shenjiangwei/kmem/klog"
)

// freeAreaSnapshot returns the per-order free block counts of z.
func (z *Zone) freeAreaSnapshot() [arch.MaxOrder]uint64 {
	var nr [arch.MaxOrder]uint64
	z.mu.Lock()
	for o := range z.freeArea {
		nr[o] = z.freeArea[o].nrFree
	}
	z.mu.Unlock()
	return nr
}

// ShowFreeAreas logs each zone's free blocks per order, buddyinfo style.
func (a *Allocator) ShowFreeAreas() {
	for i := range a.zones {
		z := &a.zones[i]
		if !z.Populated() {
			continue
		}
		nr := z.freeAreaSnapshot()
		var sb strings.Builder
		var total uint64
		for o, n := range nr {
			fmt.Fprintf(&sb, "%d*%dkB ", n, arch.PageSize>>10<<o)
			total += n << o
		}
		klog.Info("Node 0 %s: %s= %dkB", z.name, sb.String(), total*arch.PageSize>>10)
	}
}

// WriteInfo emits zone statistics and free area counts as fields of obj.
func (a *Allocator) WriteInfo(obj *jwriter.ObjectState) {
	obj.Name("total_ram_pages").Int(int(a.TotalRAMPages()))
	obj.Name("free_pages").Int(int(a.NrFreePages()))
	obj.Name("bad_pages").Int(int(a.BadPages()))
	arr := obj.Name("zones").Array()
	for i := range a.zones {
		z := &a.zones[i]
		zo := arr.Object()
		zo.Name("name").String(z.name)
		zo.Name("start_pfn").String(fmt.Sprintf("%#x", z.startPFN))
		zo.Name("spanned").Int(int(z.spanned))
		zo.Name("present").Int(int(z.present))
		zo.Name("managed").Int(int(z.ManagedPages()))
		zo.Name("free").Int(int(z.FreePages()))
		if z.Populated() {
			nr := z.freeAreaSnapshot()
			fa := zo.Name("nr_free").Array()
			for _, n := range nr {
				fa.Int(int(n))
			}
			fa.End()
			pa := zo.Name("pagesets").Array()
			for cpu := 0; cpu < a.nrCPUs; cpu++ {
				pcp := z.pageset.Ptr(cpu)
				pcp.mu.Lock()
				count, high, batch := pcp.count, pcp.high, pcp.batch
				pcp.mu.Unlock()
				po := pa.Object()
				po.Name("cpu").Int(cpu)
				po.Name("count").Int(count)
				po.Name("high").Int(high)
				po.Name("batch").Int(batch)
				po.End()
			}
			pa.End()
		}
		zo.End()
	}
	arr.End()
}
