package kmem

import (
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/shenjiangwei/kmem/arch"
	"github.com/shenjiangwei/kmem/buddy"
	"github.com/shenjiangwei/kmem/klog"
	"github.com/shenjiangwei/kmem/memblock"
	"github.com/shenjiangwei/kmem/percpu"
	"github.com/shenjiangwei/kmem/slab"
	"github.com/shenjiangwei/kmem/vmalloc"
)

const (
	KB = 1024
	MB = 1024 * KB
	GB = 1024 * MB

	// DRAMBase is where RAM starts on the virt board
	DRAMBase = 0x40000000
)

// Config describes the machine and the knobs of every layer.
type Config struct {
	// MemBase and MemSize bound the RAM handed to memblock
	MemBase, MemSize uint64
	// KernelSize bytes at MemBase hold the kernel image
	KernelSize uint64
	// Reserved ranges are kept from the page allocator, as the device tree
	// and initrd are
	Reserved []memblock.Region
	NrCPUs   int
	// MemLimit caps usable memory, as mem= does
	MemLimit uint64
	LogLevel klog.LogLevel

	Memblock memblock.Config
	Buddy    buddy.Config
	Percpu   percpu.Config
	Slab     slab.Config
	Vmalloc  vmalloc.Config
}

// DefaultConfig returns a 4-CPU machine with 128M of RAM.
func DefaultConfig() Config {
	return Config{
		MemBase:    DRAMBase,
		MemSize:    128 * MB,
		KernelSize: 4 * MB,
		NrCPUs:     4,
		LogLevel:   klog.LogLevelInfo,
		Memblock:   memblock.DefaultConfig(),
		Buddy:      buddy.DefaultConfig(),
		Percpu:     percpu.DefaultConfig(),
		Slab:       slab.DefaultConfig(),
		Vmalloc:    vmalloc.DefaultConfig(),
	}
}

// Memparse parses a size with an optional K, M or G suffix.
func Memparse(s string) (uint64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, errors.Wrap(ErrBadParam, "empty size")
	}
	shift := 0
	switch s[len(s)-1] {
	case 'G', 'g':
		shift = 30
	case 'M', 'm':
		shift = 20
	case 'K', 'k':
		shift = 10
	}
	if shift != 0 {
		s = s[:len(s)-1]
	}
	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, errors.Wrapf(ErrBadParam, "size %q", s)
	}
	if n > ^uint64(0)>>shift {
		return 0, errors.Wrapf(ErrBadParam, "size %q overflows", s)
	}
	return n << shift, nil
}

// ParseCmdline applies the boot parameters in cmdline to cfg. Unknown
// parameters are ignored and malformed values are reported and skipped.
func ParseCmdline(cfg *Config, cmdline string) {
	for _, field := range strings.Fields(cmdline) {
		key, val, _ := strings.Cut(field, "=")
		if err := cfg.applyParam(key, val); err != nil {
			klog.Warn("Malformed early option '%s': %v", field, err)
		}
	}
}

func parseInt(val string, lo, hi int) (int, error) {
	n, err := strconv.Atoi(val)
	if err != nil || n < lo || n > hi {
		return 0, errors.Wrapf(ErrBadParam, "%q not in [%d, %d]", val, lo, hi)
	}
	return n, nil
}

func (cfg *Config) applyParam(key, val string) error {
	switch key {
	case "mem":
		limit, err := Memparse(val)
		if err != nil {
			return err
		}
		cfg.MemLimit = arch.PageAlign(limit)
	case "memblock":
		if val != "debug" {
			return errors.Wrapf(ErrBadParam, "memblock=%s", val)
		}
		cfg.Memblock.Debug = true
	case "slub_min_order":
		n, err := parseInt(val, 0, arch.MaxOrder-1)
		if err != nil {
			return err
		}
		cfg.Slab.MinOrder = n
	case "slub_max_order":
		n, err := parseInt(val, 0, arch.MaxOrder-1)
		if err != nil {
			return err
		}
		cfg.Slab.MaxOrder = n
	case "slub_min_objects":
		n, err := parseInt(val, 0, 1<<15)
		if err != nil {
			return err
		}
		cfg.Slab.MinObjects = n
	case "slub_nomerge":
		cfg.Slab.NoMerge = true
	case "slub_debug":
		// only poisoning is supported; a bare slub_debug enables it too
		if val != "" && !strings.ContainsAny(val, "Pp") {
			return errors.Wrapf(ErrBadParam, "slub_debug=%s", val)
		}
		cfg.Slab.Debug |= slab.FlagPoison
	case "loglevel":
		l, err := klog.ParseLevel(val)
		if err != nil {
			return errors.Mark(err, ErrBadParam)
		}
		cfg.LogLevel = l
	case "nr_cpus":
		n, err := parseInt(val, 1, arch.NrCPUs)
		if err != nil {
			return err
		}
		cfg.NrCPUs = n
	}
	return nil
}
