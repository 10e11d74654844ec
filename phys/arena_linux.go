//go:build linux

package phys

import (
	"golang.org/x/sys/unix"
)

// mapArena reserves anonymous memory; pages are only populated on first touch.
func mapArena(size uint64) ([]byte, func() error, error) {
	raw, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_NORESERVE)
	if err != nil {
		return nil, nil, err
	}
	return raw, func() error { return unix.Munmap(raw) }, nil
}
