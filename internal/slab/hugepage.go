package slab

import (
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// HugePagesAvailable reports whether the kernel has any huge pages
// reserved, per /proc/sys/vm/nr_hugepages. Used to decide whether Arena
// mmaps with MAP_HUGETLB or falls back to a plain anonymous mapping.
func HugePagesAvailable() bool {
	raw, err := os.ReadFile("/proc/sys/vm/nr_hugepages")
	if err != nil {
		return false
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return false
	}
	return n > 0
}

// mmapArena reserves size bytes of anonymous memory, preferring huge pages
// when the kernel has some reserved. A huge-page mapping that fails (pool
// exhausted) falls back to a regular mapping rather than erroring out.
func mmapArena(size int) ([]byte, error) {
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	if HugePagesAvailable() {
		region, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, flags|unix.MAP_HUGETLB)
		if err == nil {
			return region, nil
		}
	}
	return unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, flags)
}
