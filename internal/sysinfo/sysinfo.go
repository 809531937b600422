// Package sysinfo probes host memory-sharing capabilities: hugepage
// sizes, the POSIX shared-memory mount, and NUMA topology. Detection
// runs once and is cached for the process lifetime.
package sysinfo

import (
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const (
	hugepagesDir = "/sys/kernel/mm/hugepages"
	thpEnabled   = "/sys/kernel/mm/transparent_hugepage/enabled"
	numaNodesDir = "/sys/devices/system/node"

	// ShmMountPoint is where named POSIX shared-memory objects live.
	ShmMountPoint = "/dev/shm"
)

// Capabilities describes what the host can back segments with.
type Capabilities struct {
	HugepageSizes        []int // bytes, largest first; empty when unsupported
	TransparentHugepages bool
	ShmAvailable         bool
	NUMANodes            []int // always at least [0]
}

var (
	detectOnce sync.Once
	detected   Capabilities
)

// Detect returns the cached host capabilities.
func Detect() Capabilities {
	detectOnce.Do(func() {
		detected = Capabilities{
			HugepageSizes:        hugepageSizes(),
			TransparentHugepages: transparentHugepages(),
			ShmAvailable:         dirExists(ShmMountPoint),
			NUMANodes:            numaNodes(),
		}
	})
	return detected
}

// DefaultHugepageSize returns the preferred hugepage size, or 0 when
// the host has none configured.
func DefaultHugepageSize() int {
	sizes := Detect().HugepageSizes
	if len(sizes) == 0 {
		return 0
	}
	// Prefer the smallest configured size (typically 2 MiB); the
	// largest sizes (1 GiB) rarely have pages reserved.
	return sizes[len(sizes)-1]
}

func hugepageSizes() []int {
	entries, err := os.ReadDir(hugepagesDir)
	if err != nil {
		return nil
	}
	var sizes []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "hugepages-") || !strings.HasSuffix(name, "kB") {
			continue
		}
		kb, err := strconv.Atoi(name[len("hugepages-") : len(name)-2])
		if err != nil {
			continue
		}
		sizes = append(sizes, kb*1024)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(sizes)))
	return sizes
}

func transparentHugepages() bool {
	b, err := os.ReadFile(thpEnabled)
	if err != nil {
		return false
	}
	s := string(b)
	return strings.Contains(s, "[always]") || strings.Contains(s, "[madvise]")
}

func numaNodes() []int {
	entries, err := os.ReadDir(numaNodesDir)
	if err != nil {
		return []int{0}
	}
	var nodes []int
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "node") {
			continue
		}
		n, err := strconv.Atoi(name[len("node"):])
		if err != nil {
			continue
		}
		nodes = append(nodes, n)
	}
	if len(nodes) == 0 {
		return []int{0}
	}
	sort.Ints(nodes)
	return nodes
}

func dirExists(path string) bool {
	fi, err := os.Stat(path)
	return err == nil && fi.IsDir()
}
