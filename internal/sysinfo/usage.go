package sysinfo

import (
	"os"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/process"
)

// CanCreateOnShm reports whether the shm mount has room for size
// bytes at the given path. Paths outside the mount always pass; the
// filesystem backing them enforces its own limits.
func CanCreateOnShm(size uint64, path string) bool {
	if runtime.GOOS != "linux" || !strings.HasPrefix(path, ShmMountPoint) {
		return true
	}
	usage, err := disk.Usage(ShmMountPoint)
	if err != nil {
		return true
	}
	return usage.Free >= size
}

// ProcessPageFaults samples the calling process's cumulative fault
// count (minor + major). Segments diff two samples to approximate
// their own fault activity; 0 on platforms without the counter.
func ProcessPageFaults() uint64 {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return 0
	}
	pf, err := p.PageFaults()
	if err != nil || pf == nil {
		return 0
	}
	return pf.MinorFaults + pf.MajorFaults
}
