//go:build linux

// File: internal/concurrency/affinity_linux.go
// Author: momentics <momentics@gmail.com>
//
// Linux-specific implementation using sched_setaffinity and setpriority on the
// calling thread id.

package concurrency

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// maxCPUs is the number of CPUs a unix.CPUSet can describe.
const maxCPUs = int(unsafe.Sizeof(unix.CPUSet{})) * 8

func platformSetAffinity(cpus []int) error {
	var set unix.CPUSet
	set.Zero()
	for _, cpu := range cpus {
		if cpu < 0 || cpu >= maxCPUs {
			return fmt.Errorf("affinity: cpu %d out of range [0,%d)", cpu, maxCPUs)
		}
		set.Set(cpu)
	}
	// pid 0 targets the calling thread
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		return fmt.Errorf("affinity: sched_setaffinity: %w", err)
	}
	return nil
}

func platformSetPriority(nice int) error {
	if err := unix.Setpriority(unix.PRIO_PROCESS, unix.Gettid(), nice); err != nil {
		return fmt.Errorf("affinity: setpriority(%d): %w", nice, err)
	}
	return nil
}

// CurrentThreadAffinity returns the CPUs the calling thread may run on.
func CurrentThreadAffinity() ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, err
	}
	n := set.Count()
	cpus := make([]int, 0, n)
	for i := 0; i < maxCPUs && len(cpus) < n; i++ {
		if set.IsSet(i) {
			cpus = append(cpus, i)
		}
	}
	return cpus, nil
}
