//go:build !linux

// File: internal/concurrency/affinity_other.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0

package concurrency

func platformSetAffinity(cpus []int) error {
	return ErrNotSupported
}

func platformSetPriority(nice int) error {
	return ErrNotSupported
}

// CurrentThreadAffinity is not available on this platform.
func CurrentThreadAffinity() ([]int, error) {
	return nil, ErrNotSupported
}
