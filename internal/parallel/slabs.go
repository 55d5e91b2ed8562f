// Package parallel splits per-voxel loops across CPU cores.
package parallel

import (
	"runtime"
	"sync"
)

// Slabs splits [0, n) into contiguous ranges, one per CPU core, and runs fn
// on each range concurrently. fn must only write state owned by its range.
func Slabs(n int, fn func(lo, hi int)) {
	if n <= 0 {
		return
	}
	workers := runtime.NumCPU()
	if workers > n {
		workers = n
	}
	if workers <= 1 {
		fn(0, n)
		return
	}

	var wg sync.WaitGroup
	chunk := (n + workers - 1) / workers
	for lo := 0; lo < n; lo += chunk {
		hi := lo + chunk
		if hi > n {
			hi = n
		}
		wg.Add(1)
		go func(lo, hi int) {
			defer wg.Done()
			fn(lo, hi)
		}(lo, hi)
	}
	wg.Wait()
}

// Count runs fn over slabs of [0, n) and returns the sum of the per-slab
// counts. The sum is independent of scheduling.
func Count(n int, fn func(lo, hi int) int) int {
	var mu sync.Mutex
	total := 0
	Slabs(n, func(lo, hi int) {
		c := fn(lo, hi)
		mu.Lock()
		total += c
		mu.Unlock()
	})
	return total
}
