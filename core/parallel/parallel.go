// Package parallel provides a chunked goroutine helper for per-element batch
// work: loss reduction, selection mask building and tile serialization all
// run independently per batch element, so they can be split across cores
// without shared mutable state.
package parallel

import (
	"runtime"
	"sync"
)

// Parallelize divides items across the available CPU cores and executes fn
// for each contiguous range (start, end). fn must not share mutable state
// between ranges; Parallelize returns after all ranges complete.
func Parallelize(items int, fn func(start, end int)) {
	if items == 0 {
		return
	}

	numWorkers := runtime.NumCPU()
	if numWorkers > items {
		numWorkers = items
	}

	// Ceiling division so every item is covered.
	chunkSize := (items + numWorkers - 1) / numWorkers

	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		start := i * chunkSize
		end := start + chunkSize
		if end > items {
			end = items
		}
		if start >= end {
			continue
		}

		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(start, end)
	}
	wg.Wait()
}

// ForEach runs fn once per index in [0, items), parallel across cores.
func ForEach(items int, fn func(i int)) {
	Parallelize(items, func(start, end int) {
		for i := start; i < end; i++ {
			fn(i)
		}
	})
}
