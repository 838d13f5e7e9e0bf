package analysis

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// runParallel fans n independent units out over the worker pool. Workers pull
// indices from a shared channel, so faster workers absorb more units. Each
// worker mints its own decode handle at startup and releases it on shutdown;
// decode state is never shared between workers.
//
// A worker that cannot open a handle only shrinks the pool. The pass fails
// when no worker at all could open one, since every unit would otherwise be
// silently skipped.
func (a *Analyzer) runParallel(ctx context.Context, n int, unit func(src FrameSource, idx int)) error {
	if n == 0 {
		return nil
	}

	indices := make(chan int, n)
	for i := 0; i < n; i++ {
		indices <- i
	}
	close(indices)

	workers := a.workers
	if workers > n {
		workers = n
	}

	var wg sync.WaitGroup
	var started atomic.Int32
	var openOnce sync.Once
	var openErr error
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			src, err := a.open()
			if err != nil {
				a.log.Error("worker %d: opening decode handle: %v", id, err)
				openOnce.Do(func() { openErr = err })
				return
			}
			defer src.Close()
			started.Add(1)

			for idx := range indices {
				if ctx.Err() != nil {
					// Drain remaining indices; their slots keep the sentinel.
					continue
				}
				unit(src, idx)
			}
		}(w)
	}
	wg.Wait()

	if started.Load() == 0 {
		return fmt.Errorf("no worker could open a decode handle: %w", openErr)
	}
	return nil
}
