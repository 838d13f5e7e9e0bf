package analysis

import (
	"sync"
	"sync/atomic"

	"sharpctl/internal/model"
)

// ProgressFunc receives coarse pass progress: fraction in [0,1] plus a status
// line. The final 1.0 call happens only when a pass completes without being
// cancelled. Implementations must be fast and non-blocking; invocations are
// serialized for them.
type ProgressFunc func(fraction float64, status string)

// SampleFunc receives each admitted sample of the full-video pass, in
// chronological order. Never invoked concurrently with itself.
type SampleFunc func(sample model.FrameSample)

// WindowFunc receives live state of the best-frame search: window bounds, the
// instant currently being scanned and the best candidate so far. A final call
// with all five fields zero marks the end of the search pass.
type WindowFunc func(windowStart, windowEnd, currentTime, bestTime, bestSharpness float64)

// progressReporter coalesces per-unit completions into throttled, serialized
// progress callbacks.
type progressReporter struct {
	cb     ProgressFunc
	status string
	total  int64
	every  int64
	done   atomic.Int64
	mu     sync.Mutex
}

func newProgressReporter(cb ProgressFunc, status string, total, every int) *progressReporter {
	return &progressReporter{cb: cb, status: status, total: int64(total), every: int64(every)}
}

// unitDone records one completed unit and reports every Nth completion plus
// the last one.
func (r *progressReporter) unitDone() {
	done := r.done.Add(1)
	if r.cb == nil || r.total == 0 {
		return
	}
	if done%r.every != 0 && done != r.total {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cb(float64(done)/float64(r.total), r.status)
}

// finish emits the terminal 100% report.
func (r *progressReporter) finish(status string) {
	if r.cb == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cb(1.0, status)
}
