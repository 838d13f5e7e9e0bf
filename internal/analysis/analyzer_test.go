package analysis

import (
	"context"
	"errors"
	"math"
	"sort"
	"sync"
	"testing"
	"time"

	"sharpctl/internal/logger"
	"sharpctl/internal/model"

	"gocv.io/x/gocv"
)

// ========================================
// Test Setup Helpers
// ========================================

// recorder collects what the fake decode handles were asked for.
type recorder struct {
	mu     sync.Mutex
	visits []float64
}

func (r *recorder) add(t float64) {
	r.mu.Lock()
	r.visits = append(r.visits, t)
	r.mu.Unlock()
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.visits)
}

// fakeHandle is one worker's decode handle onto a synthetic video. Frames are
// 8x8 gray mats whose pixel value encodes round(t*10), so a test score
// function can recover the timestamp from the pixels alone.
type fakeHandle struct {
	rec   *recorder
	fail  func(t float64) bool
	delay func(t float64) time.Duration
}

func (f *fakeHandle) FrameAt(t float64, dst *gocv.Mat) bool {
	if f.rec != nil {
		f.rec.add(t)
	}
	if f.delay != nil {
		time.Sleep(f.delay(t))
	}
	if f.fail != nil && f.fail(t) {
		return false
	}
	val := math.Round(t * 10)
	m := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(val, 0, 0, 0), 8, 8, gocv.MatTypeCV8U)
	defer m.Close()
	m.CopyTo(dst)
	return true
}

func (f *fakeHandle) Close() error { return nil }

// timeScore recovers the encoded timestamp value, making the "sharpness" of
// a synthetic frame strictly increase with its timestamp.
func timeScore(frame gocv.Mat, _ model.Algorithm) float64 {
	return float64(frame.GetUCharAt(0, 0)) + 1
}

func newTestAnalyzer(t *testing.T, duration float64, workers int, h func() *fakeHandle) *Analyzer {
	t.Helper()

	info := model.VideoInfo{
		Path:       "synthetic.mp4",
		Duration:   duration,
		FPS:        30,
		FrameCount: int(duration * 30),
		Width:      8,
		Height:     8,
	}
	a := New(info, func() (FrameSource, error) { return h(), nil }, logger.Discard(), workers)
	a.score = timeScore
	return a
}

func testParams() model.AnalysisParams {
	return model.AnalysisParams{
		IntervalSec:     3.0,
		SearchWindowSec: 0.5,
		SearchStepSec:   0.1,
		SampleStepSec:   0.1,
		Algorithm:       model.AlgorithmFFT,
	}
}

func assertChronological(t *testing.T, samples []model.FrameSample) {
	t.Helper()
	for i := 1; i < len(samples); i++ {
		if samples[i].Time <= samples[i-1].Time {
			t.Fatalf("samples out of order at %d: %.3f after %.3f", i, samples[i].Time, samples[i-1].Time)
		}
	}
}

// ========================================
// Grid Tests
// ========================================

func TestTimeGrid(t *testing.T) {
	tests := []struct {
		name     string
		duration float64
		step     float64
		want     []float64
	}{
		{"interval grid", 10, 3, []float64{0, 3, 6, 9}},
		{"exact fit", 9, 3, []float64{0, 3, 6, 9}},
		{"single point", 1, 2, []float64{0}},
		{"zero duration", 0, 1, []float64{0}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := timeGrid(tt.duration, tt.step)
			if len(got) != len(tt.want) {
				t.Fatalf("timeGrid(%v, %v) has %d points, want %d", tt.duration, tt.step, len(got), len(tt.want))
			}
			for i := range got {
				if math.Abs(got[i]-tt.want[i]) > 1e-6 {
					t.Errorf("point %d = %v, want %v", i, got[i], tt.want[i])
				}
			}
		})
	}
}

func TestTimeGridNoDrift(t *testing.T) {
	grid := timeGrid(10, 0.1)
	if len(grid) != 101 {
		t.Fatalf("expected 101 points, got %d", len(grid))
	}
	if math.Abs(grid[100]-10) > 1e-6 {
		t.Errorf("last point = %v, want 10", grid[100])
	}
}

// ========================================
// Full-Video Sampler Tests
// ========================================

func TestSampleVideoChronologicalOrder(t *testing.T) {
	// Early units sleep longest so completion order is inverted relative to
	// grid order; output order must not care.
	a := newTestAnalyzer(t, 3, 4, func() *fakeHandle {
		return &fakeHandle{delay: func(ts float64) time.Duration {
			return time.Duration(3000-ts*1000) * 30 * time.Microsecond
		}}
	})

	samples, err := a.SampleVideo(context.Background(), testParams(), nil, nil)
	if err != nil {
		t.Fatalf("SampleVideo failed: %v", err)
	}

	if len(samples) != 31 {
		t.Fatalf("expected 31 samples, got %d", len(samples))
	}
	assertChronological(t, samples)
	for _, s := range samples {
		if s.Sharpness < 0 {
			t.Errorf("sentinel score leaked into output at t=%.3f", s.Time)
		}
	}
}

func TestSampleVideoDropsFailedDecodes(t *testing.T) {
	a := newTestAnalyzer(t, 3, 2, func() *fakeHandle {
		return &fakeHandle{fail: func(ts float64) bool {
			return math.Abs(ts-1.0) < 1e-6 || math.Abs(ts-2.5) < 1e-6
		}}
	})

	samples, err := a.SampleVideo(context.Background(), testParams(), nil, nil)
	if err != nil {
		t.Fatalf("SampleVideo failed: %v", err)
	}

	if len(samples) != 29 {
		t.Fatalf("expected 29 samples after 2 decode failures, got %d", len(samples))
	}
	assertChronological(t, samples)
	for _, s := range samples {
		if math.Abs(s.Time-1.0) < 1e-6 || math.Abs(s.Time-2.5) < 1e-6 {
			t.Errorf("failed grid point %.3f present in output", s.Time)
		}
	}
}

func TestSampleVideoLiveCallbackOrder(t *testing.T) {
	a := newTestAnalyzer(t, 3, 4, func() *fakeHandle { return &fakeHandle{} })

	var live []model.FrameSample
	samples, err := a.SampleVideo(context.Background(), testParams(), nil, func(s model.FrameSample) {
		live = append(live, s)
	})
	if err != nil {
		t.Fatalf("SampleVideo failed: %v", err)
	}

	if len(live) != len(samples) {
		t.Fatalf("live callback saw %d samples, output has %d", len(live), len(samples))
	}
	assertChronological(t, live)
}

func TestSampleVideoProgress(t *testing.T) {
	a := newTestAnalyzer(t, 10, 4, func() *fakeHandle { return &fakeHandle{} })

	var mu sync.Mutex
	var fractions []float64
	var statuses []string
	_, err := a.SampleVideo(context.Background(), testParams(), func(f float64, status string) {
		mu.Lock()
		fractions = append(fractions, f)
		statuses = append(statuses, status)
		mu.Unlock()
	}, nil)
	if err != nil {
		t.Fatalf("SampleVideo failed: %v", err)
	}

	if len(fractions) == 0 {
		t.Fatal("no progress reported")
	}
	// 101 grid points coalesced every 10th, plus the last unit and the final
	// completion report: far fewer callbacks than units.
	if len(fractions) > 15 {
		t.Errorf("progress not coalesced: %d callbacks for 101 units", len(fractions))
	}
	if fractions[len(fractions)-1] != 1.0 {
		t.Errorf("final fraction = %v, want 1.0", fractions[len(fractions)-1])
	}
	if statuses[len(statuses)-1] != "Analysis complete" {
		t.Errorf("final status = %q", statuses[len(statuses)-1])
	}
}

func TestSampleVideoCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())

	a := newTestAnalyzer(t, 10, 2, func() *fakeHandle { return &fakeHandle{} })
	// Cancel from inside the very first scored unit.
	var once sync.Once
	inner := a.score
	a.score = func(frame gocv.Mat, algo model.Algorithm) float64 {
		once.Do(cancel)
		return inner(frame, algo)
	}

	var mu sync.Mutex
	maxFraction := 0.0
	samples, err := a.SampleVideo(ctx, testParams(), func(f float64, _ string) {
		mu.Lock()
		if f > maxFraction {
			maxFraction = f
		}
		mu.Unlock()
	}, nil)

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if maxFraction >= 1.0 {
		t.Errorf("progress reached %v despite cancellation", maxFraction)
	}
	assertChronological(t, samples)
	for _, s := range samples {
		if s.Sharpness < 0 {
			t.Errorf("sentinel entry leaked into cancelled output at t=%.3f", s.Time)
		}
		if s.Time == 0 && s.Sharpness == 0 {
			t.Error("unprocessed zero slot leaked into cancelled output")
		}
	}
}

func TestSampleVideoInvalidParams(t *testing.T) {
	rec := &recorder{}
	a := newTestAnalyzer(t, 10, 2, func() *fakeHandle { return &fakeHandle{rec: rec} })

	params := testParams()
	params.SampleStepSec = 0
	if _, err := a.SampleVideo(context.Background(), params, nil, nil); err == nil {
		t.Fatal("expected validation error for zero sample step")
	}
	if rec.count() != 0 {
		t.Errorf("decoding started despite invalid parameters: %d visits", rec.count())
	}
}

func TestSampleVideoZeroDuration(t *testing.T) {
	a := newTestAnalyzer(t, 0, 2, func() *fakeHandle { return &fakeHandle{} })
	if _, err := a.SampleVideo(context.Background(), testParams(), nil, nil); err == nil {
		t.Fatal("expected error for zero-duration video")
	}
}

// ========================================
// Windowed Best-Frame Search Tests
// ========================================

func TestFindBestFramesWindowBounds(t *testing.T) {
	a := newTestAnalyzer(t, 10, 4, func() *fakeHandle { return &fakeHandle{} })

	params := testParams()
	selected, err := a.FindBestFrames(context.Background(), params, nil, nil)
	if err != nil {
		t.Fatalf("FindBestFrames failed: %v", err)
	}

	// Targets 0, 3, 6, 9: one winner each.
	if len(selected) != 4 {
		t.Fatalf("expected 4 selected frames, got %d", len(selected))
	}
	targets := []float64{0, 3, 6, 9}
	for i, s := range selected {
		lo := math.Max(0, targets[i]-params.SearchWindowSec)
		hi := math.Min(10, targets[i]+params.SearchWindowSec)
		if s.Time < lo-1e-6 || s.Time > hi+1e-6 {
			t.Errorf("winner %d at %.3f outside window [%.3f, %.3f]", i, s.Time, lo, hi)
		}
		// The synthetic score grows with time, so the window end must win.
		if math.Abs(s.Time-hi) > 1e-6 {
			t.Errorf("winner %d at %.3f, want window end %.3f", i, s.Time, hi)
		}
		if !s.Selected || s.Thumbnail == nil {
			t.Errorf("winner %d missing selected flag or thumbnail", i)
		}
	}
	assertChronological(t, selected)
}

func TestFindBestFramesZeroWindow(t *testing.T) {
	rec := &recorder{}
	a := newTestAnalyzer(t, 9, 1, func() *fakeHandle { return &fakeHandle{rec: rec} })

	params := testParams()
	params.SearchWindowSec = 0
	selected, err := a.FindBestFrames(context.Background(), params, nil, nil)
	if err != nil {
		t.Fatalf("FindBestFrames failed: %v", err)
	}

	// Degenerate windows: exactly one candidate per target.
	if rec.count() != 4 {
		t.Errorf("expected 4 candidate visits, got %d", rec.count())
	}
	if len(selected) != 4 {
		t.Fatalf("expected 4 selected frames, got %d", len(selected))
	}
	for i, want := range []float64{0, 3, 6, 9} {
		if math.Abs(selected[i].Time-want) > 1e-6 {
			t.Errorf("winner %d at %.3f, want target %.3f", i, selected[i].Time, want)
		}
	}
}

func TestFindBestFramesTieBreakAndIdempotence(t *testing.T) {
	mkAnalyzer := func() *Analyzer {
		a := newTestAnalyzer(t, 10, 4, func() *fakeHandle { return &fakeHandle{} })
		a.score = func(gocv.Mat, model.Algorithm) float64 { return 42 }
		return a
	}

	first, err := mkAnalyzer().FindBestFrames(context.Background(), testParams(), nil, nil)
	if err != nil {
		t.Fatalf("first search failed: %v", err)
	}
	second, err := mkAnalyzer().FindBestFrames(context.Background(), testParams(), nil, nil)
	if err != nil {
		t.Fatalf("second search failed: %v", err)
	}

	if len(first) != len(second) {
		t.Fatalf("run lengths differ: %d vs %d", len(first), len(second))
	}
	for i := range first {
		if first[i].Time != second[i].Time || first[i].Sharpness != second[i].Sharpness {
			t.Errorf("run mismatch at %d: (%.3f, %.2f) vs (%.3f, %.2f)",
				i, first[i].Time, first[i].Sharpness, second[i].Time, second[i].Sharpness)
		}
		// All scores equal, so the first candidate scanned must win.
		wantStart := math.Max(0, float64(i)*3-0.5)
		if math.Abs(first[i].Time-wantStart) > 1e-6 {
			t.Errorf("tie at target %d won by %.3f, want window start %.3f", i, first[i].Time, wantStart)
		}
	}
}

func TestFindBestFramesDroppedTarget(t *testing.T) {
	// Every decode around the 6s target misses; that target must vanish from
	// the output instead of being zero-filled.
	a := newTestAnalyzer(t, 10, 2, func() *fakeHandle {
		return &fakeHandle{fail: func(ts float64) bool { return ts > 5.4 && ts < 6.6 }}
	})

	selected, err := a.FindBestFrames(context.Background(), testParams(), nil, nil)
	if err != nil {
		t.Fatalf("FindBestFrames failed: %v", err)
	}

	if len(selected) != 3 {
		t.Fatalf("expected 3 selected frames, got %d", len(selected))
	}
	for _, s := range selected {
		if s.Time > 5.4 && s.Time < 6.6 {
			t.Errorf("dropped target produced a winner at %.3f", s.Time)
		}
	}
	assertChronological(t, selected)
}

func TestFindBestFramesWindowCallback(t *testing.T) {
	a := newTestAnalyzer(t, 10, 1, func() *fakeHandle { return &fakeHandle{} })

	type windowState struct{ ws, we, cur, bt, bs float64 }
	var states []windowState
	_, err := a.FindBestFrames(context.Background(), testParams(), nil,
		func(ws, we, cur, bt, bs float64) {
			states = append(states, windowState{ws, we, cur, bt, bs})
		})
	if err != nil {
		t.Fatalf("FindBestFrames failed: %v", err)
	}

	if len(states) < 2 {
		t.Fatalf("expected scan notifications plus a clearing call, got %d", len(states))
	}
	last := states[len(states)-1]
	if last != (windowState{}) {
		t.Errorf("final window callback not cleared: %+v", last)
	}
	for _, s := range states[:len(states)-1] {
		if s.cur < s.ws-1e-6 || s.cur > s.we+1e-6 {
			t.Errorf("scan instant %.3f outside its window [%.3f, %.3f]", s.cur, s.ws, s.we)
		}
	}
}

func TestFindBestFramesWindowCallbackOnDecodeMiss(t *testing.T) {
	// Every decode around the 6s target misses; the callback must still track
	// the scan through that window.
	a := newTestAnalyzer(t, 10, 1, func() *fakeHandle {
		return &fakeHandle{fail: func(ts float64) bool { return ts > 5.4 && ts < 6.6 }}
	})

	var scanned []float64
	_, err := a.FindBestFrames(context.Background(), testParams(), nil,
		func(ws, we, cur, bt, bs float64) {
			scanned = append(scanned, cur)
		})
	if err != nil {
		t.Fatalf("FindBestFrames failed: %v", err)
	}

	var missed int
	for _, cur := range scanned {
		if cur > 5.45 && cur < 6.55 {
			missed++
		}
	}
	// Window 5.5..6.5 at 0.1 steps: 11 instants, none of which decoded.
	if missed != 11 {
		t.Errorf("callback reported %d instants from the miss stretch, want 11", missed)
	}
}

func TestFindBestFramesWindowCallbackClearedOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	a := newTestAnalyzer(t, 10, 2, func() *fakeHandle { return &fakeHandle{} })

	var mu sync.Mutex
	var calls int
	var lastZero bool
	_, err := a.FindBestFrames(ctx, testParams(), nil, func(ws, we, cur, bt, bs float64) {
		mu.Lock()
		calls++
		lastZero = ws == 0 && we == 0 && cur == 0 && bt == 0 && bs == 0
		mu.Unlock()
	})

	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if calls == 0 || !lastZero {
		t.Errorf("clearing call missing after cancellation (calls=%d, lastZero=%v)", calls, lastZero)
	}
}

func TestPassFailsWhenNoWorkerOpens(t *testing.T) {
	openErr := errors.New("codec missing")
	info := model.VideoInfo{
		Path:       "synthetic.mp4",
		Duration:   10,
		FPS:        30,
		FrameCount: 300,
		Width:      8,
		Height:     8,
	}
	a := New(info, func() (FrameSource, error) { return nil, openErr }, logger.Discard(), 2)
	a.score = timeScore

	if _, err := a.SampleVideo(context.Background(), testParams(), nil, nil); !errors.Is(err, openErr) {
		t.Errorf("SampleVideo error = %v, want wrapped open failure", err)
	}
	if _, err := a.FindBestFrames(context.Background(), testParams(), nil, nil); !errors.Is(err, openErr) {
		t.Errorf("FindBestFrames error = %v, want wrapped open failure", err)
	}
}

func TestFindBestFramesOrderUnderInvertedCompletion(t *testing.T) {
	a := newTestAnalyzer(t, 10, 4, func() *fakeHandle {
		return &fakeHandle{delay: func(ts float64) time.Duration {
			return time.Duration(10000-ts*1000) * 10 * time.Microsecond
		}}
	})

	selected, err := a.FindBestFrames(context.Background(), testParams(), nil, nil)
	if err != nil {
		t.Fatalf("FindBestFrames failed: %v", err)
	}
	if !sort.SliceIsSorted(selected, func(i, j int) bool { return selected[i].Time < selected[j].Time }) {
		t.Error("selected frames not in target order")
	}
}
