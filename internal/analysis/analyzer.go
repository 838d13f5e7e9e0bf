package analysis

import (
	"context"
	"fmt"
	"image"
	"math"
	"runtime"
	"sync"

	"sharpctl/internal/logger"
	"sharpctl/internal/model"

	"gocv.io/x/gocv"
)

// timeEpsilon absorbs float accumulation error at grid and window bounds.
const timeEpsilon = 1e-9

// DefaultThumbnailHeight is the pixel height of search-result thumbnails.
const DefaultThumbnailHeight = 120

// FrameSource is one worker's private decode handle. Implementations are not
// safe for concurrent use; the pool gives every worker its own.
type FrameSource interface {
	FrameAt(timeSec float64, dst *gocv.Mat) bool
	Close() error
}

// OpenFunc mints an independent FrameSource onto the video under analysis.
// Called once per pool worker per pass.
type OpenFunc func() (FrameSource, error)

// Analyzer runs the sampling, search and export passes over one video. Every
// pass blocks the caller until it completes, fails or the context is
// cancelled; cancellation returns the partial admitted output together with
// ctx.Err().
type Analyzer struct {
	info        model.VideoInfo
	open        OpenFunc
	log         *logger.Logger
	workers     int
	thumbHeight int

	// score is the metric entry point, replaceable in tests.
	score func(frame gocv.Mat, algo model.Algorithm) float64
}

// New creates an Analyzer over an opened video. info must be the metadata of
// the video that open hands out handles for.
func New(info model.VideoInfo, open OpenFunc, log *logger.Logger, workers int) *Analyzer {
	if workers < 1 {
		workers = runtime.NumCPU()
	}
	if log == nil {
		log = logger.Discard()
	}
	return &Analyzer{
		info:        info,
		open:        open,
		log:         log,
		workers:     workers,
		thumbHeight: DefaultThumbnailHeight,
		score:       Sharpness,
	}
}

// SetThumbnailHeight overrides the thumbnail height for subsequent searches.
func (a *Analyzer) SetThumbnailHeight(px int) {
	if px > 0 {
		a.thumbHeight = px
	}
}

// SampleVideo scores the whole video on the grid 0, step, 2·step, … ≤ duration
// and returns the admitted samples in chronological order. Decode misses are
// absorbed: their grid slots keep the sentinel score and are dropped from the
// output. The sample callback fires once per admitted sample, in order.
func (a *Analyzer) SampleVideo(ctx context.Context, params model.AnalysisParams, progress ProgressFunc, sample SampleFunc) ([]model.FrameSample, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if a.info.Duration <= 0 {
		return nil, fmt.Errorf("video %s has no measurable duration", a.info.Path)
	}

	grid := timeGrid(a.info.Duration, params.SampleStepSec)
	slots := newSlots(len(grid))
	reporter := newProgressReporter(progress, "Analyzing video...", len(grid), 10)

	if err := a.runParallel(ctx, len(grid), func(src FrameSource, i int) {
		frame := gocv.NewMat()
		defer frame.Close()
		if src.FrameAt(grid[i], &frame) {
			slots[i] = model.FrameSample{Time: grid[i], Sharpness: a.score(frame, params.Algorithm)}
		}
		reporter.unitDone()
	}); err != nil {
		return nil, err
	}

	// Sequential compaction: restores chronological order no matter which
	// worker finished first, and keeps the sample callback serialized.
	out := make([]model.FrameSample, 0, len(slots))
	for _, s := range slots {
		if s.Sharpness >= 0 {
			out = append(out, s)
			if sample != nil {
				sample(s)
			}
		}
	}

	if err := ctx.Err(); err != nil {
		return out, err
	}
	reporter.finish("Analysis complete")
	return out, nil
}

// FindBestFrames searches the neighborhood of every target instant on the
// grid 0, interval, 2·interval, … ≤ duration for the locally sharpest frame
// and returns one thumbnail-bearing sample per target that decoded at least
// one frame, in target order. Earlier candidates win score ties.
func (a *Analyzer) FindBestFrames(ctx context.Context, params model.AnalysisParams, progress ProgressFunc, window WindowFunc) ([]model.FrameSample, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if a.info.Duration <= 0 {
		return nil, fmt.Errorf("video %s has no measurable duration", a.info.Path)
	}

	targets := timeGrid(a.info.Duration, params.IntervalSec)
	slots := newSlots(len(targets))
	reporter := newProgressReporter(progress, "Finding optimal frames...", len(targets), 5)

	var windowMu sync.Mutex
	notify := func(ws, we, cur, bt, bs float64) {
		if window == nil {
			return
		}
		windowMu.Lock()
		window(ws, we, cur, bt, bs)
		windowMu.Unlock()
	}

	if err := a.runParallel(ctx, len(targets), func(src FrameSource, i int) {
		target := targets[i]
		start := math.Max(0, target-params.SearchWindowSec)
		end := math.Min(a.info.Duration, target+params.SearchWindowSec)

		bestTime := target
		bestScore := model.SentinelSharpness
		bestFrame := gocv.NewMat()
		defer bestFrame.Close()

		for ts := start; ts <= end+timeEpsilon && ctx.Err() == nil; ts += params.SearchStepSec {
			frame := gocv.NewMat()
			if src.FrameAt(ts, &frame) {
				if v := a.score(frame, params.Algorithm); v > bestScore {
					bestTime, bestScore = ts, v
					frame.CopyTo(&bestFrame)
				}
			}
			frame.Close()
			// The callback tracks every scanned instant, decode miss or not.
			notify(start, end, ts, bestTime, bestScore)
		}

		if !bestFrame.Empty() {
			slots[i] = model.FrameSample{
				Time:      bestTime,
				Sharpness: bestScore,
				Selected:  true,
				Thumbnail: a.thumbnail(bestFrame),
			}
		}
		reporter.unitDone()
	}); err != nil {
		return nil, err
	}

	out := make([]model.FrameSample, 0, len(slots))
	for _, s := range slots {
		if s.Thumbnail != nil {
			out = append(out, s)
		}
	}

	// Clearing call is unconditional, cancelled or not.
	notify(0, 0, 0, 0, 0)

	if err := ctx.Err(); err != nil {
		return out, err
	}
	reporter.finish("Selection complete")
	return out, nil
}

// thumbnail resizes a winning frame to the configured height, preserving
// aspect ratio.
func (a *Analyzer) thumbnail(frame gocv.Mat) image.Image {
	h := a.thumbHeight
	w := h * frame.Cols() / frame.Rows()
	if w < 1 {
		w = 1
	}
	resized := gocv.NewMat()
	defer resized.Close()
	gocv.Resize(frame, &resized, image.Pt(w, h), 0, 0, gocv.InterpolationLinear)

	img, err := resized.ToImage()
	if err != nil {
		a.log.Warning("thumbnail conversion failed: %v", err)
		return nil
	}
	return img
}

// timeGrid builds the instants 0, step, 2·step, … ≤ duration. Multiplying by
// index instead of accumulating keeps long grids drift-free.
func timeGrid(duration, step float64) []float64 {
	var grid []float64
	for i := 0; ; i++ {
		t := float64(i) * step
		if t > duration+timeEpsilon {
			break
		}
		if t > duration {
			t = duration
		}
		grid = append(grid, t)
	}
	return grid
}

// newSlots pre-sizes a result array with every slot sentinel-marked, so
// unprocessed slots of a cancelled pass can never be mistaken for admitted
// zero-score samples.
func newSlots(n int) []model.FrameSample {
	slots := make([]model.FrameSample, n)
	for i := range slots {
		slots[i].Sharpness = model.SentinelSharpness
	}
	return slots
}
