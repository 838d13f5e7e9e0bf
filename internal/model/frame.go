package model

import (
	"fmt"
	"image"
)

// SentinelSharpness marks a grid slot whose frame failed to decode (or was
// never processed). Entries carrying it are filtered out of all final output.
const SentinelSharpness = -1.0

// Algorithm selects the focus metric used to score a frame.
type Algorithm int

const (
	// AlgorithmFFT scores high-frequency spectral energy. Slower than the
	// Laplacian but more robust to sensor noise.
	AlgorithmFFT Algorithm = iota
	// AlgorithmLaplacian scores the variance of the Laplacian response.
	AlgorithmLaplacian
)

// ParseAlgorithm maps a user-facing name to an Algorithm.
func ParseAlgorithm(name string) (Algorithm, error) {
	switch name {
	case "fft":
		return AlgorithmFFT, nil
	case "laplacian":
		return AlgorithmLaplacian, nil
	}
	return AlgorithmFFT, fmt.Errorf("unknown algorithm %q (want fft or laplacian)", name)
}

func (a Algorithm) String() string {
	if a == AlgorithmLaplacian {
		return "laplacian"
	}
	return "fft"
}

// FrameSample is one scored instant of the video. Thumbnail is set only on
// entries chosen by the best-frame search.
type FrameSample struct {
	Time      float64
	Sharpness float64
	Selected  bool
	Thumbnail image.Image
}

// VideoInfo holds the immutable metadata of an opened video.
type VideoInfo struct {
	Path       string
	Duration   float64
	FPS        float64
	FrameCount int
	Width      int
	Height     int
}

// Valid reports whether the stream exposed usable timing metadata.
func (v VideoInfo) Valid() bool {
	return v.FPS > 0 && v.FrameCount > 0
}

// AnalysisParams configures the sampling and search passes.
type AnalysisParams struct {
	IntervalSec     float64
	SearchWindowSec float64
	SearchStepSec   float64
	SampleStepSec   float64
	Algorithm       Algorithm
}

// DefaultParams returns the parameters the original capture workflow uses.
func DefaultParams() AnalysisParams {
	return AnalysisParams{
		IntervalSec:     3.0,
		SearchWindowSec: 0.5,
		SearchStepSec:   0.02,
		SampleStepSec:   0.1,
		Algorithm:       AlgorithmFFT,
	}
}

// Validate rejects parameter sets before any decoding work starts.
func (p AnalysisParams) Validate() error {
	if p.IntervalSec <= 0 {
		return fmt.Errorf("interval must be positive, got %v", p.IntervalSec)
	}
	if p.SearchWindowSec < 0 {
		return fmt.Errorf("search window must not be negative, got %v", p.SearchWindowSec)
	}
	if p.SearchStepSec <= 0 {
		return fmt.Errorf("search step must be positive, got %v", p.SearchStepSec)
	}
	if p.SampleStepSec <= 0 {
		return fmt.Errorf("sample step must be positive, got %v", p.SampleStepSec)
	}
	return nil
}

// AnalysisResult bundles the output of a full run: the chronological sample
// series for plotting and the per-target selected frames.
type AnalysisResult struct {
	AllSamples     []FrameSample
	SelectedFrames []FrameSample
	Cancelled      bool
	Error          string
}
