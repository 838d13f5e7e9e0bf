package video

import (
	"fmt"

	"sharpctl/internal/model"

	"gocv.io/x/gocv"
)

// Source wraps a single decode handle onto a video file. A Source is NOT safe
// for concurrent use: VideoCapture keeps internal seek state. Workers that
// decode in parallel must each call Reopen to get their own handle; only the
// VideoInfo may be shared.
type Source struct {
	path string
	vc   *gocv.VideoCapture
	info model.VideoInfo
}

// Open opens the video at path and probes its metadata.
func Open(path string) (*Source, error) {
	vc, err := gocv.VideoCaptureFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open video %s: %w", path, err)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, fmt.Errorf("failed to open video %s", path)
	}

	info := model.VideoInfo{
		Path:       path,
		FPS:        vc.Get(gocv.VideoCaptureFPS),
		FrameCount: int(vc.Get(gocv.VideoCaptureFrameCount)),
		Width:      int(vc.Get(gocv.VideoCaptureFrameWidth)),
		Height:     int(vc.Get(gocv.VideoCaptureFrameHeight)),
	}
	if info.Valid() {
		info.Duration = float64(info.FrameCount) / info.FPS
	}

	return &Source{path: path, vc: vc, info: info}, nil
}

// Reopen mints an independent decode handle onto the same path, for use by a
// single worker for the lifetime of one pass.
func (s *Source) Reopen() (*Source, error) {
	return Open(s.path)
}

// Info returns the metadata probed at open time. Read-only, freely shareable.
func (s *Source) Info() model.VideoInfo {
	return s.info
}

// FrameAt seeks to the nearest frame at or after timeSec and decodes it into
// dst. It reports false on a seek/read miss; such misses are local failures
// the caller absorbs, not errors.
func (s *Source) FrameAt(timeSec float64, dst *gocv.Mat) bool {
	if s.vc == nil {
		return false
	}
	s.vc.Set(gocv.VideoCapturePosMsec, timeSec*1000.0)
	return s.vc.Read(dst) && !dst.Empty()
}

// Close releases the decode handle. Safe to call more than once.
func (s *Source) Close() error {
	if s.vc == nil {
		return nil
	}
	err := s.vc.Close()
	s.vc = nil
	return err
}
