package analysis

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"sharpctl/internal/model"

	"github.com/chai2010/webp"
	"gocv.io/x/gocv"
)

// ExportFormat is the on-disk image format of exported frames.
type ExportFormat string

const (
	FormatJPEG ExportFormat = "jpg"
	FormatPNG  ExportFormat = "png"
	FormatWebP ExportFormat = "webp"
)

// ParseExportFormat maps a user-facing name to an ExportFormat.
func ParseExportFormat(name string) (ExportFormat, error) {
	switch ExportFormat(name) {
	case FormatJPEG, FormatPNG, FormatWebP:
		return ExportFormat(name), nil
	}
	return FormatJPEG, fmt.Errorf("unknown export format %q (want jpg, png or webp)", name)
}

// Export re-decodes every selected frame at full resolution and writes it to
// outputDir as frame_<index>_t<time>_var<score>.<ext>. A single write failure
// aborts the export; files already written stay on disk. Individual decode
// misses are absorbed and simply produce no file.
func (a *Analyzer) Export(ctx context.Context, frames []model.FrameSample, outputDir string, format ExportFormat, progress ProgressFunc) error {
	if err := os.MkdirAll(outputDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory %s: %w", outputDir, err)
	}

	toExport := make([]model.FrameSample, 0, len(frames))
	for _, f := range frames {
		if f.Selected {
			toExport = append(toExport, f)
		}
	}

	reporter := newProgressReporter(progress, "Exporting frames...", len(toExport), 5)

	var failed atomic.Bool
	var once sync.Once
	var writeErr error

	poolErr := a.runParallel(ctx, len(toExport), func(src FrameSource, i int) {
		if failed.Load() {
			return
		}
		fd := toExport[i]

		frame := gocv.NewMat()
		defer frame.Close()
		if !src.FrameAt(fd.Time, &frame) {
			a.log.Warning("export: no frame decoded at %.3fs, skipping", fd.Time)
			reporter.unitDone()
			return
		}

		name := fmt.Sprintf("frame_%04d_t%.3f_var%.2f.%s", i, fd.Time, fd.Sharpness, format)
		path := filepath.Join(outputDir, name)
		if err := writeImage(path, frame, format); err != nil {
			failed.Store(true)
			once.Do(func() { writeErr = err })
			a.log.Error("export: %v", err)
			return
		}
		reporter.unitDone()
	})

	if writeErr != nil {
		return writeErr
	}
	if poolErr != nil {
		return poolErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	reporter.finish("Export complete")
	return nil
}

func writeImage(path string, frame gocv.Mat, format ExportFormat) error {
	if format == FormatWebP {
		img, err := frame.ToImage()
		if err != nil {
			return fmt.Errorf("failed to convert frame for %s: %w", path, err)
		}
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", path, err)
		}
		if err := webp.Encode(f, img, &webp.Options{Quality: 90}); err != nil {
			f.Close()
			return fmt.Errorf("failed to encode %s: %w", path, err)
		}
		return f.Close()
	}

	if !gocv.IMWrite(path, frame) {
		return fmt.Errorf("failed to write %s", path)
	}
	return nil
}
