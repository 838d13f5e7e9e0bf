package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"sharpctl/internal/analysis"
	"sharpctl/internal/config"
	"sharpctl/internal/logger"
	"sharpctl/internal/model"
	"sharpctl/internal/monitor"
	"sharpctl/internal/repository/sqlite"
	"sharpctl/internal/video"

	"github.com/joho/godotenv"
	"github.com/schollz/progressbar/v3"
)

const progressScale = 1000

func main() {
	godotenv.Load()
	cfg := config.Load()
	log := logger.New()

	videoPath := flag.String("video", "", "Path of the video to analyze")
	outDir := flag.String("out", "frames", "Directory receiving exported frames")
	interval := flag.Float64("interval", 3.0, "Seconds between target instants")
	window := flag.Float64("window", 0.5, "Search window half-width in seconds")
	step := flag.Float64("step", 0.02, "Scan step inside a search window in seconds")
	sampleStep := flag.Float64("sample-step", 0.1, "Step of the full-video sampling pass in seconds")
	algoName := flag.String("algorithm", "fft", "Focus metric: fft or laplacian")
	plot := flag.Bool("plot", false, "Run the full-video sampling pass and print a sharpness sparkline")
	workers := flag.Int("workers", cfg.Workers, "Number of parallel analysis workers")
	statePath := flag.String("state", cfg.StateDB, "SQLite database for persisted runs (empty to disable)")
	fresh := flag.Bool("fresh", false, "Discard any stored run and analyze from scratch")
	listen := flag.String("listen", cfg.MonitorAddr, "Address of the live-monitor websocket server (empty to disable)")
	formatName := flag.String("format", cfg.ExportFormat, "Export image format: jpg, png or webp")
	flag.Parse()

	if *videoPath == "" {
		flag.Usage()
		fatalf(log, "no video given")
	}

	algo, err := model.ParseAlgorithm(*algoName)
	if err != nil {
		fatalf(log, "%v", err)
	}
	format, err := analysis.ParseExportFormat(*formatName)
	if err != nil {
		fatalf(log, "%v", err)
	}

	params := model.AnalysisParams{
		IntervalSec:     *interval,
		SearchWindowSec: *window,
		SearchStepSec:   *step,
		SampleStepSec:   *sampleStep,
		Algorithm:       algo,
	}
	if err := params.Validate(); err != nil {
		fatalf(log, "invalid parameters: %v", err)
	}

	src, err := video.Open(*videoPath)
	if err != nil {
		fatalf(log, "%v", err)
	}
	defer src.Close()

	info := src.Info()
	if !info.Valid() {
		fatalf(log, "video %s has no usable timing metadata", *videoPath)
	}
	log.Info("Opened %s: %.1fs, %.2f fps, %d frames, %dx%d",
		filepath.Base(info.Path), info.Duration, info.FPS, info.FrameCount, info.Width, info.Height)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var repo *sqlite.RunRepository
	if *statePath != "" {
		if db, err := openStateDB(*statePath); err != nil {
			log.Warning("state database unavailable: %v", err)
		} else {
			defer db.Close()
			repo = sqlite.NewRunRepository(db)
		}
	}

	var stored *sqlite.StoredRun
	if repo != nil {
		if *fresh {
			if err := repo.Delete(*videoPath); err != nil {
				log.Warning("could not discard stored run: %v", err)
			}
		} else {
			stored = loadReusableRun(repo, *videoPath, params, *plot, log)
		}
	}

	var hub *monitor.Hub
	if *listen != "" {
		hub = monitor.NewHub(log)
		go hub.Run()
		go func() {
			if err := monitor.Serve(*listen, hub, log); err != nil {
				log.Error("monitor server: %v", err)
			}
		}()
		log.Info("Live monitor listening on ws://%s/ws", *listen)
	}

	analyzer := analysis.New(info, func() (analysis.FrameSource, error) {
		return src.Reopen()
	}, log, *workers)
	analyzer.SetThumbnailHeight(cfg.ThumbnailHeight)

	bar := progressbar.NewOptions(progressScale,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("Analyzing"),
		progressbar.OptionClearOnFinish(),
	)
	progress := func(fraction float64, status string) {
		bar.Describe(status)
		_ = bar.Set(int(fraction * progressScale))
		if hub != nil {
			hub.PublishProgress(fraction, status)
		}
	}

	result := &model.AnalysisResult{}

	if stored != nil {
		log.Info("Reusing run stored %s (%d selected frames), skipping analysis",
			stored.CreatedAt.Format("2006-01-02 15:04"), len(stored.Selected))
		result.AllSamples = stored.Samples
		result.SelectedFrames = stored.Selected
		if *plot {
			fmt.Println(sparkline(result.AllSamples, 80))
			printSeriesStats(result.AllSamples)
		}
	} else {
		if *plot {
			var onSample analysis.SampleFunc
			if hub != nil {
				onSample = hub.PublishSample
			}
			samples, err := analyzer.SampleVideo(ctx, params, progress, onSample)
			result.AllSamples = samples
			if err != nil && !errors.Is(err, context.Canceled) {
				fatalf(log, "sampling failed: %v", err)
			}
			result.Cancelled = errors.Is(err, context.Canceled)
			if !result.Cancelled {
				fmt.Println(sparkline(samples, 80))
				printSeriesStats(samples)
			}
		}

		if !result.Cancelled {
			var onWindow analysis.WindowFunc
			if hub != nil {
				onWindow = hub.PublishWindow
			}
			selected, err := analyzer.FindBestFrames(ctx, params, progress, onWindow)
			result.SelectedFrames = selected
			if err != nil && !errors.Is(err, context.Canceled) {
				fatalf(log, "search failed: %v", err)
			}
			result.Cancelled = errors.Is(err, context.Canceled)
		}
	}

	if result.Cancelled {
		_ = bar.Clear()
		log.Warning("Analysis cancelled")
		os.Exit(130)
	}

	log.Info("Selected %d frames", len(result.SelectedFrames))

	if err := analyzer.Export(ctx, result.SelectedFrames, *outDir, format, progress); err != nil {
		if errors.Is(err, context.Canceled) {
			_ = bar.Clear()
			log.Warning("Export cancelled")
			os.Exit(130)
		}
		fatalf(log, "export failed: %v", err)
	}
	_ = bar.Clear()
	log.Info("Exported %d frames to %s", len(result.SelectedFrames), *outDir)

	if repo != nil && stored == nil {
		if _, err := repo.Save(*videoPath, params, result); err != nil {
			log.Warning("could not persist run: %v", err)
		}
	}
}

func openStateDB(path string) (*sqlite.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, err
	}
	return sqlite.New(path)
}

// loadReusableRun returns the stored run for videoPath when its parameters
// match the requested ones, so the sampling and search passes can be skipped.
// Exported frames are re-decoded from the video, never from the store. Any
// load problem falls back to a fresh analysis.
func loadReusableRun(repo *sqlite.RunRepository, videoPath string, params model.AnalysisParams, needSamples bool, log *logger.Logger) *sqlite.StoredRun {
	run, err := repo.Load(videoPath)
	if err != nil {
		log.Warning("ignoring stored run: %v", err)
		return nil
	}
	if run == nil {
		return nil
	}
	if run.Params != params {
		log.Info("Stored run used different parameters, re-analyzing")
		return nil
	}
	if needSamples && len(run.Samples) == 0 {
		log.Info("Stored run has no sampling series, re-analyzing")
		return nil
	}
	return run
}

// sparkline renders the sharpness series as one line of block characters.
func sparkline(samples []model.FrameSample, width int) string {
	if len(samples) == 0 {
		return ""
	}
	blocks := []rune("▁▂▃▄▅▆▇█")
	if width > len(samples) {
		width = len(samples)
	}

	var max float64
	for _, s := range samples {
		if s.Sharpness > max {
			max = s.Sharpness
		}
	}
	if max == 0 {
		max = 1
	}

	var sb strings.Builder
	for col := 0; col < width; col++ {
		lo := col * len(samples) / width
		hi := (col + 1) * len(samples) / width
		var peak float64
		for _, s := range samples[lo:hi] {
			if s.Sharpness > peak {
				peak = s.Sharpness
			}
		}
		idx := int(peak / max * float64(len(blocks)-1))
		sb.WriteRune(blocks[idx])
	}
	return sb.String()
}

func printSeriesStats(samples []model.FrameSample) {
	if len(samples) == 0 {
		return
	}
	minV, maxV, sum := samples[0].Sharpness, samples[0].Sharpness, 0.0
	for _, s := range samples {
		if s.Sharpness < minV {
			minV = s.Sharpness
		}
		if s.Sharpness > maxV {
			maxV = s.Sharpness
		}
		sum += s.Sharpness
	}
	fmt.Printf("sharpness min %.2f  mean %.2f  max %.2f  (%d samples)\n",
		minV, sum/float64(len(samples)), maxV, len(samples))
}

func fatalf(log *logger.Logger, format string, v ...interface{}) {
	log.Error(format, v...)
	os.Exit(1)
}
