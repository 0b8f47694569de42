package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime/pprof"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"
	"golang.org/x/time/rate"

	"github.com/tilezen/go-tilestitch/config"
	"github.com/tilezen/go-tilestitch/internal/logger"
	"github.com/tilezen/go-tilestitch/tilepack"
)

// flagFields copies an explicitly set flag from the flag values into the effective config.
var flagFields = map[string]func(dst, src *config.Config){
	"url":               func(d, s *config.Config) { d.URL = s.URL },
	"world":             func(d, s *config.Config) { d.World = s.World },
	"min-x":             func(d, s *config.Config) { d.MinX = s.MinX },
	"max-x":             func(d, s *config.Config) { d.MaxX = s.MaxX },
	"min-z":             func(d, s *config.Config) { d.MinZ = s.MinZ },
	"max-z":             func(d, s *config.Config) { d.MaxZ = s.MaxZ },
	"mode":              func(d, s *config.Config) { d.Mode = s.Mode },
	"scale":             func(d, s *config.Config) { d.Scale = s.Scale },
	"region-size":       func(d, s *config.Config) { d.RegionSize = s.RegionSize },
	"invert-z":          func(d, s *config.Config) { d.InvertZ = s.InvertZ },
	"tile-pixels":       func(d, s *config.Config) { d.TilePixels = s.TilePixels },
	"url-template":      func(d, s *config.Config) { d.URLTemplate = s.URLTemplate },
	"scratch":           func(d, s *config.Config) { d.ScratchDir = s.ScratchDir },
	"output":            func(d, s *config.Config) { d.Output = s.Output },
	"output-bucket":     func(d, s *config.Config) { d.OutputBucket = s.OutputBucket },
	"archive":           func(d, s *config.Config) { d.Archive = s.Archive },
	"workers":           func(d, s *config.Config) { d.Workers = s.Workers },
	"rps":               func(d, s *config.Config) { d.RequestsPerSecond = s.RequestsPerSecond },
	"burst":             func(d, s *config.Config) { d.Burst = s.Burst },
	"drain-timeout":     func(d, s *config.Config) { d.DrainTimeout = s.DrainTimeout },
	"timeout":           func(d, s *config.Config) { d.HTTPTimeout = s.HTTPTimeout },
	"user-agent":        func(d, s *config.Config) { d.UserAgent = s.UserAgent },
	"retries":           func(d, s *config.Config) { d.Retry.Attempts = s.Retry.Attempts },
	"retry-backoff":     func(d, s *config.Config) { d.Retry.Backoff = s.Retry.Backoff },
	"retry-max-backoff": func(d, s *config.Config) { d.Retry.MaxBackoff = s.Retry.MaxBackoff },
	"metrics-file":      func(d, s *config.Config) { d.MetricsFile = s.MetricsFile },
}

// parseFlags builds the effective config. Defaults are overridden by the -config file, then by
// TILESTITCH_* environment variables, then by flags given on the command line.
func parseFlags(args []string) (config.Config, string, error) {
	def := config.Default()
	f := def

	fs := flag.NewFlagSet("build", flag.ContinueOnError)

	configPath := fs.String("config", "", "Path to a YAML config file.")
	cpuProfile := fs.String("cpuprofile", "", "Enables CPU profiling. Saves the dump to the given path.")
	boundsStr := fs.String("bounds", "", "Comma-separated world box in minX,minZ,maxX,maxZ format. Overrides the individual -min/-max flags.")

	fs.StringVar(&f.URL, "url", def.URL, "Base URL of the tile server.")
	fs.StringVar(&f.World, "world", def.World, "World name on the tile server.")
	fs.IntVar(&f.MinX, "min-x", def.MinX, "Smallest world X to include.")
	fs.IntVar(&f.MaxX, "max-x", def.MaxX, "Largest world X to include.")
	fs.IntVar(&f.MinZ, "min-z", def.MinZ, "Smallest world Z to include.")
	fs.IntVar(&f.MaxZ, "max-z", def.MaxZ, "Largest world Z to include.")
	fs.StringVar(&f.Mode, "mode", def.Mode, "View mode. Options are flat, surface, xray.")
	fs.StringVar(&f.Scale, "scale", def.Scale, "Zoom level. Options are biggest, bigger, big, normal, smaller, smallest.")
	fs.IntVar(&f.RegionSize, "region-size", def.RegionSize, "Tiles per region folder on the server, 16 or 32.")
	fs.BoolVar(&f.InvertZ, "invert-z", def.InvertZ, "The server counts tile Z opposite to world Z.")
	fs.IntVar(&f.TilePixels, "tile-pixels", def.TilePixels, "Width and height of one tile image.")
	fs.StringVar(&f.URLTemplate, "url-template", def.URLTemplate, "Tile URL template. Defaults to the dynmap layout.")
	fs.StringVar(&f.ScratchDir, "scratch", def.ScratchDir, "Directory or bucket URL for downloaded tiles.")
	fs.StringVar(&f.Output, "output", def.Output, "Key of the composited image.")
	fs.StringVar(&f.OutputBucket, "output-bucket", def.OutputBucket, "Directory or bucket URL for the composited image. Defaults to -scratch.")
	fs.StringVar(&f.Archive, "archive", def.Archive, "Also archive every tile in this new mbtiles file.")
	fs.IntVar(&f.Workers, "workers", def.Workers, "Number of tile fetch workers to use.")
	fs.Float64Var(&f.RequestsPerSecond, "rps", def.RequestsPerSecond, "Request rate limit shared by all workers. 0 means unlimited.")
	fs.IntVar(&f.Burst, "burst", def.Burst, "Request burst allowed by the rate limit.")
	fs.DurationVar(&f.DrainTimeout, "drain-timeout", def.DrainTimeout, "How long to wait for in-flight tiles once every request is queued.")
	fs.DurationVar(&f.HTTPTimeout, "timeout", def.HTTPTimeout, "HTTP client timeout for tile requests.")
	fs.StringVar(&f.UserAgent, "user-agent", def.UserAgent, "User-Agent header sent with every request.")
	fs.IntVar(&f.Retry.Attempts, "retries", def.Retry.Attempts, "Attempts per tile before giving up.")
	fs.DurationVar(&f.Retry.Backoff, "retry-backoff", def.Retry.Backoff, "Wait before the first retry. Doubles on each retry.")
	fs.DurationVar(&f.Retry.MaxBackoff, "retry-max-backoff", def.Retry.MaxBackoff, "Longest wait between retries.")
	fs.StringVar(&f.MetricsFile, "metrics-file", def.MetricsFile, "Write fetch metrics to this Prometheus textfile.")

	if err := fs.Parse(args); err != nil {
		return config.Config{}, "", err
	}

	cfg := def
	if *configPath != "" {
		var err error
		cfg, err = config.LoadFromFile(*configPath)
		if err != nil {
			return config.Config{}, "", err
		}
	}

	if err := cfg.ApplyEnv(); err != nil {
		return config.Config{}, "", err
	}

	fs.Visit(func(fl *flag.Flag) {
		if apply, ok := flagFields[fl.Name]; ok {
			apply(&cfg, &f)
		}
	})

	if *boundsStr != "" {
		b, err := config.ParseBounds(*boundsStr)
		if err != nil {
			return config.Config{}, "", err
		}
		cfg.SetBounds(b)
	}

	return cfg, *cpuProfile, nil
}

func run(ctx context.Context, cfg config.Config, progress io.Writer) error {
	start := time.Now()

	if err := cfg.Validate(); err != nil {
		return err
	}

	mode, err := tilepack.ParseViewMode(cfg.Mode)
	if err != nil {
		return err
	}

	scale, err := tilepack.ParseScale(cfg.Scale)
	if err != nil {
		return err
	}

	// An archive of another run would mix tiles of two ranges
	if cfg.Archive != "" {
		if _, err := os.Stat(cfg.Archive); err == nil {
			return fmt.Errorf("archive %s already exists and cannot be overwritten", cfg.Archive)
		}
	}

	r, err := tilepack.GenerateTileRange(&tilepack.GenerateRangeOptions{
		Bounds:  cfg.Bounds(),
		Scale:   scale,
		InvertZ: cfg.InvertZ,
	})
	if err != nil {
		return err
	}

	scratch, err := tilepack.OpenBucket(ctx, cfg.ScratchDir)
	if err != nil {
		return fmt.Errorf("open scratch %s: %w", cfg.ScratchDir, err)
	}
	defer scratch.Close()

	output := scratch
	if cfg.OutputBucket != "" && cfg.OutputBucket != cfg.ScratchDir {
		output, err = tilepack.OpenBucket(ctx, cfg.OutputBucket)
		if err != nil {
			return fmt.Errorf("open output %s: %w", cfg.OutputBucket, err)
		}
		defer output.Close()
	}

	deleted, err := tilepack.CleanScratch(ctx, scratch, cfg.Output)
	if err != nil {
		return err
	}
	if deleted > 0 {
		slog.Info("CLEAN", "deleted", deleted, "scratch", cfg.ScratchDir)
	}

	// Configure the HTTP client with a timeout and connection pools
	httpClient := &http.Client{
		Timeout: cfg.HTTPTimeout,
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 500,
			DisableCompression:  true,
		},
	}

	// Only informative, plenty of tile servers answer their root with an error
	_ = tilepack.CheckReachable(ctx, httpClient, cfg.URL, cfg.UserAgent)

	canvas := r.CanvasSize(cfg.TilePixels)
	slog.Info("TASK", "world", cfg.World, "mode", mode, "scale", scale, "expected_tiles", r.Count(), "width", canvas.X, "height", canvas.Y)

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), max(cfg.Burst, 1))
	}

	generator, err := tilepack.NewDynmapJobGenerator(tilepack.DynmapOptions{
		BaseURL:     cfg.URL,
		World:       cfg.World,
		ViewMode:    mode,
		Scale:       scale,
		RegionSize:  cfg.RegionSize,
		Range:       r,
		URLTemplate: cfg.URLTemplate,
		UserAgent:   cfg.UserAgent,
		Retry:       cfg.RetryPolicy(),
		Limiter:     limiter,
		HTTPClient:  httpClient,
	})
	if err != nil {
		return fmt.Errorf("create generator: %w", err)
	}

	var outputter tilepack.TileOutputter = tilepack.NewDiskOutputter(scratch)

	if cfg.Archive != "" {
		metadata := tilepack.NewRunMetadata(cfg.World, mode, scale, cfg.Bounds(), cfg.InvertZ)
		archive, err := tilepack.NewMbtilesOutputter(cfg.Archive, metadata)
		if err != nil {
			return fmt.Errorf("create archive %s: %w", cfg.Archive, err)
		}
		outputter = tilepack.NewMultiOutputter(outputter, archive)
	}

	stats, err := tilepack.RunFetch(ctx, generator, r, outputter, tilepack.FetchOptions{
		Workers:      cfg.Workers,
		DrainTimeout: cfg.DrainTimeout,
		Progress:     progress,
	})
	if err != nil {
		return fmt.Errorf("fetch tiles: %w", err)
	}

	if stats.TimedOut {
		slog.Warn("TASK", "status", "drain timeout reached, compositing the tiles saved so far", "missing", len(stats.Missing))
	}

	img, drawn, err := tilepack.NewCompositor(r, cfg.TilePixels).Composite(ctx, tilepack.NewScratchSource(scratch, cfg.Output))
	if err != nil {
		return fmt.Errorf("composite: %w", err)
	}

	if drawn != stats.Expected {
		slog.Warn("TASK", "expected_tiles", stats.Expected, "drawn", drawn)
	}

	if err := tilepack.WriteImage(ctx, output, cfg.Output, img); err != nil {
		return err
	}

	slog.Info("TASK", "status", "done", "output", cfg.Output, "tiles", drawn, "elapsed", time.Since(start).Round(time.Millisecond))

	if cfg.MetricsFile != "" {
		if err := tilepack.WriteMetrics(cfg.MetricsFile); err != nil {
			return fmt.Errorf("write metrics: %w", err)
		}
	}

	return nil
}

func execute() error {
	// A missing .env is fine, the environment may be set some other way
	_ = godotenv.Load()
	logger.Setup()

	cfg, cpuProfile, err := parseFlags(os.Args[1:])
	if err != nil {
		return err
	}

	if cpuProfile != "" {
		f, err := os.Create(cpuProfile)
		if err != nil {
			return fmt.Errorf("could not create CPU profile: %w", err)
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return fmt.Errorf("could not start CPU profile: %w", err)
		}
		defer pprof.StopCPUProfile()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return run(ctx, cfg, os.Stderr)
}

func main() {
	if err := execute(); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		slog.Error("TASK", "error", err)
		os.Exit(1)
	}
}
