package tilepack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/schollz/progressbar/v3"
)

const (
	DefaultWorkers      = 64
	DefaultDrainTimeout = 5 * time.Minute

	saveLogInterval  = 1000
	missingLogLimit  = 10
	defaultQueueSize = 2000
)

type FetchOptions struct {
	Workers int

	// DrainTimeout bounds the wait for in-flight fetches once every job is queued.
	DrainTimeout time.Duration

	// Progress receives a progress bar. Nil disables it.
	Progress io.Writer

	QueueSize int
}

type FetchStats struct {
	Expected int
	Saved    int
	Failed   int
	Missing  []TileCoordinate

	// TimedOut reports that the drain timeout cut the fetch short. The tiles saved so far
	// are still usable.
	TimedOut bool
}

func processResults(ctx context.Context, waitGroup *sync.WaitGroup, results <-chan *TileResponse, processor TileOutputter, r TileRange, saved *roaring64.Bitmap, stats *FetchStats, bar *progressbar.ProgressBar) {
	defer waitGroup.Done()

	start := time.Now()

	counter := 0
	fetchSecs := 0.0
	for result := range results {
		bar.Add(1)

		if result.Err != nil {
			stats.Failed++
			fetchFailures.Inc()
			if !errors.Is(result.Err, context.Canceled) {
				slog.Warn("REQUEST", "tile", TileFilename(result.Tile), "error", result.Err)
			}
			continue
		}

		if !r.Contains(result.Tile) {
			stats.Failed++
			slog.Error("SAVE", "tile", TileFilename(result.Tile), "error", ErrTileOutOfRange)
			continue
		}

		idx := r.Index(result.Tile)
		if saved.Contains(idx) {
			slog.Warn("SAVE", "tile", TileFilename(result.Tile), "error", "duplicate response")
			continue
		}

		err := processor.Save(ctx, result.Tile, result.Data)
		if err != nil {
			stats.Failed++
			slog.Error("SAVE", "tile", TileFilename(result.Tile), "error", err)
			continue
		}

		saved.Add(idx)
		stats.Saved++
		tilesSaved.Inc()

		counter++
		fetchSecs += result.Elapsed

		if counter%saveLogInterval == 0 {
			duration := time.Since(start)
			start = time.Now()
			slog.Info("SAVE", "saved", counter,
				"tiles_per_second", fmt.Sprintf("%0.1f", saveLogInterval/duration.Seconds()),
				"avg_fetch_seconds", fmt.Sprintf("%0.3f", fetchSecs/saveLogInterval))
			fetchSecs = 0
		}
	}

	bar.Finish()
	slog.Info("SAVE", "saved", counter)

	err := processor.Close()
	if err != nil {
		slog.Error("SAVE", "error", fmt.Sprintf("closing processor: %v", err))
	}
}

func newProgressBar(w io.Writer, total int) *progressbar.ProgressBar {
	if w == nil {
		return progressbar.DefaultSilent(int64(total), "fetching tiles")
	}

	return progressbar.NewOptions(total,
		progressbar.OptionSetWriter(w),
		progressbar.OptionSetDescription("fetching tiles"),
		progressbar.OptionShowCount(),
		progressbar.OptionThrottle(100*time.Millisecond),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(w)
		}),
	)
}

// RunFetch fetches every tile of r with a pool of workers and saves the responses through
// outputter, which it closes when done. Failed tiles are counted, not returned as errors.
// Only cancellation of ctx or a broken generator fail the run.
func RunFetch(ctx context.Context, generator JobGenerator, r TileRange, outputter TileOutputter, opts FetchOptions) (*FetchStats, error) {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.DrainTimeout <= 0 {
		opts.DrainTimeout = DefaultDrainTimeout
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}

	workers := make([]func(context.Context, int, <-chan *TileRequest, chan<- *TileResponse), opts.Workers)
	for w := range workers {
		worker, err := generator.CreateWorker()
		if err != nil {
			outputter.Close()
			return nil, fmt.Errorf("create worker: %w", err)
		}
		workers[w] = worker
	}

	if err := outputter.CreateTiles(); err != nil {
		outputter.Close()
		return nil, fmt.Errorf("create tiles: %w", err)
	}

	fetchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	jobs := make(chan *TileRequest, opts.QueueSize)
	results := make(chan *TileResponse, opts.QueueSize)

	// Start up the HTTP workers that will fetch tiles
	workerWG := &sync.WaitGroup{}
	for id, worker := range workers {
		workerWG.Add(1)
		go func() {
			defer workerWG.Done()
			worker(fetchCtx, id, jobs, results)
		}()
	}

	stats := &FetchStats{Expected: r.Count()}
	saved := roaring64.New()
	bar := newProgressBar(opts.Progress, stats.Expected)

	// Start the worker that receives data from HTTP workers
	resultWG := &sync.WaitGroup{}
	resultWG.Add(1)
	go processResults(ctx, resultWG, results, outputter, r, saved, stats, bar)

	jobErr := generator.CreateJobs(fetchCtx, jobs)

	close(jobs)
	slog.Info("REQUEST", "status", "all requests queued, waiting for workers", "timeout", opts.DrainTimeout)

	done := make(chan struct{})
	go func() {
		// When the workers are done, close the results channel
		workerWG.Wait()
		close(results)
		resultWG.Wait()
		close(done)
	}()

	timer := time.NewTimer(opts.DrainTimeout)
	defer timer.Stop()

	timedOut := false
	select {
	case <-done:
	case <-timer.C:
		timedOut = true
		slog.Warn("REQUEST", "status", "drain timeout reached, abandoning in-flight tiles")
		cancel()
		<-done
	case <-ctx.Done():
		cancel()
		<-done
	}

	if err := ctx.Err(); err != nil {
		return stats, err
	}

	if jobErr != nil {
		return stats, fmt.Errorf("create jobs: %w", jobErr)
	}

	stats.TimedOut = timedOut

	GenerateTiles(r, func(t TileCoordinate) bool {
		if !saved.Contains(r.Index(t)) {
			stats.Missing = append(stats.Missing, t)
		}
		return true
	})

	slog.Info("REQUEST", "status", "joined all workers", "expected", stats.Expected, "saved", stats.Saved, "failed", stats.Failed, "missing", len(stats.Missing))

	for i, t := range stats.Missing {
		if i == missingLogLimit {
			slog.Warn("REQUEST", "missing_more", len(stats.Missing)-missingLogLimit)
			break
		}
		slog.Warn("REQUEST", "missing", TileFilename(t))
	}

	return stats, nil
}
