package tilepack

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"
)

const (
	httpUserAgent = "go-tilestitch/1.0"

	// DefaultTileURLTemplate is the dynmap tile layout.
	DefaultTileURLTemplate = "{base}/tiles/{world}/{mode}/{rx}_{rz}/{scale}{x}_{z}.png"
)

var (
	ErrTileNotFound     = errors.New("tile not found")
	ErrUnexpectedStatus = errors.New("unexpected HTTP status")
)

// RetryExhaustedError is returned once every attempt of a tile request has failed.
type RetryExhaustedError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("giving up on %s after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Err
}

// RetryPolicy bounds the attempts made for one tile. Failed connections, I/O errors and
// non-2xx statuses are retried with a doubling backoff. HTTP 404 is the exception: it
// fails at once with ErrTileNotFound, regardless of MaxAttempts, since the server has not
// rendered that tile.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    10,
		InitialBackoff: 300 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
	}
}

type DynmapOptions struct {
	BaseURL     string
	World       string
	ViewMode    ViewMode
	Scale       Scale
	RegionSize  int
	Range       TileRange
	URLTemplate string
	UserAgent   string
	HTTPTimeout time.Duration
	Retry       RetryPolicy

	// Limiter paces requests across all workers. Nil means unlimited.
	Limiter *rate.Limiter

	// HTTPClient overrides the client built from HTTPTimeout.
	HTTPClient *http.Client
}

// TileURL builds the remote location of a tile.
func (o *DynmapOptions) TileURL(t TileCoordinate) string {
	regionSize := o.RegionSize
	if regionSize <= 0 {
		regionSize = DefaultRegionSize
	}

	template := o.URLTemplate
	if template == "" {
		template = DefaultTileURLTemplate
	}

	region := t.Region(regionSize)

	return strings.NewReplacer(
		"{base}", strings.TrimSuffix(o.BaseURL, "/"),
		"{world}", o.World,
		"{mode}", o.ViewMode.Token(),
		"{rx}", strconv.Itoa(region.X),
		"{rz}", strconv.Itoa(region.Z),
		"{scale}", o.Scale.Prefix(),
		"{x}", strconv.Itoa(t.X),
		"{z}", strconv.Itoa(t.Z)).Replace(template)
}

func NewDynmapJobGenerator(opts DynmapOptions) (JobGenerator, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("base URL is required")
	}

	if opts.World == "" {
		return nil, errors.New("world is required")
	}

	if opts.Range.Step <= 0 {
		return nil, errors.New("tile range has no step")
	}

	if opts.RegionSize <= 0 {
		opts.RegionSize = DefaultRegionSize
	}

	if opts.URLTemplate == "" {
		opts.URLTemplate = DefaultTileURLTemplate
	}

	if opts.UserAgent == "" {
		opts.UserAgent = httpUserAgent
	}

	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry = DefaultRetryPolicy()
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		// Configure the HTTP client with a timeout and connection pools
		httpClient = &http.Client{}
		httpClient.Timeout = opts.HTTPTimeout
		httpTransport := &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: 500,
			DisableCompression:  true,
		}
		httpClient.Transport = httpTransport
	}

	return &dynmapJobGenerator{
		httpClient: httpClient,
		opts:       opts,
	}, nil
}

type dynmapJobGenerator struct {
	httpClient *http.Client
	opts       DynmapOptions
}

func fetchOnce(ctx context.Context, client *http.Client, url string, userAgent string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("User-Agent", userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: %s", ErrTileNotFound, url)
	}

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: %s", ErrUnexpectedStatus, resp.Status)
	}

	return io.ReadAll(resp.Body)
}

// doHTTPWithRetry returns the body and the number of attempts made.
func doHTTPWithRetry(ctx context.Context, client *http.Client, url string, userAgent string, policy RetryPolicy) ([]byte, int, error) {
	sleep := policy.InitialBackoff
	var lastErr error

	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		if attempt > 1 {
			fetchRetries.Inc()

			select {
			case <-ctx.Done():
				return nil, attempt - 1, ctx.Err()
			case <-time.After(sleep):
			}

			sleep *= 2
			if sleep > policy.MaxBackoff {
				sleep = policy.MaxBackoff
			}
		}

		data, err := fetchOnce(ctx, client, url, userAgent)
		if err == nil {
			return data, attempt, nil
		}

		if errors.Is(err, ErrTileNotFound) || ctx.Err() != nil {
			return nil, attempt, err
		}

		lastErr = err

		if errors.Is(err, syscall.ECONNREFUSED) {
			slog.Warn("REQUEST", "url", url, "attempt", attempt, "error", "couldn't connect, retry")
		} else {
			slog.Warn("REQUEST", "url", url, "attempt", attempt, "error", err)
		}
	}

	return nil, policy.MaxAttempts, &RetryExhaustedError{URL: url, Attempts: policy.MaxAttempts, Err: lastErr}
}

func (x *dynmapJobGenerator) CreateWorker() (func(ctx context.Context, id int, jobs <-chan *TileRequest, results chan<- *TileResponse), error) {
	f := func(ctx context.Context, id int, jobs <-chan *TileRequest, results chan<- *TileResponse) {
		for request := range jobs {
			// Keep draining after cancellation so the job queue never blocks
			if ctx.Err() != nil {
				results <- &TileResponse{Tile: request.Tile, Err: ctx.Err()}
				continue
			}

			if x.opts.Limiter != nil {
				if err := x.opts.Limiter.Wait(ctx); err != nil {
					results <- &TileResponse{Tile: request.Tile, Err: err}
					continue
				}
			}

			start := time.Now()

			data, attempts, err := doHTTPWithRetry(ctx, x.httpClient, request.URL, x.opts.UserAgent, x.opts.Retry)

			secs := time.Since(start).Seconds()
			fetchDuration.Observe(secs)

			slog.Debug("REQUEST", "worker", id, "url", request.URL, "attempts", attempts, "elapsed", secs)

			results <- &TileResponse{
				Tile:     request.Tile,
				Data:     data,
				Elapsed:  secs,
				Attempts: attempts,
				Err:      err,
			}
		}
	}

	return f, nil
}

func (x *dynmapJobGenerator) CreateJobs(ctx context.Context, jobs chan<- *TileRequest) error {
	var err error

	GenerateTiles(x.opts.Range, func(t TileCoordinate) bool {
		select {
		case jobs <- &TileRequest{Tile: t, URL: x.opts.TileURL(t)}:
			return true
		case <-ctx.Done():
			err = ctx.Err()
			return false
		}
	})

	return err
}
