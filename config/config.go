// Package config holds the settings of a tile stitching run. Values come from defaults,
// an optional YAML file, TILESTITCH_* environment variables and command line flags, in
// increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"gopkg.in/yaml.v3"

	"github.com/tilezen/go-tilestitch/tilepack"
)

// Config defines a fetch and stitch run.
type Config struct {
	URL        string
	World      string
	MinX       int
	MaxX       int
	MinZ       int
	MaxZ       int
	Mode       string
	Scale      string
	RegionSize int
	InvertZ    bool
	TilePixels int

	// URLTemplate overrides the dynmap tile path layout.
	URLTemplate string

	// ScratchDir is a directory or bucket URL holding one file per tile.
	ScratchDir string
	// Output is the key of the composited image inside OutputBucket.
	Output string
	// OutputBucket defaults to ScratchDir.
	OutputBucket string
	// Archive is an optional mbtiles file receiving a copy of every tile.
	Archive string

	Workers           int
	RequestsPerSecond float64
	Burst             int
	DrainTimeout      time.Duration
	HTTPTimeout       time.Duration
	UserAgent         string
	Retry             RetryConfig

	MetricsFile string
}

// RetryConfig defines retry behavior for tile requests.
type RetryConfig struct {
	Attempts   int
	Backoff    time.Duration
	MaxBackoff time.Duration
}

var ErrInvalidConfig = errors.New("invalid config")

// Default returns a Config with sensible defaults.
func Default() Config {
	policy := tilepack.DefaultRetryPolicy()

	return Config{
		Mode:         "flat",
		Scale:        "normal",
		RegionSize:   tilepack.DefaultRegionSize,
		InvertZ:      true,
		TilePixels:   tilepack.TilePixels,
		ScratchDir:   "image",
		Output:       "target.png",
		Workers:      tilepack.DefaultWorkers,
		Burst:        1,
		DrainTimeout: tilepack.DefaultDrainTimeout,
		HTTPTimeout:  60 * time.Second,
		Retry: RetryConfig{
			Attempts:   policy.MaxAttempts,
			Backoff:    policy.InitialBackoff,
			MaxBackoff: policy.MaxBackoff,
		},
	}
}

// yamlConfig is used for YAML unmarshaling with string durations. Pointers tell an
// explicit zero apart from a missing key.
type yamlConfig struct {
	URL               string          `yaml:"url"`
	World             string          `yaml:"world"`
	MinX              *int            `yaml:"min_x"`
	MaxX              *int            `yaml:"max_x"`
	MinZ              *int            `yaml:"min_z"`
	MaxZ              *int            `yaml:"max_z"`
	Mode              string          `yaml:"mode"`
	Scale             string          `yaml:"scale"`
	RegionSize        int             `yaml:"region_size"`
	InvertZ           *bool           `yaml:"invert_z"`
	TilePixels        int             `yaml:"tile_pixels"`
	URLTemplate       string          `yaml:"url_template"`
	ScratchDir        string          `yaml:"scratch_dir"`
	Output            string          `yaml:"output"`
	OutputBucket      string          `yaml:"output_bucket"`
	Archive           string          `yaml:"archive"`
	Workers           int             `yaml:"workers"`
	RequestsPerSecond float64         `yaml:"requests_per_second"`
	Burst             int             `yaml:"burst"`
	DrainTimeout      string          `yaml:"drain_timeout"`
	HTTPTimeout       string          `yaml:"http_timeout"`
	UserAgent         string          `yaml:"user_agent"`
	Retry             yamlRetryConfig `yaml:"retry"`
	MetricsFile       string          `yaml:"metrics_file"`
}

type yamlRetryConfig struct {
	Attempts   int    `yaml:"attempts"`
	Backoff    string `yaml:"backoff"`
	MaxBackoff string `yaml:"max_backoff"`
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func LoadFromFile(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}

	var yc yamlConfig
	if err := yaml.Unmarshal(data, &yc); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}

	cfg := Default()

	setString(&cfg.URL, yc.URL)
	setString(&cfg.World, yc.World)
	setString(&cfg.Mode, yc.Mode)
	setString(&cfg.Scale, yc.Scale)
	setString(&cfg.URLTemplate, yc.URLTemplate)
	setString(&cfg.ScratchDir, yc.ScratchDir)
	setString(&cfg.Output, yc.Output)
	setString(&cfg.OutputBucket, yc.OutputBucket)
	setString(&cfg.Archive, yc.Archive)
	setString(&cfg.UserAgent, yc.UserAgent)
	setString(&cfg.MetricsFile, yc.MetricsFile)

	if yc.MinX != nil {
		cfg.MinX = *yc.MinX
	}
	if yc.MaxX != nil {
		cfg.MaxX = *yc.MaxX
	}
	if yc.MinZ != nil {
		cfg.MinZ = *yc.MinZ
	}
	if yc.MaxZ != nil {
		cfg.MaxZ = *yc.MaxZ
	}
	if yc.InvertZ != nil {
		cfg.InvertZ = *yc.InvertZ
	}
	if yc.RegionSize != 0 {
		cfg.RegionSize = yc.RegionSize
	}
	if yc.TilePixels != 0 {
		cfg.TilePixels = yc.TilePixels
	}
	if yc.Workers != 0 {
		cfg.Workers = yc.Workers
	}
	if yc.RequestsPerSecond != 0 {
		cfg.RequestsPerSecond = yc.RequestsPerSecond
	}
	if yc.Burst != 0 {
		cfg.Burst = yc.Burst
	}
	if yc.Retry.Attempts != 0 {
		cfg.Retry.Attempts = yc.Retry.Attempts
	}

	durations := []struct {
		name  string
		value string
		dest  *time.Duration
	}{
		{"drain_timeout", yc.DrainTimeout, &cfg.DrainTimeout},
		{"http_timeout", yc.HTTPTimeout, &cfg.HTTPTimeout},
		{"retry.backoff", yc.Retry.Backoff, &cfg.Retry.Backoff},
		{"retry.max_backoff", yc.Retry.MaxBackoff, &cfg.Retry.MaxBackoff},
	}

	for _, d := range durations {
		if d.value == "" {
			continue
		}
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", d.name, err)
		}
		*d.dest = v
	}

	return cfg, nil
}

// ApplyEnv overrides cfg with TILESTITCH_* environment variables.
func (c *Config) ApplyEnv() error {
	setString(&c.URL, os.Getenv("TILESTITCH_URL"))
	setString(&c.World, os.Getenv("TILESTITCH_WORLD"))
	setString(&c.Mode, os.Getenv("TILESTITCH_MODE"))
	setString(&c.Scale, os.Getenv("TILESTITCH_SCALE"))
	setString(&c.ScratchDir, os.Getenv("TILESTITCH_SCRATCH_DIR"))
	setString(&c.OutputBucket, os.Getenv("TILESTITCH_OUTPUT_BUCKET"))
	setString(&c.UserAgent, os.Getenv("TILESTITCH_USER_AGENT"))

	if v := os.Getenv("TILESTITCH_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse TILESTITCH_WORKERS: %w", err)
		}
		c.Workers = n
	}

	if v := os.Getenv("TILESTITCH_REQUESTS_PER_SECOND"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("parse TILESTITCH_REQUESTS_PER_SECOND: %w", err)
		}
		c.RequestsPerSecond = f
	}

	return nil
}

// Validate checks settings that would otherwise fail halfway through a run.
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("%w: url is required", ErrInvalidConfig)
	}
	if c.World == "" {
		return fmt.Errorf("%w: world is required", ErrInvalidConfig)
	}
	if c.MinX > c.MaxX {
		return fmt.Errorf("%w: bad x range %d..%d", tilepack.ErrInvalidBounds, c.MinX, c.MaxX)
	}
	if c.MinZ > c.MaxZ {
		return fmt.Errorf("%w: bad z range %d..%d", tilepack.ErrInvalidBounds, c.MinZ, c.MaxZ)
	}
	if _, err := tilepack.ParseViewMode(c.Mode); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if _, err := tilepack.ParseScale(c.Scale); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.RegionSize != 16 && c.RegionSize != 32 {
		return fmt.Errorf("%w: region size must be 16 or 32, got %d", ErrInvalidConfig, c.RegionSize)
	}
	if c.TilePixels <= 0 {
		return fmt.Errorf("%w: tile pixels must be positive", ErrInvalidConfig)
	}
	if c.Workers <= 0 {
		return fmt.Errorf("%w: workers must be positive", ErrInvalidConfig)
	}
	if c.RequestsPerSecond < 0 {
		return fmt.Errorf("%w: requests per second must not be negative", ErrInvalidConfig)
	}
	if c.Retry.Attempts <= 0 {
		return fmt.Errorf("%w: retry attempts must be positive", ErrInvalidConfig)
	}
	if c.ScratchDir == "" || c.Output == "" {
		return fmt.Errorf("%w: scratch dir and output are required", ErrInvalidConfig)
	}
	return nil
}

// Bounds returns the world box with world Z on the Y axis.
func (c *Config) Bounds() orb.Bound {
	return orb.Bound{
		Min: orb.Point{float64(c.MinX), float64(c.MinZ)},
		Max: orb.Point{float64(c.MaxX), float64(c.MaxZ)},
	}
}

// SetBounds replaces the world box, world Z taken from the Y axis.
func (c *Config) SetBounds(b orb.Bound) {
	c.MinX, c.MinZ = int(b.Min.X()), int(b.Min.Y())
	c.MaxX, c.MaxZ = int(b.Max.X()), int(b.Max.Y())
}

// ParseBounds reads a "minX,minZ,maxX,maxZ" world box of integers.
func ParseBounds(str string) (orb.Bound, error) {
	parts := strings.Split(str, ",")
	if len(parts) != 4 {
		return orb.Bound{}, fmt.Errorf("bounds must be a comma-separated list of 4 integers, got %q", str)
	}

	values := make([]float64, 4)
	for i, part := range parts {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return orb.Bound{}, fmt.Errorf("bounds value %q is not an integer: %w", part, err)
		}
		values[i] = float64(v)
	}

	return orb.Bound{
		Min: orb.Point{values[0], values[1]},
		Max: orb.Point{values[2], values[3]},
	}, nil
}

// RetryPolicy converts the retry settings for the tile fetcher.
func (c *Config) RetryPolicy() tilepack.RetryPolicy {
	return tilepack.RetryPolicy{
		MaxAttempts:    c.Retry.Attempts,
		InitialBackoff: c.Retry.Backoff,
		MaxBackoff:     c.Retry.MaxBackoff,
	}
}

func setString(dest *string, v string) {
	if v != "" {
		*dest = v
	}
}
