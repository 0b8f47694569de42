package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"

	"github.com/tilezen/go-tilestitch/internal/logger"
	"github.com/tilezen/go-tilestitch/tilepack"
)

type ensureOptions struct {
	World   string
	Mode    string
	InvertZ bool
	Verify  bool
}

// ensureMetadata fills in the run metadata of an archive whose run never finished, deriving
// bounds and scale from the archived tiles. Keys already present are kept. It returns the
// keys it added.
func ensureMetadata(ctx context.Context, path string, opts ensureOptions) ([]string, error) {
	reader, err := tilepack.NewMbtilesReader(path)
	if err != nil {
		return nil, fmt.Errorf("couldn't read input mbtiles %s: %w", path, err)
	}

	metadata, err := reader.Metadata()
	if err != nil {
		reader.Close()
		return nil, fmt.Errorf("unable to read metadata for %s: %w", path, err)
	}

	scale, extent, err := reader.Extent(ctx)
	reader.Close()
	if err != nil {
		return nil, fmt.Errorf("couldn't read tiles from %s: %w", path, err)
	}

	world := opts.World
	if v, ok := metadata.Get("world"); ok {
		world = v
	}

	mode, err := tilepack.ParseViewMode(opts.Mode)
	if err != nil {
		return nil, err
	}
	if m, err := metadata.ViewMode(); err == nil {
		mode = m
	}

	invertZ := opts.InvertZ
	if _, ok := metadata.Get("invert_z"); ok {
		invertZ = metadata.InvertZ()
	}

	derived := tilepack.NewRunMetadata(world, mode, scale, extent.WorldBounds(invertZ), invertZ)

	var added []string
	for _, k := range derived.Keys() {
		if _, ok := metadata.Get(k); ok {
			continue
		}
		v, _ := derived.Get(k)
		metadata.Set(k, v)
		added = append(added, k)
	}

	if len(added) == 0 {
		return nil, nil
	}

	mbtilesWriter, err := tilepack.NewMbtilesOutputter(path, metadata)
	if err != nil {
		return nil, fmt.Errorf("couldn't open %s for writing: %w", path, err)
	}

	// CreateTiles leaves existing tables alone and makes Close write the metadata
	if err := mbtilesWriter.CreateTiles(); err != nil {
		mbtilesWriter.Close()
		return nil, err
	}

	if err := mbtilesWriter.Close(); err != nil {
		return nil, fmt.Errorf("failed to assign metadata to %s: %w", path, err)
	}

	return added, nil
}

func verify(path string) error {
	reader, err := tilepack.NewMbtilesReader(path)
	if err != nil {
		return fmt.Errorf("couldn't read input mbtiles %s: %w", path, err)
	}
	defer reader.Close()

	metadata, err := reader.Metadata()
	if err != nil {
		return fmt.Errorf("unable to read metadata for %s: %w", path, err)
	}

	r, err := metadata.TileRange()
	if err != nil {
		return fmt.Errorf("failed to derive tile range from metadata of %s: %w", path, err)
	}

	bounds, _ := metadata.Bounds()
	scale, _ := metadata.Scale()
	slog.Info("VERIFY", "path", path, "bounds", bounds, "scale", scale, "tiles", r.String(), "count", r.Count())
	return nil
}

func main() {
	_ = godotenv.Load()
	logger.Setup()

	opts := ensureOptions{}
	flag.StringVar(&opts.World, "world", "world", "World name to record when the archive has none.")
	flag.StringVar(&opts.Mode, "mode", "flat", "View mode to record when the archive has none.")
	flag.BoolVar(&opts.InvertZ, "invert-z", true, "Z inversion to record when the archive has none.")
	flag.BoolVar(&opts.Verify, "verify", false, "Verify that a tile range can be derived from each archive afterwards.")
	flag.Parse()

	ctx := context.Background()
	failed := false

	for _, path := range flag.Args() {
		added, err := ensureMetadata(ctx, path, opts)
		if err != nil {
			if errors.Is(err, tilepack.ErrEmptyArchive) {
				slog.Warn("METADATA", "path", path, "error", err)
				continue
			}
			slog.Error("METADATA", "path", path, "error", err)
			failed = true
			continue
		}

		slog.Info("METADATA", "path", path, "added", added)

		if opts.Verify {
			if err := verify(path); err != nil {
				slog.Error("VERIFY", "path", path, "error", err)
				failed = true
			}
		}
	}

	if failed {
		os.Exit(1)
	}
}
