package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/gcsblob"
	_ "gocloud.dev/blob/s3blob"

	"github.com/tilezen/go-tilestitch/config"
	"github.com/tilezen/go-tilestitch/internal/logger"
	"github.com/tilezen/go-tilestitch/tilepack"
)

type mergeOptions struct {
	Output     string
	Bounds     string
	Scale      string
	InvertZ    bool
	TilePixels int
	Inputs     []string
}

func pathExists(path string) bool {
	_, err := os.Stat(path)
	if os.IsNotExist(err) {
		return false
	}
	return true
}

func isArchive(path string) bool {
	return strings.HasSuffix(path, ".mbtiles")
}

// tileRange takes the range from the flags when -bounds is given, from the first archive's
// metadata otherwise.
func tileRange(opts mergeOptions, metadata []*tilepack.MbtilesMetadata) (tilepack.TileRange, error) {
	if opts.Bounds != "" {
		bounds, err := config.ParseBounds(opts.Bounds)
		if err != nil {
			return tilepack.TileRange{}, err
		}

		scale, err := tilepack.ParseScale(opts.Scale)
		if err != nil {
			return tilepack.TileRange{}, err
		}

		return tilepack.GenerateTileRange(&tilepack.GenerateRangeOptions{
			Bounds:  bounds,
			Scale:   scale,
			InvertZ: opts.InvertZ,
		})
	}

	if len(metadata) == 0 {
		return tilepack.TileRange{}, errors.New("-bounds is required when no mbtiles archive is given")
	}

	return metadata[0].TileRange()
}

func merge(ctx context.Context, opts mergeOptions) error {
	var sources []tilepack.TileSource
	var metadata []*tilepack.MbtilesMetadata
	var archives []string

	for _, input := range opts.Inputs {
		if isArchive(input) {
			if !pathExists(input) {
				return fmt.Errorf("input archive %s does not exist", input)
			}

			reader, err := tilepack.NewMbtilesReader(input)
			if err != nil {
				return fmt.Errorf("couldn't read input mbtiles %s: %w", input, err)
			}
			defer reader.Close()

			m, err := reader.Metadata()
			if err != nil {
				return fmt.Errorf("couldn't read metadata from %s: %w", input, err)
			}

			sources = append(sources, reader)
			metadata = append(metadata, m)
			archives = append(archives, input)
			continue
		}

		bucket, err := tilepack.OpenBucket(ctx, input)
		if err != nil {
			return fmt.Errorf("couldn't open tile directory %s: %w", input, err)
		}
		defer bucket.Close()

		sources = append(sources, tilepack.NewScratchSource(bucket))
	}

	r, err := tileRange(opts, metadata)
	if err != nil {
		return err
	}

	// Tiles of different scales can't share a canvas
	for i, m := range metadata {
		scale, err := m.Scale()
		if err != nil {
			return fmt.Errorf("archive %s: %w", archives[i], err)
		}
		if scale.Step() != r.Step {
			return fmt.Errorf("archive %s has scale %s, which doesn't match the tile range step %d", archives[i], scale, r.Step)
		}
	}

	img, drawn, err := tilepack.NewCompositor(r, opts.TilePixels).Composite(ctx, tilepack.NewMultiSource(sources...))
	if err != nil {
		return fmt.Errorf("composite: %w", err)
	}

	dir, key := filepath.Split(opts.Output)
	if dir == "" {
		dir = "."
	}

	out, err := tilepack.OpenBucket(ctx, dir)
	if err != nil {
		return fmt.Errorf("open output directory %s: %w", dir, err)
	}
	defer out.Close()

	if err := tilepack.WriteImage(ctx, out, key, img); err != nil {
		return err
	}

	slog.Info("IMAGE", "output", opts.Output, "tiles", drawn, "expected", r.Count())
	return nil
}

func execute(args []string) error {
	fs := flag.NewFlagSet("merge", flag.ContinueOnError)

	opts := mergeOptions{}
	fs.StringVar(&opts.Output, "output", "", "The PNG to write to.")
	fs.StringVar(&opts.Bounds, "bounds", "", "World box in minX,minZ,maxX,maxZ format. Read from the first mbtiles input when empty.")
	fs.StringVar(&opts.Scale, "scale", "normal", "Zoom level of the tiles when -bounds is given.")
	fs.BoolVar(&opts.InvertZ, "invert-z", true, "The tiles count Z opposite to world Z. Used with -bounds.")
	fs.IntVar(&opts.TilePixels, "tile-pixels", tilepack.TilePixels, "Width and height of one tile image.")

	if err := fs.Parse(args); err != nil {
		return err
	}
	opts.Inputs = fs.Args()

	if opts.Output == "" {
		return errors.New("must specify -output path")
	}

	if len(opts.Inputs) == 0 {
		return errors.New("must specify at least one input mbtiles file or tile directory")
	}

	slog.Info("IMAGE", "inputs", strings.Join(opts.Inputs, ", "), "output", opts.Output)

	// If the output file exists already we shouldn't overwrite it
	if pathExists(opts.Output) {
		return fmt.Errorf("output path %s already exists and cannot be overwritten", opts.Output)
	}

	return merge(context.Background(), opts)
}

func main() {
	_ = godotenv.Load()
	logger.Setup()

	if err := execute(os.Args[1:]); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		slog.Error("IMAGE", "error", err)
		os.Exit(1)
	}
}
