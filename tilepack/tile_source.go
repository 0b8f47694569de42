package tilepack

import (
	"context"
	"fmt"
	"io"
	"log/slog"

	"gocloud.dev/blob"
)

type TileVisitorFunc func(tile TileCoordinate, data []byte) error

// TileSource yields stored tiles for compositing.
type TileSource interface {
	VisitAllTiles(ctx context.Context, visitor TileVisitorFunc) error
}

// NewScratchSource scans scratch storage for tile files. Keys listed in exclude, such as
// the composited output, and keys that are not tile file names are skipped.
func NewScratchSource(bucket *blob.Bucket, exclude ...string) TileSource {
	excluded := make(map[string]bool, len(exclude))
	for _, k := range exclude {
		excluded[k] = true
	}

	return &scratchSource{bucket: bucket, exclude: excluded}
}

type scratchSource struct {
	bucket  *blob.Bucket
	exclude map[string]bool
}

func (s *scratchSource) VisitAllTiles(ctx context.Context, visitor TileVisitorFunc) error {
	iter := s.bucket.List(nil)

	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("list scratch: %w", err)
		}

		if obj.IsDir || s.exclude[obj.Key] {
			continue
		}

		tile, err := ParseTileFilename(obj.Key)
		if err != nil {
			slog.Debug("IMAGE", "skip", obj.Key)
			continue
		}

		data, err := s.bucket.ReadAll(ctx, obj.Key)
		if err != nil {
			return fmt.Errorf("read %s: %w", obj.Key, err)
		}

		if err := visitor(tile, data); err != nil {
			return err
		}
	}
}

// NewMultiSource visits each source in order. Tiles of later sources are drawn over earlier ones.
func NewMultiSource(sources ...TileSource) TileSource {
	return multiSource(sources)
}

type multiSource []TileSource

func (m multiSource) VisitAllTiles(ctx context.Context, visitor TileVisitorFunc) error {
	for _, s := range m {
		if err := s.VisitAllTiles(ctx, visitor); err != nil {
			return err
		}
	}
	return nil
}
