package tilepack

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
)

var tileFilenameRegex = regexp.MustCompile(`^(-?\d+)_(-?\d+)\.png$`)

// TileFilename is the scratch key of a tile. It is the only record of the tile's coordinate.
func TileFilename(t TileCoordinate) string {
	return fmt.Sprintf("%d_%d.png", t.X, t.Z)
}

func ParseTileFilename(name string) (TileCoordinate, error) {
	match := tileFilenameRegex.FindStringSubmatch(filepath.Base(name))
	if match == nil {
		return TileCoordinate{}, fmt.Errorf("%q is not a tile file name", name)
	}

	x, err := strconv.Atoi(match[1])
	if err != nil {
		return TileCoordinate{}, fmt.Errorf("parse tile x in %q: %w", name, err)
	}

	z, err := strconv.Atoi(match[2])
	if err != nil {
		return TileCoordinate{}, fmt.Errorf("parse tile z in %q: %w", name, err)
	}

	return TileCoordinate{X: x, Z: z}, nil
}

// OpenBucket opens scratch or output storage. Plain paths become a file bucket rooted at
// the directory, which is created if missing and holds one plain file per key. Anything
// with a scheme goes to blob.OpenBucket.
func OpenBucket(ctx context.Context, dsn string) (*blob.Bucket, error) {
	if strings.Contains(dsn, "://") {
		return blob.OpenBucket(ctx, dsn)
	}

	root, err := filepath.Abs(dsn)
	if err != nil {
		return nil, err
	}

	return fileblob.OpenBucket(root, &fileblob.Options{
		CreateDir: true,
		NoTempDir: true,
		Metadata:  fileblob.MetadataDontWrite,
	})
}

// CleanScratch deletes tiles and the output left over from an earlier run.
func CleanScratch(ctx context.Context, bucket *blob.Bucket, outputKey string) (int, error) {
	deleted := 0
	iter := bucket.List(nil)

	for {
		obj, err := iter.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return deleted, fmt.Errorf("list scratch: %w", err)
		}

		if obj.IsDir {
			continue
		}

		if obj.Key != outputKey && !tileFilenameRegex.MatchString(obj.Key) {
			continue
		}

		if err := bucket.Delete(ctx, obj.Key); err != nil {
			return deleted, fmt.Errorf("delete %s: %w", obj.Key, err)
		}
		deleted++
	}

	return deleted, nil
}

type diskOutputter struct {
	bucket   *blob.Bucket
	hasTiles bool
}

// NewDiskOutputter writes each tile to scratch storage under its TileFilename.
// The bucket stays owned by the caller.
func NewDiskOutputter(bucket *blob.Bucket) *diskOutputter {
	return &diskOutputter{bucket: bucket}
}

func (o *diskOutputter) Close() error {
	return nil
}

func (o *diskOutputter) CreateTiles() error {
	if o.hasTiles {
		return nil
	}

	ok, err := o.bucket.IsAccessible(context.Background())
	if err != nil {
		return err
	}

	if !ok {
		return fmt.Errorf("scratch storage is not accessible")
	}

	o.hasTiles = true
	return nil
}

func (o *diskOutputter) Save(ctx context.Context, tile TileCoordinate, data []byte) error {
	key := TileFilename(tile)

	err := o.bucket.WriteAll(ctx, key, data, &blob.WriterOptions{ContentType: "image/png"})
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}

	slog.Debug("SAVE", "key", key, "bytes", len(data))
	return nil
}
