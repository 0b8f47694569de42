package tilepack

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/png"
	"log/slog"

	"gocloud.dev/blob"
)

var (
	ErrTileOutOfRange = errors.New("tile outside the canvas")
	ErrTileSize       = errors.New("unexpected tile size")
)

// Compositor pastes tiles of one TileRange into a single canvas.
type Compositor struct {
	Range      TileRange
	TilePixels int
}

func NewCompositor(r TileRange, tilePixels int) *Compositor {
	if tilePixels <= 0 {
		tilePixels = TilePixels
	}
	return &Compositor{Range: r, TilePixels: tilePixels}
}

// Composite draws every tile of src at its offset. Any undecodable or misplaced tile
// aborts the whole image. Cells without a tile stay transparent.
func (c *Compositor) Composite(ctx context.Context, src TileSource) (*image.NRGBA, int, error) {
	size := c.Range.CanvasSize(c.TilePixels)
	canvas := image.NewNRGBA(image.Rect(0, 0, size.X, size.Y))

	slog.Info("IMAGE", "width", size.X, "height", size.Y, "tiles", c.Range.Count())

	drawn := 0

	err := src.VisitAllTiles(ctx, func(tile TileCoordinate, data []byte) error {
		if err := c.drawTile(canvas, tile, data); err != nil {
			return err
		}
		drawn++
		return nil
	})
	if err != nil {
		return nil, drawn, err
	}

	slog.Info("IMAGE", "drawn", drawn, "expected", c.Range.Count())

	return canvas, drawn, nil
}

func (c *Compositor) drawTile(canvas *image.NRGBA, tile TileCoordinate, data []byte) error {
	if !c.Range.Contains(tile) {
		return fmt.Errorf("%w: tile %d_%d, range %s", ErrTileOutOfRange, tile.X, tile.Z, c.Range)
	}

	img, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("decode tile %d_%d: %w", tile.X, tile.Z, err)
	}

	b := img.Bounds()
	if b.Dx() != c.TilePixels || b.Dy() != c.TilePixels {
		return fmt.Errorf("%w: tile %d_%d is %dx%d, want %dx%d", ErrTileSize, tile.X, tile.Z, b.Dx(), b.Dy(), c.TilePixels, c.TilePixels)
	}

	offset := c.Range.PixelOffset(tile, c.TilePixels)
	dest := image.Rectangle{Min: offset, Max: offset.Add(image.Pt(c.TilePixels, c.TilePixels))}

	slog.Debug("IMAGE", "tile", TileFilename(tile), "x", offset.X, "y", offset.Y)

	draw.Draw(canvas, dest, img, b.Min, draw.Src)
	return nil
}

// WriteImage encodes img as PNG under key. Nothing is written when encoding fails.
func WriteImage(ctx context.Context, bucket *blob.Bucket, key string, img image.Image) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := bucket.NewWriter(ctx, key, &blob.WriterOptions{ContentType: "image/png"})
	if err != nil {
		return fmt.Errorf("open %s: %w", key, err)
	}

	if err := png.Encode(w, img); err != nil {
		// Cancelling before Close discards the partial object
		cancel()
		w.Close()
		return fmt.Errorf("encode %s: %w", key, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}

	return nil
}
