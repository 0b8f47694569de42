package main

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"

	"github.com/tilezen/go-tilestitch/tilepack"
)

func solidTile(t *testing.T, c color.Color) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, tilepack.TilePixels, tilepack.TilePixels))
	for y := 0; y < tilepack.TilePixels; y++ {
		for x := 0; x < tilepack.TilePixels; x++ {
			img.Set(x, y, c)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode tile: %v", err)
	}
	return buf.Bytes()
}

var (
	red  = color.NRGBA{R: 255, A: 255}
	blue = color.NRGBA{B: 255, A: 255}
)

func readImage(t *testing.T, path string) image.Image {
	t.Helper()

	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		t.Fatalf("decode %s: %v", path, err)
	}
	return img
}

func pixel(img image.Image, x, y int) color.NRGBA {
	return color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
}

func TestMergeArchive(t *testing.T) {
	dir := t.TempDir()
	archive := filepath.Join(dir, "run.mbtiles")

	bounds := orb.Bound{Min: orb.Point{0, 0}, Max: orb.Point{63, 63}}
	metadata := tilepack.NewRunMetadata("world", tilepack.ViewModeFlat, tilepack.ScaleBiggest, bounds, false)

	outputter, err := tilepack.NewMbtilesOutputter(archive, metadata)
	if err != nil {
		t.Fatalf("create archive: %v", err)
	}
	if err := outputter.CreateTiles(); err != nil {
		t.Fatalf("create tiles: %v", err)
	}

	ctx := context.Background()
	outputter.Save(ctx, tilepack.TileCoordinate{X: 0, Z: 1}, solidTile(t, red))
	outputter.Save(ctx, tilepack.TileCoordinate{X: 1, Z: 0}, solidTile(t, blue))

	if err := outputter.Close(); err != nil {
		t.Fatalf("close archive: %v", err)
	}

	output := filepath.Join(dir, "merged.png")
	err = merge(ctx, mergeOptions{Output: output, TilePixels: tilepack.TilePixels, Inputs: []string{archive}})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	img := readImage(t, output)
	if img.Bounds().Dx() != 256 || img.Bounds().Dy() != 256 {
		t.Fatalf("Expected a 256x256 image, got %v", img.Bounds())
	}

	if got := pixel(img, 10, 10); got != red {
		t.Fatalf("Expected red top-left, got %v", got)
	}
	if got := pixel(img, 200, 200); got != blue {
		t.Fatalf("Expected blue bottom-right, got %v", got)
	}
	if got := pixel(img, 200, 10); got.A != 0 {
		t.Fatalf("Expected missing tile to stay transparent, got %v", got)
	}
}

func TestMergeDirectoryNeedsBounds(t *testing.T) {
	dir := t.TempDir()

	err := merge(context.Background(), mergeOptions{
		Output:     filepath.Join(t.TempDir(), "merged.png"),
		Scale:      "biggest",
		TilePixels: tilepack.TilePixels,
		Inputs:     []string{dir},
	})
	if err == nil {
		t.Fatal("Expected an error without -bounds")
	}
}

func TestMergeDirectory(t *testing.T) {
	tiles := t.TempDir()
	if err := os.WriteFile(filepath.Join(tiles, "0_0.png"), solidTile(t, red), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(tiles, "notes.txt"), []byte("not a tile"), 0o644); err != nil {
		t.Fatal(err)
	}

	output := filepath.Join(t.TempDir(), "merged.png")
	err := merge(context.Background(), mergeOptions{
		Output:     output,
		Bounds:     "0,0,31,31",
		Scale:      "biggest",
		TilePixels: tilepack.TilePixels,
		Inputs:     []string{tiles},
	})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	img := readImage(t, output)
	if img.Bounds().Dx() != 128 || img.Bounds().Dy() != 128 {
		t.Fatalf("Expected a single tile image, got %v", img.Bounds())
	}
	if got := pixel(img, 64, 64); got != red {
		t.Fatalf("Expected red, got %v", got)
	}
}

func TestExecuteRefusesExistingOutput(t *testing.T) {
	output := filepath.Join(t.TempDir(), "merged.png")
	if err := os.WriteFile(output, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := execute([]string{"-output", output, t.TempDir()}); err == nil {
		t.Fatal("Expected an error for an existing output")
	}
}
