package tilepack

import (
	"context"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"testing"

	"gocloud.dev/blob/memblob"
)

func TestTileFilename(t *testing.T) {
	tests := []struct {
		tile TileCoordinate
		name string
	}{
		{TileCoordinate{X: 0, Z: 0}, "0_0.png"},
		{TileCoordinate{X: -8, Z: 40}, "-8_40.png"},
		{TileCoordinate{X: 31, Z: -33}, "31_-33.png"},
	}
	for _, tt := range tests {
		if got := TileFilename(tt.tile); got != tt.name {
			t.Errorf("TileFilename(%v) = %q, want %q", tt.tile, got, tt.name)
		}

		parsed, err := ParseTileFilename(tt.name)
		if err != nil {
			t.Errorf("ParseTileFilename(%q) error = %v", tt.name, err)
			continue
		}
		if parsed != tt.tile {
			t.Errorf("ParseTileFilename(%q) = %v, want %v", tt.name, parsed, tt.tile)
		}
	}
}

func TestParseTileFilenameRejects(t *testing.T) {
	for _, name := range []string{"target.png", "1_2.jpg", "1_2_3.png", "zz_1_2.png", "a_b.png", ""} {
		if _, err := ParseTileFilename(name); err == nil {
			t.Errorf("ParseTileFilename(%q) should fail", name)
		}
	}

	tile, err := ParseTileFilename("/tiles/world/flat/0_0/3_-4.png")
	if err != nil || tile != (TileCoordinate{X: 3, Z: -4}) {
		t.Errorf("ParseTileFilename() with a path = %v, %v", tile, err)
	}
}

func TestCleanScratch(t *testing.T) {
	ctx := context.Background()
	bucket := memblob.OpenBucket(nil)
	defer bucket.Close()

	for _, k := range []string{"0_0.png", "-1_5.png", "target.png", "keep.txt", "readme.png"} {
		if err := bucket.WriteAll(ctx, k, []byte("x"), nil); err != nil {
			t.Fatal(err)
		}
	}

	deleted, err := CleanScratch(ctx, bucket, "target.png")
	if err != nil {
		t.Fatalf("CleanScratch() error = %v", err)
	}
	if deleted != 3 {
		t.Errorf("deleted %d keys, want 3", deleted)
	}

	left := scratchKeys(t, bucket)
	sort.Strings(left)
	if want := []string{"keep.txt", "readme.png"}; !reflect.DeepEqual(left, want) {
		t.Errorf("left %v, want %v", left, want)
	}
}

func TestDiskOutputter(t *testing.T) {
	ctx := context.Background()
	dir := filepath.Join(t.TempDir(), "image")

	// Missing directories are created
	bucket, err := OpenBucket(ctx, dir)
	if err != nil {
		t.Fatalf("OpenBucket() error = %v", err)
	}
	defer bucket.Close()

	out := NewDiskOutputter(bucket)
	if err := out.CreateTiles(); err != nil {
		t.Fatalf("CreateTiles() error = %v", err)
	}

	if err := out.Save(ctx, TileCoordinate{X: -3, Z: 7}, []byte("tile bytes")); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := out.Close(); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "-3_7.png"))
	if err != nil {
		t.Fatalf("tile file missing: %v", err)
	}
	if string(data) != "tile bytes" {
		t.Errorf("tile file holds %q, bytes must be stored verbatim", data)
	}
}

func TestDiskScratchHoldsOneFilePerTile(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	srv := newTileServer(t, nil)

	r, err := GenerateTileRange(&GenerateRangeOptions{Bounds: bound(0, 0, 63, 63), Scale: ScaleBiggest})
	if err != nil {
		t.Fatal(err)
	}

	bucket, err := OpenBucket(ctx, dir)
	if err != nil {
		t.Fatal(err)
	}
	defer bucket.Close()

	stats, err := RunFetch(ctx, newGenerator(t, srv.URL, srv.Client(), r), r, NewDiskOutputter(bucket), FetchOptions{Workers: 64})
	if err != nil {
		t.Fatalf("RunFetch() error = %v", err)
	}
	if stats.Saved != r.Count() {
		t.Fatalf("saved %d tiles, want %d", stats.Saved, r.Count())
	}

	img, _, err := NewCompositor(r, TilePixels).Composite(ctx, NewScratchSource(bucket, "target.png"))
	if err != nil {
		t.Fatal(err)
	}
	if err := WriteImage(ctx, bucket, "target.png", img); err != nil {
		t.Fatal(err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}

	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)

	want := []string{"0_0.png", "0_1.png", "1_0.png", "1_1.png", "target.png"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("scratch directory holds %v, want %v", names, want)
	}
}
