package tilepack

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
)

func TestMbtilesRoundTrip(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "run.mbtiles")

	metadata := NewRunMetadata("world", ViewModeSurface, ScaleBigger, bound(-64, -64, 63, 63), true)

	out, err := NewMbtilesOutputter(dsn, metadata)
	if err != nil {
		t.Fatalf("NewMbtilesOutputter() error = %v", err)
	}
	if err := out.CreateTiles(); err != nil {
		t.Fatalf("CreateTiles() error = %v", err)
	}

	tiles := map[TileCoordinate][]byte{
		{X: -4, Z: 2}: []byte("a"),
		{X: 0, Z: 0}:  []byte("b"),
		// Same bytes, stored once
		{X: 2, Z: -2}: []byte("b"),
	}
	for tile, data := range tiles {
		if err := out.Save(ctx, tile, data); err != nil {
			t.Fatalf("Save(%v) error = %v", tile, err)
		}
	}

	if err := out.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	reader, err := NewMbtilesReader(dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()

	got := map[TileCoordinate][]byte{}
	err = reader.VisitAllTiles(ctx, func(tile TileCoordinate, data []byte) error {
		got[tile] = data
		return nil
	})
	if err != nil {
		t.Fatalf("VisitAllTiles() error = %v", err)
	}
	if !reflect.DeepEqual(got, tiles) {
		t.Errorf("VisitAllTiles() = %v, want %v", got, tiles)
	}

	td, err := reader.GetTile(ctx, TileCoordinate{X: -4, Z: 2})
	if err != nil || td.Data == nil || string(*td.Data) != "a" {
		t.Errorf("GetTile() = %v, %v", td, err)
	}

	td, err = reader.GetTile(ctx, TileCoordinate{X: 100, Z: 100})
	if err != nil || td.Data != nil {
		t.Errorf("GetTile() for a missing tile = %v, %v", td, err)
	}

	m, err := reader.Metadata()
	if err != nil {
		t.Fatalf("Metadata() error = %v", err)
	}

	if mode, err := m.ViewMode(); err != nil || mode != ViewModeSurface {
		t.Errorf("ViewMode() = %v, %v", mode, err)
	}
	if !m.InvertZ() {
		t.Error("InvertZ() = false")
	}
	if name, _ := m.Name(); name != "world/t" {
		t.Errorf("Name() = %q, want world/t", name)
	}

	r, err := m.TileRange()
	if err != nil {
		t.Fatalf("TileRange() error = %v", err)
	}

	want, err := GenerateTileRange(&GenerateRangeOptions{Bounds: bound(-64, -64, 63, 63), Scale: ScaleBigger, InvertZ: true})
	if err != nil {
		t.Fatal(err)
	}
	if r != want {
		t.Errorf("TileRange() = %v, want %v", r, want)
	}
}

func TestMbtilesMetadataErrors(t *testing.T) {
	tests := []struct {
		name     string
		metadata map[string]string
	}{
		{"no bounds", map[string]string{"scale": "normal"}},
		{"short bounds", map[string]string{"scale": "normal", "bounds": "1,2,3"}},
		{"bad bounds", map[string]string{"scale": "normal", "bounds": "a,2,3,4"}},
		{"no scale", map[string]string{"bounds": "0,0,1,1"}},
		{"bad scale", map[string]string{"bounds": "0,0,1,1", "scale": "tiny"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewMbtilesMetadata(tt.metadata).TileRange(); err == nil {
				t.Error("TileRange() should fail")
			}
		})
	}
}

func TestMbtilesExtent(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "partial.mbtiles")

	out, err := NewMbtilesOutputter(dsn, NewMbtilesMetadata(map[string]string{"scale": "big"}))
	if err != nil {
		t.Fatal(err)
	}
	if err := out.CreateTiles(); err != nil {
		t.Fatal(err)
	}

	reader, err := NewMbtilesReader(dsn)
	if err != nil {
		t.Fatal(err)
	}
	defer reader.Close()

	if _, _, err := reader.Extent(ctx); !errors.Is(err, ErrEmptyArchive) {
		t.Fatalf("Extent() of an empty archive error = %v, want ErrEmptyArchive", err)
	}

	for _, tile := range []TileCoordinate{{X: -8, Z: 4}, {X: 12, Z: -20}, {X: 0, Z: 0}} {
		if err := out.Save(ctx, tile, []byte("x")); err != nil {
			t.Fatal(err)
		}
	}
	if err := out.Close(); err != nil {
		t.Fatal(err)
	}

	scale, r, err := reader.Extent(ctx)
	if err != nil {
		t.Fatalf("Extent() error = %v", err)
	}
	if scale != ScaleBig {
		t.Errorf("scale = %s, want big", scale)
	}
	if want := (TileRange{MinX: -8, MaxX: 12, MinZ: -20, MaxZ: 4, Step: 4}); r != want {
		t.Errorf("Extent() = %v, want %v", r, want)
	}
}
