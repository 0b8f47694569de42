package http

import (
	"context"
	"io"
	gohttp "net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/paulmach/orb"

	"github.com/tilezen/go-tilestitch/tilepack"
)

func newArchive(t *testing.T, tiles map[tilepack.TileCoordinate]string) tilepack.MbtilesReader {
	t.Helper()

	dsn := filepath.Join(t.TempDir(), "run.mbtiles")
	bounds := orb.Bound{Min: orb.Point{-512, -512}, Max: orb.Point{511, 511}}
	metadata := tilepack.NewRunMetadata("world", tilepack.ViewModeSurface, tilepack.ScaleBigger, bounds, true)

	out, err := tilepack.NewMbtilesOutputter(dsn, metadata)
	if err != nil {
		t.Fatal(err)
	}
	if err := out.CreateTiles(); err != nil {
		t.Fatal(err)
	}
	for tile, data := range tiles {
		if err := out.Save(context.Background(), tile, []byte(data)); err != nil {
			t.Fatal(err)
		}
	}
	if err := out.Close(); err != nil {
		t.Fatal(err)
	}

	reader, err := tilepack.NewMbtilesReader(dsn)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { reader.Close() })
	return reader
}

func TestMbtilesHandler(t *testing.T) {
	reader := newArchive(t, map[tilepack.TileCoordinate]string{
		{X: -2, Z: 4}:  "west",
		{X: 32, Z: -2}: "east",
	})

	opts := ArchiveOptions{World: "world", ModeToken: "t", Scale: tilepack.ScaleBigger}
	srv := httptest.NewServer(MbtilesHandler(reader, opts))
	defer srv.Close()

	tests := []struct {
		name   string
		path   string
		status int
		body   string
	}{
		{"tile", "/tiles/world/t/-1_0/z_-2_4.png", gohttp.StatusOK, "west"},
		{"tile in another region", "/tiles/world/t/1_-1/z_32_-2.png", gohttp.StatusOK, "east"},
		{"missing tile", "/tiles/world/t/0_0/z_0_0.png", gohttp.StatusNotFound, ""},
		{"wrong scale", "/tiles/world/t/-1_0/zz_-2_4.png", gohttp.StatusNotFound, ""},
		{"wrong region", "/tiles/world/t/0_0/z_-2_4.png", gohttp.StatusNotFound, ""},
		{"wrong world", "/tiles/nether/t/-1_0/z_-2_4.png", gohttp.StatusNotFound, ""},
		{"wrong mode", "/tiles/world/flat/-1_0/z_-2_4.png", gohttp.StatusNotFound, ""},
		{"not a tile", "/tiles/world/t/-1_0/marker.json", gohttp.StatusNotFound, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := gohttp.Get(srv.URL + tt.path)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.status {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.status)
			}
			if tt.status != gohttp.StatusOK {
				return
			}

			body, _ := io.ReadAll(resp.Body)
			if string(body) != tt.body {
				t.Errorf("body = %q, want %q", body, tt.body)
			}
			if ct := resp.Header.Get("Content-Type"); ct != "image/png" {
				t.Errorf("Content-Type = %q", ct)
			}
		})
	}
}

func TestParseTileFromPath(t *testing.T) {
	p, err := parseTileFromPath("/tiles/world/flat/-1_2/zzz_-8_64.png")
	if err != nil {
		t.Fatal(err)
	}

	want := dynmapPath{
		World:  "world",
		Mode:   "flat",
		Region: tilepack.RegionCoordinate{X: -1, Z: 2},
		Prefix: "zzz_",
		Tile:   tilepack.TileCoordinate{X: -8, Z: 64},
	}
	if *p != want {
		t.Errorf("parseTileFromPath() = %+v, want %+v", *p, want)
	}

	if _, err := parseTileFromPath("/tilezen/vector/v1/512/all/0/0/0.mvt"); err == nil {
		t.Error("parseTileFromPath() should reject foreign paths")
	}
}

// The handler speaks the same layout the fetcher requests.
func TestMbtilesHandlerServesFetcher(t *testing.T) {
	reader := newArchive(t, map[tilepack.TileCoordinate]string{
		{X: 0, Z: 0}: "a",
		{X: 2, Z: 0}: "b",
	})

	srv := httptest.NewServer(MbtilesHandler(reader, ArchiveOptions{World: "world", ModeToken: "t", Scale: tilepack.ScaleBigger}))
	defer srv.Close()

	opts := tilepack.DynmapOptions{BaseURL: srv.URL, World: "world", ViewMode: tilepack.ViewModeSurface, Scale: tilepack.ScaleBigger}
	for _, tile := range []tilepack.TileCoordinate{{X: 0, Z: 0}, {X: 2, Z: 0}} {
		resp, err := gohttp.Get(opts.TileURL(tile))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != gohttp.StatusOK {
			t.Errorf("tile %v: status %d", tile, resp.StatusCode)
		}
	}
}
