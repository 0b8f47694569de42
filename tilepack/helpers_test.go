package tilepack

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
)

func tileColor(t TileCoordinate) color.NRGBA {
	return color.NRGBA{R: uint8(128 + 10*t.X), G: uint8(128 + 10*t.Z), B: 7, A: 255}
}

func solidPNG(t testing.TB, size int, c color.Color) []byte {
	t.Helper()

	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, c)
		}
	}

	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func pixelAt(img image.Image, x, y int) color.NRGBA {
	return color.NRGBAModel.Convert(img.At(x, y)).(color.NRGBA)
}

// newTileServer serves a solid tile in tileColor for every tile path. handle may take
// over a request by returning true.
func newTileServer(t *testing.T, handle func(w http.ResponseWriter, r *http.Request, tile TileCoordinate) bool) *httptest.Server {
	t.Helper()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tile, err := ParseTileFilename(r.URL.Path)
		if err != nil {
			http.NotFound(w, r)
			return
		}

		if handle != nil && handle(w, r, tile) {
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Write(solidPNG(t, TilePixels, tileColor(tile)))
	}))
	t.Cleanup(srv.Close)
	return srv
}
