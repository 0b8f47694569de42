package http

import (
	"fmt"
	"log/slog"
	gohttp "net/http"
	"regexp"
	"strconv"

	"github.com/tilezen/go-tilestitch/tilepack"
)

var (
	dynmapRegex = regexp.MustCompile(`^/tiles/([^/]+)/([^/]+)/(-?\d+)_(-?\d+)/((?:z+_)?)(-?\d+)_(-?\d+)\.png$`)
)

type dynmapPath struct {
	World  string
	Mode   string
	Region tilepack.RegionCoordinate
	Prefix string
	Tile   tilepack.TileCoordinate
}

// ArchiveOptions limits which requests an archive answers. Empty fields match anything.
type ArchiveOptions struct {
	World      string
	ModeToken  string
	Scale      tilepack.Scale
	RegionSize int
}

// MbtilesHandler serves archived tiles under the dynmap tile layout, so a finished run can be
// replayed against a local mirror.
func MbtilesHandler(reader tilepack.MbtilesReader, opts ArchiveOptions) gohttp.HandlerFunc {
	if opts.RegionSize <= 0 {
		opts.RegionSize = tilepack.DefaultRegionSize
	}

	return func(w gohttp.ResponseWriter, r *gohttp.Request) {
		requested, err := parseTileFromPath(r.URL.Path)
		if err != nil {
			gohttp.NotFound(w, r)
			return
		}

		if opts.World != "" && requested.World != opts.World {
			gohttp.NotFound(w, r)
			return
		}

		if opts.ModeToken != "" && requested.Mode != opts.ModeToken {
			gohttp.NotFound(w, r)
			return
		}

		if requested.Prefix != opts.Scale.Prefix() {
			gohttp.NotFound(w, r)
			return
		}

		if requested.Tile.Region(opts.RegionSize) != requested.Region {
			gohttp.NotFound(w, r)
			return
		}

		result, err := reader.GetTile(r.Context(), requested.Tile)
		if err != nil {
			slog.Error("HTTP", "path", r.URL.Path, "error", err)
			gohttp.Error(w, "archive error", gohttp.StatusInternalServerError)
			return
		}

		if result.Data == nil {
			gohttp.NotFound(w, r)
			return
		}

		w.Header().Set("Content-Type", "image/png")
		w.Write(*result.Data)
	}
}

func parseTileFromPath(url string) (*dynmapPath, error) {
	match := dynmapRegex.FindStringSubmatch(url)
	if match == nil {
		return nil, fmt.Errorf("invalid tile path")
	}

	ints := make([]int, 4)
	for i, s := range []string{match[3], match[4], match[6], match[7]} {
		v, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("invalid tile path: %w", err)
		}
		ints[i] = v
	}

	return &dynmapPath{
		World:  match[1],
		Mode:   match[2],
		Region: tilepack.RegionCoordinate{X: ints[0], Z: ints[1]},
		Prefix: match[5],
		Tile:   tilepack.TileCoordinate{X: ints[2], Z: ints[3]},
	}, nil
}
