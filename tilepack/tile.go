package tilepack

import (
	"errors"
	"fmt"
	"image"
	"log/slog"
	"math"

	"github.com/paulmach/orb"
)

var ErrInvalidBounds = errors.New("invalid bounds")

// TileRange is an inclusive, step-aligned grid of tile coordinates.
type TileRange struct {
	MinX int
	MaxX int
	MinZ int
	MaxZ int
	Step int
}

type GenerateRangeOptions struct {
	// Bounds holds world X on the X axis and world Z on the Y axis.
	Bounds  orb.Bound
	Scale   Scale
	InvertZ bool
}

type GenerateTilesConsumerFunc func(tile TileCoordinate) bool

func (r TileRange) CountX() int {
	return (r.MaxX-r.MinX)/r.Step + 1
}

func (r TileRange) CountZ() int {
	return (r.MaxZ-r.MinZ)/r.Step + 1
}

func (r TileRange) Count() int {
	return r.CountX() * r.CountZ()
}

// Origin is the tile drawn at the top-left corner of the canvas.
func (r TileRange) Origin() TileCoordinate {
	return TileCoordinate{X: r.MinX, Z: r.MaxZ}
}

func (r TileRange) Contains(t TileCoordinate) bool {
	if t.X < r.MinX || t.X > r.MaxX || t.Z < r.MinZ || t.Z > r.MaxZ {
		return false
	}
	return (t.X-r.MinX)%r.Step == 0 && (t.Z-r.MinZ)%r.Step == 0
}

// Index maps a contained tile to a dense, zero-based position in the grid.
func (r TileRange) Index(t TileCoordinate) uint64 {
	col := (t.X - r.MinX) / r.Step
	row := (t.Z - r.MinZ) / r.Step
	return uint64(col)*uint64(r.CountZ()) + uint64(row)
}

func (r TileRange) PixelOffset(t TileCoordinate, tilePixels int) image.Point {
	return TileToPixelOffset(t, r.Origin(), r.Step, tilePixels)
}

func (r TileRange) CanvasSize(tilePixels int) image.Point {
	return image.Pt(r.CountX()*tilePixels, r.CountZ()*tilePixels)
}

// WorldBounds is the world box covered by the range. Feeding it back to GenerateTileRange with
// the same scale and inversion yields the range again.
func (r TileRange) WorldBounds(invertZ bool) orb.Bound {
	minX := r.MinX * BaseTileWorldUnits
	maxX := (r.MaxX+r.Step)*BaseTileWorldUnits - 1

	minZ := r.MinZ * BaseTileWorldUnits
	maxZ := (r.MaxZ+r.Step)*BaseTileWorldUnits - 1
	if invertZ {
		minZ, maxZ = -maxZ, -minZ
	}

	return orb.Bound{
		Min: orb.Point{float64(minX), float64(minZ)},
		Max: orb.Point{float64(maxX), float64(maxZ)},
	}
}

func (r TileRange) String() string {
	return fmt.Sprintf("x: %d..%d, z: %d..%d step %d", r.MinX, r.MaxX, r.MinZ, r.MaxZ, r.Step)
}

func GenerateTileRange(opts *GenerateRangeOptions) (TileRange, error) {
	bounds := opts.Bounds

	if bounds.Min.X() > bounds.Max.X() {
		return TileRange{}, fmt.Errorf("%w: min x %v is greater than max x %v", ErrInvalidBounds, bounds.Min.X(), bounds.Max.X())
	}

	if bounds.Min.Y() > bounds.Max.Y() {
		return TileRange{}, fmt.Errorf("%w: min z %v is greater than max z %v", ErrInvalidBounds, bounds.Min.Y(), bounds.Max.Y())
	}

	minWorld := WorldCoordinate{
		X: int(math.Floor(bounds.Min.X())),
		Z: int(math.Floor(bounds.Min.Y())),
	}
	maxWorld := WorldCoordinate{
		X: int(math.Floor(bounds.Max.X())),
		Z: int(math.Floor(bounds.Max.Y())),
	}

	minTile := WorldToTileCoordinate(minWorld, opts.Scale, opts.InvertZ)
	maxTile := WorldToTileCoordinate(maxWorld, opts.Scale, opts.InvertZ)

	// Flip Z because the inverted tiling scheme turns the world's max Z into the smallest tile Z
	if opts.InvertZ {
		maxTile.Z, minTile.Z = minTile.Z, maxTile.Z
	}

	step := opts.Scale.Step()

	// Snap to whole groups, a misaligned start shifts every tile on the canvas
	r := TileRange{
		MinX: SnapToGroup(minTile.X, step),
		MaxX: SnapToGroup(maxTile.X, step),
		MinZ: SnapToGroup(minTile.Z, step),
		MaxZ: SnapToGroup(maxTile.Z, step),
		Step: step,
	}

	slog.Info("RANGE", "bounds", bounds, "scale", opts.Scale, "tiles", r.String(), "count", r.Count())

	return r, nil
}

// GenerateTiles calls consumer for every tile in the range, one X column at a time.
// Enumeration stops early when consumer returns false.
func GenerateTiles(r TileRange, consumer GenerateTilesConsumerFunc) {
	for x := r.MinX; x <= r.MaxX; x += r.Step {
		for z := r.MinZ; z <= r.MaxZ; z += r.Step {
			if !consumer(TileCoordinate{X: x, Z: z}) {
				return
			}
		}
	}
}
