package tilepack

import (
	"image"
)

const (
	// BaseTileWorldUnits is the number of world units covered by one tile at the most detailed scale.
	BaseTileWorldUnits = 32

	// TilePixels is the width and height of a tile image.
	TilePixels = 128

	// DefaultRegionSize is the number of tiles grouped into one remote region folder.
	DefaultRegionSize = 32
)

type WorldCoordinate struct {
	X int
	Z int
}

type TileCoordinate struct {
	X int
	Z int
}

type RegionCoordinate struct {
	X int
	Z int
}

// FloorDiv divides a by b rounding toward negative infinity.
func FloorDiv(a, b int) int {
	q := a / b
	r := a % b
	if (r != 0) && ((r > 0) != (b > 0)) {
		q--
	}
	return q
}

// WorldToTile converts one world axis value into a tile index. A tile at scale s covers
// 32<<s world units and is named after its first base tile, so the result is always a
// multiple of scale.Step().
func WorldToTile(v int, scale Scale) int {
	return FloorDiv(v, BaseTileWorldUnits<<uint(scale)) * scale.Step()
}

func WorldToTileCoordinate(c WorldCoordinate, scale Scale, invertZ bool) TileCoordinate {
	z := c.Z
	if invertZ {
		// The tile server counts Z northwards, world Z grows southwards
		z = -z
	}

	return TileCoordinate{
		X: WorldToTile(c.X, scale),
		Z: WorldToTile(z, scale),
	}
}

func TileToRegion(v int, groupSize int) int {
	return FloorDiv(v, groupSize)
}

func (t TileCoordinate) Region(groupSize int) RegionCoordinate {
	return RegionCoordinate{
		X: TileToRegion(t.X, groupSize),
		Z: TileToRegion(t.Z, groupSize),
	}
}

// SnapToGroup rounds v away from zero to the next multiple of step.
func SnapToGroup(v int, step int) int {
	if step <= 1 || v%step == 0 {
		return v
	}

	if v < 0 {
		return FloorDiv(v, step) * step
	}

	return (v/step + 1) * step
}

// TileToPixelOffset returns the top-left pixel of tile t on a canvas whose top-left tile is
// origin. Image rows grow downwards while tile Z grows upwards, so the Z axis is mirrored.
func TileToPixelOffset(t TileCoordinate, origin TileCoordinate, step int, tilePixels int) image.Point {
	return image.Point{
		X: (t.X - origin.X) / step * tilePixels,
		Y: (origin.Z - t.Z) / step * tilePixels,
	}
}
