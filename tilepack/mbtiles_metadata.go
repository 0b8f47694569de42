package tilepack

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/paulmach/orb"
)

// MbtilesMetadata is the name/value metadata table of a tile archive. Besides the usual
// mbtiles keys it records what is needed to rebuild the tile range of the archived run.
type MbtilesMetadata struct {
	metadata map[string]string
}

func NewMbtilesMetadata(metadata map[string]string) *MbtilesMetadata {

	m := &MbtilesMetadata{
		metadata: metadata,
	}

	return m
}

// NewRunMetadata describes the tiles of one fetch run.
func NewRunMetadata(world string, mode ViewMode, scale Scale, bounds orb.Bound, invertZ bool) *MbtilesMetadata {
	return NewMbtilesMetadata(map[string]string{
		"name":     fmt.Sprintf("%s/%s", world, mode.Token()),
		"format":   "png",
		"type":     "baselayer",
		"world":    world,
		"mode":     mode.String(),
		"scale":    scale.String(),
		"minzoom":  strconv.Itoa(int(scale)),
		"maxzoom":  strconv.Itoa(int(scale)),
		"invert_z": strconv.FormatBool(invertZ),
		"bounds": fmt.Sprintf("%d,%d,%d,%d",
			int(bounds.Min.X()), int(bounds.Min.Y()), int(bounds.Max.X()), int(bounds.Max.Y())),
	})
}

func (m *MbtilesMetadata) Get(k string) (string, bool) {
	v, exists := m.metadata[k]
	return v, exists
}

func (m *MbtilesMetadata) Keys() []string {

	keys := make([]string, 0, len(m.metadata))

	for k := range m.metadata {
		keys = append(keys, k)
	}

	sort.Strings(keys)
	return keys
}

func (m *MbtilesMetadata) Set(key string, value string) {
	m.metadata[key] = value
}

// Bounds returns the world bounding box, world X on X and world Z on Y.
func (m *MbtilesMetadata) Bounds() (orb.Bound, error) {

	var bounds orb.Bound

	str_bounds, exists := m.Get("bounds")

	if !exists {
		return bounds, fmt.Errorf("Metadata is missing bounds")
	}

	parts := strings.Split(str_bounds, ",")

	if len(parts) != 4 {
		return bounds, fmt.Errorf("Invalid bounds metadata")
	}

	values := make([]float64, 4)

	for i, part := range parts {

		v, err := strconv.ParseFloat(strings.TrimSpace(part), 64)

		if err != nil {
			return bounds, fmt.Errorf("Failed to parse bounds value %q, %w", part, err)
		}

		values[i] = v
	}

	bounds = orb.Bound{
		Min: orb.Point{values[0], values[1]},
		Max: orb.Point{values[2], values[3]},
	}

	return bounds, nil
}

func (m *MbtilesMetadata) Scale() (Scale, error) {

	str_scale, exists := m.Get("scale")

	if !exists {
		return ScaleBiggest, fmt.Errorf("Metadata is missing scale")
	}

	return ParseScale(str_scale)
}

func (m *MbtilesMetadata) ViewMode() (ViewMode, error) {

	str_mode, exists := m.Get("mode")

	if !exists {
		return ViewModeFlat, fmt.Errorf("Metadata is missing mode")
	}

	return ParseViewMode(str_mode)
}

func (m *MbtilesMetadata) InvertZ() bool {
	v, _ := strconv.ParseBool(m.metadata["invert_z"])
	return v
}

// TileRange rebuilds the tile range the archive was fetched with.
func (m *MbtilesMetadata) TileRange() (TileRange, error) {
	bounds, err := m.Bounds()
	if err != nil {
		return TileRange{}, err
	}

	scale, err := m.Scale()
	if err != nil {
		return TileRange{}, err
	}

	return GenerateTileRange(&GenerateRangeOptions{
		Bounds:  bounds,
		Scale:   scale,
		InvertZ: m.InvertZ(),
	})
}

func (m *MbtilesMetadata) Name() (string, error) {
	return m.metadata["name"], nil
}
