package tilepack

import (
	"fmt"
	"strings"
)

// Scale is a dynmap zoom-out level. Level n groups 2^n base tiles per axis into one tile.
type Scale int

const (
	ScaleBiggest Scale = iota
	ScaleBigger
	ScaleBig
	ScaleNormal
	ScaleSmaller
	ScaleSmallest
)

var scaleNames = []string{"biggest", "bigger", "big", "normal", "smaller", "smallest"}

func (s Scale) String() string {
	if s < ScaleBiggest || s > ScaleSmallest {
		return fmt.Sprintf("Scale(%d)", int(s))
	}
	return scaleNames[s]
}

// Prefix is the marker prepended to zoomed-out tile file names.
func (s Scale) Prefix() string {
	if s <= ScaleBiggest {
		return ""
	}
	return strings.Repeat("z", int(s)) + "_"
}

// Step is the distance between neighbouring tile indices at this scale.
func (s Scale) Step() int {
	return 1 << uint(s)
}

func ParseScale(str string) (Scale, error) {
	for i, name := range scaleNames {
		if strings.EqualFold(str, name) {
			return Scale(i), nil
		}
	}
	return ScaleBiggest, fmt.Errorf("unknown scale %q, expected one of %s", str, strings.Join(scaleNames, ", "))
}

type ViewMode int

const (
	ViewModeFlat ViewMode = iota
	ViewModeSurface
	ViewModeXray
)

var viewModes = []struct {
	name  string
	token string
}{
	{"flat", "flat"},
	{"surface", "t"},
	{"xray", "ct"},
}

func (m ViewMode) String() string {
	if m < ViewModeFlat || m > ViewModeXray {
		return fmt.Sprintf("ViewMode(%d)", int(m))
	}
	return viewModes[m].name
}

// Token is the map name the tile server uses in tile paths.
func (m ViewMode) Token() string {
	if m < ViewModeFlat || m > ViewModeXray {
		return ""
	}
	return viewModes[m].token
}

func ParseViewMode(str string) (ViewMode, error) {
	for i, m := range viewModes {
		if strings.EqualFold(str, m.name) {
			return ViewMode(i), nil
		}
	}
	return ViewModeFlat, fmt.Errorf("unknown view mode %q, expected flat, surface or xray", str)
}
