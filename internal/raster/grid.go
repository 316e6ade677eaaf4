// Package raster holds the regular-grid specification shared by the
// UPES engine and the georeferenced raster artifacts it reads and
// writes (GeoTIFF encode/decode, point sampling, latest-file lookup).
package raster

import "fmt"

// GridSpec describes a regular WGS84 grid. Aggregation arrays built on
// a GridSpec are indexed (row, col) with row 0 at the south edge; the
// file representation is north-up (see Encode).
type GridSpec struct {
	West          float64
	South         float64
	East          float64
	North         float64
	ResolutionDeg float64
	NX            int
	NY            int
}

// SpecFromBBox derives a GridSpec from a bounding box and a cell
// resolution in degrees. The cell counts are floored and never below 1.
func SpecFromBBox(west, south, east, north, resolutionDeg float64) GridSpec {
	nx := int((east - west) / resolutionDeg)
	ny := int((north - south) / resolutionDeg)
	if nx < 1 {
		nx = 1
	}
	if ny < 1 {
		ny = 1
	}
	return GridSpec{
		West: west, South: south, East: east, North: north,
		ResolutionDeg: resolutionDeg, NX: nx, NY: ny,
	}
}

// CellIndex buckets a point into (row, col) with row 0 at the south
// edge and col 0 at the west edge. Out-of-range points clamp to the
// nearest cell.
func (s GridSpec) CellIndex(lon, lat float64) (row, col int) {
	col = int((lon - s.West) / s.ResolutionDeg)
	row = int((lat - s.South) / s.ResolutionDeg)
	if col < 0 {
		col = 0
	}
	if col > s.NX-1 {
		col = s.NX - 1
	}
	if row < 0 {
		row = 0
	}
	if row > s.NY-1 {
		row = s.NY - 1
	}
	return row, col
}

// Center returns the bbox center, where the hourly weather modifiers
// are evaluated.
func (s GridSpec) Center() (lat, lon float64) {
	return (s.South + s.North) / 2, (s.West + s.East) / 2
}

func (s GridSpec) validate() error {
	if s.NX <= 0 || s.NY <= 0 {
		return fmt.Errorf("grid spec: non-positive dimensions %dx%d", s.NX, s.NY)
	}
	if s.ResolutionDeg <= 0 {
		return fmt.Errorf("grid spec: non-positive resolution %g", s.ResolutionDeg)
	}
	if s.East <= s.West || s.North <= s.South {
		return fmt.Errorf("grid spec: degenerate bbox (%g,%g)-(%g,%g)", s.West, s.South, s.East, s.North)
	}
	return nil
}
