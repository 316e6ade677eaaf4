// Package geo holds the WGS84 distance and bearing math shared by the
// route engine, the exposure sampler, and the alert detectors.
//
// Short legs (severity-bucket queries, cost shaping) use the
// equirectangular approximation; edge and route resampling uses
// great-circle distance.
package geo

import (
	"math"

	"github.com/ctessum/geom"
)

const (
	// EarthRadiusM is the mean Earth radius in meters.
	EarthRadiusM = 6371000.0

	// KmPerDegLat is the equirectangular scale for latitude legs.
	KmPerDegLat = 111.0
)

// HaversineM returns the great-circle distance in meters between two
// WGS84 points given as (lon, lat).
func HaversineM(lon1, lat1, lon2, lat2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dphi := (lat2 - lat1) * math.Pi / 180
	dlam := (lon2 - lon1) * math.Pi / 180
	a := math.Sin(dphi/2)*math.Sin(dphi/2) +
		math.Cos(phi1)*math.Cos(phi2)*math.Sin(dlam/2)*math.Sin(dlam/2)
	return EarthRadiusM * 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

// EquirectKm returns the approximate distance in kilometers between two
// points using 111 km/deg latitude and 111*cos(lat) km/deg longitude.
func EquirectKm(lon1, lat1, lon2, lat2 float64) float64 {
	midLat := (lat1 + lat2) / 2 * math.Pi / 180
	dx := (lon2 - lon1) * KmPerDegLat * math.Cos(midLat)
	dy := (lat2 - lat1) * KmPerDegLat
	return math.Sqrt(dx*dx + dy*dy)
}

// BearingDeg returns the initial bearing from point 1 to point 2 in
// degrees [0, 360).
func BearingDeg(lon1, lat1, lon2, lat2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dlam := (lon2 - lon1) * math.Pi / 180
	x := math.Sin(dlam) * math.Cos(phi2)
	y := math.Cos(phi1)*math.Sin(phi2) - math.Sin(phi1)*math.Cos(phi2)*math.Cos(dlam)
	b := math.Atan2(x, y) * 180 / math.Pi
	return math.Mod(b+360, 360)
}

// AngleDiffDeg returns the absolute difference between two angles in
// degrees, folded into [0, 180].
func AngleDiffDeg(a1, a2 float64) float64 {
	d := math.Mod(math.Abs(a1-a2), 360)
	return math.Min(d, 360-d)
}

// Midpoint returns the arithmetic midpoint of two points. Adequate for
// the short origin/destination legs saved routes describe.
func Midpoint(a, b geom.Point) geom.Point {
	return geom.Point{X: (a.X + b.X) / 2, Y: (a.Y + b.Y) / 2}
}

// ResampleLine walks a polyline of (lon, lat) points and emits points
// at fixed great-circle arc-length intervals of stepM meters. The first
// and last input points are always included. A nil or empty input
// yields nil.
func ResampleLine(coords []geom.Point, stepM float64) []geom.Point {
	if len(coords) == 0 || stepM <= 0 {
		return append([]geom.Point(nil), coords...)
	}
	out := []geom.Point{coords[0]}
	acc := 0.0
	for i := 1; i < len(coords); i++ {
		p1 := coords[i-1]
		p2 := coords[i]
		segM := HaversineM(p1.X, p1.Y, p2.X, p2.Y)
		if segM <= 0 {
			continue
		}
		acc += segM
		for acc >= stepM {
			t := stepM / acc
			p := geom.Point{X: p1.X + t*(p2.X-p1.X), Y: p1.Y + t*(p2.Y-p1.Y)}
			out = append(out, p)
			acc -= stepM
			p1 = p
		}
	}
	last := coords[len(coords)-1]
	if out[len(out)-1] != last {
		out = append(out, last)
	}
	return out
}

// ValidCoord reports whether (lat, lon) is inside the WGS84 domain.
func ValidCoord(lat, lon float64) bool {
	return lat >= -90 && lat <= 90 && lon >= -180 && lon <= 180 &&
		!math.IsNaN(lat) && !math.IsNaN(lon)
}
