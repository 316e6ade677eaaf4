// Package sampler reads route exposure out of the hourly score rasters:
// it resamples a route line to a fixed step and averages the raster
// values under the points.
package sampler

import (
	"github.com/ctessum/geom"

	"github.com/aeris-io/aeris/internal/geo"
	"github.com/aeris-io/aeris/internal/raster"
)

const (
	// DefaultStepM is the along-route sampling interval.
	DefaultStepM = 50.0

	// FallbackScore stands in when no raster or no valid sample covers
	// the route; a neutral mid-scale value rather than a false zero.
	FallbackScore = 0.5
)

// Stats is the aggregate exposure of one sampled line.
type Stats struct {
	Mean    float64
	Max     float64
	Samples int
	// Fallback marks a result synthesized from FallbackScore.
	Fallback bool
}

// Line resamples coords to stepM and aggregates the raster values under
// the points, clamped to [0,1]. NaN and out-of-raster points are
// skipped; when nothing valid remains (or r is nil) both aggregates
// fall back to FallbackScore.
func Line(r *raster.Raster, coords []geom.Point, stepM float64) Stats {
	if stepM <= 0 {
		stepM = DefaultStepM
	}
	if r == nil || len(coords) == 0 {
		return Stats{Mean: FallbackScore, Max: FallbackScore, Fallback: true}
	}

	pts := geo.ResampleLine(coords, stepM)
	var sum, max float64
	var n int
	for _, p := range pts {
		v, ok := r.Sample(p.X, p.Y)
		if !ok {
			continue
		}
		// Exposure is defined on [0,1]; final-score rasters can carry
		// values above 1 when the traffic factor is active.
		if v < 0 {
			v = 0
		} else if v > 1 {
			v = 1
		}
		sum += v
		if n == 0 || v > max {
			max = v
		}
		n++
	}
	if n == 0 {
		return Stats{Mean: FallbackScore, Max: FallbackScore, Fallback: true}
	}
	return Stats{Mean: sum / float64(n), Max: max, Samples: n}
}

// Segment is the straight origin-to-destination case saved routes use.
func Segment(r *raster.Raster, originLon, originLat, destLon, destLat, stepM float64) Stats {
	return Line(r, []geom.Point{
		{X: originLon, Y: originLat},
		{X: destLon, Y: destLat},
	}, stepM)
}

// LoadLatestFinal opens the most recent final-score raster under base,
// or nil when none exists or it cannot be decoded.
func LoadLatestFinal(base string) *raster.Raster {
	path := raster.LatestScorePath(base, raster.FinalScoreKind)
	if path == "" {
		return nil
	}
	r, err := raster.DecodeFile(path)
	if err != nil {
		return nil
	}
	return r
}
