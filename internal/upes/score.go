package upes

import (
	"math"
	"sort"

	"github.com/ctessum/sparse"
	"github.com/gonum/floats"

	"github.com/aeris-io/aeris/internal/gas"
)

// PercentileBounds returns the (low, high) percentile values of the
// valid entries, defaulting to (0, 1) for an all-NaN frame. A collapsed
// range is widened so normalization stays finite.
func PercentileBounds(arr *sparse.DenseArray, lowP, highP float64) (float64, float64) {
	valid := make([]float64, 0, len(arr.Elements))
	for _, v := range arr.Elements {
		if !math.IsNaN(v) {
			valid = append(valid, v)
		}
	}
	if len(valid) == 0 {
		return 0, 1
	}
	sort.Float64s(valid)
	lo := percentile(valid, lowP)
	hi := percentile(valid, highP)
	if hi <= lo {
		hi = lo + 1
	}
	return lo, hi
}

// percentile interpolates linearly between closest ranks of a sorted
// slice, matching the numpy default.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	rank := p / 100 * float64(len(sorted)-1)
	lo := int(math.Floor(rank))
	hi := int(math.Ceil(rank))
	if lo == hi {
		return sorted[lo]
	}
	frac := rank - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

// Normalize maps values into [0,1] against the bounds, clipping. NaN
// stays NaN; a degenerate range yields zeros.
func Normalize(arr *sparse.DenseArray, lo, hi float64) *sparse.DenseArray {
	out := sparse.ZerosDense(arr.Shape...)
	if hi <= lo {
		return out
	}
	span := hi - lo
	for i, v := range arr.Elements {
		if math.IsNaN(v) {
			out.Elements[i] = math.NaN()
			continue
		}
		out.Elements[i] = clip((v-lo)/span, 0, 1)
	}
	return out
}

// NormalizeWithPercentiles is the standard in-frame normalization: 5th
// and 95th percentile bounds.
func NormalizeWithPercentiles(arr *sparse.DenseArray) *sparse.DenseArray {
	lo, hi := PercentileBounds(arr, 5, 95)
	return Normalize(arr, lo, hi)
}

// SatelliteScore fuses normalized per-gas fields with the configured
// weights. Gases absent from the frame are skipped without weight
// redistribution. In the fused field a cell is NaN only where every
// contributing gas is NaN.
func SatelliteScore(normalized map[gas.Gas]*sparse.DenseArray, weights map[gas.Gas]float64) *sparse.DenseArray {
	if weights == nil {
		weights = gas.DefaultWeights
	}
	var out *sparse.DenseArray
	for _, g := range gas.All {
		arr, ok := normalized[g]
		if !ok {
			continue
		}
		w := weights[g]
		if w <= 0 {
			continue
		}
		if out == nil {
			out = nanDense(arr.Shape[0], arr.Shape[1])
		}
		for i, v := range arr.Elements {
			if math.IsNaN(v) {
				continue
			}
			if math.IsNaN(out.Elements[i]) {
				out.Elements[i] = w * v
			} else {
				out.Elements[i] += w * v
			}
		}
	}
	return out
}

// HumidityDispersionFactor: humid air disperses pollutants less, so the
// factor falls as humidity rises.
func HumidityDispersionFactor(humidityPct float64) float64 {
	return clip(1-humidityPct/100, 0, 1)
}

// WindFactor scales the alignment of the wind with the target direction
// by normalized speed (cap 50 km/h).
func WindFactor(speedKph, directionDeg, targetDeg float64) float64 {
	const maxSpeedKph = 50.0
	alignment := math.Cos((directionDeg - targetDeg) * math.Pi / 180)
	speedNorm := math.Min(speedKph/maxSpeedKph, 1)
	return clip(speedNorm*alignment, 0, 1)
}

// TrafficFactor is 1 + alpha * density with density clipped to [0,1];
// missing traffic data means density 0 and a factor of exactly 1.
func TrafficFactor(density, alpha float64) float64 {
	return 1 + alpha*clip(density, 0, 1)
}

// ApplyEMA blends the current frame with the previous hour:
// F_t = lam*F_t + (1-lam)*F_{t-1}. Shape mismatch or a missing previous
// frame returns the current frame unchanged.
func ApplyEMA(current, previous *sparse.DenseArray, lam float64) *sparse.DenseArray {
	if previous == nil || len(previous.Elements) != len(current.Elements) {
		return current
	}
	out := sparse.ZerosDense(current.Shape...)
	for i, v := range current.Elements {
		out.Elements[i] = lam*v + (1-lam)*previous.Elements[i]
	}
	return out
}

// FinalScore applies the scalar modifiers and optional EMA smoothing
// (lam in (0,1] enables it).
func FinalScore(satellite *sparse.DenseArray, hdf, wtf, tf float64, previous *sparse.DenseArray, lam float64) *sparse.DenseArray {
	raw := sparse.ZerosDense(satellite.Shape...)
	for i, v := range satellite.Elements {
		raw.Elements[i] = v * hdf * wtf * tf
	}
	if lam > 0 && lam <= 1 {
		return ApplyEMA(raw, previous, lam)
	}
	return raw
}

// MeanIgnoringNaN averages the valid entries; an all-NaN frame means 0.
func MeanIgnoringNaN(arr *sparse.DenseArray) float64 {
	valid := make([]float64, 0, len(arr.Elements))
	for _, v := range arr.Elements {
		if !math.IsNaN(v) {
			valid = append(valid, v)
		}
	}
	if len(valid) == 0 {
		return 0
	}
	return floats.Sum(valid) / float64(len(valid))
}

func clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
