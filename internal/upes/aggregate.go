// Package upes computes the hourly Unified Pollution Exposure Score:
// per-gas spatial aggregation, percentile normalization, weighted
// fusion, meteorological modifiers, and temporal smoothing.
package upes

import (
	"math"

	"github.com/ctessum/sparse"

	"github.com/aeris-io/aeris/internal/gas"
	"github.com/aeris-io/aeris/internal/raster"
	"github.com/aeris-io/aeris/internal/store"
)

// Aggregate buckets centroid observations into the regular grid,
// averaging per cell and gas. Cells with no observation stay NaN.
// Arrays are (ny, nx) with row 0 at the south edge.
func Aggregate(spec raster.GridSpec, obs []store.Observation) map[gas.Gas]*sparse.DenseArray {
	type bucket struct {
		sum   float64
		count int
	}
	accum := make(map[gas.Gas]map[[2]int]bucket)
	for _, o := range obs {
		if !o.Gas.Valid() {
			continue
		}
		row, col := spec.CellIndex(o.Lon, o.Lat)
		cells, ok := accum[o.Gas]
		if !ok {
			cells = make(map[[2]int]bucket)
			accum[o.Gas] = cells
		}
		b := cells[[2]int{row, col}]
		b.sum += o.Value
		b.count++
		cells[[2]int{row, col}] = b
	}

	out := make(map[gas.Gas]*sparse.DenseArray, len(accum))
	for g, cells := range accum {
		arr := nanDense(spec.NY, spec.NX)
		for idx, b := range cells {
			arr.Set(b.sum/float64(b.count), idx[0], idx[1])
		}
		out[g] = arr
	}
	return out
}

// nanDense allocates a (ny, nx) array initialized to NaN.
func nanDense(ny, nx int) *sparse.DenseArray {
	arr := sparse.ZerosDense(ny, nx)
	for i := range arr.Elements {
		arr.Elements[i] = math.NaN()
	}
	return arr
}
