package raster

import (
	"math"

	"github.com/ctessum/sparse"
)

// Raster is a single-band georeferenced grid in memory. Data is stored
// row-major in file order: row 0 is the northernmost row.
type Raster struct {
	Spec GridSpec
	Data []float32
}

// New allocates a raster of the spec's dimensions filled with NaN.
func New(spec GridSpec) *Raster {
	data := make([]float32, spec.NX*spec.NY)
	nan := float32(math.NaN())
	for i := range data {
		data[i] = nan
	}
	return &Raster{Spec: spec, Data: data}
}

// At returns the value at (fileRow, col) with fileRow 0 at the north edge.
func (r *Raster) At(fileRow, col int) float64 {
	return float64(r.Data[fileRow*r.Spec.NX+col])
}

// Set stores a value at (fileRow, col).
func (r *Raster) Set(v float64, fileRow, col int) {
	r.Data[fileRow*r.Spec.NX+col] = float32(v)
}

// Sample reads the single pixel covering (lon, lat). The second return
// is false when the point falls outside the raster or the pixel is NaN.
func (r *Raster) Sample(lon, lat float64) (float64, bool) {
	col := int((lon - r.Spec.West) / r.Spec.ResolutionDeg)
	fileRow := int((r.Spec.North - lat) / r.Spec.ResolutionDeg)
	if col < 0 || col >= r.Spec.NX || fileRow < 0 || fileRow >= r.Spec.NY {
		return 0, false
	}
	v := r.At(fileRow, col)
	if math.IsNaN(v) {
		return 0, false
	}
	return v, true
}

// FromGridArray converts a south-up aggregation array (row 0 = south,
// as produced against GridSpec.CellIndex) into a north-up raster.
func FromGridArray(spec GridSpec, arr *sparse.DenseArray) *Raster {
	r := New(spec)
	for i := 0; i < spec.NY; i++ {
		fileRow := spec.NY - 1 - i
		for j := 0; j < spec.NX; j++ {
			r.Set(arr.Get(i, j), fileRow, j)
		}
	}
	return r
}

// ToGridArray converts the raster back into a south-up array.
func (r *Raster) ToGridArray() *sparse.DenseArray {
	arr := sparse.ZerosDense(r.Spec.NY, r.Spec.NX)
	for i := 0; i < r.Spec.NY; i++ {
		fileRow := r.Spec.NY - 1 - i
		for j := 0; j < r.Spec.NX; j++ {
			arr.Set(r.At(fileRow, j), i, j)
		}
	}
	return arr
}

// MeanIgnoringNaN returns the mean of the raster's valid cells, or NaN
// when every cell is NaN.
func (r *Raster) MeanIgnoringNaN() float64 {
	var sum float64
	var n int
	for _, v := range r.Data {
		f := float64(v)
		if math.IsNaN(f) {
			continue
		}
		sum += f
		n++
	}
	if n == 0 {
		return math.NaN()
	}
	return sum / float64(n)
}
