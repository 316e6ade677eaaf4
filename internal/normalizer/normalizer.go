// Package normalizer turns a georeferenced raster into batches of
// pollution grid cells ready for bulk insert.
package normalizer

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/aeris-io/aeris/internal/gas"
	"github.com/aeris-io/aeris/internal/raster"
	"github.com/aeris-io/aeris/internal/store"
)

const (
	DefaultMaxCells  = 5000
	DefaultChunkSize = 2000
)

type Options struct {
	MaxCells  int
	ChunkSize int
}

func (o *Options) normalize() {
	if o.MaxCells <= 0 {
		o.MaxCells = DefaultMaxCells
	}
	if o.ChunkSize <= 0 {
		o.ChunkSize = DefaultChunkSize
	}
}

// Stride returns the sampling step that keeps emitted cells at or under
// the cap: ceil(sqrt(pixels/cap)) for oversized rasters, 1 otherwise.
func Stride(pixels, maxCells int) int {
	if maxCells <= 0 || pixels <= maxCells {
		return 1
	}
	return int(math.Ceil(math.Sqrt(float64(pixels) / float64(maxCells))))
}

// CellWKT builds the closed-ring POLYGON for one pixel's half-cell box.
func CellWKT(lonMin, latMin, lonMax, latMax float64) string {
	return fmt.Sprintf("POLYGON((%g %g, %g %g, %g %g, %g %g, %g %g))",
		lonMin, latMin, lonMax, latMin, lonMax, latMax, lonMin, latMax, lonMin, latMin)
}

// Stream walks the raster with the computed stride and sends cell
// batches on the returned channel. NaN pixels and fill-sentinel values
// above the per-gas ceiling are dropped. The channel closes when the
// raster is exhausted, the cap is reached, or ctx is canceled.
func Stream(ctx context.Context, r *raster.Raster, g gas.Gas, ts time.Time, opts Options) <-chan []store.Cell {
	opts.normalize()
	out := make(chan []store.Cell, 1)

	go func() {
		defer close(out)

		spec := r.Spec
		step := Stride(spec.NX*spec.NY, opts.MaxCells)
		ceiling := gas.FillCeiling(g)

		dx := spec.ResolutionDeg
		dy := spec.ResolutionDeg
		if dx <= 0 {
			dx = raster.FallbackCellDeg
			dy = raster.FallbackCellDeg
		}

		chunk := make([]store.Cell, 0, opts.ChunkSize)
		count := 0
		for fileRow := 0; fileRow < spec.NY && count < opts.MaxCells; fileRow += step {
			for col := 0; col < spec.NX && count < opts.MaxCells; col += step {
				v := float64(r.At(fileRow, col))
				if math.IsNaN(v) || math.Abs(v) > ceiling {
					continue
				}
				lonC := spec.West + (float64(col)+0.5)*dx
				latC := spec.North - (float64(fileRow)+0.5)*dy
				_, severity := gas.Classify(v, g)
				chunk = append(chunk, store.Cell{
					Timestamp:  ts,
					Gas:        g,
					PolygonWKT: CellWKT(lonC-dx/2, latC-dy/2, lonC+dx/2, latC+dy/2),
					Value:      v,
					Severity:   severity,
				})
				count++
				if len(chunk) >= opts.ChunkSize {
					select {
					case out <- chunk:
					case <-ctx.Done():
						return
					}
					chunk = make([]store.Cell, 0, opts.ChunkSize)
				}
			}
		}
		if len(chunk) > 0 {
			select {
			case out <- chunk:
			case <-ctx.Done():
			}
		}
	}()

	return out
}
