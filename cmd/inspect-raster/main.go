package main

import (
	"fmt"
	"math"
	"os"
	"sort"

	"github.com/aeris-io/aeris/internal/raster"
)

// Debug tool: dump the grid spec, value statistics, and a coarse ASCII
// preview of one or more score rasters.
func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: inspect-raster <file.tif> [file.tif ...]")
		os.Exit(1)
	}
	for _, path := range os.Args[1:] {
		analyze(path)
		fmt.Println()
	}
}

func analyze(path string) {
	fmt.Printf("=== %s ===\n", path)

	r, err := raster.DecodeFile(path)
	if err != nil {
		fmt.Printf("  decode error: %v\n", err)
		return
	}

	s := r.Spec
	fmt.Printf("  bbox:       (%g, %g) - (%g, %g)\n", s.West, s.South, s.East, s.North)
	fmt.Printf("  resolution: %g deg\n", s.ResolutionDeg)
	fmt.Printf("  grid:       %d x %d (%d cells)\n", s.NX, s.NY, s.NX*s.NY)

	var valid []float64
	nan := 0
	for row := 0; row < s.NY; row++ {
		for col := 0; col < s.NX; col++ {
			v := r.At(row, col)
			if math.IsNaN(v) {
				nan++
				continue
			}
			valid = append(valid, v)
		}
	}
	fmt.Printf("  valid:      %d, NaN: %d\n", len(valid), nan)
	if len(valid) == 0 {
		return
	}

	sort.Float64s(valid)
	var sum float64
	for _, v := range valid {
		sum += v
	}
	fmt.Printf("  min=%.4f p05=%.4f median=%.4f p95=%.4f max=%.4f mean=%.4f\n",
		valid[0],
		valid[len(valid)*5/100],
		valid[len(valid)/2],
		valid[len(valid)*95/100],
		valid[len(valid)-1],
		sum/float64(len(valid)),
	)

	preview(r)
}

// preview prints the raster downsampled to at most 20x40 characters,
// shading by value. Row 0 is the north edge in file order, so printing
// in row order keeps north on top.
func preview(r *raster.Raster) {
	const maxRows, maxCols = 20, 40
	shades := []byte(" .:-=+*#%@")

	s := r.Spec
	rowStep := (s.NY + maxRows - 1) / maxRows
	colStep := (s.NX + maxCols - 1) / maxCols

	fmt.Println("  preview (north up, @=1.0):")
	for row := 0; row < s.NY; row += rowStep {
		line := make([]byte, 0, maxCols)
		for col := 0; col < s.NX; col += colStep {
			v := r.At(row, col)
			if math.IsNaN(v) {
				line = append(line, '?')
				continue
			}
			idx := int(math.Min(math.Max(v, 0), 1) * float64(len(shades)-1))
			line = append(line, shades[idx])
		}
		fmt.Printf("    %s\n", line)
	}
}
