package upes

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/ctessum/sparse"

	"github.com/aeris-io/aeris/internal/raster"
)

// LogRecord is the companion JSON log written next to the hourly
// rasters. Factor fields are rounded to 4 decimals.
type LogRecord struct {
	Timestamp      string   `json:"timestamp"`
	GranuleIDs     []string `json:"granule_ids"`
	SatelliteScore float64  `json:"satellite_score"`
	HumidityFactor float64  `json:"humidity_factor"`
	WindFactor     float64  `json:"wind_factor"`
	TrafficFactor  float64  `json:"traffic_factor"`
	FinalScore     float64  `json:"final_score"`
}

// WriteRasters writes the satellite and final score fields as hourly
// GeoTIFFs and returns their paths.
func WriteRasters(base string, ts time.Time, spec raster.GridSpec, satellite, final *sparse.DenseArray) (satPath, finalPath string, err error) {
	if err := raster.EnsureOutputDirs(base); err != nil {
		return "", "", fmt.Errorf("creating output dirs: %w", err)
	}
	satPath = raster.ScorePath(base, raster.SatelliteScoreKind, ts)
	finalPath = raster.ScorePath(base, raster.FinalScoreKind, ts)

	if err := raster.EncodeFile(satPath, raster.FromGridArray(spec, satellite)); err != nil {
		return "", "", fmt.Errorf("writing satellite raster: %w", err)
	}
	if err := raster.EncodeFile(finalPath, raster.FromGridArray(spec, final)); err != nil {
		return "", "", fmt.Errorf("writing final raster: %w", err)
	}
	return satPath, finalPath, nil
}

// WriteLog writes the JSON run summary and returns its path.
func WriteLog(base string, ts time.Time, rec LogRecord) (string, error) {
	if err := raster.EnsureOutputDirs(base); err != nil {
		return "", fmt.Errorf("creating output dirs: %w", err)
	}
	rec.Timestamp = ts.UTC().Format(time.RFC3339)
	if rec.GranuleIDs == nil {
		rec.GranuleIDs = []string{}
	}
	rec.SatelliteScore = round4(rec.SatelliteScore)
	rec.HumidityFactor = round4(rec.HumidityFactor)
	rec.WindFactor = round4(rec.WindFactor)
	rec.TrafficFactor = round4(rec.TrafficFactor)
	rec.FinalScore = round4(rec.FinalScore)

	raw, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshaling log record: %w", err)
	}
	path := raster.LogPath(base, ts)
	if err := os.WriteFile(path, raw, 0o644); err != nil {
		return "", fmt.Errorf("writing log record: %w", err)
	}
	return path, nil
}

// ReadPreviousFinal loads the previous hour's final-score field for EMA
// smoothing, or nil when it is absent or the shape differs.
func ReadPreviousFinal(base string, ts time.Time, spec raster.GridSpec) *sparse.DenseArray {
	prevPath := raster.ScorePath(base, raster.FinalScoreKind, ts.Add(-time.Hour))
	r, err := raster.DecodeFile(prevPath)
	if err != nil {
		return nil
	}
	if r.Spec.NX != spec.NX || r.Spec.NY != spec.NY {
		return nil
	}
	return r.ToGridArray()
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
