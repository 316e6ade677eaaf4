package raster

import (
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Hourly score artifacts live under <base>/hourly_scores/<kind>/ with
// names like final_score_20260131_17.tif.
const (
	SatelliteScoreKind = "satellite_score"
	FinalScoreKind     = "final_score"
)

// ScorePath returns the artifact path for an hour, creating parent
// directories is left to the caller.
func ScorePath(base, kind string, ts time.Time) string {
	stamp := ts.UTC().Format("20060102_15")
	return filepath.Join(base, "hourly_scores", kind, kind+"_"+stamp+".tif")
}

// LogPath returns the companion JSON log path for an hour.
func LogPath(base string, ts time.Time) string {
	stamp := ts.UTC().Format("20060102_15")
	return filepath.Join(base, "logs", "upes_"+stamp+".json")
}

// EnsureOutputDirs creates the hourly score and log directories.
func EnsureOutputDirs(base string) error {
	for _, d := range []string{
		filepath.Join(base, "hourly_scores", SatelliteScoreKind),
		filepath.Join(base, "hourly_scores", FinalScoreKind),
		filepath.Join(base, "logs"),
	} {
		if err := os.MkdirAll(d, 0o755); err != nil {
			return err
		}
	}
	return nil
}

// LatestScorePath returns the path of the most recently modified score
// artifact of the given kind, or "" when none exists. The mtime scan
// tolerates a writer still flushing; a stale read self-corrects at the
// next hour.
func LatestScorePath(base, kind string) string {
	dir := filepath.Join(base, "hourly_scores", kind)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestMod time.Time
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, kind+"_") || !strings.HasSuffix(name, ".tif") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestMod) {
			best = filepath.Join(dir, name)
			bestMod = info.ModTime()
		}
	}
	return best
}
