package upes

import (
	"context"
	"time"

	"github.com/ctessum/sparse"
	"go.uber.org/zap"

	"github.com/aeris-io/aeris/internal/cache"
	"github.com/aeris-io/aeris/internal/gas"
	"github.com/aeris-io/aeris/internal/metrics"
	"github.com/aeris-io/aeris/internal/raster"
	"github.com/aeris-io/aeris/internal/store"
	"github.com/aeris-io/aeris/internal/task"
	"github.com/aeris-io/aeris/internal/weather"
)

// GridSource is the slice of the spatial store the engine reads.
type GridSource interface {
	MaxTimestamp(ctx context.Context) (*time.Time, error)
	CentroidsInWindow(ctx context.Context, tsStart, tsEnd time.Time, west, south, east, north float64) ([]store.Observation, error)
}

// WeatherSource supplies current conditions for the modifier scalars.
type WeatherSource interface {
	Enabled() bool
	Fetch(ctx context.Context, lat, lon float64, days int) (*weather.Report, error)
}

type Config struct {
	OutputBase    string
	ResolutionDeg float64
	West, South   float64
	East, North   float64
	TrafficAlpha  float64
	EMALambda     float64 // 0 disables smoothing
}

type Engine struct {
	cfg     Config
	grid    GridSource
	weather WeatherSource
	cache   *cache.Cache
	logger  *zap.Logger
}

func NewEngine(cfg Config, grid GridSource, w WeatherSource, c *cache.Cache, logger *zap.Logger) *Engine {
	return &Engine{cfg: cfg, grid: grid, weather: w, cache: c, logger: logger}
}

// Compute runs the full hourly pipeline: aggregate the latest hour of
// grid cells, normalize and fuse, apply the meteorological modifiers,
// smooth against the previous hour, and write the raster pair plus the
// JSON log.
func (e *Engine) Compute(ctx context.Context) task.Result {
	started := time.Now()

	maxTS, err := e.grid.MaxTimestamp(ctx)
	if err != nil {
		e.logger.Error("querying max timestamp", zap.Error(err))
		return task.Errored(err.Error())
	}
	if maxTS == nil {
		e.logger.Info("no grid data, skipping compute")
		return task.Skipped("no_data")
	}

	tsEnd := maxTS.UTC()
	tsStart := tsEnd.Add(-time.Hour)
	hour := tsStart

	spec := raster.SpecFromBBox(e.cfg.West, e.cfg.South, e.cfg.East, e.cfg.North, e.cfg.ResolutionDeg)
	obs, err := e.grid.CentroidsInWindow(ctx, tsStart, tsEnd, e.cfg.West, e.cfg.South, e.cfg.East, e.cfg.North)
	if err != nil {
		e.logger.Error("querying centroids", zap.Error(err))
		return task.Errored(err.Error())
	}

	gasArrays := Aggregate(spec, obs)
	if len(gasArrays) == 0 {
		e.logger.Info("no gas data in bbox, skipping compute")
		return task.Skipped("no_gas_data")
	}

	normalized := make(map[gas.Gas]*sparse.DenseArray, len(gasArrays))
	for g, arr := range gasArrays {
		normalized[g] = NormalizeWithPercentiles(arr)
	}
	satellite := SatelliteScore(normalized, nil)

	hdf, wtf, tf := e.modifiers(ctx)

	var previous *sparse.DenseArray
	if e.cfg.EMALambda > 0 {
		previous = ReadPreviousFinal(e.cfg.OutputBase, hour, spec)
	}
	final := FinalScore(satellite, hdf, wtf, tf, previous, e.cfg.EMALambda)

	satMean := MeanIgnoringNaN(satellite)
	finalMean := MeanIgnoringNaN(final)

	satPath, finalPath, err := WriteRasters(e.cfg.OutputBase, hour, spec, satellite, final)
	if err != nil {
		e.logger.Error("writing score rasters", zap.Error(err))
		return task.Errored(err.Error())
	}
	logPath, err := WriteLog(e.cfg.OutputBase, hour, LogRecord{
		SatelliteScore: satMean,
		HumidityFactor: hdf,
		WindFactor:     wtf,
		TrafficFactor:  tf,
		FinalScore:     finalMean,
	})
	if err != nil {
		e.logger.Error("writing run log", zap.Error(err))
		return task.Errored(err.Error())
	}

	if err := e.cache.SetMarker(ctx, cache.KeyUPESLastUpdate, hour.Format(time.RFC3339), cache.TTLMarker); err != nil {
		e.logger.Warn("setting last-update marker", zap.Error(err))
	}

	metrics.UPESComputeDuration.Observe(time.Since(started).Seconds())
	e.logger.Info("scores written",
		zap.Time("hour", hour),
		zap.String("satellite", satPath),
		zap.String("final", finalPath),
		zap.String("log", logPath),
		zap.Float64("satellite_mean", satMean),
		zap.Float64("final_mean", finalMean),
	)
	return task.OK(map[string]any{
		"timestamp":            hour.Format(time.RFC3339),
		"satellite_score_mean": satMean,
		"final_score_mean":     finalMean,
	})
}

// modifiers evaluates HDF/WTF/TF at the bbox center this hour. A
// weather failure degrades to neutral defaults rather than aborting.
func (e *Engine) modifiers(ctx context.Context) (hdf, wtf, tf float64) {
	humidity, windKph, windDeg := 50.0, 0.0, 0.0
	if e.weather != nil && e.weather.Enabled() {
		centerLat := (e.cfg.South + e.cfg.North) / 2
		centerLon := (e.cfg.West + e.cfg.East) / 2
		rep, err := e.weather.Fetch(ctx, centerLat, centerLon, 1)
		if err != nil {
			e.logger.Warn("weather fetch failed, using defaults", zap.Error(err))
		} else {
			humidity = rep.Current.Humidity
			windKph = rep.Current.WindKph
			windDeg = rep.Current.WindDegree
		}
	}
	hdf = HumidityDispersionFactor(humidity)
	wtf = WindFactor(windKph, windDeg, 0)
	tf = TrafficFactor(0, e.cfg.TrafficAlpha)
	return hdf, wtf, tf
}
