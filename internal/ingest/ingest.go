// Package ingest drives the hourly satellite pipeline: fetch one raster
// per gas from the coverage broker, archive it to the audit bucket,
// normalize it into grid cells, and bulk-insert them.
package ingest

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/aeris-io/aeris/internal/broker"
	"github.com/aeris-io/aeris/internal/cache"
	"github.com/aeris-io/aeris/internal/gas"
	"github.com/aeris-io/aeris/internal/metrics"
	"github.com/aeris-io/aeris/internal/normalizer"
	"github.com/aeris-io/aeris/internal/objstore"
	"github.com/aeris-io/aeris/internal/raster"
	"github.com/aeris-io/aeris/internal/store"
	"github.com/aeris-io/aeris/internal/task"
)

// Fetcher downloads one gas raster for a bbox and time window to a temp
// file the caller removes.
type Fetcher interface {
	FetchRaster(ctx context.Context, g gas.Gas, west, south, east, north float64, start, end time.Time) (string, error)
}

// GridWriter is the slice of the store the ingester writes to.
type GridWriter interface {
	BulkInsertCells(ctx context.Context, cells []store.Cell, chunkSize int) (int64, error)
	InsertNetcdfRecord(ctx context.Context, fileName, bucketPath string, ts time.Time, g gas.Gas) error
}

// Uploader archives raw rasters; nil disables archiving.
type Uploader interface {
	UploadFile(ctx context.Context, path, key string) (string, error)
}

type Config struct {
	West, South float64
	East, North float64
	MaxCells    int
	ChunkSize   int
	PersistGrid bool
}

type Runner struct {
	cfg      Config
	fetcher  Fetcher
	grid     GridWriter
	uploader Uploader
	cache    *cache.Cache
	logger   *zap.Logger

	// OnData fires after a run that inserted at least one cell; the
	// wiring uses it to chain the scoring pipeline.
	OnData func(ctx context.Context)
}

func NewRunner(cfg Config, fetcher Fetcher, grid GridWriter, uploader Uploader, c *cache.Cache, logger *zap.Logger) *Runner {
	return &Runner{cfg: cfg, fetcher: fetcher, grid: grid, uploader: uploader, cache: c, logger: logger}
}

// Run ingests the last completed UTC hour.
func (r *Runner) Run(ctx context.Context) task.Result {
	hour := time.Now().UTC().Truncate(time.Hour).Add(-time.Hour)
	return r.RunHour(ctx, hour)
}

// RunHour ingests every gas for the window [hour, hour+1h). A gas that
// fails or has no granules is skipped; the run succeeds when at least
// one gas produced cells.
func (r *Runner) RunHour(ctx context.Context, hour time.Time) task.Result {
	hour = hour.UTC().Truncate(time.Hour)
	end := hour.Add(time.Hour)

	statuses := make(map[string]any, len(gas.All))
	var totalInserted int64
	var okCount, errCount int

	for _, g := range gas.All {
		inserted, err := r.ingestGas(ctx, g, hour, end)
		totalInserted += inserted
		switch {
		case errors.Is(err, broker.ErrNoData):
			statuses[string(g)] = "no_data"
			metrics.IngestRunsTotal.WithLabelValues(string(g), "no_data").Inc()
			r.logger.Info("no granules for hour", zap.String("gas", string(g)), zap.Time("hour", hour))
		case err != nil:
			errCount++
			statuses[string(g)] = "error"
			metrics.IngestRunsTotal.WithLabelValues(string(g), "error").Inc()
			r.logger.Error("gas ingest failed", zap.String("gas", string(g)), zap.Error(err))
		default:
			okCount++
			statuses[string(g)] = inserted
			metrics.IngestRunsTotal.WithLabelValues(string(g), "ok").Inc()
			metrics.LastIngestTimestamp.WithLabelValues(string(g)).Set(float64(hour.Unix()))
		}
		if ctx.Err() != nil {
			return task.Errored(ctx.Err().Error())
		}
	}

	if totalInserted > 0 {
		if err := r.cache.SetMarker(ctx, cache.KeyIngestLastUpdate, hour.Format(time.RFC3339), cache.TTLMarker); err != nil {
			r.logger.Warn("setting last-update marker", zap.Error(err))
		}
		if r.OnData != nil {
			r.OnData(ctx)
		}
	}

	if okCount == 0 {
		if errCount > 0 {
			return task.Errored("all_gases_failed")
		}
		return task.Skipped("no_data")
	}
	return task.OK(map[string]any{
		"hour":           hour.Format(time.RFC3339),
		"cells_inserted": totalInserted,
		"gases":          statuses,
	})
}

// ingestGas runs the fetch-archive-normalize-insert chain for one gas
// and returns the number of cells inserted.
func (r *Runner) ingestGas(ctx context.Context, g gas.Gas, hour, end time.Time) (int64, error) {
	path, err := r.fetcher.FetchRaster(ctx, g, r.cfg.West, r.cfg.South, r.cfg.East, r.cfg.North, hour, end)
	if err != nil {
		return 0, err
	}
	defer func() {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			r.logger.Warn("removing temp raster", zap.String("path", path), zap.Error(err))
		}
	}()

	// Archive failures are logged, not fatal: the grid insert is the
	// load-bearing half of the pipeline.
	if r.uploader != nil {
		key, err := r.uploader.UploadFile(ctx, path, objstore.AuditKey(g, hour))
		if err != nil {
			r.logger.Warn("audit upload failed", zap.String("gas", string(g)), zap.Error(err))
		} else if err := r.grid.InsertNetcdfRecord(ctx, filepath.Base(path), key, hour, g); err != nil {
			r.logger.Warn("recording audit object failed", zap.String("key", key), zap.Error(err))
		}
	}

	if !r.cfg.PersistGrid {
		return 0, nil
	}

	ras, err := raster.DecodeFile(path)
	if err != nil {
		return 0, err
	}

	var inserted int64
	batches := normalizer.Stream(ctx, ras, g, hour, normalizer.Options{
		MaxCells:  r.cfg.MaxCells,
		ChunkSize: r.cfg.ChunkSize,
	})
	for batch := range batches {
		n, err := r.grid.BulkInsertCells(ctx, batch, r.cfg.ChunkSize)
		inserted += n
		if err != nil {
			return inserted, err
		}
	}
	metrics.CellsInsertedTotal.WithLabelValues(string(g)).Add(float64(inserted))
	r.logger.Info("gas ingested",
		zap.String("gas", string(g)),
		zap.Time("hour", hour),
		zap.Int64("cells", inserted),
	)
	return inserted, nil
}
