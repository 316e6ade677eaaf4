// Package store is the PostGIS persistence adapter: bulk grid-cell
// writes, spatial aggregation queries, and the saved-route / history /
// alert tables.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/aeris-io/aeris/internal/gas"
	"github.com/aeris-io/aeris/internal/metrics"
)

// Cell is one pollution_grid row: a single gas observation over a
// polygon for one hour.
type Cell struct {
	Timestamp  time.Time
	Gas        gas.Gas
	PolygonWKT string
	Value      float64
	Severity   int
}

// Observation is a centroid sample returned by the aggregation query.
type Observation struct {
	Gas   gas.Gas
	Lon   float64
	Lat   float64
	Value float64
}

type Store struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func New(pool *pgxpool.Pool, logger *zap.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

// BulkInsertCells writes cells in chunks, each chunk committed in its
// own transaction. A failure aborts the remaining chunks but leaves
// earlier commits intact; the caller gets the count actually inserted.
func (s *Store) BulkInsertCells(ctx context.Context, cells []Cell, chunkSize int) (int64, error) {
	if len(cells) == 0 {
		return 0, nil
	}
	if chunkSize <= 0 {
		chunkSize = 2000
	}

	var inserted int64
	for off := 0; off < len(cells); off += chunkSize {
		end := off + chunkSize
		if end > len(cells) {
			end = len(cells)
		}
		n, err := s.insertChunk(ctx, cells[off:end])
		inserted += n
		if err != nil {
			return inserted, fmt.Errorf("inserting chunk at offset %d: %w", off, err)
		}
	}
	return inserted, nil
}

func (s *Store) insertChunk(ctx context.Context, chunk []Cell) (int64, error) {
	start := time.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var n int64
	for _, c := range chunk {
		tag, err := tx.Exec(ctx, `
			INSERT INTO pollution_grid (timestamp, gas_type, geom, pollution_value, severity_level)
			VALUES ($1, $2, ST_GeomFromText($3, 4326), $4, $5)`,
			c.Timestamp, string(c.Gas), c.PolygonWKT, c.Value, c.Severity,
		)
		if err != nil {
			return n, fmt.Errorf("insert cell: %w", err)
		}
		n += tag.RowsAffected()
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	metrics.DBWriteDuration.WithLabelValues("insert_cells").Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues("pollution_grid", "insert").Add(float64(n))
	return n, nil
}

// MaxTimestamp returns the most recent pollution_grid timestamp, or nil
// when the table is empty.
func (s *Store) MaxTimestamp(ctx context.Context) (*time.Time, error) {
	var ts *time.Time
	err := s.pool.QueryRow(ctx, `SELECT MAX(timestamp) FROM pollution_grid`).Scan(&ts)
	if err != nil {
		return nil, fmt.Errorf("querying max timestamp: %w", err)
	}
	return ts, nil
}

// CentroidsInWindow returns (gas, centroid, value) for every cell whose
// geometry overlaps the bbox within the time window.
func (s *Store) CentroidsInWindow(ctx context.Context, tsStart, tsEnd time.Time, west, south, east, north float64) ([]Observation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT gas_type,
		       ST_X(ST_Centroid(geom)) AS lon,
		       ST_Y(ST_Centroid(geom)) AS lat,
		       pollution_value
		FROM pollution_grid
		WHERE timestamp >= $1 AND timestamp <= $2
		  AND geom && ST_MakeEnvelope($3, $4, $5, $6, 4326)`,
		tsStart, tsEnd, west, south, east, north,
	)
	if err != nil {
		return nil, fmt.Errorf("querying centroids: %w", err)
	}
	defer rows.Close()

	var out []Observation
	for rows.Next() {
		var o Observation
		var g string
		if err := rows.Scan(&g, &o.Lon, &o.Lat, &o.Value); err != nil {
			return nil, fmt.Errorf("scanning centroid row: %w", err)
		}
		o.Gas = gas.Gas(g)
		out = append(out, o)
	}
	return out, rows.Err()
}

// LineExposure aggregates cells intersecting a LINESTRING over the time
// window: average pollution value plus summed severity. avg is nil when
// no cell intersects.
func (s *Store) LineExposure(ctx context.Context, lineWKT string, tsStart, tsEnd time.Time) (avg *float64, sumSeverity int64, err error) {
	var sev *int64
	err = s.pool.QueryRow(ctx, `
		SELECT AVG(pollution_value), SUM(severity_level)
		FROM pollution_grid
		WHERE ST_Intersects(geom, ST_GeomFromText($1, 4326))
		  AND timestamp >= $2 AND timestamp <= $3`,
		lineWKT, tsStart, tsEnd,
	).Scan(&avg, &sev)
	if err != nil {
		return nil, 0, fmt.Errorf("querying line exposure: %w", err)
	}
	if sev != nil {
		sumSeverity = *sev
	}
	return avg, sumSeverity, nil
}

// PruneCellsBefore removes pollution_grid rows older than the cutoff.
func (s *Store) PruneCellsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	start := time.Now()
	tag, err := s.pool.Exec(ctx, `DELETE FROM pollution_grid WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning pollution_grid: %w", err)
	}
	n := tag.RowsAffected()
	metrics.DBWriteDuration.WithLabelValues("prune_cells").Observe(time.Since(start).Seconds())
	metrics.DBRowsAffectedTotal.WithLabelValues("pollution_grid", "delete").Add(float64(n))
	metrics.CellsPrunedTotal.Add(float64(n))
	return n, nil
}

// InsertNetcdfRecord appends an audit record for an uploaded raster.
func (s *Store) InsertNetcdfRecord(ctx context.Context, fileName, bucketPath string, ts time.Time, g gas.Gas) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO netcdf_files (file_name, bucket_path, timestamp, gas_type)
		VALUES ($1, $2, $3, $4)`,
		fileName, bucketPath, ts, string(g),
	)
	if err != nil {
		return fmt.Errorf("inserting netcdf record: %w", err)
	}
	return nil
}
