package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/aeris-io/aeris/internal/metrics"
)

// SavedRoute mirrors a saved_routes row joined with the owner fields
// the worker pipelines need.
type SavedRoute struct {
	ID                int64
	UserID            int64
	OriginLat         float64
	OriginLon         float64
	DestLat           float64
	DestLon           float64
	ActivityType      *string
	LastComputedScore *float64
	LastUPESScore     *float64

	// Owner fields, populated by ListRoutesWithUsers.
	UserSensitivity *int
	UserPreferences map[string]bool
}

// HistoryEntry is one route_exposure_history row.
type HistoryEntry struct {
	RouteID   int64
	Timestamp time.Time
	MeanUPES  float64
	MaxUPES   *float64
	Source    string
}

// AlertRecord is one alert_log row to persist.
type AlertRecord struct {
	UserID      int64
	RouteID     int64
	Type        string
	ScoreBefore *float64
	ScoreAfter  *float64
	Threshold   *float64
	Metadata    map[string]any
	Channels    []string
}

// ListRoutesWithUsers returns every saved route joined with its owner's
// sensitivity level and notification preferences.
func (s *Store) ListRoutesWithUsers(ctx context.Context) ([]SavedRoute, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.user_id, r.origin_lat, r.origin_lon, r.dest_lat, r.dest_lon,
		       r.activity_type, r.last_computed_score, r.last_upes_score,
		       u.exposure_sensitivity_level, u.notification_preferences
		FROM saved_routes r
		JOIN users u ON u.id = r.user_id
		ORDER BY r.id`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying saved routes: %w", err)
	}
	defer rows.Close()

	var out []SavedRoute
	for rows.Next() {
		var r SavedRoute
		var prefs []byte
		if err := rows.Scan(&r.ID, &r.UserID, &r.OriginLat, &r.OriginLon, &r.DestLat, &r.DestLon,
			&r.ActivityType, &r.LastComputedScore, &r.LastUPESScore,
			&r.UserSensitivity, &prefs); err != nil {
			return nil, fmt.Errorf("scanning saved route: %w", err)
		}
		if len(prefs) > 0 {
			if err := json.Unmarshal(prefs, &r.UserPreferences); err != nil {
				// Malformed preferences degrade to defaults.
				r.UserPreferences = nil
			}
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UpdateLegacyScore writes last_computed_score (nil clears it) and
// bumps last_updated_at.
func (s *Store) UpdateLegacyScore(ctx context.Context, routeID int64, score *float64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE saved_routes SET last_computed_score = $2, last_updated_at = now()
		WHERE id = $1`,
		routeID, score,
	)
	if err != nil {
		return fmt.Errorf("updating legacy score for route %d: %w", routeID, err)
	}
	return nil
}

// RecordRouteUPES appends a history entry and updates the route's
// last_upes_score in one transaction.
func (s *Store) RecordRouteUPES(ctx context.Context, e HistoryEntry) error {
	start := time.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		INSERT INTO route_exposure_history (route_id, timestamp, upes_score, max_upes_along_route, score_source)
		VALUES ($1, $2, $3, $4, $5)`,
		e.RouteID, e.Timestamp, e.MeanUPES, e.MaxUPES, e.Source,
	); err != nil {
		return fmt.Errorf("inserting history entry: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE saved_routes SET last_upes_score = $2, last_upes_updated_at = $3
		WHERE id = $1`,
		e.RouteID, e.MeanUPES, e.Timestamp,
	); err != nil {
		return fmt.Errorf("updating route upes score: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	metrics.DBWriteDuration.WithLabelValues("record_route_upes").Observe(time.Since(start).Seconds())
	return nil
}

// PrevAndRecentMin returns the second-most-recent history score and the
// minimum score since the given time, either of which may be nil.
func (s *Store) PrevAndRecentMin(ctx context.Context, routeID int64, since time.Time) (prev, recentMin *float64, err error) {
	rows, err := s.pool.Query(ctx, `
		SELECT upes_score FROM route_exposure_history
		WHERE route_id = $1 ORDER BY timestamp DESC LIMIT 2`,
		routeID,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("querying recent history: %w", err)
	}
	var scores []float64
	for rows.Next() {
		var v float64
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return nil, nil, fmt.Errorf("scanning history score: %w", err)
		}
		scores = append(scores, v)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, err
	}
	if len(scores) >= 2 {
		prev = &scores[1]
	}

	err = s.pool.QueryRow(ctx, `
		SELECT MIN(upes_score) FROM route_exposure_history
		WHERE route_id = $1 AND timestamp >= $2`,
		routeID, since,
	).Scan(&recentMin)
	if err != nil {
		return nil, nil, fmt.Errorf("querying recent minimum: %w", err)
	}
	return prev, recentMin, nil
}

// LatestMaxAlongRoute returns max_upes_along_route from the newest
// history entry, or nil when absent.
func (s *Store) LatestMaxAlongRoute(ctx context.Context, routeID int64) (*float64, error) {
	var max *float64
	err := s.pool.QueryRow(ctx, `
		SELECT max_upes_along_route FROM route_exposure_history
		WHERE route_id = $1 ORDER BY timestamp DESC LIMIT 1`,
		routeID,
	).Scan(&max)
	if err != nil {
		// No history at all is not an error for the caller.
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying latest max: %w", err)
	}
	return max, nil
}

// InsertAlert persists one alert_log row and returns its id.
func (s *Store) InsertAlert(ctx context.Context, a AlertRecord) (int64, error) {
	meta, err := json.Marshal(a.Metadata)
	if err != nil {
		return 0, fmt.Errorf("marshaling alert metadata: %w", err)
	}
	channels, err := json.Marshal(a.Channels)
	if err != nil {
		return 0, fmt.Errorf("marshaling alert channels: %w", err)
	}

	var id int64
	err = s.pool.QueryRow(ctx, `
		INSERT INTO alert_log (user_id, route_id, alert_type, score_before, score_after, threshold, metadata, notified_channels)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		a.UserID, a.RouteID, a.Type, a.ScoreBefore, a.ScoreAfter, a.Threshold, meta, channels,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("inserting alert: %w", err)
	}
	metrics.DBRowsAffectedTotal.WithLabelValues("alert_log", "insert").Add(1)
	return id, nil
}
