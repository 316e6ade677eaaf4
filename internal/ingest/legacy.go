package ingest

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/aeris-io/aeris/internal/store"
	"github.com/aeris-io/aeris/internal/task"
)

// RouteReader is the slice of the store the legacy scorer uses.
type RouteReader interface {
	ListRoutesWithUsers(ctx context.Context) ([]store.SavedRoute, error)
	LineExposure(ctx context.Context, lineWKT string, tsStart, tsEnd time.Time) (avg *float64, sumSeverity int64, err error)
	UpdateLegacyScore(ctx context.Context, routeID int64, score *float64) error
}

// LegacyScorer recomputes the grid-intersection exposure score for every
// saved route after each ingest: 0.5 * avg pollution value plus 10 per
// severity level of every intersecting cell.
type LegacyScorer struct {
	routes RouteReader
	logger *zap.Logger
}

func NewLegacyScorer(routes RouteReader, logger *zap.Logger) *LegacyScorer {
	return &LegacyScorer{routes: routes, logger: logger}
}

// RouteLineWKT is the straight origin-to-destination LINESTRING used
// for grid intersection.
func RouteLineWKT(r store.SavedRoute) string {
	return fmt.Sprintf("LINESTRING(%g %g, %g %g)", r.OriginLon, r.OriginLat, r.DestLon, r.DestLat)
}

// LegacyScore combines the intersection aggregates; nil means no cell
// intersected the route this hour.
func LegacyScore(avg *float64, sumSeverity int64) *float64 {
	if avg == nil {
		return nil
	}
	score := math.Round((0.5**avg+10*float64(sumSeverity))*10000) / 10000
	return &score
}

func (s *LegacyScorer) Run(ctx context.Context) task.Result {
	end := time.Now().UTC()
	start := end.Add(-time.Hour)
	return s.RunWindow(ctx, start, end)
}

// RunWindow rescores every route against cells in [start, end]. A route
// with no intersecting cells has its score cleared.
func (s *LegacyScorer) RunWindow(ctx context.Context, start, end time.Time) task.Result {
	routes, err := s.routes.ListRoutesWithUsers(ctx)
	if err != nil {
		s.logger.Error("listing routes", zap.Error(err))
		return task.Errored(err.Error())
	}
	if len(routes) == 0 {
		return task.Skipped("no_routes")
	}

	var scored, cleared, failed int
	for _, r := range routes {
		avg, sumSev, err := s.routes.LineExposure(ctx, RouteLineWKT(r), start, end)
		if err != nil {
			failed++
			s.logger.Error("computing line exposure", zap.Int64("route_id", r.ID), zap.Error(err))
			continue
		}
		score := LegacyScore(avg, sumSev)
		if err := s.routes.UpdateLegacyScore(ctx, r.ID, score); err != nil {
			failed++
			s.logger.Error("updating route score", zap.Int64("route_id", r.ID), zap.Error(err))
			continue
		}
		if score == nil {
			cleared++
		} else {
			scored++
		}
	}

	if failed == len(routes) {
		return task.Errored("all_routes_failed")
	}
	return task.OK(map[string]any{
		"routes_scored":  scored,
		"routes_cleared": cleared,
		"routes_failed":  failed,
	})
}
