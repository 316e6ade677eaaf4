package ingest

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/aeris-io/aeris/internal/store"
	"github.com/aeris-io/aeris/internal/task"
)

type fakeRouteReader struct {
	routes  []store.SavedRoute
	avg     *float64
	sumSev  int64
	lineErr error

	updates map[int64]*float64
}

func (f *fakeRouteReader) ListRoutesWithUsers(ctx context.Context) ([]store.SavedRoute, error) {
	return f.routes, nil
}

func (f *fakeRouteReader) LineExposure(ctx context.Context, lineWKT string, tsStart, tsEnd time.Time) (*float64, int64, error) {
	return f.avg, f.sumSev, f.lineErr
}

func (f *fakeRouteReader) UpdateLegacyScore(ctx context.Context, routeID int64, score *float64) error {
	if f.updates == nil {
		f.updates = make(map[int64]*float64)
	}
	f.updates[routeID] = score
	return nil
}

func TestLegacyScore(t *testing.T) {
	avg := 8.0
	got := LegacyScore(&avg, 3)
	if got == nil || math.Abs(*got-34.0) > 1e-9 {
		t.Fatalf("score = %v, want 34.0", got)
	}
	if LegacyScore(nil, 5) != nil {
		t.Error("score without intersecting cells should be nil")
	}
}

func TestRouteLineWKT(t *testing.T) {
	r := store.SavedRoute{OriginLon: -118.25, OriginLat: 34.05, DestLon: -118.1, DestLat: 34.1}
	want := "LINESTRING(-118.25 34.05, -118.1 34.1)"
	if got := RouteLineWKT(r); got != want {
		t.Errorf("wkt = %q, want %q", got, want)
	}
}

func TestLegacyScorer_UpdatesRoutes(t *testing.T) {
	avg := 2.0
	reader := &fakeRouteReader{
		routes: []store.SavedRoute{{ID: 1, UserID: 1}, {ID: 2, UserID: 1}},
		avg:    &avg,
		sumSev: 4,
	}
	s := NewLegacyScorer(reader, zap.NewNop())

	res := s.Run(context.Background())
	if res.Status != task.StatusOK {
		t.Fatalf("result = %+v, want ok", res)
	}
	for _, id := range []int64{1, 2} {
		got := reader.updates[id]
		if got == nil || math.Abs(*got-41.0) > 1e-9 {
			t.Errorf("route %d score = %v, want 41.0", id, got)
		}
	}
}

func TestLegacyScorer_ClearsScoreWithoutCells(t *testing.T) {
	reader := &fakeRouteReader{routes: []store.SavedRoute{{ID: 7, UserID: 1}}}
	s := NewLegacyScorer(reader, zap.NewNop())

	res := s.Run(context.Background())
	if res.Status != task.StatusOK {
		t.Fatalf("result = %+v, want ok", res)
	}
	if v, ok := reader.updates[7]; !ok || v != nil {
		t.Errorf("route 7 score = %v, want explicit nil update", v)
	}
	if res.Detail["routes_cleared"] != 1 {
		t.Errorf("routes_cleared = %v, want 1", res.Detail["routes_cleared"])
	}
}

func TestLegacyScorer_NoRoutes(t *testing.T) {
	s := NewLegacyScorer(&fakeRouteReader{}, zap.NewNop())
	res := s.Run(context.Background())
	if res.Status != task.StatusSkipped || res.Reason != "no_routes" {
		t.Errorf("result = %+v, want skipped/no_routes", res)
	}
}

func TestLegacyScorer_AllFailed(t *testing.T) {
	reader := &fakeRouteReader{
		routes:  []store.SavedRoute{{ID: 1, UserID: 1}},
		lineErr: errors.New("db down"),
	}
	s := NewLegacyScorer(reader, zap.NewNop())
	if res := s.Run(context.Background()); res.Status != task.StatusError {
		t.Errorf("result = %+v, want error", res)
	}
}
