package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aeris-io/aeris/internal/cache"
	"github.com/aeris-io/aeris/internal/raster"
	"github.com/aeris-io/aeris/internal/roadgraph"
)

// mockDBChecker implements DBChecker for testing.
type mockDBChecker struct {
	err error
}

func (m *mockDBChecker) Ping(_ context.Context) error { return m.err }

type mockGraphSource struct {
	graph *roadgraph.Graph
	err   error
	calls int
}

func (m *mockGraphSource) Fetch(ctx context.Context, west, south, east, north float64, mode roadgraph.Mode) (*roadgraph.Graph, error) {
	m.calls++
	return m.graph, m.err
}

func noopCache(t *testing.T) *cache.Cache {
	t.Helper()
	c, err := cache.New(context.Background(), "", "", 0, zap.NewNop())
	if err != nil {
		t.Fatalf("cache.New: %v", err)
	}
	return c
}

func redisCache(t *testing.T) *cache.Cache {
	t.Helper()
	mr := miniredis.RunT(t)
	return cache.NewWithClient(redis.NewClient(&redis.Options{Addr: mr.Addr()}), zap.NewNop())
}

func twoNodeGraph() *roadgraph.Graph {
	return &roadgraph.Graph{
		Nodes: map[int64]roadgraph.Node{
			1: {ID: 1, Lon: -117.8, Lat: 34.2},
			2: {ID: 2, Lon: -117.6, Lat: 34.4},
		},
		Edges: []roadgraph.Edge{{From: 1, To: 2, Tags: roadgraph.Tags{Highway: "primary"}}},
	}
}

func newTestServer(t *testing.T, c *cache.Cache, graphs roadgraph.Source, base string) *Server {
	t.Helper()
	cfg := RouteConfig{
		Enabled:     true,
		BufferKm:    3,
		SampleStepM: 50,
		CacheTTL:    cache.TTLRouteOpt,
		OutputBase:  base,
		MaxPaths:    3,
	}
	return NewServer(":0", nil, c, graphs, cfg, logger())
}

func logger() *zap.Logger { return zap.NewNop() }

func writeFinalRaster(t *testing.T, base string, value float64) {
	t.Helper()
	if err := raster.EnsureOutputDirs(base); err != nil {
		t.Fatalf("creating output dirs: %v", err)
	}
	spec := raster.SpecFromBBox(-118, 34, -117, 35, 0.1)
	r := raster.New(spec)
	for row := 0; row < spec.NY; row++ {
		for col := 0; col < spec.NX; col++ {
			r.Set(value, row, col)
		}
	}
	path := filepath.Join(base, "hourly_scores", raster.FinalScoreKind, raster.FinalScoreKind+"_20260131_17.tif")
	if err := raster.EncodeFile(path, r); err != nil {
		t.Fatalf("encoding raster: %v", err)
	}
}

func TestHealthz_AlwaysOK(t *testing.T) {
	s := newTestServer(t, noopCache(t), nil, t.TempDir())
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	s.srv.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status 'ok', got '%s'", body["status"])
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("expected Content-Type 'application/json', got '%s'", ct)
	}
}

func TestReadyz_NotReadyWithoutDB(t *testing.T) {
	s := newTestServer(t, noopCache(t), nil, t.TempDir())
	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()

	s.srv.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	checks := body["checks"].(map[string]any)
	if checks["postgres"] != "error" {
		t.Errorf("expected postgres 'error' (nil pool), got '%v'", checks["postgres"])
	}
	if checks["cache"] != "disabled" {
		t.Errorf("expected cache 'disabled', got '%v'", checks["cache"])
	}
}

func TestReadyz_AllHealthy(t *testing.T) {
	s := newTestServer(t, redisCache(t), nil, t.TempDir())
	s.dbChecker = &mockDBChecker{}

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ready" {
		t.Errorf("expected status 'ready', got '%v'", body["status"])
	}
	checks := body["checks"].(map[string]any)
	if checks["cache"] != "ok" {
		t.Errorf("expected cache 'ok', got '%v'", checks["cache"])
	}
}

func TestOptimizeRoute_ReturnsPaths(t *testing.T) {
	base := t.TempDir()
	writeFinalRaster(t, base, 0.4)
	src := &mockGraphSource{graph: twoNodeGraph()}
	s := newTestServer(t, noopCache(t), src, base)

	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/routes/optimize?origin_lat=34.2&origin_lon=-117.8&dest_lat=34.4&dest_lon=-117.6&mode=cyclist", nil)
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var resp optimizeResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Mode != "cycle" {
		t.Errorf("mode = %q, want cycle", resp.Mode)
	}
	if len(resp.Routes) != 1 {
		t.Fatalf("got %d routes, want 1", len(resp.Routes))
	}
	if resp.Routes[0].DistanceKm <= 0 || resp.Routes[0].Cost <= 0 {
		t.Errorf("route aggregates not populated: %+v", resp.Routes[0])
	}
}

func TestOptimizeRoute_CacheHitSkipsGraphFetch(t *testing.T) {
	base := t.TempDir()
	writeFinalRaster(t, base, 0.4)
	src := &mockGraphSource{graph: twoNodeGraph()}
	s := newTestServer(t, redisCache(t), src, base)

	url := "/api/v1/routes/optimize?origin_lat=34.2&origin_lon=-117.8&dest_lat=34.4&dest_lon=-117.6&mode=jog"
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		s.srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, url, nil))
		if w.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, w.Code)
		}
	}
	if src.calls != 1 {
		t.Errorf("graph fetched %d times, want 1 (second request cached)", src.calls)
	}
}

func TestOptimizeRoute_BadCoordinates(t *testing.T) {
	s := newTestServer(t, noopCache(t), &mockGraphSource{graph: twoNodeGraph()}, t.TempDir())

	for _, url := range []string{
		"/api/v1/routes/optimize?origin_lat=abc&origin_lon=-117.8&dest_lat=34.4&dest_lon=-117.6",
		"/api/v1/routes/optimize?origin_lat=95&origin_lon=-117.8&dest_lat=34.4&dest_lon=-117.6",
	} {
		w := httptest.NewRecorder()
		s.srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, url, nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d", url, w.Code)
		}
	}
}

func TestOptimizeRoute_GraphSourceDown(t *testing.T) {
	src := &mockGraphSource{err: errors.New("overpass timeout")}
	s := newTestServer(t, noopCache(t), src, t.TempDir())

	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/routes/optimize?origin_lat=34.2&origin_lon=-117.8&dest_lat=34.4&dest_lon=-117.6", nil)
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", w.Code)
	}
}

func TestOptimizeRoute_NoRoute(t *testing.T) {
	// Graph with no edges: snapping succeeds but no path exists.
	g := twoNodeGraph()
	g.Edges = nil
	s := newTestServer(t, noopCache(t), &mockGraphSource{graph: g}, t.TempDir())

	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/routes/optimize?origin_lat=34.2&origin_lon=-117.8&dest_lat=34.4&dest_lon=-117.6", nil)
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestOptimizeRoute_Disabled(t *testing.T) {
	s := newTestServer(t, noopCache(t), &mockGraphSource{graph: twoNodeGraph()}, t.TempDir())
	s.routeCfg.Enabled = false

	req := httptest.NewRequest(http.MethodGet,
		"/api/v1/routes/optimize?origin_lat=34.2&origin_lon=-117.8&dest_lat=34.4&dest_lon=-117.6", nil)
	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, req)

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", w.Code)
	}
}

func TestLatestExposure(t *testing.T) {
	base := t.TempDir()
	s := newTestServer(t, noopCache(t), nil, base)

	w := httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/exposure/latest", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without raster, got %d", w.Code)
	}

	writeFinalRaster(t, base, 0.3)
	w = httptest.NewRecorder()
	s.srv.Handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/exposure/latest", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if mean := body["final_score_mean"].(float64); mean < 0.29 || mean > 0.31 {
		t.Errorf("final_score_mean = %f, want ~0.3", mean)
	}
}
