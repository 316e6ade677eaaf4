// Package http serves the operational endpoints (health, readiness,
// metrics) and the JSON API for route optimization and exposure
// lookups.
package http

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/aeris-io/aeris/internal/cache"
	"github.com/aeris-io/aeris/internal/geo"
	"github.com/aeris-io/aeris/internal/metrics"
	"github.com/aeris-io/aeris/internal/raster"
	"github.com/aeris-io/aeris/internal/roadgraph"
	"github.com/aeris-io/aeris/internal/routing"
	"github.com/aeris-io/aeris/internal/sampler"
)

// DBChecker abstracts the database health check for testability.
type DBChecker interface {
	Ping(ctx context.Context) error
}

// RouteConfig tunes the optimization endpoint.
type RouteConfig struct {
	Enabled     bool
	BufferKm    float64
	SampleStepM float64
	CacheTTL    time.Duration
	OutputBase  string
	MaxPaths    int
}

type Server struct {
	srv       *http.Server
	pool      *pgxpool.Pool
	dbChecker DBChecker
	cache     *cache.Cache
	graphs    roadgraph.Source
	routeCfg  RouteConfig
	logger    *zap.Logger
}

func NewServer(addr string, pool *pgxpool.Pool, c *cache.Cache, graphs roadgraph.Source, routeCfg RouteConfig, logger *zap.Logger) *Server {
	if routeCfg.MaxPaths <= 0 {
		routeCfg.MaxPaths = 3
	}
	s := &Server{
		pool:     pool,
		cache:    c,
		graphs:   graphs,
		routeCfg: routeCfg,
		logger:   logger,
	}
	if pool != nil {
		s.dbChecker = pool
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/routes/optimize", s.handleOptimizeRoute)
		r.Get("/exposure/latest", s.handleLatestExposure)
	})

	s.srv = &http.Server{
		Addr:    addr,
		Handler: r,
	}

	return s
}

func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return err
	}
	s.logger.Info("HTTP server listening", zap.String("addr", s.srv.Addr))
	go func() {
		if err := s.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	allOK := true

	// Check PostgreSQL.
	if s.dbChecker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		if err := s.dbChecker.Ping(ctx); err != nil {
			checks["postgres"] = "error"
			allOK = false
		} else {
			checks["postgres"] = "ok"
		}
	} else {
		checks["postgres"] = "error"
		allOK = false
	}

	// The cache is optional; report its state without gating readiness.
	if s.cache != nil && s.cache.Enabled() {
		checks["cache"] = "ok"
	} else {
		checks["cache"] = "disabled"
	}

	status := "ready"
	httpStatus := http.StatusOK
	if !allOK {
		status = "not_ready"
		httpStatus = http.StatusServiceUnavailable
	}
	writeJSON(w, httpStatus, map[string]any{
		"status": status,
		"checks": checks,
	})
}

type optimizeResponse struct {
	Mode   string         `json:"mode"`
	Routes []routing.Path `json:"routes"`
}

func (s *Server) handleOptimizeRoute(w http.ResponseWriter, r *http.Request) {
	if !s.routeCfg.Enabled || s.graphs == nil {
		writeError(w, http.StatusServiceUnavailable, "route optimization disabled")
		return
	}

	q := r.URL.Query()
	originLat, err1 := strconv.ParseFloat(q.Get("origin_lat"), 64)
	originLon, err2 := strconv.ParseFloat(q.Get("origin_lon"), 64)
	destLat, err3 := strconv.ParseFloat(q.Get("dest_lat"), 64)
	destLon, err4 := strconv.ParseFloat(q.Get("dest_lon"), 64)
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil {
		writeError(w, http.StatusBadRequest, "origin_lat, origin_lon, dest_lat, dest_lon are required")
		return
	}
	if !geo.ValidCoord(originLat, originLon) || !geo.ValidCoord(destLat, destLon) {
		writeError(w, http.StatusBadRequest, "coordinates outside WGS84 domain")
		return
	}
	mode := roadgraph.ParseMode(q.Get("mode"))

	key := cache.RouteOptKey(originLat, originLon, destLat, destLon, string(mode))
	var resp optimizeResponse
	if hit, err := s.cache.GetJSON(r.Context(), "route_opt", key, &resp); err == nil && hit {
		metrics.RouteRequestsTotal.WithLabelValues(string(mode), "cache_hit").Inc()
		writeJSON(w, http.StatusOK, resp)
		return
	}

	west, south, east, north := bufferedBBox(originLon, originLat, destLon, destLat, s.routeCfg.BufferKm)
	graph, err := s.graphs.Fetch(r.Context(), west, south, east, north, mode)
	if err != nil {
		metrics.RouteRequestsTotal.WithLabelValues(string(mode), "graph_error").Inc()
		s.logger.Error("fetching road graph", zap.Error(err))
		writeError(w, http.StatusBadGateway, "road graph unavailable")
		return
	}

	scores := sampler.LoadLatestFinal(s.routeCfg.OutputBase)
	graph.AssignWeights(scores, mode, s.routeCfg.SampleStepM)

	paths := routing.Find(graph, originLon, originLat, destLon, destLat, s.routeCfg.MaxPaths)
	if len(paths) == 0 {
		metrics.RouteRequestsTotal.WithLabelValues(string(mode), "no_route").Inc()
		writeError(w, http.StatusNotFound, "no route found")
		return
	}

	resp = optimizeResponse{Mode: string(mode), Routes: paths}
	if err := s.cache.SetJSON(r.Context(), "route_opt", key, s.routeCfg.CacheTTL, resp); err != nil {
		s.logger.Warn("caching route result", zap.Error(err))
	}
	metrics.RouteRequestsTotal.WithLabelValues(string(mode), "ok").Inc()
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleLatestExposure(w http.ResponseWriter, r *http.Request) {
	marker, err := s.cache.GetMarker(r.Context(), cache.KeyUPESLastUpdate)
	if err != nil {
		s.logger.Warn("reading last-update marker", zap.Error(err))
	}

	path := raster.LatestScorePath(s.routeCfg.OutputBase, raster.FinalScoreKind)
	if path == "" {
		writeError(w, http.StatusNotFound, "no exposure raster available")
		return
	}
	ras, err := raster.DecodeFile(path)
	if err != nil {
		s.logger.Error("decoding latest raster", zap.String("path", path), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "latest raster unreadable")
		return
	}

	mean := ras.MeanIgnoringNaN()
	if math.IsNaN(mean) {
		mean = 0
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"last_update":      marker,
		"final_score_mean": math.Round(mean*10000) / 10000,
		"bbox": map[string]float64{
			"west":  ras.Spec.West,
			"south": ras.Spec.South,
			"east":  ras.Spec.East,
			"north": ras.Spec.North,
		},
		"resolution_deg": ras.Spec.ResolutionDeg,
	})
}

// bufferedBBox expands the envelope of the two endpoints by bufferKm on
// every side.
func bufferedBBox(lon1, lat1, lon2, lat2, bufferKm float64) (west, south, east, north float64) {
	d := bufferKm / geo.KmPerDegLat
	west = math.Min(lon1, lon2) - d
	east = math.Max(lon1, lon2) + d
	south = math.Min(lat1, lat2) - d
	north = math.Max(lat1, lat2) + d
	return west, south, east, north
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
