package alerts

import (
	"bytes"
	"context"
	"encoding/json"
	"math"
	"net/http"
	"time"

	"github.com/ctessum/geom"
	"go.uber.org/zap"

	"github.com/aeris-io/aeris/internal/metrics"
	"github.com/aeris-io/aeris/internal/sampler"
	"github.com/aeris-io/aeris/internal/store"
	"github.com/aeris-io/aeris/internal/task"
	"github.com/aeris-io/aeris/internal/weather"
)

// RouteStore is the slice of the store both pipeline tasks use.
type RouteStore interface {
	ListRoutesWithUsers(ctx context.Context) ([]store.SavedRoute, error)
	RecordRouteUPES(ctx context.Context, e store.HistoryEntry) error
	PrevAndRecentMin(ctx context.Context, routeID int64, since time.Time) (prev, recentMin *float64, err error)
	LatestMaxAlongRoute(ctx context.Context, routeID int64) (*float64, error)
	InsertAlert(ctx context.Context, a store.AlertRecord) (int64, error)
}

// WeatherSource supplies wind at the route midpoint; nil or disabled
// sources leave wind out of detection.
type WeatherSource interface {
	Enabled() bool
	Fetch(ctx context.Context, lat, lon float64, days int) (*weather.Report, error)
}

type Config struct {
	OutputBase  string
	SampleStepM float64
	WebhookURL  string
	Thresholds  Thresholds
}

type Pipeline struct {
	cfg     Config
	store   RouteStore
	weather WeatherSource
	http    *http.Client
	logger  *zap.Logger

	now func() time.Time
}

func NewPipeline(cfg Config, st RouteStore, w WeatherSource, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		store:   st,
		weather: w,
		http:    &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
		now:     time.Now,
	}
}

// ScoreRoutes samples the latest final-score raster along every saved
// route and appends the history entries detection later reads.
func (p *Pipeline) ScoreRoutes(ctx context.Context) task.Result {
	r := sampler.LoadLatestFinal(p.cfg.OutputBase)
	if r == nil {
		p.logger.Info("no score raster, skipping route scoring")
		return task.Skipped("no_raster")
	}

	routes, err := p.store.ListRoutesWithUsers(ctx)
	if err != nil {
		p.logger.Error("listing routes", zap.Error(err))
		return task.Errored(err.Error())
	}
	if len(routes) == 0 {
		return task.Skipped("no_routes")
	}

	now := p.now().UTC()
	var updated int
	for _, route := range routes {
		stats := sampler.Segment(r, route.OriginLon, route.OriginLat, route.DestLon, route.DestLat, p.cfg.SampleStepM)
		max := round6(stats.Max)
		entry := store.HistoryEntry{
			RouteID:   route.ID,
			Timestamp: now,
			MeanUPES:  round6(stats.Mean),
			MaxUPES:   &max,
			Source:    "upes",
		}
		if err := p.store.RecordRouteUPES(ctx, entry); err != nil {
			p.logger.Warn("recording route score", zap.Int64("route_id", route.ID), zap.Error(err))
			continue
		}
		updated++
	}
	p.logger.Info("saved routes scored", zap.Int("routes", updated))
	return task.OK(map[string]any{"routes_updated": updated})
}

type webhookAlert struct {
	AlertID     int64    `json:"alert_id"`
	UserID      int64    `json:"user_id"`
	RouteID     int64    `json:"route_id"`
	AlertType   string   `json:"alert_type"`
	Message     string   `json:"message"`
	ScoreBefore *float64 `json:"score_before"`
	ScoreAfter  *float64 `json:"score_after"`
	Channels    []string `json:"channels"`
}

// Run executes a detection pass over every scored route: gather
// history and wind context, run the detectors, persist fired alerts,
// then notify the webhook in one batch.
func (p *Pipeline) Run(ctx context.Context) task.Result {
	routes, err := p.store.ListRoutesWithUsers(ctx)
	if err != nil {
		p.logger.Error("listing routes", zap.Error(err))
		return task.Errored(err.Error())
	}

	since := p.now().UTC().Add(-24 * time.Hour)
	var payload []webhookAlert
	var fired int

	for _, route := range routes {
		if route.LastUPESScore == nil {
			continue
		}
		current := *route.LastUPESScore
		max := current
		if latestMax, err := p.store.LatestMaxAlongRoute(ctx, route.ID); err != nil {
			p.logger.Warn("reading latest max", zap.Int64("route_id", route.ID), zap.Error(err))
		} else if latestMax != nil {
			max = *latestMax
		}

		prev, recentMin, err := p.store.PrevAndRecentMin(ctx, route.ID, since)
		if err != nil {
			p.logger.Warn("reading route history", zap.Int64("route_id", route.ID), zap.Error(err))
			continue
		}

		mid := geom.Point{
			X: (route.OriginLon + route.DestLon) / 2,
			Y: (route.OriginLat + route.DestLat) / 2,
		}
		in := Input{
			CurrentUPES: current,
			MaxUPES:     max,
			PrevUPES:    prev,
			RecentMin:   recentMin,
			Sensitivity: route.UserSensitivity,
			Midpoint:    &mid,
		}
		if kph, deg, ok := p.windAt(ctx, mid); ok {
			in.WindKph = &kph
			in.WindFromDeg = &deg
		}

		channels := ChannelsFromPreferences(route.UserPreferences)
		for _, a := range Detect(in, p.cfg.Thresholds) {
			id, err := p.store.InsertAlert(ctx, store.AlertRecord{
				UserID:      route.UserID,
				RouteID:     route.ID,
				Type:        a.Type,
				ScoreBefore: a.ScoreBefore,
				ScoreAfter:  a.ScoreAfter,
				Threshold:   a.Threshold,
				Metadata:    a.Metadata,
				Channels:    channels,
			})
			if err != nil {
				p.logger.Error("persisting alert", zap.Int64("route_id", route.ID), zap.Error(err))
				continue
			}
			fired++
			metrics.AlertsFiredTotal.WithLabelValues(a.Type).Inc()
			payload = append(payload, webhookAlert{
				AlertID:     id,
				UserID:      route.UserID,
				RouteID:     route.ID,
				AlertType:   a.Type,
				Message:     Message(a),
				ScoreBefore: a.ScoreBefore,
				ScoreAfter:  a.ScoreAfter,
				Channels:    channels,
			})
		}
	}

	if p.cfg.WebhookURL != "" && len(payload) > 0 {
		p.postWebhook(ctx, payload)
	}

	p.logger.Info("alert pipeline finished", zap.Int("alerts", fired))
	return task.OK(map[string]any{"alerts_count": fired})
}

// windAt fetches current wind at the midpoint; any failure drops wind
// from detection rather than failing the pass.
func (p *Pipeline) windAt(ctx context.Context, mid geom.Point) (kph, fromDeg float64, ok bool) {
	if p.weather == nil || !p.weather.Enabled() {
		return 0, 0, false
	}
	rep, err := p.weather.Fetch(ctx, mid.Y, mid.X, 1)
	if err != nil {
		p.logger.Debug("weather for alert pipeline", zap.Error(err))
		return 0, 0, false
	}
	return rep.Current.WindKph, rep.Current.WindDegree, true
}

// postWebhook delivers the alert batch; failure is logged, never fatal.
func (p *Pipeline) postWebhook(ctx context.Context, alerts []webhookAlert) {
	body, err := json.Marshal(map[string]any{
		"alerts":    alerts,
		"timestamp": p.now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		p.logger.Warn("marshaling webhook payload", zap.Error(err))
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.WebhookURL, bytes.NewReader(body))
	if err != nil {
		p.logger.Warn("building webhook request", zap.Error(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.http.Do(req)
	if err != nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		p.logger.Warn("webhook POST failed", zap.Error(err))
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		metrics.WebhookDeliveriesTotal.WithLabelValues("error").Inc()
		p.logger.Warn("webhook rejected batch", zap.Int("status", resp.StatusCode))
		return
	}
	metrics.WebhookDeliveriesTotal.WithLabelValues("ok").Inc()
}

// ChannelsFromPreferences derives the notification channel set: email
// and push are opt-in, in_app is on unless explicitly disabled.
func ChannelsFromPreferences(prefs map[string]bool) []string {
	if prefs == nil {
		return []string{"in_app"}
	}
	var out []string
	if prefs["email"] {
		out = append(out, "email")
	}
	if prefs["push"] {
		out = append(out, "push")
	}
	if inApp, ok := prefs["in_app"]; inApp || !ok {
		out = append(out, "in_app")
	}
	if len(out) == 0 {
		return []string{"in_app"}
	}
	return out
}

func round6(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Round(v*1e6) / 1e6
}
