// Package weather fetches current conditions and the hourly forecast
// slice from the weather provider, caching results per coordinate.
package weather

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/aeris-io/aeris/internal/cache"
)

// Current holds the fields the UPES scorer and alert detectors consume.
type Current struct {
	TempC      float64 `json:"temp_c"`
	Humidity   float64 `json:"humidity"`
	WindKph    float64 `json:"wind_kph"`
	WindDegree float64 `json:"wind_degree"`
	Condition  string  `json:"condition"`
}

// AirQuality is the provider's optional station-level readings.
type AirQuality struct {
	CO       float64 `json:"co"`
	NO2      float64 `json:"no2"`
	O3       float64 `json:"o3"`
	PM25     float64 `json:"pm2_5"`
	PM10     float64 `json:"pm10"`
	EPAIndex int     `json:"us-epa-index"`
}

// ForecastHour is one hourly forecast entry.
type ForecastHour struct {
	TimeEpoch  int64   `json:"time_epoch"`
	TempC      float64 `json:"temp_c"`
	Humidity   float64 `json:"humidity"`
	WindKph    float64 `json:"wind_kph"`
	WindDegree float64 `json:"wind_degree"`
}

// Report is the combined answer for one coordinate.
type Report struct {
	Current    Current        `json:"current"`
	AirQuality *AirQuality    `json:"air_quality,omitempty"`
	Forecast   []ForecastHour `json:"forecast,omitempty"`
}

type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	cache   *cache.Cache
	logger  *zap.Logger
}

func NewClient(baseURL, apiKey string, c *cache.Cache, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 10 * time.Second},
		cache:   c,
		logger:  logger,
	}
}

// Enabled reports whether a provider key is configured. Callers degrade
// gracefully when it is not.
func (c *Client) Enabled() bool { return c.apiKey != "" }

// Fetch returns current conditions plus a days-long hourly forecast for
// a coordinate, consulting the cache first.
func (c *Client) Fetch(ctx context.Context, lat, lon float64, days int) (*Report, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("weather: api key not configured")
	}
	if days <= 0 {
		days = 1
	}

	key := cache.WeatherKey(lat, lon, days)
	var cached Report
	if found, err := c.cache.GetJSON(ctx, "weather", key, &cached); err == nil && found {
		return &cached, nil
	}

	report, err := c.fetchRemote(ctx, lat, lon, days)
	if err != nil {
		return nil, err
	}
	if err := c.cache.SetJSON(ctx, "weather", key, cache.TTLWeather, report); err != nil {
		c.logger.Warn("caching weather report failed", zap.Error(err))
	}
	return report, nil
}

// forecastResponse mirrors the provider's forecast.json payload; the
// current block rides along so one call covers both.
type forecastResponse struct {
	Current struct {
		TempC      float64 `json:"temp_c"`
		Humidity   float64 `json:"humidity"`
		WindKph    float64 `json:"wind_kph"`
		WindDegree float64 `json:"wind_degree"`
		Condition  struct {
			Text string `json:"text"`
		} `json:"condition"`
		AirQuality *AirQuality `json:"air_quality"`
	} `json:"current"`
	Forecast struct {
		ForecastDay []struct {
			Hour []ForecastHour `json:"hour"`
		} `json:"forecastday"`
	} `json:"forecast"`
}

func (c *Client) fetchRemote(ctx context.Context, lat, lon float64, days int) (*Report, error) {
	q := url.Values{}
	q.Set("key", c.apiKey)
	q.Set("q", fmt.Sprintf("%g,%g", lat, lon))
	q.Set("aqi", "yes")
	q.Set("days", fmt.Sprintf("%d", days))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/forecast.json?"+q.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("building weather request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching weather: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("weather provider returned status %d", resp.StatusCode)
	}

	var body forecastResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding weather response: %w", err)
	}

	report := &Report{
		Current: Current{
			TempC:      body.Current.TempC,
			Humidity:   body.Current.Humidity,
			WindKph:    body.Current.WindKph,
			WindDegree: body.Current.WindDegree,
			Condition:  body.Current.Condition.Text,
		},
		AirQuality: body.Current.AirQuality,
	}
	for _, day := range body.Forecast.ForecastDay {
		report.Forecast = append(report.Forecast, day.Hour...)
	}
	return report, nil
}
