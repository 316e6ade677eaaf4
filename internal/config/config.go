package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

type Config struct {
	Service   ServiceConfig   `koanf:"service"`
	Postgres  PostgresConfig  `koanf:"postgres"`
	Redis     RedisConfig     `koanf:"redis"`
	Storage   StorageConfig   `koanf:"storage"`
	Broker    BrokerConfig    `koanf:"broker"`
	Weather   WeatherConfig   `koanf:"weather"`
	Ingest    IngestConfig    `koanf:"ingest"`
	UPES      UPESConfig      `koanf:"upes"`
	Routing   RoutingConfig   `koanf:"routing"`
	Alerts    AlertsConfig    `koanf:"alerts"`
	Retention RetentionConfig `koanf:"retention"`
}

type ServiceConfig struct {
	InstanceID             string `koanf:"instance_id"`
	HTTPListen             string `koanf:"http_listen"`
	LogLevel               string `koanf:"log_level"`
	ShutdownTimeoutSeconds int    `koanf:"shutdown_timeout_seconds"`
}

type PostgresConfig struct {
	DSN      string `koanf:"dsn"`
	MaxConns int32  `koanf:"max_conns"`
	MinConns int32  `koanf:"min_conns"`
}

// RedisConfig points at the optional key-value cache. An empty address
// disables caching entirely; every cache call becomes a no-op.
type RedisConfig struct {
	Addr     string `koanf:"addr"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db"`
}

// StorageConfig configures the S3-compatible audit bucket. Provider is
// "s3", "minio", or empty (audit uploads disabled).
type StorageConfig struct {
	Provider        string `koanf:"provider"`
	EndpointURL     string `koanf:"endpoint_url"`
	Bucket          string `koanf:"bucket"`
	Region          string `koanf:"region"`
	AccessKeyID     string `koanf:"access_key_id"`
	SecretAccessKey string `koanf:"secret_access_key"`
	CompressAudit   bool   `koanf:"compress_audit"`
}

// BrokerConfig holds satellite-broker endpoints and credentials. A
// configured BearerToken wins; otherwise Username/Password are
// exchanged for one at the token endpoints.
type BrokerConfig struct {
	BaseURL             string `koanf:"base_url"`
	TokenURL            string `koanf:"token_url"`
	TokensURL           string `koanf:"tokens_url"`
	BearerToken         string `koanf:"bearer_token"`
	Username            string `koanf:"username"`
	Password            string `koanf:"password"`
	PollIntervalSeconds int    `koanf:"poll_interval_seconds"`
	JobTimeoutSeconds   int    `koanf:"job_timeout_seconds"`
	MaxRetries          int    `koanf:"max_retries"`
	BackoffBaseSeconds  int    `koanf:"backoff_base_seconds"`
}

type WeatherConfig struct {
	BaseURL string `koanf:"base_url"`
	APIKey  string `koanf:"api_key"`
}

type IngestConfig struct {
	BBoxWest           float64 `koanf:"bbox_west"`
	BBoxSouth          float64 `koanf:"bbox_south"`
	BBoxEast           float64 `koanf:"bbox_east"`
	BBoxNorth          float64 `koanf:"bbox_north"`
	MaxCellsPerRaster  int     `koanf:"max_cells_per_raster"`
	InsertChunkSize    int     `koanf:"insert_chunk_size"`
	PersistGrid        bool    `koanf:"persist_pollution_grid"`
	ChainUPESOnSuccess bool    `koanf:"chain_upes_on_success"`
}

type UPESConfig struct {
	Enabled       bool    `koanf:"enabled"`
	OutputBase    string  `koanf:"output_base"`
	ResolutionDeg float64 `koanf:"resolution_deg"`
	BBoxWest      float64 `koanf:"bbox_west"`
	BBoxSouth     float64 `koanf:"bbox_south"`
	BBoxEast      float64 `koanf:"bbox_east"`
	BBoxNorth     float64 `koanf:"bbox_north"`
	TrafficAlpha  float64 `koanf:"traffic_alpha"`
	EMALambda     float64 `koanf:"ema_lambda"` // 0 disables smoothing
}

type RoutingConfig struct {
	Enabled           bool    `koanf:"enabled"`
	GraphSourceURL    string  `koanf:"graph_source_url"`
	BufferKm          float64 `koanf:"buffer_km"`
	SampleStepM       float64 `koanf:"sample_step_m"`
	ResultCacheTTLSec int     `koanf:"result_cache_ttl_seconds"`
}

type AlertsConfig struct {
	Enabled              bool    `koanf:"enabled"`
	DeteriorationBasePct float64 `koanf:"deterioration_base_pct"`
	HazardThreshold      float64 `koanf:"hazard_threshold"`
	WindSpeedMinKph      float64 `koanf:"wind_speed_min_kph"`
	WindAngleMaxDeg      float64 `koanf:"wind_angle_max_deg"`
	TimeBasedMargin      float64 `koanf:"time_based_margin"`
	WebhookURL           string  `koanf:"webhook_url"`
}

type RetentionConfig struct {
	Days     int    `koanf:"days"`
	Timezone string `koanf:"timezone"`
}

func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	// Overlay environment variables: AERIS_BROKER__BEARER_TOKEN → broker.bearer_token
	if err := k.Load(env.Provider("AERIS_", ".", func(s string) string {
		s = strings.TrimPrefix(s, "AERIS_")
		s = strings.ToLower(s)
		s = strings.ReplaceAll(s, "__", ".")
		return s
	}), nil); err != nil {
		return nil, fmt.Errorf("loading env config: %w", err)
	}

	cfg := Defaults()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Defaults returns the built-in configuration before file and env
// overlays. The ingestion bbox defaults to the continental coverage
// area of the satellite instrument.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			InstanceID:             "aeris-1",
			HTTPListen:             ":8080",
			LogLevel:               "info",
			ShutdownTimeoutSeconds: 30,
		},
		Postgres: PostgresConfig{
			MaxConns: 20,
			MinConns: 2,
		},
		Storage: StorageConfig{
			Bucket: "aeris-netcdf",
			Region: "us-east-1",
		},
		Broker: BrokerConfig{
			BaseURL:             "https://harmony.earthdata.nasa.gov",
			TokenURL:            "https://urs.earthdata.nasa.gov/api/users/token",
			TokensURL:           "https://urs.earthdata.nasa.gov/api/users/tokens",
			PollIntervalSeconds: 10,
			JobTimeoutSeconds:   3600,
			MaxRetries:          3,
			BackoffBaseSeconds:  10,
		},
		Weather: WeatherConfig{
			BaseURL: "http://api.weatherapi.com/v1",
		},
		Ingest: IngestConfig{
			BBoxWest:           -125.0,
			BBoxSouth:          24.0,
			BBoxEast:           -66.0,
			BBoxNorth:          50.0,
			MaxCellsPerRaster:  5000,
			InsertChunkSize:    2000,
			PersistGrid:        true,
			ChainUPESOnSuccess: true,
		},
		UPES: UPESConfig{
			Enabled:       true,
			OutputBase:    "outputs",
			ResolutionDeg: 0.05,
			TrafficAlpha:  0.1,
			EMALambda:     0.6,
		},
		Routing: RoutingConfig{
			Enabled:           true,
			BufferKm:          3.0,
			SampleStepM:       50.0,
			ResultCacheTTLSec: 300,
		},
		Alerts: AlertsConfig{
			Enabled:              true,
			DeteriorationBasePct: 0.15,
			HazardThreshold:      0.85,
			WindSpeedMinKph:      5.0,
			WindAngleMaxDeg:      45.0,
			TimeBasedMargin:      0.15,
		},
		Retention: RetentionConfig{
			Days:     30,
			Timezone: "UTC",
		},
	}
}

func (c *Config) Validate() error {
	if c.Postgres.DSN == "" {
		return fmt.Errorf("config: postgres.dsn is required")
	}
	if c.Postgres.MaxConns <= 0 {
		return fmt.Errorf("config: postgres.max_conns must be > 0 (got %d)", c.Postgres.MaxConns)
	}
	if c.Postgres.MinConns < 0 {
		return fmt.Errorf("config: postgres.min_conns must be >= 0 (got %d)", c.Postgres.MinConns)
	}
	if c.Service.ShutdownTimeoutSeconds <= 0 {
		return fmt.Errorf("config: service.shutdown_timeout_seconds must be > 0 (got %d)", c.Service.ShutdownTimeoutSeconds)
	}
	if c.Ingest.InsertChunkSize <= 0 {
		return fmt.Errorf("config: ingest.insert_chunk_size must be > 0 (got %d)", c.Ingest.InsertChunkSize)
	}
	if c.Ingest.MaxCellsPerRaster <= 0 {
		return fmt.Errorf("config: ingest.max_cells_per_raster must be > 0 (got %d)", c.Ingest.MaxCellsPerRaster)
	}
	if c.Ingest.BBoxEast <= c.Ingest.BBoxWest || c.Ingest.BBoxNorth <= c.Ingest.BBoxSouth {
		return fmt.Errorf("config: ingest bbox is degenerate (%g,%g)-(%g,%g)",
			c.Ingest.BBoxWest, c.Ingest.BBoxSouth, c.Ingest.BBoxEast, c.Ingest.BBoxNorth)
	}
	if c.UPES.ResolutionDeg <= 0 {
		return fmt.Errorf("config: upes.resolution_deg must be > 0 (got %g)", c.UPES.ResolutionDeg)
	}
	if c.UPES.EMALambda < 0 || c.UPES.EMALambda > 1 {
		return fmt.Errorf("config: upes.ema_lambda must be in [0,1] (got %g)", c.UPES.EMALambda)
	}
	if c.UPES.TrafficAlpha < 0.05 || c.UPES.TrafficAlpha > 0.2 {
		return fmt.Errorf("config: upes.traffic_alpha must be in [0.05,0.2] (got %g)", c.UPES.TrafficAlpha)
	}
	if c.Broker.PollIntervalSeconds <= 0 {
		return fmt.Errorf("config: broker.poll_interval_seconds must be > 0 (got %d)", c.Broker.PollIntervalSeconds)
	}
	if c.Broker.JobTimeoutSeconds <= 0 {
		return fmt.Errorf("config: broker.job_timeout_seconds must be > 0 (got %d)", c.Broker.JobTimeoutSeconds)
	}
	if c.Broker.MaxRetries <= 0 {
		return fmt.Errorf("config: broker.max_retries must be > 0 (got %d)", c.Broker.MaxRetries)
	}
	if c.Alerts.DeteriorationBasePct <= 0 {
		return fmt.Errorf("config: alerts.deterioration_base_pct must be > 0 (got %g)", c.Alerts.DeteriorationBasePct)
	}
	if c.Alerts.HazardThreshold <= 0 || c.Alerts.HazardThreshold > 1 {
		return fmt.Errorf("config: alerts.hazard_threshold must be in (0,1] (got %g)", c.Alerts.HazardThreshold)
	}
	if c.Retention.Days <= 0 {
		return fmt.Errorf("config: retention.days must be > 0 (got %d)", c.Retention.Days)
	}
	if _, err := time.LoadLocation(c.Retention.Timezone); err != nil {
		return fmt.Errorf("config: retention.timezone is invalid: %w", err)
	}
	switch strings.ToLower(c.Storage.Provider) {
	case "", "s3", "minio":
	default:
		return fmt.Errorf("config: storage.provider must be s3, minio, or empty (got %q)", c.Storage.Provider)
	}
	if strings.ToLower(c.Storage.Provider) == "minio" && c.Storage.EndpointURL == "" {
		return fmt.Errorf("config: storage.endpoint_url is required for the minio provider")
	}
	return nil
}

// UPESBBox returns the scoring bbox, falling back to the ingestion bbox
// when no override is configured.
func (c *Config) UPESBBox() (west, south, east, north float64) {
	u := c.UPES
	if u.BBoxEast > u.BBoxWest && u.BBoxNorth > u.BBoxSouth {
		return u.BBoxWest, u.BBoxSouth, u.BBoxEast, u.BBoxNorth
	}
	i := c.Ingest
	return i.BBoxWest, i.BBoxSouth, i.BBoxEast, i.BBoxNorth
}

// StorageConfigured reports whether audit uploads are enabled.
func (c *Config) StorageConfigured() bool {
	switch strings.ToLower(c.Storage.Provider) {
	case "minio":
		return c.Storage.EndpointURL != ""
	case "s3":
		return c.Storage.AccessKeyID != "" && c.Storage.SecretAccessKey != ""
	}
	return false
}
