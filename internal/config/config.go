// Package config loads service settings from defaults, an optional YAML file
// and environment overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	measurements "equisync/internal/measurements/domain"
)

// ErrMissingField is wrapped by Validate for every required setting left empty.
var ErrMissingField = errors.New("config: missing required field")

// Config is the full service configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Cache      CacheConfig      `yaml:"cache"`
	Reconcile  ReconcileConfig  `yaml:"reconcile"`
	Anomaly    AnomalyConfig    `yaml:"anomaly"`
	Remote     RemoteConfig     `yaml:"remote"`
	Offline    OfflineConfig    `yaml:"offline"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	Scheduler  SchedulerConfig  `yaml:"scheduler"`
	Notify     NotifyConfig     `yaml:"notify"`
	Prediction PredictionConfig `yaml:"prediction"`
}

type ServerConfig struct {
	Addr        string `yaml:"addr"`
	DatabaseURL string `yaml:"database_url"`
	JWTSecret   string `yaml:"jwt_secret"`
}

type CacheConfig struct {
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

type ReconcileConfig struct {
	BucketGranularity   time.Duration `yaml:"bucket_granularity"`
	GrowthConfidenceCap float64       `yaml:"growth_confidence_cap"`
	StrictConfidence    bool          `yaml:"strict_confidence"`
}

type AnomalyConfig struct {
	ZThreshold  float64 `yaml:"z_threshold"`
	GrowthLimit float64 `yaml:"growth_limit"`
	Window      int     `yaml:"window"`
}

type RemoteConfig struct {
	BaseURL      string        `yaml:"base_url"`
	ServiceToken string        `yaml:"service_token"`
	Timeout      time.Duration `yaml:"timeout"`
}

// OfflineConfig drives the offline proxy and the edge gateway.
type OfflineConfig struct {
	Origin     string   `yaml:"origin"`
	ListenAddr string   `yaml:"listen_addr"`
	Generation string   `yaml:"generation"`
	Manifest   []string `yaml:"manifest"`
	APIPrefix  string   `yaml:"api_prefix"`
}

type MQTTConfig struct {
	Broker    string `yaml:"broker"`
	TopicRoot string `yaml:"topic_root"`
	ClientID  string `yaml:"client_id"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
	QoS       int    `yaml:"qos"`
}

// SchedulerConfig lists the background jobs' cadence. Series entries are
// "horseID/metric".
type SchedulerConfig struct {
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	Retention       time.Duration `yaml:"retention"`
	PurgeAt         string        `yaml:"purge_at"`
	Series          []string      `yaml:"series"`
}

type NotifyConfig struct {
	WebhookURL    string        `yaml:"webhook_url"`
	Cooldown      time.Duration `yaml:"cooldown"`
	DedupeWindow  time.Duration `yaml:"dedupe_window"`
	SeriesBaseURL string        `yaml:"series_base_url"`
}

type PredictionConfig struct {
	Endpoint    string    `yaml:"endpoint"`
	Region      string    `yaml:"region"`
	ScaleCenter []float64 `yaml:"scale_center"`
	ScaleRange  []float64 `yaml:"scale_range"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		Cache:  CacheConfig{DefaultTTL: 5 * time.Minute},
		Reconcile: ReconcileConfig{
			GrowthConfidenceCap: 0.5,
		},
		Anomaly: AnomalyConfig{ZThreshold: 2.0, GrowthLimit: 2.0, Window: 30},
		Remote:  RemoteConfig{Timeout: 10 * time.Second},
		Offline: OfflineConfig{
			ListenAddr: ":8081",
			Generation: "equisync-v1",
			APIPrefix:  "/api/",
			Manifest: []string{
				"/",
				"/index.html",
				"/static/css/main.css",
				"/static/js/main.js",
				"/icons/icon-192.png",
				"/icons/icon-512.png",
			},
		},
		MQTT: MQTTConfig{TopicRoot: "equisync", QoS: 1},
		Scheduler: SchedulerConfig{
			RefreshInterval: 5 * time.Minute,
			Retention:       30 * 24 * time.Hour,
			PurgeAt:         "03:00",
		},
		Notify: NotifyConfig{Cooldown: 30 * time.Minute, DedupeWindow: 24 * time.Hour},
	}
}

// Load reads EQUISYNC_CONFIG when set and then applies environment overrides.
func Load() (Config, error) {
	cfg := Default()
	if path := os.Getenv("EQUISYNC_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Server.Addr = getenvDefault("HTTP_ADDR", cfg.Server.Addr)
	cfg.Server.DatabaseURL = getenvDefault("DATABASE_URL", getenvDefault("PG_DSN", cfg.Server.DatabaseURL))
	cfg.Server.JWTSecret = getenvDefault("AUTH_JWT_SECRET", cfg.Server.JWTSecret)

	cfg.Cache.DefaultTTL = getenvDuration("CACHE_DEFAULT_TTL", cfg.Cache.DefaultTTL)

	cfg.Reconcile.BucketGranularity = getenvDuration("RECONCILE_BUCKET_GRANULARITY", cfg.Reconcile.BucketGranularity)
	cfg.Reconcile.GrowthConfidenceCap = getenvFloatDefault("RECONCILE_GROWTH_CONFIDENCE_CAP", cfg.Reconcile.GrowthConfidenceCap)
	cfg.Reconcile.StrictConfidence = getenvBool("RECONCILE_STRICT_CONFIDENCE", cfg.Reconcile.StrictConfidence)

	cfg.Anomaly.ZThreshold = getenvFloatDefault("ANOMALY_Z_THRESHOLD", cfg.Anomaly.ZThreshold)
	cfg.Anomaly.GrowthLimit = getenvFloatDefault("ANOMALY_GROWTH_LIMIT", cfg.Anomaly.GrowthLimit)
	cfg.Anomaly.Window = getenvIntDefault("ANOMALY_WINDOW", cfg.Anomaly.Window)

	cfg.Remote.BaseURL = getenvDefault("REMOTE_BASE_URL", cfg.Remote.BaseURL)
	cfg.Remote.ServiceToken = getenvDefault("REMOTE_SERVICE_TOKEN", cfg.Remote.ServiceToken)
	cfg.Remote.Timeout = getenvDuration("REMOTE_TIMEOUT", cfg.Remote.Timeout)

	cfg.Offline.Origin = getenvDefault("OFFLINE_ORIGIN", cfg.Offline.Origin)
	cfg.Offline.ListenAddr = getenvDefault("OFFLINE_LISTEN_ADDR", cfg.Offline.ListenAddr)
	cfg.Offline.Generation = getenvDefault("OFFLINE_CACHE_GENERATION", cfg.Offline.Generation)
	cfg.Offline.APIPrefix = getenvDefault("OFFLINE_API_PREFIX", cfg.Offline.APIPrefix)
	if manifest := splitCSV(os.Getenv("OFFLINE_MANIFEST")); len(manifest) > 0 {
		cfg.Offline.Manifest = manifest
	}

	cfg.MQTT.Broker = getenvDefault("MQTT_BROKER", cfg.MQTT.Broker)
	cfg.MQTT.TopicRoot = getenvDefault("MQTT_TOPIC_ROOT", cfg.MQTT.TopicRoot)
	cfg.MQTT.ClientID = getenvDefault("MQTT_CLIENT_ID", cfg.MQTT.ClientID)
	cfg.MQTT.Username = getenvDefault("MQTT_USERNAME", cfg.MQTT.Username)
	cfg.MQTT.Password = getenvDefault("MQTT_PASSWORD", cfg.MQTT.Password)
	cfg.MQTT.QoS = getenvIntDefault("MQTT_QOS", cfg.MQTT.QoS)

	cfg.Scheduler.RefreshInterval = getenvDuration("SYNC_REFRESH_INTERVAL", cfg.Scheduler.RefreshInterval)
	cfg.Scheduler.Retention = getenvDuration("SYNC_RETENTION", cfg.Scheduler.Retention)
	cfg.Scheduler.PurgeAt = getenvDefault("SYNC_PURGE_AT", cfg.Scheduler.PurgeAt)
	if series := splitCSV(os.Getenv("SYNC_SERIES")); len(series) > 0 {
		cfg.Scheduler.Series = series
	}

	cfg.Notify.WebhookURL = getenvDefault("ANOMALY_WEBHOOK_URL", cfg.Notify.WebhookURL)
	cfg.Notify.Cooldown = getenvDuration("ANOMALY_NOTIFY_COOLDOWN", cfg.Notify.Cooldown)
	cfg.Notify.DedupeWindow = getenvDuration("ANOMALY_NOTIFY_DEDUP_WINDOW", cfg.Notify.DedupeWindow)
	cfg.Notify.SeriesBaseURL = getenvDefault("ANOMALY_SERIES_BASE_URL", cfg.Notify.SeriesBaseURL)

	cfg.Prediction.Endpoint = getenvDefault("SAGEMAKER_ENDPOINT", cfg.Prediction.Endpoint)
	cfg.Prediction.Region = getenvDefault("AWS_REGION", cfg.Prediction.Region)
}

// Validate checks the settings the API server needs.
func (c Config) Validate() error {
	if c.Server.DatabaseURL == "" {
		return fmt.Errorf("%w: DATABASE_URL or PG_DSN", ErrMissingField)
	}
	if c.Server.JWTSecret == "" {
		return fmt.Errorf("%w: AUTH_JWT_SECRET", ErrMissingField)
	}
	if c.Cache.DefaultTTL <= 0 {
		return errors.New("config: cache default ttl must be positive")
	}
	if c.Reconcile.BucketGranularity < 0 {
		return errors.New("config: bucket granularity must not be negative")
	}
	if c.Reconcile.GrowthConfidenceCap <= 0 || c.Reconcile.GrowthConfidenceCap > 1 {
		return fmt.Errorf("config: growth confidence cap %v outside (0,1]", c.Reconcile.GrowthConfidenceCap)
	}
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		return fmt.Errorf("config: mqtt qos %d outside 0..2", c.MQTT.QoS)
	}
	if c.Scheduler.RefreshInterval <= 0 || c.Scheduler.Retention <= 0 {
		return errors.New("config: scheduler refresh interval and retention must be positive")
	}
	if len(c.Prediction.ScaleCenter) != len(c.Prediction.ScaleRange) {
		return errors.New("config: prediction scale_center and scale_range lengths differ")
	}
	if _, err := c.SeriesKeys(); err != nil {
		return err
	}
	return c.validateOffline()
}

// ValidateEdge checks the settings the edge gateway needs.
func (c Config) ValidateEdge() error {
	if c.Server.DatabaseURL == "" {
		return fmt.Errorf("%w: DATABASE_URL or PG_DSN", ErrMissingField)
	}
	if c.Offline.Origin == "" {
		return fmt.Errorf("%w: OFFLINE_ORIGIN", ErrMissingField)
	}
	return c.validateOffline()
}

func (c Config) validateOffline() error {
	if strings.TrimSpace(c.Offline.Generation) == "" {
		return fmt.Errorf("%w: OFFLINE_CACHE_GENERATION", ErrMissingField)
	}
	for _, path := range c.Offline.Manifest {
		if !strings.HasPrefix(path, "/") {
			return fmt.Errorf("config: manifest path %q is not root-relative", path)
		}
	}
	return nil
}

// SeriesKeys parses the scheduler's "horseID/metric" entries.
func (c Config) SeriesKeys() ([]measurements.SeriesKey, error) {
	keys := make([]measurements.SeriesKey, 0, len(c.Scheduler.Series))
	for _, entry := range c.Scheduler.Series {
		horse, metric, ok := strings.Cut(entry, "/")
		key := measurements.SeriesKey{HorseID: strings.TrimSpace(horse), Metric: strings.TrimSpace(metric)}
		if !ok {
			return nil, fmt.Errorf("config: series %q: %w", entry, measurements.ErrInvalidSeriesKey)
		}
		if err := key.Validate(); err != nil {
			return nil, fmt.Errorf("config: series %q: %w", entry, err)
		}
		keys = append(keys, key)
	}
	return keys, nil
}

func getenvDefault(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvFloatDefault(key string, fallback float64) float64 {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvIntDefault(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func splitCSV(value string) []string {
	if value == "" {
		return nil
	}
	var result []string
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}
