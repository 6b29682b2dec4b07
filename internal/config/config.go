// Package config loads and validates slide-ingest configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/slide-ingest/internal/logging"
	"github.com/JakeFAU/slide-ingest/internal/sink/girder"
	"github.com/JakeFAU/slide-ingest/internal/telemetry"
	"github.com/JakeFAU/slide-ingest/internal/watermark/file"
	"github.com/JakeFAU/slide-ingest/internal/watermark/gcs"
	"github.com/JakeFAU/slide-ingest/internal/watermark/postgres"
	"github.com/JakeFAU/slide-ingest/internal/watermark/sqlite"
)

// EnvPrefix namespaces environment overrides, e.g. SLIDEINGEST_GIRDER_PASSWORD.
const EnvPrefix = "SLIDEINGEST"

// Watermark backends.
const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendGCS      = "gcs"
	BackendMemory   = "memory"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Listing   ListingConfig    `mapstructure:"listing"`
	Barcode   BarcodeConfig    `mapstructure:"barcode"`
	Ingest    IngestConfig     `mapstructure:"ingest"`
	Watermark WatermarkConfig  `mapstructure:"watermark"`
	Girder    girder.Config    `mapstructure:"girder"`
	PubSub    PubSubConfig     `mapstructure:"pubsub"`
	Logging   logging.Config   `mapstructure:"logging"`
	Metrics   MetricsConfig    `mapstructure:"metrics"`
	Server    ServerConfig     `mapstructure:"server"`
	Telemetry telemetry.Config `mapstructure:"telemetry"`
	RateLimit RateLimitConfig  `mapstructure:"ratelimit"`
}

// ListingConfig controls directory listing fetches.
type ListingConfig struct {
	UserAgent    string        `mapstructure:"user_agent"`
	Query        string        `mapstructure:"query"`
	Extension    string        `mapstructure:"extension"`
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxBodyBytes int           `mapstructure:"max_body_bytes"`
}

// BarcodeConfig selects the expected organization prefix.
type BarcodeConfig struct {
	Prefix string `mapstructure:"prefix"`
}

// IngestConfig describes what to sync and where to put it.
type IngestConfig struct {
	RootURL       string        `mapstructure:"root_url"`
	ParentType    string        `mapstructure:"parent_type"`
	ParentID      string        `mapstructure:"parent_id"`
	SkipMalformed bool          `mapstructure:"skip_malformed"`
	DryRun        bool          `mapstructure:"dry_run"`
	Interval      time.Duration `mapstructure:"interval"`
}

// WatermarkConfig selects and configures the watermark backend.
type WatermarkConfig struct {
	Backend  string          `mapstructure:"backend"`
	File     file.Config     `mapstructure:"file"`
	Postgres postgres.Config `mapstructure:"postgres"`
	SQLite   sqlite.Config   `mapstructure:"sqlite"`
	GCS      GCSConfig       `mapstructure:"gcs"`
}

// GCSConfig locates the watermark object. Endpoint targets an emulator.
type GCSConfig struct {
	gcs.Config `mapstructure:",squash"`
	Endpoint   string `mapstructure:"endpoint"`
}

// PubSubConfig holds metadata for publish-subscribe notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// MetricsConfig controls metric export for one-shot runs.
type MetricsConfig struct {
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	Job            string `mapstructure:"job"`
}

// ServerConfig controls the HTTP control surface of the serve command.
type ServerConfig struct {
	Port   int    `mapstructure:"port"`
	APIKey string `mapstructure:"api_key"`
}

// RateLimitConfig paces listing requests per host.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// New returns a Viper instance with defaults and environment binding applied.
func New() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)
	return v
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	return LoadWith(New(), path)
}

// LoadWith reads path (if set) into v and decodes it. Flags bound to v before
// the call take precedence over the file.
func LoadWith(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	cfg.Watermark.Backend = strings.ToLower(strings.TrimSpace(cfg.Watermark.Backend))

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listing.user_agent", "slide-ingest/0.1")
	v.SetDefault("listing.query", "F=2")
	v.SetDefault("listing.extension", ".svs")
	v.SetDefault("listing.timeout", 30*time.Second)
	v.SetDefault("listing.max_body_bytes", 32<<20)
	v.SetDefault("barcode.prefix", "TCGA")
	v.SetDefault("ingest.root_url", "")
	v.SetDefault("ingest.parent_type", "collection")
	v.SetDefault("ingest.parent_id", "")
	v.SetDefault("ingest.skip_malformed", false)
	v.SetDefault("ingest.dry_run", false)
	v.SetDefault("ingest.interval", time.Hour)
	v.SetDefault("watermark.backend", BackendFile)
	v.SetDefault("watermark.file.path", "stamps.json")
	v.SetDefault("watermark.postgres.dsn", "")
	v.SetDefault("watermark.postgres.table", "watermarks")
	v.SetDefault("watermark.postgres.max_conns", 4)
	v.SetDefault("watermark.postgres.min_conns", 0)
	v.SetDefault("watermark.postgres.max_conn_lifetime", time.Hour)
	v.SetDefault("watermark.sqlite.path", "slide-ingest.db")
	v.SetDefault("watermark.gcs.bucket", "")
	v.SetDefault("watermark.gcs.object", "slide-ingest/watermarks.json")
	v.SetDefault("watermark.gcs.endpoint", "")
	v.SetDefault("girder.scheme", "http")
	v.SetDefault("girder.host", "localhost")
	v.SetDefault("girder.port", 8080)
	v.SetDefault("girder.api_root", "/api/v1")
	v.SetDefault("girder.username", "")
	v.SetDefault("girder.password", "")
	v.SetDefault("girder.api_key", "")
	v.SetDefault("girder.timeout", 60*time.Second)
	v.SetDefault("girder.retries", 2)
	v.SetDefault("girder.user_agent", "slide-ingest/0.1")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "")
	v.SetDefault("metrics.pushgateway_url", "")
	v.SetDefault("metrics.job", "slide-ingest")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.api_key", "")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.service_name", "slide-ingest")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("ratelimit.rps", 2.0)
	v.SetDefault("ratelimit.burst", 1)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Listing.Timeout <= 0 {
		return fmt.Errorf("listing.timeout must be > 0")
	}
	if !strings.HasPrefix(c.Listing.Extension, ".") {
		return fmt.Errorf("listing.extension must start with '.'")
	}
	if c.Barcode.Prefix == "" {
		return fmt.Errorf("barcode.prefix is required")
	}
	if c.Ingest.RootURL != "" {
		u, err := url.Parse(c.Ingest.RootURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("ingest.root_url must be an absolute http(s) URL")
		}
	}
	if c.Ingest.ParentType == "" {
		return fmt.Errorf("ingest.parent_type is required")
	}
	switch c.Watermark.Backend {
	case BackendFile:
		if c.Watermark.File.Path == "" {
			return fmt.Errorf("watermark.file.path is required for the file backend")
		}
	case BackendPostgres:
		if c.Watermark.Postgres.DSN == "" {
			return fmt.Errorf("watermark.postgres.dsn is required for the postgres backend")
		}
	case BackendSQLite:
		if c.Watermark.SQLite.Path == "" {
			return fmt.Errorf("watermark.sqlite.path is required for the sqlite backend")
		}
	case BackendGCS:
		if c.Watermark.GCS.Bucket == "" {
			return fmt.Errorf("watermark.gcs.bucket is required for the gcs backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown watermark.backend %q", c.Watermark.Backend)
	}
	if c.Girder.Port <= 0 || c.Girder.Port > 65535 {
		return fmt.Errorf("girder.port must be between 1 and 65535")
	}
	if c.Girder.Password != "" && c.Girder.Username == "" {
		return fmt.Errorf("girder.username is required when girder.password is set")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id is required when pubsub.topic_name is set")
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Ingest.Interval < 0 {
		return fmt.Errorf("ingest.interval must be >= 0")
	}
	if c.RateLimit.RPS < 0 {
		return fmt.Errorf("ratelimit.rps must be >= 0")
	}
	return nil
}

// ValidateForSync checks the values a sync run cannot proceed without.
func (c Config) ValidateForSync() error {
	if c.Ingest.RootURL == "" {
		return fmt.Errorf("ingest.root_url is required")
	}
	if c.Ingest.DryRun {
		return nil
	}
	if c.Ingest.ParentID == "" {
		return fmt.Errorf("ingest.parent_id is required")
	}
	if c.Girder.APIKey == "" && c.Girder.Username == "" {
		return fmt.Errorf("girder credentials are required: set girder.api_key or girder.username")
	}
	return nil
}
