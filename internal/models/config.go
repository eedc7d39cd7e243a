// Package models - Service configuration and operational settings.
// This file defines the configuration structures for all proxy components.
//
// Configuration Philosophy:
// - Hierarchical configuration with logical grouping (server, upstream, rate limit, etc.)
// - Environment-friendly defaults that work out of the box
// - Comprehensive validation to catch misconfigurations early
// - Support for multiple deployment scenarios (development, production, cloud)
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Audit backend type constants
const (
	AuditTypeMemory   = "memory"
	AuditTypeJSONL    = "jsonl"
	AuditTypeSQLite   = "sqlite"
	AuditTypePostgres = "postgres"
	AuditTypeRedis    = "redis"
)

// Config is the root configuration structure containing all service settings.
//
// Configuration Structure:
// - Server: HTTP listener and network settings
// - Upstream: the LLM gateway the proxy fronts
// - RateLimit: per-key admission windows and store bounds
// - Audit: request accounting backend
// - Logging: structured logging and output configuration
// - Metrics: Prometheus endpoint
// - Observability: OpenTelemetry tracing
type Config struct {
	Server        ServerConfig        `yaml:"server" json:"server"`
	Upstream      UpstreamConfig      `yaml:"upstream" json:"upstream"`
	RateLimit     RateLimitConfig     `yaml:"rate_limit" json:"rate_limit"`
	Audit         AuditConfig         `yaml:"audit" json:"audit"`
	Logging       LoggingConfig       `yaml:"logging" json:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics" json:"metrics"`
	Observability ObservabilityConfig `yaml:"observability" json:"observability"`
}

type ServerConfig struct {
	Port        int           `yaml:"port" json:"port"`
	Host        string        `yaml:"host" json:"host"`
	ReadTimeout time.Duration `yaml:"read_timeout" json:"read_timeout"`
	// WriteTimeout of zero keeps streamed completions open indefinitely.
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout" json:"idle_timeout"`
	CORS         CORSConfig    `yaml:"cors" json:"cors"`
}

type CORSConfig struct {
	Enabled        bool     `yaml:"enabled" json:"enabled"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods" json:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers" json:"allowed_headers"`
	ExposedHeaders []string `yaml:"exposed_headers" json:"exposed_headers"`
	MaxAge         int      `yaml:"max_age" json:"max_age"`
}

// UpstreamConfig describes the single gateway all requests are relayed to.
// InsecureSkipVerify is on by default because the original deployment sat
// behind a gateway with certificates the proxy host could not verify; it is
// surfaced here so operators can turn verification back on.
type UpstreamConfig struct {
	Scheme             string `yaml:"scheme" json:"scheme"`
	Host               string `yaml:"host" json:"host"`
	PathPrefix         string `yaml:"path_prefix" json:"path_prefix"`
	InsecureSkipVerify bool   `yaml:"insecure_skip_verify" json:"insecure_skip_verify"`
}

// RateLimitConfig bounds admission per API key across two fixed windows.
type RateLimitConfig struct {
	Enabled       bool          `yaml:"enabled" json:"enabled"`
	PerMinute     int           `yaml:"per_minute" json:"per_minute"`
	PerHalfHour   int           `yaml:"per_half_hour" json:"per_half_hour"`
	MaxKeys       int           `yaml:"max_keys" json:"max_keys"`
	SweepInterval time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

type AuditConfig struct {
	Enabled  bool           `yaml:"enabled" json:"enabled"`
	Type     string         `yaml:"type" json:"type"`
	Path     string         `yaml:"path" json:"path"`
	Database DatabaseConfig `yaml:"database" json:"database"`
	Redis    RedisConfig    `yaml:"redis" json:"redis"`
}

type DatabaseConfig struct {
	DSN             string        `yaml:"dsn" json:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns" json:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns" json:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" json:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time" json:"conn_max_idle_time"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	Password string `yaml:"password" json:"password"`
	DB       int    `yaml:"db" json:"db"`
	PoolSize int    `yaml:"pool_size" json:"pool_size"`
}

type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	Format   string `yaml:"format" json:"format"`
	Output   string `yaml:"output" json:"output"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
	Port    int    `yaml:"port" json:"port"`
}

type ObservabilityConfig struct {
	ServiceName string        `yaml:"service_name" json:"service_name"`
	Tracing     TracingConfig `yaml:"tracing" json:"tracing"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled" json:"enabled"`
	Exporter     string  `yaml:"exporter" json:"exporter"`
	SampleRate   float64 `yaml:"sample_rate" json:"sample_rate"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" json:"otlp_endpoint"`
}

// NewDefaultConfig creates a configuration with production-ready defaults.
//
// Default Values Rationale:
// - Port 8080: standard non-privileged HTTP port
// - Zero write timeout: streamed responses must not be cut mid-flight
// - 60 requests/minute, 1000 per half hour: the gateway's published quota
// - 10000 tracked keys, 10-minute sweep: bounded memory without eviction churn
// - Memory audit backend: accounting works without external dependencies
// - Structured JSON logging: better for log aggregation and analysis
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:         8080,
			Host:         "0.0.0.0",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 0,
			IdleTimeout:  60 * time.Second,
			CORS: CORSConfig{
				Enabled:        true,
				AllowedOrigins: []string{"*"},
				AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
				AllowedHeaders: []string{"*"},
				ExposedHeaders: []string{
					"x-ratelimit-limit-minute",
					"x-ratelimit-remaining-minute",
					"x-ratelimit-reset-minute",
					"x-ratelimit-limit-30m",
					"x-ratelimit-remaining-30m",
					"x-ratelimit-reset-30m",
					"retry-after",
				},
				MaxAge: 86400,
			},
		},
		Upstream: UpstreamConfig{
			Scheme:             "https",
			Host:               "api.openai.com",
			PathPrefix:         "/v1",
			InsecureSkipVerify: true,
		},
		RateLimit: RateLimitConfig{
			Enabled:       true,
			PerMinute:     60,
			PerHalfHour:   1000,
			MaxKeys:       10000,
			SweepInterval: 10 * time.Minute,
		},
		Audit: AuditConfig{
			Enabled: true,
			Type:    AuditTypeMemory,
			Path:    "./data/usage.jsonl",
			Database: DatabaseConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: 5 * time.Minute,
				ConnMaxIdleTime: 5 * time.Minute,
			},
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				DB:       0,
				PoolSize: 10,
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
			Port:    9090,
		},
		Observability: ObservabilityConfig{
			ServiceName: "llmproxy",
			Tracing: TracingConfig{
				Enabled:    false,
				Exporter:   "stdout",
				SampleRate: 1.0,
			},
		},
	}
}

func (c *Config) Validate() error {
	if err := c.Server.Validate(); err != nil {
		return fmt.Errorf("invalid server config: %w", err)
	}

	if err := c.Upstream.Validate(); err != nil {
		return fmt.Errorf("invalid upstream config: %w", err)
	}

	if err := c.RateLimit.Validate(); err != nil {
		return fmt.Errorf("invalid rate limit config: %w", err)
	}

	if err := c.Audit.Validate(); err != nil {
		return fmt.Errorf("invalid audit config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("invalid logging config: %w", err)
	}

	if err := c.Metrics.Validate(); err != nil {
		return fmt.Errorf("invalid metrics config: %w", err)
	}

	if err := c.Observability.Validate(); err != nil {
		return fmt.Errorf("invalid observability config: %w", err)
	}

	return nil
}

func (sc *ServerConfig) Validate() error {
	if sc.Port <= 0 || sc.Port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}

	if sc.Host == "" {
		return errors.New("host cannot be empty")
	}

	if sc.ReadTimeout < 0 {
		return errors.New("read timeout cannot be negative")
	}

	if sc.WriteTimeout < 0 {
		return errors.New("write timeout cannot be negative")
	}

	if sc.IdleTimeout < 0 {
		return errors.New("idle timeout cannot be negative")
	}

	return nil
}

func (uc *UpstreamConfig) Validate() error {
	if uc.Host == "" {
		return errors.New("upstream host cannot be empty")
	}

	if uc.Scheme != "https" {
		return fmt.Errorf("upstream scheme must be https, got %q", uc.Scheme)
	}

	if uc.PathPrefix == "" || !strings.HasPrefix(uc.PathPrefix, "/") {
		return fmt.Errorf("path prefix must start with /, got %q", uc.PathPrefix)
	}

	if strings.HasSuffix(uc.PathPrefix, "/") {
		return fmt.Errorf("path prefix must not end with /, got %q", uc.PathPrefix)
	}

	return nil
}

func (rc *RateLimitConfig) Validate() error {
	if !rc.Enabled {
		return nil
	}

	if rc.PerMinute <= 0 {
		return errors.New("per-minute limit must be positive")
	}

	if rc.PerHalfHour <= 0 {
		return errors.New("per-half-hour limit must be positive")
	}

	if rc.MaxKeys <= 0 {
		return errors.New("max keys must be positive")
	}

	if rc.SweepInterval <= 0 {
		return errors.New("sweep interval must be positive")
	}

	return nil
}

func (ac *AuditConfig) Validate() error {
	if !ac.Enabled {
		return nil
	}

	validTypes := []string{AuditTypeMemory, AuditTypeJSONL, AuditTypeSQLite, AuditTypePostgres, AuditTypeRedis}
	found := false
	for _, vt := range validTypes {
		if ac.Type == vt {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("invalid audit type: %s", ac.Type)
	}

	if ac.Type == AuditTypeJSONL && ac.Path == "" {
		return errors.New("path is required for jsonl audit")
	}

	if (ac.Type == AuditTypeSQLite || ac.Type == AuditTypePostgres) && ac.Database.DSN == "" {
		return errors.New("database DSN is required for database audit")
	}

	if ac.Type == AuditTypeRedis && ac.Redis.Addr == "" {
		return errors.New("redis address is required for redis audit")
	}

	return nil
}

func (lc *LoggingConfig) Validate() error {
	validLevels := []string{"debug", "info", "warn", "error"}
	found := false
	for _, vl := range validLevels {
		if lc.Level == vl {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("invalid log level: %s", lc.Level)
	}

	validFormats := []string{"json", "text"}
	found = false
	for _, vf := range validFormats {
		if lc.Format == vf {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("invalid log format: %s", lc.Format)
	}

	validOutputs := []string{"stdout", "stderr", "file"}
	found = false
	for _, vo := range validOutputs {
		if lc.Output == vo {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("invalid log output: %s", lc.Output)
	}

	if lc.Output == "file" && lc.FilePath == "" {
		return errors.New("file path is required when output is file")
	}

	return nil
}

func (mc *MetricsConfig) Validate() error {
	if !mc.Enabled {
		return nil
	}

	if mc.Path == "" {
		return errors.New("metrics path cannot be empty")
	}

	if mc.Port <= 0 || mc.Port > 65535 {
		return errors.New("metrics port must be between 1 and 65535")
	}

	return nil
}

func (oc *ObservabilityConfig) Validate() error {
	if !oc.Tracing.Enabled {
		return nil
	}

	validExporters := []string{"stdout", "otlp"}
	found := false
	for _, ve := range validExporters {
		if oc.Tracing.Exporter == ve {
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("invalid tracing exporter: %s", oc.Tracing.Exporter)
	}

	if oc.Tracing.SampleRate < 0 || oc.Tracing.SampleRate > 1 {
		return errors.New("tracing sample rate must be between 0 and 1")
	}

	if oc.Tracing.Exporter == "otlp" && oc.Tracing.OTLPEndpoint == "" {
		return errors.New("OTLP endpoint is required when tracing exporter is otlp")
	}

	return nil
}
