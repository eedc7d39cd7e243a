// Package config handles loading and validation of service configuration
// from YAML files and environment variables.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"llmproxy/internal/models"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Load builds the service configuration. Precedence, lowest to highest:
// built-in defaults, the YAML file at configPath (optional), environment
// variables. A .env file in the working directory is folded into the
// environment first; variables already set in the environment win over it.
func Load(configPath string) (*models.Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	config := models.NewDefaultConfig()

	if configPath != "" {
		if err := loadFromFile(config, configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	loadFromEnvironment(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

func loadDotEnv() error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to load .env file: %w", err)
	}
	return nil
}

func loadFromFile(config *models.Config, path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("config file does not exist: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	warnDeprecatedKeys(data, path)

	if err := yaml.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}

	return nil
}

// deprecatedConfig mirrors removed config fields for detecting stale operator configs.
type deprecatedConfig struct {
	Proxy     map[string]any `yaml:"proxy"`
	RateLimit struct {
		WindowMS *int `yaml:"window_ms"`
	} `yaml:"rate_limit"`
	Upstream struct {
		Timeout *string `yaml:"timeout"`
	} `yaml:"upstream"`
}

func warnDeprecatedKeys(data []byte, path string) {
	var old deprecatedConfig
	if err := yaml.Unmarshal(data, &old); err != nil {
		return
	}

	if old.Proxy != nil {
		slog.Warn("config section 'proxy' is no longer read, use 'upstream'",
			"config_file", path)
	}

	if old.RateLimit.WindowMS != nil {
		slog.Warn("config key 'rate_limit.window_ms' is no longer read, windows are fixed to the wall clock",
			"config_file", path)
	}

	if old.Upstream.Timeout != nil {
		slog.Warn("config key 'upstream.timeout' is no longer read, the relay sets no upstream timeout",
			"config_file", path)
	}
}

func loadFromEnvironment(config *models.Config) {
	// Server configuration
	if port := os.Getenv("LLMPROXY_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if host := os.Getenv("LLMPROXY_HOST"); host != "" {
		config.Server.Host = host
	}

	if timeout := os.Getenv("LLMPROXY_READ_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.Server.ReadTimeout = d
		}
	}

	if timeout := os.Getenv("LLMPROXY_WRITE_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.Server.WriteTimeout = d
		}
	}

	if timeout := os.Getenv("LLMPROXY_IDLE_TIMEOUT"); timeout != "" {
		if d, err := time.ParseDuration(timeout); err == nil {
			config.Server.IdleTimeout = d
		}
	}

	if enabled := os.Getenv("LLMPROXY_CORS_ENABLED"); enabled != "" {
		config.Server.CORS.Enabled = strings.ToLower(enabled) == "true"
	}

	// Upstream configuration
	if scheme := os.Getenv("LLMPROXY_UPSTREAM_SCHEME"); scheme != "" {
		config.Upstream.Scheme = scheme
	}

	if host := os.Getenv("LLMPROXY_UPSTREAM_HOST"); host != "" {
		config.Upstream.Host = host
	}

	if prefix := os.Getenv("LLMPROXY_UPSTREAM_PATH_PREFIX"); prefix != "" {
		config.Upstream.PathPrefix = prefix
	}

	if skip := os.Getenv("LLMPROXY_UPSTREAM_INSECURE_SKIP_VERIFY"); skip != "" {
		config.Upstream.InsecureSkipVerify = strings.ToLower(skip) == "true"
	}

	// Rate limit configuration. The short RL_* names are the ones the
	// deployment manifests already export.
	if enabled := os.Getenv("LLMPROXY_RATE_LIMIT_ENABLED"); enabled != "" {
		config.RateLimit.Enabled = strings.ToLower(enabled) == "true"
	}

	if limit := os.Getenv("RL_PER_MINUTE"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			config.RateLimit.PerMinute = n
		}
	}

	if limit := os.Getenv("RL_PER_30M"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil {
			config.RateLimit.PerHalfHour = n
		}
	}

	if maxKeys := os.Getenv("RL_MAX_KEYS"); maxKeys != "" {
		if n, err := strconv.Atoi(maxKeys); err == nil {
			config.RateLimit.MaxKeys = n
		}
	}

	if interval := os.Getenv("RL_SWEEP_INTERVAL_MS"); interval != "" {
		if n, err := strconv.Atoi(interval); err == nil {
			config.RateLimit.SweepInterval = time.Duration(n) * time.Millisecond
		}
	}

	// Audit configuration
	if enabled := os.Getenv("LLMPROXY_AUDIT_ENABLED"); enabled != "" {
		config.Audit.Enabled = strings.ToLower(enabled) == "true"
	}

	if auditType := os.Getenv("LLMPROXY_AUDIT_TYPE"); auditType != "" {
		config.Audit.Type = strings.ToLower(auditType)
	}

	if path := os.Getenv("LLMPROXY_AUDIT_PATH"); path != "" {
		config.Audit.Path = path
	}

	if dsn := os.Getenv("LLMPROXY_DATABASE_DSN"); dsn != "" {
		config.Audit.Database.DSN = dsn
	}

	if addr := os.Getenv("LLMPROXY_REDIS_ADDR"); addr != "" {
		config.Audit.Redis.Addr = addr
	}

	if password := os.Getenv("LLMPROXY_REDIS_PASSWORD"); password != "" {
		config.Audit.Redis.Password = password
	}

	if db := os.Getenv("LLMPROXY_REDIS_DB"); db != "" {
		if n, err := strconv.Atoi(db); err == nil {
			config.Audit.Redis.DB = n
		}
	}

	// Logging configuration
	if level := os.Getenv("LLMPROXY_LOG_LEVEL"); level != "" {
		config.Logging.Level = strings.ToLower(level)
	}

	if format := os.Getenv("LLMPROXY_LOG_FORMAT"); format != "" {
		config.Logging.Format = strings.ToLower(format)
	}

	if output := os.Getenv("LLMPROXY_LOG_OUTPUT"); output != "" {
		config.Logging.Output = strings.ToLower(output)
	}

	if filePath := os.Getenv("LLMPROXY_LOG_FILE_PATH"); filePath != "" {
		config.Logging.FilePath = filePath
	}

	// Metrics configuration
	if enabled := os.Getenv("LLMPROXY_METRICS_ENABLED"); enabled != "" {
		config.Metrics.Enabled = strings.ToLower(enabled) == "true"
	}

	if path := os.Getenv("LLMPROXY_METRICS_PATH"); path != "" {
		config.Metrics.Path = path
	}

	if port := os.Getenv("LLMPROXY_METRICS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Metrics.Port = p
		}
	}

	// Observability configuration
	if name := os.Getenv("LLMPROXY_SERVICE_NAME"); name != "" {
		config.Observability.ServiceName = name
	}

	if enabled := os.Getenv("LLMPROXY_TRACING_ENABLED"); enabled != "" {
		config.Observability.Tracing.Enabled = strings.ToLower(enabled) == "true"
	}

	if exporter := os.Getenv("LLMPROXY_TRACING_EXPORTER"); exporter != "" {
		config.Observability.Tracing.Exporter = strings.ToLower(exporter)
	}

	if endpoint := os.Getenv("LLMPROXY_OTLP_ENDPOINT"); endpoint != "" {
		config.Observability.Tracing.OTLPEndpoint = endpoint
	}
}

// SaveExample writes a starting-point configuration to path, tuned to show
// the knobs an operator is most likely to touch.
func SaveExample(path string) error {
	config := models.NewDefaultConfig()

	config.Audit.Type = models.AuditTypeJSONL
	config.Audit.Path = "./data/usage.jsonl"
	config.Logging.Format = "text"
	config.Logging.Level = "debug"

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("failed to marshal example config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write example config: %w", err)
	}

	return nil
}
