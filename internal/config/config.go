// Package config loads service configuration.
//
// Precedence, lowest to highest: built-in defaults, an optional YAML file,
// environment variables. Environment names match the ones the service has
// always been deployed with (MAX_IPS_PER_KEY, DISCORD_WEBHOOK_URL, ...).
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths searched for a config file, in order.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/sharing-api/config.yaml",
}

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Detection DetectionConfig `koanf:"detection"`
	Webhook   WebhookConfig   `koanf:"webhook"`
	GeoIP     GeoIPConfig     `koanf:"geoip"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"gt=0"`
	IdleTimeout     time.Duration `koanf:"idle_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`

	// RateLimitRequests per RateLimitWindow per client IP on ingest; 0 disables.
	RateLimitRequests int           `koanf:"rate_limit_requests" validate:"gte=0"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window" validate:"gt=0"`
	CORSOrigins       []string      `koanf:"cors_origins" validate:"min=1"`
}

// DetectionConfig holds detector thresholds and state bounds.
type DetectionConfig struct {
	MaxIPsPerKey          int     `koanf:"max_ips_per_key" validate:"min=1"`
	MaxConcurrentSessions int     `koanf:"max_concurrent_sessions" validate:"min=1"`
	SuspiciousDistanceKm  float64 `koanf:"suspicious_distance_km" validate:"gte=0"`
	MaxSpeedKmh           float64 `koanf:"max_speed_kmh" validate:"gt=0"`
	WindowSeconds         int     `koanf:"window_seconds" validate:"min=1"`
	SessionTTLSeconds     int     `koanf:"session_ttl_seconds" validate:"gte=0"` // 0 keeps sessions forever
	MaxHistoryPerKey      int     `koanf:"max_history_per_key" validate:"gte=0"` // 0 means the window is the only bound
}

// Window returns the sliding window as a duration.
func (d DetectionConfig) Window() time.Duration {
	return time.Duration(d.WindowSeconds) * time.Second
}

// SessionTTL returns the session expiry as a duration.
func (d DetectionConfig) SessionTTL() time.Duration {
	return time.Duration(d.SessionTTLSeconds) * time.Second
}

// WebhookConfig configures alert delivery. An empty URL disables it.
type WebhookConfig struct {
	URL           string        `koanf:"url" validate:"omitempty,url"`
	FallbackURL   string        `koanf:"fallback_url" validate:"omitempty,url"` // WEBHOOK_URL, used when url is empty
	Timeout       time.Duration `koanf:"timeout" validate:"gt=0"`
	MaxAttempts   int           `koanf:"max_attempts" validate:"min=1,max=10"`
	QueueSize     int           `koanf:"queue_size" validate:"min=1"`
	RatePerSecond float64       `koanf:"rate_per_second" validate:"gte=0"`
}

// Destination returns the effective webhook URL.
func (w WebhookConfig) Destination() string {
	if w.URL != "" {
		return w.URL
	}
	return w.FallbackURL
}

// GeoIPConfig configures optional IP geolocation of alert context.
type GeoIPConfig struct {
	CityDBPath string `koanf:"city_db_path"`
}

// LoggingConfig configures the logger.
type LoggingConfig struct {
	Level  string `koanf:"level" validate:"oneof=trace debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
	Caller bool   `koanf:"caller"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:              8080,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      15 * time.Second,
			IdleTimeout:       60 * time.Second,
			ShutdownTimeout:   10 * time.Second,
			RateLimitRequests: 120,
			RateLimitWindow:   time.Minute,
			CORSOrigins:       []string{"*"}, // game clients post from anywhere
		},
		Detection: DetectionConfig{
			MaxIPsPerKey:          3,
			MaxConcurrentSessions: 2,
			SuspiciousDistanceKm:  500,
			MaxSpeedKmh:           800,
			WindowSeconds:         3600,
		},
		Webhook: WebhookConfig{
			Timeout:       5 * time.Second,
			MaxAttempts:   3,
			QueueSize:     256,
			RatePerSecond: 1,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load builds the configuration from defaults, the config file (if any) and
// the environment, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("", ".", envTransformFunc), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := splitCommaList(k, "server.cors_origins"); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	return validator.New(validator.WithRequiredStructEnabled()).Struct(c)
}

func findConfigFile() string {
	if p := os.Getenv(ConfigPathEnvVar); p != "" {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// splitCommaList turns a comma-separated env value into a slice. Values
// coming from YAML are already slices and are left alone.
func splitCommaList(k *koanf.Koanf, path string) error {
	s, ok := k.Get(path).(string)
	if !ok || s == "" {
		return nil
	}
	var items []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			items = append(items, part)
		}
	}
	if err := k.Set(path, items); err != nil {
		return fmt.Errorf("failed to set %s: %w", path, err)
	}
	return nil
}

// envTransformFunc maps environment variable names to config paths.
// Unmapped variables return "" and are ignored.
func envTransformFunc(key string) string {
	envMappings := map[string]string{
		"port":                  "server.port",
		"http_port":             "server.port",
		"rate_limit_requests":   "server.rate_limit_requests",
		"rate_limit_window":     "server.rate_limit_window",
		"cors_origins":          "server.cors_origins",
		"http_read_timeout":     "server.read_timeout",
		"http_write_timeout":    "server.write_timeout",
		"http_idle_timeout":     "server.idle_timeout",
		"http_shutdown_timeout": "server.shutdown_timeout",

		"max_ips_per_key":         "detection.max_ips_per_key",
		"max_concurrent_sessions": "detection.max_concurrent_sessions",
		"suspicious_distance_km":  "detection.suspicious_distance_km",
		"max_speed_kmh":           "detection.max_speed_kmh",
		"ip_tracking_window":      "detection.window_seconds",
		"session_ttl":             "detection.session_ttl_seconds",
		"max_history_per_key":     "detection.max_history_per_key",

		"discord_webhook_url":     "webhook.url",
		"webhook_url":             "webhook.fallback_url",
		"webhook_timeout":         "webhook.timeout",
		"webhook_max_attempts":    "webhook.max_attempts",
		"webhook_queue_size":      "webhook.queue_size",
		"webhook_rate_per_second": "webhook.rate_per_second",

		"geoip_city_db": "geoip.city_db_path",

		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}
	return envMappings[strings.ToLower(key)]
}
