// Package config loads chatlink settings from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/gastownhall/chatlink/internal/endpoint"
)

// DefaultEnvFile is read in development when present.
const DefaultEnvFile = ".env"

type Config struct {
	Env       string `env:"CHATLINK_ENV" envDefault:"development"`
	Transport TransportConfig
	Polling   PollingConfig
	API       APIConfig
	Cache     CacheConfig
	Bridge    BridgeConfig
	OTel      OTelConfig
}

// TransportConfig controls endpoints, timeouts and the idle policy.
type TransportConfig struct {
	PrimaryURL        string        `env:"CHATLINK_WS_URL" envDefault:"http://localhost:8080/ws"`
	FallbackURL       string        `env:"CHATLINK_WS_FALLBACK_URL"`
	AlternateURLs     []string      `env:"CHATLINK_WS_ALTERNATE_URLS" envSeparator:","`
	AuthToken         string        `env:"CHATLINK_AUTH_TOKEN"`
	ConnectTimeout    time.Duration `env:"CHATLINK_CONNECT_TIMEOUT" envDefault:"10s"`
	ReconnectDelay    time.Duration `env:"CHATLINK_RECONNECT_DELAY" envDefault:"5s"`
	HeartbeatIncoming time.Duration `env:"CHATLINK_HEARTBEAT_INCOMING" envDefault:"10s"`
	HeartbeatOutgoing time.Duration `env:"CHATLINK_HEARTBEAT_OUTGOING" envDefault:"10s"`
	HeartbeatGrace    time.Duration `env:"CHATLINK_HEARTBEAT_GRACE" envDefault:"1s"`
	IdleTimeout       time.Duration `env:"CHATLINK_IDLE_TIMEOUT" envDefault:"30s"`
	IdleDisconnect    bool          `env:"CHATLINK_IDLE_DISCONNECT" envDefault:"true"`
	HealthInterval    time.Duration `env:"CHATLINK_HEALTH_INTERVAL" envDefault:"30s"`
}

// PollingConfig drives the fallback used when no transport can be established.
type PollingConfig struct {
	Enabled  bool          `env:"CHATLINK_POLLING_ENABLED" envDefault:"true"`
	Interval time.Duration `env:"CHATLINK_POLLING_INTERVAL" envDefault:"5s"`
}

// APIConfig points at the REST side of the chat backend.
type APIConfig struct {
	BaseURL string        `env:"CHATLINK_API_URL"`
	Timeout time.Duration `env:"CHATLINK_API_TIMEOUT" envDefault:"10s"`
}

type CacheConfig struct {
	RedisURL string        `env:"CHATLINK_REDIS_URL"`
	TTL      time.Duration `env:"CHATLINK_CACHE_TTL" envDefault:"24h"`
}

// BridgeConfig is the local HTTP surface for UI processes.
type BridgeConfig struct {
	Listen         string   `env:"CHATLINK_LISTEN" envDefault:"127.0.0.1:8090"`
	Token          string   `env:"CHATLINK_BRIDGE_TOKEN"`
	AllowedOrigins []string `env:"CHATLINK_ALLOWED_ORIGINS" envSeparator:"," envDefault:"localhost:*"`
}

type OTelConfig struct {
	Endpoint       string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	Headers        string `env:"OTEL_EXPORTER_OTLP_HEADERS"`
	ServiceName    string `env:"OTEL_SERVICE_NAME" envDefault:"chatlink"`
	ServiceVersion string `env:"OTEL_SERVICE_VERSION" envDefault:"dev"`
}

// ErrEmptyEnvFile is returned by Reload for a file with no variables, which
// is what a watcher sees between an editor's truncate and its write.
var ErrEmptyEnvFile = errors.New("env file is empty")

// Load reads configuration from the environment. Outside production the
// given env file (DefaultEnvFile when empty) is read first if it exists;
// variables already set in the process win. The process environment is
// not modified.
func Load(envFile string) (Config, error) {
	if envFile == "" {
		envFile = DefaultEnvFile
	}
	environ := env.ToMap(os.Environ())
	if environ["CHATLINK_ENV"] != "production" {
		file, err := godotenv.Read(envFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
		for k, v := range file {
			if _, set := environ[k]; !set {
				environ[k] = v
			}
		}
	}
	return parse(environ)
}

// Reload reads envFile and parses it over the process environment, file
// values winning. Keys removed from the file fall back to the process value
// or the default. An empty file yields ErrEmptyEnvFile.
func Reload(envFile string) (Config, error) {
	file, err := godotenv.Read(envFile)
	if err != nil {
		return Config{}, fmt.Errorf("reload %s: %w", envFile, err)
	}
	if len(file) == 0 {
		return Config{}, fmt.Errorf("reload %s: %w", envFile, ErrEmptyEnvFile)
	}
	environ := env.ToMap(os.Environ())
	for k, v := range file {
		environ[k] = v
	}
	return parse(environ)
}

func parse(environ map[string]string) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, env.Options{Environment: environ}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants the lifecycle manager relies on.
func (c Config) Validate() error {
	if len(c.Transport.Endpoints()) == 0 {
		return errors.New("CHATLINK_WS_URL or an alternate endpoint is required")
	}
	durations := []struct {
		name string
		d    time.Duration
	}{
		{"CHATLINK_CONNECT_TIMEOUT", c.Transport.ConnectTimeout},
		{"CHATLINK_RECONNECT_DELAY", c.Transport.ReconnectDelay},
		{"CHATLINK_IDLE_TIMEOUT", c.Transport.IdleTimeout},
		{"CHATLINK_HEALTH_INTERVAL", c.Transport.HealthInterval},
	}
	for _, d := range durations {
		if d.d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.name, d.d)
		}
	}
	if c.Transport.HeartbeatIncoming < 0 || c.Transport.HeartbeatOutgoing < 0 || c.Transport.HeartbeatGrace < 0 {
		return errors.New("heartbeat intervals must not be negative")
	}
	if c.Cache.TTL < 0 {
		return fmt.Errorf("CHATLINK_CACHE_TTL must not be negative, got %s", c.Cache.TTL)
	}
	if c.Polling.Enabled && c.Polling.Interval <= 0 {
		return fmt.Errorf("CHATLINK_POLLING_INTERVAL must be positive, got %s", c.Polling.Interval)
	}
	return nil
}

// Endpoints returns primary, fallback and alternates in failover order.
func (t TransportConfig) Endpoints() []string {
	list := []string{t.PrimaryURL, t.FallbackURL}
	list = append(list, t.AlternateURLs...)
	return endpoint.Normalize(list)
}

func (c Config) IsProduction() bool {
	return c.Env == "production"
}

func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c OTelConfig) Enabled() bool {
	return c.Endpoint != ""
}

func (c APIConfig) Enabled() bool {
	return c.BaseURL != ""
}

func (c CacheConfig) Enabled() bool {
	return c.RedisURL != ""
}
