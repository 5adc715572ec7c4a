// Package config loads the settings of the rtconfig-watch agent. Values start
// from Default, are overlaid by an optional YAML file and then by RTCONFIG_*
// environment variables, and are finally checked by Validate.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/ggoodman/rtconfig-go/backoff"
	"github.com/ggoodman/rtconfig-go/credentials"
	"github.com/joeshaw/envdecode"
	"gopkg.in/yaml.v3"
)

// Transport kinds.
const (
	TransportSSE       = "sse"
	TransportWebSocket = "websocket"
	TransportGRPC      = "grpc"
	TransportRedis     = "redis"
	TransportFile      = "file"
)

type Config struct {
	Transport   TransportConfig   `yaml:"transport"`
	Fetch       FetchConfig       `yaml:"fetch"`
	Credentials CredentialsConfig `yaml:"credentials"`
	Retry       RetryConfig       `yaml:"retry"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Log         LogConfig         `yaml:"log"`
}

type TransportConfig struct {
	// Kind is one of sse, websocket, grpc, redis or file.
	Kind string `yaml:"kind" env:"RTCONFIG_TRANSPORT" jsonschema:"enum=sse,enum=websocket,enum=grpc,enum=redis,enum=file"`
	// Endpoint is the stream URL (sse, websocket) or target (grpc).
	Endpoint string `yaml:"endpoint" env:"RTCONFIG_ENDPOINT"`
	// Insecure disables TLS for grpc targets.
	Insecure     bool          `yaml:"insecure" env:"RTCONFIG_GRPC_INSECURE"`
	PingInterval time.Duration `yaml:"ping_interval" env:"RTCONFIG_WS_PING_INTERVAL"`
	// File is the watched version file for the file transport.
	File  string      `yaml:"file" env:"RTCONFIG_VERSION_FILE"`
	Redis RedisConfig `yaml:"redis"`
}

type RedisConfig struct {
	Addr      string        `yaml:"addr" env:"RTCONFIG_REDIS_ADDR"`
	KeyPrefix string        `yaml:"key_prefix" env:"RTCONFIG_REDIS_KEY_PREFIX"`
	Namespace string        `yaml:"namespace" env:"RTCONFIG_REDIS_NAMESPACE"`
	Block     time.Duration `yaml:"block" env:"RTCONFIG_REDIS_BLOCK"`
}

type FetchConfig struct {
	Endpoint string `yaml:"endpoint" env:"RTCONFIG_FETCH_ENDPOINT"`
	// MinInterval spaces fetches client-side; 0 disables the limit.
	MinInterval time.Duration `yaml:"min_interval" env:"RTCONFIG_FETCH_MIN_INTERVAL"`
	Timeout     time.Duration `yaml:"timeout" env:"RTCONFIG_FETCH_TIMEOUT"`
}

// CredentialsConfig selects how requests are authenticated. At most one of
// Token and JWT.Key may be set; with neither, requests are anonymous.
type CredentialsConfig struct {
	Token string    `yaml:"token" env:"RTCONFIG_TOKEN"`
	JWT   JWTConfig `yaml:"jwt"`
}

type JWTConfig struct {
	Issuer   string        `yaml:"issuer" env:"RTCONFIG_JWT_ISSUER"`
	Subject  string        `yaml:"subject" env:"RTCONFIG_JWT_SUBJECT"`
	Audience string        `yaml:"audience" env:"RTCONFIG_JWT_AUDIENCE"`
	Key      string        `yaml:"key" env:"RTCONFIG_JWT_KEY"`
	TTL      time.Duration `yaml:"ttl" env:"RTCONFIG_JWT_TTL"`
}

type RetryConfig struct {
	Budget       int           `yaml:"budget" env:"RTCONFIG_RETRY_BUDGET"`
	BaseInterval time.Duration `yaml:"base_interval" env:"RTCONFIG_RETRY_BASE_INTERVAL"`
}

type MetricsConfig struct {
	// Addr is the listen address of the /metrics endpoint; empty disables it.
	Addr      string `yaml:"addr" env:"RTCONFIG_METRICS_ADDR"`
	Namespace string `yaml:"namespace" env:"RTCONFIG_METRICS_NAMESPACE"`
}

type LogConfig struct {
	Level  string `yaml:"level" env:"RTCONFIG_LOG_LEVEL" jsonschema:"enum=debug,enum=info,enum=warn,enum=error"`
	Format string `yaml:"format" env:"RTCONFIG_LOG_FORMAT" jsonschema:"enum=text,enum=json"`
}

// Default returns the built-in settings.
func Default() *Config {
	return &Config{
		Transport: TransportConfig{
			Kind:         TransportSSE,
			PingInterval: 30 * time.Second,
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "rtconfig:",
				Namespace: "default",
				Block:     500 * time.Millisecond,
			},
		},
		Fetch: FetchConfig{
			MinInterval: 5 * time.Second,
			Timeout:     30 * time.Second,
		},
		Retry: RetryConfig{
			Budget:       backoff.DefaultBudget,
			BaseInterval: backoff.DefaultBaseInterval,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load builds a Config from path (optional; "" skips the file) and the
// environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if err := envdecode.Decode(cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("config: decode env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	switch c.Transport.Kind {
	case TransportSSE, TransportWebSocket, TransportGRPC:
		if c.Transport.Endpoint == "" {
			return fmt.Errorf("config: transport.endpoint is required for %s", c.Transport.Kind)
		}
	case TransportFile:
		if c.Transport.File == "" {
			return errors.New("config: transport.file is required for file")
		}
	case TransportRedis:
		if c.Transport.Redis.Addr == "" {
			return errors.New("config: transport.redis.addr is required for redis")
		}
	default:
		return fmt.Errorf("config: unknown transport kind %q", c.Transport.Kind)
	}

	if c.Fetch.Endpoint == "" {
		return errors.New("config: fetch.endpoint is required")
	}
	if c.Fetch.MinInterval < 0 {
		return errors.New("config: fetch.min_interval must not be negative")
	}
	if c.Retry.Budget < 0 {
		return errors.New("config: retry.budget must not be negative")
	}
	if c.Retry.BaseInterval <= 0 {
		return errors.New("config: retry.base_interval must be positive")
	}
	if c.Credentials.Token != "" && c.Credentials.JWT.Key != "" {
		return errors.New("config: credentials.token and credentials.jwt.key are mutually exclusive")
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("config: unknown log format %q", c.Log.Format)
	}
	return nil
}

// TokenSource returns the configured credentials, or nil for anonymous
// requests.
func (c *Config) TokenSource() (credentials.TokenSource, error) {
	switch {
	case c.Credentials.Token != "":
		return credentials.Static(c.Credentials.Token), nil
	case c.Credentials.JWT.Key != "":
		aud := c.Credentials.JWT.Audience
		if aud == "" {
			aud = c.Transport.Endpoint
		}
		ts, err := credentials.NewJWT(credentials.JWTConfig{
			Issuer:   c.Credentials.JWT.Issuer,
			Subject:  c.Credentials.JWT.Subject,
			Audience: aud,
			Key:      []byte(c.Credentials.JWT.Key),
			TTL:      c.Credentials.JWT.TTL,
		})
		if err != nil {
			return nil, err
		}
		return ts, nil
	default:
		return nil, nil
	}
}

// Backoff returns a fresh retry policy.
func (c *Config) Backoff() *backoff.Policy {
	return backoff.New(c.Retry.Budget, c.Retry.BaseInterval)
}

// SlogLevel parses Level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(l.Level))); err != nil {
		return 0, fmt.Errorf("config: invalid log level %q: %w", l.Level, err)
	}
	return lvl, nil
}

// Logger builds the process logger.
func (l LogConfig) Logger(w io.Writer) *slog.Logger {
	lvl, _ := l.SlogLevel()
	opts := &slog.HandlerOptions{Level: lvl}
	if l.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
