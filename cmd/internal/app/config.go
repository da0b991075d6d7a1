package app

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides: HMS_API_BASE_URL -> api.base_url.
const EnvPrefix = "HMS_"

// ErrConfig is returned when the loaded configuration is unusable.
var ErrConfig = errors.New("app: invalid config")

// Storage drivers.
const (
	DriverMemory   = "memory"
	DriverBadger   = "badger"
	DriverPostgres = "postgres"
)

// Config is the runtime configuration of the session agent.
type Config struct {
	API      APIConfig      `koanf:"api"`
	Auth     AuthConfig     `koanf:"auth"`
	Realtime RealtimeConfig `koanf:"realtime"`
	Storage  StorageConfig  `koanf:"storage"`
	Admin    AdminConfig    `koanf:"admin"`
	Log      LogConfig      `koanf:"log"`
}

type APIConfig struct {
	BaseURL        string        `koanf:"base_url"`
	RequestTimeout time.Duration `koanf:"request_timeout"`
}

type AuthConfig struct {
	RefreshTimeout     time.Duration `koanf:"refresh_timeout"`
	DefaultAccessTTL   time.Duration `koanf:"default_access_ttl"`
	MaxAccessTTL       time.Duration `koanf:"max_access_ttl"`
	ExpirySkew         time.Duration `koanf:"expiry_skew"`
	PasetoPublicKeyHex string        `koanf:"paseto_public_key_hex"`
	Issuer             string        `koanf:"issuer"`
}

type RealtimeConfig struct {
	// URL defaults to the API base URL with a ws scheme and a /ws path.
	URL               string        `koanf:"url"`
	ConnectTimeout    time.Duration `koanf:"connect_timeout"`
	HeartbeatInterval time.Duration `koanf:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `koanf:"heartbeat_timeout"`
	ReconnectEvery    time.Duration `koanf:"reconnect_every"`
	ReconnectBurst    int           `koanf:"reconnect_burst"`
}

type StorageConfig struct {
	Driver      string `koanf:"driver"`
	Dir         string `koanf:"dir"`
	DatabaseURL string `koanf:"database_url"`
	Schema      string `koanf:"schema"`
	Profile     string `koanf:"profile"`
	MaxConns    int32  `koanf:"max_conns"`
	SealKeyHex  string `koanf:"seal_key_hex"`
}

type AdminConfig struct {
	// Addr is the local admin listener. Empty disables it.
	Addr string `koanf:"addr"`
}

type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() Config {
	return Config{
		API: APIConfig{
			BaseURL:        "http://127.0.0.1:8080",
			RequestTimeout: 30 * time.Second,
		},
		Auth: AuthConfig{
			RefreshTimeout:   10 * time.Second,
			DefaultAccessTTL: 15 * time.Minute,
			MaxAccessTTL:     1 * time.Hour,
			ExpirySkew:       5 * time.Second,
		},
		Realtime: RealtimeConfig{
			ConnectTimeout:    30 * time.Second,
			HeartbeatInterval: 25 * time.Second,
			HeartbeatTimeout:  5 * time.Second,
			ReconnectEvery:    1 * time.Second,
			ReconnectBurst:    3,
		},
		Storage: StorageConfig{
			Driver:   DriverMemory,
			Schema:   "hms",
			Profile:  "default",
			MaxConns: 4,
		},
		Admin: AdminConfig{Addr: "127.0.0.1:9464"},
		Log:   LogConfig{Level: "info", Format: "json"},
	}
}

// LoadConfig layers defaults, the optional YAML file at path and HMS_ environment variables.
func LoadConfig(path string) (Config, error) {
	k := koanf.New(".")

	if path = strings.TrimSpace(path); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return Config{}, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return Config{}, fmt.Errorf("load env: %w", err)
	}

	cfg := DefaultConfig()
	if err := k.Unmarshal("", &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// envKey maps HMS_REALTIME_CONNECT_TIMEOUT to realtime.connect_timeout.
// Section names carry no underscores, so only the first separator becomes a dot.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.Replace(s, "_", ".", 1)
}

func (c *Config) normalize() {
	c.API.BaseURL = strings.TrimRight(strings.TrimSpace(c.API.BaseURL), "/")
	c.Realtime.URL = strings.TrimSpace(c.Realtime.URL)
	if c.Realtime.URL == "" {
		c.Realtime.URL = wsURL(c.API.BaseURL) + "/ws"
	}
	c.Storage.Driver = strings.ToLower(strings.TrimSpace(c.Storage.Driver))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
}

// Validate reports the first unusable setting wrapped in ErrConfig.
func (c Config) Validate() error {
	if err := validateURL(c.API.BaseURL, "http", "https"); err != nil {
		return fmt.Errorf("%w: api.base_url: %v", ErrConfig, err)
	}
	if err := validateURL(c.Realtime.URL, "ws", "wss"); err != nil {
		return fmt.Errorf("%w: realtime.url: %v", ErrConfig, err)
	}
	if c.Auth.DefaultAccessTTL <= 0 || c.Auth.MaxAccessTTL < c.Auth.DefaultAccessTTL {
		return fmt.Errorf("%w: auth.default_access_ttl must be positive and not exceed auth.max_access_ttl", ErrConfig)
	}
	if c.Auth.RefreshTimeout <= 0 {
		return fmt.Errorf("%w: auth.refresh_timeout must be positive", ErrConfig)
	}
	if c.Auth.ExpirySkew < 0 {
		return fmt.Errorf("%w: auth.expiry_skew must not be negative", ErrConfig)
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverBadger:
		if strings.TrimSpace(c.Storage.Dir) == "" {
			return fmt.Errorf("%w: storage.dir is required for the badger driver", ErrConfig)
		}
	case DriverPostgres:
		if strings.TrimSpace(c.Storage.DatabaseURL) == "" {
			return fmt.Errorf("%w: storage.database_url is required for the postgres driver", ErrConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage.driver %q", ErrConfig, c.Storage.Driver)
	}

	switch c.Log.Format {
	case "json", "pretty":
	default:
		return fmt.Errorf("%w: unknown log.format %q", ErrConfig, c.Log.Format)
	}
	return nil
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Host == "" {
		return errors.New("missing host")
	}
	for _, s := range schemes {
		if u.Scheme == s {
			return nil
		}
	}
	return fmt.Errorf("scheme must be one of %v", schemes)
}

func wsURL(httpURL string) string {
	switch {
	case strings.HasPrefix(httpURL, "https://"):
		return "wss://" + strings.TrimPrefix(httpURL, "https://")
	case strings.HasPrefix(httpURL, "http://"):
		return "ws://" + strings.TrimPrefix(httpURL, "http://")
	default:
		return "ws://" + httpURL
	}
}
