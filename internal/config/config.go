package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"
)

// Store backends accepted by store.backend / STORE_BACKEND.
const (
	BackendSQLite    = "sqlite"
	BackendMemcached = "memcached"
	BackendInMemory  = "in_memory"
)

// Config holds service configuration loaded from YAML, .env and the environment.
type Config struct {
	ServerPort string

	WeatherAPIKey     string
	WeatherAPIURL     string
	WeatherAPITimeout time.Duration

	// TimeZone names the zone request dates are interpreted in; Location is the loaded zone.
	TimeZone string
	Location *time.Location

	RequestTimeout time.Duration

	StoreBackend          string
	SQLitePath            string
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	CoalesceEnabled bool
	CoalesceTimeout time.Duration

	ShutdownTimeout time.Duration
	DrainTimeout    time.Duration

	DegradedWindow   time.Duration
	DegradedErrorPct int

	TrackedLocations []string
}

type fileConfig struct {
	Server struct {
		Port string `yaml:"port"`
	} `yaml:"server"`

	WeatherAPI struct {
		URL     string `yaml:"url"`
		Timeout string `yaml:"timeout"`
	} `yaml:"weather_api"`

	TimeZone string `yaml:"time_zone"`

	Request struct {
		Timeout string `yaml:"timeout"`
	} `yaml:"request"`

	Store struct {
		Backend string `yaml:"backend"`
		SQLite  struct {
			Path string `yaml:"path"`
		} `yaml:"sqlite"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"store"`

	Coalesce struct {
		Enabled *bool  `yaml:"enabled"`
		Timeout string `yaml:"timeout"`
	} `yaml:"coalesce"`

	Shutdown struct {
		Timeout      string `yaml:"timeout"`
		DrainTimeout string `yaml:"drain_timeout"`
	} `yaml:"shutdown"`

	Lifecycle struct {
		DegradedWindow   string `yaml:"degraded_window"`
		DegradedErrorPct int    `yaml:"degraded_error_pct"`
	} `yaml:"lifecycle"`

	Metrics struct {
		TrackedLocations []string `yaml:"tracked_locations"`
	} `yaml:"metrics"`
}

// envOverrides are read from the process environment after .env is loaded. Empty values leave
// the file setting in place.
type envOverrides struct {
	WeatherAPIKey  string        `envconfig:"WEATHER_API_KEY"`
	APIKey         string        `envconfig:"API_KEY"`
	WeatherAPIURL  string        `envconfig:"WEATHER_API_URL"`
	TimeZone       string        `envconfig:"TIME_ZONE"`
	StoreBackend   string        `envconfig:"STORE_BACKEND"`
	SQLitePath     string        `envconfig:"SQLITE_PATH"`
	MemcachedAddrs string        `envconfig:"MEMCACHED_ADDRS"`
	ServerPort     string        `envconfig:"SERVER_PORT"`
	RequestTimeout time.Duration `envconfig:"REQUEST_TIMEOUT"`
}

type secretsFile struct {
	WeatherAPIKey string `yaml:"weather_api_key"`
}

// Load reads configuration from config/{ENV_NAME}.yaml (default dev), then .env, then the
// environment. API key comes from WEATHER_API_KEY (or API_KEY) or config/secrets.yaml.
// Call from project root.
func Load() (*Config, error) {
	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	configPath := filepath.Join(cwd, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := loadDotEnv(filepath.Join(cwd, ".env")); err != nil {
		return nil, err
	}
	var ov envOverrides
	if err := envconfig.Process("", &ov); err != nil {
		return nil, fmt.Errorf("read environment: %w", err)
	}

	cfg := &Config{}

	cfg.ServerPort = firstNonEmpty(ov.ServerPort, fc.Server.Port, "8080")

	cfg.WeatherAPIKey = firstNonEmpty(ov.WeatherAPIKey, ov.APIKey)
	if cfg.WeatherAPIKey == "" {
		key, err := loadAPIKeyFromSecrets(filepath.Join(cwd, "config", "secrets.yaml"))
		if err != nil {
			return nil, err
		}
		cfg.WeatherAPIKey = key
	}
	if cfg.WeatherAPIKey == "" {
		return nil, fmt.Errorf("WEATHER_API_KEY required (set env, .env, or config/secrets.yaml weather_api_key)")
	}

	cfg.WeatherAPIURL = strings.TrimRight(firstNonEmpty(ov.WeatherAPIURL, fc.WeatherAPI.URL, "https://api.openweathermap.org"), "/")
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 5*time.Second)

	cfg.TimeZone = firstNonEmpty(ov.TimeZone, fc.TimeZone, "UTC")
	loc, err := time.LoadLocation(cfg.TimeZone)
	if err != nil {
		return nil, fmt.Errorf("time_zone %q: %w", cfg.TimeZone, err)
	}
	cfg.Location = loc

	cfg.RequestTimeout = parseDuration(fc.Request.Timeout, 10*time.Second)
	if ov.RequestTimeout > 0 {
		cfg.RequestTimeout = ov.RequestTimeout
	}

	cfg.StoreBackend = strings.ToLower(strings.TrimSpace(firstNonEmpty(ov.StoreBackend, fc.Store.Backend, BackendSQLite)))
	cfg.SQLitePath = firstNonEmpty(ov.SQLitePath, fc.Store.SQLite.Path, "weather.db")
	cfg.MemcachedAddrs = strings.TrimSpace(firstNonEmpty(ov.MemcachedAddrs, fc.Store.Memcached.Addrs, "localhost:11211"))
	cfg.MemcachedTimeout = parseDuration(fc.Store.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = fc.Store.Memcached.MaxIdleConns
	if cfg.MemcachedMaxIdleConns <= 0 {
		cfg.MemcachedMaxIdleConns = 2
	}

	cfg.CoalesceEnabled = true
	if fc.Coalesce.Enabled != nil {
		cfg.CoalesceEnabled = *fc.Coalesce.Enabled
	}
	cfg.CoalesceTimeout = parseDuration(fc.Coalesce.Timeout, cfg.RequestTimeout)

	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.DrainTimeout = parseDuration(fc.Shutdown.DrainTimeout, 10*time.Second)

	cfg.DegradedWindow = parseDuration(fc.Lifecycle.DegradedWindow, 60*time.Second)
	cfg.DegradedErrorPct = fc.Lifecycle.DegradedErrorPct
	if cfg.DegradedErrorPct <= 0 {
		cfg.DegradedErrorPct = 50
	}
	cfg.TrackedLocations = fc.Metrics.TrackedLocations

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads .env from the working directory into the process environment so that
// settings read before Load (LOG_LEVEL, LOG_FILE) see it too. A missing file is not an error.
func LoadDotEnv() error {
	cwd, err := os.Getwd()
	if err != nil {
		return fmt.Errorf("config: get working directory: %w", err)
	}
	return loadDotEnv(filepath.Join(cwd, ".env"))
}

// loadDotEnv loads path. Variables already in the environment win over the file.
func loadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// loadAPIKeyFromSecrets returns the key from the secrets file, or "" when the file is absent.
func loadAPIKeyFromSecrets(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("read secrets file: %w", err)
	}
	var sec secretsFile
	if err := yaml.Unmarshal(data, &sec); err != nil {
		return "", fmt.Errorf("parse secrets file: %w", err)
	}
	return strings.TrimSpace(sec.WeatherAPIKey), nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Zero or negative durations are returned as-is so validate can reject them.
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate performs post-load validation. RequestTimeout must exceed WeatherAPITimeout since a
// lookup makes two sequential upstream calls; it is raised to twice the API timeout if needed.
func validate(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return fmt.Errorf("weather_api.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		cfg.RequestTimeout = 2 * cfg.WeatherAPITimeout
	}
	switch cfg.StoreBackend {
	case BackendSQLite, BackendMemcached, BackendInMemory:
	default:
		return fmt.Errorf("store.backend must be sqlite, memcached or in_memory, got %q", cfg.StoreBackend)
	}
	return nil
}
