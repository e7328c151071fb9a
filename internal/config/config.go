// Package config loads the pipeline configuration from defaults, an
// optional YAML file and ORCID_PIPELINE_* environment variables.
// Values resolve in that order, the environment winning.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/spf13/viper"
)

const (
	// EnvPrefix is prepended to every environment override, with dots
	// and dashes mapped to underscores: db.dsn -> ORCID_PIPELINE_DB_DSN.
	EnvPrefix = "ORCID_PIPELINE"
	// FileName is the config file searched for from the working
	// directory upward.
	FileName = "orcid-claims.yaml"
)

var (
	mu sync.RWMutex
	v  *viper.Viper
)

// Config is the typed view handed to constructors.
type Config struct {
	LogLevel string

	HTTPAddr string

	DatabaseDSN      string
	DatabaseMaxConns int
	DatabaseLogLevel string

	QueueDataDir    string
	QueuePort       int
	QueueMaxDeliver int

	APIToken    string
	OrcidAPIURL string
	ADSAPIURL   string
	APITimeout  time.Duration
	APIRetries  int

	CheckInterval time.Duration
	UpdateWindow  time.Duration

	MinRatio         float64
	IdentifiersOrder map[string]int

	CacheBackend string
	CacheTTL     time.Duration
	RedisAddr    string

	TelemetryEnabled bool
}

// Initialize builds the shared viper instance. Safe to call more than
// once; later calls rebuild from scratch.
func Initialize() error {
	mu.Lock()
	defer mu.Unlock()

	nv := viper.New()
	nv.SetConfigType("yaml")
	setDefaults(nv)

	nv.SetEnvPrefix(EnvPrefix)
	nv.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	nv.AutomaticEnv()

	if path := findConfigFile(); path != "" {
		nv.SetConfigFile(path)
		if err := nv.ReadInConfig(); err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}
	}

	v = nv
	return nil
}

func setDefaults(nv *viper.Viper) {
	nv.SetDefault("log.level", "info")

	nv.SetDefault("http.addr", ":8089")

	nv.SetDefault("db.dsn", "orcid-claims.db")
	nv.SetDefault("db.max_conns", 25)
	nv.SetDefault("db.log_level", "warn")

	nv.SetDefault("queue.data_dir", "data/queue")
	nv.SetDefault("queue.port", 4222)
	nv.SetDefault("queue.max_deliver", 5)

	nv.SetDefault("api.token", "")
	nv.SetDefault("api.orcid_url", "http://localhost:1234/v1/orcid")
	nv.SetDefault("api.ads_url", "http://localhost:1234/v1/search")
	nv.SetDefault("api.timeout", 30*time.Second)
	nv.SetDefault("api.retries", 3)

	nv.SetDefault("poll.interval", 300*time.Second)
	nv.SetDefault("poll.update_window", 60*time.Second)

	nv.SetDefault("match.min_ratio", 0.9)
	nv.SetDefault("claims.identifiers_order", map[string]any{"bibcode": 9, "*": -1})

	nv.SetDefault("cache.backend", "memory")
	nv.SetDefault("cache.ttl", time.Hour)
	nv.SetDefault("cache.redis_addr", "localhost:6379")

	nv.SetDefault("telemetry.enabled", false)
}

// findConfigFile honors an explicit ORCID_PIPELINE_CONFIG path, then
// walks up from the working directory looking for FileName.
func findConfigFile() string {
	if path := os.Getenv(EnvPrefix + "_CONFIG"); path != "" {
		return path
	}
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, FileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// File returns the config file in use, empty when running purely on
// defaults and environment.
func File() string {
	mu.RLock()
	defer mu.RUnlock()
	if v == nil {
		return ""
	}
	return v.ConfigFileUsed()
}

// Load hydrates a Config. Initialize is called implicitly on first use.
func Load() (*Config, error) {
	mu.RLock()
	ready := v != nil
	mu.RUnlock()
	if !ready {
		if err := Initialize(); err != nil {
			return nil, err
		}
	}

	mu.RLock()
	defer mu.RUnlock()

	cfg := &Config{
		LogLevel: v.GetString("log.level"),

		HTTPAddr: v.GetString("http.addr"),

		DatabaseDSN:      v.GetString("db.dsn"),
		DatabaseMaxConns: v.GetInt("db.max_conns"),
		DatabaseLogLevel: v.GetString("db.log_level"),

		QueueDataDir:    v.GetString("queue.data_dir"),
		QueuePort:       v.GetInt("queue.port"),
		QueueMaxDeliver: v.GetInt("queue.max_deliver"),

		APIToken:    v.GetString("api.token"),
		OrcidAPIURL: strings.TrimRight(v.GetString("api.orcid_url"), "/"),
		ADSAPIURL:   strings.TrimRight(v.GetString("api.ads_url"), "/"),
		APITimeout:  v.GetDuration("api.timeout"),
		APIRetries:  v.GetInt("api.retries"),

		CheckInterval: v.GetDuration("poll.interval"),
		UpdateWindow:  v.GetDuration("poll.update_window"),

		MinRatio:         v.GetFloat64("match.min_ratio"),
		IdentifiersOrder: identifiersOrder(v),

		CacheBackend: v.GetString("cache.backend"),
		CacheTTL:     v.GetDuration("cache.ttl"),
		RedisAddr:    v.GetString("cache.redis_addr"),

		TelemetryEnabled: v.GetBool("telemetry.enabled"),
	}
	return cfg, cfg.Validate()
}

// Reload re-reads the config file and returns a fresh Config. The
// file watcher calls this to pick up live edits.
func Reload() (*Config, error) {
	mu.Lock()
	if v != nil && v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			mu.Unlock()
			return nil, fmt.Errorf("re-reading config: %w", err)
		}
	}
	mu.Unlock()
	return Load()
}

func identifiersOrder(nv *viper.Viper) map[string]int {
	raw := nv.GetStringMap("claims.identifiers_order")
	out := make(map[string]int, len(raw))
	for k, val := range raw {
		switch n := val.(type) {
		case int:
			out[k] = n
		case int64:
			out[k] = int(n)
		case float64:
			out[k] = int(n)
		}
	}
	if len(out) == 0 {
		out = map[string]int{"bibcode": 9, "*": -1}
	}
	return out
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.DatabaseDSN == "" {
		return fmt.Errorf("db.dsn must not be empty")
	}
	if c.MinRatio <= 0 || c.MinRatio > 1 {
		return fmt.Errorf("match.min_ratio must be in (0, 1], got %v", c.MinRatio)
	}
	if c.CheckInterval <= 0 {
		return fmt.Errorf("poll.interval must be positive, got %v", c.CheckInterval)
	}
	if c.CacheBackend != "memory" && c.CacheBackend != "redis" {
		return fmt.Errorf("cache.backend must be memory or redis, got %q", c.CacheBackend)
	}
	return nil
}
