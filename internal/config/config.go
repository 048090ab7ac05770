package config

import (
	"errors"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Server struct {
	Addr                   string `yaml:"addr"`
	ReadTimeoutSeconds     int    `yaml:"read_timeout_seconds"`
	WriteTimeoutSeconds    int    `yaml:"write_timeout_seconds"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type Store struct {
	MaxItems             int    `yaml:"max_items"`
	Backend              string `yaml:"backend"` // file | redis | none
	PersistDir           string `yaml:"persist_dir"`
	Redis                Redis  `yaml:"redis"`
	FlushDelayMs         int    `yaml:"flush_delay_ms"`
	SweepIntervalMinutes int    `yaml:"sweep_interval_minutes"`
	SweepGraceMinutes    int    `yaml:"sweep_grace_minutes"`
}

type Upstream struct {
	Provider          string  `yaml:"provider"` // fmp | mock
	BaseURL           string  `yaml:"base_url"`
	APIKeyEnv         string  `yaml:"api_key_env"`
	RequestsPerMinute int     `yaml:"requests_per_minute"`
	MaxSymbolsPerCall int     `yaml:"max_symbols_per_call"`
	BatchDelayMs      int     `yaml:"batch_delay_ms"`
	QuoteCacheSize    int     `yaml:"quote_cache_size"`
	ChunkConcurrency  int     `yaml:"chunk_concurrency"`
	TimeoutSeconds    int     `yaml:"timeout_seconds"`
	BurstPerSecond    float64 `yaml:"burst_per_second"`
}

type Cooldown struct {
	SweepIntervalMinutes int `yaml:"sweep_interval_minutes"`
	SweepGraceMinutes    int `yaml:"sweep_grace_minutes"`
}

type Subscriptions struct {
	IdleTimeoutMinutes   int `yaml:"idle_timeout_minutes"`
	SweepIntervalMinutes int `yaml:"sweep_interval_minutes"`
	EventBuffer          int `yaml:"event_buffer"`
}

type Mirror struct {
	ServerURL          string `yaml:"server_url"`
	FreshnessSeconds   int    `yaml:"freshness_seconds"`
	MinIntervalSeconds int    `yaml:"min_interval_seconds"`
	MaxEntries         int    `yaml:"max_entries"`
}

type Root struct {
	Server        Server        `yaml:"server"`
	Store         Store         `yaml:"store"`
	Upstream      Upstream      `yaml:"upstream"`
	Cooldown      Cooldown      `yaml:"cooldown"`
	Subscriptions Subscriptions `yaml:"subscriptions"`
	Mirror        Mirror        `yaml:"mirror"`
}

// Load reads a YAML config. A missing file yields the defaults.
func Load(path string) (Root, error) {
	var c Root
	b, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return c, err
	}
	if err == nil {
		if err := yaml.Unmarshal(b, &c); err != nil {
			return c, err
		}
	}
	c.applyDefaults()
	return c, nil
}

// Default returns a config with every default applied.
func Default() Root {
	var c Root
	c.applyDefaults()
	return c
}

// LoadEnv loads .env style files into the process environment. Missing
// files are ignored; already-set variables win.
func LoadEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}

// APIKey resolves the provider key from the configured env var.
func (u Upstream) APIKey() string {
	return os.Getenv(u.APIKeyEnv)
}

func (c *Root) applyDefaults() {
	// Server defaults
	if c.Server.Addr == "" {
		c.Server.Addr = ":8090"
	}
	if c.Server.ReadTimeoutSeconds == 0 {
		c.Server.ReadTimeoutSeconds = 10
	}
	if c.Server.WriteTimeoutSeconds == 0 {
		c.Server.WriteTimeoutSeconds = 30
	}
	if c.Server.ShutdownTimeoutSeconds == 0 {
		c.Server.ShutdownTimeoutSeconds = 10
	}

	// Tiered store defaults
	if c.Store.MaxItems == 0 {
		c.Store.MaxItems = 5000
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "file"
	}
	if c.Store.PersistDir == "" {
		c.Store.PersistDir = "data/cache"
	}
	if c.Store.Redis.Addr == "" {
		c.Store.Redis.Addr = "127.0.0.1:6379"
	}
	if c.Store.Redis.Prefix == "" {
		c.Store.Redis.Prefix = "marketcache:permanent:"
	}
	if c.Store.FlushDelayMs == 0 {
		c.Store.FlushDelayMs = 1000
	}
	if c.Store.SweepIntervalMinutes == 0 {
		c.Store.SweepIntervalMinutes = 10
	}
	if c.Store.SweepGraceMinutes == 0 {
		c.Store.SweepGraceMinutes = 60
	}

	// Upstream defaults
	if c.Upstream.Provider == "" {
		c.Upstream.Provider = "fmp"
	}
	if c.Upstream.BaseURL == "" {
		c.Upstream.BaseURL = "https://financialmodelingprep.com/api/v3"
	}
	if c.Upstream.APIKeyEnv == "" {
		c.Upstream.APIKeyEnv = "FMP_API_KEY"
	}
	if c.Upstream.RequestsPerMinute == 0 {
		c.Upstream.RequestsPerMinute = 250
	}
	if c.Upstream.MaxSymbolsPerCall == 0 {
		c.Upstream.MaxSymbolsPerCall = 50
	}
	if c.Upstream.BatchDelayMs == 0 {
		c.Upstream.BatchDelayMs = 100
	}
	if c.Upstream.QuoteCacheSize == 0 {
		c.Upstream.QuoteCacheSize = 2000
	}
	if c.Upstream.ChunkConcurrency == 0 {
		c.Upstream.ChunkConcurrency = 4
	}
	if c.Upstream.TimeoutSeconds == 0 {
		c.Upstream.TimeoutSeconds = 10
	}
	if c.Upstream.BurstPerSecond == 0 {
		c.Upstream.BurstPerSecond = 10
	}

	// Cooldown defaults
	if c.Cooldown.SweepIntervalMinutes == 0 {
		c.Cooldown.SweepIntervalMinutes = 10
	}
	if c.Cooldown.SweepGraceMinutes == 0 {
		c.Cooldown.SweepGraceMinutes = 60
	}

	// Subscription defaults
	if c.Subscriptions.IdleTimeoutMinutes == 0 {
		c.Subscriptions.IdleTimeoutMinutes = 10
	}
	if c.Subscriptions.SweepIntervalMinutes == 0 {
		c.Subscriptions.SweepIntervalMinutes = 5
	}
	if c.Subscriptions.EventBuffer == 0 {
		c.Subscriptions.EventBuffer = 1024
	}

	// Mirror defaults
	if c.Mirror.ServerURL == "" {
		c.Mirror.ServerURL = "http://localhost:8090"
	}
	if c.Mirror.FreshnessSeconds == 0 {
		c.Mirror.FreshnessSeconds = 30
	}
	if c.Mirror.MinIntervalSeconds == 0 {
		c.Mirror.MinIntervalSeconds = 5
	}
	if c.Mirror.MaxEntries == 0 {
		c.Mirror.MaxEntries = 500
	}
}

func (s Store) FlushDelay() time.Duration { return time.Duration(s.FlushDelayMs) * time.Millisecond }
func (s Store) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalMinutes) * time.Minute
}
func (s Store) SweepGrace() time.Duration { return time.Duration(s.SweepGraceMinutes) * time.Minute }

func (u Upstream) BatchDelay() time.Duration { return time.Duration(u.BatchDelayMs) * time.Millisecond }
func (u Upstream) Timeout() time.Duration    { return time.Duration(u.TimeoutSeconds) * time.Second }

func (c Cooldown) SweepInterval() time.Duration {
	return time.Duration(c.SweepIntervalMinutes) * time.Minute
}
func (c Cooldown) SweepGrace() time.Duration { return time.Duration(c.SweepGraceMinutes) * time.Minute }

func (s Subscriptions) IdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeoutMinutes) * time.Minute
}
func (s Subscriptions) SweepInterval() time.Duration {
	return time.Duration(s.SweepIntervalMinutes) * time.Minute
}

func (m Mirror) Freshness() time.Duration   { return time.Duration(m.FreshnessSeconds) * time.Second }
func (m Mirror) MinInterval() time.Duration { return time.Duration(m.MinIntervalSeconds) * time.Second }

func (s Server) ShutdownTimeout() time.Duration {
	return time.Duration(s.ShutdownTimeoutSeconds) * time.Second
}
