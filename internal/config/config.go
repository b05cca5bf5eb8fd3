package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"marketcache/internal/domain"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for the marketcache services.
type Config struct {
	Storage     Storage     `yaml:"storage"`
	Server      Server      `yaml:"server"`
	Alpaca      Alpaca      `yaml:"alpaca"`
	Provider    Provider    `yaml:"provider"`
	Logging     Logging     `yaml:"logging"`
	Acquisition Acquisition `yaml:"acquisition"`
	Schedule    Schedule    `yaml:"schedule"`
}

// Storage holds paths for data persistence.
type Storage struct {
	DataDir    string `yaml:"data_dir"`
	SQLitePath string `yaml:"sqlite_path"` // empty disables operation history and head caching
}

// Server holds the HTTP listener configuration.
type Server struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// Addr returns host:port.
func (s Server) Addr() string { return fmt.Sprintf("%s:%d", s.Host, s.Port) }

// Alpaca holds credentials and endpoints for the Alpaca APIs.
type Alpaca struct {
	APIKey          string `yaml:"api_key"`
	APISecret       string `yaml:"api_secret"`
	BaseURL         string `yaml:"base_url"`
	DataURL         string `yaml:"data_url"`
	Feed            string `yaml:"feed"` // "iex" or "sip"
	RateLimitPerMin int    `yaml:"rate_limit_per_min"`
	Burst           int    `yaml:"burst"`
}

// Provider selects how the server reaches market data.
type Provider struct {
	// Kind is "alpaca" (in-process adapter) or "remote" (gRPC provider host).
	Kind string `yaml:"kind"`
	// Addr is the provider host address dialled when Kind is "remote".
	Addr string `yaml:"addr"`
	// ListenAddr is where cmd/provider-host serves gRPC.
	ListenAddr string `yaml:"listen_addr"`
	// CallTimeout bounds a single provider call.
	CallTimeout time.Duration `yaml:"call_timeout"`
}

// Logging configures the application logger.
type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Dir    string `yaml:"dir"` // dated log files are written here in addition to stdout
}

// Acquisition tunes the acquisition engine.
type Acquisition struct {
	MaxSegmentBars int            `yaml:"max_segment_bars"`
	SegmentBars    map[string]int `yaml:"segment_bars"` // per-timeframe override of MaxSegmentBars

	RetryAttempts int           `yaml:"retry_attempts"`
	RetryBase     time.Duration `yaml:"retry_base"`
	RetryMax      time.Duration `yaml:"retry_max"`

	SaveInterval     time.Duration `yaml:"save_interval"`
	MaxTrailingGap   time.Duration `yaml:"max_trailing_gap"` // zero disables the truncation heuristic
	FallbackLookback time.Duration `yaml:"fallback_lookback"`
	OperationTimeout time.Duration `yaml:"operation_timeout"` // zero means no deadline
	HeadCacheTTL     time.Duration `yaml:"head_cache_ttl"`
	ValidateSymbols  *bool         `yaml:"validate_symbols"`
	HistoryLimit     int           `yaml:"history_limit"`
}

// SegmentBarsFor returns the segment size in bars for a timeframe.
func (a Acquisition) SegmentBarsFor(tf domain.Timeframe) int {
	if n, ok := a.SegmentBars[string(tf)]; ok && n > 0 {
		return n
	}
	return a.MaxSegmentBars
}

// SymbolValidation reports whether symbols are checked with the provider
// before an acquisition starts.
func (a Acquisition) SymbolValidation() bool {
	return a.ValidateSymbols == nil || *a.ValidateSymbols
}

// Schedule holds cron-driven recurring acquisitions.
type Schedule struct {
	Enabled  bool          `yaml:"enabled"`
	Location string        `yaml:"location"` // IANA zone for cron specs, default UTC
	Jobs     []ScheduleJob `yaml:"jobs"`
}

// ScheduleJob starts one acquisition per symbol each time Spec fires.
type ScheduleJob struct {
	Name      string        `yaml:"name"`
	Spec      string        `yaml:"spec"` // six-field cron expression (with seconds)
	Symbols   []string      `yaml:"symbols"`
	Timeframe string        `yaml:"timeframe"`
	Mode      string        `yaml:"mode"`
	Lookback  time.Duration `yaml:"lookback"` // zero requests from the earliest available bar
}

// ---------------------------------------------------------------------------
// Defaults and validation
// ---------------------------------------------------------------------------

// Defaults fills zero-valued fields with working defaults.
func (c *Config) Defaults() {
	if c.Storage.DataDir == "" {
		c.Storage.DataDir = "data"
	}
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Alpaca.DataURL == "" {
		c.Alpaca.DataURL = "https://data.alpaca.markets"
	}
	if c.Alpaca.BaseURL == "" {
		c.Alpaca.BaseURL = "https://paper-api.alpaca.markets"
	}
	if c.Alpaca.Feed == "" {
		c.Alpaca.Feed = "iex"
	}
	if c.Alpaca.RateLimitPerMin == 0 {
		c.Alpaca.RateLimitPerMin = 200
	}
	if c.Alpaca.Burst == 0 {
		c.Alpaca.Burst = 5
	}
	if c.Provider.Kind == "" {
		c.Provider.Kind = "alpaca"
	}
	if c.Provider.ListenAddr == "" {
		c.Provider.ListenAddr = ":9090"
	}
	if c.Provider.CallTimeout == 0 {
		c.Provider.CallTimeout = 60 * time.Second
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	a := &c.Acquisition
	if a.MaxSegmentBars == 0 {
		a.MaxSegmentBars = 10000
	}
	if a.RetryAttempts == 0 {
		a.RetryAttempts = 5
	}
	if a.RetryBase == 0 {
		a.RetryBase = time.Second
	}
	if a.RetryMax == 0 {
		a.RetryMax = 30 * time.Second
	}
	if a.SaveInterval == 0 {
		a.SaveInterval = 30 * time.Second
	}
	if a.FallbackLookback == 0 {
		a.FallbackLookback = 10 * 365 * 24 * time.Hour
	}
	if a.HeadCacheTTL == 0 {
		a.HeadCacheTTL = 24 * time.Hour
	}
	if a.HistoryLimit == 0 {
		a.HistoryLimit = 500
	}

	if c.Schedule.Location == "" {
		c.Schedule.Location = "UTC"
	}
	for i := range c.Schedule.Jobs {
		if c.Schedule.Jobs[i].Mode == "" {
			c.Schedule.Jobs[i].Mode = "tail"
		}
		if c.Schedule.Jobs[i].Timeframe == "" {
			c.Schedule.Jobs[i].Timeframe = string(domain.Timeframe1Day)
		}
	}
}

// Validate reports configuration values that cannot work.
func (c *Config) Validate() error {
	switch c.Provider.Kind {
	case "alpaca":
	case "remote":
		if c.Provider.Addr == "" {
			return fmt.Errorf("provider.addr is required when provider.kind is remote")
		}
	default:
		return fmt.Errorf("provider.kind %q: must be alpaca or remote", c.Provider.Kind)
	}
	if c.Acquisition.MaxSegmentBars < 1 {
		return fmt.Errorf("acquisition.max_segment_bars must be positive")
	}
	for tf := range c.Acquisition.SegmentBars {
		if _, err := domain.ParseTimeframe(tf); err != nil {
			return fmt.Errorf("acquisition.segment_bars: %w", err)
		}
	}
	for _, job := range c.Schedule.Jobs {
		if job.Spec == "" || len(job.Symbols) == 0 {
			return fmt.Errorf("schedule job %q: spec and symbols are required", job.Name)
		}
		if _, err := domain.ParseTimeframe(job.Timeframe); err != nil {
			return fmt.Errorf("schedule job %q: %w", job.Name, err)
		}
		if _, err := domain.ParseMode(job.Mode); err != nil {
			return fmt.Errorf("schedule job %q: %w", job.Name, err)
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, applies environment variable overrides and fills defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	applyEnvOverrides(cfg)
	cfg.Defaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("DATA_DIR"); v != "" {
		cfg.Storage.DataDir = v
	}

	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}

	if v := os.Getenv("ALPACA_API_KEY"); v != "" {
		cfg.Alpaca.APIKey = v
	}

	if v := os.Getenv("ALPACA_API_SECRET"); v != "" {
		cfg.Alpaca.APISecret = v
	}

	if v := os.Getenv("ALPACA_BASE_URL"); v != "" {
		cfg.Alpaca.BaseURL = v
	}

	if v := os.Getenv("ALPACA_DATA_URL"); v != "" {
		cfg.Alpaca.DataURL = v
	}

	if v := os.Getenv("ALPACA_FEED"); v != "" {
		cfg.Alpaca.Feed = strings.ToLower(v)
	}

	if v := os.Getenv("PROVIDER_KIND"); v != "" {
		cfg.Provider.Kind = strings.ToLower(v)
	}

	if v := os.Getenv("PROVIDER_ADDR"); v != "" {
		cfg.Provider.Addr = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Standard Alpaca env vars (highest priority, canonical names used by the SDK).
	if v := os.Getenv("APCA_API_KEY_ID"); v != "" {
		cfg.Alpaca.APIKey = v
	}
	if v := os.Getenv("APCA_API_SECRET_KEY"); v != "" {
		cfg.Alpaca.APISecret = v
	}
}
