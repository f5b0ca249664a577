// Package config loads the twdata YAML configuration, layered with a local
// .env file and environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration for a backfill process.
type Config struct {
	Storage  Storage           `yaml:"storage"`
	Logging  Logging           `yaml:"logging"`
	Sources  map[string]Source `yaml:"sources"`
	Calendar Calendar          `yaml:"calendar"`
	Gaps     Gaps              `yaml:"gaps"`
	Backfill Backfill          `yaml:"backfill"`
	Metrics  Metrics           `yaml:"metrics"`
}

// Storage holds paths for data persistence.
type Storage struct {
	SQLitePath  string        `yaml:"sqlite_path"`
	ArchiveDir  string        `yaml:"archive_dir"` // raw Parquet archive; empty disables it
	StateDir    string        `yaml:"state_dir"`   // checkpoint files
	BusyTimeout time.Duration `yaml:"busy_timeout"`
}

// Logging configures the application logger.
type Logging struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
}

// Source holds the per-upstream knobs. Adapters sharing an upstream (the
// aggregator serves three data kinds) share one entry.
type Source struct {
	Enabled         *bool         `yaml:"enabled"`
	BaseURL         string        `yaml:"base_url"`
	Rank            int           `yaml:"rank"`
	Timeout         time.Duration `yaml:"timeout"`
	Retries         int           `yaml:"retries"`
	Backoff         time.Duration `yaml:"backoff"`
	RateLimitPerMin int           `yaml:"rate_limit_per_min"`
	DelayMin        time.Duration `yaml:"delay_min"`
	DelayMax        time.Duration `yaml:"delay_max"`
	Token           string        `yaml:"token"`
}

// IsEnabled treats a missing flag as enabled.
func (s Source) IsEnabled() bool {
	return s.Enabled == nil || *s.Enabled
}

// Calendar configures reference-entity selection and the static fallback.
type Calendar struct {
	// References lists candidate reference codes per market name.
	References   map[string][]string `yaml:"references"`
	HolidaysFile string              `yaml:"holidays_file"`
	LookbackDays int                 `yaml:"lookback_days"`
}

// Gaps configures the gap detector.
type Gaps struct {
	LookbackDays      int     `yaml:"lookback_days"`
	NewListingRatio   float64 `yaml:"new_listing_ratio"`
	DistributionWeeks int     `yaml:"distribution_weeks"`
}

// Backfill configures the orchestrator.
type Backfill struct {
	Workers     int      `yaml:"workers"`
	MaxSpanDays int      `yaml:"max_span_days"`
	Kinds       []string `yaml:"kinds"`
	Checkpoint  bool     `yaml:"checkpoint"`
}

// Metrics configures the Prometheus textfile export.
type Metrics struct {
	Textfile string `yaml:"textfile"`
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load reads the YAML configuration file at the given path, parses it into a
// Config struct, loads .env from the working directory if present, then
// applies environment overrides and defaults. An empty path yields defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("loading .env: %w", err)
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Storage.SQLitePath == "" {
		return errors.New("config: storage.sqlite_path is required")
	}
	if c.Gaps.NewListingRatio <= 0 || c.Gaps.NewListingRatio > 1 {
		return fmt.Errorf("config: gaps.new_listing_ratio %.2f outside (0, 1]", c.Gaps.NewListingRatio)
	}
	for name, s := range c.Sources {
		if s.DelayMax < s.DelayMin {
			return fmt.Errorf("config: sources.%s delay_max below delay_min", name)
		}
	}
	return nil
}

// Source returns the settings for the named upstream with defaults filled
// in, even when the YAML does not mention it.
func (c *Config) Source(name string) Source {
	s, ok := c.Sources[name]
	if !ok {
		s = defaultSources()[name]
	}
	if s.Timeout <= 0 {
		s.Timeout = 20 * time.Second
	}
	if s.Retries <= 0 {
		s.Retries = 3
	}
	if s.Backoff <= 0 {
		s.Backoff = time.Second
	}
	return s
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TWDATA_SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("TWDATA_ARCHIVE_DIR"); v != "" {
		cfg.Storage.ArchiveDir = v
	}
	if v := os.Getenv("TWDATA_STATE_DIR"); v != "" {
		cfg.Storage.StateDir = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("TWDATA_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Backfill.Workers = n
		}
	}
	if v := os.Getenv("FINMIND_TOKEN"); v != "" {
		if cfg.Sources == nil {
			cfg.Sources = map[string]Source{}
		}
		s, ok := cfg.Sources["finmind"]
		if !ok {
			s = defaultSources()["finmind"]
		}
		s.Token = v
		cfg.Sources["finmind"] = s
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Storage.SQLitePath == "" {
		cfg.Storage.SQLitePath = "data/twdata.db"
	}
	if cfg.Storage.StateDir == "" {
		cfg.Storage.StateDir = "data/state"
	}
	if cfg.Storage.BusyTimeout <= 0 {
		cfg.Storage.BusyTimeout = 5 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}

	if cfg.Sources == nil {
		cfg.Sources = map[string]Source{}
	}
	for name, def := range defaultSources() {
		s, ok := cfg.Sources[name]
		if !ok {
			cfg.Sources[name] = def
			continue
		}
		if s.BaseURL == "" {
			s.BaseURL = def.BaseURL
		}
		if s.Rank == 0 {
			s.Rank = def.Rank
		}
		if s.RateLimitPerMin == 0 {
			s.RateLimitPerMin = def.RateLimitPerMin
		}
		if s.DelayMin == 0 && s.DelayMax == 0 {
			s.DelayMin, s.DelayMax = def.DelayMin, def.DelayMax
		}
		cfg.Sources[name] = s
	}

	if cfg.Calendar.References == nil {
		cfg.Calendar.References = map[string][]string{
			"primary":   {"TAIEX", "2330"},
			"secondary": {"TAIEX", "6488"},
		}
	}
	if cfg.Calendar.LookbackDays <= 0 {
		cfg.Calendar.LookbackDays = 730
	}
	if cfg.Gaps.LookbackDays <= 0 {
		cfg.Gaps.LookbackDays = 630
	}
	if cfg.Gaps.NewListingRatio == 0 {
		cfg.Gaps.NewListingRatio = 0.90
	}
	if cfg.Gaps.DistributionWeeks <= 0 {
		cfg.Gaps.DistributionWeeks = 52
	}
	if cfg.Backfill.Workers <= 0 {
		cfg.Backfill.Workers = 4
	}
	if cfg.Backfill.MaxSpanDays <= 0 {
		cfg.Backfill.MaxSpanDays = 93
	}
	if len(cfg.Backfill.Kinds) == 0 {
		cfg.Backfill.Kinds = []string{"price", "flow", "distribution"}
	}
}

func defaultSources() map[string]Source {
	return map[string]Source{
		"twse": {
			BaseURL: "https://www.twse.com.tw", Rank: 1, RateLimitPerMin: 20,
			DelayMin: 2 * time.Second, DelayMax: 6 * time.Second,
		},
		"tpex": {
			BaseURL: "https://www.tpex.org.tw", Rank: 1, RateLimitPerMin: 30,
			DelayMin: time.Second, DelayMax: 3 * time.Second,
		},
		"finmind": {
			BaseURL: "https://api.finmindtrade.com", Rank: 2, RateLimitPerMin: 60,
			DelayMin: 500 * time.Millisecond, DelayMax: 2 * time.Second,
		},
		"twse-t86": {
			BaseURL: "https://www.twse.com.tw", Rank: 2, RateLimitPerMin: 20,
			DelayMin: 2 * time.Second, DelayMax: 6 * time.Second,
		},
		"tdcc": {
			BaseURL: "https://www.tdcc.com.tw", Rank: 1, RateLimitPerMin: 30,
			DelayMin: time.Second, DelayMax: 3 * time.Second,
		},
		"tdcc-opendata": {
			BaseURL: "https://opendata.tdcc.com.tw", Rank: 2, RateLimitPerMin: 10,
		},
		"isin": {
			BaseURL: "https://isin.twse.com.tw", RateLimitPerMin: 10,
		},
		"archive": {Rank: 9},
	}
}
