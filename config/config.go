// Package config loads and saves the cable-ledger YAML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/warp/cable-ledger/store"
)

// EnvPath names the environment variable that selects the config file.
const EnvPath = "CABLE_LEDGER_CONFIG"

// DefaultPath is used when EnvPath is unset.
const DefaultPath = "cable-ledger.yaml"

// Config is the whole configuration file.
type Config struct {
	Data    DataConfig    `yaml:"data" json:"data"`
	Cache   CacheConfig   `yaml:"cache" json:"cache"`
	Server  ServerConfig  `yaml:"server" json:"server"`
	Journal JournalConfig `yaml:"journal" json:"journal"`
	Sync    SyncConfig    `yaml:"sync" json:"sync"`
	Watch   WatchConfig   `yaml:"watch" json:"watch"`
	Log     LogConfig     `yaml:"log" json:"log"`
}

// DataConfig locates the ledgers. File names have no extension: each
// ledger is looked up as <name>.parquet and <name>.xlsx.
type DataConfig struct {
	BaseDir     string `yaml:"base_dir" json:"base_dir"`
	SubDir      string `yaml:"sub_dir" json:"sub_dir"`
	PMSFile     string `yaml:"pms_file" json:"pms_file"`
	SSCMFile    string `yaml:"sscm_file" json:"sscm_file"`
	ResultsFile string `yaml:"results_file" json:"results_file"`
}

type CacheConfig struct {
	TTL string `yaml:"ttl" json:"ttl"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr" json:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
}

type JournalConfig struct {
	Path string `yaml:"path" json:"path"` // relative paths live in the data dir
}

type SyncConfig struct {
	Interval string `yaml:"interval" json:"interval"` // "0" disables
}

type WatchConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`
}

type LogConfig struct {
	Level       string `yaml:"level" json:"level"` // debug, info, warn, error
	Development bool   `yaml:"development" json:"development"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Data: DataConfig{
			BaseDir:     "~/Desktop",
			SubDir:      "光缆",
			PMSFile:     "2022年-2025年系统任务清单（取单任务完成时间）",
			SSCMFile:    "领用申请单详情列表",
			ResultsFile: "results",
		},
		Cache: CacheConfig{TTL: "5m"},
		Server: ServerConfig{
			Addr:           ":8080",
			AllowedOrigins: []string{"http://localhost:5173", "http://localhost:8080"},
		},
		Journal: JournalConfig{Path: "cable-ledger.db"},
		Sync:    SyncConfig{Interval: "1h"},
		Watch:   WatchConfig{Enabled: true},
		Log:     LogConfig{Level: "info"},
	}
}

// PathFromEnv returns the config file path selected by the environment.
func PathFromEnv() string {
	if p := os.Getenv(EnvPath); p != "" {
		return p
	}
	return DefaultPath
}

// Load reads the configuration at path. A missing file is created with
// the defaults; keys missing from an existing file keep their defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if err := cfg.Save(path); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration to path.
func (c *Config) Save(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Validate rejects settings that would fail later in a less obvious way.
func (c *Config) Validate() error {
	for name, v := range map[string]string{
		"data.base_dir":     c.Data.BaseDir,
		"data.pms_file":     c.Data.PMSFile,
		"data.sscm_file":    c.Data.SSCMFile,
		"data.results_file": c.Data.ResultsFile,
	} {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("invalid config: %s is empty", name)
		}
	}
	if _, err := parseDuration(c.Cache.TTL); err != nil {
		return fmt.Errorf("invalid config: cache.ttl: %w", err)
	}
	if _, err := parseDuration(c.Sync.Interval); err != nil {
		return fmt.Errorf("invalid config: sync.interval: %w", err)
	}
	return nil
}

// =============================================================================
// DERIVED VALUES
// =============================================================================

// DataDir is base_dir/sub_dir with a leading ~ expanded.
func (c *Config) DataDir() string {
	base := c.Data.BaseDir
	if base == "~" || strings.HasPrefix(base, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			base = filepath.Join(home, strings.TrimPrefix(base, "~"))
		}
	}
	return filepath.Join(base, c.Data.SubDir)
}

// EnsureDataDir creates the data directory if needed and returns it.
func (c *Config) EnsureDataDir() (string, error) {
	dir := c.DataDir()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create data directory: %w", err)
	}
	return dir, nil
}

// Paths returns the ledger file pairs.
func (c *Config) Paths() store.Paths {
	return store.NewPaths(c.DataDir(), c.Data.PMSFile, c.Data.SSCMFile, c.Data.ResultsFile)
}

// JournalPath resolves journal.path against the data directory. ":memory:"
// is returned as is.
func (c *Config) JournalPath() string {
	p := c.Journal.Path
	if p == "" || p == ":memory:" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.DataDir(), p)
}

// GetCacheTTL returns the cache TTL, 5m when unset or invalid.
func (c *Config) GetCacheTTL() time.Duration {
	d, err := parseDuration(c.Cache.TTL)
	if err != nil || d <= 0 {
		return 5 * time.Minute
	}
	return d
}

// GetSyncInterval returns the scheduled sync interval; 0 means disabled.
func (c *Config) GetSyncInterval() time.Duration {
	d, err := parseDuration(c.Sync.Interval)
	if err != nil {
		return time.Hour
	}
	return d
}

func parseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" || s == "0" {
		return 0, nil
	}
	return time.ParseDuration(s)
}
