package api

import (
	"sync"

	"go.uber.org/zap"

	"github.com/warp/cable-ledger/config"
	"github.com/warp/cable-ledger/ledger"
	"github.com/warp/cable-ledger/store"
)

// Retargeter follows a change of ledger file locations. *store.Loader
// implements it.
type Retargeter interface {
	SetPaths(paths store.Paths)
}

// Invalidator drops the cached ledgers. *cache.Cache implements it.
type Invalidator interface {
	Invalidate()
}

// Settings owns the running configuration. Changing the data location
// saves the config file, points the loader at the new files and
// invalidates the cache.
type Settings struct {
	mu       sync.Mutex
	path     string
	cfg      config.Config
	loader   Retargeter
	cache    Invalidator
	onChange []func(config.Config)
	logger   *zap.Logger
}

// NewSettings wraps cfg. path is where changes are saved; empty means
// changes are kept in memory only.
func NewSettings(path string, cfg *config.Config, loader Retargeter, cache Invalidator, logger *zap.Logger) *Settings {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Settings{path: path, cfg: *cfg, loader: loader, cache: cache, logger: logger}
}

// Current returns a copy of the running configuration.
func (s *Settings) Current() config.Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg
}

// OnChange registers fn to run after every successful data update.
func (s *Settings) OnChange(fn func(config.Config)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onChange = append(s.onChange, fn)
}

// UpdateData replaces the data location. An invalid location is a
// *ledger.ValidationError and changes nothing.
func (s *Settings) UpdateData(data config.DataConfig) (config.Config, error) {
	s.mu.Lock()

	next := s.cfg
	next.Data = data
	if err := next.Validate(); err != nil {
		s.mu.Unlock()
		return config.Config{}, &ledger.ValidationError{Field: "settings", Message: err.Error()}
	}
	if _, err := next.EnsureDataDir(); err != nil {
		s.mu.Unlock()
		return config.Config{}, err
	}
	if s.path != "" {
		if err := next.Save(s.path); err != nil {
			s.mu.Unlock()
			return config.Config{}, err
		}
	}

	s.cfg = next
	hooks := append([]func(config.Config){}, s.onChange...)
	s.mu.Unlock()

	s.loader.SetPaths(next.Paths())
	s.cache.Invalidate()
	s.logger.Info("data location changed", zap.String("dir", next.DataDir()))

	for _, fn := range hooks {
		fn(next)
	}
	return next, nil
}

func toSettingsDTO(cfg config.Config) SettingsDTO {
	return SettingsDTO{
		BaseDir:     cfg.Data.BaseDir,
		SubDir:      cfg.Data.SubDir,
		PMSFile:     cfg.Data.PMSFile,
		SSCMFile:    cfg.Data.SSCMFile,
		ResultsFile: cfg.Data.ResultsFile,
		DataDir:     cfg.DataDir(),
	}
}

func (d SettingsDTO) toDataConfig() config.DataConfig {
	return config.DataConfig{
		BaseDir:     d.BaseDir,
		SubDir:      d.SubDir,
		PMSFile:     d.PMSFile,
		SSCMFile:    d.SSCMFile,
		ResultsFile: d.ResultsFile,
	}
}
