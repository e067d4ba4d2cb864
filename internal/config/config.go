// Package config maps viper settings onto the watcher, journal and logger
package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pulsepoint/pulsewatch/internal/journal"
	"github.com/pulsepoint/pulsewatch/internal/watchers"
	"github.com/pulsepoint/pulsewatch/internal/watchers/coalescer"
	pperrors "github.com/pulsepoint/pulsewatch/pkg/errors"
	"github.com/pulsepoint/pulsewatch/pkg/logger"
	"github.com/spf13/viper"
)

// Configuration keys
const (
	KeyWatchRoot          = "watch.root"
	KeyWatchDebounce      = "watch.debounce"
	KeyWatchIgnore        = "watch.ignore"
	KeyWatchIgnoreFile    = "watch.ignore_file"
	KeyWatchNoDefaults    = "watch.no_default_ignores"
	KeyJournalPath        = "journal.path"
	KeyJournalEnabled     = "journal.enabled"
	KeyJournalMaxRecords  = "journal.max_records"
	KeyMetricsAddr        = "metrics.addr"
	KeyLoggingLevel       = "logging.level"
	KeyLoggingFile        = "logging.file"
	KeyLoggingDevelopment = "logging.development"
)

// EnvPrefix is prepended to environment overrides, e.g. PULSEWATCH_WATCH_DEBOUNCE
const EnvPrefix = "PULSEWATCH"

// Settings is the resolved configuration for one run
type Settings struct {
	Watch   WatchSettings   `yaml:"watch"`
	Journal JournalSettings `yaml:"journal"`
	Metrics MetricsSettings `yaml:"metrics"`
	Logging LoggingSettings `yaml:"logging"`
}

// WatchSettings configures the observer
type WatchSettings struct {
	Root             string        `yaml:"root"`
	Debounce         time.Duration `yaml:"debounce"`
	Ignore           []string      `yaml:"ignore"`
	IgnoreFile       string        `yaml:"ignore_file"`
	NoDefaultIgnores bool          `yaml:"no_default_ignores"`
}

// JournalSettings configures the flush journal
type JournalSettings struct {
	Enabled    bool   `yaml:"enabled"`
	Path       string `yaml:"path"`
	MaxRecords int    `yaml:"max_records"`
}

// MetricsSettings configures the Prometheus endpoint; empty Addr disables it
type MetricsSettings struct {
	Addr string `yaml:"addr"`
}

// LoggingSettings configures pkg/logger
type LoggingSettings struct {
	Level       string `yaml:"level"`
	File        string `yaml:"file"`
	Development bool   `yaml:"development"`
}

// DefaultDir returns ~/.pulsewatch
func DefaultDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".pulsewatch")
}

// SetDefaults registers default values on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyWatchRoot, ".")
	v.SetDefault(KeyWatchDebounce, coalescer.DefaultInterval)
	v.SetDefault(KeyWatchIgnore, []string{})
	v.SetDefault(KeyWatchIgnoreFile, ".pulseignore")
	v.SetDefault(KeyWatchNoDefaults, false)
	v.SetDefault(KeyJournalEnabled, true)
	v.SetDefault(KeyJournalPath, journal.DefaultPath())
	v.SetDefault(KeyJournalMaxRecords, journal.DefaultOptions().MaxRecords)
	v.SetDefault(KeyMetricsAddr, "")
	v.SetDefault(KeyLoggingLevel, "info")
	v.SetDefault(KeyLoggingFile, logger.DefaultConfig().OutputPath)
	v.SetDefault(KeyLoggingDevelopment, false)
}

// BindEnv maps nested keys onto environment variables, watch.debounce becoming
// <prefix>_WATCH_DEBOUNCE
func BindEnv(v *viper.Viper) {
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// Load resolves and validates settings from v
func Load(v *viper.Viper) (*Settings, error) {
	if v == nil {
		v = viper.GetViper()
	}
	SetDefaults(v)

	s := &Settings{
		Watch: WatchSettings{
			Root:             v.GetString(KeyWatchRoot),
			Debounce:         v.GetDuration(KeyWatchDebounce),
			Ignore:           v.GetStringSlice(KeyWatchIgnore),
			IgnoreFile:       v.GetString(KeyWatchIgnoreFile),
			NoDefaultIgnores: v.GetBool(KeyWatchNoDefaults),
		},
		Journal: JournalSettings{
			Enabled:    v.GetBool(KeyJournalEnabled),
			Path:       v.GetString(KeyJournalPath),
			MaxRecords: v.GetInt(KeyJournalMaxRecords),
		},
		Metrics: MetricsSettings{
			Addr: v.GetString(KeyMetricsAddr),
		},
		Logging: LoggingSettings{
			Level:       v.GetString(KeyLoggingLevel),
			File:        v.GetString(KeyLoggingFile),
			Development: v.GetBool(KeyLoggingDevelopment),
		},
	}

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks settings that Configure does not cover
func (s *Settings) Validate() error {
	if s.Watch.Debounce < 0 {
		return pperrors.NewConfigError("watch.debounce must not be negative", nil).
			WithContext("debounce", s.Watch.Debounce.String())
	}
	if s.Journal.Enabled && s.Journal.Path == "" {
		return pperrors.NewConfigError("journal.path is required when the journal is enabled", nil)
	}
	if s.Journal.MaxRecords < 0 {
		return pperrors.NewConfigError("journal.max_records must not be negative", nil)
	}
	return nil
}

// ObserverConfig builds a validated observer configuration. A relative ignore
// file is resolved against the watched root.
func (s *Settings) ObserverConfig() (watchers.ObserverConfig, error) {
	cfg, err := watchers.Configure(s.Watch.Root, s.Watch.Debounce)
	if err != nil {
		return cfg, err
	}

	cfg.IgnorePatterns = append([]string(nil), s.Watch.Ignore...)
	cfg.NoDefaultIgnores = s.Watch.NoDefaultIgnores
	if s.Watch.IgnoreFile != "" {
		cfg.IgnoreFile = s.Watch.IgnoreFile
		if !filepath.IsAbs(cfg.IgnoreFile) {
			cfg.IgnoreFile = filepath.Join(cfg.Root, cfg.IgnoreFile)
		}
	}
	return cfg, nil
}

// JournalOptions returns options for journal.Open
func (s *Settings) JournalOptions() *journal.Options {
	opts := journal.DefaultOptions()
	opts.MaxRecords = s.Journal.MaxRecords
	return opts
}

// LogConfig returns the logger configuration. An empty file logs to stderr.
func (s *Settings) LogConfig() *logger.LogConfig {
	cfg := logger.DefaultConfig()
	if s.Logging.Level != "" {
		cfg.Level = s.Logging.Level
	}
	cfg.OutputPath = s.Logging.File
	cfg.Development = s.Logging.Development
	return cfg
}
