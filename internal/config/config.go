// Package config loads the application settings.
//
// Settings come from built-in defaults, then an optional TOML or YAML file,
// then CONSULO_* environment variables. Every layer overrides the previous
// one field by field.
package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dshills/consulo/internal/diff"
	"github.com/dshills/consulo/internal/diff/dirdiff"
	"github.com/dshills/consulo/internal/disposer"
	"github.com/dshills/consulo/internal/logging"
)

// Duration is a time.Duration written as a string such as "300ms".
type Duration time.Duration

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(n *yaml.Node) error {
	return d.UnmarshalText([]byte(n.Value))
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return d.String(), nil
}

// Config holds every setting.
type Config struct {
	Logging  LoggingConfig  `toml:"logging" yaml:"logging"`
	Disposer DisposerConfig `toml:"disposer" yaml:"disposer"`
	Pool     PoolConfig     `toml:"pool" yaml:"pool"`
	Diff     DiffConfig     `toml:"diff" yaml:"diff"`
	DirDiff  DirDiffConfig  `toml:"dirdiff" yaml:"dirdiff"`
	Plugins  PluginsConfig  `toml:"plugins" yaml:"plugins"`
}

// LoggingConfig configures the application logger.
type LoggingConfig struct {
	Level string `toml:"level" yaml:"level"`
}

// DisposerConfig configures the disposal tree.
type DisposerConfig struct {
	// DisposedHistory bounds the record of disposed objects that are not
	// pointers. Disposed pointers are always remembered until collected.
	DisposedHistory int `toml:"disposed_history" yaml:"disposed_history"`
}

// PoolConfig configures the background pool.
type PoolConfig struct {
	// Workers is the number of concurrent tasks; 0 uses GOMAXPROCS.
	Workers int `toml:"workers" yaml:"workers"`
}

// DiffConfig configures text diff viewers.
type DiffConfig struct {
	Debounce Duration `toml:"debounce" yaml:"debounce"`
	SyncWait Duration `toml:"sync_wait" yaml:"sync_wait"`
	MaxLines int      `toml:"max_lines" yaml:"max_lines"`
	Ignore   string   `toml:"ignore" yaml:"ignore"`
}

// DirDiffConfig configures directory comparison.
type DirDiffConfig struct {
	dirdiff.Settings `yaml:",inline"`
	Compare          string `toml:"compare" yaml:"compare"`
}

// PluginsConfig configures plugin discovery.
type PluginsConfig struct {
	Dirs          []string `toml:"dirs" yaml:"dirs"`
	ScriptTimeout Duration `toml:"script_timeout" yaml:"script_timeout"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Logging:  LoggingConfig{Level: "info"},
		Disposer: DisposerConfig{DisposedHistory: disposer.DefaultHistorySize},
		Diff: DiffConfig{
			Debounce: Duration(diff.DefaultDebounce),
			SyncWait: Duration(diff.DefaultSyncWait),
			MaxLines: diff.DefaultMaxLines,
			Ignore:   diff.IgnoreDefault.String(),
		},
		DirDiff: DirDiffConfig{
			Settings: dirdiff.DefaultSettings(),
			Compare:  dirdiff.CompareContent.String(),
		},
		Plugins: PluginsConfig{ScriptTimeout: Duration(2 * time.Second)},
	}
}

// Validate checks value ranges and enumerations. It reports the first
// problem found.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return &ValidationError{Path: "logging.level", Message: "unknown level", Value: c.Logging.Level, Code: ErrCodeInvalidEnum}
	}
	if c.Disposer.DisposedHistory < 0 {
		return &ValidationError{Path: "disposer.disposed_history", Message: "must not be negative", Value: c.Disposer.DisposedHistory, Code: ErrCodeOutOfRange}
	}
	if c.Pool.Workers < 0 {
		return &ValidationError{Path: "pool.workers", Message: "must not be negative", Value: c.Pool.Workers, Code: ErrCodeOutOfRange}
	}
	if c.Diff.Debounce < 0 {
		return &ValidationError{Path: "diff.debounce", Message: "must not be negative", Value: c.Diff.Debounce, Code: ErrCodeOutOfRange}
	}
	if c.Diff.SyncWait < 0 {
		return &ValidationError{Path: "diff.sync_wait", Message: "must not be negative", Value: c.Diff.SyncWait, Code: ErrCodeOutOfRange}
	}
	if c.Diff.MaxLines <= 0 {
		return &ValidationError{Path: "diff.max_lines", Message: "must be positive", Value: c.Diff.MaxLines, Code: ErrCodeOutOfRange}
	}
	if _, err := diff.ParseIgnorePolicy(c.Diff.Ignore); err != nil {
		return &ValidationError{Path: "diff.ignore", Message: err.Error(), Value: c.Diff.Ignore, Code: ErrCodeInvalidEnum}
	}
	if _, err := dirdiff.ParseCompareMode(c.DirDiff.Compare); err != nil {
		return &ValidationError{Path: "dirdiff.compare", Message: err.Error(), Value: c.DirDiff.Compare, Code: ErrCodeInvalidEnum}
	}
	if err := c.DirDiff.Settings.Validate(); err != nil {
		return &ValidationError{Path: "dirdiff.filter", Message: err.Error(), Value: c.DirDiff.Filter, Code: ErrCodePatternMismatch}
	}
	if c.Plugins.ScriptTimeout <= 0 {
		return &ValidationError{Path: "plugins.script_timeout", Message: "must be positive", Value: c.Plugins.ScriptTimeout, Code: ErrCodeOutOfRange}
	}
	return nil
}

// LogLevel returns the parsed logging level.
func (c *Config) LogLevel() logging.Level {
	return logging.ParseLevel(c.Logging.Level)
}

// IgnorePolicy returns the parsed diff ignore policy.
func (c *Config) IgnorePolicy() diff.IgnorePolicy {
	p, _ := diff.ParseIgnorePolicy(c.Diff.Ignore)
	return p
}

// DiffOptions returns the text viewer options.
func (c *Config) DiffOptions() diff.TextOptions {
	return diff.TextOptions{
		Config: diff.Config{
			Debounce: c.Diff.Debounce.Std(),
			SyncWait: c.Diff.SyncWait.Std(),
		},
		Policy:   c.IgnorePolicy(),
		MaxLines: c.Diff.MaxLines,
	}
}

// DirDiffSettings returns the directory diff settings with the compare
// mode applied.
func (c *Config) DirDiffSettings() dirdiff.Settings {
	s := c.DirDiff.Settings
	s.Mode, _ = dirdiff.ParseCompareMode(c.DirDiff.Compare)
	return s
}

func (c Config) String() string {
	return fmt.Sprintf("log=%s workers=%d debounce=%s sync_wait=%s plugins=%v",
		c.Logging.Level, c.Pool.Workers, c.Diff.Debounce, c.Diff.SyncWait, c.Plugins.Dirs)
}
