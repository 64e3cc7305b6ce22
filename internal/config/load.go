package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "CONSULO_"

// DefaultFiles are the names Find looks for, in order.
var DefaultFiles = []string{"consulo.toml", "consulo.yaml", "consulo.yml"}

// Find returns the first of DefaultFiles present in one of dirs.
func Find(fs afero.Fs, dirs ...string) (string, bool) {
	for _, dir := range dirs {
		for _, name := range DefaultFiles {
			p := filepath.Join(dir, name)
			if ok, _ := afero.Exists(fs, p); ok {
				return p, true
			}
		}
	}
	return "", false
}

// Load reads path over the defaults. The format follows the extension.
func Load(fs afero.Fs, path string) (Config, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return Config{}, fmt.Errorf("%w: %s", ErrFileNotFound, path)
		}
		return Config{}, fmt.Errorf("reading config file %s: %w", path, err)
	}
	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		var pe *ParseError
		if errors.As(err, &pe) {
			pe.Path = path
		}
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes data in format ("toml", "yaml" or "yml", with or without
// a leading dot) over the defaults. Unknown keys are rejected.
func Parse(data []byte, format string) (Config, error) {
	cfg := Default()
	switch strings.TrimPrefix(strings.ToLower(format), ".") {
	case "toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&cfg); err != nil {
			pe := &ParseError{Path: "<toml>", Message: err.Error(), Err: err}
			var de *toml.DecodeError
			if errors.As(err, &de) {
				pe.Line, _ = de.Position()
			}
			return Config{}, pe
		}
	case "yaml", "yml":
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
			return Config{}, &ParseError{Path: "<yaml>", Message: err.Error(), Err: err}
		}
	default:
		return Config{}, fmt.Errorf("%w: %q", ErrUnknownFormat, format)
	}
	return cfg, nil
}

// ApplyEnv overrides settings from CONSULO_* variables read through
// lookup. All malformed values are reported together.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	var result *multierror.Error
	get := func(name string) (string, bool) {
		return lookup(EnvPrefix + name)
	}
	setInt := func(name string, dst *int) {
		if v, ok := get(name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				result = multierror.Append(result, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	setDuration := func(name string, dst *Duration) {
		if v, ok := get(name); ok {
			if err := dst.UnmarshalText([]byte(v)); err != nil {
				result = multierror.Append(result, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
			}
		}
	}

	if v, ok := get("LOG_LEVEL"); ok {
		c.Logging.Level = v
	}
	setInt("DISPOSER_HISTORY", &c.Disposer.DisposedHistory)
	setInt("POOL_WORKERS", &c.Pool.Workers)
	setDuration("DIFF_DEBOUNCE", &c.Diff.Debounce)
	setDuration("DIFF_SYNC_WAIT", &c.Diff.SyncWait)
	setInt("DIFF_MAX_LINES", &c.Diff.MaxLines)
	if v, ok := get("DIFF_IGNORE"); ok {
		c.Diff.Ignore = v
	}
	if v, ok := get("DIRDIFF_COMPARE"); ok {
		c.DirDiff.Compare = v
	}
	if v, ok := get("PLUGIN_DIRS"); ok {
		c.Plugins.Dirs = filepath.SplitList(v)
	}
	setDuration("SCRIPT_TIMEOUT", &c.Plugins.ScriptTimeout)

	return result.ErrorOrNil()
}

// LoadAll builds the effective configuration: defaults, then path when
// it is non-empty, then the process environment. The result is validated.
func LoadAll(fs afero.Fs, path string) (Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = Load(fs, path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
