package config

import (
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"

	"github.com/dshills/consulo/internal/diff"
	"github.com/dshills/consulo/internal/diff/dirdiff"
	"github.com/dshills/consulo/internal/disposer"
)

func TestDefault_Valid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Default().Validate() error = %v", err)
	}
	opts := cfg.DiffOptions()
	if opts.Debounce != diff.DefaultDebounce || opts.SyncWait != diff.DefaultSyncWait {
		t.Errorf("DiffOptions() = %+v", opts)
	}
	if opts.MaxLines != diff.DefaultMaxLines {
		t.Errorf("MaxLines = %d, want %d", opts.MaxLines, diff.DefaultMaxLines)
	}
	if cfg.Disposer.DisposedHistory != disposer.DefaultHistorySize {
		t.Errorf("DisposedHistory = %d, want %d", cfg.Disposer.DisposedHistory, disposer.DefaultHistorySize)
	}
}

const tomlConfig = `
[logging]
level = "debug"

[disposer]
disposed_history = 128

[pool]
workers = 4

[diff]
debounce = "50ms"
sync_wait = "1s"
ignore = "trim"

[dirdiff]
show_equal = true
filter = "*.go"
compare = "size"

[plugins]
dirs = ["/opt/plugins", "plugins"]
script_timeout = "500ms"
`

const yamlConfig = `
logging:
  level: debug
disposer:
  disposed_history: 128
pool:
  workers: 4
diff:
  debounce: 50ms
  sync_wait: 1s
  ignore: trim
dirdiff:
  show_equal: true
  filter: "*.go"
  compare: size
plugins:
  dirs: [/opt/plugins, plugins]
  script_timeout: 500ms
`

func TestParse(t *testing.T) {
	want := Default()
	want.Logging.Level = "debug"
	want.Disposer.DisposedHistory = 128
	want.Pool.Workers = 4
	want.Diff.Debounce = Duration(50 * time.Millisecond)
	want.Diff.SyncWait = Duration(time.Second)
	want.Diff.Ignore = "trim"
	want.DirDiff.ShowEqual = true
	want.DirDiff.Filter = "*.go"
	want.DirDiff.Compare = "size"
	want.Plugins.Dirs = []string{"/opt/plugins", "plugins"}
	want.Plugins.ScriptTimeout = Duration(500 * time.Millisecond)

	tests := []struct {
		format string
		data   string
	}{
		{"toml", tomlConfig},
		{".yaml", yamlConfig},
		{"yml", yamlConfig},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			got, err := Parse([]byte(tt.data), tt.format)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
			}
			if err := got.Validate(); err != nil {
				t.Errorf("Validate() error = %v", err)
			}
			if got.IgnorePolicy() != diff.IgnoreTrimWhitespace {
				t.Errorf("IgnorePolicy() = %v", got.IgnorePolicy())
			}
			if s := got.DirDiffSettings(); s.Mode != dirdiff.CompareSize || !s.ShowEqual {
				t.Errorf("DirDiffSettings() = %+v", s)
			}
		})
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name   string
		format string
		data   string
		want   error
	}{
		{"bad toml", "toml", "[diff\n", nil},
		{"unknown toml key", "toml", "[diff]\ncolour = 1\n", nil},
		{"bad duration", "toml", "[diff]\ndebounce = \"soon\"\n", nil},
		{"unknown yaml key", "yaml", "diff:\n  colour: 1\n", nil},
		{"unknown format", "ini", "", ErrUnknownFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data), tt.format)
			if err == nil {
				t.Fatal("Parse() succeeded")
			}
			if tt.want != nil && !errors.Is(err, tt.want) {
				t.Errorf("Parse() error = %v, want %v", err, tt.want)
			}
			var pe *ParseError
			if tt.want == nil && !errors.As(err, &pe) {
				t.Errorf("Parse() error = %T, want *ParseError", err)
			}
		})
	}
}

func TestParse_EmptyYAMLKeepsDefaults(t *testing.T) {
	got, err := Parse(nil, "yaml")
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if diff := cmp.Diff(Default(), got); diff != "" {
		t.Errorf("Parse() mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadAndFind(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/etc/consulo/consulo.yaml", []byte(yamlConfig), 0o644)
	_ = afero.WriteFile(fs, "/home/u/bad.toml", []byte("[[["), 0o644)

	path, ok := Find(fs, "/home/u", "/etc/consulo")
	if !ok || path != "/etc/consulo/consulo.yaml" {
		t.Fatalf("Find() = %q, %v", path, ok)
	}
	cfg, err := Load(fs, path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Pool.Workers != 4 {
		t.Errorf("Pool.Workers = %d, want 4", cfg.Pool.Workers)
	}

	if _, err := Load(fs, "/nope.toml"); !errors.Is(err, ErrFileNotFound) {
		t.Errorf("Load(missing) error = %v, want ErrFileNotFound", err)
	}
	_, err = Load(fs, "/home/u/bad.toml")
	var pe *ParseError
	if !errors.As(err, &pe) || pe.Path != "/home/u/bad.toml" {
		t.Errorf("Load(bad) error = %v, want ParseError naming the file", err)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"CONSULO_LOG_LEVEL":      "warn",
		"CONSULO_POOL_WORKERS":   "8",
		"CONSULO_DIFF_DEBOUNCE":  "10ms",
		"CONSULO_DIFF_IGNORE":    "whitespace",
		"CONSULO_PLUGIN_DIRS":    "/a" + string(os.PathListSeparator) + "/b",
		"CONSULO_SCRIPT_TIMEOUT": "3s",
	}
	lookup := func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}

	cfg := Default()
	if err := cfg.ApplyEnv(lookup); err != nil {
		t.Fatalf("ApplyEnv() error = %v", err)
	}
	if cfg.Logging.Level != "warn" || cfg.Pool.Workers != 8 {
		t.Errorf("cfg = %s", cfg)
	}
	if cfg.Diff.Debounce.Std() != 10*time.Millisecond {
		t.Errorf("Diff.Debounce = %s", cfg.Diff.Debounce)
	}
	if !cmp.Equal(cfg.Plugins.Dirs, []string{"/a", "/b"}) {
		t.Errorf("Plugins.Dirs = %v", cfg.Plugins.Dirs)
	}
	if cfg.Plugins.ScriptTimeout.Std() != 3*time.Second {
		t.Errorf("Plugins.ScriptTimeout = %s", cfg.Plugins.ScriptTimeout)
	}

	env = map[string]string{
		"CONSULO_POOL_WORKERS":   "many",
		"CONSULO_DIFF_SYNC_WAIT": "later",
	}
	err := cfg.ApplyEnv(lookup)
	if err == nil {
		t.Fatal("ApplyEnv() accepted malformed values")
	}
	var me *multierror.Error
	if !errors.As(err, &me) || len(me.Errors) != 2 {
		t.Errorf("ApplyEnv() error = %v, want 2 aggregated errors", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		path   string
	}{
		{"level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"disposed history", func(c *Config) { c.Disposer.DisposedHistory = -1 }, "disposer.disposed_history"},
		{"workers", func(c *Config) { c.Pool.Workers = -1 }, "pool.workers"},
		{"max lines", func(c *Config) { c.Diff.MaxLines = 0 }, "diff.max_lines"},
		{"ignore", func(c *Config) { c.Diff.Ignore = "all" }, "diff.ignore"},
		{"compare", func(c *Config) { c.DirDiff.Compare = "hash" }, "dirdiff.compare"},
		{"filter", func(c *Config) { c.DirDiff.Filter = "[" }, "dirdiff.filter"},
		{"script timeout", func(c *Config) { c.Plugins.ScriptTimeout = 0 }, "plugins.script_timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			var ve *ValidationError
			if !errors.As(err, &ve) {
				t.Fatalf("Validate() error = %v, want *ValidationError", err)
			}
			if ve.Path != tt.path {
				t.Errorf("Path = %q, want %q", ve.Path, tt.path)
			}
			if !errors.Is(err, ErrValidationFailed) {
				t.Error("error does not match ErrValidationFailed")
			}
		})
	}
}
