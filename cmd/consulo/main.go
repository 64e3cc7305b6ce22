// Package main is the command line front end of the Consulo core: text and
// directory diffs and the plugin and reference registries.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/afero"

	"github.com/dshills/consulo/internal/app"
	"github.com/dshills/consulo/internal/config"
)

// Version information (set via ldflags during build).
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// Exit codes follow diff(1): 1 means the inputs differ.
const (
	exitSame    = 0
	exitDiffer  = 1
	exitFailure = 2
)

type globalOptions struct {
	configPath string
	logLevel   string
	pluginDirs string
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	fset := flag.NewFlagSet("consulo", flag.ContinueOnError)
	fset.SetOutput(stderr)

	var g globalOptions
	var showVersion bool
	fset.StringVar(&g.configPath, "config", "", "Path to configuration file")
	fset.StringVar(&g.configPath, "c", "", "Path to configuration file (shorthand)")
	fset.StringVar(&g.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fset.StringVar(&g.pluginDirs, "plugins", "", "Additional plugin directories, separated by "+string(os.PathListSeparator))
	fset.BoolVar(&showVersion, "version", false, "Show version information")
	fset.BoolVar(&showVersion, "v", false, "Show version information (shorthand)")

	fset.Usage = func() {
		fmt.Fprintf(stderr, "Consulo - diff viewer and plugin host\n\n")
		fmt.Fprintf(stderr, "Usage: consulo [options] <command> [command options] [args]\n\n")
		fmt.Fprintf(stderr, "Commands:\n")
		fmt.Fprintf(stderr, "  diff       Compare two files\n")
		fmt.Fprintf(stderr, "  dirdiff    Compare two directories\n")
		fmt.Fprintf(stderr, "  plugins    List plugins and look up references\n\n")
		fmt.Fprintf(stderr, "Options:\n")
		fset.PrintDefaults()
		fmt.Fprintf(stderr, "\nExamples:\n")
		fmt.Fprintf(stderr, "  consulo diff a.txt b.txt             Print a unified diff\n")
		fmt.Fprintf(stderr, "  consulo diff -watch a.txt b.txt      Rediff whenever a file changes\n")
		fmt.Fprintf(stderr, "  consulo dirdiff -equal src dst       Include identical files\n")
		fmt.Fprintf(stderr, "  consulo plugins -lang md -text '#x'  Show references for a text\n")
	}

	if err := fset.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitSame
		}
		return exitFailure
	}
	if showVersion {
		fmt.Fprintf(stdout, "Consulo %s\n", version)
		fmt.Fprintf(stdout, "Commit: %s\n", commit)
		fmt.Fprintf(stdout, "Built: %s\n", date)
		return exitSame
	}

	rest := fset.Args()
	if len(rest) == 0 {
		fset.Usage()
		return exitFailure
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		fmt.Fprintf(stderr, "Error: unknown command %q\n", rest[0])
		fset.Usage()
		return exitFailure
	}

	fs := afero.NewOsFs()
	cfg, err := loadConfig(fs, g)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitFailure
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	env := &cmdEnv{
		ctx:    ctx,
		fs:     fs,
		cfg:    cfg,
		stdout: stdout,
		stderr: stderr,
	}
	if g.pluginDirs != "" {
		env.pluginDirs = filepath.SplitList(g.pluginDirs)
	}
	return cmd(env, rest[1:])
}

// loadConfig finds the configuration file when none was named and applies
// the global flag overrides.
func loadConfig(fs afero.Fs, g globalOptions) (config.Config, error) {
	path := g.configPath
	if path == "" {
		dirs := []string{"."}
		if dir, err := os.UserConfigDir(); err == nil {
			dirs = append(dirs, filepath.Join(dir, "consulo"))
		}
		path, _ = config.Find(fs, dirs...)
	}
	cfg, err := config.LoadAll(fs, path)
	if err != nil {
		return config.Config{}, err
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	return cfg, nil
}

// cmdEnv is what every command runs with.
type cmdEnv struct {
	ctx        context.Context
	fs         afero.Fs
	cfg        config.Config
	pluginDirs []string
	stdout     io.Writer
	stderr     io.Writer
}

// start creates the application with the environment's configuration.
func (e *cmdEnv) start() (*app.Application, error) {
	return app.New(app.Options{
		Config:     &e.cfg,
		Fs:         e.fs,
		LogOutput:  e.stderr,
		PluginDirs: e.pluginDirs,
	})
}

func (e *cmdEnv) fail(err error) int {
	fmt.Fprintf(e.stderr, "Error: %v\n", err)
	return exitFailure
}

type command func(env *cmdEnv, args []string) int

var commands = map[string]command{
	"diff":    runDiff,
	"dirdiff": runDirDiff,
	"plugins": runPlugins,
}
