package app

import (
	"os"

	"github.com/spf13/afero"

	"github.com/dshills/consulo/internal/bus"
	"github.com/dshills/consulo/internal/config"
	"github.com/dshills/consulo/internal/disposer"
	"github.com/dshills/consulo/internal/extension"
	"github.com/dshills/consulo/internal/logging"
	"github.com/dshills/consulo/internal/reference"
	"github.com/dshills/consulo/internal/ui"
)

// ContributorPoint is the extension point reference contributors are
// declared on.
const ContributorPoint = "reference.contributor"

// bootstrap starts the components in dependency order. A failure leaves
// the components started so far for teardown.
func (a *Application) bootstrap() error {
	steps := []struct {
		name string
		fn   func() error
	}{
		{"config", a.initConfig},
		{"logging", a.initLogging},
		{"disposer", a.initTree},
		{"dispatcher", a.initDispatcher},
		{"pool", a.initPool},
		{"bus", a.initBus},
		{"extensions", a.initExtensions},
		{"references", a.initReferences},
		{"plugins", a.initPlugins},
	}
	for _, step := range steps {
		if err := step.fn(); err != nil {
			return &InitError{Component: step.name, Err: err}
		}
		a.initOrder = append(a.initOrder, step.name)
	}
	a.logger.Info("application started: %d plugins, points %v", len(a.area.Plugins()), a.area.Points())
	return nil
}

func (a *Application) initConfig() error {
	a.fs = a.opts.Fs
	if a.fs == nil {
		a.fs = afero.NewOsFs()
	}
	if a.opts.Config != nil {
		if err := a.opts.Config.Validate(); err != nil {
			return err
		}
		a.cfg = *a.opts.Config
		return nil
	}
	cfg, err := config.LoadAll(a.fs, a.opts.ConfigPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

func (a *Application) initLogging() error {
	out := a.opts.LogOutput
	if out == nil {
		out = os.Stderr
	}
	a.logger = logging.New(logging.Config{
		Level:  a.cfg.LogLevel(),
		Output: out,
		Prefix: "consulo",
	})
	a.logger.Debug("configuration: %s", a.cfg)
	return nil
}

func (a *Application) initTree() error {
	a.tree = disposer.NewTree(
		disposer.WithLogger(a.logger),
		disposer.WithHistorySize(a.cfg.Disposer.DisposedHistory),
	)
	a.root = disposer.NewDisposable("application")
	// Give the root a node so a bare application can be disposed.
	_, err := a.tree.RegisterFunc(a.root, func() {
		a.logger.Debug("application root disposed")
	})
	return err
}

func (a *Application) initDispatcher() error {
	a.disp = ui.NewDispatcher(ui.WithDispatcherLogger(a.logger))
	return nil
}

func (a *Application) initPool() error {
	a.pool = ui.NewPool(a.cfg.Pool.Workers, ui.WithPoolLogger(a.logger))
	return nil
}

func (a *Application) initBus() error {
	// Synchronous delivery: the registry is invalidated before Publish
	// returns.
	a.bus = bus.New()
	return nil
}

func (a *Application) initExtensions() error {
	area, err := extension.NewArea(a.tree, a.root,
		extension.WithBus(a.bus),
		extension.WithFs(a.fs),
		extension.WithLogger(a.logger),
	)
	if err != nil {
		return err
	}
	a.area = area
	a.contributors = extension.NewPoint[reference.LanguageContributor](area, ContributorPoint)
	area.RegisterFactory(extension.ScriptImplementation, a.scriptContributor)
	return nil
}

func (a *Application) initReferences() error {
	a.refs = reference.NewRegistry(
		reference.SourceFunc(a.contributors.Extensions),
		reference.WithRegistryLogger(a.logger),
	)
	if _, err := a.refs.Listen(a.bus, a.tree, a.root); err != nil {
		return err
	}
	return a.contributors.Register(builtinContributor(), a.root)
}

// initPlugins loads the configured plugin directories. Broken plugins are
// logged and skipped; they never stop the application.
func (a *Application) initPlugins() error {
	dirs := append(append([]string(nil), a.cfg.Plugins.Dirs...), a.opts.PluginDirs...)
	if len(dirs) == 0 {
		return nil
	}
	n, err := a.area.LoadPlugins(dirs...)
	if err != nil {
		a.logger.WithComponent("extension").Warn("some plugins failed to load: %v", err)
	}
	a.logger.Debug("loaded %d plugins from %v", n, dirs)
	return nil
}
