// Package app wires the core services into a running application: the
// disposal tree, the UI dispatcher and background pool, the message bus,
// the extension area and the reference registry. Diff viewers and
// directory models are created through it so that they share those
// services and are torn down with the application.
package app

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"

	"github.com/dshills/consulo/internal/bus"
	"github.com/dshills/consulo/internal/config"
	"github.com/dshills/consulo/internal/disposer"
	"github.com/dshills/consulo/internal/extension"
	"github.com/dshills/consulo/internal/logging"
	"github.com/dshills/consulo/internal/reference"
	"github.com/dshills/consulo/internal/ui"
)

// DefaultShutdownTimeout bounds how long Shutdown waits for the UI
// goroutine when the caller's context has no deadline.
const DefaultShutdownTimeout = 5 * time.Second

// Options configures the application.
type Options struct {
	// ConfigPath is the configuration file. Empty means defaults plus
	// environment overrides.
	ConfigPath string

	// Config, when set, is used as is instead of loading ConfigPath.
	Config *config.Config

	// Fs is the file system for configuration, plugins and files.
	// Defaults to the OS file system.
	Fs afero.Fs

	// LogOutput defaults to stderr.
	LogOutput io.Writer

	// PluginDirs are scanned in addition to the configured ones.
	PluginDirs []string
}

// Application is the central coordinator for all components.
type Application struct {
	opts   Options
	cfgMu  sync.RWMutex
	cfg    config.Config
	fs     afero.Fs
	logger *logging.Logger

	tree *disposer.Tree
	root disposer.Disposable
	disp *ui.Dispatcher
	pool *ui.Pool
	bus  *bus.Bus

	area         *extension.Area
	contributors *extension.Point[reference.LanguageContributor]
	refs         *reference.Registry

	initOrder []string

	shutdownOnce sync.Once
	shutdownErr  error
	closed       atomic.Bool
	done         chan struct{}
}

// New creates an application and starts its services.
func New(opts Options) (*Application, error) {
	a := &Application{
		opts: opts,
		done: make(chan struct{}),
	}
	if err := a.bootstrap(); err != nil {
		a.teardown(context.Background())
		return nil, err
	}
	return a, nil
}

// Config returns the effective configuration.
func (a *Application) Config() config.Config {
	a.cfgMu.RLock()
	defer a.cfgMu.RUnlock()
	return a.cfg
}

// Logger returns the application logger.
func (a *Application) Logger() *logging.Logger { return a.logger }

// Fs returns the application file system.
func (a *Application) Fs() afero.Fs { return a.fs }

// Tree returns the disposal tree.
func (a *Application) Tree() *disposer.Tree { return a.tree }

// Root returns the disposable that owns everything the application creates.
func (a *Application) Root() disposer.Disposable { return a.root }

// Dispatcher returns the UI dispatcher.
func (a *Application) Dispatcher() *ui.Dispatcher { return a.disp }

// Pool returns the background pool.
func (a *Application) Pool() *ui.Pool { return a.pool }

// Bus returns the message bus.
func (a *Application) Bus() *bus.Bus { return a.bus }

// Extensions returns the extension area.
func (a *Application) Extensions() *extension.Area { return a.area }

// Contributors returns the reference contributor extension point.
func (a *Application) Contributors() *extension.Point[reference.LanguageContributor] {
	return a.contributors
}

// References returns the reference registry.
func (a *Application) References() *reference.Registry { return a.refs }

// InitOrder returns the components in the order they were started.
func (a *Application) InitOrder() []string {
	return append([]string(nil), a.initOrder...)
}

// Done is closed once Shutdown finished.
func (a *Application) Done() <-chan struct{} { return a.done }

// IsShutdown reports whether Shutdown was called.
func (a *Application) IsShutdown() bool { return a.closed.Load() }

// Shutdown disposes everything under the root on the UI goroutine, then
// stops the pool, the dispatcher and the bus. It is safe to call more than
// once; later calls return the first result.
func (a *Application) Shutdown(ctx context.Context) error {
	a.shutdownOnce.Do(func() {
		a.closed.Store(true)
		a.shutdownErr = a.teardown(ctx)
		close(a.done)
	})
	return a.shutdownErr
}

func (a *Application) teardown(ctx context.Context) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultShutdownTimeout)
		defer cancel()
	}

	var result *multierror.Error
	if a.tree != nil && a.root != nil {
		errc := make(chan error, 1)
		dispose := func() { errc <- a.tree.Dispose(a.root) }
		if a.disp == nil {
			dispose()
		} else if err := a.disp.InvokeAndWait(ctx, dispose); err != nil {
			// The queued disposal still runs when the dispatcher closes.
			result = multierror.Append(result, &OperationError{Op: "shutdown", Err: ErrShutdownTimeout})
			errc = nil
		}
		if errc != nil {
			if err := <-errc; err != nil {
				result = multierror.Append(result, err)
			}
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
	if a.disp != nil {
		a.disp.Close()
	}
	if a.bus != nil {
		a.bus.Close()
	}
	if a.logger != nil {
		a.logger.Debug("shutdown complete")
	}
	return result.ErrorOrNil()
}
