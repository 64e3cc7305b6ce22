package dirdiff

import (
	"context"
	"errors"
	"sync"

	"github.com/dshills/consulo/internal/disposer"
	"github.com/dshills/consulo/internal/logging"
	"github.com/dshills/consulo/internal/ui"
)

// ErrDisposed is returned by operations on a disposed model.
var ErrDisposed = errors.New("dirdiff: model disposed")

// Update is passed to listeners when the model starts or finishes
// refreshing its rows.
type Update int

const (
	UpdateStarted Update = iota
	UpdateFinished
)

func (u Update) String() string {
	if u == UpdateStarted {
		return "started"
	}
	return "finished"
}

// Listener observes model updates. It runs on the UI goroutine, except
// for the synchronous variants which notify on the caller's goroutine.
type Listener func(Update)

// Deps are the services a model runs on.
type Deps struct {
	Tree       *disposer.Tree
	Dispatcher *ui.Dispatcher
	Pool       *ui.Pool
	Logger     *logging.Logger
}

// Model holds the comparison of two directory trees.
//
// Thread-safety: all methods are safe for concurrent use.
type Model struct {
	deps   Deps
	src    Root
	tgt    Root
	logger *logging.Logger

	mu        sync.Mutex
	settings  Settings
	scanned   CompareMode
	root      *node
	elements  []Element
	err       error
	updating  bool
	gen       uint64
	cancel    context.CancelFunc
	listeners []*Listener
	disposed  bool
}

// NewModel creates an empty model comparing src with tgt and registers it
// under parent. Call ReloadModel to fill it.
func NewModel(deps Deps, parent disposer.Disposable, src, tgt Root, s Settings) (*Model, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	m := &Model{
		deps:     deps,
		src:      src,
		tgt:      tgt,
		settings: s,
		logger:   logging.OrDefault(deps.Logger).WithComponent("dirdiff"),
	}
	if err := deps.Tree.Register(parent, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Source returns the source root.
func (m *Model) Source() Root { return m.src }

// Target returns the target root.
func (m *Model) Target() Root { return m.tgt }

// AddListener adds l and returns a function removing it.
func (m *Model) AddListener(l Listener) (remove func()) {
	p := &l
	m.mu.Lock()
	m.listeners = append(m.listeners, p)
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, x := range m.listeners {
			if x == p {
				m.listeners = append(m.listeners[:i], m.listeners[i+1:]...)
				return
			}
		}
	}
}

func (m *Model) fire(u Update) {
	m.mu.Lock()
	ls := make([]*Listener, len(m.listeners))
	copy(ls, m.listeners)
	m.mu.Unlock()
	for _, l := range ls {
		func() {
			defer func() {
				if r := recover(); r != nil {
					m.logger.Error("listener panicked on update %s: %v", u, r)
				}
			}()
			(*l)(u)
		}()
	}
}

// Settings returns the current settings.
func (m *Model) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings
}

// Elements returns the visible rows.
func (m *Model) Elements() []Element {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Element(nil), m.elements...)
}

// Err returns the error of the last scan, if any.
func (m *Model) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// IsUpdating reports whether a scan or a settings pass is running.
func (m *Model) IsUpdating() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.updating
}

// begin cancels any running update and starts a new generation.
func (m *Model) begin(ctx context.Context) (context.Context, uint64, Settings, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return nil, 0, Settings{}, ErrDisposed
	}
	if m.cancel != nil {
		m.cancel()
	}
	ctx, m.cancel = context.WithCancel(ctx)
	m.gen++
	m.updating = true
	return ctx, m.gen, m.settings, nil
}

// abandon ends generation gen without publishing, for an update that
// never started.
func (m *Model) abandon(gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if gen != m.gen {
		return
	}
	m.updating = false
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
}

// publish installs a finished update unless a newer one started.
func (m *Model) publish(gen uint64, root *node, mode CompareMode, rows []Element, err error) bool {
	m.mu.Lock()
	if m.disposed || gen != m.gen {
		m.mu.Unlock()
		return false
	}
	if root != nil {
		m.root = root
		m.scanned = mode
	}
	m.elements = rows
	m.err = err
	m.updating = false
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.mu.Unlock()
	return true
}

// ReloadModel rescans both roots in the background pool. Rows are
// published on the UI goroutine; listeners see UpdateStarted now and
// UpdateFinished once the rows are in place. A newer reload or settings
// change supersedes a running one.
func (m *Model) ReloadModel(ctx context.Context) error {
	ctx, gen, s, err := m.begin(ctx)
	if err != nil {
		return err
	}
	m.notify(UpdateStarted)

	err = m.deps.Pool.Submit(func() {
		root, err := build(ctx, m.src, m.tgt, s.Mode)
		if err != nil && ctx.Err() == nil {
			m.logger.Warn("refresh failed: %v", err)
		}
		rows := fill(root, s)
		m.invoke(func() {
			if m.publish(gen, root, s.Mode, rows, err) {
				m.fire(UpdateFinished)
			}
		})
	})
	if err != nil {
		m.abandon(gen)
	}
	return err
}

// ReloadModelSynchronously rescans on the calling goroutine.
func (m *Model) ReloadModelSynchronously(ctx context.Context) error {
	ctx, gen, s, err := m.begin(ctx)
	if err != nil {
		return err
	}
	m.fire(UpdateStarted)

	root, err := build(ctx, m.src, m.tgt, s.Mode)
	if err != nil {
		m.logger.Warn("refresh failed: %v", err)
	}
	if m.publish(gen, root, s.Mode, fill(root, s), err) {
		m.fire(UpdateFinished)
	}
	return err
}

// ApplySettings replaces the settings. A changed compare mode, or a scan
// still in flight, needs a rescan; otherwise the rows of the last scan are
// refiltered in the pool.
func (m *Model) ApplySettings(ctx context.Context, s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.settings = s
	rescan := m.root == nil || m.scanned != s.Mode || m.updating
	root, prevErr := m.root, m.err
	m.mu.Unlock()

	if rescan {
		return m.ReloadModel(ctx)
	}

	_, gen, s, err := m.begin(ctx)
	if err != nil {
		return err
	}
	m.notify(UpdateStarted)
	err = m.deps.Pool.Submit(func() {
		rows := fill(root, s)
		m.invoke(func() {
			if m.publish(gen, nil, s.Mode, rows, prevErr) {
				m.fire(UpdateFinished)
			}
		})
	})
	if err != nil {
		m.abandon(gen)
	}
	return err
}

func (m *Model) notify(u Update) {
	m.invoke(func() { m.fire(u) })
}

func (m *Model) invoke(fn func()) {
	if err := m.deps.Dispatcher.Invoke(fn); err != nil {
		m.logger.Debug("dispatcher unavailable: %v", err)
	}
}

// Dispose stops updates and drops all state.
func (m *Model) Dispose() {
	tree := m.deps.Tree
	if !tree.IsExecuting(m) {
		if err := tree.Dispose(m); err != nil {
			m.logger.Warn("model teardown: %v", err)
		}
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return
	}
	m.disposed = true
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.updating = false
	m.listeners = nil
	m.elements = nil
	m.root = nil
}

// IsDisposed reports whether Dispose ran.
func (m *Model) IsDisposed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disposed
}

func (m *Model) String() string {
	return "dirdiff " + m.src.Path + " <> " + m.tgt.Path
}
