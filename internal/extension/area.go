// Package extension implements named extension points that plugins
// contribute implementations to.
//
// An Area owns the registered plugins, the factories that turn
// declarations into values and the points reading them. Contributions are
// instantiated lazily, the first time a point is read after a change, and
// a contribution that fails to instantiate is logged and left out.
package extension

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"

	"github.com/dshills/consulo/internal/bus"
	"github.com/dshills/consulo/internal/disposer"
	"github.com/dshills/consulo/internal/logging"
	"github.com/dshills/consulo/internal/panics"
)

// Area errors.
var (
	ErrDuplicatePlugin = errors.New("plugin already registered")
	ErrUnknownFactory  = errors.New("no factory for implementation")
	ErrWrongType       = errors.New("extension has the wrong type")
	ErrDisposed        = errors.New("extension area disposed")
)

// Order positions an extension relative to the others of its point.
type Order int

const (
	OrderFirst Order = iota - 1
	OrderDefault
	OrderLast
)

// ParseOrder parses "first", "last" or "".
func ParseOrder(s string) (Order, error) {
	switch s {
	case "":
		return OrderDefault, nil
	case "first":
		return OrderFirst, nil
	case "last":
		return OrderLast, nil
	default:
		return OrderDefault, fmt.Errorf("%w: %q", ErrInvalidOrder, s)
	}
}

func (o Order) String() string {
	switch o {
	case OrderFirst:
		return "first"
	case OrderLast:
		return "last"
	default:
		return "default"
	}
}

// ChangeEvent is the payload published on bus.TopicExtensionsChanged.
type ChangeEvent struct {
	Point  string
	Plugin string
}

// Instantiation is what a Factory gets to build one contribution.
type Instantiation struct {
	Area   *Area
	Plugin *Descriptor
	Decl   Declaration

	// Parent is the plugin's node in the ownership tree. Resources the
	// factory creates belong under it.
	Parent disposer.Disposable
}

// ReadFile reads a file relative to the plugin directory.
func (in Instantiation) ReadFile(rel string) ([]byte, error) {
	return afero.ReadFile(in.Area.fs, in.Plugin.Resolve(rel))
}

// Factory builds the value of one declaration.
type Factory func(in Instantiation) (any, error)

type plugin struct {
	desc *Descriptor
	node disposer.Disposable
	seq  uint64
}

// Area is a container of plugins and extension points.
//
// Thread-safety: all methods are safe for concurrent use.
type Area struct {
	mu        sync.RWMutex
	tree      *disposer.Tree
	root      disposer.Disposable
	fs        afero.Fs
	bus       *bus.Bus
	logger    *logging.Logger
	factories map[string]Factory
	plugins   map[string]*plugin
	points    map[string]string
	seq       uint64
	gen       uint64
	disposed  bool
}

// Option configures an Area.
type Option func(*Area)

// WithBus publishes extension changes on b.
func WithBus(b *bus.Bus) Option {
	return func(a *Area) {
		a.bus = b
	}
}

// WithFs sets the file system plugins are loaded from.
func WithFs(fs afero.Fs) Option {
	return func(a *Area) {
		a.fs = fs
	}
}

// WithLogger sets the logger for instantiation failures.
func WithLogger(l *logging.Logger) Option {
	return func(a *Area) {
		a.logger = l
	}
}

// NewArea creates an area whose plugins are owned by parent in tree.
func NewArea(tree *disposer.Tree, parent disposer.Disposable, opts ...Option) (*Area, error) {
	a := &Area{
		tree:      tree,
		factories: make(map[string]Factory),
		plugins:   make(map[string]*plugin),
		points:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.fs == nil {
		a.fs = afero.NewOsFs()
	}
	if a.logger == nil {
		a.logger = logging.Nop()
	}
	a.logger = a.logger.WithComponent("extension")
	a.root = disposer.NewDisposable("extension-area")
	if err := tree.Register(parent, a.root); err != nil {
		return nil, err
	}
	if _, err := tree.RegisterFunc(a.root, a.markDisposed); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Area) markDisposed() {
	a.mu.Lock()
	a.disposed = true
	a.plugins = make(map[string]*plugin)
	a.gen++
	a.mu.Unlock()
}

// Tree returns the ownership tree of the area.
func (a *Area) Tree() *disposer.Tree { return a.tree }

// Root returns the area's own node; disposing it unloads everything.
func (a *Area) Root() disposer.Disposable { return a.root }

// RegisterFactory makes implementation resolvable from declarations.
func (a *Area) RegisterFactory(implementation string, f Factory) {
	a.mu.Lock()
	a.factories[implementation] = f
	a.gen++
	a.mu.Unlock()
}

func (a *Area) declarePoint(name, kind string) {
	a.mu.Lock()
	a.points[name] = kind
	a.mu.Unlock()
}

// Points returns the names of declared extension points, sorted.
func (a *Area) Points() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]string, 0, len(a.points))
	for name := range a.points {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// AddPlugin registers a plugin's declarations.
func (a *Area) AddPlugin(d *Descriptor) error {
	if err := d.Validate(); err != nil {
		return err
	}
	a.mu.Lock()
	if a.disposed {
		a.mu.Unlock()
		return ErrDisposed
	}
	if _, ok := a.plugins[d.ID]; ok {
		a.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicatePlugin, d.ID)
	}
	node := disposer.NewDisposable("plugin:" + d.ID)
	if err := a.tree.Register(a.root, node); err != nil {
		a.mu.Unlock()
		return err
	}
	a.seq++
	a.plugins[d.ID] = &plugin{desc: d, node: node, seq: a.seq}
	a.gen++
	a.mu.Unlock()

	a.logger.WithField("plugin", d.ID).Debug("plugin added with %d extensions", len(d.Extensions))
	a.publish("", d.ID)
	return nil
}

// RemovePlugin unregisters a plugin and disposes everything its
// contributions created. It reports whether the plugin was present.
func (a *Area) RemovePlugin(id string) bool {
	a.mu.Lock()
	p, ok := a.plugins[id]
	if ok {
		delete(a.plugins, id)
		a.gen++
	}
	a.mu.Unlock()
	if !ok {
		return false
	}
	if err := a.tree.Dispose(p.node); err != nil {
		a.logger.WithField("plugin", id).Warn("plugin teardown: %v", err)
	}
	a.publish("", id)
	return true
}

// LoadPlugins discovers plugins under dirs and adds them. Plugins that fail
// to load or collide with a registered ID are reported in the error.
func (a *Area) LoadPlugins(dirs ...string) (int, error) {
	descs, err := Discover(a.fs, dirs...)
	var result *multierror.Error
	if err != nil {
		result = multierror.Append(result, err)
	}
	n := 0
	for _, d := range descs {
		if err := a.AddPlugin(d); err != nil {
			result = multierror.Append(result, err)
			continue
		}
		n++
	}
	return n, result.ErrorOrNil()
}

// Plugins returns the registered descriptors in registration order.
func (a *Area) Plugins() []*Descriptor {
	a.mu.RLock()
	ps := make([]*plugin, 0, len(a.plugins))
	for _, p := range a.plugins {
		ps = append(ps, p)
	}
	a.mu.RUnlock()
	sort.Slice(ps, func(i, j int) bool { return ps[i].seq < ps[j].seq })
	out := make([]*Descriptor, len(ps))
	for i, p := range ps {
		out[i] = p.desc
	}
	return out
}

func (a *Area) generation() uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.gen
}

type pendingDecl struct {
	plugin  *plugin
	index   int
	decl    Declaration
	factory Factory
	order   Order
	seq     uint64
}

// key identifies a declaration across generations.
func (pd pendingDecl) key() declKey { return declKey{pd.plugin, pd.index} }

type declKey struct {
	plugin *plugin
	index  int
}

// declarations returns the declarations for point in plugin then
// declaration order, along with the generation they belong to.
func (a *Area) declarations(point string) ([]pendingDecl, uint64) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ps := make([]*plugin, 0, len(a.plugins))
	for _, p := range a.plugins {
		ps = append(ps, p)
	}
	sort.Slice(ps, func(i, j int) bool { return ps[i].seq < ps[j].seq })

	var out []pendingDecl
	var seq uint64
	for _, p := range ps {
		for i, d := range p.desc.Extensions {
			seq++
			if d.Point != point {
				continue
			}
			impl := d.Implementation
			if impl == "" {
				impl = ScriptImplementation
			}
			order, _ := ParseOrder(d.Order)
			out = append(out, pendingDecl{plugin: p, index: i, decl: d, factory: a.factories[impl], order: order, seq: seq})
		}
	}
	return out, a.gen
}

// ScriptImplementation is the factory key used for declarations that only
// name a script.
const ScriptImplementation = "script"

// instantiate builds one declaration. Failures, including panics, are
// returned as errors.
func (a *Area) instantiate(pd pendingDecl) (v any, err error) {
	if pd.factory == nil {
		impl := pd.decl.Implementation
		if impl == "" {
			impl = ScriptImplementation
		}
		return nil, fmt.Errorf("%w: %s", ErrUnknownFactory, impl)
	}
	defer func() {
		if r := recover(); r != nil {
			err = panics.Recovered("factory", r)
		}
	}()
	v, err = pd.factory(Instantiation{Area: a, Plugin: pd.plugin.desc, Decl: pd.decl, Parent: pd.plugin.node})
	if err != nil {
		return nil, err
	}
	if d, ok := v.(disposer.Disposable); ok {
		if err := a.tree.Register(pd.plugin.node, d); err != nil && !errors.Is(err, disposer.ErrNotComparable) {
			return nil, err
		}
	}
	return v, nil
}

func (a *Area) logFailure(point string, pd pendingDecl, err error) {
	a.logger.WithFields(map[string]any{
		"point":  point,
		"plugin": pd.plugin.desc.ID,
	}).Error("cannot create extension %q: %v", pd.decl.Implementation, err)
}

func (a *Area) publish(point, pluginID string) {
	if a.bus != nil {
		a.bus.Publish(bus.TopicExtensionsChanged, ChangeEvent{Point: point, Plugin: pluginID}, "extension")
	}
}
