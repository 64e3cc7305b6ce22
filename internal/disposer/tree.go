package disposer

import (
	"fmt"
	"io"
	"reflect"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/dshills/consulo/internal/logging"
)

// DefaultHistorySize is the number of disposed non-pointer values a Tree
// remembers after their nodes are removed. Disposed pointers are remembered
// for as long as they are reachable.
const DefaultHistorySize = 4096

// Disposable is an object with an explicit teardown callback. A Disposable
// is owned by at most one parent at a time.
//
// Implementations must be comparable; pointer types are the norm.
type Disposable interface {
	Dispose()
}

// selfReporter is implemented by objects that track their own disposal.
type selfReporter interface {
	IsDisposed() bool
}

func reportsDisposed(obj Disposable) bool {
	sr, ok := obj.(selfReporter)
	return ok && sr.IsDisposed()
}

type node struct {
	object    Disposable
	parent    *node
	children  []*node
	disposed  bool
	executing bool

	// Set while executing: the goroutine running the teardown, and a
	// channel closed once the node is removed.
	gid  int64
	done chan struct{}
}

// Tree tracks parent/child ownership between disposables and tears them
// down bottom-up.
//
// Thread-safety: all methods are safe for concurrent use. Dispose callbacks
// run without the tree lock held, so a callback may register, dispose or
// query other objects.
type Tree struct {
	mu      sync.Mutex
	nodes   map[Disposable]*node
	history *graveyard
	logger  *logging.Logger
}

// Option configures a Tree.
type Option func(*Tree)

// WithLogger sets the logger used for teardown failures.
func WithLogger(l *logging.Logger) Option {
	return func(t *Tree) {
		t.logger = l
	}
}

// WithHistorySize sets how many disposed non-pointer values are remembered
// after they leave the tree. Zero disables that part of the record; it
// never affects pointers.
func WithHistorySize(n int) Option {
	return func(t *Tree) {
		t.history = newGraveyard(n)
	}
}

// NewTree creates an empty tree.
func NewTree(opts ...Option) *Tree {
	t := &Tree{
		nodes:   make(map[Disposable]*node),
		history: newGraveyard(DefaultHistorySize),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.logger == nil {
		t.logger = logging.Nop()
	}
	return t
}

// SetLogger replaces the logger used for teardown failures.
func (t *Tree) SetLogger(l *logging.Logger) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l == nil {
		l = logging.Nop()
	}
	t.logger = l
}

func checkKey(d Disposable) error {
	if d == nil {
		return ErrNil
	}
	if !reflect.TypeOf(d).Comparable() {
		return fmt.Errorf("%w: %T", ErrNotComparable, d)
	}
	return nil
}

// Register makes parent the owner of child. A child already owned by another
// parent is moved, unless that owner is in the middle of its own teardown.
// Registering the same pair twice is a no-op.
func (t *Tree) Register(parent, child Disposable) error {
	if err := checkKey(parent); err != nil {
		return err
	}
	if err := checkKey(child); err != nil {
		return err
	}
	if parent == child {
		return ErrSelfParent
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	cn := t.nodes[child]
	if cn == nil && t.history.contains(child) {
		return fmt.Errorf("%w: %s", ErrAlreadyDisposed, describe(child))
	}
	if cn != nil && cn.executing {
		return fmt.Errorf("%w: %s is being disposed", ErrAlreadyDisposed, describe(child))
	}

	pn := t.nodes[parent]
	switch {
	case pn == nil && t.history.contains(parent):
		return fmt.Errorf("%w: %s", ErrParentDisposed, describe(parent))
	case pn != nil && pn.executing:
		return fmt.Errorf("%w: %s", ErrParentDisposing, describe(parent))
	}

	if cn != nil {
		if cn.parent != nil && cn.parent == pn {
			return nil
		}
		if cn.parent != nil && cn.parent.executing {
			return fmt.Errorf("%w: %s owns %s", ErrOwnerDisposing, describe(cn.parent.object), describe(child))
		}
		for anc := pn; anc != nil; anc = anc.parent {
			if anc == cn {
				return fmt.Errorf("%w: %s is an ancestor of %s", ErrCycle, describe(child), describe(parent))
			}
		}
		detachLocked(cn)
	} else {
		cn = &node{object: child}
		t.nodes[child] = cn
	}

	if pn == nil {
		pn = &node{object: parent}
		t.nodes[parent] = pn
	}

	cn.parent = pn
	pn.children = append(pn.children, cn)
	return nil
}

// TryRegister registers child under parent and reports whether it succeeded.
func (t *Tree) TryRegister(parent, child Disposable) bool {
	return t.Register(parent, child) == nil
}

// RegisterFunc registers fn as a teardown callback owned by parent. The
// returned Disposable can be disposed early to run fn immediately.
func (t *Tree) RegisterFunc(parent Disposable, fn func()) (Disposable, error) {
	d := &funcDisposable{fn: fn}
	if err := t.Register(parent, d); err != nil {
		return nil, err
	}
	return d, nil
}

func detachLocked(n *node) {
	p := n.parent
	if p == nil {
		return
	}
	for i, c := range p.children {
		if c == n {
			p.children = append(p.children[:i], p.children[i+1:]...)
			break
		}
	}
	n.parent = nil
}

// Dispose tears obj down: its children first, most recently registered
// first, then obj's own callback. The node and all its edges are then
// removed from the tree.
//
// Disposing an already disposed object is a no-op, as is a nested call for
// an object whose teardown is running further up the same call chain. A
// call that meets a teardown running on another goroutine waits for it to
// finish. An object that was never registered still gets its callback.
// Panics raised by callbacks are logged and returned as *PanicError values;
// they never stop the rest of the teardown.
func (t *Tree) Dispose(obj Disposable) error {
	if obj == nil {
		return nil
	}
	if checkKey(obj) != nil {
		return t.invoke(obj)
	}
	selfDisposed := reportsDisposed(obj)
	gid := goroutineID()

	t.mu.Lock()
	n := t.nodes[obj]
	if n == nil {
		if selfDisposed || t.history.contains(obj) {
			t.mu.Unlock()
			return nil
		}
		n = &node{object: obj}
		t.nodes[obj] = n
	}
	if n.executing {
		done := n.done
		reentrant := n.gid == gid
		t.mu.Unlock()
		if !reentrant {
			<-done
		}
		return nil
	}
	if n.disposed {
		t.mu.Unlock()
		return nil
	}
	n.executing = true
	n.gid = gid
	n.done = make(chan struct{})
	children := make([]*node, len(n.children))
	for i, c := range n.children {
		children[len(children)-1-i] = c
	}
	t.mu.Unlock()

	var result *multierror.Error
	for _, c := range children {
		if err := t.Dispose(c.object); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := t.invoke(obj); err != nil {
		result = multierror.Append(result, err)
	}

	t.mu.Lock()
	t.removeLocked(n)
	t.mu.Unlock()

	return result.ErrorOrNil()
}

// removeLocked purges n and every edge touching it.
func (t *Tree) removeLocked(n *node) {
	detachLocked(n)
	for _, c := range n.children {
		c.parent = nil
	}
	n.children = nil
	n.disposed = true
	n.executing = false
	if n.done != nil {
		close(n.done)
	}
	delete(t.nodes, n.object)
	t.history.add(n.object)
}

func (t *Tree) invoke(obj Disposable) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Object: describe(obj), Value: r, Stack: debug.Stack()}
			t.mu.Lock()
			l := t.logger
			t.mu.Unlock()
			l.WithComponent("disposer").Error("%v", err)
		}
	}()
	obj.Dispose()
	return nil
}

// DisposeChildren disposes the children of obj accepted by keep, most
// recently registered first. A nil predicate disposes every child.
func (t *Tree) DisposeChildren(obj Disposable, pred func(Disposable) bool) error {
	if checkKey(obj) != nil {
		return nil
	}
	t.mu.Lock()
	n := t.nodes[obj]
	var targets []Disposable
	if n != nil {
		for i := len(n.children) - 1; i >= 0; i-- {
			c := n.children[i].object
			if pred == nil || pred(c) {
				targets = append(targets, c)
			}
		}
	}
	t.mu.Unlock()

	var result *multierror.Error
	for _, c := range targets {
		if err := t.Dispose(c); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// IsDisposed reports whether obj has been disposed. Objects implementing
// IsDisposed answer for themselves first; otherwise the tree reports what
// it disposed. Non-pointer values evicted from the bounded history report
// false.
func (t *Tree) IsDisposed(obj Disposable) bool {
	if checkKey(obj) != nil {
		return false
	}
	if reportsDisposed(obj) {
		return true
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if n := t.nodes[obj]; n != nil {
		return n.disposed
	}
	return t.history.contains(obj)
}

// IsExecuting reports whether obj's teardown is currently running. A
// self-disposing object uses this to tell a direct call from the tree's
// callback.
func (t *Tree) IsExecuting(obj Disposable) bool {
	if checkKey(obj) != nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.nodes[obj]
	return n != nil && n.executing
}

// IsDisposing reports whether obj or any of its owners is being disposed.
func (t *Tree) IsDisposing(obj Disposable) bool {
	if checkKey(obj) != nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for n := t.nodes[obj]; n != nil; n = n.parent {
		if n.executing {
			return true
		}
	}
	return false
}

// Parent returns the owner of obj, or nil.
func (t *Tree) Parent(obj Disposable) Disposable {
	if checkKey(obj) != nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.nodes[obj]
	if n == nil || n.parent == nil {
		return nil
	}
	return n.parent.object
}

// Children returns the children of obj in registration order.
func (t *Tree) Children(obj Disposable) []Disposable {
	if checkKey(obj) != nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	n := t.nodes[obj]
	if n == nil {
		return nil
	}
	out := make([]Disposable, len(n.children))
	for i, c := range n.children {
		out[i] = c.object
	}
	return out
}

// Len returns the number of objects currently tracked.
func (t *Tree) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.nodes)
}

// AssertNoReferenceKeptInTree returns an error wrapping ErrReferenceKept if
// any node, parent edge or child edge still points at obj.
func (t *Tree) AssertNoReferenceKeptInTree(obj Disposable) error {
	if checkKey(obj) != nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.nodes[obj]; ok {
		return fmt.Errorf("%w: %s is still a node", ErrReferenceKept, describe(obj))
	}
	for key, n := range t.nodes {
		if n.parent != nil && n.parent.object == obj {
			return fmt.Errorf("%w: %s names %s as parent", ErrReferenceKept, describe(key), describe(obj))
		}
		for _, c := range n.children {
			if c.object == obj {
				return fmt.Errorf("%w: %s holds %s as child", ErrReferenceKept, describe(key), describe(obj))
			}
		}
	}
	return nil
}

// Dump writes the current tree, one object per line, children indented
// under their parents.
func (t *Tree) Dump(w io.Writer) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var roots []*node
	for _, n := range t.nodes {
		if n.parent == nil {
			roots = append(roots, n)
		}
	}
	var walk func(n *node, depth int)
	walk = func(n *node, depth int) {
		fmt.Fprintf(w, "%s%s\n", strings.Repeat("  ", depth), describe(n.object))
		for _, c := range n.children {
			walk(c, depth+1)
		}
	}
	for _, r := range roots {
		walk(r, 0)
	}
}

// goroutineID returns the id of the calling goroutine, parsed from the
// header of its stack trace ("goroutine 42 [running]:").
func goroutineID() int64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	s := strings.TrimPrefix(string(buf[:n]), "goroutine ")
	if i := strings.IndexByte(s, ' '); i > 0 {
		if id, err := strconv.ParseInt(s[:i], 10, 64); err == nil {
			return id
		}
	}
	return -1
}

func describe(obj Disposable) string {
	if s, ok := obj.(fmt.Stringer); ok {
		return s.String()
	}
	return fmt.Sprintf("%T", obj)
}

type funcDisposable struct {
	fn func()
}

func (d *funcDisposable) Dispose() {
	if d.fn != nil {
		d.fn()
	}
}

type namedDisposable struct {
	name string
}

func (d *namedDisposable) Dispose() {}

func (d *namedDisposable) String() string { return d.name }

// NewDisposable returns an empty Disposable meant to act as a parent for a
// group of objects. The name shows up in Dump output and errors.
func NewDisposable(name string) Disposable {
	return &namedDisposable{name: name}
}
