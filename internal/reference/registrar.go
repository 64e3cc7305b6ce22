package reference

import (
	"cmp"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"strings"
	"sync"

	"github.com/dshills/consulo/internal/disposer"
	"github.com/dshills/consulo/internal/logging"
	"github.com/dshills/consulo/internal/panics"
	"github.com/dshills/consulo/internal/pattern"
	"github.com/dshills/consulo/internal/psi"
	"github.com/dshills/consulo/internal/typecache"
)

// Registration errors.
var (
	// ErrNilProvider indicates a nil provider or pattern.
	ErrNilProvider = errors.New("nil provider or pattern")

	// ErrNoScope indicates the pattern does not name an element type.
	ErrNoScope = errors.New("pattern has no accepted element type")

	// ErrNotComparable indicates the provider cannot be unregistered by
	// identity.
	ErrNotComparable = errors.New("provider is not comparable")
)

// binding holds the registrations for one scope type.
type binding struct {
	simple []*ProviderInfo
	named  map[string][]*ProviderInfo
	folded map[string][]*ProviderInfo
}

func newBinding() *binding {
	return &binding{
		named:  make(map[string][]*ProviderInfo),
		folded: make(map[string][]*ProviderInfo),
	}
}

func (b *binding) add(info *ProviderInfo) {
	nc, ok := info.Pattern.NameCondition()
	if !ok || len(nc.Names) == 0 {
		b.simple = append(b.simple, info)
		return
	}
	seen := make(map[string]bool, len(nc.Names))
	for _, n := range nc.Names {
		if nc.IgnoreCase {
			n = strings.ToLower(n)
		}
		if seen[n] {
			continue
		}
		seen[n] = true
		if nc.IgnoreCase {
			b.folded[n] = append(b.folded[n], info)
		} else {
			b.named[n] = append(b.named[n], info)
		}
	}
}

// remove drops every entry for which drop returns true and returns how
// many registrations were removed.
func (b *binding) remove(drop func(*ProviderInfo) bool) int {
	removed := make(map[*ProviderInfo]bool)
	filter := func(list []*ProviderInfo) []*ProviderInfo {
		return slices.DeleteFunc(list, func(info *ProviderInfo) bool {
			if drop(info) {
				removed[info] = true
				return true
			}
			return false
		})
	}
	b.simple = filter(b.simple)
	for _, m := range []map[string][]*ProviderInfo{b.named, b.folded} {
		for k, list := range m {
			if list = filter(list); len(list) == 0 {
				delete(m, k)
			} else {
				m[k] = list
			}
		}
	}
	return len(removed)
}

func (b *binding) empty() bool {
	return len(b.simple) == 0 && len(b.named) == 0 && len(b.folded) == 0
}

func (b *binding) collect(name string, hasName bool, out []*ProviderInfo) []*ProviderInfo {
	out = append(out, b.simple...)
	if hasName {
		out = append(out, b.named[name]...)
		out = append(out, b.folded[strings.ToLower(name)]...)
	}
	return out
}

// Registrar maps element types to reference providers.
//
// Thread-safety: all methods are safe for concurrent use. Patterns and
// providers are evaluated without the registrar lock held.
type Registrar struct {
	mu       sync.RWMutex
	bindings map[reflect.Type]*binding
	cache    *typecache.Cache
	seq      uint64
	logger   *logging.Logger
}

// RegistrarOption configures a Registrar.
type RegistrarOption func(*Registrar)

// WithRegistrarLogger sets the logger for failing providers.
func WithRegistrarLogger(l *logging.Logger) RegistrarOption {
	return func(r *Registrar) {
		r.logger = l
	}
}

// NewRegistrar creates an empty registrar.
func NewRegistrar(opts ...RegistrarOption) *Registrar {
	r := &Registrar{
		bindings: make(map[reflect.Type]*binding),
		cache:    typecache.New(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = logging.Nop()
	}
	r.logger = r.logger.WithComponent("reference")
	return r
}

// RegisterProvider binds provider to every element matching p. The scope is
// p's accepted type; elements of any type assignable to it are candidates.
func (r *Registrar) RegisterProvider(p *pattern.Pattern, provider Provider, priority int) error {
	_, err := r.register(p, provider, priority)
	return err
}

func (r *Registrar) register(p *pattern.Pattern, provider Provider, priority int) (*ProviderInfo, error) {
	if p == nil || provider == nil {
		return nil, ErrNilProvider
	}
	scope := p.AcceptedType()
	if scope == nil {
		return nil, ErrNoScope
	}
	if !reflect.TypeOf(provider).Comparable() {
		return nil, ErrNotComparable
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	info := &ProviderInfo{Provider: provider, Pattern: p, Priority: priority, seq: r.seq}
	b, ok := r.bindings[scope]
	if !ok {
		b = newBinding()
		r.bindings[scope] = b
	}
	b.add(info)
	r.cache.AddKey(scope)
	return info, nil
}

// RegisterProviderFor registers provider and ties the registration to
// parent: disposing parent removes it.
func (r *Registrar) RegisterProviderFor(tree *disposer.Tree, parent disposer.Disposable, p *pattern.Pattern, provider Provider, priority int) error {
	info, err := r.register(p, provider, priority)
	if err != nil {
		return err
	}
	_, err = tree.RegisterFunc(parent, func() {
		r.unregister(info.Pattern.AcceptedType(), func(x *ProviderInfo) bool { return x == info })
	})
	if err != nil {
		r.unregister(info.Pattern.AcceptedType(), func(x *ProviderInfo) bool { return x == info })
		return err
	}
	return nil
}

// UnregisterProvider removes every registration of provider under scope and
// returns how many were removed. Removal drops the supertype cache like
// registration does.
func (r *Registrar) UnregisterProvider(scope reflect.Type, provider Provider) int {
	if provider == nil || !reflect.TypeOf(provider).Comparable() {
		return 0
	}
	return r.unregister(scope, func(info *ProviderInfo) bool { return info.Provider == provider })
}

func (r *Registrar) unregister(scope reflect.Type, drop func(*ProviderInfo) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.bindings[scope]
	if !ok {
		return 0
	}
	n := b.remove(drop)
	if b.empty() {
		delete(r.bindings, scope)
	}
	for i := 0; i < n; i++ {
		r.cache.RemoveKey(scope)
	}
	return n
}

// Len returns the number of registrations.
func (r *Registrar) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[*ProviderInfo]bool)
	for _, b := range r.bindings {
		for _, info := range b.simple {
			seen[info] = true
		}
		for _, m := range []map[string][]*ProviderInfo{b.named, b.folded} {
			for _, list := range m {
				for _, info := range list {
					seen[info] = true
				}
			}
		}
	}
	return len(seen)
}

// ProvidersFor returns the registrations applying to el, highest priority
// first; equal priorities keep registration order.
func (r *Registrar) ProvidersFor(el psi.Element, hints Hints) []ProviderInfo {
	return r.providersFor(el, hints, pattern.NewProcessingContext())
}

func (r *Registrar) providersFor(el psi.Element, hints Hints, ctx *pattern.ProcessingContext) []ProviderInfo {
	if el == nil {
		return nil
	}
	keys := r.cache.KeysFor(reflect.TypeOf(el))
	if len(keys) == 0 {
		return nil
	}
	name, hasName := psi.NameOf(el)

	var candidates []*ProviderInfo
	r.mu.RLock()
	for _, k := range keys {
		if b, ok := r.bindings[k]; ok {
			candidates = b.collect(name, hasName, candidates)
		}
	}
	r.mu.RUnlock()

	out := make([]ProviderInfo, 0, len(candidates))
	for _, info := range candidates {
		if !info.Pattern.Accepts(el, ctx) {
			continue
		}
		if ha, ok := info.Provider.(HintAware); ok && !ha.AcceptsHints(el, hints) {
			continue
		}
		out = append(out, *info)
	}
	slices.SortStableFunc(out, func(a, b ProviderInfo) int {
		if c := cmp.Compare(b.Priority, a.Priority); c != 0 {
			return c
		}
		return cmp.Compare(a.seq, b.seq)
	})
	return out
}

// ReferencesFor runs every applicable provider and returns their
// references in provider order. With an offset hint, only references whose
// range covers the offset are kept. A panicking provider is logged and
// skipped.
func (r *Registrar) ReferencesFor(el psi.Element, hints Hints) []Reference {
	ctx := pattern.NewProcessingContext()
	var out []Reference
	for _, info := range r.providersFor(el, hints, ctx) {
		for _, ref := range r.call(info, el, ctx) {
			if ref == nil {
				continue
			}
			if hints.HasOffset {
				rng := ref.RangeInElement()
				if hints.Offset < rng.Start || hints.Offset > rng.End {
					continue
				}
			}
			out = append(out, ref)
		}
	}
	return out
}

func (r *Registrar) call(info ProviderInfo, el psi.Element, ctx *pattern.ProcessingContext) (refs []Reference) {
	defer func() {
		if v := recover(); v != nil {
			pe := panics.Recovered("provider", v)
			r.logger.WithField("provider", fmt.Sprint(info.Provider)).
				Error("%v on %s\n%s", pe, info.Pattern, pe.Stack)
			refs = nil
		}
	}()
	return info.Provider.References(el, ctx)
}
