package extension

import (
	"fmt"
	"reflect"
	"sort"
	"sync"

	"github.com/dshills/consulo/internal/disposer"
	"github.com/dshills/consulo/internal/typecache"
)

type item[T any] struct {
	value T
	order Order
	seq   uint64
}

// Point is an extension point whose extensions have type T.
//
// Extensions come from plugin declarations naming the point and from
// values registered at runtime with Register.
type Point[T any] struct {
	area *Area
	name string

	mu        sync.Mutex
	instances map[declKey]T
	runtime   []*item[T]
	runSeq    uint64
	cached    []T
	cachedGen uint64
	valid     bool
}

// NewPoint declares an extension point named name in area.
func NewPoint[T any](area *Area, name string) *Point[T] {
	area.declarePoint(name, reflect.TypeFor[T]().String())
	return &Point[T]{
		area:      area,
		name:      name,
		instances: make(map[declKey]T),
	}
}

// Name returns the point's name.
func (p *Point[T]) Name() string { return p.name }

// Extensions returns the point's extensions: "first" ones, then the
// default ones, then "last" ones, each group in declaration order with
// runtime registrations after plugin declarations.
func (p *Point[T]) Extensions() []T {
	gen := p.area.generation()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.valid && p.cachedGen == gen {
		return append([]T(nil), p.cached...)
	}

	decls, gen := p.area.declarations(p.name)
	live := make(map[declKey]bool, len(decls))
	var items []*item[T]
	for _, pd := range decls {
		k := pd.key()
		live[k] = true
		v, ok := p.instances[k]
		if !ok {
			raw, err := p.area.instantiate(pd)
			if err == nil {
				if v, ok = raw.(T); !ok {
					err = fmt.Errorf("%w: %T is not %v", ErrWrongType, raw, reflect.TypeFor[T]())
				}
			}
			if err != nil {
				p.area.logFailure(p.name, pd, err)
				continue
			}
			p.instances[k] = v
		}
		items = append(items, &item[T]{value: v, order: pd.order, seq: pd.seq})
	}
	for k := range p.instances {
		if !live[k] {
			delete(p.instances, k)
		}
	}

	base := uint64(len(decls)) + 1<<32
	for _, it := range p.runtime {
		items = append(items, &item[T]{value: it.value, order: it.order, seq: base + it.seq})
	}
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].order != items[j].order {
			return items[i].order < items[j].order
		}
		return items[i].seq < items[j].seq
	})

	out := make([]T, len(items))
	for i, it := range items {
		out[i] = it.value
	}
	p.cached = out
	p.cachedGen = gen
	p.valid = true
	return append([]T(nil), out...)
}

// Register adds ext with the default order until parent is disposed.
func (p *Point[T]) Register(ext T, parent disposer.Disposable) error {
	return p.RegisterOrdered(ext, OrderDefault, parent)
}

// RegisterOrdered adds ext at the given order until parent is disposed.
func (p *Point[T]) RegisterOrdered(ext T, order Order, parent disposer.Disposable) error {
	p.mu.Lock()
	p.runSeq++
	it := &item[T]{value: ext, order: order, seq: p.runSeq}
	p.runtime = append(p.runtime, it)
	p.valid = false
	p.mu.Unlock()

	_, err := p.area.tree.RegisterFunc(parent, func() { p.remove(it) })
	if err != nil {
		p.remove(it)
		return err
	}
	p.area.publish(p.name, "")
	return nil
}

func (p *Point[T]) remove(it *item[T]) {
	p.mu.Lock()
	removed := false
	for i, x := range p.runtime {
		if x == it {
			p.runtime = append(p.runtime[:i], p.runtime[i+1:]...)
			removed = true
			break
		}
	}
	p.valid = false
	p.mu.Unlock()
	if removed {
		p.area.publish(p.name, "")
	}
}

type scoped[T any] struct {
	scope reflect.Type
	value T
	seq   uint64
}

// KeyedPoint holds extensions registered for a scope type. ForType returns
// the extensions of every scope a type is assignable to, so an extension
// registered for an interface applies to all its implementations.
type KeyedPoint[T any] struct {
	area  *Area
	name  string
	cache *typecache.Cache

	mu      sync.RWMutex
	byScope map[reflect.Type][]*scoped[T]
	seq     uint64
}

// NewKeyedPoint declares a keyed extension point in area.
func NewKeyedPoint[T any](area *Area, name string) *KeyedPoint[T] {
	area.declarePoint(name, "keyed "+reflect.TypeFor[T]().String())
	return &KeyedPoint[T]{
		area:    area,
		name:    name,
		cache:   typecache.New(),
		byScope: make(map[reflect.Type][]*scoped[T]),
	}
}

// Name returns the point's name.
func (k *KeyedPoint[T]) Name() string { return k.name }

// RegisterFor adds ext for scope until parent is disposed.
func (k *KeyedPoint[T]) RegisterFor(scope reflect.Type, ext T, parent disposer.Disposable) error {
	if scope == nil {
		return fmt.Errorf("%s: nil scope", k.name)
	}
	k.mu.Lock()
	k.seq++
	s := &scoped[T]{scope: scope, value: ext, seq: k.seq}
	k.byScope[scope] = append(k.byScope[scope], s)
	k.cache.AddKey(scope)
	k.mu.Unlock()

	if _, err := k.area.tree.RegisterFunc(parent, func() { k.remove(s) }); err != nil {
		k.remove(s)
		return err
	}
	k.area.publish(k.name, "")
	return nil
}

func (k *KeyedPoint[T]) remove(s *scoped[T]) {
	k.mu.Lock()
	defer k.mu.Unlock()
	list := k.byScope[s.scope]
	for i, x := range list {
		if x == s {
			list = append(list[:i], list[i+1:]...)
			k.cache.RemoveKey(s.scope)
			break
		}
	}
	if len(list) == 0 {
		delete(k.byScope, s.scope)
	} else {
		k.byScope[s.scope] = list
	}
}

// ForType returns the extensions whose scope t is assignable to, in
// registration order.
func (k *KeyedPoint[T]) ForType(t reflect.Type) []T {
	keys := k.cache.KeysFor(t)
	k.mu.RLock()
	var found []*scoped[T]
	for _, key := range keys {
		found = append(found, k.byScope[key]...)
	}
	k.mu.RUnlock()
	sort.Slice(found, func(i, j int) bool { return found[i].seq < found[j].seq })
	out := make([]T, len(found))
	for i, s := range found {
		out[i] = s.value
	}
	return out
}

// For returns the extensions applying to v's dynamic type.
func (k *KeyedPoint[T]) For(v any) []T {
	if v == nil {
		return nil
	}
	return k.ForType(reflect.TypeOf(v))
}
