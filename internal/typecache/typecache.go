// Package typecache memoizes which registered key types a concrete runtime
// type is assignable to.
//
// Keys are usually interface types (any type implementing the interface
// matches) or concrete types (only the identical type matches). Any change
// to the key set drops the whole memo; lookups recompute lazily.
package typecache

import (
	"reflect"
	"sync"
)

// Cache maps concrete types to the registered keys that apply to them.
//
// Thread-safety: all methods are safe for concurrent use.
type Cache struct {
	mu    sync.RWMutex
	keys  map[reflect.Type]int
	order []reflect.Type
	memo  map[reflect.Type][]reflect.Type

	// misses counts memo recomputations; exposed for tests and stats.
	misses uint64
}

// New creates an empty cache.
func New() *Cache {
	return &Cache{
		keys: make(map[reflect.Type]int),
		memo: make(map[reflect.Type][]reflect.Type),
	}
}

// AddKey registers a key type. Keys are reference counted so that several
// registrations against the same key need the same number of removals.
func (c *Cache) AddKey(key reflect.Type) {
	if key == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.keys[key] == 0 {
		c.order = append(c.order, key)
	}
	c.keys[key]++
	c.invalidateLocked()
}

// RemoveKey drops one reference to key.
func (c *Cache) RemoveKey(key reflect.Type) {
	if key == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.keys[key]
	if !ok {
		return
	}
	if n > 1 {
		c.keys[key] = n - 1
	} else {
		delete(c.keys, key)
		for i, k := range c.order {
			if k == key {
				c.order = append(c.order[:i], c.order[i+1:]...)
				break
			}
		}
	}
	c.invalidateLocked()
}

// Invalidate drops every memoized lookup.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.invalidateLocked()
	c.mu.Unlock()
}

func (c *Cache) invalidateLocked() {
	if len(c.memo) > 0 {
		c.memo = make(map[reflect.Type][]reflect.Type)
	}
}

// KeysFor returns the registered keys t is assignable to, in key
// registration order. The returned slice must not be modified.
func (c *Cache) KeysFor(t reflect.Type) []reflect.Type {
	if t == nil {
		return nil
	}
	c.mu.RLock()
	keys, ok := c.memo[t]
	c.mu.RUnlock()
	if ok {
		return keys
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if keys, ok := c.memo[t]; ok {
		return keys
	}
	c.misses++
	var out []reflect.Type
	for _, k := range c.order {
		if t.AssignableTo(k) {
			out = append(out, k)
		}
	}
	c.memo[t] = out
	return out
}

// Keys returns all registered keys in registration order.
func (c *Cache) Keys() []reflect.Type {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]reflect.Type, len(c.order))
	copy(out, c.order)
	return out
}

// Misses returns how many lookups had to be recomputed.
func (c *Cache) Misses() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.misses
}
