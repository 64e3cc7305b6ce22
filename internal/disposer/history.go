package disposer

import (
	"reflect"
	"unsafe"
	"weak"
)

// minSweep is the record size below which dead entries are left alone.
const minSweep = 64

// graveyard remembers disposed objects after their nodes leave the tree.
//
// Pointers are held weakly: an entry lives exactly as long as the object it
// names, so it is never evicted while someone can still dispose the object
// again. Comparable non-pointer values cannot be tracked that way and go to
// a bounded ring instead.
type graveyard struct {
	dead    map[weak.Pointer[byte]]struct{}
	sweepAt int
	ring    *history
}

func newGraveyard(ringSize int) *graveyard {
	return &graveyard{
		dead:    make(map[weak.Pointer[byte]]struct{}),
		sweepAt: minSweep,
		ring:    newHistory(ringSize),
	}
}

// weakKey returns a weak reference to the object obj points at. Pointers of
// any type to the same object yield equal keys.
func weakKey(obj Disposable) (weak.Pointer[byte], bool) {
	v := reflect.ValueOf(obj)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return weak.Pointer[byte]{}, false
	}
	var p unsafe.Pointer = v.UnsafePointer()
	return weak.Make((*byte)(p)), true
}

func (g *graveyard) add(obj Disposable) {
	k, ok := weakKey(obj)
	if !ok {
		g.ring.add(obj)
		return
	}
	g.dead[k] = struct{}{}
	if len(g.dead) >= g.sweepAt {
		g.sweep()
	}
}

// sweep drops the entries of collected objects. The next sweep happens
// once the record has doubled again.
func (g *graveyard) sweep() {
	for k := range g.dead {
		if k.Value() == nil {
			delete(g.dead, k)
		}
	}
	g.sweepAt = max(minSweep, 2*len(g.dead))
}

func (g *graveyard) contains(obj Disposable) bool {
	if k, ok := weakKey(obj); ok {
		_, found := g.dead[k]
		return found
	}
	return g.ring.contains(obj)
}

// history is a bounded FIFO of disposed values; the oldest is forgotten
// first.
type history struct {
	ring []Disposable
	next int
	set  map[Disposable]struct{}
}

func newHistory(size int) *history {
	if size < 0 {
		size = 0
	}
	return &history{
		ring: make([]Disposable, size),
		set:  make(map[Disposable]struct{}, size),
	}
}

func (h *history) add(obj Disposable) {
	if len(h.ring) == 0 {
		return
	}
	if _, ok := h.set[obj]; ok {
		return
	}
	if old := h.ring[h.next]; old != nil {
		delete(h.set, old)
	}
	h.ring[h.next] = obj
	h.set[obj] = struct{}{}
	h.next = (h.next + 1) % len(h.ring)
}

func (h *history) contains(obj Disposable) bool {
	_, ok := h.set[obj]
	return ok
}
