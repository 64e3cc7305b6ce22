// Package bus is the application message bus.
//
// Components publish on dot-separated topics; subscribers to a topic also
// receive messages published on its sub-topics ("settings" receives
// "settings.diff"). Delivery is synchronous in subscription order unless the
// bus is created with WithAsync.
package bus

import (
	"cmp"
	"slices"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/dshills/consulo/internal/disposer"
)

// Well-known topics.
const (
	// TopicExtensionsChanged is published whenever extension contributions
	// are added or removed.
	TopicExtensionsChanged = "extensions.changed"

	// TopicSettingsChanged is published when user settings change.
	TopicSettingsChanged = "settings.changed"
)

// Message is a published event.
type Message struct {
	Topic   string
	Payload any
	Source  string
}

// Handler receives messages.
type Handler func(msg Message)

// Subscription is an active handler registration. It is a Disposable so
// that it can be owned by the component that created it.
type Subscription struct {
	id    string
	topic string
	bus   *Bus
}

// ID returns the subscription's unique id.
func (s *Subscription) ID() string { return s.id }

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

// Unsubscribe removes the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s.bus != nil {
		s.bus.unsubscribe(s.id)
	}
}

// Dispose implements disposer.Disposable.
func (s *Subscription) Dispose() { s.Unsubscribe() }

type entry struct {
	id      string
	seq     uint64
	topic   string
	handler Handler
}

// Bus routes messages to subscribers.
type Bus struct {
	mu      sync.RWMutex
	entries map[string]*entry
	seq     uint64

	async  bool
	buffer chan Message
	done   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

// Option configures a Bus.
type Option func(*Bus)

// WithAsync delivers messages from a background goroutine fed by a buffer
// of the given size.
func WithAsync(bufferSize int) Option {
	return func(b *Bus) {
		if bufferSize > 0 {
			b.async = true
			b.buffer = make(chan Message, bufferSize)
		}
	}
}

// New creates a bus.
func New(opts ...Option) *Bus {
	b := &Bus{
		entries: make(map[string]*entry),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.async {
		b.wg.Add(1)
		go b.processAsync()
	}
	return b
}

// Subscribe registers handler for topic and its sub-topics.
func (b *Bus) Subscribe(topic string, handler Handler) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	id := uuid.New().String()
	b.entries[id] = &entry{id: id, seq: b.seq, topic: topic, handler: handler}
	return &Subscription{id: id, topic: topic, bus: b}
}

// SubscribeFor subscribes and makes parent own the subscription, so the
// handler is removed when parent is disposed.
func (b *Bus) SubscribeFor(tree *disposer.Tree, parent disposer.Disposable, topic string, handler Handler) (*Subscription, error) {
	sub := b.Subscribe(topic, handler)
	if err := tree.Register(parent, sub); err != nil {
		sub.Unsubscribe()
		return nil, err
	}
	return sub, nil
}

// Publish delivers a message to every matching subscriber.
func (b *Bus) Publish(topic string, payload any, source string) {
	msg := Message{Topic: topic, Payload: payload, Source: source}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return
	}

	if b.async {
		select {
		case b.buffer <- msg:
		case <-b.done:
		}
		return
	}
	b.deliver(msg)
}

// Len returns the number of active subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Close stops delivery. Safe to call more than once.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	b.mu.Unlock()

	close(b.done)
	b.wg.Wait()
}

func (b *Bus) unsubscribe(id string) {
	b.mu.Lock()
	delete(b.entries, id)
	b.mu.Unlock()
}

func (b *Bus) deliver(msg Message) {
	b.mu.RLock()
	var matched []*entry
	for _, e := range b.entries {
		if matches(e.topic, msg.Topic) {
			matched = append(matched, e)
		}
	}
	b.mu.RUnlock()

	sortBySeq(matched)
	for _, e := range matched {
		e.handler(msg)
	}
}

func (b *Bus) processAsync() {
	defer b.wg.Done()
	for {
		select {
		case msg := <-b.buffer:
			b.deliver(msg)
		case <-b.done:
			for {
				select {
				case msg := <-b.buffer:
					b.deliver(msg)
				default:
					return
				}
			}
		}
	}
}

// matches reports whether a subscription to sub receives messages on topic.
func matches(sub, topic string) bool {
	if sub == "" || sub == topic {
		return true
	}
	return strings.HasPrefix(topic, sub+".")
}

func sortBySeq(es []*entry) {
	slices.SortFunc(es, func(a, b *entry) int {
		return cmp.Compare(a.seq, b.seq)
	})
}
