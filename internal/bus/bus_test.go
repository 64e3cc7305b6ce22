package bus

import (
	"sync"
	"testing"
	"time"

	"github.com/dshills/consulo/internal/disposer"
)

func TestPublish_TopicMatching(t *testing.T) {
	b := New()
	var got []string
	b.Subscribe("settings", func(m Message) { got = append(got, "settings:"+m.Topic) })
	b.Subscribe("settings.changed", func(m Message) { got = append(got, "exact:"+m.Topic) })
	b.Subscribe("extensions", func(m Message) { got = append(got, "ext:"+m.Topic) })
	b.Subscribe("", func(m Message) { got = append(got, "all:"+m.Topic) })

	b.Publish(TopicSettingsChanged, nil, "test")

	want := []string{"settings:settings.changed", "exact:settings.changed", "all:settings.changed"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("got[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestPublish_PrefixIsNotSubTopic(t *testing.T) {
	b := New()
	called := false
	b.Subscribe("settings", func(Message) { called = true })
	b.Publish("settingsX", nil, "")
	if called {
		t.Error("handler for settings received settingsX")
	}
}

func TestSubscription_Unsubscribe(t *testing.T) {
	b := New()
	calls := 0
	sub := b.Subscribe("a", func(Message) { calls++ })
	if sub.ID() == "" {
		t.Error("subscription has no id")
	}

	b.Publish("a", nil, "")
	sub.Unsubscribe()
	sub.Unsubscribe()
	b.Publish("a", nil, "")

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
	if b.Len() != 0 {
		t.Errorf("Len() = %d, want 0", b.Len())
	}
}

func TestSubscribeFor_RemovedWithParent(t *testing.T) {
	tree := disposer.NewTree()
	parent := disposer.NewDisposable("viewer")
	b := New()
	calls := 0

	if _, err := b.SubscribeFor(tree, parent, "a", func(Message) { calls++ }); err != nil {
		t.Fatalf("SubscribeFor() error = %v", err)
	}
	b.Publish("a", nil, "")
	_ = tree.Dispose(parent)
	b.Publish("a", nil, "")

	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestSubscribeFor_DisposedParent(t *testing.T) {
	tree := disposer.NewTree()
	parent := disposer.NewDisposable("gone")
	_ = tree.Dispose(parent)
	b := New()

	if _, err := b.SubscribeFor(tree, parent, "a", func(Message) {}); err == nil {
		t.Fatal("SubscribeFor() on disposed parent should fail")
	}
	if b.Len() != 0 {
		t.Errorf("failed subscription left %d entries", b.Len())
	}
}

func TestAsyncDelivery(t *testing.T) {
	b := New(WithAsync(8))
	var mu sync.Mutex
	var got []any
	done := make(chan struct{})
	b.Subscribe("x", func(m Message) {
		mu.Lock()
		got = append(got, m.Payload)
		n := len(got)
		mu.Unlock()
		if n == 3 {
			close(done)
		}
	})

	for i := 0; i < 3; i++ {
		b.Publish("x", i, "")
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("async delivery timed out")
	}
	b.Close()
	b.Close()

	mu.Lock()
	defer mu.Unlock()
	for i, v := range got {
		if v != i {
			t.Errorf("got[%d] = %v, want %d", i, v, i)
		}
	}
}

func TestPublishAfterClose(t *testing.T) {
	b := New()
	called := false
	b.Subscribe("x", func(Message) { called = true })
	b.Close()
	b.Publish("x", nil, "")
	if called {
		t.Error("handler called after Close")
	}
}
