package bus_test

import (
	"errors"
	"testing"

	"github.com/loomhq/loom/control-plane/internal/bus"
)

type testEvent struct {
	N int
}

func TestPublishDeliversInSubscriptionOrder(t *testing.T) {
	b := bus.New()

	var got []string
	for _, name := range []string{"first", "second", "third"} {
		name := name
		if err := b.Subscribe(func(e bus.Event) {
			got = append(got, name)
		}); err != nil {
			t.Fatalf("Subscribe(%s) error = %v", name, err)
		}
	}

	b.Publish(testEvent{N: 1})

	want := []string{"first", "second", "third"}
	if len(got) != len(want) {
		t.Fatalf("delivered to %d subscribers, want %d", len(got), len(want))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("delivery[%d] = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestPublishPassesEvent(t *testing.T) {
	b := bus.New()

	var received bus.Event
	if err := b.Subscribe(func(e bus.Event) { received = e }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	b.Publish(testEvent{N: 42})

	evt, ok := received.(testEvent)
	if !ok {
		t.Fatalf("received event = %T, want testEvent", received)
	}
	if evt.N != 42 {
		t.Errorf("event.N = %d, want 42", evt.N)
	}
}

func TestSubscriberPanicIsIsolated(t *testing.T) {
	b := bus.New()

	if err := b.Subscribe(func(bus.Event) { panic("bad observer") }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	var survived bool
	if err := b.Subscribe(func(bus.Event) { survived = true }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}

	b.Publish(testEvent{N: 1}) // must not panic out

	if !survived {
		t.Error("subscriber after the panicking one was not called")
	}
}

func TestSubscriberBound(t *testing.T) {
	b := bus.New()

	for i := 0; i < bus.DefaultMaxSubscribers; i++ {
		if err := b.Subscribe(func(bus.Event) {}); err != nil {
			t.Fatalf("Subscribe() #%d error = %v", i, err)
		}
	}
	if err := b.Subscribe(func(bus.Event) {}); !errors.Is(err, bus.ErrTooManySubscribers) {
		t.Fatalf("Subscribe() over the bound error = %v, want ErrTooManySubscribers", err)
	}
}

func TestPublishWithNoSubscribers(t *testing.T) {
	b := bus.New()
	b.Publish(testEvent{N: 1}) // no-op, must not panic
}
