package eventbus_test

import (
	"errors"
	"io"
	"log"
	"sync"
	"testing"

	"github.com/baseplate-os/baseplate/internal/eventbus"
)

func quietBus() *eventbus.Bus {
	return eventbus.New(eventbus.WithLogger(log.New(io.Discard, "", 0)))
}

func TestBusPublishDeliversInSubscriptionOrder(t *testing.T) {
	bus := eventbus.New()

	var got []int
	for i := 0; i < 4; i++ {
		i := i
		bus.Subscribe("t", func(env eventbus.Envelope) error {
			got = append(got, i)
			if env.Payload != "payload" {
				t.Fatalf("unexpected payload: %v", env.Payload)
			}
			return nil
		})
	}

	bus.Publish("t", "payload")

	if len(got) != 4 {
		t.Fatalf("expected 4 deliveries, got %d", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("delivery order %v, want subscription order", got)
		}
	}
}

func TestBusSubscribeSameHandlerTwice(t *testing.T) {
	bus := eventbus.New()

	count := 0
	handler := func(eventbus.Envelope) error {
		count++
		return nil
	}

	id1 := bus.Subscribe("t", handler)
	id2 := bus.Subscribe("t", handler)
	if id1 == id2 {
		t.Fatalf("expected distinct subscription ids, got %d twice", id1)
	}

	bus.Publish("t", nil)
	if count != 2 {
		t.Fatalf("expected 2 deliveries, got %d", count)
	}
}

func TestBusUnsubscribe(t *testing.T) {
	bus := eventbus.New()

	delivered := false
	id := bus.Subscribe("t", func(eventbus.Envelope) error {
		delivered = true
		return nil
	})

	if !bus.Unsubscribe(id) {
		t.Fatal("expected Unsubscribe to report the id as found")
	}
	if bus.Unsubscribe(id) {
		t.Fatal("expected second Unsubscribe to report the id as gone")
	}

	bus.Publish("t", nil)
	if delivered {
		t.Fatal("unsubscribed handler must not receive deliveries")
	}
}

func TestBusHandlerErrorDoesNotAbortDelivery(t *testing.T) {
	bus := quietBus()

	var seen []any
	bus.Subscribe("t", func(eventbus.Envelope) error {
		return errors.New("boom")
	})
	bus.Subscribe("t", func(env eventbus.Envelope) error {
		seen = append(seen, env.Payload)
		return nil
	})

	bus.Publish("t", map[string]any{"v": 1})

	if len(seen) != 1 {
		t.Fatalf("expected exactly one delivery to the second handler, got %d", len(seen))
	}
}

func TestBusHandlerPanicIsContained(t *testing.T) {
	bus := quietBus()

	count := 0
	bus.Subscribe("t", func(eventbus.Envelope) error {
		panic("handler exploded")
	})
	bus.Subscribe("t", func(eventbus.Envelope) error {
		count++
		return nil
	})

	bus.Publish("t", nil)

	if count != 1 {
		t.Fatalf("expected delivery to continue past panicking handler, got %d", count)
	}
}

func TestBusSubscribeDuringDeliveryIsNotDeliveredCurrentMessage(t *testing.T) {
	bus := eventbus.New()

	lateDeliveries := 0
	bus.Subscribe("t", func(eventbus.Envelope) error {
		bus.Subscribe("t", func(eventbus.Envelope) error {
			lateDeliveries++
			return nil
		})
		return nil
	})

	bus.Publish("t", nil)
	if lateDeliveries != 0 {
		t.Fatal("handler subscribed during delivery must not receive the current message")
	}

	bus.Publish("t", nil)
	if lateDeliveries != 1 {
		t.Fatalf("late subscriber should receive subsequent publishes once, got %d", lateDeliveries)
	}
}

func TestBusUnsubscribeDuringDeliveryStillInvokesSnapshot(t *testing.T) {
	bus := eventbus.New()

	secondDeliveries := 0
	var secondID uint64
	bus.Subscribe("t", func(eventbus.Envelope) error {
		bus.Unsubscribe(secondID)
		return nil
	})
	secondID = bus.Subscribe("t", func(eventbus.Envelope) error {
		secondDeliveries++
		return nil
	})

	bus.Publish("t", nil)
	if secondDeliveries != 1 {
		t.Fatalf("entry unsubscribed mid-delivery must still receive the in-flight message once, got %d", secondDeliveries)
	}

	bus.Publish("t", nil)
	if secondDeliveries != 1 {
		t.Fatalf("subsequent publishes must skip the removed entry, got %d deliveries", secondDeliveries)
	}
}

func TestBusReentrantPublishCompletesBeforeOuterResumes(t *testing.T) {
	bus := eventbus.New()

	var order []string
	bus.Subscribe("inner", func(eventbus.Envelope) error {
		order = append(order, "inner")
		return nil
	})
	bus.Subscribe("outer", func(eventbus.Envelope) error {
		order = append(order, "outer-first")
		bus.Publish("inner", nil)
		return nil
	})
	bus.Subscribe("outer", func(eventbus.Envelope) error {
		order = append(order, "outer-second")
		return nil
	})

	bus.Publish("outer", nil)

	want := []string{"outer-first", "inner", "outer-second"}
	if len(order) != len(want) {
		t.Fatalf("unexpected dispatch order %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("dispatch order %v, want %v", order, want)
		}
	}
}

func TestBusPublishWithoutSubscribersDoesNotGrowTopicTable(t *testing.T) {
	bus := eventbus.New()

	for i := 0; i < 100; i++ {
		bus.Publish("nobody.home", i)
	}
	if topics := bus.Topics(); len(topics) != 0 {
		t.Fatalf("expected empty topic table, got %v", topics)
	}
}

func TestBusTopicsListsActiveSubscriptions(t *testing.T) {
	bus := eventbus.New()

	id := bus.Subscribe("b.topic", func(eventbus.Envelope) error { return nil })
	bus.Subscribe("a.topic", func(eventbus.Envelope) error { return nil })

	topics := bus.Topics()
	if len(topics) != 2 || topics[0] != "a.topic" || topics[1] != "b.topic" {
		t.Fatalf("unexpected topics %v", topics)
	}

	bus.Unsubscribe(id)
	topics = bus.Topics()
	if len(topics) != 1 || topics[0] != "a.topic" {
		t.Fatalf("expected empty topics to be pruned, got %v", topics)
	}
}

func TestBusSubscribeUnsubscribeRoundTrip(t *testing.T) {
	bus := eventbus.New()

	delivered := 0
	id := bus.Subscribe("t", func(eventbus.Envelope) error {
		delivered++
		return nil
	})
	bus.Unsubscribe(id)
	bus.Publish("t", nil)

	if delivered != 0 {
		t.Fatalf("subscribe-then-unsubscribe must yield no deliveries, got %d", delivered)
	}
}

func TestBusConcurrentPublishSubscribe(t *testing.T) {
	bus := quietBus()

	var mu sync.Mutex
	received := 0
	bus.Subscribe("t", func(eventbus.Envelope) error {
		mu.Lock()
		received++
		mu.Unlock()
		return nil
	})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				bus.Publish("t", i)
				id := bus.Subscribe("other", func(eventbus.Envelope) error { return nil })
				bus.Unsubscribe(id)
			}
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if received != 800 {
		t.Fatalf("expected 800 deliveries, got %d", received)
	}
}

func TestBusShutdownStopsDelivery(t *testing.T) {
	bus := eventbus.New()

	delivered := 0
	bus.Subscribe("t", func(eventbus.Envelope) error {
		delivered++
		return nil
	})

	bus.Shutdown()
	bus.Publish("t", nil)

	if delivered != 0 {
		t.Fatal("publish after shutdown must be a no-op")
	}
	if topics := bus.Topics(); len(topics) != 0 {
		t.Fatalf("expected routing tables to be emptied, got %v", topics)
	}
}
