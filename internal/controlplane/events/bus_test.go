package events

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("r1")
	defer cancel()

	bus.Publish(Event{Type: TypeStep, RunID: "r1", Payload: map[string]any{"name": "s1"}})
	bus.Publish(Event{Type: TypeDone, RunID: "r1"})

	select {
	case ev := <-ch:
		if ev.Type != TypeStep || ev.Payload["name"] != "s1" {
			t.Errorf("ev = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no step event")
	}
	select {
	case ev := <-ch:
		if ev.Type != TypeDone {
			t.Errorf("ev = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no done event")
	}
}

func TestRunIsolation(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe("r1")
	defer cancel()

	bus.Publish(Event{Type: TypeStep, RunID: "r2"})
	select {
	case ev := <-ch:
		t.Errorf("leaked event %+v", ev)
	default:
	}
}

func TestCancelRemovesSubscriber(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe("r1")
	if bus.Subscribers("r1") != 1 {
		t.Fatalf("subscribers = %d", bus.Subscribers("r1"))
	}
	cancel()
	cancel() // idempotent
	if bus.Subscribers("r1") != 0 {
		t.Errorf("subscribers = %d", bus.Subscribers("r1"))
	}
}

func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus()
	_, cancel := bus.Subscribe("r1")
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriberBuffer*2; i++ {
			bus.Publish(Event{Type: TypeStep, RunID: "r1"})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
}
