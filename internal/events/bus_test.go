package events

import "testing"

func TestBusDeliversToSubscribedTopics(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(4, EventPositionOpened, EventPositionClosed)
	defer unsub()

	bus.Publish(EventPositionOpened, PositionOpened{Symbol: "FOOUSDT"})
	bus.Publish(EventPriceTick, PriceTick{Symbol: "FOOUSDT"})
	bus.Publish(EventPositionClosed, PositionClosed{Symbol: "FOOUSDT"})

	first := <-ch
	if first.Event != EventPositionOpened {
		t.Fatalf("event=%s, expected %s", first.Event, EventPositionOpened)
	}
	second := <-ch
	if second.Event != EventPositionClosed {
		t.Fatalf("event=%s, expected %s", second.Event, EventPositionClosed)
	}
	select {
	case env := <-ch:
		t.Fatalf("unexpected delivery %v", env)
	default:
	}
}

func TestBusDropsWhenSubscriberIsFull(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(1, EventPriceTick)
	defer unsub()

	bus.Publish(EventPriceTick, PriceTick{Close: 1})
	bus.Publish(EventPriceTick, PriceTick{Close: 2})

	env := <-ch
	if got := env.Payload.(PriceTick).Close; got != 1 {
		t.Fatalf("close=%v, expected 1", got)
	}
	if len(ch) != 0 {
		t.Fatalf("len=%d, expected 0", len(ch))
	}
}

func TestBusUnsubscribeAndClose(t *testing.T) {
	bus := NewBus()
	ch, unsub := bus.Subscribe(1, All...)
	unsub()
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel open after unsubscribe")
	}

	other, unsubOther := bus.Subscribe(1, EventStreamLost)
	bus.Close()
	bus.Close()
	unsubOther()
	if _, ok := <-other; ok {
		t.Fatal("channel open after Close")
	}
	bus.Publish(EventStreamLost, StreamLost{Stream: "x"})

	late, _ := bus.Subscribe(1, EventStreamLost)
	if _, ok := <-late; ok {
		t.Fatal("subscribe after Close returned an open channel")
	}
}
