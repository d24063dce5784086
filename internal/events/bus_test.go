package events

import (
	"testing"
)

func TestBusDeliversInSubscriptionOrder(t *testing.T) {
	b := NewBus()
	var got []int

	b.Subscribe("s1", KindRecommendation, func(any) { got = append(got, 1) })
	b.Subscribe("s1", KindRecommendation, func(any) { got = append(got, 2) })
	b.Subscribe("s1", KindRecommendation, func(any) { got = append(got, 3) })

	b.Publish("s1", KindRecommendation, "payload")

	if len(got) != 3 {
		t.Fatalf("delivered to %d handlers, want 3", len(got))
	}
	for i, v := range got {
		if v != i+1 {
			t.Fatalf("delivery order = %v, want [1 2 3]", got)
		}
	}
}

func TestBusScopesByTopicAndKind(t *testing.T) {
	b := NewBus()
	var hits int

	b.Subscribe("s1", KindRecommendation, func(any) { hits++ })

	b.Publish("s2", KindRecommendation, nil)
	b.Publish("s1", KindDecision, nil)
	if hits != 0 {
		t.Fatalf("hits = %d after unrelated publishes, want 0", hits)
	}

	b.Publish("s1", KindRecommendation, nil)
	if hits != 1 {
		t.Fatalf("hits = %d, want 1", hits)
	}
}

func TestBusNoBufferingForLateSubscribers(t *testing.T) {
	b := NewBus()
	b.Publish("s1", KindRecommendation, "early")

	var hits int
	b.Subscribe("s1", KindRecommendation, func(any) { hits++ })
	if hits != 0 {
		t.Fatalf("late subscriber saw %d past publishes, want 0", hits)
	}
}

func TestBusPanickingHandlerDoesNotStopDelivery(t *testing.T) {
	b := NewBus()
	var after bool

	b.Subscribe("s1", KindDecision, func(any) { panic("boom") })
	b.Subscribe("s1", KindDecision, func(any) { after = true })

	b.Publish("s1", KindDecision, nil)
	if !after {
		t.Fatalf("handler after panicking one did not run")
	}
}

func TestBusUnsubscribeIsIdempotent(t *testing.T) {
	b := NewBus()
	var hits int

	unsub := b.Subscribe("s1", KindUsage, func(any) { hits++ })
	other := b.Subscribe("s1", KindUsage, func(any) { hits++ })

	unsub()
	unsub()

	b.Publish("s1", KindUsage, nil)
	if hits != 1 {
		t.Fatalf("hits = %d after unsubscribe, want 1", hits)
	}
	if n := b.SubscriberCount("s1", KindUsage); n != 1 {
		t.Fatalf("SubscriberCount = %d, want 1", n)
	}
	other()
	if n := b.SubscriberCount("s1", KindUsage); n != 0 {
		t.Fatalf("SubscriberCount after full unsubscribe = %d, want 0", n)
	}
}
