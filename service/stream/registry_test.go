package stream

import "testing"

func TestRegistryFanOut(t *testing.T) {
	r := NewRegistry(0)
	s1 := r.Subscribe("conv-1")
	s2 := r.Subscribe("conv-1")
	defer s1.Close()
	defer s2.Close()

	if n := r.Publish("conv-1", Event{ConversationID: "conv-1", ID: "1-0", Payload: []byte("m1")}); n != 2 {
		t.Fatalf("delivered %d, want 2", n)
	}
	for _, s := range []*Subscription{s1, s2} {
		ev := <-s.C
		if ev.ID != "1-0" || string(ev.Payload) != "m1" {
			t.Fatalf("sub %d got %+v", s.ID, ev)
		}
	}
}

func TestRegistryNoSubscribers(t *testing.T) {
	r := NewRegistry(0)
	if n := r.Publish("conv-1", Event{ID: "1-0"}); n != 0 {
		t.Fatalf("delivered %d to empty conversation", n)
	}
}

func TestRegistryConversationIsolation(t *testing.T) {
	r := NewRegistry(0)
	s1 := r.Subscribe("conv-1")
	s2 := r.Subscribe("conv-2")
	defer s1.Close()
	defer s2.Close()

	r.Publish("conv-1", Event{ID: "1-0", Payload: []byte("m1")})
	select {
	case ev := <-s2.C:
		t.Fatalf("conv-2 subscriber received %+v", ev)
	default:
	}
	if len(s1.C) != 1 {
		t.Fatalf("conv-1 subscriber has %d buffered, want 1", len(s1.C))
	}
}

func TestRegistryUnsubscribe(t *testing.T) {
	r := NewRegistry(0)
	s := r.Subscribe("conv-1")
	if got := r.SubscriberCount("conv-1"); got != 1 {
		t.Fatalf("count = %d, want 1", got)
	}

	s.Close()
	if got := r.SubscriberCount("conv-1"); got != 0 {
		t.Fatalf("count after close = %d, want 0", got)
	}
	if n := r.Publish("conv-1", Event{ID: "1-0"}); n != 0 {
		t.Fatalf("delivered %d after unsubscribe", n)
	}

	// Closing twice must not panic.
	s.Close()
}

func TestRegistrySlowSubscriberKicked(t *testing.T) {
	r := NewRegistry(1)
	s := r.Subscribe("conv-1")

	if n := r.Publish("conv-1", Event{ID: "1-0", Payload: []byte("m1")}); n != 1 {
		t.Fatalf("first publish delivered %d, want 1", n)
	}
	// Buffer full and nobody draining: the subscriber is removed and its
	// channel closed instead of blocking the publisher.
	if n := r.Publish("conv-1", Event{ID: "2-0", Payload: []byte("m2")}); n != 0 {
		t.Fatalf("overflow publish delivered %d, want 0", n)
	}
	if got := r.SubscriberCount("conv-1"); got != 0 {
		t.Fatalf("count after kick = %d, want 0", got)
	}

	// The buffered event is still readable, then the close is observable.
	if ev, ok := <-s.C; !ok || ev.ID != "1-0" {
		t.Fatalf("buffered read = %+v ok=%v", ev, ok)
	}
	if _, ok := <-s.C; ok {
		t.Fatal("channel still open after kick")
	}

	// Close on a kicked subscription is a no-op.
	s.Close()
}
