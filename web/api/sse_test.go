package api

import "testing"

func TestSSEHubDeliversEvents(t *testing.T) {
	h := newSSEHub()
	ch := h.subscribe()

	h.broadcast(Event{Type: "validation_run", Data: "payload"})

	select {
	case e := <-ch:
		if e.Type != "validation_run" {
			t.Errorf("event type = %q", e.Type)
		}
	default:
		t.Fatal("subscriber received nothing")
	}

	h.unsubscribe(ch)
	if _, ok := <-ch; ok {
		t.Error("unsubscribed channel should be closed")
	}

	// broadcasting with no subscribers must not block or panic
	h.broadcast(Event{Type: "agent_run"})
}

func TestSSEHubDropsStalledClients(t *testing.T) {
	h := newSSEHub()
	ch := h.subscribe()

	// one past the buffer: the client never reads, so it gets dropped
	for i := 0; i <= cap(ch); i++ {
		h.broadcast(Event{Type: "validation_step"})
	}

	for i := 0; i < cap(ch); i++ {
		<-ch
	}
	if _, ok := <-ch; ok {
		t.Error("stalled client should have been dropped and closed")
	}

	// dropping it twice must be safe
	h.unsubscribe(ch)
}
