package eventbus

import (
	"testing"
)

func TestPublishFanout(t *testing.T) {
	t.Parallel()

	b := New()
	a, unsubA := b.Subscribe(4)
	c, unsubC := b.Subscribe(4)
	defer unsubA()
	defer unsubC()

	b.Publish(Event{Type: PostDelivered, Data: PostEvent{PostID: 1}})

	for _, ch := range []<-chan Event{a, c} {
		e := <-ch
		if e.Type != PostDelivered || e.Time.IsZero() {
			t.Fatalf("unexpected event %+v", e)
		}
		if pe, ok := e.Data.(PostEvent); !ok || pe.PostID != 1 {
			t.Fatalf("unexpected payload %+v", e.Data)
		}
	}
}

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	t.Parallel()

	b := New()
	ch, unsub := b.Subscribe(1)
	b.Publish(Event{Type: "a"})
	b.Publish(Event{Type: "b"}) // dropped, buffer full

	if e := <-ch; e.Type != "a" {
		t.Fatalf("got %q, want a", e.Type)
	}
	unsub()
	if _, ok := <-ch; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	unsub()
	b.Publish(Event{Type: "c"})
}
