package chat_test

import (
	"io"
	"log"
	"testing"
	"time"

	"github.com/omochice/toy-messenger/internal/chat"
)

func newTestHub() *chat.Hub {
	return chat.NewHub(log.New(io.Discard, "", 0))
}

func TestHub_Subscribe(t *testing.T) {
	hub := newTestHub()
	hub.Subscribe(1)

	if got := hub.SubscriberCount(); got != 1 {
		t.Errorf("SubscriberCount() = %d, want 1", got)
	}
}

func TestHub_Subscribe_MultipleSubscribers(t *testing.T) {
	hub := newTestHub()

	subs := make([]*chat.Subscriber, 3)
	for i := range subs {
		subs[i] = hub.Subscribe(4)
	}

	if got := hub.SubscriberCount(); got != 3 {
		t.Errorf("SubscriberCount() = %d, want 3", got)
	}

	hub.Publish(chat.Event{Kind: chat.EventPeerStatus, PeerID: 7, Online: true})

	for i, s := range subs {
		select {
		case ev := <-s.Events():
			if ev.Kind != chat.EventPeerStatus || ev.PeerID != 7 || !ev.Online {
				t.Errorf("subscriber %d got %+v", i, ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d received nothing", i)
		}
	}
}

func TestHub_Unsubscribe(t *testing.T) {
	hub := newTestHub()
	s := hub.Subscribe(1)
	hub.Unsubscribe(s)

	if got := hub.SubscriberCount(); got != 0 {
		t.Errorf("SubscriberCount() = %d, want 0", got)
	}
	if _, ok := <-s.Events(); ok {
		t.Error("Events() should be closed after Unsubscribe")
	}

	// second call is a no-op
	hub.Unsubscribe(s)
}

func TestHub_PublishDoesNotBlockOnFullSubscriber(t *testing.T) {
	hub := newTestHub()
	slow := hub.Subscribe(1)
	fast := hub.Subscribe(8)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			hub.Publish(chat.Event{Kind: chat.EventMessage})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	if got := len(slow.Events()); got != 1 {
		t.Errorf("slow subscriber buffered %d events, want 1", got)
	}
	if got := len(fast.Events()); got != 5 {
		t.Errorf("fast subscriber buffered %d events, want 5", got)
	}
}

func TestHub_Close(t *testing.T) {
	hub := newTestHub()
	s := hub.Subscribe(1)
	hub.Close()

	if _, ok := <-s.Events(); ok {
		t.Error("Events() should be closed after Close")
	}

	late := hub.Subscribe(1)
	if _, ok := <-late.Events(); ok {
		t.Error("subscribing to a closed hub should yield a closed channel")
	}

	// publishing after close must not panic
	hub.Publish(chat.Event{Kind: chat.EventTyping})
	hub.Close()
}
