package realtime

import (
	"testing"
)

func drain(sub *Subscriber) []Event {
	var out []Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func TestPublishReachesOnlySubscribers(t *testing.T) {
	hub := NewHub(8, nil)
	hub.Start()

	user := hub.NewSubscriber()
	op := hub.NewSubscriber()
	hub.Subscribe(user, SessionChannel("s1"))
	hub.Subscribe(op, SessionChannel("s1"))
	hub.Subscribe(op, DashboardChannel)

	hub.Publish(SessionChannel("s1"), "message_sent", map[string]string{"content": "hi"})
	hub.Publish(DashboardChannel, "chat_assigned", nil)
	hub.Publish(SessionChannel("s2"), "message_sent", nil)

	if got := drain(user); len(got) != 1 || got[0].Type != "message_sent" {
		t.Fatalf("user got %+v", got)
	}
	got := drain(op)
	if len(got) != 2 || got[0].Channel != "session:s1" || got[1].Channel != DashboardChannel {
		t.Fatalf("operator got %+v", got)
	}
}

func TestPublishPreservesOrder(t *testing.T) {
	hub := NewHub(128, nil)
	hub.Start()
	sub := hub.NewSubscriber()
	hub.Subscribe(sub, SessionChannel("s"))

	for i := 0; i < 100; i++ {
		hub.Publish(SessionChannel("s"), "message_sent", i)
	}
	got := drain(sub)
	if len(got) != 100 {
		t.Fatalf("got %d events", len(got))
	}
	for i, ev := range got {
		if ev.Data.(int) != i {
			t.Fatalf("event %d carries %v", i, ev.Data)
		}
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	hub := NewHub(2, nil)
	hub.Start()
	sub := hub.NewSubscriber()
	hub.Subscribe(sub, DashboardChannel)

	for i := 0; i < 5; i++ {
		hub.Publish(DashboardChannel, "message_received", i)
	}
	if got := drain(sub); len(got) != 2 {
		t.Fatalf("expected queue capped at 2, got %d", len(got))
	}
}

func TestUnsubscribeAndRemove(t *testing.T) {
	hub := NewHub(8, nil)
	hub.Start()
	sub := hub.NewSubscriber()
	hub.Subscribe(sub, SessionChannel("a"))
	hub.Subscribe(sub, SessionChannel("b"))

	hub.Unsubscribe(sub, SessionChannel("a"))
	if hub.Subscribers(SessionChannel("a")) != 0 {
		t.Fatal("still subscribed to a")
	}
	if chans := hub.Channels(sub); len(chans) != 1 || chans[0] != SessionChannel("b") {
		t.Fatalf("channels = %v", chans)
	}

	hub.Remove(sub)
	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected closed queue after Remove")
	}
	if hub.Subscribe(sub, SessionChannel("c")) {
		t.Fatal("removed subscriber must not resubscribe")
	}
	// publishing after removal must not panic
	hub.Publish(SessionChannel("b"), "chat_closed", nil)
	hub.Send(sub, "error", nil)
}

func TestStopClosesSubscribers(t *testing.T) {
	hub := NewHub(8, nil)
	if hub.NewSubscriber() != nil {
		t.Fatal("stopped hub must not accept subscribers")
	}
	hub.Start()
	sub := hub.NewSubscriber()
	hub.Subscribe(sub, DashboardChannel)
	hub.Stop()

	if _, ok := <-sub.Events(); ok {
		t.Fatal("expected closed queue after Stop")
	}
	if hub.Subscribers(DashboardChannel) != 0 {
		t.Fatal("dashboard still has members")
	}
	if hub.NewSubscriber() != nil {
		t.Fatal("hub accepted a subscriber after Stop")
	}
}
