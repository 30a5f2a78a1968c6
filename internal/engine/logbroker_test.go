package engine

import (
	"testing"
	"time"
)

func drain(ch <-chan string) []string {
	var got []string
	for l := range ch {
		got = append(got, l)
	}
	return got
}

func TestLogBrokerDeliversInOrder(t *testing.T) {
	b := NewLogBroker()
	ch, unsub := b.Subscribe("e1")
	defer unsub()

	lines := []string{"line 1", "line 2", "line 3"}
	for _, l := range lines {
		b.Publish("e1", l)
	}
	b.Close("e1")

	got := drain(ch)
	if len(got) != len(lines) {
		t.Fatalf("got %d lines, want %d", len(got), len(lines))
	}
	for i, l := range got {
		if l != lines[i] {
			t.Errorf("line[%d] = %q, want %q", i, l, lines[i])
		}
	}
}

func TestLogBrokerMultipleSubscribers(t *testing.T) {
	b := NewLogBroker()
	ch1, unsub1 := b.Subscribe("e1")
	defer unsub1()
	ch2, unsub2 := b.Subscribe("e1")
	defer unsub2()

	b.Publish("e1", "hello")
	b.Publish("e2", "other execution")
	b.Close("e1")

	for i, ch := range []<-chan string{ch1, ch2} {
		if got := drain(ch); len(got) != 1 || got[0] != "hello" {
			t.Errorf("subscriber %d got %v, want [hello]", i+1, got)
		}
	}
}

func TestLogBrokerLateSubscriberGetsClosed(t *testing.T) {
	b := NewLogBroker()
	b.Publish("e1", "early")
	b.Close("e1")

	ch, unsub := b.Subscribe("e1")
	defer unsub()

	if _, ok := <-ch; ok {
		t.Error("late subscriber should get a closed channel")
	}
}

func TestLogBrokerUnsubscribeStopsDelivery(t *testing.T) {
	b := NewLogBroker()
	ch, unsub := b.Subscribe("e1")
	unsub()

	b.Publish("e1", "after unsub")
	b.Close("e1")

	select {
	case l, ok := <-ch:
		if ok {
			t.Errorf("got unexpected line %q after unsubscribe", l)
		}
	default:
	}
}

func TestLogBrokerDropsForSlowSubscriber(t *testing.T) {
	b := NewLogBroker()
	ch, unsub := b.Subscribe("e1")
	defer unsub()

	for range subscriberBufferSize + 10 {
		b.Publish("e1", "x")
	}
	b.Close("e1")

	if got := len(drain(ch)); got != subscriberBufferSize {
		t.Errorf("received %d lines, want %d", got, subscriberBufferSize)
	}
}

func TestLogBrokerCloseTwice(t *testing.T) {
	b := NewLogBroker()
	_, unsub := b.Subscribe("e1")
	defer unsub()

	b.Close("e1")
	b.Close("e1") // must not close a channel twice
}

func TestLogBrokerPrune(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	b := NewLogBroker()
	b.now = func() time.Time { return now }

	b.Close("old")
	_, unsub := b.Subscribe("running")
	defer unsub()

	now = now.Add(10 * time.Minute)
	b.Close("recent")

	if n := b.Prune(5 * time.Minute); n != 1 {
		t.Errorf("Prune() = %d, want 1", n)
	}
	if b.Len() != 2 {
		t.Errorf("Len() = %d, want 2 (running and recent)", b.Len())
	}

	// A pruned execution is unknown again: publishing to it is a no-op.
	b.Publish("old", "line")
}
