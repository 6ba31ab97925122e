package bus

import (
	"sync"
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicSessionEvent)
	defer b.Unsubscribe(sub)

	b.Publish(TopicSessionEvent, "payload")

	select {
	case ev := <-sub.Ch():
		if ev.Topic != TopicSessionEvent {
			t.Fatalf("topic = %q, want %q", ev.Topic, TopicSessionEvent)
		}
		if ev.Payload != "payload" {
			t.Fatalf("payload = %v, want %q", ev.Payload, "payload")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_PrefixMatching(t *testing.T) {
	b := New()

	sessionSub := b.Subscribe("session.")
	defer b.Unsubscribe(sessionSub)
	allSub := b.Subscribe("")
	defer b.Unsubscribe(allSub)

	b.Publish(TopicSessionCreated, "s1")
	b.Publish("system.status", "ok")

	select {
	case ev := <-sessionSub.Ch():
		if ev.Topic != TopicSessionCreated {
			t.Fatalf("topic = %q, want %q", ev.Topic, TopicSessionCreated)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for session event")
	}

	select {
	case ev := <-sessionSub.Ch():
		t.Fatalf("unexpected event on session subscriber: %v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	received := 0
	for i := 0; i < 2; i++ {
		select {
		case <-allSub.Ch():
			received++
		case <-time.After(time.Second):
			t.Fatal("timeout waiting on catch-all subscriber")
		}
	}
	if received != 2 {
		t.Fatalf("catch-all received %d events, want 2", received)
	}
}

func TestBus_NonBlockingDropsWhenFull(t *testing.T) {
	b := New()
	sub := b.Subscribe(TopicSessionEvent)
	defer b.Unsubscribe(sub)

	// Publish past the buffer without draining; Publish must not block.
	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultBufferSize*2; i++ {
			b.Publish(TopicSessionEvent, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}

	drained := 0
	for {
		select {
		case <-sub.Ch():
			drained++
			continue
		default:
		}
		break
	}
	if drained != defaultBufferSize {
		t.Fatalf("drained %d events, want buffer size %d (overflow dropped)", drained, defaultBufferSize)
	}
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	b.Unsubscribe(sub)

	if _, ok := <-sub.Ch(); ok {
		t.Fatal("channel still open after Unsubscribe")
	}
	if n := b.SubscriberCount(); n != 0 {
		t.Fatalf("subscriber count = %d, want 0", n)
	}
	// Double unsubscribe is a no-op.
	b.Unsubscribe(sub)
}

func TestBus_ConcurrentPublish(t *testing.T) {
	b := New()
	sub := b.Subscribe("")
	defer b.Unsubscribe(sub)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				b.Publish(TopicSessionEvent, j)
			}
		}()
	}
	wg.Wait()

	received := 0
	for {
		select {
		case <-sub.Ch():
			received++
			continue
		default:
		}
		break
	}
	if received != 50 {
		t.Fatalf("received %d events, want 50", received)
	}
}
