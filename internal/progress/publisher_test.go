package progress

import (
	"testing"
	"time"
)

func TestPublishToKeySubscriber(t *testing.T) {
	p := NewMemoryPublisher()
	defer p.Close()

	ch := p.Subscribe("s1:alice")
	p.Publish(Event{Key: "s1:alice", Update: Update{Status: StatusProcessing}})

	select {
	case ev := <-ch:
		if ev.Update.Status != StatusProcessing {
			t.Errorf("status = %s", ev.Update.Status)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestGlobalSubscriberReceivesAll(t *testing.T) {
	p := NewMemoryPublisher()
	defer p.Close()

	global := p.Subscribe(GlobalKey)
	p.Publish(Event{Key: "s1:alice", Update: Update{Status: StatusStarting}})
	p.Publish(Event{Key: "s2:bob", Update: Update{Status: StatusStarting}})

	for i := 0; i < 2; i++ {
		select {
		case <-global:
		case <-time.After(time.Second):
			t.Fatal("global subscriber missed an event")
		}
	}
}

func TestKeySubscriberFiltered(t *testing.T) {
	p := NewMemoryPublisher()
	defer p.Close()

	ch := p.Subscribe("s1:alice")
	p.Publish(Event{Key: "s2:bob", Update: Update{Status: StatusStarting}})

	select {
	case ev := <-ch:
		t.Errorf("unexpected event for key %s", ev.Key)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestFullBufferDoesNotBlockPublish(t *testing.T) {
	p := NewMemoryPublisher(WithBufferSize(1))
	defer p.Close()

	p.Subscribe("k")

	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			p.Publish(Event{Key: "k"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on full subscriber buffer")
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	p := NewMemoryPublisher()
	defer p.Close()

	ch := p.Subscribe("k")
	p.Unsubscribe("k", ch)

	if _, open := <-ch; open {
		t.Error("channel should be closed after unsubscribe")
	}
	if p.SubscriberCount("k") != 0 {
		t.Error("subscriber not removed")
	}
}

func TestCloseTerminatesSubscribers(t *testing.T) {
	p := NewMemoryPublisher()
	ch := p.Subscribe("k")
	p.Close()

	if _, open := <-ch; open {
		t.Error("channel should be closed after Close")
	}
	// Publishing after close is a no-op.
	p.Publish(Event{Key: "k"})
}
