package eventbus

import (
	"testing"
	"time"
)

func TestPublishDeliversToSubscriber(t *testing.T) {
	b := New()
	sub := b.Subscribe()

	b.Publish("generation.created", map[string]any{"id": "job-1"})

	select {
	case ev := <-sub.C:
		if ev.Type != "generation.created" {
			t.Errorf("expected generation.created, got %s", ev.Type)
		}
		if ev.Payload["id"] != "job-1" {
			t.Errorf("unexpected payload: %v", ev.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestPublishDropsWhenMailboxFull(t *testing.T) {
	b := New()
	sub := b.Subscribe()

	// Fill the mailbox beyond capacity without draining it.
	for i := 0; i < mailboxSize+5; i++ {
		b.Publish("generation.processing", map[string]any{"n": i})
	}

	count := 0
	for {
		select {
		case <-sub.C:
			count++
		default:
			if count != mailboxSize {
				t.Errorf("expected exactly %d buffered events, got %d", mailboxSize, count)
			}
			return
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	b.Unsubscribe(sub.ID)

	// Publishing after unsubscribe must not panic or block.
	b.Publish("generation.completed", map[string]any{"id": "job-1"})

	if _, ok := <-sub.C; ok {
		t.Error("expected channel to be closed after unsubscribe")
	}
}

func TestUnsubscribeIsIdempotent(t *testing.T) {
	b := New()
	sub := b.Subscribe()
	b.Unsubscribe(sub.ID)
	b.Unsubscribe(sub.ID) // must not panic on double-close
}

func TestMultipleSubscribersEachReceiveEvent(t *testing.T) {
	b := New()
	subA := b.Subscribe()
	subB := b.Subscribe()

	b.Publish("generation.failed", map[string]any{"id": "job-2"})

	for _, sub := range []*Subscription{subA, subB} {
		select {
		case ev := <-sub.C:
			if ev.Type != "generation.failed" {
				t.Errorf("expected generation.failed, got %s", ev.Type)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for event")
		}
	}
}
