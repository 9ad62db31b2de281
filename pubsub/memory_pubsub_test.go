package pubsub

import (
	"context"
	"testing"
	"time"
)

type greeting struct {
	Text string `json:"text"`
}

func TestMemoryPublishSubscribe(t *testing.T) {
	t.Parallel()

	b := New()
	defer b.Close()

	ctx := context.Background()
	got := make(chan greeting, 1)
	_, err := b.Subscribe(ctx, "hello", func(_ context.Context, msg *Message) {
		var g greeting
		if err := msg.Decode(&g); err != nil {
			t.Errorf("decode: %v", err)
			return
		}
		got <- g
	})
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	msg, err := NewMessage("hello", greeting{Text: "hi"})
	if err != nil {
		t.Fatalf("NewMessage: %v", err)
	}
	if err := b.Publish(ctx, "hello", msg); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	select {
	case g := <-got:
		if g.Text != "hi" {
			t.Fatalf("unexpected payload %+v", g)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("message not delivered")
	}
}

func TestMemoryUnsubscribeStopsDelivery(t *testing.T) {
	t.Parallel()

	b := New()
	defer b.Close()

	ctx := context.Background()
	got := make(chan struct{}, 1)
	id, err := b.Subscribe(ctx, "t", func(context.Context, *Message) { got <- struct{}{} })
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := b.Unsubscribe(ctx, id); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if err := b.Emit(ctx, "t", greeting{}); err != nil {
		t.Fatalf("Emit: %v", err)
	}

	select {
	case <-got:
		t.Fatal("handler ran after unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestTryPublishDropsWhenFull(t *testing.T) {
	t.Parallel()

	ps := NewMemoryPubSub()
	defer ps.Close()

	ctx := context.Background()
	release := make(chan struct{})
	_, err := ps.Subscribe(ctx, "slow", func(context.Context, *Message) { <-release }, WithQueueSize(1))
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer close(release)

	for i := 0; i < 5; i++ {
		msg, _ := NewMessage("slow", i)
		if err := ps.TryPublish(ctx, "slow", msg); err != nil {
			t.Fatalf("TryPublish returned %v, want nil", err)
		}
	}
}

func TestClosedBrokerRejectsPublish(t *testing.T) {
	t.Parallel()

	b := New()
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := b.Emit(context.Background(), "t", 1); err == nil {
		t.Fatal("expected error after close")
	}
}
