package fanout

import (
	"context"
	"testing"
	"time"
)

func TestPublishReachesOnlySubscribersOfKey(t *testing.T) {
	dispatcher := New[string, int](0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	first, cleanupFirst := dispatcher.Subscribe(ctx, "a")
	defer cleanupFirst()
	second, cleanupSecond := dispatcher.Subscribe(ctx, "b")
	defer cleanupSecond()

	dispatcher.Publish("a", 7)

	select {
	case value := <-first:
		if value != 7 {
			t.Fatalf("expected 7, got %d", value)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected message for subscribed key")
	}
	select {
	case value := <-second:
		t.Fatalf("did not expect message for other key, got %d", value)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPublishDropsForFullSubscriber(t *testing.T) {
	dispatcher := New[string, int](1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "a")
	defer cleanup()

	done := make(chan struct{})
	go func() {
		dispatcher.Publish("a", 1)
		dispatcher.Publish("a", 2)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	if value := <-stream; value != 1 {
		t.Fatalf("expected first message to be kept, got %d", value)
	}
}

func TestZeroKeyYieldsClosedStream(t *testing.T) {
	dispatcher := New[string, int](0)
	stream, cleanup := dispatcher.Subscribe(context.Background(), "")
	defer cleanup()
	if _, ok := <-stream; ok {
		t.Fatal("expected closed stream")
	}
}

func TestCleanupIsIdempotent(t *testing.T) {
	dispatcher := New[string, int](0)
	ctx, cancel := context.WithCancel(context.Background())
	_, cleanup := dispatcher.Subscribe(ctx, "a")
	cleanup()
	cancel()
	cleanup()

	deadline := time.Now().Add(time.Second)
	for {
		dispatcher.mu.RLock()
		remaining := len(dispatcher.subscribers)
		dispatcher.mu.RUnlock()
		if remaining == 0 {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected no subscribers, got %d", remaining)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
