package control

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/toolink/cogbot/extension"
)

func TestQueueRoundTrip(t *testing.T) {
	addr := os.Getenv("COGBOT_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("COGBOT_TEST_REDIS_ADDR not set")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	defer rdb.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}

	queue := "cogbot:test:control:" + uuid.NewString()
	exec := &fakeExecutor{}
	consumer := NewConsumer(rdb, exec, WithQueue(queue), WithBlockTime(100*time.Millisecond))
	publisher := NewPublisher(rdb, WithQueue(queue), WithBlockTime(100*time.Millisecond))

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- consumer.Run(runCtx) }()

	req := NewRequest(extension.OpLoad, []extension.ID{"devtools.ping"}, "test")
	if err := publisher.Enqueue(ctx, req); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	rep, err := publisher.Await(ctx, req.ID)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if rep.RequestID != req.ID || len(rep.Items) != 1 || rep.Items[0].Outcome != "succeeded" {
		t.Fatalf("unexpected reply %+v", rep)
	}

	stop()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}
