//go:build integration

package messaging

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ai-billing-api/internal/domain/entity"
	"ai-billing-api/internal/domain/service"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Fatalf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestQueue(t *testing.T, client *redis.Client, consumer string) *RedisTurnQueue {
	t.Helper()
	stream := Stream("test:" + t.Name())
	q := NewRedisTurnQueue(client, RedisQueueConfig{
		Stream:       stream,
		Partitions:   2,
		ConsumerName: consumer,
		LeaseTTL:     time.Second,
	})
	require.NoError(t, q.EnsureGroups(context.Background()))
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, "*"+string(stream)+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})
	return q
}

func TestRedisTurnQueueFIFO(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)
	q := newTestQueue(t, client, "worker-1")

	for i := 0; i < 5; i++ {
		require.NoError(t, q.Push(ctx, &entity.TurnTask{ConversationID: "conv", RequestID: fmt.Sprintf("r%d", i)}))
	}

	p := service.PartitionFor("conv", 2)
	for i := 0; i < 5; i++ {
		task, err := q.Pop(ctx, p, 100*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, fmt.Sprintf("r%d", i), task.RequestID)
		require.NoError(t, q.Ack(ctx, task))
	}

	_, err := q.Pop(ctx, p, 50*time.Millisecond)
	assert.ErrorIs(t, err, service.ErrQueueEmpty)
}

func TestRedisTurnQueueRedeliversUnackedAfterTakeover(t *testing.T) {
	ctx := context.Background()
	client := newTestRedis(t)
	first := newTestQueue(t, client, "worker-1")

	require.NoError(t, first.Push(ctx, &entity.TurnTask{ConversationID: "conv", RequestID: "r0"}))
	p := service.PartitionFor("conv", 2)

	task, err := first.Pop(ctx, p, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "r0", task.RequestID)

	// worker-1 崩溃：未 ack，租约过期后 worker-2 接管
	second := NewRedisTurnQueue(client, RedisQueueConfig{
		Stream:       first.stream,
		Partitions:   2,
		ConsumerName: "worker-2",
		LeaseTTL:     time.Second,
	})
	time.Sleep(1100 * time.Millisecond)

	again, err := second.Pop(ctx, p, 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "r0", again.RequestID)
	assert.GreaterOrEqual(t, again.RetryCount, 1)

	require.NoError(t, second.DeadLetter(ctx, again, fmt.Errorf("boom")))
	n, err := client.XLen(ctx, first.stream.DLQStream()).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
