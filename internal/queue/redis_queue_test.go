package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/nimbusworks/taskpipe/internal/config"
)

func newTestRedisQueue(t *testing.T, cfg config.QueueConfig) (*RedisQueue, redis.UniversalClient) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQueue(client, cfg), client
}

func TestRedisQueueClaimMovesMessageAtomically(t *testing.T) {
	q, client := newTestRedisQueue(t, config.QueueConfig{KeyPrefix: "tq"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := q.Publish(ctx, "k-1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	env, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if env.SubmitKey != "k-1" || env.Attempt != 1 {
		t.Fatalf("env=%+v", env)
	}

	// the claim leaves nothing in ready and exactly the claimed raw bytes
	// inflight, so a consumer crash at any point keeps the message recoverable
	if n, _ := client.LLen(ctx, q.readyKey).Result(); n != 0 {
		t.Fatalf("ready len=%d want 0", n)
	}
	if _, err := client.ZScore(ctx, q.inflightKey, env.raw).Result(); err != nil {
		t.Fatalf("claimed message not tracked inflight: %v", err)
	}
}

func TestRedisQueueAckRemovesInflight(t *testing.T) {
	q, client := newTestRedisQueue(t, config.QueueConfig{KeyPrefix: "tq"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_ = q.Publish(ctx, "k-2")
	env, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.Ack(ctx, env); err != nil {
		t.Fatalf("ack: %v", err)
	}
	if n, _ := client.ZCard(ctx, q.inflightKey).Result(); n != 0 {
		t.Fatalf("inflight card=%d want 0 after ack", n)
	}
}

func TestRedisQueueRetryIncrementsAttemptThroughReaper(t *testing.T) {
	q, client := newTestRedisQueue(t, config.QueueConfig{KeyPrefix: "tq"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_ = q.Publish(ctx, "k-3")
	env, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.Retry(ctx, env, 0); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if n, _ := client.ZCard(ctx, q.inflightKey).Result(); n != 0 {
		t.Fatalf("retry left message inflight")
	}
	if err := q.reap(ctx); err != nil {
		t.Fatalf("reap: %v", err)
	}
	env2, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if env2.Attempt != 2 {
		t.Fatalf("attempt=%d want 2", env2.Attempt)
	}
}

func TestRedisQueueRequeueKeepsAttempt(t *testing.T) {
	q, _ := newTestRedisQueue(t, config.QueueConfig{KeyPrefix: "tq"})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_ = q.Publish(ctx, "k-4")
	env, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.Requeue(ctx, env, 0); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if err := q.reap(ctx); err != nil {
		t.Fatalf("reap: %v", err)
	}
	env2, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("redelivery: %v", err)
	}
	if env2.Attempt != env.Attempt {
		t.Fatalf("attempt=%d want unchanged %d", env2.Attempt, env.Attempt)
	}
}

func TestRedisQueueReaperRequeuesExpiredInflight(t *testing.T) {
	// immediate visibility deadline simulates a consumer that died mid-job
	q, client := newTestRedisQueue(t, config.QueueConfig{KeyPrefix: "tq", VisibilityTimeout: time.Nanosecond})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_ = q.Publish(ctx, "k-5")
	env, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("dequeue: %v", err)
	}
	if err := q.reap(ctx); err != nil {
		t.Fatalf("reap: %v", err)
	}
	if n, _ := client.ZCard(ctx, q.inflightKey).Result(); n != 0 {
		t.Fatalf("expired inflight not reclaimed")
	}
	env2, err := q.Dequeue(ctx)
	if err != nil {
		t.Fatalf("reclaimed message not dequeued: %v", err)
	}
	if env2.SubmitKey != env.SubmitKey || env2.Attempt != env.Attempt {
		t.Fatalf("reclaimed env=%+v want same delivery", env2)
	}
}

func TestRedisLeaseExclusionAndRelease(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	lease := NewRedisLease(client, "tq")
	ctx := context.Background()

	release, ok, err := lease.Acquire(ctx, "k", time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	if _, ok, _ := lease.Acquire(ctx, "k", time.Minute); ok {
		t.Fatalf("second acquire succeeded while held")
	}
	release()
	if _, ok, _ := lease.Acquire(ctx, "k", time.Minute); !ok {
		t.Fatalf("acquire after release failed")
	}
}

func TestRedisQueueDequeueHonorsContext(t *testing.T) {
	q, _ := newTestRedisQueue(t, config.QueueConfig{KeyPrefix: "tq"})
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err=%v want deadline exceeded on empty queue", err)
	}
}
