package queue

import (
	"context"
	"errors"
	"math/rand"
	"time"
)

// ErrClosed is returned by Dequeue once the queue has shut down.
var ErrClosed = errors.New("queue closed")

// JobEnvelope is the message carried between intake and the pipeline workers.
// It deliberately carries only a pointer back to the submission; workers
// re-read current state from the store rather than trusting queue payload,
// which tolerates redelivery and stale messages.
type JobEnvelope struct {
	ID         string `json:"id"`
	SubmitKey  string `json:"key"`
	Attempt    int    `json:"attempt"`
	EnqueuedAt int64  `json:"enqueued_at"`

	// raw holds the exact wire bytes so redis zset members can be removed
	// byte-for-byte on ack.
	raw string
}

// JobQueue is an at-least-once delivery channel. Consumers Ack on terminal
// outcome and Retry (with a delay) on transient failure; unacked messages
// become visible again after the visibility timeout.
type JobQueue interface {
	Publish(ctx context.Context, submitKey string) error
	// Dequeue blocks until a message is available or ctx is done.
	Dequeue(ctx context.Context) (*JobEnvelope, error)
	Ack(ctx context.Context, env *JobEnvelope) error
	// Retry schedules redelivery of the message after delay with an
	// incremented attempt counter.
	Retry(ctx context.Context, env *JobEnvelope, delay time.Duration) error
	// Requeue schedules redelivery without touching the attempt counter.
	// Deferrals (lease contention, store unavailability) go through here so
	// they never consume the step-failure retry budget.
	Requeue(ctx context.Context, env *JobEnvelope, delay time.Duration) error
}

// BackoffDelay computes the redelivery delay for the given attempt:
// exponential growth from base, full jitter, capped at max.
func BackoffDelay(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if max <= 0 {
		max = time.Minute
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= max {
			d = max
			break
		}
	}
	if d > max {
		d = max
	}
	// full jitter in [d/2, d]
	half := d / 2
	return half + time.Duration(rand.Int63n(int64(half)+1))
}
