package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryQueue is a single-process JobQueue used by tests and dev mode.
// Delivery semantics match the redis queue: at-least-once, delayed retry.
type MemoryQueue struct {
	mu     sync.Mutex
	ch     chan *JobEnvelope
	done   chan struct{}
	closed bool
	timers []*time.Timer
}

func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 1024
	}
	return &MemoryQueue{
		ch:   make(chan *JobEnvelope, buffer),
		done: make(chan struct{}),
	}
}

func (q *MemoryQueue) Publish(ctx context.Context, submitKey string) error {
	env := &JobEnvelope{
		ID:         uuid.NewString(),
		SubmitKey:  submitKey,
		Attempt:    1,
		EnqueuedAt: time.Now().Unix(),
	}
	return q.push(env)
}

func (q *MemoryQueue) Dequeue(ctx context.Context) (*JobEnvelope, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-q.done:
		return nil, ErrClosed
	case env := <-q.ch:
		return env, nil
	}
}

func (q *MemoryQueue) Ack(ctx context.Context, env *JobEnvelope) error { return nil }

func (q *MemoryQueue) Retry(ctx context.Context, env *JobEnvelope, delay time.Duration) error {
	return q.reschedule(env, delay, env.Attempt+1)
}

func (q *MemoryQueue) Requeue(ctx context.Context, env *JobEnvelope, delay time.Duration) error {
	return q.reschedule(env, delay, env.Attempt)
}

func (q *MemoryQueue) reschedule(env *JobEnvelope, delay time.Duration, attempt int) error {
	next := &JobEnvelope{
		ID:         env.ID,
		SubmitKey:  env.SubmitKey,
		Attempt:    attempt,
		EnqueuedAt: env.EnqueuedAt,
	}
	if delay <= 0 {
		return q.push(next)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.timers = append(q.timers, time.AfterFunc(delay, func() { _ = q.push(next) }))
	return nil
}

func (q *MemoryQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	for _, t := range q.timers {
		t.Stop()
	}
	// the buffered channel is never closed; senders and receivers observe
	// shutdown through done, so a blocked push cannot deadlock Close or
	// panic on a closed channel
	close(q.done)
}

func (q *MemoryQueue) push(env *JobEnvelope) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	q.mu.Unlock()
	select {
	case q.ch <- env:
		return nil
	case <-q.done:
		return ErrClosed
	}
}
