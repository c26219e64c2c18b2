package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nimbusworks/taskpipe/internal/config"
	"github.com/nimbusworks/taskpipe/internal/logging"
)

// RedisQueue 基于三个结构实现至少一次投递：
//   ready    list  — 待消费消息 (LPUSH，出队用 Lua 原子转移)
//   delayed  zset  — 退避重投，score 为到期时间
//   inflight zset  — 已出队未确认，score 为可见性截止时间
// 出队通过 Lua 把消息从 ready 弹出并同时写入 inflight，消费者任意时刻
// 崩溃消息都还在某个结构里。reaper 协程周期性地把到期的 delayed /
// 过期的 inflight 成员搬回 ready。
type RedisQueue struct {
	client redis.UniversalClient
	cfg    config.QueueConfig

	readyKey    string
	delayedKey  string
	inflightKey string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRedisClient(cfg config.RedisConfig) (redis.UniversalClient, error) {
	if len(cfg.Addresses) == 0 {
		return nil, fmt.Errorf("redis addresses empty")
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addresses,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

func NewRedisQueue(client redis.UniversalClient, cfg config.QueueConfig) *RedisQueue {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "taskpipe"
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	if cfg.ReapInterval <= 0 {
		cfg.ReapInterval = time.Second
	}
	return &RedisQueue{
		client:      client,
		cfg:         cfg,
		readyKey:    cfg.KeyPrefix + ":queue:ready",
		delayedKey:  cfg.KeyPrefix + ":queue:delayed",
		inflightKey: cfg.KeyPrefix + ":queue:inflight",
	}
}

// Start launches the reaper loop.
func (q *RedisQueue) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ticker := time.NewTicker(q.cfg.ReapInterval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				if err := q.reap(loopCtx); err != nil && !errors.Is(err, context.Canceled) {
					logging.Warn(loopCtx, "queue reap failed", zap.Error(err))
				}
			}
		}
	}()
	return nil
}

func (q *RedisQueue) Stop(ctx context.Context) error {
	if q.cancel != nil {
		q.cancel()
	}
	q.wg.Wait()
	return nil
}

func (q *RedisQueue) Publish(ctx context.Context, submitKey string) error {
	env := JobEnvelope{
		ID:         uuid.NewString(),
		SubmitKey:  submitKey,
		Attempt:    1,
		EnqueuedAt: time.Now().Unix(),
	}
	b, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return q.client.LPush(ctx, q.readyKey, string(b)).Err()
}

// claimScript pops the next ready message and records it inflight in one
// atomic step, so a consumer crash can never leave a message in neither
// structure.
const claimScript = `local msg = redis.call("rpop", KEYS[1])
if not msg then
	return false
end
redis.call("zadd", KEYS[2], ARGV[1], msg)
return msg`

const dequeuePoll = 200 * time.Millisecond

func (q *RedisQueue) Dequeue(ctx context.Context) (*JobEnvelope, error) {
	for {
		deadline := strconv.FormatInt(time.Now().Add(q.cfg.VisibilityTimeout).Unix(), 10)
		res, err := q.client.Eval(ctx, claimScript, []string{q.readyKey, q.inflightKey}, deadline).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if err == nil {
			raw, _ := res.(string)
			var env JobEnvelope
			if err := json.Unmarshal([]byte(raw), &env); err != nil {
				logging.Warn(ctx, "dropping malformed queue message", zap.String("raw", raw))
				_ = q.client.ZRem(ctx, q.inflightKey, raw).Err()
				continue
			}
			env.raw = raw
			return &env, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(dequeuePoll):
		}
	}
}

func (q *RedisQueue) Ack(ctx context.Context, env *JobEnvelope) error {
	if env == nil || env.raw == "" {
		return nil
	}
	return q.client.ZRem(ctx, q.inflightKey, env.raw).Err()
}

func (q *RedisQueue) Retry(ctx context.Context, env *JobEnvelope, delay time.Duration) error {
	if env == nil {
		return nil
	}
	return q.reschedule(ctx, env, delay, env.Attempt+1)
}

func (q *RedisQueue) Requeue(ctx context.Context, env *JobEnvelope, delay time.Duration) error {
	if env == nil {
		return nil
	}
	return q.reschedule(ctx, env, delay, env.Attempt)
}

func (q *RedisQueue) reschedule(ctx context.Context, env *JobEnvelope, delay time.Duration, attempt int) error {
	next := JobEnvelope{
		ID:         env.ID,
		SubmitKey:  env.SubmitKey,
		Attempt:    attempt,
		EnqueuedAt: env.EnqueuedAt,
	}
	b, err := json.Marshal(next)
	if err != nil {
		return err
	}
	due := float64(time.Now().Add(delay).Unix())
	pipe := q.client.TxPipeline()
	if env.raw != "" {
		pipe.ZRem(ctx, q.inflightKey, env.raw)
	}
	pipe.ZAdd(ctx, q.delayedKey, redis.Z{Score: due, Member: string(b)})
	_, err = pipe.Exec(ctx)
	return err
}

// reap promotes due delayed messages and requeues inflight messages whose
// visibility deadline passed (consumer crashed or stalled).
func (q *RedisQueue) reap(ctx context.Context) error {
	now := strconv.FormatInt(time.Now().Unix(), 10)
	for _, key := range []string{q.delayedKey, q.inflightKey} {
		members, err := q.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: "-inf", Max: now, Count: 128,
		}).Result()
		if err != nil {
			return err
		}
		for _, m := range members {
			// only the remover of the zset member may requeue it, so two
			// reapers never duplicate a message
			removed, err := q.client.ZRem(ctx, key, m).Result()
			if err != nil {
				return err
			}
			if removed == 1 {
				if err := q.client.LPush(ctx, q.readyKey, m).Err(); err != nil {
					return err
				}
			}
		}
	}
	return nil
}
