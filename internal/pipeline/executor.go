package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nimbusworks/taskpipe/internal/config"
	"github.com/nimbusworks/taskpipe/internal/consts"
	"github.com/nimbusworks/taskpipe/internal/dao"
	"github.com/nimbusworks/taskpipe/internal/gateway"
	"github.com/nimbusworks/taskpipe/internal/logging"
	"github.com/nimbusworks/taskpipe/internal/metrics"
	"github.com/nimbusworks/taskpipe/internal/model"
	"github.com/nimbusworks/taskpipe/internal/queue"
)

// Executor 消费 JobQueue 并推进每个提交的状态机：
// ACCEPTED → RUNNING → SUCCEEDED / FAILED。
// 每个 submit key 通过租约串行执行；不同 key 由 worker 池并行处理。
// 每步完成后持久化 step_cursor，重投从第一个未完成步骤继续。
type Executor struct {
	cfg       config.PipelineConfig
	subDao    dao.SubmissionDao
	q         queue.JobQueue
	lease     queue.KeyLease
	publisher gateway.RepoPublisher // nil means repo hosting steps are skipped
	notifier  gateway.EvaluatorNotifier
	mets      *metrics.Metrics

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewExecutor(cfg config.PipelineConfig, subDao dao.SubmissionDao, q queue.JobQueue, lease queue.KeyLease, publisher gateway.RepoPublisher, notifier gateway.EvaluatorNotifier, mets *metrics.Metrics) *Executor {
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = 4
	}
	if cfg.StepTimeout <= 0 {
		cfg.StepTimeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 6
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 2 * time.Minute
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 5 * time.Minute
	}
	return &Executor{
		cfg:       cfg,
		subDao:    subDao,
		q:         q,
		lease:     lease,
		publisher: publisher,
		notifier:  notifier,
		mets:      mets,
	}
}

func (e *Executor) Start(ctx context.Context) error {
	loopCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	for i := 0; i < e.cfg.WorkerPoolSize; i++ {
		e.wg.Add(1)
		go e.worker(loopCtx, i)
	}
	logging.Info(ctx, "pipeline executor started", zap.Int("workers", e.cfg.WorkerPoolSize))
	return nil
}

func (e *Executor) Stop(ctx context.Context) error {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	return nil
}

func (e *Executor) worker(ctx context.Context, id int) {
	defer e.wg.Done()
	for {
		env, err := e.q.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrClosed) {
				return
			}
			logging.Warn(ctx, "dequeue failed", zap.Int("worker", id), zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		e.handle(ctx, env)
	}
}

// handle drives one delivery of a job message end to end.
func (e *Executor) handle(ctx context.Context, env *queue.JobEnvelope) {
	ctx = logging.WithTraceID(ctx, env.ID)

	release, ok, err := e.lease.Acquire(ctx, env.SubmitKey, e.cfg.LeaseTTL)
	if err != nil {
		logging.Warn(ctx, "lease acquire failed", zap.String("key", env.SubmitKey), zap.Error(err))
		e.requeue(ctx, env)
		return
	}
	if !ok {
		// another delivery of the same key is in flight; try again shortly
		logging.Debug(ctx, "key leased elsewhere, deferring", zap.String("key", env.SubmitKey))
		e.requeue(ctx, env)
		return
	}
	defer release()

	sub, err := e.subDao.GetByKey(ctx, env.SubmitKey)
	if err != nil {
		if errors.Is(err, dao.ErrNotFound) {
			// stale message pointing at a record that never materialized
			logging.Warn(ctx, "dropping message for unknown key", zap.String("key", env.SubmitKey))
			_ = e.q.Ack(ctx, env)
			return
		}
		e.requeue(ctx, env)
		return
	}
	_ = e.subDao.RecordAttempt(ctx, sub.ID, env.Attempt)

	if sub.Status.Terminal() {
		// redelivery after completion: acknowledge and discard
		_ = e.q.Ack(ctx, env)
		return
	}

	if sub.Status == consts.Accepted {
		moved, err := e.subDao.MarkRunning(ctx, sub)
		if err != nil {
			e.requeue(ctx, env)
			return
		}
		if !moved {
			// someone else advanced the record; re-read before proceeding
			sub, err = e.subDao.GetByKey(ctx, env.SubmitKey)
			if err != nil {
				e.requeue(ctx, env)
				return
			}
			if sub.Status.Terminal() {
				_ = e.q.Ack(ctx, env)
				return
			}
		}
	}

	r := &pipelineRun{sub: sub}
	steps := e.steps()
	for i := sub.StepCursor; i < len(steps); i++ {
		st := steps[i]
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, e.cfg.StepTimeout)
		err := st.run(stepCtx, r)
		cancel()
		e.mets.ObserveStep(st.name.String(), time.Since(start))

		if err != nil {
			e.failStep(ctx, env, sub, st.name, err)
			return
		}

		sub.StepCursor = i + 1
		last := i == len(steps)-1
		var saved bool
		var serr error
		if last {
			saved, serr = e.subDao.MarkSucceeded(ctx, sub)
		} else {
			saved, serr = e.subDao.SaveProgress(ctx, sub)
		}
		if serr != nil {
			e.requeue(ctx, env)
			return
		}
		if !saved {
			// lost the version race despite holding the lease; give the
			// redelivery a clean read
			logging.Warn(ctx, "progress save lost version race", zap.String("key", sub.SubmitKey), zap.Int("cursor", sub.StepCursor))
			e.requeue(ctx, env)
			return
		}
		logging.Info(ctx, "step completed",
			zap.String("key", sub.SubmitKey),
			zap.String("step", st.name.String()),
			zap.Int("cursor", sub.StepCursor),
		)
	}

	e.mets.IncOutcome(consts.Succeeded.String())
	logging.Info(ctx, "submission succeeded", zap.String("key", sub.SubmitKey))
	_ = e.q.Ack(ctx, env)
}

// failStep converts a step error into either a delayed redelivery (transient,
// attempts remaining) or a terminal FAILED record (permanent, or retry budget
// exhausted). The cursor is never advanced on failure.
func (e *Executor) failStep(ctx context.Context, env *queue.JobEnvelope, sub *model.Submission, stepName consts.StepName, err error) {
	transient := gateway.IsTransient(err)
	class := "permanent"
	if transient {
		class = "transient"
	}
	e.mets.IncStepFailure(stepName.String(), class)

	if transient && env.Attempt < e.cfg.MaxAttempts {
		delay := queue.BackoffDelay(env.Attempt, e.cfg.BackoffBase, e.cfg.BackoffCap)
		logging.Warn(ctx, "transient step failure, scheduling redelivery",
			zap.String("key", sub.SubmitKey),
			zap.String("step", stepName.String()),
			zap.Int("attempt", env.Attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		e.mets.IncQueueRetry()
		if rerr := e.q.Retry(ctx, env, delay); rerr != nil {
			logging.Error(ctx, "retry scheduling failed", zap.String("key", sub.SubmitKey), zap.Error(rerr))
		}
		return
	}

	reason := gateway.Reason(err)
	if transient {
		reason = reason + " (retries exhausted)"
	}
	logging.Error(ctx, "permanent step failure",
		zap.String("key", sub.SubmitKey),
		zap.String("step", stepName.String()),
		zap.String("reason", reason),
		zap.Error(err),
	)
	if _, merr := e.subDao.MarkFailed(ctx, sub, reason); merr != nil {
		// the record could not be finalized; redeliver so the failure is
		// not lost
		e.requeue(ctx, env)
		return
	}
	e.mets.IncOutcome(consts.Failed.String())
	_ = e.q.Ack(ctx, env)
}

// requeue defers the delivery without consuming the retry budget: lease
// contention and store hiccups are not step failures, so the attempt counter
// stays put and MaxAttempts still buys that many actual gateway attempts.
func (e *Executor) requeue(ctx context.Context, env *queue.JobEnvelope) {
	e.mets.IncQueueRetry()
	delay := queue.BackoffDelay(env.Attempt, e.cfg.BackoffBase, e.cfg.BackoffCap)
	if err := e.q.Requeue(ctx, env, delay); err != nil {
		logging.Error(ctx, "requeue scheduling failed", zap.String("key", env.SubmitKey), zap.Error(err))
	}
}
