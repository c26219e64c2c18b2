package intake

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nimbusworks/taskpipe/internal/config"
	"github.com/nimbusworks/taskpipe/internal/consts"
	"github.com/nimbusworks/taskpipe/internal/dao"
	"github.com/nimbusworks/taskpipe/internal/logging"
	"github.com/nimbusworks/taskpipe/internal/metrics"
	"github.com/nimbusworks/taskpipe/internal/model"
	"github.com/nimbusworks/taskpipe/internal/queue"
)

var (
	// ErrUnauthorized: bad caller secret. No record is created or mutated.
	ErrUnauthorized = errors.New("invalid secret")
	// ErrInvalidRequest: missing required fields.
	ErrInvalidRequest = errors.New("invalid request")
	// ErrStoreUnavailable: intake fails closed, no partial record.
	ErrStoreUnavailable = errors.New("submission store unavailable")
)

// Request is the intake boundary payload.
type Request struct {
	SubmitKey     string
	Subject       string
	Secret        string
	TaskName      string
	Round         int
	Brief         string
	EvaluationURL string
}

// Service 负责提交准入：校验密钥、按幂等键去重、写入初始记录并投递任务。
// 每个不同的 submit key 只投递一次；重复提交返回既有记录的视图，不再入队。
type Service struct {
	cfg    config.IntakeConfig
	subDao dao.SubmissionDao
	q      queue.JobQueue
	mets   *metrics.Metrics
}

func NewService(cfg config.IntakeConfig, subDao dao.SubmissionDao, q queue.JobQueue, mets *metrics.Metrics) *Service {
	return &Service{cfg: cfg, subDao: subDao, q: q, mets: mets}
}

// Submit implements the dedup/acceptance contract. The write-then-enqueue
// order plus an idempotent executor makes the enqueue safely retryable:
// at-least-once delivery never produces a second side-effect sequence.
func (s *Service) Submit(ctx context.Context, req Request) (model.View, error) {
	if s.cfg.ExpectedSecret == "" {
		// no secret configured means nobody is authorized, not everybody
		s.mets.IncRejected()
		return model.View{}, ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(req.Secret), []byte(s.cfg.ExpectedSecret)) != 1 {
		s.mets.IncRejected()
		return model.View{}, ErrUnauthorized
	}
	if strings.TrimSpace(req.SubmitKey) == "" || strings.TrimSpace(req.Subject) == "" || strings.TrimSpace(req.TaskName) == "" {
		return model.View{}, ErrInvalidRequest
	}

	sub := &model.Submission{
		SubmitKey:     strings.TrimSpace(req.SubmitKey),
		Subject:       strings.TrimSpace(req.Subject),
		TaskName:      req.TaskName,
		Round:         req.Round,
		Brief:         req.Brief,
		EvaluationURL: req.EvaluationURL,
	}
	created, rec, err := s.subDao.CreateIfAbsent(ctx, sub)
	if err != nil {
		logging.Error(ctx, "submission create failed", zap.String("key", sub.SubmitKey), zap.Error(err))
		return model.View{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if !created {
		// duplicate key: return the existing view unchanged, whatever its
		// status; retry-of-failed is deliberately not exposed here
		s.mets.IncDuplicate()
		if rec.Status == consts.Accepted && rec.Attempts == 0 {
			// the original request may have died between write and enqueue;
			// republishing is safe because the executor is idempotent and
			// discards terminal redeliveries
			if err := s.q.Publish(ctx, rec.SubmitKey); err != nil {
				logging.Warn(ctx, "republish for undelivered key failed", zap.String("key", rec.SubmitKey), zap.Error(err))
			}
		}
		logging.Info(ctx, "duplicate submission", zap.String("key", rec.SubmitKey), zap.String("status", rec.Status.String()))
		return model.ViewOf(rec), nil
	}

	if err := s.q.Publish(ctx, rec.SubmitKey); err != nil {
		// the record exists; the enqueue is the retryable half. Surface the
		// failure so the caller retries the request, which republishes.
		logging.Error(ctx, "job publish failed", zap.String("key", rec.SubmitKey), zap.Error(err))
		return model.View{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	s.mets.IncAccepted()
	logging.Info(ctx, "submission accepted", zap.String("key", rec.SubmitKey), zap.String("task", rec.TaskName))
	return model.ViewOf(rec), nil
}

// Get returns the current view for a key.
func (s *Service) Get(ctx context.Context, key string) (model.View, error) {
	rec, err := s.subDao.GetByKey(ctx, key)
	if err != nil {
		return model.View{}, err
	}
	return model.ViewOf(rec), nil
}
