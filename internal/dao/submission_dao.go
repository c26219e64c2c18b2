package dao

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/nimbusworks/taskpipe/internal/consts"
	"github.com/nimbusworks/taskpipe/internal/model"
)

// ErrNotFound is returned when no submission exists for the given key or id.
var ErrNotFound = errors.New("submission not found")

type SubmissionDao interface {
	// CreateIfAbsent inserts the submission guarded by the unique submit_key
	// index. When another record already holds the key, created is false and
	// the winner's record is returned instead.
	CreateIfAbsent(ctx context.Context, s *model.Submission) (created bool, existing *model.Submission, err error)
	GetByKey(ctx context.Context, key string) (*model.Submission, error)
	ListByStatus(ctx context.Context, status consts.SubmissionStatus, limit int) ([]*model.Submission, error)

	// MarkRunning transitions ACCEPTED -> RUNNING under the version guard.
	// Returns false when the row moved on concurrently (lost CAS or terminal).
	MarkRunning(ctx context.Context, s *model.Submission) (bool, error)
	// SaveProgress persists step_cursor plus any step results under the
	// version guard; bumps s.Version on success.
	SaveProgress(ctx context.Context, s *model.Submission) (bool, error)
	MarkSucceeded(ctx context.Context, s *model.Submission) (bool, error)
	MarkFailed(ctx context.Context, s *model.Submission, reason string) (bool, error)
	// RecordAttempt tracks queue deliveries; not version-guarded, counters
	// only feed observability.
	RecordAttempt(ctx context.Context, id int64, attempt int) error
}

type submissionDaoImpl struct{ db *gorm.DB }

func NewSubmissionDao(db *gorm.DB) SubmissionDao { return &submissionDaoImpl{db: db} }

func (d *submissionDaoImpl) CreateIfAbsent(ctx context.Context, s *model.Submission) (bool, *model.Submission, error) {
	if s.Status == "" {
		s.Status = consts.Accepted
	}
	if s.Version == 0 {
		s.Version = 1
	}
	res := d.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "submit_key"}}, DoNothing: true}).
		Create(s)
	if res.Error != nil {
		return false, nil, res.Error
	}
	if res.RowsAffected == 1 {
		return true, s, nil
	}
	// lost the race (or key already existed): surface the winner's record
	existing, err := d.GetByKey(ctx, s.SubmitKey)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

func (d *submissionDaoImpl) GetByKey(ctx context.Context, key string) (*model.Submission, error) {
	var s model.Submission
	if err := d.db.WithContext(ctx).Where("submit_key=?", key).First(&s).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &s, nil
}

func (d *submissionDaoImpl) ListByStatus(ctx context.Context, status consts.SubmissionStatus, limit int) ([]*model.Submission, error) {
	var list []*model.Submission
	q := d.db.WithContext(ctx).Where("status=?", status).Order("id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&list).Error; err != nil {
		return nil, err
	}
	return list, nil
}

func (d *submissionDaoImpl) MarkRunning(ctx context.Context, s *model.Submission) (bool, error) {
	res := d.db.WithContext(ctx).Model(&model.Submission{}).
		Where("id=? AND version=? AND status=?", s.ID, s.Version, consts.Accepted).
		Updates(map[string]any{"status": consts.Running, "version": gorm.Expr("version+1")})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	s.Status = consts.Running
	s.Version++
	return true, nil
}

func (d *submissionDaoImpl) SaveProgress(ctx context.Context, s *model.Submission) (bool, error) {
	updates := map[string]any{
		"step_cursor": s.StepCursor,
		"repo_url":    s.RepoURL,
		"commit_sha":  s.CommitSHA,
		"pages_url":   s.PagesURL,
		"notified":    s.Notified,
		"version":     gorm.Expr("version+1"),
	}
	res := d.db.WithContext(ctx).Model(&model.Submission{}).
		Where("id=? AND version=? AND status=?", s.ID, s.Version, consts.Running).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	s.Version++
	return true, nil
}

func (d *submissionDaoImpl) MarkSucceeded(ctx context.Context, s *model.Submission) (bool, error) {
	updates := map[string]any{
		"status":      consts.Succeeded,
		"step_cursor": s.StepCursor,
		"repo_url":    s.RepoURL,
		"commit_sha":  s.CommitSHA,
		"pages_url":   s.PagesURL,
		"notified":    s.Notified,
		"version":     gorm.Expr("version+1"),
	}
	res := d.db.WithContext(ctx).Model(&model.Submission{}).
		Where("id=? AND version=? AND status=?", s.ID, s.Version, consts.Running).
		Updates(updates)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	s.Status = consts.Succeeded
	s.Version++
	return true, nil
}

func (d *submissionDaoImpl) MarkFailed(ctx context.Context, s *model.Submission, reason string) (bool, error) {
	res := d.db.WithContext(ctx).Model(&model.Submission{}).
		Where("id=? AND version=? AND status IN ?", s.ID, s.Version, []consts.SubmissionStatus{consts.Accepted, consts.Running}).
		Updates(map[string]any{"status": consts.Failed, "failure_reason": reason, "version": gorm.Expr("version+1")})
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	s.Status = consts.Failed
	s.FailureReason = reason
	s.Version++
	return true, nil
}

func (d *submissionDaoImpl) RecordAttempt(ctx context.Context, id int64, attempt int) error {
	return d.db.WithContext(ctx).Model(&model.Submission{}).
		Where("id=? AND attempts<?", id, attempt).
		Update("attempts", attempt).Error
}
