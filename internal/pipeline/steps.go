package pipeline

import (
	"context"

	"go.uber.org/zap"

	"github.com/nimbusworks/taskpipe/internal/consts"
	"github.com/nimbusworks/taskpipe/internal/gateway"
	"github.com/nimbusworks/taskpipe/internal/logging"
	"github.com/nimbusworks/taskpipe/internal/model"
)

// step 是流水线中一个有序的工作单元。run 对同一 submit key 可安全重入：
// 上游以确定性命名 / 先查后建实现幂等。
type step struct {
	name consts.StepName
	run  func(ctx context.Context, r *pipelineRun) error
}

// pipelineRun carries the per-execution state across steps. files and ref are
// rebuilt lazily after a resume; both derivations are idempotent.
type pipelineRun struct {
	sub   *model.Submission
	files map[string]string
	ref   *gateway.ArtifactRef
}

func (r *pipelineRun) ensureFiles() map[string]string {
	if r.files == nil {
		r.files = ProjectFiles(r.sub)
	}
	return r.files
}

// steps returns the fixed, ordered pipeline. The executor persists the cursor
// after each completed step, so redelivery resumes at the first incomplete one.
func (e *Executor) steps() []step {
	return []step{
		{name: consts.StepGenerateProject, run: e.stepGenerateProject},
		{name: consts.StepCreateRepo, run: e.stepCreateRepo},
		{name: consts.StepPushCommit, run: e.stepPushCommit},
		{name: consts.StepEnablePages, run: e.stepEnablePages},
		{name: consts.StepNotifyEvaluator, run: e.stepNotifyEvaluator},
	}
}

func (e *Executor) stepGenerateProject(ctx context.Context, r *pipelineRun) error {
	r.ensureFiles()
	return nil
}

// ensureRef rebuilds the artifact ref after a resume. EnsureArtifact is
// create-or-reuse, so calling it again converges on the repo the earlier
// delivery created.
func (e *Executor) ensureRef(ctx context.Context, r *pipelineRun) error {
	if r.ref != nil {
		return nil
	}
	ref, err := e.publisher.EnsureArtifact(ctx, ArtifactName(r.sub), "Auto-generated project for task "+r.sub.TaskName)
	if err != nil {
		return err
	}
	r.ref = ref
	return nil
}

func (e *Executor) stepCreateRepo(ctx context.Context, r *pipelineRun) error {
	if e.publisher == nil {
		// no hosting credential configured: repo steps are skipped and the
		// pipeline still succeeds with a null artifact result
		logging.Info(ctx, "no repo credential, skipping artifact creation", zap.String("key", r.sub.SubmitKey))
		return nil
	}
	if err := e.ensureRef(ctx, r); err != nil {
		return err
	}
	r.sub.RepoURL = r.ref.HTMLURL
	return nil
}

func (e *Executor) stepPushCommit(ctx context.Context, r *pipelineRun) error {
	if e.publisher == nil || r.sub.RepoURL == "" {
		return nil
	}
	if err := e.ensureRef(ctx, r); err != nil {
		return err
	}
	sha, err := e.publisher.PushContent(ctx, r.ref, r.ensureFiles())
	if err != nil {
		return err
	}
	r.sub.CommitSHA = sha
	return nil
}

func (e *Executor) stepEnablePages(ctx context.Context, r *pipelineRun) error {
	if e.publisher == nil || r.sub.RepoURL == "" {
		return nil
	}
	if err := e.ensureRef(ctx, r); err != nil {
		return err
	}
	pagesURL, err := e.publisher.Publish(ctx, r.ref)
	if err != nil {
		return err
	}
	r.sub.PagesURL = pagesURL
	return nil
}

func (e *Executor) stepNotifyEvaluator(ctx context.Context, r *pipelineRun) error {
	if r.sub.Notified == 1 {
		// marker survives a partial failure after delivery; never notify twice
		return nil
	}
	if r.sub.EvaluationURL == "" {
		logging.Info(ctx, "no evaluation url, skipping notification", zap.String("key", r.sub.SubmitKey))
		return nil
	}
	payload := gateway.NotifyPayload{
		Subject:   r.sub.Subject,
		Task:      r.sub.TaskName,
		Round:     r.sub.Round,
		SubmitKey: r.sub.SubmitKey,
		RepoURL:   r.sub.RepoURL,
		CommitSHA: r.sub.CommitSHA,
		PagesURL:  r.sub.PagesURL,
	}
	if err := e.notifier.Notify(ctx, r.sub.EvaluationURL, payload); err != nil {
		return err
	}
	r.sub.Notified = 1
	return nil
}
