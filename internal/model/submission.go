package model

import (
	"time"

	"github.com/nimbusworks/taskpipe/internal/consts"
)

// Submission 描述一次去重后的提交及其流水线进度。SubmitKey 为调用方提供的
// 幂等键，唯一索引保证并发创建只有一个赢家。Version 为乐观锁版本（更新时 +1）。
type Submission struct {
	ID            int64                   // 主键 ID
	SubmitKey     string                  // 幂等键，唯一，创建后不可变
	Subject       string                  // 提交主体（邮箱等标识）
	TaskName      string                  // 任务名称
	Round         int                     // 任务轮次
	Brief         string                  // 任务简述，用于生成项目内容
	EvaluationURL string                  // 评估方回调地址
	Status        consts.SubmissionStatus // ACCEPTED / RUNNING / SUCCEEDED / FAILED
	StepCursor    int                     // 已完成的最后一个步骤下标 +1，即下一个待执行步骤
	Attempts      int                     // 队列投递次数（含重试）
	RepoURL       string                  // 创建的仓库地址，成功后非空（无凭证时为空）
	CommitSHA     string                  // 推送提交的 SHA
	PagesURL      string                  // 公开访问地址
	Notified      int                     // 评估方通知标记：0 未通知，1 已通知
	FailureReason string                  // 永久失败原因摘要
	Version       int                     // 乐观锁版本
	CreatedAt     time.Time               // 创建时间
	UpdatedAt     time.Time               // 最近更新时间
}

func (Submission) TableName() string { return "submissions" }

// Result 汇总成功后的产物位置。仓库步骤被跳过时所有字段为空。
type Result struct {
	RepoURL   string `json:"repo_url,omitempty"`
	CommitSHA string `json:"commit_sha,omitempty"`
	PagesURL  string `json:"pages_url,omitempty"`
}

// View 是对外可见的提交视图：调用方只能看到状态与摘要结果，
// 不暴露网关原始错误文本。
type View struct {
	SubmitKey     string                  `json:"key"`
	TaskName      string                  `json:"task"`
	Status        consts.SubmissionStatus `json:"status"`
	Result        *Result                 `json:"result,omitempty"`
	FailureReason string                  `json:"failure_reason,omitempty"`
	CreatedAt     time.Time               `json:"created_at"`
	UpdatedAt     time.Time               `json:"updated_at"`
}

// ViewOf projects a Submission into its caller-visible view.
func ViewOf(s *Submission) View {
	v := View{
		SubmitKey: s.SubmitKey,
		TaskName:  s.TaskName,
		Status:    s.Status,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
	switch s.Status {
	case consts.Succeeded:
		v.Result = &Result{RepoURL: s.RepoURL, CommitSHA: s.CommitSHA, PagesURL: s.PagesURL}
	case consts.Failed:
		v.FailureReason = s.FailureReason
	}
	return v
}
