package consts

// SubmissionStatus 表示提交记录的生命周期状态枚举，防止魔法字符串。
type SubmissionStatus string

const (
	Accepted  SubmissionStatus = "ACCEPTED"  // 已接收，等待流水线执行
	Running   SubmissionStatus = "RUNNING"   // 流水线执行中
	Succeeded SubmissionStatus = "SUCCEEDED" // 全部步骤成功
	Failed    SubmissionStatus = "FAILED"    // 永久失败，终态
)

func (s SubmissionStatus) String() string { return string(s) }

// Terminal reports whether the status admits no further transitions.
func (s SubmissionStatus) Terminal() bool {
	return s == Succeeded || s == Failed
}
