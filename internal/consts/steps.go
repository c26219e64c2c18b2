package consts

// StepName 流水线步骤名称。顺序固定，见 pipeline.Steps。
type StepName string

const (
	StepGenerateProject StepName = "generate_project" // 生成项目文件内容
	StepCreateRepo      StepName = "create_repo"      // 创建（或复用）仓库
	StepPushCommit      StepName = "push_commit"      // 提交项目内容
	StepEnablePages     StepName = "enable_pages"     // 开启公开访问
	StepNotifyEvaluator StepName = "notify_evaluator" // 通知下游评估方
)

func (s StepName) String() string { return string(s) }
