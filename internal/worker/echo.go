package worker

import (
	"context"
	"sort"

	"agentmarket/internal/execution"
)

// Echo 原样返回任务描述，用于联调和测试。只暴露密钥名称，不暴露密钥值。
type Echo struct{}

// Run 实现 execution.Worker。
func (Echo) Run(ctx context.Context, job execution.Job) (*execution.Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(job.Secrets))
	for name := range job.Secrets {
		names = append(names, name)
	}
	sort.Strings(names)
	return &execution.Result{
		Data: map[string]any{
			"task_description": job.Description,
			"context":          job.Context,
			"secret_names":     names,
		},
		ToolsUsed: []string{"echo"},
	}, nil
}

var _ execution.Worker = Echo{}
