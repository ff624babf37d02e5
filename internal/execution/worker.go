package execution

import (
	"context"
	"time"
)

// Job 是交给工作单元的一次执行。
type Job struct {
	TaskID      string
	Description string
	Context     map[string]any
	Complexity  string
	Secrets     Secrets
	DeadlineAt  time.Time
}

// Result 是工作单元的产出。
type Result struct {
	Data      any
	ToolsUsed []string
}

// Worker 执行具体的任务推理。实现需要遵守 ctx 的截止时间。
type Worker interface {
	Run(ctx context.Context, job Job) (*Result, error)
}

// WorkerFunc 允许使用普通函数作为 Worker。
type WorkerFunc func(ctx context.Context, job Job) (*Result, error)

// Run 实现 Worker。
func (f WorkerFunc) Run(ctx context.Context, job Job) (*Result, error) {
	return f(ctx, job)
}
