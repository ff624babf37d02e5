package execution

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	xerrors "agentmarket/internal/errors"
	"agentmarket/internal/observability/alerting"
	"agentmarket/internal/queue"
	"agentmarket/pkg/logger"
)

const typeExecutionFailed = "ExecutionFailed"

// Processor 从队列消费任务 ID，在不持有任何锁的情况下运行工作单元，再推进状态机。
type Processor struct {
	machine     *Machine
	worker      Worker
	consumer    queue.Consumer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(machine *Machine, worker Worker, consumer queue.Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		machine:     machine,
		worker:      worker,
		consumer:    consumer,
		workerCount: 1,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	return p
}

// Start 启动处理循环，直到 ctx 结束。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置执行队列消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.handle)
}

func (p *Processor) handle(ctx context.Context, taskID string) error {
	if p.machine == nil || p.worker == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	rec, err := p.machine.store.Get(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrRecordNotFound) {
			p.logDebug("跳过未知任务", slog.String("task_id", taskID))
			return nil
		}
		logger.L().Error("读取执行记录失败", slog.Any("error", err), slog.String("task_id", taskID))
		return err
	}
	if rec.Status.Terminal() {
		p.logDebug("跳过已完成任务", slog.String("task_id", taskID), slog.String("status", string(rec.Status)))
		p.machine.vault.Drop(taskID)
		return nil
	}

	secrets, ok := p.machine.vault.Get(taskID)
	if !ok {
		// 密钥只保存在接受任务的进程内存中，重启或跨进程消费后无法继续执行。
		cause := xerrors.New(CodeSecretsMissing, "执行密钥不可用")
		p.emitAlert(ctx, taskID, cause, "secrets")
		return p.advance(ctx, taskID, Failed(ErrorDetail{Message: "execution secrets unavailable", Type: string(CodeSecretsMissing)}, 0))
	}
	defer p.machine.vault.Drop(taskID)

	remaining := rec.DeadlineAt.Sub(p.machine.now())
	if remaining <= 0 {
		return p.advance(ctx, taskID, Failed(DeadlineExceeded, rec.DeadlineAt.Sub(rec.CreatedAt)))
	}

	runCtx, cancel := context.WithTimeout(ctx, remaining)
	defer cancel()

	started := time.Now()
	result, runErr := p.run(runCtx, Job{
		TaskID:      rec.TaskID,
		Description: rec.Description,
		Context:     rec.Context,
		Complexity:  rec.Complexity,
		Secrets:     secrets,
		DeadlineAt:  rec.DeadlineAt,
	})
	elapsed := time.Since(started)

	if runErr != nil {
		if stdErrors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return p.advance(ctx, taskID, Failed(DeadlineExceeded, elapsed))
		}
		if ctx.Err() != nil {
			// 进程正在退出，记录保持 in_progress，由惰性截止检查收尾。
			return nil
		}
		detail := ErrorDetail{
			Message: logger.RedactValues(runErr.Error(), secrets.Values()...),
			Type:    typeExecutionFailed,
		}
		if code := xerrors.CodeOf(runErr); code != xerrors.CodeUnknown {
			detail.Type = string(code)
		}
		logger.L().Warn("工作单元执行失败",
			slog.String("task_id", taskID),
			slog.String("error_type", detail.Type),
			slog.String("error", detail.Message),
		)
		p.emitAlert(ctx, taskID, runErr, "terminal")
		return p.advance(ctx, taskID, Failed(detail, elapsed))
	}

	if p.machine.now().After(rec.DeadlineAt) {
		return p.advance(ctx, taskID, Failed(DeadlineExceeded, elapsed))
	}
	var data any
	var tools []string
	if result != nil {
		data = result.Data
		tools = result.ToolsUsed
	}
	return p.advance(ctx, taskID, Succeeded(data, tools, elapsed))
}

// run 执行工作单元，并将 panic 转换为错误。
func (p *Processor) run(ctx context.Context, job Job) (result *Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = xerrors.New(xerrors.CodeExecutorFailure, fmt.Sprintf("工作单元异常退出: %v", r))
		}
	}()
	return p.worker.Run(ctx, job)
}

func (p *Processor) advance(ctx context.Context, taskID string, outcome Outcome) error {
	if _, err := p.machine.Advance(ctx, taskID, outcome); err != nil {
		logger.L().Error("推进执行状态失败", slog.Any("error", err), slog.String("task_id", taskID))
		return err
	}
	return nil
}

func (p *Processor) logDebug(msg string, attrs ...slog.Attr) {
	if p.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		p.logger.Debug(msg, args...)
	}
}

func (p *Processor) emitAlert(ctx context.Context, taskID string, cause error, stage string) {
	if p == nil || p.alerter == nil {
		return
	}
	code := xerrors.CodeOf(cause)
	if code == xerrors.CodeUnknown {
		code = xerrors.CodeExecutorFailure
	}
	attrs := xerrors.AttributesOf(code)
	event := alerting.Event{
		Code:       code,
		Message:    attrs.Message,
		Severity:   attrs.Severity,
		TaskID:     taskID,
		Attempts:   1,
		MaxRetries: 1,
		Metadata:   map[string]string{"stage": stage},
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		logger.L().Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", taskID),
			slog.String("stage", stage),
		)
	}
}
