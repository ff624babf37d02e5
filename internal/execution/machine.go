package execution

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	stdErrors "errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	xerrors "agentmarket/internal/errors"
	"agentmarket/internal/keylock"
	"agentmarket/internal/observability/metrics"
	"agentmarket/internal/payment"
	"agentmarket/internal/queue"
	"agentmarket/internal/task"
	"agentmarket/internal/webhook"
	"agentmarket/pkg/logger"
)

// AcceptRequest 是买方在 /execute 中提交的任务内容。
type AcceptRequest struct {
	TaskID      string
	Description string
	Context     map[string]any
	Secrets     Secrets
	Complexity  string
}

// Tracker 同步市场侧任务状态，task.Service 满足该接口。
type Tracker interface {
	Transition(ctx context.Context, id string, to task.Status) (*task.Task, error)
}

const defaultHoldTTL = 5 * time.Minute

type replayEntry struct {
	taskID     string
	secret     string
	deadlineAt time.Time
}

// Machine 是执行记录的状态机：in_progress -> done | failed，终态不可变。
type Machine struct {
	store    Store
	vault    *Vault
	producer queue.Producer
	policy   task.DeadlinePolicy
	notifier webhook.Notifier
	tracker  Tracker
	locks    *keylock.Table
	now      func() time.Time

	admissions *keylock.Table
	holdTTL    time.Duration

	replayMu sync.Mutex
	replays  map[string]replayEntry
}

// Option 自定义 Machine。
type Option func(*Machine)

// WithDeadlinePolicy 指定复杂度到截止时长的映射。
func WithDeadlinePolicy(policy task.DeadlinePolicy) Option {
	return func(m *Machine) { m.policy = policy }
}

// WithNotifier 指定执行事件的接收方。
func WithNotifier(notifier webhook.Notifier) Option {
	return func(m *Machine) {
		if notifier != nil {
			m.notifier = notifier
		}
	}
}

// WithTracker 在执行开始与结束时同步市场任务状态。
func WithTracker(tracker Tracker) Option {
	return func(m *Machine) { m.tracker = tracker }
}

// WithHoldTTL 指定未绑定支付的占位记录多久之后可以被接管，应长于支付校验与结算的耗时。
func WithHoldTTL(ttl time.Duration) Option {
	return func(m *Machine) {
		if ttl > 0 {
			m.holdTTL = ttl
		}
	}
}

// WithClock 替换时间来源，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(m *Machine) {
		if now != nil {
			m.now = now
		}
	}
}

// NewMachine 创建执行状态机。
func NewMachine(store Store, vault *Vault, producer queue.Producer, opts ...Option) *Machine {
	m := &Machine{
		store:    store,
		vault:    vault,
		producer: producer,
		policy:   task.DefaultDeadlinePolicy(),
		notifier: webhook.NopNotifier{},
		locks:    keylock.New(),
		now:      time.Now,
		replays:  make(map[string]replayEntry),

		admissions: keylock.New(),
		holdTTL:    defaultHoldTTL,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.vault == nil {
		m.vault = NewVault()
	}
	return m
}

// Vault 返回密钥保管器。
func (m *Machine) Vault() *Vault { return m.vault }

// Store 返回底层存储。
func (m *Machine) Store() Store { return m.store }

// Admission 是通过校验、尚未绑定支付的执行申请。Hold 成功后必须调用 Release。
type Admission struct {
	rec     *Record
	secret  string
	secrets Secrets
	unlock  func()
	bound   bool
}

// TaskID 返回申请的任务 ID。
func (a *Admission) TaskID() string { return a.rec.TaskID }

// Prepare 校验执行请求、计算截止时间并生成买方密钥，不触碰存储与支付账本。
func (m *Machine) Prepare(req AcceptRequest) (*Admission, error) {
	taskID := strings.TrimSpace(req.TaskID)
	if taskID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "task_id 不能为空")
	}
	if strings.TrimSpace(req.Description) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "task_description 不能为空")
	}
	complexity, duration, err := m.policy.Resolve(req.Complexity)
	if err != nil {
		return nil, err
	}
	secret, err := newBuyerSecret()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnavailable, err, "生成买方密钥失败")
	}
	now := m.now().UTC().Truncate(time.Millisecond)
	return &Admission{
		rec: &Record{
			TaskID:       taskID,
			SecretDigest: SecretDigest(secret),
			Status:       StatusInProgress,
			Description:  req.Description,
			Context:      req.Context,
			Complexity:   complexity,
			CreatedAt:    now,
			DeadlineAt:   now.Add(duration),
		},
		secret:  secret,
		secrets: req.Secrets,
	}, nil
}

// Hold 插入未绑定支付的占位记录来独占任务 ID。同一进程内按任务串行，
// 跨进程依赖存储的主键。任务已有记录时返回 ErrRecordExists。
func (m *Machine) Hold(ctx context.Context, adm *Admission) error {
	if adm == nil || adm.unlock != nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行申请无效或已占用")
	}
	unlock := m.admissions.Lock(adm.rec.TaskID)
	err := m.store.Create(ctx, adm.rec)
	if stdErrors.Is(err, ErrRecordExists) && m.takeOver(ctx, adm.rec.TaskID) {
		err = m.store.Create(ctx, adm.rec)
	}
	if err != nil {
		unlock()
		return err
	}
	adm.unlock = unlock
	return nil
}

// takeOver 删除超过 holdTTL 仍未绑定支付的占位记录，这类记录来自支付途中退出的进程。
func (m *Machine) takeOver(ctx context.Context, taskID string) bool {
	current, err := m.store.Get(ctx, taskID)
	if err != nil || current.PaymentFingerprint != "" || m.now().Sub(current.CreatedAt) < m.holdTTL {
		return false
	}
	if err := m.store.Discard(ctx, taskID, current.SecretDigest); err != nil {
		return false
	}
	logger.L().Warn("接管过期的执行占位记录", slog.String("task_id", taskID), slog.Time("created_at", current.CreatedAt))
	return true
}

// Release 结束占用。未绑定支付的占位记录被删除，任务 ID 可以再次使用。
func (m *Machine) Release(ctx context.Context, adm *Admission) {
	if adm == nil || adm.unlock == nil {
		return
	}
	if !adm.bound {
		err := m.store.Discard(context.WithoutCancel(ctx), adm.rec.TaskID, adm.rec.SecretDigest)
		if err != nil && !stdErrors.Is(err, errHoldLost) {
			logger.L().Warn("删除执行占位记录失败", slog.Any("error", err), slog.String("task_id", adm.rec.TaskID))
		}
	}
	adm.unlock()
	adm.unlock = nil
}

// Confirm 将支付绑定到占位记录，保存任务密钥并投递执行队列。
func (m *Machine) Confirm(ctx context.Context, acceptance *payment.Acceptance, adm *Admission) (*Record, string, error) {
	if acceptance == nil {
		return nil, "", xerrors.New(xerrors.CodeInvalidArgument, "缺少支付凭据")
	}
	if adm == nil || adm.unlock == nil || adm.bound {
		return nil, "", xerrors.New(xerrors.CodeInvalidArgument, "执行申请未占用任务或已确认")
	}
	taskID := adm.rec.TaskID
	if acceptance.TaskID() != taskID {
		return nil, "", xerrors.New(xerrors.CodeInvalidArgument, "支付凭据与任务不匹配")
	}

	rec := cloneRecord(adm.rec)
	rec.Payer = acceptance.Payer()
	rec.PaymentFingerprint = acceptance.Fingerprint()
	if err := m.store.Bind(ctx, taskID, rec.SecretDigest, rec.Payer, rec.PaymentFingerprint); err != nil {
		return nil, "", err
	}
	adm.bound = true
	secret := adm.secret
	m.vault.Put(taskID, adm.secrets)
	m.remember(rec.PaymentFingerprint, replayEntry{taskID: taskID, secret: secret, deadlineAt: rec.DeadlineAt})

	logger.Audit().Info("执行任务已接受",
		slog.String("task_id", taskID),
		slog.String("payer", rec.Payer),
		slog.String("complexity", rec.Complexity),
		slog.Time("deadline_at", rec.DeadlineAt),
	)
	m.track(ctx, taskID, task.StatusExecuting)

	if m.producer != nil {
		if err := m.producer.Publish(ctx, taskID); err != nil {
			logger.L().Error("投递执行任务失败", slog.Any("error", err), slog.String("task_id", taskID))
			failed, advErr := m.Advance(ctx, taskID, Failed(ErrorDetail{Message: "execution queue unavailable", Type: string(xerrors.CodeQueueFailure)}, 0))
			if advErr == nil {
				return failed, secret, nil
			}
		}
	}
	return rec, secret, nil
}

// Accept 对已经消费的支付一次完成 Prepare、Hold 与 Confirm。
// HTTP 入口应先 Hold 再消费支付，避免校验失败时凭证已被使用。
func (m *Machine) Accept(ctx context.Context, acceptance *payment.Acceptance, req AcceptRequest) (*Record, string, error) {
	if acceptance == nil {
		return nil, "", xerrors.New(xerrors.CodeInvalidArgument, "缺少支付凭据")
	}
	adm, err := m.Prepare(req)
	if err != nil {
		return nil, "", err
	}
	if acceptance.TaskID() != adm.TaskID() {
		return nil, "", xerrors.New(xerrors.CodeInvalidArgument, "支付凭据与任务不匹配")
	}
	if err := m.Hold(ctx, adm); err != nil {
		return nil, "", err
	}
	defer m.Release(ctx, adm)
	return m.Confirm(ctx, acceptance, adm)
}

// Replay 在同一凭证重复提交时返回首次受理的结果。taskID 为空时只按指纹匹配。
func (m *Machine) Replay(ctx context.Context, fingerprint, taskID string) (*Record, string, bool) {
	m.replayMu.Lock()
	entry, ok := m.replays[fingerprint]
	if ok && m.now().After(entry.deadlineAt) {
		delete(m.replays, fingerprint)
		ok = false
	}
	m.replayMu.Unlock()
	if !ok || (taskID != "" && taskID != entry.taskID) {
		return nil, "", false
	}
	rec, err := m.store.Get(ctx, entry.taskID)
	if err != nil {
		return nil, "", false
	}
	return rec, entry.secret, true
}

func (m *Machine) remember(fingerprint string, entry replayEntry) {
	if fingerprint == "" {
		return
	}
	m.replayMu.Lock()
	defer m.replayMu.Unlock()
	now := m.now()
	for fp, existing := range m.replays {
		if now.After(existing.deadlineAt) {
			delete(m.replays, fp)
		}
	}
	m.replays[fingerprint] = entry
}

// Advance 将执行记录迁移到终态。记录已是终态时不做任何修改并返回当前记录。
func (m *Machine) Advance(ctx context.Context, taskID string, outcome Outcome) (*Record, error) {
	if !outcome.Status.Terminal() {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "只能迁移到 done 或 failed")
	}
	unlock := m.locks.Lock(taskID)
	defer unlock()

	rec, err := m.store.Complete(ctx, taskID, outcome, m.now())
	if err != nil {
		if stdErrors.Is(err, errAlreadyTerminal) {
			logger.L().Debug("执行记录已是终态，忽略迁移",
				slog.String("task_id", taskID),
				slog.String("status", string(rec.Status)),
				slog.String("requested", string(outcome.Status)),
			)
			return rec, nil
		}
		return nil, err
	}
	m.vault.Drop(taskID)
	metrics.ObserveExecution(string(rec.Status), outcome.ExecutionTime)

	eventType := webhook.EventExecutionDone
	data := map[string]any{"execution_time_ms": rec.ExecutionTimeMS}
	trackTo := task.StatusDone
	if rec.Status == StatusFailed {
		eventType = webhook.EventExecutionFailed
		trackTo = task.StatusFailed
		errorType := ""
		if rec.Error != nil {
			errorType = rec.Error.Type
			data["error_type"] = errorType
		}
		logger.Audit().Warn("执行任务失败",
			slog.String("task_id", taskID),
			slog.Int64("execution_time_ms", rec.ExecutionTimeMS),
			slog.String("error_type", errorType),
		)
	} else {
		logger.Audit().Info("执行任务完成",
			slog.String("task_id", taskID),
			slog.Int64("execution_time_ms", rec.ExecutionTimeMS),
			slog.Int("tools_used", len(rec.ToolsUsed)),
		)
	}
	m.notifier.Notify(ctx, webhook.NewEvent(eventType, taskID, string(rec.Status), data))
	m.track(ctx, taskID, trackTo)
	return rec, nil
}

// Poll 校验买方密钥后返回执行记录。缺少密钥、密钥错误与未知任务都返回 ErrForbidden。
func (m *Machine) Poll(ctx context.Context, taskID, presentedSecret string) (*Record, error) {
	if presentedSecret == "" || taskID == "" {
		return nil, ErrForbidden
	}
	rec, err := m.store.Get(ctx, taskID)
	if err != nil {
		if stdErrors.Is(err, ErrRecordNotFound) {
			return nil, ErrForbidden
		}
		return nil, err
	}
	if !secretMatches(rec.SecretDigest, presentedSecret) {
		return nil, ErrForbidden
	}
	if rec.Status == StatusInProgress && m.now().After(rec.DeadlineAt) {
		return m.Advance(ctx, taskID, Failed(DeadlineExceeded, rec.DeadlineAt.Sub(rec.CreatedAt)))
	}
	return rec, nil
}

// ExpireOverdue 将一批逾期的执行记录标记为失败，返回处理数量。
func (m *Machine) ExpireOverdue(ctx context.Context, limit int) (int, error) {
	due, err := m.store.Overdue(ctx, m.now(), limit)
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, rec := range due {
		updated, err := m.Advance(ctx, rec.TaskID, Failed(DeadlineExceeded, rec.DeadlineAt.Sub(rec.CreatedAt)))
		if err != nil {
			logger.L().Warn("过期执行记录失败", slog.Any("error", err), slog.String("task_id", rec.TaskID))
			continue
		}
		if updated.Error != nil && updated.Error.Type == DeadlineExceeded.Type {
			expired++
		}
	}
	return expired, nil
}

func (m *Machine) track(ctx context.Context, taskID string, to task.Status) {
	if m.tracker == nil {
		return
	}
	if _, err := m.tracker.Transition(ctx, taskID, to); err != nil {
		logger.L().Warn("同步市场任务状态失败",
			slog.Any("error", err),
			slog.String("task_id", taskID),
			slog.String("status", string(to)),
		)
	}
}

func newBuyerSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
