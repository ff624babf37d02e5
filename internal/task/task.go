package task

import (
	"time"

	xerrors "agentmarket/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusOpen      Status = "open"
	StatusClaimed   Status = "claimed"
	StatusExecuting Status = "executing"
	StatusDone      Status = "done"
	StatusFailed    Status = "failed"
	StatusExpired   Status = "expired"
)

// transitions 列出所有合法的状态迁移，其余一律拒绝。
var transitions = map[Status][]Status{
	StatusOpen:      {StatusClaimed, StatusExpired},
	StatusClaimed:   {StatusExecuting, StatusExpired},
	StatusExecuting: {StatusDone, StatusFailed, StatusExpired},
}

// CanTransition 判断 from -> to 是否为合法迁移。
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// sourcesOf 返回能够迁移到 to 的全部源状态，用于条件更新。
func sourcesOf(to Status) []Status {
	var sources []Status
	for _, from := range []Status{StatusOpen, StatusClaimed, StatusExecuting} {
		if CanTransition(from, to) {
			sources = append(sources, from)
		}
	}
	return sources
}

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusOpen, StatusClaimed, StatusExecuting, StatusDone, StatusFailed, StatusExpired:
		return true
	default:
		return false
	}
}

// Task 描述了一次由买方发布到市场的任务。任务记录不保存任何密钥。
type Task struct {
	ID                  string         `json:"task_id"`
	BuyerID             string         `json:"buyer_id,omitempty"`
	Description         string         `json:"description"`
	Context             map[string]any `json:"context,omitempty"`
	Complexity          string         `json:"complexity"`
	Status              Status         `json:"status"`
	CreatedAt           time.Time      `json:"created_at"`
	UpdatedAt           time.Time      `json:"updated_at"`
	ClaimWindowClosesAt time.Time      `json:"claim_window_closes_at"`
	DeadlineAt          time.Time      `json:"deadline_at"`
	SelectedClaimID     string         `json:"selected_claim_id,omitempty"`
	SelectedSellerID    string         `json:"selected_seller_id,omitempty"`
}

// ExpiryDue 判断任务在 now 时刻是否应被惰性过期。
// open 在报价窗口关闭时过期，claimed 与 executing 在截止时间到达时过期。
func (t *Task) ExpiryDue(now time.Time) bool {
	if t == nil {
		return false
	}
	switch t.Status {
	case StatusOpen:
		return !now.Before(t.ClaimWindowClosesAt)
	case StatusClaimed, StatusExecuting:
		return !now.Before(t.DeadlineAt)
	default:
		return false
	}
}

// AcceptingClaims 判断任务在 now 时刻是否仍可接收报价。
func (t *Task) AcceptingClaims(now time.Time) bool {
	return t != nil && t.Status == StatusOpen && now.Before(t.ClaimWindowClosesAt)
}

// Terms 是卖方报价的条款。price 为最小单位的十进制字符串。
type Terms struct {
	Price      string `json:"price"`
	Asset      string `json:"asset,omitempty"`
	Network    string `json:"network,omitempty"`
	ETASeconds int    `json:"eta_seconds,omitempty"`
	Note       string `json:"note,omitempty"`
}

// Claim 是卖方对任务的一次报价，提交后不可修改。
type Claim struct {
	ID          string    `json:"claim_id"`
	TaskID      string    `json:"task_id"`
	SellerID    string    `json:"seller_id"`
	Terms       Terms     `json:"terms"`
	SubmittedAt time.Time `json:"submitted_at"`
	Seq         int64     `json:"seq"`
}

const (
	CodeTaskNotFound         xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict         xerrors.Code = "TASK_CONFLICT"
	CodeTaskValidation       xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeInvalidTransition    xerrors.Code = "TASK_INVALID_TRANSITION"
	CodeTaskNotOpen          xerrors.Code = "TASK_NOT_OPEN"
	CodeDuplicateClaim       xerrors.Code = "DUPLICATE_CLAIM"
	CodeNoClaims             xerrors.Code = "NO_CLAIMS"
	CodeClaimAlreadySelected xerrors.Code = "CLAIM_ALREADY_SELECTED"
	CodeClaimNotFound        xerrors.Code = "CLAIM_NOT_FOUND"
)

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务 ID 已被占用。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task already exists")
	// ErrInvalidTransition 表示请求的状态迁移不合法。
	ErrInvalidTransition = xerrors.New(CodeInvalidTransition, "invalid task status transition")
	// ErrTaskNotOpen 表示任务已不再接收报价或选择。
	ErrTaskNotOpen = xerrors.New(CodeTaskNotOpen, "task is not open for claims")
	// ErrDuplicateClaim 表示同一卖方已对该任务报价。
	ErrDuplicateClaim = xerrors.New(CodeDuplicateClaim, "seller already claimed this task")
	// ErrNoClaims 表示任务没有任何报价可供选择。
	ErrNoClaims = xerrors.New(CodeNoClaims, "task has no claims")
	// ErrClaimAlreadySelected 表示任务已经选定了报价。
	ErrClaimAlreadySelected = xerrors.New(CodeClaimAlreadySelected, "a claim has already been selected")
	// ErrClaimNotFound 表示指定的报价不属于该任务。
	ErrClaimNotFound = xerrors.New(CodeClaimNotFound, "claim not found")
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:  "task not found",
		Severity: xerrors.SeverityInfo,
		Kind:     xerrors.KindNotFound,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:  "task already exists",
		Severity: xerrors.SeverityWarning,
		Kind:     xerrors.KindConflict,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:  "task validation failed",
		Severity: xerrors.SeverityInfo,
		Kind:     xerrors.KindValidation,
	})
	xerrors.Register(CodeInvalidTransition, xerrors.Attributes{
		Message:  "invalid task status transition",
		Severity: xerrors.SeverityInfo,
		Kind:     xerrors.KindConflict,
	})
	xerrors.Register(CodeTaskNotOpen, xerrors.Attributes{
		Message:  "task is not open for claims",
		Severity: xerrors.SeverityInfo,
		Kind:     xerrors.KindConflict,
	})
	xerrors.Register(CodeDuplicateClaim, xerrors.Attributes{
		Message:  "seller already claimed this task",
		Severity: xerrors.SeverityInfo,
		Kind:     xerrors.KindConflict,
	})
	xerrors.Register(CodeNoClaims, xerrors.Attributes{
		Message:  "task has no claims",
		Severity: xerrors.SeverityInfo,
		Kind:     xerrors.KindConflict,
	})
	xerrors.Register(CodeClaimAlreadySelected, xerrors.Attributes{
		Message:  "a claim has already been selected",
		Severity: xerrors.SeverityInfo,
		Kind:     xerrors.KindConflict,
	})
	xerrors.Register(CodeClaimNotFound, xerrors.Attributes{
		Message:  "claim not found",
		Severity: xerrors.SeverityInfo,
		Kind:     xerrors.KindNotFound,
	})
}

func invalidTransition(from, to Status) error {
	return ErrInvalidTransition.With(
		xerrors.WithMetadata("from", string(from)),
		xerrors.WithMetadata("to", string(to)),
	)
}

func cloneContext(input map[string]any) map[string]any {
	if input == nil {
		return nil
	}
	cloned := make(map[string]any, len(input))
	for key, value := range input {
		cloned[key] = value
	}
	return cloned
}

func cloneTask(task *Task) *Task {
	if task == nil {
		return nil
	}
	clone := *task
	clone.Context = cloneContext(task.Context)
	return &clone
}

func cloneClaim(claim *Claim) *Claim {
	if claim == nil {
		return nil
	}
	clone := *claim
	return &clone
}
