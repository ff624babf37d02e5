package execution

import (
	"crypto/subtle"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	xerrors "agentmarket/internal/errors"
)

// Status 表示执行记录的状态。
type Status string

const (
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// ErrorDetail 是失败记录附带的结构化错误。
type ErrorDetail struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

// DeadlineExceeded 是截止时间到达时写入的错误。
var DeadlineExceeded = ErrorDetail{Message: "Task deadline exceeded", Type: "DeadlineExceeded"}

// Record 是一次付费执行的记录。只保存买方密钥的摘要。
type Record struct {
	TaskID             string         `json:"task_id"`
	SecretDigest       string         `json:"-"`
	Status             Status         `json:"status"`
	Description        string         `json:"-"`
	Context            map[string]any `json:"-"`
	Complexity         string         `json:"-"`
	Data               any            `json:"data,omitempty"`
	Error              *ErrorDetail   `json:"error,omitempty"`
	ExecutionTimeMS    int64          `json:"execution_time_ms"`
	ToolsUsed          []string       `json:"tools_used"`
	Payer              string         `json:"-"`
	PaymentFingerprint string         `json:"-"`
	CreatedAt          time.Time      `json:"created_at"`
	DeadlineAt         time.Time      `json:"deadline_at"`
	CompletedAt        time.Time      `json:"completed_at,omitzero"`
}

// Outcome 描述一次执行的结果。
type Outcome struct {
	Status        Status
	Data          any
	ToolsUsed     []string
	ExecutionTime time.Duration
	Error         *ErrorDetail
}

// Succeeded 构造成功结果。
func Succeeded(data any, toolsUsed []string, elapsed time.Duration) Outcome {
	return Outcome{Status: StatusDone, Data: data, ToolsUsed: toolsUsed, ExecutionTime: elapsed}
}

// Failed 构造失败结果。
func Failed(detail ErrorDetail, elapsed time.Duration) Outcome {
	return Outcome{Status: StatusFailed, Error: &detail, ExecutionTime: elapsed}
}

func (o Outcome) apply(rec *Record, at time.Time) {
	rec.Status = o.Status
	rec.ExecutionTimeMS = o.ExecutionTime.Milliseconds()
	rec.CompletedAt = at.UTC()
	if o.Status == StatusDone {
		rec.Data = o.Data
		rec.ToolsUsed = append([]string(nil), o.ToolsUsed...)
		rec.Error = nil
		return
	}
	rec.Data = nil
	if o.Error != nil {
		detail := *o.Error
		rec.Error = &detail
	}
}

// 执行相关错误码。
const (
	CodeExecutionExists     xerrors.Code = "EXECUTION_EXISTS"
	CodeExecutionInProgress xerrors.Code = "EXECUTION_IN_PROGRESS"
	CodeSecretsMissing      xerrors.Code = "EXECUTION_SECRETS_MISSING"
)

var (
	// ErrForbidden 对缺失密钥、密钥不匹配与未知任务一视同仁。
	ErrForbidden = xerrors.New(xerrors.CodeForbidden, "forbidden")
	// ErrRecordExists 表示同一任务已经存在执行记录。
	ErrRecordExists = xerrors.New(CodeExecutionExists, "任务已存在执行记录")
	// ErrInProgress 表示同一凭证对应的执行已经开始，稍后重试会得到受理结果。
	ErrInProgress = xerrors.New(CodeExecutionInProgress, "该支付凭证对应的执行已经开始")
	// ErrRecordNotFound 表示执行记录不存在，只在内部使用。
	ErrRecordNotFound = xerrors.New(xerrors.CodeNotFound, "执行记录不存在")

	errAlreadyTerminal = xerrors.New(xerrors.CodeConflict, "执行记录已是终态")
	errHoldLost        = xerrors.New(xerrors.CodeConflict, "执行占位记录已失效")
)

func init() {
	xerrors.Register(CodeExecutionExists, xerrors.Attributes{
		Message:  "execution already exists",
		Severity: xerrors.SeverityInfo,
		Kind:     xerrors.KindConflict,
	})
	xerrors.Register(CodeExecutionInProgress, xerrors.Attributes{
		Message:   "execution already started for this payment",
		Severity:  xerrors.SeverityInfo,
		Kind:      xerrors.KindConflict,
		Retryable: true,
	})
	xerrors.Register(CodeSecretsMissing, xerrors.Attributes{
		Message:  "execution secrets unavailable",
		Severity: xerrors.SeverityWarning,
		Kind:     xerrors.KindTerminal,
		Alert:    true,
	})
}

// SecretDigest 返回买方密钥的 keccak256 摘要。
func SecretDigest(secret string) string {
	return crypto.Keccak256Hash([]byte(secret)).Hex()
}

func secretMatches(digest, presented string) bool {
	if digest == "" || presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(digest), []byte(SecretDigest(presented))) == 1
}

func cloneRecord(rec *Record) *Record {
	if rec == nil {
		return nil
	}
	clone := *rec
	if rec.Context != nil {
		clone.Context = make(map[string]any, len(rec.Context))
		for k, v := range rec.Context {
			clone.Context[k] = v
		}
	}
	clone.ToolsUsed = append([]string(nil), rec.ToolsUsed...)
	if rec.Error != nil {
		detail := *rec.Error
		clone.Error = &detail
	}
	return &clone
}
