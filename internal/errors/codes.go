package errors

import "sync"

// Code 是对外暴露的错误码，同时作为 HTTP 响应中的 error_code。
type Code string

// Severity 用于告警分级与审计日志。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Kind 是错误的语义分类。核心逻辑只返回 Kind，状态码由传输层决定。
type Kind string

const (
	KindValidation    Kind = "validation"
	KindNotFound      Kind = "not_found"
	KindConflict      Kind = "conflict"
	KindAuthorization Kind = "authorization"
	KindRateLimited   Kind = "rate_limited"
	KindPayment       Kind = "payment"
	KindTransient     Kind = "transient"
	KindTerminal      Kind = "terminal"
	KindInternal      Kind = "internal"
)

// Attributes 是某个错误码的默认表现。
type Attributes struct {
	Message   string
	Severity  Severity
	Kind      Kind
	Retryable bool
	Alert     bool
}

// 通用错误码，各业务包在 init 中注册自己的错误码。
const (
	CodeUnknown               Code = "UNKNOWN"
	CodeInvalidArgument       Code = "INVALID_ARGUMENT"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeForbidden             Code = "FORBIDDEN"
	CodeRateLimited           Code = "RATE_LIMIT_EXCEEDED"
	CodeRetriesExhausted      Code = "RETRIES_EXHAUSTED"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
	CodeExecutorFailure       Code = "EXECUTOR_FAILURE"
	CodeUnavailable           Code = "UNAVAILABLE"
	CodeTimeout               Code = "TIMEOUT"
)

type codeTable struct {
	mu    sync.RWMutex
	attrs map[Code]Attributes
}

var codes = &codeTable{attrs: map[Code]Attributes{
	CodeUnknown:               {Message: "unknown error", Kind: KindInternal, Severity: SeverityCritical, Alert: true},
	CodeInvalidArgument:       {Message: "invalid argument", Kind: KindValidation, Severity: SeverityInfo},
	CodeNotFound:              {Message: "resource not found", Kind: KindNotFound, Severity: SeverityInfo},
	CodeConflict:              {Message: "resource conflict", Kind: KindConflict, Severity: SeverityWarning},
	CodeForbidden:             {Message: "forbidden", Kind: KindAuthorization, Severity: SeverityInfo},
	CodeRateLimited:           {Message: "rate limit exceeded", Kind: KindRateLimited, Severity: SeverityInfo, Retryable: true},
	CodeRetriesExhausted:      {Message: "retries exhausted", Kind: KindTerminal, Severity: SeverityWarning, Alert: true},
	CodeInitializationFailure: {Message: "service not initialized", Kind: KindInternal, Severity: SeverityWarning, Retryable: true, Alert: true},
	CodeStorageFailure:        {Message: "storage failure", Kind: KindTransient, Severity: SeverityCritical, Retryable: true, Alert: true},
	CodeQueueFailure:          {Message: "queue failure", Kind: KindTransient, Severity: SeverityCritical, Retryable: true, Alert: true},
	CodeExecutorFailure:       {Message: "executor failure", Kind: KindTerminal, Severity: SeverityWarning, Alert: true},
	CodeUnavailable:           {Message: "dependency unavailable", Kind: KindTransient, Severity: SeverityWarning, Retryable: true, Alert: true},
	CodeTimeout:               {Message: "operation timed out", Kind: KindTransient, Severity: SeverityWarning, Retryable: true, Alert: true},
}}

func (t *codeTable) set(code Code, attr Attributes) {
	t.mu.Lock()
	t.attrs[code] = attr
	t.mu.Unlock()
}

func (t *codeTable) get(code Code) Attributes {
	t.mu.RLock()
	attr, ok := t.attrs[code]
	if !ok {
		attr = t.attrs[CodeUnknown]
	}
	t.mu.RUnlock()
	return attr
}

// Register 登记业务错误码，未指定 Kind 时归为 internal。重复登记以后者为准。
func Register(code Code, attr Attributes) {
	if attr.Kind == "" {
		attr.Kind = KindInternal
	}
	codes.set(code, attr)
}

// AttributesOf 查询错误码的默认表现，未登记的错误码按 UNKNOWN 处理。
func AttributesOf(code Code) Attributes {
	return codes.get(code)
}
