package errors

import (
	stdErrors "errors"
	"maps"
	"strings"
)

// Error 携带错误码、面向调用方的消息、底层原因以及附加字段。
// 属性在读取时才查询错误码表，包级哨兵可以早于 init 中的 Register 创建。
type Error struct {
	code     Code
	message  string
	cause    error
	metadata map[string]string
	override overrides
}

type overrides struct {
	retryable *bool
	alert     *bool
	severity  *Severity
}

// Option 修改新建或复制出的错误。
type Option func(*Error)

// WithMetadata 附加一个键值对。值会出现在日志与响应中，不得是密钥材料。
func WithMetadata(key, value string) Option {
	return func(e *Error) {
		if e.metadata == nil {
			e.metadata = map[string]string{}
		}
		e.metadata[key] = value
	}
}

// WithRetryable 覆盖错误码的可重试属性。
func WithRetryable(retryable bool) Option {
	return func(e *Error) { e.override.retryable = &retryable }
}

// WithAlert 覆盖错误码的告警属性。
func WithAlert(alert bool) Option {
	return func(e *Error) { e.override.alert = &alert }
}

// WithSeverity 覆盖错误码的严重程度。
func WithSeverity(sev Severity) Option {
	return func(e *Error) { e.override.severity = &sev }
}

// WithCause 设置底层原因，配合 With 在哨兵副本上使用。
func WithCause(cause error) Option {
	return func(e *Error) { e.cause = cause }
}

// New 以错误码构造错误，message 为空时使用错误码的默认消息。
func New(code Code, message string, opts ...Option) *Error {
	e := &Error{code: code, message: message}
	if e.message == "" {
		e.message = AttributesOf(code).Message
	}
	e.apply(opts)
	return e
}

// Wrap 与 New 相同，并记录底层原因。
func Wrap(code Code, cause error, message string, opts ...Option) *Error {
	e := New(code, message, opts...)
	e.cause = cause
	return e
}

// With 返回附加了选项的副本，哨兵本身保持不变。
func (e *Error) With(opts ...Option) *Error {
	if e == nil {
		return nil
	}
	dup := *e
	dup.metadata = maps.Clone(e.metadata)
	dup.apply(opts)
	return &dup
}

func (e *Error) apply(opts []Option) {
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
}

// attributes 合并错误码默认值与实例上的覆盖。
func (e *Error) attributes() Attributes {
	attr := AttributesOf(e.code)
	if e.override.retryable != nil {
		attr.Retryable = *e.override.retryable
	}
	if e.override.alert != nil {
		attr.Alert = *e.override.alert
	}
	if e.override.severity != nil {
		attr.Severity = *e.override.severity
	}
	return attr
}

// Error 格式为 "[CODE] message: cause"。
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(string(e.code))
	b.WriteString("] ")
	b.WriteString(e.message)
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Is 只比较错误码，便于对包级哨兵使用 errors.Is。
func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok || e == nil || other == nil {
		return false
	}
	return e.code == other.code
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeUnknown
	}
	return e.code
}

// Message 不包含底层原因，可以直接返回给调用方。
func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

// Metadata 返回附加字段的副本，没有时为 nil。
func (e *Error) Metadata() map[string]string {
	if e == nil || len(e.metadata) == 0 {
		return nil
	}
	return maps.Clone(e.metadata)
}

func (e *Error) Retryable() bool {
	return e != nil && e.attributes().Retryable
}

func (e *Error) ShouldAlert() bool {
	return e != nil && e.attributes().Alert
}

func (e *Error) Severity() Severity {
	if e == nil {
		return SeverityInfo
	}
	return e.attributes().Severity
}

func (e *Error) Kind() Kind {
	if e == nil {
		return KindInternal
	}
	return e.attributes().Kind
}

// From 在错误链中查找 *Error。
func From(err error) (*Error, bool) {
	var target *Error
	if err == nil || !stdErrors.As(err, &target) {
		return nil, false
	}
	return target, true
}

// CodeOf 对非 *Error 返回 UNKNOWN。
func CodeOf(err error) Code {
	e, _ := From(err)
	return e.Code()
}

// KindOf 对非 *Error 返回 internal。
func KindOf(err error) Kind {
	e, _ := From(err)
	return e.Kind()
}

// MetadataOf 读取错误链上第一个 *Error 的附加字段。
func MetadataOf(err error, key string) string {
	e, ok := From(err)
	if !ok {
		return ""
	}
	return e.metadata[key]
}

func RetryableError(err error) bool {
	e, _ := From(err)
	return e.Retryable()
}

func ShouldAlert(err error) bool {
	e, _ := From(err)
	return e.ShouldAlert()
}

// SeverityOf 对非 *Error 使用 UNKNOWN 的严重程度。
func SeverityOf(err error) Severity {
	if e, ok := From(err); ok {
		return e.Severity()
	}
	return AttributesOf(CodeUnknown).Severity
}
