package registry

import (
	stdErrors "errors"
	"net"
	"net/url"
	"slices"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/go-playground/validator/v10"

	xerrors "agentmarket/internal/errors"
)

// Status 表示智能体的可用状态。
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

// 注册字段限制。
const (
	MaxDescriptionLength = 4096
	MaxNameLength        = 128
	MaxTags              = 32
	MaxTagLength         = 64
)

// AgentProfile 是注册表中的一条智能体记录。
type AgentProfile struct {
	AgentID       string    `json:"agent_id"`
	AgentName     string    `json:"agent_name,omitempty"`
	BaseURL       string    `json:"base_url"`
	Description   string    `json:"description"`
	Tags          []string  `json:"tags"`
	Version       int64     `json:"version"`
	Status        Status    `json:"status"`
	RegisteredAt  time.Time `json:"registered_at"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// RegisterRequest 是一次注册或更新请求。
type RegisterRequest struct {
	AgentID     string   `json:"agent_id" validate:"required,uuid"`
	AgentName   string   `json:"agent_name,omitempty" validate:"max=128"`
	BaseURL     string   `json:"base_url" validate:"required,secureurl"`
	Description string   `json:"description" validate:"required,max=4096"`
	Tags        []string `json:"tags,omitempty" validate:"max=32,dive,max=64"`
	Update      bool     `json:"update,omitempty"`
}

// 注册表错误码。
const (
	CodeInvalidURL        xerrors.Code = "REGISTRY_INVALID_URL"
	CodeAlreadyRegistered xerrors.Code = "AGENT_ALREADY_REGISTERED"
	CodeAgentNotFound     xerrors.Code = "AGENT_NOT_FOUND"
	CodeStaleVersion      xerrors.Code = "AGENT_STALE_VERSION"
)

var (
	// ErrInvalidURL 表示 base_url 不合法或未使用 https。
	ErrInvalidURL = xerrors.New(CodeInvalidURL, "base_url 必须是 https 地址，本地地址可使用 http")
	// ErrAlreadyRegistered 表示 agent_id 或 base_url 已被占用。
	ErrAlreadyRegistered = xerrors.New(CodeAlreadyRegistered, "智能体已注册")
	// ErrAgentNotFound 表示智能体不存在。
	ErrAgentNotFound = xerrors.New(CodeAgentNotFound, "智能体不存在")
	// errStaleVersion 表示并发更新时版本号已变化。
	errStaleVersion = xerrors.New(CodeStaleVersion, "智能体记录已被并发修改")
)

func init() {
	xerrors.Register(CodeInvalidURL, xerrors.Attributes{
		Message:  "invalid base_url",
		Severity: xerrors.SeverityInfo,
		Kind:     xerrors.KindValidation,
	})
	xerrors.Register(CodeAlreadyRegistered, xerrors.Attributes{
		Message:  "agent already registered",
		Severity: xerrors.SeverityInfo,
		Kind:     xerrors.KindConflict,
	})
	xerrors.Register(CodeAgentNotFound, xerrors.Attributes{
		Message:  "agent not found",
		Severity: xerrors.SeverityInfo,
		Kind:     xerrors.KindNotFound,
	})
	xerrors.Register(CodeStaleVersion, xerrors.Attributes{
		Message:   "stale agent version",
		Severity:  xerrors.SeverityInfo,
		Kind:      xerrors.KindConflict,
		Retryable: true,
	})
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("secureurl", func(fl validator.FieldLevel) bool {
		return IsAllowedBaseURL(fl.Field().String())
	})
	return v
}

// IsAllowedBaseURL 判断地址是否可作为智能体的 base_url：必须是 https，
// 本地主机（localhost、回环地址、无点主机名、.local）允许 http。
func IsAllowedBaseURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || u.User != nil {
		return false
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		return true
	case "http":
		return isLocalHost(u.Hostname())
	default:
		return false
	}
}

func isLocalHost(host string) bool {
	host = strings.ToLower(host)
	switch host {
	case "localhost", "127.0.0.1", "0.0.0.0", "::1":
		return true
	}
	if strings.HasSuffix(host, ".local") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.IsLoopback()
	}
	return !strings.Contains(host, ".")
}

// Validate 校验注册请求。地址问题返回 ErrInvalidURL，其它字段返回 INVALID_ARGUMENT。
func (r RegisterRequest) Validate() error {
	err := validate.Struct(r)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !stdErrors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "注册请求不合法")
	}
	for _, fe := range fieldErrs {
		if fe.Field() == "BaseURL" && fe.Tag() == "secureurl" {
			return ErrInvalidURL.With(xerrors.WithMetadata("field", "base_url"))
		}
	}
	fe := fieldErrs[0]
	return xerrors.New(xerrors.CodeInvalidArgument, "注册请求不合法",
		xerrors.WithMetadata("field", jsonFieldName(fe.Field())),
		xerrors.WithMetadata("rule", fe.Tag()),
	)
}

func jsonFieldName(field string) string {
	switch field {
	case "AgentID":
		return "agent_id"
	case "AgentName":
		return "agent_name"
	case "BaseURL":
		return "base_url"
	case "Description":
		return "description"
	default:
		if strings.HasPrefix(field, "Tags") {
			return "tags"
		}
		return strings.ToLower(field)
	}
}

// NormalizeTags 去除空白、转小写并去重，保持首次出现的顺序。
func NormalizeTags(tags []string) []string {
	seen := mapset.NewThreadUnsafeSet[string]()
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(tag))
		if tag == "" || !seen.Add(tag) {
			continue
		}
		out = append(out, tag)
	}
	return out
}

// NormalizeBaseURL 去除首尾空白与末尾斜杠，保证唯一性比较稳定。
func NormalizeBaseURL(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}

// sameTags 判断两组已归一化的标签是否相同，忽略顺序。
func sameTags(a, b []string) bool {
	return mapset.NewThreadUnsafeSet(a...).Equal(mapset.NewThreadUnsafeSet(b...))
}

// hasAllTags 判断智能体是否包含全部过滤标签。
func hasAllTags(profile *AgentProfile, filter []string) bool {
	if len(filter) == 0 {
		return true
	}
	return mapset.NewThreadUnsafeSet(profile.Tags...).Contains(filter...)
}

func cloneProfile(p *AgentProfile) *AgentProfile {
	if p == nil {
		return nil
	}
	clone := *p
	clone.Tags = slices.Clone(p.Tags)
	if clone.Tags == nil {
		clone.Tags = []string{}
	}
	return &clone
}
