package registry

import (
	"encoding/base64"
	"strconv"
	"strings"
	"time"

	xerrors "agentmarket/internal/errors"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// Cursor 指向列表中最后返回的一条记录，按 (registered_at, agent_id) 倒序续读。
type Cursor struct {
	RegisteredAt time.Time
	AgentID      string
}

// Encode 将游标编码为不透明字符串。
func (c Cursor) Encode() string {
	raw := strconv.FormatInt(c.RegisteredAt.UnixMilli(), 10) + "|" + c.AgentID
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor 解析 Encode 生成的游标。
func DecodeCursor(token string) (*Cursor, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "游标格式不正确")
	}
	millis, agentID, ok := strings.Cut(string(raw), "|")
	if !ok || agentID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "游标格式不正确")
	}
	ms, err := strconv.ParseInt(millis, 10, 64)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "游标格式不正确")
	}
	return &Cursor{RegisteredAt: time.UnixMilli(ms).UTC(), AgentID: agentID}, nil
}

// after 判断 profile 是否位于游标之后（倒序意义上更旧）。
func (c *Cursor) after(profile *AgentProfile) bool {
	if c == nil {
		return true
	}
	ts := profile.RegisteredAt.UnixMilli()
	cts := c.RegisteredAt.UnixMilli()
	if ts != cts {
		return ts < cts
	}
	return profile.AgentID < c.AgentID
}

// ListOptions 控制注册表列表查询。
type ListOptions struct {
	Limit           int
	Offset          int
	Cursor          *Cursor
	Tags            []string
	Query           string
	IncludeInactive bool
}

// ListOption 修改 ListOptions。
type ListOption func(*ListOptions)

// WithLimit 设置单页数量，默认 20，最大 100。
func WithLimit(limit int) ListOption {
	return func(o *ListOptions) { o.Limit = limit }
}

// WithOffset 设置偏移量。与游标同时使用时偏移量作用于游标之后的记录。
func WithOffset(offset int) ListOption {
	return func(o *ListOptions) { o.Offset = offset }
}

// WithCursor 从上一页返回的游标继续读取。
func WithCursor(cursor *Cursor) ListOption {
	return func(o *ListOptions) { o.Cursor = cursor }
}

// WithTags 只返回包含全部标签的智能体。
func WithTags(tags ...string) ListOption {
	return func(o *ListOptions) { o.Tags = append(o.Tags, tags...) }
}

// WithQuery 按名称或描述做不区分大小写的子串匹配。
func WithQuery(query string) ListOption {
	return func(o *ListOptions) { o.Query = query }
}

// WithInactive 同时返回已停用的智能体。
func WithInactive() ListOption {
	return func(o *ListOptions) { o.IncludeInactive = true }
}

// BuildListOptions 合并选项并应用默认值。
func BuildListOptions(opts ...ListOption) ListOptions {
	var o ListOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	o.applyDefaults()
	return o
}

func (o *ListOptions) applyDefaults() {
	if o.Limit <= 0 {
		o.Limit = defaultListLimit
	}
	if o.Limit > maxListLimit {
		o.Limit = maxListLimit
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
	o.Tags = NormalizeTags(o.Tags)
	o.Query = strings.ToLower(strings.TrimSpace(o.Query))
}

func (o ListOptions) matches(profile *AgentProfile) bool {
	if !o.IncludeInactive && profile.Status == StatusInactive {
		return false
	}
	if !o.Cursor.after(profile) {
		return false
	}
	if !hasAllTags(profile, o.Tags) {
		return false
	}
	if o.Query != "" {
		haystack := strings.ToLower(profile.AgentName + "\n" + profile.Description)
		if !strings.Contains(haystack, o.Query) {
			return false
		}
	}
	return true
}

// Page 是一页注册表记录。
type Page struct {
	Agents     []*AgentProfile `json:"agents"`
	NextCursor string          `json:"next_cursor,omitempty"`
	HasMore    bool            `json:"has_more"`
}

// newPage 根据多取一条的结果构造分页信息。
func newPage(rows []*AgentProfile, limit int) Page {
	page := Page{Agents: rows}
	if len(rows) > limit {
		page.Agents = rows[:limit]
		page.HasMore = true
	}
	if page.Agents == nil {
		page.Agents = []*AgentProfile{}
	}
	if page.HasMore {
		last := page.Agents[len(page.Agents)-1]
		page.NextCursor = Cursor{RegisteredAt: last.RegisteredAt, AgentID: last.AgentID}.Encode()
	}
	return page
}
