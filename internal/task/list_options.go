package task

import (
	"slices"
	"strings"
	"time"
)

// SortOrder 决定按 UpdatedAt 排序的方向。
type SortOrder int

const (
	SortByUpdatedDesc SortOrder = iota
	SortByUpdatedAsc
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
)

// ListOptions 是任务查询的过滤与分页条件，零值表示不过滤。
type ListOptions struct {
	Limit        int
	Offset       int
	Statuses     []Status
	BuyerID      string
	UpdatedSince time.Time
	UpdatedUntil time.Time
	Order        SortOrder
	Query        string
}

// ListOption 以函数式选项修改查询条件。
type ListOption func(*ListOptions)

func WithLimit(limit int) ListOption {
	return func(o *ListOptions) { o.Limit = limit }
}

func WithOffset(offset int) ListOption {
	return func(o *ListOptions) { o.Offset = offset }
}

// WithStatuses 只返回处于给定状态之一的任务，未知状态会被忽略。
func WithStatuses(statuses ...Status) ListOption {
	return func(o *ListOptions) { o.Statuses = slices.Clone(statuses) }
}

// WithBuyer 只返回某个买方发布的任务。
func WithBuyer(buyerID string) ListOption {
	return func(o *ListOptions) { o.BuyerID = buyerID }
}

// WithUpdatedSince 与 WithUpdatedUntil 组成闭区间。
func WithUpdatedSince(ts time.Time) ListOption {
	return func(o *ListOptions) { o.UpdatedSince = ts }
}

func WithUpdatedUntil(ts time.Time) ListOption {
	return func(o *ListOptions) { o.UpdatedUntil = ts }
}

func WithSortOrder(order SortOrder) ListOption {
	return func(o *ListOptions) { o.Order = order }
}

// WithQuery 按任务 ID 或描述做不区分大小写的子串匹配。
func WithQuery(query string) ListOption {
	return func(o *ListOptions) { o.Query = query }
}

// BuildListOptions 依次应用选项并规整结果：limit 限制在 1..100，状态去重。
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
	switch {
	case o.Limit <= 0:
		o.Limit = defaultListLimit
	case o.Limit > maxListLimit:
		o.Limit = maxListLimit
	}
	o.Offset = max(o.Offset, 0)
	if o.Order != SortByUpdatedAsc {
		o.Order = SortByUpdatedDesc
	}
	o.Statuses = knownStatuses(o.Statuses)
	o.BuyerID = strings.TrimSpace(o.BuyerID)
	o.Query = strings.TrimSpace(o.Query)
}

// knownStatuses 去掉未知与重复的状态，保留首次出现的顺序。
func knownStatuses(in []Status) []Status {
	var out []Status
	for _, status := range in {
		if IsValidStatus(status) && !slices.Contains(out, status) {
			out = append(out, status)
		}
	}
	return out
}

// matches 在内存中执行与 MySQL WHERE 子句相同的过滤。
func (o ListOptions) matches(t *Task) bool {
	if len(o.Statuses) > 0 && !slices.Contains(o.Statuses, t.Status) {
		return false
	}
	if o.BuyerID != "" && t.BuyerID != o.BuyerID {
		return false
	}
	if !o.UpdatedSince.IsZero() && t.UpdatedAt.Before(o.UpdatedSince) {
		return false
	}
	if !o.UpdatedUntil.IsZero() && t.UpdatedAt.After(o.UpdatedUntil) {
		return false
	}
	if o.Query == "" {
		return true
	}
	q := strings.ToLower(o.Query)
	return strings.Contains(strings.ToLower(t.ID), q) || strings.Contains(strings.ToLower(t.Description), q)
}
