package webhook

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// 事件类型。
const (
	EventAgentRegistered = "agent.registered"
	EventAgentUpdated    = "agent.updated"
	EventTaskCreated     = "task.created"
	EventExecutionDone   = "execution.done"
	EventExecutionFailed = "execution.failed"
	EventAlertRaised     = "alert.raised"
)

// TaskEventType 返回任务状态对应的事件名，例如 task.claimed。
func TaskEventType(status string) string {
	return "task." + status
}

// Event 是一次需要推送给订阅方的业务事件。
type Event struct {
	ID        string         `json:"event_id"`
	Type      string         `json:"event_type"`
	TaskID    string         `json:"task_id,omitempty"`
	Status    string         `json:"status,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent 构造带 ID 与 UTC 时间戳的事件。
func NewEvent(eventType, taskID, status string, data map[string]any) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      eventType,
		TaskID:    taskID,
		Status:    status,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Notifier 接收业务事件。实现必须是非阻塞的，且不返回错误。
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// NopNotifier 丢弃所有事件。
type NopNotifier struct{}

// Notify 实现 Notifier。
func (NopNotifier) Notify(context.Context, Event) {}

// NotifierFunc 允许使用普通函数作为 Notifier。
type NotifierFunc func(ctx context.Context, event Event)

// Notify 实现 Notifier。
func (f NotifierFunc) Notify(ctx context.Context, event Event) {
	if f != nil {
		f(ctx, event)
	}
}
