package execution

import (
	"log/slog"
	"sync"

	"agentmarket/pkg/logger"
)

// Secrets 是买方随任务提交的密钥，只存在于进程内存中。
// 它的字符串、日志与 JSON 表示均被脱敏。
type Secrets map[string]string

// String 实现 fmt.Stringer。
func (Secrets) String() string { return logger.RedactedText }

// LogValue 实现 slog.LogValuer。
func (Secrets) LogValue() slog.Value { return slog.StringValue(logger.RedactedText) }

// MarshalJSON 防止密钥被序列化输出。
func (Secrets) MarshalJSON() ([]byte, error) {
	return []byte(`"` + logger.RedactedText + `"`), nil
}

// Values 返回全部密钥值，用于从输出中擦除。
func (s Secrets) Values() []string {
	values := make([]string, 0, len(s))
	for _, v := range s {
		values = append(values, v)
	}
	return values
}

// Clone 复制密钥集合。
func (s Secrets) Clone() Secrets {
	out := make(Secrets, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}

// Vault 在工作单元生命周期内保存任务密钥。
type Vault struct {
	mu    sync.Mutex
	items map[string]Secrets
}

// NewVault 创建空的 Vault。
func NewVault() *Vault {
	return &Vault{items: make(map[string]Secrets)}
}

// Put 保存任务密钥，nil 也会登记为空集合。
func (v *Vault) Put(taskID string, secrets Secrets) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.items[taskID] = secrets.Clone()
}

// Get 返回任务密钥副本。
func (v *Vault) Get(taskID string) (Secrets, bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	secrets, ok := v.items[taskID]
	if !ok {
		return nil, false
	}
	return secrets.Clone(), true
}

// Drop 删除任务密钥。
func (v *Vault) Drop(taskID string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	delete(v.items, taskID)
}

// Len 返回当前保存的任务数。
func (v *Vault) Len() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.items)
}
