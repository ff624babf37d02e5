package task

import (
	"sort"
	"strings"
	"time"

	xerrors "agentmarket/internal/errors"
)

// DeadlinePolicy 将任务复杂度档位映射为截止时长，并给出报价窗口长度。
type DeadlinePolicy struct {
	Buckets     map[string]time.Duration
	Default     string
	ClaimWindow time.Duration
}

// DefaultDeadlinePolicy 返回 short/standard/complex 三档的默认策略。
func DefaultDeadlinePolicy() DeadlinePolicy {
	return DeadlinePolicy{
		Buckets: map[string]time.Duration{
			"short":    60 * time.Second,
			"standard": 300 * time.Second,
			"complex":  1800 * time.Second,
		},
		Default:     "standard",
		ClaimWindow: 30 * time.Second,
	}
}

// NewDeadlinePolicy 由秒数配置构造策略。
func NewDeadlinePolicy(bucketSeconds map[string]int, defaultBucket string, claimWindow time.Duration) DeadlinePolicy {
	policy := DeadlinePolicy{Buckets: make(map[string]time.Duration, len(bucketSeconds)), Default: defaultBucket, ClaimWindow: claimWindow}
	for name, seconds := range bucketSeconds {
		policy.Buckets[strings.ToLower(strings.TrimSpace(name))] = time.Duration(seconds) * time.Second
	}
	if len(policy.Buckets) == 0 {
		policy.Buckets = DefaultDeadlinePolicy().Buckets
	}
	if policy.Default == "" {
		policy.Default = "standard"
	}
	if policy.ClaimWindow <= 0 {
		policy.ClaimWindow = 30 * time.Second
	}
	return policy
}

// Resolve 返回规范化的档位名和对应的时长。空字符串使用默认档位，未知档位返回校验错误。
func (p DeadlinePolicy) Resolve(complexity string) (string, time.Duration, error) {
	name := strings.ToLower(strings.TrimSpace(complexity))
	if name == "" {
		name = p.Default
	}
	duration, ok := p.Buckets[name]
	if !ok || duration <= 0 {
		return "", 0, xerrors.New(CodeTaskValidation, "未知的任务复杂度档位",
			xerrors.WithMetadata("complexity", complexity),
			xerrors.WithMetadata("allowed", strings.Join(p.Names(), ",")))
	}
	return name, duration, nil
}

// Names 返回排序后的档位名称。
func (p DeadlinePolicy) Names() []string {
	names := make([]string, 0, len(p.Buckets))
	for name := range p.Buckets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
