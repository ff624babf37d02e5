package payment

import (
	"context"
	stdErrors "errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "agentmarket/internal/errors"
)

// RedisLedger 使用 SET NX PX 预占指纹，提交与释放通过 Lua 脚本做比较后写入。
// 预占键带过期时间，崩溃遗留的预占会自然失效；已消费的键永久保留。
type RedisLedger struct {
	client *redis.Client
	prefix string
}

// NewRedisLedger 创建 RedisLedger。
func NewRedisLedger(client *redis.Client, prefix string) *RedisLedger {
	if prefix == "" {
		prefix = "agentmarket:payment"
	}
	return &RedisLedger{client: client, prefix: prefix}
}

// 值格式为 state|task_id|unix_millis。
func encodeEntry(state EntryState, taskID string, at time.Time) string {
	return string(state) + "|" + taskID + "|" + strconv.FormatInt(at.UnixMilli(), 10)
}

func decodeEntry(fingerprint, raw string) *Entry {
	parts := strings.SplitN(raw, "|", 3)
	if len(parts) != 3 {
		return &Entry{Fingerprint: fingerprint, State: StateConsumed}
	}
	ms, _ := strconv.ParseInt(parts[2], 10, 64)
	entry := &Entry{Fingerprint: fingerprint, TaskID: parts[1], State: EntryState(parts[0])}
	if entry.State == StateConsumed {
		entry.ConsumedAt = time.UnixMilli(ms).UTC()
	} else {
		entry.ReservedAt = time.UnixMilli(ms).UTC()
	}
	return entry
}

var commitScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if not current then return 0 end
if string.sub(current, 1, string.len(ARGV[1])) ~= ARGV[1] then return 0 end
redis.call("SET", KEYS[1], ARGV[2])
return 1
`)

var releaseScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current and string.sub(current, 1, string.len(ARGV[1])) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

func (l *RedisLedger) key(fingerprint string) string {
	return l.prefix + ":" + strings.ToLower(fingerprint)
}

// Reserve 实现 Ledger。
func (l *RedisLedger) Reserve(ctx context.Context, fingerprint, taskID string, now time.Time, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	ok, err := l.client.SetNX(ctx, l.key(fingerprint), encodeEntry(StateReserved, taskID, now), ttl).Result()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUnavailable, err, "预占支付凭证失败")
	}
	if ok {
		return nil
	}
	raw, err := l.client.Get(ctx, l.key(fingerprint)).Result()
	if err != nil && !stdErrors.Is(err, redis.Nil) {
		return xerrors.Wrap(xerrors.CodeUnavailable, err, "读取支付凭证失败")
	}
	if raw == "" {
		return ErrAlreadyConsumed
	}
	return alreadyConsumed(decodeEntry(fingerprint, raw).TaskID)
}

// Commit 实现 Ledger。
func (l *RedisLedger) Commit(ctx context.Context, fingerprint, taskID string, now time.Time) error {
	prefix := string(StateReserved) + "|" + taskID + "|"
	res, err := commitScript.Run(ctx, l.client, []string{l.key(fingerprint)}, prefix, encodeEntry(StateConsumed, taskID, now)).Int()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUnavailable, err, "提交支付凭证失败")
	}
	if res != 1 {
		return errReservationLost
	}
	return nil
}

// Release 实现 Ledger。
func (l *RedisLedger) Release(ctx context.Context, fingerprint, taskID string) error {
	prefix := string(StateReserved) + "|" + taskID + "|"
	if err := releaseScript.Run(ctx, l.client, []string{l.key(fingerprint)}, prefix).Err(); err != nil && !stdErrors.Is(err, redis.Nil) {
		return xerrors.Wrap(xerrors.CodeUnavailable, err, "释放支付凭证失败")
	}
	return nil
}

// Lookup 实现 Ledger。
func (l *RedisLedger) Lookup(ctx context.Context, fingerprint string) (*Entry, error) {
	raw, err := l.client.Get(ctx, l.key(fingerprint)).Result()
	if stdErrors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeUnavailable, err, "读取支付凭证失败")
	}
	return decodeEntry(fingerprint, raw), nil
}

var _ Ledger = (*RedisLedger)(nil)
