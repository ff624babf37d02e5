package payment

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"time"

	xerrors "agentmarket/internal/errors"
	"agentmarket/internal/storage/mysql"
)

// MySQLLedger 以 payment_ledger 表的主键保证指纹唯一。
type MySQLLedger struct {
	db *sql.DB
}

// NewMySQLLedger 创建 MySQLLedger。
func NewMySQLLedger(db *sql.DB) (*MySQLLedger, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	return &MySQLLedger{db: db}, nil
}

// Reserve 实现 Ledger。
func (l *MySQLLedger) Reserve(ctx context.Context, fingerprint, taskID string, now time.Time, ttl time.Duration) error {
	_, err := l.db.ExecContext(ctx, `INSERT INTO payment_ledger (fingerprint, task_id, state, reserved_at, consumed_at) VALUES (?, ?, ?, ?, 0)`,
		fingerprint, taskID, string(StateReserved), mysql.UnixMillis(now))
	if err == nil {
		return nil
	}
	if !mysql.IsDuplicate(err) {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "预占支付凭证失败")
	}

	if ttl > 0 {
		res, err := l.db.ExecContext(ctx, `UPDATE payment_ledger SET task_id = ?, reserved_at = ?
            WHERE fingerprint = ? AND state = ? AND reserved_at <= ?`,
			taskID, mysql.UnixMillis(now), fingerprint, string(StateReserved), mysql.UnixMillis(now.Add(-ttl)))
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "接管过期预占失败")
		}
		if affected, err := res.RowsAffected(); err == nil && affected == 1 {
			return nil
		}
	}

	entry, err := l.Lookup(ctx, fingerprint)
	if err != nil {
		return err
	}
	if entry == nil {
		return ErrAlreadyConsumed
	}
	return alreadyConsumed(entry.TaskID)
}

// Commit 实现 Ledger。
func (l *MySQLLedger) Commit(ctx context.Context, fingerprint, taskID string, now time.Time) error {
	res, err := l.db.ExecContext(ctx, `UPDATE payment_ledger SET state = ?, consumed_at = ?
        WHERE fingerprint = ? AND task_id = ? AND state = ?`,
		string(StateConsumed), mysql.UnixMillis(now), fingerprint, taskID, string(StateReserved))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交支付凭证失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		return errReservationLost
	}
	return nil
}

// Release 实现 Ledger。
func (l *MySQLLedger) Release(ctx context.Context, fingerprint, taskID string) error {
	_, err := l.db.ExecContext(ctx, `DELETE FROM payment_ledger WHERE fingerprint = ? AND task_id = ? AND state = ?`,
		fingerprint, taskID, string(StateReserved))
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "释放支付凭证失败")
	}
	return nil
}

// Lookup 实现 Ledger。
func (l *MySQLLedger) Lookup(ctx context.Context, fingerprint string) (*Entry, error) {
	var (
		entry      Entry
		state      string
		reservedAt int64
		consumedAt int64
	)
	err := l.db.QueryRowContext(ctx, `SELECT fingerprint, task_id, state, reserved_at, consumed_at FROM payment_ledger WHERE fingerprint = ?`, fingerprint).
		Scan(&entry.Fingerprint, &entry.TaskID, &state, &reservedAt, &consumedAt)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询支付凭证失败")
	}
	entry.State = EntryState(state)
	entry.ReservedAt = mysql.FromMillis(reservedAt)
	entry.ConsumedAt = mysql.FromMillis(consumedAt)
	return &entry, nil
}

var _ Ledger = (*MySQLLedger)(nil)
