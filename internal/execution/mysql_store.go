package execution

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"time"

	xerrors "agentmarket/internal/errors"
	"agentmarket/internal/storage/mysql"
)

// MySQLStore 将执行记录保存在 executions 表中。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 基于已迁移的连接池创建 MySQLStore。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	return &MySQLStore{db: db}, nil
}

const recordColumns = `task_id, secret_digest, status, description, context, complexity, data, error_message, error_type,
        execution_time_ms, tools_used, payer, payment_fingerprint, created_at, deadline_at, completed_at`

// Create 实现 Store。
func (s *MySQLStore) Create(ctx context.Context, rec *Record) error {
	if rec == nil || rec.TaskID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "执行记录缺少任务 ID")
	}
	contextValue, err := encodeJSON(rec.Context)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码任务 context 失败")
	}
	const stmt = `INSERT INTO executions (` + recordColumns + `) VALUES (?, ?, ?, ?, ?, ?, NULL, NULL, '', 0, NULL, ?, ?, ?, ?, 0)`
	_, err = s.db.ExecContext(ctx, stmt,
		rec.TaskID,
		rec.SecretDigest,
		string(rec.Status),
		rec.Description,
		contextValue,
		rec.Complexity,
		rec.Payer,
		rec.PaymentFingerprint,
		mysql.UnixMillis(rec.CreatedAt),
		mysql.UnixMillis(rec.DeadlineAt),
	)
	if err != nil {
		if mysql.IsDuplicate(err) {
			return ErrRecordExists
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入执行记录失败")
	}
	return nil
}

// Bind 实现 Store。
func (s *MySQLStore) Bind(ctx context.Context, taskID, secretDigest, payer, fingerprint string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE executions SET payer = ?, payment_fingerprint = ?
        WHERE task_id = ? AND secret_digest = ? AND payment_fingerprint = ''`,
		payer, fingerprint, taskID, secretDigest)
	return holdResult(result, err, "绑定支付信息失败")
}

// Discard 实现 Store。
func (s *MySQLStore) Discard(ctx context.Context, taskID, secretDigest string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM executions
        WHERE task_id = ? AND secret_digest = ? AND payment_fingerprint = ''`,
		taskID, secretDigest)
	return holdResult(result, err, "删除执行占位记录失败")
}

func holdResult(result sql.Result, err error, message string) error {
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, message)
	}
	if affected == 0 {
		return errHoldLost
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var (
		rec                                Record
		status, errorType                  string
		rawContext, rawData, rawTools      sql.NullString
		errorMessage                       sql.NullString
		createdAt, deadlineAt, completedAt int64
	)
	if err := row.Scan(
		&rec.TaskID,
		&rec.SecretDigest,
		&status,
		&rec.Description,
		&rawContext,
		&rec.Complexity,
		&rawData,
		&errorMessage,
		&errorType,
		&rec.ExecutionTimeMS,
		&rawTools,
		&rec.Payer,
		&rec.PaymentFingerprint,
		&createdAt,
		&deadlineAt,
		&completedAt,
	); err != nil {
		return nil, err
	}
	rec.Status = Status(status)
	if rawContext.Valid && rawContext.String != "" {
		if err := json.Unmarshal([]byte(rawContext.String), &rec.Context); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务 context 失败")
		}
	}
	if rawData.Valid && rawData.String != "" {
		if err := json.Unmarshal([]byte(rawData.String), &rec.Data); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行结果失败")
		}
	}
	if rawTools.Valid && rawTools.String != "" {
		if err := json.Unmarshal([]byte(rawTools.String), &rec.ToolsUsed); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析 tools_used 失败")
		}
	}
	if errorType != "" || errorMessage.String != "" {
		rec.Error = &ErrorDetail{Message: errorMessage.String, Type: errorType}
	}
	rec.CreatedAt = mysql.FromMillis(createdAt)
	rec.DeadlineAt = mysql.FromMillis(deadlineAt)
	if completedAt > 0 {
		rec.CompletedAt = mysql.FromMillis(completedAt)
	}
	return &rec, nil
}

// Get 实现 Store。
func (s *MySQLStore) Get(ctx context.Context, taskID string) (*Record, error) {
	rec, err := scanRecord(s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM executions WHERE task_id = ?`, taskID))
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrRecordNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询执行记录失败")
	}
	return rec, nil
}

// Complete 使用 UPDATE ... WHERE status = 'in_progress' 完成条件迁移。
func (s *MySQLStore) Complete(ctx context.Context, taskID string, outcome Outcome, at time.Time) (*Record, error) {
	var rec Record
	outcome.apply(&rec, at)

	var data, tools any
	if rec.Status == StatusDone {
		encoded, err := encodeJSON(rec.Data)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码执行结果失败")
		}
		data = encoded
		encodedTools, err := encodeJSON(rec.ToolsUsed)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码 tools_used 失败")
		}
		tools = encodedTools
	}
	var errorMessage any
	errorType := ""
	if rec.Error != nil {
		errorMessage = rec.Error.Message
		errorType = rec.Error.Type
	}

	res, err := s.db.ExecContext(ctx, `UPDATE executions SET status = ?, data = ?, error_message = ?, error_type = ?,
        execution_time_ms = ?, tools_used = ?, completed_at = ? WHERE task_id = ? AND status = ?`,
		string(rec.Status), data, errorMessage, errorType, rec.ExecutionTimeMS, tools, mysql.UnixMillis(at),
		taskID, string(StatusInProgress))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新执行记录失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	current, getErr := s.Get(ctx, taskID)
	if getErr != nil {
		return nil, getErr
	}
	if affected == 0 {
		return current, errAlreadyTerminal
	}
	return current, nil
}

// Overdue 实现 Store。
func (s *MySQLStore) Overdue(ctx context.Context, now time.Time, limit int) ([]*Record, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM executions
        WHERE status = ? AND payment_fingerprint <> '' AND deadline_at < ? ORDER BY deadline_at ASC LIMIT ?`,
		string(StatusInProgress), mysql.UnixMillis(now), limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询逾期执行记录失败")
	}
	defer rows.Close()
	var due []*Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析执行记录失败")
		}
		due = append(due, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历执行记录失败")
	}
	return due, nil
}

// Close 连接池由调用方管理。
func (s *MySQLStore) Close() error { return nil }

func encodeJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	encoded, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(encoded), nil
}

var _ Store = (*MySQLStore)(nil)
