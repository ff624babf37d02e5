package task

import (
	"context"
	"database/sql"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"strings"
	"time"

	xerrors "agentmarket/internal/errors"
	"agentmarket/internal/storage/mysql"
)

// MySQLStore 使用 MySQL 记录任务与报价，状态变更依赖条件更新与行锁。
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

const taskColumns = `id, buyer_id, description, context, complexity, status, selected_claim_id, selected_seller_id,
        claim_window_closes_at, deadline_at, created_at, updated_at`

// Create 插入新的任务记录。
func (s *MySQLStore) Create(ctx context.Context, task *Task) error {
	if task == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "task 不能为空")
	}
	if strings.TrimSpace(task.ID) == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "任务 ID 不能为空")
	}
	contextValue, err := marshalContext(task.Context)
	if err != nil {
		return xerrors.Wrap(CodeTaskValidation, err, "编码任务 context 失败")
	}

	const stmt = `INSERT INTO market_tasks (` + taskColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, stmt,
		task.ID,
		task.BuyerID,
		task.Description,
		contextValue,
		task.Complexity,
		string(task.Status),
		task.SelectedClaimID,
		task.SelectedSellerID,
		mysql.UnixMillis(task.ClaimWindowClosesAt),
		mysql.UnixMillis(task.DeadlineAt),
		mysql.UnixMillis(task.CreatedAt),
		mysql.UnixMillis(task.UpdatedAt),
	)
	if err != nil {
		if mysql.IsDuplicate(err) {
			return ErrTaskConflict
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入任务失败")
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*Task, error) {
	var (
		task                                       Task
		status                                     string
		rawContext                                 sql.NullString
		windowAt, deadlineAt, createdAt, updatedAt int64
	)
	if err := row.Scan(
		&task.ID,
		&task.BuyerID,
		&task.Description,
		&rawContext,
		&task.Complexity,
		&status,
		&task.SelectedClaimID,
		&task.SelectedSellerID,
		&windowAt,
		&deadlineAt,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	decoded, err := unmarshalContext(rawContext)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务 context 失败")
	}
	task.Context = decoded
	task.Status = Status(status)
	task.ClaimWindowClosesAt = mysql.FromMillis(windowAt)
	task.DeadlineAt = mysql.FromMillis(deadlineAt)
	task.CreatedAt = mysql.FromMillis(createdAt)
	task.UpdatedAt = mysql.FromMillis(updatedAt)
	return &task, nil
}

// Get 查询指定任务。
func (s *MySQLStore) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM market_tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务失败")
	}
	return task, nil
}

// Transition 使用 UPDATE ... WHERE status IN (...) 完成 CAS 迁移。
func (s *MySQLStore) Transition(ctx context.Context, id string, to Status, at time.Time) (*Task, error) {
	sources := sourcesOf(to)
	if len(sources) == 0 {
		current, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		return current, invalidTransition(current.Status, to)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	args := []any{string(to), mysql.UnixMillis(at), id}
	for _, source := range sources {
		args = append(args, string(source))
	}
	stmt := fmt.Sprintf(`UPDATE market_tasks SET status = ?, updated_at = ? WHERE id = ? AND status IN (%s)`, placeholders(len(sources)))
	res, err := tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新任务状态失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		_ = tx.Rollback()
		current, getErr := s.Get(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return current, invalidTransition(current.Status, to)
	}
	if to.Terminal() {
		if _, err := tx.ExecContext(ctx, `DELETE FROM market_claims WHERE task_id = ?`, id); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "清理任务报价失败")
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return s.Get(ctx, id)
}

// lockTask 在事务内以 FOR UPDATE 读取任务行。
func lockTask(ctx context.Context, tx *sql.Tx, id string) (*Task, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM market_tasks WHERE id = ? FOR UPDATE`, id)
	task, err := scanTask(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "锁定任务失败")
	}
	return task, nil
}

// AddClaim 在任务行锁内校验报价窗口并分配序号。
func (s *MySQLStore) AddClaim(ctx context.Context, claim *Claim) (*Claim, error) {
	if claim == nil || claim.TaskID == "" || claim.SellerID == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "报价缺少任务或卖方")
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	task, err := lockTask(ctx, tx, claim.TaskID)
	if err != nil {
		return nil, err
	}
	if !task.AcceptingClaims(claim.SubmittedAt) {
		return nil, ErrTaskNotOpen
	}

	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM market_claims WHERE task_id = ?`, claim.TaskID).Scan(&seq); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询报价序号失败")
	}

	stored := cloneClaim(claim)
	stored.Seq = seq + 1
	stored.SubmittedAt = claim.SubmittedAt.UTC()
	_, err = tx.ExecContext(ctx, `INSERT INTO market_claims (id, task_id, seller_id, price, asset, network, eta_seconds, note, seq, submitted_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.ID,
		stored.TaskID,
		stored.SellerID,
		stored.Terms.Price,
		stored.Terms.Asset,
		stored.Terms.Network,
		stored.Terms.ETASeconds,
		stored.Terms.Note,
		stored.Seq,
		mysql.UnixMillis(stored.SubmittedAt),
	)
	if err != nil {
		if mysql.IsDuplicate(err) {
			return nil, ErrDuplicateClaim
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "插入报价失败")
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}
	return stored, nil
}

// Claims 按到达顺序返回任务的报价。
func (s *MySQLStore) Claims(ctx context.Context, taskID string) ([]*Claim, error) {
	if _, err := s.Get(ctx, taskID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, task_id, seller_id, price, asset, network, eta_seconds, note, seq, submitted_at
        FROM market_claims WHERE task_id = ? ORDER BY seq ASC`, taskID)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询报价失败")
	}
	defer rows.Close()

	claims := make([]*Claim, 0)
	for rows.Next() {
		var (
			claim       Claim
			note        sql.NullString
			submittedAt int64
		)
		if err := rows.Scan(
			&claim.ID,
			&claim.TaskID,
			&claim.SellerID,
			&claim.Terms.Price,
			&claim.Terms.Asset,
			&claim.Terms.Network,
			&claim.Terms.ETASeconds,
			&note,
			&claim.Seq,
			&submittedAt,
		); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析报价失败")
		}
		claim.Terms.Note = note.String
		claim.SubmittedAt = mysql.FromMillis(submittedAt)
		claims = append(claims, &claim)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历报价失败")
	}
	return claims, nil
}

// SelectClaim 在任务行锁内完成选定，重复选择会得到 ErrClaimAlreadySelected。
func (s *MySQLStore) SelectClaim(ctx context.Context, taskID, claimID string, at time.Time) (*Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启事务失败")
	}
	defer tx.Rollback()

	task, err := lockTask(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if task.SelectedClaimID != "" {
		return task, ErrClaimAlreadySelected
	}
	if !task.AcceptingClaims(at) {
		return task, ErrTaskNotOpen
	}

	var sellerID string
	err = tx.QueryRowContext(ctx, `SELECT seller_id FROM market_claims WHERE id = ? AND task_id = ?`, claimID, taskID).Scan(&sellerID)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrClaimNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询报价失败")
	}

	if _, err := tx.ExecContext(ctx, `UPDATE market_tasks SET status = ?, selected_claim_id = ?, selected_seller_id = ?, updated_at = ?
        WHERE id = ? AND status = ? AND selected_claim_id = ''`,
		string(StatusClaimed), claimID, sellerID, mysql.UnixMillis(at), taskID, string(StatusOpen)); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "选定报价失败")
	}
	if err := tx.Commit(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交事务失败")
	}

	task.Status = StatusClaimed
	task.SelectedClaimID = claimID
	task.SelectedSellerID = sellerID
	task.UpdatedAt = at.UTC().Truncate(time.Millisecond)
	return task, nil
}

// List 返回最近的任务。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) ([]*Task, error) {
	opts.applyDefaults()

	query := `SELECT ` + taskColumns + ` FROM market_tasks`
	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	order := " ORDER BY updated_at DESC, created_at DESC, id ASC"
	if opts.Order == SortByUpdatedAsc {
		order = " ORDER BY updated_at ASC, created_at ASC, id ASC"
	}
	query += order + " LIMIT ? OFFSET ?"
	args := append(filterArgs, opts.Limit, opts.Offset)

	return s.queryTasks(ctx, query, args...)
}

// Overdue 返回应当过期的非终态任务。
func (s *MySQLStore) Overdue(ctx context.Context, now time.Time, limit int) ([]*Task, error) {
	if limit <= 0 {
		limit = 100
	}
	nowMS := mysql.UnixMillis(now)
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM market_tasks
        WHERE (status = ? AND claim_window_closes_at <= ?) OR (status IN (?, ?) AND deadline_at <= ?)
        ORDER BY updated_at ASC LIMIT ?`,
		string(StatusOpen), nowMS, string(StatusClaimed), string(StatusExecuting), nowMS, limit)
}

func (s *MySQLStore) queryTasks(ctx context.Context, query string, args ...any) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务列表失败")
	}
	defer rows.Close()

	tasks := make([]*Task, 0)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析任务记录失败")
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历任务失败")
	}
	return tasks, nil
}

// Stats 返回符合过滤条件的任务聚合信息。
func (s *MySQLStore) Stats(ctx context.Context, opts ListOptions) (TaskStats, error) {
	opts.applyDefaults()

	query := `SELECT
        COUNT(*) AS total,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS open_count,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS claimed_count,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS executing_count,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS done_count,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS failed_count,
        COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0) AS expired_count,
        COALESCE(MIN(updated_at), 0) AS oldest,
        COALESCE(MAX(updated_at), 0) AS newest
        FROM market_tasks`

	clause, filterArgs := buildFilterClause(opts)
	if clause != "" {
		query += " WHERE " + clause
	}
	args := []any{
		string(StatusOpen), string(StatusClaimed), string(StatusExecuting),
		string(StatusDone), string(StatusFailed), string(StatusExpired),
	}
	args = append(args, filterArgs...)

	var stats TaskStats
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(
		&stats.Total,
		&stats.Open,
		&stats.Claimed,
		&stats.Executing,
		&stats.Done,
		&stats.Failed,
		&stats.Expired,
		&stats.OldestUpdatedAt,
		&stats.NewestUpdatedAt,
	); err != nil {
		return TaskStats{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询任务统计失败")
	}
	return stats, nil
}

// Close 关闭底层数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func marshalContext(value map[string]any) (sql.NullString, error) {
	if len(value) == 0 {
		return sql.NullString{}, nil
	}
	bytes, err := json.Marshal(value)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(bytes), Valid: true}, nil
}

func unmarshalContext(raw sql.NullString) (map[string]any, error) {
	if !raw.Valid || strings.TrimSpace(raw.String) == "" {
		return nil, nil
	}
	var value map[string]any
	if err := json.Unmarshal([]byte(raw.String), &value); err != nil {
		return nil, err
	}
	return value, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func buildFilterClause(opts ListOptions) (string, []any) {
	conditions := make([]string, 0, 4)
	args := make([]any, 0, 6)

	if len(opts.Statuses) > 0 {
		conditions = append(conditions, fmt.Sprintf("status IN (%s)", placeholders(len(opts.Statuses))))
		for _, status := range opts.Statuses {
			args = append(args, string(status))
		}
	}
	if opts.BuyerID != "" {
		conditions = append(conditions, "buyer_id = ?")
		args = append(args, opts.BuyerID)
	}
	if !opts.UpdatedSince.IsZero() {
		conditions = append(conditions, "updated_at >= ?")
		args = append(args, mysql.UnixMillis(opts.UpdatedSince))
	}
	if !opts.UpdatedUntil.IsZero() {
		conditions = append(conditions, "updated_at <= ?")
		args = append(args, mysql.UnixMillis(opts.UpdatedUntil))
	}
	if opts.Query != "" {
		pattern := "%" + opts.Query + "%"
		conditions = append(conditions, "(id LIKE ? OR description LIKE ?)")
		args = append(args, pattern, pattern)
	}

	if len(conditions) == 0 {
		return "", nil
	}
	return strings.Join(conditions, " AND "), args
}

var _ Store = (*MySQLStore)(nil)
