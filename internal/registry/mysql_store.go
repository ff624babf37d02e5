package registry

import (
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	stdErrors "errors"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"

	xerrors "agentmarket/internal/errors"
	"agentmarket/internal/storage/mysql"
)

// MySQLStore 将注册信息保存在 agents 表中，唯一性由主键与 base_url_hash 唯一索引保证。
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore 创建 MySQLStore。
func NewMySQLStore(db *sql.DB) (*MySQLStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	return &MySQLStore{db: db}, nil
}

const agentColumns = `agent_id, agent_name, base_url, description, tags, version, status, registered_at, last_updated_at`

func baseURLHash(baseURL string) string {
	return hex.EncodeToString(crypto.Keccak256([]byte(baseURL)))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProfile(row rowScanner) (*AgentProfile, error) {
	var (
		profile                 AgentProfile
		rawTags                 sql.NullString
		status                  string
		registeredAt, updatedAt int64
	)
	if err := row.Scan(
		&profile.AgentID,
		&profile.AgentName,
		&profile.BaseURL,
		&profile.Description,
		&rawTags,
		&profile.Version,
		&status,
		&registeredAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}
	profile.Tags = []string{}
	if rawTags.Valid && rawTags.String != "" {
		if err := json.Unmarshal([]byte(rawTags.String), &profile.Tags); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析标签失败")
		}
	}
	profile.Status = Status(status)
	profile.RegisteredAt = mysql.FromMillis(registeredAt)
	profile.LastUpdatedAt = mysql.FromMillis(updatedAt)
	return &profile, nil
}

func (s *MySQLStore) getOne(ctx context.Context, where string, arg any) (*AgentProfile, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE `+where, arg)
	profile, err := scanProfile(row)
	if err != nil {
		if stdErrors.Is(err, sql.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询智能体失败")
	}
	return profile, nil
}

// Get 实现 Store 接口。
func (s *MySQLStore) Get(ctx context.Context, agentID string) (*AgentProfile, error) {
	return s.getOne(ctx, "agent_id = ?", agentID)
}

// GetByBaseURL 实现 Store 接口。
func (s *MySQLStore) GetByBaseURL(ctx context.Context, baseURL string) (*AgentProfile, error) {
	return s.getOne(ctx, "base_url_hash = ?", baseURLHash(baseURL))
}

// Create 实现 Store 接口。
func (s *MySQLStore) Create(ctx context.Context, profile *AgentProfile) error {
	tags, err := json.Marshal(profile.Tags)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码标签失败")
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO agents (`+agentColumns+`, base_url_hash) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		profile.AgentID,
		profile.AgentName,
		profile.BaseURL,
		profile.Description,
		string(tags),
		profile.Version,
		string(profile.Status),
		mysql.UnixMillis(profile.RegisteredAt),
		mysql.UnixMillis(profile.LastUpdatedAt),
		baseURLHash(profile.BaseURL),
	)
	if err != nil {
		if mysql.IsDuplicate(err) {
			return ErrAlreadyRegistered
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入智能体失败")
	}
	return nil
}

// Update 实现 Store 接口。
func (s *MySQLStore) Update(ctx context.Context, profile *AgentProfile, expectedVersion int64) error {
	tags, err := json.Marshal(profile.Tags)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码标签失败")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE agents SET agent_name = ?, base_url = ?, base_url_hash = ?, description = ?, tags = ?,
        version = ?, status = ?, last_updated_at = ? WHERE agent_id = ? AND version = ?`,
		profile.AgentName,
		profile.BaseURL,
		baseURLHash(profile.BaseURL),
		profile.Description,
		string(tags),
		profile.Version,
		string(profile.Status),
		mysql.UnixMillis(profile.LastUpdatedAt),
		profile.AgentID,
		expectedVersion,
	)
	if err != nil {
		if mysql.IsDuplicate(err) {
			return ErrAlreadyRegistered
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新智能体失败")
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "获取影响行数失败")
	}
	if affected == 0 {
		if _, err := s.Get(ctx, profile.AgentID); err != nil {
			return err
		}
		return errStaleVersion
	}
	return nil
}

// List 实现 Store 接口。
func (s *MySQLStore) List(ctx context.Context, opts ListOptions) (Page, error) {
	opts.applyDefaults()

	var (
		clauses []string
		args    []any
	)
	if !opts.IncludeInactive {
		clauses = append(clauses, "status = ?")
		args = append(args, string(StatusActive))
	}
	if opts.Cursor != nil {
		ms := mysql.UnixMillis(opts.Cursor.RegisteredAt)
		clauses = append(clauses, "(registered_at < ? OR (registered_at = ? AND agent_id < ?))")
		args = append(args, ms, ms, opts.Cursor.AgentID)
	}
	if opts.Query != "" {
		clauses = append(clauses, "(LOWER(agent_name) LIKE ? OR LOWER(description) LIKE ?)")
		pattern := "%" + escapeLike(opts.Query) + "%"
		args = append(args, pattern, pattern)
	}
	for _, tag := range opts.Tags {
		clauses = append(clauses, "tags LIKE ?")
		args = append(args, "%"+escapeLike(`"`+tag+`"`)+"%")
	}

	query := `SELECT ` + agentColumns + ` FROM agents`
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY registered_at DESC, agent_id DESC LIMIT ? OFFSET ?"
	args = append(args, opts.Limit+1, opts.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return Page{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询智能体列表失败")
	}
	defer rows.Close()

	profiles := make([]*AgentProfile, 0, opts.Limit+1)
	for rows.Next() {
		profile, err := scanProfile(rows)
		if err != nil {
			return Page{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析智能体记录失败")
		}
		if hasAllTags(profile, opts.Tags) {
			profiles = append(profiles, profile)
		}
	}
	if err := rows.Err(); err != nil {
		return Page{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历智能体失败")
	}
	return newPage(profiles, opts.Limit), nil
}

func escapeLike(value string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(value)
}

// Close 关闭数据库连接。
func (s *MySQLStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

var _ Store = (*MySQLStore)(nil)
