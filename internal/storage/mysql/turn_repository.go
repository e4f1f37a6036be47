package mysql

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"sync"

	mysqldrv "github.com/go-sql-driver/mysql"

	xerrors "github.com/ganeshballa0/bank-of-anthos/internal/errors"
)

// TurnRecord 表示一次对话轮次的落库结构。令牌与工具参数不会落库。
type TurnRecord struct {
	ID           int64  `json:"-"`
	TurnID       string `json:"turn_id"`
	SessionID    string `json:"session_id"`
	Subject      string `json:"subject"`
	Account      string `json:"account"`
	Prompt       string `json:"prompt"`
	Answer       string `json:"answer"`
	Outcome      string `json:"outcome"`
	ErrorCode    string `json:"error_code,omitempty"`
	ToolCalls    int    `json:"tool_calls"`
	ToolFailures int    `json:"tool_failures"`
	DurationMs   int64  `json:"duration_ms"`
	CreatedAt    int64  `json:"created_at"`
}

// TurnRepository 抽象轮次记录的持久化接口。
type TurnRepository interface {
	// Save 保存轮次记录。同一用户相同 TurnID 的重放会覆盖先前的记录；
	// 不同用户使用相同的 TurnID 互不影响。
	Save(ctx context.Context, record *TurnRecord) error
	// GetByTurnID 查询某个用户的指定轮次。
	GetByTurnID(ctx context.Context, subject, turnID string) (*TurnRecord, error)
	// ListBySubject 返回某个用户最近的记录，按时间倒序排列。
	ListBySubject(ctx context.Context, subject string, limit int) ([]TurnRecord, error)
}

// ErrTurnNotFound 表示记录不存在。
var ErrTurnNotFound = xerrors.New(xerrors.CodeNotFound, "turn not found")

const (
	defaultListLimit = 20
	maxListLimit     = 200
	defaultCapacity  = 1024
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

// MemoryTurnRepository 在内存中保留最近的轮次记录。
type MemoryTurnRepository struct {
	mu       sync.RWMutex
	capacity int
	nextID   int64
	records  []TurnRecord
}

// NewMemoryTurnRepository 创建内存仓库，capacity 为保留的最大记录数。
func NewMemoryTurnRepository(capacity int) *MemoryTurnRepository {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &MemoryTurnRepository{capacity: capacity}
}

// Save 实现 TurnRepository。
func (m *MemoryTurnRepository) Save(_ context.Context, record *TurnRecord) error {
	if record == nil || record.TurnID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "turn id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := range m.records {
		if m.records[i].Subject == record.Subject && m.records[i].TurnID == record.TurnID {
			record.ID = m.records[i].ID
			m.records = append(m.records[:i], m.records[i+1:]...)
			break
		}
	}
	if record.ID == 0 {
		m.nextID++
		record.ID = m.nextID
	}
	m.records = append([]TurnRecord{*record}, m.records...)
	if len(m.records) > m.capacity {
		m.records = m.records[:m.capacity]
	}
	return nil
}

// GetByTurnID 实现 TurnRepository。
func (m *MemoryTurnRepository) GetByTurnID(_ context.Context, subject, turnID string) (*TurnRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, record := range m.records {
		if record.Subject == subject && record.TurnID == turnID {
			copied := record
			return &copied, nil
		}
	}
	return nil, ErrTurnNotFound
}

// ListBySubject 实现 TurnRepository。
func (m *MemoryTurnRepository) ListBySubject(_ context.Context, subject string, limit int) ([]TurnRecord, error) {
	limit = clampLimit(limit)
	m.mu.RLock()
	defer m.mu.RUnlock()
	results := make([]TurnRecord, 0, limit)
	for _, record := range m.records {
		if record.Subject != subject {
			continue
		}
		results = append(results, record)
		if len(results) == limit {
			break
		}
	}
	return results, nil
}

// SQLTurnRepository 使用 MySQL 存储轮次记录。
type SQLTurnRepository struct {
	db *sql.DB
}

// NewSQLTurnRepository 创建连接池并执行迁移。
func NewSQLTurnRepository(ctx context.Context, cfg Config) (*SQLTurnRepository, error) {
	db, err := openDatabase(ctx, cfg)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "连接 MySQL 失败")
	}
	repo := &SQLTurnRepository{db: db}
	if err := repo.runMigrations(ctx); err != nil {
		_ = db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行迁移失败")
	}
	return repo, nil
}

const insertTurnSQL = `INSERT INTO turns
    (turn_id, session_id, subject, account, prompt, answer, outcome, error_code, tool_calls, tool_failures, duration_ms, created_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const updateTurnSQL = `UPDATE turns SET session_id = ?, account = ?, prompt = ?, answer = ?, outcome = ?, error_code = ?,
    tool_calls = ?, tool_failures = ?, duration_ms = ?, created_at = ?
    WHERE subject = ? AND turn_id = ?`

const selectTurnColumns = `SELECT id, turn_id, session_id, subject, account, prompt, answer, outcome, error_code, tool_calls, tool_failures, duration_ms, created_at
    FROM turns`

// Save 实现 TurnRepository。唯一键为 (subject, turn_id)，冲突（1062）说明是同一用户同一轮次的重放，改为更新。
func (s *SQLTurnRepository) Save(ctx context.Context, record *TurnRecord) error {
	if record == nil || record.TurnID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "turn id is required")
	}
	res, err := s.db.ExecContext(ctx, insertTurnSQL,
		record.TurnID,
		record.SessionID,
		record.Subject,
		record.Account,
		record.Prompt,
		record.Answer,
		record.Outcome,
		record.ErrorCode,
		record.ToolCalls,
		record.ToolFailures,
		record.DurationMs,
		record.CreatedAt,
	)
	if err != nil {
		var mysqlErr *mysqldrv.MySQLError
		if stdErrors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			return s.update(ctx, record)
		}
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入轮次记录失败")
	}
	if id, err := res.LastInsertId(); err == nil {
		record.ID = id
	}
	return nil
}

func (s *SQLTurnRepository) update(ctx context.Context, record *TurnRecord) error {
	if _, err := s.db.ExecContext(ctx, updateTurnSQL,
		record.SessionID,
		record.Account,
		record.Prompt,
		record.Answer,
		record.Outcome,
		record.ErrorCode,
		record.ToolCalls,
		record.ToolFailures,
		record.DurationMs,
		record.CreatedAt,
		record.Subject,
		record.TurnID,
	); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "更新轮次记录失败")
	}
	return nil
}

// GetByTurnID 实现 TurnRepository。
func (s *SQLTurnRepository) GetByTurnID(ctx context.Context, subject, turnID string) (*TurnRecord, error) {
	row := s.db.QueryRowContext(ctx, selectTurnColumns+` WHERE subject = ? AND turn_id = ?`, subject, turnID)
	record, err := scanTurn(row)
	if stdErrors.Is(err, sql.ErrNoRows) {
		return nil, ErrTurnNotFound
	}
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询轮次记录失败")
	}
	return record, nil
}

// ListBySubject 实现 TurnRepository。
func (s *SQLTurnRepository) ListBySubject(ctx context.Context, subject string, limit int) ([]TurnRecord, error) {
	rows, err := s.db.QueryContext(ctx, selectTurnColumns+` WHERE subject = ? ORDER BY created_at DESC, id DESC LIMIT ?`, subject, clampLimit(limit))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询轮次记录失败")
	}
	defer rows.Close()

	var records []TurnRecord
	for rows.Next() {
		record, err := scanTurn(rows)
		if err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析轮次记录失败")
		}
		records = append(records, *record)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历轮次记录失败")
	}
	return records, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTurn(row scanner) (*TurnRecord, error) {
	var record TurnRecord
	if err := row.Scan(
		&record.ID,
		&record.TurnID,
		&record.SessionID,
		&record.Subject,
		&record.Account,
		&record.Prompt,
		&record.Answer,
		&record.Outcome,
		&record.ErrorCode,
		&record.ToolCalls,
		&record.ToolFailures,
		&record.DurationMs,
		&record.CreatedAt,
	); err != nil {
		return nil, err
	}
	return &record, nil
}

// Close 关闭底层数据库连接。
func (s *SQLTurnRepository) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// String 便于日志中区分仓库实现。
func (s *SQLTurnRepository) String() string {
	return fmt.Sprintf("mysql(%p)", s.db)
}
