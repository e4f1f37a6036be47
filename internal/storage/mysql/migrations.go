package mysql

import (
	"context"
	stdErrors "errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"

	"github.com/ganeshballa0/bank-of-anthos/deploy/migrations"
)

const (
	createVersionTableSQL = `CREATE TABLE IF NOT EXISTS schema_migrations (
        version VARCHAR(32) NOT NULL PRIMARY KEY,
        applied_at BIGINT NOT NULL
)`
	selectVersionsSQL = `SELECT version FROM schema_migrations`
	insertVersionSQL  = `INSERT INTO schema_migrations (version, applied_at) VALUES (?, ?)`
)

// migration 对应 deploy/migrations 下的一个 SQL 文件，版本号取文件名中第一个下划线之前的部分。
type migration struct {
	version string
	name    string
	body    string
}

// runMigrations 按文件名顺序执行尚未记录在 schema_migrations 中的迁移。
func (s *SQLTurnRepository) runMigrations(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createVersionTableSQL); err != nil {
		return fmt.Errorf("创建 schema_migrations 表失败: %w", err)
	}
	applied, err := s.appliedVersions(ctx)
	if err != nil {
		return err
	}
	pending, err := pendingMigrations(migrations.Files, applied)
	if err != nil {
		return err
	}
	for _, m := range pending {
		if err := s.apply(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLTurnRepository) appliedVersions(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, selectVersionsSQL)
	if err != nil {
		return nil, fmt.Errorf("查询 schema_migrations 失败: %w", err)
	}
	defer rows.Close()

	applied := make(map[string]bool)
	for rows.Next() {
		var version string
		if err := rows.Scan(&version); err != nil {
			return nil, fmt.Errorf("解析 schema_migrations 失败: %w", err)
		}
		applied[version] = true
	}
	return applied, rows.Err()
}

// apply 在一个事务中执行迁移并记录版本。失败时回滚。
func (s *SQLTurnRepository) apply(ctx context.Context, m migration) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("开启迁移事务失败: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	for _, stmt := range statements(m.body) {
		if _, execErr := tx.ExecContext(ctx, stmt); execErr != nil && !alreadyApplied(execErr) {
			return fmt.Errorf("执行迁移 %s 失败: %w", m.name, execErr)
		}
	}
	if _, err = tx.ExecContext(ctx, insertVersionSQL, m.version, time.Now().Unix()); err != nil {
		return fmt.Errorf("记录迁移版本 %s 失败: %w", m.version, err)
	}
	return tx.Commit()
}

// pendingMigrations 返回尚未执行的迁移。fs.Glob 的结果按文件名排序。
func pendingMigrations(files fs.FS, applied map[string]bool) ([]migration, error) {
	names, err := fs.Glob(files, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("读取迁移目录失败: %w", err)
	}
	var pending []migration
	for _, name := range names {
		version, _, _ := strings.Cut(strings.TrimSuffix(name, ".sql"), "_")
		if applied[version] {
			continue
		}
		body, err := fs.ReadFile(files, name)
		if err != nil {
			return nil, fmt.Errorf("读取迁移文件 %s 失败: %w", name, err)
		}
		pending = append(pending, migration{version: version, name: name, body: string(body)})
	}
	return pending, nil
}

func statements(body string) []string {
	var out []string
	for _, stmt := range strings.Split(body, ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// alreadyApplied 识别表、列或索引已存在的错误（1050/1060/1061）。
func alreadyApplied(err error) bool {
	var mysqlErr *mysqldrv.MySQLError
	if !stdErrors.As(err, &mysqlErr) {
		return false
	}
	return mysqlErr.Number == 1050 || mysqlErr.Number == 1060 || mysqlErr.Number == 1061
}
