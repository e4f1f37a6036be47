package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
)

// step 是脚本化驱动期望收到的一次调用。
type step struct {
	kind    string // exec、query、begin、commit、rollback
	sql     string
	lastID  int64
	columns []string
	rows    [][]driver.Value
	err     error

	args []any
}

func expectExec(query string, lastID int64) *step {
	return &step{kind: "exec", sql: query, lastID: lastID}
}

func expectQuery(query string, columns []string, rows ...[]driver.Value) *step {
	return &step{kind: "query", sql: query, columns: columns, rows: rows}
}

func expectBegin() *step    { return &step{kind: "begin"} }
func expectCommit() *step   { return &step{kind: "commit"} }
func expectRollback() *step { return &step{kind: "rollback"} }

// failWith 让该步骤返回 err。
func (s *step) failWith(err error) *step {
	s.err = err
	return s
}

// scriptDriver 按顺序校验调用，SQL 比较时忽略空白差异。
type scriptDriver struct {
	mu    sync.Mutex
	steps []*step
	pos   int
}

var driverCount struct {
	sync.Mutex
	n int
}

func openScript(t *testing.T, steps ...*step) (*sql.DB, *scriptDriver) {
	t.Helper()
	drv := &scriptDriver{steps: steps}

	driverCount.Lock()
	driverCount.n++
	name := fmt.Sprintf("turns-script-%d", driverCount.n)
	driverCount.Unlock()
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open script db: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() {
		_ = db.Close()
		drv.mu.Lock()
		defer drv.mu.Unlock()
		if drv.pos != len(drv.steps) {
			t.Errorf("script stopped at step %d of %d", drv.pos, len(drv.steps))
		}
	})
	return db, drv
}

func (d *scriptDriver) advance(kind, query string, args []driver.NamedValue) (*step, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.pos >= len(d.steps) {
		return nil, fmt.Errorf("unexpected %s %q", kind, query)
	}
	s := d.steps[d.pos]
	if s.kind != kind {
		return nil, fmt.Errorf("step %d: want %s, got %s", d.pos, s.kind, kind)
	}
	if s.sql != "" && strings.Join(strings.Fields(s.sql), " ") != strings.Join(strings.Fields(query), " ") {
		return nil, fmt.Errorf("step %d: unexpected sql %q", d.pos, query)
	}
	for _, arg := range args {
		s.args = append(s.args, arg.Value)
	}
	d.pos++
	return s, s.err
}

func (d *scriptDriver) Open(string) (driver.Conn, error) { return scriptConn{d}, nil }

type scriptConn struct{ d *scriptDriver }

func (c scriptConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c scriptConn) Close() error { return nil }

func (c scriptConn) Begin() (driver.Tx, error) {
	return c.BeginTx(context.Background(), driver.TxOptions{})
}

func (c scriptConn) BeginTx(context.Context, driver.TxOptions) (driver.Tx, error) {
	if _, err := c.d.advance("begin", "", nil); err != nil {
		return nil, err
	}
	return scriptTx{c.d}, nil
}

func (c scriptConn) ExecContext(_ context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	s, err := c.d.advance("exec", query, args)
	if err != nil {
		return nil, err
	}
	return scriptResult(s.lastID), nil
}

type scriptResult int64

func (r scriptResult) LastInsertId() (int64, error) { return int64(r), nil }
func (r scriptResult) RowsAffected() (int64, error) { return 1, nil }

func (c scriptConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	s, err := c.d.advance("query", query, args)
	if err != nil {
		return nil, err
	}
	return &scriptRows{columns: s.columns, rows: s.rows}, nil
}

type scriptTx struct{ d *scriptDriver }

func (t scriptTx) Commit() error {
	_, err := t.d.advance("commit", "", nil)
	return err
}

func (t scriptTx) Rollback() error {
	_, err := t.d.advance("rollback", "", nil)
	return err
}

type scriptRows struct {
	columns []string
	rows    [][]driver.Value
}

func (r *scriptRows) Columns() []string { return r.columns }
func (r *scriptRows) Close() error      { return nil }

func (r *scriptRows) Next(dest []driver.Value) error {
	if len(r.rows) == 0 {
		return io.EOF
	}
	copy(dest, r.rows[0])
	r.rows = r.rows[1:]
	return nil
}
