package server

import (
	"context"
	"database/sql"
	"strconv"
	"strings"
)

// Column describes one result column as reported by the backend.
type Column struct {
	Name string
	Type DataType
}

// StatementDescription is the backend's static description of a statement:
// the result columns it will produce, or nil Columns when the statement
// yields no result set.
type StatementDescription struct {
	Columns []Column
}

// Rows is a streaming cursor over a backend result set. The cursor stays
// open across portal suspension, so implementations must tolerate a long
// gap between Next calls on the same connection worker.
type Rows interface {
	Columns() []Column
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// Executor is the external query-execution collaborator. Implementations
// must be safe for concurrent use: one server shares a single Executor
// across all client connections.
type Executor interface {
	// Describe reports the result shape of sql without executing it.
	// paramOIDs carries the client-declared parameter types; the backend
	// may use them to resolve the shape of parameterized statements.
	Describe(ctx context.Context, sql string, paramOIDs []int32) (*StatementDescription, error)

	// Query runs a row-yielding statement and returns a cursor.
	Query(ctx context.Context, sql string, args []any) (Rows, error)

	// Exec runs a non-row-yielding statement and returns the affected count.
	Exec(ctx context.Context, sql string, args []any) (int64, error)

	Close() error
}

// SessionProvider is implemented by executors that hand each client
// connection its own backend session. Without it the server routes every
// connection through the one shared Executor.
type SessionProvider interface {
	AcquireSession(ctx context.Context) (Executor, error)
}

// sqlQuerier abstracts over *sql.DB and *sql.Conn so the pooled executor
// and its per-client sessions share one query path.
type sqlQuerier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SQLExecutor adapts a database/sql handle to the Executor contract.
// It fronts whatever driver the handle was opened with; the default
// deployment uses lib/pq against an upstream database.
type SQLExecutor struct {
	db *sql.DB
}

func NewSQLExecutor(db *sql.DB) *SQLExecutor {
	return &SQLExecutor{db: db}
}

// DB returns the underlying handle.
func (e *SQLExecutor) DB() *sql.DB {
	return e.db
}

// AcquireSession pins one pooled connection for a client so backend
// session state (SET, BEGIN) is scoped to that client alone.
func (e *SQLExecutor) AcquireSession(ctx context.Context) (Executor, error) {
	conn, err := e.db.Conn(ctx)
	if err != nil {
		return nil, err
	}
	return &sessionExecutor{conn: conn}, nil
}

func (e *SQLExecutor) Describe(ctx context.Context, query string, paramOIDs []int32) (*StatementDescription, error) {
	return sqlDescribe(ctx, e.db, query)
}

func (e *SQLExecutor) Query(ctx context.Context, query string, args []any) (Rows, error) {
	return sqlQuery(ctx, e.db, query, args)
}

func (e *SQLExecutor) Exec(ctx context.Context, query string, args []any) (int64, error) {
	return sqlExec(ctx, e.db, query, args)
}

func (e *SQLExecutor) Close() error {
	return e.db.Close()
}

// sessionExecutor is one client's pinned backend connection. Closing it
// returns the connection to the pool.
type sessionExecutor struct {
	conn *sql.Conn
}

func (e *sessionExecutor) Describe(ctx context.Context, query string, paramOIDs []int32) (*StatementDescription, error) {
	return sqlDescribe(ctx, e.conn, query)
}

func (e *sessionExecutor) Query(ctx context.Context, query string, args []any) (Rows, error) {
	return sqlQuery(ctx, e.conn, query, args)
}

func (e *sessionExecutor) Exec(ctx context.Context, query string, args []any) (int64, error) {
	return sqlExec(ctx, e.conn, query, args)
}

func (e *sessionExecutor) Close() error {
	return e.conn.Close()
}

func sqlDescribe(ctx context.Context, q sqlQuerier, query string) (*StatementDescription, error) {
	if !statementReturnsRows(query) {
		return &StatementDescription{}, nil
	}

	converted, numParams := normalizePlaceholders(query)

	// Probe the result shape with a zero-row execution. NULL stands in for
	// every parameter; the backend only needs to plan the statement.
	args := make([]any, numParams)

	rows, err := q.QueryContext(ctx, describeProbe(converted), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	colTypes, err := rows.ColumnTypes()
	if err != nil {
		return nil, err
	}
	if len(colTypes) == 0 {
		return &StatementDescription{}, nil
	}

	cols := make([]Column, len(colTypes))
	for i, ct := range colTypes {
		cols[i] = Column{Name: ct.Name(), Type: TypeForName(ct.DatabaseTypeName())}
	}
	return &StatementDescription{Columns: cols}, nil
}

func sqlQuery(ctx context.Context, q sqlQuerier, query string, args []any) (Rows, error) {
	converted, _ := normalizePlaceholders(query)
	rows, err := q.QueryContext(ctx, converted, args...)
	if err != nil {
		return nil, err
	}
	return newSQLRows(rows)
}

func sqlExec(ctx context.Context, q sqlQuerier, query string, args []any) (int64, error) {
	converted, _ := normalizePlaceholders(query)
	res, err := q.ExecContext(ctx, converted, args...)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

// sqlRows adapts *sql.Rows to the Rows cursor contract.
type sqlRows struct {
	rows *sql.Rows
	cols []Column
}

func newSQLRows(rows *sql.Rows) (*sqlRows, error) {
	colTypes, err := rows.ColumnTypes()
	if err != nil {
		_ = rows.Close()
		return nil, err
	}
	cols := make([]Column, len(colTypes))
	for i, ct := range colTypes {
		cols[i] = Column{Name: ct.Name(), Type: TypeForName(ct.DatabaseTypeName())}
	}
	return &sqlRows{rows: rows, cols: cols}, nil
}

func (r *sqlRows) Columns() []Column {
	return r.cols
}

func (r *sqlRows) Next() bool {
	return r.rows.Next()
}

func (r *sqlRows) Scan(dest ...any) error {
	return r.rows.Scan(dest...)
}

func (r *sqlRows) Err() error {
	return r.rows.Err()
}

func (r *sqlRows) Close() error {
	return r.rows.Close()
}

// normalizePlaceholders rewrites ?-style placeholders to the $N form used
// by PostgreSQL drivers and reports the parameter count. Statements that
// already use $N placeholders are passed through with the count derived
// from the highest ordinal. Quoted literals and identifiers are skipped.
func normalizePlaceholders(query string) (string, int) {
	var b strings.Builder
	b.Grow(len(query) + 8)

	count := 0
	maxOrdinal := 0
	inSingle, inDouble := false, false

	for i := 0; i < len(query); i++ {
		ch := query[i]
		switch {
		case inSingle:
			b.WriteByte(ch)
			if ch == '\'' {
				inSingle = false
			}
		case inDouble:
			b.WriteByte(ch)
			if ch == '"' {
				inDouble = false
			}
		case ch == '\'':
			inSingle = true
			b.WriteByte(ch)
		case ch == '"':
			inDouble = true
			b.WriteByte(ch)
		case ch == '?':
			count++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(count))
		case ch == '$' && i+1 < len(query) && query[i+1] >= '0' && query[i+1] <= '9':
			j := i + 1
			for j < len(query) && query[j] >= '0' && query[j] <= '9' {
				j++
			}
			if n, err := strconv.Atoi(query[i+1 : j]); err == nil && n > maxOrdinal {
				maxOrdinal = n
			}
			b.WriteString(query[i:j])
			i = j - 1
		default:
			b.WriteByte(ch)
		}
	}

	if maxOrdinal > count {
		count = maxOrdinal
	}
	return b.String(), count
}

// countParameters reports how many parameters a statement declares,
// whichever placeholder style it uses.
func countParameters(query string) int {
	_, n := normalizePlaceholders(query)
	return n
}
