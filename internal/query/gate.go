// Package query runs read-only statements on connections borrowed from a
// db.Pool and returns fully materialized results.
package query

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode"

	"github.com/jackc/pgx/v5/pgconn"

	"sidecart/internal/db"
	"sidecart/internal/events"
)

// The check is lexical only: a statement that starts with one of these
// keywords is accepted whatever it contains further on.
var readOnlyKeywords = map[string]struct{}{
	"SELECT":  {},
	"WITH":    {},
	"SHOW":    {},
	"EXPLAIN": {},
}

const describeSchemaSQL = `SELECT table_name, column_name, data_type, is_nullable, column_default
FROM information_schema.columns
WHERE table_schema = $1
ORDER BY table_name, ordinal_position`

const listTablesSQL = `SELECT table_name
FROM information_schema.tables
WHERE table_schema = $1 AND table_type = 'BASE TABLE'
ORDER BY table_name`

const DefaultSchema = "public"

// Validate accepts statements whose leading keyword is SELECT, WITH, SHOW or
// EXPLAIN, compared case-insensitively after trimming whitespace.
func Validate(statement string) error {
	kw := leadingKeyword(statement)
	if _, ok := readOnlyKeywords[strings.ToUpper(kw)]; !ok {
		return &ValidationError{Keyword: kw}
	}
	return nil
}

func leadingKeyword(statement string) string {
	s := strings.TrimSpace(statement)
	end := strings.IndexFunc(s, func(r rune) bool { return !unicode.IsLetter(r) })
	if end < 0 {
		return s
	}
	if end == 0 {
		// Report the first whitespace-delimited token for statements such as "(SELECT 1)".
		if i := strings.IndexFunc(s, unicode.IsSpace); i > 0 {
			return s[:i]
		}
		return s
	}
	return s[:end]
}

type Option func(*Gate)

// WithTimeout bounds each statement. A statement that runs out of time leaves
// its session in an unknown state, so that connection is discarded.
func WithTimeout(d time.Duration) Option {
	return func(g *Gate) { g.timeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(g *Gate) { g.logger = l }
}

func WithEmitter(e events.Emitter) Option {
	return func(g *Gate) { g.emitter = e }
}

type Gate struct {
	pool    *db.Pool
	timeout time.Duration
	logger  *slog.Logger
	emitter events.Emitter
}

func New(pool *db.Pool, opts ...Option) *Gate {
	g := &Gate{pool: pool}
	for _, opt := range opts {
		opt(g)
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.emitter == nil {
		g.emitter = events.NewLogEmitter(g.logger)
	}
	return g
}

// Execute validates statement, runs it with params bound by the driver and
// returns every row. Validation failures never acquire a connection.
func (g *Gate) Execute(ctx context.Context, statement string, params ...any) (Result, error) {
	if err := Validate(statement); err != nil {
		return Result{}, err
	}

	start := time.Now()
	var (
		res       Result
		discarded bool
	)
	err := g.pool.WithConn(ctx, func(c *db.Conn) error {
		qctx := ctx
		if g.timeout > 0 {
			var cancel context.CancelFunc
			qctx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}

		r, err := run(qctx, c, statement, params)
		if err != nil {
			timedOut := qctx.Err() != nil
			if timedOut {
				err = fmt.Errorf("%w: %w", qctx.Err(), err)
			}
			if timedOut || !fromServer(err) {
				c.MarkUnhealthy()
				discarded = true
			}
			return &QueryError{Statement: statement, Err: err}
		}
		res = r
		return nil
	})
	elapsed := time.Since(start)

	if err != nil {
		var qerr *QueryError
		if errors.As(err, &qerr) {
			g.emitter.Emit(ctx, events.New(events.QueryFailed, g.pool.Target()).
				With("statement", abbreviate(statement)).
				With("sqlstate", qerr.SQLState()).
				With("discarded", discarded).
				With("duration_ms", elapsed.Milliseconds()).
				WithErr(qerr.Err))
		}
		return Result{}, err
	}

	g.emitter.Emit(ctx, events.New(events.QueryExecuted, g.pool.Target()).
		With("statement", abbreviate(statement)).
		With("rows", res.Len()).
		With("duration_ms", elapsed.Milliseconds()))
	return res, nil
}

// DescribeSchema lists every column of schema ordered by table name and then
// column position. An empty schema means "public".
func (g *Gate) DescribeSchema(ctx context.Context, schema string) (Result, error) {
	if schema == "" {
		schema = DefaultSchema
	}
	return g.Execute(ctx, describeSchemaSQL, schema)
}

// ListTables lists the base tables of schema by name.
func (g *Gate) ListTables(ctx context.Context, schema string) (Result, error) {
	if schema == "" {
		schema = DefaultSchema
	}
	return g.Execute(ctx, listTablesSQL, schema)
}

func run(ctx context.Context, c *db.Conn, statement string, params []any) (Result, error) {
	rows, err := c.QueryContext(ctx, statement, params...)
	if err != nil {
		return Result{}, err
	}
	defer rows.Close()
	return collect(rows)
}

func collect(rows *sql.Rows) (Result, error) {
	cols, err := rows.Columns()
	if err != nil {
		return Result{}, err
	}

	res := Result{Columns: cols, Rows: []Row{}}
	vals := make([]any, len(cols))
	dest := make([]any, len(cols))
	for i := range vals {
		dest[i] = &vals[i]
	}
	for rows.Next() {
		clear(vals)
		if err := rows.Scan(dest...); err != nil {
			return Result{}, err
		}
		row := newRow(len(cols))
		for i, col := range cols {
			row.set(col, ValueOf(vals[i]))
		}
		res.Rows = append(res.Rows, row)
	}
	if err := rows.Err(); err != nil {
		return Result{}, err
	}
	return res, nil
}

// fromServer reports whether the server rejected the statement. The session
// is still usable after such an error.
func fromServer(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr)
}

func abbreviate(statement string) string {
	s := strings.Join(strings.Fields(statement), " ")
	const maxLen = 200
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}
