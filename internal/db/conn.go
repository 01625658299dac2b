package db

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"sync"
	"sync/atomic"
)

var errBadConn = driver.ErrBadConn

// Conn is a session checked out of a Pool. It belongs to one borrower until
// Release.
type Conn struct {
	pool      *Pool
	conn      *sql.Conn
	once      sync.Once
	unhealthy atomic.Bool
}

func (c *Conn) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.conn.QueryContext(ctx, query, args...)
}

func (c *Conn) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return c.conn.QueryRowContext(ctx, query, args...)
}

// MarkUnhealthy discards the session on Release instead of reusing it, for
// sessions left in an unknown server-side state (for example after a timeout).
func (c *Conn) MarkUnhealthy() {
	c.unhealthy.Store(true)
}

// Release returns the connection to the pool. Calls after the first are no-ops.
func (c *Conn) Release() {
	c.once.Do(func() { c.pool.release(c) })
}
