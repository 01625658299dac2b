package query

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotReadOnly is matched by every *ValidationError.
var ErrNotReadOnly = errors.New("only read-only statements are allowed")

// ValidationError rejects a statement before any connection is touched.
type ValidationError struct {
	Keyword string
}

func (e *ValidationError) Error() string {
	if e.Keyword == "" {
		return ErrNotReadOnly.Error() + ": empty statement"
	}
	return fmt.Sprintf("%s: statement starts with %q", ErrNotReadOnly, e.Keyword)
}

func (e *ValidationError) Is(target error) bool { return target == ErrNotReadOnly }

// QueryError is a statement that reached the database and failed there.
// Bound parameter values are never recorded.
type QueryError struct {
	Statement string
	Err       error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed: %v", e.Err)
}

func (e *QueryError) Unwrap() error { return e.Err }

// SQLState returns the server's error code, or "" when the failure did not
// come from the server.
func (e *QueryError) SQLState() string {
	var pgErr *pgconn.PgError
	if errors.As(e.Err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
