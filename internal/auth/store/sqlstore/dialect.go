package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/aussiebroadwan/authd/internal/auth/store"
)

// Dialect captures what differs between the supported databases.
type Dialect struct {
	Name string
	// Numbered placeholders ($1, $2) instead of ?.
	Numbered bool
	// ForUpdate is appended to row reads inside a transaction.
	ForUpdate string
	// Classify maps a driver error onto the store sentinels. It is only
	// called with non-nil errors that are not sql.ErrNoRows.
	Classify func(error) error
}

// rebind rewrites ? placeholders for dialects that number them.
func (d *Dialect) rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// database/sql does not export the error returned after DB.Close.
const errDBClosed = "sql: database is closed"

func (d *Dialect) mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, sql.ErrNoRows):
		return store.ErrNotFound
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, sql.ErrConnDone), strings.Contains(err.Error(), errDBClosed):
		return errors.Join(store.ErrUnavailable, err)
	}
	if d.Classify != nil {
		return d.Classify(err)
	}
	return err
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type rowScanner interface {
	Scan(dest ...any) error
}

// conn binds a querier to a dialect. Every repository goes through it so
// placeholders and error mapping are applied uniformly.
type conn struct {
	q    querier
	d    *Dialect
	inTx bool
}

func (c conn) exec(ctx context.Context, query string, args ...any) (int64, error) {
	res, err := c.q.ExecContext(ctx, c.d.rebind(query), args...)
	if err != nil {
		return 0, c.d.mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, c.d.mapError(err)
	}
	return n, nil
}

func (c conn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.d.rebind(query), args...)
}

func (c conn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	rows, err := c.q.QueryContext(ctx, c.d.rebind(query), args...)
	if err != nil {
		return nil, c.d.mapError(err)
	}
	return rows, nil
}

// lockClause returns the row lock suffix when running inside a transaction.
func (c conn) lockClause() string {
	if c.inTx && c.d.ForUpdate != "" {
		return " " + c.d.ForUpdate
	}
	return ""
}

// Timestamps are stored as unix milliseconds in UTC.

func toMillis(t time.Time) int64 { return t.UTC().UnixMilli() }

func fromMillis(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func toNullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: toMillis(*t), Valid: true}
}

func fromNullMillis(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := fromMillis(n.Int64)
	return &t
}

func toNullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func fromNullString(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func joinFields(v []string) string { return strings.Join(v, " ") }

func splitFields(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Fields(s)
}
