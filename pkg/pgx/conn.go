package pgx

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Conn is the subset of a PostgreSQL connection the writers need. Both
// *pgx.Conn and *pgxpool.Pool satisfy it, which lets tests substitute a fake.
type Conn interface {
	// Exec executes a statement with bound arguments.
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	// QueryRow executes a query that is expected to return at most one row.
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}
