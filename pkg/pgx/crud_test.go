package pgx

import (
	"context"
	"errors"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type execCall struct {
	sql  string
	args []any
}

type fakeConn struct {
	calls []execCall
	tag   pgconn.CommandTag
	err   error
}

func (f *fakeConn) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	f.calls = append(f.calls, execCall{sql: sql, args: args})
	return f.tag, f.err
}

func (f *fakeConn) QueryRow(context.Context, string, ...any) pgx.Row { return nil }

func TestBuildInsert(t *testing.T) {
	ins, err := BuildInsert("telemetry",
		[]string{"device_id", "name", "value", "type"},
		[]any{"device123", "temperature", "42", "integer"})
	require.NoError(t, err)

	assert.Equal(t,
		`INSERT INTO "telemetry" ("device_id", "name", "value", "type") VALUES ($1, $2, $3, $4)`,
		ins.SQL)
	assert.Equal(t, []any{"device123", "temperature", "42", "integer"}, ins.Args)
}

func TestBuildInsertEmptySchemaIsUnqualified(t *testing.T) {
	ins, err := BuildInsert("telemetry", []string{"value"}, []any{"1"}, "")
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "telemetry" ("value") VALUES ($1)`, ins.SQL)
}

func TestBuildInsertSchemaAndQuoting(t *testing.T) {
	ins, err := BuildInsert(`odd"table`, []string{`col"x`}, []any{1}, "iot")
	require.NoError(t, err)
	assert.Equal(t, `INSERT INTO "iot"."odd""table" ("col""x") VALUES ($1)`, ins.SQL)
}

func TestBuildInsertErrors(t *testing.T) {
	_, err := BuildInsert("telemetry", []string{"a", "b"}, []any{1})
	assert.ErrorIs(t, err, errColumnMismatch)

	_, err = BuildInsert("telemetry", nil, nil)
	assert.Error(t, err)
}

func TestInsertRow(t *testing.T) {
	ctx := context.Background()

	t.Run("values are bound, never inlined", func(t *testing.T) {
		conn := &fakeConn{tag: pgconn.NewCommandTag("INSERT 0 1")}
		hostile := "x'); DELETE FROM telemetry; --"

		err := InsertRow(ctx, conn, "telemetry", []string{"device_id", "value"}, []any{hostile, "1"})
		require.NoError(t, err)
		require.Len(t, conn.calls, 1)
		assert.NotContains(t, conn.calls[0].sql, hostile)
		assert.Equal(t, []any{hostile, "1"}, conn.calls[0].args)
	})

	t.Run("exec error is wrapped", func(t *testing.T) {
		pgErr := &pgconn.PgError{Code: "23502", Message: "null value"}
		conn := &fakeConn{err: pgErr}

		err := InsertRow(ctx, conn, "telemetry", []string{"value"}, []any{nil})
		require.Error(t, err)
		var target *pgconn.PgError
		assert.True(t, errors.As(err, &target))
		assert.Equal(t, "23502", target.Code)
	})

	t.Run("unexpected row count", func(t *testing.T) {
		conn := &fakeConn{tag: pgconn.NewCommandTag("INSERT 0 0")}
		err := InsertRow(ctx, conn, "telemetry", []string{"value"}, []any{"1"})
		assert.Error(t, err)
	})
}
