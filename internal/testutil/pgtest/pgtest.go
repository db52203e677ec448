package pgtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"
)

// EnvTestDatabase names the variable holding the test connection string.
const EnvTestDatabase = "TEST_DATABASE"

// TelemetryDDL creates the table the connector writes to. Schema management
// is outside the connector, so tests provision it themselves.
const TelemetryDDL = `CREATE TABLE IF NOT EXISTS telemetry (
	id         bigserial PRIMARY KEY,
	device_id  text NOT NULL,
	name       text NOT NULL,
	value      text NOT NULL,
	type       text NOT NULL,
	created_at timestamptz NOT NULL DEFAULT now()
)`

// ParseConfig returns a test connection config with logging. The test is
// skipped when TEST_DATABASE is not set.
func ParseConfig(t testing.TB) *pgx.ConnConfig {
	dsn := os.Getenv(EnvTestDatabase)
	if dsn == "" {
		t.Skipf("%s not set", EnvTestDatabase)
	}

	config, err := pgx.ParseConfig(dsn)
	require.NoError(t, err)

	config.OnNotice = func(_ *pgconn.PgConn, n *pgconn.Notice) {
		t.Logf("PostgreSQL %s: %s", n.Severity, n.Message)
	}

	return config
}

// Connect creates a new database connection for testing
func Connect(ctx context.Context, t testing.TB) *pgx.Conn {
	conn, err := pgx.ConnectConfig(ctx, ParseConfig(t))
	require.NoError(t, err)

	t.Cleanup(func() {
		Close(t, conn)
	})

	return conn
}

// Close safely closes a database connection
func Close(t testing.TB, conn *pgx.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, conn.Close(ctx))
}

// WithTelemetryTable ensures the telemetry table exists and is empty for the
// duration of the test.
func WithTelemetryTable(ctx context.Context, t testing.TB, conn *pgx.Conn) {
	_, err := conn.Exec(ctx, TelemetryDDL)
	require.NoError(t, err)
	_, err = conn.Exec(ctx, "TRUNCATE telemetry")
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_, _ = conn.Exec(ctx, "TRUNCATE telemetry")
	})
}

// CountRows returns the number of telemetry rows matching the given values.
func CountRows(ctx context.Context, t testing.TB, conn *pgx.Conn, deviceID, name, value string) int {
	var n int
	err := conn.QueryRow(ctx,
		"SELECT count(*) FROM telemetry WHERE device_id = $1 AND name = $2 AND value = $3 AND type = 'integer'",
		deviceID, name, value).Scan(&n)
	require.NoError(t, err)
	return n
}
