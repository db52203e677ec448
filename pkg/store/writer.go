// Package store appends telemetry rows to PostgreSQL over a single connection.
package store

import (
	"cmp"
	"context"
	"fmt"
	"net"
	"strings"
	"sync"
	"time"

	pg "github.com/edgeflare/mqttpg/pkg/pgx"
	"github.com/edgeflare/mqttpg/pkg/telemetry"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Table is the destination table; its columns are fixed.
const Table = "telemetry"

var columns = []string{"device_id", "name", "value", "type"}

const (
	defaultConnectTimeout = 10 * time.Second
	defaultWriteTimeout   = 5 * time.Second
)

// Config describes the PostgreSQL connection.
type Config struct {
	Host           string        `mapstructure:"host"`
	Port           string        `mapstructure:"port"`
	User           string        `mapstructure:"user"`
	Password       string        `mapstructure:"password"`
	Database       string        `mapstructure:"database"`
	// Schema qualifies the telemetry table; empty leaves it to search_path.
	Schema         string        `mapstructure:"schema"`
	ConnectTimeout time.Duration `mapstructure:"connectTimeout"`
	WriteTimeout   time.Duration `mapstructure:"writeTimeout"`
}

// Addr returns host:port, for logs and errors.
func (c Config) Addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// ConnString renders the keyword/value connection string.
func (c Config) ConnString() string {
	return fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		quote(c.Host), quote(c.Port), quote(c.User), quote(c.Password), quote(c.Database))
}

func quote(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// conn is the part of *pgx.Conn the writer depends on.
type conn interface {
	pg.Conn
	Ping(ctx context.Context) error
	IsClosed() bool
	Close(ctx context.Context) error
}

type dialFunc func(ctx context.Context) (conn, error)

// Writer owns the one store connection for the process lifetime. Record is
// not meant for concurrent use; the mutex only guards redial against Close.
type Writer struct {
	mu     sync.Mutex
	conn   conn
	dial   dialFunc
	cfg    Config
	logger *zap.Logger
}

// Connect dials the database, bounded by cfg.ConnectTimeout, and verifies
// the connection with a ping.
func Connect(ctx context.Context, cfg Config, logger *zap.Logger) (*Writer, error) {
	cfg.ConnectTimeout = cmp.Or(cfg.ConnectTimeout, defaultConnectTimeout)
	cfg.WriteTimeout = cmp.Or(cfg.WriteTimeout, defaultWriteTimeout)
	if logger == nil {
		logger = zap.NewNop()
	}

	w := newWriter(cfg, pgxDialer(cfg), logger)
	c, err := w.dial(ctx)
	if err != nil {
		return nil, &ConnectError{Addr: cfg.Addr(), Err: err}
	}
	w.conn = c

	w.logger.Info("Connected to database",
		zap.String("addr", cfg.Addr()),
		zap.String("database", cfg.Database),
		zap.String("user", cfg.User))
	return w, nil
}

func newWriter(cfg Config, dial dialFunc, logger *zap.Logger) *Writer {
	return &Writer{
		cfg:    cfg,
		dial:   dial,
		logger: logger.Named("store"),
	}
}

func pgxDialer(cfg Config) dialFunc {
	return func(ctx context.Context) (conn, error) {
		connConfig, err := pgx.ParseConfig(cfg.ConnString())
		if err != nil {
			return nil, fmt.Errorf("failed to parse connection string: %w", err)
		}
		connConfig.ConnectTimeout = cfg.ConnectTimeout

		ctx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
		defer cancel()

		c, err := pgx.ConnectConfig(ctx, connConfig)
		if err != nil {
			return nil, err
		}
		if err := c.Ping(ctx); err != nil {
			_ = c.Close(context.Background())
			return nil, fmt.Errorf("error connecting to database: %w", err)
		}
		return c, nil
	}
}

// Record appends one row. The three values are always passed as bound
// arguments.
func (w *Writer) Record(ctx context.Context, deviceID, name, value string) error {
	c, err := w.ensureConn(ctx)
	if err != nil {
		return &StoreError{Kind: ErrUnavailable, Err: err}
	}

	ctx, cancel := context.WithTimeout(ctx, w.cfg.WriteTimeout)
	defer cancel()

	values := []any{deviceID, name, value, telemetry.TypeInteger}
	if err := pg.InsertRow(ctx, c, Table, columns, values, w.cfg.Schema); err != nil {
		return classify(err)
	}
	return nil
}

// ensureConn returns the live connection, redialling once if it was found
// closed.
func (w *Writer) ensureConn(ctx context.Context) (conn, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn != nil && !w.conn.IsClosed() {
		return w.conn, nil
	}
	if w.dial == nil {
		return nil, fmt.Errorf("connection closed")
	}

	w.logger.Warn("Database connection closed, redialling", zap.String("addr", w.cfg.Addr()))
	c, err := w.dial(ctx)
	if err != nil {
		return nil, fmt.Errorf("redial %s: %w", w.cfg.Addr(), err)
	}
	w.conn = c
	w.logger.Info("Reconnected to database", zap.String("addr", w.cfg.Addr()))
	return c, nil
}

// Close releases the connection. Further Records fail with ErrUnavailable.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.dial = nil
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close(ctx)
	w.conn = nil
	return err
}
