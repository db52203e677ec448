// Package lastvalue mirrors the most recent value of every measurement into
// Redis, next to the append-only history in PostgreSQL.
package lastvalue

import (
	"context"
	"fmt"
	"time"

	"github.com/edgeflare/mqttpg/pkg/telemetry"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Config holds the configuration for the Redis client.
type Config struct {
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// Key returns the Redis key holding the latest value for a.
func Key(a telemetry.Address) string {
	return fmt.Sprintf("telemetry:last:%s:%s", a.DeviceID, a.Measurement)
}

// Mirror writes latest values with an expiry so silent devices age out.
type Mirror struct {
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// New connects and pings the Redis server.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Mirror, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	logger.Info("Connected to Redis", zap.String("addr", cfg.Addr))

	return &Mirror{rdb: rdb, ttl: cfg.TTL, logger: logger.Named("lastvalue")}, nil
}

// Set stores value as the latest reading for a.
func (m *Mirror) Set(ctx context.Context, a telemetry.Address, value string) error {
	if err := m.rdb.Set(ctx, Key(a), value, m.ttl).Err(); err != nil {
		return fmt.Errorf("set last value for %s/%s: %w", a.DeviceID, a.Measurement, err)
	}
	return nil
}

// Get returns the latest value for a, or redis.Nil if none is held.
func (m *Mirror) Get(ctx context.Context, a telemetry.Address) (string, error) {
	return m.rdb.Get(ctx, Key(a)).Result()
}

// Close closes the client.
func (m *Mirror) Close() error {
	return m.rdb.Close()
}
