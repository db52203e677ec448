// Package simulator publishes synthetic sensor readings so the connector can be
// exercised without hardware.
package simulator

import (
	"context"
	"strconv"
	"time"

	"github.com/edgeflare/mqttpg/pkg/metrics"
	"github.com/edgeflare/mqttpg/pkg/telemetry"
	"go.uber.org/zap"
)

const DefaultInterval = 10 * time.Second

// Publisher is the subset of bus.Publisher the simulator needs.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

type device struct {
	id       string
	counters *Counters
}

// Simulator publishes one reading per device and measurement on every tick.
type Simulator struct {
	pub      Publisher
	root     string
	interval time.Duration
	devices  []device
	logger   *zap.Logger
}

// New creates a Simulator publishing under root for each device ID, each with
// its own DefaultCounters.
func New(pub Publisher, root string, deviceIDs []string, interval time.Duration, logger *zap.Logger) *Simulator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	devices := make([]device, 0, len(deviceIDs))
	for _, id := range deviceIDs {
		devices = append(devices, device{id: id, counters: DefaultCounters()})
	}
	return &Simulator{
		pub:      pub,
		root:     root,
		interval: interval,
		devices:  devices,
		logger:   logger.Named("simulator"),
	}
}

// Counters returns the state for deviceID, or nil if it is unknown.
func (s *Simulator) Counters(deviceID string) *Counters {
	for _, d := range s.devices {
		if d.id == deviceID {
			return d.counters
		}
	}
	return nil
}

// Tick advances every device's counters and publishes the readings. Publish
// failures are logged; the tick carries on with the next reading.
func (s *Simulator) Tick(ctx context.Context) {
	for _, d := range s.devices {
		for _, r := range d.counters.Advance() {
			topic := telemetry.Encode(s.root, telemetry.Address{DeviceID: d.id, Measurement: r.Measurement})
			payload := strconv.Itoa(r.Value)

			if err := s.pub.Publish(ctx, topic, []byte(payload)); err != nil {
				s.logger.Error("Failed to publish reading",
					zap.String("topic", topic), zap.String("payload", payload), zap.Error(err))
				continue
			}
			metrics.Published.WithLabelValues(r.Measurement).Inc()
			s.logger.Info("Published reading", zap.String("topic", topic), zap.String("payload", payload))
		}
	}
}

// Run ticks immediately and then every interval until ctx is cancelled.
func (s *Simulator) Run(ctx context.Context) error {
	s.logger.Info("Simulator running",
		zap.String("root", s.root),
		zap.Int("devices", len(s.devices)),
		zap.Duration("interval", s.interval))

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.Tick(ctx)
		select {
		case <-ctx.Done():
			s.logger.Info("Simulator stopped")
			return nil
		case <-ticker.C:
		}
	}
}
