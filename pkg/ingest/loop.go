// Package ingest drains bus deliveries, decodes their topics and appends one
// telemetry row per message.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/edgeflare/mqttpg/pkg/bus"
	"github.com/edgeflare/mqttpg/pkg/deadletter"
	"github.com/edgeflare/mqttpg/pkg/metrics"
	"github.com/edgeflare/mqttpg/pkg/store"
	"github.com/edgeflare/mqttpg/pkg/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const deadLetterTimeout = 5 * time.Second

var errAlreadyRunning = errors.New("ingest loop already running")

// Source yields bus deliveries one at a time. It returns bus.ErrClosed on
// graceful shutdown.
type Source interface {
	Next(ctx context.Context) (telemetry.Message, error)
}

// Recorder appends a telemetry row.
type Recorder interface {
	Record(ctx context.Context, deviceID, name, value string) error
}

// Mirror receives the latest value after a successful insert.
type Mirror interface {
	Set(ctx context.Context, a telemetry.Address, value string) error
}

// Options tune the loop; the zero value continues past every per-message
// failure and has no dead-letter sink or mirror.
type Options struct {
	Policy     Policy
	DeadLetter deadletter.Sink
	Mirror     Mirror
	Logger     *zap.Logger
}

// Loop is the single consumer between the bus and the store.
type Loop struct {
	source   Source
	recorder Recorder
	opts     Options
	logger   *zap.Logger
	state    atomic.Int32
}

// New returns a stopped Loop.
func New(source Source, recorder Recorder, opts Options) *Loop {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Policy == "" {
		opts.Policy = PolicyContinue
	}
	return &Loop{
		source:   source,
		recorder: recorder,
		opts:     opts,
		logger:   logger.Named("ingest"),
	}
}

// State reports whether Run is active.
func (l *Loop) State() State {
	return State(l.state.Load())
}

// Run processes messages strictly one after another until the source closes,
// ctx is cancelled, or a fatal failure occurs. A graceful stop returns nil.
func (l *Loop) Run(ctx context.Context) error {
	if !l.state.CompareAndSwap(int32(StateStopped), int32(StateRunning)) {
		return errAlreadyRunning
	}
	defer l.state.Store(int32(StateStopped))

	l.logger.Info("Ingestion loop running", zap.String("policy", string(l.opts.Policy)))
	for {
		msg, err := l.source.Next(ctx)
		if err != nil {
			if errors.Is(err, bus.ErrClosed) || ctx.Err() != nil {
				l.logger.Info("Ingestion loop stopped", zap.NamedError("reason", err))
				return nil
			}
			l.logger.Error("Message source failed", zap.Error(err))
			return fmt.Errorf("receive: %w", err)
		}

		if ctx.Err() != nil {
			l.logger.Warn("Shutdown requested, message not stored",
				zap.String("topic", msg.Topic), zap.String("payload", msg.Payload))
			return nil
		}

		if err := l.process(ctx, msg); err != nil {
			return err
		}
	}
}

// process handles one message. It only returns an error when the loop must stop.
func (l *Loop) process(ctx context.Context, msg telemetry.Message) error {
	metrics.MessagesReceived.Inc()
	log := l.logger.With(zap.String("topic", msg.Topic), zap.String("payload", msg.Payload))
	log.Info("Received message")

	addr, err := telemetry.Decode(msg.Topic)
	if err != nil {
		metrics.DecodeErrors.Inc()
		log.Warn("Skipping message with malformed topic", zap.Error(err))
		l.deadLetter(ctx, log, msg, deadletter.StageDecode, err)
		return nil
	}

	timer := prometheus.NewTimer(metrics.RecordDuration)
	err = l.recorder.Record(ctx, addr.DeviceID, addr.Measurement, msg.Payload)
	timer.ObserveDuration()

	if err != nil {
		rejected := errors.Is(err, store.ErrRejected)
		kind := "unavailable"
		if rejected {
			kind = "rejected"
		}
		metrics.StoreErrors.WithLabelValues(kind).Inc()
		log.Error("Failed to store message",
			zap.String("deviceID", addr.DeviceID),
			zap.String("name", addr.Measurement),
			zap.String("kind", kind),
			zap.Error(err))
		l.deadLetter(ctx, log, msg, deadletter.StageStore, err)

		// Rejections stem from message content and never stop the loop.
		if l.opts.Policy == PolicyFail && !rejected {
			return fmt.Errorf("store %s/%s: %w", addr.DeviceID, addr.Measurement, err)
		}
		return nil
	}
	metrics.RecordsWritten.Inc()

	if l.opts.Mirror != nil {
		if err := l.opts.Mirror.Set(ctx, addr, msg.Payload); err != nil {
			log.Warn("Failed to mirror last value", zap.Error(err))
		}
	}

	log.Info("Stored message",
		zap.String("deviceID", addr.DeviceID),
		zap.String("name", addr.Measurement))
	return nil
}

func (l *Loop) deadLetter(ctx context.Context, log *zap.Logger, msg telemetry.Message, stage deadletter.Stage, cause error) {
	if l.opts.DeadLetter == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deadLetterTimeout)
	defer cancel()

	if err := l.opts.DeadLetter.Send(ctx, deadletter.New(msg, stage, cause)); err != nil {
		metrics.DeadLetters.WithLabelValues("failure").Inc()
		log.Error("Failed to dead-letter message", zap.Error(err))
		return
	}
	metrics.DeadLetters.WithLabelValues("success").Inc()
}
