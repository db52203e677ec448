package metrics

import (
	"cmp"
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

var (
	MessagesReceived = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mqttpg_messages_received_total",
			Help: "Total number of messages received from the broker",
		},
	)

	RecordsWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mqttpg_records_written_total",
			Help: "Total number of telemetry rows inserted",
		},
	)

	DecodeErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "mqttpg_decode_errors_total",
			Help: "Total number of messages whose topic could not be decoded",
		},
	)

	StoreErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqttpg_store_errors_total",
			Help: "Total number of failed inserts by kind",
		},
		[]string{"kind"},
	)

	DeadLetters = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqttpg_dead_letters_total",
			Help: "Total number of messages sent to a dead-letter sink by outcome",
		},
		[]string{"outcome"},
	)

	BusReconnects = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqttpg_bus_reconnects_total",
			Help: "Total number of broker reconnect attempts by outcome",
		},
		[]string{"outcome"},
	)

	Published = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mqttpg_simulator_published_total",
			Help: "Total number of synthetic messages published by measurement",
		},
		[]string{"measurement"},
	)

	RecordDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "mqttpg_record_duration_seconds",
			Help:    "Duration of a single telemetry insert",
			Buckets: prometheus.DefBuckets,
		},
	)
)

type PromServerOpts struct {
	Addr              string
	Path              string        // Path for metrics endpoint, defaults to "/metrics"
	ShutdownTimeout   time.Duration // Timeout for server shutdown, defaults to 5 seconds
	ReadHeaderTimeout time.Duration // Timeout for reading request headers, defaults to 3 seconds
	// Healthy backs /healthz; nil always reports healthy.
	Healthy func() bool
	Logger  *zap.Logger
}

func defaultPrometheusServerOptions() PromServerOpts {
	return PromServerOpts{
		Addr:              ":9100",
		Path:              "/metrics",
		ShutdownTimeout:   5 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

// Handler returns the mux serving metrics and the health probe.
func Handler(opts PromServerOpts) http.Handler {
	mux := http.NewServeMux()
	mux.Handle(cmp.Or(opts.Path, "/metrics"), promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		if opts.Healthy != nil && !opts.Healthy() {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// StartPrometheusServer starts a Prometheus metrics server with the given options
// The server gracefully shutdown when the provided context is canceled
func StartPrometheusServer(ctx context.Context, wg *sync.WaitGroup, opts *PromServerOpts) {
	// merge with defaults
	effectiveOpts := defaultPrometheusServerOptions()
	if opts != nil {
		effectiveOpts.Addr = cmp.Or(opts.Addr, effectiveOpts.Addr)
		effectiveOpts.Path = cmp.Or(opts.Path, effectiveOpts.Path)
		effectiveOpts.ShutdownTimeout = cmp.Or(opts.ShutdownTimeout, effectiveOpts.ShutdownTimeout)
		effectiveOpts.ReadHeaderTimeout = cmp.Or(opts.ReadHeaderTimeout, effectiveOpts.ReadHeaderTimeout)
		effectiveOpts.Healthy = opts.Healthy
		effectiveOpts.Logger = opts.Logger
	}
	logger := effectiveOpts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	server := &http.Server{
		Addr:              effectiveOpts.Addr,
		Handler:           Handler(effectiveOpts),
		ReadHeaderTimeout: effectiveOpts.ReadHeaderTimeout,
	}

	serverClosed := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("Starting Prometheus metrics server", zap.String("addr", effectiveOpts.Addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Metrics server error", zap.Error(err))
		}
		close(serverClosed)
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), effectiveOpts.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("Error shutting down metrics server", zap.Error(err))
		}

		select {
		case <-serverClosed:
			logger.Info("Metrics server shutdown complete")
		case <-shutdownCtx.Done():
			logger.Warn("Metrics server shutdown timed out")
		}
	}()
}
