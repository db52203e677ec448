package mqttpg

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/edgeflare/mqttpg/pkg/bus"
	"github.com/edgeflare/mqttpg/pkg/deadletter"
	"github.com/edgeflare/mqttpg/pkg/ingest"
	"github.com/edgeflare/mqttpg/pkg/lastvalue"
	"github.com/edgeflare/mqttpg/pkg/metrics"
	"github.com/edgeflare/mqttpg/pkg/store"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

const shutdownTimeout = 10 * time.Second

var (
	prometheusEnabled bool
	prometheusAddr    string
)

var connectCmd = &cobra.Command{
	Use:          "connect",
	Aliases:      []string{"c"},
	Short:        "Run the MQTT to PostgreSQL connector",
	Long:         `Subscribe to MQTT_TOPIC and insert one telemetry row per message into POSTGRES_DB.`,
	SilenceUsage: true,
	RunE:         runConnect,
}

func runConnect(cmd *cobra.Command, args []string) error {
	if err := cfg.ValidateConnector(); err != nil {
		return err
	}
	policy, err := ingest.ParsePolicy(cfg.Store.ErrorPolicy)
	if err != nil {
		return err
	}
	applyMetricsFlags(cmd)

	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	var wg sync.WaitGroup

	writer, err := store.Connect(ctx, cfg.Postgres, logger)
	if err != nil {
		return err
	}
	defer writer.Close(context.Background())

	sub := bus.NewSubscriber(cfg.MQTT, logger)
	if err := sub.Start(ctx); err != nil {
		return err
	}
	defer sub.Close()

	if cfg.Metrics.Enabled {
		metrics.StartPrometheusServer(ctx, &wg, &metrics.PromServerOpts{
			Addr:    cfg.Metrics.Addr,
			Healthy: sub.Connected,
			Logger:  logger,
		})
	}

	opts := ingest.Options{Policy: policy, Logger: logger}

	sink, err := newDeadLetterSink(logger)
	if err != nil {
		return err
	}
	if sink != nil {
		defer sink.Close()
		opts.DeadLetter = sink
	}

	if cfg.Redis.Addr != "" {
		mirror, err := lastvalue.New(ctx, cfg.Redis, logger)
		if err != nil {
			return err
		}
		defer mirror.Close()
		opts.Mirror = mirror
	}

	loop := ingest.New(sub, writer, opts)
	errChan := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		errChan <- loop.Run(ctx)
	}()

	// Wait for shutdown signal or the loop stopping on its own
	var runErr error
	select {
	case sig := <-sigChan:
		logger.Info("Received termination signal, shutting down gracefully...", zap.Stringer("signal", sig))
	case runErr = <-errChan:
		if runErr != nil {
			logger.Error("Ingestion loop failed", zap.Error(runErr))
		}
	}
	cancel()
	sub.Close()

	waitForShutdown(&wg, logger)
	return runErr
}

// newDeadLetterSink returns nil when no dead-letter destination is configured.
func newDeadLetterSink(logger *zap.Logger) (deadletter.Sink, error) {
	var sinks deadletter.Multi

	if cfg.DeadLetter.Topic != "" {
		pubCfg := cfg.MQTT
		pubCfg.ClientID = ""
		pub := bus.NewPublisher(pubCfg, "mqttpg-deadletter", logger)
		if err := pub.Connect(); err != nil {
			return nil, fmt.Errorf("dead-letter publisher: %w", err)
		}
		sinks = append(sinks, deadletter.NewMQTTSink(pub, cfg.DeadLetter.Topic, pub.Close))
		logger.Info("Dead-lettering to MQTT", zap.String("topic", cfg.DeadLetter.Topic))
	}

	if cfg.DeadLetter.NATS.URL != "" {
		natsSink, err := deadletter.NewNATSSink(cfg.DeadLetter.NATS)
		if err != nil {
			_ = sinks.Close()
			return nil, err
		}
		sinks = append(sinks, natsSink)
		logger.Info("Dead-lettering to NATS", zap.String("url", cfg.DeadLetter.NATS.URL))
	}

	if len(sinks) == 0 {
		return nil, nil
	}
	return sinks, nil
}

func waitForShutdown(wg *sync.WaitGroup, logger *zap.Logger) {
	doneChan := make(chan struct{})
	go func() {
		wg.Wait()
		close(doneChan)
	}()

	select {
	case <-doneChan:
		logger.Info("Shutdown complete")
	case <-time.After(shutdownTimeout):
		logger.Warn("Shutdown timed out", zap.Duration("after", shutdownTimeout))
	}
}

func addMetricsFlags(cmd *cobra.Command, enabledByDefault bool) {
	cmd.Flags().BoolVar(&prometheusEnabled, "metrics", enabledByDefault, "Enable Prometheus metrics server")
	cmd.Flags().StringVar(&prometheusAddr, "metrics-addr", ":9100", "Prometheus metrics server address")
}

// applyMetricsFlags lets explicit flags win over METRICS_ENABLED and METRICS_ADDR.
func applyMetricsFlags(cmd *cobra.Command) {
	if cmd.Flags().Changed("metrics") {
		cfg.Metrics.Enabled = prometheusEnabled
	}
	if cmd.Flags().Changed("metrics-addr") {
		cfg.Metrics.Addr = prometheusAddr
	}
}

func init() {
	addMetricsFlags(connectCmd, true)
}
