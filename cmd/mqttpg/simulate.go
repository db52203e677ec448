package mqttpg

import (
	"context"
	"os/signal"
	"sync"
	"syscall"

	"github.com/edgeflare/mqttpg/pkg/bus"
	"github.com/edgeflare/mqttpg/pkg/metrics"
	"github.com/edgeflare/mqttpg/pkg/simulator"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var simulateCmd = &cobra.Command{
	Use:          "simulate",
	Aliases:      []string{"sim"},
	Short:        "Publish synthetic sensor readings",
	Long:         `Publish temperature, humidity and pressure counters for every DEVICE_ID on a fixed interval.`,
	SilenceUsage: true,
	RunE:         runSimulate,
}

func runSimulate(cmd *cobra.Command, args []string) error {
	if err := cfg.ValidateSimulator(); err != nil {
		return err
	}
	// metrics are opt-in here
	cfg.Metrics.Enabled = false
	applyMetricsFlags(cmd)

	logger, err := newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	pub := bus.NewPublisher(cfg.MQTT, "mqttpg-simulator", logger)
	if err := pub.Connect(); err != nil {
		return err
	}
	defer pub.Close()

	if cfg.Metrics.Enabled {
		metrics.StartPrometheusServer(ctx, &wg, &metrics.PromServerOpts{Addr: cfg.Metrics.Addr, Logger: logger})
	}

	sim := simulator.New(pub, cfg.SimulatorRoot(), cfg.Simulator.DeviceIDs, cfg.Simulator.Interval, logger)
	if err := sim.Run(ctx); err != nil {
		logger.Error("Simulator failed", zap.Error(err))
		return err
	}

	logger.Info("Received termination signal, shutting down gracefully...")
	stop()
	waitForShutdown(&wg, logger)
	return nil
}

func init() {
	addMetricsFlags(simulateCmd, false)
}
