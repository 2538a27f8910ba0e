package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/CharlySistemas23/possync"
	"github.com/CharlySistemas23/possync/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the background sync daemon",
	Long: `Run the sync loop until interrupted. The queue drains on every interval
tick, shortly after new mutations are queued and when a rate-limit cooldown
ends. Prometheus metrics are served on --metrics-addr.`,
	Example: `  possync run --server-url https://pos.example.com --metrics-addr :9464`,
	Args:    cobra.NoArgs,
	RunE:    runDaemon,
}

var metricsAddr string

func init() {
	runCmd.Flags().StringVar(&metricsAddr, "metrics-addr", ":9464", "address for the /metrics endpoint (empty disables it)")
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cfg.IsOffline() {
		return fmt.Errorf("run: no server URL configured")
	}
	cfg.AutoSync = true

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics.MustRegister(reg)

	client, logger, err := openClient(cfg, possync.WithReportHook(metrics.Observe))
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()
	defer client.Close()

	if pending, err := client.Pending(cmd.Context()); err == nil {
		metrics.QueueDepth.Set(float64(len(pending)))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var srv *http.Server
	if metricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		srv = &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		go func() {
			logger.Info("metrics server starting", zap.String("addr", metricsAddr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
				stop()
			}
		}()
	}

	logger.Info("sync daemon started",
		zap.String("branch", cfg.Branch),
		zap.String("server", cfg.ServerURL),
		zap.Duration("interval", cfg.SyncInterval),
		zap.String("identity", string(client.Session().Mode())))

	// Drain once at startup.
	if err := client.Reconnected(ctx); err != nil {
		logger.Warn("initial drain failed", zap.Error(err))
	}

	<-ctx.Done()
	logger.Info("shutting down")

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown", zap.Error(err))
		}
	}
	return nil
}
