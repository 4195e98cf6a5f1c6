package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	daemon "github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"framelink/builtin"
	"framelink/config"
	"framelink/logging"
	"framelink/metrics"
	"framelink/middleware"
	"framelink/server"
)

type serveOptions struct {
	configPath string
	listen     string
	metrics    string
	welcome    string
}

func loadServeConfig(cmd *cobra.Command, opts serveOptions) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return cfg, err
	}
	if cmd.Flags().Changed("listen") {
		cfg.Server.Listen = opts.listen
	}
	if cmd.Flags().Changed("metrics") {
		cfg.Metrics.Listen = opts.metrics
	}
	if cmd.Flags().Changed("welcome") {
		cfg.Server.Welcome = opts.welcome
	}
	return cfg, cfg.Validate()
}

// newServer assembles the companion: built-in handlers behind logging, metrics, rate limiting,
// timeout and panic recovery, outermost first.
func newServer(cfg config.ServerConfig, logger *zap.Logger, m *metrics.Metrics) (*server.Server, error) {
	logger = logging.OrNop(logger)
	svr := server.NewServer(
		server.WithLogger(logger),
		server.WithMetrics(m),
		server.WithMaxPayload(cfg.MaxPayload),
		server.WithWelcome(cfg.Welcome),
	)
	if err := svr.Register(&builtin.Service{}); err != nil {
		return nil, err
	}

	svr.Use(middleware.LoggingMiddleware(logger.Named("handler")))
	svr.Use(middleware.MetricsMiddleware(m))
	if cfg.RateLimit > 0 {
		svr.Use(middleware.RateLimitMiddleware(cfg.RateLimit, cfg.RateBurst))
	}
	if cfg.HandlerTimeout > 0 {
		svr.Use(middleware.TimeOutMiddleware(cfg.HandlerTimeout))
	}
	svr.Use(middleware.RecoverMiddleware(logger))
	return svr, nil
}

func runServe(ctx context.Context, cmd *cobra.Command, opts serveOptions) error {
	cfg, err := loadServeConfig(cmd, opts)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Log)
	if err != nil {
		return err
	}
	defer logger.Sync()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(metrics.WithRegistry(reg))

	svr, err := newServer(cfg.Server, logger, m)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return err
	}

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- svr.ServeListener(ln) }()

	var admin *http.Server
	if cfg.Metrics.Listen != "" {
		admin = &http.Server{
			Addr:              cfg.Metrics.Listen,
			Handler:           newAdminRouter(reg, func() bool { return svr.Addr() != nil }),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			if err := admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("admin server", zap.Error(err))
			}
		}()
		logger.Info("admin listening", zap.String("addr", cfg.Metrics.Listen))
	}

	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)

	if admin != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		_ = admin.Shutdown(shutdownCtx)
	}
	return svr.Shutdown(cfg.Server.ShutdownTimeout)
}
