package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/TheAlpha16/rpctable"
	"github.com/TheAlpha16/rpctable/internal/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type serveFlags struct {
	transport   string
	tcpAddr     string
	valkeyAddr  string
	channel     string
	workers     int
	metricsAddr string
	noBaseline  bool
}

func newServeCommand(configPath *string) *cobra.Command {
	var flags serveFlags

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the JSON-RPC server",
		Long: `Start the JSON-RPC server.

Transports:
  tcp     newline-delimited JSON over TCP (default, loopback)
  stdio   newline-delimited JSON over stdin/stdout
  valkey  requests on a Valkey pub/sub channel, replies on Valkey lists

Built-in methods:
  test_add            x + y
  test_sub            x - y
  ping                liveness probe
  get_supported_cmds  list registered methods`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			applyServeFlags(cmd, cfg, &flags)
			if err := cfg.Validate(); err != nil {
				return err
			}

			logger, err := newLogger(cfg.Log)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return serve(ctx, cfg, logger)
		},
	}

	cmd.Flags().StringVar(&flags.transport, "transport", "", "Transport: tcp, stdio or valkey")
	cmd.Flags().StringVar(&flags.tcpAddr, "tcp", "", "TCP address to listen on")
	cmd.Flags().StringVar(&flags.valkeyAddr, "valkey-addr", "", "Valkey server address")
	cmd.Flags().StringVar(&flags.channel, "channel", "", "Valkey channel carrying requests")
	cmd.Flags().IntVar(&flags.workers, "workers", 0, "Maximum commands executing at once")
	cmd.Flags().StringVar(&flags.metricsAddr, "metrics-addr", "", "Address for the Prometheus /metrics endpoint")
	cmd.Flags().BoolVar(&flags.noBaseline, "no-baseline", false, "Do not register test_add and test_sub")

	return cmd
}

// applyServeFlags lets explicitly set flags override the config file.
func applyServeFlags(cmd *cobra.Command, cfg *config.Config, flags *serveFlags) {
	f := cmd.Flags()
	if f.Changed("transport") {
		cfg.Transport = flags.transport
	}
	if f.Changed("tcp") {
		cfg.TCP.Address = flags.tcpAddr
	}
	if f.Changed("valkey-addr") {
		cfg.Valkey.Address = flags.valkeyAddr
	}
	if f.Changed("channel") {
		cfg.Valkey.Channel = flags.channel
	}
	if f.Changed("workers") {
		cfg.Workers = flags.workers
	}
	if f.Changed("metrics-addr") {
		cfg.Metrics.Address = flags.metricsAddr
	}
	if flags.noBaseline {
		disabled := false
		cfg.Baseline = &disabled
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) (err error) {
	table, err := newTable(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, table.Close())
	}()

	reg := prometheus.NewRegistry()
	metrics, err := rpctable.NewMetrics(reg)
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	transport, err := newTransport(cfg, logger)
	if err != nil {
		return err
	}

	srv := rpctable.NewServer(table, transport,
		rpctable.WithWorkers(cfg.Workers),
		rpctable.WithServerLogger(logger),
		rpctable.WithMetrics(metrics),
	)
	if err := srv.Start(ctx); err != nil {
		return multierr.Append(fmt.Errorf("start server: %w", err), transport.Close())
	}

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Metrics.Address != "" {
		metricsSrv := &http.Server{
			Addr:              cfg.Metrics.Address,
			Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics endpoint listening", zap.String("addr", cfg.Metrics.Address))
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics endpoint: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-srv.Done():
			logger.Info("transport drained")
		}
		return srv.Shutdown()
	})

	// Returning from the shutdown goroutine does not cancel gctx, so stop
	// the metrics endpoint once the server is gone.
	g.Go(func() error {
		<-srv.Done()
		return errStopped
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errStopped) {
		return err
	}
	return nil
}

// errStopped cancels the errgroup once the server has stopped.
var errStopped = errors.New("server stopped")

func newTransport(cfg *config.Config, logger *zap.Logger) (rpctable.Transport, error) {
	opts := []rpctable.Option{
		rpctable.WithLogger(logger),
		rpctable.WithMsgBufferSize(cfg.BufferSize),
		rpctable.WithReplyTTL(cfg.Valkey.ReplyTTL),
	}

	switch cfg.Transport {
	case config.TransportValkey:
		client, err := rpctable.NewValkeyClient(cfg.Valkey.Address)
		if err != nil {
			return nil, err
		}
		logger.Info("serving on valkey", zap.String("addr", cfg.Valkey.Address), zap.String("channel", cfg.Valkey.Channel))
		return rpctable.NewValkeyTransport(client, cfg.Valkey.Channel, opts...), nil
	case config.TransportStdio:
		logger.Info("serving on stdio")
		return rpctable.NewStreamTransport(os.Stdin, os.Stdout, opts...), nil
	case config.TransportTCP:
		t, err := rpctable.ListenTCP(cfg.TCP.Address, opts...)
		if err != nil {
			return nil, err
		}
		logger.Info("serving on tcp", zap.Stringer("addr", t.Addr()))
		return t, nil
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}
}
