package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"futurestack/internal/broker"
	"futurestack/internal/config"
	"futurestack/internal/engine"
	"futurestack/internal/metrics"
	"futurestack/internal/risk"
	"futurestack/internal/store"
	"futurestack/internal/util"
)

const serviceName = "futurestack.reconciler"

func main() {
	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	util.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		util.Critical(logger, "reconciler exited", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	db, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		return fmt.Errorf("opening stacks: %w", err)
	}
	defer db.Close()

	owner := lockOwner()
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	eng := engine.NewEngine(engine.Deps{
		Instruments: db.InstrumentStack(owner),
		Contracts:   db.ContractStack(owner),
		Positions:   db,
		History:     store.NewParquetHistory(cfg.Storage.HistoryDir),
		Limits: risk.NewLimiter(risk.Limits{
			Window:        cfg.TradeLimits.Window,
			DefaultMax:    cfg.TradeLimits.DefaultMaxTrades,
			PerInstrument: cfg.TradeLimits.PerInstrument,
			PerStrategy:   cfg.TradeLimits.PerStrategy,
		}, db),
		Rolls:          db,
		Locks:          db,
		Metrics:        m,
		Log:            logger,
		StaleLockAfter: cfg.Engine.StaleLockAfter,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	healthSrv := health.NewServer()
	grpcSrv := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)

	metricsSrv := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, fmt.Sprint(cfg.Server.MetricsPort)),
		Handler:           metricsMux(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		healthSrv.SetServingStatus(serviceName, healthpb.HealthCheckResponse_SERVING)
		err := eng.Run(ctx, cfg.Engine.SweepInterval)
		if err != nil {
			healthSrv.SetServingStatus(serviceName, healthpb.HealthCheckResponse_NOT_SERVING)
		}
		return err
	})

	if cfg.Trading.PaperMode {
		paper := broker.NewPaperBroker(db.ContractStack(owner), db.BrokerStack(owner), db, broker.PaperConfig{
			Account:    cfg.Trading.Account,
			FillPrice:  cfg.Trading.PaperFillPrice,
			Commission: cfg.Trading.PaperCommission,
		}, m, logger)
		g.Go(func() error {
			return broker.Run(ctx, paper, cfg.Engine.BrokerPollInterval, logger)
		})
	} else {
		logger.Info("paper mode off, expecting an external broker process", "broker", cfg.Trading.Broker)
	}

	if cfg.Server.GRPCPort > 0 {
		lis, err := net.Listen("tcp", net.JoinHostPort(cfg.Server.Host, fmt.Sprint(cfg.Server.GRPCPort)))
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		g.Go(func() error {
			logger.Info("grpc health listening", "addr", lis.Addr().String())
			return grpcSrv.Serve(lis)
		})
		g.Go(func() error {
			<-ctx.Done()
			healthSrv.Shutdown()
			grpcSrv.GracefulStop()
			return nil
		})
	}

	if cfg.Server.MetricsPort > 0 {
		g.Go(func() error {
			logger.Info("metrics listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	logger.Info("futurestack-reconciler started",
		"db", cfg.Storage.SQLitePath, "owner", owner, "paper_mode", cfg.Trading.PaperMode)
	return g.Wait()
}

func metricsMux(reg *prometheus.Registry) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// lockOwner identifies this process on the locks it takes.
func lockOwner() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("reconciler@%s:%d", host, os.Getpid())
}
