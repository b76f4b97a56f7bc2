package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/enq/internal/config"
	"github.com/SirClappington/enq/internal/delivery"
	"github.com/SirClappington/enq/internal/handlers"
	"github.com/SirClappington/enq/internal/logging"
	"github.com/SirClappington/enq/internal/metrics"
	"github.com/SirClappington/enq/internal/queue"
	"github.com/SirClappington/enq/internal/worker"
)

func main() {
	cfg := config.Load()
	logger, err := logging.New(cfg.AppEnv, cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("worker stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	file, err := config.LoadChannels(cfg.ChannelsFile)
	if err != nil {
		return err
	}
	reg, _, err := file.Build()
	if err != nil {
		return err
	}

	if err := handlers.Bind(reg, file.Handlers(), delivery.NewTwilio(reg.Channels())); err != nil {
		return err
	}

	names := reg.Names()
	if cfg.WorkerChannel != "" {
		if _, err := reg.Get(cfg.WorkerChannel); err != nil {
			return err
		}
		names = []string{cfg.WorkerChannel}
	}

	rdb, err := queue.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return err
	}
	defer rdb.Close()

	// workers expose no endpoint; collectors are kept for the log summary
	m, err := metrics.New(prometheus.NewRegistry())
	if err != nil {
		return err
	}
	q := queue.New(rdb)

	g, gctx := errgroup.WithContext(ctx)
	for _, name := range names {
		ch, _ := reg.Get(name)
		if ch.IsCall() {
			continue
		}
		w, err := worker.New(q, reg, name,
			worker.WithLogger(logger.Named("worker")),
			worker.WithMetrics(m),
			worker.WithBlockTimeout(cfg.BlockTimeout),
		)
		if err != nil {
			return err
		}
		g.Go(func() error { return w.Run(gctx) })
	}
	err = g.Wait()
	for _, name := range names {
		logger.Info("worker summary",
			zap.String("channel", name),
			zap.Float64("complete", m.JobCount(name, metrics.JobComplete)),
			zap.Float64("failed", m.JobCount(name, metrics.JobFailed)))
	}
	return err
}
