package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/SirClappington/enq/internal/config"
	"github.com/SirClappington/enq/internal/logging"
	"github.com/SirClappington/enq/internal/queue"
	"github.com/SirClappington/enq/internal/reconcile"
	"github.com/SirClappington/enq/internal/storage"
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
		logger.Fatal("reconciler stopped", zap.Error(err))
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

	rdb, err := queue.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return err
	}
	defer rdb.Close()

	// leader election: without postgres a single reconciler is assumed
	var elector reconcile.Elector
	if cfg.PostgresDSN != "" {
		db, err := storage.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer db.Close()
		leader := storage.NewLeader(db, cfg.LeaderLockKey)
		defer func() { _ = leader.Release(context.Background()) }()
		elector = leader
	}

	var names []string
	for _, ch := range reg.Channels() {
		if !ch.IsCall() {
			names = append(names, ch.Name)
		}
	}
	logger.Info("reconciler started",
		zap.Strings("channels", names),
		zap.Duration("interval", cfg.ReconcileInterval),
		zap.Duration("stale_after", cfg.StaleAfter),
		zap.Bool("leader_election", elector != nil))

	s := reconcile.New(queue.New(rdb), names, cfg.StaleAfter, elector, logger.Named("reconcile"))
	return s.Run(ctx, cfg.ReconcileInterval)
}
