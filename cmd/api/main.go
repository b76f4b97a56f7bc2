package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/enq/internal/config"
	"github.com/SirClappington/enq/internal/delivery"
	"github.com/SirClappington/enq/internal/dispatch"
	"github.com/SirClappington/enq/internal/gateway"
	"github.com/SirClappington/enq/internal/handlers"
	"github.com/SirClappington/enq/internal/lock"
	"github.com/SirClappington/enq/internal/logging"
	"github.com/SirClappington/enq/internal/metrics"
	"github.com/SirClappington/enq/internal/queue"
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
		logger.Fatal("api stopped", zap.Error(err))
	}
}

func run(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	file, err := config.LoadChannels(cfg.ChannelsFile)
	if err != nil {
		return err
	}
	reg, chain, err := file.Build()
	if err != nil {
		return err
	}

	rdb, err := queue.Connect(ctx, cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return err
	}
	defer rdb.Close()

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(promReg)
	if err != nil {
		return err
	}

	sender := delivery.NewTwilio(reg.Channels())
	// call channels run their handler inside the request
	if err := handlers.Bind(reg, file.Handlers(), sender); err != nil {
		return err
	}
	notifier := delivery.NewNotifier(sender, cfg.AckTimeout, logger.Named("notifier"), m)
	defer notifier.Wait()

	q := queue.New(rdb)
	d := dispatch.New(reg, chain, q, lock.New(rdb),
		dispatch.WithNotifier(notifier),
		dispatch.WithLogger(logger.Named("dispatch")),
		dispatch.WithMetrics(m),
	)
	h := gateway.NewHandler(reg, d, q, logger.Named("gateway"))

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           gateway.NewRouter(h, promhttp.HandlerFor(promReg, promhttp.HandlerOpts{})),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api listening", zap.String("addr", cfg.APIAddr), zap.Strings("channels", reg.Names()))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdown)
	})
	return g.Wait()
}
