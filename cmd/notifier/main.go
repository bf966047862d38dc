package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ariefcatur/go-order-fulfillment.git/internal/config"
	kafkax "github.com/ariefcatur/go-order-fulfillment.git/internal/kafka"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/logx"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/notify"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/observability"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/redisx"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logx.New(cfg.Log.Level, cfg.Env)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	logger = logger.With(zap.String("service", cfg.ServiceName+"-notifier"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := observability.InitTracer(ctx, cfg.ServiceName+"-notifier", cfg.Env, cfg.Otel)
	if err != nil {
		logger.Fatal("tracer", zap.Error(err))
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = shutdownTracer(sctx)
	}()

	// Redis: one email per event id
	rdb, err := redisx.New(ctx, cfg.Redis.Addr)
	if err != nil {
		logger.Fatal("redis", zap.Error(err))
	}
	defer rdb.Close()

	if cfg.SMTP.Host == "" {
		logger.Warn("SMTP_HOST is empty; sends will fail and be redelivered")
	}
	svc := notify.NewService(
		redisx.NewDedup(rdb, "notifier", redisx.TTLDedup),
		notify.NewSMTPSender(cfg.SMTP, logger),
		logger,
	)

	// Consumer
	cons := kafkax.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.NotifierGroup, orders.TopicOrderStatusChanged, cfg.Kafka.NotifierWorkers, logger)

	done := make(chan struct{})
	go func() {
		defer close(done)
		logger.Info("notifier consumer started",
			zap.String("group", cfg.Kafka.NotifierGroup),
			zap.String("topic", orders.TopicOrderStatusChanged),
			zap.Int("workers", cfg.Kafka.NotifierWorkers),
		)
		if err := cons.Start(ctx, svc.HandleStatusChanged); err != nil {
			logger.Error("consumer exit", zap.Error(err))
			cancel()
		}
	}()

	// graceful shutdown
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}
	logger.Info("shutting down consumer...")
	cancel()
	<-done
}
