package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/ariefcatur/go-order-fulfillment.git/internal/checkout"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/config"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/fulfillment"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/httpx"
	kafkax "github.com/ariefcatur/go-order-fulfillment.git/internal/kafka"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/logx"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/metrics"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/notify"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/observability"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/payment"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/postgres"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/pricing"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/redisx"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/reservation"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/stock"
	"github.com/ariefcatur/go-order-fulfillment.git/internal/webhook"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

// stores is everything that differs between STORE_DRIVER=postgres and memory.
type stores struct {
	ledger  stock.Ledger
	orders  orders.Store
	inbox   webhook.Inbox
	dedup   webhook.Deduper
	guard   checkout.Guard
	catalog interface {
		checkout.Catalog
		httpx.ProductUpserter
	}
	cache  *redisx.OrderCache
	closer func()
}

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

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := observability.InitTracer(ctx, cfg.ServiceName, cfg.Env, cfg.Otel)
	if err != nil {
		return err
	}
	defer func() {
		sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer scancel()
		_ = shutdownTracer(sctx)
	}()

	// Metrics
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// Storage
	st, err := openStores(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.closer()

	// Kafka producer (status notifications)
	prod := kafkax.NewProducer(cfg.Kafka.Brokers, orders.TopicOrderStatusChanged, 1024, logger)
	prod.Start(ctx)

	// Payment providers
	httpClient := &http.Client{Timeout: cfg.Payment.Timeout}
	gateways := payment.NewRegistry(
		payment.NewStripe(cfg.Stripe, httpClient, logger),
		payment.NewSquare(cfg.Square, httpClient, logger),
	)

	calc, err := pricing.FromConfig(cfg.Pricing)
	if err != nil {
		return err
	}

	// Domain
	mgr := reservation.NewManager(st.ledger, cfg.Reservation.TTL, logger)
	engineOpts := []fulfillment.Option{
		fulfillment.WithNotifier(notify.NewKafkaNotifier(prod, cfg.ServiceName, logger)),
	}
	var cache httpx.OrderCache
	if st.cache != nil {
		engineOpts = append(engineOpts, fulfillment.WithStatusCache(st.cache))
		cache = st.cache
	}
	engine := fulfillment.NewEngine(st.orders, mgr, m, logger, engineOpts...)

	svc := checkout.NewService(checkout.Options{
		PaymentTimeout:  cfg.Payment.Timeout,
		DefaultProvider: cfg.Payment.DefaultProvider,
		DefaultCurrency: cfg.Payment.DefaultCurrency,
	}, checkout.Deps{
		Catalog:      st.catalog,
		Guard:        st.guard,
		Reservations: mgr,
		Gateways:     gateways,
		Pricing:      calc,
		Store:        st.orders,
		Engine:       engine,
		Metrics:      m,
		Logger:       logger,
	})

	reconciler := webhook.NewReconciler(gateways, st.dedup, st.orders, engine, st.inbox,
		webhook.Options{RetryDelay: cfg.Webhook.RetryBaseBackoff}, m, logger)

	// Background workers
	var wg sync.WaitGroup
	sweeper := stock.NewSweeper(st.ledger, logger, m, cfg.Reservation.SweepInterval, cfg.Reservation.SweepBatch)
	retrier := webhook.NewRetryWorker(st.inbox, reconciler, webhook.RetryOptions{
		Interval:    cfg.Webhook.RetryInterval,
		BaseBackoff: cfg.Webhook.RetryBaseBackoff,
		MaxAttempts: cfg.Webhook.RetryMaxAttempts,
		Batch:       cfg.Webhook.RetryBatch,
	}, m, logger)
	wg.Add(2)
	go func() { defer wg.Done(); sweeper.Start(ctx) }()
	go func() { defer wg.Done(); retrier.Start(ctx) }()

	// HTTP
	router := httpx.NewRouter(cfg.HTTP.RequestTimeout, reg, logger)
	(&httpx.Handlers{
		Checkout: svc,
		Webhooks: reconciler,
		Orders:   st.orders,
		Cache:    cache,
		Engine:   engine,
		Stock:    st.ledger,
		Catalog:  st.catalog,
		Logger:   logger,
	}).Register(router)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP listening", zap.String("addr", cfg.HTTP.Addr), zap.String("store", cfg.StoreDriver))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	// wait signal
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		logger.Info("shutting down", zap.String("signal", s.String()))
	case err := <-errCh:
		logger.Error("http server failed", zap.Error(err))
	}

	ctx2, cancel2 := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel2()
	if err := srv.Shutdown(ctx2); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	// stop workers before the producer so late notifications still flush
	cancel()
	wg.Wait()
	prod.Close()      // tutup inbox -> flush & close writer
	prod.WaitClosed() // drain
	return nil
}

func openStores(ctx context.Context, cfg config.Config, logger *zap.Logger) (*stores, error) {
	if cfg.StoreDriver == "memory" {
		logger.Warn("using in-memory stores; state is lost on restart")
		return &stores{
			ledger:  stock.NewMemoryLedger(),
			orders:  orders.NewMemoryStore(),
			inbox:   webhook.NewMemoryInbox(),
			dedup:   webhook.NewMemoryDeduper(cfg.Webhook.DedupTTL),
			guard:   checkout.NewMemoryGuard(),
			catalog: checkout.NewMemoryCatalog(),
			closer:  func() {},
		}, nil
	}

	if cfg.Postgres.AutoMigrate {
		if err := postgres.Migrate(cfg.Postgres.MigrationsPath, cfg.Postgres.DSN); err != nil {
			return nil, err
		}
		logger.Info("migrations applied", zap.String("source", cfg.Postgres.MigrationsPath))
	}

	// DB
	db, err := postgres.Connect(ctx, cfg.Postgres.DSN, cfg.Postgres.MaxConns)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}

	// Redis
	rdb, err := redisx.New(ctx, cfg.Redis.Addr)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("redis connect: %w", err)
	}

	return &stores{
		ledger:  stock.NewPGLedger(db, logger),
		orders:  orders.NewPGStore(db, logger),
		inbox:   webhook.NewPGInbox(db, logger),
		dedup:   redisx.NewDedup(rdb, "webhook", cfg.Webhook.DedupTTL),
		guard:   redisx.NewClaims(rdb, redisx.KeyIdemCheckout, redisx.TTLCheckoutGuard),
		catalog: &checkout.PGCatalog{DB: db},
		cache:   redisx.NewOrderCache(rdb, redisx.TTLOrderCache, logger),
		closer: func() {
			_ = rdb.Close()
			db.Close()
		},
	}, nil
}
