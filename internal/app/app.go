package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/orderdesk/internal/domain/order"
	"github.com/xenking/orderdesk/internal/domain/product"
	"github.com/xenking/orderdesk/internal/handler"
	"github.com/xenking/orderdesk/internal/logsink"
	"github.com/xenking/orderdesk/internal/processor"
	"github.com/xenking/orderdesk/internal/scheduler/priority"
	"github.com/xenking/orderdesk/internal/scheduler/queue"
	"github.com/xenking/orderdesk/internal/stock"
	"github.com/xenking/orderdesk/internal/storage/postgres"
	redisstore "github.com/xenking/orderdesk/internal/storage/redis"
	"github.com/xenking/orderdesk/pkg/health"
	"github.com/xenking/orderdesk/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server and the processing
// loop, and handles graceful shutdown. It is the single wiring point for the
// application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr))

	// PostgreSQL pool + migrations.
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool.Ping))
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(cfg.Health.MaxGoroutine))

	// Repositories.
	customerRepo := postgres.NewCustomerRepository(pool)
	productRepo := postgres.NewProductRepository(pool)
	orderRepo := postgres.NewOrderRepository(pool)
	logRepo := postgres.NewLogRepository(pool)

	// Audit log, optionally mirrored to Redis.
	sinkOpts := []logsink.Option{
		logsink.WithStore(logRepo),
		logsink.WithCapacity(cfg.Logs.Capacity),
	}
	if cfg.Redis.URL != "" {
		client, err := redisstore.NewClient(ctx, cfg.Redis.URL)
		if err != nil {
			return errors.Wrap(err, "connect redis")
		}
		defer func() { _ = client.Close() }()

		mirror := redisstore.NewStreamPublisher(client, cfg.Redis.Stream, cfg.Redis.MaxLen)
		sinkOpts = append(sinkOpts, logsink.WithMirror(mirror))
		healthSvc.AddReadinessCheck("redis", 2*time.Second, health.PingCheck(mirror.Ping))
		lg.Info("Mirroring audit log to Redis", zap.String("stream", cfg.Redis.Stream))
	}
	sink := logsink.New(sinkOpts...)
	restored, err := sink.Restore(ctx, cfg.Logs.RestoreLimit)
	if err != nil {
		return errors.Wrap(err, "restore audit log")
	}
	recorder := logsink.NewRecorder(sink)

	// Scheduling core.
	scorer, err := priority.New(cfg.Scoring.Weights())
	if err != nil {
		return errors.Wrap(err, "create scorer")
	}
	products, err := productRepo.List(ctx)
	if err != nil {
		return errors.Wrap(err, "load products")
	}
	ledger := stock.NewLedger()
	ledger.Load(products)

	book := order.NewBook()
	q := queue.New(scorer)
	orderService := order.NewService(customerRepo, productRepo, orderRepo, book, q, recorder)
	recovered, err := orderService.Recover(ctx)
	if err != nil {
		return errors.Wrap(err, "recover pending orders")
	}
	catalog := product.NewCatalog(productRepo, ledger)

	proc, err := processor.New(
		processor.Config{
			Interval:        cfg.Processor.Interval,
			MaxAttempts:     cfg.Processor.MaxAttempts,
			RecoverInterval: cfg.Processor.RecoverInterval,
		},
		q, ledger, book, orderRepo, recorder, scorer,
		processor.WithRecoverer(orderService),
		processor.WithMeterProvider(m.MeterProvider()),
		processor.WithTracerProvider(m.TracerProvider()),
		processor.WithLogger(lg.Named("processor")),
	)
	if err != nil {
		return errors.Wrap(err, "create processor")
	}
	if err := registerQueueMetrics(m.MeterProvider(), q, recorder); err != nil {
		return errors.Wrap(err, "register queue metrics")
	}

	lg.Info("Scheduler ready",
		zap.Int("products", len(products)),
		zap.Int("recovered_orders", recovered),
		zap.Int("restored_log_entries", restored),
	)

	healthSvc.AddReadinessCheck("queue", time.Second, health.BacklogCheck(q.Len, cfg.Health.MaxBacklog))
	if !cfg.Processor.Disabled {
		maxAge := max(30*time.Second, 10*cfg.Processor.Interval)
		healthSvc.AddLivenessCheck("processor", time.Second, health.HeartbeatCheck(proc.LastRun, maxAge, maxAge))
	}
	healthSvc.Start(ctx, cfg.Health.Interval)
	healthSvc.SetReady(true)

	// HTTP handlers.
	h := handler.NewHandler(handler.Config{}, orderService, catalog, customerRepo, proc, sink, ledger)

	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	h.Register(mux)
	routeFinder := httpmiddleware.MakeRouteFinder(mux)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", "Authorization", httpmiddleware.HeaderRequestID},
				ExposeHeaders:    []string{httpmiddleware.HeaderRequestID},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Instrument("orderdesk", routeFinder, m),
			httpmiddleware.LogRequests(routeFinder),
			httpmiddleware.Labeler(routeFinder),
		),
	}

	g, gctx := errgroup.WithContext(ctx)
	if !cfg.Processor.Disabled {
		g.Go(func() error {
			lg.Info("Processor started", zap.Duration("interval", cfg.Processor.Interval))
			return proc.Run(gctx)
		})
	}
	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})
	// Graceful shutdown: wait for cancellation, drain, then stop.
	g.Go(func() error {
		<-gctx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()

		if err := recorder.Flush(shutdownCtx); err != nil {
			lg.Warn("Audit entries not persisted",
				zap.Int("pending", recorder.Pending()),
				zap.Error(err),
			)
		}
		return nil
	})
	return g.Wait()
}

// registerQueueMetrics exports the queue length and the audit backlog as
// gauges.
func registerQueueMetrics(mp metric.MeterProvider, q *queue.Queue, recorder *logsink.Recorder) error {
	meter := mp.Meter("github.com/xenking/orderdesk/internal/app")

	queued, err := meter.Int64ObservableGauge("orders.queue.length",
		metric.WithDescription("Orders waiting in the priority queue"),
	)
	if err != nil {
		return err
	}
	backlog, err := meter.Int64ObservableGauge("orders.log.backlog",
		metric.WithDescription("Audit entries waiting to be persisted"),
	)
	if err != nil {
		return err
	}
	_, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveInt64(queued, int64(q.Len()))
		o.ObserveInt64(backlog, int64(recorder.Pending()))
		return nil
	}, queued, backlog)
	return err
}
