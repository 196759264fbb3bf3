package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/meridianshop/checkout/internal/domain/cart"
	"github.com/meridianshop/checkout/internal/domain/order"
	"github.com/meridianshop/checkout/internal/domain/payment"
	"github.com/meridianshop/checkout/internal/events"
	"github.com/meridianshop/checkout/internal/handler"
	"github.com/meridianshop/checkout/internal/storage/postgres"
	storageredis "github.com/meridianshop/checkout/internal/storage/redis"
	"github.com/meridianshop/checkout/pkg/health"
	"github.com/meridianshop/checkout/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server and the reservation
// reaper, and handles graceful shutdown. It is the single wiring point for
// the application.
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

	// Health check service.
	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, func(ctx context.Context) error {
		return pool.Ping(ctx)
	})
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))

	// Repositories.
	productRepo := postgres.NewProductRepository(pool)
	stockRepo := postgres.NewStockRepository(pool)
	cartRepo := postgres.NewCartRepository(pool)
	orderRepo := postgres.NewOrderRepository(pool)
	eventRepo := postgres.NewEventRepository(pool)

	// Webhook dedup: durable Postgres ledger, optionally fronted by Redis.
	var dedup payment.Deduper = eventRepo
	if cfg.RedisAddr != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		healthSvc.AddReadinessCheck("redis", 2*time.Second, func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
		dedup = payment.NewChainDeduper(storageredis.NewDeduper(rdb, cfg.Dedup.TTL), eventRepo)
	}

	// Order event feed for the notification services.
	var notifier order.Notifier
	if len(cfg.Kafka.Brokers) > 0 {
		publisher := events.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		defer func() {
			if err := publisher.Close(); err != nil {
				lg.Warn("close event publisher", zap.Error(err))
			}
		}()
		notifier = publisher
	}

	// Domain services.
	cartManager := cart.NewManager(cartRepo, productRepo, stockRepo)
	reaper := cart.NewReaper(cartRepo, cfg.Cart.ReaperInterval, lg.Named("reaper"))
	orderService := order.NewService(orderRepo, cartManager, stockRepo,
		payment.LocalIntentSource{}, notifier, lg.Named("orders"))
	processor := payment.NewProcessor(orderService, dedup, lg.Named("webhooks"))

	healthSvc.Start(ctx, 10*time.Second)
	healthSvc.SetReady(true)

	// HTTP surface.
	h := handler.New(
		handler.Config{
			CartTTL:       cfg.Cart.TTL,
			WebhookSecret: []byte(cfg.WebhookSecret),
		},
		productRepo,
		cartManager,
		orderService,
		processor,
	)

	mux := http.NewServeMux()
	mux.HandleFunc("/livez", healthSvc.LiveEndpoint)
	mux.HandleFunc("/readyz", healthSvc.ReadyEndpoint)
	h.Register(mux)

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.CORS(httpmiddleware.CORSConfig{
				AllowOrigins:     cfg.CORS.Origins,
				AllowHeaders:     []string{"Content-Type", "Authorization"},
				AllowCredentials: cfg.CORS.AllowCredentials,
				MaxAge:           86400,
			}),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.LogRequests(),
		),
	}

	g, ctx := errgroup.WithContext(ctx)

	// Reservation reaper runs for the lifetime of the service.
	g.Go(func() error {
		if err := reaper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return errors.Wrap(err, "reaper")
		}
		return nil
	})

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	g.Go(func() error {
		<-ctx.Done()
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
		return nil
	})

	g.Go(func() error {
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	return g.Wait()
}
