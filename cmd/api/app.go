package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/reviewmaster/billing-api/internal/config"
	"github.com/reviewmaster/billing-api/internal/domain/notification"
	"github.com/reviewmaster/billing-api/internal/domain/pricing"
	"github.com/reviewmaster/billing-api/internal/domain/reconcile"
	"github.com/reviewmaster/billing-api/internal/domain/topup"
	"github.com/reviewmaster/billing-api/internal/domain/wallet"
	"github.com/reviewmaster/billing-api/internal/middleware"
	"github.com/reviewmaster/billing-api/internal/pkg/database"
	"github.com/reviewmaster/billing-api/internal/pkg/jwt"
	"github.com/reviewmaster/billing-api/internal/pkg/lock"
	"github.com/reviewmaster/billing-api/internal/pkg/metrics"
	pkgresponse "github.com/reviewmaster/billing-api/internal/pkg/response"
	"github.com/reviewmaster/billing-api/internal/pkg/stripe"
	"github.com/reviewmaster/billing-api/internal/store/memory"
)

// repositories groups the persistence the services run on.
type repositories struct {
	wallets  wallet.Repository
	attempts topup.AttemptRepository
	events   reconcile.Repository
}

func postgresRepositories(db *sqlx.DB) repositories {
	return repositories{
		wallets:  wallet.NewRepository(db),
		attempts: topup.NewRepository(db),
		events:   reconcile.NewRepository(db),
	}
}

func memoryRepositories() repositories {
	store := memory.New()
	return repositories{
		wallets:  store.Wallets(),
		attempts: store.Attempts(),
		events:   store.Events(),
	}
}

// app owns every long-lived component of the API process.
type app struct {
	cfg *config.Config

	wallets    *wallet.Service
	trigger    *topup.Trigger
	sweeper    *topup.Worker
	reconciler *reconcile.Service
	retries    *reconcile.RetryWorker
	hub        *notification.Hub

	router http.Handler
}

func newApp(cfg *config.Config, repos repositories, redisClient *redis.Client) (*app, error) {
	calc, err := pricing.NewCalculator(pricing.DefaultTiers())
	if err != nil {
		return nil, fmt.Errorf("pricing tiers: %w", err)
	}
	catalog, err := reconcile.LoadCatalog(cfg.PlanCatalogFile)
	if err != nil {
		return nil, err
	}

	var locker lock.Locker = lock.NewMemoryLocker()
	if redisClient != nil {
		locker = lock.NewRedisLocker(redisClient, "billing:lock:")
	}

	stripeClient := stripe.NewClient(stripe.Config{
		SecretKey:     cfg.StripeSecretKey,
		WebhookSecret: cfg.StripeWebhookSecret,
	})

	hub := notification.NewHub(redisClient)

	walletSvc := wallet.NewService(repos.wallets, wallet.Config{
		FreeAllowance:    cfg.FreeAllowance,
		AllowanceActions: cfg.AllowanceActions,
		Currency:         cfg.BillingCurrency,
	})
	walletSvc.SetNotifier(hub)

	topupCfg := topup.Config{
		ChargeTimeout: cfg.AutoTopUpChargeTimeout,
		LockTTL:       cfg.AutoTopUpLockTTL,
		Cooldown:      cfg.AutoTopUpCooldown,
		Currency:      cfg.BillingCurrency,
	}
	charger := topup.NewStripeCharger(stripeClient)
	trigger := topup.NewTrigger(walletSvc, calc, charger, repos.attempts, locker, topupCfg)
	trigger.SetNotifier(hub)
	walletSvc.SetObserver(trigger)
	purchaser := topup.NewPurchaser(walletSvc, calc, charger, repos.attempts, topupCfg)

	reconciler := reconcile.NewService(
		reconcile.NewStripeVerifier(stripeClient),
		repos.events,
		walletSvc,
		catalog,
		locker,
		reconcile.Config{
			SubjectLockTTL: cfg.ReconcileSubjectLockTTL,
			MaxAttempts:    cfg.ReconcileRetryMaxAttempts,
			Currency:       cfg.BillingCurrency,
		},
	)
	reconciler.SetNotifier(hub)

	a := &app{
		cfg:        cfg,
		wallets:    walletSvc,
		trigger:    trigger,
		sweeper:    topup.NewWorker(trigger, walletSvc, cfg.AutoTopUpSweepInterval),
		reconciler: reconciler,
		retries:    reconcile.NewRetryWorker(reconciler, cfg.ReconcileRetryInterval),
		hub:        hub,
	}

	jwtService := jwt.NewService(cfg.JWTSecret, cfg.JWTAccessTTL)
	a.router = a.routes(jwtService, calc, purchaser)
	return a, nil
}

func (a *app) routes(jwtService *jwt.Service, calc *pricing.Calculator, purchaser *topup.Purchaser) http.Handler {
	authMiddleware := middleware.Auth(jwtService)

	walletHandler := wallet.NewHandler(a.wallets)
	topupHandler := topup.NewHandler(purchaser, a.trigger)
	pricingHandler := pricing.NewHandler(calc)
	webhookHandler := reconcile.NewHandler(a.reconciler)
	wsHandler := notification.NewHandler(a.hub, a.cfg.AllowedOrigins)

	r := chi.NewRouter()

	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recover)
	if a.cfg.MetricsEnabled {
		r.Use(middleware.Metrics)
	}

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		pkgresponse.OK(w, map[string]string{
			"status":  "ok",
			"storage": a.cfg.StorageDriver,
		})
	})
	if a.cfg.MetricsEnabled {
		r.Handle("/metrics", metrics.Handler())
	}

	// Signature-verified, no CORS and no JWT.
	r.Mount("/webhooks", webhookHandler.Routes())

	r.With(authMiddleware).Get("/ws", wsHandler.WebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.CORSHandler(a.cfg.AllowedOrigins))

		r.Mount("/pricing", pricingHandler.Routes())
		r.Get("/plans", webhookHandler.Plans)
		r.Mount("/wallet", walletHandler.Routes(authMiddleware, topupHandler.Register))
		r.Mount("/admin/wallets", walletHandler.AdminRoutes(authMiddleware))
	})

	return r
}

// start launches the background loops.
func (a *app) start() {
	go a.hub.Run()
	a.sweeper.Start()
	a.retries.Start()
}

// stop halts the loops and waits for in-flight refills so no charge is
// left without its ledger credit.
func (a *app) stop(ctx context.Context) {
	a.sweeper.Stop()
	a.retries.Stop()

	done := make(chan struct{})
	go func() {
		a.trigger.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Warn().Msg("Timed out waiting for in-flight auto top-ups")
	}

	a.hub.Shutdown()
}

// openStorage connects the configured backend. The returned cleanup closes
// whatever was opened.
func openStorage(ctx context.Context, cfg *config.Config) (repositories, func(), error) {
	if cfg.UseMemoryStore() {
		log.Warn().Msg("Using in-memory storage, data is lost on restart")
		return memoryRepositories(), func() {}, nil
	}

	db, err := database.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return repositories{}, nil, fmt.Errorf("connect postgres: %w", err)
	}
	migrateCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := database.Migrate(migrateCtx, db); err != nil {
		database.ClosePostgres(db)
		return repositories{}, nil, err
	}
	return postgresRepositories(db), func() { database.ClosePostgres(db) }, nil
}
