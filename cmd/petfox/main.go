package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/contrib/swagger"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"go.uber.org/zap"

	"github.com/ManuelReschke/PetFox/app/controllers"
	"github.com/ManuelReschke/PetFox/internal/pkg/billing"
	"github.com/ManuelReschke/PetFox/internal/pkg/cache"
	"github.com/ManuelReschke/PetFox/internal/pkg/config"
	"github.com/ManuelReschke/PetFox/internal/pkg/database"
	"github.com/ManuelReschke/PetFox/internal/pkg/env"
	"github.com/ManuelReschke/PetFox/internal/pkg/generation"
	"github.com/ManuelReschke/PetFox/internal/pkg/identity"
	"github.com/ManuelReschke/PetFox/internal/pkg/ledger"
	"github.com/ManuelReschke/PetFox/internal/pkg/logging"
	"github.com/ManuelReschke/PetFox/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/PetFox/internal/pkg/router"
	"github.com/ManuelReschke/PetFox/internal/pkg/storage"
	"github.com/ManuelReschke/PetFox/internal/pkg/usage"
)

const shutdownTimeout = 15 * time.Second

func main() {
	env.SetupEnvFile()
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	zl, err := logging.New(cfg.IsDev())
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	app, err := NewApplication(context.Background(), cfg, zl)
	if err != nil {
		zl.Fatal("startup failed", zap.Error(err))
	}

	addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))
	go func() {
		if err := app.Listen(addr); err != nil {
			zl.Fatal("server stopped", zap.Error(err))
		}
	}()
	zl.Info("listening", zap.String("addr", addr))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	zl.Info("shutting down")
	if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
		zl.Error("shutdown failed", zap.Error(err))
	}
}

// NewApplication wires the ledger services into a fiber app.
func NewApplication(ctx context.Context, cfg *config.Config, zl *zap.Logger) (*fiber.App, error) {
	if err := database.SetupDatabase(); err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	db := database.GetDB()

	accountStore, limiterStorage, webhookCounter := setupCache(cfg, zl)
	accounts := cache.NewAccountCache(accountStore, cfg.Cache.TTL, zl)
	catalog := cfg.Catalog()
	l := ledger.New(db, zl, ledger.WithInvalidator(accounts))

	resolver := identity.NewResolver(db, l, catalog, zl)
	if err := resolver.ApplyUnlimited(ctx, cfg.UnlimitedEmails); err != nil {
		return nil, fmt.Errorf("unlimited entitlements: %w", err)
	}

	billingSvc := billing.NewService(db, l, catalog, zl)
	billingSvc.SetOutcomeRecorder(webhookCounter)
	var adapters []billing.Adapter
	if cfg.Stripe.Enabled() {
		billingSvc.RegisterCheckoutProvider(billing.NewStripeClient(billing.StripeConfig{
			SecretKey:        cfg.Stripe.SecretKey,
			WebhookSecret:    cfg.Stripe.WebhookSecret,
			PriceIDEssential: cfg.Stripe.PriceIDEssential,
			PriceIDPro:       cfg.Stripe.PriceIDPro,
			SuccessURL:       cfg.Stripe.SuccessURL,
			CancelURL:        cfg.Stripe.CancelURL,
		}))
		adapters = append(adapters, billing.StripeAdapter{WebhookSecret: cfg.Stripe.WebhookSecret})
	}
	if cfg.AbacatePay.Enabled() {
		billingSvc.RegisterCheckoutProvider(billing.NewAbacatePayClient(billing.AbacatePayConfig{
			APIKey:        cfg.AbacatePay.APIKey,
			WebhookSecret: cfg.AbacatePay.WebhookSecret,
			BaseURL:       cfg.AbacatePay.BaseURL,
			ReturnURL:     cfg.AbacatePay.ReturnURL,
			CompletionURL: cfg.AbacatePay.CompletionURL,
		}))
		adapters = append(adapters, billing.AbacatePayAdapter{WebhookSecret: cfg.AbacatePay.WebhookSecret})
	}
	if len(adapters) == 0 {
		zl.Warn("no payment processor configured")
	}

	results, err := setupResultStore(ctx, cfg, zl)
	if err != nil {
		return nil, err
	}
	if cfg.Generation.APIURL == "" {
		zl.Warn("GENERATION_API_URL is not set; generation requests will fail and be refunded")
	}
	gate := usage.NewGate(db, l, catalog, zl, usage.WithMaxUnits(cfg.Generation.MaxImagesPerRequest))
	generations := generation.NewService(db, gate, l,
		generation.NewHTTPGenerator(cfg.Generation.APIURL, cfg.Generation.APIKey, cfg.Generation.Timeout),
		results, zl,
		generation.WithPartialRefunds(cfg.Generation.RefundPartialFailures),
	)

	ctrl := controllers.NewAPIController(controllers.Dependencies{
		Resolver:              resolver,
		Ledger:                l,
		Billing:               billingSvc,
		Gate:                  gate,
		Generation:            generations,
		Accounts:              accounts,
		Counter:               webhookCounter,
		Adapters:              adapters,
		IdentityWebhookSecret: cfg.Identity.WebhookSecret,
		Log:                   zl,
	})

	app := fiber.New(fiber.Config{
		AppName:   "PetFox",
		BodyLimit: 1 << 20,
	})

	// recovery and logging
	app.Use(recover.New(), logger.New())

	// SWAGGER / OPENAPI
	if docs := findDocs(); docs != "" {
		app.Use(swagger.New(swagger.Config{
			BasePath: "/docs/api/",
			FilePath: docs,
			Path:     "v1",
		}))
	}

	router.InstallRouter(app, router.Config{
		Controller:          ctrl,
		Resolver:            resolver,
		IdentityTokenSecret: cfg.Identity.TokenSecret,
		InternalToken:       cfg.InternalAPIToken,
		LimiterStorage:      limiterStorage,
		RateLimit:           env.GetEnvInt("API_RATE_LIMIT_PER_MINUTE", 120),
		Log:                 zl,
	})

	return app, nil
}

// setupCache picks the advisory cache backend. Redis failures degrade to an
// in-process cache instead of blocking startup.
func setupCache(cfg *config.Config, zl *zap.Logger) (cache.Store, fiber.Storage, *counter.WebhookCounter) {
	switch cfg.Cache.Driver {
	case "redis":
		if err := cache.SetupCache(); err != nil {
			zl.Warn("redis unavailable, using in-memory cache", zap.Error(err))
			return cache.NewMemoryStore(), nil, counter.NewWebhookCounter(nil, zl)
		}
		client := cache.GetClient()
		return cache.NewRedisStore(client, "petfox:"), cache.LimiterStorage(), counter.NewWebhookCounter(client, zl)
	case "memory":
		return cache.NewMemoryStore(), nil, counter.NewWebhookCounter(nil, zl)
	default:
		return cache.NoopStore{}, nil, counter.NewWebhookCounter(nil, zl)
	}
}

func setupResultStore(ctx context.Context, cfg *config.Config, zl *zap.Logger) (storage.ResultStore, error) {
	if !cfg.Storage.Enabled {
		zl.Warn("S3 storage disabled, generated images are kept in memory")
		return storage.NewMemoryStore(), nil
	}
	store, err := storage.NewS3Store(ctx, storage.S3Config{
		AccessKeyID:     cfg.Storage.AccessKeyID,
		SecretAccessKey: cfg.Storage.SecretAccessKey,
		Region:          cfg.Storage.Region,
		BucketName:      cfg.Storage.BucketName,
		EndpointURL:     cfg.Storage.EndpointURL,
		PublicBaseURL:   cfg.Storage.PublicBaseURL,
		CreateBucket:    cfg.IsDev(),
	}, zl)
	if err != nil {
		return nil, fmt.Errorf("result storage: %w", err)
	}
	return store, nil
}

func findDocs() string {
	basePaths := []string{
		"./",        // Current directory
		"../../",    // From cmd/petfox to project root
		"../../../", // Fallback
	}
	for _, path := range basePaths {
		file := path + "public/docs/v1/openapi.yml"
		if _, err := os.Stat(file); err == nil {
			return file
		}
	}
	return ""
}
