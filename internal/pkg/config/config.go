package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/ManuelReschke/PetFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/PetFox/internal/pkg/env"
)

type Ledger struct {
	FreeQuota        int `validate:"gte=0"`
	FreeResetDays    int `validate:"gte=1"`
	EssentialCredits int `validate:"gte=1"`
	ProCredits       int `validate:"gte=1"`
}

type Stripe struct {
	SecretKey        string
	WebhookSecret    string
	PriceIDEssential string
	PriceIDPro       string
	SuccessURL       string
	CancelURL        string
}

func (s Stripe) Enabled() bool { return s.SecretKey != "" || s.WebhookSecret != "" }

type AbacatePay struct {
	APIKey        string
	WebhookSecret string
	BaseURL       string `validate:"required,url"`
	ReturnURL     string
	CompletionURL string
}

func (a AbacatePay) Enabled() bool { return a.APIKey != "" || a.WebhookSecret != "" }

type Identity struct {
	TokenSecret   string `validate:"required,min=16"`
	WebhookSecret string
}

type Cache struct {
	Driver string        `validate:"oneof=redis memory none"`
	Host   string        `validate:"required_if=Driver redis"`
	Port   string        `validate:"required_if=Driver redis"`
	TTL    time.Duration `validate:"gte=0"`
}

type Generation struct {
	APIURL                string
	APIKey                string
	Timeout               time.Duration `validate:"gt=0"`
	MaxImagesPerRequest   int           `validate:"gte=1,lte=10"`
	RefundPartialFailures bool
}

type Storage struct {
	Enabled         bool
	AccessKeyID     string `validate:"required_if=Enabled true"`
	SecretAccessKey string `validate:"required_if=Enabled true"`
	Region          string
	BucketName      string `validate:"required_if=Enabled true"`
	EndpointURL     string
	PublicBaseURL   string
}

// Config is the typed view over the environment used by cmd/petfox.
type Config struct {
	AppEnv           string `validate:"oneof=dev staging prod"`
	InternalAPIToken string
	UnlimitedEmails  []string

	Ledger     Ledger
	Stripe     Stripe
	AbacatePay AbacatePay
	Identity   Identity
	Cache      Cache
	Generation Generation
	Storage    Storage
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		AppEnv:           env.GetEnv("APP_ENV", "prod"),
		InternalAPIToken: env.GetEnv("INTERNAL_API_TOKEN", ""),
		UnlimitedEmails:  env.GetEnvList("UNLIMITED_ACCOUNT_EMAILS"),
		Ledger: Ledger{
			FreeQuota:        env.GetEnvInt("FREE_QUOTA", entitlements.DefaultFreeQuota),
			FreeResetDays:    env.GetEnvInt("FREE_RESET_DAYS", entitlements.DefaultFreeResetDays),
			EssentialCredits: env.GetEnvInt("ESSENTIAL_CREDITS", entitlements.DefaultEssentialCredits),
			ProCredits:       env.GetEnvInt("PRO_CREDITS", entitlements.DefaultProCredits),
		},
		Stripe: Stripe{
			SecretKey:        env.GetEnv("STRIPE_SECRET_KEY", ""),
			WebhookSecret:    env.GetEnv("STRIPE_WEBHOOK_SECRET", ""),
			PriceIDEssential: env.GetEnv("STRIPE_PRICE_ID_ESSENTIAL", ""),
			PriceIDPro:       env.GetEnv("STRIPE_PRICE_ID_PRO", ""),
			SuccessURL:       env.GetEnv("STRIPE_SUCCESS_URL", ""),
			CancelURL:        env.GetEnv("STRIPE_CANCEL_URL", ""),
		},
		AbacatePay: AbacatePay{
			APIKey:        env.GetEnv("ABACATEPAY_API_KEY", ""),
			WebhookSecret: env.GetEnv("ABACATEPAY_WEBHOOK_SECRET", ""),
			BaseURL:       env.GetEnv("ABACATEPAY_BASE_URL", "https://api.abacatepay.com/v1"),
			ReturnURL:     env.GetEnv("ABACATEPAY_RETURN_URL", ""),
			CompletionURL: env.GetEnv("ABACATEPAY_COMPLETION_URL", ""),
		},
		Identity: Identity{
			TokenSecret:   env.GetEnv("IDENTITY_TOKEN_SECRET", ""),
			WebhookSecret: env.GetEnv("IDENTITY_WEBHOOK_SECRET", ""),
		},
		Cache: Cache{
			Driver: env.GetEnv("CACHE_DRIVER", "redis"),
			Host:   env.GetEnv("CACHE_HOST", "localhost"),
			Port:   env.GetEnv("CACHE_PORT", "6379"),
			TTL:    time.Duration(env.GetEnvInt("CACHE_TTL_SECONDS", 30)) * time.Second,
		},
		Generation: Generation{
			APIURL:                env.GetEnv("GENERATION_API_URL", ""),
			APIKey:                env.GetEnv("GENERATION_API_KEY", ""),
			Timeout:               time.Duration(env.GetEnvInt("GENERATION_TIMEOUT_SECONDS", 120)) * time.Second,
			MaxImagesPerRequest:   env.GetEnvInt("GENERATION_MAX_IMAGES", 10),
			RefundPartialFailures: env.GetEnvBool("REFUND_PARTIAL_FAILURES", false),
		},
		Storage: Storage{
			Enabled:         env.GetEnvBool("S3_ENABLED", false),
			AccessKeyID:     env.GetEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: env.GetEnv("S3_SECRET_ACCESS_KEY", ""),
			Region:          env.GetEnv("S3_REGION", "us-east-1"),
			BucketName:      env.GetEnv("S3_BUCKET_NAME", ""),
			EndpointURL:     env.GetEnv("S3_ENDPOINT_URL", ""),
			PublicBaseURL:   env.GetEnv("S3_PUBLIC_BASE_URL", ""),
		},
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if c.Stripe.Enabled() && (c.Stripe.SecretKey == "" || c.Stripe.WebhookSecret == "") {
		return fmt.Errorf("invalid configuration: STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET must both be set")
	}
	if c.AbacatePay.Enabled() && (c.AbacatePay.APIKey == "" || c.AbacatePay.WebhookSecret == "") {
		return fmt.Errorf("invalid configuration: ABACATEPAY_API_KEY and ABACATEPAY_WEBHOOK_SECRET must both be set")
	}
	return nil
}

// Catalog builds the plan and package catalog from the ledger settings.
func (c *Config) Catalog() *entitlements.Catalog {
	return entitlements.NewCatalog(c.Ledger.FreeQuota, c.Ledger.FreeResetDays, c.Ledger.EssentialCredits, c.Ledger.ProCredits)
}

func (c *Config) IsDev() bool {
	return c.AppEnv == "dev"
}
