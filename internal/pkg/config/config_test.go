package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PetFox/internal/pkg/env"
)

func setBaseEnv(t *testing.T) {
	t.Helper()
	env.Env = nil
	t.Setenv("APP_ENV", "dev")
	t.Setenv("IDENTITY_TOKEN_SECRET", "0123456789abcdef0123")
	t.Setenv("CACHE_DRIVER", "memory")
}

func TestLoadDefaults(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("UNLIMITED_ACCOUNT_EMAILS", "owner@petfox.app, support@petfox.app")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsDev())
	assert.Equal(t, 3, cfg.Ledger.FreeQuota)
	assert.Equal(t, 30, cfg.Ledger.FreeResetDays)
	assert.Equal(t, 30*time.Second, cfg.Cache.TTL)
	assert.Equal(t, 10, cfg.Generation.MaxImagesPerRequest)
	assert.False(t, cfg.Generation.RefundPartialFailures)
	assert.Equal(t, []string{"owner@petfox.app", "support@petfox.app"}, cfg.UnlimitedEmails)
	assert.Equal(t, 180, cfg.Catalog().MonthlyCredits("pro"))
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"short identity secret", "IDENTITY_TOKEN_SECRET", "short"},
		{"unknown cache driver", "CACHE_DRIVER", "memcached"},
		{"too many images", "GENERATION_MAX_IMAGES", "11"},
		{"half configured stripe", "STRIPE_SECRET_KEY", "sk_test_123"},
		{"half configured abacatepay", "ABACATEPAY_WEBHOOK_SECRET", "whsec"},
		{"zero reset period", "FREE_RESET_DAYS", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBaseEnv(t)
			t.Setenv(tt.key, tt.val)

			_, err := Load()
			assert.Error(t, err)
		})
	}
}
