package identity

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PetFox/app/models"
	"github.com/ManuelReschke/PetFox/internal/pkg/apperr"
	"github.com/ManuelReschke/PetFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/PetFox/internal/pkg/ledger"
	"github.com/ManuelReschke/PetFox/internal/pkg/testutil"
)

var fixedNow = time.Date(2026, 5, 10, 9, 30, 0, 0, time.UTC)

func newResolver(t *testing.T) (*Resolver, *gorm.DB) {
	t.Helper()
	db := testutil.NewDB(t)
	l := ledger.New(db, zap.NewNop(), ledger.WithClock(func() time.Time { return fixedNow }))
	return NewResolver(db, l, entitlements.DefaultCatalog(), zap.NewNop()), db
}

func countAccounts(t *testing.T, db *gorm.DB, email string) int64 {
	t.Helper()
	var n int64
	require.NoError(t, db.Model(&models.Account{}).Where("normalized_email = ?", email).Count(&n).Error)
	return n
}

func TestResolveCreatesFreeAccount(t *testing.T) {
	r, db := newResolver(t)
	ctx := context.Background()

	res, err := r.Resolve(ctx, Identity{ID: "user_1", Email: "  Rex@Example.com "})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.True(t, res.NewlyLinked)
	assert.False(t, res.LinkConflict)
	assert.Equal(t, "rex@example.com", res.Account.NormalizedEmail)
	assert.Equal(t, 3, res.Account.CreditBalance)
	assert.Equal(t, models.PlanTierFree, res.Account.PlanTier)
	assert.False(t, res.Account.IsUnlimited)

	again, err := r.Resolve(ctx, Identity{ID: "user_1", Email: "rex@example.com"})
	require.NoError(t, err)
	assert.Equal(t, res.Account.ID, again.Account.ID)
	assert.False(t, again.Created)
	assert.False(t, again.NewlyLinked)
	assert.False(t, again.ResetApplied)
	assert.Equal(t, int64(1), countAccounts(t, db, "rex@example.com"))
}

func TestResolveLinksPreProvisionedAccount(t *testing.T) {
	r, db := newResolver(t)
	ctx := context.Background()

	prov, err := r.Provision(ctx, ProvisionInput{Email: "Luna@Example.com", Credits: 50, Plan: "essential", Reference: "order-1"})
	require.NoError(t, err)
	assert.True(t, prov.Created)
	assert.False(t, prov.Account.IsLinked())

	res, err := r.Resolve(ctx, Identity{ID: "user_luna", Email: "luna@example.com"})
	require.NoError(t, err)
	assert.True(t, res.NewlyLinked)
	assert.False(t, res.Created)
	assert.Equal(t, prov.Account.ID, res.Account.ID)
	assert.Equal(t, 50, res.Account.CreditBalance)
	assert.Equal(t, models.PlanTierEssential, res.Account.PlanTier)
	assert.Equal(t, int64(1), countAccounts(t, db, "luna@example.com"))
}

func TestResolveReportsLinkConflict(t *testing.T) {
	r, _ := newResolver(t)
	ctx := context.Background()

	first, err := r.Resolve(ctx, Identity{ID: "user_a", Email: "shared@example.com"})
	require.NoError(t, err)

	res, err := r.Resolve(ctx, Identity{ID: "user_b", Email: "shared@example.com"})
	require.NoError(t, err)
	assert.True(t, res.LinkConflict)
	assert.Equal(t, first.Account.ID, res.Account.ID)
	assert.True(t, res.Account.LinkedTo("user_a"), "existing link is never overwritten")
}

func TestResolveRequiresInput(t *testing.T) {
	r, _ := newResolver(t)

	_, err := r.Resolve(context.Background(), Identity{Email: "x@example.com"})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)

	_, err = r.Resolve(context.Background(), Identity{ID: "user_without_email"})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestConcurrentResolveSameEmail(t *testing.T) {
	tests := []struct {
		name        string
		provisioned bool
	}{
		{"pre-provisioned record", true},
		{"no existing record", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, db := newResolver(t)
			ctx := context.Background()
			if tt.provisioned {
				_, err := r.Provision(ctx, ProvisionInput{Email: "race@example.com", Credits: 10, Reference: "order-race"})
				require.NoError(t, err)
			}

			var wg sync.WaitGroup
			results := make([]*Resolution, 2)
			errs := make([]error, 2)
			for i := 0; i < 2; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					results[i], errs[i] = r.Resolve(ctx, Identity{ID: fmt.Sprintf("user_%d", i), Email: "race@example.com"})
				}(i)
			}
			wg.Wait()

			require.NoError(t, errs[0])
			require.NoError(t, errs[1])
			linked, conflicts := 0, 0
			for _, res := range results {
				if res.LinkConflict {
					conflicts++
				} else if res.NewlyLinked {
					linked++
				}
			}
			assert.Equal(t, 1, linked)
			assert.Equal(t, 1, conflicts)
			assert.Equal(t, int64(1), countAccounts(t, db, "race@example.com"))
		})
	}
}

func TestResolveAppliesFreeTierReset(t *testing.T) {
	r, db := newResolver(t)
	ctx := context.Background()

	res, err := r.Resolve(ctx, Identity{ID: "user_reset", Email: "reset@example.com"})
	require.NoError(t, err)

	last := fixedNow.AddDate(0, 0, -31)
	require.NoError(t, db.Model(&models.Account{}).Where("id = ?", res.Account.ID).
		UpdateColumns(map[string]interface{}{"credit_balance": 0, "last_reset_at": last}).Error)

	res, err = r.Resolve(ctx, Identity{ID: "user_reset", Email: "reset@example.com"})
	require.NoError(t, err)
	assert.True(t, res.ResetApplied)
	assert.Equal(t, 3, res.Account.CreditBalance)

	res, err = r.Resolve(ctx, Identity{ID: "user_reset", Email: "reset@example.com"})
	require.NoError(t, err)
	assert.False(t, res.ResetApplied)
	assert.Equal(t, 3, res.Account.CreditBalance)
}

func TestProvisionIsIdempotentPerReference(t *testing.T) {
	r, _ := newResolver(t)
	ctx := context.Background()

	in := ProvisionInput{Email: "kiwi@example.com", Credits: 50, Reference: "kiwify-123"}
	first, err := r.Provision(ctx, in)
	require.NoError(t, err)
	assert.False(t, first.Duplicate)
	assert.Equal(t, 50, first.Account.CreditBalance)

	second, err := r.Provision(ctx, in)
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.False(t, second.Created)
	assert.Equal(t, 50, second.Account.CreditBalance)

	third, err := r.Provision(ctx, ProvisionInput{Email: "kiwi@example.com", Credits: 10, Reference: "kiwify-124"})
	require.NoError(t, err)
	assert.Equal(t, 60, third.Account.CreditBalance)

	_, err = r.Provision(ctx, ProvisionInput{Email: "kiwi@example.com", Credits: 10})
	assert.ErrorIs(t, err, apperr.ErrInvalidInput)
}

func TestUnlinkKeepsAccountForRelink(t *testing.T) {
	r, _ := newResolver(t)
	ctx := context.Background()

	res, err := r.Resolve(ctx, Identity{ID: "user_old", Email: "move@example.com"})
	require.NoError(t, err)

	ok, err := r.Unlink(ctx, "user_old")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = r.Unlink(ctx, "user_old")
	require.NoError(t, err)
	assert.False(t, ok)

	relinked, err := r.Resolve(ctx, Identity{ID: "user_new", Email: "move@example.com"})
	require.NoError(t, err)
	assert.True(t, relinked.NewlyLinked)
	assert.Equal(t, res.Account.ID, relinked.Account.ID)
}

func TestApplyUnlimited(t *testing.T) {
	r, db := newResolver(t)
	ctx := context.Background()

	for i, email := range []string{"owner@example.com", "guest@example.com", "staff@example.com"} {
		_, err := r.Resolve(ctx, Identity{ID: fmt.Sprintf("u%d", i), Email: email})
		require.NoError(t, err)
	}
	require.NoError(t, db.Model(&models.Account{}).Where("normalized_email = ?", "guest@example.com").
		UpdateColumn("is_unlimited", true).Error)

	require.NoError(t, r.ApplyUnlimited(ctx, []string{" OWNER@example.com", "staff@example.com", ""}))

	var unlimited []string
	require.NoError(t, db.Model(&models.Account{}).Where("is_unlimited = ?", true).
		Order("normalized_email").Pluck("normalized_email", &unlimited).Error)
	assert.Equal(t, []string{"guest@example.com", "owner@example.com", "staff@example.com"}, unlimited)

	require.NoError(t, r.ApplyUnlimited(ctx, []string{"owner@example.com"}))
	require.NoError(t, db.Model(&models.Account{}).Where("is_unlimited = ?", true).
		Order("normalized_email").Pluck("normalized_email", &unlimited).Error)
	assert.Len(t, unlimited, 3)
}

func TestConfiguredUnlimitedAppliesToLaterAccounts(t *testing.T) {
	r, db := newResolver(t)
	ctx := context.Background()
	require.NoError(t, r.ApplyUnlimited(ctx, []string{"late@example.com", "queued@example.com"}))

	res, err := r.Resolve(ctx, Identity{ID: "user_late", Email: "Late@Example.com"})
	require.NoError(t, err)
	require.True(t, res.Created)
	assert.True(t, res.Account.IsUnlimited)

	other, err := r.Resolve(ctx, Identity{ID: "user_plain", Email: "plain@example.com"})
	require.NoError(t, err)
	assert.False(t, other.Account.IsUnlimited)

	// A configured email gets the flag back on its next request.
	require.NoError(t, db.Model(&models.Account{}).Where("id = ?", res.Account.ID).
		UpdateColumn("is_unlimited", false).Error)
	again, err := r.Resolve(ctx, Identity{ID: "user_late", Email: "late@example.com"})
	require.NoError(t, err)
	assert.True(t, again.Account.IsUnlimited)

	var stored models.Account
	require.NoError(t, db.First(&stored, res.Account.ID).Error)
	assert.True(t, stored.IsUnlimited)
}
