// Package identity maps authenticated principals onto accounts, reconciling
// accounts that were provisioned by email before their owner ever signed in.
package identity

import (
	"context"
	"errors"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PetFox/app/models"
	"github.com/ManuelReschke/PetFox/internal/pkg/apperr"
	"github.com/ManuelReschke/PetFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/PetFox/internal/pkg/ledger"
	"github.com/ManuelReschke/PetFox/internal/pkg/logging"
)

const maxResolveAttempts = 3

// Identity is what the identity provider asserts for a request.
type Identity struct {
	ID    string `json:"id" validate:"required"`
	Email string `json:"email" validate:"omitempty,email"`
}

// Resolution is the outcome of Resolve. On LinkConflict, Account is the
// record that owns the email, and it is returned untouched.
type Resolution struct {
	Account      *models.Account
	NewlyLinked  bool
	Created      bool
	LinkConflict bool
	ResetApplied bool
}

type Resolver struct {
	db      *gorm.DB
	ledger  *ledger.Ledger
	catalog *entitlements.Catalog
	log     *zap.Logger

	mu        sync.RWMutex
	unlimited map[string]struct{}
}

func NewResolver(db *gorm.DB, l *ledger.Ledger, catalog *entitlements.Catalog, log *zap.Logger) *Resolver {
	if catalog == nil {
		catalog = entitlements.DefaultCatalog()
	}
	return &Resolver{db: db, ledger: l, catalog: catalog, log: logging.OrNop(log).Named("identity")}
}

// Resolve looks the principal up by identity id, then by normalized email,
// and creates a free account when neither exists. Free-tier resets are
// applied on the way out.
func (r *Resolver) Resolve(ctx context.Context, id Identity) (*Resolution, error) {
	identityID := strings.TrimSpace(id.ID)
	email := models.NormalizeEmail(id.Email)
	if identityID == "" {
		return nil, apperr.Invalid("identity id is required")
	}

	for attempt := 0; attempt < maxResolveAttempts; attempt++ {
		res, retry, err := r.resolveOnce(ctx, identityID, email)
		if err != nil {
			return nil, err
		}
		if retry {
			continue
		}
		if !res.LinkConflict {
			if err := r.grantConfiguredUnlimited(ctx, res.Account); err != nil {
				return nil, err
			}
			applied, err := r.ledger.ResetIfDue(ctx, res.Account, r.catalog.FreeQuota, r.catalog.FreeResetDays)
			if err != nil {
				return nil, err
			}
			res.ResetApplied = applied
		}
		return res, nil
	}
	return nil, apperr.Store("resolve", errors.New("account resolution did not converge"))
}

func (r *Resolver) resolveOnce(ctx context.Context, identityID, email string) (*Resolution, bool, error) {
	acc, err := r.findByIdentity(ctx, identityID)
	if err != nil {
		return nil, false, err
	}
	if acc != nil {
		return &Resolution{Account: acc}, false, nil
	}

	if email == "" {
		return nil, false, apperr.Invalid("email is required to link or create an account")
	}

	acc, err = r.findByEmail(ctx, email)
	if err != nil {
		return nil, false, err
	}
	if acc != nil {
		return r.link(ctx, acc, identityID)
	}

	acc, err = r.create(ctx, identityID, email)
	if errors.Is(err, apperr.ErrInvalidInput) {
		return nil, false, err
	}
	if err != nil {
		// Lost a creation race on the email or identity key; look again.
		r.log.Debug("account create failed, retrying lookup", zap.String("email", email), zap.Error(err))
		return nil, true, nil
	}
	r.log.Info("account created", zap.Uint("account_id", acc.ID), zap.String("identity_id", identityID))
	return &Resolution{Account: acc, Created: true, NewlyLinked: true}, false, nil
}

func (r *Resolver) link(ctx context.Context, acc *models.Account, identityID string) (*Resolution, bool, error) {
	if acc.LinkedTo(identityID) {
		return &Resolution{Account: acc}, false, nil
	}
	if acc.IsLinked() {
		r.log.Warn("link conflict",
			zap.Uint("account_id", acc.ID),
			zap.String("identity_id", identityID),
			zap.String("linked_identity_id", *acc.ExternalIdentityID),
		)
		return &Resolution{Account: acc, LinkConflict: true}, false, nil
	}

	res := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ? AND external_identity_id IS NULL", acc.ID).
		UpdateColumn("external_identity_id", identityID)
	if res.Error != nil {
		// The identity may have been attached to another row meanwhile.
		return nil, true, nil
	}
	if res.RowsAffected == 0 {
		return nil, true, nil
	}

	acc.ExternalIdentityID = &identityID
	r.ledger.Invalidate(ctx, acc.ID)
	r.log.Info("account linked", zap.Uint("account_id", acc.ID), zap.String("identity_id", identityID))
	return &Resolution{Account: acc, NewlyLinked: true}, false, nil
}

func (r *Resolver) create(ctx context.Context, identityID, email string) (*models.Account, error) {
	now := r.ledger.Now()
	acc := &models.Account{
		ExternalIdentityID: &identityID,
		NormalizedEmail:    email,
		CreditBalance:      r.catalog.FreeQuota,
		PlanTier:           models.PlanTierFree,
		LastResetAt:        &now,
		IsUnlimited:        false,
	}
	if err := acc.Validate(); err != nil {
		return nil, apperr.Invalid(err.Error())
	}
	if err := r.db.WithContext(ctx).Create(acc).Error; err != nil {
		return nil, err
	}
	return acc, nil
}

func (r *Resolver) findByIdentity(ctx context.Context, identityID string) (*models.Account, error) {
	return r.findOne(ctx, "external_identity_id = ?", identityID)
}

func (r *Resolver) findByEmail(ctx context.Context, email string) (*models.Account, error) {
	return r.findOne(ctx, "normalized_email = ?", email)
}

// FindByEmail returns apperr.ErrNotFound when no account owns the email.
func (r *Resolver) FindByEmail(ctx context.Context, email string) (*models.Account, error) {
	acc, err := r.findByEmail(ctx, models.NormalizeEmail(email))
	if err != nil {
		return nil, err
	}
	if acc == nil {
		return nil, apperr.ErrNotFound
	}
	return acc, nil
}

func (r *Resolver) findOne(ctx context.Context, query string, arg interface{}) (*models.Account, error) {
	var acc models.Account
	err := r.db.WithContext(ctx).Where(query, arg).Take(&acc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Store("find account", err)
	}
	return &acc, nil
}

// Unlink detaches an identity that the provider deleted. The account and its
// balance stay so a later sign-in with the same email can claim it again.
func (r *Resolver) Unlink(ctx context.Context, identityID string) (bool, error) {
	identityID = strings.TrimSpace(identityID)
	if identityID == "" {
		return false, apperr.Invalid("identity id is required")
	}
	acc, err := r.findByIdentity(ctx, identityID)
	if err != nil || acc == nil {
		return false, err
	}
	res := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ? AND external_identity_id = ?", acc.ID, identityID).
		UpdateColumn("external_identity_id", gorm.Expr("NULL"))
	if res.Error != nil {
		return false, apperr.Store("unlink", res.Error)
	}
	if res.RowsAffected == 1 {
		r.ledger.Invalidate(ctx, acc.ID)
		r.log.Info("account unlinked", zap.Uint("account_id", acc.ID), zap.String("identity_id", identityID))
	}
	return res.RowsAffected == 1, nil
}

// ApplyUnlimited grants the unlimited entitlement to every configured email
// and remembers the list, so accounts created or linked later for one of
// those emails carry the flag from their first request. Grants made through
// SetUnlimited on other accounts are left alone.
func (r *Resolver) ApplyUnlimited(ctx context.Context, emails []string) error {
	set := make(map[string]struct{}, len(emails))
	normalized := make([]string, 0, len(emails))
	for _, e := range emails {
		n := models.NormalizeEmail(e)
		if n == "" {
			continue
		}
		if _, dup := set[n]; !dup {
			set[n] = struct{}{}
			normalized = append(normalized, n)
		}
	}
	r.mu.Lock()
	r.unlimited = set
	r.mu.Unlock()

	if len(normalized) == 0 {
		return nil
	}
	res := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("normalized_email IN ? AND is_unlimited = ?", normalized, false).
		UpdateColumn("is_unlimited", true)
	if res.Error != nil {
		return apperr.Store("grant unlimited", res.Error)
	}
	r.log.Info("unlimited entitlements applied",
		zap.Int("configured", len(normalized)),
		zap.Int64("granted", res.RowsAffected),
	)
	return nil
}

func (r *Resolver) configuredUnlimited(email string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.unlimited[email]
	return ok
}

func (r *Resolver) grantConfiguredUnlimited(ctx context.Context, acc *models.Account) error {
	if acc.IsUnlimited || !r.configuredUnlimited(acc.NormalizedEmail) {
		return nil
	}
	if err := r.ledger.SetUnlimited(ctx, acc.ID, true); err != nil {
		return err
	}
	acc.IsUnlimited = true
	r.log.Info("unlimited entitlement granted", zap.Uint("account_id", acc.ID))
	return nil
}
