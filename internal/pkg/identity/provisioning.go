package identity

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/PetFox/app/models"
	"github.com/ManuelReschke/PetFox/internal/pkg/apperr"
	"github.com/ManuelReschke/PetFox/internal/pkg/entitlements"
)

// ProvisionInput comes from the external sales automation. Reference is the
// upstream order id and makes repeated deliveries harmless.
type ProvisionInput struct {
	Email     string `json:"email" validate:"required,email"`
	Credits   int    `json:"credits" validate:"gte=0"`
	Plan      string `json:"plan" validate:"omitempty,oneof=free essential pro"`
	Reference string `json:"reference" validate:"required,max=191"`
}

type ProvisionResult struct {
	Account   *models.Account
	Created   bool
	Duplicate bool
}

// Provision creates (unlinked) or tops up the account owning the email.
func (r *Resolver) Provision(ctx context.Context, in ProvisionInput) (*ProvisionResult, error) {
	email := models.NormalizeEmail(in.Email)
	ref := strings.TrimSpace(in.Reference)
	if email == "" || ref == "" {
		return nil, apperr.Invalid("email and reference are required")
	}
	if in.Credits < 0 {
		return nil, apperr.Invalid("credits must not be negative")
	}

	acc, created, err := r.findOrCreateUnlinked(ctx, email)
	if err != nil {
		return nil, err
	}

	plan := ""
	if strings.TrimSpace(in.Plan) != "" {
		plan = string(entitlements.NormalizePlan(in.Plan))
	}

	duplicate := false
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := r.ledger.Now()
		record := &models.PaymentTransaction{
			AccountID:              acc.ID,
			Processor:              models.ProcessorProvisioning,
			ProcessorTransactionID: ref,
			Kind:                   models.TransactionKindOneTime,
			PlanTier:               plan,
			CreditsGranted:         in.Credits,
			Status:                 models.TransactionStatusPaid,
			PaidAt:                 &now,
		}
		if record.PlanTier == "" {
			record.PlanTier = models.PlanTierFree
		}
		ins := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "processor"}, {Name: "processor_transaction_id"}},
			DoNothing: true,
		}).Create(record)
		if ins.Error != nil {
			return apperr.Store("record provisioning", ins.Error)
		}
		if ins.RowsAffected == 0 {
			duplicate = true
			return nil
		}
		if in.Credits > 0 {
			if err := r.ledger.CreditTx(tx, acc.ID, in.Credits); err != nil {
				return err
			}
		}
		if plan != "" {
			if err := tx.Model(&models.Account{}).Where("id = ?", acc.ID).
				UpdateColumn("plan_tier", plan).Error; err != nil {
				return apperr.Store("set plan", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.ledger.Invalidate(ctx, acc.ID)
	fresh, err := r.ledger.Account(ctx, acc.ID)
	if err != nil {
		return nil, err
	}
	r.log.Info("account provisioned",
		zap.Uint("account_id", fresh.ID),
		zap.String("reference", ref),
		zap.Bool("created", created),
		zap.Bool("duplicate", duplicate),
	)
	return &ProvisionResult{Account: fresh, Created: created, Duplicate: duplicate}, nil
}

func (r *Resolver) findOrCreateUnlinked(ctx context.Context, email string) (*models.Account, bool, error) {
	for attempt := 0; attempt < maxResolveAttempts; attempt++ {
		acc, err := r.findByEmail(ctx, email)
		if err != nil {
			return nil, false, err
		}
		if acc != nil {
			return acc, false, nil
		}

		now := r.ledger.Now()
		acc = &models.Account{
			NormalizedEmail: email,
			PlanTier:        models.PlanTierFree,
			LastResetAt:     &now,
			IsUnlimited:     r.configuredUnlimited(email),
		}
		if err := acc.Validate(); err != nil {
			return nil, false, apperr.Invalid(err.Error())
		}
		if err := r.db.WithContext(ctx).Create(acc).Error; err == nil {
			return acc, true, nil
		}
	}
	return nil, false, apperr.Store("provision", errors.New("could not create or find account"))
}
