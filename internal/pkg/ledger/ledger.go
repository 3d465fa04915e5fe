// Package ledger owns the authoritative credit balance. Every balance change
// is a single conditional UPDATE; there is no read-then-write path.
package ledger

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PetFox/app/models"
	"github.com/ManuelReschke/PetFox/internal/pkg/apperr"
	"github.com/ManuelReschke/PetFox/internal/pkg/logging"
)

// Invalidator drops advisory cache entries after a balance change.
type Invalidator interface {
	InvalidateAccount(ctx context.Context, accountID uint)
}

type DeductResult struct {
	Granted   bool `json:"granted"`
	Remaining int  `json:"remaining"`
}

type Ledger struct {
	db          *gorm.DB
	log         *zap.Logger
	now         func() time.Time
	invalidator Invalidator
}

type Option func(*Ledger)

// WithClock overrides the time source used for resets.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

func WithInvalidator(inv Invalidator) Option {
	return func(l *Ledger) { l.invalidator = inv }
}

func New(db *gorm.DB, log *zap.Logger, opts ...Option) *Ledger {
	l := &Ledger{
		db:  db,
		log: logging.OrNop(log).Named("ledger"),
		now: func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Now is the ledger clock; callers stamping ledger-related rows use it too.
func (l *Ledger) Now() time.Time {
	return l.now()
}

// Deduct atomically removes n credits if and only if the balance covers them.
func (l *Ledger) Deduct(ctx context.Context, accountID uint, n int) (DeductResult, error) {
	var out DeductResult
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = l.DeductTx(tx, accountID, n)
		return err
	})
	if err != nil {
		return DeductResult{}, err
	}
	if out.Granted {
		l.Invalidate(ctx, accountID)
	}
	return out, nil
}

// DeductTx is Deduct inside a caller-owned transaction. The remaining balance
// is read after the UPDATE, which holds the row lock until commit.
func (l *Ledger) DeductTx(tx *gorm.DB, accountID uint, n int) (DeductResult, error) {
	if n <= 0 {
		return DeductResult{}, apperr.Invalid("deduct amount must be positive")
	}
	res := tx.Model(&models.Account{}).
		Where("id = ? AND credit_balance >= ?", accountID, n).
		UpdateColumn("credit_balance", gorm.Expr("credit_balance - ?", n))
	if res.Error != nil {
		return DeductResult{}, apperr.Store("deduct", res.Error)
	}

	remaining, err := balanceTx(tx, accountID)
	if err != nil {
		return DeductResult{}, err
	}
	granted := res.RowsAffected == 1
	if !granted {
		l.log.Debug("deduct denied",
			zap.Uint("account_id", accountID),
			zap.Int("requested", n),
			zap.Int("remaining", remaining),
		)
	}
	return DeductResult{Granted: granted, Remaining: remaining}, nil
}

// Credit unconditionally adds n credits. Callers must have deduplicated the
// triggering event already.
func (l *Ledger) Credit(ctx context.Context, accountID uint, n int) error {
	if err := l.CreditTx(l.db.WithContext(ctx), accountID, n); err != nil {
		return err
	}
	l.Invalidate(ctx, accountID)
	return nil
}

func (l *Ledger) CreditTx(tx *gorm.DB, accountID uint, n int) error {
	if n <= 0 {
		return apperr.Invalid("credit amount must be positive")
	}
	res := tx.Model(&models.Account{}).
		Where("id = ?", accountID).
		UpdateColumn("credit_balance", gorm.Expr("credit_balance + ?", n))
	if res.Error != nil {
		return apperr.Store("credit", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperr.ErrNotFound
	}
	return nil
}

// ResetIfDue restores a free-tier account to quota once periodDays have passed
// since the last reset. The write is conditioned on the last_reset_at value
// that was read, so concurrent readers reset at most once per period. The
// account is updated in place.
func (l *Ledger) ResetIfDue(ctx context.Context, account *models.Account, quota, periodDays int) (bool, error) {
	if account == nil || !account.IsFree() || periodDays <= 0 {
		return false, nil
	}
	now := l.now()
	period := time.Duration(periodDays) * 24 * time.Hour
	if account.LastResetAt != nil && now.Sub(*account.LastResetAt) < period {
		return false, nil
	}

	q := l.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ? AND plan_tier = ?", account.ID, models.PlanTierFree)
	if account.LastResetAt == nil {
		q = q.Where("last_reset_at IS NULL")
	} else {
		q = q.Where("last_reset_at = ?", *account.LastResetAt)
	}
	res := q.UpdateColumns(map[string]interface{}{
		"credit_balance": quota,
		"last_reset_at":  now,
	})
	if res.Error != nil {
		return false, apperr.Store("reset", res.Error)
	}

	if res.RowsAffected == 0 {
		// Someone else reset (or upgraded) first; pick up their result.
		fresh, err := l.Account(ctx, account.ID)
		if err != nil {
			return false, err
		}
		*account = *fresh
		return false, nil
	}

	account.CreditBalance = quota
	account.LastResetAt = &now
	l.Invalidate(ctx, account.ID)
	l.log.Info("free tier reset",
		zap.Uint("account_id", account.ID),
		zap.Int("quota", quota),
	)
	return true, nil
}

// Balance reads the current balance straight from the store.
func (l *Ledger) Balance(ctx context.Context, accountID uint) (int, error) {
	return balanceTx(l.db.WithContext(ctx), accountID)
}

// Account loads the full account row.
func (l *Ledger) Account(ctx context.Context, accountID uint) (*models.Account, error) {
	var a models.Account
	if err := l.db.WithContext(ctx).First(&a, accountID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, apperr.Store("load account", err)
	}
	return &a, nil
}

// SetUnlimited toggles the unlimited entitlement.
func (l *Ledger) SetUnlimited(ctx context.Context, accountID uint, unlimited bool) error {
	res := l.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", accountID).
		UpdateColumn("is_unlimited", unlimited)
	if res.Error != nil {
		return apperr.Store("set unlimited", res.Error)
	}
	if res.RowsAffected == 0 {
		// UpdateColumn reports 0 rows on MySQL when the value is unchanged.
		if _, err := l.Account(ctx, accountID); err != nil {
			return err
		}
	}
	l.Invalidate(ctx, accountID)
	return nil
}

func (l *Ledger) Invalidate(ctx context.Context, accountID uint) {
	if l.invalidator != nil {
		l.invalidator.InvalidateAccount(ctx, accountID)
	}
}

func balanceTx(tx *gorm.DB, accountID uint) (int, error) {
	var a models.Account
	err := tx.Select("id", "credit_balance").First(&a, accountID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, apperr.ErrNotFound
		}
		return 0, apperr.Store("read balance", err)
	}
	return a.CreditBalance, nil
}
