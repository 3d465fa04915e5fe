// Package usage authorizes generation requests against the ledger.
package usage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PetFox/app/models"
	"github.com/ManuelReschke/PetFox/internal/pkg/apperr"
	"github.com/ManuelReschke/PetFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/PetFox/internal/pkg/ledger"
	"github.com/ManuelReschke/PetFox/internal/pkg/logging"
)

const maxIdempotencyKeyLen = 191

// Decision is the answer to an authorization request. Remaining is the
// balance after the debit when granted, and the untouched balance when not.
type Decision struct {
	Granted   bool                `json:"granted"`
	Remaining int                 `json:"remaining"`
	Ticket    *models.DebitTicket `json:"ticket,omitempty"`
	Replayed  bool                `json:"replayed"`
}

type Gate struct {
	db       *gorm.DB
	ledger   *ledger.Ledger
	catalog  *entitlements.Catalog
	log      *zap.Logger
	maxUnits int
}

type Option func(*Gate)

// WithMaxUnits caps the units a single request may debit.
func WithMaxUnits(n int) Option {
	return func(g *Gate) { g.maxUnits = n }
}

func NewGate(db *gorm.DB, l *ledger.Ledger, catalog *entitlements.Catalog, log *zap.Logger, opts ...Option) *Gate {
	if catalog == nil {
		catalog = entitlements.DefaultCatalog()
	}
	g := &Gate{db: db, ledger: l, catalog: catalog, log: logging.OrNop(log).Named("usage")}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// AuthorizeAndDebit applies any overdue free-tier reset, then debits units in
// one conditional update. A request carrying an idempotency key, or the id of
// a ticket the account was already granted, returns that ticket without
// debiting again. Without a key the ticket id becomes the key.
func (g *Gate) AuthorizeAndDebit(ctx context.Context, accountID uint, units int, idempotencyKey string) (*Decision, error) {
	key := strings.TrimSpace(idempotencyKey)
	if units <= 0 {
		return nil, apperr.Invalid("units must be positive")
	}
	if g.maxUnits > 0 && units > g.maxUnits {
		return nil, apperr.Invalid(fmt.Sprintf("at most %d units per request", g.maxUnits))
	}
	if len(key) > maxIdempotencyKeyLen {
		return nil, apperr.Invalid("idempotency key too long")
	}
	ticketID := uuid.NewString()
	if key == "" {
		key = ticketID
	}

	if d, err := g.replay(ctx, accountID, key); d != nil || err != nil {
		return d, err
	}

	account, err := g.ledger.Account(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if _, err := g.ledger.ResetIfDue(ctx, account, g.catalog.FreeQuota, g.catalog.FreeResetDays); err != nil {
		return nil, err
	}

	ticket := &models.DebitTicket{
		ID:             ticketID,
		AccountID:      accountID,
		IdempotencyKey: key,
		Units:          units,
		Unlimited:      account.IsUnlimited,
	}
	decision := &Decision{Ticket: ticket}

	err = g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if ticket.Unlimited {
			decision.Granted = true
			decision.Remaining = account.CreditBalance
		} else {
			res, err := g.ledger.DeductTx(tx, accountID, units)
			if err != nil {
				return err
			}
			decision.Granted = res.Granted
			decision.Remaining = res.Remaining
			if !res.Granted {
				return nil
			}
		}
		if err := tx.Create(ticket).Error; err != nil {
			return apperr.Store("create ticket", err)
		}
		return nil
	})
	if err != nil {
		// A concurrent request with the same key may have committed first;
		// its ticket wins and our debit rolled back with the failed insert.
		if d, replayErr := g.replay(ctx, accountID, key); d != nil && replayErr == nil {
			return d, nil
		}
		return nil, err
	}

	if !decision.Granted {
		decision.Ticket = nil
		g.log.Info("authorization denied",
			zap.Uint("account_id", accountID),
			zap.Int("units", units),
			zap.Int("remaining", decision.Remaining),
		)
		return decision, nil
	}

	if !ticket.Unlimited {
		g.ledger.Invalidate(ctx, accountID)
	}
	g.log.Info("authorization granted",
		zap.Uint("account_id", accountID),
		zap.String("ticket_id", ticket.ID),
		zap.Int("units", units),
		zap.Bool("unlimited", ticket.Unlimited),
		zap.Int("remaining", decision.Remaining),
	)
	return decision, nil
}

func (g *Gate) replay(ctx context.Context, accountID uint, key string) (*Decision, error) {
	var ticket models.DebitTicket
	err := g.db.WithContext(ctx).
		Where("account_id = ? AND (id = ? OR idempotency_key = ?)", accountID, key, key).
		Order("created_at").
		Take(&ticket).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, apperr.Store("find ticket", err)
	}
	remaining, err := g.ledger.Balance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return &Decision{Granted: true, Remaining: remaining, Ticket: &ticket, Replayed: true}, nil
}

// Ticket loads a ticket owned by the account.
func (g *Gate) Ticket(ctx context.Context, accountID uint, ticketID string) (*models.DebitTicket, error) {
	var ticket models.DebitTicket
	err := g.db.WithContext(ctx).
		Where("id = ? AND account_id = ?", strings.TrimSpace(ticketID), accountID).
		Take(&ticket).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperr.ErrNotFound
		}
		return nil, apperr.Store("find ticket", err)
	}
	return &ticket, nil
}

// Refund returns up to the ticket's unrefunded units to the balance. The
// refunded counter is advanced with a conditional update so concurrent
// refunds can never return more than was debited. Unlimited tickets debited
// nothing and refund nothing. It returns the balance afterwards.
func (g *Gate) Refund(ctx context.Context, accountID uint, ticketID string, units int) (int, error) {
	if units <= 0 {
		return 0, apperr.Invalid("units must be positive")
	}
	ticket, err := g.Ticket(ctx, accountID, ticketID)
	if err != nil {
		return 0, err
	}
	if ticket.Unlimited {
		return g.ledger.Balance(ctx, accountID)
	}
	if units > ticket.RefundableUnits() {
		return 0, apperr.Invalid(fmt.Sprintf("only %d units left to refund", ticket.RefundableUnits()))
	}

	err = g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.DebitTicket{}).
			Where("id = ? AND refunded_units + ? <= units", ticket.ID, units).
			UpdateColumn("refunded_units", gorm.Expr("refunded_units + ?", units))
		if res.Error != nil {
			return apperr.Store("refund ticket", res.Error)
		}
		if res.RowsAffected == 0 {
			return apperr.Invalid("refund exceeds debited units")
		}
		return g.ledger.CreditTx(tx, accountID, units)
	})
	if err != nil {
		return 0, err
	}
	g.ledger.Invalidate(ctx, accountID)
	g.log.Info("units refunded",
		zap.Uint("account_id", accountID),
		zap.String("ticket_id", ticket.ID),
		zap.Int("units", units),
	)
	return g.ledger.Balance(ctx, accountID)
}
