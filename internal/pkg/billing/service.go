package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/ManuelReschke/PetFox/app/models"
	"github.com/ManuelReschke/PetFox/internal/pkg/apperr"
	"github.com/ManuelReschke/PetFox/internal/pkg/entitlements"
	"github.com/ManuelReschke/PetFox/internal/pkg/ledger"
	"github.com/ManuelReschke/PetFox/internal/pkg/logging"
)

// Service reconciles processor deliveries against the ledger and opens new
// checkouts.
type Service struct {
	db        *gorm.DB
	repo      Repository
	ledger    *ledger.Ledger
	catalog   *entitlements.Catalog
	log       *zap.Logger
	providers map[string]CheckoutProvider
	recorder  OutcomeRecorder
}

func NewService(db *gorm.DB, l *ledger.Ledger, catalog *entitlements.Catalog, log *zap.Logger) *Service {
	if catalog == nil {
		catalog = entitlements.DefaultCatalog()
	}
	return &Service{
		db:        db,
		repo:      NewRepository(db),
		ledger:    l,
		catalog:   catalog,
		log:       logging.OrNop(log).Named("billing"),
		providers: map[string]CheckoutProvider{},
	}
}

// RegisterCheckoutProvider enables checkout for the provider's processor.
func (s *Service) RegisterCheckoutProvider(p CheckoutProvider) {
	s.providers[p.Processor()] = p
}

func (s *Service) SetOutcomeRecorder(r OutcomeRecorder) {
	s.recorder = r
}

func (s *Service) Catalog() *entitlements.Catalog {
	return s.catalog
}

// Apply executes a canonical event. The status flip, the credit and the tier
// change commit together or not at all.
func (s *Service) Apply(ctx context.Context, ev PaymentEvent) (*ApplyResult, error) {
	ev.Processor = normalizeProcessor(ev.Processor)
	ev.ProcessorTransactionID = strings.TrimSpace(ev.ProcessorTransactionID)
	if ev.Processor == "" {
		return nil, apperr.Invalid("processor is required")
	}

	var (
		res *ApplyResult
		err error
	)
	switch ev.Type {
	case EventPaymentConfirmed:
		res, err = s.applyPaymentConfirmed(ctx, ev)
	case EventSubscriptionCanceled:
		res, err = s.applySubscriptionCanceled(ctx, ev)
	default:
		return nil, apperr.Invalid(fmt.Sprintf("unknown event type %q", ev.Type))
	}
	if err != nil {
		return nil, err
	}
	if res.AccountID != 0 && res.Outcome == models.WebhookOutcomeApplied {
		s.ledger.Invalidate(ctx, res.AccountID)
	}
	return res, nil
}

func (s *Service) applyPaymentConfirmed(ctx context.Context, ev PaymentEvent) (*ApplyResult, error) {
	if ev.ProcessorTransactionID == "" {
		return nil, apperr.Invalid("processor transaction id is required")
	}
	log := s.log.With(
		zap.String("processor", ev.Processor),
		zap.String("processor_transaction_id", ev.ProcessorTransactionID),
	)

	result := &ApplyResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := NewRepository(tx)
		txn, err := repo.FindTransaction(ev.Processor, ev.ProcessorTransactionID)
		if err != nil {
			if isNotFound(err) {
				return fmt.Errorf("%w: %s/%s", apperr.ErrOrphanTransaction, ev.Processor, ev.ProcessorTransactionID)
			}
			return apperr.Store("find transaction", err)
		}
		result.Transaction = txn
		result.AccountID = txn.AccountID

		if ev.AccountID != 0 && ev.AccountID != txn.AccountID {
			log.Warn("event account differs from transaction account",
				zap.Uint("event_account_id", ev.AccountID),
				zap.Uint("account_id", txn.AccountID),
			)
		}
		if ev.CreditsGranted != 0 && ev.CreditsGranted != txn.CreditsGranted {
			log.Warn("event credits differ from checkout credits",
				zap.Int("event_credits", ev.CreditsGranted),
				zap.Int("credits", txn.CreditsGranted),
			)
		}

		switch txn.Status {
		case models.TransactionStatusPending:
		case models.TransactionStatusCanceled:
			if !txn.IsRecurring() {
				result.Outcome = models.WebhookOutcomeDuplicate
				return nil
			}
		default:
			result.Outcome = models.WebhookOutcomeDuplicate
			return nil
		}

		now := s.ledger.Now()
		flipped, err := repo.MarkTransactionPaid(txn.ID, txn.Status, now, ev.SubscriptionRef)
		if err != nil {
			return apperr.Store("mark paid", err)
		}
		if !flipped {
			// A concurrent delivery won the status swap.
			result.Outcome = models.WebhookOutcomeDuplicate
			return nil
		}

		if txn.CreditsGranted > 0 {
			if err := s.ledger.CreditTx(tx, txn.AccountID, txn.CreditsGranted); err != nil {
				return err
			}
		}
		if txn.IsRecurring() {
			if err := repo.SetAccountPlanTier(txn.AccountID, tierForTransaction(txn)); err != nil {
				return apperr.Store("set plan tier", err)
			}
		}

		txn.Status = models.TransactionStatusPaid
		txn.PaidAt = &now
		if ev.SubscriptionRef != "" {
			txn.ProcessorSubscriptionID = ev.SubscriptionRef
		}
		result.Outcome = models.WebhookOutcomeApplied
		result.Credited = txn.CreditsGranted
		return nil
	})
	if err != nil {
		if errors.Is(err, apperr.ErrOrphanTransaction) {
			log.Error("payment for unknown transaction", zap.Error(err))
		}
		return nil, err
	}

	if result.Outcome == models.WebhookOutcomeApplied {
		log.Info("payment applied",
			zap.Uint("account_id", result.AccountID),
			zap.Int("credits", result.Credited),
			zap.String("kind", result.Transaction.Kind),
		)
	} else {
		log.Info("payment already applied", zap.Uint("account_id", result.AccountID))
	}
	return result, nil
}

func (s *Service) applySubscriptionCanceled(ctx context.Context, ev PaymentEvent) (*ApplyResult, error) {
	subRef := strings.TrimSpace(ev.SubscriptionRef)
	if ev.ProcessorTransactionID == "" && subRef == "" && ev.AccountID == 0 {
		return nil, apperr.Invalid("cancellation carries no transaction, subscription or account reference")
	}

	result := &ApplyResult{}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		repo := NewRepository(tx)

		var (
			txn *models.PaymentTransaction
			err error
		)
		if ev.ProcessorTransactionID != "" {
			txn, err = repo.FindTransaction(ev.Processor, ev.ProcessorTransactionID)
		}
		if (txn == nil || isNotFound(err)) && subRef != "" {
			txn, err = repo.FindTransactionBySubscription(ev.Processor, subRef)
		}
		if err != nil && !isNotFound(err) {
			return apperr.Store("find transaction", err)
		}

		accountID := ev.AccountID
		if txn != nil {
			accountID = txn.AccountID
			result.Transaction = txn
		}
		if accountID == 0 {
			return fmt.Errorf("%w: cancellation %s/%s", apperr.ErrOrphanTransaction, ev.Processor, firstNonEmpty(ev.ProcessorTransactionID, subRef))
		}
		if txn == nil {
			exists, err := repo.AccountExists(accountID)
			if err != nil {
				return apperr.Store("find account", err)
			}
			if !exists {
				return fmt.Errorf("%w: account %d", apperr.ErrOrphanTransaction, accountID)
			}
		}
		result.AccountID = accountID

		if txn != nil && txn.Status == models.TransactionStatusCanceled {
			result.Outcome = models.WebhookOutcomeDuplicate
			return nil
		}
		if txn != nil && txn.IsRecurring() && txn.Status == models.TransactionStatusPaid {
			if _, err := repo.MarkTransactionCanceled(txn.ID, s.ledger.Now()); err != nil {
				return apperr.Store("mark canceled", err)
			}
			txn.Status = models.TransactionStatusCanceled
		}

		// Credits already granted stay on the account.
		if err := repo.SetAccountPlanTier(accountID, models.PlanTierFree); err != nil {
			return apperr.Store("set plan tier", err)
		}
		result.Outcome = models.WebhookOutcomeApplied
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("subscription canceled",
		zap.String("processor", ev.Processor),
		zap.Uint("account_id", result.AccountID),
		zap.String("outcome", result.Outcome),
	)
	return result, nil
}

// RecordWebhookEvent persists webhook payloads idempotently.
func (s *Service) RecordWebhookEvent(ctx context.Context, in WebhookEventInput) (bool, *models.BillingWebhookEvent, error) {
	provider := normalizeProcessor(in.Provider)
	if provider == "" {
		return false, nil, apperr.Invalid("provider is required")
	}
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" {
		sum := sha256.Sum256([]byte(in.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	event := &models.BillingWebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       strings.TrimSpace(in.EventType),
		PayloadJSON:     in.PayloadJSON,
		SignatureValid:  in.SignatureValid,
	}
	created, stored, err := NewRepository(s.db.WithContext(ctx)).CreateWebhookEventIfNotExists(event)
	if err != nil {
		return false, nil, apperr.Store("record webhook", err)
	}
	return created, stored, nil
}

// MarkWebhookProcessed stores the outcome of a delivery and an optional error.
func (s *Service) MarkWebhookProcessed(ctx context.Context, webhookEventID uint, outcome string, processingErr error) error {
	if webhookEventID == 0 {
		return apperr.Invalid("webhook_event_id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return NewRepository(s.db.WithContext(ctx)).MarkWebhookProcessed(webhookEventID, outcome, errMsg)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
