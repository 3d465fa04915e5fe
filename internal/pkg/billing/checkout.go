package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/ManuelReschke/PetFox/app/models"
	"github.com/ManuelReschke/PetFox/internal/pkg/apperr"
)

var validate = validator.New()

// InitiateCheckout opens a charge at the processor and records the pending
// transaction that its webhook will later confirm. The credits granted are
// fixed here, from the catalog.
func (s *Service) InitiateCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	req.Processor = normalizeProcessor(req.Processor)
	if req.AccountID == 0 {
		return nil, apperr.Invalid("account is required")
	}
	if err := validate.Struct(req); err != nil {
		return nil, apperr.Invalid(err.Error())
	}
	kind, ok := normalizeKind(req.Kind)
	if !ok {
		return nil, apperr.Invalid(fmt.Sprintf("unknown kind %q", req.Kind))
	}
	pkg, ok := s.catalog.Package(kind, req.PackageID)
	if !ok {
		return nil, apperr.Invalid(fmt.Sprintf("unknown package %q", req.PackageID))
	}
	provider, ok := s.providers[req.Processor]
	if !ok {
		return nil, apperr.Invalid(fmt.Sprintf("processor %q is not configured", req.Processor))
	}
	req.Kind = kind

	session, err := provider.CreateCheckout(ctx, req, pkg)
	if err != nil {
		s.log.Error("checkout creation failed",
			zap.String("processor", req.Processor),
			zap.Uint("account_id", req.AccountID),
			zap.Error(err),
		)
		return nil, err
	}
	if strings.TrimSpace(session.ProcessorTransactionID) == "" {
		return nil, fmt.Errorf("%s returned a checkout without id", req.Processor)
	}

	txn := &models.PaymentTransaction{
		AccountID:               req.AccountID,
		Processor:               req.Processor,
		ProcessorTransactionID:  session.ProcessorTransactionID,
		ProcessorSubscriptionID: session.SubscriptionRef,
		PackageID:               pkg.ID,
		Kind:                    pkg.Kind,
		PlanTier:                string(pkg.Plan),
		CreditsGranted:          pkg.Credits,
		AmountCents:             pkg.AmountCents,
		Currency:                pkg.Currency,
		Status:                  models.TransactionStatusPending,
	}
	if err := NewRepository(s.db.WithContext(ctx)).CreateTransaction(txn); err != nil {
		return nil, apperr.Store("create transaction", err)
	}

	s.log.Info("checkout created",
		zap.String("processor", txn.Processor),
		zap.String("processor_transaction_id", txn.ProcessorTransactionID),
		zap.Uint("account_id", txn.AccountID),
		zap.String("package", pkg.ID),
		zap.String("kind", pkg.Kind),
	)
	return &CheckoutResult{Transaction: txn, RedirectURL: session.RedirectURL}, nil
}

// TransactionForAccount returns the caller's transaction. A pending charge is
// polled at the processor when it supports it, and applied through the same
// path a webhook would take if it turns out to be paid.
func (s *Service) TransactionForAccount(ctx context.Context, accountID uint, processor, processorTransactionID string) (*models.PaymentTransaction, error) {
	processor = normalizeProcessor(processor)
	txn, err := s.repo.FindTransaction(processor, strings.TrimSpace(processorTransactionID))
	if err != nil {
		if isNotFound(err) {
			return nil, apperr.ErrNotFound
		}
		return nil, apperr.Store("find transaction", err)
	}
	if txn.AccountID != accountID {
		return nil, apperr.ErrNotFound
	}
	if txn.Status != models.TransactionStatusPending {
		return txn, nil
	}

	checker, ok := s.providers[processor].(StatusChecker)
	if !ok {
		return txn, nil
	}
	paid, err := checker.IsPaid(ctx, txn.ProcessorTransactionID)
	if err != nil {
		s.log.Warn("status poll failed",
			zap.String("processor", processor),
			zap.String("processor_transaction_id", txn.ProcessorTransactionID),
			zap.Error(err),
		)
		return txn, nil
	}
	if !paid {
		return txn, nil
	}

	res, err := s.Apply(ctx, PaymentEvent{
		Type:                   EventPaymentConfirmed,
		Processor:              processor,
		ProcessorTransactionID: txn.ProcessorTransactionID,
		Kind:                   txn.Kind,
		AccountID:              txn.AccountID,
	})
	if err != nil && !errors.Is(err, apperr.ErrDuplicateEvent) {
		return nil, err
	}
	if res != nil && res.Transaction != nil {
		return res.Transaction, nil
	}
	return s.repo.FindTransaction(processor, txn.ProcessorTransactionID)
}
