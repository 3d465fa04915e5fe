package billing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/PetFox/app/models"
	"github.com/ManuelReschke/PetFox/internal/pkg/apperr"
	"github.com/ManuelReschke/PetFox/internal/pkg/entitlements"
)

type fakeProvider struct {
	processor string
	nextID    string
	paid      map[string]bool
	err       error
	calls     int
}

func (p *fakeProvider) Processor() string { return p.processor }

func (p *fakeProvider) CreateCheckout(_ context.Context, req CheckoutRequest, pkg entitlements.Package) (*CheckoutSession, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	s := &CheckoutSession{ProcessorTransactionID: p.nextID, RedirectURL: "https://pay.test/" + p.nextID}
	if pkg.Kind == models.TransactionKindRecurring {
		s.SubscriptionRef = p.nextID
	}
	return s, nil
}

func (p *fakeProvider) IsPaid(_ context.Context, id string) (bool, error) {
	return p.paid[id], nil
}

func TestInitiateCheckoutRecordsPendingTransaction(t *testing.T) {
	f := newFixture(t, 3)
	provider := &fakeProvider{processor: models.ProcessorAbacatePay, nextID: "bill_1"}
	f.svc.RegisterCheckoutProvider(provider)

	res, err := f.svc.InitiateCheckout(context.Background(), CheckoutRequest{
		AccountID: f.account.ID,
		Email:     f.account.NormalizedEmail,
		Processor: "AbacatePay",
		PackageID: "Essential",
		Kind:      "pix",
	})
	require.NoError(t, err)
	assert.Equal(t, "https://pay.test/bill_1", res.RedirectURL)

	txn := res.Transaction
	assert.Equal(t, models.ProcessorAbacatePay, txn.Processor)
	assert.Equal(t, "bill_1", txn.ProcessorTransactionID)
	assert.Equal(t, models.TransactionKindOneTime, txn.Kind)
	assert.Equal(t, models.TransactionStatusPending, txn.Status)
	assert.Equal(t, 50, txn.CreditsGranted)
	assert.Equal(t, int64(3490), txn.AmountCents)
	assert.Equal(t, "BRL", txn.Currency)
	assert.Equal(t, 3, f.reload(t).CreditBalance, "no credits before confirmation")
}

func TestInitiateCheckoutValidation(t *testing.T) {
	f := newFixture(t, 0)
	provider := &fakeProvider{processor: models.ProcessorStripe, nextID: "cs_1"}
	f.svc.RegisterCheckoutProvider(provider)
	ctx := context.Background()
	base := CheckoutRequest{AccountID: f.account.ID, Processor: models.ProcessorStripe, PackageID: "pro", Kind: "one_time"}

	tests := []struct {
		name   string
		mutate func(r *CheckoutRequest)
	}{
		{"no account", func(r *CheckoutRequest) { r.AccountID = 0 }},
		{"unknown processor", func(r *CheckoutRequest) { r.Processor = "paypal" }},
		{"unknown kind", func(r *CheckoutRequest) { r.Kind = "weekly" }},
		{"unknown package", func(r *CheckoutRequest) { r.PackageID = "platinum" }},
		{"processor not configured", func(r *CheckoutRequest) { r.Processor = models.ProcessorAbacatePay }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := base
			tt.mutate(&req)
			_, err := f.svc.InitiateCheckout(ctx, req)
			assert.ErrorIs(t, err, apperr.ErrInvalidInput)
		})
	}
	assert.Zero(t, provider.calls)

	provider.err = errors.New("processor down")
	_, err := f.svc.InitiateCheckout(ctx, base)
	assert.Error(t, err)
	var n int64
	require.NoError(t, f.db.Model(&models.PaymentTransaction{}).Count(&n).Error)
	assert.Zero(t, n)
}

func TestTransactionForAccountReconcilesPaidCharge(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	provider := &fakeProvider{processor: models.ProcessorAbacatePay, nextID: "bill_7", paid: map[string]bool{}}
	f.svc.RegisterCheckoutProvider(provider)

	_, err := f.svc.InitiateCheckout(ctx, CheckoutRequest{
		AccountID: f.account.ID,
		Processor: models.ProcessorAbacatePay,
		PackageID: "pro",
		Kind:      "subscription",
	})
	require.NoError(t, err)

	txn, err := f.svc.TransactionForAccount(ctx, f.account.ID, models.ProcessorAbacatePay, "bill_7")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusPending, txn.Status)

	_, err = f.svc.TransactionForAccount(ctx, f.account.ID+1, models.ProcessorAbacatePay, "bill_7")
	assert.ErrorIs(t, err, apperr.ErrNotFound, "other accounts cannot see it")

	provider.paid["bill_7"] = true
	txn, err = f.svc.TransactionForAccount(ctx, f.account.ID, models.ProcessorAbacatePay, "bill_7")
	require.NoError(t, err)
	assert.Equal(t, models.TransactionStatusPaid, txn.Status)

	a := f.reload(t)
	assert.Equal(t, 180, a.CreditBalance)
	assert.Equal(t, models.PlanTierPro, a.PlanTier)

	// The webhook arriving afterwards is a duplicate.
	res, err := f.svc.Apply(ctx, confirmed(models.ProcessorAbacatePay, "bill_7"))
	require.NoError(t, err)
	assert.Equal(t, models.WebhookOutcomeDuplicate, res.Outcome)
	assert.Equal(t, 180, f.reload(t).CreditBalance)
}
