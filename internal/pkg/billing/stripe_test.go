package billing

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripe "github.com/stripe/stripe-go/v82"

	"github.com/ManuelReschke/PetFox/app/models"
	"github.com/ManuelReschke/PetFox/internal/pkg/apperr"
	"github.com/ManuelReschke/PetFox/internal/pkg/entitlements"
)

func stripeSignature(payload []byte, secret string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(fmt.Sprintf("%d.", ts.Unix())))
	mac.Write(payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func TestStripeAdapterVerify(t *testing.T) {
	adapter := StripeAdapter{WebhookSecret: testWebhookSecret}
	payload := []byte(`{"id":"evt_1","object":"event","type":"ping","data":{"object":{}}}`)

	assert.NoError(t, adapter.Verify(payload, stripeSignature(payload, testWebhookSecret, time.Now())))
	assert.Error(t, adapter.Verify(payload, stripeSignature(payload, "whsec_other", time.Now())))
	assert.Error(t, adapter.Verify(payload, stripeSignature(payload, testWebhookSecret, time.Now().Add(-time.Hour))), "stale timestamp")
	assert.Error(t, adapter.Verify(payload, ""))
	assert.Error(t, StripeAdapter{}.Verify(payload, stripeSignature(payload, "", time.Now())))
}

func TestStripeAdapterParse(t *testing.T) {
	adapter := StripeAdapter{}

	t.Run("paid one-time session", func(t *testing.T) {
		payload := []byte(`{"id":"evt_1","object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_1","object":"checkout.session","mode":"payment","payment_status":"paid","client_reference_id":"7","metadata":{"credits":"50"}}}}`)
		d, err := adapter.Parse(payload)
		require.NoError(t, err)
		assert.Equal(t, "evt_1", d.ID)
		require.NotNil(t, d.Event)
		assert.Equal(t, PaymentEvent{
			Type:                   EventPaymentConfirmed,
			Processor:              models.ProcessorStripe,
			ProcessorTransactionID: "cs_1",
			Kind:                   models.TransactionKindOneTime,
			AccountID:              7,
			CreditsGranted:         50,
		}, *d.Event)
	})

	t.Run("subscription session carries subscription ref", func(t *testing.T) {
		payload := []byte(`{"id":"evt_2","object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_2","object":"checkout.session","mode":"subscription","payment_status":"paid","subscription":"sub_9","metadata":{"account_id":"3"}}}}`)
		d, err := adapter.Parse(payload)
		require.NoError(t, err)
		require.NotNil(t, d.Event)
		assert.Equal(t, models.TransactionKindRecurring, d.Event.Kind)
		assert.Equal(t, "sub_9", d.Event.SubscriptionRef)
		assert.Equal(t, uint(3), d.Event.AccountID)
	})

	t.Run("unpaid session is ignored", func(t *testing.T) {
		payload := []byte(`{"id":"evt_3","object":"event","type":"checkout.session.completed","data":{"object":{"id":"cs_3","object":"checkout.session","mode":"payment","payment_status":"unpaid"}}}`)
		d, err := adapter.Parse(payload)
		require.NoError(t, err)
		assert.Nil(t, d.Event)
	})

	t.Run("subscription deleted", func(t *testing.T) {
		payload := []byte(`{"id":"evt_4","object":"event","type":"customer.subscription.deleted","data":{"object":{"id":"sub_9","object":"subscription","metadata":{"account_id":"3"}}}}`)
		d, err := adapter.Parse(payload)
		require.NoError(t, err)
		require.NotNil(t, d.Event)
		assert.Equal(t, EventSubscriptionCanceled, d.Event.Type)
		assert.Equal(t, "sub_9", d.Event.SubscriptionRef)
		assert.Equal(t, uint(3), d.Event.AccountID)
	})

	t.Run("renewal invoices are ignored", func(t *testing.T) {
		payload := []byte(`{"id":"evt_5","object":"event","type":"invoice.paid","data":{"object":{"id":"in_1","object":"invoice"}}}`)
		d, err := adapter.Parse(payload)
		require.NoError(t, err)
		assert.Equal(t, "invoice.paid", d.Type)
		assert.Nil(t, d.Event)
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := adapter.Parse([]byte(`not json`))
		assert.ErrorIs(t, err, apperr.ErrInvalidInput)
	})
}

func TestStripeCheckoutParams(t *testing.T) {
	var captured *stripe.CheckoutSessionParams
	client := NewStripeClient(StripeConfig{
		PriceIDPro: "price_pro",
		SuccessURL: "https://petfox.test/ok",
		CancelURL:  "https://petfox.test/cancel",
	})
	client.newSession = func(p *stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error) {
		captured = p
		return &stripe.CheckoutSession{ID: "cs_new", URL: "https://checkout.stripe.test/cs_new"}, nil
	}
	catalog := entitlements.DefaultCatalog()
	ctx := context.Background()

	pkg, _ := catalog.Package(models.TransactionKindOneTime, "essential")
	session, err := client.CreateCheckout(ctx, CheckoutRequest{AccountID: 12, Email: "tutor@example.com"}, pkg)
	require.NoError(t, err)
	assert.Equal(t, "cs_new", session.ProcessorTransactionID)
	assert.Equal(t, "https://checkout.stripe.test/cs_new", session.RedirectURL)
	require.NotNil(t, captured)
	assert.Equal(t, string(stripe.CheckoutSessionModePayment), *captured.Mode)
	assert.Equal(t, "12", *captured.ClientReferenceID)
	assert.Equal(t, "brl", *captured.LineItems[0].PriceData.Currency)
	assert.Equal(t, int64(3490), *captured.LineItems[0].PriceData.UnitAmount)
	assert.Equal(t, "50", captured.Metadata["credits"])

	pkg, _ = catalog.Package(models.TransactionKindRecurring, "pro")
	_, err = client.CreateCheckout(ctx, CheckoutRequest{AccountID: 12}, pkg)
	require.NoError(t, err)
	assert.Equal(t, string(stripe.CheckoutSessionModeSubscription), *captured.Mode)
	assert.Equal(t, "price_pro", *captured.LineItems[0].Price)
	assert.Equal(t, "12", captured.SubscriptionData.Metadata["account_id"])

	pkg, _ = catalog.Package(models.TransactionKindRecurring, "essential")
	_, err = client.CreateCheckout(ctx, CheckoutRequest{AccountID: 12}, pkg)
	assert.ErrorIs(t, err, apperr.ErrInvalidInput, "no price configured")
}
