package billing

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	stripe "github.com/stripe/stripe-go/v82"
	checksession "github.com/stripe/stripe-go/v82/checkout/session"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/ManuelReschke/PetFox/app/models"
	"github.com/ManuelReschke/PetFox/internal/pkg/apperr"
	"github.com/ManuelReschke/PetFox/internal/pkg/entitlements"
)

const StripeSignatureHeader = "Stripe-Signature"

type StripeConfig struct {
	SecretKey        string
	WebhookSecret    string
	PriceIDEssential string
	PriceIDPro       string
	SuccessURL       string
	CancelURL        string
}

// StripeClient opens Checkout Sessions. One-time packages are priced inline,
// subscriptions use the configured recurring prices.
type StripeClient struct {
	cfg StripeConfig

	newSession func(*stripe.CheckoutSessionParams) (*stripe.CheckoutSession, error)
	getSession func(id string) (*stripe.CheckoutSession, error)
}

func NewStripeClient(cfg StripeConfig) *StripeClient {
	stripe.Key = cfg.SecretKey
	return &StripeClient{
		cfg:        cfg,
		newSession: checksession.New,
		getSession: func(id string) (*stripe.CheckoutSession, error) {
			return checksession.Get(id, nil)
		},
	}
}

func (c *StripeClient) Processor() string { return models.ProcessorStripe }

func (c *StripeClient) CreateCheckout(ctx context.Context, req CheckoutRequest, pkg entitlements.Package) (*CheckoutSession, error) {
	params, err := c.sessionParams(ctx, req, pkg)
	if err != nil {
		return nil, err
	}
	sess, err := c.newSession(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}
	return &CheckoutSession{ProcessorTransactionID: sess.ID, RedirectURL: sess.URL}, nil
}

func (c *StripeClient) sessionParams(ctx context.Context, req CheckoutRequest, pkg entitlements.Package) (*stripe.CheckoutSessionParams, error) {
	accountRef := strconv.FormatUint(uint64(req.AccountID), 10)
	metadata := map[string]string{
		"account_id": accountRef,
		"package_id": pkg.ID,
		"kind":       pkg.Kind,
		"credits":    strconv.Itoa(pkg.Credits),
	}

	params := &stripe.CheckoutSessionParams{
		ClientReferenceID: stripe.String(accountRef),
		SuccessURL:        stripe.String(c.cfg.SuccessURL),
		CancelURL:         stripe.String(c.cfg.CancelURL),
		Metadata:          metadata,
	}
	params.Context = ctx
	if req.Email != "" {
		params.CustomerEmail = stripe.String(req.Email)
	}

	if pkg.Kind == models.TransactionKindRecurring {
		priceID := c.priceIDForPlan(pkg.Plan)
		if priceID == "" {
			return nil, apperr.Invalid(fmt.Sprintf("no stripe price configured for plan %q", pkg.Plan))
		}
		params.Mode = stripe.String(string(stripe.CheckoutSessionModeSubscription))
		params.LineItems = []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(priceID), Quantity: stripe.Int64(1)},
		}
		params.SubscriptionData = &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: map[string]string{"account_id": accountRef, "package_id": pkg.ID},
		}
		return params, nil
	}

	params.Mode = stripe.String(string(stripe.CheckoutSessionModePayment))
	params.LineItems = []*stripe.CheckoutSessionLineItemParams{
		{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency:   stripe.String(strings.ToLower(pkg.Currency)),
				UnitAmount: stripe.Int64(pkg.AmountCents),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(pkg.Name),
				},
			},
			Quantity: stripe.Int64(1),
		},
	}
	return params, nil
}

func (c *StripeClient) priceIDForPlan(plan entitlements.Plan) string {
	switch plan {
	case entitlements.PlanPro:
		return c.cfg.PriceIDPro
	case entitlements.PlanEssential:
		return c.cfg.PriceIDEssential
	default:
		return ""
	}
}

// IsPaid implements StatusChecker.
func (c *StripeClient) IsPaid(ctx context.Context, processorTransactionID string) (bool, error) {
	sess, err := c.getSession(processorTransactionID)
	if err != nil {
		return false, fmt.Errorf("get checkout session: %w", err)
	}
	return sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid, nil
}

// StripeAdapter verifies and translates Stripe webhooks. The checkout session
// id is the processor transaction id.
type StripeAdapter struct {
	WebhookSecret string
}

func (a StripeAdapter) Processor() string { return models.ProcessorStripe }

func (a StripeAdapter) SignatureHeader() string { return StripeSignatureHeader }

func (a StripeAdapter) Verify(payload []byte, signature string) error {
	if strings.TrimSpace(a.WebhookSecret) == "" {
		return fmt.Errorf("webhook secret is not configured")
	}
	return webhook.ValidatePayload(payload, signature, a.WebhookSecret)
}

func (a StripeAdapter) Parse(payload []byte) (*Delivery, error) {
	var event stripe.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, apperr.Invalid("malformed stripe payload")
	}
	if event.ID == "" || event.Data == nil {
		return nil, apperr.Invalid("stripe payload has no event id or data")
	}
	d := &Delivery{ID: event.ID, Type: string(event.Type)}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, apperr.Invalid("malformed checkout session")
		}
		if sess.PaymentStatus != stripe.CheckoutSessionPaymentStatusPaid {
			// PIX and boleto sessions complete unpaid and settle later.
			return d, nil
		}
		kind := models.TransactionKindOneTime
		subRef := ""
		if sess.Mode == stripe.CheckoutSessionModeSubscription {
			kind = models.TransactionKindRecurring
			if sess.Subscription != nil {
				subRef = sess.Subscription.ID
			}
		}
		d.Event = &PaymentEvent{
			Type:                   EventPaymentConfirmed,
			Processor:              models.ProcessorStripe,
			ProcessorTransactionID: sess.ID,
			SubscriptionRef:        subRef,
			Kind:                   kind,
			AccountID:              parseAccountRef(firstNonEmpty(sess.ClientReferenceID, sess.Metadata["account_id"])),
			CreditsGranted:         metadataInt(sess.Metadata, "credits"),
		}
	case stripe.EventTypeCustomerSubscriptionDeleted:
		var sub stripe.Subscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil {
			return nil, apperr.Invalid("malformed subscription")
		}
		d.Event = &PaymentEvent{
			Type:            EventSubscriptionCanceled,
			Processor:       models.ProcessorStripe,
			SubscriptionRef: sub.ID,
			Kind:            models.TransactionKindRecurring,
			AccountID:       metadataAccountID(sub.Metadata),
		}
	}
	return d, nil
}

func parseAccountRef(raw string) uint {
	v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0
	}
	return uint(v)
}
