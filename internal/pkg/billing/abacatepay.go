package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ManuelReschke/PetFox/app/models"
	"github.com/ManuelReschke/PetFox/internal/pkg/apperr"
	"github.com/ManuelReschke/PetFox/internal/pkg/entitlements"
)

const (
	DefaultAbacatePayBaseURL   = "https://api.abacatepay.com/v1"
	AbacatePaySignatureHeader  = "X-Abacate-Signature"
	abacatePayEventBillingPaid = "BILLING_PAID"
	abacatePayEventSubPaid     = "SUBSCRIPTION_PAID"
	abacatePayEventSubCanceled = "SUBSCRIPTION_CANCELED"
)

type AbacatePayConfig struct {
	APIKey        string
	WebhookSecret string
	BaseURL       string
	ReturnURL     string
	CompletionURL string
}

// AbacatePayClient talks to the AbacatePay REST API. PIX charges are one-time
// billings; card subscriptions are monthly.
type AbacatePayClient struct {
	APIKey        string
	BaseURL       string
	ReturnURL     string
	CompletionURL string

	HTTPClient *http.Client
}

func NewAbacatePayClient(cfg AbacatePayConfig) *AbacatePayClient {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultAbacatePayBaseURL
	}
	return &AbacatePayClient{
		APIKey:        strings.TrimSpace(cfg.APIKey),
		BaseURL:       base,
		ReturnURL:     cfg.ReturnURL,
		CompletionURL: cfg.CompletionURL,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type abacatePayCustomer struct {
	Name  string `json:"name"`
	Email string `json:"email"`
}

type abacatePayProduct struct {
	ExternalID string `json:"externalId"`
	Name       string `json:"name"`
	Quantity   int    `json:"quantity"`
	Price      int64  `json:"price"`
}

type abacatePayPlan struct {
	Name      string `json:"name"`
	Price     int64  `json:"price"`
	Frequency string `json:"frequency"`
}

type abacatePayCreateRequest struct {
	Frequency     string              `json:"frequency,omitempty"`
	Methods       []string            `json:"methods,omitempty"`
	Customer      abacatePayCustomer  `json:"customer"`
	Products      []abacatePayProduct `json:"products,omitempty"`
	Plan          *abacatePayPlan     `json:"plan,omitempty"`
	Metadata      map[string]string   `json:"metadata"`
	ReturnURL     string              `json:"returnUrl,omitempty"`
	CompletionURL string              `json:"completionUrl,omitempty"`
}

// AbacatePayBilling is the subset of a billing or subscription object the
// ledger needs.
type AbacatePayBilling struct {
	ID          string            `json:"id"`
	URL         string            `json:"url"`
	CheckoutURL string            `json:"checkoutUrl"`
	Status      string            `json:"status"`
	PaidAt      string            `json:"paidAt"`
	Metadata    map[string]string `json:"metadata"`
}

type abacatePayEnvelope struct {
	Data  json.RawMessage `json:"data"`
	Error json.RawMessage `json:"error"`
}

// Processor implements CheckoutProvider.
func (c *AbacatePayClient) Processor() string { return models.ProcessorAbacatePay }

func (c *AbacatePayClient) CreateCheckout(ctx context.Context, req CheckoutRequest, pkg entitlements.Package) (*CheckoutSession, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		name = "Cliente"
	}
	body := abacatePayCreateRequest{
		Customer: abacatePayCustomer{Name: name, Email: req.Email},
		Metadata: map[string]string{
			"account_id": strconv.FormatUint(uint64(req.AccountID), 10),
			"package_id": pkg.ID,
			"kind":       pkg.Kind,
			"credits":    strconv.Itoa(pkg.Credits),
		},
		ReturnURL:     c.ReturnURL,
		CompletionURL: c.CompletionURL,
	}

	path := "/billing/create"
	if pkg.Kind == models.TransactionKindRecurring {
		path = "/subscription/create"
		body.Plan = &abacatePayPlan{Name: pkg.Name, Price: pkg.AmountCents, Frequency: "MONTHLY"}
	} else {
		body.Frequency = "ONE_TIME"
		body.Methods = []string{"PIX"}
		body.Products = []abacatePayProduct{{ExternalID: pkg.ID, Name: pkg.Name, Quantity: 1, Price: pkg.AmountCents}}
	}

	var billing AbacatePayBilling
	if err := c.do(ctx, http.MethodPost, path, body, &billing); err != nil {
		return nil, err
	}
	session := &CheckoutSession{
		ProcessorTransactionID: billing.ID,
		RedirectURL:            firstNonEmpty(billing.CheckoutURL, billing.URL),
	}
	if pkg.Kind == models.TransactionKindRecurring {
		session.SubscriptionRef = billing.ID
	}
	return session, nil
}

// GetBilling fetches the current state of a charge.
func (c *AbacatePayClient) GetBilling(ctx context.Context, id string) (*AbacatePayBilling, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("billing id is required")
	}
	var billing AbacatePayBilling
	if err := c.do(ctx, http.MethodGet, "/billing/get?id="+url.QueryEscape(id), nil, &billing); err != nil {
		return nil, err
	}
	return &billing, nil
}

// IsPaid implements StatusChecker.
func (c *AbacatePayClient) IsPaid(ctx context.Context, processorTransactionID string) (bool, error) {
	billing, err := c.GetBilling(ctx, processorTransactionID)
	if err != nil {
		return false, err
	}
	return strings.EqualFold(billing.Status, "PAID"), nil
}

func (c *AbacatePayClient) do(ctx context.Context, method, path string, in, out interface{}) error {
	if c.APIKey == "" {
		return errors.New("ABACATEPAY_API_KEY is not configured")
	}
	var reader io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("abacatepay %s %s failed: status=%d body=%s", method, path, resp.StatusCode, string(body))
	}

	var env abacatePayEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("abacatepay %s: %w", path, err)
	}
	if len(env.Error) > 0 && string(env.Error) != "null" {
		return fmt.Errorf("abacatepay %s: %s", path, string(env.Error))
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return fmt.Errorf("abacatepay %s: empty response", path)
	}
	return json.Unmarshal(env.Data, out)
}

// AbacatePayAdapter verifies and translates AbacatePay webhooks.
type AbacatePayAdapter struct {
	WebhookSecret string
}

type abacatePayWebhook struct {
	ID    string `json:"id"`
	Event string `json:"event"`
	Data  struct {
		ID       string            `json:"id"`
		Metadata map[string]string `json:"metadata"`
		Billing  *struct {
			ID       string            `json:"id"`
			Metadata map[string]string `json:"metadata"`
		} `json:"billing"`
	} `json:"data"`
}

func (a AbacatePayAdapter) Processor() string { return models.ProcessorAbacatePay }

func (a AbacatePayAdapter) SignatureHeader() string { return AbacatePaySignatureHeader }

func (a AbacatePayAdapter) Verify(payload []byte, signature string) error {
	if strings.TrimSpace(a.WebhookSecret) == "" {
		return errors.New("webhook secret is not configured")
	}
	if !VerifyAbacatePayWebhookSignature(payload, signature, a.WebhookSecret) {
		return errors.New("signature mismatch")
	}
	return nil
}

func (a AbacatePayAdapter) Parse(payload []byte) (*Delivery, error) {
	var wh abacatePayWebhook
	if err := json.Unmarshal(payload, &wh); err != nil {
		return nil, apperr.Invalid("malformed abacatepay payload")
	}
	event := strings.ToUpper(strings.TrimSpace(wh.Event))
	if event == "" {
		return nil, apperr.Invalid("abacatepay payload has no event")
	}

	txID := strings.TrimSpace(wh.Data.ID)
	metadata := wh.Data.Metadata
	if wh.Data.Billing != nil {
		txID = firstNonEmpty(wh.Data.Billing.ID, txID)
		if metadata == nil {
			metadata = wh.Data.Billing.Metadata
		}
	}

	d := &Delivery{ID: strings.TrimSpace(wh.ID), Type: event}
	if d.ID == "" && txID != "" {
		d.ID = event + ":" + txID
	}

	switch event {
	case abacatePayEventBillingPaid, abacatePayEventSubPaid:
		if txID == "" {
			return nil, apperr.Invalid("abacatepay payment has no billing id")
		}
		kind := models.TransactionKindOneTime
		if event == abacatePayEventSubPaid {
			kind = models.TransactionKindRecurring
		}
		d.Event = &PaymentEvent{
			Type:                   EventPaymentConfirmed,
			Processor:              models.ProcessorAbacatePay,
			ProcessorTransactionID: txID,
			Kind:                   kind,
			AccountID:              metadataAccountID(metadata),
			CreditsGranted:         metadataInt(metadata, "credits"),
		}
		if kind == models.TransactionKindRecurring {
			d.Event.SubscriptionRef = txID
		}
	case abacatePayEventSubCanceled:
		if txID == "" {
			return nil, apperr.Invalid("abacatepay cancellation has no subscription id")
		}
		d.Event = &PaymentEvent{
			Type:                   EventSubscriptionCanceled,
			Processor:              models.ProcessorAbacatePay,
			ProcessorTransactionID: txID,
			SubscriptionRef:        txID,
			Kind:                   models.TransactionKindRecurring,
			AccountID:              metadataAccountID(metadata),
		}
	}
	return d, nil
}

func metadataAccountID(metadata map[string]string) uint {
	return uint(metadataInt(metadata, "account_id"))
}

func metadataInt(metadata map[string]string, key string) int {
	raw := strings.TrimSpace(metadata[key])
	if raw == "" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0
	}
	return v
}
