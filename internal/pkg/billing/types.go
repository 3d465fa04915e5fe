package billing

import (
	"context"

	"github.com/ManuelReschke/PetFox/app/models"
	"github.com/ManuelReschke/PetFox/internal/pkg/entitlements"
)

type EventType string

const (
	EventPaymentConfirmed     EventType = "payment_confirmed"
	EventSubscriptionCanceled EventType = "subscription_canceled"
)

// PaymentEvent is the processor-agnostic form of a webhook delivery. It is
// never persisted. CreditsGranted is informational; the amount credited is
// the one recorded on the transaction at checkout.
type PaymentEvent struct {
	Type                   EventType `json:"type"`
	Processor              string    `json:"processor"`
	ProcessorTransactionID string    `json:"processor_transaction_id"`
	SubscriptionRef        string    `json:"subscription_ref,omitempty"`
	Kind                   string    `json:"kind"`
	AccountID              uint      `json:"account_id,omitempty"`
	CreditsGranted         int       `json:"credits_granted,omitempty"`
}

// Delivery is one parsed webhook request. Event is nil for event types the
// ledger does not care about.
type Delivery struct {
	ID    string
	Type  string
	Event *PaymentEvent
}

// ApplyResult describes what Apply did.
type ApplyResult struct {
	Outcome     string                     `json:"outcome"`
	Transaction *models.PaymentTransaction `json:"transaction,omitempty"`
	AccountID   uint                       `json:"account_id,omitempty"`
	Credited    int                        `json:"credited"`
}

// Adapter isolates everything processor specific: how a delivery is signed
// and how its payload maps onto a PaymentEvent.
type Adapter interface {
	Processor() string
	SignatureHeader() string
	Verify(payload []byte, signature string) error
	Parse(payload []byte) (*Delivery, error)
}

// OutcomeRecorder receives one call per handled delivery.
type OutcomeRecorder interface {
	RecordWebhookOutcome(ctx context.Context, processor, outcome string)
}

type WebhookEventInput struct {
	Provider        string
	ProviderEventID string
	EventType       string
	PayloadJSON     string
	SignatureValid  bool
}

type CheckoutRequest struct {
	AccountID uint   `json:"-"`
	Email     string `json:"-"`
	Name      string `json:"name"`
	Processor string `json:"processor" validate:"required,oneof=stripe abacatepay"`
	PackageID string `json:"package_id" validate:"required"`
	Kind      string `json:"kind" validate:"required"`
}

// CheckoutSession is what a processor hands back when a charge is opened.
type CheckoutSession struct {
	ProcessorTransactionID string
	SubscriptionRef        string
	RedirectURL            string
}

type CheckoutProvider interface {
	Processor() string
	CreateCheckout(ctx context.Context, req CheckoutRequest, pkg entitlements.Package) (*CheckoutSession, error)
}

// StatusChecker is implemented by providers that can be polled for a charge
// whose webhook has not arrived yet.
type StatusChecker interface {
	IsPaid(ctx context.Context, processorTransactionID string) (bool, error)
}

type CheckoutResult struct {
	Transaction *models.PaymentTransaction `json:"transaction"`
	RedirectURL string                     `json:"redirect_url"`
}
