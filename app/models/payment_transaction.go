package models

import "time"

const (
	ProcessorStripe       = "stripe"
	ProcessorAbacatePay   = "abacatepay"
	ProcessorProvisioning = "provisioning"
)

const (
	TransactionKindOneTime   = "one_time"
	TransactionKindRecurring = "recurring"
)

const (
	TransactionStatusPending  = "pending"
	TransactionStatusPaid     = "paid"
	TransactionStatusCanceled = "canceled"
)

// PaymentTransaction is created when a checkout starts. The composite unique
// key on (processor, processor_transaction_id) is what makes webhook
// redelivery idempotent.
type PaymentTransaction struct {
	ID                      uint       `gorm:"primaryKey" json:"id"`
	AccountID               uint       `gorm:"not null;index" json:"account_id"`
	Processor               string     `gorm:"type:varchar(20);not null;index:ux_payment_transactions_processor_tx,unique,priority:1" json:"processor"`
	ProcessorTransactionID  string     `gorm:"type:varchar(191);not null;index:ux_payment_transactions_processor_tx,unique,priority:2" json:"processor_transaction_id"`
	ProcessorSubscriptionID string     `gorm:"type:varchar(191);not null;default:'';index" json:"processor_subscription_id,omitempty"`
	PackageID               string     `gorm:"type:varchar(50);not null;default:''" json:"package_id"`
	Kind                    string     `gorm:"type:varchar(20);not null" json:"kind"`
	PlanTier                string     `gorm:"type:varchar(20);not null;default:'free'" json:"plan_tier"`
	CreditsGranted          int        `gorm:"not null" json:"credits_granted"`
	AmountCents             int64      `gorm:"not null;default:0" json:"amount_cents"`
	Currency                string     `gorm:"type:varchar(3);not null;default:'BRL'" json:"currency"`
	Status                  string     `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	PaidAt                  *time.Time `gorm:"default:null" json:"paid_at,omitempty"`
	CanceledAt              *time.Time `gorm:"default:null" json:"canceled_at,omitempty"`
	CreatedAt               time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt               time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (t *PaymentTransaction) IsRecurring() bool {
	return t.Kind == TransactionKindRecurring
}
