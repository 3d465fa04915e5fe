package models

import "time"

const (
	WebhookOutcomeApplied          = "applied"
	WebhookOutcomeDuplicate        = "duplicate"
	WebhookOutcomeIgnored          = "ignored"
	WebhookOutcomeOrphan           = "orphan"
	WebhookOutcomeInvalidSignature = "invalid_signature"
	WebhookOutcomeError            = "error"
)

// BillingWebhookEvent is the delivery audit log. Deliveries are deduplicated on
// (provider, provider_event_id); crediting itself is guarded by the
// transaction status, not by this table.
type BillingWebhookEvent struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Provider        string     `gorm:"type:varchar(20);not null;index:ux_billing_webhook_events_provider_event,unique,priority:1" json:"provider"`
	ProviderEventID string     `gorm:"type:varchar(191);not null;default:'';index:ux_billing_webhook_events_provider_event,unique,priority:2" json:"provider_event_id"`
	EventType       string     `gorm:"type:varchar(100);not null;index" json:"event_type"`
	PayloadJSON     string     `gorm:"type:text;not null" json:"payload_json"`
	SignatureValid  bool       `gorm:"default:false" json:"signature_valid"`
	Outcome         string     `gorm:"type:varchar(30);not null;default:''" json:"outcome"`
	ProcessedAt     *time.Time `gorm:"default:null" json:"processed_at,omitempty"`
	ProcessingError string     `gorm:"type:text" json:"processing_error"`
	CreatedAt       time.Time  `gorm:"autoCreateTime;index" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
