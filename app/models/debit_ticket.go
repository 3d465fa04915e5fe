package models

import "time"

// DebitTicket records a granted debit. Clients resend the idempotency key on
// retry; the unique (account_id, idempotency_key) pair turns the replay into a
// lookup instead of a second debit.
type DebitTicket struct {
	ID             string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	AccountID      uint      `gorm:"not null;index:ux_debit_tickets_account_key,unique,priority:1" json:"account_id"`
	IdempotencyKey string    `gorm:"type:varchar(191);not null;index:ux_debit_tickets_account_key,unique,priority:2" json:"idempotency_key"`
	Units          int       `gorm:"not null" json:"units"`
	RefundedUnits  int       `gorm:"not null;default:0" json:"refunded_units"`
	Unlimited      bool      `gorm:"not null;default:false" json:"unlimited"`
	CreatedAt      time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt      time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// RefundableUnits is what is left after earlier refunds.
func (t *DebitTicket) RefundableUnits() int {
	if t.Unlimited {
		return 0
	}
	return t.Units - t.RefundedUnits
}
