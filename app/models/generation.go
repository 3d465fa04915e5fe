package models

import "time"

// Generation is append-only: one row per stylized image delivered. A ticket
// produces at most one row per unit, which lets a retried request fill in
// only the units that are still missing.
type Generation struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	AccountID uint      `gorm:"not null;index:idx_generations_account_created,priority:1" json:"account_id"`
	TicketID  string    `gorm:"type:varchar(36);not null;index:ux_generations_ticket_unit,unique,priority:1" json:"ticket_id"`
	Unit      int       `gorm:"not null;default:0;index:ux_generations_ticket_unit,unique,priority:2" json:"unit"`
	Theme     string    `gorm:"type:varchar(100);not null" json:"theme"`
	SourceRef string    `gorm:"type:varchar(1024);not null;default:''" json:"source_ref"`
	ResultRef string    `gorm:"type:varchar(1024);not null" json:"result_ref"`
	CreatedAt time.Time `gorm:"autoCreateTime;index:idx_generations_account_created,priority:2" json:"created_at"`
}
