package billing

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/PetFox/app/models"
)

// Repository provides DB operations used by the billing service. Status
// transitions are compare-and-swap updates on the current status.
type Repository interface {
	CreateTransaction(t *models.PaymentTransaction) error
	FindTransaction(processor, processorTransactionID string) (*models.PaymentTransaction, error)
	FindTransactionBySubscription(processor, subscriptionRef string) (*models.PaymentTransaction, error)
	MarkTransactionPaid(id uint, fromStatus string, paidAt time.Time, subscriptionRef string) (bool, error)
	MarkTransactionCanceled(id uint, canceledAt time.Time) (bool, error)
	SetAccountPlanTier(accountID uint, tier string) error
	AccountExists(accountID uint) (bool, error)
	CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	MarkWebhookProcessed(id uint, outcome, processingError string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) CreateTransaction(t *models.PaymentTransaction) error {
	return r.db.Create(t).Error
}

func (r *gormRepository) FindTransaction(processor, processorTransactionID string) (*models.PaymentTransaction, error) {
	var t models.PaymentTransaction
	err := r.db.Where("processor = ? AND processor_transaction_id = ?", processor, processorTransactionID).Take(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *gormRepository) FindTransactionBySubscription(processor, subscriptionRef string) (*models.PaymentTransaction, error) {
	var t models.PaymentTransaction
	err := r.db.Where("processor = ? AND processor_subscription_id = ?", processor, subscriptionRef).
		Order("id DESC").
		Take(&t).Error
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func (r *gormRepository) MarkTransactionPaid(id uint, fromStatus string, paidAt time.Time, subscriptionRef string) (bool, error) {
	updates := map[string]interface{}{
		"status":      models.TransactionStatusPaid,
		"paid_at":     paidAt,
		"canceled_at": nil,
		"updated_at":  paidAt,
	}
	if subscriptionRef != "" {
		updates["processor_subscription_id"] = subscriptionRef
	}
	res := r.db.Model(&models.PaymentTransaction{}).
		Where("id = ? AND status = ?", id, fromStatus).
		UpdateColumns(updates)
	return res.RowsAffected == 1, res.Error
}

func (r *gormRepository) MarkTransactionCanceled(id uint, canceledAt time.Time) (bool, error) {
	res := r.db.Model(&models.PaymentTransaction{}).
		Where("id = ? AND status = ? AND kind = ?", id, models.TransactionStatusPaid, models.TransactionKindRecurring).
		UpdateColumns(map[string]interface{}{
			"status":      models.TransactionStatusCanceled,
			"canceled_at": canceledAt,
			"updated_at":  canceledAt,
		})
	return res.RowsAffected == 1, res.Error
}

func (r *gormRepository) SetAccountPlanTier(accountID uint, tier string) error {
	return r.db.Model(&models.Account{}).
		Where("id = ?", accountID).
		UpdateColumn("plan_tier", tier).Error
}

func (r *gormRepository) AccountExists(accountID uint) (bool, error) {
	var n int64
	if err := r.db.Model(&models.Account{}).Where("id = ?", accountID).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r *gormRepository) CreateWebhookEventIfNotExists(event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	tx := r.db.Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}
	if tx.RowsAffected > 0 {
		return true, event, nil
	}

	var existing models.BillingWebhookEvent
	if err := r.db.Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&existing).Error; err != nil {
		return false, nil, err
	}
	return false, &existing, nil
}

func (r *gormRepository) MarkWebhookProcessed(id uint, outcome, processingError string) error {
	now := time.Now().UTC()
	return r.db.Model(&models.BillingWebhookEvent{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"processed_at":     &now,
			"outcome":          outcome,
			"processing_error": processingError,
		}).Error
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
