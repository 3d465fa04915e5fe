package billing

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/ManuelReschke/PetFox/app/models"
	"github.com/ManuelReschke/PetFox/internal/pkg/apperr"
)

// IngestResult is returned for every delivery that passed signature checks.
type IngestResult struct {
	DeliveryID string       `json:"delivery_id"`
	EventType  string       `json:"event_type"`
	Outcome    string       `json:"outcome"`
	Apply      *ApplyResult `json:"apply,omitempty"`
}

// Ingest verifies, records and applies one webhook delivery. A delivery that
// fails verification leaves no trace in the database.
func (s *Service) Ingest(ctx context.Context, adapter Adapter, payload []byte, signature string) (*IngestResult, error) {
	processor := adapter.Processor()
	log := s.log.With(zap.String("processor", processor))

	if err := adapter.Verify(payload, signature); err != nil {
		log.Warn("webhook signature rejected", zap.Error(err))
		s.recordOutcome(ctx, processor, models.WebhookOutcomeInvalidSignature)
		return nil, fmt.Errorf("%w: %v", apperr.ErrInvalidSignature, err)
	}

	delivery, err := adapter.Parse(payload)
	if err != nil {
		log.Warn("webhook payload rejected", zap.Error(err))
		s.recordOutcome(ctx, processor, models.WebhookOutcomeError)
		return nil, err
	}

	created, stored, err := s.RecordWebhookEvent(ctx, WebhookEventInput{
		Provider:        processor,
		ProviderEventID: delivery.ID,
		EventType:       delivery.Type,
		PayloadJSON:     string(payload),
		SignatureValid:  true,
	})
	if err != nil {
		s.recordOutcome(ctx, processor, models.WebhookOutcomeError)
		return nil, err
	}

	res := &IngestResult{DeliveryID: stored.ProviderEventID, EventType: delivery.Type}
	log = log.With(zap.String("delivery_id", res.DeliveryID), zap.String("event_type", delivery.Type))

	if !created && isSettledOutcome(stored.Outcome) {
		log.Info("webhook redelivered", zap.String("previous_outcome", stored.Outcome))
		res.Outcome = models.WebhookOutcomeDuplicate
		s.recordOutcome(ctx, processor, res.Outcome)
		return res, nil
	}

	if delivery.Event == nil {
		res.Outcome = models.WebhookOutcomeIgnored
		s.finish(ctx, log, stored.ID, res.Outcome, nil)
		s.recordOutcome(ctx, processor, res.Outcome)
		return res, nil
	}

	applied, err := s.Apply(ctx, *delivery.Event)
	if err != nil {
		outcome := models.WebhookOutcomeError
		if errors.Is(err, apperr.ErrOrphanTransaction) {
			outcome = models.WebhookOutcomeOrphan
		}
		res.Outcome = outcome
		s.finish(ctx, log, stored.ID, outcome, err)
		s.recordOutcome(ctx, processor, outcome)
		return res, err
	}

	res.Apply = applied
	res.Outcome = applied.Outcome
	s.finish(ctx, log, stored.ID, res.Outcome, nil)
	s.recordOutcome(ctx, processor, res.Outcome)
	return res, nil
}

// isSettledOutcome reports whether a recorded delivery needs no further work.
// Orphans and errors are retried when the processor redelivers.
func isSettledOutcome(outcome string) bool {
	switch outcome {
	case models.WebhookOutcomeApplied, models.WebhookOutcomeDuplicate, models.WebhookOutcomeIgnored:
		return true
	default:
		return false
	}
}

func (s *Service) finish(ctx context.Context, log *zap.Logger, id uint, outcome string, processingErr error) {
	if err := s.MarkWebhookProcessed(ctx, id, outcome, processingErr); err != nil {
		log.Error("failed to mark webhook processed", zap.Uint("webhook_event_id", id), zap.Error(err))
	}
}

func (s *Service) recordOutcome(ctx context.Context, processor, outcome string) {
	if s.recorder != nil {
		s.recorder.RecordWebhookOutcome(ctx, processor, outcome)
	}
}
