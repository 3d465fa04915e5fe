// Package generation runs paid image generations: authorize and debit, call
// the provider per source image, store the results and record them.
package generation

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/PetFox/app/models"
	"github.com/ManuelReschke/PetFox/internal/pkg/apperr"
	"github.com/ManuelReschke/PetFox/internal/pkg/ledger"
	"github.com/ManuelReschke/PetFox/internal/pkg/logging"
	"github.com/ManuelReschke/PetFox/internal/pkg/storage"
	"github.com/ManuelReschke/PetFox/internal/pkg/usage"
)

const (
	defaultParallelism = 4
	defaultListLimit   = 20
	maxListLimit       = 100
)

var validate = validator.New()

type Request struct {
	Theme          string   `json:"theme" validate:"required,max=100"`
	SourceRefs     []string `json:"source_refs" validate:"required,min=1,max=10,dive,required,max=1024"`
	IdempotencyKey string   `json:"idempotency_key" validate:"max=191"`
}

type UnitResult struct {
	Unit         int    `json:"unit"`
	Success      bool   `json:"success"`
	ResultRef    string `json:"result_ref,omitempty"`
	GenerationID uint   `json:"generation_id,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Result reports every unit of the request, including units produced by an
// earlier attempt with the same ticket.
type Result struct {
	Granted   bool         `json:"granted"`
	Remaining int          `json:"remaining"`
	TicketID  string       `json:"ticket_id,omitempty"`
	Replayed  bool         `json:"replayed"`
	Units     []UnitResult `json:"units,omitempty"`
	Refunded  int          `json:"refunded"`
}

// Succeeded counts the units that have a stored result.
func (r *Result) Succeeded() int {
	n := 0
	for _, u := range r.Units {
		if u.Success {
			n++
		}
	}
	return n
}

type Service struct {
	db            *gorm.DB
	gate          *usage.Gate
	ledger        *ledger.Ledger
	generator     Generator
	store         storage.ResultStore
	log           *zap.Logger
	refundPartial bool
	parallelism   int
}

type Option func(*Service)

// WithPartialRefunds also refunds the failed units of a batch that partly
// succeeded. Total failures are always refunded.
func WithPartialRefunds(enabled bool) Option {
	return func(s *Service) { s.refundPartial = enabled }
}

func WithParallelism(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.parallelism = n
		}
	}
}

func NewService(db *gorm.DB, gate *usage.Gate, l *ledger.Ledger, gen Generator, store storage.ResultStore, log *zap.Logger, opts ...Option) *Service {
	s := &Service{
		db:          db,
		gate:        gate,
		ledger:      l,
		generator:   gen,
		store:       store,
		log:         logging.OrNop(log).Named("generation"),
		parallelism: defaultParallelism,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run debits one credit per source image before calling the provider. A
// denied request returns Granted=false with the current balance and no error.
func (s *Service) Run(ctx context.Context, accountID uint, req Request) (*Result, error) {
	req.Theme = strings.TrimSpace(req.Theme)
	if err := validate.Struct(req); err != nil {
		return nil, apperr.Invalid(err.Error())
	}
	units := len(req.SourceRefs)

	decision, err := s.gate.AuthorizeAndDebit(ctx, accountID, units, req.IdempotencyKey)
	if err != nil {
		return nil, err
	}
	if !decision.Granted {
		return &Result{Granted: false, Remaining: decision.Remaining}, nil
	}
	ticket := decision.Ticket
	if ticket.Units != units {
		return nil, apperr.Invalid(fmt.Sprintf("idempotency key was issued for %d units", ticket.Units))
	}

	res := &Result{
		Granted:   true,
		Remaining: decision.Remaining,
		TicketID:  ticket.ID,
		Replayed:  decision.Replayed,
		Units:     make([]UnitResult, units),
	}
	log := s.log.With(zap.Uint("account_id", accountID), zap.String("ticket_id", ticket.ID))

	existing, err := s.generationsForTicket(ctx, ticket.ID)
	if err != nil {
		return nil, err
	}
	budget := ticket.Units - ticket.RefundedUnits - len(existing)
	var pending []int
	for i := range req.SourceRefs {
		res.Units[i].Unit = i
		if g, ok := existing[i]; ok {
			res.Units[i].Success = true
			res.Units[i].ResultRef = g.ResultRef
			res.Units[i].GenerationID = g.ID
			continue
		}
		if budget <= 0 {
			res.Units[i].Error = "refunded"
			continue
		}
		budget--
		pending = append(pending, i)
	}

	s.produce(ctx, accountID, ticket, req, pending, res)

	failed := 0
	for _, i := range pending {
		if !res.Units[i].Success {
			failed++
		}
	}
	refund := 0
	switch {
	case failed == 0:
	case res.Succeeded() == 0:
		refund = failed
	case s.refundPartial:
		refund = failed
	}
	if refund > 0 && !ticket.Unlimited {
		remaining, err := s.gate.Refund(ctx, accountID, ticket.ID, refund)
		if err != nil {
			log.Error("refund failed", zap.Int("units", refund), zap.Error(err))
		} else {
			res.Refunded = refund
			res.Remaining = remaining
		}
	}

	log.Info("generation finished",
		zap.Int("units", units),
		zap.Int("succeeded", res.Succeeded()),
		zap.Int("failed", failed),
		zap.Int("refunded", res.Refunded),
		zap.Bool("replayed", res.Replayed),
	)
	return res, nil
}

func (s *Service) produce(ctx context.Context, accountID uint, ticket *models.DebitTicket, req Request, pending []int, res *Result) {
	var (
		g  errgroup.Group
		mu sync.Mutex
	)
	g.SetLimit(s.parallelism)
	for _, i := range pending {
		i := i
		g.Go(func() error {
			out := s.produceUnit(ctx, accountID, ticket, req.Theme, req.SourceRefs[i], i)
			mu.Lock()
			res.Units[i] = out
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
}

func (s *Service) produceUnit(ctx context.Context, accountID uint, ticket *models.DebitTicket, theme, sourceRef string, unit int) UnitResult {
	out := UnitResult{Unit: unit}
	log := s.log.With(zap.String("ticket_id", ticket.ID), zap.Int("unit", unit))

	img, err := s.generator.Generate(ctx, theme, sourceRef)
	if err != nil {
		log.Warn("provider call failed", zap.Error(err))
		out.Error = "generation_failed"
		return out
	}
	if len(img.Data) == 0 {
		out.Error = "generation_failed"
		return out
	}

	key := storage.ObjectKey(ticket.ID, unit, storage.ExtensionFor(img.ContentType), s.ledger.Now())
	ref, err := s.store.Put(ctx, key, img.ContentType, img.Data)
	if err != nil {
		log.Error("storing result failed", zap.Error(err))
		out.Error = "storage_failed"
		return out
	}

	gen := &models.Generation{
		AccountID: accountID,
		TicketID:  ticket.ID,
		Unit:      unit,
		Theme:     theme,
		SourceRef: sourceRef,
		ResultRef: ref,
	}
	tx := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(gen)
	if tx.Error != nil {
		log.Error("recording generation failed", zap.Error(tx.Error))
		out.Error = "record_failed"
		return out
	}
	if tx.RowsAffected == 0 {
		// A concurrent retry of the same ticket recorded this unit first.
		if err := s.db.WithContext(ctx).Where("ticket_id = ? AND unit = ?", ticket.ID, unit).Take(gen).Error; err != nil {
			out.Error = "record_failed"
			return out
		}
	}

	out.Success = true
	out.ResultRef = gen.ResultRef
	out.GenerationID = gen.ID
	return out
}

func (s *Service) generationsForTicket(ctx context.Context, ticketID string) (map[int]models.Generation, error) {
	var rows []models.Generation
	if err := s.db.WithContext(ctx).Where("ticket_id = ?", ticketID).Find(&rows).Error; err != nil {
		return nil, apperr.Store("load generations", err)
	}
	out := make(map[int]models.Generation, len(rows))
	for _, r := range rows {
		out[r.Unit] = r
	}
	return out, nil
}

// List returns the account's most recent generations, newest first.
func (s *Service) List(ctx context.Context, accountID uint, limit int) ([]models.Generation, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	var rows []models.Generation
	err := s.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("created_at DESC").Order("id DESC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, apperr.Store("list generations", err)
	}
	return rows, nil
}
