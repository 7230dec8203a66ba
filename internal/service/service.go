// Package service implements the referral attribution, commission and payout ledger on top of
// a store.Store. Every mutation runs in one store transaction together with its outbox event.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/ILLUVRSE/commission-ledger/internal/attribution"
	"github.com/ILLUVRSE/commission-ledger/internal/models"
	"github.com/ILLUVRSE/commission-ledger/internal/store"
)

// MarkerIssuer issues and validates attribution markers.
type MarkerIssuer interface {
	Issue(agentID string) (attribution.Marker, error)
	Resolve(token string) (attribution.Marker, error)
}

type Service struct {
	store   store.Store
	markers MarkerIssuer
	log     zerolog.Logger
	now     func() time.Time
}

type Option func(*Service)

// WithClock overrides the time source used for ledger timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func New(st store.Store, markers MarkerIssuer, log zerolog.Logger, opts ...Option) *Service {
	s := &Service{
		store:   st,
		markers: markers,
		log:     log.With().Str("component", "ledger").Logger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) timestamp() time.Time {
	return s.now().UTC()
}

// appendEvent writes an outbox row in the caller's transaction.
func (s *Service) appendEvent(ctx context.Context, tx store.Tx, eventType, aggregateID string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return tx.AppendEvent(ctx, models.LedgerEvent{
		ID:          uuid.New(),
		EventType:   eventType,
		AggregateID: aggregateID,
		Payload:     raw,
		CreatedAt:   s.timestamp(),
	})
}

type rateReader interface {
	GetDefaultRate(ctx context.Context) (decimal.Decimal, error)
}

// defaultRate returns the configured global rate, or the built-in default when no setting row exists.
func defaultRate(ctx context.Context, r rateReader) (decimal.Decimal, error) {
	rate, err := r.GetDefaultRate(ctx)
	if errors.Is(err, models.ErrNotFound) {
		return models.DefaultCommissionRate, nil
	}
	return rate, err
}
