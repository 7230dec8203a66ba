package service

import (
	"context"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/commission-ledger/internal/models"
	"github.com/ILLUVRSE/commission-ledger/internal/store"
)

// ClearCommission moves a pending commission to CLEARED, making it eligible for payout.
func (s *Service) ClearCommission(ctx context.Context, id uuid.UUID) (models.Commission, error) {
	return s.transitionCommission(ctx, id, models.CommissionStatusCleared, models.EventCommissionCleared)
}

// ReverseCommission moves a pending commission to REVERSED; it never contributes to a payout.
func (s *Service) ReverseCommission(ctx context.Context, id uuid.UUID) (models.Commission, error) {
	return s.transitionCommission(ctx, id, models.CommissionStatusReversed, models.EventCommissionReversed)
}

func (s *Service) transitionCommission(ctx context.Context, id uuid.UUID, to models.CommissionStatus, eventType string) (models.Commission, error) {
	var out models.Commission
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		c, err := tx.TransitionCommission(ctx, id, to, s.timestamp())
		if err != nil {
			return err
		}
		out = c
		return s.appendEvent(ctx, tx, eventType, c.ID.String(), commissionEventPayload(c))
	})
	if err != nil {
		s.log.Debug().Err(err).Str("commission_id", id.String()).Str("target", string(to)).Msg("commission transition refused")
		return models.Commission{}, err
	}
	s.log.Info().
		Str("commission_id", out.ID.String()).
		Str("agent_id", out.AgentID).
		Str("status", string(out.Status)).
		Int64("amount_cents", out.CommissionAmountCents).
		Msg("commission transitioned")
	return out, nil
}

func (s *Service) GetCommission(ctx context.Context, id uuid.UUID) (models.Commission, error) {
	return s.store.GetCommission(ctx, id)
}

func (s *Service) ListCommissions(ctx context.Context, f store.CommissionFilter) ([]models.Commission, error) {
	return s.store.ListCommissions(ctx, f)
}
