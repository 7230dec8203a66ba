package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/ILLUVRSE/commission-ledger/internal/models"
	"github.com/ILLUVRSE/commission-ledger/internal/store"
)

const (
	maxIBANLen        = 34
	maxAccountNameLen = 200
	maxPayoutNoteLen  = 500
)

// payoutEdges lists the allowed payout transitions.
var payoutEdges = map[models.PayoutStatus][]models.PayoutStatus{
	models.PayoutStatusRequested: {models.PayoutStatusApproved, models.PayoutStatusRejected},
	models.PayoutStatusApproved:  {models.PayoutStatusPaid},
}

func canAdvance(from, to models.PayoutStatus) bool {
	for _, next := range payoutEdges[from] {
		if next == to {
			return true
		}
	}
	return false
}

type PayoutRequest struct {
	AgentID string
	Bank    models.BankDetails
	Note    string
}

// RequestPayout bundles every CLEARED commission of the agent that is not yet linked to an
// unreleased payout into one REQUESTED payout. The computation runs under a per-agent lock so
// concurrent requests never consume the same commission.
func (s *Service) RequestPayout(ctx context.Context, req PayoutRequest) (models.Payout, error) {
	agentID := strings.TrimSpace(req.AgentID)
	if agentID == "" {
		return models.Payout{}, fmt.Errorf("%w: agent id required", models.ErrForbidden)
	}
	bank, err := normalizeBankDetails(req.Bank)
	if err != nil {
		return models.Payout{}, err
	}
	note := strings.TrimSpace(req.Note)
	if len(note) > maxPayoutNoteLen {
		note = note[:maxPayoutNoteLen]
	}

	var payout models.Payout
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		if err := tx.LockAgentLedger(ctx, agentID); err != nil {
			return err
		}
		available, err := tx.ListAvailableCommissions(ctx, agentID)
		if err != nil {
			return err
		}
		var (
			total int64
			ids   = make([]uuid.UUID, 0, len(available))
		)
		for _, c := range available {
			total += c.CommissionAmountCents
			ids = append(ids, c.ID)
		}
		if total <= 0 {
			return models.ErrNoFundsAvailable
		}

		now := s.timestamp()
		payout = models.Payout{
			ID:            uuid.New(),
			AgentID:       agentID,
			AmountCents:   total,
			Status:        models.PayoutStatusRequested,
			Bank:          bank,
			Note:          note,
			CommissionIDs: ids,
			RequestedAt:   now,
		}
		if err := tx.InsertPayout(ctx, payout); err != nil {
			return err
		}
		if err := tx.LinkPayoutCommissions(ctx, payout.ID, ids, now); err != nil {
			return err
		}
		return s.appendEvent(ctx, tx, models.EventPayoutRequested, payout.ID.String(), map[string]interface{}{
			"payoutId":      payout.ID,
			"agentId":       agentID,
			"amountCents":   total,
			"commissionIds": ids,
		})
	})
	if err != nil {
		return models.Payout{}, err
	}
	s.log.Info().
		Str("payout_id", payout.ID.String()).
		Str("agent_id", agentID).
		Int64("amount_cents", payout.AmountCents).
		Int("commissions", len(payout.CommissionIDs)).
		Msg("payout requested")
	return payout, nil
}

// AdvancePayout moves a payout along REQUESTED -> APPROVED -> PAID or REQUESTED -> REJECTED.
// Asking for the status the payout already has is a no-op.
func (s *Service) AdvancePayout(ctx context.Context, id uuid.UUID, target models.PayoutStatus) (models.Payout, error) {
	var (
		out     models.Payout
		changed bool
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		p, err := tx.GetPayoutForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if p.Status == target {
			out = p
			return nil
		}
		if !canAdvance(p.Status, target) {
			return fmt.Errorf("%w: payout %s cannot go from %s to %s", models.ErrInvalidStateTransition, id, p.Status, target)
		}

		now := s.timestamp()
		if err := tx.UpdatePayoutStatus(ctx, id, p.Status, target, now); err != nil {
			return err
		}
		from := p.Status
		p.Status = target
		switch target {
		case models.PayoutStatusApproved:
			p.ApprovedAt = &now
		case models.PayoutStatusPaid:
			p.PaidAt = &now
		case models.PayoutStatusRejected:
			p.RejectedAt = &now
		}
		out = p
		changed = true
		return s.appendEvent(ctx, tx, payoutEventType(target), p.ID.String(), map[string]interface{}{
			"payoutId":    p.ID,
			"agentId":     p.AgentID,
			"amountCents": p.AmountCents,
			"from":        from,
			"to":          target,
		})
	})
	if err != nil {
		return models.Payout{}, err
	}
	if changed {
		s.log.Info().Str("payout_id", id.String()).Str("status", string(out.Status)).Msg("payout advanced")
	}
	return out, nil
}

// ReleasePayout returns the commissions of a REJECTED payout to the available pool.
// Releasing twice is a no-op.
func (s *Service) ReleasePayout(ctx context.Context, id uuid.UUID) (models.Payout, error) {
	var (
		out      models.Payout
		released int
	)
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		p, err := tx.GetPayoutForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if p.Status != models.PayoutStatusRejected {
			return fmt.Errorf("%w: only REJECTED payouts can be released, payout %s is %s", models.ErrInvalidStateTransition, id, p.Status)
		}
		if p.ReleasedAt != nil {
			out = p
			return nil
		}
		now := s.timestamp()
		released, err = tx.ReleasePayoutCommissions(ctx, id, now)
		if err != nil {
			return err
		}
		p.ReleasedAt = &now
		out = p
		return s.appendEvent(ctx, tx, models.EventPayoutReleased, p.ID.String(), map[string]interface{}{
			"payoutId":      p.ID,
			"agentId":       p.AgentID,
			"commissionIds": p.CommissionIDs,
			"released":      released,
		})
	})
	if err != nil {
		return models.Payout{}, err
	}
	s.log.Info().Str("payout_id", id.String()).Int("released", released).Msg("payout commissions released")
	return out, nil
}

func (s *Service) GetPayout(ctx context.Context, id uuid.UUID) (models.Payout, error) {
	return s.store.GetPayout(ctx, id)
}

// ListPendingPayouts returns REQUESTED and APPROVED payouts, oldest first.
func (s *Service) ListPendingPayouts(ctx context.Context, limit int) ([]models.Payout, error) {
	return s.store.ListPayouts(ctx, store.PayoutFilter{
		Statuses:    []models.PayoutStatus{models.PayoutStatusRequested, models.PayoutStatusApproved},
		OldestFirst: true,
		Limit:       limit,
	})
}

func (s *Service) ListAgentPayouts(ctx context.Context, agentID string, limit int) ([]models.Payout, error) {
	return s.store.ListPayouts(ctx, store.PayoutFilter{AgentID: agentID, Limit: limit})
}

func payoutEventType(status models.PayoutStatus) string {
	switch status {
	case models.PayoutStatusApproved:
		return models.EventPayoutApproved
	case models.PayoutStatusPaid:
		return models.EventPayoutPaid
	case models.PayoutStatusRejected:
		return models.EventPayoutRejected
	}
	return models.EventPayoutRequested
}

func normalizeBankDetails(b models.BankDetails) (models.BankDetails, error) {
	iban := strings.ToUpper(strings.Join(strings.Fields(b.IBAN), ""))
	name := strings.TrimSpace(b.AccountName)
	if iban == "" || name == "" {
		return models.BankDetails{}, fmt.Errorf("%w: iban and account name are required", models.ErrInvalidBankDetails)
	}
	if len(iban) > maxIBANLen {
		return models.BankDetails{}, fmt.Errorf("%w: iban longer than %d", models.ErrInvalidBankDetails, maxIBANLen)
	}
	for _, r := range iban {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') {
			return models.BankDetails{}, fmt.Errorf("%w: iban must be alphanumeric", models.ErrInvalidBankDetails)
		}
	}
	if len(name) > maxAccountNameLen {
		return models.BankDetails{}, fmt.Errorf("%w: account name longer than %d", models.ErrInvalidBankDetails, maxAccountNameLen)
	}
	return models.BankDetails{IBAN: iban, AccountName: name}, nil
}
