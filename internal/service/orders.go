package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ILLUVRSE/commission-ledger/internal/commission"
	"github.com/ILLUVRSE/commission-ledger/internal/models"
	"github.com/ILLUVRSE/commission-ledger/internal/store"
)

// Attribution notes stored on orders that carried a referral but earned no commission.
const (
	NoteMarkerExpired = "marker_expired"
	NoteMarkerInvalid = "marker_invalid"
	NoteAgentUnknown  = "agent_unknown"
	NoteAgentInactive = "agent_inactive"
	NoteInvalidRate   = "invalid_rate"
)

const (
	maxExternalIDLen  = 128
	maxCustomerRefLen = 256
)

type CreateOrderInput struct {
	// ExternalID is the caller's idempotency key; one is generated when empty.
	ExternalID  string
	AmountCents int64
	CustomerRef *string
	Marker      string
}

type CreateOrderResult struct {
	Order      models.Order
	Commission *models.Commission
}

// CreateOrder records a paid order and, when it is attributed to an active agent, its
// PENDING_CLEARANCE commission in the same transaction.
func (s *Service) CreateOrder(ctx context.Context, in CreateOrderInput) (CreateOrderResult, error) {
	if err := commission.ValidateCents(in.AmountCents); err != nil {
		return CreateOrderResult{}, err
	}
	externalID, err := normalizeExternalID(in.ExternalID)
	if err != nil {
		return CreateOrderResult{}, err
	}
	customerRef, err := normalizeCustomerRef(in.CustomerRef)
	if err != nil {
		return CreateOrderResult{}, err
	}

	candidate, note := s.resolveMarker(in.Marker)
	now := s.timestamp()
	order := models.Order{
		ID:               uuid.New(),
		ExternalID:       externalID,
		TotalAmountCents: in.AmountCents,
		CustomerRef:      customerRef,
		Status:           models.OrderStatusPaid,
		AttributionNote:  note,
		CreatedAt:        now,
	}

	var result CreateOrderResult
	err = s.store.InTx(ctx, func(tx store.Tx) error {
		order.AgentID = nil
		order.AttributionNote = note
		var comm *models.Commission

		if candidate != "" {
			c, anomalyNote, err := s.buildCommission(ctx, tx, candidate, order)
			if err != nil {
				return err
			}
			if c != nil {
				agentID := candidate
				order.AgentID = &agentID
				comm = c
			} else {
				order.AttributionNote = anomalyNote
			}
		}

		if err := tx.InsertOrder(ctx, order); err != nil {
			return err
		}
		if err := s.appendEvent(ctx, tx, models.EventOrderCreated, order.ID.String(), orderEventPayload(order)); err != nil {
			return err
		}

		if comm != nil {
			if err := tx.InsertCommission(ctx, *comm); err != nil {
				return err
			}
			if err := s.appendEvent(ctx, tx, models.EventCommissionCreated, comm.ID.String(), commissionEventPayload(*comm)); err != nil {
				return err
			}
		} else if order.AttributionNote != "" {
			if err := s.appendEvent(ctx, tx, models.EventAttributionAnomaly, order.ID.String(), map[string]interface{}{
				"orderId":     order.ID,
				"externalId":  order.ExternalID,
				"candidateId": candidate,
				"note":        order.AttributionNote,
			}); err != nil {
				return err
			}
		}

		result = CreateOrderResult{Order: order, Commission: comm}
		return nil
	})
	if err != nil {
		if errors.Is(err, models.ErrDuplicateOrder) {
			return CreateOrderResult{}, err
		}
		return CreateOrderResult{}, fmt.Errorf("create order: %w", err)
	}

	ev := s.log.Info().
		Str("order_id", result.Order.ID.String()).
		Str("external_id", result.Order.ExternalID).
		Int64("amount_cents", result.Order.TotalAmountCents)
	if result.Commission != nil {
		ev = ev.Str("agent_id", result.Commission.AgentID).
			Str("commission_id", result.Commission.ID.String()).
			Int64("commission_cents", result.Commission.CommissionAmountCents)
	}
	ev.Msg("order recorded")
	return result, nil
}

// resolveMarker turns the raw marker into a candidate agent id. Any failure degrades the order
// to unattributed and is reported as a note.
func (s *Service) resolveMarker(raw string) (string, string) {
	if strings.TrimSpace(raw) == "" {
		return "", ""
	}
	m, err := s.markers.Resolve(raw)
	if err == nil {
		return m.AgentID, ""
	}
	if errors.Is(err, models.ErrMarkerExpired) {
		s.log.Warn().Err(err).Msg("attribution marker expired; order left unattributed")
		return "", NoteMarkerExpired
	}
	s.log.Warn().Err(err).Msg("attribution marker rejected; order left unattributed")
	return "", NoteMarkerInvalid
}

// buildCommission returns the commission for an order attributed to agentID, or a nil
// commission plus an anomaly note when the agent cannot earn one.
func (s *Service) buildCommission(ctx context.Context, tx store.Tx, agentID string, order models.Order) (*models.Commission, string, error) {
	agent, err := tx.GetAgent(ctx, agentID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			s.log.Warn().Str("agent_id", agentID).Msg("marker references unknown agent")
			return nil, NoteAgentUnknown, nil
		}
		return nil, "", err
	}
	if !agent.IsActive {
		s.log.Warn().Str("agent_id", agentID).Msg("marker references inactive agent")
		return nil, NoteAgentInactive, nil
	}

	base, err := defaultRate(ctx, tx)
	if err != nil && !errors.Is(err, models.ErrInvalidRate) {
		return nil, "", err
	}
	var res commission.Resolution
	if err == nil {
		res, err = commission.EffectiveRate(agent.CommissionRateOverride, base)
	} else {
		// An unparsable stored default still lets a valid override apply.
		res, err = commission.EffectiveRate(agent.CommissionRateOverride, decimal.NewFromInt(-1))
	}
	if res.IgnoredOverride != nil {
		s.log.Warn().
			Str("agent_id", agentID).
			Str("override", res.IgnoredOverride.String()).
			Msg("agent rate override out of range; using default")
	}
	if err != nil {
		s.log.Warn().Err(err).
			Str("agent_id", agentID).
			Str("order_external_id", order.ExternalID).
			Msg("commission rate invalid; order recorded without commission")
		return nil, NoteInvalidRate, nil
	}

	return &models.Commission{
		ID:                    uuid.New(),
		OrderID:               order.ID,
		AgentID:               agent.ID,
		Rate:                  res.Rate,
		BaseAmountCents:       order.TotalAmountCents,
		CommissionAmountCents: commission.Amount(order.TotalAmountCents, res.Rate),
		Status:                models.CommissionStatusPending,
		CreatedAt:             order.CreatedAt,
	}, "", nil
}

// RefundOrder marks a PAID order REFUNDED and reverses its pending commission. A commission
// that already cleared or reversed blocks the refund with ErrInvalidStateTransition.
func (s *Service) RefundOrder(ctx context.Context, orderID uuid.UUID) (CreateOrderResult, error) {
	var result CreateOrderResult
	err := s.store.InTx(ctx, func(tx store.Tx) error {
		order, err := tx.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return err
		}
		if order.Status != models.OrderStatusPaid {
			return fmt.Errorf("%w: order %s is %s", models.ErrInvalidStateTransition, order.ID, order.Status)
		}

		now := s.timestamp()
		comm, err := tx.GetCommissionByOrder(ctx, orderID)
		switch {
		case errors.Is(err, models.ErrNotFound):
		case err != nil:
			return err
		default:
			if comm.Status != models.CommissionStatusPending {
				return fmt.Errorf("%w: commission %s is %s", models.ErrInvalidStateTransition, comm.ID, comm.Status)
			}
			reversed, err := tx.TransitionCommission(ctx, comm.ID, models.CommissionStatusReversed, now)
			if err != nil {
				return err
			}
			if err := s.appendEvent(ctx, tx, models.EventCommissionReversed, reversed.ID.String(), commissionEventPayload(reversed)); err != nil {
				return err
			}
			result.Commission = &reversed
		}

		if err := tx.MarkOrderRefunded(ctx, orderID, now); err != nil {
			return err
		}
		order.Status = models.OrderStatusRefunded
		order.RefundedAt = &now
		result.Order = order
		return s.appendEvent(ctx, tx, models.EventOrderRefunded, order.ID.String(), orderEventPayload(order))
	})
	if err != nil {
		return CreateOrderResult{}, err
	}
	s.log.Info().Str("order_id", orderID.String()).Bool("commission_reversed", result.Commission != nil).Msg("order refunded")
	return result, nil
}

func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (models.Order, error) {
	return s.store.GetOrder(ctx, id)
}

func normalizeExternalID(raw string) (string, error) {
	id := strings.TrimSpace(raw)
	if id == "" {
		return "ord_" + strings.ReplaceAll(uuid.NewString(), "-", ""), nil
	}
	if len(id) > maxExternalIDLen {
		return "", fmt.Errorf("%w: longer than %d", models.ErrInvalidExternalID, maxExternalIDLen)
	}
	for _, r := range id {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return "", fmt.Errorf("%w: contains whitespace or control characters", models.ErrInvalidExternalID)
		}
	}
	return id, nil
}

func normalizeCustomerRef(raw *string) (*string, error) {
	if raw == nil {
		return nil, nil
	}
	ref := strings.TrimSpace(*raw)
	if ref == "" {
		return nil, nil
	}
	if len(ref) > maxCustomerRefLen {
		return nil, fmt.Errorf("%w: longer than %d", models.ErrInvalidCustomerRef, maxCustomerRefLen)
	}
	return &ref, nil
}

func orderEventPayload(o models.Order) map[string]interface{} {
	p := map[string]interface{}{
		"orderId":          o.ID,
		"externalId":       o.ExternalID,
		"totalAmountCents": o.TotalAmountCents,
		"status":           o.Status,
		"agentId":          o.AgentID,
	}
	if o.AttributionNote != "" {
		p["attributionNote"] = o.AttributionNote
	}
	return p
}

func commissionEventPayload(c models.Commission) map[string]interface{} {
	return map[string]interface{}{
		"commissionId":          c.ID,
		"orderId":               c.OrderID,
		"agentId":               c.AgentID,
		"rate":                  c.Rate,
		"baseAmountCents":       c.BaseAmountCents,
		"commissionAmountCents": c.CommissionAmountCents,
		"status":                c.Status,
	}
}
