package httpserver

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/ILLUVRSE/commission-ledger/internal/auth"
	"github.com/ILLUVRSE/commission-ledger/internal/models"
	"github.com/ILLUVRSE/commission-ledger/internal/store"
)

// GET /api/admin/commissions?agentId=&status=&limit=
func (s *Server) handleListCommissions(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	f := store.CommissionFilter{AgentID: strings.TrimSpace(r.URL.Query().Get("agentId")), Limit: limit}
	if raw := r.URL.Query().Get("status"); raw != "" {
		st := models.CommissionStatus(strings.ToUpper(raw))
		switch st {
		case models.CommissionStatusPending, models.CommissionStatusCleared, models.CommissionStatusReversed:
			f.Status = st
		default:
			s.respondError(w, r, fmt.Errorf("%w: unknown commission status %q", errBadRequest, raw))
			return
		}
	}
	comms, err := s.svc.ListCommissions(r.Context(), f)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if comms == nil {
		comms = []models.Commission{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"commissions": comms})
}

func (s *Server) handleGetCommission(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	c, err := s.svc.GetCommission(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// POST /api/admin/commissions/{id}/clear
func (s *Server) handleClearCommission(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	c, err := s.svc.ClearCommission(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// POST /api/admin/commissions/{id}/reverse
func (s *Server) handleReverseCommission(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	c, err := s.svc.ReverseCommission(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	o, err := s.svc.GetOrder(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

// POST /api/admin/orders/{id}/refund
func (s *Server) handleRefundOrder(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	res, err := s.svc.RefundOrder(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, orderResponse{Order: res.Order, Commission: res.Commission})
}

// GET /api/admin/payouts/pending
func (s *Server) handleListPendingPayouts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	payouts, err := s.svc.ListPendingPayouts(r.Context(), limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if payouts == nil {
		payouts = []models.Payout{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"payouts": payouts})
}

func (s *Server) handleGetPayout(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	p, err := s.svc.GetPayout(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

type advancePayoutRequest struct {
	Status string `json:"status" validate:"required,oneof=APPROVED PAID REJECTED approved paid rejected"`
}

// POST /api/admin/payouts/{id}/status
func (s *Server) handleAdvancePayout(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	var req advancePayoutRequest
	if err := s.decodeAndValidate(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	target, ok := models.ParsePayoutStatus(strings.ToUpper(req.Status))
	if !ok {
		s.respondError(w, r, fmt.Errorf("%w: unknown payout status %q", errBadRequest, req.Status))
		return
	}
	p, err := s.svc.AdvancePayout(r.Context(), id, target)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// POST /api/admin/payouts/{id}/release
func (s *Server) handleReleasePayout(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	p, err := s.svc.ReleasePayout(r.Context(), id)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// GET /api/admin/agents/{agentId}/summary
func (s *Server) handleAdminAgentSummary(w http.ResponseWriter, r *http.Request) {
	sum, err := s.svc.GetAgentLedgerSummary(r.Context(), chi.URLParam(r, "agentId"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleAdminAgentPayouts(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	payouts, err := s.svc.ListAgentPayouts(r.Context(), chi.URLParam(r, "agentId"), limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if payouts == nil {
		payouts = []models.Payout{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"payouts": payouts})
}

type rateResponse struct {
	Rate decimal.Decimal `json:"rate"`
}

type setRateRequest struct {
	Rate string `json:"rate" validate:"required,max=32"`
}

// GET /api/admin/settings/commission-rate
func (s *Server) handleGetRate(w http.ResponseWriter, r *http.Request) {
	rate, err := s.svc.GetDefaultRate(r.Context())
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rateResponse{Rate: rate})
}

// PUT /api/admin/settings/commission-rate
func (s *Server) handleSetRate(w http.ResponseWriter, r *http.Request) {
	var req setRateRequest
	if err := s.decodeAndValidate(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	rate, err := decimal.NewFromString(strings.TrimSpace(req.Rate))
	if err != nil {
		s.respondError(w, r, fmt.Errorf("%w: %q is not a decimal", models.ErrInvalidRate, req.Rate))
		return
	}
	actor := "admin"
	if p, ok := auth.FromContext(r.Context()); ok && p.AgentID != "" {
		actor = p.AgentID
	}
	if err := s.svc.SetDefaultRate(r.Context(), rate, actor); err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rateResponse{Rate: rate})
}
