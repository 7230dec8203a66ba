package httpserver

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/ILLUVRSE/commission-ledger/internal/auth"
	"github.com/ILLUVRSE/commission-ledger/internal/models"
	"github.com/ILLUVRSE/commission-ledger/internal/service"
)

// callerAgentID returns the agent the request acts for. Agents always act for themselves;
// admins name the agent with ?agentId=.
func callerAgentID(r *http.Request) (string, error) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		return "", auth.ErrUnauthorized
	}
	if p.Role == auth.RoleAgent {
		return p.AgentID, nil
	}
	if id := strings.TrimSpace(r.URL.Query().Get("agentId")); id != "" {
		return id, nil
	}
	return "", fmt.Errorf("%w: agentId query parameter required", errBadRequest)
}

func queryLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: limit must be a non-negative integer", errBadRequest)
	}
	return n, nil
}

type payoutRequest struct {
	IBAN        string `json:"iban" validate:"required,max=64"`
	AccountName string `json:"accountName" validate:"required,max=200"`
	Note        string `json:"note" validate:"omitempty,max=500"`
}

// POST /api/payouts/request
func (s *Server) handleRequestPayout(w http.ResponseWriter, r *http.Request) {
	agentID, err := callerAgentID(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	var req payoutRequest
	if err := s.decodeAndValidate(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}
	p, err := s.svc.RequestPayout(r.Context(), service.PayoutRequest{
		AgentID: agentID,
		Bank:    models.BankDetails{IBAN: req.IBAN, AccountName: req.AccountName},
		Note:    req.Note,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

// GET /api/payouts
func (s *Server) handleListAgentPayouts(w http.ResponseWriter, r *http.Request) {
	agentID, err := callerAgentID(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	payouts, err := s.svc.ListAgentPayouts(r.Context(), agentID, limit)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	if payouts == nil {
		payouts = []models.Payout{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"payouts": payouts})
}

// GET /api/agent/summary
func (s *Server) handleAgentSummary(w http.ResponseWriter, r *http.Request) {
	agentID, err := callerAgentID(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	sum, err := s.svc.GetAgentLedgerSummary(r.Context(), agentID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

// GET /api/agent/dashboard
func (s *Server) handleAgentDashboard(w http.ResponseWriter, r *http.Request) {
	agentID, err := callerAgentID(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	d, err := s.svc.Dashboard(r.Context(), agentID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// GET /api/agent/visits
func (s *Server) handleAgentVisits(w http.ResponseWriter, r *http.Request) {
	agentID, err := callerAgentID(r)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	st, err := s.visits.Stats(r.Context(), agentID)
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}
