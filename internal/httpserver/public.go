package httpserver

import (
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/ILLUVRSE/commission-ledger/internal/commission"
	"github.com/ILLUVRSE/commission-ledger/internal/models"
	"github.com/ILLUVRSE/commission-ledger/internal/service"
	"github.com/ILLUVRSE/commission-ledger/internal/visits"
)

type trackResponse struct {
	AgentID   string    `json:"agentId"`
	Marker    string    `json:"marker"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// GET /api/track?ref=CODE
// Sets the attribution cookie and returns the marker for clients that carry it themselves.
func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.ResolveReferral(r.Context(), r.URL.Query().Get("ref"))
	if err != nil {
		s.respondError(w, r, err)
		return
	}

	maxAge := int(time.Until(res.ExpiresAt).Seconds())
	http.SetCookie(w, &http.Cookie{
		Name:     s.opts.CookieName,
		Value:    res.Marker,
		Path:     "/",
		Expires:  res.ExpiresAt,
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   s.opts.CookieSecure,
		SameSite: http.SameSiteLaxMode,
	})

	fp := visits.Fingerprint(r.RemoteAddr, r.UserAgent())
	if err := s.visits.RecordVisit(r.Context(), res.AgentID, fp); err != nil {
		s.log.Warn().Err(err).
			Str("agent_id", res.AgentID).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("record referral visit")
	}

	writeJSON(w, http.StatusOK, trackResponse{AgentID: res.AgentID, Marker: res.Marker, ExpiresAt: res.ExpiresAt})
}

type createOrderRequest struct {
	ExternalID  string  `json:"externalId" validate:"omitempty,max=128"`
	AmountCents *int64  `json:"amountCents"`
	Amount      string  `json:"amount" validate:"omitempty,max=32"`
	CustomerRef *string `json:"customerRef" validate:"omitempty,max=256"`
	// Marker is taken from the attribution cookie when absent.
	Marker string `json:"referralMarker" validate:"omitempty,max=4096"`
}

type orderResponse struct {
	Order      models.Order       `json:"order"`
	Commission *models.Commission `json:"commission,omitempty"`
}

// POST /api/orders
func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := s.decodeAndValidate(w, r, &req); err != nil {
		s.respondError(w, r, err)
		return
	}

	var cents int64
	switch {
	case req.AmountCents != nil && req.Amount != "":
		s.respondError(w, r, fmt.Errorf("%w: send either amountCents or amount", errBadRequest))
		return
	case req.AmountCents == nil && req.Amount == "":
		s.respondError(w, r, fmt.Errorf("%w: amountCents or amount is required", errBadRequest))
		return
	case req.AmountCents != nil:
		cents = *req.AmountCents
	default:
		parsed, err := commission.ParseAmount(req.Amount)
		if err != nil {
			s.respondError(w, r, err)
			return
		}
		cents = parsed
	}

	marker := req.Marker
	if marker == "" {
		if c, err := r.Cookie(s.opts.CookieName); err == nil {
			marker = c.Value
		}
	}

	res, err := s.svc.CreateOrder(r.Context(), service.CreateOrderInput{
		ExternalID:  req.ExternalID,
		AmountCents: cents,
		CustomerRef: req.CustomerRef,
		Marker:      marker,
	})
	if err != nil {
		s.respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, orderResponse{Order: res.Order, Commission: res.Commission})
}
