// Package httpserver exposes the ledger over HTTP with chi.
package httpserver

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"

	"github.com/ILLUVRSE/commission-ledger/internal/auth"
	"github.com/ILLUVRSE/commission-ledger/internal/service"
	"github.com/ILLUVRSE/commission-ledger/internal/visits"
)

type Options struct {
	CookieName     string
	CookieSecure   bool
	RequestTimeout time.Duration
}

type Server struct {
	svc      *service.Service
	verifier *auth.Verifier
	visits   visits.Counter
	opts     Options
	log      zerolog.Logger
	validate *validator.Validate
}

func New(svc *service.Service, verifier *auth.Verifier, counter visits.Counter, opts Options, log zerolog.Logger) *Server {
	if counter == nil {
		counter = visits.Noop{}
	}
	if opts.CookieName == "" {
		opts.CookieName = "affiliate_ref"
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	return &Server{
		svc:      svc,
		verifier: verifier,
		visits:   counter,
		opts:     opts,
		log:      log.With().Str("component", "http").Logger(),
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Router builds the full route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.opts.RequestTimeout))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Route("/api", func(r chi.Router) {
		r.Get("/track", s.handleTrack)
		r.Post("/orders", s.handleCreateOrder)

		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(s.verifier, s.authError))
			r.Use(auth.RequireRole(auth.RoleAgent, s.authError))

			r.Post("/payouts/request", s.handleRequestPayout)
			r.Get("/payouts", s.handleListAgentPayouts)
			r.Get("/agent/summary", s.handleAgentSummary)
			r.Get("/agent/dashboard", s.handleAgentDashboard)
			r.Get("/agent/visits", s.handleAgentVisits)
		})

		r.Route("/admin", func(r chi.Router) {
			r.Use(auth.Middleware(s.verifier, s.authError))
			r.Use(auth.RequireRole(auth.RoleAdmin, s.authError))

			r.Get("/commissions", s.handleListCommissions)
			r.Get("/commissions/{id}", s.handleGetCommission)
			r.Post("/commissions/{id}/clear", s.handleClearCommission)
			r.Post("/commissions/{id}/reverse", s.handleReverseCommission)

			r.Get("/orders/{id}", s.handleGetOrder)
			r.Post("/orders/{id}/refund", s.handleRefundOrder)

			r.Get("/payouts/pending", s.handleListPendingPayouts)
			r.Get("/payouts/{id}", s.handleGetPayout)
			r.Post("/payouts/{id}/status", s.handleAdvancePayout)
			r.Post("/payouts/{id}/release", s.handleReleasePayout)

			r.Get("/agents/{agentId}/summary", s.handleAdminAgentSummary)
			r.Get("/agents/{agentId}/payouts", s.handleAdminAgentPayouts)

			r.Get("/settings/commission-rate", s.handleGetRate)
			r.Put("/settings/commission-rate", s.handleSetRate)
			r.Post("/settings/commission-rate", s.handleSetRate)
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "ts": time.Now().UTC()})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Ping(r.Context()); err != nil {
		s.log.Warn().Err(err).Msg("readiness check failed")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "store not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ready"})
}
