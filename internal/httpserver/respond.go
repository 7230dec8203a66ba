package httpserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/ILLUVRSE/commission-ledger/internal/auth"
	"github.com/ILLUVRSE/commission-ledger/internal/models"
)

// maxJSONBody caps request bodies at 1 MiB.
const maxJSONBody = 1 << 20

var errBadRequest = errors.New("bad request")

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps ledger sentinels onto HTTP statuses.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized):
		return http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, models.ErrForbidden):
		return http.StatusForbidden, "forbidden"
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, models.ErrUnknownReferralCode):
		return http.StatusNotFound, "unknown_referral_code"
	case errors.Is(err, models.ErrDuplicateOrder):
		return http.StatusConflict, "duplicate_order"
	case errors.Is(err, models.ErrInvalidStateTransition):
		return http.StatusConflict, "invalid_state_transition"
	case errors.Is(err, models.ErrNoFundsAvailable):
		return http.StatusConflict, "no_funds_available"
	case errors.Is(err, models.ErrInvalidAmount):
		return http.StatusBadRequest, "invalid_amount"
	case errors.Is(err, models.ErrInvalidRate):
		return http.StatusBadRequest, "invalid_rate"
	case errors.Is(err, models.ErrInvalidReferralCode):
		return http.StatusBadRequest, "invalid_referral_code"
	case errors.Is(err, models.ErrInvalidBankDetails):
		return http.StatusBadRequest, "invalid_bank_details"
	case errors.Is(err, models.ErrInvalidExternalID):
		return http.StatusBadRequest, "invalid_external_id"
	case errors.Is(err, models.ErrInvalidCustomerRef):
		return http.StatusBadRequest, "invalid_customer_ref"
	case errors.Is(err, errBadRequest):
		return http.StatusBadRequest, "bad_request"
	}
	return http.StatusInternalServerError, "internal"
}

func (s *Server) respondError(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).
			Str("request_id", middleware.GetReqID(r.Context())).
			Str("path", r.URL.Path).
			Msg("request failed")
		msg = "internal error"
	}
	writeJSON(w, status, errorResponse{Error: msg, Code: code, RequestID: middleware.GetReqID(r.Context())})
}

func (s *Server) authError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, auth.ErrUnauthorized) {
		s.log.Debug().Err(err).Str("path", r.URL.Path).Msg("rejected caller token")
		err = auth.ErrUnauthorized
	}
	s.respondError(w, r, err)
}

// decodeAndValidate strictly decodes a single JSON object into dst and runs struct validation.
func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: request body must not be empty", errBadRequest)
		}
		return fmt.Errorf("%w: invalid JSON: %v", errBadRequest, err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: request body must contain a single JSON object", errBadRequest)
	}
	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", errBadRequest, strings.Join(fields, "; "))
		}
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %s must be a UUID", errBadRequest, name)
	}
	return id, nil
}
