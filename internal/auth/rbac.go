package auth

import (
	"net/http"

	"github.com/ILLUVRSE/commission-ledger/internal/models"
)

var ErrForbidden = models.ErrForbidden

// HasRole reports whether the principal carries role. Admins satisfy every role check.
func HasRole(p Principal, role string) bool {
	return p.Role == role || p.Role == RoleAdmin
}

// RequireRole lets the request through only when the principal in context has role.
func RequireRole(role string, onError func(w http.ResponseWriter, r *http.Request, err error)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := FromContext(r.Context())
			if !ok {
				onError(w, r, ErrUnauthorized)
				return
			}
			if !HasRole(p, role) {
				onError(w, r, ErrForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
