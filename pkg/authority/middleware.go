// Middleware for the two authentication realms: mutual TLS for the ingress
// gate and worker pool talking to the authority internally, and bearer JWTs
// for the portal.
package authority

import (
	"net/http"
	"strings"

	"github.com/nyx-relay/broker/pkg/clientauth"
	"github.com/nyx-relay/broker/pkg/errs"
	"github.com/nyx-relay/broker/pkg/logger"
	"github.com/nyx-relay/broker/pkg/utils"
)

// requireClientCert verifies the caller presented a client certificate
// that chains to the CA and belongs to a client the store still marks
// active, via the same check pkg/clientauth applies at the ingress gate.
func (s *Server) requireClientCert(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.TLS == nil {
			utils.JSONError(w, http.StatusUnauthorized, "client certificate required")
			return
		}
		client, err := clientauth.VerifyPeerCert(r.Context(), s.ca, s.store, r.TLS.PeerCertificates)
		if err != nil {
			logger.Warn("client_cert_rejected", "reason", err.Error())
			status := http.StatusUnauthorized
			if errs.KindOf(err) == errs.Authorization {
				status = http.StatusForbidden
			}
			utils.JSONError(w, status, err.Error())
			return
		}
		next.ServeHTTP(w, r.WithContext(withClient(r.Context(), client)))
	})
}

// requireBearer verifies a portal JWT and, if roles is non-empty, that the
// token's role is among them.
func (s *Server) requireBearer(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if !strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
				utils.JSONError(w, http.StatusUnauthorized, "bearer token required")
				return
			}
			token := strings.TrimSpace(authHeader[len("bearer "):])
			claims, err := s.crypto.VerifyToken(token)
			if err != nil {
				utils.JSONError(w, http.StatusUnauthorized, "invalid or expired token")
				return
			}
			if len(roles) > 0 && !roleAllowed(claims.Role, roles) {
				utils.JSONError(w, http.StatusForbidden, "insufficient role")
				return
			}
			next.ServeHTTP(w, r.WithContext(withClaims(r.Context(), claims)))
		})
	}
}

func roleAllowed(role string, allowed []string) bool {
	for _, a := range allowed {
		if a == role {
			return true
		}
	}
	return false
}

func writeServiceError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errs.KindOf(err) {
	case errs.Validation:
		status = http.StatusBadRequest
	case errs.Authentication:
		status = http.StatusUnauthorized
	case errs.Authorization:
		status = http.StatusForbidden
	case errs.NotFound:
		status = http.StatusNotFound
	case errs.Conflict:
		status = http.StatusConflict
	case errs.RateLimited:
		status = http.StatusTooManyRequests
	case errs.TransientDependency:
		status = http.StatusServiceUnavailable
	}
	utils.JSONError(w, status, err.Error())
}
