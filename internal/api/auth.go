package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/seantiz/runbox/internal/apperr"
)

const bearerPrefix = "bearer "

// authenticator checks bearer credentials against a shared secret. The
// credential is either the secret itself or an HS256 JWT signed with it.
type authenticator struct {
	secret []byte
}

func newAuthenticator(secret string) *authenticator {
	return &authenticator{secret: []byte(secret)}
}

func (a *authenticator) enabled() bool {
	return len(a.secret) > 0
}

// check validates an Authorization header value.
func (a *authenticator) check(header string) error {
	if !a.enabled() {
		return nil
	}
	if header == "" {
		return apperr.Auth("missing bearer token")
	}
	if len(header) < len(bearerPrefix) || !strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return apperr.Auth("authorization header must use the Bearer scheme")
	}
	token := strings.TrimSpace(header[len(bearerPrefix):])
	if token == "" {
		return apperr.Auth("missing bearer token")
	}

	if subtle.ConstantTimeCompare([]byte(token), a.secret) == 1 {
		return nil
	}
	if strings.Count(token, ".") == 2 && a.validJWT(token) {
		return nil
	}
	return apperr.Auth("invalid bearer token")
}

func (a *authenticator) validJWT(token string) bool {
	parsed, err := jwt.Parse(token,
		func(*jwt.Token) (any, error) { return a.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	return err == nil && parsed.Valid
}

// authMiddleware rejects requests without a valid credential using the
// execution response contract, so clients parse one error shape everywhere.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.auth.check(r.Header.Get("Authorization")); err != nil {
			authFailures.Inc()
			s.logger.Warn("rejected request", "path", r.URL.Path, "error", err)
			w.Header().Set("WWW-Authenticate", `Bearer realm="runbox"`)
			s.writeFailure(w, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleVerifyAuth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]bool{
		"valid":       true,
		"authEnabled": s.auth.enabled(),
	})
}
