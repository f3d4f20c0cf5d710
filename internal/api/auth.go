package api

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

var errUnauthorized = errors.New("administrator credentials required")

// Authorizer decides whether a request comes from an administrator. An
// embedding application can supply its own session-based check.
type Authorizer interface {
	Authorize(r *http.Request) error
}

// TokenAuthorizer accepts a static bearer token.
type TokenAuthorizer struct {
	Token string
}

func (a TokenAuthorizer) Authorize(r *http.Request) error {
	if a.Token == "" {
		return errUnauthorized
	}
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(a.Token)) != 1 {
		return errUnauthorized
	}
	return nil
}

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.auth.Authorize(r); err != nil {
			w.Header().Set("WWW-Authenticate", `Bearer realm="ibk"`)
			respondError(w, s.log, errUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}
