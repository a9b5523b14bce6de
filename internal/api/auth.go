// Package api implements the HTTP surface of the pooling service.
package api

import (
	"net/http"
	"strings"

	"concretepool/internal/auth"
)

// getPrincipal resolves the caller.
// - With auth enabled, a valid Bearer token is required; anything else yields ok=false.
// - With auth off, the X-Role header is trusted and defaults to admin for local use.
func (s *Server) getPrincipal(r *http.Request) (auth.Principal, bool) {
	if s.Auth.Enabled() {
		authz := r.Header.Get("Authorization")
		if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			return auth.Principal{}, false
		}
		p, err := s.Auth.Verify(strings.TrimSpace(authz[len("Bearer "):]))
		if err != nil {
			s.Log.Debug().Err(err).Str("path", r.URL.Path).Msg("token rejected")
			return auth.Principal{}, false
		}
		return p, true
	}
	role := strings.ToLower(r.Header.Get("X-Role"))
	if role == "" {
		role = auth.RoleAdmin
	}
	return auth.Principal{Subject: r.Header.Get("X-Subject"), Role: role}, true
}

// require writes 401 or 403 and returns false when the caller lacks role.
func (s *Server) require(w http.ResponseWriter, r *http.Request, role string) bool {
	p, ok := s.getPrincipal(r)
	if !ok {
		writeProblem(w, http.StatusUnauthorized, "Unauthorized", "valid bearer token required", r.URL.Path)
		return false
	}
	if !p.Allows(role) {
		writeProblem(w, http.StatusForbidden, "Forbidden", role+" role required", r.URL.Path)
		return false
	}
	return true
}
