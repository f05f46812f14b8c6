package app

import (
	"errors"
	"net/http"
	"strings"

	"tallyhall/api/internal/auth"
	"tallyhall/api/internal/rbac"
)

const (
	headerRole = "X-Tallyhall-Role"
	headerUser = "X-Tallyhall-User"
)

// requireSession resolves the caller. With an auth secret configured only
// bearer tokens are accepted; otherwise the role and user headers set by a
// trusted proxy are used.
func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	if s.service.TokensEnabled() {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		session, err := s.service.SessionFromToken(token)
		if err != nil {
			if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
				writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
				return Session{}, false
			}
			writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
			return Session{}, false
		}
		return session, true
	}

	role := strings.ToLower(strings.TrimSpace(r.Header.Get(headerRole)))
	if role == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	if rbac.Normalize(role) != rbac.Role(role) {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unknown role", nil)
		return Session{}, false
	}
	return Session{
		UserID: strings.TrimSpace(r.Header.Get(headerUser)),
		Role:   role,
	}, true
}
