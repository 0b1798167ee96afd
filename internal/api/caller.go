package api

import (
	"net"
	"net/http"
	"strings"

	"github.com/promptlab/promptlab/internal/auth"
	"github.com/promptlab/promptlab/internal/tracker"
)

// callerFromRequest resolves the acting user from the authenticated identity,
// falling back to the configured anonymous caller. It writes a 401 when
// neither is available.
func (h *handlers) callerFromRequest(w http.ResponseWriter, r *http.Request) (tracker.Caller, bool) {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity != nil {
		if userID := strings.TrimSpace(identity.UserID); userID != "" {
			return tracker.Caller{ID: userID, Role: identity.Role}, true
		}
	}
	if strings.TrimSpace(h.anonymous.ID) != "" {
		return h.anonymous, true
	}
	writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "authentication required", Code: "unauthenticated"})
	return tracker.Caller{}, false
}

// clientIP prefers the first X-Forwarded-For hop, then X-Real-IP, then the
// connection address.
func clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if realIP := strings.TrimSpace(r.Header.Get("X-Real-IP")); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
