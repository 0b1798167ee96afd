package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNewAuthorizerRequiresKeysWhenEnabled(t *testing.T) {
	t.Parallel()

	if _, err := NewAuthorizer(Options{Enabled: true}); err == nil {
		t.Fatal("expected error when auth is enabled without keys")
	}
	if _, err := NewAuthorizer(Options{Enabled: true, Keys: []KeyConfig{{ID: "k", Token: "t"}}}); err == nil {
		t.Fatal("expected error when a key has no user_id")
	}
	if _, err := NewAuthorizer(Options{Enabled: true, Keys: []KeyConfig{
		{ID: "a", Token: "same", UserID: "u1"},
		{ID: "b", Token: "same", UserID: "u2"},
	}}); err == nil {
		t.Fatal("expected error for duplicate tokens")
	}
}

func TestAuthenticateAndRolePermissions(t *testing.T) {
	t.Parallel()

	authorizer, err := NewAuthorizer(Options{
		Enabled: true,
		Keys: []KeyConfig{
			{ID: "alice-key", Token: "alice-token", UserID: "alice", Role: "member"},
			{ID: "viewer-key", TokenHash: HashToken("viewer-token"), UserID: "vic", Role: "viewer"},
			{ID: "ops-key", Token: "ops-token", UserID: "ops", Role: "Admin"},
		},
	})
	if err != nil {
		t.Fatalf("NewAuthorizer() error: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/traces", nil)
	req.Header.Set("X-Promptlab-Key", "alice-token")
	identity, err := authorizer.Authenticate(req)
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if identity.KeyID != "alice-key" || identity.UserID != "alice" || identity.Role != RoleMember {
		t.Fatalf("identity=%+v", identity)
	}
	if !identity.HasPermission(PermissionTracesWrite) || !identity.HasPermission(PermissionPlaygroundRun) {
		t.Fatal("member should write traces and run the playground")
	}
	if identity.HasPermission(PermissionDiagnosticsRead) {
		t.Fatal("member should not read diagnostics")
	}

	req = httptest.NewRequest(http.MethodGet, "/api/traces", nil)
	req.Header.Set("Authorization", "Bearer viewer-token")
	identity, err = authorizer.Authenticate(req)
	if err != nil {
		t.Fatalf("Authenticate(bearer) error: %v", err)
	}
	if identity.UserID != "vic" || identity.HasPermission(PermissionTracesWrite) {
		t.Fatalf("viewer identity=%+v", identity)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/traces", nil)
	req.Header.Set("X-Promptlab-Key", "ops-token")
	identity, err = authorizer.Authenticate(req)
	if err != nil {
		t.Fatalf("Authenticate(admin) error: %v", err)
	}
	if identity.Role != RoleAdmin || !identity.HasPermission(PermissionDiagnosticsRead) {
		t.Fatalf("admin identity=%+v", identity)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/traces", nil)
	if _, err := authorizer.Authenticate(req); !errors.Is(err, ErrMissingKey) {
		t.Fatalf("missing key err=%v, want %v", err, ErrMissingKey)
	}
	req.Header.Set("X-Promptlab-Key", "nope")
	if _, err := authorizer.Authenticate(req); !errors.Is(err, ErrInvalidKey) {
		t.Fatalf("invalid key err=%v, want %v", err, ErrInvalidKey)
	}
}

func TestExplicitPermissionsExtendRole(t *testing.T) {
	t.Parallel()

	authorizer, err := NewAuthorizer(Options{
		Enabled: true,
		Keys: []KeyConfig{
			{ID: "bot", Token: "bot-token", UserID: "bot", Role: "automation", Permissions: []string{" Traces:Write ", ""}},
		},
	})
	if err != nil {
		t.Fatalf("NewAuthorizer() error: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/api/traces", nil)
	req.Header.Set("X-Promptlab-Key", "bot-token")
	identity, err := authorizer.Authenticate(req)
	if err != nil {
		t.Fatalf("Authenticate() error: %v", err)
	}
	if !identity.HasPermission(PermissionTracesWrite) {
		t.Fatal("explicit permission should be granted")
	}
	if identity.HasPermission(PermissionTracesRead) {
		t.Fatal("unknown role should not receive implicit permissions")
	}
}

func TestMiddlewareEnforcesRoutePermissions(t *testing.T) {
	t.Parallel()

	authorizer, err := NewAuthorizer(Options{
		Enabled: true,
		Keys: []KeyConfig{
			{ID: "member", Token: "member-token", UserID: "alice", Role: RoleMember},
			{ID: "viewer", Token: "viewer-token", UserID: "vic", Role: RoleViewer},
		},
	})
	if err != nil {
		t.Fatalf("NewAuthorizer() error: %v", err)
	}

	var audits []AuditEvent
	var seenUser string
	handler := Middleware(authorizer, MiddlewareOptions{
		APIPrefix: "/api",
		AuditRecorder: func(_ *http.Request, event AuditEvent) {
			audits = append(audits, event)
		},
	}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if identity, ok := IdentityFromContext(r.Context()); ok {
			seenUser = identity.UserID
		}
		if r.Header.Get("X-Promptlab-Key") != "" {
			t.Error("api key header should be stripped before the handler")
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		method string
		path   string
		token  string
		want   int
	}{
		{name: "health is public", method: http.MethodGet, path: "/api/health", want: http.StatusNoContent},
		{name: "non api path bypasses", method: http.MethodGet, path: "/metrics", want: http.StatusNoContent},
		{name: "missing key", method: http.MethodGet, path: "/api/traces", want: http.StatusUnauthorized},
		{name: "bad key", method: http.MethodGet, path: "/api/traces", token: "bad", want: http.StatusUnauthorized},
		{name: "viewer lists", method: http.MethodGet, path: "/api/traces", token: "viewer-token", want: http.StatusNoContent},
		{name: "viewer live", method: http.MethodGet, path: "/api/traces/live", token: "viewer-token", want: http.StatusNoContent},
		{name: "viewer cannot start", method: http.MethodPost, path: "/api/traces", token: "viewer-token", want: http.StatusForbidden},
		{name: "viewer cannot complete", method: http.MethodPost, path: "/api/traces/t1/complete", token: "viewer-token", want: http.StatusForbidden},
		{name: "member completes", method: http.MethodPost, path: "/api/traces/t1/complete", token: "member-token", want: http.StatusNoContent},
		{name: "member patches", method: http.MethodPatch, path: "/api/traces/t1", token: "member-token", want: http.StatusNoContent},
		{name: "member ends span", method: http.MethodDelete, path: "/api/traces/t1/spans/s1", token: "member-token", want: http.StatusNoContent},
		{name: "member runs playground", method: http.MethodPost, path: "/api/playground/runs", token: "member-token", want: http.StatusNoContent},
		{name: "member cannot read diagnostics", method: http.MethodGet, path: "/api/diagnostics/langfuse", token: "member-token", want: http.StatusForbidden},
		{name: "unmapped route denied", method: http.MethodPut, path: "/api/traces/t1", token: "member-token", want: http.StatusForbidden},
		{name: "unknown subroute denied", method: http.MethodPost, path: "/api/traces/t1/replay", token: "member-token", want: http.StatusForbidden},
	}

	for _, tt := range tests {
		req := httptest.NewRequest(tt.method, tt.path, nil)
		if tt.token != "" {
			req.Header.Set("X-Promptlab-Key", tt.token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		if rec.Code != tt.want {
			t.Fatalf("%s: status=%d, want %d body=%s", tt.name, rec.Code, tt.want, rec.Body.String())
		}
		if tt.want >= 400 {
			var payload map[string]string
			if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil || payload["error"] == "" {
				t.Fatalf("%s: error body=%q", tt.name, rec.Body.String())
			}
		}
	}

	if seenUser == "" {
		t.Fatal("handler should receive the authenticated identity")
	}
	if len(audits) == 0 {
		t.Fatal("expected deny audit events")
	}
	last := audits[len(audits)-1]
	if last.Outcome != "deny" || last.Reason != "action_unmapped" || last.StatusCode != http.StatusForbidden {
		t.Fatalf("last audit=%+v", last)
	}
}

func TestMiddlewarePassesThroughWhenDisabled(t *testing.T) {
	t.Parallel()

	authorizer, err := NewAuthorizer(Options{})
	if err != nil {
		t.Fatalf("NewAuthorizer() error: %v", err)
	}
	called := false
	handler := Middleware(authorizer, MiddlewareOptions{}, http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/traces", nil))
	if !called {
		t.Fatal("disabled auth should not block requests")
	}
}

func TestAuthorizationMatrixCoversPermissions(t *testing.T) {
	t.Parallel()

	seen := map[Permission]bool{}
	for _, rule := range AuthorizationMatrix() {
		if rule.Public {
			continue
		}
		seen[rule.Permission] = true
	}
	for _, permission := range []Permission{PermissionTracesRead, PermissionTracesWrite, PermissionPlaygroundRun, PermissionDiagnosticsRead} {
		if !seen[permission] {
			t.Fatalf("authorization matrix missing %q", permission)
		}
	}
}
