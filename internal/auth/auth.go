package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/textproto"
	"strings"
)

type Permission string

const (
	PermissionTracesRead      Permission = "traces:read"
	PermissionTracesWrite     Permission = "traces:write"
	PermissionPlaygroundRun   Permission = "playground:run"
	PermissionDiagnosticsRead Permission = "diagnostics:read"
)

const (
	RoleOwner  = "owner"
	RoleAdmin  = "admin"
	RoleMember = "member"
	RoleViewer = "viewer"
)

type AuthorizationRule struct {
	Resource   string
	Action     string
	Permission Permission
	Methods    []string
	Path       string
	Public     bool
}

const defaultHeaderName = "X-Promptlab-Key"

var ErrMissingKey = errors.New("missing api key")
var ErrInvalidKey = errors.New("invalid api key")

type KeyConfig struct {
	ID          string
	Token       string
	TokenHash   string
	UserID      string
	Role        string
	Permissions []string
}

type Options struct {
	Enabled bool
	Header  string
	Keys    []KeyConfig
}

// Identity is the authenticated caller behind an API key.
type Identity struct {
	KeyID  string
	UserID string
	Role   string

	permissions map[Permission]struct{}
}

func (i *Identity) HasPermission(permission Permission) bool {
	if i == nil {
		return false
	}
	_, ok := i.permissions[permission]
	return ok
}

// NewIdentity builds an identity carrying the default permissions of role.
func NewIdentity(keyID, userID, role string) *Identity {
	role = strings.ToLower(strings.TrimSpace(role))
	return &Identity{
		KeyID:       strings.TrimSpace(keyID),
		UserID:      strings.TrimSpace(userID),
		Role:        role,
		permissions: defaultRolePermissions(role),
	}
}

type Authorizer struct {
	enabled bool
	header  string
	keys    map[string]*Identity
}

func NewAuthorizer(options Options) (*Authorizer, error) {
	header := normalizeHeaderName(options.Header)
	if header == "" {
		header = defaultHeaderName
	}

	authorizer := &Authorizer{
		enabled: options.Enabled,
		header:  header,
		keys:    map[string]*Identity{},
	}
	if !options.Enabled {
		return authorizer, nil
	}
	if len(options.Keys) == 0 {
		return nil, errors.New("auth is enabled but no api keys are configured")
	}

	for _, key := range options.Keys {
		tokenHash := normalizeTokenHash(key.TokenHash)
		if tokenHash == "" {
			token := strings.TrimSpace(key.Token)
			if token == "" {
				return nil, errors.New("api key token cannot be empty")
			}
			tokenHash = hashToken(token)
		}
		if _, exists := authorizer.keys[tokenHash]; exists {
			return nil, errors.New("duplicate api key token in auth config")
		}
		userID := strings.TrimSpace(key.UserID)
		if userID == "" {
			return nil, errors.New("api key " + strings.TrimSpace(key.ID) + " has no user_id")
		}

		identity := NewIdentity(key.ID, userID, key.Role)
		for _, raw := range key.Permissions {
			permission := Permission(strings.ToLower(strings.TrimSpace(raw)))
			if permission == "" {
				continue
			}
			identity.permissions[permission] = struct{}{}
		}
		authorizer.keys[tokenHash] = identity
	}

	return authorizer, nil
}

func (a *Authorizer) Enabled() bool {
	return a != nil && a.enabled
}

func (a *Authorizer) HeaderName() string {
	if a == nil || strings.TrimSpace(a.header) == "" {
		return defaultHeaderName
	}
	return a.header
}

// Authenticate resolves the key from the configured header, falling back to
// an Authorization bearer token.
func (a *Authorizer) Authenticate(r *http.Request) (*Identity, error) {
	if !a.Enabled() {
		return nil, nil
	}

	token := strings.TrimSpace(r.Header.Get(a.HeaderName()))
	if token == "" {
		token = bearerToken(r.Header.Get("Authorization"))
	}
	if token == "" {
		return nil, ErrMissingKey
	}

	identity, ok := a.keys[hashToken(token)]
	if !ok {
		return nil, ErrInvalidKey
	}
	return identity.clone(), nil
}

type MiddlewareOptions struct {
	APIPrefix     string
	AuditRecorder AuditRecorder
}

type AuditRecorder func(r *http.Request, event AuditEvent)

type AuditEvent struct {
	Action             string
	Outcome            string
	Reason             string
	StatusCode         int
	Path               string
	Resource           string
	ResourceAction     string
	RequiredPermission Permission
	KeyID              string
	UserID             string
}

// Middleware authenticates API requests and enforces the permission each
// route requires. Unmapped API routes are denied.
func Middleware(authorizer *Authorizer, options MiddlewareOptions, next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if authorizer == nil || !authorizer.Enabled() {
		return next
	}
	apiPrefix := normalizePrefix(options.APIPrefix)
	if apiPrefix == "/" {
		apiPrefix = "/api"
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		decision := requiredAccess(r.Method, r.URL.Path, apiPrefix)
		if decision.mode == accessModeBypass {
			next.ServeHTTP(w, r)
			return
		}
		recordDeny := func(statusCode int, reason string, identity *Identity) {
			if options.AuditRecorder == nil {
				return
			}
			event := AuditEvent{
				Action:             "api_auth",
				Outcome:            "deny",
				Reason:             strings.TrimSpace(reason),
				StatusCode:         statusCode,
				Path:               r.URL.Path,
				Resource:           decision.resource,
				ResourceAction:     decision.resourceAction,
				RequiredPermission: decision.permission,
			}
			if identity != nil {
				event.KeyID = identity.KeyID
				event.UserID = identity.UserID
			}
			options.AuditRecorder(r, event)
		}
		if decision.mode == accessModeDeny {
			recordDeny(http.StatusForbidden, "action_unmapped", nil)
			writeAuthError(w, http.StatusForbidden, "request is not allowed by api policy")
			return
		}

		identity, err := authorizer.Authenticate(r)
		if err != nil {
			reason := "invalid_api_key"
			if errors.Is(err, ErrMissingKey) {
				reason = "missing_api_key"
			}
			recordDeny(http.StatusUnauthorized, reason, nil)
			writeAuthError(w, http.StatusUnauthorized, "missing or invalid api key")
			return
		}
		if !identity.HasPermission(decision.permission) {
			recordDeny(http.StatusForbidden, "permission_denied", identity)
			writeAuthError(w, http.StatusForbidden, "api key does not have required permission")
			return
		}

		request := r.Clone(WithIdentity(r.Context(), identity))
		request.Header = r.Header.Clone()
		request.Header.Del(authorizer.HeaderName())
		next.ServeHTTP(w, request)
	})
}

type accessMode int

const (
	accessModeBypass accessMode = iota
	accessModeRequirePermission
	accessModeDeny
)

type accessDecision struct {
	mode           accessMode
	resource       string
	resourceAction string
	permission     Permission
}

func require(resource, action string, permission Permission) accessDecision {
	return accessDecision{
		mode:           accessModeRequirePermission,
		resource:       resource,
		resourceAction: action,
		permission:     permission,
	}
}

func requiredAccess(method, path, apiPrefix string) accessDecision {
	method = strings.ToUpper(strings.TrimSpace(method))
	if !hasPathPrefix(path, apiPrefix) {
		return accessDecision{mode: accessModeBypass}
	}
	if method == http.MethodOptions {
		return accessDecision{mode: accessModeBypass}
	}

	id, action, isTracePath := parseTracePath(path, apiPrefix)
	switch {
	case path == apiPrefix+"/health" && isReadMethod(method):
		return accessDecision{mode: accessModeBypass}
	case path == apiPrefix+"/traces" && isReadMethod(method):
		return require("traces", "read", PermissionTracesRead)
	case path == apiPrefix+"/traces" && method == http.MethodPost:
		return require("traces", "start", PermissionTracesWrite)
	case isTracePath && id == "live" && action == "" && isReadMethod(method):
		return require("traces", "live", PermissionTracesRead)
	case isTracePath && action == "" && isReadMethod(method):
		return require("traces", "read", PermissionTracesRead)
	case isTracePath && action == "" && (method == http.MethodPatch || method == http.MethodDelete):
		return require("traces", "write", PermissionTracesWrite)
	case isTracePath && (action == "complete" || action == "events" || action == "spans") && method == http.MethodPost:
		return require("traces", action, PermissionTracesWrite)
	case isTracePath && action == "spans" && method == http.MethodDelete:
		return require("traces", "spans", PermissionTracesWrite)
	case path == apiPrefix+"/playground/runs" && method == http.MethodPost:
		return require("playground", "run", PermissionPlaygroundRun)
	case strings.HasPrefix(path, apiPrefix+"/diagnostics/") && isReadMethod(method):
		return require("diagnostics", "read", PermissionDiagnosticsRead)
	default:
		return accessDecision{mode: accessModeDeny, resource: "api"}
	}
}

func defaultRolePermissions(role string) map[Permission]struct{} {
	permissions := map[Permission]struct{}{}
	for _, permission := range permissionsForRole(role) {
		permissions[permission] = struct{}{}
	}
	return permissions
}

func permissionsForRole(role string) []Permission {
	switch strings.ToLower(strings.TrimSpace(role)) {
	case RoleOwner, RoleAdmin:
		return []Permission{
			PermissionTracesRead,
			PermissionTracesWrite,
			PermissionPlaygroundRun,
			PermissionDiagnosticsRead,
		}
	case RoleViewer:
		return []Permission{
			PermissionTracesRead,
		}
	case "", RoleMember, "developer":
		return []Permission{
			PermissionTracesRead,
			PermissionTracesWrite,
			PermissionPlaygroundRun,
		}
	default:
		// Unknown roles get nothing implicit; key config can still grant permissions.
		return nil
	}
}

// AuthorizationMatrix documents the enforced api policy in resource/action terms.
func AuthorizationMatrix() []AuthorizationRule {
	return []AuthorizationRule{
		{
			Resource: "health",
			Action:   "read",
			Methods:  []string{http.MethodGet, http.MethodHead},
			Path:     "/api/health",
			Public:   true,
		},
		{
			Resource:   "traces",
			Action:     "read",
			Methods:    []string{http.MethodGet, http.MethodHead},
			Path:       "/api/traces, /api/traces/live and /api/traces/:id",
			Permission: PermissionTracesRead,
		},
		{
			Resource:   "traces",
			Action:     "write",
			Methods:    []string{http.MethodPost, http.MethodPatch, http.MethodDelete},
			Path:       "/api/traces and /api/traces/:id plus complete/events/spans subroutes",
			Permission: PermissionTracesWrite,
		},
		{
			Resource:   "playground",
			Action:     "run",
			Methods:    []string{http.MethodPost},
			Path:       "/api/playground/runs",
			Permission: PermissionPlaygroundRun,
		},
		{
			Resource:   "diagnostics",
			Action:     "read",
			Methods:    []string{http.MethodGet, http.MethodHead},
			Path:       "/api/diagnostics/*",
			Permission: PermissionDiagnosticsRead,
		},
	}
}

func isReadMethod(method string) bool {
	switch strings.ToUpper(strings.TrimSpace(method)) {
	case http.MethodGet, http.MethodHead:
		return true
	default:
		return false
	}
}

// parseTracePath splits /traces/{id}[/{action}[/{sub}]] under apiPrefix.
func parseTracePath(path, apiPrefix string) (string, string, bool) {
	prefix := apiPrefix + "/traces/"
	if !strings.HasPrefix(path, prefix) {
		return "", "", false
	}
	suffix := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if suffix == "" {
		return "", "", false
	}
	parts := strings.Split(suffix, "/")
	if len(parts) > 3 {
		return "", "", false
	}
	id := strings.TrimSpace(parts[0])
	if id == "" {
		return "", "", false
	}
	action := ""
	if len(parts) >= 2 {
		action = strings.TrimSpace(parts[1])
		if action == "" {
			return "", "", false
		}
	}
	if len(parts) == 3 && action != "spans" {
		return "", "", false
	}
	return id, action, true
}

func normalizePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return "/"
	}
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	if len(prefix) > 1 {
		prefix = strings.TrimRight(prefix, "/")
	}
	return prefix
}

func hasPathPrefix(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func writeAuthError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

func bearerToken(header string) string {
	value := strings.TrimSpace(header)
	if len(value) < 7 || !strings.EqualFold(value[:7], "bearer ") {
		return ""
	}
	return strings.TrimSpace(value[7:])
}

func normalizeHeaderName(header string) string {
	value := strings.TrimSpace(header)
	if value == "" {
		return ""
	}
	return textproto.CanonicalMIMEHeaderKey(value)
}

func hashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// HashToken returns the hex sha256 digest stored as token_hash in config.
func HashToken(token string) string {
	return hashToken(strings.TrimSpace(token))
}

func normalizeTokenHash(value string) string {
	return strings.TrimSpace(strings.ToLower(value))
}

func (i *Identity) clone() *Identity {
	if i == nil {
		return nil
	}
	out := *i
	if len(i.permissions) > 0 {
		out.permissions = make(map[Permission]struct{}, len(i.permissions))
		for permission := range i.permissions {
			out.permissions[permission] = struct{}{}
		}
	}
	return &out
}

type contextIdentityKey struct{}

func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	if identity == nil {
		return ctx
	}
	return context.WithValue(ctx, contextIdentityKey{}, identity)
}

func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	if ctx == nil {
		return nil, false
	}
	identity, ok := ctx.Value(contextIdentityKey{}).(*Identity)
	return identity, ok && identity != nil
}
