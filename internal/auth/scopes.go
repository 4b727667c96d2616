package auth

import (
	"context"
	"net/http"
	"slices"
	"strings"
)

const (
	ScopeOpenID        = "openid"
	ScopeProfile       = "profile"
	ScopeEmail         = "email"
	ScopeWorkflowRead  = "workflow:read"
	ScopeWorkflowWrite = "workflow:write"
)

// AllScopes defines the full set of scopes requested by API clients.
var AllScopes = []string{
	ScopeOpenID,
	ScopeProfile,
	ScopeEmail,
	ScopeWorkflowRead,
	ScopeWorkflowWrite,
}

type scopesKey struct{}

// WithScopes returns a copy of ctx carrying the granted scopes.
func WithScopes(ctx context.Context, scopes []string) context.Context {
	return context.WithValue(ctx, scopesKey{}, scopes)
}

// ScopesFromContext returns the scopes granted to the request.
func ScopesFromContext(ctx context.Context) []string {
	scopes, _ := ctx.Value(scopesKey{}).([]string)
	return scopes
}

// HasScope reports whether the request was granted scope.
func HasScope(ctx context.Context, scope string) bool {
	return slices.Contains(ScopesFromContext(ctx), scope)
}

// RequireScope rejects requests whose token was not granted scope. It
// runs after RequireAuth.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !HasScope(r.Context(), scope) {
				http.Error(w, "insufficient scope: "+scope+" required", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// scopeClaims covers Okta's "scp" array and the space separated "scope"
// string of RFC 9068 access tokens.
type scopeClaims struct {
	Scp   []string `json:"scp"`
	Scope string   `json:"scope"`
}

func (c scopeClaims) scopes() []string {
	if len(c.Scp) > 0 {
		return c.Scp
	}
	return strings.Fields(c.Scope)
}
