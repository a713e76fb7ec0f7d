/*
auth.go - Request authentication

PURPOSE:
  Derives the acting account from the transport channel. Handlers never
  trust owner identifiers inside request payloads; the authenticated
  principal is the only identity the processor acts for.

SEE ALSO:
  - handlers.go: consumes the principal from the request context
*/
package api

import (
	"context"
	"net/http"
	"strings"

	"github.com/warp/shadow-ledger/ledger"
)

type contextKey string

const principalKey contextKey = "principal"

// Authenticator maps an incoming request to the account it acts for.
type Authenticator interface {
	// Authenticate returns the principal for the request, or false when
	// the request carries no valid credentials.
	Authenticate(r *http.Request) (ledger.OwnerID, bool)
}

// =============================================================================
// STATIC TOKEN AUTH
// =============================================================================

// StaticTokenAuth authenticates bearer tokens against a fixed table.
// Suitable for development and tests; production deployments plug in
// their own Authenticator.
type StaticTokenAuth struct {
	tokens map[string]ledger.OwnerID
}

func NewStaticTokenAuth(tokens map[string]ledger.OwnerID) *StaticTokenAuth {
	cp := make(map[string]ledger.OwnerID, len(tokens))
	for token, owner := range tokens {
		cp[token] = owner
	}
	return &StaticTokenAuth{tokens: cp}
}

func (a *StaticTokenAuth) Authenticate(r *http.Request) (ledger.OwnerID, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || token == "" {
		return "", false
	}
	owner, ok := a.tokens[token]
	return owner, ok
}

// =============================================================================
// MIDDLEWARE
// =============================================================================

// RequireAuth rejects unauthenticated requests and stores the principal
// in the request context for handlers downstream.
func RequireAuth(auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			owner, ok := auth.Authenticate(r)
			if !ok {
				writeError(w, http.StatusUnauthorized, "missing or invalid credentials")
				return
			}
			ctx := context.WithValue(r.Context(), principalKey, owner)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// Principal returns the authenticated account for the request.
func Principal(ctx context.Context) (ledger.OwnerID, bool) {
	owner, ok := ctx.Value(principalKey).(ledger.OwnerID)
	return owner, ok && owner != ""
}
