package auth

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const inactivityLimit = 365 * 24 * time.Hour

type contextKey int

const (
	ctxUserID contextKey = iota
	ctxSessionID
)

// Gate wraps HTTP handlers with the request-authentication steps of
// spec.md §4.5: extract bearer token, decode via the Token Service, load
// the session, enforce revocation/inactivity, populate context, and touch
// last_used_at asynchronously at day granularity. It generalizes the
// teacher's authMiddlewareCtx, which did everything but the session load,
// revocation and touch steps.
type Gate struct {
	tokens *TokenService
	store  SessionStore
	touch  *touchCoalescer
}

// NewGate builds a Gate. logger-free by design: failures surface as 401s,
// the only observable signal the spec requires.
func NewGate(tokens *TokenService, store SessionStore) *Gate {
	g := &Gate{tokens: tokens, store: store}
	g.touch = newTouchCoalescer(store)
	return g
}

// Middleware wraps next with authentication, populating the request
// context with {user_id, session_id} on success.
func (g *Gate) Middleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		identity, err := g.authenticate(r.Context(), r.Header.Get("Authorization"))
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), ctxUserID, identity.UserID)
		ctx = context.WithValue(ctx, ctxSessionID, identity.SessionID)
		next(w, r.WithContext(ctx))

		g.touch.touch(identity.SessionID)
	}
}

// Authenticate runs the same checks Middleware does, for callers that need
// it outside an http.Handler. bearerToken is the full "Bearer <token>"
// Authorization value. The WS Session uses AuthenticateForStream instead.
func (g *Gate) Authenticate(ctx context.Context, bearerToken string) (AccessIdentity, error) {
	return g.authenticate(ctx, bearerToken)
}

// AuthenticateForStream is Authenticate with the wider websocket leeway,
// used by the WS Session's OPEN step and auth-refresh tick.
func (g *Gate) AuthenticateForStream(ctx context.Context, bearerToken string) (AccessIdentity, error) {
	token, ok := strings.CutPrefix(bearerToken, "Bearer ")
	if !ok || token == "" {
		return AccessIdentity{}, ErrInvalidToken
	}
	return g.authenticateToken(ctx, token, func(tok string) (AccessIdentity, error) {
		return g.tokens.ValidateAccessForStream(tok)
	})
}

func (g *Gate) authenticate(ctx context.Context, authHeader string) (AccessIdentity, error) {
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return AccessIdentity{}, ErrInvalidToken
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return AccessIdentity{}, ErrInvalidToken
	}
	return g.authenticateToken(ctx, token, g.tokens.validateAccessAtRest)
}

func (g *Gate) authenticateToken(ctx context.Context, token string, validate func(string) (AccessIdentity, error)) (AccessIdentity, error) {
	identity, err := validate(token)
	if err != nil {
		return AccessIdentity{}, err
	}

	session, err := g.store.GetSession(ctx, identity.SessionID)
	if err != nil {
		return AccessIdentity{}, ErrInvalidToken
	}
	if session.RevokedAt != nil {
		return AccessIdentity{}, ErrSessionRevoked
	}
	if session.LastUsedAt != nil && time.Since(*session.LastUsedAt) > inactivityLimit {
		_ = g.store.RevokeAllSessionsForUser(ctx, session.UserID)
		return AccessIdentity{}, ErrSessionRevoked
	}

	return identity, nil
}

// UserFromContext extracts the authenticated user id populated by Gate.
func UserFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(ctxUserID).(uuid.UUID)
	return id, ok
}

// SessionFromContext extracts the authenticated session id.
func SessionFromContext(ctx context.Context) (uuid.UUID, bool) {
	id, ok := ctx.Value(ctxSessionID).(uuid.UUID)
	return id, ok
}
