package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"vibekanban-remote/internal/apierr"
	"vibekanban-remote/internal/auth"
)

// IdentityProvider is the external OAuth authorization-code exchange and
// token minting collaborator (spec.md §1 Out of scope). The core only
// needs it to turn a redeemed handoff into a stable user id.
type IdentityProvider interface {
	InitHandoff(ctx context.Context) (handoffID string, authorizeURL string, err error)
	RedeemHandoff(ctx context.Context, handoffID, code string) (userID uuid.UUID, err error)
}

// OAuthInit handles POST /v1/oauth/web/init.
func (s *Server) OAuthInit(identity IdentityProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		handoffID, authorizeURL, err := identity.InitHandoff(r.Context())
		if err != nil {
			apierr.WriteJSON(w, apierr.Wrap(apierr.CodeInternal, "failed to start oauth handoff", err))
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"handoff_id": handoffID, "authorize_url": authorizeURL})
	}
}

// OAuthRedeem handles POST /v1/oauth/web/redeem.
func (s *Server) OAuthRedeem(identity IdentityProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			HandoffID string `json:"handoff_id"`
			Code      string `json:"code"`
		}
		if err := decodeJSON(r, &req); err != nil {
			apierr.WriteJSON(w, apierr.New(apierr.CodeInvalidRequest, "malformed body"))
			return
		}

		userID, err := identity.RedeemHandoff(r.Context(), req.HandoffID, req.Code)
		if err != nil {
			apierr.WriteJSON(w, apierr.New(apierr.CodeInvalidToken, "invalid_token"))
			return
		}

		sessionID, err := s.Sessions.CreateSession(r.Context(), userID)
		if err != nil {
			apierr.WriteJSON(w, apierr.Wrap(apierr.CodeInternal, "failed to create session", err))
			return
		}

		pair, err := s.Tokens.Mint(userID, sessionID)
		if err != nil {
			apierr.WriteJSON(w, apierr.Wrap(apierr.CodeInternal, "failed to mint tokens", err))
			return
		}

		writeJSON(w, http.StatusOK, map[string]string{
			"access_token":  pair.AccessToken,
			"refresh_token": pair.RefreshToken,
		})
	}
}

// RefreshToken handles POST /v1/tokens/refresh.
func (s *Server) RefreshToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeJSON(r, &req); err != nil {
		apierr.WriteJSON(w, apierr.New(apierr.CodeInvalidRequest, "malformed body"))
		return
	}

	pair, err := s.Tokens.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeRefreshError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"access_token":  pair.AccessToken,
		"refresh_token": pair.RefreshToken,
	})
}

func writeRefreshError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, auth.ErrTokenExpired):
		apierr.WriteJSON(w, apierr.New(apierr.CodeTokenExpired, "token_expired"))
	case errors.Is(err, auth.ErrSessionRevoked):
		apierr.WriteJSON(w, apierr.New(apierr.CodeSessionRevoked, "session_revoked"))
	case errors.Is(err, auth.ErrTokenReuseDetected):
		apierr.WriteJSON(w, apierr.New(apierr.CodeTokenReuseDetected, "token_reuse_detected"))
	default:
		apierr.WriteJSON(w, apierr.New(apierr.CodeInvalidToken, "invalid_token"))
	}
}
