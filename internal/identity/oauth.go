// Package identity is the external OAuth collaborator spec.md §1 calls out
// as out of scope for the core ("OAuth authorization-code exchange and
// token minting... the core consumes a TokenService"). It exists only so
// cmd/server has a real internal/api.IdentityProvider to wire in, rather
// than the core depending on a stub. It is deliberately thin: one
// configured provider, a short-lived in-memory handoff store, and a
// deterministic user id derived from the provider's external subject.
//
// Grounded on golang.org/x/oauth2, a dependency declared by two pack repos
// (ethereum-go-ethereum, ghjramos-aistore); no complete example repo
// exercises the authorization-code flow directly, so the exchange/userinfo
// shape below follows the oauth2 package's own idiom rather than a pack
// precedent.
package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"vibekanban-remote/internal/config"
)

// uuidNamespace roots the deterministic, per-provider user id derivation.
var uuidNamespace = uuid.MustParse("6f2b6b3e-6c9b-4f0c-9a8d-5a2c9b7e1a10")

const handoffTTL = 10 * time.Minute

// userInfoURLs maps a configured provider name to its userinfo endpoint.
var userInfoURLs = map[string]string{
	"github": "https://api.github.com/user",
	"google": "https://www.googleapis.com/oauth2/v3/userinfo",
}

// endpointsByProvider hardcodes the two provider endpoints this build
// supports, mirroring what golang.org/x/oauth2/github and .../google would
// otherwise provide.
var endpointsByProvider = map[string]oauth2.Endpoint{
	"github": {
		AuthURL:  "https://github.com/login/oauth/authorize",
		TokenURL: "https://github.com/login/oauth/access_token",
	},
	"google": {
		AuthURL:  "https://accounts.google.com/o/oauth2/auth",
		TokenURL: "https://oauth2.googleapis.com/token",
	},
}

// Provider implements internal/api.IdentityProvider for one configured
// OAuth provider. cmd/server picks the first configured provider since the
// spec's logical endpoints don't carry a provider selector.
type Provider struct {
	name        string
	oauth       *oauth2.Config
	userInfoURL string

	mu       sync.Mutex
	handoffs map[string]handoff
}

type handoff struct {
	state     string
	expiresAt time.Time
}

// NewProvider builds a Provider for cfg, using publicBaseURL + "/v1/oauth/web/redeem"
// as the redirect URL.
func NewProvider(cfg config.OAuthProvider, publicBaseURL string) (*Provider, error) {
	endpoint, ok := endpointsByProvider[cfg.Name]
	if !ok {
		return nil, fmt.Errorf("identity: unsupported oauth provider %q", cfg.Name)
	}
	userInfoURL, ok := userInfoURLs[cfg.Name]
	if !ok {
		return nil, fmt.Errorf("identity: no userinfo endpoint known for provider %q", cfg.Name)
	}

	return &Provider{
		name: cfg.Name,
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			RedirectURL:  publicBaseURL + "/v1/oauth/web/redeem",
			Scopes:       []string{"email"},
		},
		userInfoURL: userInfoURL,
		handoffs:    make(map[string]handoff),
	}, nil
}

// InitHandoff starts an authorization-code flow, returning an opaque
// handoff id the caller round-trips to RedeemHandoff and the URL the
// end-user's browser should be sent to.
func (p *Provider) InitHandoff(ctx context.Context) (handoffID, authorizeURL string, err error) {
	id, err := randomID()
	if err != nil {
		return "", "", fmt.Errorf("identity: generate handoff id: %w", err)
	}
	state, err := randomID()
	if err != nil {
		return "", "", fmt.Errorf("identity: generate state: %w", err)
	}

	p.mu.Lock()
	p.gcLocked()
	p.handoffs[id] = handoff{state: state, expiresAt: time.Now().Add(handoffTTL)}
	p.mu.Unlock()

	return id, p.oauth.AuthCodeURL(state), nil
}

// RedeemHandoff exchanges an authorization code for a token, fetches the
// provider's userinfo endpoint, and derives a stable user id from the
// external subject.
func (p *Provider) RedeemHandoff(ctx context.Context, handoffID, code string) (uuid.UUID, error) {
	p.mu.Lock()
	h, ok := p.handoffs[handoffID]
	if ok {
		delete(p.handoffs, handoffID)
	}
	p.mu.Unlock()
	if !ok || time.Now().After(h.expiresAt) {
		return uuid.UUID{}, fmt.Errorf("identity: unknown or expired handoff")
	}

	token, err := p.oauth.Exchange(ctx, code)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("identity: exchange code: %w", err)
	}

	subject, err := p.fetchSubject(ctx, token)
	if err != nil {
		return uuid.UUID{}, err
	}

	return uuid.NewSHA1(uuidNamespace, []byte(p.name+":"+subject)), nil
}

func (p *Provider) fetchSubject(ctx context.Context, token *oauth2.Token) (string, error) {
	client := p.oauth.Client(ctx, token)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.userInfoURL, nil)
	if err != nil {
		return "", fmt.Errorf("identity: build userinfo request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("identity: fetch userinfo: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("identity: read userinfo: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("identity: userinfo status %d", resp.StatusCode)
	}

	var payload struct {
		ID    json.Number `json:"id"`
		Sub   string      `json:"sub"`
		Email string      `json:"email"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return "", fmt.Errorf("identity: decode userinfo: %w", err)
	}

	switch {
	case payload.Sub != "":
		return payload.Sub, nil
	case payload.ID != "":
		return payload.ID.String(), nil
	case payload.Email != "":
		return payload.Email, nil
	default:
		return "", fmt.Errorf("identity: userinfo response carried no usable subject")
	}
}

// gcLocked drops expired handoffs. Caller holds p.mu.
func (p *Provider) gcLocked() {
	now := time.Now()
	for id, h := range p.handoffs {
		if now.After(h.expiresAt) {
			delete(p.handoffs, id)
		}
	}
}

func randomID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
