package auth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSessionStore is an in-memory SessionStore for exercising TokenService
// without a Postgres instance.
type fakeSessionStore struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]Session
	reused   map[uuid.UUID]bool
	revoked  map[uuid.UUID]bool
}

func newFakeSessionStore() *fakeSessionStore {
	return &fakeSessionStore{
		sessions: make(map[uuid.UUID]Session),
		reused:   make(map[uuid.UUID]bool),
		revoked:  make(map[uuid.UUID]bool),
	}
}

func (f *fakeSessionStore) put(s Session) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[s.ID] = s
}

func (f *fakeSessionStore) GetSession(ctx context.Context, sessionID uuid.UUID) (Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return Session{}, ErrInvalidToken
	}
	return s, nil
}

func (f *fakeSessionStore) RotateRefreshToken(ctx context.Context, sessionID uuid.UUID, oldJTI, newJTI uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[sessionID]
	if !ok {
		return ErrInvalidToken
	}
	if s.RefreshTokenID == nil || *s.RefreshTokenID != oldJTI {
		return ErrConflict
	}
	s.RefreshTokenID = &newJTI
	f.sessions[sessionID] = s
	return nil
}

func (f *fakeSessionStore) MarkReused(ctx context.Context, jti uuid.UUID, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reused[jti] = true
	return nil
}

func (f *fakeSessionStore) IsReused(ctx context.Context, jti uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reused[jti], nil
}

func (f *fakeSessionStore) RevokeAllSessionsForUser(ctx context.Context, userID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[userID] = true
	now := time.Now()
	for id, s := range f.sessions {
		if s.UserID == userID {
			s.RevokedAt = &now
			f.sessions[id] = s
		}
	}
	return nil
}

func (f *fakeSessionStore) Touch(ctx context.Context, sessionID uuid.UUID, day time.Time) error {
	return nil
}

func newTestSecret() []byte {
	secret := make([]byte, 32)
	for i := range secret {
		secret[i] = byte(i + 1)
	}
	return secret
}

func TestTokenServiceMintAndValidateAccess(t *testing.T) {
	store := newFakeSessionStore()
	svc := NewTokenService(newTestSecret(), store)

	userID, sessionID := uuid.New(), uuid.New()
	pair, err := svc.Mint(userID, sessionID)
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.NotEmpty(t, pair.RefreshToken)

	identity, err := svc.ValidateAccess(pair.AccessToken, restLeeway)
	require.NoError(t, err)
	assert.Equal(t, userID, identity.UserID)
	assert.Equal(t, sessionID, identity.SessionID)
}

func TestTokenServiceValidateAccessRejectsRefreshToken(t *testing.T) {
	store := newFakeSessionStore()
	svc := NewTokenService(newTestSecret(), store)

	pair, err := svc.Mint(uuid.New(), uuid.New())
	require.NoError(t, err)

	_, err = svc.ValidateAccess(pair.RefreshToken, restLeeway)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenServiceRefreshRotatesSingleUse(t *testing.T) {
	store := newFakeSessionStore()
	svc := NewTokenService(newTestSecret(), store)

	userID, sessionID := uuid.New(), uuid.New()
	pair, err := svc.Mint(userID, sessionID)
	require.NoError(t, err)
	store.put(Session{ID: sessionID, UserID: userID, RefreshTokenID: &pair.RefreshJTI})

	rotated, err := svc.Refresh(context.Background(), pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, rotated.RefreshToken)
	assert.NotEqual(t, pair.RefreshJTI, rotated.RefreshJTI)

	identity, err := svc.ValidateAccess(rotated.AccessToken, restLeeway)
	require.NoError(t, err)
	assert.Equal(t, userID, identity.UserID)
}

func TestTokenServiceRefreshReuseDetectionRevokesSessions(t *testing.T) {
	store := newFakeSessionStore()
	svc := NewTokenService(newTestSecret(), store)

	userID, sessionID := uuid.New(), uuid.New()
	pair, err := svc.Mint(userID, sessionID)
	require.NoError(t, err)
	store.put(Session{ID: sessionID, UserID: userID, RefreshTokenID: &pair.RefreshJTI})

	_, err = svc.Refresh(context.Background(), pair.RefreshToken)
	require.NoError(t, err)

	// Presenting the same (now-rotated-away) refresh token again is reuse.
	_, err = svc.Refresh(context.Background(), pair.RefreshToken)
	assert.ErrorIs(t, err, ErrTokenReuseDetected)

	store.mu.Lock()
	revoked := store.revoked[userID]
	store.mu.Unlock()
	assert.True(t, revoked, "reuse must revoke every session for the user")
}

func TestTokenServiceRefreshRejectsRevokedSession(t *testing.T) {
	store := newFakeSessionStore()
	svc := NewTokenService(newTestSecret(), store)

	userID, sessionID := uuid.New(), uuid.New()
	pair, err := svc.Mint(userID, sessionID)
	require.NoError(t, err)
	now := time.Now()
	store.put(Session{ID: sessionID, UserID: userID, RefreshTokenID: &pair.RefreshJTI, RevokedAt: &now})

	_, err = svc.Refresh(context.Background(), pair.RefreshToken)
	assert.ErrorIs(t, err, ErrSessionRevoked)
}

func TestTokenServiceValidateAccessExpired(t *testing.T) {
	store := newFakeSessionStore()
	svc := NewTokenService(newTestSecret(), store)
	svc.now = func() time.Time { return time.Now().Add(-10 * time.Minute) }

	pair, err := svc.Mint(uuid.New(), uuid.New())
	require.NoError(t, err)

	svc.now = time.Now
	_, err = svc.ValidateAccess(pair.AccessToken, 0)
	assert.ErrorIs(t, err, ErrTokenExpired)
}
