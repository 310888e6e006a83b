package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"vibekanban-remote/internal/auth"
)

// PostgresSessionStore implements auth.SessionStore over auth_sessions and
// refresh_token_reuse, generalizing the teacher's direct db.QueryRow/db.Exec
// style from database.go/handlers.go.
type PostgresSessionStore struct {
	db *sql.DB
}

// NewPostgresSessionStore builds a PostgresSessionStore over db.
func NewPostgresSessionStore(db *sql.DB) *PostgresSessionStore {
	return &PostgresSessionStore{db: db}
}

func (s *PostgresSessionStore) GetSession(ctx context.Context, sessionID uuid.UUID) (auth.Session, error) {
	var sess auth.Session
	var refreshTokenID sql.NullString
	var revokedAt, lastUsedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, refresh_token_id, revoked_at, last_used_at
		FROM auth_sessions WHERE id = $1`, sessionID,
	).Scan(&sess.ID, &sess.UserID, &refreshTokenID, &revokedAt, &lastUsedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return auth.Session{}, fmt.Errorf("api: session %s not found", sessionID)
	}
	if err != nil {
		return auth.Session{}, fmt.Errorf("api: get session: %w", err)
	}

	if refreshTokenID.Valid {
		id, err := uuid.Parse(refreshTokenID.String)
		if err == nil {
			sess.RefreshTokenID = &id
		}
	}
	if revokedAt.Valid {
		t := revokedAt.Time
		sess.RevokedAt = &t
	}
	if lastUsedAt.Valid {
		t := lastUsedAt.Time
		sess.LastUsedAt = &t
	}
	return sess, nil
}

func (s *PostgresSessionStore) RotateRefreshToken(ctx context.Context, sessionID uuid.UUID, oldJTI, newJTI uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE auth_sessions SET refresh_token_id = $1
		WHERE id = $2 AND refresh_token_id = $3 AND revoked_at IS NULL`,
		newJTI, sessionID, oldJTI)
	if err != nil {
		return fmt.Errorf("api: rotate refresh token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("api: rotate refresh token rows affected: %w", err)
	}
	if n == 0 {
		return auth.ErrConflict
	}
	return nil
}

func (s *PostgresSessionStore) MarkReused(ctx context.Context, jti uuid.UUID, userID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_token_reuse (refresh_token_id, user_id)
		VALUES ($1, $2) ON CONFLICT (refresh_token_id) DO NOTHING`, jti, userID)
	if err != nil {
		return fmt.Errorf("api: mark reused jti: %w", err)
	}
	return nil
}

func (s *PostgresSessionStore) IsReused(ctx context.Context, jti uuid.UUID) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM refresh_token_reuse WHERE refresh_token_id = $1)`, jti,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("api: check reuse set: %w", err)
	}
	return exists, nil
}

func (s *PostgresSessionStore) RevokeAllSessionsForUser(ctx context.Context, userID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE auth_sessions SET revoked_at = now() WHERE user_id = $1 AND revoked_at IS NULL`, userID)
	if err != nil {
		return fmt.Errorf("api: revoke all sessions: %w", err)
	}
	return nil
}

func (s *PostgresSessionStore) Touch(ctx context.Context, sessionID uuid.UUID, day time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE auth_sessions SET last_used_at = $2
		WHERE id = $1 AND (last_used_at IS NULL OR last_used_at < $2)`,
		sessionID, day)
	if err != nil {
		return fmt.Errorf("api: touch session: %w", err)
	}
	return nil
}

// CreateSession inserts a brand-new session row for userID, used by the
// OAuth redeem endpoint.
func (s *PostgresSessionStore) CreateSession(ctx context.Context, userID uuid.UUID) (uuid.UUID, error) {
	id := uuid.New()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO auth_sessions (id, user_id) VALUES ($1, $2)`, id, userID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("api: create session: %w", err)
	}
	return id, nil
}
