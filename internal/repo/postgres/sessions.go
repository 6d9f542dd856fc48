package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/licitaflow/licitaflow-go/internal/domain"
)

type SessionStore struct {
	db DB
}

func NewSessionStore(db DB) *SessionStore {
	if db == nil {
		return nil
	}
	return &SessionStore{db: db}
}

func (s *SessionStore) Create(ctx context.Context, session domain.Session) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("session store not initialized")
	}
	if strings.TrimSpace(session.ID) == "" {
		return fmt.Errorf("session id is required")
	}
	if strings.TrimSpace(session.UserID) == "" {
		return fmt.Errorf("user id is required")
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO sessions (
			session_id,
			user_id,
			created_at,
			last_seen_at,
			expires_at,
			revoked_at
		) VALUES ($1,$2,$3,$4,$5,$6)`,
		strings.TrimSpace(session.ID),
		strings.TrimSpace(session.UserID),
		normalizeTime(session.CreatedAt),
		normalizeTime(session.LastSeenAt),
		session.ExpiresAt.UTC(),
		nullTime(session.RevokedAt),
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SessionStore) Get(ctx context.Context, id string) (domain.Session, error) {
	if s == nil || s.db == nil {
		return domain.Session{}, fmt.Errorf("session store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.Session{}, fmt.Errorf("session id is required")
	}
	var session domain.Session
	var revokedAt sql.NullTime
	row := s.db.QueryRowContext(
		ctx,
		`SELECT session_id, user_id, created_at, last_seen_at, expires_at, revoked_at
		 FROM sessions
		 WHERE session_id = $1`,
		id,
	)
	if err := row.Scan(
		&session.ID, &session.UserID, &session.CreatedAt,
		&session.LastSeenAt, &session.ExpiresAt, &revokedAt,
	); err != nil {
		return domain.Session{}, handleNotFound(err)
	}
	if revokedAt.Valid {
		revoked := revokedAt.Time.UTC()
		session.RevokedAt = &revoked
	}
	session.CreatedAt = session.CreatedAt.UTC()
	session.LastSeenAt = session.LastSeenAt.UTC()
	session.ExpiresAt = session.ExpiresAt.UTC()
	return session, nil
}

// Touch implements rolling expiry. Only live sessions are bumped.
func (s *SessionStore) Touch(ctx context.Context, id string, lastSeen, expires time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("session store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("session id is required")
	}
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE sessions
		 SET last_seen_at = $1, expires_at = $2
		 WHERE session_id = $3 AND revoked_at IS NULL`,
		lastSeen.UTC(),
		expires.UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("touch session: %w", err)
	}
	return nil
}

func (s *SessionStore) Revoke(ctx context.Context, id string, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("session store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("session id is required")
	}
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE sessions
		 SET revoked_at = $1
		 WHERE session_id = $2 AND revoked_at IS NULL`,
		at.UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("revoke session: %w", err)
	}
	return nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
