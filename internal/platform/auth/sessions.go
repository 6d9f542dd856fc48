package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/licitaflow/licitaflow-go/internal/domain"
	"github.com/licitaflow/licitaflow-go/internal/repo"
)

const minPasswordLength = 8

var ErrWeakPassword = fmt.Errorf("password must have at least %d characters", minPasswordLength)

// Sessions is the identity service: it owns login, logout, password
// changes and session resolution. It is also the Authenticator used by
// the middleware, resolving the session cookie to an Identity.
type Sessions struct {
	cfg      Config
	users    repo.UserRepository
	sessions repo.SessionRepository
	logger   *slog.Logger
	now      func() time.Time
}

func NewSessions(cfg Config, users repo.UserRepository, sessions repo.SessionRepository, logger *slog.Logger) (*Sessions, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if users == nil || sessions == nil {
		return nil, errors.New("user and session repositories are required")
	}
	return &Sessions{
		cfg:      cfg,
		users:    users,
		sessions: sessions,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Login verifies the identifier/password pair and mints a session.
// Every failure path collapses to ErrUnauthenticated so the response
// does not reveal whether the account exists.
func (s *Sessions) Login(ctx context.Context, identifier, password string) (domain.User, domain.Session, error) {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" || password == "" {
		return domain.User{}, domain.Session{}, ErrUnauthenticated
	}

	user, err := s.users.GetByIdentifier(ctx, identifier)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.User{}, domain.Session{}, ErrUnauthenticated
		}
		return domain.User{}, domain.Session{}, fmt.Errorf("load user: %w", err)
	}
	if !user.Active || strings.TrimSpace(user.PasswordHash) == "" {
		return domain.User{}, domain.Session{}, ErrUnauthenticated
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return domain.User{}, domain.Session{}, ErrUnauthenticated
	}

	session, err := s.create(ctx, user.ID)
	if err != nil {
		return domain.User{}, domain.Session{}, err
	}
	return user, session, nil
}

func (s *Sessions) create(ctx context.Context, userID string) (domain.Session, error) {
	now := s.now()
	session := domain.Session{
		ID:         uuid.NewString(),
		UserID:     userID,
		CreatedAt:  now,
		LastSeenAt: now,
		ExpiresAt:  now.Add(s.cfg.SessionTTL),
	}
	if err := s.sessions.Create(ctx, session); err != nil {
		return domain.Session{}, fmt.Errorf("create session: %w", err)
	}
	return session, nil
}

func (s *Sessions) Logout(ctx context.Context, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	return s.sessions.Revoke(ctx, sessionID, s.now())
}

// Authenticate resolves the session cookie to an Identity. A valid hit
// bumps the rolling expiry; the bump is best-effort and never fails
// the request.
func (s *Sessions) Authenticate(ctx context.Context, r *http.Request) (Identity, error) {
	sid := cookieValue(r, s.cfg.SessionCookieName)
	if sid == "" {
		return Identity{}, ErrUnauthenticated
	}

	session, err := s.sessions.Get(ctx, sid)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Identity{}, ErrUnauthenticated
		}
		return Identity{}, fmt.Errorf("load session: %w", err)
	}
	now := s.now()
	if !session.ValidAt(now) {
		return Identity{}, ErrUnauthenticated
	}

	user, err := s.users.GetByID(ctx, session.UserID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Identity{}, ErrUnauthenticated
		}
		return Identity{}, fmt.Errorf("load user: %w", err)
	}
	if !user.Active {
		return Identity{}, ErrUnauthenticated
	}

	if err := s.sessions.Touch(ctx, sid, now, now.Add(s.cfg.SessionTTL)); err != nil && s.logger != nil {
		s.logger.Warn("session touch failed", "error", err)
	}

	return Identity{
		Subject:   user.ID,
		Name:      user.Name,
		Email:     user.Email,
		Roles:     user.Roles,
		Superuser: user.IsSuperuser,
	}, nil
}

// CurrentUser loads the full user record for an authenticated subject.
func (s *Sessions) CurrentUser(ctx context.Context, subject string) (domain.User, error) {
	return s.users.GetByID(ctx, subject)
}

// ChangePassword verifies the current password before storing the new
// hash and clearing the must-change flag.
func (s *Sessions) ChangePassword(ctx context.Context, userID, current, updated string) error {
	if len(updated) < minPasswordLength {
		return ErrWeakPassword
	}
	user, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("load user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(current)); err != nil {
		return ErrUnauthenticated
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(updated), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	return s.users.UpdatePassword(ctx, userID, string(hash), false)
}

func (s *Sessions) Config() Config {
	return s.cfg
}

func cookieValue(r *http.Request, name string) string {
	cookie, err := r.Cookie(name)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(cookie.Value)
}
