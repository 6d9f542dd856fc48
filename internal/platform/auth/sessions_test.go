package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/licitaflow/licitaflow-go/internal/domain"
	"github.com/licitaflow/licitaflow-go/internal/repo"
)

type fakeUserRepo struct {
	users map[string]domain.User
}

func (f *fakeUserRepo) GetByID(ctx context.Context, id string) (domain.User, error) {
	user, ok := f.users[id]
	if !ok {
		return domain.User{}, repo.ErrNotFound
	}
	return user, nil
}

func (f *fakeUserRepo) GetByIdentifier(ctx context.Context, identifier string) (domain.User, error) {
	for _, user := range f.users {
		if user.Email == identifier {
			return user, nil
		}
	}
	return domain.User{}, repo.ErrNotFound
}

func (f *fakeUserRepo) Upsert(ctx context.Context, user domain.User) error {
	f.users[user.ID] = user
	return nil
}

func (f *fakeUserRepo) UpdatePassword(ctx context.Context, id, passwordHash string, mustChange bool) error {
	user, ok := f.users[id]
	if !ok {
		return repo.ErrNotFound
	}
	user.PasswordHash = passwordHash
	user.MustChangePassword = mustChange
	f.users[id] = user
	return nil
}

type fakeSessionRepo struct {
	sessions map[string]domain.Session
	touched  int
}

func (f *fakeSessionRepo) Create(ctx context.Context, session domain.Session) error {
	f.sessions[session.ID] = session
	return nil
}

func (f *fakeSessionRepo) Get(ctx context.Context, id string) (domain.Session, error) {
	session, ok := f.sessions[id]
	if !ok {
		return domain.Session{}, repo.ErrNotFound
	}
	return session, nil
}

func (f *fakeSessionRepo) Touch(ctx context.Context, id string, lastSeen, expires time.Time) error {
	session, ok := f.sessions[id]
	if !ok {
		return repo.ErrNotFound
	}
	session.LastSeenAt = lastSeen
	session.ExpiresAt = expires
	f.sessions[id] = session
	f.touched++
	return nil
}

func (f *fakeSessionRepo) Revoke(ctx context.Context, id string, at time.Time) error {
	session, ok := f.sessions[id]
	if !ok {
		return repo.ErrNotFound
	}
	session.RevokedAt = &at
	f.sessions[id] = session
	return nil
}

func mustHash(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

func testSessions(t *testing.T, users *fakeUserRepo, sessions *fakeSessionRepo) *Sessions {
	t.Helper()
	svc, err := NewSessions(Config{
		Mode:                  ModeLocal,
		SessionCookieName:     "portal_session",
		SessionTTL:            8 * time.Hour,
		SessionCookieSameSite: "Lax",
	}, users, sessions, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewSessions: %v", err)
	}
	return svc
}

func TestLogin(t *testing.T) {
	users := &fakeUserRepo{users: map[string]domain.User{
		"u1": {
			ID:           "u1",
			Email:        "maria@example.gov.br",
			Roles:        []string{"compras"},
			PasswordHash: mustHash(t, "correct horse"),
			Active:       true,
		},
		"u2": {
			ID:           "u2",
			Email:        "inactive@example.gov.br",
			PasswordHash: mustHash(t, "whatever12"),
			Active:       false,
		},
	}}
	store := &fakeSessionRepo{sessions: map[string]domain.Session{}}
	svc := testSessions(t, users, store)

	user, session, err := svc.Login(context.Background(), "maria@example.gov.br", "correct horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if user.ID != "u1" || session.UserID != "u1" {
		t.Fatalf("user = %+v, session = %+v", user, session)
	}
	if _, ok := store.sessions[session.ID]; !ok {
		t.Fatalf("session not persisted")
	}

	for name, attempt := range map[string][2]string{
		"wrong password": {"maria@example.gov.br", "nope nope nope"},
		"unknown user":   {"ghost@example.gov.br", "correct horse"},
		"inactive user":  {"inactive@example.gov.br", "whatever12"},
		"empty password": {"maria@example.gov.br", ""},
	} {
		if _, _, err := svc.Login(context.Background(), attempt[0], attempt[1]); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("%s: err = %v, want ErrUnauthenticated", name, err)
		}
	}
}

func TestAuthenticate(t *testing.T) {
	users := &fakeUserRepo{users: map[string]domain.User{
		"u1": {
			ID:           "u1",
			Name:         "Maria",
			Email:        "maria@example.gov.br",
			Roles:        []string{"compras"},
			PasswordHash: mustHash(t, "correct horse"),
			Active:       true,
		},
	}}
	store := &fakeSessionRepo{sessions: map[string]domain.Session{}}
	svc := testSessions(t, users, store)

	_, session, err := svc.Login(context.Background(), "maria@example.gov.br", "correct horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	r := httptest.NewRequest("GET", "/api/catalog", nil)
	r.AddCookie(&http.Cookie{Name: "portal_session", Value: session.ID})

	identity, err := svc.Authenticate(context.Background(), r)
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if identity.Subject != "u1" || len(identity.Roles) != 1 {
		t.Fatalf("identity = %+v", identity)
	}
	if store.touched != 1 {
		t.Fatalf("valid hit must bump the rolling expiry, touched=%d", store.touched)
	}

	// Expired session.
	expired := store.sessions[session.ID]
	expired.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	store.sessions[session.ID] = expired
	if _, err := svc.Authenticate(context.Background(), r); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("expired session err = %v, want ErrUnauthenticated", err)
	}

	// No cookie at all.
	bare := httptest.NewRequest("GET", "/api/catalog", nil)
	if _, err := svc.Authenticate(context.Background(), bare); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("missing cookie err = %v, want ErrUnauthenticated", err)
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	users := &fakeUserRepo{users: map[string]domain.User{
		"u1": {
			ID:           "u1",
			Email:        "maria@example.gov.br",
			PasswordHash: mustHash(t, "correct horse"),
			Active:       true,
		},
	}}
	store := &fakeSessionRepo{sessions: map[string]domain.Session{}}
	svc := testSessions(t, users, store)

	_, session, err := svc.Login(context.Background(), "maria@example.gov.br", "correct horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if err := svc.Logout(context.Background(), session.ID); err != nil {
		t.Fatalf("Logout: %v", err)
	}

	r := httptest.NewRequest("GET", "/api/catalog", nil)
	r.AddCookie(&http.Cookie{Name: "portal_session", Value: session.ID})
	if _, err := svc.Authenticate(context.Background(), r); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("revoked session err = %v, want ErrUnauthenticated", err)
	}
}

func TestChangePassword(t *testing.T) {
	users := &fakeUserRepo{users: map[string]domain.User{
		"u1": {
			ID:                 "u1",
			Email:              "maria@example.gov.br",
			PasswordHash:       mustHash(t, "old password"),
			MustChangePassword: true,
			Active:             true,
		},
	}}
	store := &fakeSessionRepo{sessions: map[string]domain.Session{}}
	svc := testSessions(t, users, store)

	if err := svc.ChangePassword(context.Background(), "u1", "old password", "short"); !errors.Is(err, ErrWeakPassword) {
		t.Fatalf("weak password err = %v", err)
	}
	if err := svc.ChangePassword(context.Background(), "u1", "wrong", "long enough password"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("wrong current err = %v", err)
	}

	if err := svc.ChangePassword(context.Background(), "u1", "old password", "new password 123"); err != nil {
		t.Fatalf("ChangePassword: %v", err)
	}
	updated := users.users["u1"]
	if updated.MustChangePassword {
		t.Fatalf("must-change flag not cleared")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(updated.PasswordHash), []byte("new password 123")); err != nil {
		t.Fatalf("new password not stored: %v", err)
	}
}
