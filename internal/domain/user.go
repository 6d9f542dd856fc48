package domain

import (
	"errors"
	"strings"
	"time"
)

// User is a portal identity. Users are never deleted, only deactivated.
type User struct {
	ID                 string
	Name               string
	Email              string
	Roles              []string
	IsSuperuser        bool
	MustChangePassword bool
	PasswordHash       string
	Active             bool
	CreatedAt          time.Time
}

func (u User) Validate() error {
	if strings.TrimSpace(u.ID) == "" {
		return errors.New("user id is required")
	}
	if strings.TrimSpace(u.Email) == "" {
		return errors.New("user email is required")
	}
	return nil
}

// Session binds an opaque session id to a user, with rolling expiry.
type Session struct {
	ID         string
	UserID     string
	CreatedAt  time.Time
	LastSeenAt time.Time
	ExpiresAt  time.Time
	RevokedAt  *time.Time
}

// ValidAt reports whether the session is usable at the given instant:
// not revoked and not expired.
func (s Session) ValidAt(now time.Time) bool {
	if s.RevokedAt != nil {
		return false
	}
	return now.Before(s.ExpiresAt)
}
