package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/licitaflow/licitaflow-go/internal/domain"
)

type UserStore struct {
	db DB
}

func NewUserStore(db DB) *UserStore {
	if db == nil {
		return nil
	}
	return &UserStore{db: db}
}

const userColumns = `user_id, name, email, roles, is_superuser, must_change_password,
	password_hash, active, created_at`

func (s *UserStore) GetByID(ctx context.Context, id string) (domain.User, error) {
	if s == nil || s.db == nil {
		return domain.User{}, fmt.Errorf("user store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return domain.User{}, fmt.Errorf("user id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+userColumns+` FROM users WHERE user_id = $1`,
		id,
	)
	return scanUser(row)
}

// GetByIdentifier resolves a login identifier, matched against the
// email column case-insensitively.
func (s *UserStore) GetByIdentifier(ctx context.Context, identifier string) (domain.User, error) {
	if s == nil || s.db == nil {
		return domain.User{}, fmt.Errorf("user store not initialized")
	}
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return domain.User{}, fmt.Errorf("identifier is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+userColumns+` FROM users WHERE LOWER(email) = LOWER($1)`,
		identifier,
	)
	return scanUser(row)
}

func (s *UserStore) Upsert(ctx context.Context, user domain.User) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("user store not initialized")
	}
	if err := user.Validate(); err != nil {
		return err
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO users (
			user_id,
			name,
			email,
			roles,
			is_superuser,
			must_change_password,
			password_hash,
			active,
			created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (user_id) DO UPDATE SET
			name = EXCLUDED.name,
			email = EXCLUDED.email,
			roles = EXCLUDED.roles`,
		strings.TrimSpace(user.ID),
		nullString(user.Name),
		strings.TrimSpace(user.Email),
		encodeRoles(user.Roles),
		user.IsSuperuser,
		user.MustChangePassword,
		nullString(user.PasswordHash),
		user.Active,
		normalizeTime(user.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert user: %w", err)
	}
	return nil
}

func (s *UserStore) UpdatePassword(ctx context.Context, id, passwordHash string, mustChange bool) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("user store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("user id is required")
	}
	if strings.TrimSpace(passwordHash) == "" {
		return fmt.Errorf("password hash is required")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE users
		 SET password_hash = $1, must_change_password = $2
		 WHERE user_id = $3`,
		passwordHash,
		mustChange,
		id,
	)
	if err != nil {
		return fmt.Errorf("update password: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return handleNotFound(sql.ErrNoRows)
	}
	return nil
}

func scanUser(row rowScanner) (domain.User, error) {
	var user domain.User
	var name sql.NullString
	var roles string
	var passwordHash sql.NullString
	if err := row.Scan(
		&user.ID, &name, &user.Email, &roles, &user.IsSuperuser,
		&user.MustChangePassword, &passwordHash, &user.Active, &user.CreatedAt,
	); err != nil {
		return domain.User{}, handleNotFound(err)
	}
	if name.Valid {
		user.Name = name.String
	}
	if passwordHash.Valid {
		user.PasswordHash = passwordHash.String
	}
	user.Roles = decodeRoles(roles)
	user.CreatedAt = user.CreatedAt.UTC()
	return user, nil
}

// Roles are stored as a comma-separated text column; order is not
// significant and values are normalized on read.
func encodeRoles(roles []string) string {
	out := make([]string, 0, len(roles))
	for _, role := range roles {
		role = strings.ToLower(strings.TrimSpace(role))
		if role == "" {
			continue
		}
		out = append(out, role)
	}
	return strings.Join(out, ",")
}

func decodeRoles(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.ToLower(strings.TrimSpace(part))
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}
