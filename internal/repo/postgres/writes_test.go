package postgres

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/licitaflow/licitaflow-go/internal/domain"
)

// execRecorder captures ExecContext calls so write paths can be checked
// without a live database.
type execRecorder struct {
	query string
	args  []any
}

func (r *execRecorder) ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	r.query = query
	r.args = args
	return staticResult(1), nil
}

func (r *execRecorder) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return nil, errors.New("unexpected query")
}

func (r *execRecorder) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return nil
}

type staticResult int64

func (r staticResult) LastInsertId() (int64, error) { return 0, nil }
func (r staticResult) RowsAffected() (int64, error) { return int64(r), nil }

func mustNullString(t *testing.T, value any) sql.NullString {
	t.Helper()
	ns, ok := value.(sql.NullString)
	if !ok {
		t.Fatalf("arg type = %T, want sql.NullString", value)
	}
	return ns
}

// Dev-mode identities carry no display name and submissions must still
// persist: the optional actor columns are written as SQL NULL, matching
// the nullable schema.
func TestCreateSubmissionMinimalActor(t *testing.T) {
	db := &execRecorder{}
	store := NewSubmissionStore(db)

	err := store.Create(context.Background(), domain.Submission{
		ID:      "s1",
		Kind:    "dfd",
		Version: "1.0.0",
		Actor:   domain.Actor{ID: "dev"},
		Payload: json.RawMessage(`{"numero":"N-1"}`),
		Status:  domain.StatusQueued,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !strings.Contains(db.query, "INSERT INTO submissions") {
		t.Fatalf("query = %q", db.query)
	}
	if len(db.args) != 12 {
		t.Fatalf("args = %d, want 12", len(db.args))
	}
	if name := mustNullString(t, db.args[4]); name.Valid {
		t.Fatalf("actor_name = %+v, want NULL", name)
	}
	if email := mustNullString(t, db.args[5]); email.Valid {
		t.Fatalf("actor_email = %+v, want NULL", email)
	}
}

// Federated logins provision users that have no local password and may
// lack a name claim; the first Upsert must not be rejected.
func TestUpsertUserWithoutPassword(t *testing.T) {
	db := &execRecorder{}
	store := NewUserStore(db)

	err := store.Upsert(context.Background(), domain.User{
		ID:        "oidc|abc123",
		Email:     "joana@example.gov.br",
		Roles:     []string{"compras"},
		Active:    true,
		CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if !strings.Contains(db.query, "INSERT INTO users") {
		t.Fatalf("query = %q", db.query)
	}
	if len(db.args) != 9 {
		t.Fatalf("args = %d, want 9", len(db.args))
	}
	if name := mustNullString(t, db.args[1]); name.Valid {
		t.Fatalf("name = %+v, want NULL", name)
	}
	if hash := mustNullString(t, db.args[6]); hash.Valid {
		t.Fatalf("password_hash = %+v, want NULL", hash)
	}
}

// The columns the stores write as NULL must stay nullable in the DDL.
func TestSchemaOptionalTextColumnsNullable(t *testing.T) {
	file, err := os.Open("../../../db/schema.sql")
	if err != nil {
		t.Fatalf("open schema: %v", err)
	}
	defer func() { _ = file.Close() }()

	optional := map[string]bool{
		"name":          false,
		"password_hash": false,
		"actor_name":    false,
		"actor_email":   false,
	}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if _, ok := optional[fields[0]]; !ok {
			continue
		}
		optional[fields[0]] = true
		if strings.Contains(scanner.Text(), "NOT NULL") {
			t.Fatalf("column %s must be nullable: %q", fields[0], scanner.Text())
		}
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("read schema: %v", err)
	}
	for column, seen := range optional {
		if !seen {
			t.Fatalf("column %s not found in schema", column)
		}
	}
}
