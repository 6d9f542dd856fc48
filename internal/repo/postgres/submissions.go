package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/licitaflow/licitaflow-go/internal/domain"
	"github.com/licitaflow/licitaflow-go/internal/repo"
)

type SubmissionStore struct {
	db DB
}

func NewSubmissionStore(db DB) *SubmissionStore {
	if db == nil {
		return nil
	}
	return &SubmissionStore{db: db}
}

func (s *SubmissionStore) Create(ctx context.Context, sub domain.Submission) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("submission store not initialized")
	}
	if err := sub.Validate(); err != nil {
		return err
	}
	createdAt := normalizeTime(sub.CreatedAt)
	updatedAt := normalizeTime(sub.UpdatedAt)
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO submissions (
			submission_id,
			kind,
			version,
			actor_id,
			actor_name,
			actor_email,
			payload,
			status,
			result,
			error,
			created_at,
			updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		strings.TrimSpace(sub.ID),
		strings.TrimSpace(sub.Kind),
		strings.TrimSpace(sub.Version),
		strings.TrimSpace(sub.Actor.ID),
		nullString(sub.Actor.Name),
		nullString(sub.Actor.Email),
		[]byte(sub.Payload),
		string(sub.Status),
		nullJSON(sub.Result),
		nullString(sub.Error),
		createdAt,
		updatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert submission: %w", err)
	}
	return nil
}

const submissionColumns = `submission_id, kind, version, actor_id, actor_name, actor_email,
	payload, status, result, error, created_at, updated_at`

func (s *SubmissionStore) Get(ctx context.Context, kind, id string) (domain.Submission, error) {
	if s == nil || s.db == nil {
		return domain.Submission{}, fmt.Errorf("submission store not initialized")
	}
	kind = strings.TrimSpace(kind)
	id = strings.TrimSpace(id)
	if kind == "" {
		return domain.Submission{}, fmt.Errorf("kind is required")
	}
	if id == "" {
		return domain.Submission{}, fmt.Errorf("submission id is required")
	}
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+submissionColumns+`
		 FROM submissions
		 WHERE kind = $1 AND submission_id = $2`,
		kind,
		id,
	)
	return scanSubmission(row)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSubmission(row rowScanner) (domain.Submission, error) {
	var sub domain.Submission
	var actorName sql.NullString
	var actorEmail sql.NullString
	var payload []byte
	var result []byte
	var errMsg sql.NullString
	var status string
	if err := row.Scan(
		&sub.ID, &sub.Kind, &sub.Version, &sub.Actor.ID, &actorName, &actorEmail,
		&payload, &status, &result, &errMsg, &sub.CreatedAt, &sub.UpdatedAt,
	); err != nil {
		return domain.Submission{}, handleNotFound(err)
	}
	sub.Status = domain.Status(status)
	sub.Payload = json.RawMessage(payload)
	if actorName.Valid {
		sub.Actor.Name = actorName.String
	}
	if actorEmail.Valid {
		sub.Actor.Email = actorEmail.String
	}
	if len(result) > 0 {
		sub.Result = json.RawMessage(result)
	}
	if errMsg.Valid {
		sub.Error = errMsg.String
	}
	sub.CreatedAt = sub.CreatedAt.UTC()
	sub.UpdatedAt = sub.UpdatedAt.UTC()
	return sub, nil
}

func buildSubmissionListQuery(filter repo.SubmissionFilter) (string, string, []any, error) {
	if strings.TrimSpace(filter.Kind) == "" {
		return "", "", nil, fmt.Errorf("kind is required")
	}
	clauses := make([]string, 0, 3)
	args := make([]any, 0, 5)

	args = append(args, strings.TrimSpace(filter.Kind))
	clauses = append(clauses, fmt.Sprintf("kind = $%d", len(args)))
	if strings.TrimSpace(filter.Status) != "" {
		args = append(args, strings.TrimSpace(filter.Status))
		clauses = append(clauses, fmt.Sprintf("status = $%d", len(args)))
	}
	if strings.TrimSpace(filter.ActorID) != "" {
		args = append(args, strings.TrimSpace(filter.ActorID))
		clauses = append(clauses, fmt.Sprintf("actor_id = $%d", len(args)))
	}

	where := " WHERE " + strings.Join(clauses, " AND ")
	countQuery := `SELECT COUNT(*) FROM submissions` + where

	listQuery := `SELECT ` + submissionColumns + ` FROM submissions` + where +
		" ORDER BY created_at DESC"
	args = append(args, filter.Limit)
	listQuery += fmt.Sprintf(" LIMIT $%d", len(args))
	args = append(args, filter.Offset)
	listQuery += fmt.Sprintf(" OFFSET $%d", len(args))

	return listQuery, countQuery, args, nil
}

func (s *SubmissionStore) List(ctx context.Context, filter repo.SubmissionFilter) ([]domain.Submission, int, error) {
	if s == nil || s.db == nil {
		return nil, 0, fmt.Errorf("submission store not initialized")
	}
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	listQuery, countQuery, args, err := buildSubmissionListQuery(filter)
	if err != nil {
		return nil, 0, err
	}

	var total int
	countArgs := args[:len(args)-2]
	if err := s.db.QueryRowContext(ctx, countQuery, countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count submissions: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, listQuery, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list submissions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	items := make([]domain.Submission, 0, filter.Limit)
	for rows.Next() {
		sub, err := scanSubmission(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, sub)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

// Field names end up inside the json accessor expression, so they are
// restricted to plain identifiers.
var payloadFieldPattern = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// buildDuplicateQuery matches stored payload fields directly (no
// separate dedup index); failed submissions do not block a retry.
func buildDuplicateQuery(kind string, fields map[string]string) (string, []any, error) {
	if strings.TrimSpace(kind) == "" {
		return "", nil, fmt.Errorf("kind is required")
	}
	if len(fields) == 0 {
		return "", nil, fmt.Errorf("duplicate fields are required")
	}
	keys := make([]string, 0, len(fields))
	for key := range fields {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	args := []any{strings.TrimSpace(kind)}
	clauses := []string{"kind = $1", "status <> 'error'"}
	for _, key := range keys {
		if !payloadFieldPattern.MatchString(key) {
			return "", nil, fmt.Errorf("invalid duplicate field name %q", key)
		}
		args = append(args, fields[key])
		clauses = append(clauses, fmt.Sprintf("payload ->> '%s' = $%d", key, len(args)))
	}

	query := `SELECT submission_id FROM submissions WHERE ` + strings.Join(clauses, " AND ") +
		` ORDER BY created_at ASC LIMIT 1`
	return query, args, nil
}

func (s *SubmissionStore) FindDuplicate(ctx context.Context, kind string, fields map[string]string) (string, error) {
	if s == nil || s.db == nil {
		return "", fmt.Errorf("submission store not initialized")
	}
	query, args, err := buildDuplicateQuery(kind, fields)
	if err != nil {
		return "", err
	}
	var id string
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&id); err != nil {
		return "", handleNotFound(err)
	}
	return id, nil
}

func (s *SubmissionStore) UpdateStatus(ctx context.Context, id string, from, to domain.Status, result json.RawMessage, errMsg string, at time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("submission store not initialized")
	}
	id = strings.TrimSpace(id)
	if id == "" {
		return fmt.Errorf("submission id is required")
	}
	if !domain.CanTransition(from, to) {
		return fmt.Errorf("illegal transition %s -> %s: %w", from, to, repo.ErrStateMismatch)
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE submissions
		 SET status = $1, result = $2, error = $3, updated_at = $4
		 WHERE submission_id = $5 AND status = $6`,
		string(to),
		nullJSON(result),
		nullString(errMsg),
		normalizeTime(at),
		id,
		string(from),
	)
	if err != nil {
		return fmt.Errorf("update submission status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		var exists bool
		if err := s.db.QueryRowContext(
			ctx,
			`SELECT EXISTS (SELECT 1 FROM submissions WHERE submission_id = $1)`,
			id,
		).Scan(&exists); err != nil {
			return fmt.Errorf("check submission: %w", err)
		}
		if !exists {
			return repo.ErrNotFound
		}
		return repo.ErrStateMismatch
	}
	return nil
}

func (s *SubmissionStore) ReapRunning(ctx context.Context, cutoff time.Time, reason string, at time.Time) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("submission store not initialized")
	}
	if strings.TrimSpace(reason) == "" {
		return 0, fmt.Errorf("reason is required")
	}
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE submissions
		 SET status = 'error', error = $1, updated_at = $2
		 WHERE status = 'running' AND updated_at < $3`,
		strings.TrimSpace(reason),
		normalizeTime(at),
		cutoff.UTC(),
	)
	if err != nil {
		return 0, fmt.Errorf("reap running submissions: %w", err)
	}
	return res.RowsAffected()
}
