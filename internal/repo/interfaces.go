package repo

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/licitaflow/licitaflow-go/internal/domain"
)

var (
	// ErrNotFound reports a missing row.
	ErrNotFound = errors.New("not found")
	// ErrStateMismatch reports a guarded status update that matched no
	// row, i.e. the submission was not in the expected state.
	ErrStateMismatch = errors.New("state mismatch")
)

type SubmissionFilter struct {
	Kind    string
	Status  string
	ActorID string
	Limit   int
	Offset  int
}

type SubmissionRepository interface {
	Create(ctx context.Context, sub domain.Submission) error
	Get(ctx context.Context, kind, id string) (domain.Submission, error)
	List(ctx context.Context, filter SubmissionFilter) ([]domain.Submission, int, error)

	// FindDuplicate matches stored payload fields for the kind and
	// returns the id of the earliest matching submission.
	FindDuplicate(ctx context.Context, kind string, fields map[string]string) (string, error)

	// UpdateStatus performs the guarded single-row transition
	// from -> to. Result and errMsg are only written on terminal
	// transitions. Returns ErrStateMismatch when the row was not in
	// the expected state.
	UpdateStatus(ctx context.Context, id string, from, to domain.Status, result json.RawMessage, errMsg string, at time.Time) error

	// ReapRunning forces running submissions untouched since the
	// cutoff into the error state with the given reason.
	ReapRunning(ctx context.Context, cutoff time.Time, reason string, at time.Time) (int64, error)
}

type UserRepository interface {
	GetByID(ctx context.Context, id string) (domain.User, error)
	GetByIdentifier(ctx context.Context, identifier string) (domain.User, error)
	Upsert(ctx context.Context, user domain.User) error
	UpdatePassword(ctx context.Context, id, passwordHash string, mustChange bool) error
}

type SessionRepository interface {
	Create(ctx context.Context, session domain.Session) error
	Get(ctx context.Context, id string) (domain.Session, error)
	Touch(ctx context.Context, id string, lastSeen, expires time.Time) error
	Revoke(ctx context.Context, id string, at time.Time) error
}
