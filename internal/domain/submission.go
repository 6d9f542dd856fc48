package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Status is the submission lifecycle state. The only legal transitions
// are queued -> running -> done|error; done and error are terminal.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

func (s Status) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusDone, StatusError:
		return true
	}
	return false
}

func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// CanTransition reports whether from -> to is a legal status change.
// There is no transition out of a terminal state; a corrected
// resubmission is always a new Submission.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusDone || to == StatusError
	}
	return false
}

// Actor is a value snapshot of the submitting user, copied at creation
// time so historical submissions stay readable when the user record
// changes. Intentionally not a foreign key.
type Actor struct {
	ID    string `json:"id"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

// Submission is one durable automation job. ID, Kind, Version, Actor
// and Payload are immutable after creation; only Status, Result, Error
// and UpdatedAt change, through the engine's state machine.
type Submission struct {
	ID        string
	Kind      string
	Version   string
	Actor     Actor
	Payload   json.RawMessage
	Status    Status
	Result    json.RawMessage
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (s Submission) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.New("submission id is required")
	}
	if strings.TrimSpace(s.Kind) == "" {
		return errors.New("kind is required")
	}
	if strings.TrimSpace(s.Version) == "" {
		return errors.New("version is required")
	}
	if strings.TrimSpace(s.Actor.ID) == "" {
		return errors.New("actor id is required")
	}
	if !s.Status.Valid() {
		return fmt.Errorf("invalid status: %q", s.Status)
	}
	return s.checkTerminalInvariant()
}

// checkTerminalInvariant enforces: exactly one of Result/Error is set
// iff the status is terminal, both unset otherwise.
func (s Submission) checkTerminalInvariant() error {
	hasResult := len(s.Result) > 0
	hasError := strings.TrimSpace(s.Error) != ""
	switch s.Status {
	case StatusDone:
		if !hasResult || hasError {
			return errors.New("done submission must carry a result and no error")
		}
	case StatusError:
		if hasResult || !hasError {
			return errors.New("error submission must carry an error and no result")
		}
	default:
		if hasResult || hasError {
			return fmt.Errorf("%s submission must carry neither result nor error", s.Status)
		}
	}
	return nil
}
