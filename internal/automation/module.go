package automation

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/licitaflow/licitaflow-go/internal/domain"
)

// ProcessInput is handed to a module's Process call by the engine
// worker, outside the request/response cycle.
type ProcessInput struct {
	SubmissionID string
	Payload      json.RawMessage
	Actor        domain.Actor
}

// Artifact is the downloadable output of a finished submission.
type Artifact struct {
	Filename    string
	ContentType string
	Data        []byte
}

// Module is the per-kind automation contract. Implementations are
// registered once at startup; the engine never dispatches dynamically
// beyond the registry lookup.
type Module interface {
	Kind() string
	Version() string

	// Schema describes the accepted payload; it is served verbatim by
	// the schema endpoint.
	Schema() *openapi3.Schema

	// Validate normalizes the raw payload (trimming, defaults) and
	// checks it against the schema. Unknown fields are ignored so
	// forward-compatible frontend changes do not break the API.
	// Failures are reported as *ValidationError.
	Validate(raw json.RawMessage) (json.RawMessage, error)

	// DuplicateProbe returns the stored-payload fields that identify a
	// duplicate submission for this kind, or false when the kind has
	// no duplicate rule.
	DuplicateProbe(payload json.RawMessage) (map[string]string, bool)

	// Process runs the actual work exactly once per submission and
	// returns the structured result.
	Process(ctx context.Context, in ProcessInput) (json.RawMessage, error)

	// Artifact materializes the download for a done submission.
	Artifact(ctx context.Context, sub domain.Submission) (Artifact, error)
}

// ValidationError aggregates payload validation issues.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	if len(e.Issues) == 0 {
		return "payload validation failed"
	}
	return "payload validation failed: " + strings.Join(e.Issues, "; ")
}

func (e *ValidationError) Add(issue string) {
	if strings.TrimSpace(issue) == "" {
		return
	}
	e.Issues = append(e.Issues, issue)
}

func (e *ValidationError) OrNil() error {
	if e == nil || len(e.Issues) == 0 {
		return nil
	}
	return e
}

// CheckSchema validates a decoded payload against the module schema
// and folds the schema errors into issues.
func CheckSchema(schema *openapi3.Schema, value map[string]any, issues *ValidationError) {
	if schema == nil {
		return
	}
	err := schema.VisitJSON(value, openapi3.MultiErrors())
	if err == nil {
		return
	}
	var multi openapi3.MultiError
	if errors.As(err, &multi) {
		for _, item := range multi {
			issues.Add(item.Error())
		}
		return
	}
	issues.Add(err.Error())
}
