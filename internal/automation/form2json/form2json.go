// Package form2json implements the "form2json" automation: it
// normalizes an arbitrary form into a canonical JSON document.
package form2json

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/licitaflow/licitaflow-go/internal/automation"
	"github.com/licitaflow/licitaflow-go/internal/domain"
)

const (
	kind    = "form2json"
	version = "1.0.0"
)

type Module struct {
	schema *openapi3.Schema
	now    func() time.Time
}

func New() *Module {
	return &Module{
		schema: buildSchema(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (m *Module) Kind() string    { return kind }
func (m *Module) Version() string { return version }

func (m *Module) Schema() *openapi3.Schema { return m.schema }

func buildSchema() *openapi3.Schema {
	campos := openapi3.NewObjectSchema()
	campos.WithMinProperties(1)

	schema := openapi3.NewObjectSchema()
	schema.WithProperty("titulo", openapi3.NewStringSchema().WithMinLength(1))
	schema.WithProperty("campos", campos)
	schema.Required = []string{"titulo", "campos"}
	return schema
}

type payload struct {
	Titulo string         `json:"titulo"`
	Campos map[string]any `json:"campos"`
}

func (m *Module) Validate(raw json.RawMessage) (json.RawMessage, error) {
	issues := &automation.ValidationError{}

	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) {
			issues.Add(fmt.Sprintf("%s must be of type %s", typeErr.Field, typeErr.Type))
			return nil, issues.OrNil()
		}
		issues.Add("invalid JSON payload")
		return nil, issues.OrNil()
	}

	p.Titulo = strings.TrimSpace(p.Titulo)
	for key, value := range p.Campos {
		if s, ok := value.(string); ok {
			p.Campos[key] = strings.TrimSpace(s)
		}
	}

	normalized, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var asMap map[string]any
	if err := json.Unmarshal(normalized, &asMap); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	automation.CheckSchema(m.schema, asMap, issues)
	if err := issues.OrNil(); err != nil {
		return nil, err
	}
	return normalized, nil
}

// DuplicateProbe: form2json has no duplicate rule; every submission is
// a distinct conversion.
func (m *Module) DuplicateProbe(raw json.RawMessage) (map[string]string, bool) {
	return nil, false
}

type result struct {
	Titulo      string         `json:"titulo"`
	Campos      map[string]any `json:"campos"`
	TotalCampos int            `json:"totalCampos"`
	GeradoEm    time.Time      `json:"geradoEm"`
}

func (m *Module) Process(ctx context.Context, in automation.ProcessInput) (json.RawMessage, error) {
	var p payload
	if err := json.Unmarshal(in.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	res := result{
		Titulo:      p.Titulo,
		Campos:      p.Campos,
		TotalCampos: len(p.Campos),
		GeradoEm:    m.now(),
	}
	out, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return out, nil
}

// Artifact renders the result itself: the converted document is the
// deliverable, no object store round trip needed.
func (m *Module) Artifact(ctx context.Context, sub domain.Submission) (automation.Artifact, error) {
	var res result
	if err := json.Unmarshal(sub.Result, &res); err != nil {
		return automation.Artifact{}, fmt.Errorf("decode result: %w", err)
	}
	pretty, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return automation.Artifact{}, fmt.Errorf("render artifact: %w", err)
	}
	return automation.Artifact{
		Filename:    slug(res.Titulo) + ".json",
		ContentType: "application/json",
		Data:        pretty,
	}, nil
}

func slug(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "formulario"
	}
	return out
}
