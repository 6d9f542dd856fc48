// Package dfd implements the "dfd" automation: it turns a validated
// demand form into a Documento de Formalização da Demanda stored in
// the document bucket.
package dfd

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
	"github.com/licitaflow/licitaflow-go/internal/platform/objectstore"
)

const (
	kind    = "dfd"
	version = "1.2.0"

	documentContentType = "text/markdown; charset=utf-8"
)

type Module struct {
	store  *objectstore.Store
	schema *openapi3.Schema
	now    func() time.Time
}

func New(store *objectstore.Store) (*Module, error) {
	if store == nil {
		return nil, errors.New("object store is required")
	}
	return &Module{
		store:  store,
		schema: buildSchema(),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

func (m *Module) Kind() string    { return kind }
func (m *Module) Version() string { return version }

func (m *Module) Schema() *openapi3.Schema { return m.schema }

func buildSchema() *openapi3.Schema {
	schema := openapi3.NewObjectSchema()
	schema.WithProperty("numero", openapi3.NewStringSchema().WithMinLength(1))
	schema.WithProperty("protocolo", openapi3.NewStringSchema().WithMinLength(1))
	schema.WithProperty("objeto", openapi3.NewStringSchema().WithMinLength(1))
	schema.WithProperty("justificativa", openapi3.NewStringSchema())
	schema.WithProperty("valorEstimado", openapi3.NewFloat64Schema().WithMin(0))
	schema.WithProperty("unidade", openapi3.NewStringSchema())
	schema.Required = []string{"numero", "protocolo", "objeto"}
	return schema
}

type payload struct {
	Numero        string  `json:"numero"`
	Protocolo     string  `json:"protocolo"`
	Objeto        string  `json:"objeto"`
	Justificativa string  `json:"justificativa,omitempty"`
	ValorEstimado float64 `json:"valorEstimado,omitempty"`
	Unidade       string  `json:"unidade,omitempty"`
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

	p.Numero = strings.TrimSpace(p.Numero)
	p.Protocolo = strings.TrimSpace(p.Protocolo)
	p.Objeto = strings.TrimSpace(p.Objeto)
	p.Justificativa = strings.TrimSpace(p.Justificativa)
	p.Unidade = strings.TrimSpace(p.Unidade)

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

// DuplicateProbe: a DFD is duplicated when the same numero/protocolo
// pair was already submitted for this kind.
func (m *Module) DuplicateProbe(raw json.RawMessage) (map[string]string, bool) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, false
	}
	return map[string]string{
		"numero":    p.Numero,
		"protocolo": p.Protocolo,
	}, true
}

type result struct {
	Documento    string    `json:"documento"`
	Filename     string    `json:"filename"`
	Numero       string    `json:"numero"`
	Protocolo    string    `json:"protocolo"`
	GeradoEm     time.Time `json:"geradoEm"`
	TamanhoBytes int       `json:"tamanhoBytes"`
}

func (m *Module) Process(ctx context.Context, in automation.ProcessInput) (json.RawMessage, error) {
	var p payload
	if err := json.Unmarshal(in.Payload, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}

	generatedAt := m.now()
	doc := renderDocument(p, in.Actor, generatedAt)
	filename := fmt.Sprintf("dfd-%s.md", slug(p.Numero))
	key := fmt.Sprintf("%s/%s/%s", kind, in.SubmissionID, filename)

	if err := m.store.Put(ctx, key, doc, documentContentType); err != nil {
		return nil, fmt.Errorf("store document: %w", err)
	}

	res := result{
		Documento:    key,
		Filename:     filename,
		Numero:       p.Numero,
		Protocolo:    p.Protocolo,
		GeradoEm:     generatedAt,
		TamanhoBytes: len(doc),
	}
	out, err := json.Marshal(res)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return out, nil
}

func (m *Module) Artifact(ctx context.Context, sub domain.Submission) (automation.Artifact, error) {
	var res result
	if err := json.Unmarshal(sub.Result, &res); err != nil {
		return automation.Artifact{}, fmt.Errorf("decode result: %w", err)
	}
	data, err := m.store.Get(ctx, res.Documento)
	if err != nil {
		return automation.Artifact{}, err
	}
	return automation.Artifact{
		Filename:    res.Filename,
		ContentType: documentContentType,
		Data:        data,
	}, nil
}

func renderDocument(p payload, actor domain.Actor, at time.Time) []byte {
	var b strings.Builder
	b.WriteString("# Documento de Formalização da Demanda\n\n")
	fmt.Fprintf(&b, "- Número: %s\n", p.Numero)
	fmt.Fprintf(&b, "- Protocolo: %s\n", p.Protocolo)
	if p.Unidade != "" {
		fmt.Fprintf(&b, "- Unidade requisitante: %s\n", p.Unidade)
	}
	fmt.Fprintf(&b, "\n## Objeto\n\n%s\n", p.Objeto)
	if p.Justificativa != "" {
		fmt.Fprintf(&b, "\n## Justificativa\n\n%s\n", p.Justificativa)
	}
	if p.ValorEstimado > 0 {
		fmt.Fprintf(&b, "\n## Valor estimado\n\nR$ %.2f\n", p.ValorEstimado)
	}
	fmt.Fprintf(&b, "\n---\nGerado em %s", at.Format(time.RFC3339))
	if actor.Name != "" {
		fmt.Fprintf(&b, " por %s", actor.Name)
	}
	b.WriteString("\n")
	return []byte(b.String())
}

func slug(value string) string {
	value = strings.ToLower(strings.TrimSpace(value))
	var b strings.Builder
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "documento"
	}
	return out
}
