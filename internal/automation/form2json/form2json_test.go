package form2json

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/licitaflow/licitaflow-go/internal/automation"
	"github.com/licitaflow/licitaflow-go/internal/domain"
)

func testModule() *Module {
	m := New()
	m.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return m
}

func TestValidate(t *testing.T) {
	m := testModule()
	out, err := m.Validate(json.RawMessage(`{"titulo": " Inscrição ", "campos": {"nome": " Ana ", "idade": 30}}`))
	if err != nil {
		t.Fatalf("Validate: %v", err)
	}
	var p payload
	if err := json.Unmarshal(out, &p); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if p.Titulo != "Inscrição" {
		t.Fatalf("titulo = %q", p.Titulo)
	}
	if p.Campos["nome"] != "Ana" {
		t.Fatalf("string values must be trimmed, got %v", p.Campos["nome"])
	}
}

func TestValidateRejectsEmpty(t *testing.T) {
	m := testModule()
	for _, raw := range []string{
		`{}`,
		`{"titulo": "x"}`,
		`{"titulo": "x", "campos": {}}`,
		`{"titulo": "", "campos": {"a": 1}}`,
	} {
		_, err := m.Validate(json.RawMessage(raw))
		var vErr *automation.ValidationError
		if !errors.As(err, &vErr) {
			t.Fatalf("Validate(%s) err = %v, want *ValidationError", raw, err)
		}
	}
}

func TestProcessAndArtifact(t *testing.T) {
	m := testModule()
	out, err := m.Process(context.Background(), automation.ProcessInput{
		SubmissionID: "s1",
		Payload:      json.RawMessage(`{"titulo": "Inscrição 2026", "campos": {"nome": "Ana", "idade": 30}}`),
		Actor:        domain.Actor{ID: "u1"},
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	var res result
	if err := json.Unmarshal(out, &res); err != nil {
		t.Fatalf("Unmarshal result: %v", err)
	}
	if res.TotalCampos != 2 || res.Titulo != "Inscrição 2026" {
		t.Fatalf("result = %+v", res)
	}

	artifact, err := m.Artifact(context.Background(), domain.Submission{
		Status: domain.StatusDone,
		Result: out,
	})
	if err != nil {
		t.Fatalf("Artifact: %v", err)
	}
	// Non-ASCII runes collapse to dashes in the slug.
	if artifact.Filename != "inscri--o-2026.json" {
		t.Fatalf("filename = %q", artifact.Filename)
	}
	if artifact.ContentType != "application/json" {
		t.Fatalf("content type = %q", artifact.ContentType)
	}
	var round result
	if err := json.Unmarshal(artifact.Data, &round); err != nil {
		t.Fatalf("artifact is not valid JSON: %v", err)
	}
	if round.TotalCampos != 2 {
		t.Fatalf("artifact round trip = %+v", round)
	}
}

func TestSlug(t *testing.T) {
	if got := slug("Formulário de Teste"); got == "" {
		t.Fatalf("slug must not be empty")
	}
	if got := slug("   "); got != "formulario" {
		t.Fatalf("slug fallback = %q", got)
	}
}
