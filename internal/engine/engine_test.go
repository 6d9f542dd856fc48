package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/licitaflow/licitaflow-go/internal/automation"
	"github.com/licitaflow/licitaflow-go/internal/domain"
	"github.com/licitaflow/licitaflow-go/internal/platform/auditlog"
	"github.com/licitaflow/licitaflow-go/internal/platform/auth"
	"github.com/licitaflow/licitaflow-go/internal/repo"
)

type stubModule struct {
	kind      string
	probe     map[string]string
	processFn func(ctx context.Context, in automation.ProcessInput) (json.RawMessage, error)
	artifact  automation.Artifact
	artErr    error
}

func (m *stubModule) Kind() string    { return m.kind }
func (m *stubModule) Version() string { return "1.0.0" }

func (m *stubModule) Schema() *openapi3.Schema { return openapi3.NewObjectSchema() }

func (m *stubModule) Validate(raw json.RawMessage) (json.RawMessage, error) {
	var value map[string]any
	if err := json.Unmarshal(raw, &value); err != nil {
		vErr := &automation.ValidationError{}
		vErr.Add("body must be a JSON object")
		return nil, vErr
	}
	if bad, ok := value["bad"].(bool); ok && bad {
		vErr := &automation.ValidationError{}
		vErr.Add("bad is not allowed")
		return nil, vErr
	}
	return raw, nil
}

func (m *stubModule) DuplicateProbe(payload json.RawMessage) (map[string]string, bool) {
	return m.probe, m.probe != nil
}

func (m *stubModule) Process(ctx context.Context, in automation.ProcessInput) (json.RawMessage, error) {
	if m.processFn != nil {
		return m.processFn(ctx, in)
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (m *stubModule) Artifact(ctx context.Context, sub domain.Submission) (automation.Artifact, error) {
	return m.artifact, m.artErr
}

type fakeSubmissionRepo struct {
	mu        sync.Mutex
	rows      map[string]domain.Submission
	duplicate string
	lastList  repo.SubmissionFilter
}

func newFakeSubmissionRepo() *fakeSubmissionRepo {
	return &fakeSubmissionRepo{rows: make(map[string]domain.Submission)}
}

func (f *fakeSubmissionRepo) Create(ctx context.Context, sub domain.Submission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.rows[sub.ID]; exists {
		return fmt.Errorf("duplicate id %s", sub.ID)
	}
	f.rows[sub.ID] = sub
	return nil
}

func (f *fakeSubmissionRepo) Get(ctx context.Context, kind, id string) (domain.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.rows[id]
	if !ok || sub.Kind != kind {
		return domain.Submission{}, repo.ErrNotFound
	}
	return sub, nil
}

func (f *fakeSubmissionRepo) List(ctx context.Context, filter repo.SubmissionFilter) ([]domain.Submission, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastList = filter
	out := make([]domain.Submission, 0, len(f.rows))
	for _, sub := range f.rows {
		if sub.Kind != filter.Kind {
			continue
		}
		if filter.ActorID != "" && sub.Actor.ID != filter.ActorID {
			continue
		}
		out = append(out, sub)
	}
	return out, len(out), nil
}

func (f *fakeSubmissionRepo) FindDuplicate(ctx context.Context, kind string, fields map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.duplicate == "" {
		return "", repo.ErrNotFound
	}
	return f.duplicate, nil
}

func (f *fakeSubmissionRepo) UpdateStatus(ctx context.Context, id string, from, to domain.Status, result json.RawMessage, errMsg string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.rows[id]
	if !ok {
		return repo.ErrNotFound
	}
	if sub.Status != from || !domain.CanTransition(from, to) {
		return repo.ErrStateMismatch
	}
	sub.Status = to
	sub.Result = result
	sub.Error = errMsg
	sub.UpdatedAt = at
	f.rows[id] = sub
	return nil
}

func (f *fakeSubmissionRepo) ReapRunning(ctx context.Context, cutoff time.Time, reason string, at time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var reaped int64
	for id, sub := range f.rows {
		if sub.Status == domain.StatusRunning && sub.UpdatedAt.Before(cutoff) {
			sub.Status = domain.StatusError
			sub.Error = reason
			sub.UpdatedAt = at
			f.rows[id] = sub
			reaped++
		}
	}
	return reaped, nil
}

func (f *fakeSubmissionRepo) snapshot(id string) domain.Submission {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id]
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// The nil-DB sink makes every audit insert fail; the submission path
// must not notice.
func newTestEngine(t *testing.T, mod automation.Module, subs repo.SubmissionRepository) *Engine {
	t.Helper()
	registry, err := automation.NewRegistry(mod)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	eng, err := New(Config{Service: "portal"}, registry, subs, auditlog.NewSink(nil, testLogger()), testLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return eng
}

func TestSubmitQueuedAck(t *testing.T) {
	subs := newFakeSubmissionRepo()
	eng := newTestEngine(t, &stubModule{kind: "dfd"}, subs)

	sub, err := eng.Submit(context.Background(), "dfd", json.RawMessage(`{"numero":"1"}`), domain.Actor{ID: "u1"}, RequestMeta{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if sub.Status != domain.StatusQueued {
		t.Fatalf("status = %s, want queued", sub.Status)
	}
	if got := subs.snapshot(sub.ID); got.Status != domain.StatusQueued {
		t.Fatalf("stored status = %s, want queued", got.Status)
	}
	if len(eng.queue) != 1 {
		t.Fatalf("queue depth = %d, want 1", len(eng.queue))
	}
}

func TestSubmitValidationError(t *testing.T) {
	eng := newTestEngine(t, &stubModule{kind: "dfd"}, newFakeSubmissionRepo())

	_, err := eng.Submit(context.Background(), "dfd", json.RawMessage(`{"bad":true}`), domain.Actor{ID: "u1"}, RequestMeta{})
	var engErr *Error
	if !errors.As(err, &engErr) || engErr.Kind != KindValidation {
		t.Fatalf("err = %v, want validation_error", err)
	}
	issues, _ := engErr.Meta["issues"].([]string)
	if len(issues) != 1 {
		t.Fatalf("issues = %v, want one issue", engErr.Meta["issues"])
	}
}

func TestSubmitUnknownKind(t *testing.T) {
	eng := newTestEngine(t, &stubModule{kind: "dfd"}, newFakeSubmissionRepo())

	_, err := eng.Submit(context.Background(), "nope", json.RawMessage(`{}`), domain.Actor{ID: "u1"}, RequestMeta{})
	var engErr *Error
	if !errors.As(err, &engErr) || engErr.Kind != KindNotFound {
		t.Fatalf("err = %v, want not_found", err)
	}
}

func TestSubmitDuplicate(t *testing.T) {
	subs := newFakeSubmissionRepo()
	subs.duplicate = "existing-id"
	eng := newTestEngine(t, &stubModule{kind: "dfd", probe: map[string]string{"numero": "1"}}, subs)

	_, err := eng.Submit(context.Background(), "dfd", json.RawMessage(`{"numero":"1"}`), domain.Actor{ID: "u1"}, RequestMeta{})
	var engErr *Error
	if !errors.As(err, &engErr) || engErr.Kind != KindConflict {
		t.Fatalf("err = %v, want conflict", err)
	}
	if engErr.Meta["existing_id"] != "existing-id" {
		t.Fatalf("existing_id = %v", engErr.Meta["existing_id"])
	}
}

func TestRunAsyncSuccess(t *testing.T) {
	subs := newFakeSubmissionRepo()
	eng := newTestEngine(t, &stubModule{kind: "dfd"}, subs)

	sub, err := eng.Submit(context.Background(), "dfd", json.RawMessage(`{}`), domain.Actor{ID: "u1"}, RequestMeta{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	eng.runAsync(context.Background(), <-eng.queue)

	got := subs.snapshot(sub.ID)
	if got.Status != domain.StatusDone {
		t.Fatalf("status = %s, want done", got.Status)
	}
	if string(got.Result) != `{"ok":true}` || got.Error != "" {
		t.Fatalf("result = %s, error = %q", got.Result, got.Error)
	}
}

func TestRunAsyncFailure(t *testing.T) {
	subs := newFakeSubmissionRepo()
	mod := &stubModule{
		kind: "dfd",
		processFn: func(ctx context.Context, in automation.ProcessInput) (json.RawMessage, error) {
			return nil, errors.New("render failed:\n  disk full")
		},
	}
	eng := newTestEngine(t, mod, subs)

	sub, err := eng.Submit(context.Background(), "dfd", json.RawMessage(`{}`), domain.Actor{ID: "u1"}, RequestMeta{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	eng.runAsync(context.Background(), <-eng.queue)

	got := subs.snapshot(sub.ID)
	if got.Status != domain.StatusError {
		t.Fatalf("status = %s, want error", got.Status)
	}
	if got.Error != "render failed: disk full" {
		t.Fatalf("error = %q, want single-line reason", got.Error)
	}
	if len(got.Result) != 0 {
		t.Fatalf("result = %s, want empty", got.Result)
	}
}

func TestRunAsyncPanicBecomesError(t *testing.T) {
	subs := newFakeSubmissionRepo()
	mod := &stubModule{
		kind: "dfd",
		processFn: func(ctx context.Context, in automation.ProcessInput) (json.RawMessage, error) {
			panic("boom")
		},
	}
	eng := newTestEngine(t, mod, subs)

	sub, err := eng.Submit(context.Background(), "dfd", json.RawMessage(`{}`), domain.Actor{ID: "u1"}, RequestMeta{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	eng.runAsync(context.Background(), <-eng.queue)

	got := subs.snapshot(sub.ID)
	if got.Status != domain.StatusError {
		t.Fatalf("status = %s, want error", got.Status)
	}
}

func TestRunAsyncTerminalUntouched(t *testing.T) {
	subs := newFakeSubmissionRepo()
	eng := newTestEngine(t, &stubModule{kind: "dfd"}, subs)

	sub, err := eng.Submit(context.Background(), "dfd", json.RawMessage(`{}`), domain.Actor{ID: "u1"}, RequestMeta{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	j := <-eng.queue

	// Force the row terminal before the worker gets to it.
	now := time.Now().UTC()
	if err := subs.UpdateStatus(context.Background(), sub.ID, domain.StatusQueued, domain.StatusRunning, nil, "", now); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}
	if err := subs.UpdateStatus(context.Background(), sub.ID, domain.StatusRunning, domain.StatusDone, json.RawMessage(`{"n":1}`), "", now); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	eng.runAsync(context.Background(), j)

	got := subs.snapshot(sub.ID)
	if got.Status != domain.StatusDone || string(got.Result) != `{"n":1}` {
		t.Fatalf("terminal row was overwritten: status=%s result=%s", got.Status, got.Result)
	}
}

func TestGetOwnerScoping(t *testing.T) {
	subs := newFakeSubmissionRepo()
	eng := newTestEngine(t, &stubModule{kind: "dfd"}, subs)

	sub, err := eng.Submit(context.Background(), "dfd", json.RawMessage(`{}`), domain.Actor{ID: "owner"}, RequestMeta{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	if _, err := eng.Get(context.Background(), "dfd", sub.ID, auth.Identity{Subject: "owner"}); err != nil {
		t.Fatalf("owner Get: %v", err)
	}

	_, err = eng.Get(context.Background(), "dfd", sub.ID, auth.Identity{Subject: "other"})
	var engErr *Error
	if !errors.As(err, &engErr) || engErr.Kind != KindForbidden {
		t.Fatalf("non-owner err = %v, want forbidden", err)
	}

	if _, err := eng.Get(context.Background(), "dfd", sub.ID, auth.Identity{Subject: "other", Roles: []string{"admin"}}); err != nil {
		t.Fatalf("admin Get: %v", err)
	}
	if _, err := eng.Get(context.Background(), "dfd", sub.ID, auth.Identity{Subject: "other", Superuser: true}); err != nil {
		t.Fatalf("superuser Get: %v", err)
	}
}

func TestListClampAndScoping(t *testing.T) {
	subs := newFakeSubmissionRepo()
	eng := newTestEngine(t, &stubModule{kind: "dfd"}, subs)

	if _, err := eng.List(context.Background(), "dfd", auth.Identity{Subject: "u1"}, "", 0, -5); err != nil {
		t.Fatalf("List: %v", err)
	}
	if subs.lastList.Limit != 50 || subs.lastList.Offset != 0 {
		t.Fatalf("filter = %+v, want default limit 50 offset 0", subs.lastList)
	}
	if subs.lastList.ActorID != "u1" {
		t.Fatalf("non-elevated list must scope to actor, got %+v", subs.lastList)
	}

	if _, err := eng.List(context.Background(), "dfd", auth.Identity{Subject: "u1", Roles: []string{"admin"}}, "", 5000, 0); err != nil {
		t.Fatalf("List: %v", err)
	}
	if subs.lastList.Limit != 1000 {
		t.Fatalf("limit = %d, want clamp to 1000", subs.lastList.Limit)
	}
	if subs.lastList.ActorID != "" {
		t.Fatalf("elevated list must not scope to actor, got %+v", subs.lastList)
	}

	_, err := eng.List(context.Background(), "dfd", auth.Identity{Subject: "u1"}, "bogus", 0, 0)
	var engErr *Error
	if !errors.As(err, &engErr) || engErr.Kind != KindValidation {
		t.Fatalf("err = %v, want validation_error for bogus status", err)
	}
}

func TestDownloadStatusGates(t *testing.T) {
	subs := newFakeSubmissionRepo()
	mod := &stubModule{kind: "dfd", artifact: automation.Artifact{Filename: "dfd.md", ContentType: "text/markdown", Data: []byte("# DFD")}}
	eng := newTestEngine(t, mod, subs)
	owner := auth.Identity{Subject: "u1"}

	sub, err := eng.Submit(context.Background(), "dfd", json.RawMessage(`{}`), domain.Actor{ID: "u1"}, RequestMeta{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	_, err = eng.Download(context.Background(), "dfd", sub.ID, owner)
	var engErr *Error
	if !errors.As(err, &engErr) || engErr.Kind != KindNotReady {
		t.Fatalf("queued download err = %v, want not_ready", err)
	}

	eng.runAsync(context.Background(), <-eng.queue)

	artifact, err := eng.Download(context.Background(), "dfd", sub.ID, owner)
	if err != nil {
		t.Fatalf("done download: %v", err)
	}
	if artifact.Filename != "dfd.md" || string(artifact.Data) != "# DFD" {
		t.Fatalf("artifact = %+v", artifact)
	}
}

func TestDownloadFailedSubmission(t *testing.T) {
	subs := newFakeSubmissionRepo()
	mod := &stubModule{
		kind: "dfd",
		processFn: func(ctx context.Context, in automation.ProcessInput) (json.RawMessage, error) {
			return nil, errors.New("boom")
		},
	}
	eng := newTestEngine(t, mod, subs)

	sub, err := eng.Submit(context.Background(), "dfd", json.RawMessage(`{}`), domain.Actor{ID: "u1"}, RequestMeta{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	eng.runAsync(context.Background(), <-eng.queue)

	_, err = eng.Download(context.Background(), "dfd", sub.ID, auth.Identity{Subject: "u1"})
	var engErr *Error
	if !errors.As(err, &engErr) || engErr.Kind != KindNotFound {
		t.Fatalf("err = %v, want not_found for failed submission", err)
	}
}

func TestReap(t *testing.T) {
	subs := newFakeSubmissionRepo()
	eng := newTestEngine(t, &stubModule{kind: "dfd"}, subs)

	sub, err := eng.Submit(context.Background(), "dfd", json.RawMessage(`{}`), domain.Actor{ID: "u1"}, RequestMeta{})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	stale := time.Now().UTC().Add(-time.Hour)
	if err := subs.UpdateStatus(context.Background(), sub.ID, domain.StatusQueued, domain.StatusRunning, nil, "", stale); err != nil {
		t.Fatalf("UpdateStatus: %v", err)
	}

	eng.reap(context.Background(), 15*time.Minute)

	got := subs.snapshot(sub.ID)
	if got.Status != domain.StatusError || got.Error != reapReason {
		t.Fatalf("reaped row = %+v", got)
	}
}
