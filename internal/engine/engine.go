package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/licitaflow/licitaflow-go/internal/automation"
	"github.com/licitaflow/licitaflow-go/internal/domain"
	"github.com/licitaflow/licitaflow-go/internal/platform/auditlog"
	"github.com/licitaflow/licitaflow-go/internal/platform/auth"
	"github.com/licitaflow/licitaflow-go/internal/platform/objectstore"
	"github.com/licitaflow/licitaflow-go/internal/repo"
)

func isArtifactMissing(err error) bool {
	return errors.Is(err, objectstore.ErrObjectMissing)
}

const (
	defaultListLimit = 50
	maxListLimit     = 1000
)

// RequestMeta carries request attribution into audit events.
type RequestMeta struct {
	RequestID string
	IP        net.IP
	UserAgent string
}

type Config struct {
	Service       string
	Workers       int
	QueueSize     int
	ElevatedRoles []string
}

// Engine is the shared orchestration layer every automation kind goes
// through: it creates jobs, enforces the status state machine, runs
// execution on its worker pool and standardizes errors.
type Engine struct {
	cfg      Config
	registry *automation.Registry
	subs     repo.SubmissionRepository
	audit    *auditlog.Sink
	logger   *slog.Logger
	queue    chan job
	now      func() time.Time
}

// job is the unit handed from Submit to a worker. Each submission is
// enqueued exactly once, at creation time; that is what guarantees
// at-most-once dispatch per id.
type job struct {
	id   string
	kind string
	meta RequestMeta
}

func New(cfg Config, registry *automation.Registry, subs repo.SubmissionRepository, audit *auditlog.Sink, logger *slog.Logger) (*Engine, error) {
	if registry == nil || subs == nil || audit == nil || logger == nil {
		return nil, errors.New("registry, submission repository, audit sink and logger are required")
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Service == "" {
		cfg.Service = "portal"
	}
	return &Engine{
		cfg:      cfg,
		registry: registry,
		subs:     subs,
		audit:    audit,
		logger:   logger,
		queue:    make(chan job, cfg.QueueSize),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// Start launches the worker pool. Workers drain the queue until the
// context is cancelled; in-flight Process calls are not interrupted.
func (e *Engine) Start(ctx context.Context) {
	for i := 0; i < e.cfg.Workers; i++ {
		go e.worker(ctx)
	}
}

func (e *Engine) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case j := <-e.queue:
			e.runAsync(ctx, j)
		}
	}
}

// Submit validates, deduplicates and persists a new submission, then
// schedules it for execution. The caller gets the queued ack
// immediately; completion is observed by polling.
func (e *Engine) Submit(ctx context.Context, kind string, raw json.RawMessage, actor domain.Actor, meta RequestMeta) (domain.Submission, error) {
	mod, ok := e.registry.Get(kind)
	if !ok {
		return domain.Submission{}, NotFound("automation")
	}

	normalized, err := mod.Validate(raw)
	if err != nil {
		var vErr *automation.ValidationError
		if errors.As(err, &vErr) {
			return domain.Submission{}, ValidationFailed(vErr.Issues)
		}
		return domain.Submission{}, StorageFailure("validate payload", err)
	}

	if probe, hasRule := mod.DuplicateProbe(normalized); hasRule {
		existingID, err := e.subs.FindDuplicate(ctx, mod.Kind(), probe)
		switch {
		case err == nil:
			return domain.Submission{}, Duplicate(existingID)
		case errors.Is(err, repo.ErrNotFound):
		default:
			return domain.Submission{}, StorageFailure("duplicate check", err)
		}
	}

	now := e.now()
	sub := domain.Submission{
		ID:        uuid.NewString(),
		Kind:      mod.Kind(),
		Version:   mod.Version(),
		Actor:     actor,
		Payload:   normalized,
		Status:    domain.StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := e.subs.Create(ctx, sub); err != nil {
		return domain.Submission{}, StorageFailure("create submission", err)
	}

	e.audit.BestEffort(ctx, e.event(sub, "submitted", actor.ID, meta, nil))

	select {
	case e.queue <- job{id: sub.ID, kind: sub.Kind, meta: meta}:
	case <-ctx.Done():
		// Shutdown between create and enqueue: the submission stays
		// queued and is picked up by operational tooling, never
		// double-dispatched.
		e.logger.Warn("submission created but not enqueued", "sid", sub.ID)
	}

	return sub, nil
}

// runAsync drives one submission through the state machine. It has no
// caller to report to; failures end up on the submission row and the
// audit trail only.
func (e *Engine) runAsync(ctx context.Context, j job) {
	mod, ok := e.registry.Get(j.kind)
	if !ok {
		e.logger.Error("no module for queued submission", "sid", j.id, "kind", j.kind)
		return
	}

	sub, err := e.subs.Get(ctx, j.kind, j.id)
	if err != nil {
		e.logger.Error("load queued submission", "sid", j.id, "error", err)
		return
	}

	now := e.now()
	if err := e.subs.UpdateStatus(ctx, j.id, domain.StatusQueued, domain.StatusRunning, nil, "", now); err != nil {
		// Leave the submission as-is: either it is already past queued
		// (no-op by terminality) or the store is down and the row can
		// be retried or inspected manually.
		e.logger.Error("transition to running failed", "sid", j.id, "error", err)
		return
	}
	e.audit.BestEffort(ctx, e.event(sub, "running", sub.Actor.ID, j.meta, nil))

	result, procErr := e.process(ctx, mod, sub)

	now = e.now()
	if procErr != nil {
		reason := sanitizeError(procErr)
		if err := e.subs.UpdateStatus(ctx, j.id, domain.StatusRunning, domain.StatusError, nil, reason, now); err != nil {
			e.logger.Error("transition to error failed", "sid", j.id, "error", err)
			return
		}
		e.audit.BestEffort(ctx, e.event(sub, "failed", sub.Actor.ID, j.meta, map[string]any{"error": reason}))
		return
	}

	if err := e.subs.UpdateStatus(ctx, j.id, domain.StatusRunning, domain.StatusDone, result, "", now); err != nil {
		e.logger.Error("transition to done failed", "sid", j.id, "error", err)
		return
	}
	e.audit.BestEffort(ctx, e.event(sub, "completed", sub.Actor.ID, j.meta, nil))
}

// process invokes the module with panic containment: a panicking
// automation becomes a failed submission, never a dead worker.
func (e *Engine) process(ctx context.Context, mod automation.Module, sub domain.Submission) (result json.RawMessage, err error) {
	defer func() {
		if v := recover(); v != nil {
			e.logger.Error("automation panicked", "sid", sub.ID, "kind", sub.Kind, "panic", v)
			result = nil
			err = fmt.Errorf("automation %s aborted unexpectedly", sub.Kind)
		}
	}()
	return mod.Process(ctx, automation.ProcessInput{
		SubmissionID: sub.ID,
		Payload:      sub.Payload,
		Actor:        sub.Actor,
	})
}

// Get returns one submission, applying per-owner scoping: actors
// without an elevated role only see their own submissions.
func (e *Engine) Get(ctx context.Context, kind, id string, identity auth.Identity) (domain.Submission, error) {
	if _, ok := e.registry.Get(kind); !ok {
		return domain.Submission{}, NotFound("automation")
	}
	sub, err := e.subs.Get(ctx, kind, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Submission{}, NotFound("submission")
		}
		return domain.Submission{}, StorageFailure("load submission", err)
	}
	if !e.elevated(identity) && sub.Actor.ID != identity.Subject {
		return domain.Submission{}, Forbidden()
	}
	return sub, nil
}

type ListResult struct {
	Items  []domain.Submission
	Total  int
	Limit  int
	Offset int
}

func (e *Engine) List(ctx context.Context, kind string, identity auth.Identity, status string, limit, offset int) (ListResult, error) {
	if _, ok := e.registry.Get(kind); !ok {
		return ListResult{}, NotFound("automation")
	}
	if status != "" && !domain.Status(status).Valid() {
		return ListResult{}, ValidationFailed([]string{fmt.Sprintf("unknown status %q", status)})
	}

	// Clamp server-side regardless of client input.
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	if offset < 0 {
		offset = 0
	}

	filter := repo.SubmissionFilter{
		Kind:   kind,
		Status: status,
		Limit:  limit,
		Offset: offset,
	}
	if !e.elevated(identity) {
		filter.ActorID = identity.Subject
	}

	items, total, err := e.subs.List(ctx, filter)
	if err != nil {
		return ListResult{}, StorageFailure("list submissions", err)
	}
	return ListResult{Items: items, Total: total, Limit: limit, Offset: offset}, nil
}

// Download materializes the artifact of a done submission.
func (e *Engine) Download(ctx context.Context, kind, id string, identity auth.Identity) (automation.Artifact, error) {
	mod, ok := e.registry.Get(kind)
	if !ok {
		return automation.Artifact{}, NotFound("automation")
	}
	sub, err := e.Get(ctx, kind, id, identity)
	if err != nil {
		return automation.Artifact{}, err
	}

	switch sub.Status {
	case domain.StatusQueued, domain.StatusRunning:
		return automation.Artifact{}, NotReady(string(sub.Status))
	case domain.StatusError:
		return automation.Artifact{}, NotFound("artifact")
	}

	artifact, err := mod.Artifact(ctx, sub)
	if err != nil {
		if isArtifactMissing(err) {
			return automation.Artifact{}, NotFound("artifact")
		}
		return automation.Artifact{}, StorageFailure("load artifact", err)
	}
	return artifact, nil
}

func (e *Engine) elevated(identity auth.Identity) bool {
	if identity.Superuser {
		return true
	}
	roles := append([]string{auth.RoleAdmin}, e.cfg.ElevatedRoles...)
	return auth.Allowed(&identity, roles)
}

func (e *Engine) event(sub domain.Submission, action, actor string, meta RequestMeta, extra map[string]any) auditlog.Event {
	eventMeta := map[string]any{
		"service": e.cfg.Service,
		"version": sub.Version,
	}
	for k, v := range extra {
		eventMeta[k] = v
	}
	return auditlog.Event{
		OccurredAt:   e.now(),
		Actor:        actor,
		Action:       action,
		Kind:         sub.Kind,
		SubmissionID: sub.ID,
		RequestID:    meta.RequestID,
		IP:           meta.IP,
		UserAgent:    meta.UserAgent,
		Meta:         eventMeta,
	}
}
