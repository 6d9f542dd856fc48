package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/licitaflow/licitaflow-go/internal/automation"
	"github.com/licitaflow/licitaflow-go/internal/catalog"
	"github.com/licitaflow/licitaflow-go/internal/domain"
	"github.com/licitaflow/licitaflow-go/internal/engine"
	"github.com/licitaflow/licitaflow-go/internal/platform/auth"
)

type api struct {
	logger   *slog.Logger
	engine   *engine.Engine
	registry *automation.Registry
	catalog  *catalog.Catalog
	sessions *auth.Sessions
	uiDir    string
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/auth/login", a.handleLogin)
	mux.HandleFunc("POST /api/auth/logout", a.handleLogout)
	mux.HandleFunc("GET /api/auth/me", a.handleMe)
	mux.HandleFunc("POST /api/auth/password", a.handleChangePassword)

	mux.HandleFunc("GET /api/catalog", a.handleCatalog)

	mux.HandleFunc("GET /api/automations/{kind}/schema", a.handleSchema)
	mux.HandleFunc("GET /api/automations/{kind}/ui", a.handleUI)
	mux.HandleFunc("POST /api/automations/{kind}/submit", a.handleSubmit)
	mux.HandleFunc("GET /api/automations/{kind}/submissions", a.handleList)
	mux.HandleFunc("GET /api/automations/{kind}/submissions/{id}", a.handleGet)
	mux.HandleFunc("POST /api/automations/{kind}/submissions/{id}/download", a.handleDownload)
}

// gate resolves the identity and enforces the catalog's per-kind RBAC
// rule. Kinds absent from the catalog or the registry do not exist as
// far as clients are concerned.
func (a *api) gate(w http.ResponseWriter, r *http.Request, kind string) (auth.Identity, catalog.Entry, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return auth.Identity{}, catalog.Entry{}, false
	}
	entry, known := a.catalog.Get(kind)
	if !known {
		writeEngineError(a.logger, w, r, engine.NotFound("automation"))
		return auth.Identity{}, catalog.Entry{}, false
	}
	if _, registered := a.registry.Get(kind); !registered {
		writeEngineError(a.logger, w, r, engine.NotFound("automation"))
		return auth.Identity{}, catalog.Entry{}, false
	}
	if !auth.Allowed(&identity, entry.RequiredRoles) {
		writeEngineError(a.logger, w, r, engine.Forbidden())
		return auth.Identity{}, catalog.Entry{}, false
	}
	return identity, entry, true
}

func (a *api) handleLogin(w http.ResponseWriter, r *http.Request) {
	if a.sessions.Config().Mode != auth.ModeLocal {
		writeError(w, r, http.StatusNotFound, "not_found")
		return
	}
	var req struct {
		Identifier string `json:"identifier"`
		Password   string `json:"password"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "validation_error")
		return
	}
	user, session, err := a.sessions.Login(r.Context(), req.Identifier, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrUnauthenticated) {
			writeError(w, r, http.StatusUnauthorized, "unauthorized")
			return
		}
		a.logger.Error("login failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, "storage_error")
		return
	}
	auth.SetSessionCookie(w, a.sessions.Config(), session.ID)
	writeJSON(w, http.StatusOK, userView(user))
}

func (a *api) handleLogout(w http.ResponseWriter, r *http.Request) {
	cookie, err := r.Cookie(a.sessions.Config().SessionCookieName)
	if err == nil {
		if err := a.sessions.Logout(r.Context(), cookie.Value); err != nil {
			a.logger.Warn("logout revoke failed", "error", err)
		}
	}
	auth.ClearSessionCookie(w, a.sessions.Config())
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *api) handleMe(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	if a.sessions.Config().Mode == auth.ModeDev {
		writeJSON(w, http.StatusOK, map[string]any{
			"id":          identity.Subject,
			"name":        identity.Name,
			"email":       identity.Email,
			"roles":       identity.Roles,
			"isSuperuser": identity.Superuser,
		})
		return
	}
	user, err := a.sessions.CurrentUser(r.Context(), identity.Subject)
	if err != nil {
		a.logger.Error("load current user", "error", err)
		writeError(w, r, http.StatusInternalServerError, "storage_error")
		return
	}
	writeJSON(w, http.StatusOK, userView(user))
}

func (a *api) handleChangePassword(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req struct {
		CurrentPassword string `json:"currentPassword"`
		NewPassword     string `json:"newPassword"`
	}
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusUnprocessableEntity, "validation_error")
		return
	}
	err := a.sessions.ChangePassword(r.Context(), identity.Subject, req.CurrentPassword, req.NewPassword)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, auth.ErrWeakPassword):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":      "validation_error",
			"issues":     []string{err.Error()},
			"request_id": r.Header.Get("X-Request-Id"),
		})
	case errors.Is(err, auth.ErrUnauthenticated):
		writeError(w, r, http.StatusForbidden, "forbidden")
	default:
		a.logger.Error("change password", "error", err)
		writeError(w, r, http.StatusInternalServerError, "storage_error")
	}
}

func (a *api) handleCatalog(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"automations": a.catalog.Visible(identity),
	})
}

func (a *api) handleSchema(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("kind")
	if _, _, ok := a.gate(w, r, kind); !ok {
		return
	}
	mod, _ := a.registry.Get(kind)
	writeJSON(w, http.StatusOK, map[string]any{
		"kind":    mod.Kind(),
		"version": mod.Version(),
		"schema":  mod.Schema(),
	})
}

func (a *api) handleUI(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("kind")
	_, entry, ok := a.gate(w, r, kind)
	if !ok {
		return
	}

	page := entry.UI
	if page == "" {
		page = entry.Kind + ".html"
	}
	// The catalog names a file inside the UI directory; anything that
	// escapes it is treated as missing.
	body, err := os.ReadFile(filepath.Join(a.uiDir, filepath.Base(page)))
	if err != nil {
		writeEngineError(a.logger, w, r, engine.NotFound("ui page"))
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (a *api) handleSubmit(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("kind")
	identity, _, ok := a.gate(w, r, kind)
	if !ok {
		return
	}

	var payload json.RawMessage
	if err := decodeJSON(r, &payload); err != nil {
		writeEngineError(a.logger, w, r, engine.ValidationFailed([]string{"body must be a single JSON document"}))
		return
	}

	actor := domain.Actor{
		ID:    identity.Subject,
		Name:  identity.Name,
		Email: identity.Email,
	}
	sub, err := a.engine.Submit(r.Context(), kind, payload, actor, requestMeta(r))
	if err != nil {
		writeEngineError(a.logger, w, r, err)
		return
	}

	w.Header().Set("Location", fmt.Sprintf("/api/automations/%s/submissions/%s", sub.Kind, sub.ID))
	writeJSON(w, http.StatusAccepted, map[string]any{
		"id":        sub.ID,
		"status":    string(sub.Status),
		"createdAt": sub.CreatedAt.Format(time.RFC3339),
	})
}

func (a *api) handleList(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("kind")
	identity, _, ok := a.gate(w, r, kind)
	if !ok {
		return
	}

	status := strings.TrimSpace(r.URL.Query().Get("status"))
	limit := parseIntQuery(r, "limit", 0)
	offset := parseIntQuery(r, "offset", 0)

	result, err := a.engine.List(r.Context(), kind, identity, status, limit, offset)
	if err != nil {
		writeEngineError(a.logger, w, r, err)
		return
	}

	items := make([]map[string]any, 0, len(result.Items))
	for _, sub := range result.Items {
		items = append(items, submissionView(sub))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"items":  items,
		"total":  result.Total,
		"limit":  result.Limit,
		"offset": result.Offset,
	})
}

func (a *api) handleGet(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("kind")
	identity, _, ok := a.gate(w, r, kind)
	if !ok {
		return
	}
	sub, err := a.engine.Get(r.Context(), kind, r.PathValue("id"), identity)
	if err != nil {
		writeEngineError(a.logger, w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, submissionView(sub))
}

func (a *api) handleDownload(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("kind")
	identity, _, ok := a.gate(w, r, kind)
	if !ok {
		return
	}
	artifact, err := a.engine.Download(r.Context(), kind, r.PathValue("id"), identity)
	if err != nil {
		writeEngineError(a.logger, w, r, err)
		return
	}

	contentType := artifact.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", sanitizeFilename(artifact.Filename)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(artifact.Data)
}

func userView(user domain.User) map[string]any {
	return map[string]any{
		"id":                 user.ID,
		"name":               user.Name,
		"email":              user.Email,
		"roles":              user.Roles,
		"isSuperuser":        user.IsSuperuser,
		"mustChangePassword": user.MustChangePassword,
	}
}

func submissionView(sub domain.Submission) map[string]any {
	view := map[string]any{
		"id":      sub.ID,
		"kind":    sub.Kind,
		"version": sub.Version,
		"actor": map[string]string{
			"id":    sub.Actor.ID,
			"name":  sub.Actor.Name,
			"email": sub.Actor.Email,
		},
		"payload":   sub.Payload,
		"status":    string(sub.Status),
		"createdAt": sub.CreatedAt.Format(time.RFC3339),
		"updatedAt": sub.UpdatedAt.Format(time.RFC3339),
	}
	if len(sub.Result) > 0 {
		view["result"] = sub.Result
	}
	if sub.Error != "" {
		view["error"] = sub.Error
	}
	return view
}
