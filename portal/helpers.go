package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/licitaflow/licitaflow-go/internal/engine"
)

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}

// writeEngineError maps the engine taxonomy onto the wire: one status
// and one machine-readable code per kind. Storage details stay in the
// server log.
func writeEngineError(logger *slog.Logger, w http.ResponseWriter, r *http.Request, err error) {
	var engErr *engine.Error
	if !errors.As(err, &engErr) {
		logger.Error("unclassified error", "request_id", r.Header.Get("X-Request-Id"), "error", err)
		writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	if engErr.Kind == engine.KindStorage {
		logger.Error("storage error", "request_id", r.Header.Get("X-Request-Id"), "error", engErr)
	}

	body := map[string]any{
		"error":      string(engErr.Kind),
		"message":    engErr.Message,
		"request_id": r.Header.Get("X-Request-Id"),
	}
	for k, v := range engErr.Meta {
		body[k] = v
	}
	writeJSON(w, engErr.Kind.HTTPStatus(), body)
}

func requestIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}

func requestMeta(r *http.Request) engine.RequestMeta {
	return engine.RequestMeta{
		RequestID: r.Header.Get("X-Request-Id"),
		IP:        requestIP(r.RemoteAddr),
		UserAgent: r.UserAgent(),
	}
}

func parseIntQuery(r *http.Request, key string, def int) int {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return parsed
}

func sanitizeFilename(name string) string {
	base := path.Base(strings.TrimSpace(name))
	if base == "" || base == "." || base == "/" {
		return "artifact.bin"
	}
	return base
}
