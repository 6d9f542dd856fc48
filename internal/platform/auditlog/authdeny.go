package auditlog

import (
	"context"
	"net"
	"strings"

	"github.com/licitaflow/licitaflow-go/internal/platform/auth"
)

// InsertAuthDeny records an authentication or authorization denial.
func InsertAuthDeny(ctx context.Context, q QueryRower, service string, event auth.DenyEvent) error {
	actor := "anonymous"
	if strings.TrimSpace(event.Subject) != "" {
		actor = strings.TrimSpace(event.Subject)
	}

	var ip net.IP
	host, _, err := net.SplitHostPort(event.RemoteAddr)
	if err == nil {
		ip = net.ParseIP(host)
	}

	_, err = Insert(ctx, q, Event{
		OccurredAt: event.Time,
		Actor:      actor,
		Action:     "auth." + strings.TrimSpace(event.Reason),
		Kind:       "http",
		RequestID:  event.RequestID,
		IP:         ip,
		UserAgent:  event.UserAgent,
		Meta: map[string]any{
			"service": service,
			"status":  event.Status,
			"reason":  event.Reason,
			"method":  event.Method,
			"path":    event.Path,
			"subject": event.Subject,
			"roles":   event.Roles,
		},
	})
	return err
}
