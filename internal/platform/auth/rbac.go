package auth

import "strings"

// RoleAdmin always passes the gate, as does Identity.Superuser.
const RoleAdmin = "admin"

// Allowed is the RBAC gate: ANY-of semantics over the resource's
// required roles, case-insensitive and trimmed. An empty requirement
// means the resource is public; a nil identity is denied for any gated
// resource. Pure predicate, no side effects.
func Allowed(identity *Identity, requiredRoles []string) bool {
	if len(requiredRoles) == 0 {
		return true
	}
	if identity == nil {
		return false
	}
	if identity.Superuser {
		return true
	}
	held := make(map[string]struct{}, len(identity.Roles))
	for _, role := range identity.Roles {
		role = normalizeRole(role)
		if role == "" {
			continue
		}
		if role == RoleAdmin {
			return true
		}
		held[role] = struct{}{}
	}
	for _, role := range requiredRoles {
		if _, ok := held[normalizeRole(role)]; ok {
			return true
		}
	}
	return false
}

func normalizeRole(role string) string {
	return strings.ToLower(strings.TrimSpace(role))
}
