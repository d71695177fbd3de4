package auth

import (
	"strings"
	"time"
)

// Principal is the identity carried by a verified session token.
//
// Groups and SuperAdmin are the snapshot taken at login. They are never
// consulted by live checks except for the super admin override and the
// coarse core gate.
type Principal struct {
	UserID         int64     `json:"user_id"`
	Email          string    `json:"email"`
	Name           string    `json:"name"`
	Groups         []string  `json:"groups"`
	SuperAdmin     bool      `json:"super_admin"`
	AuditSessionID string    `json:"audit_session_id,omitempty"`
	TokenID        string    `json:"-"`
	ExpiresAt      time.Time `json:"expires_at"`
}

// InGroup reports whether the snapshot contains name, ignoring case.
func (p Principal) InGroup(name string) bool {
	name = strings.TrimSpace(name)
	if name == "" {
		return false
	}
	for _, g := range p.Groups {
		if strings.EqualFold(g, name) {
			return true
		}
	}
	return false
}

func dedupeGroups(groups []string) []string {
	if len(groups) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(groups))
	var out []string
	for _, g := range groups {
		g = strings.TrimSpace(g)
		if g == "" {
			continue
		}
		key := strings.ToLower(g)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, g)
	}
	return out
}
