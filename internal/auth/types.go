package auth

import (
	"fmt"
	"strings"
	"time"
)

// GroupState is a group's lifecycle standing. Only active groups contribute
// grants to live checks.
type GroupState string

const (
	GroupActive    GroupState = "active"
	GroupSuspended GroupState = "suspended"
	GroupDisabled  GroupState = "disabled"
)

// ParseGroupState normalizes s and rejects unknown states.
func ParseGroupState(s string) (GroupState, error) {
	st := GroupState(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("%w: unknown group state %q", ErrInvalidInput, s)
	}
	return st, nil
}

func (s GroupState) Valid() bool {
	switch s {
	case GroupActive, GroupSuspended, GroupDisabled:
		return true
	}
	return false
}

// Group is a set of users sharing component grants. SuperAdmin is the
// capability that bypasses component checks.
type Group struct {
	ID         int64      `json:"id"`
	Name       string     `json:"name"`
	State      GroupState `json:"state"`
	SuperAdmin bool       `json:"super_admin"`
}

// Module is the top-level navigation grouping.
type Module struct {
	ID     int64  `json:"id"`
	Name   string `json:"name"`
	Active bool   `json:"active"`
	Order  int    `json:"order"`
}

// Form is a page scoped to one module. Route is unique.
type Form struct {
	ID       int64  `json:"id"`
	ModuleID int64  `json:"module_id"`
	Name     string `json:"name"`
	Route    string `json:"route"`
	Active   bool   `json:"active"`
	Order    int    `json:"order"`
}

// Component is the finest-grained permission unit on a form.
type Component struct {
	ID     int64  `json:"id"`
	FormID int64  `json:"form_id"`
	Name   string `json:"name"`
	Kind   string `json:"kind"`
	Active bool   `json:"active"`
}

// User is the login identity.
type User struct {
	ID           int64  `json:"id"`
	Email        string `json:"email"`
	Name         string `json:"name"`
	PasswordHash string `json:"-"`
	Active       bool   `json:"active"`
}

// AuditSession tracks one login. LogoutAt is nil while open.
type AuditSession struct {
	ID       string     `json:"id"`
	UserID   int64      `json:"user_id"`
	LoginAt  time.Time  `json:"login_at"`
	LogoutAt *time.Time `json:"logout_at,omitempty"`
}

// GroupSet is a set of group ids.
type GroupSet map[int64]struct{}

func NewGroupSet(ids ...int64) GroupSet {
	s := make(GroupSet, len(ids))
	for _, id := range ids {
		s[id] = struct{}{}
	}
	return s
}

func (s GroupSet) Has(id int64) bool {
	_, ok := s[id]
	return ok
}

// Intersect returns the ids of groups present in s, in the order given.
func (s GroupSet) Intersect(groups []Group) []int64 {
	var out []int64
	for _, g := range groups {
		if s.Has(g.ID) {
			out = append(out, g.ID)
		}
	}
	return out
}
