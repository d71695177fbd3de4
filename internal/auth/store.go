package auth

import (
	"context"
	"time"
)

// GraphStore is the read-only view over the permission graph used by the
// evaluator and the reporter. Lookups of missing rows return ErrNotFound;
// any other error is treated as the store being unavailable.
type GraphStore interface {
	// FormByRoute looks a form up by its normalized route.
	FormByRoute(ctx context.Context, route string) (Form, error)
	ModuleByID(ctx context.Context, id int64) (Module, error)
	// ComponentsForForm lists every component of the routed form, active or not.
	ComponentsForForm(ctx context.Context, route string) ([]Component, error)
	// ResolvePath resolves a component and its ancestors.
	ResolvePath(ctx context.Context, componentID int64) (Path, error)
	// GroupsGrantedTo returns every group holding a grant on the component,
	// regardless of lifecycle state.
	GroupsGrantedTo(ctx context.Context, componentID int64) ([]Group, error)
	// IsAdminGroup reports whether the named group carries the super admin
	// capability. Unknown names are not admin.
	IsAdminGroup(ctx context.Context, name string) (bool, error)
}

// MembershipStore answers live group membership.
type MembershipStore interface {
	// GroupsForUser returns every group the user belongs to, in any state.
	GroupsForUser(ctx context.Context, userID int64) ([]Group, error)
}

// UserStore looks up login identities.
type UserStore interface {
	UserByEmail(ctx context.Context, email string) (User, error)
	UserByID(ctx context.Context, id int64) (User, error)
}

// SessionStore persists audit sessions.
type SessionStore interface {
	OpenSession(ctx context.Context, s AuditSession) error
	// CloseSession closes the open session with the given id, or the most
	// recently opened one for the user when sessionID is empty. It reports
	// whether a row changed.
	CloseSession(ctx context.Context, userID int64, sessionID string, at time.Time) (bool, error)
	// CloseAbandoned closes every session opened before cutoff that is still open.
	CloseAbandoned(ctx context.Context, cutoff, at time.Time) (int64, error)
}

// AdminStore holds the administrative mutations.
type AdminStore interface {
	// ReplaceGroupGrants atomically swaps the group's component grants.
	ReplaceGroupGrants(ctx context.Context, groupID int64, componentIDs []int64) error
	SetGroupState(ctx context.Context, groupID int64, state GroupState) (Group, error)
	// PruneGrants deletes edges whose group or component no longer exists.
	PruneGrants(ctx context.Context) (int64, error)
}

// Store is everything the authorization subsystem persists.
type Store interface {
	GraphStore
	MembershipStore
	UserStore
	SessionStore
	AdminStore
	Ping(ctx context.Context) error
}
