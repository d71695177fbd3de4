package auth

import (
	"context"
)

// LifecycleResolver answers which of a user's groups currently count. It
// always queries the store and never trusts the token snapshot, so a
// suspension takes effect on the next check.
type LifecycleResolver struct {
	store MembershipStore
}

func NewLifecycleResolver(store MembershipStore) *LifecycleResolver {
	return &LifecycleResolver{store: store}
}

// ActiveGroups returns the ids of the user's groups in the active state. An
// empty set is a valid answer.
func (r *LifecycleResolver) ActiveGroups(ctx context.Context, userID int64) (GroupSet, error) {
	groups, err := r.Memberships(ctx, userID)
	if err != nil {
		return nil, err
	}
	set := make(GroupSet, len(groups))
	for _, g := range groups {
		if g.State == GroupActive {
			set[g.ID] = struct{}{}
		}
	}
	return set, nil
}

// Memberships returns every group of the user with its live state.
func (r *LifecycleResolver) Memberships(ctx context.Context, userID int64) ([]Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, unavailable("group memberships", err)
	}
	groups, err := r.store.GroupsForUser(ctx, userID)
	if err != nil {
		return nil, unavailable("group memberships", err)
	}
	return groups, nil
}
