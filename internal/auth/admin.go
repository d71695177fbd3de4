package auth

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/rs/zerolog"
)

// Admin performs permission administration. Every operation requires the
// super admin capability on the acting principal.
type Admin struct {
	store AdminStore
	log   zerolog.Logger
}

func NewAdmin(store AdminStore, log zerolog.Logger) *Admin {
	return &Admin{store: store, log: log}
}

// ReplaceGroupGrants swaps the group's component grants for componentIDs in
// one transaction. An empty list revokes every grant of the group.
func (a *Admin) ReplaceGroupGrants(ctx context.Context, actor Principal, groupID int64, componentIDs []int64) ([]int64, error) {
	if err := requireSuperAdmin(actor); err != nil {
		return nil, err
	}
	if groupID <= 0 {
		return nil, fmt.Errorf("%w: group id must be positive", ErrInvalidInput)
	}
	ids := make([]int64, 0, len(componentIDs))
	for _, id := range componentIDs {
		if id <= 0 {
			return nil, fmt.Errorf("%w: component id %d must be positive", ErrInvalidInput, id)
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	if err := a.store.ReplaceGroupGrants(ctx, groupID, ids); err != nil {
		return nil, mutationError("replace group grants", err)
	}
	a.log.Info().Int64("actor", actor.UserID).Int64("group_id", groupID).Int("components", len(ids)).Msg("group grants replaced")
	return ids, nil
}

// SetGroupState moves a group through its lifecycle. The change applies to
// live checks immediately; issued tokens keep their snapshot.
func (a *Admin) SetGroupState(ctx context.Context, actor Principal, groupID int64, state GroupState) (Group, error) {
	if err := requireSuperAdmin(actor); err != nil {
		return Group{}, err
	}
	if groupID <= 0 {
		return Group{}, fmt.Errorf("%w: group id must be positive", ErrInvalidInput)
	}
	if !state.Valid() {
		return Group{}, fmt.Errorf("%w: unknown group state %q", ErrInvalidInput, state)
	}
	g, err := a.store.SetGroupState(ctx, groupID, state)
	if err != nil {
		return Group{}, mutationError("set group state", err)
	}
	a.log.Info().Int64("actor", actor.UserID).Int64("group_id", groupID).Str("state", string(state)).Msg("group state changed")
	return g, nil
}

// PruneGrants removes edges whose group or component is gone.
func (a *Admin) PruneGrants(ctx context.Context, actor Principal) (int64, error) {
	if err := requireSuperAdmin(actor); err != nil {
		return 0, err
	}
	n, err := a.store.PruneGrants(ctx)
	if err != nil {
		return 0, mutationError("prune grants", err)
	}
	a.log.Info().Int64("actor", actor.UserID).Int64("pruned", n).Msg("dangling grants pruned")
	return n, nil
}

func requireSuperAdmin(p Principal) error {
	if !p.SuperAdmin {
		return ErrDenied
	}
	return nil
}

func mutationError(op string, err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrConflict), errors.Is(err, ErrInvalidInput):
		return fmt.Errorf("%s: %w", op, err)
	default:
		return unavailable(op, err)
	}
}
