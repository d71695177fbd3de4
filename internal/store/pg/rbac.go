package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"gestor.app/internal/auth"
)

// ReplaceGroupGrants swaps the full grant set of a group in one transaction.
// Concurrent readers see either the previous set or the new one.
func (s *Store) ReplaceGroupGrants(ctx context.Context, groupID int64, componentIDs []int64) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return mapError(err)
	}
	defer func() { _ = tx.Rollback() }()

	var locked int64
	if err := tx.QueryRowContext(ctx, `select id from groups where id = $1 for update`, groupID).Scan(&locked); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: group %d", auth.ErrNotFound, groupID)
		}
		return mapError(err)
	}

	if _, err := tx.ExecContext(ctx, `delete from group_components where group_id = $1`, groupID); err != nil {
		return mapError(err)
	}
	for _, id := range componentIDs {
		if _, err := tx.ExecContext(ctx, `
			insert into group_components (group_id, component_id)
			values ($1, $2)
		`, groupID, id); err != nil {
			return mapError(err)
		}
	}
	return mapError(tx.Commit())
}

func (s *Store) SetGroupState(ctx context.Context, groupID int64, state auth.GroupState) (auth.Group, error) {
	row := s.db.QueryRowContext(ctx, `
		update groups set state = $1
		where id = $2
		returning id, name, state, is_super_admin
	`, string(state), groupID)
	g, err := scanGroup(row)
	if err != nil {
		return auth.Group{}, mapError(err)
	}
	return g, nil
}

// PruneGrants removes grant edges whose group or component no longer exists.
// Schemas without cascading foreign keys accumulate these after deletes.
func (s *Store) PruneGrants(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		delete from group_components gc
		where not exists (select 1 from groups g where g.id = gc.group_id)
		   or not exists (select 1 from components c where c.id = gc.component_id)
	`)
	if err != nil {
		return 0, mapError(err)
	}
	return res.RowsAffected()
}
