package pg

import (
	"context"
	"database/sql"
	"errors"

	"gestor.app/internal/auth"
)

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGroup(row rowScanner) (auth.Group, error) {
	var g auth.Group
	var state string
	if err := row.Scan(&g.ID, &g.Name, &state, &g.SuperAdmin); err != nil {
		return auth.Group{}, err
	}
	g.State = auth.GroupState(state)
	return g, nil
}

func (s *Store) FormByRoute(ctx context.Context, route string) (auth.Form, error) {
	var f auth.Form
	err := s.db.QueryRowContext(ctx, `
		select id, module_id, name, route, active, sort_order
		from forms
		where route = $1
	`, route).Scan(&f.ID, &f.ModuleID, &f.Name, &f.Route, &f.Active, &f.Order)
	if err != nil {
		return auth.Form{}, mapError(err)
	}
	return f, nil
}

func (s *Store) ModuleByID(ctx context.Context, id int64) (auth.Module, error) {
	var m auth.Module
	err := s.db.QueryRowContext(ctx, `
		select id, name, active, sort_order
		from modules
		where id = $1
	`, id).Scan(&m.ID, &m.Name, &m.Active, &m.Order)
	if err != nil {
		return auth.Module{}, mapError(err)
	}
	return m, nil
}

func (s *Store) ComponentsForForm(ctx context.Context, route string) ([]auth.Component, error) {
	var formID int64
	if err := s.db.QueryRowContext(ctx, `select id from forms where route = $1`, route).Scan(&formID); err != nil {
		return nil, mapError(err)
	}
	rows, err := s.db.QueryContext(ctx, `
		select id, form_id, name, kind, active
		from components
		where form_id = $1
		order by id
	`, formID)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []auth.Component
	for rows.Next() {
		var c auth.Component
		if err := rows.Scan(&c.ID, &c.FormID, &c.Name, &c.Kind, &c.Active); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

// ResolvePath walks component, form and module in one round trip.
func (s *Store) ResolvePath(ctx context.Context, componentID int64) (auth.Path, error) {
	var p auth.Path
	err := s.db.QueryRowContext(ctx, `
		select m.id, m.name, m.active, m.sort_order,
		       f.id, f.module_id, f.name, f.route, f.active, f.sort_order,
		       c.id, c.form_id, c.name, c.kind, c.active
		from components c
		join forms f on f.id = c.form_id
		join modules m on m.id = f.module_id
		where c.id = $1
	`, componentID).Scan(
		&p.Module.ID, &p.Module.Name, &p.Module.Active, &p.Module.Order,
		&p.Form.ID, &p.Form.ModuleID, &p.Form.Name, &p.Form.Route, &p.Form.Active, &p.Form.Order,
		&p.Component.ID, &p.Component.FormID, &p.Component.Name, &p.Component.Kind, &p.Component.Active,
	)
	if err != nil {
		return auth.Path{}, mapError(err)
	}
	return p, nil
}

func (s *Store) GroupsGrantedTo(ctx context.Context, componentID int64) ([]auth.Group, error) {
	return s.queryGroups(ctx, `
		select g.id, g.name, g.state, g.is_super_admin
		from group_components gc
		join groups g on g.id = gc.group_id
		where gc.component_id = $1
		order by g.id
	`, componentID)
}

func (s *Store) GroupsForUser(ctx context.Context, userID int64) ([]auth.Group, error) {
	return s.queryGroups(ctx, `
		select g.id, g.name, g.state, g.is_super_admin
		from group_users gu
		join groups g on g.id = gu.group_id
		where gu.user_id = $1
		order by g.id
	`, userID)
}

func (s *Store) queryGroups(ctx context.Context, query string, arg int64) ([]auth.Group, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, mapError(err)
	}
	defer rows.Close()

	var out []auth.Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	if err := rows.Err(); err != nil {
		return nil, mapError(err)
	}
	return out, nil
}

func (s *Store) IsAdminGroup(ctx context.Context, name string) (bool, error) {
	var admin bool
	err := s.db.QueryRowContext(ctx, `
		select is_super_admin from groups where lower(name) = lower($1)
	`, name).Scan(&admin)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, mapError(err)
	}
	return admin, nil
}
