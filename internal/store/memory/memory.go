// Package memory is an in-process permission store for development and tests.
// All reads and writes go through one RWMutex, so a grant replacement is
// never observed half done.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"gestor.app/internal/auth"
)

type edge struct {
	group     int64
	component int64
}

// Store implements auth.Store in memory.
type Store struct {
	mu         sync.RWMutex
	users      map[int64]auth.User
	groups     map[int64]auth.Group
	members    map[int64]map[int64]struct{}
	modules    map[int64]auth.Module
	forms      map[int64]auth.Form
	components map[int64]auth.Component
	grants     map[edge]struct{}
	sessions   []auth.AuditSession
}

var _ auth.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		users:      make(map[int64]auth.User),
		groups:     make(map[int64]auth.Group),
		members:    make(map[int64]map[int64]struct{}),
		modules:    make(map[int64]auth.Module),
		forms:      make(map[int64]auth.Form),
		components: make(map[int64]auth.Component),
		grants:     make(map[edge]struct{}),
	}
}

// PutUser inserts or replaces a user.
func (s *Store) PutUser(u auth.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))
	s.users[u.ID] = u
}

// PutGroup inserts or replaces a group.
func (s *Store) PutGroup(g auth.Group) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.groups[g.ID] = g
}

// DeleteGroup removes a group and its memberships. Its grants are left
// dangling, as a cascade-less database would.
func (s *Store) DeleteGroup(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.groups, id)
	for _, set := range s.members {
		delete(set, id)
	}
}

// AddMember assigns a group to a user.
func (s *Store) AddMember(userID, groupID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set, ok := s.members[userID]
	if !ok {
		set = make(map[int64]struct{})
		s.members[userID] = set
	}
	set[groupID] = struct{}{}
}

func (s *Store) PutModule(m auth.Module) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modules[m.ID] = m
}

func (s *Store) PutForm(f auth.Form) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f.Route = auth.NormalizeRoute(f.Route)
	s.forms[f.ID] = f
}

func (s *Store) PutComponent(c auth.Component) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.components[c.ID] = c
}

// DeleteComponent removes a component and leaves its grants dangling.
func (s *Store) DeleteComponent(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.components, id)
}

// Grant adds a single group-component edge.
func (s *Store) Grant(groupID, componentID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[edge{group: groupID, component: componentID}] = struct{}{}
}

// Sessions returns a copy of the user's audit sessions in login order.
func (s *Store) Sessions(userID int64) []auth.AuditSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []auth.AuditSession
	for _, sess := range s.sessions {
		if sess.UserID == userID {
			out = append(out, copySession(sess))
		}
	}
	return out
}

// GrantsForGroup lists the components granted to a group, sorted.
func (s *Store) GrantsForGroup(groupID int64) []int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var ids []int64
	for e := range s.grants {
		if e.group == groupID {
			ids = append(ids, e.component)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (s *Store) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (s *Store) FormByRoute(ctx context.Context, route string) (auth.Form, error) {
	if err := ctx.Err(); err != nil {
		return auth.Form{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.formByRouteLocked(route)
	if !ok {
		return auth.Form{}, auth.ErrNotFound
	}
	return f, nil
}

func (s *Store) formByRouteLocked(route string) (auth.Form, bool) {
	route = auth.NormalizeRoute(route)
	for _, f := range s.forms {
		if f.Route == route {
			return f, true
		}
	}
	return auth.Form{}, false
}

func (s *Store) ModuleByID(ctx context.Context, id int64) (auth.Module, error) {
	if err := ctx.Err(); err != nil {
		return auth.Module{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.modules[id]
	if !ok {
		return auth.Module{}, auth.ErrNotFound
	}
	return m, nil
}

func (s *Store) ComponentsForForm(ctx context.Context, route string) ([]auth.Component, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.formByRouteLocked(route)
	if !ok {
		return nil, auth.ErrNotFound
	}
	var out []auth.Component
	for _, c := range s.components {
		if c.FormID == f.ID {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) ResolvePath(ctx context.Context, componentID int64) (auth.Path, error) {
	if err := ctx.Err(); err != nil {
		return auth.Path{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.components[componentID]
	if !ok {
		return auth.Path{}, auth.ErrNotFound
	}
	f, ok := s.forms[c.FormID]
	if !ok {
		return auth.Path{}, fmt.Errorf("form %d of component %d: %w", c.FormID, c.ID, auth.ErrNotFound)
	}
	m, ok := s.modules[f.ModuleID]
	if !ok {
		return auth.Path{}, fmt.Errorf("module %d of form %d: %w", f.ModuleID, f.ID, auth.ErrNotFound)
	}
	return auth.Path{Module: m, Form: f, Component: c}, nil
}

func (s *Store) GroupsGrantedTo(ctx context.Context, componentID int64) ([]auth.Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []auth.Group
	for e := range s.grants {
		if e.component != componentID {
			continue
		}
		if g, ok := s.groups[e.group]; ok {
			out = append(out, g)
		}
	}
	sortGroups(out)
	return out, nil
}

func (s *Store) IsAdminGroup(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	name = strings.TrimSpace(name)
	for _, g := range s.groups {
		if strings.EqualFold(g.Name, name) {
			return g.SuperAdmin, nil
		}
	}
	return false, nil
}

func (s *Store) GroupsForUser(ctx context.Context, userID int64) ([]auth.Group, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []auth.Group
	for id := range s.members[userID] {
		if g, ok := s.groups[id]; ok {
			out = append(out, g)
		}
	}
	sortGroups(out)
	return out, nil
}

func (s *Store) UserByEmail(ctx context.Context, email string) (auth.User, error) {
	if err := ctx.Err(); err != nil {
		return auth.User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	email = strings.ToLower(strings.TrimSpace(email))
	for _, u := range s.users {
		if u.Email == email {
			return u, nil
		}
	}
	return auth.User{}, auth.ErrNotFound
}

func (s *Store) UserByID(ctx context.Context, id int64) (auth.User, error) {
	if err := ctx.Err(); err != nil {
		return auth.User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return auth.User{}, auth.ErrNotFound
	}
	return u, nil
}

func (s *Store) OpenSession(ctx context.Context, sess auth.AuditSession) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.sessions {
		if existing.ID == sess.ID {
			return fmt.Errorf("audit session %s: %w", sess.ID, auth.ErrConflict)
		}
	}
	s.sessions = append(s.sessions, copySession(sess))
	return nil
}

func (s *Store) CloseSession(ctx context.Context, userID int64, sessionID string, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	idx := -1
	for i, sess := range s.sessions {
		if sess.UserID != userID || sess.LogoutAt != nil {
			continue
		}
		if sessionID != "" {
			if sess.ID == sessionID {
				idx = i
				break
			}
			continue
		}
		if idx < 0 || !sess.LoginAt.Before(s.sessions[idx].LoginAt) {
			idx = i
		}
	}
	if idx < 0 {
		return false, nil
	}
	closedAt := at
	s.sessions[idx].LogoutAt = &closedAt
	return true, nil
}

func (s *Store) CloseAbandoned(ctx context.Context, cutoff, at time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for i, sess := range s.sessions {
		if sess.LogoutAt == nil && sess.LoginAt.Before(cutoff) {
			closedAt := at
			s.sessions[i].LogoutAt = &closedAt
			n++
		}
	}
	return n, nil
}

// ReplaceGroupGrants swaps the group's edges under the write lock. Unknown
// groups or components leave the edge set untouched.
func (s *Store) ReplaceGroupGrants(ctx context.Context, groupID int64, componentIDs []int64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.groups[groupID]; !ok {
		return fmt.Errorf("group %d: %w", groupID, auth.ErrNotFound)
	}
	for _, id := range componentIDs {
		if _, ok := s.components[id]; !ok {
			return fmt.Errorf("component %d: %w", id, auth.ErrNotFound)
		}
	}
	for e := range s.grants {
		if e.group == groupID {
			delete(s.grants, e)
		}
	}
	for _, id := range componentIDs {
		s.grants[edge{group: groupID, component: id}] = struct{}{}
	}
	return nil
}

func (s *Store) SetGroupState(ctx context.Context, groupID int64, state auth.GroupState) (auth.Group, error) {
	if err := ctx.Err(); err != nil {
		return auth.Group{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[groupID]
	if !ok {
		return auth.Group{}, fmt.Errorf("group %d: %w", groupID, auth.ErrNotFound)
	}
	g.State = state
	s.groups[groupID] = g
	return g, nil
}

func (s *Store) PruneGrants(ctx context.Context) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for e := range s.grants {
		_, groupOK := s.groups[e.group]
		_, componentOK := s.components[e.component]
		if !groupOK || !componentOK {
			delete(s.grants, e)
			n++
		}
	}
	return n, nil
}

func sortGroups(groups []auth.Group) {
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })
}

func copySession(s auth.AuditSession) auth.AuditSession {
	if s.LogoutAt != nil {
		at := *s.LogoutAt
		s.LogoutAt = &at
	}
	return s
}
