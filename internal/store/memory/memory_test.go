package memory

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gestor.app/internal/auth"
)

func loadTestdata(t *testing.T) *Store {
	t.Helper()
	s, err := LoadFile("testdata/gestor.yaml")
	require.NoError(t, err)
	return s
}

func TestLoadFixture(t *testing.T) {
	s := loadTestdata(t)
	ctx := context.Background()

	u, err := s.UserByEmail(ctx, "  GERENTE@gestor.test ")
	require.NoError(t, err)
	assert.Equal(t, int64(2), u.ID)
	assert.True(t, u.Active)
	require.NoError(t, auth.VerifyPassword(u.PasswordHash, "gerente-secret"))

	inactive, err := s.UserByID(ctx, 4)
	require.NoError(t, err)
	assert.False(t, inactive.Active)

	groups, err := s.GroupsForUser(ctx, 5)
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, auth.GroupSuspended, groups[0].State)

	admin, err := s.IsAdminGroup(ctx, "admin")
	require.NoError(t, err)
	assert.True(t, admin)
	notAdmin, err := s.IsAdminGroup(ctx, "Gerente")
	require.NoError(t, err)
	assert.False(t, notAdmin)
}

func TestParseFixtureRejectsUnknownGroup(t *testing.T) {
	fx, err := ParseFixture(strings.NewReader(`
groups:
  - {id: 1, name: Gerente}
users:
  - {id: 1, email: a@b.c, groups: [Nadie]}
`))
	require.NoError(t, err)
	_, err = Load(fx)
	require.ErrorContains(t, err, "unknown group")
}

func TestParseFixtureRejectsDuplicateRoute(t *testing.T) {
	fx, err := ParseFixture(strings.NewReader(`
modules:
  - id: 1
    forms:
      - {id: 1, route: /piezas}
      - {id: 2, route: /piezas/}
`))
	require.NoError(t, err)
	_, err = Load(fx)
	require.ErrorContains(t, err, "not unique")
}

func TestResolvePathAndFormComponents(t *testing.T) {
	s := loadTestdata(t)
	ctx := context.Background()

	path, err := s.ResolvePath(ctx, 61)
	require.NoError(t, err)
	assert.Equal(t, int64(12), path.Module.ID)
	assert.False(t, path.Visible())

	_, err = s.ResolvePath(ctx, 9999)
	require.ErrorIs(t, err, auth.ErrNotFound)

	comps, err := s.ComponentsForForm(ctx, "/reportes/clientes/")
	require.NoError(t, err)
	require.Len(t, comps, 2)
	assert.Equal(t, int64(116), comps[0].ID)

	_, err = s.ComponentsForForm(ctx, "/nope")
	require.ErrorIs(t, err, auth.ErrNotFound)
}

func TestReplaceGroupGrants(t *testing.T) {
	s := loadTestdata(t)
	ctx := context.Background()

	require.NoError(t, s.ReplaceGroupGrants(ctx, 3, []int64{42, 116}))
	assert.Equal(t, []int64{42, 116}, s.GrantsForGroup(3))

	err := s.ReplaceGroupGrants(ctx, 3, []int64{41, 9999})
	require.ErrorIs(t, err, auth.ErrNotFound)
	assert.Equal(t, []int64{42, 116}, s.GrantsForGroup(3), "failed replace must leave grants untouched")

	require.ErrorIs(t, s.ReplaceGroupGrants(ctx, 77, nil), auth.ErrNotFound)

	require.NoError(t, s.ReplaceGroupGrants(ctx, 3, nil))
	assert.Empty(t, s.GrantsForGroup(3))
}

func TestPruneGrants(t *testing.T) {
	s := loadTestdata(t)
	ctx := context.Background()

	s.DeleteComponent(42)
	s.DeleteGroup(5)
	n, err := s.PruneGrants(ctx)
	require.NoError(t, err)
	// 42<-Inventario, 71<-Facturacion
	assert.Equal(t, int64(2), n)

	n, err = s.PruneGrants(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestCloseSession(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, s.OpenSession(ctx, auth.AuditSession{ID: "a", UserID: 7, LoginAt: base}))
	require.NoError(t, s.OpenSession(ctx, auth.AuditSession{ID: "b", UserID: 7, LoginAt: base.Add(time.Hour)}))
	require.ErrorIs(t, s.OpenSession(ctx, auth.AuditSession{ID: "b", UserID: 7, LoginAt: base}), auth.ErrConflict)

	closed, err := s.CloseSession(ctx, 7, "", base.Add(2*time.Hour))
	require.NoError(t, err)
	assert.True(t, closed)
	sessions := s.Sessions(7)
	assert.Nil(t, sessions[0].LogoutAt)
	require.NotNil(t, sessions[1].LogoutAt)

	closed, err = s.CloseSession(ctx, 7, "a", base.Add(3*time.Hour))
	require.NoError(t, err)
	assert.True(t, closed)

	closed, err = s.CloseSession(ctx, 7, "a", base.Add(4*time.Hour))
	require.NoError(t, err)
	assert.False(t, closed)
}

func TestCloseAbandoned(t *testing.T) {
	s := New()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, s.OpenSession(ctx, auth.AuditSession{ID: "old", UserID: 1, LoginAt: base}))
	require.NoError(t, s.OpenSession(ctx, auth.AuditSession{ID: "new", UserID: 1, LoginAt: base.Add(10 * time.Hour)}))

	n, err := s.CloseAbandoned(ctx, base.Add(time.Hour), base.Add(11*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestCanceledContext(t *testing.T) {
	s := loadTestdata(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.GroupsForUser(ctx, 2)
	require.ErrorIs(t, err, context.Canceled)
}
