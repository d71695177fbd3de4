package auth_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"gestor.app/internal/auth"
	"gestor.app/internal/store/memory"
)

const fixturePath = "../store/memory/testdata/gestor.yaml"

var (
	fixtureOnce sync.Once
	fixtureData memory.Fixture
	fixtureErr  error
)

// newStore loads the shared permission graph. The parsed fixture is cached;
// each test still gets its own store.
func newStore(t *testing.T) *memory.Store {
	t.Helper()
	fixtureOnce.Do(func() {
		var s *memory.Store
		s, fixtureErr = memory.LoadFile(fixturePath)
		if fixtureErr != nil {
			return
		}
		fixtureData = snapshotFixture(s)
	})
	if fixtureErr != nil {
		t.Fatalf("load fixture: %v", fixtureErr)
	}
	s, err := memory.Load(fixtureData)
	if err != nil {
		t.Fatalf("load fixture: %v", err)
	}
	return s
}

// snapshotFixture re-reads the fixture with hashed passwords so later loads
// skip bcrypt.
func snapshotFixture(s *memory.Store) memory.Fixture {
	fx, err := memory.ParseFixtureFile(fixturePath)
	if err != nil {
		panic(err)
	}
	ctx := context.Background()
	for i, u := range fx.Users {
		stored, err := s.UserByID(ctx, u.ID)
		if err != nil {
			panic(err)
		}
		fx.Users[i].Password = ""
		fx.Users[i].PasswordHash = stored.PasswordHash
	}
	return fx
}

// Principals as issued at login for the fixture users.
var (
	adminP     = auth.Principal{UserID: 1, Email: "admin@gestor.test", Groups: []string{"Admin"}, SuperAdmin: true}
	gerenteP   = auth.Principal{UserID: 2, Email: "gerente@gestor.test", Groups: []string{"Gerente"}}
	operarioP  = auth.Principal{UserID: 3, Email: "operario@gestor.test", Groups: []string{"Operario"}}
	cobrosP    = auth.Principal{UserID: 5, Email: "cobros@gestor.test", Groups: []string{"Facturacion"}}
	nonAdmins  = []auth.Principal{gerenteP, operarioP, cobrosP}
	everyone   = []auth.Principal{adminP, gerenteP, operarioP, cobrosP}
	allRoutes  = []string{"/reportes/ventas", "/reportes/clientes", "/reportes/clientes/", "/piezas", "/inventario/vacio", "/legado", "/facturacion", "/no/existe", ""}
	allComps   = []int64{21, 116, 117, 41, 42, 61, 71}
	errOffline = errors.New("connection refused")
	nopLogger  = zerolog.Nop()
)

// failingStore fails membership and grant lookups on demand.
type failingStore struct {
	*memory.Store
	mu   sync.Mutex
	fail bool
}

func (s *failingStore) setFail(v bool) {
	s.mu.Lock()
	s.fail = v
	s.mu.Unlock()
}

func (s *failingStore) failing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fail
}

func (s *failingStore) GroupsForUser(ctx context.Context, userID int64) ([]auth.Group, error) {
	if s.failing() {
		return nil, errOffline
	}
	return s.Store.GroupsForUser(ctx, userID)
}

func (s *failingStore) GroupsGrantedTo(ctx context.Context, componentID int64) ([]auth.Group, error) {
	if s.failing() {
		return nil, errOffline
	}
	return s.Store.GroupsGrantedTo(ctx, componentID)
}

func (s *failingStore) FormByRoute(ctx context.Context, route string) (auth.Form, error) {
	if s.failing() {
		return auth.Form{}, errOffline
	}
	return s.Store.FormByRoute(ctx, route)
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}
