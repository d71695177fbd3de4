package auth_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"gestor.app/internal/auth"
	"gestor.app/internal/store/memory"
)

var serviceSecret = []byte("service-test-secret-0123456789abcdef")

type mapRevoker struct {
	mu      sync.Mutex
	revoked map[string]time.Time
	err     error
}

func (r *mapRevoker) Revoke(_ context.Context, id string, until time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	if r.revoked == nil {
		r.revoked = make(map[string]time.Time)
	}
	r.revoked[id] = until
	return nil
}

func (r *mapRevoker) IsRevoked(_ context.Context, id string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return false, r.err
	}
	_, ok := r.revoked[id]
	return ok, nil
}

func newService(t *testing.T, store *memory.Store, clock *testClock, opts ...auth.ServiceOption) *auth.Service {
	t.Helper()
	codec, err := auth.NewTokenCodec(serviceSecret, auth.WithTokenClock(clock.Now), auth.WithTokenTTL(8*time.Hour))
	if err != nil {
		t.Fatalf("NewTokenCodec: %v", err)
	}
	opts = append([]auth.ServiceOption{auth.WithClock(clock.Now)}, opts...)
	svc, err := auth.NewService(store, codec, opts...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestLoginSnapshotsActiveGroups(t *testing.T) {
	store := newStore(t)
	clock := newTestClock()
	svc := newService(t, store, clock)
	ctx := context.Background()

	sess, err := svc.Login(ctx, " Admin@Gestor.test ", "admin-secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if !sess.Principal.SuperAdmin || !slices.Equal(sess.Principal.Groups, []string{"Admin"}) {
		t.Fatalf("unexpected admin principal %+v", sess.Principal)
	}
	if sess.Principal.AuditSessionID == "" || sess.Principal.TokenID == "" {
		t.Fatalf("session ids missing: %+v", sess.Principal)
	}
	if !sess.ExpiresAt.Equal(clock.Now().Add(8 * time.Hour)) {
		t.Fatalf("unexpected expiry %v", sess.ExpiresAt)
	}

	verified, err := svc.VerifySession(ctx, sess.Token)
	if err != nil {
		t.Fatalf("VerifySession: %v", err)
	}
	if verified.UserID != 1 || verified.AuditSessionID != sess.Principal.AuditSessionID {
		t.Fatalf("unexpected verified principal %+v", verified)
	}

	cobros, err := svc.Login(ctx, "cobros@gestor.test", "cobros-secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if len(cobros.Principal.Groups) != 0 || cobros.Principal.SuperAdmin {
		t.Fatalf("suspended groups must not enter the snapshot: %+v", cobros.Principal)
	}

	sessions := store.Sessions(1)
	if len(sessions) != 1 || sessions[0].ID != sess.Principal.AuditSessionID || sessions[0].LogoutAt != nil {
		t.Fatalf("unexpected audit sessions %+v", sessions)
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	store := newStore(t)
	svc := newService(t, store, newTestClock())
	ctx := context.Background()

	cases := []struct{ email, password string }{
		{"gerente@gestor.test", "wrong"},
		{"nobody@gestor.test", "whatever"},
		{"baja@gestor.test", "baja-secret"},
		{"", "admin-secret"},
		{"admin@gestor.test", ""},
	}
	for _, tc := range cases {
		if _, err := svc.Login(ctx, tc.email, tc.password); !errors.Is(err, auth.ErrBadCredentials) {
			t.Fatalf("Login(%q): expected ErrBadCredentials, got %v", tc.email, err)
		}
	}
	if n := len(store.Sessions(4)); n != 0 {
		t.Fatalf("rejected login opened %d sessions", n)
	}
}

func TestVerifySessionExpired(t *testing.T) {
	store := newStore(t)
	clock := newTestClock()
	svc := newService(t, store, clock)

	sess, err := svc.Login(context.Background(), "gerente@gestor.test", "gerente-secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	clock.Advance(9 * time.Hour)
	_, err = svc.VerifySession(context.Background(), sess.Token)
	if !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
	if errors.Is(err, auth.ErrDenied) || errors.Is(err, auth.ErrUnavailable) {
		t.Fatalf("expired token misclassified: %v", err)
	}
}

func TestLogoutIsIdempotentAndRevokes(t *testing.T) {
	store := newStore(t)
	clock := newTestClock()
	revoker := &mapRevoker{}
	svc := newService(t, store, clock, auth.WithRevoker(revoker))
	ctx := context.Background()

	sess, err := svc.Login(ctx, "operario@gestor.test", "operario-secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	clock.Advance(time.Minute)

	closed, err := svc.Logout(ctx, sess.Principal)
	if err != nil || !closed {
		t.Fatalf("first logout: %v %v", closed, err)
	}
	closed, err = svc.Logout(ctx, sess.Principal)
	if err != nil {
		t.Fatalf("second logout: %v", err)
	}
	if closed {
		t.Fatal("second logout must be a no-op")
	}

	sessions := store.Sessions(3)
	if len(sessions) != 1 || sessions[0].LogoutAt == nil {
		t.Fatalf("expected exactly one closed session, got %+v", sessions)
	}
	if !sessions[0].LogoutAt.Equal(clock.Now()) {
		t.Fatalf("unexpected logout time %v", sessions[0].LogoutAt)
	}

	if _, err := svc.VerifySession(ctx, sess.Token); !errors.Is(err, auth.ErrInvalidToken) {
		t.Fatalf("revoked token must not verify, got %v", err)
	}
}

func TestLogoutClosesExactSession(t *testing.T) {
	store := newStore(t)
	clock := newTestClock()
	svc := newService(t, store, clock)
	ctx := context.Background()

	first, err := svc.Login(ctx, "gerente@gestor.test", "gerente-secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	clock.Advance(time.Minute)
	second, err := svc.Login(ctx, "gerente@gestor.test", "gerente-secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	if _, err := svc.Logout(ctx, first.Principal); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	for _, s := range store.Sessions(2) {
		switch s.ID {
		case first.Principal.AuditSessionID:
			if s.LogoutAt == nil {
				t.Fatal("first session must be closed")
			}
		case second.Principal.AuditSessionID:
			if s.LogoutAt != nil {
				t.Fatal("concurrent session must stay open")
			}
		}
	}
}

func TestRecordLogoutWithoutSessionIDClosesMostRecent(t *testing.T) {
	store := memory.New()
	clock := newTestClock()
	rec := auth.NewSessionRecorder(store, clock.Now)
	ctx := context.Background()

	older, err := rec.RecordLogin(ctx, 7)
	if err != nil {
		t.Fatalf("RecordLogin: %v", err)
	}
	clock.Advance(time.Second)
	newer, err := rec.RecordLogin(ctx, 7)
	if err != nil {
		t.Fatalf("RecordLogin: %v", err)
	}

	closed, err := rec.RecordLogout(ctx, 7, "")
	if err != nil || !closed {
		t.Fatalf("RecordLogout: %v %v", closed, err)
	}
	for _, s := range store.Sessions(7) {
		if s.ID == newer && s.LogoutAt == nil {
			t.Fatal("most recent session must be closed")
		}
		if s.ID == older && s.LogoutAt != nil {
			t.Fatal("older session must stay open")
		}
	}

	if _, err := rec.RecordLogout(ctx, 7, "not-a-ulid"); !errors.Is(err, auth.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

func TestVerifySessionRevocationOutage(t *testing.T) {
	store := newStore(t)
	revoker := &mapRevoker{}
	svc := newService(t, store, newTestClock(), auth.WithRevoker(revoker))

	sess, err := svc.Login(context.Background(), "gerente@gestor.test", "gerente-secret")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	revoker.err = errOffline
	if _, err := svc.VerifySession(context.Background(), sess.Token); !errors.Is(err, auth.ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestSweeperClosesAbandonedSessions(t *testing.T) {
	store := memory.New()
	clock := newTestClock()
	rec := auth.NewSessionRecorder(store, clock.Now)
	ctx := context.Background()

	if _, err := rec.RecordLogin(ctx, 1); err != nil {
		t.Fatalf("RecordLogin: %v", err)
	}
	clock.Advance(9 * time.Hour)
	if _, err := rec.RecordLogin(ctx, 2); err != nil {
		t.Fatalf("RecordLogin: %v", err)
	}

	sweeper := auth.NewSweeper(rec, 8*time.Hour, "", nopLogger)
	if n := sweeper.RunOnce(ctx); n != 1 {
		t.Fatalf("expected one abandoned session, got %d", n)
	}
	if n := sweeper.RunOnce(ctx); n != 0 {
		t.Fatalf("second sweep closed %d sessions", n)
	}
	if s := store.Sessions(2); s[0].LogoutAt != nil {
		t.Fatal("recent session must stay open")
	}
}

func TestSweeperRejectsBadSchedule(t *testing.T) {
	rec := auth.NewSessionRecorder(memory.New(), nil)
	sweeper := auth.NewSweeper(rec, time.Hour, "not a schedule", nopLogger)
	if err := sweeper.Start(context.Background()); err == nil {
		t.Fatal("expected schedule error")
	}
}

func TestPrincipalForMatchesLoginSnapshot(t *testing.T) {
	store := newStore(t)
	svc := newService(t, store, newTestClock())
	ctx := context.Background()

	p, err := svc.PrincipalFor(ctx, 2)
	if err != nil {
		t.Fatalf("PrincipalFor: %v", err)
	}
	if !slices.Equal(p.Groups, []string{"Gerente"}) || p.SuperAdmin || p.AuditSessionID != "" {
		t.Fatalf("unexpected principal %+v", p)
	}
	if n := len(store.Sessions(2)); n != 0 {
		t.Fatalf("PrincipalFor must not open sessions, got %d", n)
	}
	if _, err := svc.PrincipalFor(ctx, 404); !errors.Is(err, auth.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}
