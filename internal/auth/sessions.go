package auth

import (
	"context"
	"fmt"
	"time"

	"gestor.app/internal/ids"
)

// SessionRecorder writes the audit trail of logins and logouts.
type SessionRecorder struct {
	store SessionStore
	now   func() time.Time
}

func NewSessionRecorder(store SessionStore, now func() time.Time) *SessionRecorder {
	if now == nil {
		now = time.Now
	}
	return &SessionRecorder{store: store, now: now}
}

// RecordLogin opens an audit session and returns its id for the token.
func (r *SessionRecorder) RecordLogin(ctx context.Context, userID int64) (string, error) {
	if userID <= 0 {
		return "", fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	at := r.now().UTC()
	s := AuditSession{ID: ids.NewAt(at), UserID: userID, LoginAt: at}
	if err := r.store.OpenSession(ctx, s); err != nil {
		return "", fmt.Errorf("open audit session: %w", err)
	}
	return s.ID, nil
}

// RecordLogout closes the audit session. With an id the exact session is
// closed; without one the user's most recent open session is. Closing an
// already closed session is a no-op and reports false.
func (r *SessionRecorder) RecordLogout(ctx context.Context, userID int64, auditSessionID string) (bool, error) {
	if userID <= 0 {
		return false, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	if auditSessionID != "" && !ids.Valid(auditSessionID) {
		return false, fmt.Errorf("%w: malformed audit session id", ErrInvalidInput)
	}
	closed, err := r.store.CloseSession(ctx, userID, auditSessionID, r.now().UTC())
	if err != nil {
		return false, fmt.Errorf("close audit session: %w", err)
	}
	return closed, nil
}

// CloseAbandoned closes sessions opened more than maxAge ago that were never
// logged out, e.g. after a browser was closed.
func (r *SessionRecorder) CloseAbandoned(ctx context.Context, maxAge time.Duration) (int64, error) {
	if maxAge <= 0 {
		return 0, fmt.Errorf("%w: max age must be positive", ErrInvalidInput)
	}
	now := r.now().UTC()
	n, err := r.store.CloseAbandoned(ctx, now.Add(-maxAge), now)
	if err != nil {
		return 0, fmt.Errorf("close abandoned sessions: %w", err)
	}
	return n, nil
}
