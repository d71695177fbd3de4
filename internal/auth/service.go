package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

// Revoker remembers logged out token ids until they would have expired.
type Revoker interface {
	Revoke(ctx context.Context, tokenID string, until time.Time) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// Session is the result of a successful login.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Principal Principal `json:"principal"`
}

// Service ties login, session verification and logout together.
type Service struct {
	store    Store
	codec    *TokenCodec
	recorder *SessionRecorder
	revoker  Revoker
	now      func() time.Time
	log      zerolog.Logger
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithClock overrides time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// WithRevoker enables token revocation on logout.
func WithRevoker(r Revoker) ServiceOption {
	return func(s *Service) error {
		s.revoker = r
		return nil
	}
}

// WithLogger sets the service logger.
func WithLogger(l zerolog.Logger) ServiceOption {
	return func(s *Service) error {
		s.log = l
		return nil
	}
}

// NewService constructs Service with optional configuration.
func NewService(store Store, codec *TokenCodec, opts ...ServiceOption) (*Service, error) {
	if store == nil || codec == nil {
		return nil, errors.New("auth: store and token codec are required")
	}
	svc := &Service{
		store: store,
		codec: codec,
		now:   time.Now,
		log:   zerolog.Nop(),
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	svc.recorder = NewSessionRecorder(store, svc.now)
	return svc, nil
}

// Recorder returns the audit session recorder bound to the service clock.
func (s *Service) Recorder() *SessionRecorder { return s.recorder }

// Codec returns the session token codec.
func (s *Service) Codec() *TokenCodec { return s.codec }

// Login checks credentials, snapshots the user's active groups and the super
// admin capability, opens an audit session and issues a token.
func (s *Service) Login(ctx context.Context, email, password string) (Session, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return Session{}, ErrBadCredentials
	}
	user, err := s.store.UserByEmail(ctx, email)
	switch {
	case errors.Is(err, ErrNotFound):
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return Session{}, ErrBadCredentials
	case err != nil:
		return Session{}, unavailable("user lookup", err)
	}
	if err := VerifyPassword(user.PasswordHash, password); err != nil {
		return Session{}, ErrBadCredentials
	}
	if !user.Active {
		return Session{}, ErrBadCredentials
	}

	p, err := snapshot(ctx, s.store, user)
	if err != nil {
		return Session{}, err
	}

	if p.AuditSessionID, err = s.recorder.RecordLogin(ctx, user.ID); err != nil {
		return Session{}, err
	}
	token, expires, err := s.codec.Encode(p)
	if err != nil {
		if _, cerr := s.recorder.RecordLogout(ctx, user.ID, p.AuditSessionID); cerr != nil {
			s.log.Error().Err(cerr).Str("audit_session_id", p.AuditSessionID).Msg("close audit session after failed token issue")
		}
		return Session{}, err
	}
	issued, err := s.codec.Decode(token)
	if err != nil {
		return Session{}, fmt.Errorf("decode issued token: %w", err)
	}
	s.log.Info().
		Int64("user_id", user.ID).
		Str("audit_session_id", p.AuditSessionID).
		Strs("groups", p.Groups).
		Bool("super_admin", p.SuperAdmin).
		Msg("login")
	return Session{Token: token, ExpiresAt: expires, Principal: issued}, nil
}

// PrincipalFor builds the principal a fresh login of userID would carry,
// without issuing a token or opening an audit session. Diagnostics use it to
// explain another user's access.
func (s *Service) PrincipalFor(ctx context.Context, userID int64) (Principal, error) {
	return LookupPrincipal(ctx, s.store, userID)
}

// PrincipalSource is what LookupPrincipal reads.
type PrincipalSource interface {
	UserStore
	MembershipStore
}

// LookupPrincipal loads userID and snapshots its active groups.
func LookupPrincipal(ctx context.Context, src PrincipalSource, userID int64) (Principal, error) {
	user, err := src.UserByID(ctx, userID)
	switch {
	case errors.Is(err, ErrNotFound):
		return Principal{}, fmt.Errorf("%w: user %d", ErrNotFound, userID)
	case err != nil:
		return Principal{}, unavailable("user lookup", err)
	}
	return snapshot(ctx, src, user)
}

// snapshot resolves the active group names and the super admin capability
// that a token freezes for its lifetime.
func snapshot(ctx context.Context, members MembershipStore, user User) (Principal, error) {
	groups, err := members.GroupsForUser(ctx, user.ID)
	if err != nil {
		return Principal{}, unavailable("group memberships", err)
	}
	p := Principal{UserID: user.ID, Email: user.Email, Name: user.Name}
	for _, g := range groups {
		if g.State != GroupActive {
			continue
		}
		p.Groups = append(p.Groups, g.Name)
		if g.SuperAdmin {
			p.SuperAdmin = true
		}
	}
	return p, nil
}

// VerifySession decodes the token and rejects revoked ones. Authentication
// failures wrap ErrInvalidToken; a failing revocation list wraps ErrUnavailable.
func (s *Service) VerifySession(ctx context.Context, token string) (Principal, error) {
	p, err := s.codec.Decode(token)
	if err != nil {
		return Principal{}, err
	}
	if s.revoker == nil {
		return p, nil
	}
	revoked, err := s.revoker.IsRevoked(ctx, p.TokenID)
	if err != nil {
		return Principal{}, unavailable("revocation list", err)
	}
	if revoked {
		return Principal{}, fmt.Errorf("%w: token revoked", ErrInvalidToken)
	}
	return p, nil
}

// Logout revokes the token and closes the principal's audit session. It can
// be repeated; later calls change nothing and report false.
func (s *Service) Logout(ctx context.Context, p Principal) (bool, error) {
	if s.revoker != nil && p.TokenID != "" && p.ExpiresAt.After(s.now()) {
		if err := s.revoker.Revoke(ctx, p.TokenID, p.ExpiresAt); err != nil {
			return false, unavailable("revoke token", err)
		}
	}
	closed, err := s.recorder.RecordLogout(ctx, p.UserID, p.AuditSessionID)
	if err != nil {
		return false, err
	}
	s.log.Info().
		Int64("user_id", p.UserID).
		Str("audit_session_id", p.AuditSessionID).
		Bool("closed", closed).
		Msg("logout")
	return closed, nil
}
