package pg

import (
	"context"
	"time"

	"gestor.app/internal/auth"
)

func (s *Store) UserByEmail(ctx context.Context, email string) (auth.User, error) {
	return s.queryUser(ctx, `
		select id, email, name, password_hash, active
		from users
		where lower(email) = lower($1)
	`, email)
}

func (s *Store) UserByID(ctx context.Context, id int64) (auth.User, error) {
	return s.queryUser(ctx, `
		select id, email, name, password_hash, active
		from users
		where id = $1
	`, id)
}

func (s *Store) queryUser(ctx context.Context, query string, arg any) (auth.User, error) {
	var u auth.User
	err := s.db.QueryRowContext(ctx, query, arg).Scan(&u.ID, &u.Email, &u.Name, &u.PasswordHash, &u.Active)
	if err != nil {
		return auth.User{}, mapError(err)
	}
	return u, nil
}

func (s *Store) OpenSession(ctx context.Context, sess auth.AuditSession) error {
	_, err := s.db.ExecContext(ctx, `
		insert into audit_sessions (id, user_id, login_at)
		values ($1, $2, $3)
	`, sess.ID, sess.UserID, sess.LoginAt)
	return mapError(err)
}

// CloseSession closes the exact session when sessionID is set. Otherwise the
// most recent open session of the user is closed; with concurrent logins this
// may not be the caller's own session.
func (s *Store) CloseSession(ctx context.Context, userID int64, sessionID string, at time.Time) (bool, error) {
	var (
		query string
		args  []any
	)
	if sessionID != "" {
		query = `
			update audit_sessions set logout_at = $1
			where id = $2 and user_id = $3 and logout_at is null
		`
		args = []any{at, sessionID, userID}
	} else {
		query = `
			update audit_sessions set logout_at = $1
			where id = (
				select id from audit_sessions
				where user_id = $2 and logout_at is null
				order by login_at desc, id desc
				limit 1
			) and logout_at is null
		`
		args = []any{at, userID}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, mapError(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (s *Store) CloseAbandoned(ctx context.Context, cutoff, at time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		update audit_sessions set logout_at = $1
		where logout_at is null and login_at < $2
	`, at, cutoff)
	if err != nil {
		return 0, mapError(err)
	}
	return res.RowsAffected()
}
