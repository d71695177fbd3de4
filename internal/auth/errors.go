package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidToken means the session token is missing, malformed, tampered
	// with or expired. Callers treat it as "not logged in".
	ErrInvalidToken = errors.New("auth: invalid token")
	// ErrDenied means the principal is valid but lacks a grant.
	ErrDenied = errors.New("auth: access denied")
	// ErrUnavailable means the permission store could not answer. It is never
	// a decision.
	ErrUnavailable = errors.New("auth: authorization unavailable")

	ErrInvalidInput   = errors.New("auth: invalid input")
	ErrNotFound       = errors.New("auth: not found")
	ErrConflict       = errors.New("auth: conflict")
	ErrBadCredentials = errors.New("auth: bad credentials")
)

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
