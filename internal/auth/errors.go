package auth

import "errors"

var (
	ErrNotFound        = errors.New("auth: not found")
	ErrInvalidInput    = errors.New("auth: invalid input")
	ErrUnauthorized    = errors.New("auth: unauthorized")
	ErrProfileInactive = errors.New("auth: profile is deactivated")
	ErrNoIdentity      = errors.New("auth: no identity bound")
)
