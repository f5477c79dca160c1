package domain

import "errors"

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrDuplicateEmail     = errors.New("email already in use")
	ErrNotFound           = errors.New("not found")
	ErrNoPendingCode      = errors.New("no pending verification request")
	ErrCodeExpired        = errors.New("verification code expired")
	ErrInvalidCode        = errors.New("invalid verification code")
	ErrUnprocessableImage = errors.New("image could not be processed")

	// ErrInternal marks failures after partial work; it takes precedence over
	// any other error in the same chain.
	ErrInternal = errors.New("internal error")
)
