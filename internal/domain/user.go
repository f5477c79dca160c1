package domain

import "time"

// User represents a registered portal user.
type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	CreatedAt    time.Time
}

// PendingUser holds registration data waiting for one-time code verification.
// The password is already hashed.
type PendingUser struct {
	Name         string
	Email        string
	PasswordHash string
}
