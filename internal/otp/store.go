// Package otp keeps short-lived one-time codes keyed by purpose and email.
package otp

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"

	"crater-portal/internal/domain"
)

const (
	DefaultTTL   = 5 * time.Minute
	DefaultGrace = 10 * time.Minute
	// DefaultMaxAttempts is how many wrong codes an entry survives.
	DefaultMaxAttempts = 5
	codeDigits         = 6
)

// Purpose distinguishes the flow a code belongs to.
type Purpose string

const (
	PurposeSignup Purpose = "signup"
	PurposeLogin  Purpose = "login"
)

// Entry is a stored code together with the data it unlocks. Exactly one of
// UserID (login) and Pending (signup) is set.
type Entry struct {
	Code      string
	UserID    string
	Pending   *domain.PendingUser
	ExpiresAt time.Time
	// Attempts counts wrong codes submitted against this entry.
	Attempts int
}

// Expired reports whether the entry is past its expiry at now.
func (e Entry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

type key struct {
	purpose Purpose
	email   string
}

// Store is a mutex-guarded map with explicit expiry. Writes to an existing key
// overwrite it. Expired entries stay readable for a grace period so callers can
// tell an expired code from a missing one; Sweep evicts them afterwards.
type Store struct {
	mu          sync.Mutex
	entries     map[key]Entry
	ttl         time.Duration
	grace       time.Duration
	maxAttempts int
	now         func() time.Time
}

// NewStore builds a store. An entry is discarded once maxAttempts wrong codes
// have been recorded against it; zero picks DefaultMaxAttempts.
func NewStore(ttl, grace time.Duration, maxAttempts int) *Store {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if grace < 0 {
		grace = DefaultGrace
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}
	return &Store{
		entries:     make(map[key]Entry),
		ttl:         ttl,
		grace:       grace,
		maxAttempts: maxAttempts,
		now:         time.Now,
	}
}

// SetClock replaces the time source; meant for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Put stores a new entry for (purpose, email) with a fresh expiry and returns it.
func (s *Store) Put(purpose Purpose, email, code string, userID string, pending *domain.PendingUser) Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := Entry{
		Code:      code,
		UserID:    userID,
		Pending:   pending,
		ExpiresAt: s.now().Add(s.ttl),
	}
	s.entries[key{purpose, email}] = entry
	return entry
}

// Get returns the entry and the current time as seen by the store.
func (s *Store) Get(purpose Purpose, email string) (Entry, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[key{purpose, email}]
	return entry, s.now(), ok
}

// Fail records a wrong code for (purpose, email) and reports how many attempts
// remain. The entry is removed when none are left.
func (s *Store) Fail(purpose Purpose, email string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key{purpose, email}
	entry, ok := s.entries[k]
	if !ok {
		return 0
	}
	entry.Attempts++
	remaining := s.maxAttempts - entry.Attempts
	if remaining <= 0 {
		delete(s.entries, k)
		return 0
	}
	s.entries[k] = entry
	return remaining
}

func (s *Store) Delete(purpose Purpose, email string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key{purpose, email})
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Sweep removes entries whose expiry lies more than the grace period in the past.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.grace)
	removed := 0
	for k, entry := range s.entries {
		if entry.ExpiresAt.Before(cutoff) {
			delete(s.entries, k)
			removed++
		}
	}
	return removed
}

// Run sweeps on every tick until ctx is done.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// GenerateCode returns a uniformly random 6-digit code.
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}
	return fmt.Sprintf("%0*d", codeDigits, n.Int64()+100000), nil
}
