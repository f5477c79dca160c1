package otp

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crater-portal/internal/domain"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestStore() (*Store, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)}
	store := NewStore(5*time.Minute, 10*time.Minute, 3)
	store.SetClock(clock.Now)
	return store, clock
}

func TestStore_PutGet(t *testing.T) {
	store, clock := newTestStore()

	pending := &domain.PendingUser{Name: "A", Email: "a@x.com", PasswordHash: "h"}
	store.Put(PurposeSignup, "a@x.com", "123456", "", pending)

	entry, now, ok := store.Get(PurposeSignup, "a@x.com")
	require.True(t, ok)
	assert.Equal(t, "123456", entry.Code)
	assert.Equal(t, pending, entry.Pending)
	assert.Equal(t, clock.Now().Add(5*time.Minute), entry.ExpiresAt)
	assert.False(t, entry.Expired(now))

	_, _, ok = store.Get(PurposeLogin, "a@x.com")
	assert.False(t, ok, "purposes are separate keys")
}

func TestStore_OverwriteKeepsOneLiveCode(t *testing.T) {
	store, clock := newTestStore()

	store.Put(PurposeLogin, "a@x.com", "111111", "u1", nil)
	clock.Advance(time.Minute)
	store.Put(PurposeLogin, "a@x.com", "222222", "u1", nil)

	entry, _, ok := store.Get(PurposeLogin, "a@x.com")
	require.True(t, ok)
	assert.Equal(t, "222222", entry.Code)
	assert.Equal(t, clock.Now().Add(5*time.Minute), entry.ExpiresAt)
	assert.Equal(t, 1, store.Len())
}

func TestStore_ExpiryIsVisibleDuringGrace(t *testing.T) {
	store, clock := newTestStore()

	store.Put(PurposeLogin, "a@x.com", "111111", "u1", nil)
	clock.Advance(5 * time.Minute)

	entry, now, ok := store.Get(PurposeLogin, "a@x.com")
	require.True(t, ok)
	assert.True(t, entry.Expired(now))

	assert.Equal(t, 0, store.Sweep())
	clock.Advance(10*time.Minute + time.Second)
	assert.Equal(t, 1, store.Sweep())

	_, _, ok = store.Get(PurposeLogin, "a@x.com")
	assert.False(t, ok)
}

func TestStore_Delete(t *testing.T) {
	store, _ := newTestStore()

	store.Put(PurposeSignup, "a@x.com", "111111", "", &domain.PendingUser{})
	store.Delete(PurposeSignup, "a@x.com")

	_, _, ok := store.Get(PurposeSignup, "a@x.com")
	assert.False(t, ok)
}

func TestStore_RunStopsOnCancel(t *testing.T) {
	store, _ := newTestStore()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		store.Run(ctx, time.Millisecond)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestGenerateCode(t *testing.T) {
	pattern := regexp.MustCompile(`^[1-9][0-9]{5}$`)
	for i := 0; i < 100; i++ {
		code, err := GenerateCode()
		require.NoError(t, err)
		assert.Regexp(t, pattern, code)
	}
}

func TestStore_FailDiscardsAfterMaxAttempts(t *testing.T) {
	store, _ := newTestStore()

	store.Put(PurposeLogin, "a@x.com", "111111", "u1", nil)
	assert.Equal(t, 2, store.Fail(PurposeLogin, "a@x.com"))
	assert.Equal(t, 1, store.Fail(PurposeLogin, "a@x.com"))

	entry, _, ok := store.Get(PurposeLogin, "a@x.com")
	require.True(t, ok)
	assert.Equal(t, 2, entry.Attempts)

	assert.Equal(t, 0, store.Fail(PurposeLogin, "a@x.com"))
	_, _, ok = store.Get(PurposeLogin, "a@x.com")
	assert.False(t, ok)

	assert.Equal(t, 0, store.Fail(PurposeLogin, "missing@x.com"))
}

func TestStore_PutResetsAttempts(t *testing.T) {
	store, _ := newTestStore()

	store.Put(PurposeSignup, "a@x.com", "111111", "", &domain.PendingUser{})
	store.Fail(PurposeSignup, "a@x.com")
	store.Put(PurposeSignup, "a@x.com", "222222", "", &domain.PendingUser{})

	entry, _, ok := store.Get(PurposeSignup, "a@x.com")
	require.True(t, ok)
	assert.Zero(t, entry.Attempts)
}
