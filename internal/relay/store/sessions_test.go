package store_test

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pirelay/pirelay/internal/id"
	"github.com/pirelay/pirelay/internal/relay/db"
	"github.com/pirelay/pirelay/internal/relay/store"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	sqlDB, err := db.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, db.Migrate(sqlDB))
	return sqlDB
}

func createSession(t *testing.T, st *store.Sessions, status string) *store.Session {
	t.Helper()
	s := &store.Session{
		ID:     id.Generate(),
		Mode:   store.ModeCode,
		Status: status,
	}
	require.NoError(t, st.Create(context.Background(), s))
	return s
}

func TestSessions_CreateGet(t *testing.T) {
	st := store.NewSessions(newTestDB(t))
	ctx := context.Background()

	s := createSession(t, st, store.StatusActive)

	got, err := st.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, store.StatusActive, got.Status)
	assert.Equal(t, store.ModeCode, got.Mode)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestSessions_GetMissing(t *testing.T) {
	st := store.NewSessions(newTestDB(t))

	_, err := st.Get(context.Background(), "nope")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSessions_IdleIfActive(t *testing.T) {
	st := store.NewSessions(newTestDB(t))
	ctx := context.Background()

	s := createSession(t, st, store.StatusActive)

	flipped, err := st.IdleIfActive(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, flipped)

	got, err := st.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusIdle, got.Status)

	// Second attempt is a no-op: the session is no longer active.
	flipped, err = st.IdleIfActive(ctx, s.ID)
	require.NoError(t, err)
	assert.False(t, flipped)
}

func TestSessions_Touch(t *testing.T) {
	st := store.NewSessions(newTestDB(t))
	ctx := context.Background()

	s := createSession(t, st, store.StatusActive)
	before, err := st.Get(ctx, s.ID)
	require.NoError(t, err)

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, st.Touch(ctx, s.ID))

	after, err := st.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.True(t, after.LastActivityAt.After(before.LastActivityAt))
}

func TestSessions_SetFirstUserMessage_FirstWins(t *testing.T) {
	st := store.NewSessions(newTestDB(t))
	ctx := context.Background()

	s := createSession(t, st, store.StatusActive)

	require.NoError(t, st.SetFirstUserMessage(ctx, s.ID, "first prompt"))
	require.NoError(t, st.SetFirstUserMessage(ctx, s.ID, "second prompt"))

	got, err := st.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "first prompt", got.FirstUserMessage)
}

func TestSessions_SetName(t *testing.T) {
	st := store.NewSessions(newTestDB(t))
	ctx := context.Background()

	s := createSession(t, st, store.StatusActive)
	require.NoError(t, st.SetName(ctx, s.ID, "my session"))

	got, err := st.Get(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, "my session", got.Name)

	assert.ErrorIs(t, st.SetName(ctx, "missing", "x"), store.ErrNotFound)
}

func TestSessions_ListByStatus(t *testing.T) {
	st := store.NewSessions(newTestDB(t))
	ctx := context.Background()

	createSession(t, st, store.StatusActive)
	createSession(t, st, store.StatusActive)
	createSession(t, st, store.StatusArchived)

	active, err := st.ListByStatus(ctx, store.StatusActive)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	archived, err := st.ListByStatus(ctx, store.StatusArchived)
	require.NoError(t, err)
	assert.Len(t, archived, 1)
}

func TestSessions_FailStaleCreating(t *testing.T) {
	st := store.NewSessions(newTestDB(t))
	ctx := context.Background()

	stale := &store.Session{
		ID:        id.Generate(),
		Status:    store.StatusCreating,
		CreatedAt: time.Now().Add(-time.Hour),
	}
	require.NoError(t, st.Create(ctx, stale))
	fresh := createSession(t, st, store.StatusCreating)

	n, err := st.FailStaleCreating(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := st.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusError, got.Status)

	got, err = st.Get(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCreating, got.Status)
}
