package datastore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLite {
	t.Helper()
	store, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestUserKeyRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.db.ExecContext(ctx,
		`INSERT INTO user_api_keys (user_id, provider, encrypted_key) VALUES (?, ?, ?)`,
		"u1", "gemini", "stored-key",
	)
	require.NoError(t, err)

	key, err := store.UserKey(ctx, "u1", "gemini")
	require.NoError(t, err)
	require.Equal(t, "stored-key", key)
}

func TestUserKeyAbsent(t *testing.T) {
	store := newTestStore(t)

	_, err := store.UserKey(context.Background(), "u1", "gemini")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestUserKeyEmptyValueCountsAsAbsent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.db.ExecContext(ctx,
		`INSERT INTO user_api_keys (user_id, provider, encrypted_key) VALUES (?, ?, ?)`,
		"u1", "gemini", "",
	)
	require.NoError(t, err)

	_, err = store.UserKey(ctx, "u1", "gemini")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFetchSample(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.db.ExecContext(ctx, `CREATE TABLE subscribers (name TEXT, status TEXT)`)
	require.NoError(t, err)
	for _, row := range [][2]string{{"alice", "active"}, {"bob", "inactive"}, {"carol", "active"}} {
		_, err = store.db.ExecContext(ctx, `INSERT INTO subscribers VALUES (?, ?)`, row[0], row[1])
		require.NoError(t, err)
	}

	rows, err := store.FetchSample(ctx, "subscribers", 2)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	require.Equal(t, "alice", rows[0]["name"])
}

func TestFetchFiltered(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.db.ExecContext(ctx, `CREATE TABLE subscribers (name TEXT, status TEXT)`)
	require.NoError(t, err)
	for _, row := range [][2]string{{"alice", "active"}, {"bob", "inactive"}, {"carol", "active"}} {
		_, err = store.db.ExecContext(ctx, `INSERT INTO subscribers VALUES (?, ?)`, row[0], row[1])
		require.NoError(t, err)
	}

	rows, err := store.FetchFiltered(ctx, "subscribers", "status", "active", 50)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	for _, row := range rows {
		require.Equal(t, "active", row["status"])
	}
}

func TestProbeExists(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.db.ExecContext(ctx, `CREATE TABLE orders (id INTEGER)`)
	require.NoError(t, err)

	require.NoError(t, store.ProbeExists(ctx, "orders")) // empty but present
	require.Error(t, store.ProbeExists(ctx, "missing_table"))
}

func TestIdentifierValidation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	_, err := store.FetchSample(ctx, `users; DROP TABLE user_api_keys`, 1)
	require.Error(t, err)

	_, err = store.FetchFiltered(ctx, "users", `status" OR "1"="1`, "x", 1)
	require.Error(t, err)
}
