package sqlitestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/epistemd/pkg/dualstore"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := Open(filepath.Join(t.TempDir(), "epistemd.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStore_PutGet(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "txn/id/abc", []byte(`{"a":1}`)))

	got, err := store.Get(ctx, "txn/id/abc")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"a":1}`), got)
}

func TestStore_PutOverwrites(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", []byte("v1")))
	require.NoError(t, store.Put(ctx, "k", []byte("v2")))

	got, err := store.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), got)
}

func TestStore_GetMissing(t *testing.T) {
	store := openTestStore(t)

	_, err := store.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, dualstore.ErrNotFound)
}

func TestStore_List(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "prior/know", []byte("a")))
	require.NoError(t, store.Put(ctx, "prior/uncertainty", []byte("b")))
	require.NoError(t, store.Put(ctx, "txn/id/x", []byte("c")))

	keys, err := store.List(ctx, "prior/")
	require.NoError(t, err)
	assert.Equal(t, []string{"prior/know", "prior/uncertainty"}, keys)

	all, err := store.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestStore_Delete(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Put(ctx, "k", []byte("v")))
	require.NoError(t, store.Delete(ctx, "k"))
	_, err := store.Get(ctx, "k")
	assert.ErrorIs(t, err, dualstore.ErrNotFound)

	// Deleting a missing key is not an error.
	require.NoError(t, store.Delete(ctx, "k"))
}
