package localstore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStore opens a store in a temp directory.
func testStore(t *testing.T) *Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "local.db")
	s, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "local.db")
	s, err := Open(path, nil)
	require.NoError(t, err)
	defer s.Close()

	require.True(t, s.Set(context.Background(), "k", []byte("v")))
}

func TestSetGet_RoundTrip(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.True(t, s.Set(ctx, "user_progress_u1", []byte(`{"a":1}`)))

	got, ok := s.Get(ctx, "user_progress_u1")
	require.True(t, ok)
	assert.Equal(t, []byte(`{"a":1}`), got)
}

func TestSet_Overwrites(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.True(t, s.Set(ctx, "k", []byte("old")))
	require.True(t, s.Set(ctx, "k", []byte("new")))

	got, ok := s.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("new"), got)
}

func TestGet_Missing(t *testing.T) {
	s := testStore(t)

	got, ok := s.Get(context.Background(), "missing")
	assert.False(t, ok)
	assert.Nil(t, got)
}

func TestRemove(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	require.True(t, s.Set(ctx, "k", []byte("v")))
	require.True(t, s.Remove(ctx, "k"))

	_, ok := s.Get(ctx, "k")
	assert.False(t, ok)

	// Removing an absent key still succeeds.
	assert.True(t, s.Remove(ctx, "k"))
}

func TestListKeys_PrefixWithUnderscores(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	// Underscores in prefixes must match literally, not as LIKE wildcards.
	require.True(t, s.Set(ctx, "cache_u1_trilhas", []byte("a")))
	require.True(t, s.Set(ctx, "cache_u1_stats", []byte("b")))
	require.True(t, s.Set(ctx, "cache_u2_trilhas", []byte("c")))
	require.True(t, s.Set(ctx, "cacheXu1Xother", []byte("d")))

	keys := s.ListKeys(ctx, "cache_u1_")
	assert.Equal(t, []string{"cache_u1_stats", "cache_u1_trilhas"}, keys)
}

func TestListKeys_Empty(t *testing.T) {
	s := testStore(t)
	assert.Empty(t, s.ListKeys(context.Background(), "nope_"))
}
