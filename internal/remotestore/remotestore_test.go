package remotestore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openStores returns one store per implementation so every contract test
// runs against both.
func openStores(t *testing.T) map[string]Store {
	t.Helper()

	path := filepath.Join(t.TempDir(), "remote.db")
	libsql, err := OpenLibsql("file:"+path, "", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = libsql.Close() })

	return map[string]Store{
		"libsql": libsql,
		"memory": NewMemory(),
	}
}

func TestSetGet_RoundTrip(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			doc := Document{"nome": "Ana", "xp": float64(120)}
			require.NoError(t, s.Set(ctx, doc, false, "users", "u1"))

			got, err := s.Get(ctx, "users", "u1")
			require.NoError(t, err)
			assert.Equal(t, doc, got)
		})
	}
}

func TestGet_NotFound(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(context.Background(), "users", "missing")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestSet_MergePreservesSiblingFields(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Set(ctx, Document{"nome": "Ana", "email": "ana@example.com"}, false, "users", "u1"))

			// Progress write must not clobber profile fields.
			require.NoError(t, s.Set(ctx, Document{"progresso": map[string]any{"trilhasProgresso": map[string]any{"c1": float64(50)}}}, true, "users", "u1"))

			got, err := s.Get(ctx, "users", "u1")
			require.NoError(t, err)
			assert.Equal(t, "Ana", got["nome"])
			assert.Equal(t, "ana@example.com", got["email"])
			assert.Contains(t, got, "progresso")
		})
	}
}

func TestSet_WithoutMergeReplaces(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Set(ctx, Document{"a": float64(1), "b": float64(2)}, false, "users", "u1"))
			require.NoError(t, s.Set(ctx, Document{"a": float64(3)}, false, "users", "u1"))

			got, err := s.Get(ctx, "users", "u1")
			require.NoError(t, err)
			assert.Equal(t, Document{"a": float64(3)}, got)
		})
	}
}

func TestSet_MergeIsIdempotent(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			doc := Document{"percent": float64(75), "historyCompleted": true}
			require.NoError(t, s.Set(ctx, doc, true, "users", "u1", "progresso", "c1"))
			require.NoError(t, s.Set(ctx, doc, true, "users", "u1", "progresso", "c1"))

			got, err := s.Get(ctx, "users", "u1", "progresso", "c1")
			require.NoError(t, err)
			assert.Equal(t, doc, got)
		})
	}
}

func TestExists(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			ok, err := s.Exists(ctx, "users", "u1", "progresso", "c1", "questoes", "q1")
			require.NoError(t, err)
			assert.False(t, ok)

			require.NoError(t, s.Set(ctx, Document{"score": float64(10)}, true, "users", "u1", "progresso", "c1", "questoes", "q1"))

			ok, err = s.Exists(ctx, "users", "u1", "progresso", "c1", "questoes", "q1")
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestQuery_FilterAndOrder(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Set(ctx, Document{"id": "m2", "courseId": "c1", "order": float64(2)}, false, "modulos", "m2"))
			require.NoError(t, s.Set(ctx, Document{"id": "m1", "courseId": "c1", "order": float64(1)}, false, "modulos", "m1"))
			require.NoError(t, s.Set(ctx, Document{"id": "m3", "courseId": "c2", "order": float64(1)}, false, "modulos", "m3"))

			docs, err := s.Query(ctx, []string{"modulos"}, []Filter{{Field: "courseId", Value: "c1"}}, "order")
			require.NoError(t, err)
			require.Len(t, docs, 2)
			assert.Equal(t, "m1", docs[0]["id"])
			assert.Equal(t, "m2", docs[1]["id"])
		})
	}
}

func TestQuery_DistinguishesNestedCollections(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, s.Set(ctx, Document{"questionId": "q1"}, false, "users", "u1", "progresso", "c1", "questoes", "q1"))
			require.NoError(t, s.Set(ctx, Document{"questionId": "q2"}, false, "users", "u1", "progresso", "c2", "questoes", "q2"))

			docs, err := s.Query(ctx, []string{"users", "u1", "progresso", "c1", "questoes"}, nil, "")
			require.NoError(t, err)
			require.Len(t, docs, 1)
			assert.Equal(t, "q1", docs[0]["questionId"])
		})
	}
}

func TestBadPaths(t *testing.T) {
	for name, s := range openStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, err := s.Get(ctx, "users")
			assert.ErrorIs(t, err, ErrBadPath)

			err = s.Set(ctx, Document{}, false, "users", "u1", "progresso")
			assert.ErrorIs(t, err, ErrBadPath)

			_, err = s.Query(ctx, []string{"users", "u1"}, nil, "")
			assert.ErrorIs(t, err, ErrBadPath)

			err = s.Set(ctx, Document{}, false, "users", "a/b")
			assert.ErrorIs(t, err, ErrBadPath)
		})
	}
}

func TestQueryWithFallback_SortsInMemory(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	s.OrderedQueryErr = ErrQueryShape

	require.NoError(t, s.Set(ctx, Document{"id": "t2", "order": float64(2)}, false, "trilhas", "t2"))
	require.NoError(t, s.Set(ctx, Document{"id": "t1", "order": float64(1)}, false, "trilhas", "t1"))
	require.NoError(t, s.Set(ctx, Document{"id": "t3", "order": float64(3)}, false, "trilhas", "t3"))

	// The sorted form must fail before the fallback kicks in.
	_, err := s.Query(ctx, []string{"trilhas"}, nil, "order")
	require.ErrorIs(t, err, ErrQueryShape)

	docs, err := QueryWithFallback(ctx, s, []string{"trilhas"}, nil, "order")
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "t1", docs[0]["id"])
	assert.Equal(t, "t2", docs[1]["id"])
	assert.Equal(t, "t3", docs[2]["id"])
}

func TestQueryWithFallback_PassesThroughOtherErrors(t *testing.T) {
	ctx := context.Background()
	s := NewMemory()
	s.FailAll = errors.New("network unreachable")

	_, err := QueryWithFallback(ctx, s, []string{"trilhas"}, nil, "order")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrQueryShape)
}

func TestClassifyQueryErr(t *testing.T) {
	cases := []struct {
		msg   string
		shape bool
	}{
		{"SQL error: no such index: idx_order", true},
		{"FAILED PRECONDITION: the query requires an index", true},
		{"unsupported order by expression", true},
		{"connection reset by peer", false},
	}
	for _, tc := range cases {
		err := classifyQueryErr("trilhas", fmt.Errorf("%s", tc.msg))
		if tc.shape {
			assert.ErrorIs(t, err, ErrQueryShape, tc.msg)
		} else {
			assert.NotErrorIs(t, err, ErrQueryShape, tc.msg)
		}
	}
}

func TestSortDocuments_MixedTypes(t *testing.T) {
	docs := []Document{
		{"id": "b", "order": "beta"},
		{"id": "a", "order": "alfa"},
	}
	SortDocuments(docs, "order")
	assert.Equal(t, "a", docs[0]["id"])
}
