package catalog

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trilhaslab/progresso/internal/cache"
	"github.com/trilhaslab/progresso/internal/localstore"
	"github.com/trilhaslab/progresso/internal/remotestore"
)

func seedRemoteCatalog(t *testing.T, s remotestore.Store) {
	t.Helper()
	ctx := context.Background()

	courses := []remotestore.Document{
		{"id": "c2", "title": "Segunda Trilha", "order": float64(2)},
		{"id": "c1", "title": "Primeira Trilha", "order": float64(1)},
	}
	for _, doc := range courses {
		require.NoError(t, s.Set(ctx, doc, false, "trilhas", doc["id"].(string)))
	}

	units := []remotestore.Document{
		{"id": "m2", "courseId": "c1", "title": "Quiz", "type": UnitQuiz, "order": float64(2)},
		{"id": "m1", "courseId": "c1", "title": "Historia", "type": UnitNarrative, "order": float64(1)},
	}
	for _, doc := range units {
		require.NoError(t, s.Set(ctx, doc, false, "modulos", doc["id"].(string)))
	}

	questions := []remotestore.Document{
		{"id": "q1", "courseId": "c1", "unitId": "m2", "difficulty": "facil", "weight": float64(10)},
		{"id": "q2", "courseId": "c1", "unitId": "m2", "difficulty": "media", "weight": float64(20)},
	}
	for _, doc := range questions {
		require.NoError(t, s.Set(ctx, doc, false, "questoes", doc["id"].(string)))
	}
}

func TestMemoryProvider_OrderingAndFiltering(t *testing.T) {
	p := NewMemoryProvider(
		[]Course{{ID: "c2", Order: 2}, {ID: "c1", Order: 1}},
		[]Unit{{ID: "m2", CourseID: "c1", Order: 2}, {ID: "m1", CourseID: "c1", Order: 1}},
		[]Question{{ID: "q1", CourseID: "c1", UnitID: "m1"}, {ID: "q2", CourseID: "c2", UnitID: "m9"}},
	)
	ctx := context.Background()

	courses, err := p.ListCourses(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"c1", "c2"}, []string{courses[0].ID, courses[1].ID})

	units, err := p.ListUnitsForCourse(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "m2"}, []string{units[0].ID, units[1].ID})

	questions, err := p.ListQuestionsForCourse(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, questions, 1)
	assert.Equal(t, "q1", questions[0].ID)

	questions, err = p.ListQuestionsForUnit(ctx, "m9")
	require.NoError(t, err)
	require.Len(t, questions, 1)
	assert.Equal(t, "q2", questions[0].ID)
}

func TestStoreProvider_ListsFromRemote(t *testing.T) {
	remote := remotestore.NewMemory()
	seedRemoteCatalog(t, remote)
	p := NewStoreProvider(remote, nil, 15*time.Minute, nil)
	ctx := context.Background()

	courses, err := p.ListCourses(ctx)
	require.NoError(t, err)
	require.Len(t, courses, 2)
	assert.Equal(t, "c1", courses[0].ID)
	assert.Equal(t, "Primeira Trilha", courses[0].Title)

	units, err := p.ListUnitsForCourse(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, units, 2)
	assert.Equal(t, "m1", units[0].ID)
	assert.Equal(t, UnitQuiz, units[1].Type)

	questions, err := p.ListQuestionsForCourse(ctx, "c1")
	require.NoError(t, err)
	assert.Len(t, questions, 2)

	questions, err = p.ListQuestionsForUnit(ctx, "m2")
	require.NoError(t, err)
	assert.Len(t, questions, 2)
}

func TestStoreProvider_OrderedQueryFallback(t *testing.T) {
	remote := remotestore.NewMemory()
	seedRemoteCatalog(t, remote)
	remote.OrderedQueryErr = remotestore.ErrQueryShape

	p := NewStoreProvider(remote, nil, 15*time.Minute, nil)

	courses, err := p.ListCourses(context.Background())
	require.NoError(t, err)
	require.Len(t, courses, 2)
	assert.Equal(t, "c1", courses[0].ID)
	assert.Equal(t, "c2", courses[1].ID)
}

func TestStoreProvider_CachesResults(t *testing.T) {
	remote := remotestore.NewMemory()
	seedRemoteCatalog(t, remote)

	local, err := localstore.Open(filepath.Join(t.TempDir(), "local.db"), nil)
	require.NoError(t, err)
	defer local.Close()

	c := cache.New(local, nil)
	p := NewStoreProvider(remote, c, 15*time.Minute, nil)
	ctx := context.Background()

	courses, err := p.ListCourses(ctx)
	require.NoError(t, err)
	require.Len(t, courses, 2)

	// Once cached, a dead backend is no longer consulted.
	remote.FailAll = assert.AnError
	courses, err = p.ListCourses(ctx)
	require.NoError(t, err)
	assert.Len(t, courses, 2)
}

func TestStoreProvider_EmptyCollection(t *testing.T) {
	p := NewStoreProvider(remotestore.NewMemory(), nil, 15*time.Minute, nil)

	courses, err := p.ListCourses(context.Background())
	require.NoError(t, err)
	assert.Empty(t, courses)
}
