package progresso

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/trilhaslab/progresso/internal/catalog"
	"github.com/trilhaslab/progresso/internal/config"
	"github.com/trilhaslab/progresso/internal/progress"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.UserID = "u1"
	cfg.Local.Path = filepath.Join(t.TempDir(), "local.db")
	cfg.Remote.URL = "file:" + filepath.Join(t.TempDir(), "remote.db")
	return cfg
}

func testCatalog() catalog.Provider {
	return catalog.NewMemoryProvider(
		[]catalog.Course{
			{ID: "c1", Title: "Fundamentos", Order: 1},
			{ID: "c2", Title: "Intermediario", Order: 2},
		},
		nil,
		[]catalog.Question{
			{ID: "q1", CourseID: "c1", Difficulty: "facil", Weight: 10},
		},
	)
}

func TestNew_RequiresValidConfig(t *testing.T) {
	_, err := New(nil, nil)
	assert.Error(t, err)

	cfg := testConfig(t)
	cfg.UserID = ""
	_, err = New(cfg, nil)
	assert.ErrorContains(t, err, "user_id")
}

func TestNew_OfflineNeedsExplicitCatalog(t *testing.T) {
	cfg := testConfig(t)
	cfg.Remote.URL = ""

	_, err := New(cfg, nil)
	assert.Error(t, err)

	client, err := NewWithCatalog(cfg, testCatalog(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	assert.Equal(t, "u1", client.UserID())
}

func TestClient_EndToEnd(t *testing.T) {
	cfg := testConfig(t)
	client, err := NewWithCatalog(cfg, testCatalog(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	eng := client.Progress()
	require.NoError(t, eng.MarkHistoryCompleted(ctx, "c1"))
	require.NoError(t, eng.MarkQuestionCompleted(ctx, progress.MarkQuestionInput{
		QuestionID: "q1", CourseID: "c1", Correct: true, SelectedOption: "A", Score: 10,
	}))

	assert.Equal(t, 100, eng.RecomputeCourseProgress(ctx, "c1"))
	assert.True(t, eng.IsCourseUnlocked(ctx, "c2"))
	assert.True(t, client.SyncNow(ctx))
	assert.Nil(t, client.CheckConflicts(ctx))

	profile, err := client.Profile(ctx)
	require.NoError(t, err)
	assert.Contains(t, profile, "progresso")
}

func TestClient_RecordSurvivesReopen(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	client, err := NewWithCatalog(cfg, testCatalog(), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, client.Progress().MarkHistoryCompleted(ctx, "c1"))
	require.NoError(t, client.Close())

	client, err = NewWithCatalog(cfg, testCatalog(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	assert.True(t, client.Progress().IsHistoryCompleted(ctx, "c1"))
}

func TestClient_LogoutDropsCachedState(t *testing.T) {
	cfg := testConfig(t)
	client, err := NewWithCatalog(cfg, testCatalog(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	ctx := context.Background()

	client.Preload(ctx)
	stats := client.Progress().UserStats(ctx)
	assert.Equal(t, 2, stats.TotalCourses)

	client.Logout(ctx)
	// durable record untouched, only memoized state dropped
	assert.False(t, client.Progress().IsHistoryCompleted(ctx, "c1"))
	assert.Equal(t, stats, client.Progress().UserStats(ctx))
}
