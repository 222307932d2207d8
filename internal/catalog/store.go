package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/trilhaslab/progresso/internal/cache"
	"github.com/trilhaslab/progresso/internal/remotestore"
)

// Remote collections holding catalog documents.
const (
	coursesCollection   = "trilhas"
	unitsCollection     = "modulos"
	questionsCollection = "questoes"
)

// StoreProvider reads the catalog from the remote document store, memoizing
// results through the cache layer under the long max-age class. Catalog
// queries use the restricted sorted form and fall back to an unordered query
// with in-memory sort when the backend lacks the sort index.
type StoreProvider struct {
	remote remotestore.Store
	cache  *cache.Cache
	maxAge time.Duration
	log    *zap.Logger
}

var _ Provider = (*StoreProvider)(nil)

// NewStoreProvider builds a catalog provider over the remote store.
// The cache may be nil to disable memoization.
func NewStoreProvider(remote remotestore.Store, c *cache.Cache, maxAge time.Duration, logger *zap.Logger) *StoreProvider {
	if logger == nil {
		logger = zap.NewNop()
	}
	if maxAge <= 0 {
		maxAge = 15 * time.Minute
	}
	return &StoreProvider{remote: remote, cache: c, maxAge: maxAge, log: logger}
}

// ListCourses implements Provider.
func (p *StoreProvider) ListCourses(ctx context.Context) ([]Course, error) {
	var courses []Course
	ok, err := p.listCached(ctx, "trilhas", []string{coursesCollection}, nil, "order", &courses)
	if err != nil {
		return nil, fmt.Errorf("failed to list courses: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return courses, nil
}

// ListUnitsForCourse implements Provider.
func (p *StoreProvider) ListUnitsForCourse(ctx context.Context, courseID string) ([]Unit, error) {
	var units []Unit
	key := "modulos_" + courseID
	filters := []remotestore.Filter{{Field: "courseId", Value: courseID}}
	ok, err := p.listCached(ctx, key, []string{unitsCollection}, filters, "order", &units)
	if err != nil {
		return nil, fmt.Errorf("failed to list units of course %s: %w", courseID, err)
	}
	if !ok {
		return nil, nil
	}
	return units, nil
}

// ListQuestionsForCourse implements Provider.
func (p *StoreProvider) ListQuestionsForCourse(ctx context.Context, courseID string) ([]Question, error) {
	var questions []Question
	key := "questoes_trilha_" + courseID
	filters := []remotestore.Filter{{Field: "courseId", Value: courseID}}
	ok, err := p.listCached(ctx, key, []string{questionsCollection}, filters, "", &questions)
	if err != nil {
		return nil, fmt.Errorf("failed to list questions of course %s: %w", courseID, err)
	}
	if !ok {
		return nil, nil
	}
	return questions, nil
}

// ListQuestionsForUnit implements Provider.
func (p *StoreProvider) ListQuestionsForUnit(ctx context.Context, unitID string) ([]Question, error) {
	var questions []Question
	key := "questoes_modulo_" + unitID
	filters := []remotestore.Filter{{Field: "unitId", Value: unitID}}
	ok, err := p.listCached(ctx, key, []string{questionsCollection}, filters, "", &questions)
	if err != nil {
		return nil, fmt.Errorf("failed to list questions of unit %s: %w", unitID, err)
	}
	if !ok {
		return nil, nil
	}
	return questions, nil
}

// listCached serves a catalog list from cache when fresh, querying the
// remote store otherwise. Catalog entries are not user-scoped.
func (p *StoreProvider) listCached(ctx context.Context, key string, collection []string, filters []remotestore.Filter, orderBy string, out any) (bool, error) {
	if p.cache != nil && p.cache.GetInto(ctx, key, "", p.maxAge, out) {
		return true, nil
	}

	docs, err := remotestore.QueryWithFallback(ctx, p.remote, collection, filters, orderBy)
	if err != nil {
		return false, err
	}
	if len(docs) == 0 {
		return false, nil
	}

	raw, err := json.Marshal(docs)
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return false, err
	}

	if p.cache != nil {
		p.cache.Set(ctx, key, out, "")
	}
	return true, nil
}
