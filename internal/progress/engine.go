// Package progress computes derived completion state from the raw progress
// record: per-course percentages, unlock eligibility and aggregate stats.
//
// State machine per (user, course): Locked → Available → InProgress →
// Completed. Transitions are recomputed on demand from the percent value
// alone; there is no persisted state-machine state, which keeps a single
// source of truth.
package progress

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/trilhaslab/progresso/internal/cache"
	"github.com/trilhaslab/progresso/internal/catalog"
	"github.com/trilhaslab/progresso/internal/remotestore"
	"github.com/trilhaslab/progresso/internal/sync"
)

// ErrSaveFailed reports that a mutation could not be persisted locally.
// Callers surface it as a "could not save, please retry" signal.
var ErrSaveFailed = errors.New("progress could not be saved")

// StatsCacheKey is the cache key of the memoized UserStats value. Preload
// paths reuse it; the embedded progress marker forces the short max-age
// class.
const StatsCacheKey = "progresso_stats"

// MarkQuestionInput is the validated input of MarkQuestionCompleted.
type MarkQuestionInput struct {
	QuestionID     string `json:"questionId" validate:"required"`
	CourseID       string `json:"courseId" validate:"required"`
	SelectedOption string `json:"selectedOption" validate:"omitempty,oneof=A B C D"`
	Correct        bool   `json:"correct"`
	Score          int    `json:"score" validate:"min=0"`
}

// CourseStatus is one row of the course overview.
type CourseStatus struct {
	ID               string `json:"id"`
	Title            string `json:"title"`
	Unlocked         bool   `json:"unlocked"`
	HistoryCompleted bool   `json:"historyCompleted"`
	Percent          int    `json:"percent"`
}

// Stats aggregates the user's gamification metrics.
type Stats struct {
	TotalCourses      int `json:"totalCourses"`
	CoursesCompleted  int `json:"coursesCompleted"`
	QuestionsAnswered int `json:"questionsAnswered"`
	XP                int `json:"xp"`
	Level             int `json:"level"`
}

// Config tunes engine behavior.
type Config struct {
	// Now is the clock; tests inject a fake.
	Now func() time.Time
}

// Engine derives and mutates progress state. All durable mutations go
// through the sync engine's save path.
type Engine struct {
	records  *sync.Engine
	catalog  catalog.Provider
	remote   remotestore.Store // nil when running offline-only
	cache    *cache.Cache      // nil disables memoization
	userID   string
	log      *zap.Logger
	now      func() time.Time
	validate *validator.Validate
}

// New creates a progress engine. remote and c may be nil.
func New(records *sync.Engine, cat catalog.Provider, remote remotestore.Store, c *cache.Cache, logger *zap.Logger) *Engine {
	return NewWithConfig(records, cat, remote, c, logger, nil)
}

// NewWithConfig creates a progress engine with custom tuning.
func NewWithConfig(records *sync.Engine, cat catalog.Provider, remote remotestore.Store, c *cache.Cache, logger *zap.Logger, cfg *Config) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	now := time.Now
	if cfg != nil && cfg.Now != nil {
		now = cfg.Now
	}
	return &Engine{
		records:  records,
		catalog:  cat,
		remote:   remote,
		cache:    c,
		userID:   records.UserID(),
		log:      logger,
		now:      now,
		validate: validator.New(),
	}
}

// MarkHistoryCompleted idempotently records the course history as completed.
// Already-completed histories are a no-op.
func (e *Engine) MarkHistoryCompleted(ctx context.Context, courseID string) error {
	if courseID == "" {
		return fmt.Errorf("courseID is required")
	}

	rec := e.records.Load(ctx)
	if !rec.AddHistory(courseID) {
		return nil
	}
	if !e.records.Save(ctx, rec) {
		return ErrSaveFailed
	}
	e.invalidateDerived(ctx)
	return nil
}

// MarkQuestionCompleted upserts a question result. Repeated completion keeps
// the maximum score while correctness, selection and timestamp follow the
// latest attempt. The normalized result document is also written remotely,
// best-effort.
func (e *Engine) MarkQuestionCompleted(ctx context.Context, in MarkQuestionInput) error {
	if err := e.validate.Struct(in); err != nil {
		return fmt.Errorf("invalid question completion: %w", err)
	}

	rec := e.records.Load(ctx)
	rec.UpsertQuestion(sync.QuestionResult{
		QuestionID:     in.QuestionID,
		CourseID:       in.CourseID,
		Correct:        in.Correct,
		SelectedOption: in.SelectedOption,
		Score:          in.Score,
		CompletedAt:    e.now(),
	})
	if !e.records.Save(ctx, rec) {
		return ErrSaveFailed
	}

	e.pushQuestionDetail(ctx, rec, in.QuestionID, in.CourseID)
	e.invalidateDerived(ctx)
	return nil
}

// pushQuestionDetail writes the per-question result document under
// users/{u}/progresso/{courseId}/questoes/{questionId}. Failures are logged;
// the aggregate pushed by the save path already carries the id-list.
func (e *Engine) pushQuestionDetail(ctx context.Context, rec *sync.ProgressRecord, questionID, courseID string) {
	if e.remote == nil {
		return
	}
	res, ok := rec.QuestionByID(questionID)
	if !ok {
		return
	}
	doc := remotestore.Document{
		"questionId":     res.QuestionID,
		"courseId":       res.CourseID,
		"correct":        res.Correct,
		"selectedOption": res.SelectedOption,
		"score":          res.Score,
		"completedAt":    res.CompletedAt.UTC().Format(time.RFC3339),
	}
	err := e.remote.Set(ctx, doc, true, "users", e.userID, "progresso", courseID, "questoes", questionID)
	if err != nil {
		e.log.Warn("failed to push question result",
			zap.String("question", questionID), zap.Error(err))
	}
}

// IsHistoryCompleted reports whether the course history was completed.
func (e *Engine) IsHistoryCompleted(ctx context.Context, courseID string) bool {
	return e.records.Load(ctx).HasHistory(courseID)
}

// IsQuestionCompleted checks the local record first and falls back to a
// remote existence check, covering the window where a remote-only write from
// another device has not reached the local copy yet.
func (e *Engine) IsQuestionCompleted(ctx context.Context, questionID, courseID string) bool {
	if _, ok := e.records.Load(ctx).QuestionByID(questionID); ok {
		return true
	}
	if e.remote == nil {
		return false
	}
	ok, err := e.remote.Exists(ctx, "users", e.userID, "progresso", courseID, "questoes", questionID)
	if err != nil {
		e.log.Warn("remote question check failed", zap.String("question", questionID), zap.Error(err))
		return false
	}
	return ok
}

// RecomputeCourseProgress derives the course completion percent and persists
// it to the local per-course map and the remote aggregate. The side effect
// is deliberate: the percent is expensive to derive and cheap to restate.
// Use CachedCoursePercent for a pure read.
func (e *Engine) RecomputeCourseProgress(ctx context.Context, courseID string) int {
	rec := e.records.Load(ctx)
	percent := e.computePercent(ctx, rec, courseID)

	rec.CourseProgress[courseID] = percent
	if !e.records.Save(ctx, rec) {
		e.log.Error("failed to persist recomputed percent",
			zap.String("course", courseID), zap.Int("percent", percent))
	}
	return percent
}

// CachedCoursePercent returns the last persisted percent without
// recomputing.
func (e *Engine) CachedCoursePercent(ctx context.Context, courseID string) int {
	return e.records.Load(ctx).CourseProgress[courseID]
}

// computePercent runs the percent formula: denominator is 1 (history) plus
// the catalog question count; numerator is the completed history plus the
// distinct completed question IDs known locally or remotely (set union, so
// an action on another device counts before this one's cache catches up).
func (e *Engine) computePercent(ctx context.Context, rec *sync.ProgressRecord, courseID string) int {
	questions := e.courseQuestions(ctx, courseID)
	denominator := 1 + len(questions)

	completed := map[string]bool{}
	for _, id := range rec.QuestionIDsForCourse(courseID) {
		completed[id] = true
	}
	for _, id := range e.remoteCompletedIDs(ctx, courseID) {
		completed[id] = true
	}

	numerator := len(completed)
	if rec.HasHistory(courseID) {
		numerator++
	}

	percent := int(math.Round(100 * float64(numerator) / float64(denominator)))
	if percent > 100 {
		percent = 100
	}
	return percent
}

// courseQuestions lists the catalog questions of a course. An empty primary
// query falls back to aggregating transitively through the course's units,
// the shape older catalogs used.
func (e *Engine) courseQuestions(ctx context.Context, courseID string) []catalog.Question {
	questions, err := e.catalog.ListQuestionsForCourse(ctx, courseID)
	if err != nil {
		e.log.Warn("catalog question query failed", zap.String("course", courseID), zap.Error(err))
	}
	if len(questions) > 0 {
		return questions
	}

	units, err := e.catalog.ListUnitsForCourse(ctx, courseID)
	if err != nil {
		e.log.Warn("catalog unit query failed", zap.String("course", courseID), zap.Error(err))
		return nil
	}
	var all []catalog.Question
	for _, u := range units {
		qs, err := e.catalog.ListQuestionsForUnit(ctx, u.ID)
		if err != nil {
			e.log.Warn("catalog unit question query failed", zap.String("unit", u.ID), zap.Error(err))
			continue
		}
		all = append(all, qs...)
	}
	return all
}

// remoteCompletedIDs reads the remote aggregate id-list, or nothing when the
// remote is unavailable.
func (e *Engine) remoteCompletedIDs(ctx context.Context, courseID string) []string {
	if e.remote == nil {
		return nil
	}
	doc, err := e.remote.Get(ctx, "users", e.userID, "progresso", courseID)
	if err != nil {
		if !errors.Is(err, remotestore.ErrNotFound) {
			e.log.Warn("remote aggregate fetch failed", zap.String("course", courseID), zap.Error(err))
		}
		return nil
	}
	rawIDs, ok := doc["questionIdsCompleted"].([]any)
	if !ok {
		return nil
	}
	var ids []string
	for _, v := range rawIDs {
		if id, ok := v.(string); ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// IsCourseUnlocked reports whether the course can be entered: the first
// course always, any other only once its predecessor reached 100%.
func (e *Engine) IsCourseUnlocked(ctx context.Context, courseID string) bool {
	courses, err := e.catalog.ListCourses(ctx)
	if err != nil {
		e.log.Warn("catalog course query failed", zap.Error(err))
		return false
	}
	for i, c := range courses {
		if c.ID != courseID {
			continue
		}
		if i == 0 {
			return true
		}
		return e.RecomputeCourseProgress(ctx, courses[i-1].ID) >= 100
	}
	return false
}

// IsCourseFullyCompleted is stricter than percent == 100: it verifies the
// history and every catalog question individually, guarding against rounding
// and stale denominators.
func (e *Engine) IsCourseFullyCompleted(ctx context.Context, courseID string) bool {
	rec := e.records.Load(ctx)
	if !rec.HasHistory(courseID) {
		return false
	}

	completed := map[string]bool{}
	for _, id := range rec.QuestionIDsForCourse(courseID) {
		completed[id] = true
	}
	for _, id := range e.remoteCompletedIDs(ctx, courseID) {
		completed[id] = true
	}

	for _, q := range e.courseQuestions(ctx, courseID) {
		if !completed[q.ID] {
			return false
		}
	}
	return true
}

// CoursesWithUnlockStatus computes the overview row of every catalog course,
// in catalog order.
func (e *Engine) CoursesWithUnlockStatus(ctx context.Context) ([]CourseStatus, error) {
	courses, err := e.catalog.ListCourses(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list courses: %w", err)
	}
	rec := e.records.Load(ctx)

	statuses := make([]CourseStatus, 0, len(courses))
	prevPercent := 100
	for i, c := range courses {
		percent := e.RecomputeCourseProgress(ctx, c.ID)
		statuses = append(statuses, CourseStatus{
			ID:               c.ID,
			Title:            c.Title,
			Unlocked:         i == 0 || prevPercent >= 100,
			HistoryCompleted: rec.HasHistory(c.ID),
			Percent:          percent,
		})
		prevPercent = percent
	}
	return statuses, nil
}

// UserStats aggregates gamification metrics. XP sums the best known score
// per question across the local record and the remote result documents,
// plus 50 per completed history; level is xp/100+1, minimum 1. Stats are
// memoized under the short cache class.
func (e *Engine) UserStats(ctx context.Context) Stats {
	var stats Stats
	if e.cache != nil && e.cache.GetInto(ctx, StatsCacheKey, e.userID, 15*time.Minute, &stats) {
		return stats
	}

	rec := e.records.Load(ctx)

	courses, err := e.catalog.ListCourses(ctx)
	if err != nil {
		e.log.Warn("catalog course query failed", zap.Error(err))
	}
	completedCourses := 0
	for _, c := range courses {
		if rec.CourseProgress[c.ID] >= 100 {
			completedCourses++
		}
	}

	xp := e.questionXP(ctx, rec) + 50*len(rec.HistoriesCompleted)
	stats = Stats{
		TotalCourses:      len(courses),
		CoursesCompleted:  completedCourses,
		QuestionsAnswered: len(rec.QuestionsCompleted),
		XP:                xp,
		Level:             xp/100 + 1,
	}

	if e.cache != nil {
		e.cache.Set(ctx, StatsCacheKey, stats, e.userID)
	}
	return stats
}

// questionXP sums the best known score per question. Local and remote
// results are unioned keyed by question ID, taking the maximum where both
// sides know the question; a score recorded on another device counts even
// before its sync lands here.
func (e *Engine) questionXP(ctx context.Context, rec *sync.ProgressRecord) int {
	scores := map[string]int{}
	for _, q := range rec.QuestionsCompleted {
		scores[q.QuestionID] = q.Score
	}
	for _, courseID := range rec.CourseIDs() {
		for _, doc := range e.remoteQuestionDocs(ctx, courseID) {
			id, _ := doc["questionId"].(string)
			if id == "" {
				continue
			}
			if s, ok := doc["score"].(float64); ok && int(s) > scores[id] {
				scores[id] = int(s)
			}
		}
	}
	total := 0
	for _, s := range scores {
		total += s
	}
	return total
}

func (e *Engine) remoteQuestionDocs(ctx context.Context, courseID string) []remotestore.Document {
	if e.remote == nil {
		return nil
	}
	docs, err := e.remote.Query(ctx,
		[]string{"users", e.userID, "progresso", courseID, "questoes"}, nil, "")
	if err != nil {
		e.log.Warn("remote score query failed", zap.String("course", courseID), zap.Error(err))
		return nil
	}
	return docs
}

// invalidateDerived drops memoized derived state after a mutation.
func (e *Engine) invalidateDerived(ctx context.Context) {
	if e.cache != nil {
		e.cache.Invalidate(ctx, StatsCacheKey, e.userID)
	}
}
