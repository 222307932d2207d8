// Package sync owns the per-user ProgressRecord and reconciles the local
// store with the remote document store.
//
// The record is persisted as JSON under user_progress_{userId} locally and
// inside the progresso field of users/{userId} remotely. The progress engine
// derives from it and requests mutations through the Engine's save path;
// nothing else writes the durable copy.
package sync

import (
	"sort"
	"time"
)

// SchemaVersion is the current record layout version. Records persisted
// before versioning existed carry 0 and go through migration on load.
const SchemaVersion = 1

// Answer options of a multiple-choice question.
const (
	OptionA = "A"
	OptionB = "B"
	OptionC = "C"
	OptionD = "D"
)

// QuestionResult records one completed question. There is at most one per
// questionId per user; repeated completion merges instead of duplicating.
type QuestionResult struct {
	QuestionID     string    `json:"questionId"`
	CourseID       string    `json:"courseId"`
	Correct        bool      `json:"correct"`
	SelectedOption string    `json:"selectedOption,omitempty"`
	Score          int       `json:"score"`
	CompletedAt    time.Time `json:"completedAt"`
}

// CourseSnapshot is the derived per-course aggregate pushed to
// users/{userId}/progresso/{courseId}. Recomputed on demand, never
// hand-edited.
type CourseSnapshot struct {
	Percent              int       `json:"percent"`
	HistoryCompleted     bool      `json:"historyCompleted"`
	QuestionIDsCompleted []string  `json:"questionIdsCompleted"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// ProgressRecord is the per-user aggregate of completed histories, completed
// questions and per-course percentages.
type ProgressRecord struct {
	SchemaVersion      int              `json:"schemaVersion"`
	HistoriesCompleted []string         `json:"historiasConcluidas"`
	QuestionsCompleted []QuestionResult `json:"questoesConcluidas"`
	CourseProgress     map[string]int   `json:"trilhasProgresso"`
	LastUpdated        time.Time        `json:"ultimaAtualizacao"`
	Synced             bool             `json:"sincronizado"`

	// PendingPush marks a record whose last remote push failed; the next
	// load or save flushes it.
	PendingPush bool `json:"pendingPush,omitempty"`
}

// NewRecord returns an empty record at the current schema version.
// Records are created lazily on first read.
func NewRecord() *ProgressRecord {
	return &ProgressRecord{
		SchemaVersion:      SchemaVersion,
		HistoriesCompleted: []string{},
		QuestionsCompleted: []QuestionResult{},
		CourseProgress:     map[string]int{},
	}
}

// normalize repairs nil collections after JSON decoding.
func (r *ProgressRecord) normalize() {
	if r.HistoriesCompleted == nil {
		r.HistoriesCompleted = []string{}
	}
	if r.QuestionsCompleted == nil {
		r.QuestionsCompleted = []QuestionResult{}
	}
	if r.CourseProgress == nil {
		r.CourseProgress = map[string]int{}
	}
}

// HasHistory reports whether the course's history was completed.
func (r *ProgressRecord) HasHistory(courseID string) bool {
	for _, id := range r.HistoriesCompleted {
		if id == courseID {
			return true
		}
	}
	return false
}

// AddHistory adds courseID to the completed histories. Returns false when it
// was already present.
func (r *ProgressRecord) AddHistory(courseID string) bool {
	if r.HasHistory(courseID) {
		return false
	}
	r.HistoriesCompleted = append(r.HistoriesCompleted, courseID)
	return true
}

// QuestionByID returns the result recorded for questionID, if any.
func (r *ProgressRecord) QuestionByID(questionID string) (*QuestionResult, bool) {
	for i := range r.QuestionsCompleted {
		if r.QuestionsCompleted[i].QuestionID == questionID {
			return &r.QuestionsCompleted[i], true
		}
	}
	return nil, false
}

// UpsertQuestion merges a question result into the record, keyed by
// questionId. On conflict the score keeps its maximum while correctness,
// selection and timestamp follow the latest attempt.
func (r *ProgressRecord) UpsertQuestion(res QuestionResult) {
	existing, ok := r.QuestionByID(res.QuestionID)
	if !ok {
		r.QuestionsCompleted = append(r.QuestionsCompleted, res)
		return
	}
	if res.Score > existing.Score {
		existing.Score = res.Score
	}
	existing.CourseID = res.CourseID
	existing.Correct = res.Correct
	existing.SelectedOption = res.SelectedOption
	existing.CompletedAt = res.CompletedAt
}

// QuestionIDsForCourse returns the distinct completed question IDs of a
// course, sorted for stable output.
func (r *ProgressRecord) QuestionIDsForCourse(courseID string) []string {
	seen := map[string]bool{}
	var ids []string
	for _, q := range r.QuestionsCompleted {
		if q.CourseID == courseID && !seen[q.QuestionID] {
			seen[q.QuestionID] = true
			ids = append(ids, q.QuestionID)
		}
	}
	sort.Strings(ids)
	return ids
}

// CourseIDs returns every course the record knows about, from histories,
// question results and the percent map.
func (r *ProgressRecord) CourseIDs() []string {
	seen := map[string]bool{}
	var ids []string
	add := func(id string) {
		if id != "" && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	for _, id := range r.HistoriesCompleted {
		add(id)
	}
	for _, q := range r.QuestionsCompleted {
		add(q.CourseID)
	}
	for id := range r.CourseProgress {
		add(id)
	}
	sort.Strings(ids)
	return ids
}

// Snapshot derives the per-course aggregate for courseID at time now.
func (r *ProgressRecord) Snapshot(courseID string, now time.Time) CourseSnapshot {
	return CourseSnapshot{
		Percent:              r.CourseProgress[courseID],
		HistoryCompleted:     r.HasHistory(courseID),
		QuestionIDsCompleted: r.QuestionIDsForCourse(courseID),
		UpdatedAt:            now,
	}
}
