package sync

import "regexp"

// legacyQuestionID matches the obsolete numeric-prefixed identifier scheme
// (eg. "12_resposta"), distinguishable from the opaque IDs in use today.
var legacyQuestionID = regexp.MustCompile(`^[0-9]+_`)

// Migrate brings a record from an older schema to the current one, in place.
// Returns true when the record changed and must be persisted.
//
// Version 0 (pre-versioning) records are detected by ID shape: when any
// completed question carries a legacy identifier, question completions and
// per-course percentages are discarded while completed histories are kept.
// Records without legacy IDs only get the version stamp.
func Migrate(r *ProgressRecord) bool {
	if r.SchemaVersion >= SchemaVersion {
		return false
	}

	if hasLegacyQuestionIDs(r) {
		r.QuestionsCompleted = []QuestionResult{}
		r.CourseProgress = map[string]int{}
	}
	r.SchemaVersion = SchemaVersion
	return true
}

func hasLegacyQuestionIDs(r *ProgressRecord) bool {
	for _, q := range r.QuestionsCompleted {
		if legacyQuestionID.MatchString(q.QuestionID) {
			return true
		}
	}
	return false
}
