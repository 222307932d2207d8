// Package catalog defines the read-only course catalog consumed by the
// progress engine.
//
// The catalog is reference data: immutable for the session and used only to
// compute denominators (question counts) and the linear course ordering.
package catalog

import "context"

// Unit content types.
const (
	UnitNarrative = "narrativa"
	UnitVideo     = "video"
	UnitQuiz      = "quiz"
)

// Course is a top-level learning track (a "trilha").
type Course struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Order int    `json:"order"`
}

// Unit is a segment within a course: narrative, video or quiz content.
type Unit struct {
	ID       string `json:"id"`
	CourseID string `json:"courseId"`
	Title    string `json:"title"`
	Type     string `json:"type"`
	Order    int    `json:"order"`
}

// Question is a scored multiple-choice item belonging to a course and unit.
type Question struct {
	ID         string `json:"id"`
	CourseID   string `json:"courseId"`
	UnitID     string `json:"unitId"`
	Difficulty string `json:"difficulty"`
	Weight     int    `json:"weight"`
}

// Provider supplies the catalog. Implementations must return courses and
// units in their fixed linear order.
type Provider interface {
	ListCourses(ctx context.Context) ([]Course, error)
	ListUnitsForCourse(ctx context.Context, courseID string) ([]Unit, error)
	ListQuestionsForCourse(ctx context.Context, courseID string) ([]Question, error)
	ListQuestionsForUnit(ctx context.Context, unitID string) ([]Question, error)
}
