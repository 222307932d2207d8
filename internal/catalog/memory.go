package catalog

import (
	"context"
	"sort"
)

// MemoryProvider serves a fixed catalog from memory. Tests and seeding tools
// use it; the app uses StoreProvider.
type MemoryProvider struct {
	courses   []Course
	units     []Unit
	questions []Question
}

var _ Provider = (*MemoryProvider)(nil)

// NewMemoryProvider builds a provider over the given entities. Courses and
// units are sorted by their Order field once, up front.
func NewMemoryProvider(courses []Course, units []Unit, questions []Question) *MemoryProvider {
	cs := append([]Course(nil), courses...)
	us := append([]Unit(nil), units...)
	qs := append([]Question(nil), questions...)
	sort.SliceStable(cs, func(i, j int) bool { return cs[i].Order < cs[j].Order })
	sort.SliceStable(us, func(i, j int) bool { return us[i].Order < us[j].Order })
	return &MemoryProvider{courses: cs, units: us, questions: qs}
}

// ListCourses implements Provider.
func (p *MemoryProvider) ListCourses(ctx context.Context) ([]Course, error) {
	return append([]Course(nil), p.courses...), nil
}

// ListUnitsForCourse implements Provider.
func (p *MemoryProvider) ListUnitsForCourse(ctx context.Context, courseID string) ([]Unit, error) {
	var units []Unit
	for _, u := range p.units {
		if u.CourseID == courseID {
			units = append(units, u)
		}
	}
	return units, nil
}

// ListQuestionsForCourse implements Provider.
func (p *MemoryProvider) ListQuestionsForCourse(ctx context.Context, courseID string) ([]Question, error) {
	var questions []Question
	for _, q := range p.questions {
		if q.CourseID == courseID {
			questions = append(questions, q)
		}
	}
	return questions, nil
}

// ListQuestionsForUnit implements Provider.
func (p *MemoryProvider) ListQuestionsForUnit(ctx context.Context, unitID string) ([]Question, error) {
	var questions []Question
	for _, q := range p.questions {
		if q.UnitID == unitID {
			questions = append(questions, q)
		}
	}
	return questions, nil
}
