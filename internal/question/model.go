// Package question holds the test definition: tests, their subject sections,
// and the two question kinds, plus authoring and the entitlement-filtered view.
package question

import (
	"errors"
	"time"
)

var (
	ErrInvalidInput       = errors.New("invalid input")
	ErrTestNotFound       = errors.New("test not found")
	ErrAccessDenied       = errors.New("access denied")
	ErrTestHasSubmissions = errors.New("test already has submissions")
)

type Mode string

const (
	ModeChoice   Mode = "CHOICE"
	ModeImage    Mode = "IMAGE"
	ModeCombined Mode = "COMBINED"
)

// AcceptsKind reports whether questions of kind k may appear in a test of mode m.
func (m Mode) AcceptsKind(k Kind) bool {
	switch m {
	case ModeChoice:
		return k == KindChoice
	case ModeImage:
		return k == KindImage
	case ModeCombined:
		return k == KindChoice || k == KindImage
	default:
		return false
	}
}

// AutoScored is true for modes whose choice answers are marked at submit time.
func (m Mode) AutoScored() bool {
	return m == ModeChoice || m == ModeCombined
}

type Kind string

const (
	KindChoice Kind = "choice"
	KindImage  Kind = "image"
)

type ChoiceDetail struct {
	Options         []string `json:"options"`
	CorrectOption   int      `json:"correct_option"`
	Subjective      bool     `json:"subjective"`
	AllowAttachment bool     `json:"allow_attachment"`
}

type ImageDetail struct {
	ReferenceImages []string `json:"reference_images"`
	MaxMarks        int      `json:"max_marks"`
	MaxAnswerImages int      `json:"max_answer_images"`
}

// Question is a tagged union: Kind selects which of Choice or Image is set.
type Question struct {
	ID        int64         `json:"id"`
	TestID    int64         `json:"test_id"`
	SectionID *int64        `json:"section_id,omitempty"`
	Kind      Kind          `json:"kind"`
	Position  int           `json:"position"`
	Prompt    string        `json:"prompt"`
	Choice    *ChoiceDetail `json:"choice,omitempty"`
	Image     *ImageDetail  `json:"image,omitempty"`
}

// Marks is the question's contribution to the possible total.
func (q Question) Marks() int {
	switch q.Kind {
	case KindChoice:
		return 1
	case KindImage:
		if q.Image == nil {
			return 0
		}
		return q.Image.MaxMarks
	default:
		return 0
	}
}

// Assessable is false for subjective choice questions, which are authoring-only
// and never delivered, scored, or counted.
func (q Question) Assessable() bool {
	if q.Kind == KindChoice {
		return q.Choice != nil && !q.Choice.Subjective
	}
	return q.Kind == KindImage && q.Image != nil
}

type Section struct {
	ID              int64      `json:"id"`
	TestID          int64      `json:"test_id"`
	SubjectID       int64      `json:"subject_id"`
	Title           string     `json:"title"`
	DurationMinutes int        `json:"duration_minutes"`
	Position        int        `json:"position"`
	Questions       []Question `json:"questions"`
}

type Test struct {
	ID                 int64     `json:"id"`
	CourseID           int64     `json:"course_id"`
	Title              string    `json:"title"`
	Mode               Mode      `json:"mode"`
	StartsAt           time.Time `json:"starts_at"`
	DurationMinutes    int       `json:"duration_minutes"`
	LegacySubjectID    *int64    `json:"legacy_subject_id,omitempty"`
	DeclaredTotalMarks *int      `json:"declared_total_marks,omitempty"`
	Sections           []Section `json:"sections"`
	// Questions holds the flat list of a legacy, section-less test.
	Questions []Question `json:"questions,omitempty"`
	CreatedBy int64      `json:"created_by"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

func (t *Test) IsLegacy() bool { return len(t.Sections) == 0 }

func (t *Test) TotalDurationMinutes() int {
	if t.IsLegacy() {
		return t.DurationMinutes
	}
	total := 0
	for _, s := range t.Sections {
		total += s.DurationMinutes
	}
	return total
}

func (t *Test) EndsAt() time.Time {
	return t.StartsAt.Add(time.Duration(t.TotalDurationMinutes()) * time.Minute)
}

// AssessableQuestions is the full, unfiltered question set used by graders.
func (t *Test) AssessableQuestions() []Question {
	out := make([]Question, 0)
	for _, s := range t.Sections {
		for _, q := range s.Questions {
			if q.Assessable() {
				out = append(out, q)
			}
		}
	}
	for _, q := range t.Questions {
		if q.Assessable() {
			out = append(out, q)
		}
	}
	return out
}

func (t *Test) ComputedTotalMarks() int {
	total := 0
	for _, q := range t.AssessableQuestions() {
		total += q.Marks()
	}
	return total
}

// TotalMarks prefers the declared figure for display; scoring never uses it.
func (t *Test) TotalMarks() int {
	if t.DeclaredTotalMarks != nil {
		return *t.DeclaredTotalMarks
	}
	return t.ComputedTotalMarks()
}

// Summary is the list-row shape of a test.
type Summary struct {
	ID                   int64     `json:"id"`
	CourseID             int64     `json:"course_id"`
	Title                string    `json:"title"`
	Mode                 Mode      `json:"mode"`
	StartsAt             time.Time `json:"starts_at"`
	EndsAt               time.Time `json:"ends_at"`
	TotalDurationMinutes int       `json:"total_duration_minutes"`
	TotalMarks           int       `json:"total_marks"`
	SectionCount         int       `json:"section_count"`
	QuestionCount        int       `json:"question_count"`
}
