package question

import (
	"time"

	"coursetest/internal/entitlement"
)

const generalSectionTitle = "General"

// View is a test as one caller is allowed to see it. Totals are always
// recomputed from the kept content.
type View struct {
	TestID               int64         `json:"test_id"`
	CourseID             int64         `json:"course_id"`
	Title                string        `json:"title"`
	Mode                 Mode          `json:"mode"`
	StartsAt             time.Time     `json:"starts_at"`
	EndsAt               time.Time     `json:"ends_at"`
	TotalDurationMinutes int           `json:"total_duration_minutes"`
	TotalMarks           int           `json:"total_marks"`
	Sections             []SectionView `json:"sections"`
}

type SectionView struct {
	// ID is zero for the synthetic section wrapping a legacy test.
	ID              int64      `json:"id"`
	SubjectID       *int64     `json:"subject_id,omitempty"`
	Title           string     `json:"title"`
	DurationMinutes int        `json:"duration_minutes"`
	Position        int        `json:"position"`
	Questions       []Question `json:"questions"`
}

// FilterForViewer keeps the sections whose subject the set allows, drops
// subjective questions, and wraps a legacy test into one always-visible
// "General" section. It returns ErrAccessDenied when nothing is left.
func FilterForViewer(t *Test, set entitlement.Set) (*View, error) {
	v := &View{
		TestID:   t.ID,
		CourseID: t.CourseID,
		Title:    t.Title,
		Mode:     t.Mode,
		StartsAt: t.StartsAt,
		Sections: make([]SectionView, 0, len(t.Sections)),
	}

	if t.IsLegacy() {
		qs := assessable(t.Questions)
		if len(qs) == 0 {
			return nil, ErrAccessDenied
		}
		v.Sections = append(v.Sections, SectionView{
			SubjectID:       t.LegacySubjectID,
			Title:           generalSectionTitle,
			DurationMinutes: t.DurationMinutes,
			Questions:       qs,
		})
	} else {
		for _, s := range t.Sections {
			if !set.Allows(s.SubjectID) {
				continue
			}
			subjectID := s.SubjectID
			v.Sections = append(v.Sections, SectionView{
				ID:              s.ID,
				SubjectID:       &subjectID,
				Title:           s.Title,
				DurationMinutes: s.DurationMinutes,
				Position:        s.Position,
				Questions:       assessable(s.Questions),
			})
		}
		if len(v.Sections) == 0 {
			return nil, ErrAccessDenied
		}
	}

	for _, s := range v.Sections {
		v.TotalDurationMinutes += s.DurationMinutes
		for _, q := range s.Questions {
			v.TotalMarks += q.Marks()
		}
	}
	v.EndsAt = v.StartsAt.Add(time.Duration(v.TotalDurationMinutes) * time.Minute)
	return v, nil
}

func assessable(qs []Question) []Question {
	out := make([]Question, 0, len(qs))
	for _, q := range qs {
		if q.Assessable() {
			out = append(out, q)
		}
	}
	return out
}

// Questions flattens the view in display order.
func (v *View) Questions() []Question {
	out := make([]Question, 0)
	for _, s := range v.Sections {
		out = append(out, s.Questions...)
	}
	return out
}

// AttemptQuestion is a question as delivered to a learner: no answer key.
type AttemptQuestion struct {
	ID              int64    `json:"id"`
	Kind            Kind     `json:"kind"`
	Position        int      `json:"position"`
	Prompt          string   `json:"prompt"`
	Options         []string `json:"options,omitempty"`
	AllowAttachment bool     `json:"allow_attachment,omitempty"`
	ReferenceImages []string `json:"reference_images,omitempty"`
	MaxMarks        int      `json:"max_marks"`
	MaxAnswerImages int      `json:"max_answer_images,omitempty"`
}

type AttemptSection struct {
	ID              int64             `json:"id"`
	SubjectID       *int64            `json:"subject_id,omitempty"`
	Title           string            `json:"title"`
	DurationMinutes int               `json:"duration_minutes"`
	Questions       []AttemptQuestion `json:"questions"`
}

type AttemptView struct {
	TestID               int64            `json:"test_id"`
	Title                string           `json:"title"`
	Mode                 Mode             `json:"mode"`
	StartsAt             time.Time        `json:"starts_at"`
	EndsAt               time.Time        `json:"ends_at"`
	TotalDurationMinutes int              `json:"total_duration_minutes"`
	TotalMarks           int              `json:"total_marks"`
	Sections             []AttemptSection `json:"sections"`
}

// ForAttempt strips correct options so the view can be sent to a learner.
func (v *View) ForAttempt() *AttemptView {
	out := &AttemptView{
		TestID:               v.TestID,
		Title:                v.Title,
		Mode:                 v.Mode,
		StartsAt:             v.StartsAt,
		EndsAt:               v.EndsAt,
		TotalDurationMinutes: v.TotalDurationMinutes,
		TotalMarks:           v.TotalMarks,
		Sections:             make([]AttemptSection, 0, len(v.Sections)),
	}
	for _, s := range v.Sections {
		as := AttemptSection{
			ID:              s.ID,
			SubjectID:       s.SubjectID,
			Title:           s.Title,
			DurationMinutes: s.DurationMinutes,
			Questions:       make([]AttemptQuestion, 0, len(s.Questions)),
		}
		for _, q := range s.Questions {
			aq := AttemptQuestion{ID: q.ID, Kind: q.Kind, Position: q.Position, Prompt: q.Prompt, MaxMarks: q.Marks()}
			switch q.Kind {
			case KindChoice:
				aq.Options = q.Choice.Options
				aq.AllowAttachment = q.Choice.AllowAttachment
			case KindImage:
				aq.ReferenceImages = q.Image.ReferenceImages
				aq.MaxAnswerImages = q.Image.MaxAnswerImages
			}
			as.Questions = append(as.Questions, aq)
		}
		out.Sections = append(out.Sections, as)
	}
	return out
}

// Summarize builds the list row for a filtered view.
func (v *View) Summarize() Summary {
	count := 0
	for _, s := range v.Sections {
		count += len(s.Questions)
	}
	return Summary{
		ID:                   v.TestID,
		CourseID:             v.CourseID,
		Title:                v.Title,
		Mode:                 v.Mode,
		StartsAt:             v.StartsAt,
		EndsAt:               v.EndsAt,
		TotalDurationMinutes: v.TotalDurationMinutes,
		TotalMarks:           v.TotalMarks,
		SectionCount:         len(v.Sections),
		QuestionCount:        count,
	}
}
