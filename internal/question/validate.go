package question

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// TestInput is the authoring payload for create and edit. Edits replace the
// whole section and question tree.
type TestInput struct {
	CourseID        int64           `json:"-" validate:"gt=0"`
	Title           string          `json:"title" validate:"required,max=200"`
	Mode            Mode            `json:"mode" validate:"required,oneof=CHOICE IMAGE COMBINED"`
	StartsAt        time.Time       `json:"starts_at" validate:"required"`
	DurationMinutes int             `json:"duration_minutes" validate:"gte=0,lte=1440"`
	LegacySubjectID *int64          `json:"legacy_subject_id" validate:"omitempty,gt=0"`
	TotalMarks      *int            `json:"total_marks" validate:"omitempty,gte=0"`
	Sections        []SectionInput  `json:"sections" validate:"omitempty,dive"`
	Questions       []QuestionInput `json:"questions" validate:"omitempty,dive"`
	ActorID         int64           `json:"-" validate:"gt=0"`
}

type SectionInput struct {
	SubjectID       int64           `json:"subject_id" validate:"gt=0"`
	Title           string          `json:"title" validate:"max=200"`
	DurationMinutes int             `json:"duration_minutes" validate:"gt=0,lte=1440"`
	Questions       []QuestionInput `json:"questions" validate:"required,min=1,dive"`
}

type QuestionInput struct {
	Kind            Kind     `json:"kind" validate:"required,oneof=choice image"`
	Prompt          string   `json:"prompt" validate:"required"`
	Options         []string `json:"options" validate:"omitempty,dive,required"`
	CorrectOption   int      `json:"correct_option" validate:"gte=0"`
	Subjective      bool     `json:"subjective"`
	AllowAttachment bool     `json:"allow_attachment"`
	ReferenceImages []string `json:"reference_images" validate:"omitempty,dive,required"`
	MaxMarks        int      `json:"max_marks" validate:"gte=0"`
	MaxAnswerImages int      `json:"max_answer_images" validate:"gte=0,lte=20"`
}

// ValidationError carries per-field failures back to the caller. It matches
// ErrInvalidInput.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Fields))
	for f, msg := range e.Fields {
		parts = append(parts, f+": "+msg)
	}
	return "invalid input: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrInvalidInput }

func (e *ValidationError) add(field, msg string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}
	e.Fields[field] = msg
}

// Validate runs the struct tags and then the rules tags cannot express:
// option counts, answer key range, mode/kind compatibility, and the
// legacy-or-sectioned shape.
func (in *TestInput) Validate() error {
	in.Title = strings.TrimSpace(in.Title)
	in.Mode = Mode(strings.ToUpper(strings.TrimSpace(string(in.Mode))))

	verr := &ValidationError{}
	if err := validate.Struct(in); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return fmt.Errorf("%w: %v", ErrInvalidInput, err)
		}
		for _, fe := range fieldErrs {
			verr.add(fe.Namespace(), fe.Tag())
		}
		return verr
	}

	switch {
	case len(in.Sections) > 0 && len(in.Questions) > 0:
		verr.add("questions", "must be empty when sections are given")
	case len(in.Sections) == 0 && len(in.Questions) == 0:
		verr.add("questions", "required when there are no sections")
	case len(in.Sections) == 0 && in.DurationMinutes <= 0:
		verr.add("duration_minutes", "required when there are no sections")
	}

	seenSubjects := make(map[int64]struct{}, len(in.Sections))
	for i, s := range in.Sections {
		if _, dup := seenSubjects[s.SubjectID]; dup {
			verr.add(fmt.Sprintf("sections[%d].subject_id", i), "duplicate subject")
		}
		seenSubjects[s.SubjectID] = struct{}{}
		for j := range s.Questions {
			in.Sections[i].Questions[j].check(in.Mode, fmt.Sprintf("sections[%d].questions[%d]", i, j), verr)
		}
	}
	for j := range in.Questions {
		in.Questions[j].check(in.Mode, fmt.Sprintf("questions[%d]", j), verr)
	}

	if len(verr.Fields) > 0 {
		return verr
	}
	return nil
}

func (q *QuestionInput) check(mode Mode, path string, verr *ValidationError) {
	q.Prompt = strings.TrimSpace(q.Prompt)
	if !mode.AcceptsKind(q.Kind) {
		verr.add(path+".kind", fmt.Sprintf("%s question not allowed in %s test", q.Kind, mode))
		return
	}
	switch q.Kind {
	case KindChoice:
		if len(q.Options) < 2 || len(q.Options) > 4 {
			verr.add(path+".options", "must have 2 to 4 options")
			return
		}
		if q.CorrectOption >= len(q.Options) {
			verr.add(path+".correct_option", "out of range")
		}
	case KindImage:
		if q.MaxAnswerImages == 0 {
			q.MaxAnswerImages = 1
		}
	}
}

// toTest converts validated input into a Test with no ids assigned.
func (in *TestInput) toTest(now time.Time) *Test {
	t := &Test{
		CourseID:           in.CourseID,
		Title:              in.Title,
		Mode:               in.Mode,
		StartsAt:           in.StartsAt.UTC(),
		DurationMinutes:    in.DurationMinutes,
		LegacySubjectID:    in.LegacySubjectID,
		DeclaredTotalMarks: in.TotalMarks,
		Sections:           make([]Section, 0, len(in.Sections)),
		CreatedBy:          in.ActorID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	for i, s := range in.Sections {
		sec := Section{
			SubjectID:       s.SubjectID,
			Title:           strings.TrimSpace(s.Title),
			DurationMinutes: s.DurationMinutes,
			Position:        i + 1,
			Questions:       make([]Question, 0, len(s.Questions)),
		}
		for j, q := range s.Questions {
			sec.Questions = append(sec.Questions, q.toQuestion(j+1))
		}
		t.Sections = append(t.Sections, sec)
	}
	for j, q := range in.Questions {
		t.Questions = append(t.Questions, q.toQuestion(j+1))
	}
	if len(t.Sections) > 0 {
		t.DurationMinutes = t.TotalDurationMinutes()
	}
	return t
}

func (q QuestionInput) toQuestion(position int) Question {
	out := Question{Kind: q.Kind, Position: position, Prompt: q.Prompt}
	switch q.Kind {
	case KindChoice:
		out.Choice = &ChoiceDetail{
			Options:         append([]string(nil), q.Options...),
			CorrectOption:   q.CorrectOption,
			Subjective:      q.Subjective,
			AllowAttachment: q.AllowAttachment,
		}
	case KindImage:
		refs := q.ReferenceImages
		if refs == nil {
			refs = []string{}
		}
		out.Image = &ImageDetail{
			ReferenceImages: append([]string{}, refs...),
			MaxMarks:        q.MaxMarks,
			MaxAnswerImages: q.MaxAnswerImages,
		}
	}
	return out
}
