package exam

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"coursetest/internal/question"
)

var (
	ErrInvalidInput        = errors.New("invalid input")
	ErrTestNotFound        = question.ErrTestNotFound
	ErrAccessDenied        = question.ErrAccessDenied
	ErrTestNotOpen         = errors.New("test has not started")
	ErrDuplicateSubmission = errors.New("submission already exists")
	ErrSubmissionNotFound  = errors.New("submission not found")
	ErrAnswerNotFound      = errors.New("image answer not found")
	ErrMarksOutOfRange     = errors.New("awarded marks out of range")
	ErrAlreadyFinalized    = errors.New("submission already finalized")
	ErrIncompleteGrading   = errors.New("submission has unmarked image answers")
)

// IncompleteGradingError lists the image answers still waiting for marks.
type IncompleteGradingError struct {
	QuestionIDs []int64
}

func (e *IncompleteGradingError) Error() string {
	ids := make([]string, len(e.QuestionIDs))
	for i, id := range e.QuestionIDs {
		ids[i] = fmt.Sprint(id)
	}
	return fmt.Sprintf("%s: questions %s", ErrIncompleteGrading, strings.Join(ids, ","))
}

func (e *IncompleteGradingError) Is(target error) bool { return target == ErrIncompleteGrading }

type Status string

const (
	StatusNotAttempted Status = "NOT_ATTEMPTED"
	StatusSubmitted    Status = "SUBMITTED"
	StatusGraded       Status = "GRADED"
)

// Submission is one learner's single attempt at a test. It is graded once
// GradedAt is set; there is no separate status column.
type Submission struct {
	ID           int64      `json:"id"`
	TestID       int64      `json:"test_id"`
	LearnerID    int64      `json:"learner_id"`
	Status       Status     `json:"status"`
	SubmittedAt  time.Time  `json:"submitted_at"`
	AutoMarks    *int       `json:"auto_marks,omitempty"`
	AwardedMarks *int       `json:"awarded_marks,omitempty"`
	GradedAt     *time.Time `json:"graded_at,omitempty"`
	GradedBy     *int64     `json:"graded_by,omitempty"`
}

func (s *Submission) IsFinalized() bool { return s.GradedAt != nil }

func statusOf(gradedAt *time.Time) Status {
	if gradedAt != nil {
		return StatusGraded
	}
	return StatusSubmitted
}

type ChoiceResponse struct {
	SubmissionID   int64 `json:"submission_id"`
	QuestionID     int64 `json:"question_id"`
	SelectedOption int   `json:"selected_option"`
}

type ImageAnswer struct {
	SubmissionID  int64      `json:"submission_id"`
	QuestionID    int64      `json:"question_id"`
	Images        []string   `json:"images"`
	Notes         string     `json:"notes"`
	AwardedMarks  *int       `json:"awarded_marks,omitempty"`
	GradedBy      *int64     `json:"graded_by,omitempty"`
	GradedAt      *time.Time `json:"graded_at,omitempty"`
	ReviewComment string     `json:"review_comment,omitempty"`
}

// TestListing is a course listing row with the caller's own status.
type TestListing struct {
	question.Summary
	Status Status `json:"status,omitempty"`
}

type ChoiceAnswerInput struct {
	QuestionID     int64 `json:"question_id" validate:"gt=0"`
	SelectedOption int   `json:"selected_option" validate:"gte=0"`
}

type ImageAnswerInput struct {
	QuestionID int64    `json:"question_id" validate:"gt=0"`
	Images     []string `json:"images"`
	Notes      string   `json:"notes" validate:"max=2000"`
}
