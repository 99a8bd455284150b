package exam

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"coursetest/internal/question"
	"coursetest/internal/reward"
)

type MarkInput struct {
	SubmissionID int64
	QuestionID   int64
	AwardedMarks int
	Comment      string
	GraderID     int64
}

// MarkAnswer writes a grader's mark onto one image answer. Marks outside
// [0, maxMarks] and writes to finalized submissions leave the row unchanged.
func (s *Service) MarkAnswer(ctx context.Context, in MarkInput) (*ImageAnswer, error) {
	if in.SubmissionID <= 0 || in.QuestionID <= 0 || in.GraderID <= 0 {
		return nil, ErrInvalidInput
	}
	if in.AwardedMarks < 0 {
		return nil, ErrMarksOutOfRange
	}
	in.Comment = strings.TrimSpace(in.Comment)

	var out *ImageAnswer
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		sub, err := loadSubmission(ctx, tx, in.SubmissionID, s.db.ForUpdate())
		if err != nil {
			return err
		}
		if sub.IsFinalized() {
			return ErrAlreadyFinalized
		}

		var maxMarks int
		err = tx.QueryRowContext(ctx, `
			SELECT q.max_marks
			FROM image_answers ia
			JOIN test_questions q ON q.id = ia.question_id
			WHERE ia.submission_id = $1 AND ia.question_id = $2
		`, in.SubmissionID, in.QuestionID).Scan(&maxMarks)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrAnswerNotFound
		}
		if err != nil {
			return fmt.Errorf("load image answer: %w", err)
		}
		if in.AwardedMarks > maxMarks {
			return fmt.Errorf("%w: %d exceeds max %d", ErrMarksOutOfRange, in.AwardedMarks, maxMarks)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE image_answers
			SET awarded_marks = $3,
			    graded_by = $4,
			    graded_at = $5,
			    review_comment = $6
			WHERE submission_id = $1
			  AND question_id = $2
			  AND EXISTS (SELECT 1 FROM submissions WHERE id = $1 AND graded_at IS NULL)
		`, in.SubmissionID, in.QuestionID, in.AwardedMarks, in.GraderID, s.now().UTC(), in.Comment)
		if err != nil {
			return fmt.Errorf("update image answer: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("update image answer rows: %w", err)
		} else if n == 0 {
			return ErrAlreadyFinalized
		}

		out, err = scanImageAnswer(tx.QueryRowContext(ctx, `
			SELECT `+imageAnswerColumns+`
			FROM image_answers
			WHERE submission_id = $1 AND question_id = $2
		`, in.SubmissionID, in.QuestionID))
		if err != nil {
			return fmt.Errorf("reload image answer: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("image answer marked",
		"submission_id", in.SubmissionID,
		"question_id", in.QuestionID,
		"awarded_marks", in.AwardedMarks,
		"grader_id", in.GraderID,
	)
	return out, nil
}

type FinalizeResult struct {
	Submission    Submission     `json:"submission"`
	Score         Score          `json:"score"`
	Display       string         `json:"display"`
	RewardUnits   int            `json:"reward_units"`
	RewardOutcome reward.Outcome `json:"reward_outcome"`
}

// Finalize locks the submission's marks. It scores over the full test, not a
// learner's filtered view, and only the call that flips graded_at from NULL
// notifies the ledger.
func (s *Service) Finalize(ctx context.Context, submissionID, graderID int64) (*FinalizeResult, error) {
	if submissionID <= 0 || graderID <= 0 {
		return nil, ErrInvalidInput
	}

	var (
		sub   *Submission
		score Score
	)
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		sub, err = loadSubmission(ctx, tx, submissionID, s.db.ForUpdate())
		if err != nil {
			return err
		}
		if sub.IsFinalized() {
			return ErrAlreadyFinalized
		}

		t, err := question.LoadTest(ctx, tx, sub.TestID, "")
		if err != nil {
			return err
		}
		choices, images, err := loadAnswers(ctx, tx, bySubmission(sub.ID))
		if err != nil {
			return err
		}
		if ids := unmarked(images); len(ids) > 0 {
			return &IncompleteGradingError{QuestionIDs: ids}
		}

		score = ComputeScore(t.AssessableQuestions(), choices, images)
		gradedAt := s.now().UTC()
		res, err := tx.ExecContext(ctx, `
			UPDATE submissions
			SET awarded_marks = $2,
			    graded_at = $3,
			    graded_by = $4
			WHERE id = $1 AND graded_at IS NULL
		`, sub.ID, score.Awarded, gradedAt, graderID)
		if err != nil {
			return fmt.Errorf("finalize submission: %w", err)
		}
		if n, err := res.RowsAffected(); err != nil {
			return fmt.Errorf("finalize submission rows: %w", err)
		} else if n == 0 {
			return ErrAlreadyFinalized
		}

		awarded := score.Awarded
		sub.AwardedMarks = &awarded
		sub.GradedAt = &gradedAt
		sub.GradedBy = &graderID
		sub.Status = StatusGraded
		return nil
	})
	if err != nil {
		return nil, err
	}

	units := reward.TierForPercentage(score.Percentage)
	s.logger.Info("submission finalized",
		"submission_id", sub.ID,
		"test_id", sub.TestID,
		"learner_id", sub.LearnerID,
		"score", score.String(),
		"percentage", score.Percentage,
		"grader_id", graderID,
	)
	outcome := s.notifier.Notify(ctx, reward.Event{
		Key:       reward.IdempotencyKey(sub.TestID, sub.LearnerID, reward.EventFinalize),
		Kind:      reward.EventFinalize,
		SubjectID: sub.LearnerID,
		Amount:    units,
		Reason:    "course test graded",
		Metadata: map[string]interface{}{
			"test_id":       sub.TestID,
			"submission_id": sub.ID,
			"percentage":    score.Percentage,
		},
	})

	return &FinalizeResult{
		Submission:    *sub,
		Score:         score,
		Display:       score.String(),
		RewardUnits:   units,
		RewardOutcome: outcome,
	}, nil
}
