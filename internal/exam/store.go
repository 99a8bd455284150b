package exam

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"coursetest/internal/db"
)

const submissionColumns = `id, test_id, learner_id, submitted_at, auto_marks, awarded_marks, graded_at, graded_by`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSubmission(row rowScanner) (*Submission, error) {
	var (
		s            Submission
		autoMarks    sql.NullInt64
		awardedMarks sql.NullInt64
		gradedAt     sql.NullTime
		gradedBy     sql.NullInt64
	)
	if err := row.Scan(&s.ID, &s.TestID, &s.LearnerID, &s.SubmittedAt, &autoMarks, &awardedMarks, &gradedAt, &gradedBy); err != nil {
		return nil, err
	}
	if autoMarks.Valid {
		v := int(autoMarks.Int64)
		s.AutoMarks = &v
	}
	if awardedMarks.Valid {
		v := int(awardedMarks.Int64)
		s.AwardedMarks = &v
	}
	if gradedAt.Valid {
		v := gradedAt.Time
		s.GradedAt = &v
	}
	if gradedBy.Valid {
		v := gradedBy.Int64
		s.GradedBy = &v
	}
	s.Status = statusOf(s.GradedAt)
	return &s, nil
}

func loadSubmission(ctx context.Context, q db.Queryer, submissionID int64, lock string) (*Submission, error) {
	s, err := scanSubmission(q.QueryRowContext(ctx, `
		SELECT `+submissionColumns+`
		FROM submissions
		WHERE id = $1`+lock, submissionID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSubmissionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load submission: %w", err)
	}
	return s, nil
}

// findSubmission returns nil without error when the learner has not attempted the test.
func findSubmission(ctx context.Context, q db.Queryer, testID, learnerID int64) (*Submission, error) {
	s, err := scanSubmission(q.QueryRowContext(ctx, `
		SELECT `+submissionColumns+`
		FROM submissions
		WHERE test_id = $1 AND learner_id = $2
	`, testID, learnerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find submission: %w", err)
	}
	return s, nil
}

func listSubmissions(ctx context.Context, q db.Queryer, testID int64) ([]Submission, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+submissionColumns+`
		FROM submissions
		WHERE test_id = $1
		ORDER BY submitted_at ASC, id ASC
	`, testID)
	if err != nil {
		return nil, fmt.Errorf("query submissions: %w", err)
	}
	defer rows.Close()

	out := make([]Submission, 0)
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, fmt.Errorf("scan submission: %w", err)
		}
		out = append(out, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate submissions: %w", err)
	}
	return out, nil
}

// answerFilter selects the answers of one submission ("submission_id = $1")
// or of every submission of a test.
type answerFilter struct {
	where string
	arg   int64
}

func bySubmission(id int64) answerFilter {
	return answerFilter{where: `submission_id = $1`, arg: id}
}

func byTest(testID int64) answerFilter {
	return answerFilter{where: `submission_id IN (SELECT id FROM submissions WHERE test_id = $1)`, arg: testID}
}

func loadChoiceResponses(ctx context.Context, q db.Queryer, f answerFilter) ([]ChoiceResponse, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT submission_id, question_id, selected_option
		FROM choice_responses
		WHERE `+f.where+`
		ORDER BY submission_id, question_id
	`, f.arg)
	if err != nil {
		return nil, fmt.Errorf("query choice responses: %w", err)
	}
	defer rows.Close()

	out := make([]ChoiceResponse, 0)
	for rows.Next() {
		var c ChoiceResponse
		if err := rows.Scan(&c.SubmissionID, &c.QuestionID, &c.SelectedOption); err != nil {
			return nil, fmt.Errorf("scan choice response: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate choice responses: %w", err)
	}
	return out, nil
}

const imageAnswerColumns = `submission_id, question_id, images_json, notes, awarded_marks, graded_by, graded_at, review_comment`

func scanImageAnswer(row rowScanner) (*ImageAnswer, error) {
	var (
		a            ImageAnswer
		imagesJSON   string
		awardedMarks sql.NullInt64
		gradedBy     sql.NullInt64
		gradedAt     sql.NullTime
	)
	if err := row.Scan(&a.SubmissionID, &a.QuestionID, &imagesJSON, &a.Notes, &awardedMarks, &gradedBy, &gradedAt, &a.ReviewComment); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(imagesJSON), &a.Images); err != nil {
		return nil, fmt.Errorf("decode images of answer %d/%d: %w", a.SubmissionID, a.QuestionID, err)
	}
	if awardedMarks.Valid {
		v := int(awardedMarks.Int64)
		a.AwardedMarks = &v
	}
	if gradedBy.Valid {
		v := gradedBy.Int64
		a.GradedBy = &v
	}
	if gradedAt.Valid {
		v := gradedAt.Time
		a.GradedAt = &v
	}
	return &a, nil
}

func loadImageAnswers(ctx context.Context, q db.Queryer, f answerFilter) ([]ImageAnswer, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+imageAnswerColumns+`
		FROM image_answers
		WHERE `+f.where+`
		ORDER BY submission_id, question_id
	`, f.arg)
	if err != nil {
		return nil, fmt.Errorf("query image answers: %w", err)
	}
	defer rows.Close()

	out := make([]ImageAnswer, 0)
	for rows.Next() {
		a, err := scanImageAnswer(rows)
		if err != nil {
			return nil, fmt.Errorf("scan image answer: %w", err)
		}
		out = append(out, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate image answers: %w", err)
	}
	return out, nil
}

func loadAnswers(ctx context.Context, q db.Queryer, f answerFilter) ([]ChoiceResponse, []ImageAnswer, error) {
	choices, err := loadChoiceResponses(ctx, q, f)
	if err != nil {
		return nil, nil, err
	}
	images, err := loadImageAnswers(ctx, q, f)
	if err != nil {
		return nil, nil, err
	}
	return choices, images, nil
}

func insertAnswers(ctx context.Context, tx *sql.Tx, submissionID int64, choices []ChoiceResponse, images []ImageAnswer) error {
	for _, c := range choices {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO choice_responses (submission_id, question_id, selected_option)
			VALUES ($1, $2, $3)
		`, submissionID, c.QuestionID, c.SelectedOption); err != nil {
			return fmt.Errorf("insert choice response: %w", err)
		}
	}
	for _, a := range images {
		raw, err := json.Marshal(a.Images)
		if err != nil {
			return fmt.Errorf("encode images: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO image_answers (submission_id, question_id, images_json, notes)
			VALUES ($1, $2, $3, $4)
		`, submissionID, a.QuestionID, string(raw), a.Notes); err != nil {
			return fmt.Errorf("insert image answer: %w", err)
		}
	}
	return nil
}
