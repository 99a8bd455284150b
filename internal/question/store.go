package question

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"coursetest/internal/db"
)

// LoadTest reads a test with its full section and question tree. q may be a
// transaction; lock is appended to the test row SELECT (e.g. " FOR UPDATE").
func LoadTest(ctx context.Context, q db.Queryer, testID int64, lock string) (*Test, error) {
	var (
		t             Test
		legacySubject sql.NullInt64
		totalMarks    sql.NullInt64
	)
	err := q.QueryRowContext(ctx, `
		SELECT id, course_id, title, mode, starts_at, duration_minutes,
		       legacy_subject_id, total_marks, created_by, created_at, updated_at
		FROM tests
		WHERE id = $1`+lock, testID).Scan(
		&t.ID, &t.CourseID, &t.Title, &t.Mode, &t.StartsAt, &t.DurationMinutes,
		&legacySubject, &totalMarks, &t.CreatedBy, &t.CreatedAt, &t.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTestNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load test: %w", err)
	}
	if legacySubject.Valid {
		v := legacySubject.Int64
		t.LegacySubjectID = &v
	}
	if totalMarks.Valid {
		v := int(totalMarks.Int64)
		t.DeclaredTotalMarks = &v
	}

	sections, err := loadSections(ctx, q, testID)
	if err != nil {
		return nil, err
	}
	questions, err := loadQuestions(ctx, q, testID)
	if err != nil {
		return nil, err
	}

	index := make(map[int64]int, len(sections))
	for i := range sections {
		index[sections[i].ID] = i
	}
	for _, qu := range questions {
		if qu.SectionID == nil {
			t.Questions = append(t.Questions, qu)
			continue
		}
		if i, ok := index[*qu.SectionID]; ok {
			sections[i].Questions = append(sections[i].Questions, qu)
		}
	}
	t.Sections = sections
	return &t, nil
}

func loadSections(ctx context.Context, q db.Queryer, testID int64) ([]Section, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, test_id, subject_id, title, duration_minutes, position
		FROM test_sections
		WHERE test_id = $1
		ORDER BY position ASC, id ASC
	`, testID)
	if err != nil {
		return nil, fmt.Errorf("query sections: %w", err)
	}
	defer rows.Close()

	out := make([]Section, 0)
	for rows.Next() {
		var s Section
		if err := rows.Scan(&s.ID, &s.TestID, &s.SubjectID, &s.Title, &s.DurationMinutes, &s.Position); err != nil {
			return nil, fmt.Errorf("scan section: %w", err)
		}
		s.Questions = make([]Question, 0)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sections: %w", err)
	}
	return out, nil
}

func loadQuestions(ctx context.Context, q db.Queryer, testID int64) ([]Question, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, test_id, section_id, kind, position, prompt,
		       options_json, correct_option, is_subjective, allow_attachment,
		       reference_images_json, max_marks, max_answer_images
		FROM test_questions
		WHERE test_id = $1
		ORDER BY position ASC, id ASC
	`, testID)
	if err != nil {
		return nil, fmt.Errorf("query questions: %w", err)
	}
	defer rows.Close()

	out := make([]Question, 0)
	for rows.Next() {
		var (
			qu              Question
			sectionID       sql.NullInt64
			optionsJSON     string
			correct         int
			subjective      bool
			allowAttachment bool
			refsJSON        string
			maxMarks        int
			maxImages       int
		)
		if err := rows.Scan(
			&qu.ID, &qu.TestID, &sectionID, &qu.Kind, &qu.Position, &qu.Prompt,
			&optionsJSON, &correct, &subjective, &allowAttachment,
			&refsJSON, &maxMarks, &maxImages,
		); err != nil {
			return nil, fmt.Errorf("scan question: %w", err)
		}
		if sectionID.Valid {
			v := sectionID.Int64
			qu.SectionID = &v
		}
		switch qu.Kind {
		case KindChoice:
			d := &ChoiceDetail{CorrectOption: correct, Subjective: subjective, AllowAttachment: allowAttachment}
			if err := json.Unmarshal([]byte(optionsJSON), &d.Options); err != nil {
				return nil, fmt.Errorf("decode options of question %d: %w", qu.ID, err)
			}
			qu.Choice = d
		case KindImage:
			d := &ImageDetail{MaxMarks: maxMarks, MaxAnswerImages: maxImages}
			if err := json.Unmarshal([]byte(refsJSON), &d.ReferenceImages); err != nil {
				return nil, fmt.Errorf("decode reference images of question %d: %w", qu.ID, err)
			}
			qu.Image = d
		default:
			return nil, fmt.Errorf("question %d has unknown kind %q", qu.ID, qu.Kind)
		}
		out = append(out, qu)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate questions: %w", err)
	}
	return out, nil
}

// insertTree writes the sections and questions of t, assigning their ids.
func insertTree(ctx context.Context, tx *sql.Tx, t *Test) error {
	for i := range t.Sections {
		s := &t.Sections[i]
		s.TestID = t.ID
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO test_sections (test_id, subject_id, title, duration_minutes, position)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id
		`, t.ID, s.SubjectID, s.Title, s.DurationMinutes, s.Position).Scan(&s.ID); err != nil {
			return fmt.Errorf("insert section: %w", err)
		}
		for j := range s.Questions {
			sectionID := s.ID
			s.Questions[j].SectionID = &sectionID
			if err := insertQuestion(ctx, tx, t.ID, &s.Questions[j]); err != nil {
				return err
			}
		}
	}
	for j := range t.Questions {
		t.Questions[j].SectionID = nil
		if err := insertQuestion(ctx, tx, t.ID, &t.Questions[j]); err != nil {
			return err
		}
	}
	return nil
}

func insertQuestion(ctx context.Context, tx *sql.Tx, testID int64, q *Question) error {
	q.TestID = testID
	var (
		optionsJSON     = []byte("[]")
		refsJSON        = []byte("[]")
		correct         int
		subjective      bool
		allowAttachment bool
		maxMarks        int
		maxImages       int
		err             error
	)
	switch q.Kind {
	case KindChoice:
		if optionsJSON, err = json.Marshal(q.Choice.Options); err != nil {
			return fmt.Errorf("encode options: %w", err)
		}
		correct = q.Choice.CorrectOption
		subjective = q.Choice.Subjective
		allowAttachment = q.Choice.AllowAttachment
	case KindImage:
		if refsJSON, err = json.Marshal(q.Image.ReferenceImages); err != nil {
			return fmt.Errorf("encode reference images: %w", err)
		}
		maxMarks = q.Image.MaxMarks
		maxImages = q.Image.MaxAnswerImages
	}

	if err := tx.QueryRowContext(ctx, `
		INSERT INTO test_questions (
			test_id, section_id, kind, position, prompt,
			options_json, correct_option, is_subjective, allow_attachment,
			reference_images_json, max_marks, max_answer_images
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`, testID, q.SectionID, string(q.Kind), q.Position, q.Prompt,
		string(optionsJSON), correct, subjective, allowAttachment,
		string(refsJSON), maxMarks, maxImages,
	).Scan(&q.ID); err != nil {
		return fmt.Errorf("insert question: %w", err)
	}
	return nil
}
