package question

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"coursetest/internal/cache"
	"coursetest/internal/db"
	"coursetest/internal/entitlement"
)

// Service owns test authoring and the cached, entitlement-filtered course
// listing. Every mutation invalidates the course listing.
type Service struct {
	db     *db.DB
	cache  *cache.ReadThrough
	logger *slog.Logger
	now    func() time.Time
}

func NewService(conn *db.DB, rt *cache.ReadThrough, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{db: conn, cache: rt, logger: logger, now: time.Now}
}

func (s *Service) CreateTest(ctx context.Context, in TestInput) (*Test, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}
	t := in.toTest(s.now().UTC())

	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO tests (
				course_id, title, mode, starts_at, duration_minutes,
				legacy_subject_id, total_marks, created_by, created_at, updated_at
			)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			RETURNING id
		`, t.CourseID, t.Title, string(t.Mode), t.StartsAt, t.DurationMinutes,
			t.LegacySubjectID, t.DeclaredTotalMarks, t.CreatedBy, t.CreatedAt, t.UpdatedAt,
		).Scan(&t.ID); err != nil {
			return fmt.Errorf("insert test: %w", err)
		}
		return insertTree(ctx, tx, t)
	})
	if err != nil {
		return nil, err
	}

	s.cache.Invalidate(ctx, cache.CourseTestsResource(t.CourseID))
	s.logger.Info("test created", "test_id", t.ID, "course_id", t.CourseID, "actor_id", in.ActorID)
	return t, nil
}

// UpdateTest replaces the test's fields and its whole section/question tree
// in one transaction. Tests that already have submissions are frozen.
func (s *Service) UpdateTest(ctx context.Context, testID int64, in TestInput) (*Test, error) {
	if testID <= 0 {
		return nil, ErrInvalidInput
	}

	var out *Test
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		existing, err := LoadTest(ctx, tx, testID, s.db.ForUpdate())
		if err != nil {
			return err
		}
		in.CourseID = existing.CourseID
		if err := in.Validate(); err != nil {
			return err
		}

		var submissions int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM submissions WHERE test_id = $1`, testID).Scan(&submissions); err != nil {
			return fmt.Errorf("count submissions: %w", err)
		}
		if submissions > 0 {
			return ErrTestHasSubmissions
		}

		t := in.toTest(s.now().UTC())
		t.ID = existing.ID
		t.CreatedBy = existing.CreatedBy
		t.CreatedAt = existing.CreatedAt

		if _, err := tx.ExecContext(ctx, `
			UPDATE tests
			SET title = $2,
			    mode = $3,
			    starts_at = $4,
			    duration_minutes = $5,
			    legacy_subject_id = $6,
			    total_marks = $7,
			    updated_at = $8
			WHERE id = $1
		`, t.ID, t.Title, string(t.Mode), t.StartsAt, t.DurationMinutes,
			t.LegacySubjectID, t.DeclaredTotalMarks, t.UpdatedAt); err != nil {
			return fmt.Errorf("update test: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM test_questions WHERE test_id = $1`, testID); err != nil {
			return fmt.Errorf("delete questions: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM test_sections WHERE test_id = $1`, testID); err != nil {
			return fmt.Errorf("delete sections: %w", err)
		}
		if err := insertTree(ctx, tx, t); err != nil {
			return err
		}
		out = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.cache.Invalidate(ctx, cache.CourseTestsResource(out.CourseID))
	s.logger.Info("test updated", "test_id", out.ID, "course_id", out.CourseID, "actor_id", in.ActorID)
	return out, nil
}

// DeleteTest removes the test with its sections, questions, submissions and
// answers.
func (s *Service) DeleteTest(ctx context.Context, testID int64) error {
	if testID <= 0 {
		return ErrInvalidInput
	}

	var courseID int64
	err := s.db.WithTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `SELECT course_id FROM tests WHERE id = $1`+s.db.ForUpdate(), testID).Scan(&courseID)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrTestNotFound
		}
		if err != nil {
			return fmt.Errorf("load test: %w", err)
		}

		stmts := []struct {
			what  string
			query string
		}{
			{"image answers", `DELETE FROM image_answers WHERE submission_id IN (SELECT id FROM submissions WHERE test_id = $1)`},
			{"choice responses", `DELETE FROM choice_responses WHERE submission_id IN (SELECT id FROM submissions WHERE test_id = $1)`},
			{"submissions", `DELETE FROM submissions WHERE test_id = $1`},
			{"questions", `DELETE FROM test_questions WHERE test_id = $1`},
			{"sections", `DELETE FROM test_sections WHERE test_id = $1`},
			{"test", `DELETE FROM tests WHERE id = $1`},
		}
		for _, st := range stmts {
			if _, err := tx.ExecContext(ctx, st.query, testID); err != nil {
				return fmt.Errorf("delete %s: %w", st.what, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.cache.Invalidate(ctx, cache.CourseTestsResource(courseID))
	s.logger.Info("test deleted", "test_id", testID, "course_id", courseID)
	return nil
}

func (s *Service) GetTest(ctx context.Context, testID int64) (*Test, error) {
	if testID <= 0 {
		return nil, ErrInvalidInput
	}
	return LoadTest(ctx, s.db, testID, "")
}

// ListCourseTests returns every test of the course with its full tree.
func (s *Service) ListCourseTests(ctx context.Context, courseID int64) ([]Test, error) {
	if courseID <= 0 {
		return nil, ErrInvalidInput
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id
		FROM tests
		WHERE course_id = $1
		ORDER BY starts_at ASC, id ASC
	`, courseID)
	if err != nil {
		return nil, fmt.Errorf("query tests: %w", err)
	}
	ids := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan test id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate tests: %w", err)
	}
	_ = rows.Close()

	out := make([]Test, 0, len(ids))
	for _, id := range ids {
		t, err := LoadTest(ctx, s.db, id, "")
		if errors.Is(err, ErrTestNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, nil
}

// ListForViewer is the cached course listing as seen through set. Tests with
// nothing visible to the caller are left out.
func (s *Service) ListForViewer(ctx context.Context, courseID int64, set entitlement.Set) ([]Summary, error) {
	return cache.Fetch(ctx, s.cache, cache.CourseTestsResource(courseID), set.Signature(), func(ctx context.Context) ([]Summary, error) {
		tests, err := s.ListCourseTests(ctx, courseID)
		if err != nil {
			return nil, err
		}
		out := make([]Summary, 0, len(tests))
		for i := range tests {
			v, err := FilterForViewer(&tests[i], set)
			if errors.Is(err, ErrAccessDenied) {
				continue
			}
			if err != nil {
				return nil, err
			}
			out = append(out, v.Summarize())
		}
		return out, nil
	})
}
