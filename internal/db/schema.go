package db

import (
	"context"
	"fmt"
)

func (d *DB) ensureSchema(ctx context.Context) error {
	schema := schemaPostgres
	if d.Driver == DriverSQLite {
		if _, err := d.ExecContext(ctx, `PRAGMA foreign_keys = ON; PRAGMA busy_timeout = 5000;`); err != nil {
			return fmt.Errorf("sqlite pragmas: %w", err)
		}
		schema = schemaSQLite
	}
	if _, err := d.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS tests (
  id BIGSERIAL PRIMARY KEY,
  course_id BIGINT NOT NULL,
  title TEXT NOT NULL,
  mode TEXT NOT NULL CHECK (mode IN ('CHOICE', 'IMAGE', 'COMBINED')),
  starts_at TIMESTAMPTZ NOT NULL,
  duration_minutes INTEGER NOT NULL DEFAULT 0,
  legacy_subject_id BIGINT,
  total_marks INTEGER,
  created_by BIGINT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tests_course ON tests (course_id);

CREATE TABLE IF NOT EXISTS test_sections (
  id BIGSERIAL PRIMARY KEY,
  test_id BIGINT NOT NULL REFERENCES tests(id) ON DELETE CASCADE,
  subject_id BIGINT NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  duration_minutes INTEGER NOT NULL,
  position INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_test_sections_test ON test_sections (test_id);

CREATE TABLE IF NOT EXISTS test_questions (
  id BIGSERIAL PRIMARY KEY,
  test_id BIGINT NOT NULL REFERENCES tests(id) ON DELETE CASCADE,
  section_id BIGINT REFERENCES test_sections(id) ON DELETE CASCADE,
  kind TEXT NOT NULL CHECK (kind IN ('choice', 'image')),
  position INTEGER NOT NULL,
  prompt TEXT NOT NULL,
  options_json TEXT NOT NULL DEFAULT '[]',
  correct_option INTEGER NOT NULL DEFAULT 0,
  is_subjective BOOLEAN NOT NULL DEFAULT FALSE,
  allow_attachment BOOLEAN NOT NULL DEFAULT FALSE,
  reference_images_json TEXT NOT NULL DEFAULT '[]',
  max_marks INTEGER NOT NULL DEFAULT 0 CHECK (max_marks >= 0),
  max_answer_images INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_test_questions_test ON test_questions (test_id);

CREATE TABLE IF NOT EXISTS submissions (
  id BIGSERIAL PRIMARY KEY,
  test_id BIGINT NOT NULL REFERENCES tests(id) ON DELETE CASCADE,
  learner_id BIGINT NOT NULL,
  submitted_at TIMESTAMPTZ NOT NULL,
  auto_marks INTEGER,
  awarded_marks INTEGER,
  graded_at TIMESTAMPTZ,
  graded_by BIGINT,
  CONSTRAINT uq_submissions_test_learner UNIQUE (test_id, learner_id)
);

CREATE TABLE IF NOT EXISTS choice_responses (
  submission_id BIGINT NOT NULL REFERENCES submissions(id) ON DELETE CASCADE,
  question_id BIGINT NOT NULL REFERENCES test_questions(id) ON DELETE CASCADE,
  selected_option INTEGER NOT NULL,
  PRIMARY KEY (submission_id, question_id)
);

CREATE TABLE IF NOT EXISTS image_answers (
  submission_id BIGINT NOT NULL REFERENCES submissions(id) ON DELETE CASCADE,
  question_id BIGINT NOT NULL REFERENCES test_questions(id) ON DELETE CASCADE,
  images_json TEXT NOT NULL,
  notes TEXT NOT NULL DEFAULT '',
  awarded_marks INTEGER CHECK (awarded_marks IS NULL OR awarded_marks >= 0),
  graded_by BIGINT,
  graded_at TIMESTAMPTZ,
  review_comment TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (submission_id, question_id)
);

CREATE TABLE IF NOT EXISTS course_subscriptions (
  id BIGSERIAL PRIMARY KEY,
  learner_id BIGINT NOT NULL,
  course_id BIGINT NOT NULL,
  status TEXT NOT NULL,
  full_course BOOLEAN NOT NULL DEFAULT FALSE,
  bundle_id BIGINT,
  expires_at TIMESTAMPTZ,
  created_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_course_subscriptions_learner ON course_subscriptions (learner_id, course_id);

CREATE TABLE IF NOT EXISTS bundle_subjects (
  bundle_id BIGINT NOT NULL,
  subject_id BIGINT NOT NULL,
  PRIMARY KEY (bundle_id, subject_id)
);
`

const schemaSQLite = `
CREATE TABLE IF NOT EXISTS tests (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  course_id INTEGER NOT NULL,
  title TEXT NOT NULL,
  mode TEXT NOT NULL CHECK (mode IN ('CHOICE', 'IMAGE', 'COMBINED')),
  starts_at TIMESTAMP NOT NULL,
  duration_minutes INTEGER NOT NULL DEFAULT 0,
  legacy_subject_id INTEGER,
  total_marks INTEGER,
  created_by INTEGER NOT NULL,
  created_at TIMESTAMP NOT NULL,
  updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tests_course ON tests (course_id);

CREATE TABLE IF NOT EXISTS test_sections (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  test_id INTEGER NOT NULL REFERENCES tests(id) ON DELETE CASCADE,
  subject_id INTEGER NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  duration_minutes INTEGER NOT NULL,
  position INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_test_sections_test ON test_sections (test_id);

CREATE TABLE IF NOT EXISTS test_questions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  test_id INTEGER NOT NULL REFERENCES tests(id) ON DELETE CASCADE,
  section_id INTEGER REFERENCES test_sections(id) ON DELETE CASCADE,
  kind TEXT NOT NULL CHECK (kind IN ('choice', 'image')),
  position INTEGER NOT NULL,
  prompt TEXT NOT NULL,
  options_json TEXT NOT NULL DEFAULT '[]',
  correct_option INTEGER NOT NULL DEFAULT 0,
  is_subjective BOOLEAN NOT NULL DEFAULT 0,
  allow_attachment BOOLEAN NOT NULL DEFAULT 0,
  reference_images_json TEXT NOT NULL DEFAULT '[]',
  max_marks INTEGER NOT NULL DEFAULT 0 CHECK (max_marks >= 0),
  max_answer_images INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_test_questions_test ON test_questions (test_id);

CREATE TABLE IF NOT EXISTS submissions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  test_id INTEGER NOT NULL REFERENCES tests(id) ON DELETE CASCADE,
  learner_id INTEGER NOT NULL,
  submitted_at TIMESTAMP NOT NULL,
  auto_marks INTEGER,
  awarded_marks INTEGER,
  graded_at TIMESTAMP,
  graded_by INTEGER,
  UNIQUE (test_id, learner_id)
);

CREATE TABLE IF NOT EXISTS choice_responses (
  submission_id INTEGER NOT NULL REFERENCES submissions(id) ON DELETE CASCADE,
  question_id INTEGER NOT NULL REFERENCES test_questions(id) ON DELETE CASCADE,
  selected_option INTEGER NOT NULL,
  PRIMARY KEY (submission_id, question_id)
);

CREATE TABLE IF NOT EXISTS image_answers (
  submission_id INTEGER NOT NULL REFERENCES submissions(id) ON DELETE CASCADE,
  question_id INTEGER NOT NULL REFERENCES test_questions(id) ON DELETE CASCADE,
  images_json TEXT NOT NULL,
  notes TEXT NOT NULL DEFAULT '',
  awarded_marks INTEGER CHECK (awarded_marks IS NULL OR awarded_marks >= 0),
  graded_by INTEGER,
  graded_at TIMESTAMP,
  review_comment TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (submission_id, question_id)
);

CREATE TABLE IF NOT EXISTS course_subscriptions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  learner_id INTEGER NOT NULL,
  course_id INTEGER NOT NULL,
  status TEXT NOT NULL,
  full_course BOOLEAN NOT NULL DEFAULT 0,
  bundle_id INTEGER,
  expires_at TIMESTAMP,
  created_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_course_subscriptions_learner ON course_subscriptions (learner_id, course_id);

CREATE TABLE IF NOT EXISTS bundle_subjects (
  bundle_id INTEGER NOT NULL,
  subject_id INTEGER NOT NULL,
  PRIMARY KEY (bundle_id, subject_id)
);
`
