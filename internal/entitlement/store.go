package entitlement

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"coursetest/internal/db"
)

// SQLSource reads the platform-owned course_subscriptions and
// bundle_subjects tables.
type SQLSource struct {
	db  db.Queryer
	now func() time.Time
}

func NewSQLSource(q db.Queryer) *SQLSource {
	return &SQLSource{db: q, now: time.Now}
}

func (s *SQLSource) ActiveSubscription(ctx context.Context, learnerID, courseID int64) (*Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT full_course, bundle_id, expires_at
		FROM course_subscriptions
		WHERE learner_id = $1
		  AND course_id = $2
		  AND status = 'active'
		ORDER BY id DESC
	`, learnerID, courseID)
	if err != nil {
		return nil, fmt.Errorf("query subscriptions: %w", err)
	}

	var found *Subscription
	now := s.now()
	for rows.Next() {
		var (
			fullCourse bool
			bundleID   sql.NullInt64
			expiresAt  sql.NullTime
		)
		if err := rows.Scan(&fullCourse, &bundleID, &expiresAt); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		if expiresAt.Valid && !expiresAt.Time.After(now) {
			continue
		}
		found = &Subscription{Active: true, FullCourse: fullCourse}
		if bundleID.Valid {
			id := bundleID.Int64
			found.BundleID = &id
		}
		break
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("iterate subscriptions: %w", err)
	}
	_ = rows.Close()

	if found == nil {
		return nil, nil
	}
	if found.BundleID != nil {
		ids, err := s.bundleSubjects(ctx, *found.BundleID)
		if err != nil {
			return nil, err
		}
		found.BundleSubjectIDs = ids
	}
	return found, nil
}

func (s *SQLSource) bundleSubjects(ctx context.Context, bundleID int64) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT subject_id
		FROM bundle_subjects
		WHERE bundle_id = $1
		ORDER BY subject_id
	`, bundleID)
	if err != nil {
		return nil, fmt.Errorf("query bundle subjects: %w", err)
	}
	defer rows.Close()

	out := make([]int64, 0)
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan bundle subject: %w", err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("iterate bundle subjects: %w", err)
	}
	return out, nil
}
