package question

import (
	"context"
	"errors"
	"testing"
	"time"

	"coursetest/internal/cache"
	"coursetest/internal/db"
	"coursetest/internal/entitlement"
)

func newTestService(t *testing.T) (*Service, *db.DB, *cache.MemoryStore) {
	t.Helper()
	conn, err := db.Open(context.Background(), db.Config{Driver: db.DriverSQLite, DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	store := cache.NewMemoryStore()
	return NewService(conn, cache.NewReadThrough(store, time.Minute, nil), nil), conn, store
}

func TestCreateAndLoadTest(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	created, err := svc.CreateTest(ctx, validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if created.ID == 0 || created.Sections[0].ID == 0 || created.Sections[0].Questions[0].ID == 0 {
		t.Fatalf("expected ids assigned, got %+v", created)
	}

	got, err := svc.GetTest(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Mode != ModeCombined || len(got.Sections) != 2 {
		t.Fatalf("unexpected test %+v", got)
	}
	q := got.Sections[0].Questions[0]
	if q.Kind != KindChoice || q.Choice == nil || q.Choice.CorrectOption != 1 || len(q.Choice.Options) != 2 {
		t.Fatalf("choice question did not round trip: %+v", q)
	}
	img := got.Sections[1].Questions[0]
	if img.Kind != KindImage || img.Image == nil || img.Image.MaxMarks != 5 || img.Image.MaxAnswerImages != 1 {
		t.Fatalf("image question did not round trip: %+v", img)
	}
	if got.ComputedTotalMarks() != 6 {
		t.Fatalf("expected 6 marks, got %d", got.ComputedTotalMarks())
	}
	if !got.StartsAt.Equal(validInput().StartsAt) {
		t.Fatalf("starts_at changed: %s", got.StartsAt)
	}
}

func TestGetTestNotFound(t *testing.T) {
	svc, _, _ := newTestService(t)
	if _, err := svc.GetTest(context.Background(), 999); !errors.Is(err, ErrTestNotFound) {
		t.Fatalf("expected ErrTestNotFound, got %v", err)
	}
}

func TestUpdateTestReplacesTree(t *testing.T) {
	ctx := context.Background()
	svc, _, _ := newTestService(t)

	created, err := svc.CreateTest(ctx, validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	in := validInput()
	in.Title = "Mock 1 (rev)"
	in.Sections = in.Sections[:1]
	updated, err := svc.UpdateTest(ctx, created.ID, in)
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if updated.CourseID != 10 {
		t.Fatalf("course must be kept from the stored test, got %d", updated.CourseID)
	}

	got, err := svc.GetTest(ctx, created.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "Mock 1 (rev)" || len(got.Sections) != 1 || got.DurationMinutes != 30 {
		t.Fatalf("expected replaced tree, got %+v", got)
	}
}

func TestUpdateTestRejectedOnceSubmitted(t *testing.T) {
	ctx := context.Background()
	svc, conn, _ := newTestService(t)

	created, err := svc.CreateTest(ctx, validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := conn.ExecContext(ctx, `INSERT INTO submissions (test_id, learner_id, submitted_at) VALUES ($1, $2, $3)`, created.ID, 5, time.Now()); err != nil {
		t.Fatalf("seed submission: %v", err)
	}

	if _, err := svc.UpdateTest(ctx, created.ID, validInput()); !errors.Is(err, ErrTestHasSubmissions) {
		t.Fatalf("expected ErrTestHasSubmissions, got %v", err)
	}
}

func TestDeleteTestCascades(t *testing.T) {
	ctx := context.Background()
	svc, conn, _ := newTestService(t)

	created, err := svc.CreateTest(ctx, validInput())
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	var subID int64
	if err := conn.QueryRowContext(ctx, `INSERT INTO submissions (test_id, learner_id, submitted_at) VALUES ($1, $2, $3) RETURNING id`, created.ID, 5, time.Now()).Scan(&subID); err != nil {
		t.Fatalf("seed submission: %v", err)
	}
	qid := created.Sections[0].Questions[0].ID
	if _, err := conn.ExecContext(ctx, `INSERT INTO choice_responses (submission_id, question_id, selected_option) VALUES ($1, $2, 1)`, subID, qid); err != nil {
		t.Fatalf("seed response: %v", err)
	}

	if err := svc.DeleteTest(ctx, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	for _, table := range []string{"tests", "test_sections", "test_questions", "submissions", "choice_responses"} {
		var n int
		if err := conn.QueryRowContext(ctx, `SELECT COUNT(1) FROM `+table).Scan(&n); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		if n != 0 {
			t.Fatalf("expected %s empty after delete, got %d", table, n)
		}
	}
	if err := svc.DeleteTest(ctx, created.ID); !errors.Is(err, ErrTestNotFound) {
		t.Fatalf("expected ErrTestNotFound on second delete, got %v", err)
	}
}

func TestListForViewerCachesPerSignature(t *testing.T) {
	ctx := context.Background()
	svc, _, store := newTestService(t)

	if _, err := svc.CreateTest(ctx, validInput()); err != nil {
		t.Fatalf("create: %v", err)
	}

	all, err := svc.ListForViewer(ctx, 10, entitlement.All())
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	physics, err := svc.ListForViewer(ctx, 10, entitlement.Subjects(1))
	if err != nil {
		t.Fatalf("list physics: %v", err)
	}
	none, err := svc.ListForViewer(ctx, 10, entitlement.None())
	if err != nil {
		t.Fatalf("list none: %v", err)
	}
	if len(all) != 1 || all[0].TotalMarks != 6 {
		t.Fatalf("unexpected full listing %+v", all)
	}
	if len(physics) != 1 || physics[0].TotalMarks != 1 || physics[0].TotalDurationMinutes != 30 {
		t.Fatalf("unexpected filtered listing %+v", physics)
	}
	if len(none) != 0 {
		t.Fatalf("expected no visible tests, got %+v", none)
	}
	if store.Len() != 3 {
		t.Fatalf("expected one entry per signature, got %d", store.Len())
	}

	in := validInput()
	in.Title = "Mock 2"
	if _, err := svc.CreateTest(ctx, in); err != nil {
		t.Fatalf("create second: %v", err)
	}
	if store.Len() != 0 {
		t.Fatalf("create must invalidate the course listing, %d entries left", store.Len())
	}
	all, err = svc.ListForViewer(ctx, 10, entitlement.All())
	if err != nil || len(all) != 2 {
		t.Fatalf("expected fresh listing with 2 tests, got %d err=%v", len(all), err)
	}
}
