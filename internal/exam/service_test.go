package exam

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"coursetest/internal/auth"
	"coursetest/internal/cache"
	"coursetest/internal/db"
	"coursetest/internal/entitlement"
	"coursetest/internal/question"
	"coursetest/internal/reward"
)

type recordingLedger struct {
	mu     sync.Mutex
	events []reward.Event
}

func (l *recordingLedger) Notify(ctx context.Context, ev reward.Event) (reward.Outcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
	return reward.OutcomeAccepted, nil
}

func (l *recordingLedger) count(kind reward.EventKind) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, ev := range l.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

type fixture struct {
	svc       *Service
	tests     *question.Service
	conn      *db.DB
	ledger    *recordingLedger
	test      *question.Test
	choiceIDs []int64
	imageID   int64
}

// newFixture seeds a COMBINED test in course 10: a physics section (subject 1)
// with two choice questions worth one mark each, and a drawing section
// (subject 2) with one image question worth five.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	conn, err := db.Open(ctx, db.Config{Driver: db.DriverSQLite, DSN: ":memory:"})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	tests := question.NewService(conn, cache.NewReadThrough(cache.NewMemoryStore(), time.Minute, nil), nil)
	ledger := &recordingLedger{}
	svc := NewService(ServiceConfig{
		DB:                  conn,
		Catalog:             tests,
		Resolver:            entitlement.NewResolver(entitlement.NewSQLSource(conn)),
		Notifier:            reward.NewNotifier(ledger, time.Second, nil, nil),
		RewardPerSubmission: 1,
	})

	created, err := tests.CreateTest(ctx, question.TestInput{
		CourseID: 10,
		Title:    "Mock 1",
		Mode:     question.ModeCombined,
		StartsAt: time.Now().Add(-time.Hour).UTC(),
		ActorID:  1,
		Sections: []question.SectionInput{
			{SubjectID: 1, Title: "Physics", DurationMinutes: 30, Questions: []question.QuestionInput{
				{Kind: question.KindChoice, Prompt: "2+2?", Options: []string{"3", "4"}, CorrectOption: 1},
				{Kind: question.KindChoice, Prompt: "g?", Options: []string{"9.8", "1.6", "3.7"}, CorrectOption: 0},
			}},
			{SubjectID: 2, Title: "Drawing", DurationMinutes: 20, Questions: []question.QuestionInput{
				{Kind: question.KindImage, Prompt: "Sketch a lever", MaxMarks: 5, MaxAnswerImages: 2},
			}},
		},
	})
	if err != nil {
		t.Fatalf("create test: %v", err)
	}
	return &fixture{
		svc:    svc,
		tests:  tests,
		conn:   conn,
		ledger: ledger,
		test:   created,
		choiceIDs: []int64{
			created.Sections[0].Questions[0].ID,
			created.Sections[0].Questions[1].ID,
		},
		imageID: created.Sections[1].Questions[0].ID,
	}
}

func (f *fixture) fullSubmission(learnerID int64) SubmitInput {
	return SubmitInput{
		TestID:      f.test.ID,
		LearnerID:   learnerID,
		Entitlement: entitlement.All(),
		Choices: []ChoiceAnswerInput{
			{QuestionID: f.choiceIDs[0], SelectedOption: 1},
			{QuestionID: f.choiceIDs[1], SelectedOption: 0},
		},
		Images: []ImageAnswerInput{{QuestionID: f.imageID, Images: []string{"uploads/5/a.png"}}},
	}
}

func (f *fixture) subscribeBundle(t *testing.T, learnerID int64, subjects ...int64) {
	t.Helper()
	ctx := context.Background()
	bundleID := learnerID * 100
	for _, s := range subjects {
		if _, err := f.conn.ExecContext(ctx, `INSERT INTO bundle_subjects (bundle_id, subject_id) VALUES ($1, $2)`, bundleID, s); err != nil {
			t.Fatalf("seed bundle subject: %v", err)
		}
	}
	if _, err := f.conn.ExecContext(ctx, `
		INSERT INTO course_subscriptions (learner_id, course_id, status, full_course, bundle_id, created_at)
		VALUES ($1, 10, 'active', $2, $3, $4)
	`, learnerID, true, bundleID, time.Now().UTC()); err != nil {
		t.Fatalf("seed subscription: %v", err)
	}
}

func TestEntitlementIsConsistentAcrossPaths(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	// bundle wins over the full-course flag
	f.subscribeBundle(t, 5, 1)
	learner := auth.Identity{ID: 5, Role: auth.RoleLearner}

	set, err := f.svc.ResolveForTest(ctx, learner, f.test.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if set.Signature() != "s:1" {
		t.Fatalf("expected bundle subjects only, got %s", set)
	}

	listing, err := f.svc.ListTestsForCourse(ctx, 10, learner, set)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listing) != 1 || listing[0].TotalMarks != 2 || listing[0].Status != StatusNotAttempted {
		t.Fatalf("unexpected listing %+v", listing)
	}

	view, err := f.svc.QuestionsForAttempt(ctx, f.test.ID, set)
	if err != nil {
		t.Fatalf("questions: %v", err)
	}
	if len(view.Sections) != 1 || len(view.Sections[0].Questions) != 2 || view.TotalMarks != 2 {
		t.Fatalf("unexpected attempt view %+v", view)
	}

	res, err := f.svc.MyResult(ctx, f.test.ID, 5, set)
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if res.Status != StatusNotAttempted || res.Score.Possible != 2 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestNoEntitlementIsDenied(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	learner := auth.Identity{ID: 6, Role: auth.RoleLearner}

	set, err := f.svc.ResolveForTest(ctx, learner, f.test.ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !set.IsNone() {
		t.Fatalf("expected no access, got %s", set)
	}
	if _, err := f.svc.QuestionsForAttempt(ctx, f.test.ID, set); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected ErrAccessDenied, got %v", err)
	}
	in := f.fullSubmission(6)
	in.Entitlement = set
	if _, err := f.svc.Submit(ctx, in); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("expected submit denied, got %v", err)
	}
	listing, err := f.svc.ListTestsForCourse(ctx, 10, learner, set)
	if err != nil || len(listing) != 0 {
		t.Fatalf("expected empty listing, got %+v err=%v", listing, err)
	}
}

func TestTwoSectionFilteredScore(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	in := f.fullSubmission(5)
	in.Entitlement = entitlement.Subjects(1)
	res, err := f.svc.Submit(ctx, in)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.Score != "2/2" || res.Percentage != 100 {
		t.Fatalf("learner must be scored over physics only, got %s (%d%%)", res.Score, res.Percentage)
	}
	if len(res.Dropped) != 1 || res.Dropped[0] != f.imageID {
		t.Fatalf("expected the drawing answer dropped, got %v", res.Dropped)
	}
	if res.Submission.AutoMarks == nil || *res.Submission.AutoMarks != 2 {
		t.Fatalf("expected auto marks 2, got %v", res.Submission.AutoMarks)
	}

	mine, err := f.svc.MyResult(ctx, f.test.ID, 5, entitlement.Subjects(1))
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if mine.Display != "2/2" || mine.Status != StatusSubmitted {
		t.Fatalf("unexpected learner result %+v", mine)
	}

	subs, err := f.svc.ListSubmissions(ctx, f.test.ID)
	if err != nil {
		t.Fatalf("list submissions: %v", err)
	}
	if len(subs) != 1 || subs[0].Score.Possible != 7 || subs[0].Score.Awarded != 2 || subs[0].PendingMarks != 0 {
		t.Fatalf("grader must see the full test, got %+v", subs)
	}

	var images int
	if err := f.conn.QueryRowContext(ctx, `SELECT COUNT(1) FROM image_answers`).Scan(&images); err != nil {
		t.Fatalf("count image answers: %v", err)
	}
	if images != 0 {
		t.Fatalf("unauthorized answer must not be stored, found %d", images)
	}
}

func TestSubmitDropsRepeatedUnauthorizedAnswer(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	in := f.fullSubmission(5)
	in.Entitlement = entitlement.Subjects(1)
	// a client echoing a cached drawing answer twice
	in.Images = append(in.Images, ImageAnswerInput{QuestionID: f.imageID, Images: []string{"uploads/5/b.png"}})

	res, err := f.svc.Submit(ctx, in)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(res.Dropped) != 1 || res.Dropped[0] != f.imageID {
		t.Fatalf("expected the drawing answer dropped once, got %v", res.Dropped)
	}
	if res.Score != "2/2" {
		t.Fatalf("unexpected score %s", res.Score)
	}
}

func TestSubmitInsertIsTheDuplicateAuthority(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// another request for the same learner lands after the repeat check
	var raced bool
	f.svc.now = func() time.Time {
		if !raced {
			raced = true
			if _, err := f.conn.ExecContext(ctx, `
				INSERT INTO submissions (test_id, learner_id, submitted_at)
				VALUES ($1, 5, $2)
			`, f.test.ID, time.Now().UTC()); err != nil {
				t.Fatalf("seed racing submission: %v", err)
			}
		}
		return time.Now()
	}

	if _, err := f.svc.Submit(ctx, f.fullSubmission(5)); !errors.Is(err, ErrDuplicateSubmission) {
		t.Fatalf("expected ErrDuplicateSubmission, got %v", err)
	}
	if !raced {
		t.Fatalf("the racing insert never ran")
	}

	var subs, answers int
	if err := f.conn.QueryRowContext(ctx, `SELECT COUNT(1) FROM submissions WHERE test_id = $1 AND learner_id = 5`, f.test.ID).Scan(&subs); err != nil {
		t.Fatalf("count submissions: %v", err)
	}
	if err := f.conn.QueryRowContext(ctx, `SELECT COUNT(1) FROM choice_responses`).Scan(&answers); err != nil {
		t.Fatalf("count answers: %v", err)
	}
	if subs != 1 || answers != 0 {
		t.Fatalf("expected only the racing row, got %d submissions and %d answers", subs, answers)
	}
	if n := f.ledger.count(reward.EventSubmit); n != 0 {
		t.Fatalf("a rejected submit must not reach the ledger, got %d events", n)
	}
}

func TestSubmitRejectsMalformedAnswers(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	tests := []struct {
		name   string
		mutate func(in *SubmitInput)
	}{
		{name: "option out of range", mutate: func(in *SubmitInput) { in.Choices[0].SelectedOption = 2 }},
		{name: "question answered twice", mutate: func(in *SubmitInput) {
			in.Choices = append(in.Choices, ChoiceAnswerInput{QuestionID: f.choiceIDs[0], SelectedOption: 0})
		}},
		{name: "no images", mutate: func(in *SubmitInput) { in.Images[0].Images = nil }},
		{name: "too many images", mutate: func(in *SubmitInput) { in.Images[0].Images = []string{"a", "b", "c"} }},
		{name: "blank image", mutate: func(in *SubmitInput) { in.Images[0].Images = []string{" "} }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			in := f.fullSubmission(5)
			tc.mutate(&in)
			if _, err := f.svc.Submit(ctx, in); !errors.Is(err, ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}

	var n int
	if err := f.conn.QueryRowContext(ctx, `SELECT COUNT(1) FROM submissions`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 0 {
		t.Fatalf("rejected submissions must not be stored, found %d", n)
	}
}

func TestSubmitBeforeStart(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.svc.now = func() time.Time { return f.test.StartsAt.Add(-time.Minute) }

	if _, err := f.svc.Submit(ctx, f.fullSubmission(5)); !errors.Is(err, ErrTestNotOpen) {
		t.Fatalf("expected ErrTestNotOpen, got %v", err)
	}
}

func TestConcurrentSubmitStoresOne(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	const attempts = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		ok        int
		duplicate int
	)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Submit(ctx, f.fullSubmission(5))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ok++
			case errors.Is(err, ErrDuplicateSubmission):
				duplicate++
			default:
				t.Errorf("unexpected submit error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 1 || duplicate != attempts-1 {
		t.Fatalf("expected one success and %d duplicates, got %d/%d", attempts-1, ok, duplicate)
	}
	var rows int
	if err := f.conn.QueryRowContext(ctx, `SELECT COUNT(1) FROM submissions WHERE test_id = $1 AND learner_id = 5`, f.test.ID).Scan(&rows); err != nil {
		t.Fatalf("count: %v", err)
	}
	if rows != 1 {
		t.Fatalf("expected one stored submission, got %d", rows)
	}
	if got := f.ledger.count(reward.EventSubmit); got != 1 {
		t.Fatalf("expected one submit reward, got %d", got)
	}
}

func TestMarkAnswerBounds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res, err := f.svc.Submit(ctx, f.fullSubmission(5))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	subID := res.Submission.ID

	for _, marks := range []int{-1, 6} {
		_, err := f.svc.MarkAnswer(ctx, MarkInput{SubmissionID: subID, QuestionID: f.imageID, AwardedMarks: marks, GraderID: 2})
		if !errors.Is(err, ErrMarksOutOfRange) {
			t.Fatalf("marks %d: expected ErrMarksOutOfRange, got %v", marks, err)
		}
	}
	view, err := f.svc.GetSubmissionForGrading(ctx, subID)
	if err != nil {
		t.Fatalf("grading view: %v", err)
	}
	if view.ImageAnswers[0].AwardedMarks != nil {
		t.Fatalf("rejected mark must leave the row unchanged, got %d", *view.ImageAnswers[0].AwardedMarks)
	}
	if len(view.UnmarkedQuestionIDs) != 1 || view.UnmarkedQuestionIDs[0] != f.imageID {
		t.Fatalf("expected image question unmarked, got %v", view.UnmarkedQuestionIDs)
	}

	if _, err := f.svc.MarkAnswer(ctx, MarkInput{SubmissionID: subID, QuestionID: f.choiceIDs[0], AwardedMarks: 1, GraderID: 2}); !errors.Is(err, ErrAnswerNotFound) {
		t.Fatalf("expected ErrAnswerNotFound for a choice question, got %v", err)
	}

	answer, err := f.svc.MarkAnswer(ctx, MarkInput{SubmissionID: subID, QuestionID: f.imageID, AwardedMarks: 5, Comment: " neat ", GraderID: 2})
	if err != nil {
		t.Fatalf("mark: %v", err)
	}
	if answer.AwardedMarks == nil || *answer.AwardedMarks != 5 || answer.ReviewComment != "neat" || answer.GradedBy == nil || *answer.GradedBy != 2 {
		t.Fatalf("unexpected marked answer %+v", answer)
	}
}

func TestFinalizeFlow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	res, err := f.svc.Submit(ctx, f.fullSubmission(5))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	subID := res.Submission.ID
	if res.FullyGraded {
		t.Fatalf("pending image answer must not be fully graded")
	}

	_, err = f.svc.Finalize(ctx, subID, 2)
	var incomplete *IncompleteGradingError
	if !errors.As(err, &incomplete) || len(incomplete.QuestionIDs) != 1 || incomplete.QuestionIDs[0] != f.imageID {
		t.Fatalf("expected incomplete grading for the image question, got %v", err)
	}
	if !errors.Is(err, ErrIncompleteGrading) {
		t.Fatalf("incomplete grading error must match the sentinel")
	}

	if _, err := f.svc.MarkAnswer(ctx, MarkInput{SubmissionID: subID, QuestionID: f.imageID, AwardedMarks: 4, GraderID: 2}); err != nil {
		t.Fatalf("mark: %v", err)
	}
	final, err := f.svc.Finalize(ctx, subID, 2)
	if err != nil {
		t.Fatalf("finalize: %v", err)
	}
	if final.Display != "6/7" || final.Score.Percentage != 86 || final.RewardUnits != 8 {
		t.Fatalf("unexpected finalize result %+v", final)
	}
	if final.Submission.Status != StatusGraded || final.RewardOutcome != reward.OutcomeAccepted {
		t.Fatalf("unexpected finalized submission %+v", final)
	}

	if _, err := f.svc.Finalize(ctx, subID, 3); !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("expected ErrAlreadyFinalized, got %v", err)
	}
	if _, err := f.svc.MarkAnswer(ctx, MarkInput{SubmissionID: subID, QuestionID: f.imageID, AwardedMarks: 1, GraderID: 2}); !errors.Is(err, ErrAlreadyFinalized) {
		t.Fatalf("expected marks locked after finalize, got %v", err)
	}
	if got := f.ledger.count(reward.EventFinalize); got != 1 {
		t.Fatalf("expected exactly one finalize reward, got %d", got)
	}

	mine, err := f.svc.MyResult(ctx, f.test.ID, 5, entitlement.All())
	if err != nil {
		t.Fatalf("result: %v", err)
	}
	if mine.Status != StatusGraded || mine.Display != "6/7" {
		t.Fatalf("unexpected result after finalize %+v", mine)
	}
	listing, err := f.svc.ListTestsForCourse(ctx, 10, auth.Identity{ID: 5, Role: auth.RoleLearner}, entitlement.All())
	if err != nil || len(listing) != 1 || listing[0].Status != StatusGraded {
		t.Fatalf("expected GRADED in listing, got %+v err=%v", listing, err)
	}
}

func TestConcurrentFinalizeNotifiesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	in := f.fullSubmission(5)
	in.Images = nil
	res, err := f.svc.Submit(ctx, in)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	var (
		wg sync.WaitGroup
		mu sync.Mutex
		ok int
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Finalize(ctx, res.Submission.ID, 2)
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if !errors.Is(err, ErrAlreadyFinalized) {
				t.Errorf("unexpected finalize error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 1 {
		t.Fatalf("expected one successful finalize, got %d", ok)
	}
	if got := f.ledger.count(reward.EventFinalize); got != 1 {
		t.Fatalf("expected one finalize reward, got %d", got)
	}
}

func TestNotFoundPaths(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	if _, err := f.svc.ResolveForTest(ctx, auth.Identity{ID: 5, Role: auth.RoleLearner}, 999); !errors.Is(err, ErrTestNotFound) {
		t.Fatalf("expected ErrTestNotFound, got %v", err)
	}
	if _, err := f.svc.GetSubmissionForGrading(ctx, 999); !errors.Is(err, ErrSubmissionNotFound) {
		t.Fatalf("expected ErrSubmissionNotFound, got %v", err)
	}
	if _, err := f.svc.Finalize(ctx, 999, 2); !errors.Is(err, ErrSubmissionNotFound) {
		t.Fatalf("expected ErrSubmissionNotFound on finalize, got %v", err)
	}
}
