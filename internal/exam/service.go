package exam

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"coursetest/internal/auth"
	"coursetest/internal/db"
	"coursetest/internal/entitlement"
	"coursetest/internal/question"
	"coursetest/internal/reward"
)

type entitlementResolver interface {
	Resolve(ctx context.Context, who auth.Identity, courseID int64) (entitlement.Set, error)
}

type testCatalog interface {
	ListForViewer(ctx context.Context, courseID int64, set entitlement.Set) ([]question.Summary, error)
}

type ServiceConfig struct {
	DB                  *db.DB
	Catalog             testCatalog
	Resolver            entitlementResolver
	Notifier            *reward.Notifier
	Logger              *slog.Logger
	RewardPerSubmission int
}

// Service is the submission service, the scoring read paths and the grading
// workflow. Every learner-facing path takes an explicit entitlement.Set.
type Service struct {
	db                  *db.DB
	catalog             testCatalog
	resolver            entitlementResolver
	notifier            *reward.Notifier
	logger              *slog.Logger
	rewardPerSubmission int
	now                 func() time.Time
}

func NewService(cfg ServiceConfig) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		db:                  cfg.DB,
		catalog:             cfg.Catalog,
		resolver:            cfg.Resolver,
		notifier:            cfg.Notifier,
		logger:              logger,
		rewardPerSubmission: cfg.RewardPerSubmission,
		now:                 time.Now,
	}
}

func (s *Service) ResolveForCourse(ctx context.Context, who auth.Identity, courseID int64) (entitlement.Set, error) {
	if courseID <= 0 {
		return entitlement.None(), ErrInvalidInput
	}
	return s.resolver.Resolve(ctx, who, courseID)
}

// ResolveForTest resolves the caller's entitlement within the test's course.
func (s *Service) ResolveForTest(ctx context.Context, who auth.Identity, testID int64) (entitlement.Set, error) {
	if testID <= 0 {
		return entitlement.None(), ErrInvalidInput
	}
	var courseID int64
	err := s.db.QueryRowContext(ctx, `SELECT course_id FROM tests WHERE id = $1`, testID).Scan(&courseID)
	if errors.Is(err, sql.ErrNoRows) {
		return entitlement.None(), ErrTestNotFound
	}
	if err != nil {
		return entitlement.None(), fmt.Errorf("load test course: %w", err)
	}
	return s.resolver.Resolve(ctx, who, courseID)
}

func (s *Service) ListTestsForCourse(ctx context.Context, courseID int64, who auth.Identity, set entitlement.Set) ([]TestListing, error) {
	summaries, err := s.catalog.ListForViewer(ctx, courseID, set)
	if err != nil {
		return nil, err
	}
	out := make([]TestListing, 0, len(summaries))
	for _, sum := range summaries {
		out = append(out, TestListing{Summary: sum})
	}
	if !who.IsLearner() || len(out) == 0 {
		return out, nil
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT s.test_id, s.graded_at
		FROM submissions s
		JOIN tests t ON t.id = s.test_id
		WHERE s.learner_id = $1 AND t.course_id = $2
	`, who.ID, courseID)
	if err != nil {
		return nil, fmt.Errorf("query learner submissions: %w", err)
	}
	defer rows.Close()

	statuses := make(map[int64]Status)
	for rows.Next() {
		var (
			testID   int64
			gradedAt sql.NullTime
		)
		if err := rows.Scan(&testID, &gradedAt); err != nil {
			return nil, fmt.Errorf("scan learner submission: %w", err)
		}
		if gradedAt.Valid {
			statuses[testID] = StatusGraded
		} else {
			statuses[testID] = StatusSubmitted
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate learner submissions: %w", err)
	}

	for i := range out {
		st, ok := statuses[out[i].ID]
		if !ok {
			st = StatusNotAttempted
		}
		out[i].Status = st
	}
	return out, nil
}

// filteredView loads the test and applies the caller's entitlement.
func (s *Service) filteredView(ctx context.Context, testID int64, set entitlement.Set) (*question.Test, *question.View, error) {
	t, err := question.LoadTest(ctx, s.db, testID, "")
	if err != nil {
		return nil, nil, err
	}
	v, err := question.FilterForViewer(t, set)
	if err != nil {
		return nil, nil, err
	}
	return t, v, nil
}

func (s *Service) QuestionsForAttempt(ctx context.Context, testID int64, set entitlement.Set) (*question.AttemptView, error) {
	if testID <= 0 {
		return nil, ErrInvalidInput
	}
	_, v, err := s.filteredView(ctx, testID, set)
	if err != nil {
		return nil, err
	}
	return v.ForAttempt(), nil
}

type SubmitInput struct {
	TestID      int64
	LearnerID   int64
	Entitlement entitlement.Set
	Choices     []ChoiceAnswerInput
	Images      []ImageAnswerInput
}

type SubmitResult struct {
	Submission    Submission     `json:"submission"`
	Score         string         `json:"score"`
	Awarded       int            `json:"awarded"`
	Possible      int            `json:"possible"`
	Percentage    int            `json:"percentage"`
	FullyGraded   bool           `json:"fully_graded"`
	Dropped       []int64        `json:"dropped_question_ids,omitempty"`
	RewardOutcome reward.Outcome `json:"reward_outcome"`
}

func (s *Service) Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	if in.TestID <= 0 || in.LearnerID <= 0 {
		return nil, ErrInvalidInput
	}

	// The UNIQUE(test_id, learner_id) insert below is the authority; this
	// only avoids loading the test for an obvious repeat.
	existing, err := findSubmission(ctx, s.db, in.TestID, in.LearnerID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, ErrDuplicateSubmission
	}

	t, view, err := s.filteredView(ctx, in.TestID, in.Entitlement)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	if now.Before(t.StartsAt) {
		return nil, ErrTestNotOpen
	}

	authorized := view.Questions()
	choices, images, dropped, err := authorizeAnswers(authorized, in.Choices, in.Images)
	if err != nil {
		return nil, err
	}

	var auto *int
	if t.Mode.AutoScored() {
		n := autoMarks(authorized, choices)
		auto = &n
	}

	sub := Submission{
		TestID:      in.TestID,
		LearnerID:   in.LearnerID,
		Status:      StatusSubmitted,
		SubmittedAt: now,
		AutoMarks:   auto,
	}
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO submissions (test_id, learner_id, submitted_at, auto_marks)
			VALUES ($1, $2, $3, $4)
			RETURNING id
		`, sub.TestID, sub.LearnerID, sub.SubmittedAt, sub.AutoMarks).Scan(&sub.ID); err != nil {
			if db.IsUniqueViolation(err) {
				return ErrDuplicateSubmission
			}
			return fmt.Errorf("insert submission: %w", err)
		}
		return insertAnswers(ctx, tx, sub.ID, choices, images)
	})
	if err != nil {
		return nil, err
	}

	score := ComputeScore(authorized, choices, images)
	s.logger.Info("submission created",
		"submission_id", sub.ID,
		"test_id", sub.TestID,
		"learner_id", sub.LearnerID,
		"score", score.String(),
		"dropped", len(dropped),
	)

	outcome := s.notifier.Notify(ctx, reward.Event{
		Key:       reward.IdempotencyKey(sub.TestID, sub.LearnerID, reward.EventSubmit),
		Kind:      reward.EventSubmit,
		SubjectID: sub.LearnerID,
		Amount:    s.rewardPerSubmission,
		Reason:    "course test submitted",
		Metadata:  map[string]interface{}{"test_id": sub.TestID, "submission_id": sub.ID},
	})

	return &SubmitResult{
		Submission:    sub,
		Score:         score.String(),
		Awarded:       score.Awarded,
		Possible:      score.Possible,
		Percentage:    score.Percentage,
		FullyGraded:   score.FullyGraded,
		Dropped:       dropped,
		RewardOutcome: outcome,
	}, nil
}

// authorizeAnswers keeps answers to authorized questions, silently dropping
// the rest, and rejects malformed answers to authorized ones.
func authorizeAnswers(authorized []question.Question, choiceIn []ChoiceAnswerInput, imageIn []ImageAnswerInput) ([]ChoiceResponse, []ImageAnswer, []int64, error) {
	choiceQs := make(map[int64]*question.ChoiceDetail)
	imageQs := make(map[int64]*question.ImageDetail)
	for _, q := range authorized {
		switch q.Kind {
		case question.KindChoice:
			choiceQs[q.ID] = q.Choice
		case question.KindImage:
			imageQs[q.ID] = q.Image
		}
	}

	seen := make(map[int64]struct{}, len(choiceIn)+len(imageIn))
	dropped := make([]int64, 0)
	markSeen := func(id int64) error {
		if _, dup := seen[id]; dup {
			return fmt.Errorf("%w: question %d answered more than once", ErrInvalidInput, id)
		}
		seen[id] = struct{}{}
		return nil
	}

	choices := make([]ChoiceResponse, 0, len(choiceIn))
	for _, c := range choiceIn {
		q, ok := choiceQs[c.QuestionID]
		if !ok {
			dropped = appendOnce(dropped, c.QuestionID)
			continue
		}
		if err := markSeen(c.QuestionID); err != nil {
			return nil, nil, nil, err
		}
		if c.SelectedOption < 0 || c.SelectedOption >= len(q.Options) {
			return nil, nil, nil, fmt.Errorf("%w: option %d out of range for question %d", ErrInvalidInput, c.SelectedOption, c.QuestionID)
		}
		choices = append(choices, ChoiceResponse{QuestionID: c.QuestionID, SelectedOption: c.SelectedOption})
	}

	images := make([]ImageAnswer, 0, len(imageIn))
	for _, a := range imageIn {
		q, ok := imageQs[a.QuestionID]
		if !ok {
			dropped = appendOnce(dropped, a.QuestionID)
			continue
		}
		if err := markSeen(a.QuestionID); err != nil {
			return nil, nil, nil, err
		}
		if len(a.Images) == 0 {
			return nil, nil, nil, fmt.Errorf("%w: question %d needs at least one image", ErrInvalidInput, a.QuestionID)
		}
		if len(a.Images) > q.MaxAnswerImages {
			return nil, nil, nil, fmt.Errorf("%w: question %d accepts at most %d images", ErrInvalidInput, a.QuestionID, q.MaxAnswerImages)
		}
		refs := make([]string, 0, len(a.Images))
		for _, img := range a.Images {
			img = strings.TrimSpace(img)
			if img == "" {
				return nil, nil, nil, fmt.Errorf("%w: question %d has an empty image reference", ErrInvalidInput, a.QuestionID)
			}
			refs = append(refs, img)
		}
		images = append(images, ImageAnswer{QuestionID: a.QuestionID, Images: refs, Notes: strings.TrimSpace(a.Notes)})
	}

	sort.Slice(dropped, func(i, j int) bool { return dropped[i] < dropped[j] })
	return choices, images, dropped, nil
}

func appendOnce(ids []int64, id int64) []int64 {
	for _, v := range ids {
		if v == id {
			return ids
		}
	}
	return append(ids, id)
}

type Result struct {
	TestID     int64       `json:"test_id"`
	Status     Status      `json:"status"`
	Submission *Submission `json:"submission,omitempty"`
	Score      Score       `json:"score"`
	Display    string      `json:"display"`
}

// MyResult scores the learner's submission over the questions the learner is
// entitled to now. A learner without a submission gets NOT_ATTEMPTED and the
// possible total.
func (s *Service) MyResult(ctx context.Context, testID, learnerID int64, set entitlement.Set) (*Result, error) {
	if testID <= 0 || learnerID <= 0 {
		return nil, ErrInvalidInput
	}
	_, view, err := s.filteredView(ctx, testID, set)
	if err != nil {
		return nil, err
	}
	sub, err := findSubmission(ctx, s.db, testID, learnerID)
	if err != nil {
		return nil, err
	}

	res := &Result{TestID: testID, Status: StatusNotAttempted}
	var (
		choices []ChoiceResponse
		images  []ImageAnswer
	)
	if sub != nil {
		res.Status = sub.Status
		res.Submission = sub
		choices, images, err = loadAnswers(ctx, s.db, bySubmission(sub.ID))
		if err != nil {
			return nil, err
		}
	}
	res.Score = ComputeScore(view.Questions(), choices, images)
	res.Display = res.Score.String()
	return res, nil
}

type SubmissionSummary struct {
	Submission
	Score        Score `json:"score"`
	PendingMarks int   `json:"pending_marks"`
}

// ListSubmissions is the staff view: every submission scored over the full test.
func (s *Service) ListSubmissions(ctx context.Context, testID int64) ([]SubmissionSummary, error) {
	if testID <= 0 {
		return nil, ErrInvalidInput
	}
	t, err := question.LoadTest(ctx, s.db, testID, "")
	if err != nil {
		return nil, err
	}
	subs, err := listSubmissions(ctx, s.db, testID)
	if err != nil {
		return nil, err
	}
	choices, images, err := loadAnswers(ctx, s.db, byTest(testID))
	if err != nil {
		return nil, err
	}

	choicesBy := make(map[int64][]ChoiceResponse)
	for _, c := range choices {
		choicesBy[c.SubmissionID] = append(choicesBy[c.SubmissionID], c)
	}
	imagesBy := make(map[int64][]ImageAnswer)
	for _, a := range images {
		imagesBy[a.SubmissionID] = append(imagesBy[a.SubmissionID], a)
	}

	questions := t.AssessableQuestions()
	out := make([]SubmissionSummary, 0, len(subs))
	for _, sub := range subs {
		score := ComputeScore(questions, choicesBy[sub.ID], imagesBy[sub.ID])
		pending := 0
		for _, a := range imagesBy[sub.ID] {
			if a.AwardedMarks == nil {
				pending++
			}
		}
		score.Items = nil
		out = append(out, SubmissionSummary{Submission: sub, Score: score, PendingMarks: pending})
	}
	return out, nil
}

type GradingView struct {
	Submission          Submission       `json:"submission"`
	Test                *question.Test   `json:"test"`
	ChoiceResponses     []ChoiceResponse `json:"choice_responses"`
	ImageAnswers        []ImageAnswer    `json:"image_answers"`
	Score               Score            `json:"score"`
	UnmarkedQuestionIDs []int64          `json:"unmarked_question_ids"`
}

// GetSubmissionForGrading returns everything a grader needs, over the full test.
func (s *Service) GetSubmissionForGrading(ctx context.Context, submissionID int64) (*GradingView, error) {
	if submissionID <= 0 {
		return nil, ErrInvalidInput
	}
	sub, err := loadSubmission(ctx, s.db, submissionID, "")
	if err != nil {
		return nil, err
	}
	t, err := question.LoadTest(ctx, s.db, sub.TestID, "")
	if err != nil {
		return nil, err
	}
	choices, images, err := loadAnswers(ctx, s.db, bySubmission(sub.ID))
	if err != nil {
		return nil, err
	}
	return &GradingView{
		Submission:          *sub,
		Test:                t,
		ChoiceResponses:     choices,
		ImageAnswers:        images,
		Score:               ComputeScore(t.AssessableQuestions(), choices, images),
		UnmarkedQuestionIDs: unmarked(images),
	}, nil
}

func unmarked(images []ImageAnswer) []int64 {
	out := make([]int64, 0)
	for _, a := range images {
		if a.AwardedMarks == nil {
			out = append(out, a.QuestionID)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
