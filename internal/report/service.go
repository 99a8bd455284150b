package report

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"coursetest/internal/exam"
	"coursetest/internal/question"

	"github.com/xuri/excelize/v2"
)

type submissionLister interface {
	ListSubmissions(ctx context.Context, testID int64) ([]exam.SubmissionSummary, error)
}

type testLoader interface {
	GetTest(ctx context.Context, testID int64) (*question.Test, error)
}

type Service struct {
	submissions submissionLister
	tests       testLoader
}

// TestSummary aggregates every submission of a test, scored over the full
// test. Percentage figures only cover finalized submissions.
type TestSummary struct {
	TestID            int64   `json:"test_id"`
	Title             string  `json:"title"`
	TotalMarks        int     `json:"total_marks"`
	Participants      int     `json:"participants"`
	GradedCount       int     `json:"graded_count"`
	PendingCount      int     `json:"pending_count"`
	AveragePercentage float64 `json:"average_percentage"`
	HighestPercentage int     `json:"highest_percentage"`
	LowestPercentage  int     `json:"lowest_percentage"`
}

func NewService(submissions submissionLister, tests testLoader) *Service {
	return &Service{submissions: submissions, tests: tests}
}

func (s *Service) SummaryByTest(ctx context.Context, testID int64) (*TestSummary, error) {
	t, err := s.tests.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	items, err := s.submissions.ListSubmissions(ctx, testID)
	if err != nil {
		return nil, err
	}
	return summarize(t, items), nil
}

func summarize(t *question.Test, items []exam.SubmissionSummary) *TestSummary {
	out := &TestSummary{
		TestID:       t.ID,
		Title:        t.Title,
		TotalMarks:   t.TotalMarks(),
		Participants: len(items),
	}
	sum := 0
	for _, it := range items {
		if !it.IsFinalized() {
			out.PendingCount++
			continue
		}
		p := it.Score.Percentage
		if out.GradedCount == 0 || p > out.HighestPercentage {
			out.HighestPercentage = p
		}
		if out.GradedCount == 0 || p < out.LowestPercentage {
			out.LowestPercentage = p
		}
		out.GradedCount++
		sum += p
	}
	if out.GradedCount > 0 {
		out.AveragePercentage = float64(sum) / float64(out.GradedCount)
	}
	return out
}

// ExportSubmissionsExcel renders one row per submission.
func (s *Service) ExportSubmissionsExcel(ctx context.Context, testID int64) ([]byte, error) {
	t, err := s.tests.GetTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	items, err := s.submissions.ListSubmissions(ctx, testID)
	if err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	sheet := f.GetSheetName(0)
	headers := []any{"submission_id", "learner_id", "status", "submitted_at", "awarded", "possible", "percentage", "pending_marks", "graded_at", "graded_by"}
	if err := writeRow(f, sheet, 1, headers); err != nil {
		return nil, err
	}
	for i, it := range items {
		gradedAt := ""
		if it.GradedAt != nil {
			gradedAt = it.GradedAt.UTC().Format(time.DateTime)
		}
		gradedBy := ""
		if it.GradedBy != nil {
			gradedBy = fmt.Sprintf("%d", *it.GradedBy)
		}
		values := []any{
			it.ID,
			it.LearnerID,
			string(it.Status),
			it.SubmittedAt.UTC().Format(time.DateTime),
			it.Score.Awarded,
			it.Score.Possible,
			it.Score.Percentage,
			it.PendingMarks,
			gradedAt,
			gradedBy,
		}
		if err := writeRow(f, sheet, i+2, values); err != nil {
			return nil, err
		}
	}
	if err := f.SetColWidth(sheet, "A", "J", 18); err != nil {
		return nil, fmt.Errorf("set column width: %w", err)
	}
	if err := f.SetSheetName(sheet, fmt.Sprintf("test-%d", t.ID)); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, fmt.Errorf("write excel: %w", err)
	}
	return buf.Bytes(), nil
}

// writeRow fills row (1-based) from column A onwards.
func writeRow(f *excelize.File, sheet string, row int, values []any) error {
	for col, v := range values {
		cell, err := excelize.CoordinatesToCellName(col+1, row)
		if err != nil {
			return fmt.Errorf("cell name: %w", err)
		}
		if err := f.SetCellValue(sheet, cell, v); err != nil {
			return fmt.Errorf("set %s: %w", cell, err)
		}
	}
	return nil
}
