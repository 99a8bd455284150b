package report

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"coursetest/internal/exam"
	"coursetest/internal/question"

	"github.com/go-chi/chi/v5"
	"github.com/xuri/excelize/v2"
)

type stubSubmissions []exam.SubmissionSummary

func (s stubSubmissions) ListSubmissions(ctx context.Context, testID int64) ([]exam.SubmissionSummary, error) {
	return s, nil
}

type stubTests map[int64]*question.Test

func (s stubTests) GetTest(ctx context.Context, testID int64) (*question.Test, error) {
	t, ok := s[testID]
	if !ok {
		return nil, question.ErrTestNotFound
	}
	return t, nil
}

func summary(id int64, learner int64, awarded, possible, pct int, graded bool) exam.SubmissionSummary {
	s := exam.SubmissionSummary{
		Submission: exam.Submission{ID: id, TestID: 3, LearnerID: learner, Status: exam.StatusSubmitted, SubmittedAt: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)},
		Score:      exam.Score{Awarded: awarded, Possible: possible, Percentage: pct},
	}
	if graded {
		at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
		by := int64(2)
		s.GradedAt = &at
		s.GradedBy = &by
		s.Status = exam.StatusGraded
	} else {
		s.PendingMarks = 1
	}
	return s
}

func newTestService() *Service {
	subs := stubSubmissions{
		summary(1, 5, 6, 7, 86, true),
		summary(2, 6, 3, 7, 43, true),
		summary(3, 7, 2, 7, 29, false),
	}
	tests := stubTests{3: {ID: 3, Title: "Mock 1"}}
	return NewService(subs, tests)
}

func TestSummaryByTest(t *testing.T) {
	got, err := newTestService().SummaryByTest(context.Background(), 3)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if got.Participants != 3 || got.GradedCount != 2 || got.PendingCount != 1 {
		t.Fatalf("unexpected counts %+v", got)
	}
	if got.HighestPercentage != 86 || got.LowestPercentage != 43 || got.AveragePercentage != 64.5 {
		t.Fatalf("unexpected percentages %+v", got)
	}
}

func TestSummaryWithoutGradedSubmissions(t *testing.T) {
	svc := NewService(stubSubmissions{summary(1, 5, 1, 7, 14, false)}, stubTests{3: {ID: 3}})
	got, err := svc.SummaryByTest(context.Background(), 3)
	if err != nil {
		t.Fatalf("summary: %v", err)
	}
	if got.GradedCount != 0 || got.AveragePercentage != 0 || got.HighestPercentage != 0 {
		t.Fatalf("expected empty figures, got %+v", got)
	}
}

func TestSummaryUnknownTest(t *testing.T) {
	if _, err := newTestService().SummaryByTest(context.Background(), 99); !errors.Is(err, exam.ErrTestNotFound) {
		t.Fatalf("expected ErrTestNotFound, got %v", err)
	}
}

func TestExportSubmissionsExcel(t *testing.T) {
	body, err := newTestService().ExportSubmissionsExcel(context.Background(), 3)
	if err != nil {
		t.Fatalf("export: %v", err)
	}
	f, err := excelize.OpenReader(bytes.NewReader(body))
	if err != nil {
		t.Fatalf("open export: %v", err)
	}
	defer func() { _ = f.Close() }()

	rows, err := f.GetRows("test-3")
	if err != nil {
		t.Fatalf("read rows: %v", err)
	}
	if len(rows) != 4 {
		t.Fatalf("expected header plus 3 rows, got %d", len(rows))
	}
	if rows[0][0] != "submission_id" || rows[1][2] != "GRADED" || rows[3][7] != "1" {
		t.Fatalf("unexpected sheet contents %v", rows)
	}
}

func TestWriteRowReportsBadCoordinates(t *testing.T) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	sheet := f.GetSheetName(0)

	if err := writeRow(f, sheet, 0, []any{"x"}); err == nil {
		t.Fatalf("expected an error for row 0")
	}
	if err := writeRow(f, "missing", 1, []any{"x"}); err == nil {
		t.Fatalf("expected an error for an unknown sheet")
	}
	if err := writeRow(f, sheet, 2, []any{"a", 1}); err != nil {
		t.Fatalf("write row: %v", err)
	}
	if v, _ := f.GetCellValue(sheet, "B2"); v != "1" {
		t.Fatalf("unexpected B2 %q", v)
	}
}

func TestExportHandlerHeaders(t *testing.T) {
	h := NewHandler(newTestService())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tests/3/submissions/export", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("testID", "3")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	w := httptest.NewRecorder()

	h.ExportSubmissions(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet" {
		t.Fatalf("unexpected content type %q", ct)
	}
}

func TestSummaryHandlerNotFound(t *testing.T) {
	h := NewHandler(newTestService())
	req := httptest.NewRequest(http.MethodGet, "/api/v1/tests/99/report", nil)
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add("testID", "99")
	req = req.WithContext(context.WithValue(req.Context(), chi.RouteCtxKey, rctx))
	w := httptest.NewRecorder()

	h.Summary(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
