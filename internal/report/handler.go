package report

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"coursetest/internal/app/apiresp"
	"coursetest/internal/exam"

	"github.com/go-chi/chi/v5"
)

type reportService interface {
	SummaryByTest(ctx context.Context, testID int64) (*TestSummary, error)
	ExportSubmissionsExcel(ctx context.Context, testID int64) ([]byte, error)
}

type Handler struct {
	svc reportService
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	testID, ok := parseTestID(w, r)
	if !ok {
		return
	}
	out, err := h.svc.SummaryByTest(r.Context(), testID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, out)
}

func (h *Handler) ExportSubmissions(w http.ResponseWriter, r *http.Request) {
	testID, ok := parseTestID(w, r)
	if !ok {
		return
	}
	body, err := h.svc.ExportSubmissionsExcel(r.Context(), testID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="test-%d-submissions.xlsx"`, testID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func parseTestID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	testID, err := strconv.ParseInt(chi.URLParam(r, "testID"), 10, 64)
	if err != nil || testID <= 0 {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid test id")
		return 0, false
	}
	return testID, true
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, exam.ErrTestNotFound):
		apiresp.WriteError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, exam.ErrInvalidInput):
		apiresp.WriteError(w, r, http.StatusBadRequest, err.Error())
	default:
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
	}
}
