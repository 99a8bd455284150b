package exam

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"coursetest/internal/app/apiresp"
	"coursetest/internal/auth"
	"coursetest/internal/entitlement"
	"coursetest/internal/question"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
)

type Handler struct {
	svc      examService
	validate *validator.Validate
}

type examService interface {
	ResolveForCourse(ctx context.Context, who auth.Identity, courseID int64) (entitlement.Set, error)
	ResolveForTest(ctx context.Context, who auth.Identity, testID int64) (entitlement.Set, error)
	ListTestsForCourse(ctx context.Context, courseID int64, who auth.Identity, set entitlement.Set) ([]TestListing, error)
	QuestionsForAttempt(ctx context.Context, testID int64, set entitlement.Set) (*question.AttemptView, error)
	Submit(ctx context.Context, in SubmitInput) (*SubmitResult, error)
	MyResult(ctx context.Context, testID, learnerID int64, set entitlement.Set) (*Result, error)
	ListSubmissions(ctx context.Context, testID int64) ([]SubmissionSummary, error)
	GetSubmissionForGrading(ctx context.Context, submissionID int64) (*GradingView, error)
	MarkAnswer(ctx context.Context, in MarkInput) (*ImageAnswer, error)
	Finalize(ctx context.Context, submissionID, graderID int64) (*FinalizeResult, error)
}

type response struct {
	OK    bool        `json:"ok"`
	Data  interface{} `json:"data,omitempty"`
	Error string      `json:"error,omitempty"`
}

type submitRequest struct {
	Choices []ChoiceAnswerInput `json:"choices" validate:"dive"`
	Images  []ImageAnswerInput  `json:"images" validate:"dive"`
}

type markRequest struct {
	AwardedMarks *int   `json:"awarded_marks" validate:"required"`
	Comment      string `json:"comment" validate:"max=2000"`
}

func NewHandler(svc examService) *Handler {
	return &Handler{svc: svc, validate: validator.New()}
}

func (h *Handler) ListCourseTests(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentIdentity(r.Context())
	if !ok {
		writeJSON(w, r, http.StatusUnauthorized, response{OK: false, Error: "unauthorized"})
		return
	}
	courseID, err := strconv.ParseInt(chi.URLParam(r, "courseID"), 10, 64)
	if err != nil || courseID <= 0 {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid course id"})
		return
	}

	set, err := h.svc.ResolveForCourse(r.Context(), *user, courseID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	items, err := h.svc.ListTestsForCourse(r.Context(), courseID, *user, set)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, response{OK: true, Data: items})
}

func (h *Handler) GetQuestions(w http.ResponseWriter, r *http.Request) {
	user, testID, ok := h.identityAndTest(w, r)
	if !ok {
		return
	}
	set, err := h.svc.ResolveForTest(r.Context(), *user, testID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	view, err := h.svc.QuestionsForAttempt(r.Context(), testID, set)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, response{OK: true, Data: view})
}

func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	user, testID, ok := h.identityAndTest(w, r)
	if !ok {
		return
	}
	if !user.IsLearner() {
		writeJSON(w, r, http.StatusForbidden, response{OK: false, Error: "only learners submit"})
		return
	}

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid request body"})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeValidationError(w, r, err)
		return
	}

	set, err := h.svc.ResolveForTest(r.Context(), *user, testID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	res, err := h.svc.Submit(r.Context(), SubmitInput{
		TestID:      testID,
		LearnerID:   user.ID,
		Entitlement: set,
		Choices:     req.Choices,
		Images:      req.Images,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusCreated, response{OK: true, Data: res})
}

func (h *Handler) MyResult(w http.ResponseWriter, r *http.Request) {
	user, testID, ok := h.identityAndTest(w, r)
	if !ok {
		return
	}
	set, err := h.svc.ResolveForTest(r.Context(), *user, testID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	res, err := h.svc.MyResult(r.Context(), testID, user.ID, set)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, response{OK: true, Data: res})
}

func (h *Handler) ListSubmissions(w http.ResponseWriter, r *http.Request) {
	_, testID, ok := h.identityAndTest(w, r)
	if !ok {
		return
	}
	items, err := h.svc.ListSubmissions(r.Context(), testID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, response{OK: true, Data: items})
}

func (h *Handler) GetSubmission(w http.ResponseWriter, r *http.Request) {
	submissionID, err := strconv.ParseInt(chi.URLParam(r, "submissionID"), 10, 64)
	if err != nil || submissionID <= 0 {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid submission id"})
		return
	}
	view, err := h.svc.GetSubmissionForGrading(r.Context(), submissionID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, response{OK: true, Data: view})
}

func (h *Handler) MarkAnswer(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentIdentity(r.Context())
	if !ok {
		writeJSON(w, r, http.StatusUnauthorized, response{OK: false, Error: "unauthorized"})
		return
	}
	submissionID, err := strconv.ParseInt(chi.URLParam(r, "submissionID"), 10, 64)
	if err != nil || submissionID <= 0 {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid submission id"})
		return
	}
	questionID, err := strconv.ParseInt(chi.URLParam(r, "questionID"), 10, 64)
	if err != nil || questionID <= 0 {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid question id"})
		return
	}

	var req markRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid request body"})
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeValidationError(w, r, err)
		return
	}

	answer, err := h.svc.MarkAnswer(r.Context(), MarkInput{
		SubmissionID: submissionID,
		QuestionID:   questionID,
		AwardedMarks: *req.AwardedMarks,
		Comment:      req.Comment,
		GraderID:     user.ID,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, response{OK: true, Data: answer})
}

func (h *Handler) Finalize(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentIdentity(r.Context())
	if !ok {
		writeJSON(w, r, http.StatusUnauthorized, response{OK: false, Error: "unauthorized"})
		return
	}
	submissionID, err := strconv.ParseInt(chi.URLParam(r, "submissionID"), 10, 64)
	if err != nil || submissionID <= 0 {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid submission id"})
		return
	}

	res, err := h.svc.Finalize(r.Context(), submissionID, user.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, response{OK: true, Data: res})
}

func (h *Handler) identityAndTest(w http.ResponseWriter, r *http.Request) (*auth.Identity, int64, bool) {
	user, ok := auth.CurrentIdentity(r.Context())
	if !ok {
		writeJSON(w, r, http.StatusUnauthorized, response{OK: false, Error: "unauthorized"})
		return nil, 0, false
	}
	testID, err := strconv.ParseInt(chi.URLParam(r, "testID"), 10, 64)
	if err != nil || testID <= 0 {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid test id"})
		return nil, 0, false
	}
	return user, testID, true
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var incomplete *IncompleteGradingError
	switch {
	case errors.As(err, &incomplete):
		apiresp.WriteErrorCode(w, r, http.StatusConflict, "incomplete_grading", ErrIncompleteGrading.Error(),
			map[string]interface{}{"unmarked_question_ids": incomplete.QuestionIDs})
	case errors.Is(err, ErrInvalidInput):
		apiresp.WriteErrorCode(w, r, http.StatusBadRequest, "invalid_input", err.Error(), nil)
	case errors.Is(err, ErrMarksOutOfRange):
		apiresp.WriteErrorCode(w, r, http.StatusBadRequest, "marks_out_of_range", err.Error(), nil)
	case errors.Is(err, ErrAccessDenied):
		apiresp.WriteErrorCode(w, r, http.StatusForbidden, "access_denied", err.Error(), nil)
	case errors.Is(err, ErrTestNotFound), errors.Is(err, ErrSubmissionNotFound), errors.Is(err, ErrAnswerNotFound):
		writeJSON(w, r, http.StatusNotFound, response{OK: false, Error: err.Error()})
	case errors.Is(err, ErrDuplicateSubmission):
		apiresp.WriteErrorCode(w, r, http.StatusConflict, "duplicate_submission", err.Error(), nil)
	case errors.Is(err, ErrAlreadyFinalized):
		apiresp.WriteErrorCode(w, r, http.StatusConflict, "already_finalized", err.Error(), nil)
	case errors.Is(err, ErrTestNotOpen):
		apiresp.WriteErrorCode(w, r, http.StatusConflict, "test_not_open", err.Error(), nil)
	default:
		writeJSON(w, r, http.StatusInternalServerError, response{OK: false, Error: "internal error"})
	}
}

func writeValidationError(w http.ResponseWriter, r *http.Request, err error) {
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		writeJSON(w, r, http.StatusBadRequest, response{OK: false, Error: "invalid request body"})
		return
	}
	fields := make(map[string]string, len(fieldErrs))
	for _, fe := range fieldErrs {
		fields[fe.Namespace()] = fe.Tag()
	}
	apiresp.WriteErrorCode(w, r, http.StatusBadRequest, "validation_failed", "validation failed", fields)
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, payload response) {
	if payload.OK {
		apiresp.WriteOK(w, r, code, payload.Data)
		return
	}
	apiresp.WriteError(w, r, code, payload.Error)
}
