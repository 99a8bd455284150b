package question

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"coursetest/internal/app/apiresp"
	"coursetest/internal/auth"

	"github.com/go-chi/chi/v5"
)

type Handler struct {
	svc questionService
}

type questionService interface {
	CreateTest(ctx context.Context, in TestInput) (*Test, error)
	UpdateTest(ctx context.Context, testID int64, in TestInput) (*Test, error)
	DeleteTest(ctx context.Context, testID int64) error
	GetTest(ctx context.Context, testID int64) (*Test, error)
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) CreateTest(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentIdentity(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	courseID, err := parseID(r, "courseID")
	if err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid course id")
		return
	}

	var in TestInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	in.CourseID = courseID
	in.ActorID = user.ID

	t, err := h.svc.CreateTest(r.Context(), in)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusCreated, t)
}

func (h *Handler) GetTest(w http.ResponseWriter, r *http.Request) {
	testID, err := parseID(r, "testID")
	if err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid test id")
		return
	}
	t, err := h.svc.GetTest(r.Context(), testID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, t)
}

func (h *Handler) UpdateTest(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentIdentity(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	testID, err := parseID(r, "testID")
	if err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid test id")
		return
	}

	var in TestInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	in.ActorID = user.ID

	t, err := h.svc.UpdateTest(r.Context(), testID, in)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, t)
}

func (h *Handler) DeleteTest(w http.ResponseWriter, r *http.Request) {
	testID, err := parseID(r, "testID")
	if err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid test id")
		return
	}
	if err := h.svc.DeleteTest(r.Context(), testID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, map[string]interface{}{"deleted": true, "test_id": testID})
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		apiresp.WriteErrorCode(w, r, http.StatusBadRequest, "validation_failed", "validation failed", verr.Fields)
	case errors.Is(err, ErrInvalidInput):
		apiresp.WriteError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrTestNotFound):
		apiresp.WriteError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, ErrTestHasSubmissions):
		apiresp.WriteErrorCode(w, r, http.StatusConflict, "test_has_submissions", err.Error(), nil)
	default:
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func parseID(r *http.Request, param string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}
