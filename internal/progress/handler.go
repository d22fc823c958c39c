package progress

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"crewtrain/internal/app/apiresp"
	"crewtrain/internal/auth"
	"crewtrain/internal/platform/logger"

	"github.com/go-chi/chi/v5"
)

type progressService interface {
	StartChapter(ctx context.Context, userID, chapterID int64) (*ChapterProgress, error)
	CompleteChapter(ctx context.Context, userID, chapterID int64) (*ChapterProgress, error)
	CompleteContent(ctx context.Context, userID, contentID int64) (*ChapterProgress, error)
	StartCourse(ctx context.Context, userID, courseID int64) (*CourseProgress, error)
	GetCourseProgress(ctx context.Context, userID, courseID int64) (*CourseProgress, error)
	ListChapterProgress(ctx context.Context, userID int64, courseID *int64) ([]ChapterProgress, error)
	ListCourseProgress(ctx context.Context, userID int64) ([]CourseProgress, error)
	Stats(ctx context.Context, userID int64) (*Stats, error)
}

type Handler struct {
	svc progressService
	log *logger.Logger
}

func NewHandler(svc progressService, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{svc: svc, log: log.With("handler", "progress")}
}

func (h *Handler) StartChapter(w http.ResponseWriter, r *http.Request) {
	h.chapterAction(w, r, "chapterID", h.svc.StartChapter)
}

func (h *Handler) CompleteChapter(w http.ResponseWriter, r *http.Request) {
	h.chapterAction(w, r, "chapterID", h.svc.CompleteChapter)
}

func (h *Handler) CompleteContent(w http.ResponseWriter, r *http.Request) {
	h.chapterAction(w, r, "contentID", h.svc.CompleteContent)
}

// chapterAction runs a progress write for the session user. Writes are
// always on behalf of the caller.
func (h *Handler) chapterAction(w http.ResponseWriter, r *http.Request, param string, fn func(ctx context.Context, userID, id int64) (*ChapterProgress, error)) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid "+strings.TrimSuffix(param, "ID")+" id")
		return
	}
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}

	out, err := fn(r.Context(), user.ID, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, out)
}

// StartCourse is self-only, like the chapter writes.
func (h *Handler) StartCourse(w http.ResponseWriter, r *http.Request) {
	courseID, err := strconv.ParseInt(chi.URLParam(r, "courseID"), 10, 64)
	if err != nil || courseID <= 0 {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid course id")
		return
	}
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}

	out, err := h.svc.StartCourse(r.Context(), user.ID, courseID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, out)
}

func (h *Handler) GetCourseProgress(w http.ResponseWriter, r *http.Request) {
	courseID, err := strconv.ParseInt(chi.URLParam(r, "courseID"), 10, 64)
	if err != nil || courseID <= 0 {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid course id")
		return
	}
	userID, ok := h.actingUser(w, r)
	if !ok {
		return
	}

	out, err := h.svc.GetCourseProgress(r.Context(), userID, courseID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, out)
}

func (h *Handler) ListChapterProgress(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.actingUser(w, r)
	if !ok {
		return
	}
	var courseID *int64
	if v := strings.TrimSpace(r.URL.Query().Get("course_id")); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			apiresp.WriteError(w, r, http.StatusBadRequest, "invalid course_id")
			return
		}
		courseID = &id
	}

	items, err := h.svc.ListChapterProgress(r.Context(), userID, courseID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, items)
}

func (h *Handler) ListCourseProgress(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.actingUser(w, r)
	if !ok {
		return
	}
	items, err := h.svc.ListCourseProgress(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, items)
}

func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.actingUser(w, r)
	if !ok {
		return
	}
	out, err := h.svc.Stats(r.Context(), userID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, out)
}

// actingUser lets managers read another user's progress via ?user_id=.
func (h *Handler) actingUser(w http.ResponseWriter, r *http.Request) (int64, bool) {
	var requested int64
	if v := strings.TrimSpace(r.URL.Query().Get("user_id")); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			apiresp.WriteError(w, r, http.StatusBadRequest, "invalid user_id")
			return 0, false
		}
		requested = id
	}
	userID, err := auth.ActingUserID(r.Context(), requested)
	switch {
	case err == nil:
		return userID, true
	case errors.Is(err, auth.ErrForbidden):
		apiresp.WriteError(w, r, http.StatusForbidden, "forbidden")
	default:
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
	}
	return 0, false
}

func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, ErrChapterNotFound), errors.Is(err, ErrContentNotFound), errors.Is(err, ErrCourseNotFound):
		apiresp.WriteErrorCode(w, r, http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, ErrInvalidInput):
		apiresp.WriteErrorCode(w, r, http.StatusBadRequest, "invalid_request", err.Error(), nil)
	default:
		h.log.Error("progress request failed", "path", r.URL.Path, "error", err)
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
	}
}
