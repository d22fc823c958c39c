package exam

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"crewtrain/internal/app/apiresp"
	"crewtrain/internal/auth"
	"crewtrain/internal/platform/logger"

	"github.com/go-chi/chi/v5"
)

type examService interface {
	StartAttempt(ctx context.Context, userID, examID int64) (*StartResult, error)
	SubmitAttempt(ctx context.Context, in SubmitInput) (*SubmitResult, error)
	ListAttempts(ctx context.Context, userID int64, examID *int64) ([]Attempt, error)
	AttemptResult(ctx context.Context, userID, examID int64) (*AttemptResult, error)
	ListWrongQuestions(ctx context.Context, userID int64, includeMastered bool) ([]WrongQuestion, error)
	MarkWrongQuestionMastered(ctx context.Context, userID, id int64) (*WrongQuestion, error)
}

type Handler struct {
	svc examService
	log *logger.Logger
}

type startAttemptRequest struct {
	UserID int64 `json:"user_id"`
}

type submitAttemptRequest struct {
	UserID    int64         `json:"user_id"`
	Answers   []AnswerInput `json:"answers"`
	TimeSpent *int          `json:"time_spent"`
}

func NewHandler(svc examService, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{svc: svc, log: log.With("handler", "exam")}
}

func (h *Handler) Start(w http.ResponseWriter, r *http.Request) {
	examID, ok := pathID(w, r, "examID", "invalid exam id")
	if !ok {
		return
	}
	var req startAttemptRequest
	if err := decodeOptional(r, &req); err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	userID, ok := h.actingUser(w, r, req.UserID)
	if !ok {
		return
	}

	res, err := h.svc.StartAttempt(r.Context(), userID, examID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusCreated, res)
}

func (h *Handler) Submit(w http.ResponseWriter, r *http.Request) {
	examID, ok := pathID(w, r, "examID", "invalid exam id")
	if !ok {
		return
	}
	var req submitAttemptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		apiresp.WriteErrorCode(w, r, http.StatusBadRequest, "", "invalid request body", map[string]interface{}{"reason": err.Error()})
		return
	}
	userID, ok := h.actingUser(w, r, req.UserID)
	if !ok {
		return
	}

	res, err := h.svc.SubmitAttempt(r.Context(), SubmitInput{
		UserID:    userID,
		ExamID:    examID,
		Answers:   req.Answers,
		TimeSpent: req.TimeSpent,
	})
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, res)
}

func (h *Handler) ListAttempts(w http.ResponseWriter, r *http.Request) {
	requested, err := queryID(r, "user_id")
	if err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid user_id")
		return
	}
	userID, ok := h.actingUser(w, r, requested)
	if !ok {
		return
	}

	var examID *int64
	if v := strings.TrimSpace(r.URL.Query().Get("exam_id")); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id <= 0 {
			apiresp.WriteError(w, r, http.StatusBadRequest, "invalid exam_id")
			return
		}
		examID = &id
	}

	items, err := h.svc.ListAttempts(r.Context(), userID, examID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, items)
}

func (h *Handler) Result(w http.ResponseWriter, r *http.Request) {
	examID, ok := pathID(w, r, "examID", "invalid exam id")
	if !ok {
		return
	}
	requested, err := queryID(r, "user_id")
	if err != nil {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid user_id")
		return
	}
	userID, ok := h.actingUser(w, r, requested)
	if !ok {
		return
	}

	res, err := h.svc.AttemptResult(r.Context(), userID, examID)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, res)
}

func (h *Handler) ListWrongQuestions(w http.ResponseWriter, r *http.Request) {
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}
	includeMastered := r.URL.Query().Get("include_mastered") == "true"

	items, err := h.svc.ListWrongQuestions(r.Context(), user.ID, includeMastered)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, items)
}

func (h *Handler) MasterWrongQuestion(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id", "invalid wrong question id")
	if !ok {
		return
	}
	user, ok := auth.CurrentUser(r.Context())
	if !ok {
		apiresp.WriteError(w, r, http.StatusUnauthorized, "unauthorized")
		return
	}

	item, err := h.svc.MarkWrongQuestionMastered(r.Context(), user.ID, id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, item)
}

func (h *Handler) actingUser(w http.ResponseWriter, r *http.Request, requested int64) (int64, bool) {
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
	var (
		validation *ValidationError
		cooldown   *CooldownError
		exhausted  *ExhaustedError
	)
	switch {
	case errors.As(err, &validation):
		apiresp.WriteErrorCode(w, r, http.StatusBadRequest, "invalid_request", validation.Error(), map[string]interface{}{"field": validation.Field})
	case errors.Is(err, ErrExamNotFound), errors.Is(err, ErrWrongQuestionNotFound), errors.Is(err, ErrNoGradedAttempt):
		apiresp.WriteErrorCode(w, r, http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, ErrExamUnpublished), errors.Is(err, ErrExamInactive):
		apiresp.WriteErrorCode(w, r, http.StatusConflict, "exam_unavailable", err.Error(), nil)
	case errors.As(err, &exhausted):
		apiresp.WriteErrorCode(w, r, http.StatusConflict, "attempts_exhausted", err.Error(), map[string]interface{}{
			"max_attempts": exhausted.MaxAttempts,
			"attempts":     exhausted.Attempts,
		})
	case errors.As(err, &cooldown):
		apiresp.WriteErrorCode(w, r, http.StatusConflict, "cooldown_active", ErrCooldownActive.Error(), map[string]interface{}{
			"next_retake_at": cooldown.NextRetakeAt.Format(time.RFC3339),
		})
	case errors.Is(err, ErrNoActiveAttempt):
		apiresp.WriteErrorCode(w, r, http.StatusConflict, "no_active_attempt", err.Error(), nil)
	case errors.Is(err, ErrAlreadySubmitted):
		apiresp.WriteErrorCode(w, r, http.StatusConflict, "already_submitted", err.Error(), nil)
	case errors.Is(err, ErrConcurrentAttempt):
		apiresp.WriteErrorCode(w, r, http.StatusConflict, "concurrent_attempt", err.Error(), nil)
	default:
		h.log.Error("exam request failed", "path", r.URL.Path, "error", err)
		apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func pathID(w http.ResponseWriter, r *http.Request, key, msg string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, key), 10, 64)
	if err != nil || id <= 0 {
		apiresp.WriteError(w, r, http.StatusBadRequest, msg)
		return 0, false
	}
	return id, true
}

func queryID(r *http.Request, key string) (int64, error) {
	v := strings.TrimSpace(r.URL.Query().Get(key))
	if v == "" {
		return 0, nil
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil || id < 0 {
		return 0, errors.New("invalid id")
	}
	return id, nil
}

// decodeOptional accepts an empty body.
func decodeOptional(r *http.Request, dst interface{}) error {
	if r.Body == nil {
		return nil
	}
	err := json.NewDecoder(r.Body).Decode(dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}
