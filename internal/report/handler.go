package report

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"crewtrain/internal/app/apiresp"
	"crewtrain/internal/platform/logger"

	"github.com/go-chi/chi/v5"
)

type reportService interface {
	SummaryByExam(ctx context.Context, examID int64) (*ExamSummary, error)
	ExportAttemptsXLSX(ctx context.Context, examID int64) ([]byte, error)
}

type Handler struct {
	svc reportService
	log *logger.Logger
}

func NewHandler(svc reportService, log *logger.Logger) *Handler {
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{svc: svc, log: log.With("handler", "report")}
}

func (h *Handler) Summary(w http.ResponseWriter, r *http.Request) {
	examID, ok := examIDParam(w, r)
	if !ok {
		return
	}
	out, err := h.svc.SummaryByExam(r.Context(), examID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	apiresp.WriteOK(w, r, http.StatusOK, out)
}

func (h *Handler) ExportAttempts(w http.ResponseWriter, r *http.Request) {
	examID, ok := examIDParam(w, r)
	if !ok {
		return
	}
	data, err := h.svc.ExportAttemptsXLSX(r.Context(), examID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="exam-%d-attempts.xlsx"`, examID))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, ErrExamNotFound) {
		apiresp.WriteError(w, r, http.StatusNotFound, err.Error())
		return
	}
	h.log.Error("report request failed", "path", r.URL.Path, "error", err)
	apiresp.WriteError(w, r, http.StatusInternalServerError, "internal error")
}

func examIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "examID"), 10, 64)
	if err != nil || id <= 0 {
		apiresp.WriteError(w, r, http.StatusBadRequest, "invalid exam id")
		return 0, false
	}
	return id, true
}
