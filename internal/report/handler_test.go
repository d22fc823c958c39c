package report

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
)

type mockReportService struct {
	summaryFn func(ctx context.Context, examID int64) (*ExamSummary, error)
	exportFn  func(ctx context.Context, examID int64) ([]byte, error)
}

func (m *mockReportService) SummaryByExam(ctx context.Context, examID int64) (*ExamSummary, error) {
	if m.summaryFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.summaryFn(ctx, examID)
}

func (m *mockReportService) ExportAttemptsXLSX(ctx context.Context, examID int64) ([]byte, error) {
	if m.exportFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.exportFn(ctx, examID)
}

func withChiParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		rctx = chi.NewRouteContext()
	}
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func TestSummaryHandler(t *testing.T) {
	h := NewHandler(&mockReportService{
		summaryFn: func(ctx context.Context, examID int64) (*ExamSummary, error) {
			return &ExamSummary{ExamID: examID, Participants: 4}, nil
		},
	}, nil)

	req := withChiParam(httptest.NewRequest(http.MethodGet, "/api/v1/admin/exams/3/report", nil), "examID", "3")
	w := httptest.NewRecorder()
	h.Summary(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), `"participants":4`) {
		t.Fatalf("expected participants in body, got %s", w.Body.String())
	}
}

func TestSummaryHandlerErrors(t *testing.T) {
	tests := []struct {
		name   string
		param  string
		err    error
		status int
	}{
		{name: "bad id", param: "x", status: http.StatusBadRequest},
		{name: "not found", param: "3", err: ErrExamNotFound, status: http.StatusNotFound},
		{name: "internal", param: "3", err: errors.New("db down"), status: http.StatusInternalServerError},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			h := NewHandler(&mockReportService{
				summaryFn: func(ctx context.Context, examID int64) (*ExamSummary, error) {
					return nil, tc.err
				},
			}, nil)
			req := withChiParam(httptest.NewRequest(http.MethodGet, "/", nil), "examID", tc.param)
			w := httptest.NewRecorder()
			h.Summary(w, req)
			if w.Code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, w.Code)
			}
		})
	}
}

func TestExportAttemptsHandlerHeaders(t *testing.T) {
	h := NewHandler(&mockReportService{
		exportFn: func(ctx context.Context, examID int64) ([]byte, error) {
			return []byte("xlsx"), nil
		},
	}, nil)

	req := withChiParam(httptest.NewRequest(http.MethodGet, "/api/v1/admin/exams/3/attempts.xlsx", nil), "examID", "3")
	w := httptest.NewRecorder()
	h.ExportAttempts(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "spreadsheetml") {
		t.Fatalf("expected xlsx content type, got %q", ct)
	}
	if cd := w.Header().Get("Content-Disposition"); !strings.Contains(cd, "exam-3-attempts.xlsx") {
		t.Fatalf("expected attachment filename, got %q", cd)
	}
	if w.Body.String() != "xlsx" {
		t.Fatalf("expected body passthrough, got %q", w.Body.String())
	}
}
