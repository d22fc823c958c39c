package exam

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"crewtrain/internal/auth"

	"github.com/go-chi/chi/v5"
)

type mockExamService struct {
	startAttemptFn       func(ctx context.Context, userID, examID int64) (*StartResult, error)
	submitAttemptFn      func(ctx context.Context, in SubmitInput) (*SubmitResult, error)
	listAttemptsFn       func(ctx context.Context, userID int64, examID *int64) ([]Attempt, error)
	attemptResultFn      func(ctx context.Context, userID, examID int64) (*AttemptResult, error)
	listWrongQuestionsFn func(ctx context.Context, userID int64, includeMastered bool) ([]WrongQuestion, error)
	masterWrongFn        func(ctx context.Context, userID, id int64) (*WrongQuestion, error)
}

func (m *mockExamService) StartAttempt(ctx context.Context, userID, examID int64) (*StartResult, error) {
	if m.startAttemptFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.startAttemptFn(ctx, userID, examID)
}

func (m *mockExamService) SubmitAttempt(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
	if m.submitAttemptFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.submitAttemptFn(ctx, in)
}

func (m *mockExamService) ListAttempts(ctx context.Context, userID int64, examID *int64) ([]Attempt, error) {
	if m.listAttemptsFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.listAttemptsFn(ctx, userID, examID)
}

func (m *mockExamService) AttemptResult(ctx context.Context, userID, examID int64) (*AttemptResult, error) {
	if m.attemptResultFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.attemptResultFn(ctx, userID, examID)
}

func (m *mockExamService) ListWrongQuestions(ctx context.Context, userID int64, includeMastered bool) ([]WrongQuestion, error) {
	if m.listWrongQuestionsFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.listWrongQuestionsFn(ctx, userID, includeMastered)
}

func (m *mockExamService) MarkWrongQuestionMastered(ctx context.Context, userID, id int64) (*WrongQuestion, error) {
	if m.masterWrongFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.masterWrongFn(ctx, userID, id)
}

func withChiParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		rctx = chi.NewRouteContext()
	}
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func decodeBody(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func errorCode(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, rr)
	errObj, ok := body["error"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected error object, got %v", body)
	}
	code, _ := errObj["code"].(string)
	return code
}

func asStaff(r *http.Request, id int64) *http.Request {
	return r.WithContext(auth.ContextWithUser(r.Context(), &auth.User{ID: id, Role: auth.RoleStaff}))
}

func TestStartAttemptUsesSessionUser(t *testing.T) {
	var gotUser, gotExam int64
	h := NewHandler(&mockExamService{
		startAttemptFn: func(ctx context.Context, userID, examID int64) (*StartResult, error) {
			gotUser, gotExam = userID, examID
			return &StartResult{Attempt: Attempt{ID: 1, UserID: userID, ExamID: examID, AttemptNumber: 1, Status: StatusInProgress}}, nil
		},
	}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/exams/2/attempts", nil)
	req = withChiParam(req, "examID", "2")
	req = asStaff(req, 11)
	w := httptest.NewRecorder()
	h.Start(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", w.Code, w.Body.String())
	}
	if gotUser != 11 || gotExam != 2 {
		t.Fatalf("expected user 11 exam 2, got user %d exam %d", gotUser, gotExam)
	}
}

func TestStartAttemptStaffCannotActForOthers(t *testing.T) {
	called := false
	h := NewHandler(&mockExamService{
		startAttemptFn: func(ctx context.Context, userID, examID int64) (*StartResult, error) {
			called = true
			return &StartResult{}, nil
		},
	}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/exams/2/attempts", bytes.NewReader([]byte(`{"user_id":99}`)))
	req = withChiParam(req, "examID", "2")
	req = asStaff(req, 11)
	w := httptest.NewRecorder()
	h.Start(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	if called {
		t.Fatalf("service must not be called")
	}
}

func TestStartAttemptManagerActsForStaff(t *testing.T) {
	var gotUser int64
	h := NewHandler(&mockExamService{
		startAttemptFn: func(ctx context.Context, userID, examID int64) (*StartResult, error) {
			gotUser = userID
			return &StartResult{Attempt: Attempt{ID: 3, UserID: userID}}, nil
		},
	}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/exams/2/attempts", bytes.NewReader([]byte(`{"user_id":99}`)))
	req = withChiParam(req, "examID", "2")
	req = req.WithContext(auth.ContextWithUser(req.Context(), &auth.User{ID: 1, Role: auth.RoleManager}))
	w := httptest.NewRecorder()
	h.Start(w, req)

	if w.Code != http.StatusCreated || gotUser != 99 {
		t.Fatalf("expected 201 for user 99, got %d for user %d", w.Code, gotUser)
	}
}

func TestStartAttemptErrorMapping(t *testing.T) {
	next := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "not found", err: ErrExamNotFound, status: http.StatusNotFound, code: "not_found"},
		{name: "unpublished", err: ErrExamUnpublished, status: http.StatusConflict, code: "exam_unavailable"},
		{name: "exhausted", err: &ExhaustedError{MaxAttempts: 3, Attempts: 3}, status: http.StatusConflict, code: "attempts_exhausted"},
		{name: "cooldown", err: &CooldownError{NextRetakeAt: next}, status: http.StatusConflict, code: "cooldown_active"},
		{name: "concurrent", err: ErrConcurrentAttempt, status: http.StatusConflict, code: "concurrent_attempt"},
		{name: "validation", err: &ValidationError{Field: "max_attempts", Reason: "must be greater than 0"}, status: http.StatusBadRequest, code: "invalid_request"},
		{name: "unexpected", err: errors.New("db down"), status: http.StatusInternalServerError, code: "internal_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(&mockExamService{
				startAttemptFn: func(ctx context.Context, userID, examID int64) (*StartResult, error) {
					return nil, tt.err
				},
			}, nil)

			req := httptest.NewRequest(http.MethodPost, "/api/v1/exams/2/attempts", nil)
			req = withChiParam(req, "examID", "2")
			req = asStaff(req, 11)
			w := httptest.NewRecorder()
			h.Start(w, req)

			if w.Code != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, w.Code)
			}
			if got := errorCode(t, w); got != tt.code {
				t.Fatalf("expected code %s, got %s", tt.code, got)
			}
		})
	}
}

func TestCooldownErrorCarriesNextRetakeAt(t *testing.T) {
	next := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	h := NewHandler(&mockExamService{
		startAttemptFn: func(ctx context.Context, userID, examID int64) (*StartResult, error) {
			return nil, &CooldownError{NextRetakeAt: next}
		},
	}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/exams/2/attempts", nil)
	req = withChiParam(req, "examID", "2")
	req = asStaff(req, 11)
	w := httptest.NewRecorder()
	h.Start(w, req)

	body := decodeBody(t, w)
	details, _ := body["error"].(map[string]interface{})["details"].(map[string]interface{})
	if details["next_retake_at"] != "2026-03-05T09:00:00Z" {
		t.Fatalf("expected next_retake_at detail, got %v", details)
	}
}

func TestSubmitPassesAnswers(t *testing.T) {
	var got SubmitInput
	h := NewHandler(&mockExamService{
		submitAttemptFn: func(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
			got = in
			return &SubmitResult{AttemptID: 5, ExamID: in.ExamID, Score: 100, Passed: true, Status: string(StatusPassed)}, nil
		},
	}, nil)

	payload := []byte(`{"answers":[{"question_id":1,"user_answer":"B"},{"question_id":2,"user_answer":["A","C"]}],"time_spent":300}`)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/exams/4/submit", bytes.NewReader(payload))
	req = withChiParam(req, "examID", "4")
	req = asStaff(req, 11)
	w := httptest.NewRecorder()
	h.Submit(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if got.UserID != 11 || got.ExamID != 4 || len(got.Answers) != 2 {
		t.Fatalf("unexpected submit input: %+v", got)
	}
	if got.Answers[1].UserAnswer.String() != "A,C" {
		t.Fatalf("expected list answer A,C, got %s", got.Answers[1].UserAnswer.String())
	}
	if got.TimeSpent == nil || *got.TimeSpent != 300 {
		t.Fatalf("expected time_spent 300, got %v", got.TimeSpent)
	}
	data := decodeBody(t, w)["data"].(map[string]interface{})
	if data["exam_record_id"].(float64) != 5 {
		t.Fatalf("expected exam_record_id 5, got %v", data["exam_record_id"])
	}
}

func TestSubmitAlreadySubmitted(t *testing.T) {
	h := NewHandler(&mockExamService{
		submitAttemptFn: func(ctx context.Context, in SubmitInput) (*SubmitResult, error) {
			return nil, ErrAlreadySubmitted
		},
	}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/exams/4/submit", bytes.NewReader([]byte(`{"answers":[]}`)))
	req = withChiParam(req, "examID", "4")
	req = asStaff(req, 11)
	w := httptest.NewRecorder()
	h.Submit(w, req)

	if w.Code != http.StatusConflict || errorCode(t, w) != "already_submitted" {
		t.Fatalf("expected 409 already_submitted, got %d", w.Code)
	}
}

func TestSubmitRejectsMalformedAnswer(t *testing.T) {
	h := NewHandler(&mockExamService{}, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/exams/4/submit", bytes.NewReader([]byte(`{"answers":[{"question_id":1,"user_answer":{"x":1}}]}`)))
	req = withChiParam(req, "examID", "4")
	req = asStaff(req, 11)
	w := httptest.NewRecorder()
	h.Submit(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestListAttemptsFiltersByExam(t *testing.T) {
	var gotExam *int64
	h := NewHandler(&mockExamService{
		listAttemptsFn: func(ctx context.Context, userID int64, examID *int64) ([]Attempt, error) {
			gotExam = examID
			return []Attempt{{ID: 2, AttemptNumber: 2}, {ID: 1, AttemptNumber: 1}}, nil
		},
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/attempts?exam_id=6", nil)
	req = asStaff(req, 11)
	w := httptest.NewRecorder()
	h.ListAttempts(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if gotExam == nil || *gotExam != 6 {
		t.Fatalf("expected exam filter 6, got %v", gotExam)
	}
	items := decodeBody(t, w)["data"].([]interface{})
	if len(items) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(items))
	}
}

func TestListAttemptsRequiresSession(t *testing.T) {
	h := NewHandler(&mockExamService{}, nil)
	w := httptest.NewRecorder()
	h.ListAttempts(w, httptest.NewRequest(http.MethodGet, "/api/v1/attempts", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestResultReturnsReview(t *testing.T) {
	var gotUser, gotExam int64
	h := NewHandler(&mockExamService{
		attemptResultFn: func(ctx context.Context, userID, examID int64) (*AttemptResult, error) {
			gotUser, gotExam = userID, examID
			score := 80.0
			return &AttemptResult{
				Attempt:   Attempt{ID: 4, UserID: userID, ExamID: examID, AttemptNumber: 2, Status: StatusPassed, Score: &score},
				ExamTitle: "Allergens",
				PassScore: 70,
				Questions: []ReviewItem{{
					QuestionID:    31,
					Type:          QuestionTrueFalse,
					Content:       "Peanut oil is allergen free",
					UserAnswer:    TextAnswer("false"),
					CorrectAnswer: "false",
					IsCorrect:     true,
					Explanation:   "Refined oils can still carry traces.",
				}},
			}, nil
		},
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/exams/6/result", nil)
	req = withChiParam(req, "examID", "6")
	req = req.WithContext(auth.ContextWithUser(req.Context(), &auth.User{ID: 1, Role: auth.RoleManager}))
	req.URL.RawQuery = "user_id=12"
	w := httptest.NewRecorder()
	h.Result(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if gotUser != 12 || gotExam != 6 {
		t.Fatalf("expected user 12 exam 6, got user %d exam %d", gotUser, gotExam)
	}
	data := decodeBody(t, w)["data"].(map[string]interface{})
	items := data["questions"].([]interface{})
	item := items[0].(map[string]interface{})
	if item["correct_answer"] != "false" || item["user_answer"] != "false" || item["explanation"] != "Refined oils can still carry traces." {
		t.Fatalf("unexpected review item: %v", item)
	}
}

func TestResultWithoutGradedAttempt(t *testing.T) {
	h := NewHandler(&mockExamService{
		attemptResultFn: func(ctx context.Context, userID, examID int64) (*AttemptResult, error) {
			return nil, ErrNoGradedAttempt
		},
	}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/exams/6/result", nil)
	req = withChiParam(req, "examID", "6")
	req = asStaff(req, 11)
	w := httptest.NewRecorder()
	h.Result(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
	if code := errorCode(t, w); code != "not_found" {
		t.Fatalf("expected not_found, got %q", code)
	}
}

func TestResultStaffCannotReadOthers(t *testing.T) {
	h := NewHandler(&mockExamService{}, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/exams/6/result?user_id=12", nil)
	req = withChiParam(req, "examID", "6")
	req = asStaff(req, 11)
	w := httptest.NewRecorder()
	h.Result(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
}

func TestMasterWrongQuestion(t *testing.T) {
	h := NewHandler(&mockExamService{
		masterWrongFn: func(ctx context.Context, userID, id int64) (*WrongQuestion, error) {
			if userID != 11 || id != 8 {
				return nil, ErrWrongQuestionNotFound
			}
			return &WrongQuestion{ID: id, UserID: userID, Mastered: true}, nil
		},
	}, nil)

	req := httptest.NewRequest(http.MethodPut, "/api/v1/wrong-questions/8/master", nil)
	req = withChiParam(req, "id", "8")
	req = asStaff(req, 11)
	w := httptest.NewRecorder()
	h.MasterWrongQuestion(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	req = httptest.NewRequest(http.MethodPut, "/api/v1/wrong-questions/9/master", nil)
	req = withChiParam(req, "id", "9")
	req = asStaff(req, 11)
	w = httptest.NewRecorder()
	h.MasterWrongQuestion(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
