package auth

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type mockSessionService struct {
	authenticateFn func(ctx context.Context, identifier, password string) (*User, error)
	createUserFn   func(ctx context.Context, in CreateUserInput) (*User, error)
	createSessFn   func(ctx context.Context, userID int64, ip, ua string) (string, time.Time, error)
	sessionUserFn  func(ctx context.Context, token string) (*User, error)
	revokeFn       func(ctx context.Context, token string) error
}

func (m *mockSessionService) AuthenticatePassword(ctx context.Context, identifier, password string) (*User, error) {
	if m.authenticateFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.authenticateFn(ctx, identifier, password)
}

func (m *mockSessionService) CreateUser(ctx context.Context, in CreateUserInput) (*User, error) {
	if m.createUserFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.createUserFn(ctx, in)
}

func (m *mockSessionService) CreateSession(ctx context.Context, userID int64, ip, ua string) (string, time.Time, error) {
	if m.createSessFn == nil {
		return "", time.Time{}, errors.New("not implemented")
	}
	return m.createSessFn(ctx, userID, ip, ua)
}

func (m *mockSessionService) GetSessionUser(ctx context.Context, token string) (*User, error) {
	if m.sessionUserFn == nil {
		return nil, errors.New("not implemented")
	}
	return m.sessionUserFn(ctx, token)
}

func (m *mockSessionService) RevokeSession(ctx context.Context, token string) error {
	if m.revokeFn == nil {
		return nil
	}
	return m.revokeFn(ctx, token)
}

func TestLoginSetsSessionCookie(t *testing.T) {
	h := NewHandler(&mockSessionService{
		authenticateFn: func(ctx context.Context, identifier, password string) (*User, error) {
			return &User{ID: 4, Username: identifier, Role: RoleStaff, IsActive: true}, nil
		},
		createSessFn: func(ctx context.Context, userID int64, ip, ua string) (string, time.Time, error) {
			if userID != 4 {
				t.Fatalf("unexpected user id %d", userID)
			}
			return "tok", time.Now().Add(time.Hour), nil
		},
	}, false)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader([]byte(`{"identifier":"kim","password":"pw123456"}`)))
	w := httptest.NewRecorder()
	h.LoginPassword(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	cookies := w.Result().Cookies()
	if len(cookies) != 1 || cookies[0].Name != sessionCookieName || cookies[0].Value != "tok" {
		t.Fatalf("expected session cookie, got %+v", cookies)
	}
}

func TestLoginInvalidCredentials(t *testing.T) {
	h := NewHandler(&mockSessionService{
		authenticateFn: func(ctx context.Context, identifier, password string) (*User, error) {
			return nil, ErrInvalidCredentials
		},
	}, false)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/login", bytes.NewReader([]byte(`{"identifier":"kim","password":"nope"}`)))
	w := httptest.NewRecorder()
	h.LoginPassword(w, req)

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRequireRolesForbidsStaff(t *testing.T) {
	h := NewHandler(&mockSessionService{}, false)
	called := false
	next := h.RequireRoles(RoleAdmin, RoleManager)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/exams/1/report", nil)
	req = req.WithContext(ContextWithUser(req.Context(), &User{ID: 1, Role: RoleStaff}))
	w := httptest.NewRecorder()
	next.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", w.Code)
	}
	if called {
		t.Fatalf("next handler must not run")
	}
}

func TestRequireAuthInjectsUser(t *testing.T) {
	h := NewHandler(&mockSessionService{
		sessionUserFn: func(ctx context.Context, token string) (*User, error) {
			if token != "abc" {
				return nil, ErrUnauthorized
			}
			return &User{ID: 9, Role: RoleManager}, nil
		},
	}, false)

	var got *User
	next := h.RequireAuth(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, _ = CurrentUser(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
	req.AddCookie(&http.Cookie{Name: sessionCookieName, Value: "abc"})
	next.ServeHTTP(httptest.NewRecorder(), req)
	if got == nil || got.ID != 9 {
		t.Fatalf("expected user 9 in context, got %+v", got)
	}

	w := httptest.NewRecorder()
	next.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without cookie, got %d", w.Code)
	}
}

func TestActingUserID(t *testing.T) {
	staff := ContextWithUser(context.Background(), &User{ID: 1, Role: RoleStaff})
	manager := ContextWithUser(context.Background(), &User{ID: 2, Role: RoleManager})

	tests := []struct {
		name      string
		ctx       context.Context
		requested int64
		want      int64
		wantErr   error
	}{
		{name: "staff defaults to self", ctx: staff, requested: 0, want: 1},
		{name: "staff naming self", ctx: staff, requested: 1, want: 1},
		{name: "staff naming other", ctx: staff, requested: 5, wantErr: ErrForbidden},
		{name: "manager naming other", ctx: manager, requested: 5, want: 5},
		{name: "anonymous", ctx: context.Background(), requested: 0, wantErr: ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ActingUserID(tt.ctx, tt.requested)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("expected %v, got %v", tt.wantErr, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("expected %d, got %d (err=%v)", tt.want, got, err)
			}
		})
	}
}
