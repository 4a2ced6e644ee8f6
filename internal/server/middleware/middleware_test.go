package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/keymintd/keymint/internal/service"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestRequestIDGenerated(t *testing.T) {
	var captured string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		captured = GetRequestID(r.Context())
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))

	if captured == "" {
		t.Error("expected a request ID in the context")
	}
	if got := rr.Header().Get("X-Request-ID"); got != captured {
		t.Errorf("header %q does not match context %q", got, captured)
	}
}

func TestRequestIDPreservesClientID(t *testing.T) {
	h := RequestID(okHandler())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "client-supplied")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if got := rr.Header().Get("X-Request-ID"); got != "client-supplied" {
		t.Errorf("got %q, want the client-supplied ID", got)
	}
}

func TestGetRequestIDEmpty(t *testing.T) {
	if got := GetRequestID(context.Background()); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func newAuthService(t *testing.T) *service.AuthService {
	t.Helper()
	return service.NewAuthService("mw-test-secret", service.HashPassword("hunter22"), time.Hour)
}

func TestAuthenticate(t *testing.T) {
	authSvc := newAuthService(t)
	token, err := authSvc.Login(context.Background(), "hunter22")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	var principal *service.Principal
	h := Authenticate(authSvc)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal = GetPrincipal(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rr.Code)
	}
	if principal == nil || !principal.IsAdmin {
		t.Errorf("got principal %+v, want admin", principal)
	}
}

func TestAuthenticateRejections(t *testing.T) {
	authSvc := newAuthService(t)
	h := Authenticate(authSvc)(okHandler())

	cases := []struct {
		name   string
		header string
	}{
		{"no header", ""},
		{"not bearer", "Basic dXNlcjpwYXNz"},
		{"garbage token", "Bearer not-a-jwt"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rr := httptest.NewRecorder()
			h.ServeHTTP(rr, req)
			if rr.Code != http.StatusUnauthorized {
				t.Errorf("got status %d, want 401", rr.Code)
			}
		})
	}
}

func TestRequireAdmin(t *testing.T) {
	h := RequireAdmin()(okHandler())

	// No principal at all.
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	if rr.Code != http.StatusForbidden {
		t.Errorf("no principal: got %d, want 403", rr.Code)
	}

	// Authenticated but not admin.
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	ctx := context.WithValue(req.Context(), AuthPrincipalKey, &service.Principal{Subject: "reader"})
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req.WithContext(ctx))
	if rr.Code != http.StatusForbidden {
		t.Errorf("non-admin: got %d, want 403", rr.Code)
	}

	// Admin passes through.
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	ctx = context.WithValue(req.Context(), AuthPrincipalKey, &service.Principal{Subject: "admin", IsAdmin: true})
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req.WithContext(ctx))
	if rr.Code != http.StatusOK {
		t.Errorf("admin: got %d, want 200", rr.Code)
	}
}
