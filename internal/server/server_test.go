package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/keymintd/keymint/internal/keystore"
	"github.com/keymintd/keymint/internal/license"
	"github.com/keymintd/keymint/internal/model"
	"github.com/keymintd/keymint/internal/service"
)

const adminPassword = "integration-pass"

func newTestServer(t *testing.T) *Server {
	t.Helper()

	store, err := keystore.NewFileStore(filepath.Join(t.TempDir(), "keys.json"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	manager := license.NewManager(store,
		license.NewSigner([]byte("srv-test-secret")),
		license.NewGenerator(16), nil, logger, license.Config{})
	authSvc := service.NewAuthService("srv-test-jwt", service.HashPassword(adminPassword), time.Hour)

	cfg := DefaultConfig()
	cfg.VerifyRatePerMinute = 0 // rate limiting is off in tests
	return New(cfg, manager, store, authSvc, logger)
}

func login(t *testing.T, srv *Server) string {
	t.Helper()
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/session",
		bytes.NewBufferString(`{"password":"`+adminPassword+`"}`))
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("login: got status %d (%s)", rr.Code, rr.Body.String())
	}
	var resp struct {
		Token string `json:"session_token"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	return resp.Token
}

func TestHealthEndpoints(t *testing.T) {
	srv := newTestServer(t)

	for _, path := range []string{"/healthz", "/readyz"} {
		rr := httptest.NewRecorder()
		srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, path, nil))
		if rr.Code != http.StatusOK {
			t.Errorf("%s: got status %d, want 200", path, rr.Code)
		}
	}
}

func TestAdminRoutesRequireAuth(t *testing.T) {
	srv := newTestServer(t)

	routes := []struct{ method, path string }{
		{http.MethodGet, "/api/v1/key"},
		{http.MethodPost, "/api/v1/key"},
		{http.MethodPost, "/api/v1/key/bulk"},
		{http.MethodGet, "/api/v1/key/SOMECODE"},
		{http.MethodDelete, "/api/v1/key/SOMECODE"},
		{http.MethodPost, "/api/v1/key/SOMECODE/extend"},
		{http.MethodPut, "/api/v1/key/SOMECODE/expiry"},
		{http.MethodPost, "/api/v1/key/SOMECODE/reset-devices"},
		{http.MethodPut, "/api/v1/key/SOMECODE/devices"},
	}
	for _, route := range routes {
		rr := httptest.NewRecorder()
		srv.ServeHTTP(rr, httptest.NewRequest(route.method, route.path, bytes.NewBufferString("{}")))
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s %s: got status %d, want 401", route.method, route.path, rr.Code)
		}
	}
}

func TestVerifyEndpointIsPublic(t *testing.T) {
	srv := newTestServer(t)

	// No Authorization header; a well-formed miss is a 404, never a 401.
	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/verify",
		bytes.NewBufferString(`{"key":"DOESNOTEXIST","device_id":"devA"}`))
	srv.ServeHTTP(rr, req)
	if rr.Code != http.StatusNotFound {
		t.Errorf("got status %d, want 404", rr.Code)
	}
}

func TestFullKeyLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	token := login(t, srv)

	authed := func(method, path, body string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
		req.Header.Set("Authorization", "Bearer "+token)
		srv.ServeHTTP(rr, req)
		return rr
	}

	// Create.
	rr := authed(http.MethodPost, "/api/v1/key", `{"duration":7,"unit":"day","allowed_devices":2}`)
	if rr.Code != http.StatusCreated {
		t.Fatalf("create: got status %d (%s)", rr.Code, rr.Body.String())
	}
	var created map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &created); err != nil {
		t.Fatalf("decode create: %v", err)
	}
	code := created["code"].(string)

	// Verify from two devices, then hit the limit with a third.
	verify := func(device string) *httptest.ResponseRecorder {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/verify",
			bytes.NewBufferString(`{"key":"`+code+`","device_id":"`+device+`"}`))
		srv.ServeHTTP(rr, req)
		return rr
	}
	if rr := verify("devA"); rr.Code != http.StatusOK {
		t.Fatalf("verify devA: got %d (%s)", rr.Code, rr.Body.String())
	}
	if rr := verify("devB"); rr.Code != http.StatusOK {
		t.Fatalf("verify devB: got %d", rr.Code)
	}
	rr = verify("devC")
	if rr.Code != http.StatusForbidden {
		t.Fatalf("verify devC: got %d, want 403", rr.Code)
	}
	var envelope model.ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode error: %v", err)
	}
	if envelope.Error.Kind != string(license.KindDeviceLimitReached) {
		t.Errorf("got kind %q, want device_limit_reached", envelope.Error.Kind)
	}

	// Free the slots and confirm devC can now attach.
	if rr := authed(http.MethodPost, "/api/v1/key/"+code+"/reset-devices", ""); rr.Code != http.StatusOK {
		t.Fatalf("reset-devices: got %d", rr.Code)
	}
	if rr := verify("devC"); rr.Code != http.StatusOK {
		t.Errorf("verify devC after reset: got %d", rr.Code)
	}

	// Delete, then confirm verification fails immediately.
	if rr := authed(http.MethodDelete, "/api/v1/key/"+code, ""); rr.Code != http.StatusOK {
		t.Fatalf("delete: got %d", rr.Code)
	}
	if rr := verify("devC"); rr.Code != http.StatusNotFound {
		t.Errorf("verify after delete: got %d, want 404", rr.Code)
	}
}

func TestReadyzReportsStoreFailure(t *testing.T) {
	srv := newTestServer(t)
	srv.store = failingStore{}

	rr := httptest.NewRecorder()
	srv.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rr.Code != http.StatusServiceUnavailable {
		t.Errorf("got status %d, want 503", rr.Code)
	}
}

type failingStore struct{}

func (failingStore) LoadAll(ctx context.Context) ([]model.KeyRecord, error) {
	return nil, keystore.ErrUnavailable
}

func (failingStore) SaveAll(ctx context.Context, records []model.KeyRecord) error {
	return keystore.ErrUnavailable
}

func (failingStore) Close() error { return nil }
