package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/keymintd/keymint/internal/keystore"
	"github.com/keymintd/keymint/internal/license"
	"github.com/keymintd/keymint/internal/model"
)

func newTestManager(t *testing.T) *license.Manager {
	t.Helper()
	store, err := keystore.NewFileStore(filepath.Join(t.TempDir(), "keys.json"))
	if err != nil {
		t.Fatalf("NewFileStore: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return license.NewManager(store, license.NewSigner([]byte("test-secret")), license.NewGenerator(16), nil, nil, license.Config{})
}

func createKey(t *testing.T, m *license.Manager, p license.CreateParams) string {
	t.Helper()
	rec, err := m.Create(context.Background(), p)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return rec.Code
}

func postVerify(t *testing.T, h *VerifyHandler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/verify", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.Verify(rr, req)
	return rr
}

func decodeErrorKind(t *testing.T, rr *httptest.ResponseRecorder) string {
	t.Helper()
	var envelope model.ErrorResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &envelope); err != nil {
		t.Fatalf("decode error envelope: %v (body %s)", err, rr.Body.String())
	}
	return envelope.Error.Kind
}

func TestVerifyEndpoint(t *testing.T) {
	m := newTestManager(t)
	h := NewVerifyHandler(m)
	code := createKey(t, m, license.CreateParams{Duration: 1, Unit: license.UnitDay, AllowedDevices: 2})

	rr := postVerify(t, h, `{"key":"`+code+`","device_id":"devA"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200 (body %s)", rr.Code, rr.Body.String())
	}

	var resp struct {
		Valid bool                  `json:"valid"`
		Key   *license.VerifyResult `json:"key"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if !resp.Valid {
		t.Error("expected valid=true")
	}
	if resp.Key == nil || !resp.Key.DeviceAttached || resp.Key.DevicesUsed != 1 {
		t.Errorf("unexpected key payload: %+v", resp.Key)
	}
}

func TestVerifyEndpointFieldSpellings(t *testing.T) {
	m := newTestManager(t)
	h := NewVerifyHandler(m)
	code := createKey(t, m, license.CreateParams{Duration: 1, Unit: license.UnitDay, AllowedDevices: 5})

	bodies := []string{
		`{"key":"` + code + `","device_id":"dev1"}`,
		`{"apiKey":"` + code + `","deviceId":"dev2"}`,
		`{"code":"` + code + `","device_id":"dev3"}`,
	}
	for _, body := range bodies {
		rr := postVerify(t, h, body)
		if rr.Code != http.StatusOK {
			t.Errorf("body %s: got status %d, want 200 (%s)", body, rr.Code, rr.Body.String())
		}
	}
}

func TestVerifyEndpointErrors(t *testing.T) {
	m := newTestManager(t)
	h := NewVerifyHandler(m)
	code := createKey(t, m, license.CreateParams{Duration: 1, Unit: license.UnitDay, AllowedDevices: 1})

	// Fill the key's only slot so the limit case is reachable.
	if rr := postVerify(t, h, `{"key":"`+code+`","device_id":"devA"}`); rr.Code != http.StatusOK {
		t.Fatalf("setup verify failed: %d", rr.Code)
	}

	cases := []struct {
		name       string
		body       string
		wantStatus int
		wantKind   string
	}{
		{"malformed body", `{nope`, http.StatusBadRequest, string(license.KindInvalidInput)},
		{"missing fields", `{}`, http.StatusBadRequest, string(license.KindInvalidInput)},
		{"missing device", `{"key":"` + code + `"}`, http.StatusBadRequest, string(license.KindInvalidInput)},
		{"unknown key", `{"key":"DOESNOTEXIST","device_id":"devA"}`, http.StatusNotFound, string(license.KindKeyNotFound)},
		{"device limit", `{"key":"` + code + `","device_id":"devB"}`, http.StatusForbidden, string(license.KindDeviceLimitReached)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rr := postVerify(t, h, tc.body)
			if rr.Code != tc.wantStatus {
				t.Errorf("got status %d, want %d (body %s)", rr.Code, tc.wantStatus, rr.Body.String())
			}
			if got := decodeErrorKind(t, rr); got != tc.wantKind {
				t.Errorf("got kind %q, want %q", got, tc.wantKind)
			}
		})
	}
}
