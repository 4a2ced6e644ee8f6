package handler

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keymintd/keymint/internal/license"
	"github.com/keymintd/keymint/internal/model"
	"github.com/keymintd/keymint/internal/server/middleware"
	"github.com/keymintd/keymint/internal/service"
)

// SystemHandler manages the admin surface: session login and the key
// lifecycle operations.
type SystemHandler struct {
	manager *license.Manager
	authSvc *service.AuthService
}

// NewSystemHandler creates a SystemHandler.
func NewSystemHandler(manager *license.Manager, authSvc *service.AuthService) *SystemHandler {
	return &SystemHandler{manager: manager, authSvc: authSvc}
}

// ---------------------------------------------------------------------------
// Authentication
// ---------------------------------------------------------------------------

// loginRequest is the expected payload for the Login endpoint.
type loginRequest struct {
	Password string `json:"password"`
}

// loginResponse is the response payload for a successful login.
type loginResponse struct {
	Token     string `json:"session_token"`
	TokenType string `json:"token_type"`
	ExpiresIn int    `json:"expires_in"`
}

// Login authenticates the admin and returns a JWT session token.
// POST /api/v1/admin/session
func (h *SystemHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "", "Invalid request body: "+err.Error())
		return
	}
	if req.Password == "" {
		writeError(w, http.StatusBadRequest, "", "Password is required")
		return
	}

	token, err := h.authSvc.Login(r.Context(), req.Password)
	if err != nil {
		if errors.Is(err, service.ErrNotConfigured) {
			writeError(w, http.StatusServiceUnavailable, "", "Admin login is not configured")
			return
		}
		writeError(w, http.StatusUnauthorized, "", "Invalid credentials")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		TokenType: "bearer",
		ExpiresIn: int(h.authSvc.TokenTTL().Seconds()),
	})
}

// ---------------------------------------------------------------------------
// Key lifecycle
// ---------------------------------------------------------------------------

// createKeyRequest is the payload for single key creation.
type createKeyRequest struct {
	Duration       int    `json:"duration"`
	Unit           string `json:"unit"`
	AllowedDevices int    `json:"allowed_devices"`
	CustomCode     string `json:"custom_code,omitempty"`
}

func (req *createKeyRequest) params(isAdmin bool) license.CreateParams {
	return license.CreateParams{
		Duration:       req.Duration,
		Unit:           license.Unit(req.Unit),
		AllowedDevices: req.AllowedDevices,
		CustomCode:     req.CustomCode,
		IsAdmin:        isAdmin,
	}
}

// isAdmin reports whether the request carries the admin capability.
func isAdmin(r *http.Request) bool {
	p := middleware.GetPrincipal(r.Context())
	return p != nil && p.IsAdmin
}

// CreateKey issues a new key. The full code is returned exactly once, here.
// POST /api/v1/key
func (h *SystemHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(license.KindInvalidInput),
			"Invalid request body: "+err.Error())
		return
	}

	rec, err := h.manager.Create(r.Context(), req.params(isAdmin(r)))
	if err != nil {
		writeLicenseError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, keyToMap(rec, true))
}

// bulkCreateRequest is the payload for bulk key creation.
type bulkCreateRequest struct {
	Count          int    `json:"count"`
	Duration       int    `json:"duration"`
	Unit           string `json:"unit"`
	AllowedDevices int    `json:"allowed_devices"`
}

// BulkCreateKeys issues up to the configured limit of keys in one call.
// Partial success is reported per item.
// POST /api/v1/key/bulk
func (h *SystemHandler) BulkCreateKeys(w http.ResponseWriter, r *http.Request) {
	var req bulkCreateRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(license.KindInvalidInput),
			"Invalid request body: "+err.Error())
		return
	}

	results, err := h.manager.BulkCreate(r.Context(), req.Count, license.CreateParams{
		Duration:       req.Duration,
		Unit:           license.Unit(req.Unit),
		AllowedDevices: req.AllowedDevices,
		IsAdmin:        isAdmin(r),
	})
	if err != nil {
		writeLicenseError(w, err)
		return
	}

	items := make([]map[string]interface{}, 0, len(results))
	created := 0
	for _, res := range results {
		if res.Err != nil {
			items = append(items, map[string]interface{}{
				"error": res.Err.Error(),
				"kind":  string(license.KindOf(res.Err)),
			})
			continue
		}
		items = append(items, keyToMap(res.Record, true))
		created++
	}

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"requested": req.Count,
		"created":   created,
		"resource":  items,
	})
}

// ListKeys returns a snapshot of every key with codes masked.
// GET /api/v1/key
func (h *SystemHandler) ListKeys(w http.ResponseWriter, r *http.Request) {
	records, err := h.manager.List(r.Context())
	if err != nil {
		writeLicenseError(w, err)
		return
	}

	resources := make([]map[string]interface{}, 0, len(records))
	for i := range records {
		resources = append(resources, keyToMap(&records[i], false))
	}

	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: resources,
		Meta:     &model.ResponseMeta{Count: len(resources)},
	})
}

// GetKey returns a single key's status by code.
// GET /api/v1/key/{code}
func (h *SystemHandler) GetKey(w http.ResponseWriter, r *http.Request) {
	rec, err := h.manager.Get(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeLicenseError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, keyToMap(rec, false))
}

// DeleteKey hard-removes a key. Deleting an unknown code is a 404.
// DELETE /api/v1/key/{code}
func (h *SystemHandler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.Delete(r.Context(), chi.URLParam(r, "code")); err != nil {
		writeLicenseError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true})
}

// extendKeyRequest is the payload for an expiry extension.
type extendKeyRequest struct {
	Duration int    `json:"duration"`
	Unit     string `json:"unit"`
}

// ExtendKey adds duration to the key's current expiry (not to now).
// POST /api/v1/key/{code}/extend
func (h *SystemHandler) ExtendKey(w http.ResponseWriter, r *http.Request) {
	var req extendKeyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(license.KindInvalidInput),
			"Invalid request body: "+err.Error())
		return
	}

	newExpiry, err := h.manager.ExtendExpiry(r.Context(), chi.URLParam(r, "code"), req.Duration, license.Unit(req.Unit))
	if err != nil {
		writeLicenseError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"expires_at": newExpiry})
}

// setExpiryRequest is the payload for an absolute expiry override.
type setExpiryRequest struct {
	ExpiresAt time.Time `json:"expires_at"`
}

// SetKeyExpiry overrides the key's expiry with an absolute timestamp. A
// timestamp in the past deliberately expires the key.
// PUT /api/v1/key/{code}/expiry
func (h *SystemHandler) SetKeyExpiry(w http.ResponseWriter, r *http.Request) {
	var req setExpiryRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(license.KindInvalidInput),
			"Invalid request body: "+err.Error())
		return
	}
	if req.ExpiresAt.IsZero() {
		writeError(w, http.StatusBadRequest, string(license.KindInvalidInput),
			"expires_at is required")
		return
	}

	if err := h.manager.SetExpiryAbsolute(r.Context(), chi.URLParam(r, "code"), req.ExpiresAt); err != nil {
		writeLicenseError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"expires_at": req.ExpiresAt})
}

// ResetKeyDevices clears the key's bound device set.
// POST /api/v1/key/{code}/reset-devices
func (h *SystemHandler) ResetKeyDevices(w http.ResponseWriter, r *http.Request) {
	if err := h.manager.ResetDevices(r.Context(), chi.URLParam(r, "code")); err != nil {
		writeLicenseError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"reset": true})
}

// setDevicesRequest is the payload for a device quota update.
type setDevicesRequest struct {
	AllowedDevices int `json:"allowed_devices"`
}

// SetKeyDevices updates the key's device quota. Shrinking below the current
// bound-device count is rejected.
// PUT /api/v1/key/{code}/devices
func (h *SystemHandler) SetKeyDevices(w http.ResponseWriter, r *http.Request) {
	var req setDevicesRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(license.KindInvalidInput),
			"Invalid request body: "+err.Error())
		return
	}

	if err := h.manager.SetAllowedDevices(r.Context(), chi.URLParam(r, "code"), req.AllowedDevices); err != nil {
		writeLicenseError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"allowed_devices": req.AllowedDevices})
}

// keyToMap shapes a record for API responses. The raw code only appears when
// includeCode is set (creation responses); everywhere else it is masked.
func keyToMap(rec *model.KeyRecord, includeCode bool) map[string]interface{} {
	out := map[string]interface{}{
		"id":                 rec.ID,
		"code":               license.MaskCode(rec.Code),
		"created_at":         rec.CreatedAt,
		"expires_at":         rec.ExpiresAt,
		"allowed_devices":    rec.AllowedDevices,
		"devices_used":       len(rec.BoundDevices),
		"verification_count": rec.VerificationCount,
	}
	if includeCode {
		out["code"] = rec.Code
	}
	if rec.LastVerifiedAt != nil {
		out["last_verified_at"] = *rec.LastVerifiedAt
	}
	return out
}
