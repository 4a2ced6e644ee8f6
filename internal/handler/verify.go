package handler

import (
	"net/http"

	"github.com/keymintd/keymint/internal/license"
)

// VerifyHandler serves the public verification endpoint.
type VerifyHandler struct {
	manager *license.Manager
}

// NewVerifyHandler creates a VerifyHandler.
func NewVerifyHandler(manager *license.Manager) *VerifyHandler {
	return &VerifyHandler{manager: manager}
}

// verifyRequest accepts the historical field spellings used by deployed
// clients. Normalization happens here, at the boundary: the engine only ever
// sees one canonical (code, deviceID) pair.
type verifyRequest struct {
	Key    string `json:"key"`
	APIKey string `json:"apiKey"`
	Code   string `json:"code"`

	DeviceSnake string `json:"device_id"`
	DeviceCamel string `json:"deviceId"`
}

// normalize collapses the accepted spellings into the canonical pair. The
// first non-empty spelling wins, checked in documented precedence order.
func (r *verifyRequest) normalize() (code, deviceID string) {
	for _, c := range []string{r.Key, r.APIKey, r.Code} {
		if c != "" {
			code = c
			break
		}
	}
	for _, d := range []string{r.DeviceSnake, r.DeviceCamel} {
		if d != "" {
			deviceID = d
			break
		}
	}
	return code, deviceID
}

// verifyResponse is the success payload for a verification.
type verifyResponse struct {
	Valid bool                  `json:"valid"`
	Key   *license.VerifyResult `json:"key"`
}

// Verify checks a key for a device and binds the device on first use.
// POST /api/v1/verify
func (h *VerifyHandler) Verify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, string(license.KindInvalidInput),
			"Invalid request body: "+err.Error())
		return
	}

	code, deviceID := req.normalize()

	result, err := h.manager.Verify(r.Context(), code, deviceID)
	if err != nil {
		writeLicenseError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, verifyResponse{Valid: true, Key: result})
}
