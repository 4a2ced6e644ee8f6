package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/keymintd/keymint/internal/license"
	"github.com/keymintd/keymint/internal/model"
)

// writeJSON serializes v as JSON and writes it to the response with the given
// HTTP status code. The Content-Type header is set to application/json.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a structured error response using the standard error
// envelope. The optional ctx map provides additional context fields.
func writeError(w http.ResponseWriter, code int, kind, message string, ctx ...map[string]interface{}) {
	var ctxMap map[string]interface{}
	if len(ctx) > 0 {
		ctxMap = ctx[0]
	}
	writeJSON(w, code, model.ErrorResponse{
		Error: model.ErrorDetail{
			Code:    code,
			Kind:    kind,
			Message: message,
			Context: ctxMap,
		},
	})
}

// readJSON decodes the request body as JSON into v. The body is closed after
// decoding regardless of success or failure.
func readJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

// writeLicenseError maps a license engine error onto the HTTP surface:
// status code from the error kind, kind and diagnostics into the envelope.
func writeLicenseError(w http.ResponseWriter, err error) {
	var le *license.Error
	if !errors.As(err, &le) {
		writeError(w, http.StatusInternalServerError, "", err.Error())
		return
	}
	writeError(w, statusForKind(le.Kind), string(le.Kind), le.Message, le.Details)
}

// statusForKind maps the engine's error taxonomy to HTTP status codes.
func statusForKind(kind license.Kind) int {
	switch kind {
	case license.KindInvalidInput:
		return http.StatusBadRequest
	case license.KindKeyNotFound:
		return http.StatusNotFound
	case license.KindDuplicateCode:
		return http.StatusConflict
	case license.KindKeyExpired, license.KindDeviceLimitReached, license.KindIntegrityViolation:
		return http.StatusForbidden
	case license.KindRateLimited:
		return http.StatusTooManyRequests
	case license.KindStoreUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
