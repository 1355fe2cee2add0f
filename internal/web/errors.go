package web

// errors.go renders every API error the same way: the technical error is
// logged with the request id, and the client gets the mapped user message.

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/JonMunkholm/csvingest/internal/core"
	"github.com/JonMunkholm/csvingest/internal/ingest"
	"github.com/JonMunkholm/csvingest/internal/logging"
)

// ErrorResponse represents the JSON structure for API error responses.
// Includes both machine-readable (Code) and human-readable (Message, Action) fields.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
	Code    string `json:"code"`
}

// statusFor picks the HTTP status for an error returned by the service.
func statusFor(err error) int {
	switch {
	case errors.Is(err, core.ErrImportNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrTableBusy), errors.Is(err, ingest.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, core.ErrTooManyImports):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrFileTooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, core.ErrExportUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, core.ErrNoFile),
		errors.Is(err, core.ErrEmptyFile),
		errors.Is(err, ingest.ErrInvalidSession),
		errors.Is(err, ingest.ErrInvalidSchema),
		errors.Is(err, ingest.ErrMultiplePrimaryKeys),
		errors.Is(err, ingest.ErrSchemaMismatch),
		errors.Is(err, ingest.ErrNoColumns),
		errors.Is(err, ingest.ErrUnknownEncoding):
		return http.StatusBadRequest
	}
	if core.MapError(err).Code == "DB009" {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}

// respondError logs err and writes its user-facing message. A zero status
// is derived from the error.
func respondError(w http.ResponseWriter, r *http.Request, err error, status int) {
	if status == 0 {
		status = statusFor(err)
	}
	ue := core.NewUserError(err)
	msg := ue.User

	log := logging.FromContext(r.Context())
	attrs := []any{
		"path", r.URL.Path,
		"method", r.Method,
		"status", status,
		"error", ue.Technical.Error(),
		"code", msg.Code,
	}
	if status >= http.StatusInternalServerError {
		log.Error("request error", attrs...)
	} else {
		log.Warn("request error", attrs...)
	}

	respondErrorJSON(w, msg, status)
}

// respondErrorJSON writes a JSON error response.
func respondErrorJSON(w http.ResponseWriter, msg core.UserMessage, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Error:   msg.Message,
		Message: msg.Message,
		Action:  msg.Action,
		Code:    msg.Code,
	})
}

// badRequest reports a malformed request that never reached the service.
func badRequest(w http.ResponseWriter, r *http.Request, message string) {
	logging.FromContext(r.Context()).Warn("bad request", "path", r.URL.Path, "reason", message)
	respondErrorJSON(w, core.UserMessage{
		Message: message,
		Action:  "Check the request and try again",
		Code:    "REQ001",
	}, http.StatusBadRequest)
}
