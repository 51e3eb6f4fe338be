// Package api exposes the gateway over HTTP: routing, auth and request-id
// middleware, the error envelope, and the SSE writer for streaming chat.
package api

import (
	"encoding/json"
	"net/http"

	"github.com/sovereignrag/gateway/pkg/gateway"
)

// ErrorEnvelope is the only error shape clients ever see.
type ErrorEnvelope struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail carries the client-facing error fields.
type ErrorDetail struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
}

// WriteErrorEnvelope renders the envelope with the given status code.
func WriteErrorEnvelope(w http.ResponseWriter, status int, code, errType, message, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("x-request-id", requestID)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorEnvelope{Error: ErrorDetail{
		Code:      code,
		Message:   message,
		Type:      errType,
		RequestID: requestID,
	}})
}

// writeGatewayError renders any pipeline error. Unknown error values map to
// 500 internal_error with the internal detail withheld.
func writeGatewayError(w http.ResponseWriter, r *http.Request, err error) {
	gerr := gateway.AsError(err)
	message := gerr.Message
	if gerr.Status == 500 {
		message = "Internal server error"
	}
	WriteErrorEnvelope(w, gerr.Status, gerr.Code, gerr.Type, message, RequestID(r))
}

func writeValidationError(w http.ResponseWriter, r *http.Request, message string) {
	WriteErrorEnvelope(w, 422, "request_validation_failed", "validation", message, RequestID(r))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
