package gateway

import (
	"errors"
	"fmt"

	"github.com/sovereignrag/gateway/pkg/provider"
)

// Error is the gateway's typed request failure. The API layer renders it as
// the error envelope; Status drives the HTTP status code.
type Error struct {
	Status  int
	Code    string
	Type    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s (%d %s)", e.Type, e.Message, e.Status, e.Code)
}

// NewError builds a typed gateway error.
func NewError(status int, code, errType, message string) *Error {
	return &Error{Status: status, Code: code, Type: errType, Message: message}
}

// AsError coerces any error into a *Error, defaulting to 500 internal_error
// so no raw error detail ever reaches a client.
func AsError(err error) *Error {
	var gerr *Error
	if errors.As(err, &gerr) {
		return gerr
	}
	return NewError(500, "internal_error", "internal", "Internal server error")
}

// errorFromProvider maps an upstream failure to a client-facing error.
// Rate limits and upstream outages pass through with their own status;
// everything else collapses to 502 provider_upstream_error.
func errorFromProvider(err error) *Error {
	var perr *provider.Error
	if errors.As(err, &perr) {
		switch perr.StatusCode {
		case 429, 501, 502, 503:
			return NewError(perr.StatusCode, perr.Code, perr.Type, perr.Message)
		}
		return NewError(502, "provider_upstream_error", "provider", perr.Message)
	}
	return NewError(502, "provider_upstream_error", "provider", err.Error())
}
