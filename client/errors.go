package olympus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
)

// ErrSessionInvalid is returned when the refresh token has been rejected by the
// platform. Stored credentials are cleared and the user must authenticate again.
var ErrSessionInvalid = errors.New("session invalid: re-authentication required")

// ErrNoAccessToken is returned when an operation requires a stored access token
// and the credential store has none.
var ErrNoAccessToken = errors.New("no access token available")

// ErrorKind classifies request failures so callers can branch on the failure
// class without parsing status codes or error strings.
type ErrorKind int

const (
	ErrUnknown ErrorKind = iota
	ErrTimeout
	ErrNoConnection
	ErrBadRequest
	ErrUnauthorized
	ErrForbidden
	ErrNotFound
	ErrValidation
	ErrServer
	ErrCancelled
)

func (k ErrorKind) String() string {
	switch k {
	case ErrTimeout:
		return "timeout"
	case ErrNoConnection:
		return "no_connection"
	case ErrBadRequest:
		return "bad_request"
	case ErrUnauthorized:
		return "unauthorized"
	case ErrForbidden:
		return "forbidden"
	case ErrNotFound:
		return "not_found"
	case ErrValidation:
		return "validation"
	case ErrServer:
		return "server"
	case ErrCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is the failure type surfaced by the request pipeline. StatusCode is
// zero for transport-level failures that never produced a response.
type Error struct {
	Kind       ErrorKind
	StatusCode int
	Message    string
	cause      error
}

func (e *Error) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("olympus: %s (HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("olympus: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var apiErr *Error
	return errors.As(err, &apiErr) && apiErr.Kind == kind
}

// classifyTransport maps errors from the HTTP round trip itself (no response
// received) onto the taxonomy.
func classifyTransport(err error) *Error {
	switch {
	case errors.Is(err, context.Canceled):
		return &Error{Kind: ErrCancelled, Message: "request cancelled", cause: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: ErrTimeout, Message: "request timed out", cause: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: ErrTimeout, Message: "request timed out", cause: err}
	}

	return &Error{Kind: ErrNoConnection, Message: err.Error(), cause: err}
}

// classifyStatus maps a non-2xx response onto the taxonomy, pulling the server
// message out of the body when one is present.
func classifyStatus(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode, Message: serverMessage(body)}
	if apiErr.Message == "" {
		apiErr.Message = http.StatusText(statusCode)
	}

	switch {
	case statusCode == http.StatusBadRequest:
		apiErr.Kind = ErrBadRequest
	case statusCode == http.StatusUnauthorized:
		apiErr.Kind = ErrUnauthorized
	case statusCode == http.StatusForbidden:
		apiErr.Kind = ErrForbidden
	case statusCode == http.StatusNotFound:
		apiErr.Kind = ErrNotFound
	case statusCode == http.StatusUnprocessableEntity:
		apiErr.Kind = ErrValidation
	case statusCode >= 500:
		apiErr.Kind = ErrServer
	default:
		apiErr.Kind = ErrUnknown
	}

	return apiErr
}

// serverMessage extracts a human-readable message from a platform error body.
// The platform uses {"error": "..."} but some services return {"message": "..."}.
func serverMessage(body []byte) string {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Detail  string `json:"detail"`
	}
	if err := json.Unmarshal(body, &payload); err == nil {
		switch {
		case payload.Error != "":
			return payload.Error
		case payload.Message != "":
			return payload.Message
		case payload.Detail != "":
			return payload.Detail
		}
	}
	const maxLen = 256
	if len(body) > maxLen {
		return string(body[:maxLen])
	}
	return string(body)
}
