package sessionclient

import (
	"errors"
	"fmt"
	"net/http"
)

// Sentinel errors exposed by the session client.
var (
	ErrRefreshDisabled     = errors.New("session.refresh_disabled")
	ErrUnauthenticated     = errors.New("session.unauthenticated")
	ErrNetworkUnavailable  = errors.New("session.network_unavailable")
	ErrMissingAccessToken  = errors.New("session.missing_access_token")
	ErrMissingBaseURL      = errors.New("session.missing_base_url")
	ErrInvalidBaseURL      = errors.New("session.invalid_base_url")
	ErrInvalidRequest      = errors.New("session.invalid_request")
	ErrUnexpectedEnvelope  = errors.New("session.unexpected_envelope")
	ErrSimpleContextAbsent = errors.New("session.simple_context_absent")
	ErrUnknownTenant       = errors.New("session.tenant.unknown")
)

// SessionErrorKind separates a definitive loss of the session from a failure to reach the server.
type SessionErrorKind int

const (
	// SessionErrorUnauthenticated means the server answered and rejected the session.
	SessionErrorUnauthenticated SessionErrorKind = iota + 1
	// SessionErrorNetworkUnavailable means the server could not be reached or failed with 5xx.
	SessionErrorNetworkUnavailable
)

func (kind SessionErrorKind) String() string {
	switch kind {
	case SessionErrorUnauthenticated:
		return "unauthenticated"
	case SessionErrorNetworkUnavailable:
		return "network_unavailable"
	default:
		return "unknown"
	}
}

// SessionError reports why a refresh or login attempt produced no access token.
type SessionError struct {
	Kind       SessionErrorKind
	Operation  string
	StatusCode int
	Err        error
}

func (sessionErr *SessionError) Error() string {
	if sessionErr.StatusCode != 0 {
		return fmt.Sprintf("session.%s.%s: status %d: %v", sessionErr.Operation, sessionErr.Kind, sessionErr.StatusCode, sessionErr.Err)
	}
	return fmt.Sprintf("session.%s.%s: %v", sessionErr.Operation, sessionErr.Kind, sessionErr.Err)
}

func (sessionErr *SessionError) Unwrap() []error {
	kindErr := ErrUnauthenticated
	if sessionErr.Kind == SessionErrorNetworkUnavailable {
		kindErr = ErrNetworkUnavailable
	}
	if sessionErr.Err == nil {
		return []error{kindErr}
	}
	return []error{kindErr, sessionErr.Err}
}

func newSessionError(operation string, err error) *SessionError {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		kind := SessionErrorUnauthenticated
		if httpErr.StatusCode >= http.StatusInternalServerError {
			kind = SessionErrorNetworkUnavailable
		}
		return &SessionError{Kind: kind, Operation: operation, StatusCode: httpErr.StatusCode, Err: err}
	}
	if errors.Is(err, ErrMissingAccessToken) || errors.Is(err, ErrUnexpectedEnvelope) {
		return &SessionError{Kind: SessionErrorUnauthenticated, Operation: operation, Err: err}
	}
	return &SessionError{Kind: SessionErrorNetworkUnavailable, Operation: operation, Err: err}
}

// HTTPError carries a non-2xx response that the pipeline did not recover.
type HTTPError struct {
	Method     string
	Path       string
	StatusCode int
	Header     http.Header
	Body       []byte
}

func (httpErr *HTTPError) Error() string {
	return fmt.Sprintf("session.http: %s %s: status %d", httpErr.Method, httpErr.Path, httpErr.StatusCode)
}

// StatusCode extracts the HTTP status from err, or 0 when err carries none.
func StatusCode(err error) int {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.StatusCode
	}
	return 0
}
