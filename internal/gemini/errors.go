package gemini

import (
	"fmt"
	"net/http"
)

// ErrorKind classifies every failure the proxy can surface to a client.
type ErrorKind int

const (
	KindInternal ErrorKind = iota
	KindAuthentication
	KindInvalidRequest
	KindTranslation
	KindRateLimited
	KindOverloaded
	KindUnavailable
	KindUpstream
	KindProjectResolution
)

// HTTPStatus returns the client-facing status code for the kind.
func (k ErrorKind) HTTPStatus() int {
	switch k {
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindInvalidRequest, KindTranslation:
		return http.StatusBadRequest
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindOverloaded:
		return 529
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindUpstream, KindProjectResolution:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// AnthropicType returns the error.type value in the Anthropic error body.
func (k ErrorKind) AnthropicType() string {
	switch k {
	case KindAuthentication:
		return "authentication_error"
	case KindInvalidRequest, KindTranslation:
		return "invalid_request_error"
	case KindRateLimited:
		return "rate_limit_error"
	case KindOverloaded:
		return "overloaded_error"
	default:
		return "api_error"
	}
}

// Error is the proxy's typed error. It carries a classification and wraps
// any underlying cause.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

func Errorf(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func Wrap(kind ErrorKind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func InvalidRequestf(format string, args ...any) *Error {
	return Errorf(KindInvalidRequest, format, args...)
}

func Translationf(format string, args ...any) *Error {
	return Errorf(KindTranslation, format, args...)
}

// mapStatus classifies an upstream HTTP failure.
func mapStatus(status int, body string) *Error {
	switch {
	case status == http.StatusUnauthorized:
		return Errorf(KindAuthentication, "upstream rejected credentials (status 401)")
	case status == http.StatusTooManyRequests:
		return Errorf(KindRateLimited, "upstream rate limit (status 429): %s", truncate(body, 300))
	case status == 529:
		return Errorf(KindOverloaded, "upstream overloaded (status 529)")
	case status == http.StatusServiceUnavailable, status == http.StatusGatewayTimeout:
		return Errorf(KindUnavailable, "upstream unavailable (status %d)", status)
	default:
		return Errorf(KindUpstream, "upstream error (status %d): %s", status, truncate(body, 300))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
