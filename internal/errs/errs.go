// Package errs defines the closed error taxonomy shared by the agent host
// and the gateway, and the HTTP/wire envelope used to transport it.
package errs

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// Code is one of the closed set of error codes the core ever produces.
type Code string

const (
	RequestValidationFailed Code = "REQUEST_VALIDATION_FAILED"
	AuthorizationFailed     Code = "AUTHORIZATION_FAILED"
	AuthRequired            Code = "AUTH_REQUIRED"
	InvalidKey              Code = "INVALID_KEY"
	SessionNotFound         Code = "SESSION_NOT_FOUND"
	CapabilityNotSupported  Code = "CAPABILITY_NOT_SUPPORTED"
	InternalError           Code = "INTERNAL_ERROR"
	Timeout                 Code = "TIMEOUT"
	RegistrationError       Code = "REGISTRATION_ERROR"
)

// Scope classifies where an error originated, per spec §7.
type Scope string

const (
	ScopeRequest   Scope = "request"
	ScopeSession   Scope = "session"
	ScopeAuth      Scope = "auth"
	ScopeTransport Scope = "transport"
	ScopeService   Scope = "service"
)

// Error is the tagged record every component returns instead of an ad hoc
// string: {code, message, retryable, scope, detail?}.
type Error struct {
	Code      Code           `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Scope     Scope          `json:"scope"`
	Detail    map[string]any `json:"detail,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an Error. Use the New* helpers below for the common cases.
func New(code Code, scope Scope, retryable bool, message string) *Error {
	return &Error{Code: code, Message: message, Retryable: retryable, Scope: scope}
}

func (e *Error) WithDetail(key string, value any) *Error {
	if e.Detail == nil {
		e.Detail = make(map[string]any)
	}
	e.Detail[key] = value
	return e
}

func Validation(message string) *Error {
	return New(RequestValidationFailed, ScopeRequest, false, message)
}

func Authorization(message string) *Error {
	return New(AuthorizationFailed, ScopeAuth, false, message)
}

func AuthMissing(message string) *Error {
	return New(AuthRequired, ScopeAuth, false, message)
}

func SessionMissing(sessionID string) *Error {
	return New(SessionNotFound, ScopeRequest, false, "session not found").WithDetail("sessionId", sessionID)
}

func CapabilityMissing(capability string) *Error {
	return New(CapabilityNotSupported, ScopeRequest, false, "capability not supported").WithDetail("capability", capability)
}

func Internal(message string) *Error {
	return New(InternalError, ScopeService, false, message)
}

func TimedOut(message string) *Error {
	return New(Timeout, ScopeTransport, true, message)
}

func Registration(message string) *Error {
	return New(RegistrationError, ScopeTransport, false, message)
}

// Envelope is the JSON shape written to HTTP responses and rpc:response
// error frames: {error: {code, message, retryable, scope, detail?}}.
type Envelope struct {
	Error *Error `json:"error"`
}

// HTTPStatus maps an error code to the HTTP status spec §6 prescribes.
func HTTPStatus(code Code) int {
	switch code {
	case RequestValidationFailed:
		return http.StatusBadRequest
	case AuthRequired, InvalidKey:
		return http.StatusUnauthorized
	case AuthorizationFailed:
		return http.StatusForbidden
	case SessionNotFound:
		return http.StatusNotFound
	case CapabilityNotSupported:
		return http.StatusConflict
	case Timeout, RegistrationError, InternalError:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

// WriteHTTP writes the standard error envelope with the mapped status code.
func WriteHTTP(w http.ResponseWriter, err *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(HTTPStatus(err.Code))
	_ = json.NewEncoder(w).Encode(Envelope{Error: err})
}

// As recovers an *Error from a generic error, wrapping it as an internal
// error when the source doesn't already carry a tag.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	if e, ok := err.(*Error); ok {
		return e
	}
	return Internal(err.Error())
}
