// Package apierr consolidates the teacher's scattered http.Error calls
// into a single typed error taxonomy mapped to HTTP status codes, per
// spec.md §7.
package apierr

import (
	"encoding/json"
	"errors"
	"net/http"
)

// Code is a machine-readable error code surfaced to clients.
type Code string

const (
	CodeInvalidToken       Code = "invalid_token"
	CodeTokenExpired       Code = "token_expired"
	CodeSessionRevoked     Code = "session_revoked"
	CodeTokenReuseDetected Code = "token_reuse_detected"
	CodeNotFound           Code = "not_found"
	CodeConflict           Code = "conflict"
	CodePayloadTooLarge    Code = "payload_too_large"
	CodeForbidden          Code = "forbidden"
	CodeInvalidRequest     Code = "invalid_request"
	CodeInternal           Code = "internal_error"
)

var statusByCode = map[Code]int{
	CodeInvalidToken:       http.StatusUnauthorized,
	CodeTokenExpired:       http.StatusUnauthorized,
	CodeSessionRevoked:     http.StatusUnauthorized,
	CodeTokenReuseDetected: http.StatusUnauthorized,
	CodeNotFound:           http.StatusNotFound,
	CodeConflict:           http.StatusConflict,
	CodePayloadTooLarge:    http.StatusBadRequest,
	CodeForbidden:          http.StatusForbidden,
	CodeInvalidRequest:     http.StatusBadRequest,
	CodeInternal:           http.StatusInternalServerError,
}

// Error is the typed error every handler returns instead of calling
// http.Error directly.
type Error struct {
	Code    Code
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Code)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Wrap builds an Error carrying cause for logging, without exposing cause
// details to the client.
func Wrap(code Code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Status returns the HTTP status for err, defaulting to 500 for anything
// not wrapped as *Error.
func Status(err error) int {
	var e *Error
	if errors.As(err, &e) {
		if status, ok := statusByCode[e.Code]; ok {
			return status
		}
	}
	return http.StatusInternalServerError
}

// WriteJSON writes err to w as the standard {"error": {"code", "message"}}
// envelope, setting the appropriate status code.
func WriteJSON(w http.ResponseWriter, err error) {
	var e *Error
	if !errors.As(err, &e) {
		e = &Error{Code: CodeInternal, Message: "internal error"}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(Status(err))
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    string(e.Code),
			"message": e.Message,
		},
	})
}
