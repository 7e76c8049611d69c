package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Sentinel gateway errors. An *APIError unwraps to at most one of these.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidCode        = errors.New("invalid one-time code")
	ErrCodeExpired        = errors.New("one-time code expired")
	ErrRateLimited        = errors.New("rate limited")
	ErrNotFound           = errors.New("not found")
	ErrUnauthorized       = errors.New("unauthorized")
	ErrConflict           = errors.New("already exists")
)

// Error codes used in the gateway's {"error","code"} bodies.
const (
	CodeInvalidCredentials = "invalid_credentials"
	CodeInvalidCode        = "invalid_code"
	CodeCodeExpired        = "code_expired"
	CodeRateLimited        = "rate_limited"
	CodeNotFound           = "not_found"
	CodeUnauthorized       = "unauthorized"
	CodeConflict           = "conflict"
	CodeValidation         = "validation"
)

// APIError is a non-2xx answer from the gateway.
type APIError struct {
	Status  int
	Code    string
	Message string

	sentinel error
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway error %d", e.Status)
	}
	return fmt.Sprintf("gateway error %d: %s", e.Status, e.Message)
}

// Unwrap exposes the matching sentinel so callers can use errors.Is.
func (e *APIError) Unwrap() error { return e.sentinel }

func newAPIError(status int, body []byte) *APIError {
	var payload struct {
		Error string `json:"error"`
		Code  string `json:"code"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		payload.Error = string(body)
	}
	e := &APIError{Status: status, Code: payload.Code, Message: payload.Error}

	switch payload.Code {
	case CodeInvalidCredentials:
		e.sentinel = ErrInvalidCredentials
	case CodeInvalidCode:
		e.sentinel = ErrInvalidCode
	case CodeCodeExpired:
		e.sentinel = ErrCodeExpired
	case CodeRateLimited:
		e.sentinel = ErrRateLimited
	case CodeConflict:
		e.sentinel = ErrConflict
	}
	if e.sentinel != nil {
		return e
	}

	switch status {
	case http.StatusNotFound:
		e.sentinel = ErrNotFound
	case http.StatusUnauthorized:
		e.sentinel = ErrUnauthorized
	case http.StatusTooManyRequests:
		e.sentinel = ErrRateLimited
	case http.StatusConflict:
		e.sentinel = ErrConflict
	}
	return e
}
