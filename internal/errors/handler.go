package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// AppError is the value every core service returns on failure. It never
// carries a status code directly; the HTTP adapter maps Code to one.
type AppError struct {
	Code    Code
	Message string
	Details map[string]string
}

func (e *AppError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(e.Code)
}

// New builds an AppError.
func New(code Code, message string) *AppError {
	return &AppError{Code: code, Message: message}
}

// WithDetail returns a copy of the error with an extra detail attached.
func (e *AppError) WithDetail(k, v string) *AppError {
	out := &AppError{Code: e.Code, Message: e.Message, Details: map[string]string{}}
	for dk, dv := range e.Details {
		out.Details[dk] = dv
	}
	out.Details[k] = v
	return out
}

// ErrorBody is the wire shape of an error response.
type ErrorBody struct {
	Error struct {
		Code    Code              `json:"code"`
		Message string            `json:"message"`
		Details map[string]string `json:"details,omitempty"`
	} `json:"error"`
}

// WriteJSON writes err as a JSON error envelope with the status mapped
// from its Code. Secrets (secret_key, webhook secrets, HMACs, stack
// traces) must never appear in Message or Details — callers are
// responsible for not putting them there.
func WriteJSON(w http.ResponseWriter, err error) {
	ae, ok := AsAppError(err)
	if !ok {
		ae = New(Internal, "internal server error")
	}
	body := ErrorBody{}
	body.Error.Code = ae.Code
	body.Error.Message = ae.Message
	body.Error.Details = ae.Details

	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(HTTPStatusFor(ae.Code))
	_ = json.NewEncoder(w).Encode(body)
}

// AsAppError unwraps err into an *AppError if possible.
func AsAppError(err error) (*AppError, bool) {
	if err == nil {
		return nil, false
	}
	if ae, ok := err.(*AppError); ok {
		return ae, true
	}
	return nil, false
}
