/*
Copyright 2025 The Taskline Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package apierrors defines the stable error codes of the orchestrator and
// their RFC 7807 problem rendering. Codes are part of the external contract:
// workers and clients branch on them, so they never change.
package apierrors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Reserved error codes. Workers may emit additional codes; the orchestrator
// stores them verbatim.
const (
	CodeDispatchFailed     = "DISPATCH_FAILED"
	CodeHeartbeatTimeout   = "HEARTBEAT_TIMEOUT"
	CodeInvalidNextTasks   = "INVALID_NEXT_TASKS"
	CodeInvalidInput       = "INVALID_INPUT"
	CodeNetworkError       = "NETWORK_ERROR"
	CodeTimeout            = "TIMEOUT"
	CodeUnavailable        = "ORCHESTRATOR_UNAVAILABLE"
	CodeNotFound           = "NOT_FOUND"
	CodeValidationFailed   = "VALIDATION_FAILED"
	CodeConflict           = "CONFLICT"
	CodeInternal           = "INTERNAL_ERROR"
	CodeServiceClaimDenied = "SERVICE_CLAIM_DENIED"
)

// Error is a coded application error. Status is the HTTP class it maps to
// at the transport boundary; internals treat it as opaque.
type Error struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Status  int               `json:"-"`
	Fields  map[string]string `json:"fields,omitempty"`
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// WithCause attaches an underlying error, returning a copy.
func (e *Error) WithCause(err error) *Error {
	cp := *e
	cp.cause = err
	return &cp
}

// WithFields attaches per-field diagnostics, returning a copy.
func (e *Error) WithFields(fields map[string]string) *Error {
	cp := *e
	cp.Fields = fields
	return &cp
}

func NotFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...), Status: http.StatusNotFound}
}

func Validation(format string, args ...any) *Error {
	return &Error{Code: CodeValidationFailed, Message: fmt.Sprintf(format, args...), Status: http.StatusBadRequest}
}

func InvalidInput(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidInput, Message: fmt.Sprintf(format, args...), Status: http.StatusBadRequest}
}

func Conflict(format string, args ...any) *Error {
	return &Error{Code: CodeConflict, Message: fmt.Sprintf(format, args...), Status: http.StatusConflict}
}

func Unavailable(format string, args ...any) *Error {
	return &Error{Code: CodeUnavailable, Message: fmt.Sprintf(format, args...), Status: http.StatusServiceUnavailable}
}

func Internal(format string, args ...any) *Error {
	return &Error{Code: CodeInternal, Message: fmt.Sprintf(format, args...), Status: http.StatusInternalServerError}
}

func ServiceClaimDenied(format string, args ...any) *Error {
	return &Error{Code: CodeServiceClaimDenied, Message: fmt.Sprintf(format, args...), Status: http.StatusConflict}
}

// CodeOf extracts the machine code from err, or CodeInternal for plain errors.
func CodeOf(err error) string {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return CodeInternal
}

// Problem is the RFC 7807 document returned by the HTTP surface.
type Problem struct {
	Type   string            `json:"type"`
	Title  string            `json:"title"`
	Status int               `json:"status"`
	Detail string            `json:"detail,omitempty"`
	Code   string            `json:"code,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// WriteProblem renders err as application/problem+json.
func WriteProblem(w http.ResponseWriter, err error) {
	prob := Problem{
		Type:   "about:blank",
		Title:  http.StatusText(http.StatusInternalServerError),
		Status: http.StatusInternalServerError,
		Detail: err.Error(),
		Code:   CodeInternal,
	}
	var ae *Error
	if errors.As(err, &ae) {
		prob.Title = http.StatusText(ae.Status)
		prob.Status = ae.Status
		prob.Detail = ae.Message
		prob.Code = ae.Code
		prob.Fields = ae.Fields
	}
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(prob.Status)
	_ = json.NewEncoder(w).Encode(prob)
}
